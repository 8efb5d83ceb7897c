package domain

import (
	"errors"
	"time"
)

// IntentStatus is the settlement state of one payment intent.
type IntentStatus string

const (
	IntentAuthorizing IntentStatus = "AUTHORIZING"
	IntentAuthorized  IntentStatus = "AUTHORIZED"
	IntentCaptured    IntentStatus = "CAPTURED"
	IntentDeclined    IntentStatus = "DECLINED"
	IntentVoided      IntentStatus = "VOIDED"
)

// Intent tracks one authorization attempt against the gateway. Amounts are
// integer cents.
type Intent struct {
	ID            string
	OrderID       string
	AmountCents   int64
	Status        IntentStatus
	ExternalRef   string
	DeclineReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Outcome is the gateway's verdict delivered through the callback channel.
type Outcome string

const (
	OutcomeAuthorized Outcome = "AUTHORIZED"
	OutcomeDeclined   Outcome = "DECLINED"
)

// Callback is the message the gateway posts back after an asynchronous
// authorization attempt.
type Callback struct {
	IntentID    string  `json:"intent_id"`
	Outcome     Outcome `json:"outcome"`
	Reason      string  `json:"reason,omitempty"`
	ExternalRef string  `json:"external_ref,omitempty"`
}

var (
	ErrIntentNotFound       = errors.New("payment: intent not found")
	ErrDeclined             = errors.New("payment: authorization declined")
	ErrAuthorizationTimeout = errors.New("payment: authorization timed out")
)
