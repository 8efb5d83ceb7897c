package domain

import (
	"errors"
	"fmt"
	"time"
)

// EventType names a fact recorded on an order's ledger. Events are append
// only. The projected status of an order is a pure fold over its events.
type EventType string

const (
	EventCreated            EventType = "CREATED"
	EventReserving          EventType = "RESERVING"
	EventReserved           EventType = "RESERVED"
	EventReserveFailed      EventType = "RESERVE_FAILED"
	EventReserveExpired     EventType = "RESERVE_EXPIRED"
	EventPaymentAuthorizing EventType = "PAYMENT_AUTHORIZING"
	EventPaymentAuthorized  EventType = "PAYMENT_AUTHORIZED"
	EventPaymentDeclined    EventType = "PAYMENT_DECLINED"
	EventPaymentTimeout     EventType = "PAYMENT_TIMEOUT"
	EventCompensating       EventType = "COMPENSATING"
	EventCompensationFailed EventType = "COMPENSATION_FAILED"
	EventConfirmed          EventType = "CONFIRMED"
	EventCancelled          EventType = "CANCELLED"
	EventShipped            EventType = "SHIPPED"
	EventDelivered          EventType = "DELIVERED"
)

// Status is the projection derived from an order's event sequence.
type Status string

const (
	StatusNone                 Status = ""
	StatusCreated              Status = "CREATED"
	StatusReserving            Status = "RESERVING"
	StatusReserved             Status = "RESERVED"
	StatusReserveFailed        Status = "RESERVE_FAILED"
	StatusAuthorizing          Status = "PAYMENT_AUTHORIZING"
	StatusAuthorized           Status = "PAYMENT_AUTHORIZED"
	StatusPaymentDeclined      Status = "PAYMENT_DECLINED"
	StatusPaymentTimedOut      Status = "PAYMENT_TIMED_OUT"
	StatusCompensating         Status = "COMPENSATING"
	StatusConfirmed            Status = "CONFIRMED"
	StatusCancelled            Status = "CANCELLED"
	StatusCancelledNeedsReview Status = "CANCELLED_NEEDS_REVIEW"
	StatusShipped              Status = "SHIPPED"
	StatusDelivered            Status = "DELIVERED"
)

// Event is one row of an order's ledger. Seq starts at 1 and is contiguous
// per order.
type Event struct {
	OrderID    string
	Seq        int64
	Type       EventType
	Payload    []byte
	RecordedAt time.Time
}

var ErrInvalidTransition = errors.New("statusledger: invalid transition")

// results maps each event type to the status an order holds after it.
var results = map[EventType]Status{
	EventCreated:            StatusCreated,
	EventReserving:          StatusReserving,
	EventReserved:           StatusReserved,
	EventReserveFailed:      StatusReserveFailed,
	EventReserveExpired:     StatusCompensating,
	EventPaymentAuthorizing: StatusAuthorizing,
	EventPaymentAuthorized:  StatusAuthorized,
	EventPaymentDeclined:    StatusPaymentDeclined,
	EventPaymentTimeout:     StatusPaymentTimedOut,
	EventCompensating:       StatusCompensating,
	EventCompensationFailed: StatusCancelledNeedsReview,
	EventConfirmed:          StatusConfirmed,
	EventCancelled:          StatusCancelled,
	EventShipped:            StatusShipped,
	EventDelivered:          StatusDelivered,
}

// sources maps each event type to the statuses it may be appended from.
var sources = map[EventType][]Status{
	EventCreated:            {StatusNone},
	EventReserving:          {StatusCreated},
	EventReserved:           {StatusReserving},
	EventReserveFailed:      {StatusReserving},
	EventReserveExpired:     {StatusReserving, StatusReserved, StatusAuthorizing},
	EventPaymentAuthorizing: {StatusReserved},
	EventPaymentAuthorized:  {StatusAuthorizing},
	EventPaymentDeclined:    {StatusAuthorizing},
	EventPaymentTimeout:     {StatusAuthorizing},
	EventCompensating: {
		StatusCreated, StatusReserving, StatusReserved, StatusAuthorizing,
		StatusAuthorized, StatusPaymentDeclined, StatusPaymentTimedOut,
		StatusConfirmed,
	},
	EventCompensationFailed: {StatusCompensating, StatusReserveFailed},
	EventConfirmed:          {StatusAuthorized},
	EventCancelled:          {StatusCompensating, StatusReserveFailed},
	EventShipped:            {StatusConfirmed},
	EventDelivered:          {StatusShipped},
}

// Next validates appending et to an order currently at cur and returns the
// resulting status.
func Next(cur Status, et EventType) (Status, error) {
	allowed, ok := sources[et]
	if !ok {
		return cur, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, et)
	}
	for _, s := range allowed {
		if s == cur {
			return results[et], nil
		}
	}
	return cur, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, et, cur)
}

// Result returns the status an event type projects to, without validating
// the source.
func Result(et EventType) Status {
	return results[et]
}

// Fold replays an event sequence into the current status. Replaying the same
// sequence always yields the same status.
func Fold(events []Event) (Status, error) {
	cur := StatusNone
	for _, ev := range events {
		next, err := Next(cur, ev.Type)
		if err != nil {
			return cur, fmt.Errorf("event %d (%s): %w", ev.Seq, ev.Type, err)
		}
		cur = next
	}
	return cur, nil
}

// Terminal reports whether no further events may be appended after s, other
// than the post-sale shipping pair for CONFIRMED orders.
func Terminal(s Status) bool {
	switch s {
	case StatusCancelled, StatusCancelledNeedsReview, StatusDelivered:
		return true
	}
	return false
}
