package domain

import "errors"

// ErrCompensationFailed marks a saga whose rollback could not be completed.
// The order is parked for manual review instead of being retried silently.
var ErrCompensationFailed = errors.New("orchestrator: compensation failed")

// Saga step names, attached to failure log lines.
const (
	StepReserve   = "reserve"
	StepAuthorize = "authorize"
	StepConfirm   = "confirm"
)
