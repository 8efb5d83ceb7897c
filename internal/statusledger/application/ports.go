package application

import (
	"context"

	"github.com/agrihaul/fulfillment/internal/statusledger/domain"
)

// Store is the append-only order ledger. Append validates the transition
// against the order's current projection under the same lock that assigns
// the sequence number, so concurrent appenders cannot both succeed from the
// same source status.
type Store interface {
	Append(ctx context.Context, orderID string, et domain.EventType, payload []byte) (domain.Event, error)
	Events(ctx context.Context, orderID string) ([]domain.Event, error)
	Project(ctx context.Context, orderID string) (domain.Status, error)
}
