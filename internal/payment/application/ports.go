package application

import (
	"context"

	"github.com/agrihaul/fulfillment/internal/payment/domain"
	sldom "github.com/agrihaul/fulfillment/internal/statusledger/domain"
)

type IntentRepository interface {
	Insert(ctx context.Context, in domain.Intent) error
	Get(ctx context.Context, id string) (domain.Intent, error)
	GetByOrder(ctx context.Context, orderID string) (domain.Intent, error)
	Update(ctx context.Context, in domain.Intent) error
}

// Gateway is the external processor. Authorize only starts an attempt; the
// verdict arrives later on the callback channel.
type Gateway interface {
	Authorize(ctx context.Context, intentID, orderID string, amountCents int64) error
	Capture(ctx context.Context, intentID string) error
	Void(ctx context.Context, intentID string) error
	Refund(ctx context.Context, intentID string, amountCents int64) error
}

// StatusReader lets the reconciler check whether an order is still live when
// a callback arrives.
type StatusReader interface {
	Project(ctx context.Context, orderID string) (sldom.Status, error)
}
