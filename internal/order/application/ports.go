package application

import (
	"context"

	"github.com/agrihaul/fulfillment/internal/order/domain"
)

// Repository stores the order aggregate. Insert returns domain.ErrConflict
// when another order already holds the same idempotency key.
type Repository interface {
	Insert(ctx context.Context, o domain.Order) error
	Get(ctx context.Context, id string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	Update(ctx context.Context, o domain.Order) error
}

// CatalogClient resolves the current unit price for a product.
type CatalogClient interface {
	UnitPrice(ctx context.Context, productID string) (int64, error)
}
