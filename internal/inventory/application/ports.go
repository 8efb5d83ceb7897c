package application

import (
	"context"
	"time"

	"github.com/agrihaul/fulfillment/internal/inventory/domain"
)

// Store is the persistence port for the inventory ledger. Every mutation is a
// single atomic unit: Reserve combines the availability check with the
// counter increment, Release combines the state flip with the decrement.
type Store interface {
	Reserve(ctx context.Context, orderID, productID string, quantity int, expiresAt time.Time) (domain.Reservation, error)
	Commit(ctx context.Context, orderID, productID string) error
	Release(ctx context.Context, orderID, productID string) error
	SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error)
	AddStock(ctx context.Context, productID string, quantity int) (domain.Item, error)
	Item(ctx context.Context, productID string) (domain.Item, error)
	Reservations(ctx context.Context, orderID string) ([]domain.Reservation, error)
}
