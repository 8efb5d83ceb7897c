package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agrihaul/fulfillment/internal/inventory/domain"
)

const (
	defaultMaxAttempts = 4
	defaultBackoff     = 25 * time.Millisecond
)

// Service is the inventory ledger. It owns the reservation TTL and absorbs
// transient locking conflicts from the store by retrying with linear backoff
// before surfacing them.
type Service struct {
	log         *slog.Logger
	store       Store
	ttl         time.Duration
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func NewService(log *slog.Logger, store Store, ttl time.Duration) *Service {
	return &Service{
		log:         log,
		store:       store,
		ttl:         ttl,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		now:         time.Now,
	}
}

func (s *Service) Reserve(ctx context.Context, orderID, productID string, quantity int) (domain.Reservation, error) {
	if quantity <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}
	expiresAt := s.now().UTC().Add(s.ttl)

	var res domain.Reservation
	err := s.retry(ctx, func() error {
		var err error
		res, err = s.store.Reserve(ctx, orderID, productID, quantity, expiresAt)
		return err
	})
	return res, err
}

func (s *Service) Commit(ctx context.Context, orderID, productID string) error {
	return s.retry(ctx, func() error {
		return s.store.Commit(ctx, orderID, productID)
	})
}

func (s *Service) Release(ctx context.Context, orderID, productID string) error {
	return s.retry(ctx, func() error {
		return s.store.Release(ctx, orderID, productID)
	})
}

// SweepExpired reclaims HELD reservations past their TTL and reports what was
// released.
func (s *Service) SweepExpired(ctx context.Context) ([]domain.Reservation, error) {
	return s.store.SweepExpired(ctx, s.now().UTC())
}

func (s *Service) AddStock(ctx context.Context, productID string, quantity int) (domain.Item, error) {
	if quantity <= 0 {
		return domain.Item{}, domain.ErrInvalidQuantity
	}
	return s.store.AddStock(ctx, productID, quantity)
}

func (s *Service) Item(ctx context.Context, productID string) (domain.Item, error) {
	return s.store.Item(ctx, productID)
}

func (s *Service) Reservations(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	return s.store.Reservations(ctx, orderID)
}

func (s *Service) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = op()
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		s.log.Warn("inventory conflict, retrying", "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.backoff):
		}
	}
	return err
}
