package application

import (
	"context"
	"log/slog"
	"time"

	invdom "github.com/agrihaul/fulfillment/internal/inventory/domain"
	"github.com/agrihaul/fulfillment/pkg/metrics"
)

// ReservationSweeper reclaims expired holds from the inventory store.
type ReservationSweeper interface {
	SweepExpired(ctx context.Context) ([]invdom.Reservation, error)
}

// Sweeper periodically releases expired reservations and lets the
// coordinator compensate the affected orders. The store releases atomically;
// the sweeper's job is only to fan the reclaimed order ids into the saga.
type Sweeper struct {
	log      *slog.Logger
	store    ReservationSweeper
	coord    *Coordinator
	metrics  *metrics.Fulfillment
	interval time.Duration
}

func NewSweeper(log *slog.Logger, store ReservationSweeper, coord *Coordinator, m *metrics.Fulfillment, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{log: log, store: store, coord: coord, metrics: m, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exposed for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	reclaimed, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.log.Error("sweep failed", "err", err)
		return
	}
	if len(reclaimed) == 0 {
		return
	}
	s.metrics.SweptReservations(len(reclaimed))
	s.log.Info("reclaimed expired reservations", "count", len(reclaimed))

	orders := make(map[string]bool)
	for _, res := range reclaimed {
		if orders[res.OrderID] {
			continue
		}
		orders[res.OrderID] = true
		if err := s.coord.OnReservationExpired(ctx, res.OrderID); err != nil {
			s.log.Error("expiry compensation failed", "order_id", res.OrderID, "err", err)
		}
	}
}
