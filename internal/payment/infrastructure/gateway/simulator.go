package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrihaul/fulfillment/internal/payment/domain"
)

// Handler receives the simulator's callbacks. In production wiring this is
// the reconciler, either directly or behind the kafka consumer.
type Handler interface {
	OnGatewayCallback(ctx context.Context, cb domain.Callback) error
}

// DecideFunc picks the verdict for an authorization attempt.
type DecideFunc func(orderID string, amountCents int64) (domain.Outcome, string)

// Simulator stands in for the external processor. Authorize returns
// immediately and the verdict is delivered after Delay on a separate
// goroutine, which reproduces the asynchronous callback shape of a real
// gateway.
type Simulator struct {
	log    *slog.Logger
	delay  time.Duration
	decide DecideFunc

	mu      sync.Mutex
	handler Handler
	refunds map[string]int64
	voids   map[string]bool
	wg      sync.WaitGroup
}

func NewSimulator(log *slog.Logger, delay time.Duration, decide DecideFunc) *Simulator {
	if decide == nil {
		decide = func(string, int64) (domain.Outcome, string) {
			return domain.OutcomeAuthorized, ""
		}
	}
	return &Simulator{
		log:     log,
		delay:   delay,
		decide:  decide,
		refunds: make(map[string]int64),
		voids:   make(map[string]bool),
	}
}

// SetHandler wires the callback target after construction. The reconciler
// needs the gateway and the gateway needs the reconciler, so one side has to
// be attached late.
func (s *Simulator) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Simulator) Authorize(ctx context.Context, intentID, orderID string, amountCents int64) error {
	outcome, reason := s.decide(orderID, amountCents)
	cb := domain.Callback{
		IntentID:    intentID,
		Outcome:     outcome,
		Reason:      reason,
		ExternalRef: "sim-" + uuid.NewString(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h == nil {
			s.log.Warn("gateway callback dropped, no handler", "intent_id", intentID)
			return
		}
		if err := h.OnGatewayCallback(context.WithoutCancel(ctx), cb); err != nil {
			s.log.Error("gateway callback rejected", "intent_id", intentID, "err", err)
		}
	}()
	return nil
}

func (s *Simulator) Capture(ctx context.Context, intentID string) error {
	return nil
}

func (s *Simulator) Void(ctx context.Context, intentID string) error {
	s.mu.Lock()
	s.voids[intentID] = true
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Refund(ctx context.Context, intentID string, amountCents int64) error {
	s.mu.Lock()
	s.refunds[intentID] += amountCents
	s.mu.Unlock()
	return nil
}

// Refunded reports the total refunded against an intent.
func (s *Simulator) Refunded(intentID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[intentID]
}

// Voided reports whether the intent was voided.
func (s *Simulator) Voided(intentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voids[intentID]
}

// Flush waits for all in-flight callbacks to finish delivering.
func (s *Simulator) Flush() {
	s.wg.Wait()
}
