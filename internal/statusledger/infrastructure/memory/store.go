package memory

import (
	"context"
	"sync"
	"time"

	"github.com/agrihaul/fulfillment/internal/statusledger/domain"
)

// Store keeps per-order event slices in memory. A single mutex guards the
// map and the append path; projections fold the stored slice.
type Store struct {
	mu     sync.Mutex
	events map[string][]domain.Event
	notify func(domain.Event)
}

func NewStore() *Store {
	return &Store{events: make(map[string][]domain.Event)}
}

// Notify registers a callback invoked after every successful append, outside
// the store lock. Used by tests and the in-memory wiring in place of the
// outbox relay.
func (s *Store) Notify(fn func(domain.Event)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *Store) Append(ctx context.Context, orderID string, et domain.EventType, payload []byte) (domain.Event, error) {
	s.mu.Lock()
	seq := s.events[orderID]
	cur := domain.StatusNone
	if n := len(seq); n > 0 {
		cur = domain.Result(seq[n-1].Type)
	}
	if _, err := domain.Next(cur, et); err != nil {
		s.mu.Unlock()
		return domain.Event{}, err
	}
	ev := domain.Event{
		OrderID:    orderID,
		Seq:        int64(len(seq)) + 1,
		Type:       et,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	}
	s.events[orderID] = append(seq, ev)
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(ev)
	}
	return ev, nil
}

func (s *Store) Events(ctx context.Context, orderID string) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events[orderID]))
	copy(out, s.events[orderID])
	return out, nil
}

func (s *Store) Project(ctx context.Context, orderID string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Fold(s.events[orderID])
}
