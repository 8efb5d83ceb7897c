package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agrihaul/fulfillment/internal/inventory/domain"
)

// Store keeps the ledger in process. Each product carries its own mutex so
// contention mirrors row-level locking: two orders touching different
// products never serialize on each other.
type Store struct {
	mu    sync.RWMutex
	items map[string]*entry
}

type entry struct {
	mu           sync.Mutex
	item         domain.Item
	reservations map[string]*domain.Reservation // keyed by order id
}

func NewStore() *Store {
	return &Store{items: make(map[string]*entry)}
}

func (s *Store) Reserve(ctx context.Context, orderID, productID string, quantity int, expiresAt time.Time) (domain.Reservation, error) {
	_ = ctx
	e, err := s.entry(productID)
	if err != nil {
		return domain.Reservation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-submitted reserve for the same (order, product) pair must not hold
	// stock twice.
	if existing, ok := e.reservations[orderID]; ok && existing.State != domain.ReservationReleased {
		return *existing, nil
	}

	if e.item.Available() < quantity {
		return domain.Reservation{}, domain.ErrInsufficientStock
	}

	now := time.Now().UTC()
	e.item.Reserved += quantity
	e.item.UpdatedAt = now
	res := &domain.Reservation{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		State:     domain.ReservationHeld,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	e.reservations[orderID] = res
	return *res, nil
}

func (s *Store) Commit(ctx context.Context, orderID, productID string) error {
	_ = ctx
	e, err := s.entry(productID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.reservations[orderID]
	if !ok {
		return domain.ErrReservationNotFound
	}
	switch res.State {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationReleased:
		return domain.ErrReservationNotFound
	}
	res.State = domain.ReservationCommitted
	return nil
}

func (s *Store) Release(ctx context.Context, orderID, productID string) error {
	_ = ctx
	e, err := s.entry(productID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, ok := e.reservations[orderID]
	if !ok {
		return domain.ErrReservationNotFound
	}
	switch res.State {
	case domain.ReservationReleased:
		return nil
	case domain.ReservationCommitted:
		return domain.ErrAlreadyCommitted
	}
	res.State = domain.ReservationReleased
	e.item.Reserved -= res.Quantity
	e.item.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	_ = ctx

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.items))
	for _, e := range s.items {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var reclaimed []domain.Reservation
	for _, e := range entries {
		e.mu.Lock()
		for _, res := range e.reservations {
			if !res.Expired(now) {
				continue
			}
			res.State = domain.ReservationReleased
			e.item.Reserved -= res.Quantity
			e.item.UpdatedAt = now
			reclaimed = append(reclaimed, *res)
		}
		e.mu.Unlock()
	}

	sort.Slice(reclaimed, func(i, j int) bool {
		if reclaimed[i].OrderID != reclaimed[j].OrderID {
			return reclaimed[i].OrderID < reclaimed[j].OrderID
		}
		return reclaimed[i].ProductID < reclaimed[j].ProductID
	})
	return reclaimed, nil
}

func (s *Store) AddStock(ctx context.Context, productID string, quantity int) (domain.Item, error) {
	_ = ctx

	s.mu.Lock()
	e, ok := s.items[productID]
	if !ok {
		e = &entry{
			item:         domain.Item{ProductID: productID},
			reservations: make(map[string]*domain.Reservation),
		}
		s.items[productID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.item.Stock += quantity
	e.item.UpdatedAt = time.Now().UTC()
	return e.item, nil
}

func (s *Store) Item(ctx context.Context, productID string) (domain.Item, error) {
	_ = ctx
	e, err := s.entry(productID)
	if err != nil {
		return domain.Item{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.item, nil
}

func (s *Store) Reservations(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	_ = ctx

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.items))
	for _, e := range s.items {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []domain.Reservation
	for _, e := range entries {
		e.mu.Lock()
		if res, ok := e.reservations[orderID]; ok {
			out = append(out, *res)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (s *Store) entry(productID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[productID]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return e, nil
}
