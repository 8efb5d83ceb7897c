package memory

import (
	"context"
	"sync"

	"github.com/agrihaul/fulfillment/internal/order/domain"
)

// Repository keeps orders in memory. Reads return clones so callers never
// share slices with the stored aggregate.
type Repository struct {
	mu    sync.RWMutex
	byID  map[string]domain.Order
	byKey map[string]string
}

func NewRepository() *Repository {
	return &Repository{
		byID:  make(map[string]domain.Order),
		byKey: make(map[string]string),
	}
}

func (r *Repository) Insert(ctx context.Context, o domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[o.IdempotencyKey]; ok {
		return domain.ErrConflict
	}
	r.byID[o.ID] = o.Clone()
	r.byKey[o.IdempotencyKey] = o.ID
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byID[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

func (r *Repository) Update(ctx context.Context, o domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[o.ID]; !ok {
		return domain.ErrNotFound
	}
	r.byID[o.ID] = o.Clone()
	return nil
}
