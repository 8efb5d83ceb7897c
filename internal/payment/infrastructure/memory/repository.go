package memory

import (
	"context"
	"sync"

	"github.com/agrihaul/fulfillment/internal/payment/domain"
)

type Repository struct {
	mu      sync.RWMutex
	byID    map[string]domain.Intent
	byOrder map[string]string
}

func NewRepository() *Repository {
	return &Repository{
		byID:    make(map[string]domain.Intent),
		byOrder: make(map[string]string),
	}
}

func (r *Repository) Insert(ctx context.Context, in domain.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[in.ID] = in
	r.byOrder[in.OrderID] = in.ID
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byID[id]
	if !ok {
		return domain.Intent{}, domain.ErrIntentNotFound
	}
	return in, nil
}

func (r *Repository) GetByOrder(ctx context.Context, orderID string) (domain.Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOrder[orderID]
	if !ok {
		return domain.Intent{}, domain.ErrIntentNotFound
	}
	return r.byID[id], nil
}

func (r *Repository) Update(ctx context.Context, in domain.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[in.ID]; !ok {
		return domain.ErrIntentNotFound
	}
	r.byID[in.ID] = in
	return nil
}
