package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	sldom "github.com/agrihaul/fulfillment/internal/statusledger/domain"
)

var (
	ErrNotFound         = errors.New("order: not found")
	ErrConflict         = errors.New("order: conflict")
	ErrValidation       = errors.New("order: validation failed")
	ErrCancelNotAllowed = errors.New("order: cancellation not allowed")
)

// LineItem is one product position on an order. Prices are integer cents.
type LineItem struct {
	ProductID      string
	Quantity       int
	UnitPriceCents int64
}

type Order struct {
	ID              string
	IdempotencyKey  string
	BuyerID         string
	Items           []LineItem
	SubtotalCents   int64
	TotalCents      int64
	Status          sldom.Status
	PaymentIntentID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New validates the submission and builds an order. Items are normalized to
// product id order so every worker reserves stock in the same sequence.
func New(idempotencyKey, buyerID string, items []LineItem) (Order, error) {
	if idempotencyKey == "" {
		return Order{}, fmt.Errorf("%w: idempotency key required", ErrValidation)
	}
	if buyerID == "" {
		return Order{}, fmt.Errorf("%w: buyer id required", ErrValidation)
	}
	if len(items) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line item required", ErrValidation)
	}

	seen := make(map[string]bool, len(items))
	normalized := make([]LineItem, len(items))
	copy(normalized, items)
	for _, it := range normalized {
		if it.ProductID == "" {
			return Order{}, fmt.Errorf("%w: product id required", ErrValidation)
		}
		if it.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: quantity for %s must be positive", ErrValidation, it.ProductID)
		}
		if it.UnitPriceCents < 0 {
			return Order{}, fmt.Errorf("%w: price for %s must not be negative", ErrValidation, it.ProductID)
		}
		if seen[it.ProductID] {
			return Order{}, fmt.Errorf("%w: duplicate line item %s", ErrValidation, it.ProductID)
		}
		seen[it.ProductID] = true
	}
	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].ProductID < normalized[j].ProductID
	})

	var subtotal int64
	for _, it := range normalized {
		subtotal += it.UnitPriceCents * int64(it.Quantity)
	}

	now := time.Now().UTC()
	return Order{
		ID:             uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		BuyerID:        buyerID,
		Items:          normalized,
		SubtotalCents:  subtotal,
		TotalCents:     subtotal,
		Status:         sldom.StatusNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (o Order) Clone() Order {
	items := make([]LineItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	return o
}

// CancellationAllowed reports whether a buyer-initiated cancel may start.
// Shipped and delivered orders are past the point of no return, as are orders
// already in a terminal state.
func (o Order) CancellationAllowed() bool {
	switch o.Status {
	case sldom.StatusShipped, sldom.StatusDelivered,
		sldom.StatusCancelled, sldom.StatusCancelledNeedsReview:
		return false
	}
	return true
}

func (o *Order) SetStatus(s sldom.Status) {
	o.Status = s
	o.UpdatedAt = time.Now().UTC()
}
