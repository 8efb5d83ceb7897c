package domain

import (
	"errors"
	"time"
)

var (
	ErrProductNotFound     = errors.New("inventory: product not found")
	ErrReservationNotFound = errors.New("inventory: reservation not found")
	ErrInvalidQuantity     = errors.New("inventory: quantity must be greater than zero")
	ErrInsufficientStock   = errors.New("inventory: insufficient stock")
	ErrAlreadyCommitted    = errors.New("inventory: reservation already committed")
	// ErrConflict marks a transient locking conflict; callers retry it with
	// backoff before surfacing.
	ErrConflict = errors.New("inventory: concurrent update conflict")
)

// Item is the per-product counter pair. Available stock is always derived,
// never stored, so the reserved<=stock invariant has a single source.
type Item struct {
	ProductID string
	Stock     int
	Reserved  int
	UpdatedAt time.Time
}

func (i Item) Available() int { return i.Stock - i.Reserved }

type ReservationState string

const (
	ReservationHeld      ReservationState = "HELD"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

// Reservation is a hold against available stock, owned by exactly one order.
// There is at most one row per (order, product) pair.
type Reservation struct {
	OrderID   string
	ProductID string
	Quantity  int
	State     ReservationState
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (r Reservation) Expired(now time.Time) bool {
	return r.State == ReservationHeld && now.After(r.ExpiresAt)
}
