package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agrihaul/fulfillment/internal/inventory/domain"
)

type flakyStore struct {
	Store
	failures int
	calls    int
	gotExp   time.Time
}

func (f *flakyStore) Reserve(ctx context.Context, orderID, productID string, quantity int, expiresAt time.Time) (domain.Reservation, error) {
	f.calls++
	f.gotExp = expiresAt
	if f.calls <= f.failures {
		return domain.Reservation{}, domain.ErrConflict
	}
	return domain.Reservation{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		State:     domain.ReservationHeld,
		ExpiresAt: expiresAt,
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	svc := NewService(testLogger(), &flakyStore{}, time.Minute)
	for _, q := range []int{0, -3} {
		if _, err := svc.Reserve(context.Background(), "o1", "p1", q); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Errorf("quantity %d: err = %v", q, err)
		}
	}
}

func TestReserveRetriesConflicts(t *testing.T) {
	store := &flakyStore{failures: 2}
	svc := NewService(testLogger(), store, time.Minute)
	svc.backoff = time.Millisecond

	res, err := svc.Reserve(context.Background(), "o1", "p1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d, want 3", store.calls)
	}
	if res.State != domain.ReservationHeld {
		t.Fatalf("state = %s", res.State)
	}
}

func TestReserveGivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyStore{failures: 100}
	svc := NewService(testLogger(), store, time.Minute)
	svc.backoff = time.Millisecond

	if _, err := svc.Reserve(context.Background(), "o1", "p1", 1); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if store.calls != svc.maxAttempts {
		t.Fatalf("calls = %d, want %d", store.calls, svc.maxAttempts)
	}
}

func TestReserveAppliesTTL(t *testing.T) {
	store := &flakyStore{}
	svc := NewService(testLogger(), store, 90*time.Second)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	if _, err := svc.Reserve(context.Background(), "o1", "p1", 1); err != nil {
		t.Fatal(err)
	}
	if want := fixed.Add(90 * time.Second); !store.gotExp.Equal(want) {
		t.Fatalf("expiresAt = %v, want %v", store.gotExp, want)
	}
}

func TestAddStockRejectsNonPositiveQuantity(t *testing.T) {
	svc := NewService(testLogger(), &flakyStore{}, time.Minute)
	if _, err := svc.AddStock(context.Background(), "p1", 0); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("err = %v", err)
	}
}
