package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agrihaul/fulfillment/internal/payment/domain"
	paymem "github.com/agrihaul/fulfillment/internal/payment/infrastructure/memory"
	sldom "github.com/agrihaul/fulfillment/internal/statusledger/domain"
)

type fakeGateway struct {
	mu       sync.Mutex
	voids    []string
	refunds  map[string]int64
	captures []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{refunds: make(map[string]int64)}
}

func (g *fakeGateway) Authorize(ctx context.Context, intentID, orderID string, amountCents int64) error {
	return nil
}

func (g *fakeGateway) Capture(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures = append(g.captures, intentID)
	return nil
}

func (g *fakeGateway) Void(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voids = append(g.voids, intentID)
	return nil
}

func (g *fakeGateway) Refund(ctx context.Context, intentID string, amountCents int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds[intentID] += amountCents
	return nil
}

type stubStatus struct {
	mu       sync.Mutex
	statuses map[string]sldom.Status
}

func (s *stubStatus) set(orderID string, st sldom.Status) {
	s.mu.Lock()
	s.statuses[orderID] = st
	s.mu.Unlock()
}

func (s *stubStatus) Project(ctx context.Context, orderID string) (sldom.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[orderID], nil
}

func newTestReconciler() (*Reconciler, *fakeGateway, *stubStatus) {
	gw := newFakeGateway()
	status := &stubStatus{statuses: make(map[string]sldom.Status)}
	r := NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil)), paymem.NewRepository(), gw, status)
	return r, gw, status
}

func TestAuthorizeThenCallbackThenWait(t *testing.T) {
	r, _, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, err := r.Authorize(ctx, "o1", 1500)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.OnGatewayCallback(ctx, domain.Callback{
			IntentID: in.ID, Outcome: domain.OutcomeAuthorized, ExternalRef: "ref-1",
		})
	}()

	got, err := r.Wait(ctx, in.ID, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.IntentAuthorized || got.ExternalRef != "ref-1" {
		t.Fatalf("intent = %+v", got)
	}
}

func TestWaitFastPathWhenCallbackAlreadyLanded(t *testing.T) {
	r, _, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 1500)
	if err := r.OnGatewayCallback(ctx, domain.Callback{IntentID: in.ID, Outcome: domain.OutcomeAuthorized}); err != nil {
		t.Fatal(err)
	}

	got, err := r.Wait(ctx, in.ID, time.Millisecond)
	if err != nil || got.Status != domain.IntentAuthorized {
		t.Fatalf("intent = %+v, err = %v", got, err)
	}
}

func TestWaitSurfacesDecline(t *testing.T) {
	r, _, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 1500)
	_ = r.OnGatewayCallback(ctx, domain.Callback{
		IntentID: in.ID, Outcome: domain.OutcomeDeclined, Reason: "insufficient funds",
	})

	got, err := r.Wait(ctx, in.ID, time.Second)
	if !errors.Is(err, domain.ErrDeclined) {
		t.Fatalf("err = %v, want ErrDeclined", err)
	}
	if got.DeclineReason != "insufficient funds" {
		t.Fatalf("reason = %q", got.DeclineReason)
	}
}

func TestWaitTimesOut(t *testing.T) {
	r, _, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 1500)
	if _, err := r.Wait(ctx, in.ID, 20*time.Millisecond); !errors.Is(err, domain.ErrAuthorizationTimeout) {
		t.Fatalf("err = %v, want ErrAuthorizationTimeout", err)
	}
}

func TestDuplicateCallbackIsNoOp(t *testing.T) {
	r, gw, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 1500)
	cb := domain.Callback{IntentID: in.ID, Outcome: domain.OutcomeAuthorized}
	if err := r.OnGatewayCallback(ctx, cb); err != nil {
		t.Fatal(err)
	}
	if err := r.OnGatewayCallback(ctx, cb); err != nil {
		t.Fatal(err)
	}

	got, _ := r.repo.Get(ctx, in.ID)
	if got.Status != domain.IntentAuthorized {
		t.Fatalf("status = %s", got.Status)
	}
	if len(gw.refunds) != 0 {
		t.Fatalf("refunds = %v, want none", gw.refunds)
	}
}

func TestLateAuthorizationForDeadOrderIsRefunded(t *testing.T) {
	r, gw, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 2500)
	// The saga gave up and compensated before the verdict arrived.
	status.set("o1", sldom.StatusCancelled)

	if err := r.OnGatewayCallback(ctx, domain.Callback{IntentID: in.ID, Outcome: domain.OutcomeAuthorized}); err != nil {
		t.Fatal(err)
	}

	got, _ := r.repo.Get(ctx, in.ID)
	if got.Status != domain.IntentVoided {
		t.Fatalf("status = %s, want VOIDED", got.Status)
	}
	if gw.refunds[in.ID] != 2500 {
		t.Fatalf("refunded = %d, want 2500", gw.refunds[in.ID])
	}
}

func TestCancelIntentVoidsPendingAuthorization(t *testing.T) {
	r, gw, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 1000)
	if err := r.CancelIntent(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if len(gw.voids) != 1 || gw.voids[0] != in.ID {
		t.Fatalf("voids = %v", gw.voids)
	}
	// Cancelling again is a no-op.
	if err := r.CancelIntent(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if len(gw.voids) != 1 {
		t.Fatalf("voids after repeat = %v", gw.voids)
	}
}

func TestCancelIntentRefundsAuthorizedFunds(t *testing.T) {
	r, gw, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 3000)
	_ = r.OnGatewayCallback(ctx, domain.Callback{IntentID: in.ID, Outcome: domain.OutcomeAuthorized})

	if err := r.CancelIntent(ctx, "o1"); err != nil {
		t.Fatal(err)
	}
	if gw.refunds[in.ID] != 3000 {
		t.Fatalf("refunded = %d, want 3000", gw.refunds[in.ID])
	}
}

func TestCancelIntentWithoutIntent(t *testing.T) {
	r, _, _ := newTestReconciler()
	if err := r.CancelIntent(context.Background(), "no-such-order"); err != nil {
		t.Fatal(err)
	}
}

func TestCaptureIsIdempotent(t *testing.T) {
	r, gw, status := newTestReconciler()
	ctx := context.Background()
	status.set("o1", sldom.StatusAuthorizing)

	in, _ := r.Authorize(ctx, "o1", 1000)
	_ = r.OnGatewayCallback(ctx, domain.Callback{IntentID: in.ID, Outcome: domain.OutcomeAuthorized})

	if err := r.Capture(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Capture(ctx, in.ID); err != nil {
		t.Fatal(err)
	}
	if len(gw.captures) != 1 {
		t.Fatalf("captures = %v", gw.captures)
	}
}
