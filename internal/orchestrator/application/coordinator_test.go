package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	invapp "github.com/agrihaul/fulfillment/internal/inventory/application"
	invdom "github.com/agrihaul/fulfillment/internal/inventory/domain"
	invmem "github.com/agrihaul/fulfillment/internal/inventory/infrastructure/memory"
	odom "github.com/agrihaul/fulfillment/internal/order/domain"
	"github.com/agrihaul/fulfillment/internal/order/infrastructure/catalog"
	ordermem "github.com/agrihaul/fulfillment/internal/order/infrastructure/memory"
	"github.com/agrihaul/fulfillment/internal/orchestrator/domain"
	payapp "github.com/agrihaul/fulfillment/internal/payment/application"
	paydom "github.com/agrihaul/fulfillment/internal/payment/domain"
	"github.com/agrihaul/fulfillment/internal/payment/infrastructure/gateway"
	paymem "github.com/agrihaul/fulfillment/internal/payment/infrastructure/memory"
	slmem "github.com/agrihaul/fulfillment/internal/statusledger/infrastructure/memory"
)

type sagaEnv struct {
	inventory *invapp.Service
	ledger    *slmem.Store
	orders    *ordermem.Repository
	payments  *payapp.Reconciler
	sim       *gateway.Simulator
	coord     *Coordinator
}

func newSagaEnv(t *testing.T, decide gateway.DecideFunc, gatewayDelay, authTimeout, ttl time.Duration) *sagaEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	inventory := invapp.NewService(log, invmem.NewStore(), ttl)
	ledger := slmem.NewStore()
	orders := ordermem.NewRepository()

	sim := gateway.NewSimulator(log, gatewayDelay, decide)
	payments := payapp.NewReconciler(log, paymem.NewRepository(), sim, ledger)
	sim.SetHandler(payments)

	prices := catalog.Static{Prices: map[string]int64{
		"apples": 250, "pears": 300, "plums": 175,
	}}
	coord := NewCoordinator(log, orders, prices, ledger, inventory, payments, nil,
		Config{AuthorizationTimeout: authTimeout})

	return &sagaEnv{
		inventory: inventory,
		ledger:    ledger,
		orders:    orders,
		payments:  payments,
		sim:       sim,
		coord:     coord,
	}
}

func (e *sagaEnv) seed(t *testing.T, ctx context.Context, stock map[string]int) {
	t.Helper()
	for sku, qty := range stock {
		if _, err := e.inventory.AddStock(ctx, sku, qty); err != nil {
			t.Fatalf("seed %s: %v", sku, err)
		}
	}
}

func (e *sagaEnv) eventTypes(t *testing.T, ctx context.Context, orderID string) []string {
	t.Helper()
	events, err := e.ledger.Events(ctx, orderID)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Type))
	}
	return out
}

func assertSequence(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event sequence = %v, want %v", got, want)
		}
	}
}

func TestSubmitOrderConfirms(t *testing.T) {
	env := newSagaEnv(t, nil, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 5, "pears": 5})

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "pears", Quantity: 2},
		{ProductID: "apples", Quantity: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ord.Status != "CONFIRMED" {
		t.Fatalf("status = %s", ord.Status)
	}
	if ord.TotalCents != 850 {
		t.Fatalf("total = %d, want 850", ord.TotalCents)
	}

	assertSequence(t, env.eventTypes(t, ctx, ord.ID),
		"CREATED", "RESERVING", "RESERVED",
		"PAYMENT_AUTHORIZING", "PAYMENT_AUTHORIZED", "CONFIRMED")

	reservations, _ := env.inventory.Reservations(ctx, ord.ID)
	if len(reservations) != 2 {
		t.Fatalf("reservations = %d", len(reservations))
	}
	for _, res := range reservations {
		if res.State != invdom.ReservationCommitted {
			t.Fatalf("reservation %s state = %s", res.ProductID, res.State)
		}
	}

	intent, err := env.payments.IntentForOrder(ctx, ord.ID)
	if err != nil || intent.Status != paydom.IntentCaptured {
		t.Fatalf("intent = %+v, err = %v", intent, err)
	}
}

func TestSubmitOrderPartialReserveFailureRestoresStock(t *testing.T) {
	env := newSagaEnv(t, nil, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 10, "pears": 1})

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "apples", Quantity: 2},
		{ProductID: "pears", Quantity: 5},
	})
	if !errors.Is(err, invdom.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if ord.Status != "CANCELLED" {
		t.Fatalf("status = %s", ord.Status)
	}

	assertSequence(t, env.eventTypes(t, ctx, ord.ID),
		"CREATED", "RESERVING", "RESERVE_FAILED", "CANCELLED")

	// The hold taken before the failure must be handed back.
	apples, _ := env.inventory.Item(ctx, "apples")
	if apples.Available() != 10 {
		t.Fatalf("apples available = %d, want 10", apples.Available())
	}
}

func TestSubmitOrderDeclinedCompensates(t *testing.T) {
	decline := func(orderID string, amountCents int64) (paydom.Outcome, string) {
		return paydom.OutcomeDeclined, "card expired"
	}
	env := newSagaEnv(t, decline, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 4})

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "apples", Quantity: 3},
	})
	if !errors.Is(err, paydom.ErrDeclined) {
		t.Fatalf("err = %v, want ErrDeclined", err)
	}
	if ord.Status != "CANCELLED" {
		t.Fatalf("status = %s", ord.Status)
	}

	assertSequence(t, env.eventTypes(t, ctx, ord.ID),
		"CREATED", "RESERVING", "RESERVED", "PAYMENT_AUTHORIZING",
		"PAYMENT_DECLINED", "COMPENSATING", "CANCELLED")

	apples, _ := env.inventory.Item(ctx, "apples")
	if apples.Available() != 4 {
		t.Fatalf("apples available = %d, want 4", apples.Available())
	}
}

func TestSubmitOrderAuthorizationTimeout(t *testing.T) {
	env := newSagaEnv(t, nil, time.Hour, 30*time.Millisecond, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 4})

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "apples", Quantity: 1},
	})
	if !errors.Is(err, paydom.ErrAuthorizationTimeout) {
		t.Fatalf("err = %v, want ErrAuthorizationTimeout", err)
	}
	if ord.Status != "CANCELLED" {
		t.Fatalf("status = %s", ord.Status)
	}

	assertSequence(t, env.eventTypes(t, ctx, ord.ID),
		"CREATED", "RESERVING", "RESERVED", "PAYMENT_AUTHORIZING",
		"PAYMENT_TIMEOUT", "COMPENSATING", "CANCELLED")

	// The pending authorization is voided during compensation.
	intent, err := env.payments.IntentForOrder(ctx, ord.ID)
	if err != nil || intent.Status != paydom.IntentVoided {
		t.Fatalf("intent = %+v, err = %v", intent, err)
	}
	apples, _ := env.inventory.Item(ctx, "apples")
	if apples.Available() != 4 {
		t.Fatalf("apples available = %d, want 4", apples.Available())
	}
}

func TestSubmitOrderReplayReturnsOriginal(t *testing.T) {
	env := newSagaEnv(t, nil, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 5})

	items := []SubmittedItem{{ProductID: "apples", Quantity: 2}}
	first, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", items)
	if err != nil {
		t.Fatal(err)
	}

	second, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", items)
	if !errors.Is(err, ErrReplayed) {
		t.Fatalf("err = %v, want ErrReplayed", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned order %s, want %s", second.ID, first.ID)
	}

	// No second reservation was taken.
	apples, _ := env.inventory.Item(ctx, "apples")
	if apples.Reserved != 2 {
		t.Fatalf("reserved = %d, want 2", apples.Reserved)
	}
}

func TestSubmitOrderUnknownProduct(t *testing.T) {
	env := newSagaEnv(t, nil, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()

	_, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "durian", Quantity: 1},
	})
	if !errors.Is(err, odom.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCancelConfirmedOrderRefunds(t *testing.T) {
	env := newSagaEnv(t, nil, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 5})

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "apples", Quantity: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := env.coord.Cancel(ctx, ord.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != "CANCELLED" {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if got := env.sim.Refunded(ord.PaymentIntentID); got != ord.TotalCents {
		t.Fatalf("refunded = %d, want %d", got, ord.TotalCents)
	}
}

func TestCancelShippedOrderRejected(t *testing.T) {
	env := newSagaEnv(t, nil, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 5})

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "apples", Quantity: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.coord.MarkShipped(ctx, ord.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := env.coord.Cancel(ctx, ord.ID); !errors.Is(err, odom.ErrCancelNotAllowed) {
		t.Fatalf("err = %v, want ErrCancelNotAllowed", err)
	}
}

func TestShipAndDeliverCloseTheOrder(t *testing.T) {
	env := newSagaEnv(t, nil, 5*time.Millisecond, 2*time.Second, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 5})

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "apples", Quantity: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.coord.MarkShipped(ctx, ord.ID); err != nil {
		t.Fatal(err)
	}
	delivered, err := env.coord.MarkDelivered(ctx, ord.ID)
	if err != nil {
		t.Fatal(err)
	}
	if delivered.Status != "DELIVERED" {
		t.Fatalf("status = %s", delivered.Status)
	}

	// Delivered orders accept no further events.
	if _, err := env.coord.MarkShipped(ctx, ord.ID); err == nil {
		t.Fatal("shipping a delivered order must fail")
	}
}

func TestCompensationFailureParksOrder(t *testing.T) {
	env := newSagaEnv(t, nil, time.Hour, 20*time.Millisecond, time.Minute)
	ctx := context.Background()
	env.seed(t, ctx, map[string]int{"apples": 5})

	// A payments backend that cannot unwind forces the parked outcome.
	env.coord.payments = failingPayments{Payments: env.payments}

	ord, err := env.coord.SubmitOrder(ctx, "key-1", "buyer-1", []SubmittedItem{
		{ProductID: "apples", Quantity: 1},
	})
	if !errors.Is(err, domain.ErrCompensationFailed) {
		t.Fatalf("err = %v, want ErrCompensationFailed", err)
	}
	if ord.Status != "CANCELLED_NEEDS_REVIEW" {
		t.Fatalf("status = %s", ord.Status)
	}
}

type failingPayments struct {
	Payments
}

func (f failingPayments) CancelIntent(ctx context.Context, orderID string) error {
	return errors.New("gateway unreachable")
}
