package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	invdom "github.com/agrihaul/fulfillment/internal/inventory/domain"
	orderapp "github.com/agrihaul/fulfillment/internal/order/application"
	odom "github.com/agrihaul/fulfillment/internal/order/domain"
	"github.com/agrihaul/fulfillment/internal/orchestrator/domain"
	paydom "github.com/agrihaul/fulfillment/internal/payment/domain"
	slapp "github.com/agrihaul/fulfillment/internal/statusledger/application"
	sldom "github.com/agrihaul/fulfillment/internal/statusledger/domain"
	"github.com/agrihaul/fulfillment/pkg/metrics"
)

// ErrReplayed reports that the idempotency key already belongs to an order.
// The existing order is returned alongside it.
var ErrReplayed = errors.New("orchestrator: order already submitted")

type Inventory interface {
	Reserve(ctx context.Context, orderID, productID string, quantity int) (invdom.Reservation, error)
	Commit(ctx context.Context, orderID, productID string) error
	Release(ctx context.Context, orderID, productID string) error
	Reservations(ctx context.Context, orderID string) ([]invdom.Reservation, error)
}

type Payments interface {
	Authorize(ctx context.Context, orderID string, amountCents int64) (paydom.Intent, error)
	Wait(ctx context.Context, intentID string, timeout time.Duration) (paydom.Intent, error)
	Capture(ctx context.Context, intentID string) error
	CancelIntent(ctx context.Context, orderID string) error
}

type Config struct {
	AuthorizationTimeout time.Duration
}

// SubmittedItem is one line of an incoming submission. Prices come from the
// catalog, never from the caller.
type SubmittedItem struct {
	ProductID string
	Quantity  int
}

// Coordinator drives the fulfillment saga: reserve stock, authorize payment,
// capture and confirm, with compensation unwinding whatever completed when a
// later step fails. Every state change lands on the order ledger first; the
// order row's status column is a cache of the ledger projection.
type Coordinator struct {
	log       *slog.Logger
	orders    orderapp.Repository
	catalog   orderapp.CatalogClient
	ledger    slapp.Store
	inventory Inventory
	payments  Payments
	metrics   *metrics.Fulfillment
	cfg       Config
	tracer    trace.Tracer
	now       func() time.Time
}

func NewCoordinator(
	log *slog.Logger,
	orders orderapp.Repository,
	catalog orderapp.CatalogClient,
	ledger slapp.Store,
	inventory Inventory,
	payments Payments,
	m *metrics.Fulfillment,
	cfg Config,
) *Coordinator {
	if cfg.AuthorizationTimeout <= 0 {
		cfg.AuthorizationTimeout = 30 * time.Second
	}
	return &Coordinator{
		log:       log,
		orders:    orders,
		catalog:   catalog,
		ledger:    ledger,
		inventory: inventory,
		payments:  payments,
		metrics:   m,
		cfg:       cfg,
		tracer:    otel.Tracer("fulfillment-coordinator"),
		now:       time.Now,
	}
}

// SubmitOrder runs the whole saga synchronously and returns the order in its
// final state. Resubmitting an idempotency key returns the original order
// wrapped in ErrReplayed, whatever state it reached.
func (c *Coordinator) SubmitOrder(ctx context.Context, idempotencyKey, buyerID string, items []SubmittedItem) (odom.Order, error) {
	ctx, span := c.tracer.Start(ctx, "saga.submit",
		trace.WithAttributes(attribute.String("buyer_id", buyerID)))
	defer span.End()
	started := c.now()

	if existing, err := c.orders.FindByIdempotencyKey(ctx, idempotencyKey); err == nil {
		return existing, ErrReplayed
	} else if !errors.Is(err, odom.ErrNotFound) {
		return odom.Order{}, err
	}

	lines, err := c.price(ctx, items)
	if err != nil {
		return odom.Order{}, err
	}
	ord, err := odom.New(idempotencyKey, buyerID, lines)
	if err != nil {
		return odom.Order{}, err
	}

	if err := c.orders.Insert(ctx, ord); err != nil {
		if errors.Is(err, odom.ErrConflict) {
			// Lost the race to a concurrent submission with the same key.
			existing, lookupErr := c.orders.FindByIdempotencyKey(ctx, idempotencyKey)
			if lookupErr != nil {
				return odom.Order{}, lookupErr
			}
			return existing, ErrReplayed
		}
		return odom.Order{}, err
	}
	span.SetAttributes(attribute.String("order_id", ord.ID))
	log := c.log.With("order_id", ord.ID)

	if err := c.transition(ctx, &ord, sldom.EventCreated, nil); err != nil {
		return ord, err
	}
	if err := c.transition(ctx, &ord, sldom.EventReserving, nil); err != nil {
		return ord, err
	}

	// Items are already sorted by product id, so concurrent sagas lock
	// inventory rows in the same order.
	held := make([]odom.LineItem, 0, len(ord.Items))
	for _, it := range ord.Items {
		if _, err := c.inventory.Reserve(ctx, ord.ID, it.ProductID, it.Quantity); err != nil {
			log.Info("reservation failed", "step", domain.StepReserve, "product_id", it.ProductID, "err", err)
			return ord, c.failReserve(ctx, &ord, held, it.ProductID, err, started)
		}
		held = append(held, it)
	}
	if err := c.transition(ctx, &ord, sldom.EventReserved, nil); err != nil {
		return ord, err
	}
	c.metrics.ReservationResult("reserved")

	if err := c.transition(ctx, &ord, sldom.EventPaymentAuthorizing, nil); err != nil {
		return ord, err
	}
	intent, err := c.payments.Authorize(ctx, ord.ID, ord.TotalCents)
	if err != nil {
		cerr := c.runCompensation(ctx, &ord, "authorize_error")
		c.finish(started, "compensated")
		return ord, errors.Join(err, cerr)
	}
	ord.PaymentIntentID = intent.ID
	if err := c.orders.Update(ctx, ord); err != nil {
		return ord, err
	}

	intent, err = c.payments.Wait(ctx, intent.ID, c.cfg.AuthorizationTimeout)
	switch {
	case errors.Is(err, paydom.ErrDeclined):
		_ = c.transition(ctx, &ord, sldom.EventPaymentDeclined, reasonPayload(intent.DeclineReason))
		cerr := c.runCompensation(ctx, &ord, "payment_declined")
		c.finish(started, "declined")
		return ord, errors.Join(err, cerr)
	case errors.Is(err, paydom.ErrAuthorizationTimeout):
		log.Warn("authorization timed out", "step", domain.StepAuthorize, "intent_id", intent.ID)
		_ = c.transition(ctx, &ord, sldom.EventPaymentTimeout, nil)
		cerr := c.runCompensation(ctx, &ord, "payment_timeout")
		c.finish(started, "timeout")
		return ord, errors.Join(err, cerr)
	case err != nil:
		cerr := c.runCompensation(ctx, &ord, "authorize_error")
		c.finish(started, "compensated")
		return ord, errors.Join(err, cerr)
	}
	if err := c.transition(ctx, &ord, sldom.EventPaymentAuthorized, nil); err != nil {
		return ord, err
	}

	// Capture before committing the holds. If capture fails the holds are
	// still HELD and the ordinary compensation path returns them.
	if err := c.payments.Capture(ctx, intent.ID); err != nil {
		log.Error("capture failed", "step", domain.StepConfirm, "intent_id", intent.ID, "err", err)
		cerr := c.runCompensation(ctx, &ord, "capture_error")
		c.finish(started, "compensated")
		return ord, errors.Join(err, cerr)
	}
	for _, it := range ord.Items {
		if err := c.inventory.Commit(ctx, ord.ID, it.ProductID); err != nil {
			cerr := c.runCompensation(ctx, &ord, "commit_error")
			c.finish(started, "compensated")
			return ord, errors.Join(err, cerr)
		}
	}

	if err := c.transition(ctx, &ord, sldom.EventConfirmed, nil); err != nil {
		return ord, err
	}
	log.Info("order confirmed", "total_cents", ord.TotalCents)
	c.finish(started, "confirmed")
	return ord, nil
}

// Cancel starts a buyer-initiated compensation.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) (odom.Order, error) {
	ord, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return odom.Order{}, err
	}
	if !ord.CancellationAllowed() {
		return ord, fmt.Errorf("%w: status %s", odom.ErrCancelNotAllowed, ord.Status)
	}
	err = c.runCompensation(ctx, &ord, "buyer_cancelled")
	return ord, err
}

// OnReservationExpired is invoked by the sweeper after it reclaimed an
// order's holds. It records the expiry and finishes the compensation.
func (c *Coordinator) OnReservationExpired(ctx context.Context, orderID string) error {
	ord, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, &ord, sldom.EventReserveExpired, nil); err != nil {
		if errors.Is(err, sldom.ErrInvalidTransition) {
			// The saga already moved past the point where expiry matters.
			return nil
		}
		return err
	}
	c.log.Warn("reservation expired", "order_id", orderID)
	return c.runCompensation(ctx, &ord, "reservation_expired")
}

// GetOrder returns the order with its full ledger.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (odom.Order, []sldom.Event, error) {
	ord, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return odom.Order{}, nil, err
	}
	events, err := c.ledger.Events(ctx, orderID)
	if err != nil {
		return odom.Order{}, nil, err
	}
	return ord, events, nil
}

// MarkShipped records the handoff to the carrier.
func (c *Coordinator) MarkShipped(ctx context.Context, orderID string) (odom.Order, error) {
	return c.postSale(ctx, orderID, sldom.EventShipped)
}

// MarkDelivered closes the order.
func (c *Coordinator) MarkDelivered(ctx context.Context, orderID string) (odom.Order, error) {
	return c.postSale(ctx, orderID, sldom.EventDelivered)
}

func (c *Coordinator) postSale(ctx context.Context, orderID string, et sldom.EventType) (odom.Order, error) {
	ord, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return odom.Order{}, err
	}
	if err := c.transition(ctx, &ord, et, nil); err != nil {
		return ord, err
	}
	return ord, nil
}

func (c *Coordinator) price(ctx context.Context, items []SubmittedItem) ([]odom.LineItem, error) {
	lines := make([]odom.LineItem, 0, len(items))
	for _, it := range items {
		price, err := c.catalog.UnitPrice(ctx, it.ProductID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", odom.ErrValidation, err)
		}
		lines = append(lines, odom.LineItem{
			ProductID:      it.ProductID,
			Quantity:       it.Quantity,
			UnitPriceCents: price,
		})
	}
	return lines, nil
}

// failReserve unwinds a partial reservation. The failed order never reached
// payment, so the sequence is RESERVE_FAILED then CANCELLED with no
// compensating phase.
func (c *Coordinator) failReserve(ctx context.Context, ord *odom.Order, held []odom.LineItem, failedProduct string, cause error, started time.Time) error {
	ctx = context.WithoutCancel(ctx)
	_ = c.transition(ctx, ord, sldom.EventReserveFailed, reasonPayload(failedProduct))

	releaseFailed := false
	for i := len(held) - 1; i >= 0; i-- {
		if err := c.inventory.Release(ctx, ord.ID, held[i].ProductID); err != nil {
			c.log.Error("release during reserve unwind failed",
				"order_id", ord.ID, "product_id", held[i].ProductID, "err", err)
			releaseFailed = true
		}
	}
	if releaseFailed {
		_ = c.transition(ctx, ord, sldom.EventCompensationFailed, nil)
		c.finish(started, "compensation_failed")
		return errors.Join(cause, domain.ErrCompensationFailed)
	}

	_ = c.transition(ctx, ord, sldom.EventCancelled, nil)
	c.metrics.ReservationResult("failed")
	c.finish(started, "reserve_failed")
	return cause
}

// runCompensation rolls the saga back: void or refund the payment, release
// every hold still standing, and close the ledger. Steps run in reverse
// order of the forward saga. A failed step parks the order for review
// instead of pretending the rollback finished.
func (c *Coordinator) runCompensation(ctx context.Context, ord *odom.Order, reason string) error {
	ctx = context.WithoutCancel(ctx)
	log := c.log.With("order_id", ord.ID, "reason", reason)

	cur, err := c.ledger.Project(ctx, ord.ID)
	if err != nil {
		return err
	}
	if cur != sldom.StatusCompensating && cur != sldom.StatusReserveFailed {
		if err := c.transition(ctx, ord, sldom.EventCompensating, reasonPayload(reason)); err != nil {
			return err
		}
	}

	failed := false
	if err := c.payments.CancelIntent(ctx, ord.ID); err != nil {
		log.Error("payment compensation failed", "err", err)
		failed = true
	}

	reservations, err := c.inventory.Reservations(ctx, ord.ID)
	if err != nil {
		log.Error("listing reservations failed", "err", err)
		failed = true
	}
	for _, res := range reservations {
		if res.State != invdom.ReservationHeld {
			continue
		}
		if err := c.inventory.Release(ctx, ord.ID, res.ProductID); err != nil {
			log.Error("release failed", "product_id", res.ProductID, "err", err)
			failed = true
		}
	}

	if failed {
		_ = c.transition(ctx, ord, sldom.EventCompensationFailed, reasonPayload(reason))
		log.Error("compensation incomplete, order parked for review")
		return domain.ErrCompensationFailed
	}

	if err := c.transition(ctx, ord, sldom.EventCancelled, reasonPayload(reason)); err != nil {
		return err
	}
	log.Info("order cancelled")
	return nil
}

// transition appends the event and mirrors the resulting status onto the
// order row.
func (c *Coordinator) transition(ctx context.Context, ord *odom.Order, et sldom.EventType, payload []byte) error {
	if _, err := c.ledger.Append(ctx, ord.ID, et, payload); err != nil {
		return err
	}
	ord.SetStatus(sldom.Result(et))
	return c.orders.Update(ctx, *ord)
}

func (c *Coordinator) finish(started time.Time, outcome string) {
	c.metrics.SagaFinished(outcome, c.now().Sub(started).Seconds())
}

func reasonPayload(reason string) []byte {
	if reason == "" {
		return nil
	}
	b, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{Reason: reason})
	return b
}
