package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agrihaul/fulfillment/internal/payment/domain"
	sldom "github.com/agrihaul/fulfillment/internal/statusledger/domain"
)

// Reconciler owns the payment intent lifecycle. Authorization is
// asynchronous: Authorize records the intent and fires the gateway call,
// OnGatewayCallback applies the verdict whenever it arrives, and Wait parks
// the caller until the verdict or a deadline. Callbacks are idempotent, and
// a verdict for an order that already died is settled in place rather than
// resurrecting the saga.
type Reconciler struct {
	log     *slog.Logger
	repo    IntentRepository
	gateway Gateway
	status  StatusReader

	mu      sync.Mutex
	waiters map[string]chan domain.Outcome

	now func() time.Time
}

func NewReconciler(log *slog.Logger, repo IntentRepository, gateway Gateway, status StatusReader) *Reconciler {
	return &Reconciler{
		log:     log,
		repo:    repo,
		gateway: gateway,
		status:  status,
		waiters: make(map[string]chan domain.Outcome),
		now:     time.Now,
	}
}

// Authorize records a new intent and starts the gateway attempt. The intent
// row exists before the gateway is called, so a callback can never reference
// an unknown intent.
func (r *Reconciler) Authorize(ctx context.Context, orderID string, amountCents int64) (domain.Intent, error) {
	now := r.now().UTC()
	in := domain.Intent{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		AmountCents: amountCents,
		Status:      domain.IntentAuthorizing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.Insert(ctx, in); err != nil {
		return domain.Intent{}, fmt.Errorf("insert intent: %w", err)
	}
	if err := r.gateway.Authorize(ctx, in.ID, orderID, amountCents); err != nil {
		return domain.Intent{}, fmt.Errorf("gateway authorize: %w", err)
	}
	return in, nil
}

// Wait blocks until the intent's verdict lands, the timeout fires, or ctx is
// done. A declined verdict surfaces as ErrDeclined with the refreshed intent.
func (r *Reconciler) Wait(ctx context.Context, intentID string, timeout time.Duration) (domain.Intent, error) {
	ch := r.subscribe(intentID)
	defer r.unsubscribe(intentID)

	// The callback may have landed before we subscribed.
	in, err := r.repo.Get(ctx, intentID)
	if err != nil {
		return domain.Intent{}, err
	}
	if in.Status != domain.IntentAuthorizing {
		return r.settled(ctx, in)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		in, err := r.repo.Get(ctx, intentID)
		if err != nil {
			return domain.Intent{}, err
		}
		return r.settled(ctx, in)
	case <-timer.C:
		return in, domain.ErrAuthorizationTimeout
	case <-ctx.Done():
		return in, ctx.Err()
	}
}

func (r *Reconciler) settled(ctx context.Context, in domain.Intent) (domain.Intent, error) {
	if in.Status == domain.IntentDeclined {
		return in, fmt.Errorf("%w: %s", domain.ErrDeclined, in.DeclineReason)
	}
	return in, nil
}

// OnGatewayCallback applies a gateway verdict. Replays of an already settled
// intent are no-ops. A verdict for an order that is terminal or already
// compensating is recorded, and a successful authorization for such an order
// is refunded on the spot.
func (r *Reconciler) OnGatewayCallback(ctx context.Context, cb domain.Callback) error {
	in, err := r.repo.Get(ctx, cb.IntentID)
	if err != nil {
		return err
	}
	if in.Status != domain.IntentAuthorizing {
		r.log.Info("duplicate gateway callback ignored",
			"intent_id", cb.IntentID, "status", in.Status)
		return nil
	}

	st, err := r.status.Project(ctx, in.OrderID)
	if err != nil {
		return fmt.Errorf("project order %s: %w", in.OrderID, err)
	}
	orderDead := sldom.Terminal(st) || st == sldom.StatusCompensating

	in.ExternalRef = cb.ExternalRef
	in.UpdatedAt = r.now().UTC()

	switch cb.Outcome {
	case domain.OutcomeAuthorized:
		if orderDead {
			// Money was held for an order that will never ship. Give it back.
			if err := r.gateway.Refund(ctx, in.ID, in.AmountCents); err != nil {
				return fmt.Errorf("refund late authorization: %w", err)
			}
			in.Status = domain.IntentVoided
			r.log.Warn("late authorization refunded",
				"intent_id", in.ID, "order_id", in.OrderID, "order_status", st)
		} else {
			in.Status = domain.IntentAuthorized
		}
	case domain.OutcomeDeclined:
		in.Status = domain.IntentDeclined
		in.DeclineReason = cb.Reason
	default:
		return fmt.Errorf("unknown callback outcome %q", cb.Outcome)
	}

	if err := r.repo.Update(ctx, in); err != nil {
		return err
	}
	r.signal(in.ID, cb.Outcome)
	return nil
}

// Capture settles an authorized intent. Capturing twice is a no-op.
func (r *Reconciler) Capture(ctx context.Context, intentID string) error {
	in, err := r.repo.Get(ctx, intentID)
	if err != nil {
		return err
	}
	switch in.Status {
	case domain.IntentCaptured:
		return nil
	case domain.IntentAuthorized:
	default:
		return fmt.Errorf("capture intent %s in status %s", intentID, in.Status)
	}
	if err := r.gateway.Capture(ctx, in.ID); err != nil {
		return fmt.Errorf("gateway capture: %w", err)
	}
	in.Status = domain.IntentCaptured
	in.UpdatedAt = r.now().UTC()
	return r.repo.Update(ctx, in)
}

// CancelIntent unwinds whatever hold the order's intent still has. No intent
// or an already settled cancellation is fine.
func (r *Reconciler) CancelIntent(ctx context.Context, orderID string) error {
	in, err := r.repo.GetByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrIntentNotFound) {
			return nil
		}
		return err
	}

	switch in.Status {
	case domain.IntentDeclined, domain.IntentVoided:
		return nil
	case domain.IntentAuthorizing:
		if err := r.gateway.Void(ctx, in.ID); err != nil {
			return fmt.Errorf("gateway void: %w", err)
		}
	case domain.IntentAuthorized, domain.IntentCaptured:
		if err := r.gateway.Refund(ctx, in.ID, in.AmountCents); err != nil {
			return fmt.Errorf("gateway refund: %w", err)
		}
	}

	in.Status = domain.IntentVoided
	in.UpdatedAt = r.now().UTC()
	return r.repo.Update(ctx, in)
}

// IntentForOrder exposes the order's intent to the orchestrator and handlers.
func (r *Reconciler) IntentForOrder(ctx context.Context, orderID string) (domain.Intent, error) {
	return r.repo.GetByOrder(ctx, orderID)
}

func (r *Reconciler) subscribe(intentID string) chan domain.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.waiters[intentID]
	if !ok {
		ch = make(chan domain.Outcome, 1)
		r.waiters[intentID] = ch
	}
	return ch
}

func (r *Reconciler) unsubscribe(intentID string) {
	r.mu.Lock()
	delete(r.waiters, intentID)
	r.mu.Unlock()
}

func (r *Reconciler) signal(intentID string, outcome domain.Outcome) {
	r.mu.Lock()
	ch := r.waiters[intentID]
	r.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- outcome:
	default:
	}
}
