package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrihaul/fulfillment/internal/payment/domain"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS payment_intents (
			id             TEXT PRIMARY KEY,
			order_id       TEXT NOT NULL,
			amount_cents   BIGINT NOT NULL,
			status         TEXT NOT NULL,
			external_ref   TEXT NOT NULL DEFAULT '',
			decline_reason TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS payment_intents_order_idx ON payment_intents (order_id)`)
	return err
}

func (r *Repository) Insert(ctx context.Context, in domain.Intent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_intents
		 (id, order_id, amount_cents, status, external_ref, decline_reason, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		in.ID, in.OrderID, in.AmountCents, in.Status, in.ExternalRef,
		in.DeclineReason, in.CreatedAt, in.UpdatedAt)
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Intent, error) {
	return r.get(ctx, `WHERE id=$1`, id)
}

func (r *Repository) GetByOrder(ctx context.Context, orderID string) (domain.Intent, error) {
	return r.get(ctx, `WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

func (r *Repository) get(ctx context.Context, where string, arg any) (domain.Intent, error) {
	var in domain.Intent
	err := r.pool.QueryRow(ctx,
		`SELECT id, order_id, amount_cents, status, external_ref, decline_reason, created_at, updated_at
		 FROM payment_intents `+where, arg).
		Scan(&in.ID, &in.OrderID, &in.AmountCents, &in.Status, &in.ExternalRef,
			&in.DeclineReason, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Intent{}, domain.ErrIntentNotFound
	}
	return in, err
}

func (r *Repository) Update(ctx context.Context, in domain.Intent) error {
	res, err := r.pool.Exec(ctx,
		`UPDATE payment_intents
		 SET status=$2, external_ref=$3, decline_reason=$4, updated_at=$5
		 WHERE id=$1`,
		in.ID, in.Status, in.ExternalRef, in.DeclineReason, in.UpdatedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrIntentNotFound
	}
	return nil
}
