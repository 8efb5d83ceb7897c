package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrihaul/fulfillment/internal/order/domain"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id                TEXT PRIMARY KEY,
			idempotency_key   TEXT NOT NULL UNIQUE,
			buyer_id          TEXT NOT NULL,
			subtotal_cents    BIGINT NOT NULL,
			total_cents       BIGINT NOT NULL,
			status            TEXT NOT NULL,
			payment_intent_id TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS order_items (
			order_id         TEXT NOT NULL REFERENCES orders(id),
			product_id       TEXT NOT NULL,
			quantity         INTEGER NOT NULL CHECK (quantity > 0),
			unit_price_cents BIGINT NOT NULL,
			PRIMARY KEY (order_id, product_id)
		)`)
	return err
}

func (r *Repository) Insert(ctx context.Context, o domain.Order) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		`INSERT INTO orders
		 (id, idempotency_key, buyer_id, subtotal_cents, total_cents, status, payment_intent_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.IdempotencyKey, o.BuyerID, o.SubtotalCents, o.TotalCents,
		o.Status, o.PaymentIntentID, o.CreatedAt, o.UpdatedAt); err != nil {
		return mapErr(err)
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price_cents)
			 VALUES ($1,$2,$3,$4)`,
			o.ID, it.ProductID, it.Quantity, it.UnitPriceCents)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapErr(err)
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.get(ctx, `WHERE id=$1`, id)
}

func (r *Repository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	return r.get(ctx, `WHERE idempotency_key=$1`, key)
}

func (r *Repository) get(ctx context.Context, where string, arg any) (domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx,
		`SELECT id, idempotency_key, buyer_id, subtotal_cents, total_cents, status, payment_intent_id, created_at, updated_at
		 FROM orders `+where, arg).
		Scan(&o.ID, &o.IdempotencyKey, &o.BuyerID, &o.SubtotalCents, &o.TotalCents,
			&o.Status, &o.PaymentIntentID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT product_id, quantity, unit_price_cents
		 FROM order_items WHERE order_id=$1 ORDER BY product_id`, o.ID)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.LineItem
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.UnitPriceCents); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (r *Repository) Update(ctx context.Context, o domain.Order) error {
	res, err := r.pool.Exec(ctx,
		`UPDATE orders
		 SET status=$2, payment_intent_id=$3, updated_at=$4
		 WHERE id=$1`,
		o.ID, o.Status, o.PaymentIntentID, o.UpdatedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrConflict
	}
	return err
}
