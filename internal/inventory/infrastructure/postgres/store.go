package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrihaul/fulfillment/internal/inventory/domain"
)

// Store implements the inventory ledger on postgres. Reserve holds the item
// row lock for the minimal critical section: check available, bump reserved,
// insert the reservation, commit. Nothing here ever spans a network call
// other than the database itself.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS inventory_items (
			product_id TEXT PRIMARY KEY,
			stock      INTEGER NOT NULL CHECK (stock >= 0),
			reserved   INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= stock),
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reservations (
			order_id   TEXT NOT NULL,
			product_id TEXT NOT NULL REFERENCES inventory_items(product_id),
			quantity   INTEGER NOT NULL CHECK (quantity > 0),
			state      TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (order_id, product_id)
		);
		CREATE INDEX IF NOT EXISTS reservations_expiry_idx
			ON reservations (expires_at) WHERE state = 'HELD'`)
	return err
}

func (s *Store) Reserve(ctx context.Context, orderID, productID string, quantity int, expiresAt time.Time) (domain.Reservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Reservation{}, mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var stock, reserved int
	err = tx.QueryRow(ctx,
		`SELECT stock, reserved FROM inventory_items WHERE product_id=$1 FOR UPDATE`,
		productID).Scan(&stock, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Reservation{}, mapErr(err)
	}

	// A retried reserve for the same pair returns the live hold untouched.
	var existing domain.Reservation
	err = tx.QueryRow(ctx,
		`SELECT order_id, product_id, quantity, state, created_at, expires_at
		 FROM reservations WHERE order_id=$1 AND product_id=$2`,
		orderID, productID).Scan(&existing.OrderID, &existing.ProductID,
		&existing.Quantity, &existing.State, &existing.CreatedAt, &existing.ExpiresAt)
	switch {
	case err == nil && existing.State != domain.ReservationReleased:
		return existing, tx.Commit(ctx)
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return domain.Reservation{}, mapErr(err)
	}

	if stock-reserved < quantity {
		return domain.Reservation{}, domain.ErrInsufficientStock
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE inventory_items SET reserved=reserved+$2, updated_at=$3 WHERE product_id=$1`,
		productID, quantity, now); err != nil {
		return domain.Reservation{}, mapErr(err)
	}

	res := domain.Reservation{
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		State:     domain.ReservationHeld,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO reservations (order_id, product_id, quantity, state, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (order_id, product_id)
		 DO UPDATE SET quantity=$3, state=$4, created_at=$5, expires_at=$6`,
		res.OrderID, res.ProductID, res.Quantity, res.State, res.CreatedAt, res.ExpiresAt); err != nil {
		return domain.Reservation{}, mapErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, mapErr(err)
	}
	return res, nil
}

func (s *Store) Commit(ctx context.Context, orderID, productID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var state domain.ReservationState
	err = tx.QueryRow(ctx,
		`SELECT state FROM reservations WHERE order_id=$1 AND product_id=$2 FOR UPDATE`,
		orderID, productID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrReservationNotFound
	}
	if err != nil {
		return mapErr(err)
	}

	switch state {
	case domain.ReservationCommitted:
		return tx.Commit(ctx)
	case domain.ReservationReleased:
		return domain.ErrReservationNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET state=$3 WHERE order_id=$1 AND product_id=$2`,
		orderID, productID, domain.ReservationCommitted); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

func (s *Store) Release(ctx context.Context, orderID, productID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := releaseLocked(ctx, tx, orderID, productID); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx))
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx,
		`SELECT order_id, product_id, quantity, created_at, expires_at
		 FROM reservations
		 WHERE state='HELD' AND expires_at < $1
		 ORDER BY order_id, product_id
		 FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, mapErr(err)
	}

	var reclaimed []domain.Reservation
	for rows.Next() {
		res := domain.Reservation{State: domain.ReservationReleased}
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.Quantity, &res.CreatedAt, &res.ExpiresAt); err != nil {
			rows.Close()
			return nil, mapErr(err)
		}
		reclaimed = append(reclaimed, res)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}

	for _, res := range reclaimed {
		if _, err := tx.Exec(ctx,
			`UPDATE reservations SET state=$3 WHERE order_id=$1 AND product_id=$2`,
			res.OrderID, res.ProductID, domain.ReservationReleased); err != nil {
			return nil, mapErr(err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE inventory_items SET reserved=reserved-$2, updated_at=$3 WHERE product_id=$1`,
			res.ProductID, res.Quantity, now); err != nil {
			return nil, mapErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr(err)
	}
	return reclaimed, nil
}

func (s *Store) AddStock(ctx context.Context, productID string, quantity int) (domain.Item, error) {
	var item domain.Item
	err := s.pool.QueryRow(ctx,
		`INSERT INTO inventory_items (product_id, stock, reserved, updated_at)
		 VALUES ($1,$2,0,$3)
		 ON CONFLICT (product_id)
		 DO UPDATE SET stock=inventory_items.stock+$2, updated_at=$3
		 RETURNING product_id, stock, reserved, updated_at`,
		productID, quantity, time.Now().UTC()).
		Scan(&item.ProductID, &item.Stock, &item.Reserved, &item.UpdatedAt)
	return item, mapErr(err)
}

func (s *Store) Item(ctx context.Context, productID string) (domain.Item, error) {
	var item domain.Item
	err := s.pool.QueryRow(ctx,
		`SELECT product_id, stock, reserved, updated_at FROM inventory_items WHERE product_id=$1`,
		productID).Scan(&item.ProductID, &item.Stock, &item.Reserved, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Item{}, domain.ErrProductNotFound
	}
	return item, mapErr(err)
}

func (s *Store) Reservations(ctx context.Context, orderID string) ([]domain.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, product_id, quantity, state, created_at, expires_at
		 FROM reservations WHERE order_id=$1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.Quantity, &res.State, &res.CreatedAt, &res.ExpiresAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, res)
	}
	return out, mapErr(rows.Err())
}

func releaseLocked(ctx context.Context, tx pgx.Tx, orderID, productID string) error {
	var quantity int
	var state domain.ReservationState
	err := tx.QueryRow(ctx,
		`SELECT quantity, state FROM reservations WHERE order_id=$1 AND product_id=$2 FOR UPDATE`,
		orderID, productID).Scan(&quantity, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrReservationNotFound
	}
	if err != nil {
		return mapErr(err)
	}

	switch state {
	case domain.ReservationReleased:
		return nil
	case domain.ReservationCommitted:
		return domain.ErrAlreadyCommitted
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET state=$3 WHERE order_id=$1 AND product_id=$2`,
		orderID, productID, domain.ReservationReleased); err != nil {
		return mapErr(err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE inventory_items SET reserved=reserved-$2, updated_at=$3 WHERE product_id=$1`,
		productID, quantity, time.Now().UTC()); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr translates serialization and deadlock failures into the retryable
// conflict sentinel.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return domain.ErrConflict
		}
	}
	return err
}
