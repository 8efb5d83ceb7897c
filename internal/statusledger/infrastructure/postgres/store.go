package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agrihaul/fulfillment/internal/statusledger/domain"
	"github.com/agrihaul/fulfillment/pkg/outbox"
	"github.com/agrihaul/fulfillment/pkg/tracing"
)

// Store persists the order ledger. Each append serializes on a per-order
// advisory-style row lock, validates the transition against the folded
// history, and writes the event plus its outbox row in one transaction.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS order_events (
			order_id    TEXT NOT NULL,
			seq         BIGINT NOT NULL,
			event_type  TEXT NOT NULL,
			payload     JSONB,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (order_id, seq)
		);
		CREATE TABLE IF NOT EXISTS outbox_events (
			id             BIGSERIAL PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			aggregate_id   TEXT NOT NULL,
			event_type     TEXT NOT NULL,
			payload        JSONB,
			headers        JSONB,
			traceparent    TEXT,
			created_at     TIMESTAMPTZ NOT NULL,
			status         TEXT NOT NULL DEFAULT 'pending',
			relay_id       TEXT,
			locked_until   TIMESTAMPTZ,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT
		);
		CREATE INDEX IF NOT EXISTS outbox_pending_idx
			ON outbox_events (created_at) WHERE status IN ('pending','in_progress')`)
	return err
}

func (s *Store) Append(ctx context.Context, orderID string, et domain.EventType, payload []byte) (domain.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Event{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	events, err := loadEvents(ctx, tx, orderID, true)
	if err != nil {
		return domain.Event{}, err
	}
	cur, err := domain.Fold(events)
	if err != nil {
		return domain.Event{}, err
	}
	if _, err := domain.Next(cur, et); err != nil {
		return domain.Event{}, err
	}

	ev := domain.Event{
		OrderID:    orderID,
		Seq:        int64(len(events)) + 1,
		Type:       et,
		Payload:    payload,
		RecordedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO order_events (order_id, seq, event_type, payload, recorded_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		ev.OrderID, ev.Seq, ev.Type, nullable(ev.Payload), ev.RecordedAt); err != nil {
		return domain.Event{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, created_at)
		 VALUES ('order',$1,$2,$3,$4,$5)`,
		ev.OrderID, ev.Type, nullable(ev.Payload), tracing.Traceparent(ctx), ev.RecordedAt); err != nil {
		return domain.Event{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (s *Store) Events(ctx context.Context, orderID string) ([]domain.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	return loadEvents(ctx, tx, orderID, false)
}

func (s *Store) Project(ctx context.Context, orderID string) (domain.Status, error) {
	events, err := s.Events(ctx, orderID)
	if err != nil {
		return domain.StatusNone, err
	}
	return domain.Fold(events)
}

func loadEvents(ctx context.Context, tx pgx.Tx, orderID string, forUpdate bool) ([]domain.Event, error) {
	q := `SELECT order_id, seq, event_type, payload, recorded_at
	      FROM order_events WHERE order_id=$1 ORDER BY seq`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	rows, err := tx.Query(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.OrderID, &ev.Seq, &ev.Type, &ev.Payload, &ev.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return payload
}

// OutboxStore exposes the outbox rows written by Append to the relay.
type OutboxStore struct {
	pool *pgxpool.Pool
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

func (o *OutboxStore) LockBatch(ctx context.Context, relayID string, limit int, lease time.Duration) ([]outbox.Event, error) {
	now := time.Now().UTC()
	rows, err := o.pool.Query(ctx, `
		UPDATE outbox_events SET status='in_progress', relay_id=$1, locked_until=$2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status='pending'
			   OR (status='in_progress' AND locked_until < $3)
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload, headers,
		          COALESCE(traceparent,''), created_at, status, COALESCE(relay_id,''), retry_count, last_error`,
		relayID, now.Add(lease), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Event
	for rows.Next() {
		var ev outbox.Event
		var headers []byte
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.Type,
			&ev.Payload, &headers, &ev.Traceparent, &ev.CreatedAt, &ev.Status,
			&ev.RelayID, &ev.RetryCount, &ev.LastError); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &ev.Headers); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (o *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.pool.Exec(ctx,
		`UPDATE outbox_events SET status='sent', locked_until=NULL WHERE id = ANY($1)`, ids)
	return err
}

func (o *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := o.pool.Exec(ctx,
		`UPDATE outbox_events
		 SET status='pending', relay_id=NULL, locked_until=NULL,
		     retry_count=retry_count+1, last_error=$2
		 WHERE id = $1`, id, errMsg)
	return err
}

func (o *OutboxStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := o.pool.Exec(ctx,
		`UPDATE outbox_events SET locked_until=$3
		 WHERE id = ANY($1) AND relay_id=$2 AND status='in_progress'`,
		ids, relayID, time.Now().UTC().Add(lease))
	if err != nil {
		return err
	}
	if res.RowsAffected() != int64(len(ids)) {
		return errors.New("outbox: lease lost for part of the batch")
	}
	return nil
}
