package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
)

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 500 * time.Millisecond
)

// SQL templates
const (
	sqlSchema = `
CREATE TABLE IF NOT EXISTS asya_messages (
  id             BIGSERIAL PRIMARY KEY,
  queue          TEXT        NOT NULL,
  body           BYTEA       NOT NULL,
  attributes     JSONB       NOT NULL DEFAULT '{}'::jsonb,
  enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  lease_until    TIMESTAMPTZ,
  receipt        UUID,
  delivery_count INT         NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS asya_messages_queue_idx ON asya_messages (queue, id);
CREATE UNIQUE INDEX IF NOT EXISTS asya_messages_receipt_idx ON asya_messages (receipt);`

	sqlEnqueue = `
INSERT INTO asya_messages (queue, body, attributes)
VALUES ($1, $2, $3)
RETURNING id;`

	// pick -> lease -> return rows in queue order
	sqlClaim = `
WITH picked AS (
  SELECT id
  FROM asya_messages
  WHERE queue = $1
    AND (lease_until IS NULL OR lease_until <= now())
  ORDER BY id
  FOR UPDATE SKIP LOCKED
  LIMIT $2
),
updated AS (
  UPDATE asya_messages m
  SET lease_until    = now() + $3::interval,
      receipt        = gen_random_uuid(),
      delivery_count = m.delivery_count + 1
  FROM picked
  WHERE m.id = picked.id
  RETURNING m.id, m.receipt::text, m.body, m.attributes, m.delivery_count
)
SELECT * FROM updated ORDER BY id;`

	sqlDelete = `DELETE FROM asya_messages WHERE queue = $1 AND receipt = $2::uuid;`

	sqlChangeVisibility = `
UPDATE asya_messages
SET lease_until = CASE WHEN $3::interval > interval '0' THEN now() + $3::interval END
WHERE queue = $1 AND receipt = $2::uuid;`
)

// PoolConfig holds connection pool settings
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// ParsePoolConfig builds a pgxpool configuration from a DSN and pool settings
func ParsePoolConfig(dsn string, cfg PoolConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	return poolCfg, nil
}

// NewPool opens and pings a connection pool
func NewPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := ParsePoolConfig(dsn, cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", broker.Unavailable(err))
	}
	return pool, nil
}

// Config holds Postgres backend settings
type Config struct {
	// VisibilityTimeout is the lease granted to claimed rows
	VisibilityTimeout time.Duration

	// PollInterval is the pause between empty claims while waiting
	PollInterval time.Duration
}

var _ broker.QueueBackend = (*Backend)(nil)

// Backend implements broker.QueueBackend on a Postgres table
type Backend struct {
	pool         *pgxpool.Pool
	visibility   time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a Postgres backend on an existing pool
func New(pool *pgxpool.Pool, cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Backend{
		pool:         pool,
		visibility:   visibility,
		pollInterval: poll,
		logger:       logger.With("component", "postgres-backend"),
	}
}

// EnsureSchema creates the message table and its indexes
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", classify(err))
	}
	return nil
}

// Send enqueues a message and returns its row id
func (b *Backend) Send(ctx context.Context, queueName string, body []byte, attrs map[string]string) (int64, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	if body == nil {
		body = []byte{}
	}
	var id int64
	if err := b.pool.QueryRow(ctx, sqlEnqueue, queueName, body, attrs).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to enqueue message: %w", classify(err))
	}
	return id, nil
}

// Receive leases up to maxMessages rows. When none is visible it polls until
// waitSeconds elapse or ctx is done.
func (b *Backend) Receive(ctx context.Context, queueName string, maxMessages, waitSeconds int) ([]broker.RawMessage, error) {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		raws, err := b.claim(ctx, queueName, max(maxMessages, 1))
		if err != nil || len(raws) > 0 {
			return raws, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

func (b *Backend) claim(ctx context.Context, queueName string, limit int) ([]broker.RawMessage, error) {
	rows, err := b.pool.Query(ctx, sqlClaim, queueName, limit, toInterval(b.visibility))
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", classify(err))
	}
	defer rows.Close()

	var raws []broker.RawMessage
	for rows.Next() {
		var (
			id            int64
			receipt       string
			body          []byte
			attrs         map[string]string
			deliveryCount int
		)
		if err := rows.Scan(&id, &receipt, &body, &attrs, &deliveryCount); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if attrs == nil {
			attrs = make(map[string]string, 1)
		}
		attrs["delivery_count"] = fmt.Sprintf("%d", deliveryCount)

		raws = append(raws, broker.RawMessage{
			Handle:     receipt,
			Body:       body,
			MessageID:  fmt.Sprintf("%d", id),
			Attributes: attrs,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed messages: %w", classify(err))
	}

	if len(raws) > 0 {
		b.logger.Debug("Claimed messages", "queue", queueName, "count", len(raws))
	}
	return raws, nil
}

// Delete removes the row holding receipt
func (b *Backend) Delete(ctx context.Context, queueName, handle string) error {
	if _, err := uuid.Parse(handle); err != nil {
		return broker.UnknownHandle(handle, err)
	}
	tag, err := b.pool.Exec(ctx, sqlDelete, queueName, handle)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return broker.UnknownHandle(handle, nil)
	}
	return nil
}

// ChangeVisibility moves the lease of the row holding receipt; 0 clears it
func (b *Backend) ChangeVisibility(ctx context.Context, queueName, handle string, timeoutSeconds int) error {
	if timeoutSeconds < 0 {
		return fmt.Errorf("invalid visibility timeout %d", timeoutSeconds)
	}
	if _, err := uuid.Parse(handle); err != nil {
		return broker.UnknownHandle(handle, err)
	}
	interval := toInterval(time.Duration(timeoutSeconds) * time.Second)
	tag, err := b.pool.Exec(ctx, sqlChangeVisibility, queueName, handle, interval)
	if err != nil {
		return fmt.Errorf("failed to change visibility: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return broker.UnknownHandle(handle, nil)
	}
	return nil
}

// toInterval converts a duration to a Postgres interval literal like "12.500000s"
func toInterval(d time.Duration) string {
	return fmt.Sprintf("%fs", d.Seconds())
}

// classify marks failures that are not server-side SQL errors as unavailability
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return broker.Unavailable(err)
}
