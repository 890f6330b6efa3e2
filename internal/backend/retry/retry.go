// Package retry wraps a queue backend so that transient unavailability is
// retried with exponential backoff.
//
// Only failures matching broker.ErrBackendUnavailable are retried. Handle
// errors and anything else are returned right away.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
)

// Config holds configuration for retry behavior
type Config struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// InitialInterval is the backoff before the first retry
	InitialInterval time.Duration

	// MaxInterval caps exponential growth
	MaxInterval time.Duration
}

// DefaultConfig returns the retry settings used when only MaxRetries is configured
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

var _ broker.QueueBackend = (*Backend)(nil)

// Backend decorates another backend with retries
type Backend struct {
	next   broker.QueueBackend
	cfg    Config
	logger *slog.Logger
}

// New wraps next. Zero intervals fall back to DefaultConfig.
func New(next broker.QueueBackend, cfg Config, logger *slog.Logger) *Backend {
	defaults := DefaultConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		next:   next,
		cfg:    cfg,
		logger: logger.With("component", "backend-retry"),
	}
}

func (b *Backend) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.InitialInterval
	exp.MaxInterval = b.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.cfg.MaxRetries)), ctx)
}

func (b *Backend) notify(op, queueRef string) backoff.Notify {
	attempt := 0
	return func(err error, wait time.Duration) {
		attempt++
		b.logger.Warn("Backend unavailable, retrying",
			"operation", op,
			"queue", queueRef,
			"attempt", attempt,
			"maxRetries", b.cfg.MaxRetries,
			"backoff", wait,
			"error", err)
	}
}

// permanent stops the retry loop for errors that cannot heal by retrying
func permanent(err error) error {
	if err == nil || errors.Is(err, broker.ErrBackendUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}

// Receive retries the wrapped Receive
func (b *Backend) Receive(ctx context.Context, queueRef string, maxMessages, waitSeconds int) ([]broker.RawMessage, error) {
	return backoff.RetryNotifyWithData(func() ([]broker.RawMessage, error) {
		raws, err := b.next.Receive(ctx, queueRef, maxMessages, waitSeconds)
		return raws, permanent(err)
	}, b.policy(ctx), b.notify(broker.OpReceive, queueRef))
}

// Delete retries the wrapped Delete
func (b *Backend) Delete(ctx context.Context, queueRef, handle string) error {
	return backoff.RetryNotify(func() error {
		return permanent(b.next.Delete(ctx, queueRef, handle))
	}, b.policy(ctx), b.notify(broker.OpDelete, queueRef))
}

// ChangeVisibility retries the wrapped ChangeVisibility
func (b *Backend) ChangeVisibility(ctx context.Context, queueRef, handle string, timeoutSeconds int) error {
	return backoff.RetryNotify(func() error {
		return permanent(b.next.ChangeVisibility(ctx, queueRef, handle, timeoutSeconds))
	}, b.policy(ctx), b.notify(broker.OpChangeVisibility, queueRef))
}
