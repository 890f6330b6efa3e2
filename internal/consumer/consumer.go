package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
)

// Processing outcomes reported to Metrics
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

const (
	defaultErrorBackoff    = 200 * time.Millisecond
	defaultMaxErrorBackoff = 10 * time.Second
)

// HandlerFunc processes one message. A nil error acks the message.
type HandlerFunc func(ctx context.Context, msg broker.Message) error

// Source is the provider surface the consumer drives
type Source interface {
	QueueRef() string
	Get(ctx context.Context) (*broker.Message, error)
	Ack(ctx context.Context, msg broker.Message) error
	Nack(ctx context.Context, msg broker.Message, requeue bool) error
}

// Metrics receives handler outcomes
type Metrics interface {
	RecordMessageProcessed(queue, status string)
	RecordProcessingDuration(queue string, duration time.Duration)
	IncrementActiveMessages()
	DecrementActiveMessages()
}

// Option configures a Consumer
type Option func(*Consumer)

// WithRequeueOnError makes failed messages visible again right away
// instead of waiting for their visibility timeout
func WithRequeueOnError(requeue bool) Option {
	return func(c *Consumer) {
		c.requeueOnError = requeue
	}
}

// WithErrorBackoff sets the initial and maximum pause after a failed Get
func WithErrorBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Consumer) {
		if initial > 0 {
			c.errorBackoff = initial
		}
		if maxInterval > 0 {
			c.maxErrorBackoff = maxInterval
		}
	}
}

// WithMetrics reports handler outcomes to m
func WithMetrics(m Metrics) Option {
	return func(c *Consumer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer pulls messages from one source and hands them to a handler,
// one at a time, from the goroutine that calls Run
type Consumer struct {
	source          Source
	handler         HandlerFunc
	requeueOnError  bool
	errorBackoff    time.Duration
	maxErrorBackoff time.Duration
	metrics         Metrics
	logger          *slog.Logger
}

// New creates a consumer
func New(source Source, handler HandlerFunc, opts ...Option) (*Consumer, error) {
	if source == nil {
		return nil, fmt.Errorf("message source is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	c := &Consumer{
		source:          source,
		handler:         handler,
		errorBackoff:    defaultErrorBackoff,
		maxErrorBackoff: defaultMaxErrorBackoff,
		metrics:         nopMetrics{},
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "consumer", "queue", source.QueueRef())
	return c, nil
}

// Run consumes until ctx is cancelled, then returns nil
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting consumer", "requeueOnError", c.requeueOnError)

	idle := c.newErrorBackoff()
	for {
		if ctx.Err() != nil {
			c.logger.Info("Stopping consumer")
			return nil
		}

		msg, err := c.source.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Stopping consumer")
				return nil
			}
			wait := idle.NextBackOff()
			c.logger.Error("Error receiving from queue", "error", err, "backoff", wait)
			if !sleep(ctx, wait) {
				c.logger.Info("Stopping consumer")
				return nil
			}
			continue
		}
		idle.Reset()

		if msg == nil {
			continue
		}

		c.process(ctx, *msg)
	}
}

func (c *Consumer) newErrorBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.errorBackoff
	b.MaxInterval = c.maxErrorBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// process runs the handler and settles the message
func (c *Consumer) process(ctx context.Context, msg broker.Message) {
	queue := c.source.QueueRef()

	c.metrics.IncrementActiveMessages()
	start := time.Now()
	err := c.handle(ctx, msg)
	c.metrics.RecordProcessingDuration(queue, time.Since(start))
	c.metrics.DecrementActiveMessages()

	if err == nil {
		c.metrics.RecordMessageProcessed(queue, StatusSuccess)
		if ackErr := c.source.Ack(ctx, msg); ackErr != nil {
			c.logAckError("Failed to ack message", msg, ackErr)
			return
		}
		c.logger.Debug("Message processed", "id", msg.ID)
		return
	}

	c.metrics.RecordMessageProcessed(queue, StatusFailed)
	c.logger.Warn("Handler failed", "id", msg.ID, "requeue", c.requeueOnError, "error", err)
	if nackErr := c.source.Nack(ctx, msg, c.requeueOnError); nackErr != nil {
		c.logAckError("Failed to nack message", msg, nackErr)
	}
}

// handle calls the handler, turning a panic into an error
func (c *Consumer) handle(ctx context.Context, msg broker.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

// logAckError logs a settle failure; a stale handle is only a warning
func (c *Consumer) logAckError(text string, msg broker.Message, err error) {
	if errors.Is(err, broker.ErrUnknownHandle) {
		c.logger.Warn(text, "id", msg.ID, "error", err)
		return
	}
	c.logger.Error(text, "id", msg.ID, "error", err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordMessageProcessed(string, string)          {}
func (nopMetrics) RecordProcessingDuration(string, time.Duration) {}
func (nopMetrics) IncrementActiveMessages()                       {}
func (nopMetrics) DecrementActiveMessages()                       {}
