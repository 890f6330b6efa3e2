package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
)

const (
	defaultPollInterval      = 200 * time.Millisecond
	defaultDialRetries       = 5
	defaultVisibilityTimeout = 30 * time.Second
)

// amqpChannel is the subset of *amqp.Channel the backend uses
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config holds RabbitMQ-specific configuration
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string

	// DeclareQueues declares a durable queue before first use
	DeclareQueues bool

	// PollInterval is the pause between empty basic.get rounds while waiting
	PollInterval time.Duration

	// DialRetries bounds connection attempts at startup
	DialRetries int

	// VisibilityTimeout is how long a delivery may stay unsettled before
	// it is requeued
	VisibilityTimeout time.Duration
}

// URL builds the AMQP connection URL
func (c Config) URL() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VHost,
	}
	if uri.Port == 0 {
		uri.Port = 5672
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}
	return uri.String()
}

var _ broker.QueueBackend = (*Backend)(nil)

// Backend implements broker.QueueBackend on top of one AMQP channel.
// AMQP channels are not goroutine-safe, so every channel call holds mu.
//
// AMQP has no visibility timeout. Each unsettled delivery carries a lease
// timer instead, and an expired lease requeues the delivery with basic.nack.
type Backend struct {
	conn         *amqp.Connection
	ch           amqpChannel
	declare      bool
	pollInterval time.Duration
	visibility   time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
	pending  map[uint64]*time.Timer
}

// Dial connects to RabbitMQ, retrying with exponential backoff while the
// broker is still starting up
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.DialRetries
	if retries <= 0 {
		retries = defaultDialRetries
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second

	var conn *amqp.Connection
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		conn, err = amqp.Dial(cfg.URL())
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries-1)), ctx), func(err error, wait time.Duration) {
		logger.Warn("Failed to connect to RabbitMQ, retrying",
			"attempt", attempt,
			"maxRetries", retries,
			"backoff", wait,
			"error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, broker.Unavailable(err))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	logger.Info("Connected to RabbitMQ successfully", "host", cfg.Host, "vhost", cfg.VHost)

	b := newBackend(ch, cfg, logger)
	b.conn = conn
	return b, nil
}

func newBackend(ch amqpChannel, cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Backend{
		ch:           ch,
		declare:      cfg.DeclareQueues,
		pollInterval: poll,
		visibility:   visibility,
		logger:       logger.With("component", "rabbitmq-backend"),
		declared:     make(map[string]bool),
		pending:      make(map[uint64]*time.Timer),
	}
}

// ensureQueue declares the queue once; callers hold mu
func (b *Backend) ensureQueue(queueName string) error {
	if !b.declare || b.declared[queueName] {
		return nil
	}
	_, err := b.ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, broker.Unavailable(err))
	}
	b.declared[queueName] = true
	return nil
}

// Receive pulls up to maxMessages deliveries with basic.get. When the queue
// is empty it polls until waitSeconds elapse or ctx is done.
func (b *Backend) Receive(ctx context.Context, queueName string, maxMessages, waitSeconds int) ([]broker.RawMessage, error) {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		raws, err := b.getBatch(queueName, maxMessages)
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

func (b *Backend) getBatch(queueName string, maxMessages int) ([]broker.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureQueue(queueName); err != nil {
		return nil, err
	}

	var raws []broker.RawMessage
	for len(raws) < max(maxMessages, 1) {
		delivery, ok, err := b.ch.Get(queueName, false) // autoAck=false
		if err != nil {
			if len(raws) > 0 {
				// Keep what was already taken; those deliveries are tracked
				b.logger.Warn("basic.get failed mid-batch", "queue", queueName, "received", len(raws), "error", err)
				return raws, nil
			}
			return nil, fmt.Errorf("failed to get message: %w", broker.Unavailable(err))
		}
		if !ok {
			break
		}

		tag := delivery.DeliveryTag
		b.pending[tag] = time.AfterFunc(b.visibility, func() { b.expire(queueName, tag) })
		raws = append(raws, broker.RawMessage{
			Handle:     strconv.FormatUint(delivery.DeliveryTag, 10),
			Body:       delivery.Body,
			MessageID:  delivery.MessageId,
			Attributes: attributes(delivery),
		})
	}
	return raws, nil
}

// Delete acknowledges the delivery
func (b *Backend) Delete(ctx context.Context, queueName, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tag, err := b.settle(handle)
	if err != nil {
		return err
	}
	if err := b.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to ack message: %w", broker.Unavailable(err))
	}
	b.forget(tag)
	return nil
}

// ChangeVisibility with a zero timeout requeues the delivery. AMQP has no
// delayed redelivery, so positive timeouts are rejected.
func (b *Backend) ChangeVisibility(ctx context.Context, queueName, handle string, timeoutSeconds int) error {
	if timeoutSeconds != 0 {
		return fmt.Errorf("rabbitmq cannot delay redelivery by %ds, only immediate requeue is supported", timeoutSeconds)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tag, err := b.settle(handle)
	if err != nil {
		return err
	}
	if err := b.ch.Nack(tag, false, true); err != nil {
		return fmt.Errorf("failed to nack message: %w", broker.Unavailable(err))
	}
	b.forget(tag)
	return nil
}

// expire requeues a delivery whose lease ran out
func (b *Backend) expire(queueName string, tag uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[tag]; !ok {
		return
	}
	delete(b.pending, tag)
	if err := b.ch.Nack(tag, false, true); err != nil {
		b.logger.Error("Failed to requeue expired delivery", "queue", queueName, "tag", tag, "error", err)
		return
	}
	b.logger.Info("Visibility timeout expired, delivery requeued", "queue", queueName, "tag", tag)
}

// forget stops the lease timer of a settled delivery; callers hold mu
func (b *Backend) forget(tag uint64) {
	if timer, ok := b.pending[tag]; ok {
		timer.Stop()
		delete(b.pending, tag)
	}
}

// settle checks the handle is an unsettled delivery tag of this channel.
// Acking an unknown tag would make the broker close the channel.
func (b *Backend) settle(handle string) (uint64, error) {
	tag, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return 0, broker.UnknownHandle(handle, err)
	}
	if _, ok := b.pending[tag]; !ok {
		return 0, broker.UnknownHandle(handle, nil)
	}
	return tag, nil
}

// Send publishes a persistent message to the queue through the default exchange
func (b *Backend) Send(ctx context.Context, queueName string, body []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureQueue(queueName); err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	err := b.ch.PublishWithContext(ctx,
		"",        // exchange
		queueName, // routing key (queue name)
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return "", fmt.Errorf("failed to publish to RabbitMQ: %w", broker.Unavailable(err))
	}
	return messageID, nil
}

// Close closes the channel and the connection
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tag := range b.pending {
		b.forget(tag)
	}

	var errs []error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func attributes(d amqp.Delivery) map[string]string {
	attrs := make(map[string]string, len(d.Headers)+2)
	for k, v := range d.Headers {
		attrs[k] = fmt.Sprint(v)
	}
	if d.ContentType != "" {
		attrs["content_type"] = d.ContentType
	}
	if d.Redelivered {
		attrs["redelivered"] = "true"
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
