// Package provider implements the prefetching message provider.
//
// A MessageProvider serves messages from its local cache first and only calls
// the backend on a cache miss. One backend receive may return up to
// MaxMessages entries: the first is handed to the caller and the rest are
// cached, so the following Get calls need no round trip. Messages that sit in
// the cache stay invisible at the backend until their visibility timeout
// expires; if the process dies they are redelivered by the backend.
//
// A provider is meant for a single consumer goroutine. Workers sharing a
// queue should each own a provider and cache.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
	"github.com/deliveryhero/asya/asya-consumer/pkg/cache"
)

const (
	// DefaultMaxMessages is the prefetch window requested per backend receive
	DefaultMaxMessages = 9

	// DefaultWaitSeconds caps how long a backend receive may block
	DefaultWaitSeconds = 5
)

// Delivery sources reported to the Recorder
const (
	SourceCache   = "cache"
	SourceBackend = "backend"
)

// Recorder receives provider telemetry. Implementations must be cheap and non-blocking.
type Recorder interface {
	RecordDelivered(queue, source string)
	RecordReceive(queue string, count int, duration time.Duration, err error)
	RecordAck(queue string)
	RecordNack(queue string, requeue bool)
	RecordBackendError(queue, operation string)
	SetCacheDepth(queue string, depth int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDelivered(string, string)                  {}
func (nopRecorder) RecordReceive(string, int, time.Duration, error) {}
func (nopRecorder) RecordAck(string)                                {}
func (nopRecorder) RecordNack(string, bool)                         {}
func (nopRecorder) RecordBackendError(string, string)               {}
func (nopRecorder) SetCacheDepth(string, int)                       {}

// Option configures a MessageProvider
type Option func(*MessageProvider)

// WithMaxMessages sets how many messages one backend receive asks for
func WithMaxMessages(n int) Option {
	return func(p *MessageProvider) {
		if n > 0 {
			p.maxMessages = n
		}
	}
}

// WithWaitSeconds sets the long-poll wait passed to the backend
func WithWaitSeconds(w int) Option {
	return func(p *MessageProvider) {
		if w >= 0 {
			p.waitSeconds = w
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *MessageProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRecorder sets the telemetry recorder
func WithRecorder(r Recorder) Option {
	return func(p *MessageProvider) {
		if r != nil {
			p.recorder = r
		}
	}
}

// MessageProvider hands out messages from one queue and acknowledges them
type MessageProvider struct {
	backend     broker.QueueBackend
	queueRef    string
	cache       cache.MessageCache
	maxMessages int
	waitSeconds int
	logger      *slog.Logger
	recorder    Recorder
}

// New creates a provider for queueRef. A nil cache disables prefetching.
func New(backend broker.QueueBackend, queueRef string, c cache.MessageCache, opts ...Option) (*MessageProvider, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if queueRef == "" {
		return nil, fmt.Errorf("queue reference is required")
	}
	if c == nil {
		c = cache.NoopCache{}
	}

	p := &MessageProvider{
		backend:     backend,
		queueRef:    queueRef,
		cache:       c,
		maxMessages: DefaultMaxMessages,
		waitSeconds: DefaultWaitSeconds,
		logger:      slog.Default(),
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "message-provider", "queue", queueRef)

	return p, nil
}

// QueueRef returns the queue this provider consumes from
func (p *MessageProvider) QueueRef() string {
	return p.queueRef
}

// Cached returns the number of prefetched messages waiting locally
func (p *MessageProvider) Cached() int {
	return p.cache.Len()
}

// Get returns the next message, or nil when none is currently available.
// A nil message is never accompanied by an error for the empty case.
func (p *MessageProvider) Get(ctx context.Context) (*broker.Message, error) {
	if msg, ok := p.cache.Pop(); ok {
		p.recorder.RecordDelivered(p.queueRef, SourceCache)
		p.recorder.SetCacheDepth(p.queueRef, p.cache.Len())
		return &msg, nil
	}

	start := time.Now()
	raws, err := p.backend.Receive(ctx, p.queueRef, p.maxMessages, p.waitSeconds)
	p.recorder.RecordReceive(p.queueRef, len(raws), time.Since(start), err)
	if err != nil {
		p.recorder.RecordBackendError(p.queueRef, broker.OpReceive)
		return nil, &broker.BackendError{Op: broker.OpReceive, Queue: p.queueRef, Err: err}
	}

	if len(raws) == 0 {
		p.logger.Debug("No messages available")
		return nil, nil
	}

	first := raws[0].ToMessage()
	for _, raw := range raws[1:] {
		p.prefetch(ctx, raw.ToMessage())
	}

	p.logger.Debug("Received messages from backend", "count", len(raws), "cached", p.cache.Len())
	p.recorder.RecordDelivered(p.queueRef, SourceBackend)
	p.recorder.SetCacheDepth(p.queueRef, p.cache.Len())
	return &first, nil
}

// prefetch caches msg, or hands it straight back to the backend when the
// cache has no room so it is not stranded until its visibility timeout.
func (p *MessageProvider) prefetch(ctx context.Context, msg broker.Message) {
	err := p.cache.Push(msg)
	if err == nil {
		return
	}

	p.logger.Warn("Failed to cache prefetched message, releasing it", "error", err)
	if err := p.backend.ChangeVisibility(ctx, p.queueRef, msg.ID, 0); err != nil {
		p.recorder.RecordBackendError(p.queueRef, broker.OpChangeVisibility)
		p.logger.Error("Failed to release prefetched message", "error", err)
	}
}

// Ack deletes the message from the backend so it is never redelivered
func (p *MessageProvider) Ack(ctx context.Context, msg broker.Message) error {
	if err := p.backend.Delete(ctx, p.queueRef, msg.ID); err != nil {
		p.recorder.RecordBackendError(p.queueRef, broker.OpDelete)
		return &broker.BackendError{Op: broker.OpDelete, Queue: p.queueRef, Err: err}
	}
	p.recorder.RecordAck(p.queueRef)
	return nil
}

// Nack rejects the message. With requeue it becomes visible again right away;
// without requeue nothing is sent and the backend redelivers it once its
// visibility timeout lapses. Nack never deletes.
func (p *MessageProvider) Nack(ctx context.Context, msg broker.Message, requeue bool) error {
	if requeue {
		if err := p.backend.ChangeVisibility(ctx, p.queueRef, msg.ID, 0); err != nil {
			p.recorder.RecordBackendError(p.queueRef, broker.OpChangeVisibility)
			return &broker.BackendError{Op: broker.OpChangeVisibility, Queue: p.queueRef, Err: err}
		}
	}
	p.recorder.RecordNack(p.queueRef, requeue)
	return nil
}

// Release hands every cached message back to the backend with a zero
// visibility timeout so other consumers can take it right away. Call it on
// shutdown; a message that cannot be released reappears after its timeout.
func (p *MessageProvider) Release(ctx context.Context) error {
	var errs []error
	released := 0
	for {
		msg, ok := p.cache.Pop()
		if !ok {
			break
		}
		if err := p.backend.ChangeVisibility(ctx, p.queueRef, msg.ID, 0); err != nil {
			p.recorder.RecordBackendError(p.queueRef, broker.OpChangeVisibility)
			errs = append(errs, &broker.BackendError{Op: broker.OpChangeVisibility, Queue: p.queueRef, Err: err})
			continue
		}
		released++
	}
	p.recorder.SetCacheDepth(p.queueRef, 0)
	if released > 0 {
		p.logger.Info("Released prefetched messages", "count", released)
	}
	return errors.Join(errs...)
}
