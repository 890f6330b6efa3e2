// Package cache holds prefetched messages between backend receives.
package cache

import (
	"errors"
	"sync"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
)

// DefaultCapacity matches the largest batch a single SQS receive can return
const DefaultCapacity = 10

// ErrCacheFull is returned by a bounded cache when a push would overflow it
var ErrCacheFull = errors.New("message cache is full")

// MessageCache stores prefetched messages in FIFO order
type MessageCache interface {
	// Push appends a message at the tail
	Push(msg broker.Message) error

	// Pop removes and returns the head; false means the cache is empty
	Pop() (broker.Message, bool)

	// Len returns the number of cached messages
	Len() int
}

var (
	_ MessageCache = NoopCache{}
	_ MessageCache = (*PrefetchCache)(nil)
)

// NoopCache never holds anything, which turns prefetching off
type NoopCache struct{}

// Push discards the message
func (NoopCache) Push(broker.Message) error { return nil }

// Pop always reports empty
func (NoopCache) Pop() (broker.Message, bool) { return broker.Message{}, false }

// Len is always zero
func (NoopCache) Len() int { return 0 }

// PrefetchCache is a bounded in-memory FIFO backed by a ring buffer
type PrefetchCache struct {
	mu    sync.Mutex
	buf   []broker.Message
	head  int
	count int
}

// NewPrefetchCache creates a cache holding at most capacity messages.
// A non-positive capacity selects DefaultCapacity.
func NewPrefetchCache(capacity int) *PrefetchCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PrefetchCache{
		buf: make([]broker.Message, capacity),
	}
}

// Push appends a message, or returns ErrCacheFull
func (c *PrefetchCache) Push(msg broker.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == len(c.buf) {
		return ErrCacheFull
	}
	c.buf[(c.head+c.count)%len(c.buf)] = msg
	c.count++
	return nil
}

// Pop removes and returns the oldest message
func (c *PrefetchCache) Pop() (broker.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 {
		return broker.Message{}, false
	}
	msg := c.buf[c.head]
	c.buf[c.head] = broker.Message{}
	c.head = (c.head + 1) % len(c.buf)
	c.count--
	return msg, true
}

// Len returns the number of cached messages
func (c *PrefetchCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Capacity returns the maximum number of cached messages
func (c *PrefetchCache) Capacity() int {
	return len(c.buf)
}
