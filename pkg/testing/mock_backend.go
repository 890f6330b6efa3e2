package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deliveryhero/asya/asya-consumer/pkg/broker"
)

// DefaultVisibilityTimeout hides a received message until it is acked or released
const DefaultVisibilityTimeout = 30 * time.Second

const pollInterval = 20 * time.Millisecond

// MockBackend is an in-memory implementation of broker.QueueBackend for testing.
// Every delivery gets a fresh handle; a handle stops working once its message
// is deleted or delivered again.
type MockBackend struct {
	mu                sync.Mutex
	queues            map[string][]*QueuedMessage
	inflight          map[string]*QueuedMessage
	failures          map[string]error
	calls             []Call
	visibilityTimeout time.Duration
	now               func() time.Time
}

// QueuedMessage represents a message in the mock queue
type QueuedMessage struct {
	ID           string
	Body         []byte
	Attributes   map[string]string
	Handle       string
	ReceiveCount int
	visibleAt    time.Time
}

// Call records one backend invocation
type Call struct {
	Op             string
	Queue          string
	Handle         string
	MaxMessages    int
	WaitSeconds    int
	TimeoutSeconds int
}

// NewMockBackend creates a new mock backend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		queues:            make(map[string][]*QueuedMessage),
		inflight:          make(map[string]*QueuedMessage),
		failures:          make(map[string]error),
		visibilityTimeout: DefaultVisibilityTimeout,
		now:               time.Now,
	}
}

// SetVisibilityTimeout changes how long received messages stay hidden
func (m *MockBackend) SetVisibilityTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visibilityTimeout = d
}

// SetClock replaces the time source used for visibility bookkeeping
func (m *MockBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailWith makes every call of op fail with err until cleared with a nil err
func (m *MockBackend) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Send stores a message in the mock queue and returns its message id
func (m *MockBackend) Send(ctx context.Context, queueName string, body []byte, attrs map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := &QueuedMessage{
		ID:         uuid.NewString(),
		Body:       append([]byte(nil), body...),
		Attributes: attrs,
	}
	m.queues[queueName] = append(m.queues[queueName], msg)
	return msg.ID, nil
}

// Receive returns up to maxMessages visible messages, polling until
// waitSeconds elapse when none is visible
func (m *MockBackend) Receive(ctx context.Context, queueName string, maxMessages, waitSeconds int) ([]broker.RawMessage, error) {
	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	first := true
	for {
		raws, err := m.receiveOnce(queueName, maxMessages, waitSeconds, first)
		if err != nil || len(raws) > 0 {
			return raws, err
		}
		first = false

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *MockBackend) receiveOnce(queueName string, maxMessages, waitSeconds int, record bool) ([]broker.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record {
		m.calls = append(m.calls, Call{Op: broker.OpReceive, Queue: queueName, MaxMessages: maxMessages, WaitSeconds: waitSeconds})
	}
	if err := m.failures[broker.OpReceive]; err != nil {
		return nil, err
	}

	now := m.now()
	var raws []broker.RawMessage
	for _, msg := range m.queues[queueName] {
		if len(raws) >= maxMessages {
			break
		}
		if now.Before(msg.visibleAt) {
			continue
		}

		if msg.Handle != "" {
			delete(m.inflight, msg.Handle)
		}
		msg.Handle = uuid.NewString()
		msg.ReceiveCount++
		msg.visibleAt = now.Add(m.visibilityTimeout)
		m.inflight[msg.Handle] = msg

		attrs := make(map[string]string, len(msg.Attributes)+1)
		for k, v := range msg.Attributes {
			attrs[k] = v
		}
		attrs["receive_count"] = fmt.Sprintf("%d", msg.ReceiveCount)

		raws = append(raws, broker.RawMessage{
			Handle:     msg.Handle,
			Body:       msg.Body,
			MessageID:  msg.ID,
			Attributes: attrs,
		})
	}
	return raws, nil
}

// Delete removes the delivery identified by handle
func (m *MockBackend) Delete(ctx context.Context, queueName, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: broker.OpDelete, Queue: queueName, Handle: handle})
	if err := m.failures[broker.OpDelete]; err != nil {
		return err
	}

	msg, ok := m.lookup(queueName, handle)
	if !ok {
		return broker.UnknownHandle(handle, nil)
	}
	delete(m.inflight, handle)

	messages := m.queues[queueName]
	for i, queued := range messages {
		if queued == msg {
			m.queues[queueName] = append(messages[:i], messages[i+1:]...)
			break
		}
	}
	return nil
}

// ChangeVisibility hides the delivery for timeoutSeconds; 0 releases it right away
func (m *MockBackend) ChangeVisibility(ctx context.Context, queueName, handle string, timeoutSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Op: broker.OpChangeVisibility, Queue: queueName, Handle: handle, TimeoutSeconds: timeoutSeconds})
	if err := m.failures[broker.OpChangeVisibility]; err != nil {
		return err
	}
	if timeoutSeconds < 0 {
		return fmt.Errorf("invalid visibility timeout %d", timeoutSeconds)
	}

	msg, ok := m.lookup(queueName, handle)
	if !ok {
		return broker.UnknownHandle(handle, nil)
	}
	msg.visibleAt = m.now().Add(time.Duration(timeoutSeconds) * time.Second)
	return nil
}

func (m *MockBackend) lookup(queueName, handle string) (*QueuedMessage, bool) {
	msg, ok := m.inflight[handle]
	if !ok {
		return nil, false
	}
	for _, queued := range m.queues[queueName] {
		if queued == msg {
			return msg, true
		}
	}
	return nil, false
}

// Calls returns a copy of the recorded calls
func (m *MockBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Call, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns how many times op was called
func (m *MockBackend) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, c := range m.calls {
		if c.Op == op {
			count++
		}
	}
	return count
}

// GetMessages returns a snapshot of all messages in a queue, in flight or not
func (m *MockBackend) GetMessages(queueName string) []QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	messages := m.queues[queueName]
	result := make([]QueuedMessage, len(messages))
	for i, msg := range messages {
		result[i] = *msg
	}
	return result
}

// GetMessageCount returns the number of messages in a queue
func (m *MockBackend) GetMessageCount(queueName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queueName])
}

// ClearAll removes all messages, calls and injected failures
func (m *MockBackend) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[string][]*QueuedMessage)
	m.inflight = make(map[string]*QueuedMessage)
	m.failures = make(map[string]error)
	m.calls = nil
}
