package broker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the backend could not be reached (network, auth)
	ErrBackendUnavailable = errors.New("queue backend unavailable")

	// ErrUnknownHandle means the backend no longer recognizes a delivery handle,
	// e.g. it was already deleted or its visibility timeout expired.
	// Retrying with the same handle cannot succeed.
	ErrUnknownHandle = errors.New("unknown or expired message handle")
)

// Backend operation names used in BackendError and telemetry
const (
	OpReceive          = "receive"
	OpDelete           = "delete"
	OpChangeVisibility = "change_visibility"
)

// QueueBackend is the remote queue a MessageProvider consumes from
type QueueBackend interface {
	// Receive returns up to maxMessages entries, waiting at most waitSeconds.
	// An empty result means nothing is available and is not an error.
	Receive(ctx context.Context, queueRef string, maxMessages, waitSeconds int) ([]RawMessage, error)

	// Delete permanently removes the delivery identified by handle
	Delete(ctx context.Context, queueRef, handle string) error

	// ChangeVisibility hides the delivery for timeoutSeconds; 0 makes it visible immediately
	ChangeVisibility(ctx context.Context, queueRef, handle string, timeoutSeconds int) error
}

// BackendError records the backend operation that failed
type BackendError struct {
	Op    string
	Queue string
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Queue, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err so that errors.Is(err, ErrBackendUnavailable) holds
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

// UnknownHandle wraps err so that errors.Is(err, ErrUnknownHandle) holds
func UnknownHandle(handle string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if errors.Is(err, ErrUnknownHandle) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnknownHandle, handle, err)
}
