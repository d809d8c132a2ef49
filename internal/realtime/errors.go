package realtime

import (
	"errors"
	"fmt"

	"github.com/markb/livesync/internal/protocol"
)

var (
	// ErrClosed is returned by consumer calls made after the client stopped.
	ErrClosed = errors.New("realtime: client closed")

	// ErrInvalidFilter is returned by Subscribe for malformed filter predicates.
	ErrInvalidFilter = errors.New("realtime: invalid filter")
)

// AuthError is a rejected credential. It is fatal: the client stops
// reconnecting and surfaces it to the application.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("realtime: authentication rejected (status %d): %v", e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a retryable transport failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("realtime: network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SubscribeError reports a channel the server keeps refusing. It reaches a
// subscription's OnError once the refusal persists across replays.
type SubscribeError struct {
	Channel  protocol.ChannelKey
	Attempts int
	Reason   string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("realtime: subscribe %s failed after %d attempts: %s", e.Channel, e.Attempts, e.Reason)
}

// CallbackError wraps an error returned, or a panic raised, by a consumer
// callback. It only ever reaches the subscription that caused it.
type CallbackError struct {
	SubscriptionID string
	EventID        string
	Err            error
	Panic          any
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("realtime: callback for subscription %s panicked on event %s: %v", e.SubscriptionID, e.EventID, e.Panic)
	}
	return fmt.Sprintf("realtime: callback for subscription %s failed on event %s: %v", e.SubscriptionID, e.EventID, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// IsFatal reports whether err should stop the reconnect loop. Only
// *NetworkError is retried.
func IsFatal(err error) bool {
	var netErr *NetworkError
	return err != nil && !errors.As(err, &netErr)
}
