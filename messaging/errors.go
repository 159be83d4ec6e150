package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Configuration errors
	ErrInvalidURL = errors.New("messaging: invalid connection url")

	// Connection errors
	ErrUnhandled         = errors.New("messaging: unhandled exception")
	ErrConnectionClosed  = errors.New("messaging: connection is closed")
	ErrConnectionLost    = errors.New("messaging: connection lost")
	ErrFatalTransport    = errors.New("messaging: unrecoverable transport error")
	ErrAlreadyConnecting = errors.New("messaging: connection manager already in use")

	// Channel errors
	ErrNotConnected   = errors.New("messaging: you must be connected to execute publish")
	ErrChannelClosed  = errors.New("messaging: channel is closed")
	ErrLinkClosed     = errors.New("messaging: link closed by the transport")
	ErrNotSubscribed  = errors.New("messaging: must be subscribed to execute unsubscribe")
	ErrMissingHandler = errors.New("messaging: you need to provide a handler to receive messages")
	ErrHandlerPanic   = errors.New("messaging: handler panicked")

	// Publish outcomes
	ErrReleased = errors.New("messaging: the message was released by the receiver")
	ErrRejected = errors.New("messaging: the message was rejected by the receiver")

	// Message errors
	ErrMessageHandled = errors.New("messaging: this message is already handled")
)

// ConfigError reports a malformed connection string.
type ConfigError struct {
	Input  string // sanitized input
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("messaging config error: %s: %q", e.Reason, e.Input)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidURL
}

// ConnectionError represents a connection attempt that could not be completed
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("messaging connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("messaging connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishOutcomeError is returned by Publish when the broker settled the
// message with anything other than accepted.
type PublishOutcomeError struct {
	Address string
	Outcome OutcomeState
	Data    any
}

func (e *PublishOutcomeError) Error() string {
	return fmt.Sprintf("%v (address %s)", e.Unwrap(), e.Address)
}

func (e *PublishOutcomeError) Unwrap() error {
	if e.Outcome == OutcomeReleased {
		return ErrReleased
	}
	return ErrRejected
}

// PublishError represents a publish that failed before an outcome was known.
type PublishError struct {
	Address   string
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging publish error: failed to publish to %s: %v", e.Address, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SubscriptionError represents a subscription that could not be established
// or that was torn down because its handler failed.
type SubscriptionError struct {
	Address   string
	Err       error
	Timestamp time.Time
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("messaging subscription error on %s: %v", e.Address, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// MessageStateError is returned when a message is acknowledged or rejected
// a second time.
type MessageStateError struct {
	Op      string
	Address string
}

func (e *MessageStateError) Error() string {
	return fmt.Sprintf("messaging: cannot %s message from %s: already handled", e.Op, e.Address)
}

func (e *MessageStateError) Unwrap() error {
	return ErrMessageHandled
}

// IsRetryable reports whether a caller may reasonably retry the operation
// that produced err. Released messages may be redelivered elsewhere; rejected
// messages and local misuse are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidURL):
		return false
	case errors.Is(err, ErrRejected):
		return false
	case errors.Is(err, ErrMessageHandled):
		return false
	case errors.Is(err, ErrMissingHandler):
		return false
	case errors.Is(err, ErrFatalTransport):
		return false
	}

	// Released messages, connection failures and unknown errors
	return true
}

// IsFatal determines if an error should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}
