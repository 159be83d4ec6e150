package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-channel/messaging"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")

	// Link errors
	ErrInvalidAddress = errors.New("rabbitmq: invalid address")
	ErrLinkClosed     = errors.New("rabbitmq: link is closed")
)

// ConnectionError represents a failed dial attempt
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure on a send link's AMQP channel
type ChannelError struct {
	Op        string    // Operation that failed
	Address   string    // Link address
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on %s: %v", e.Op, e.Address, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a failure on a receive link
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %q on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed declaration
type TopologyError struct {
	Component string    // Component type (exchange, queue)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// classify maps a broker connection close to a lifecycle event. Framing and
// command faults mean the peers disagree about the protocol, which no
// reconnect can fix.
func classify(err *amqp.Error) messaging.Event {
	switch err.Code {
	case amqp.FrameError, amqp.SyntaxError, amqp.CommandInvalid,
		amqp.UnexpectedFrame, amqp.NotImplemented:
		return messaging.Event{Kind: messaging.EventProtocolError, Err: err}
	default:
		return messaging.Event{Kind: messaging.EventDisconnected, Err: err}
	}
}
