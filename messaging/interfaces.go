package messaging

import (
	"context"
)

// EventKind identifies a lifecycle signal raised by a Session
type EventKind int

const (
	// EventConnectionOpen is raised when the transport reports the session open
	EventConnectionOpen EventKind = iota + 1
	// EventDisconnected is raised when an open session drops
	EventDisconnected
	// EventConnectionError is raised when a connection attempt fails
	EventConnectionError
	// EventProtocolError is raised for faults with no structured recovery
	EventProtocolError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionOpen:
		return "connection_open"
	case EventDisconnected:
		return "disconnected"
	case EventConnectionError:
		return "connection_error"
	case EventProtocolError:
		return "error"
	default:
		return "unknown"
	}
}

// Transient reports whether the event counts against the reconnect budget
func (k EventKind) Transient() bool {
	return k == EventDisconnected || k == EventConnectionError
}

// Event is one lifecycle signal. Err carries the cause reported by the
// transport, if any.
type Event struct {
	Kind EventKind
	Err  error
}

// Dialer creates transport sessions
type Dialer interface {
	// Dial starts the first connection attempt and returns without waiting for it.
	// The outcome of the attempt is reported on the session's event stream.
	Dial(ctx context.Context, config ConnectionConfig) (Session, error)
}

// Session is one underlying transport session
type Session interface {
	// Events returns the lifecycle signal stream. It is never closed while
	// the session is open.
	Events() <-chan Event

	// Redial starts another connection attempt after a transient failure
	Redial()

	// IsOpen reports whether the transport currently considers the session open
	IsOpen() bool

	// OpenSender opens a dedicated send link to address
	OpenSender(ctx context.Context, address string) (Sender, error)

	// OpenReceiver opens a receive link on address
	OpenReceiver(ctx context.Context, address string, options ReceiverOptions) (Receiver, error)

	// Close closes the session and every link opened on it
	Close() error
}

// ReceiverOptions configures a receive link
type ReceiverOptions struct {
	// CreditWindow is the number of unsettled deliveries the broker may push
	CreditWindow int
	// AutoSettle sends accept/release outcomes to the broker as soon as they are signalled
	AutoSettle bool
}

// Outgoing is one message handed to a send link
type Outgoing struct {
	ID          string
	ContentType string
	Body        []byte
}

// OutcomeState is the terminal state the broker assigned to a sent message
type OutcomeState int

const (
	OutcomeAccepted OutcomeState = iota + 1
	OutcomeReleased
	OutcomeRejected
)

func (s OutcomeState) String() string {
	switch s {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeReleased:
		return "released"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the broker's answer to a sent message. Data carries whatever
// the broker returned alongside it.
type Outcome struct {
	State OutcomeState
	Data  any
}

// Sender is an ephemeral send link
type Sender interface {
	// Sendable is closed once the link may transmit
	Sendable() <-chan struct{}
	// Send transmits one message
	Send(ctx context.Context, msg Outgoing) error
	// Outcomes delivers the broker outcome of sent messages
	Outcomes() <-chan Outcome
	// Close closes the link
	Close() error
}

// Receiver is a receive link
type Receiver interface {
	// Opened is closed once the broker confirmed the link
	Opened() <-chan struct{}
	// Deliveries yields inbound deliveries in arrival order. It is closed when the link closes.
	Deliveries() <-chan Delivery
	// Close closes the link
	Close() error
}

// Delivery is one in-flight inbound message
type Delivery interface {
	// Body returns the raw message content
	Body() []byte
	// Accept settles the delivery as processed
	Accept() error
	// Release settles the delivery as not processed here; the broker may redeliver it
	Release() error
}
