package messaging

import (
	"sync"

	json "github.com/goccy/go-json"
)

// Message wraps one inbound delivery. It must be settled exactly once, with
// either Ack or Reject.
type Message struct {
	delivery   Delivery
	address    string
	raw        string
	content    any
	structured bool

	mu      sync.Mutex
	handled bool
}

// NewMessage wraps delivery received on address. JSON content is parsed;
// anything else is kept as text.
func NewMessage(delivery Delivery, address string) *Message {
	raw := string(delivery.Body())
	m := &Message{
		delivery: delivery,
		address:  address,
		raw:      raw,
		content:  raw,
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		m.content = parsed
		m.structured = true
	}

	return m
}

// Content returns the parsed JSON value, or the raw text when the content
// is not JSON
func (m *Message) Content() any {
	return m.content
}

// Raw returns the content as received
func (m *Message) Raw() string {
	return m.raw
}

// IsStructured reports whether the content parsed as JSON
func (m *Message) IsStructured() bool {
	return m.structured
}

// Address returns the address the message was received on
func (m *Message) Address() string {
	return m.address
}

// Decode unmarshals the raw content into v
func (m *Message) Decode(v any) error {
	return json.Unmarshal([]byte(m.raw), v)
}

// IsHandled reports whether the message was already acked or rejected
func (m *Message) IsHandled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handled
}

// Ack signals acceptance of the message to the broker
func (m *Message) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handled {
		return &MessageStateError{Op: "ack", Address: m.address}
	}
	if err := m.delivery.Accept(); err != nil {
		return err
	}
	m.handled = true
	return nil
}

// Reject releases the message back to the broker, which may deliver it to
// another consumer
func (m *Message) Reject() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handled {
		return &MessageStateError{Op: "reject", Address: m.address}
	}
	if err := m.delivery.Release(); err != nil {
		return err
	}
	m.handled = true
	return nil
}
