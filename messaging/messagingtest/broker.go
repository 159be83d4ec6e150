// Package messagingtest provides an in-memory messaging.Dialer for tests.
//
// Sessions dialed from one Broker share its queues: a message published to
// an address is delivered to a subscriber of the same address, or held until
// one subscribes. Publishing to an address nobody has subscribed to yet is
// accepted and queued, matching a durable broker queue.
package messagingtest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/mmate-channel/messaging"
)

// ErrUnreachable is the cause reported while the broker refuses connections
var ErrUnreachable = errors.New("messagingtest: broker unreachable")

// Broker is an in-memory broker implementing messaging.Dialer
type Broker struct {
	mu          sync.Mutex
	unreachable bool
	outcome     messaging.OutcomeState
	queues      map[string][][]byte
	receivers   map[string]*receiver
	sessions    []*Session
	published   []messaging.Outgoing
}

// NewBroker creates a reachable broker that accepts every publish
func NewBroker() *Broker {
	return &Broker{
		outcome:   messaging.OutcomeAccepted,
		queues:    make(map[string][][]byte),
		receivers: make(map[string]*receiver),
	}
}

// SetUnreachable makes every connection attempt fail
func (b *Broker) SetUnreachable(unreachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = unreachable
}

// SetOutcome sets the outcome returned for subsequent publishes. Only
// accepted messages are queued.
func (b *Broker) SetOutcome(state messaging.OutcomeState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcome = state
}

// Published returns every message sent to the broker, in order
func (b *Broker) Published() []messaging.Outgoing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]messaging.Outgoing(nil), b.published...)
}

// Pending returns the number of queued messages on address
func (b *Broker) Pending(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[address])
}

// Sessions returns every session dialed so far
func (b *Broker) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Session(nil), b.sessions...)
}

// Dial implements messaging.Dialer
func (b *Broker) Dial(ctx context.Context, config messaging.ConnectionConfig) (messaging.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{
		broker: b,
		events: make(chan messaging.Event, 32),
	}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()

	s.attempt()
	return s, nil
}

func (b *Broker) publish(address string, msg messaging.Outgoing) messaging.OutcomeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	if b.outcome != messaging.OutcomeAccepted {
		return b.outcome
	}
	b.queues[address] = append(b.queues[address], msg.Body)
	b.dispatchLocked(address)
	return b.outcome
}

// dispatchLocked hands the head of the queue to the receiver when it has credit.
func (b *Broker) dispatchLocked(address string) {
	r := b.receivers[address]
	if r == nil || r.inflight > 0 || len(b.queues[address]) == 0 {
		return
	}
	body := b.queues[address][0]
	b.queues[address] = b.queues[address][1:]
	r.inflight++
	r.deliveries <- &delivery{receiver: r, body: body}
}

func (b *Broker) settle(r *receiver, body []byte, requeue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.inflight--
	if requeue {
		b.queues[r.address] = append([][]byte{body}, b.queues[r.address]...)
	}
	if b.receivers[r.address] == r {
		b.dispatchLocked(r.address)
	}
}

// Session is one in-memory session
type Session struct {
	broker *Broker
	events chan messaging.Event

	mu     sync.Mutex
	open   bool
	closed bool
}

func (s *Session) attempt() {
	s.broker.mu.Lock()
	unreachable := s.broker.unreachable
	s.broker.mu.Unlock()

	if unreachable {
		s.events <- messaging.Event{Kind: messaging.EventConnectionError, Err: ErrUnreachable}
		return
	}
	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
	s.events <- messaging.Event{Kind: messaging.EventConnectionOpen}
}

// Drop simulates the broker closing an open session
func (s *Session) Drop(err error) {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.events <- messaging.Event{Kind: messaging.EventDisconnected, Err: err}
}

// Closed reports whether the session was closed by its owner
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Events() <-chan messaging.Event {
	return s.events
}

func (s *Session) Redial() {
	s.attempt()
}

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

func (s *Session) OpenSender(ctx context.Context, address string) (messaging.Sender, error) {
	if !s.IsOpen() {
		return nil, errors.New("messagingtest: session is not open")
	}
	sendable := make(chan struct{})
	close(sendable)
	return &sender{
		broker:   s.broker,
		address:  address,
		sendable: sendable,
		outcomes: make(chan messaging.Outcome, 1),
	}, nil
}

func (s *Session) OpenReceiver(ctx context.Context, address string, options messaging.ReceiverOptions) (messaging.Receiver, error) {
	if !s.IsOpen() {
		return nil, errors.New("messagingtest: session is not open")
	}
	opened := make(chan struct{})
	close(opened)
	r := &receiver{
		broker:     s.broker,
		address:    address,
		opened:     opened,
		deliveries: make(chan messaging.Delivery, 1),
	}

	b := s.broker
	b.mu.Lock()
	b.receivers[address] = r
	b.dispatchLocked(address)
	b.mu.Unlock()
	return r, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.open = false
	return nil
}

type sender struct {
	broker   *Broker
	address  string
	sendable chan struct{}
	outcomes chan messaging.Outcome
}

func (s *sender) Sendable() <-chan struct{} {
	return s.sendable
}

func (s *sender) Send(ctx context.Context, msg messaging.Outgoing) error {
	state := s.broker.publish(s.address, msg)
	s.outcomes <- messaging.Outcome{State: state, Data: s.address}
	return nil
}

func (s *sender) Outcomes() <-chan messaging.Outcome {
	return s.outcomes
}

func (s *sender) Close() error {
	return nil
}

type receiver struct {
	broker     *Broker
	address    string
	opened     chan struct{}
	deliveries chan messaging.Delivery
	inflight   int
}

func (r *receiver) Opened() <-chan struct{} {
	return r.opened
}

func (r *receiver) Deliveries() <-chan messaging.Delivery {
	return r.deliveries
}

func (r *receiver) Close() error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.receivers[r.address] == r {
		delete(b.receivers, r.address)
	}
	return nil
}

type delivery struct {
	receiver *receiver
	body     []byte

	once sync.Once
}

func (d *delivery) Body() []byte {
	return d.body
}

func (d *delivery) Accept() error {
	d.once.Do(func() { d.receiver.broker.settle(d.receiver, d.body, false) })
	return nil
}

func (d *delivery) Release() error {
	d.once.Do(func() { d.receiver.broker.settle(d.receiver, d.body, true) })
	return nil
}
