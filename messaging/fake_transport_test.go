package messaging

import (
	"context"
	"errors"
	"sync"
)

// fakeDialer hands out fakeSessions whose lifecycle events are driven by the test
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dialErr  error
	prepare  func(*fakeSession)
}

func (d *fakeDialer) Dial(ctx context.Context, config ConnectionConfig) (Session, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := newFakeSession()
	if d.prepare != nil {
		d.prepare(s)
	}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type fakeSession struct {
	events chan Event

	mu            sync.Mutex
	open          bool
	closed        bool
	redials       int
	outcome       OutcomeState
	openSenderErr error
	sendErr       error
	holdSendable  bool
	dropOutcome   bool
	openSenders   int
	senders       []*fakeSender
	receivers     []*fakeReceiver
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:  make(chan Event, 32),
		outcome: OutcomeAccepted,
	}
}

func (s *fakeSession) emit(kind EventKind, err error) {
	s.events <- Event{Kind: kind, Err: err}
}

func (s *fakeSession) setOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
}

func (s *fakeSession) setOutcome(state OutcomeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = state
}

func (s *fakeSession) Events() <-chan Event {
	return s.events
}

func (s *fakeSession) Redial() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redials++
}

func (s *fakeSession) redialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redials
}

func (s *fakeSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) OpenSender(ctx context.Context, address string) (Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openSenderErr != nil {
		return nil, s.openSenderErr
	}
	if s.closed {
		return nil, errors.New("session closed")
	}
	sendable := make(chan struct{})
	if !s.holdSendable {
		close(sendable)
	}
	sender := &fakeSender{
		session:     s,
		address:     address,
		respond:     s.outcome,
		sendErr:     s.sendErr,
		dropOutcome: s.dropOutcome,
		sendable:    sendable,
		outcomes:    make(chan Outcome, 1),
	}
	s.senders = append(s.senders, sender)
	s.openSenders++
	return sender, nil
}

func (s *fakeSession) openSenderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openSenders
}

func (s *fakeSession) OpenReceiver(ctx context.Context, address string, options ReceiverOptions) (Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opened := make(chan struct{})
	close(opened)
	receiver := &fakeReceiver{
		address:    address,
		options:    options,
		opened:     opened,
		deliveries: make(chan Delivery, 16),
	}
	s.receivers = append(s.receivers, receiver)
	return receiver, nil
}

func (s *fakeSession) receiver(i int) *fakeReceiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.receivers) {
		return nil
	}
	return s.receivers[i]
}

func (s *fakeSession) receiverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receivers)
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.open = false
	return nil
}

type fakeSender struct {
	session     *fakeSession
	address     string
	respond     OutcomeState
	sendErr     error
	dropOutcome bool
	sendable    chan struct{}
	outcomes    chan Outcome

	mu     sync.Mutex
	sent   []Outgoing
	closed bool
}

func (f *fakeSender) Sendable() <-chan struct{} {
	return f.sendable
}

func (f *fakeSender) Send(ctx context.Context, msg Outgoing) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.dropOutcome {
		close(f.outcomes)
		return nil
	}
	f.outcomes <- Outcome{State: f.respond, Data: "tag-1"}
	return nil
}

func (f *fakeSender) Outcomes() <-chan Outcome {
	return f.outcomes
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.session.mu.Lock()
	f.session.openSenders--
	f.session.mu.Unlock()
	return nil
}

type fakeReceiver struct {
	address    string
	options    ReceiverOptions
	opened     chan struct{}
	deliveries chan Delivery

	mu     sync.Mutex
	closed bool
}

func (r *fakeReceiver) Opened() <-chan struct{} {
	return r.opened
}

func (r *fakeReceiver) Deliveries() <-chan Delivery {
	return r.deliveries
}

func (r *fakeReceiver) deliver(body string) *fakeDelivery {
	d := &fakeDelivery{body: []byte(body)}
	r.deliveries <- d
	return d
}

func (r *fakeReceiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeDelivery struct {
	body []byte

	mu       sync.Mutex
	accepted int
	released int
}

func (d *fakeDelivery) Body() []byte {
	return d.body
}

func (d *fakeDelivery) Accept() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted++
	return nil
}

func (d *fakeDelivery) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released++
	return nil
}

func (d *fakeDelivery) counts() (accepted, released int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepted, d.released
}
