package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// MessageHandler receives the messages of a subscription. Returning an error
// or panicking tears down the subscription and closes the channel.
type MessageHandler func(msg *Message) error

// CloseListener is notified once when a channel closes, with the error that
// caused the close, if any
type CloseListener func(err error)

// Channel is a publish/subscribe session bound to one open Connection for
// its whole lifetime. It holds at most one subscription at a time.
type Channel struct {
	logger *slog.Logger

	mu        sync.Mutex
	conn      *Connection
	connToken ListenerToken
	sub       *subscription
	closed    bool
	cause     error

	closeListeners listenerRegistry[CloseListener]
}

type subscription struct {
	address  string
	handler  MessageHandler
	receiver Receiver
	stop     chan struct{}
	stopOnce sync.Once
}

// ChannelOption configures a Channel
type ChannelOption func(*Channel)

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(ch *Channel) {
		ch.logger = logger
	}
}

// NewChannel binds a channel to conn. The channel closes itself when the
// connection reports a disconnect or error.
func NewChannel(conn *Connection, options ...ChannelOption) *Channel {
	ch := &Channel{
		logger: slog.Default(),
		conn:   conn,
	}

	for _, opt := range options {
		opt(ch)
	}

	ch.logger = ch.logger.With("component", "channel", "connection", conn.ID())
	ch.connToken = conn.OnEvent(func(ev Event) {
		ch.Close(ev.Err)
	})

	// the connection may have ended before the listener was registered
	switch conn.State() {
	case StateFailed:
		ch.Close(ErrConnectionLost)
	case StateClosed:
		ch.Close(ErrConnectionClosed)
	}

	return ch
}

// Subscribed reports whether the channel has an active subscription
func (ch *Channel) Subscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sub != nil
}

// Address returns the subscribed address, or "" when not subscribed
func (ch *Channel) Address() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.sub == nil {
		return ""
	}
	return ch.sub.address
}

// Connection returns the bound connection, or nil once the channel closed
func (ch *Channel) Connection() *Connection {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn
}

// Publish sends payload to address over a dedicated send link and waits for
// the broker outcome. Strings and byte slices are sent as text; anything
// else is sent as JSON. The link is closed before Publish returns.
func (ch *Channel) Publish(ctx context.Context, address string, payload any) (Outcome, error) {
	conn := ch.Connection()
	if conn == nil {
		return Outcome{}, ErrNotConnected
	}

	msg, err := encodePayload(payload)
	if err != nil {
		return Outcome{}, &PublishError{Address: address, Err: err, Timestamp: time.Now()}
	}

	sender, err := conn.session.OpenSender(ctx, address)
	if err != nil {
		return Outcome{}, ch.publishError(address, err)
	}
	defer func() {
		if err := sender.Close(); err != nil {
			ch.logger.Debug("failed to close send link", "address", address, "error", err)
		}
	}()

	select {
	case <-sender.Sendable():
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	if err := sender.Send(ctx, msg); err != nil {
		return Outcome{}, ch.publishError(address, err)
	}

	select {
	case outcome, ok := <-sender.Outcomes():
		if !ok {
			return Outcome{}, ch.publishError(address, ErrLinkClosed)
		}
		switch outcome.State {
		case OutcomeAccepted:
			return outcome, nil
		case OutcomeReleased, OutcomeRejected:
			return outcome, &PublishOutcomeError{Address: address, Outcome: outcome.State, Data: outcome.Data}
		default:
			return outcome, ch.publishError(address, fmt.Errorf("unknown outcome %d", outcome.State))
		}
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// publishError reports ErrNotConnected when the channel lost its connection
// while publishing, and the transport error otherwise.
func (ch *Channel) publishError(address string, err error) error {
	if ch.Connection() == nil {
		return ErrNotConnected
	}
	return &PublishError{Address: address, Err: err, Timestamp: time.Now()}
}

func encodePayload(payload any) (Outgoing, error) {
	msg := Outgoing{ID: uuid.NewString(), ContentType: "text/plain"}
	switch v := payload.(type) {
	case string:
		msg.Body = []byte(v)
	case []byte:
		msg.Body = v
	case json.RawMessage:
		msg.Body = v
		msg.ContentType = "application/json"
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return msg, fmt.Errorf("failed to serialize payload: %w", err)
		}
		msg.Body = body
		msg.ContentType = "application/json"
	}
	return msg, nil
}

// Subscribe opens a receive link on address and hands every delivery to
// handler as a Message, one at a time and in arrival order. At most one
// unsettled message is outstanding per subscription. Subscribe returns once
// the broker confirmed the link.
//
// Subscribing an already subscribed channel logs a warning and does nothing.
func (ch *Channel) Subscribe(ctx context.Context, address string, handler MessageHandler) error {
	ch.mu.Lock()
	if ch.sub != nil {
		current := ch.sub.address
		ch.mu.Unlock()
		ch.logger.Warn("this channel is already subscribed", "address", current)
		return nil
	}
	if handler == nil {
		ch.mu.Unlock()
		return &SubscriptionError{Address: address, Err: ErrMissingHandler, Timestamp: time.Now()}
	}
	conn := ch.conn
	if conn == nil {
		ch.mu.Unlock()
		return ErrNotConnected
	}
	sub := &subscription{
		address: address,
		handler: handler,
		stop:    make(chan struct{}),
	}
	ch.sub = sub
	ch.mu.Unlock()

	ch.logger.Debug("will try to open consumer", "address", address)

	receiver, err := conn.session.OpenReceiver(ctx, address, ReceiverOptions{
		CreditWindow: 1,
		AutoSettle:   true,
	})
	if err != nil {
		ch.detach(sub)
		return &SubscriptionError{Address: address, Err: err, Timestamp: time.Now()}
	}

	ch.mu.Lock()
	if ch.sub != sub {
		// unsubscribed or closed while the link was opening
		ch.mu.Unlock()
		receiver.Close()
		return &SubscriptionError{Address: address, Err: ErrChannelClosed, Timestamp: time.Now()}
	}
	sub.receiver = receiver
	ch.mu.Unlock()

	go ch.consume(sub)

	select {
	case <-receiver.Opened():
		ch.logger.Log(ctx, LevelSilly, "receiver started listening", "address", address)
		return nil
	case <-sub.stop:
		return &SubscriptionError{Address: address, Err: ErrChannelClosed, Timestamp: time.Now()}
	case <-ctx.Done():
		ch.detach(sub)
		return ctx.Err()
	}
}

func (ch *Channel) consume(sub *subscription) {
	deliveries := sub.receiver.Deliveries()
	for {
		select {
		case <-sub.stop:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				select {
				case <-sub.stop:
					return
				default:
				}
				ch.logger.Warn("receive link closed by the transport", "address", sub.address)
				ch.detach(sub)
				ch.Close(&SubscriptionError{Address: sub.address, Err: ErrLinkClosed, Timestamp: time.Now()})
				return
			}
			select {
			case <-sub.stop:
				return
			default:
			}

			msg := NewMessage(delivery, sub.address)
			if err := invokeHandler(sub.handler, msg); err != nil {
				ch.logger.Error("something went wrong in provided handler", "address", sub.address, "error", err)
				ch.detach(sub)
				ch.Close(&SubscriptionError{Address: sub.address, Err: err, Timestamp: time.Now()})
				return
			}
		}
	}
}

func invokeHandler(handler MessageHandler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(msg)
}

// Unsubscribe stops future deliveries, closes the receive link and clears
// the subscription so the channel can subscribe again. A handler call
// already in progress is not interrupted.
func (ch *Channel) Unsubscribe() error {
	ch.mu.Lock()
	sub := ch.sub
	ch.mu.Unlock()

	if sub == nil {
		ch.logger.Warn("must be subscribed to execute unsubscribe")
		return ErrNotSubscribed
	}

	ch.logger.Debug("receiver will close subscription", "address", sub.address)
	return ch.detach(sub)
}

// detach clears sub if it is still current and closes its link.
func (ch *Channel) detach(sub *subscription) error {
	ch.mu.Lock()
	if ch.sub == sub {
		ch.sub = nil
	}
	receiver := sub.receiver
	ch.mu.Unlock()

	var err error
	sub.stopOnce.Do(func() {
		close(sub.stop)
		if receiver != nil {
			err = receiver.Close()
		}
	})
	return err
}

// OnClose registers a listener notified once when the channel closes. On a
// channel that is already closed the listener runs immediately with the
// original cause.
func (ch *Channel) OnClose(listener CloseListener) ListenerToken {
	ch.mu.Lock()
	if ch.closed {
		cause := ch.cause
		ch.mu.Unlock()
		listener(cause)
		return 0
	}
	token := ch.closeListeners.add(listener)
	ch.mu.Unlock()
	return token
}

// RemoveCloseListener removes a listener registered with OnClose
func (ch *Channel) RemoveCloseListener(token ListenerToken) bool {
	return ch.closeListeners.remove(token)
}

// Close tears down the subscription, closes the underlying connection and
// notifies close listeners with cause. Calls after the first do nothing.
func (ch *Channel) Close(cause error) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.cause = cause
	conn, sub, token := ch.conn, ch.sub, ch.connToken
	ch.conn = nil
	ch.mu.Unlock()

	if sub != nil {
		ch.detach(sub)
	}

	var err error
	if conn != nil {
		conn.RemoveListener(token)
		err = conn.Close()
	}

	ch.logger.Debug("channel closed the connection", "cause", cause)
	listeners := ch.closeListeners.snapshot()
	ch.closeListeners.clear()
	for _, listener := range listeners {
		listener(cause)
	}

	return err
}
