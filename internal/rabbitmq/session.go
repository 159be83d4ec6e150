package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-channel/messaging"
)

const (
	// DefaultDialTimeout bounds the TCP dial and AMQP handshake of one attempt
	DefaultDialTimeout = 30 * time.Second
	// DefaultHeartbeat is the heartbeat interval negotiated with the broker
	DefaultHeartbeat = 10 * time.Second

	eventBuffer = 16
)

// Session is an AMQP 0-9-1 connection driven by the messaging connection
// manager. Every dial attempt reports its result on the event stream; the
// session never reconnects on its own.
type Session struct {
	url         string
	sanitized   string
	logger      *slog.Logger
	dialTimeout time.Duration
	heartbeat   time.Duration
	tlsConfig   *tls.Config
	declare     *QueueDeclaration

	events chan messaging.Event
	done   chan struct{}

	mu        sync.RWMutex
	conn      *amqp.Connection
	closed    bool
	closeOnce sync.Once
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDialTimeout sets the timeout of a single dial attempt
func WithDialTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.dialTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(interval time.Duration) SessionOption {
	return func(s *Session) {
		s.heartbeat = interval
	}
}

// WithTLSConfig sets the TLS configuration used for amqps connections
func WithTLSConfig(config *tls.Config) SessionOption {
	return func(s *Session) {
		s.tlsConfig = config
	}
}

// WithQueueDeclaration declares the queue behind every receive link before
// consuming from it. decl.Name is ignored; the link address is used.
func WithQueueDeclaration(decl QueueDeclaration) SessionOption {
	return func(s *Session) {
		s.declare = &decl
	}
}

// Dial creates a session for config and starts the first connection attempt.
// It returns immediately; the attempt's result arrives on Events.
func Dial(ctx context.Context, config messaging.ConnectionConfig, options ...SessionOption) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Session{
		url:         config.URL(),
		sanitized:   config.String(),
		logger:      slog.Default(),
		dialTimeout: DefaultDialTimeout,
		heartbeat:   DefaultHeartbeat,
		events:      make(chan messaging.Event, eventBuffer),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "amqp", "url", s.sanitized)

	go s.attempt()
	return s, nil
}

func (s *Session) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("mmate-channel")
	return amqp.Config{
		Dial:            amqp.DefaultDial(s.dialTimeout),
		Heartbeat:       s.heartbeat,
		TLSClientConfig: s.tlsConfig,
		Properties:      props,
	}
}

// attempt dials once and reports the result.
func (s *Session) attempt() {
	s.logger.Debug("dialing broker")

	conn, err := amqp.DialConfig(s.url, s.amqpConfig())
	if err != nil {
		s.logger.Debug("dial failed", "error", err)
		s.emit(messaging.Event{Kind: messaging.EventConnectionError, Err: &ConnectionError{
			Op:        "dial",
			URL:       s.sanitized,
			Err:       err,
			Timestamp: time.Now(),
		}})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	s.emit(messaging.Event{Kind: messaging.EventConnectionOpen})
	go s.monitor(conn, notify)
}

// monitor reports the close of conn, unless the session closed it.
func (s *Session) monitor(conn *amqp.Connection, notify <-chan *amqp.Error) {
	select {
	case <-s.done:
		return
	case amqpErr, ok := <-notify:
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		if !ok || amqpErr == nil {
			// graceful close
			s.emit(messaging.Event{Kind: messaging.EventDisconnected, Err: ErrConnectionClosed})
			return
		}
		s.logger.Warn("connection closed by broker", "code", amqpErr.Code, "reason", amqpErr.Reason)
		s.emit(classify(amqpErr))
	}
}

func (s *Session) emit(ev messaging.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Events implements messaging.Session
func (s *Session) Events() <-chan messaging.Event {
	return s.events
}

// Redial implements messaging.Session
func (s *Session) Redial() {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}
	go s.attempt()
}

// IsOpen implements messaging.Session
func (s *Session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.conn != nil && !s.conn.IsClosed()
}

func (s *Session) channel() (*amqp.Channel, error) {
	s.mu.RLock()
	conn := s.conn
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, ErrConnectionClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return conn.Channel()
}

// OpenSender implements messaging.Session. Each sender owns a fresh AMQP
// channel in confirm mode.
func (s *Session) OpenSender(ctx context.Context, address string) (messaging.Sender, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := s.channel()
	if err != nil {
		return nil, &ChannelError{Op: "open sender", Address: address, Err: err, Timestamp: time.Now()}
	}
	sender, err := newSender(ch, address)
	if err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "open sender", Address: address, Err: err, Timestamp: time.Now()}
	}
	return sender, nil
}

// OpenReceiver implements messaging.Session. Each receiver owns a fresh AMQP
// channel whose prefetch is the credit window.
func (s *Session) OpenReceiver(ctx context.Context, address string, options messaging.ReceiverOptions) (messaging.Receiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := s.channel()
	if err != nil {
		return nil, &ConsumerError{Queue: address, Op: "open receiver", Err: err, Timestamp: time.Now()}
	}

	if s.declare != nil {
		decl := *s.declare
		decl.Name = address
		if _, err := declareQueue(ch, decl); err != nil {
			ch.Close()
			return nil, &TopologyError{Component: "queue", Name: address, Op: "declare", Err: err, Timestamp: time.Now()}
		}
	}

	receiver, err := newReceiver(ch, address, options, s.logger)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return receiver, nil
}

// Close implements messaging.Session
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		close(s.done)
		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
		s.logger.Debug("session closed")
	})
	return err
}
