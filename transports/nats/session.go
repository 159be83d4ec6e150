package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	"github.com/glimte/mmate-channel/messaging"
)

var (
	// ErrSessionClosed is returned when a link is opened on a closed session
	ErrSessionClosed = errors.New("nats: session is closed")
	// ErrNotReady is returned when a link is opened before the session connected
	ErrNotReady = errors.New("nats: session not connected")
)

type session struct {
	url       string
	sanitized string
	opts      []natsgo.Option
	cfg       TransportConfig
	logger    *slog.Logger

	events chan messaging.Event
	done   chan struct{}

	mu        sync.RWMutex
	conn      *natsgo.Conn
	js        natsgo.JetStreamContext
	closed    bool
	closeOnce sync.Once
}

func newSession(url string, opts []natsgo.Option, cfg TransportConfig, sanitized string) *session {
	return &session{
		url:       url,
		sanitized: sanitized,
		opts:      opts,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "nats", "url", sanitized),
		events:    make(chan messaging.Event, 16),
		done:      make(chan struct{}),
	}
}

func (s *session) attempt() {
	opts := append([]natsgo.Option{
		natsgo.DisconnectErrHandler(func(c *natsgo.Conn, err error) {
			s.lost(c, err)
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			s.logger.Warn("asynchronous nats error", "subject", subject, "error", err)
		}),
	}, s.opts...)

	conn, err := natsgo.Connect(s.url, opts...)
	if err != nil {
		s.emit(messaging.Event{Kind: messaging.EventConnectionError, Err: fmt.Errorf("nats connect %s: %w", s.sanitized, err)})
		return
	}

	js, err := conn.JetStream()
	if err == nil {
		err = s.ensureStreams(js)
	}
	if err != nil {
		conn.Close()
		s.emit(messaging.Event{Kind: messaging.EventConnectionError, Err: err})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.js = js
	s.mu.Unlock()

	s.emit(messaging.Event{Kind: messaging.EventConnectionOpen})
}

func (s *session) ensureStreams(js natsgo.JetStreamContext) error {
	for _, stream := range s.cfg.Streams {
		_, err := js.StreamInfo(stream.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, natsgo.ErrStreamNotFound) {
			return fmt.Errorf("nats stream %s: %w", stream.Name, err)
		}
		if _, err := js.AddStream(&natsgo.StreamConfig{Name: stream.Name, Subjects: stream.Subjects}); err != nil {
			return fmt.Errorf("nats add stream %s: %w", stream.Name, err)
		}
		s.logger.Info("created stream", "stream", stream.Name, "subjects", stream.Subjects)
	}
	return nil
}

// lost reports a dropped connection. Closes made by the session are not reported.
func (s *session) lost(c *natsgo.Conn, err error) {
	s.mu.Lock()
	if s.closed || s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.js = nil
	s.mu.Unlock()

	if err == nil {
		err = natsgo.ErrConnectionClosed
	}
	s.logger.Warn("connection lost", "error", err)
	s.emit(messaging.Event{Kind: messaging.EventDisconnected, Err: err})
}

func (s *session) emit(ev messaging.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *session) Events() <-chan messaging.Event {
	return s.events
}

func (s *session) Redial() {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if !closed {
		go s.attempt()
	}
}

func (s *session) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.conn != nil && s.conn.IsConnected()
}

func (s *session) jetStream() (natsgo.JetStreamContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.js == nil {
		return nil, ErrNotReady
	}
	return s.js, nil
}

func (s *session) OpenSender(ctx context.Context, subject string) (messaging.Sender, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	js, err := s.jetStream()
	if err != nil {
		return nil, err
	}
	return newSender(js, subject), nil
}

func (s *session) OpenReceiver(ctx context.Context, subject string, options messaging.ReceiverOptions) (messaging.Receiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	js, err := s.jetStream()
	if err != nil {
		return nil, err
	}
	return newReceiver(js, subject, options, s.cfg.FetchWait, s.logger)
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.conn = nil
		s.js = nil
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			conn.Close()
		}
		s.logger.Debug("session closed")
	})
	return nil
}
