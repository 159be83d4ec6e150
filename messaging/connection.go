package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-channel/internal/reliability"
)

// DefaultSettleGrace is how long an open signal must hold before Connect succeeds
const DefaultSettleGrace = time.Second

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	// StateSettlePending: the transport reported open and the grace window is running
	StateSettlePending
	StateOpen
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSettlePending:
		return "settle_pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// FatalHandler is invoked for transport faults with no structured recovery.
// The default handler logs and terminates the process: an unrecoverable
// protocol fault is not a business-level error and is not retried.
type FatalHandler func(err error)

// EventListener receives lifecycle events of an established connection
type EventListener func(Event)

// ConnectionManager drives one transport session from dial to open through a
// bounded retry policy.
type ConnectionManager struct {
	dialer      Dialer
	logger      *slog.Logger
	settleGrace time.Duration
	policy      reliability.RetryPolicy
	fatal       FatalHandler

	mu         sync.Mutex
	conn       *Connection
	connecting bool

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithSettleGrace sets how long the session must stay open after the open
// signal before Connect reports success
func WithSettleGrace(grace time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.settleGrace = grace
	}
}

// WithRetryPolicy overrides the reconnect policy carried by the connection config
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithFatalHandler replaces the process-terminating fatal handler
func WithFatalHandler(handler FatalHandler) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.fatal = handler
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(dialer Dialer, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		dialer:      dialer,
		logger:      slog.Default(),
		settleGrace: DefaultSettleGrace,
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.fatal == nil {
		logger := cm.logger
		cm.fatal = func(err error) {
			logger.Error("something went wrong while trying to establish the connection", "error", err)
			os.Exit(1)
		}
	}

	return cm
}

// Connect dials config and waits until the connection settles open or the
// reconnect budget is spent. Transient failures within the budget are
// absorbed; only the failure that exhausts it is returned.
func (cm *ConnectionManager) Connect(ctx context.Context, config ConnectionConfig) (*Connection, error) {
	cm.mu.Lock()
	if cm.conn != nil && !cm.conn.State().Terminal() {
		conn := cm.conn
		cm.mu.Unlock()
		return conn, nil
	}
	if cm.connecting {
		cm.mu.Unlock()
		return nil, ErrAlreadyConnecting
	}
	cm.connecting = true
	cm.mu.Unlock()

	defer func() {
		cm.mu.Lock()
		cm.connecting = false
		cm.mu.Unlock()
	}()

	session, err := cm.dialer.Dial(ctx, config)
	if err != nil {
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       config.String(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	conn := newConnection(config, session, cm.logger, cm.fatal)
	if err := cm.await(ctx, conn); err != nil {
		return nil, err
	}

	conn.OnEvent(func(ev Event) {
		cm.notifyDisconnected(ev.Err)
	})
	go conn.watch()

	cm.mu.Lock()
	cm.conn = conn
	cm.mu.Unlock()

	cm.logger.Log(ctx, LevelVerbose, "connection established", "url", config.String(), "connection", conn.ID())
	cm.notifyConnected()

	return conn, nil
}

// await runs the connect state machine until the connection settles open or fails.
func (cm *ConnectionManager) await(ctx context.Context, conn *Connection) error {
	policy := cm.policy
	if policy == nil {
		policy = conn.config.Reconnect
	}

	var (
		attempt int
		settle  <-chan time.Time
		redial  <-chan time.Time
	)
	fail := func(op string, cause error) error {
		conn.terminate(StateFailed)
		return &ConnectionError{
			Op:        op,
			URL:       conn.config.String(),
			Err:       cause,
			Timestamp: time.Now(),
			Attempts:  attempt + 1,
		}
	}

	conn.setState(StateConnecting)
	events := conn.session.Events()

	for {
		select {
		case <-ctx.Done():
			return fail("connect", ctx.Err())

		case ev := <-events:
			switch {
			case ev.Kind == EventConnectionOpen:
				cm.logger.Debug("connection reported open, settling", "grace", cm.settleGrace)
				conn.setState(StateSettlePending)
				settle = time.After(cm.settleGrace)

			case ev.Kind.Transient():
				cause := ev.Err
				if cause == nil {
					cause = ErrUnhandled
				}
				retry, delay := policy.ShouldRetry(attempt, cause)
				if !retry {
					cm.logger.Debug("reconnect budget exhausted", "event", ev.Kind, "attempts", attempt+1)
					return fail("connect", cause)
				}
				attempt++
				settle = nil
				conn.setState(StateConnecting)
				cm.logger.Warn("transient connection failure",
					"event", ev.Kind,
					"error", cause,
					"attempt", attempt,
					"nextRetryIn", delay)
				cm.notifyReconnecting(attempt)
				redial = time.After(delay)

			case ev.Kind == EventProtocolError:
				cause := ErrFatalTransport
				if ev.Err != nil {
					cause = fmt.Errorf("%w: %w", ErrFatalTransport, ev.Err)
				}
				err := fail("connect", cause)
				cm.fatal(cause)
				// only reached when the fatal handler returns
				return err
			}

		case <-redial:
			redial = nil
			conn.session.Redial()

		case <-settle:
			settle = nil
			if !conn.session.IsOpen() {
				cm.logger.Warn("connection dropped during settle window", "url", conn.config.String())
				return fail("settle", ErrUnhandled)
			}
			conn.setState(StateOpen)
			return nil
		}
	}
}

// Connection returns the current connection, if any
func (cm *ConnectionManager) Connection() *Connection {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	conn := cm.Connection()
	return conn != nil && conn.IsOpen()
}

// Close closes the managed connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// Connection is one transport session owned by a ConnectionManager
type Connection struct {
	id      string
	config  ConnectionConfig
	session Session
	logger  *slog.Logger
	fatal   FatalHandler

	mu        sync.RWMutex
	state     ConnectionState
	listeners listenerRegistry[EventListener]
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(config ConnectionConfig, session Session, logger *slog.Logger, fatal FatalHandler) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:      id,
		config:  config,
		session: session,
		logger:  logger.With("connection", id),
		fatal:   fatal,
		state:   StateDisconnected,
		done:    make(chan struct{}),
	}
}

// ID returns the connection identifier used in logs
func (c *Connection) ID() string {
	return c.id
}

// Config returns the config the connection was made with
func (c *Connection) Config() ConnectionConfig {
	return c.config
}

// Session returns the underlying transport session
func (c *Connection) Session() Session {
	return c.session
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether the connection is open and the transport agrees
func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen && c.session.IsOpen()
}

// OnEvent registers a listener for disconnect and error events raised
// after the connection opened. The returned token removes it again.
func (c *Connection) OnEvent(listener EventListener) ListenerToken {
	return c.listeners.add(listener)
}

// RemoveListener removes a listener registered with OnEvent
func (c *Connection) RemoveListener(token ListenerToken) bool {
	return c.listeners.remove(token)
}

// Close closes the connection and its session
func (c *Connection) Close() error {
	return c.terminate(StateClosed)
}

func (c *Connection) terminate(state ConnectionState) error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(state)
		close(c.done)
		err = c.session.Close()
		c.logger.Debug("connection closed", "state", state)
	})
	return err
}

func (c *Connection) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = state
}

// watch forwards post-open lifecycle events to registered listeners.
func (c *Connection) watch() {
	events := c.session.Events()
	for {
		select {
		case <-c.done:
			return
		case ev := <-events:
			if ev.Kind == EventConnectionOpen {
				continue
			}
			c.logger.Warn("connection lost", "event", ev.Kind, "error", ev.Err)
			if ev.Err == nil {
				ev.Err = ErrConnectionLost
			}
			c.setState(StateFailed)
			for _, listener := range c.listeners.snapshot() {
				listener(ev)
			}
			if ev.Kind == EventProtocolError {
				c.fatal(fmt.Errorf("%w: %w", ErrFatalTransport, ev.Err))
			}
			c.terminate(StateFailed)
			return
		}
	}
}
