package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/glimte/mmate-channel/internal/rabbitmq"
	"github.com/glimte/mmate-channel/messaging"
)

// DefaultPort is the AMQP port used when a connection string names none
const DefaultPort = 5672

// Transport dials RabbitMQ sessions for the messaging connection manager
type Transport struct {
	cfg TransportConfig
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger      *slog.Logger
	DialTimeout time.Duration
	Heartbeat   time.Duration
	TLSConfig   *tls.Config
	// DeclareQueues declares receive queues as durable before consuming
	DeclareQueues bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger passed to every session
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DialTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(interval time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Heartbeat = interval
	}
}

// WithTLSConfig sets the TLS configuration for amqps connection strings
func WithTLSConfig(config *tls.Config) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.TLSConfig = config
	}
}

// WithQueueDeclaration enables durable queue declaration before consuming
func WithQueueDeclaration(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeclareQueues = enabled
	}
}

// NewTransport creates a new RabbitMQ transport
func NewTransport(options ...TransportOption) *Transport {
	cfg := TransportConfig{
		Logger:      slog.Default(),
		DialTimeout: rabbitmq.DefaultDialTimeout,
		Heartbeat:   rabbitmq.DefaultHeartbeat,
	}

	for _, opt := range options {
		opt(&cfg)
	}

	return &Transport{cfg: cfg}
}

// Config returns the transport configuration
func (t *Transport) Config() TransportConfig {
	return t.cfg
}

// Dial implements messaging.Dialer
func (t *Transport) Dial(ctx context.Context, config messaging.ConnectionConfig) (messaging.Session, error) {
	opts := []rabbitmq.SessionOption{
		rabbitmq.WithLogger(t.cfg.Logger),
		rabbitmq.WithDialTimeout(t.cfg.DialTimeout),
		rabbitmq.WithHeartbeat(t.cfg.Heartbeat),
	}
	if t.cfg.TLSConfig != nil {
		opts = append(opts, rabbitmq.WithTLSConfig(t.cfg.TLSConfig))
	}
	if t.cfg.DeclareQueues {
		opts = append(opts, rabbitmq.WithQueueDeclaration(rabbitmq.DurableQueue()))
	}

	session, err := rabbitmq.Dial(ctx, config, opts...)
	if err != nil {
		return nil, err
	}
	return session, nil
}

var _ messaging.Dialer = (*Transport)(nil)
