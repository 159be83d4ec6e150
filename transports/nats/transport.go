// Package nats implements the messaging transport contract over NATS JetStream.
//
// A publish is accepted when the stream acknowledges it, released when no
// stream listens on the subject, and rejected on any other server error.
// Receive links are durable pull consumers whose MaxAckPending is the credit
// window; accept acks the message and release naks it for redelivery.
package nats

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/url"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/glimte/mmate-channel/messaging"
)

const (
	// DefaultPort is the NATS port used when a connection string names none
	DefaultPort = 4222
	// DefaultDialTimeout bounds a single connection attempt
	DefaultDialTimeout = 5 * time.Second
	// DefaultFetchWait is how long a receive link waits for one message per fetch
	DefaultFetchWait = time.Second
)

// StreamConfig names a stream that is created on connect when missing
type StreamConfig struct {
	Name     string
	Subjects []string
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger      *slog.Logger
	DialTimeout time.Duration
	FetchWait   time.Duration
	TLSConfig   *tls.Config
	Streams     []StreamConfig
	Name        string
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger passed to every session
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithDialTimeout bounds a single connection attempt
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DialTimeout = timeout
	}
}

// WithFetchWait sets how long a receive link blocks per fetch
func WithFetchWait(wait time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.FetchWait = wait
	}
}

// WithTLSConfig sets the TLS configuration for secure connection strings
func WithTLSConfig(config *tls.Config) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.TLSConfig = config
	}
}

// WithStream ensures a stream exists once a session opens
func WithStream(name string, subjects ...string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Streams = append(cfg.Streams, StreamConfig{Name: name, Subjects: subjects})
	}
}

// WithConnectionName sets the client name reported to the server
func WithConnectionName(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Name = name
	}
}

// Transport dials NATS sessions for the messaging connection manager
type Transport struct {
	cfg TransportConfig
}

// NewTransport creates a new NATS transport
func NewTransport(options ...TransportOption) *Transport {
	cfg := TransportConfig{
		Logger:      slog.Default(),
		DialTimeout: DefaultDialTimeout,
		FetchWait:   DefaultFetchWait,
		Name:        "mmate-channel",
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := newSession(serverURL(config), t.connectOptions(config), t.cfg, config.String())
	go s.attempt()
	return s, nil
}

func (t *Transport) connectOptions(config messaging.ConnectionConfig) []natsgo.Option {
	opts := []natsgo.Option{
		natsgo.Name(t.cfg.Name),
		natsgo.Timeout(t.cfg.DialTimeout),
		// the messaging connection manager owns reconnection
		natsgo.NoReconnect(),
	}
	if config.Username != "" || config.Password != "" {
		opts = append(opts, natsgo.UserInfo(config.Username, config.Password))
	}
	if t.cfg.TLSConfig != nil {
		opts = append(opts, natsgo.Secure(t.cfg.TLSConfig))
	}
	return opts
}

// serverURL renders host and port without credentials. Secure configs use
// the tls scheme.
func serverURL(config messaging.ConnectionConfig) string {
	u := url.URL{Scheme: "nats", Host: config.HostPort(DefaultPort)}
	if config.Secure {
		u.Scheme = "tls"
	}
	return u.String()
}

var _ messaging.Dialer = (*Transport)(nil)
