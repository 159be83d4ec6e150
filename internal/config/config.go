package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-channel/messaging"
)

// Queue URL environment variables, one per queue type
const (
	EnvLogQueueURL      = "AMQP_LOG_QUEUE_URL"
	EnvFunctionQueueURL = "AMQP_FUNCTION_QUEUE_URL"
	EnvOutgoingQueueURL = "AMQP_OUTGOING_QUEUE_URL"
)

// Config is the complete application configuration
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Queues     QueuesConfig     `yaml:"queues"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ConnectionConfig contains connection establishment settings
type ConnectionConfig struct {
	// Transport selects the broker client: "amqp" or "nats"
	Transport         string        `yaml:"transport"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReconnectLimit    int           `yaml:"reconnect_limit"`
	SettleGrace       time.Duration `yaml:"settle_grace"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

// QueuesConfig maps each queue type to a connection string
type QueuesConfig struct {
	Log      string `yaml:"log"`
	Function string `yaml:"function"`
	Outgoing string `yaml:"outgoing"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains the daily log file sink settings
type FileLoggingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Location string `yaml:"location"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values
//  2. YAML file values
//  3. Environment variables
//
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds the configuration from defaults and the environment only
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// Default returns a Config with the library defaults
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Transport:         "amqp",
			ReconnectInterval: messaging.DefaultReconnectInterval,
			ReconnectLimit:    messaging.DefaultReconnectLimit,
			SettleGrace:       messaging.DefaultSettleGrace,
			DialTimeout:       30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
			File: FileLoggingConfig{
				Location: "./log",
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	// Connection
	if v := os.Getenv("MMATE_TRANSPORT"); v != "" {
		cfg.Connection.Transport = v
	}
	if v := os.Getenv("MMATE_RECONNECT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MMATE_RECONNECT_INTERVAL: %w", err)
		}
		cfg.Connection.ReconnectInterval = d
	}
	if v := os.Getenv("MMATE_RECONNECT_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MMATE_RECONNECT_LIMIT: %w", err)
		}
		cfg.Connection.ReconnectLimit = n
	}
	if v := os.Getenv("MMATE_SETTLE_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MMATE_SETTLE_GRACE: %w", err)
		}
		cfg.Connection.SettleGrace = d
	}

	// Queues
	if v := os.Getenv(EnvLogQueueURL); v != "" {
		cfg.Queues.Log = v
	}
	if v := os.Getenv(EnvFunctionQueueURL); v != "" {
		cfg.Queues.Function = v
	}
	if v := os.Getenv(EnvOutgoingQueueURL); v != "" {
		cfg.Queues.Outgoing = v
	}

	// Logging
	if v := os.Getenv("LOGGER_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOGGER_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LOGGER_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("LOGGER_FILESYSTEM"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOGGER_FILESYSTEM: %w", err)
		}
		cfg.Logging.File.Enabled = enabled
	}
	if v := os.Getenv("LOGGER_FILESYSTEM_LOCATION"); v != "" {
		cfg.Logging.File.Location = v
	}

	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []string

	switch c.Connection.Transport {
	case "amqp", "nats":
	default:
		errs = append(errs, fmt.Sprintf("connection.transport must be amqp or nats, got %q", c.Connection.Transport))
	}
	if c.Connection.ReconnectInterval < 0 {
		errs = append(errs, "connection.reconnect_interval must not be negative")
	}
	if c.Connection.ReconnectLimit < 0 {
		errs = append(errs, "connection.reconnect_limit must not be negative")
	}
	if c.Connection.SettleGrace <= 0 {
		errs = append(errs, "connection.settle_grace must be positive")
	}
	if c.Connection.DialTimeout <= 0 {
		errs = append(errs, "connection.dial_timeout must be positive")
	}

	for name, raw := range map[string]string{
		"queues.log":      c.Queues.Log,
		"queues.function": c.Queues.Function,
		"queues.outgoing": c.Queues.Outgoing,
	} {
		if raw == "" {
			continue
		}
		if _, err := messaging.ParseURL(raw); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if !validLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level must be one of none, error, warn, info, verbose, debug, silly or 0-6, got %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format must be json, text or console, got %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Output) {
	case "stdout", "stderr", "none":
	default:
		errs = append(errs, fmt.Sprintf("logging.output must be stdout, stderr or none, got %q", c.Logging.Output))
	}
	if c.Logging.File.Enabled && c.Logging.File.Location == "" {
		errs = append(errs, "logging.file.location is required when file logging is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validLevel(level string) bool {
	switch strings.ToLower(level) {
	case "none", "error", "warn", "warning", "info", "verbose", "debug", "silly":
		return true
	}
	n, err := strconv.Atoi(level)
	return err == nil && n >= 0 && n <= 6
}

// Reconnect returns the reconnect interval and limit
func (c *Config) Reconnect() (time.Duration, int) {
	return c.Connection.ReconnectInterval, c.Connection.ReconnectLimit
}
