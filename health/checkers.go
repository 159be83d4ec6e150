package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-channel/messaging"
)

// ChannelOpener opens a channel on a connection string
type ChannelOpener interface {
	GetChannel(ctx context.Context, url string) (*messaging.Channel, error)
}

// ChannelChecker reports a broker healthy when a channel can be opened on
// it and closed again.
type ChannelChecker struct {
	name   string
	url    string
	opener ChannelOpener
	logger *slog.Logger
}

// NewChannelChecker creates a checker for url
func NewChannelChecker(name, url string, opener ChannelOpener, logger *slog.Logger) *ChannelChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelChecker{
		name:   name,
		url:    url,
		opener: opener,
		logger: logger.With("component", "health", "check", name),
	}
}

func (c *ChannelChecker) Name() string {
	return c.name
}

func (c *ChannelChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   map[string]any{"url": messaging.SanitizeURL(c.url)},
	}

	ch, err := c.opener.GetChannel(ctx, c.url)
	if err != nil {
		c.logger.Warn("broker unreachable", "error", err)
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if err := ch.Close(nil); err != nil {
		c.logger.Debug("closing health check channel", "error", err)
	}

	result.Status = StatusHealthy
	result.Message = "channel opened"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}
