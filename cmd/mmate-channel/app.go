package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/glimte/mmate-channel"
	"github.com/glimte/mmate-channel/internal/config"
	"github.com/glimte/mmate-channel/internal/reliability"
	"github.com/glimte/mmate-channel/messaging"
	natsTransport "github.com/glimte/mmate-channel/transports/nats"
	rabbitmqTransport "github.com/glimte/mmate-channel/transports/rabbitmq"
)

var errUnhealthy = errors.New("one or more brokers are unreachable")

// app holds what every subcommand needs
type app struct {
	client *mmate.Client
	logger *slog.Logger
	out    io.Writer
}

// newDialer picks the transport named in the configuration
func newDialer(cfg *config.Config, logger *slog.Logger) (messaging.Dialer, error) {
	switch cfg.Connection.Transport {
	case "", "amqp":
		return rabbitmqTransport.NewTransport(
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithDialTimeout(cfg.Connection.DialTimeout),
		), nil
	case "nats":
		return natsTransport.NewTransport(
			natsTransport.WithLogger(logger),
			natsTransport.WithDialTimeout(cfg.Connection.DialTimeout),
		), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Connection.Transport)
	}
}

// clientOptions maps the configuration onto client options
func clientOptions(cfg *config.Config, dialer messaging.Dialer, logger *slog.Logger) []mmate.ClientOption {
	interval, limit := cfg.Reconnect()
	return []mmate.ClientOption{
		mmate.WithLogger(logger),
		mmate.WithDialer(dialer),
		mmate.WithReconnect(interval, limit),
		mmate.WithSettleGrace(cfg.Connection.SettleGrace),
		mmate.WithQueueURL(mmate.QueueLog, cfg.Queues.Log),
		mmate.WithQueueURL(mmate.QueueFunction, cfg.Queues.Function),
		mmate.WithQueueURL(mmate.QueueOutgoing, cfg.Queues.Outgoing),
	}
}

// channel opens a channel on url, or on the configured URL of queue when url is empty
func (a *app) channel(ctx context.Context, url, queue string) (*messaging.Channel, error) {
	if url != "" {
		return a.client.GetChannel(ctx, url)
	}
	if queue == "" {
		return nil, errors.New("either --url or --queue is required")
	}
	return a.client.Resolve(ctx, mmate.QueueType(strings.ToUpper(queue)))
}

// runTest checks every url, or every configured queue when none is given
func (a *app) runTest(ctx context.Context, urls []string) error {
	healthy := true
	if len(urls) > 0 {
		for _, url := range urls {
			ok := a.client.Test(ctx, url)
			healthy = healthy && ok
			a.printStatus(messaging.SanitizeURL(url), ok, "")
		}
	} else {
		report := a.client.HealthRegistry().Check(ctx)
		if len(report.Checks) == 0 {
			return errors.New("no queue urls configured")
		}
		for _, check := range report.Checks {
			healthy = healthy && check.Healthy()
			a.printStatus(check.Name, check.Healthy(), check.Error)
		}
	}
	if !healthy {
		return errUnhealthy
	}
	return nil
}

func (a *app) printStatus(name string, ok bool, detail string) {
	status := color.GreenString("reachable")
	if !ok {
		status = color.RedString("unreachable")
	}
	if detail != "" {
		fmt.Fprintf(a.out, "%-50s %s (%s)\n", name, status, detail)
		return
	}
	fmt.Fprintf(a.out, "%-50s %s\n", name, status)
}

type publishOptions struct {
	url           string
	queue         string
	retries       int
	retryDelay    time.Duration
	backoff       string
	maxRetryDelay time.Duration
}

// retryPolicy builds the publish retry policy. Exponential backoff doubles
// the delay after each attempt up to maxRetryDelay.
func retryPolicy(opts publishOptions) (reliability.RetryPolicy, error) {
	switch opts.backoff {
	case "", "fixed":
		return reliability.NewFixedDelay(opts.retryDelay, opts.retries), nil
	case "exponential":
		maxDelay := opts.maxRetryDelay
		if maxDelay < opts.retryDelay {
			maxDelay = opts.retryDelay
		}
		return reliability.NewExponentialBackoff(opts.retryDelay, maxDelay, 2, opts.retries), nil
	default:
		return nil, fmt.Errorf("unknown backoff %q, want fixed or exponential", opts.backoff)
	}
}

// payload sends valid JSON as a structured message and anything else as text
func payload(raw string) any {
	if gjson.Valid(raw) {
		return json.RawMessage(raw)
	}
	return raw
}

// runPublish publishes body to address. Released messages are retried up
// to opts.retries times; rejected messages are not.
func (a *app) runPublish(ctx context.Context, opts publishOptions, address, body string) error {
	policy, err := retryPolicy(opts)
	if err != nil {
		return err
	}

	ch, err := a.channel(ctx, opts.url, opts.queue)
	if err != nil {
		return err
	}
	defer ch.Close(nil)

	attempts := 0
	var outcome messaging.Outcome
	err = reliability.Retry(ctx, policy, func() error {
		attempts++
		var publishErr error
		outcome, publishErr = ch.Publish(ctx, address, payload(body))
		if publishErr != nil && !messaging.IsRetryable(publishErr) {
			return reliability.RetryableError{Err: publishErr, Retryable: false}
		}
		if publishErr != nil {
			a.logger.Warn("publish not accepted", "address", address, "attempt", attempts, "error", publishErr)
		}
		return publishErr
	})
	if err != nil {
		fmt.Fprintf(a.out, "%s %s after %d attempt(s): %v\n", color.RedString("failed"), address, attempts, err)
		return err
	}

	fmt.Fprintf(a.out, "%s %s (%s)\n", color.GreenString("published"), address, outcome.State)
	return nil
}

type listenOptions struct {
	url      string
	queue    string
	selector string
	count    int
	reject   bool
}

// render prints the selected part of a message
func render(msg *messaging.Message, selector string) string {
	if selector == "" || !msg.IsStructured() {
		return msg.Raw()
	}
	result := gjson.Get(msg.Raw(), selector)
	if !result.Exists() {
		return color.YellowString("<%s not found>", selector)
	}
	return result.String()
}

// runListen prints messages from address until ctx ends or count messages
// were handled. Each message is acked, or rejected with opts.reject.
func (a *app) runListen(ctx context.Context, opts listenOptions, address string) error {
	ch, err := a.channel(ctx, opts.url, opts.queue)
	if err != nil {
		return err
	}
	defer ch.Close(nil)

	closed := make(chan error, 1)
	ch.OnClose(func(err error) {
		closed <- err
	})

	fmt.Fprintf(a.out, "listening on %s\n", address)

	done := make(chan struct{})
	received := 0
	err = ch.Subscribe(ctx, address, func(msg *messaging.Message) error {
		received++
		fmt.Fprintf(a.out, "%s %s\n", color.CyanString("[%d]", received), render(msg, opts.selector))

		settle := msg.Ack
		if opts.reject {
			settle = msg.Reject
		}
		if err := settle(); err != nil {
			return err
		}
		if opts.count > 0 && received == opts.count {
			close(done)
		}
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return ch.Unsubscribe()
	case err := <-closed:
		if err == nil {
			err = messaging.ErrChannelClosed
		}
		return err
	case <-ctx.Done():
		return nil
	}
}
