// Command mmate-channel opens broker channels from the command line: it
// checks reachability, publishes single messages and prints what arrives on
// an address.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-channel"
	"github.com/glimte/mmate-channel/internal/config"
	"github.com/glimte/mmate-channel/internal/logging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	transport  string
}

// loadConfig reads the env file, then the config file and environment
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := godotenv.Load(flags.envFile); err != nil {
		// the default env file is optional
		if flags.envFile != ".env" || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.transport != "" {
		cfg.Connection.Transport = flags.transport
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// setup builds the app for one command run. The returned func releases the logger.
func setup(flags *globalFlags, cmd *cobra.Command) (*app, func(), error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	dialer, err := newDialer(cfg, logger.Logger)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}

	a := &app{
		client: mmate.NewClient(clientOptions(cfg, dialer, logger.Logger)...),
		logger: logger.Named("cli"),
		out:    cmd.OutOrStdout(),
	}
	return a, func() { logger.Close() }, nil
}

// signalContext is cancelled on interrupt or termination
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-channel",
		Short: "Open broker channels from the command line",
		Long: `mmate-channel connects to AMQP or NATS brokers through the same channel
abstraction services use. Connection strings come from flags, or from the
queue URLs in the configuration file and environment.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	rootCmd.PersistentFlags().StringVarP(&flags.transport, "transport", "t", "", "Broker transport: amqp or nats")

	// Test command
	testCmd := &cobra.Command{
		Use:   "test [url...]",
		Short: "Check that channels can be opened",
		Long:  "Open and close a channel on each url. Without urls, every configured queue url is checked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, release, err := setup(flags, cmd)
			if err != nil {
				return err
			}
			defer release()

			ctx, cancel := signalContext()
			defer cancel()
			return a.runTest(ctx, args)
		},
	}

	// Publish command
	publishOpts := publishOptions{}
	publishCmd := &cobra.Command{
		Use:   "publish <address> <payload>",
		Short: "Publish one message",
		Long:  "Publish a message and wait for the broker outcome. Valid JSON payloads are sent as JSON.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, release, err := setup(flags, cmd)
			if err != nil {
				return err
			}
			defer release()

			ctx, cancel := signalContext()
			defer cancel()
			return a.runPublish(ctx, publishOpts, args[0], args[1])
		},
	}
	publishCmd.Flags().StringVarP(&publishOpts.url, "url", "u", "", "Connection string")
	publishCmd.Flags().StringVarP(&publishOpts.queue, "queue", "q", "", "Configured queue to use: log, function or outgoing")
	publishCmd.Flags().IntVarP(&publishOpts.retries, "retries", "r", 0, "Times to retry a released message")
	publishCmd.Flags().DurationVar(&publishOpts.retryDelay, "retry-delay", time.Second, "Wait between retries")
	publishCmd.Flags().StringVar(&publishOpts.backoff, "backoff", "fixed", "Retry backoff: fixed or exponential")
	publishCmd.Flags().DurationVar(&publishOpts.maxRetryDelay, "max-retry-delay", 30*time.Second, "Longest wait between exponential retries")

	// Listen command
	listenOpts := listenOptions{}
	listenCmd := &cobra.Command{
		Use:   "listen <address>",
		Short: "Print messages arriving on an address",
		Long:  "Subscribe to an address and print every message. Messages are acked unless --reject is set.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, release, err := setup(flags, cmd)
			if err != nil {
				return err
			}
			defer release()

			ctx, cancel := signalContext()
			defer cancel()
			return a.runListen(ctx, listenOpts, args[0])
		},
	}
	listenCmd.Flags().StringVarP(&listenOpts.url, "url", "u", "", "Connection string")
	listenCmd.Flags().StringVarP(&listenOpts.queue, "queue", "q", "", "Configured queue to use: log, function or outgoing")
	listenCmd.Flags().StringVarP(&listenOpts.selector, "select", "s", "", "Print only this path of JSON messages (gjson syntax)")
	listenCmd.Flags().IntVarP(&listenOpts.count, "count", "n", 0, "Stop after this many messages")
	listenCmd.Flags().BoolVar(&listenOpts.reject, "reject", false, "Reject messages instead of acking them")

	rootCmd.AddCommand(testCmd, publishCmd, listenCmd)
	return rootCmd
}
