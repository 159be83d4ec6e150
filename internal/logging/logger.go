package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"

	"github.com/glimte/mmate-channel/internal/config"
	"github.com/glimte/mmate-channel/messaging"
)

// Levels between the slog defaults. Verbose sits below info, silly below debug.
const (
	LevelVerbose = messaging.LevelVerbose
	LevelSilly   = messaging.LevelSilly
	LevelNone    = slog.LevelError + 8
)

// Logger wraps slog.Logger with the sinks it writes to.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
	closers []io.Closer
}

// New creates a Logger for cfg.
//
// It configures:
//   - Log level filtering, including verbose and silly
//   - Output format (json, text, or console for human readable colored lines)
//   - Output destination (stdout, stderr or none)
//   - An optional daily file sink under cfg.File.Location
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var handlers []slog.Handler
	var closers []io.Closer

	switch strings.ToLower(cfg.Output) {
	case "none":
	case "stderr":
		handlers = append(handlers, newHandler(cfg.Format, os.Stderr, level))
	default:
		handlers = append(handlers, newHandler(cfg.Format, os.Stdout, level))
	}

	if cfg.File.Enabled {
		file, err := NewDailyFile(cfg.File.Location)
		if err != nil {
			return nil, err
		}
		closers = append(closers, file)
		handlers = append(handlers, slog.NewTextHandler(file, handlerOptions(level)))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, handlerOptions(LevelNone))
	case 1:
		handler = handlers[0]
	default:
		handler = fanout(handlers)
	}

	return &Logger{Logger: slog.New(handler), closers: closers}, nil
}

func handlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}
}

func newHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, handlerOptions(level))
	case "console":
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
		zl := zerolog.New(output).With().Timestamp().Logger()
		return zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level})
	default:
		return slog.NewTextHandler(w, handlerOptions(level))
	}
}

// replaceLevel prints the custom levels by name.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok {
		a.Value = slog.StringValue(LevelName(level))
	}
	return a
}

// ParseLevel converts a level name, or the numeric levels 0 (none) to 6
// (silly), into a slog.Level. An empty string is info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info", "3":
		return slog.LevelInfo, nil
	case "none", "0":
		return LevelNone, nil
	case "error", "1":
		return slog.LevelError, nil
	case "warn", "warning", "2":
		return slog.LevelWarn, nil
	case "verbose", "4":
		return LevelVerbose, nil
	case "debug", "5":
		return slog.LevelDebug, nil
	case "silly", "6":
		return LevelSilly, nil
	}
	if _, err := strconv.Atoi(level); err == nil {
		return 0, fmt.Errorf("logging: level %s out of range 0-6", level)
	}
	return 0, fmt.Errorf("logging: unknown level %q", level)
}

// LevelName returns the name of level
func LevelName(level slog.Level) string {
	switch level {
	case LevelVerbose:
		return "VERBOSE"
	case LevelSilly:
		return "SILLY"
	default:
		return level.String()
	}
}

// Named returns a child logger for a namespace
func (l *Logger) Named(namespace string) *slog.Logger {
	return l.Logger.With("component", namespace)
}

// Close closes file sinks
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Default creates a logger for use before configuration is loaded
func Default() *Logger {
	logger, _ := New(config.LoggingConfig{Level: "info", Format: "text", Output: "stderr"})
	return logger
}

// DailyFile appends to <dir>/<YYYY-MM-DD>.log, switching files at midnight.
type DailyFile struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyFile checks that dir is a writable directory and returns a sink for it
func NewDailyFile(dir string) (*DailyFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("logging: directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("logging: %s is not a directory", dir)
	}
	return &DailyFile{dir: dir, now: time.Now}, nil
}

// Write implements io.Writer
func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format("2006-01-02")
	if d.file == nil || day != d.day {
		if d.file != nil {
			d.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(d.dir, day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			d.file = nil
			return 0, err
		}
		d.file = f
		d.day = day
	}
	return d.file.Write(p)
}

// Close implements io.Closer
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
