package messaging

import "log/slog"

// Log levels between the slog defaults, used for connection progress and
// link chatter.
const (
	LevelVerbose = slog.LevelInfo - 2
	LevelSilly   = slog.LevelDebug - 4
)
