// Package logging builds the slog loggers used across the module.
//
// Besides the slog levels it knows verbose (between info and debug) and
// silly (below debug). Records go to stdout or stderr as json, text, or
// console lines rendered by zerolog, and optionally to one file per day.
package logging
