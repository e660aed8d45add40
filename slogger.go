//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package netconn

import "log/slog"

// SLogger abstracts the [*slog.Logger] behavior.
//
// By using an abstraction we allow for unit testing and alternative implementations.
//
// This package uses two log levels:
//   - Info for lifecycle events (resolve, connect, TLS handshake, close,
//     DNS exchange)
//   - Debug for per-I/O events (read, write, notify, readiness waits,
//     DNS query/response)
//
// The [*slog.Logger] type satisfies this interface.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// DefaultSLogger returns the default [SLogger] to use.
//
// The default is a no-op logger that discards all output. This follows the
// library convention of not writing to stdout/stderr unless explicitly configured.
//
// Use a custom [*slog.Logger] for emitting logs.
func DefaultSLogger() SLogger {
	return discardSLogger{}
}

// discardSLogger is a no-op [SLogger] that discards all log messages.
type discardSLogger struct{}

var _ SLogger = discardSLogger{}

// Debug implements [SLogger].
func (discardSLogger) Debug(msg string, args ...any) {
	// nothing
}

// Info implements [SLogger].
func (discardSLogger) Info(msg string, args ...any) {
	// nothing
}

// spanSLogger adds the spanID attribute to every event.
type spanSLogger struct {
	logger SLogger
	spanID string
}

var _ SLogger = spanSLogger{}

func (sl spanSLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, append(args, slog.String("spanID", sl.spanID))...)
}

func (sl spanSLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, append(args, slog.String("spanID", sl.spanID))...)
}
