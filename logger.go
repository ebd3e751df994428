package sigsock

import (
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation or use the default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// zerologLogger adapts a zerolog.Logger to Logger.
type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger returns a Logger writing through l.
// Key-value pairs become zerolog fields.
func NewZerologLogger(l zerolog.Logger) Logger {
	return &zerologLogger{l: l}
}

func (z *zerologLogger) Debug(msg string, args ...any) { z.log(z.l.Debug(), msg, args) }
func (z *zerologLogger) Info(msg string, args ...any)  { z.log(z.l.Info(), msg, args) }
func (z *zerologLogger) Warn(msg string, args ...any)  { z.log(z.l.Warn(), msg, args) }
func (z *zerologLogger) Error(msg string, args ...any) { z.log(z.l.Error(), msg, args) }

func (z *zerologLogger) log(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	if len(args) > 0 {
		e = e.Fields(args)
	}
	e.Msg(msg)
}

// printBlacklist is the set of methods whose per-record log line is suppressed.
type printBlacklist map[string]struct{}

func newPrintBlacklist(methods ...string) printBlacklist {
	b := make(printBlacklist, len(methods))
	for _, m := range methods {
		b[m] = struct{}{}
	}
	return b
}

func (b printBlacklist) suppressed(method string) bool {
	_, ok := b[method]
	return ok
}

// defaultPrintBlacklist keeps keep-alive traffic out of the logs.
func defaultPrintBlacklist() printBlacklist {
	return newPrintBlacklist(MethodAlive, MethodAliveOK)
}
