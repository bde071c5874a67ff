// Package logger provides structured logging using Go 1.21's log/slog,
// plus a leveled event helper that mirrors log lines to connected
// dashboard clients as LOG_ENTRY events.
package logger

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"squeezebotv1/internal/model"
)

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// Eventf logs a leveled message and fans it out to dashboard clients.
// Level is a short tag such as INFO, WARN, ERROR, TRADE, SCANNER.
// The broadcaster may be nil, e.g. in tests.
func Eventf(b model.Broadcaster, level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", level, msg)
	if b != nil {
		b.Broadcast(model.NewLogEvent(level, msg))
	}
}
