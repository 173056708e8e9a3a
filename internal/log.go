package internal

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Formatter:       formatter(),
})

func formatter() log.Formatter {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return log.TextFormatter
	}
	return log.LogfmtFormatter
}

// SetLogLevel adjusts the process-wide log level.
func SetLogLevel(level log.Level) {
	_logger.SetLevel(level)
}

// Log returns a logger annotated with the request ID carried by ctx, if any.
func Log(ctx context.Context) *log.Logger {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return _logger.With("requestID", id)
	}
	return _logger
}
