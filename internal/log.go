package internal

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.TimeOnly,
})

// SetLogger replaces the process logger. Call this once at startup, before
// anything starts logging.
func SetLogger(l *log.Logger) {
	_logger = l
}

// Log returns a logger annotated with the context's request ID, if it has
// one. Background jobs stash a synthetic ID so their output can be grepped
// the same way.
func Log(ctx context.Context) *log.Logger {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return _logger.With("requestID", id)
	}
	return _logger
}
