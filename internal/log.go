package internal

import (
	"context"
	"os"

	charm "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

var _logger = charm.NewWithOptions(os.Stderr, charm.Options{
	ReportTimestamp: true,
})

func init() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		_logger.SetFormatter(charm.LogfmtFormatter)
	}
	if os.Getenv("DEBUG") != "" {
		_logger.SetLevel(charm.DebugLevel)
	}
}

// Log returns a logger scoped to the request ID, if the context carries one.
func Log(ctx context.Context) *charm.Logger {
	if reqID, ok := ctx.Value(middleware.RequestIDKey).(string); ok && reqID != "" {
		return _logger.With("requestID", reqID)
	}
	return _logger
}

// SetLogLevel adjusts the process-wide log level.
func SetLogLevel(level string) {
	if l, err := charm.ParseLevel(level); err == nil {
		_logger.SetLevel(l)
	}
}
