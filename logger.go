package plume

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/logging"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for plume and all its sub-packages.
// By default, plume produces no log output. Pass nil to restore the
// default silent behavior.
//
// Log levels used by plume:
//   - [slog.LevelDebug]: internal diagnostics (dispatch submission,
//     reclamation batches, ring pressure)
//   - [slog.LevelInfo]: lifecycle events (pool creation, context release)
//   - [slog.LevelError]: device-fatal failures and bad releases
//
// SetLogger is safe for concurrent use: it stores the new logger
// atomically.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	driver.SetLogger(l)
	logging.SetLogger(l)
}

// Logger returns the current logger used by plume.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
