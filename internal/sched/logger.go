package sched

import (
	"log/slog"

	"github.com/gogpu/plume/internal/logging"
)

// slogger returns the shared internal logger.
func slogger() *slog.Logger { return logging.Slogger() }
