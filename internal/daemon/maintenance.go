package daemon

import (
	"context"
	"path/filepath"

	"fetcharr/internal/logging"
)

// cleanupLogs prunes rotated log files past the configured retention window.
// The active fetcharr.log and the instance lock file are never removed.
func (d *Daemon) cleanupLogs(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logDir := d.cfg.Paths.LogDir
	if logDir == "" {
		return nil
	}
	logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:     logDir,
		Pattern: "*.log*",
		Exclude: []string{filepath.Join(logDir, "fetcharr.log"), d.lockPath},
	})
	return nil
}
