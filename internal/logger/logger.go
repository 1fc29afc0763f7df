// Package logger sets up the warden's own diagnostic logging. Debug output is
// opt-in via environment toggle and never affects the supervised child's log
// file, which captures raw child output separately.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/loykin/warden/internal/config"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the optional file sink, lumberjack semantics.
const (
	defaultMaxSizeMB  = 10
	defaultMaxBackups = 3
	defaultMaxAgeDays = 7
)

var (
	initOnce sync.Once
	root     *slog.Logger
)

// L returns the process-wide logger. The first call decides the sink and the
// level: stderr by default, a rotating file when the log-file env is set, and
// debug level only when the debug toggle is on.
func L() *slog.Logger {
	initOnce.Do(func() {
		level := slog.LevelWarn
		if config.DebugEnabled() {
			level = slog.LevelDebug
		}
		var sink io.Writer = os.Stderr
		if path := config.LogFile(); path != "" {
			sink = &lj.Logger{
				Filename:   path,
				MaxSize:    defaultMaxSizeMB,
				MaxBackups: defaultMaxBackups,
				MaxAge:     defaultMaxAgeDays,
			}
		}
		root = slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: level}))
	})
	return root
}

// Debug logs opt-in diagnostics about best-effort cleanup steps.
func Debug(msg string, args ...any) { L().Debug(msg, args...) }

// Warn logs conditions the user should see but that do not fail the run.
func Warn(msg string, args ...any) { L().Warn(msg, args...) }
