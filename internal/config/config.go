package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fixed parameters of the warden. The shared namespace and size are part of the
// on-host wire contract between independent invocations and must not change
// without bumping the shmem format version.
const (
	// CodexBin is the wrapped tool launched by the supervisor.
	CodexBin = "codex"

	// SharedNamespace names the OS shared-memory object hosting the task registry.
	SharedNamespace = "codex-task"

	// SharedMemorySize is the fixed size of the shared region in bytes.
	SharedMemorySize = 4 * 1024 * 1024

	// MaxRecordAge is the bound after which a still-registered task is
	// considered stuck and swept with a timeout cleanup.
	MaxRecordAge = 12 * time.Hour

	// WaitIntervalDefault is the wait-mode poll interval when no env override
	// is present or the override is invalid.
	WaitIntervalDefault = 30 * time.Second

	// MaxWaitDuration bounds how long wait mode blocks before giving up.
	MaxWaitDuration = 24 * time.Hour
)

// Environment variable names. Each setting has a primary name and a legacy
// fallback kept for compatibility with earlier releases.
const (
	WaitIntervalEnv       = "CODEX_WARDEN_WAIT_INTERVAL_SEC"
	LegacyWaitIntervalEnv = "CODEX_WORKER_WAIT_INTERVAL_SEC"
	DebugEnv              = "CODEX_WARDEN_DEBUG"
	LegacyDebugEnv        = "CODEX_WORKER_DEBUG"
	LogFileEnv            = "CODEX_WARDEN_LOG_FILE"
)

func newEnvViper() *viper.Viper {
	v := viper.New()
	_ = v.BindEnv("wait_interval_sec", WaitIntervalEnv, LegacyWaitIntervalEnv)
	_ = v.BindEnv("debug", DebugEnv, LegacyDebugEnv)
	_ = v.BindEnv("log_file", LogFileEnv)
	return v
}

// WaitInterval returns the wait-mode poll interval. The primary env var wins
// over the legacy one; a non-positive or unparseable value falls back to the
// default with a warning on stderr.
func WaitInterval() time.Duration {
	v := newEnvViper()
	raw := v.GetString("wait_interval_sec")
	if raw == "" {
		return WaitIntervalDefault
	}
	secs, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || secs == 0 {
		_, _ = fmt.Fprintf(os.Stderr,
			"[codex-warden][warn] wait interval env invalid (%q), using default %s\n",
			raw, WaitIntervalDefault)
		return WaitIntervalDefault
	}
	return time.Duration(secs) * time.Second
}

// DebugEnabled reports whether opt-in debug logging is requested. Truthy
// values are "1" and any case variant of "true".
func DebugEnabled() bool {
	v := newEnvViper()
	raw := v.GetString("debug")
	return raw == "1" || strings.EqualFold(raw, "true")
}

// LogFile returns the optional debug-log sink path, empty when unset.
func LogFile() string {
	return newEnvViper().GetString("log_file")
}
