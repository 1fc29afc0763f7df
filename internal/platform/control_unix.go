//go:build !windows

package platform

import (
	"errors"
	"os/exec"
	"time"

	"github.com/loykin/warden/internal/logger"
	"golang.org/x/sys/unix"
)

const termGrace = 500 * time.Millisecond

// Alive reports whether pid exists. EPERM means the process exists but belongs
// to another user, which still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate stops pid, best effort: SIGTERM, a short grace period, then
// SIGKILL if the process is still there. A pid that is already gone is
// success with no side effect.
func Terminate(pid int) {
	if !Alive(pid) {
		return
	}
	if unix.Kill(pid, unix.SIGTERM) == nil {
		time.Sleep(termGrace)
		if !Alive(pid) {
			return
		}
	}
	if unix.Kill(pid, unix.SIGKILL) == nil {
		logger.Debug("escalated to SIGKILL", "pid", pid)
	}
}

// AfterSpawn attaches post-spawn containment. Process-group isolation set up
// by PrepareCommand already suffices on Unix.
func AfterSpawn(_ *exec.Cmd) (*Resources, error) {
	return &Resources{}, nil
}

// InitConsole performs one-time terminal setup. Nothing to do on Unix.
func InitConsole() {}
