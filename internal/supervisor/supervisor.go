// Package supervisor runs one invocation of the wrapped tool: it spawns the
// child with platform isolation, captures its output into a per-run log file,
// keeps the shared registry honest about the child's lifecycle, and relays
// termination signals while the child runs.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/platform"
	"github.com/loykin/warden/internal/registry"
	"github.com/loykin/warden/internal/signalrelay"
)

// execBin is the wrapped tool; a variable so tests can substitute a stub.
var execBin = config.CodexBin

// Registry is the slice of the task registry the supervisor needs.
type Registry interface {
	Register(pid int, record registry.TaskRecord) error
	Remove(pid int) (*registry.TaskRecord, error)
	MarkCompleted(pid int, exitCode int, result string, now time.Time) error
	SweepStale(now time.Time, live registry.Liveness, terminate func(pid int)) ([]registry.CleanupEvent, error)
}

// Execute runs the wrapped tool with args and returns its exit code. Only a
// leading "exec" argument makes the run tracked in the shared registry; every
// other invocation runs the child synchronously and untracked, though its
// output still goes to a private log file.
func Execute(reg Registry, args []string) (int, error) {
	platform.InitConsole()

	// Cooperative reaping: every invocation nudges the registry toward
	// consistency, so no dedicated background reaper is needed.
	if _, err := reg.SweepStale(time.Now().UTC(), platformLiveness(), platform.Terminate); err != nil {
		return 0, err
	}

	tracked := len(args) > 0 && strings.EqualFold(args[0], "exec")

	// Log file uniqueness comes from the random identifier, not from retry.
	logID := uuid.NewString()
	logPath := filepath.Join(os.TempDir(), logID+".txt")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	outR, outW, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return 0, err
	}
	defer closeAll(outR, errR)

	cmd := exec.Command(execBin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = outW
	cmd.Stderr = errW
	platform.PrepareCommand(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return 0, fmt.Errorf("spawn %s: %w", execBin, err)
	}
	// The child holds its own copies of the write ends now.
	closeAll(outW, errW)
	pid := cmd.Process.Pid
	logger.Debug("started child", "pid", pid, "log", logPath)

	resources, err := platform.AfterSpawn(cmd)
	if err != nil {
		platform.Terminate(pid)
		_ = cmd.Wait()
		return 0, fmt.Errorf("attach child containment: %w", err)
	}
	defer resources.Release()

	relay := signalrelay.Install(pid)
	defer relay.Release()

	sink := &logSink{f: logFile}
	var wg sync.WaitGroup
	copyErrs := make([]error, 2)
	for i, r := range []*os.File{outR, errR} {
		wg.Add(1)
		go func(i int, r *os.File) {
			defer wg.Done()
			copyErrs[i] = copyStream(r, sink)
		}(i, r)
	}

	var guard *registrationGuard
	if tracked {
		manager := platform.CurrentPID()
		record := registry.TaskRecord{
			StartedAt:  time.Now().UTC(),
			LogID:      logID,
			LogPath:    logPath,
			ManagerPID: &manager,
			Status:     registry.StatusRunning,
		}
		if err := reg.Register(pid, record); err != nil {
			// Never leave an untracked, unkillable orphan behind.
			platform.Terminate(pid)
			_ = cmd.Wait()
			return 0, err
		}
		guard = &registrationGuard{reg: reg, pid: pid}
		defer guard.release()
	}

	waitErr := cmd.Wait()
	// Clear the relay target right away: a signal arriving after exit must not
	// be forwarded to a recycled pid.
	relay.Release()

	wg.Wait()
	for _, cerr := range copyErrs {
		if cerr != nil {
			return 0, fmt.Errorf("copy child output: %w", cerr)
		}
	}
	if err := logFile.Sync(); err != nil {
		return 0, fmt.Errorf("sync log file: %w", err)
	}

	if waitErr != nil {
		var ee *exec.ExitError
		if !errors.As(waitErr, &ee) {
			return 0, waitErr
		}
	}
	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		// Terminated by signal; no numeric code to surface.
		code = 1
	}

	if guard != nil {
		guard.complete(code)
	}
	return code, nil
}

func platformLiveness() registry.Liveness {
	return registry.Liveness{Alive: platform.Alive, StartTime: platform.StartTime}
}

// logSink serializes appends from both stream copiers onto one file handle.
// Each copier's own byte order is preserved; interleaving between the two
// streams is best-effort.
type logSink struct {
	mu sync.Mutex
	f  *os.File
}

func (s *logSink) append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.f.Write(p)
	return err
}

func copyStream(r *os.File, sink *logSink) error {
	buf := make([]byte, 8192)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := sink.append(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, os.ErrClosed) {
				return nil
			}
			return rerr
		}
	}
}

// registrationGuard removes the registry entry on every exit path that did
// not explicitly mark the run complete, so an error after registration never
// leaves a phantom row behind.
type registrationGuard struct {
	reg  Registry
	pid  int
	done bool
}

func (g *registrationGuard) complete(exitCode int) {
	if g.done {
		return
	}
	g.done = true
	if err := g.reg.MarkCompleted(g.pid, exitCode, "", time.Now().UTC()); err != nil {
		// Best effort: a later sweep or consumer retires the row.
		logger.Debug("mark completed failed", "pid", g.pid, "error", err)
	}
}

func (g *registrationGuard) release() {
	if g.done {
		return
	}
	g.done = true
	if _, err := g.reg.Remove(g.pid); err != nil {
		logger.Debug("registry cleanup failed", "pid", g.pid, "error", err)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
