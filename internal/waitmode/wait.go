// Package waitmode blocks until every tracked task has finished, reporting
// completions as they are observed and a summary at the end. It is a pure
// consumer of the shared registry: it owns no children of its own.
package waitmode

import (
	"io"
	"os"
	"time"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/platform"
	"github.com/loykin/warden/internal/registry"
)

// Registry is the slice of the task registry wait mode consumes.
type Registry interface {
	SweepStale(now time.Time, live registry.Liveness, terminate func(pid int)) ([]registry.CleanupEvent, error)
	CompletedUnread() ([]registry.RegistryEntry, error)
	Entries() ([]registry.RegistryEntry, error)
	RemoveByPID(pid int) (*registry.TaskRecord, error)
}

// Run polls the registry until no entry has Running status, or gives up after
// the maximum wait without erroring.
func Run(reg Registry) error {
	return run(reg, os.Stdout, os.Stderr, config.WaitInterval(), config.MaxWaitDuration, time.Sleep)
}

func run(reg Registry, out, errOut io.Writer, interval, maxWait time.Duration, sleep func(time.Duration)) error {
	start := time.Now()
	processed := make(map[int]bool)
	report := newReport()
	live := registry.Liveness{Alive: platform.Alive, StartTime: platform.StartTime}

	for {
		events, err := reg.SweepStale(time.Now().UTC(), live, platform.Terminate)
		if err != nil {
			return err
		}
		for _, ev := range events {
			// Timeout cleanups are killed long-runners, not completions.
			if ev.Reason == registry.CleanupTimeout || processed[ev.PID] {
				continue
			}
			processed[ev.PID] = true
			c := completionFromRecord(ev.PID, ev.Record)
			emitRealtime(out, errOut, c)
			report.add(c)
		}

		unread, err := reg.CompletedUnread()
		if err != nil {
			return err
		}
		for _, e := range unread {
			if !processed[e.PID] {
				processed[e.PID] = true
				c := completionFromRecord(e.PID, e.Record)
				emitRealtime(out, errOut, c)
				report.add(c)
			}
			// Acknowledge: the row's job is done once it has been reported.
			if _, err := reg.RemoveByPID(e.PID); err != nil {
				return err
			}
		}

		entries, err := reg.Entries()
		if err != nil {
			return err
		}
		running := false
		for _, e := range entries {
			if e.Record.Status == registry.StatusRunning {
				running = true
				break
			}
		}
		if !running {
			report.render(out, nil, false, time.Since(start))
			return nil
		}
		if time.Since(start) >= maxWait {
			report.render(out, entries, true, time.Since(start))
			return nil
		}
		sleep(interval)
	}
}
