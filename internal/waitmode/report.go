package waitmode

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/loykin/warden/internal/registry"
)

const timeLayout = "2006-01-02 15:04:05"

type completion struct {
	pid           int
	logPath       string
	startedAt     time.Time
	completedAt   time.Time
	exitCode      *int
	result        string
	cleanupReason string
}

func completionFromRecord(pid int, rec registry.TaskRecord) completion {
	completedAt := time.Now().UTC()
	if rec.CompletedAt != nil {
		completedAt = *rec.CompletedAt
	}
	return completion{
		pid:           pid,
		logPath:       rec.LogPath,
		startedAt:     rec.StartedAt,
		completedAt:   completedAt,
		exitCode:      rec.ExitCode,
		result:        rec.Result,
		cleanupReason: rec.CleanupReason,
	}
}

func (c completion) success() bool {
	if c.cleanupReason != "" {
		return false
	}
	return c.exitCode == nil || *c.exitCode == 0
}

func (c completion) icon() string {
	if c.success() {
		return "✅"
	}
	return "❌"
}

func (c completion) statusWord() string {
	if c.success() {
		return "completed"
	}
	return "failed"
}

func (c completion) exitCodeText() string {
	if c.exitCode == nil {
		return "not reported"
	}
	return fmt.Sprintf("%d", *c.exitCode)
}

func (c completion) statusLine() string {
	if c.cleanupReason != "" {
		return fmt.Sprintf("%s %s (exit_code: %s, cleanup: %s)",
			c.icon(), c.statusWord(), c.exitCodeText(), c.cleanupReason)
	}
	return fmt.Sprintf("%s %s (exit_code: %s)", c.icon(), c.statusWord(), c.exitCodeText())
}

func (c completion) summaryLabel() string {
	if c.success() {
		return "Result summary"
	}
	return "Error summary"
}

func (c completion) summaryText() string {
	switch {
	case c.result != "":
		return c.result
	case c.cleanupReason != "":
		return "task was cleaned up: " + c.cleanupReason
	case c.success():
		return "task completed without a summary."
	default:
		return "task failed without an error summary."
	}
}

func emitRealtime(out, errOut io.Writer, c completion) {
	w := out
	if !c.success() {
		w = errOut
	}
	_, _ = fmt.Fprintf(w, "%s task %s PID=%d (exit_code: %s) @ %s\n",
		c.icon(), c.statusWord(), c.pid, c.exitCodeText(),
		c.completedAt.Local().Format(timeLayout))
	_, _ = fmt.Fprintf(w, "log file: %s\n", c.logPath)
	_, _ = fmt.Fprintf(w, "%s: %s\n", c.summaryLabel(), c.summaryText())
}

type taskReport struct {
	completions      []completion
	earliestStart    time.Time
	latestCompletion time.Time
}

func newReport() *taskReport { return &taskReport{} }

func (r *taskReport) add(c completion) {
	if r.earliestStart.IsZero() || c.startedAt.Before(r.earliestStart) {
		r.earliestStart = c.startedAt
	}
	if r.latestCompletion.IsZero() || c.completedAt.After(r.latestCompletion) {
		r.latestCompletion = c.completedAt
	}
	r.completions = append(r.completions, c)
}

func (r *taskReport) successCount() int {
	n := 0
	for _, c := range r.completions {
		if c.success() {
			n++
		}
	}
	return n
}

func (r *taskReport) totalDuration(waitElapsed time.Duration) time.Duration {
	if !r.earliestStart.IsZero() && !r.latestCompletion.IsZero() {
		if d := r.latestCompletion.Sub(r.earliestStart); d > 0 {
			return d
		}
	}
	return waitElapsed
}

func (r *taskReport) render(out io.Writer, runningEntries []registry.RegistryEntry, timedOut bool, waitElapsed time.Duration) {
	_, _ = fmt.Fprintln(out, "## 📋 Task completion report")
	if timedOut {
		_, _ = fmt.Fprintln(out, "\n⚠️ Maximum wait reached with tasks still unfinished.")
	}

	_, _ = fmt.Fprintln(out, "\n### ✅ Completed tasks")
	if len(r.completions) == 0 {
		_, _ = fmt.Fprintln(out, "- no completed tasks yet")
	} else {
		items := make([]completion, len(r.completions))
		copy(items, r.completions)
		sort.Slice(items, func(i, j int) bool { return items[i].completedAt.Before(items[j].completedAt) })
		for i, c := range items {
			_, _ = fmt.Fprintf(out, "%d. **PID**: %d\n", i+1, c.pid)
			_, _ = fmt.Fprintf(out, "   - **Status**: %s\n", c.statusLine())
			_, _ = fmt.Fprintf(out, "   - **Log file**: %s\n", c.logPath)
			_, _ = fmt.Fprintf(out, "   - **Completed at**: %s\n", c.completedAt.Local().Format(timeLayout))
			_, _ = fmt.Fprintf(out, "   - **%s**: %s\n", c.summaryLabel(), c.summaryText())
		}
	}

	_, _ = fmt.Fprintln(out, "\n### 📊 Statistics")
	_, _ = fmt.Fprintf(out, "- total tasks: %d\n", len(r.completions))
	_, _ = fmt.Fprintf(out, "- succeeded: %d\n", r.successCount())
	_, _ = fmt.Fprintf(out, "- failed: %d\n", len(r.completions)-r.successCount())
	_, _ = fmt.Fprintf(out, "- total duration: %s\n", r.totalDuration(waitElapsed).Truncate(time.Second))

	_, _ = fmt.Fprintln(out, "\n### 📂 Log files")
	paths := r.logPaths()
	if len(paths) == 0 {
		_, _ = fmt.Fprintln(out, "- no logs available")
	} else {
		for _, p := range paths {
			_, _ = fmt.Fprintf(out, "- %s\n", p)
		}
	}

	if timedOut {
		running := make([]registry.RegistryEntry, 0, len(runningEntries))
		for _, e := range runningEntries {
			if e.Record.Status == registry.StatusRunning {
				running = append(running, e)
			}
		}
		if len(running) > 0 {
			_, _ = fmt.Fprintln(out, "\n### ⏳ Still running")
			for _, e := range running {
				_, _ = fmt.Fprintf(out, "- PID %d (started %s) -> %s\n",
					e.PID, e.Record.StartedAt.Local().Format(timeLayout), e.Record.LogPath)
			}
		}
	}

	if len(paths) > 0 {
		_, _ = fmt.Fprintln(out, "\nReview the log files above; read large ones in chunks rather than all at once.")
	}
}

func (r *taskReport) logPaths() []string {
	seen := make(map[string]bool)
	var paths []string
	for _, c := range r.completions {
		if c.logPath != "" && !seen[c.logPath] {
			seen[c.logPath] = true
			paths = append(paths, c.logPath)
		}
	}
	sort.Strings(paths)
	return paths
}
