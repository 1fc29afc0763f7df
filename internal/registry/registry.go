// Package registry provides the cross-process task registry: typed
// register/remove/list/sweep operations over the shared-memory region, keyed
// by the supervised child's pid.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/platform"
	"github.com/loykin/warden/internal/shmem"
)

// ErrTaskExists reports a Register for a pid that is already tracked.
// Register inserts, it never upserts.
var ErrTaskExists = errors.New("task already registered for pid")

// A legitimate child always starts before its record is written, so a probe
// placing the process start after the record timestamp by more than this
// slack means the OS recycled the pid for an unrelated process.
const pidReuseSlack = 2 * time.Second

// TaskRegistry wraps the shared region with record encoding and a
// process-local lock. The local lock serializes threads of one process; the
// region's own lock serializes processes.
type TaskRegistry struct {
	mu     sync.Mutex
	region *shmem.Region
}

// RegistryEntry is one well-formed row.
type RegistryEntry struct {
	PID    int
	Key    string
	Record TaskRecord
}

// CleanupEvent describes one entry retired by a stale sweep. Record carries
// the immutable cleanup_reason tag already attached.
type CleanupEvent struct {
	PID    int
	Record TaskRecord
	Reason CleanupReason
}

// Liveness bundles the probes a sweep decides with. Alive is required.
// StartTime, when present, guards against pid reuse: an alive pid whose
// process started after the record did is treated as exited.
type Liveness struct {
	Alive     func(pid int) bool
	StartTime func(pid int) (time.Time, bool)
}

// Connect opens or creates the shared registry for this host.
func Connect() (*TaskRegistry, error) {
	return connect(config.SharedNamespace, config.SharedMemorySize)
}

func connect(namespace string, size int) (*TaskRegistry, error) {
	region, err := shmem.OpenOrCreate(namespace, size, func(pid uint32) bool {
		return platform.Alive(int(pid))
	})
	if err != nil {
		return nil, fmt.Errorf("connect task registry: %w", err)
	}
	return &TaskRegistry{region: region}, nil
}

// Close drops this process's mapping of the registry.
func (r *TaskRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.region.Close()
}

func (r *TaskRegistry) view(fn func(*shmem.Table) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.region.View(fn)
}

// Register inserts record under pid. A pid already present fails with
// ErrTaskExists and leaves the prior record untouched.
func (r *TaskRegistry) Register(pid int, record TaskRecord) error {
	value, err := encodeRecord(record)
	if err != nil {
		return err
	}
	key := strconv.Itoa(pid)
	err = r.view(func(t *shmem.Table) error { return t.TryInsert(key, value) })
	if errors.Is(err, shmem.ErrKeyExists) {
		return fmt.Errorf("pid %d: %w", pid, ErrTaskExists)
	}
	return err
}

// Remove deletes pid's entry and returns the prior record, nil when absent.
// A malformed payload here is an error, not self-healed: the caller asked for
// this specific row and must know it was damaged.
func (r *TaskRegistry) Remove(pid int) (*TaskRecord, error) {
	key := strconv.Itoa(pid)
	var prior string
	var found bool
	if err := r.view(func(t *shmem.Table) error {
		prior, found = t.Delete(key)
		return nil
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	rec, err := decodeRecord(prior)
	if err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}
	return &rec, nil
}

// Entries lists all well-formed rows. Rows whose key does not parse as an
// unsigned integer or whose value does not decode are corrupted; they are
// deleted as a side effect of the read, with a warning, and the scan
// continues. The snapshot takes one lock hold, the healing deletes a second.
func (r *TaskRegistry) Entries() ([]RegistryEntry, error) {
	var snapshot []shmem.KV
	if err := r.view(func(t *shmem.Table) error {
		snapshot = t.Snapshot()
		return nil
	}); err != nil {
		return nil, err
	}

	entries := make([]RegistryEntry, 0, len(snapshot))
	var invalid []string
	for _, kv := range snapshot {
		pid64, err := strconv.ParseUint(kv.Key, 10, 32)
		if err != nil {
			logger.Warn("dropping registry row with invalid pid key", "key", kv.Key)
			invalid = append(invalid, kv.Key)
			continue
		}
		rec, err := decodeRecord(kv.Value)
		if err != nil {
			logger.Warn("dropping undecodable registry row", "pid", kv.Key, "error", err)
			invalid = append(invalid, kv.Key)
			continue
		}
		entries = append(entries, RegistryEntry{PID: int(pid64), Key: kv.Key, Record: rec})
	}

	if len(invalid) > 0 {
		if err := r.removeKeys(invalid); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// SweepStale retires entries whose process or manager is gone or whose age
// exceeds the maximum. Decisions are made over a point-in-time snapshot and
// all removals happen in one batched pass afterwards; the map is never
// mutated while enumerating. Reason priority per row:
//
//  1. ProcessExited — the pid is not alive (or was recycled). Nothing else
//     is evaluated.
//  2. ManagerMissing — the registering process died; terminate the child
//     first, then mark.
//  3. Timeout — the record outlived the maximum age; terminate, then mark.
//
// Rows already completed_unread are awaiting acknowledgment; their child and
// manager are expected dead, so only the age bound applies to them and their
// pid is never signaled.
func (r *TaskRegistry) SweepStale(now time.Time, live Liveness, terminate func(pid int)) ([]CleanupEvent, error) {
	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}

	var removals []string
	var events []CleanupEvent
	for _, entry := range entries {
		reason, matched := sweepReason(entry, now, live)
		if !matched {
			continue
		}
		// A completed row's child exited long ago; by now its pid may belong
		// to an unrelated process, so it must not be signaled.
		if reason != CleanupProcessExited && entry.Record.Status != StatusCompletedUnread {
			logger.Debug("terminating stale child", "pid", entry.PID, "reason", reason.Tag())
			terminate(entry.PID)
		}
		rec := entry.Record
		if rec.CleanupReason == "" {
			rec.CleanupReason = reason.Tag()
		}
		removals = append(removals, entry.Key)
		events = append(events, CleanupEvent{PID: entry.PID, Record: rec, Reason: reason})
	}

	if len(removals) > 0 {
		if err := r.removeKeys(removals); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func sweepReason(entry RegistryEntry, now time.Time, live Liveness) (CleanupReason, bool) {
	rec := entry.Record
	expired := now.Sub(rec.StartedAt) > config.MaxRecordAge

	if rec.Status == StatusCompletedUnread {
		return CleanupTimeout, expired
	}

	if !live.Alive(entry.PID) {
		return CleanupProcessExited, true
	}
	if live.StartTime != nil {
		if st, ok := live.StartTime(entry.PID); ok && st.After(rec.StartedAt.Add(pidReuseSlack)) {
			return CleanupProcessExited, true
		}
	}
	if mgr := rec.ManagerPID; mgr != nil && *mgr != entry.PID && !live.Alive(*mgr) {
		return CleanupManagerMissing, true
	}
	return CleanupTimeout, expired
}

// MarkCompleted transitions pid's record running → completed_unread, stamping
// completion time and exit code (and an optional free-text result) for a
// later wait consumer to pick up.
func (r *TaskRegistry) MarkCompleted(pid int, exitCode int, result string, now time.Time) error {
	key := strconv.Itoa(pid)
	return r.view(func(t *shmem.Table) error {
		value, ok := t.Get(key)
		if !ok {
			return fmt.Errorf("mark completed pid %d: %w", pid, shmem.ErrKeyAbsent)
		}
		rec, err := decodeRecord(value)
		if err != nil {
			return fmt.Errorf("pid %d: %w", pid, err)
		}
		rec.Status = StatusCompletedUnread
		rec.CompletedAt = &now
		rec.ExitCode = &exitCode
		if result != "" {
			rec.Result = result
		}
		encoded, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return t.Replace(key, encoded)
	})
}

// CompletedUnread lists entries whose task finished but has not been
// acknowledged by a wait consumer yet.
func (r *TaskRegistry) CompletedUnread() ([]RegistryEntry, error) {
	entries, err := r.Entries()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Record.Status == StatusCompletedUnread {
			out = append(out, e)
		}
	}
	return out, nil
}

// RemoveByPID acknowledges and deletes one entry on behalf of a consumer.
func (r *TaskRegistry) RemoveByPID(pid int) (*TaskRecord, error) {
	return r.Remove(pid)
}

func (r *TaskRegistry) removeKeys(keys []string) error {
	return r.view(func(t *shmem.Table) error {
		for _, key := range keys {
			t.Delete(key)
		}
		return nil
	})
}
