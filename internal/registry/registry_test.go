package registry

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/loykin/warden/internal/shmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegionSize = 256 * 1024

func newTestRegistry(t *testing.T) *TaskRegistry {
	t.Helper()
	ns := fmt.Sprintf("warden-registry-test-%d-%d", os.Getpid(), time.Now().UnixNano())
	r, err := connect(ns, testRegionSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		if path := shmem.BackingPath(ns); path != "" {
			_ = os.Remove(path)
		}
	})
	return r
}

func runningRecord(start time.Time, managerPID *int) TaskRecord {
	return TaskRecord{
		StartedAt:  start,
		LogID:      "log-id",
		LogPath:    "/tmp/log-id.txt",
		ManagerPID: managerPID,
		Status:     StatusRunning,
	}
}

func pidPtr(p int) *int { return &p }

// livenessFrom is a liveness fake without a start-time probe.
func livenessFrom(alive map[int]bool) Liveness {
	return Liveness{Alive: func(pid int) bool { return alive[pid] }}
}

func TestRegisterRemoveEntries(t *testing.T) {
	r := newTestRegistry(t)
	start := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, r.Register(100, runningRecord(start, pidPtr(1))))

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 100, entries[0].PID)
	assert.Equal(t, "100", entries[0].Key)
	assert.True(t, entries[0].Record.StartedAt.Equal(start))
	assert.Equal(t, StatusRunning, entries[0].Record.Status)

	removed, err := r.Remove(100)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "log-id", removed.LogID)

	entries, err = r.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Removing an absent pid is not an error.
	removed, err = r.Remove(100)
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestRegisterTwiceFailsAndKeepsFirstRecord(t *testing.T) {
	r := newTestRegistry(t)
	start := time.Now().UTC()

	first := runningRecord(start, nil)
	first.LogID = "first"
	require.NoError(t, r.Register(42, first))

	second := runningRecord(start, nil)
	second.LogID = "second"
	err := r.Register(42, second)
	require.ErrorIs(t, err, ErrTaskExists)

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "first", entries[0].Record.LogID)
}

func TestRecordRoundTripPreservesOptionalAbsence(t *testing.T) {
	r := newTestRegistry(t)
	rec := runningRecord(time.Now().UTC(), nil)

	require.NoError(t, r.Register(7, rec))
	got, err := r.Remove(7)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Nil(t, got.ManagerPID)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ExitCode)
	assert.Empty(t, got.CleanupReason)
	assert.Empty(t, got.Result)
}

func TestEntriesSelfHealsCorruptRows(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(11, runningRecord(time.Now().UTC(), nil)))

	// Inject a non-numeric key and an undecodable value straight into the
	// shared map, as a buggy or foreign writer would.
	require.NoError(t, r.region.View(func(tb *shmem.Table) error {
		if err := tb.TryInsert("abc", "{}"); err != nil {
			return err
		}
		return tb.TryInsert("12", "not-json")
	}))

	entries, err := r.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 11, entries[0].PID)

	// The corrupt rows are gone after the healing read.
	_ = r.region.View(func(tb *shmem.Table) error {
		assert.Equal(t, 1, tb.Len())
		return nil
	})
}

func TestSweepProcessExitedWinsOverEverything(t *testing.T) {
	r := newTestRegistry(t)
	// Dead process, dead manager, expired age: exactly one event, ProcessExited.
	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, r.Register(4242, runningRecord(old, pidPtr(4243))))

	var terminated []int
	events, err := r.SweepStale(time.Now().UTC(), livenessFrom(map[int]bool{}),
		func(pid int) { terminated = append(terminated, pid) })
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 4242, events[0].PID)
	assert.Equal(t, CleanupProcessExited, events[0].Reason)
	assert.Equal(t, "process_exited", events[0].Record.CleanupReason)
	assert.Empty(t, terminated, "exited processes must not be terminated")

	entries, err := r.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepManagerMissingTerminatesChild(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(10, runningRecord(time.Now().UTC(), pidPtr(11))))

	var terminated []int
	events, err := r.SweepStale(time.Now().UTC(),
		livenessFrom(map[int]bool{10: true, 11: false}),
		func(pid int) { terminated = append(terminated, pid) })
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, CleanupManagerMissing, events[0].Reason)
	assert.Equal(t, []int{10}, terminated)
}

func TestSweepSelfManagedRowNeverManagerMissing(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(20, runningRecord(time.Now().UTC(), pidPtr(20))))

	events, err := r.SweepStale(time.Now().UTC(),
		livenessFrom(map[int]bool{20: true}), func(int) {})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSweepTimeout(t *testing.T) {
	r := newTestRegistry(t)
	old := time.Now().UTC().Add(-13 * time.Hour)
	require.NoError(t, r.Register(30, runningRecord(old, pidPtr(31))))

	var terminated []int
	events, err := r.SweepStale(time.Now().UTC(),
		livenessFrom(map[int]bool{30: true, 31: true}),
		func(pid int) { terminated = append(terminated, pid) })
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, CleanupTimeout, events[0].Reason)
	assert.Equal(t, "timeout_cleanup", events[0].Record.CleanupReason)
	assert.Equal(t, []int{30}, terminated)
}

func TestSweepIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(40, runningRecord(time.Now().UTC(), nil)))
	require.NoError(t, r.Register(41, runningRecord(time.Now().UTC().Add(-24*time.Hour), nil)))

	live := livenessFrom(map[int]bool{40: true, 41: true})
	events, err := r.SweepStale(time.Now().UTC(), live, func(int) {})
	require.NoError(t, err)
	require.Len(t, events, 1)

	again, err := r.SweepStale(time.Now().UTC(), live, func(int) {})
	require.NoError(t, err)
	assert.Empty(t, again, "second sweep with unchanged state must be quiet")
}

func TestSweepDetectsRecycledPid(t *testing.T) {
	r := newTestRegistry(t)
	start := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, r.Register(50, runningRecord(start, nil)))

	// Alive, but the process behind the pid started well after the record.
	live := Liveness{
		Alive:     func(int) bool { return true },
		StartTime: func(int) (time.Time, bool) { return start.Add(30 * time.Minute), true },
	}
	events, err := r.SweepStale(time.Now().UTC(), live, func(int) {})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, CleanupProcessExited, events[0].Reason)
}

func TestMarkCompletedAndConsumerFlow(t *testing.T) {
	r := newTestRegistry(t)
	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, r.Register(60, runningRecord(start, pidPtr(61))))

	done := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.MarkCompleted(60, 3, "wrote 12 files", done))

	unread, err := r.CompletedUnread()
	require.NoError(t, err)
	require.Len(t, unread, 1)
	rec := unread[0].Record
	assert.Equal(t, StatusCompletedUnread, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 3, *rec.ExitCode)
	require.NotNil(t, rec.CompletedAt)
	assert.True(t, rec.CompletedAt.Equal(done))
	assert.Equal(t, "wrote 12 files", rec.Result)

	// Completed rows are exempt from liveness sweeping: child and manager are
	// expected dead while the row waits for acknowledgment.
	events, err := r.SweepStale(time.Now().UTC(), livenessFrom(map[int]bool{}), func(int) {})
	require.NoError(t, err)
	assert.Empty(t, events)

	// Consumer acknowledgment removes the row.
	acked, err := r.RemoveByPID(60)
	require.NoError(t, err)
	require.NotNil(t, acked)
	entries, err := r.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepExpiredCompletedRowNeverSignalsItsPid(t *testing.T) {
	r := newTestRegistry(t)
	old := time.Now().UTC().Add(-13 * time.Hour)
	require.NoError(t, r.Register(70, runningRecord(old, pidPtr(71))))
	require.NoError(t, r.MarkCompleted(70, 0, "", old.Add(time.Minute)))

	// The pid reads as alive because an unrelated process inherited it after
	// the completed child exited.
	var terminated []int
	events, err := r.SweepStale(time.Now().UTC(),
		livenessFrom(map[int]bool{70: true}),
		func(pid int) { terminated = append(terminated, pid) })
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, CleanupTimeout, events[0].Reason)
	assert.Empty(t, terminated, "an expired completed row must be retired without signaling")

	entries, err := r.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMarkCompletedMissingPid(t *testing.T) {
	r := newTestRegistry(t)
	err := r.MarkCompleted(999, 0, "", time.Now().UTC())
	require.Error(t, err)
}
