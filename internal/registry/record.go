package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle phase of a tracked task. The only legal
// transition is running → completed_unread; a record never moves back.
type TaskStatus string

const (
	StatusRunning         TaskStatus = "running"
	StatusCompletedUnread TaskStatus = "completed_unread"
)

// TaskRecord is the serialized metadata describing one supervised child. It is
// stored as one JSON value per registry entry, so readers always observe a
// whole record or none.
type TaskRecord struct {
	StartedAt     time.Time  `json:"started_at"`
	LogID         string     `json:"log_id"`
	LogPath       string     `json:"log_path"`
	ManagerPID    *int       `json:"manager_pid,omitempty"`
	CleanupReason string     `json:"cleanup_reason,omitempty"`
	Status        TaskStatus `json:"status,omitempty"`
	Result        string     `json:"result,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
}

func encodeRecord(rec TaskRecord) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode task record: %w", err)
	}
	return string(b), nil
}

func decodeRecord(text string) (TaskRecord, error) {
	var rec TaskRecord
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return TaskRecord{}, fmt.Errorf("decode task record: %w", err)
	}
	if rec.Status == "" {
		// Records written before the status field existed are running tasks.
		rec.Status = StatusRunning
	}
	return rec, nil
}

// CleanupReason tags why a stale sweep retired an entry.
type CleanupReason int

const (
	CleanupProcessExited CleanupReason = iota
	CleanupManagerMissing
	CleanupTimeout
)

// Tag is the wire spelling persisted into the record's cleanup_reason field.
func (r CleanupReason) Tag() string {
	switch r {
	case CleanupProcessExited:
		return "process_exited"
	case CleanupManagerMissing:
		return "manager_missing"
	case CleanupTimeout:
		return "timeout_cleanup"
	}
	return "unknown"
}

func (r CleanupReason) String() string { return r.Tag() }
