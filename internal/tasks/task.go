// Package tasks implements the task queue & supervisor (C10): a
// single-worker FIFO queue per task kind, cooperative cancellation, and
// child-process execution with log streaming and orphan cleanup. Grounded
// on ashureev-shsh-labs's internal/container.Manager (create/start/wait/
// stop/force-remove against a long-lived external process, idempotent
// stop, context-cancellation handling), adapted from the Docker API to
// os/exec since the supervised unit here is a plain subprocess rather than
// a container.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state (spec.md §4.10/§3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Kind distinguishes the two job types C11 enqueues.
type Kind string

const (
	KindRegister Kind = "register"
	KindRefresh  Kind = "refresh"
)

const (
	maxResults       = 200
	maxLogs          = 120
	retainedFinished = 10
)

// LogLine is one compacted stderr log line from the child process.
type LogLine struct {
	Level   string `json:"level"` // info | warning | error
	Message string `json:"message"`
	At      time.Time `json:"at"`
}

// Result is a compacted per-account outcome, capped to ~six well-known
// keys to bound memory (spec.md §3).
type Result struct {
	AccountID string `json:"account_id"`
	Success   bool   `json:"success"`
	ConfigID  string `json:"config_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Task is one queued or completed job.
type Task struct {
	ID     string `json:"task_id"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	Progress    int `json:"progress"`
	SuccessCount int `json:"success_count"`
	FailCount    int `json:"fail_count"`

	Results []Result  `json:"results"`
	Logs    []LogLine `json:"logs"`

	Error string `json:"error,omitempty"`

	CancelRequested bool   `json:"cancel_requested"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Accounts is the input account-id list this task processes
	// (register: target count, refresh: accounts due for renewal).
	Accounts []string `json:"accounts,omitempty"`
}

func newTask(kind Kind, accounts []string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		Accounts:  accounts,
		CreatedAt: time.Now(),
	}
}

func (t *Task) appendLog(level, msg string) {
	t.Logs = append(t.Logs, LogLine{Level: level, Message: msg, At: time.Now()})
	if len(t.Logs) > maxLogs {
		t.Logs = t.Logs[len(t.Logs)-maxLogs:]
	}
}

func (t *Task) appendResult(r Result) {
	t.Results = append(t.Results, r)
	if len(t.Results) > maxResults {
		t.Results = t.Results[len(t.Results)-maxResults:]
	}
	if r.Success {
		t.SuccessCount++
	} else {
		t.FailCount++
	}
}
