package models

import (
	"context"
	"time"
)

// TaskStatus tracks the pending → running → {completed|failed|stopped}
// state machine. Terminal states are never overwritten.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskStopped   TaskStatus = "stopped"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskStopped
}

// LogEntry is one structured line extracted from raw agent output.
type LogEntry struct {
	Type string `json:"type" bson:"type"`
	Icon string `json:"icon" bson:"icon"`
	Text string `json:"text" bson:"text"`
}

// Task is one instructed automation run inside a session. Tasks are
// appended to their session and kept until the session is deleted.
type Task struct {
	ID              string     `json:"id"`
	Instructions    string     `json:"instructions"`
	BrowserVisible  bool       `json:"browser_visible"`
	CaptureInterval float64    `json:"capture_interval"`
	Provider        string     `json:"api_provider"`
	Model           string     `json:"api_model"`
	APIKey          string     `json:"-"`
	UseDefaultKey   bool       `json:"use_default_key"`
	Status          TaskStatus `json:"status"`
	Result          string     `json:"result,omitempty"`
	RawOutput       string     `json:"raw_output,omitempty"`
	StructuredLogs  []LogEntry `json:"structured_logs,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	// Cancel aborts the in-flight agent run when the task is stopped.
	// Set by the executor while the task is running.
	Cancel context.CancelFunc `json:"-"`
}

// CreateTaskRequest is the payload for POST /api/sessions/{id}/tasks.
type CreateTaskRequest struct {
	Instructions    string  `json:"instructions"`
	BrowserVisible  *bool   `json:"browser_visible,omitempty"`
	CaptureInterval float64 `json:"capture_interval,omitempty"`
	Provider        string  `json:"api_provider,omitempty"`
	Model           string  `json:"api_model,omitempty"`
	APIKey          string  `json:"api_key,omitempty"`
	UseDefaultKey   *bool   `json:"use_default_key,omitempty"`
}

// Defaults fills unset fields the way the API documents them.
func (r *CreateTaskRequest) Defaults() {
	if r.BrowserVisible == nil {
		v := true
		r.BrowserVisible = &v
	}
	if r.CaptureInterval <= 0 {
		r.CaptureInterval = 1.0
	}
	if r.Provider == "" {
		r.Provider = "anthropic"
	}
	if r.Model == "" {
		r.Model = "claude-3-5-sonnet-20240620"
	}
	if r.UseDefaultKey == nil {
		v := true
		r.UseDefaultKey = &v
	}
}

// CreateTaskResponse is returned from POST /api/sessions/{id}/tasks.
type CreateTaskResponse struct {
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
}
