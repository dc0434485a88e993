// Package joblog stores and serves the log output runs emit while they
// execute. The store is append-only and can grow without bound, so all
// reads go through a bounded reader that caps result size and surfaces
// truncation as a warning rather than an error.
package joblog

import (
	"time"
)

// Log levels recorded for run log entries.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARNING"
	LevelError = "ERROR"
)

// Entry is one log line emitted during a run's execution. TaskID,
// ParentTaskID and RootTaskID tie the line back into the dispatch tree so
// subtask output can be correlated with its parent.
type Entry struct {
	ID           int64          `json:"id"`
	RunID        string         `json:"run_id"`
	TaskID       string         `json:"task_id,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	RootTaskID   string         `json:"root_task_id,omitempty"`
	Seq          int            `json:"seq"`
	Timestamp    time.Time      `json:"timestamp"`
	Level        string         `json:"level"`
	Message      string         `json:"message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Query filters log retrieval. RunID is required; the rest narrow further.
type Query struct {
	RunID  string
	TaskID string
	Level  string
}
