// Package run tracks individual job executions through their lifecycle:
// queued, running, and a terminal outcome. Runs may fan out into subtask
// runs whose results roll up into the parent's counters and status.
package run

import (
	"fmt"
	"time"

	"github.com/teranos/tempo/errors"
)

// Run is one execution instance of a job.
//
// Args is the argument snapshot resolved at creation time; it never changes
// afterward. Counter fields are written only by the aggregation path.
type Run struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	ParentRunID *string        `json:"parent_run_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Status      Status         `json:"status"`
	Title       string         `json:"title"`
	Message     string         `json:"message,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Queue       string         `json:"queue,omitempty"`
	StartedBy   string         `json:"started_by,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`

	TotalSubtasks     int `json:"total_subtasks"`
	CompletedSubtasks int `json:"completed_subtasks"`
	FailedSubtasks    int `json:"failed_subtasks"`
	TotalEntries      int `json:"total_entries"`
	ErroredEntries    int `json:"errored_entries"`
	InsertedEntries   int `json:"inserted_entries"`
	UpdatedEntries    int `json:"updated_entries"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsSubtask reports whether the run is a child of another run.
func (r *Run) IsSubtask() bool {
	return r.ParentRunID != nil
}

// NotFoundError indicates a run ID that does not resolve.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run with ID %s does not exist", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == errors.ErrNotFound
}

// StatusChangeError reports an illegal status transition attempt. It always
// carries both the current and the attempted status.
type StatusChangeError struct {
	RunID string
	From  Status
	To    Status
}

func (e *StatusChangeError) Error() string {
	return fmt.Sprintf("run %s cannot transition from %s to %s", e.RunID, e.From, e.To)
}

func (e *StatusChangeError) Is(target error) bool {
	return target == errors.ErrConflict
}

// progressMessage renders the parent run's rollup message. Regenerated in
// full on every aggregation update so the text always matches the counters.
func progressMessage(completed, total, failed, erroredEntries, totalEntries int) string {
	msg := fmt.Sprintf("%d/%d subtasks completed", completed, total)
	if failed > 0 {
		msg += fmt.Sprintf("; %d subtasks with errors", failed)
	}
	if totalEntries > 0 && erroredEntries > 0 {
		msg += fmt.Sprintf("; %d/%d entries errored", erroredEntries, totalEntries)
	}
	return msg
}

// MergeArgs deep-merges override values into a base argument map without
// mutating either input. Nested maps merge recursively; anything else in
// overrides replaces the base value.
func MergeArgs(base, overrides map[string]any) map[string]any {
	if base == nil && overrides == nil {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := merged[k].(map[string]any); ok {
				merged[k] = MergeArgs(bv, ov)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}
