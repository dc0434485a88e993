// Package dispatch defines the boundary to the task execution runtime.
//
// The engine creates and tracks runs; actually executing the task belongs to
// a runtime behind the Dispatcher interface. The default in-process runtime
// lives in the worker package; a broker-backed runtime can be swapped in
// without touching the engine.
package dispatch

import (
	"context"
	"fmt"
)

// TaskContext is carried explicitly through every task call boundary.
// There is no implicit per-task global state: anything a task (or a log
// entry it emits) needs to identify itself travels in this struct.
type TaskContext struct {
	TaskID       string `json:"task_id"`
	ParentTaskID string `json:"parent_task_id,omitempty"`
	RootTaskID   string `json:"root_task_id"`
	Seq          int    `json:"seq"`
}

// Child derives the context for a sub-invocation, advancing the sequence
// counter and keeping the root stable.
func (c TaskContext) Child(taskID string) TaskContext {
	root := c.RootTaskID
	if root == "" {
		root = c.TaskID
	}
	return TaskContext{
		TaskID:       taskID,
		ParentTaskID: c.TaskID,
		RootTaskID:   root,
		Seq:          c.Seq + 1,
	}
}

// Dispatcher sends a task to the execution runtime.
// The correlation ID ties the dispatched execution back to its run record;
// the returned handle is recorded on the run.
type Dispatcher interface {
	Dispatch(ctx context.Context, task string, args map[string]any, queue, correlationID string) (string, error)
}

// Error indicates the execution runtime rejected a task.
type Error struct {
	Task   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch of task %q rejected: %s", e.Task, e.Reason)
}
