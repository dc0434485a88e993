package joblog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/tempo/dispatch"
	"github.com/teranos/tempo/logger"
)

// Recorder appends log entries for one run, stamping each with the run's
// dispatch context and a monotonically increasing sequence number. Safe for
// concurrent use. Append failures are logged and swallowed: losing a log
// line must never fail the work that emitted it.
type Recorder struct {
	store Store
	runID string
	tc    dispatch.TaskContext
	log   *zap.SugaredLogger

	mu  sync.Mutex
	seq int
}

// NewRecorder creates a recorder for a run's dispatch context.
func NewRecorder(store Store, runID string, tc dispatch.TaskContext) *Recorder {
	return &Recorder{
		store: store,
		runID: runID,
		tc:    tc,
		log:   logger.Named("joblog.recorder"),
		seq:   tc.Seq,
	}
}

// RunID returns the run this recorder writes for. Task functions use it to
// address their own run when requesting subtasks or reporting counters.
func (r *Recorder) RunID() string {
	return r.runID
}

// Child creates a recorder for a subtask dispatched from this one; entries
// keep the same root task ID so the whole tree stays correlated.
func (r *Recorder) Child(taskID string) *Recorder {
	return NewRecorder(r.store, r.runID, r.tc.Child(taskID))
}

func (r *Recorder) Debug(ctx context.Context, message string, metadata map[string]any) {
	r.append(ctx, LevelDebug, message, metadata)
}

func (r *Recorder) Info(ctx context.Context, message string, metadata map[string]any) {
	r.append(ctx, LevelInfo, message, metadata)
}

func (r *Recorder) Warn(ctx context.Context, message string, metadata map[string]any) {
	r.append(ctx, LevelWarn, message, metadata)
}

func (r *Recorder) Error(ctx context.Context, message string, metadata map[string]any) {
	r.append(ctx, LevelError, message, metadata)
}

func (r *Recorder) append(ctx context.Context, level, message string, metadata map[string]any) {
	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	e := &Entry{
		RunID:        r.runID,
		TaskID:       r.tc.TaskID,
		ParentTaskID: r.tc.ParentTaskID,
		RootTaskID:   r.tc.RootTaskID,
		Seq:          seq,
		Level:        level,
		Message:      message,
		Metadata:     metadata,
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.log.Warnw("Failed to append run log entry",
			"run_id", r.runID, "task_id", r.tc.TaskID, "error", err)
	}
}
