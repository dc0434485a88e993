// Package worker is the in-process execution runtime. A pool polls the run
// store for queued work, drives each run through its state machine while a
// registered task function executes, and observes cancellation requests
// cooperatively. It doubles as the dispatch boundary: Dispatch validates a
// task against the function table the same way a broker would validate a
// routing key.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/tempo/auth"
	"github.com/teranos/tempo/dispatch"
	"github.com/teranos/tempo/joblog"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/run"
)

// TaskFunc executes one run's work. rec captures per-run log output and
// names the run via rec.RunID(); ctx is cancelled when the run is stopped.
// The returned count is the number of entries that errored during otherwise
// successful work: a nil error with a positive count finalizes the run as
// WARNING, a non-nil error marks it FAILED with the error text as its
// message.
type TaskFunc func(ctx context.Context, rec *joblog.Recorder, args map[string]any) (int, error)

// Config tunes the worker pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
}

// DefaultConfig returns pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 500 * time.Millisecond,
	}
}

// Pool executes queued runs with bounded concurrency.
type Pool struct {
	runs    *run.Service
	store   *run.Store
	logs    joblog.Store
	workers int64
	poll    time.Duration
	log     *zap.SugaredLogger

	mu    sync.RWMutex
	tasks map[string]TaskFunc

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. The pool mutates runs as the system
// identity through the run service, keeping the state machine the only
// write path.
func NewPool(runs *run.Service, store *run.Store, logs joblog.Store, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		runs:    runs,
		store:   store,
		logs:    logs,
		workers: int64(cfg.Workers),
		poll:    cfg.PollInterval,
		log:     logger.Named("worker"),
		tasks:   make(map[string]TaskFunc),
		cancels: make(map[string]context.CancelFunc),
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterTask binds a task identifier to its implementation. Duplicate
// registration is rejected.
func (p *Pool) RegisterTask(task string, fn TaskFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tasks[task]; exists {
		return fmt.Errorf("task %q already registered", task)
	}
	p.tasks[task] = fn
	return nil
}

// Dispatch implements the execution runtime boundary. An unregistered task
// is rejected the way a broker rejects an unknown routing key; the actual
// pickup happens asynchronously from the poll loop.
func (p *Pool) Dispatch(_ context.Context, task string, _ map[string]any, _, correlationID string) (string, error) {
	p.mu.RLock()
	_, ok := p.tasks[task]
	p.mu.RUnlock()
	if !ok {
		return "", &dispatch.Error{Task: task, Reason: "no such task registered"}
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return correlationID, nil
}

// Start launches the poll loop.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.loop()
	p.log.Infow("Worker pool started", "workers", p.workers, "poll_interval", p.poll)
}

// Stop halts polling, cancels in-flight task contexts and waits for
// workers to wind down.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Infow("Worker pool stopped")
}

func (p *Pool) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll1(p.ctx); err != nil {
				p.log.Warnw("Worker poll error", "error", err)
			}
		}
	}
}

// poll1 runs one poll pass: acknowledge stop requests, then pick up queued
// runs while worker slots are free.
func (p *Pool) poll1(ctx context.Context) error {
	if err := p.ackCancellations(ctx); err != nil {
		return err
	}

	queued, err := p.store.ListByStatus(ctx, run.StatusQueued, int(p.workers))
	if err != nil {
		return err
	}
	for _, r := range queued {
		if r.IsSubtask() {
			// Subtasks are driven by their parent's task, not the pool.
			continue
		}
		if !p.sem.TryAcquire(1) {
			break
		}

		p.wg.Add(1)
		go func(r *run.Run) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.execute(ctx, r)
		}(r)
	}
	return nil
}

// ackCancellations finalizes runs whose stop request this pool is
// responsible for observing.
func (p *Pool) ackCancellations(ctx context.Context) error {
	cancelling, err := p.store.ListByStatus(ctx, run.StatusCancelling, int(p.workers))
	if err != nil {
		return err
	}
	for _, r := range cancelling {
		p.cancelMu.Lock()
		cancel, mine := p.cancels[r.ID]
		p.cancelMu.Unlock()
		if mine {
			// Our worker holds the run; cancelling its context makes the
			// task return and the executor acknowledge.
			cancel()
			continue
		}
		// Nobody is executing it (e.g. the process restarted mid-run).
		if err := p.runs.AckCancelled(ctx, auth.System, r.ID); err != nil {
			p.log.Warnw("Failed to acknowledge cancellation", "run_id", r.ID, "error", err)
		}
	}
	return nil
}

// execute drives one run from QUEUED to a terminal status.
func (p *Pool) execute(ctx context.Context, r *run.Run) {
	// The run snapshot predates pickup; re-read and resolve the task from
	// the job at execution time.
	current, err := p.store.Get(ctx, r.ID)
	if err != nil {
		p.log.Warnw("Run vanished before pickup", "run_id", r.ID, "error", err)
		return
	}

	j, err := p.runs.JobForRun(ctx, current)
	if err != nil {
		p.log.Warnw("Failed to resolve run's job", "run_id", r.ID, "error", err)
		return
	}
	task := j.Task

	p.mu.RLock()
	fn := p.tasks[task]
	p.mu.RUnlock()
	if fn == nil {
		p.log.Warnw("Run references an unregistered task, leaving queued",
			"run_id", r.ID, "task", task)
		return
	}

	taskID := current.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	if err := p.runs.StartProcessing(ctx, auth.System, r.ID, taskID); err != nil {
		// A sibling worker won the CAS or the run was cancelled; both fine.
		p.log.Debugw("Run no longer startable", "run_id", r.ID, "error", err)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	p.cancelMu.Lock()
	p.cancels[r.ID] = cancelRun
	p.cancelMu.Unlock()
	defer func() {
		cancelRun()
		p.cancelMu.Lock()
		delete(p.cancels, r.ID)
		p.cancelMu.Unlock()
	}()

	rec := joblog.NewRecorder(p.logs, r.ID, dispatch.TaskContext{
		TaskID:     taskID,
		RootTaskID: taskID,
	})

	p.log.Infow("Executing run", "run_id", r.ID, "task", task)
	errored, taskErr := fn(runCtx, rec, current.Args)

	p.finish(ctx, r.ID, runCtx, errored, taskErr)
}

// finish closes out the run after its task function returns.
func (p *Pool) finish(ctx context.Context, runID string, runCtx context.Context, errored int, taskErr error) {
	// Pool shutdown: leave the run as it stands rather than recording a
	// spurious failure.
	if ctx.Err() != nil {
		return
	}
	// Stopped mid-flight: acknowledge the cancellation instead of
	// finalizing.
	if runCtx.Err() != nil {
		if err := p.runs.AckCancelled(ctx, auth.System, runID); err != nil {
			p.log.Warnw("Failed to acknowledge cancellation", "run_id", runID, "error", err)
		}
		return
	}

	current, err := p.store.Get(ctx, runID)
	if err != nil {
		p.log.Warnw("Failed to reload run for finalization", "run_id", runID, "error", err)
		return
	}
	if current.TotalSubtasks > 0 {
		// Aggregation owns the terminal state.
		return
	}

	message := ""
	success := taskErr == nil
	if taskErr != nil {
		message = taskErr.Error()
	}
	if err := p.runs.Finalize(ctx, auth.System, runID, success, errored, message); err != nil {
		p.log.Warnw("Failed to finalize run", "run_id", runID, "error", err)
	}
}
