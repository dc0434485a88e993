// Package scheduler drives periodic reconciliation: it loads active jobs,
// decides which are due, materializes QUEUED runs and hands them to the
// execution runtime. One logical timer drives the whole loop.
package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tempo/dispatch"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/registry"
	"github.com/teranos/tempo/run"
	"github.com/teranos/tempo/schedule"
)

// Config tunes the reconciliation loop.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{Interval: 1 * time.Second}
}

// Ticker is the reconciliation driver. Each tick evaluates every active
// job's schedule against its last fire time, creating and dispatching at
// most one run per due occurrence.
type Ticker struct {
	db         *sql.DB
	jobs       *job.Store
	runs       *run.Store
	registry   *registry.Registry
	dispatcher dispatch.Dispatcher
	interval   time.Duration
	log        *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	lastTickAt time.Time
	tickCount  int64
}

// NewTicker creates a scheduler ticker.
func NewTicker(db *sql.DB, jobs *job.Store, runs *run.Store, reg *registry.Registry, dispatcher dispatch.Dispatcher, cfg Config) *Ticker {
	return NewTickerWithContext(context.Background(), db, jobs, runs, reg, dispatcher, cfg)
}

// NewTickerWithContext creates a ticker bound to a parent context.
func NewTickerWithContext(ctx context.Context, db *sql.DB, jobs *job.Store, runs *run.Store, reg *registry.Registry, dispatcher dispatch.Dispatcher, cfg Config) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)
	return &Ticker{
		db:         db,
		jobs:       jobs,
		runs:       runs,
		registry:   reg,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		log:        logger.Named("scheduler"),
		ctx:        tickerCtx,
		cancel:     cancel,
	}
}

// Start begins the reconciliation loop.
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.log.Infow("Scheduler started", "interval", t.interval)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.log.Infow("Scheduler stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.tickCount++
			t.mu.Unlock()

			if err := t.Tick(t.ctx, tickTime); err != nil {
				t.log.Warnw("Scheduler tick error", "error", err)
			}
		}
	}
}

// Tick runs one reconciliation pass at the given time. Exported so callers
// can drive the loop manually (tests, a run-once CLI mode).
func (t *Ticker) Tick(ctx context.Context, now time.Time) error {
	jobs, err := t.jobs.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load active jobs")
	}

	for _, j := range jobs {
		if j.Schedule == nil {
			// Manual-trigger only.
			continue
		}
		if err := t.reconcileJob(ctx, j, now); err != nil {
			t.log.Warnw("Failed to reconcile job",
				"job_id", j.ID, "title", j.Title, "error", err)
		}
	}
	return nil
}

// reconcileJob fires the job if it is due. Errors from a single job never
// stop the tick; the loop continues with the remaining jobs.
func (t *Ticker) reconcileJob(ctx context.Context, j *job.Job, now time.Time) error {
	due, err := j.Schedule.NextDue(j.LastFiredAt, now)
	if err != nil {
		var cerr *schedule.ConfigurationError
		if errors.As(err, &cerr) {
			t.log.Warnw("Job has an unschedulable spec, skipping",
				"job_id", j.ID, "reason", cerr.Reason)
			return nil
		}
		return err
	}
	if due.After(now) {
		return nil
	}
	return t.fire(ctx, j, now)
}

// fire creates the run and records the fire time in one transaction, so a
// due occurrence produces exactly one run even if a tick is interrupted,
// then dispatches it. A dispatch failure leaves the QUEUED run in place
// with the failure recorded on its message for operator follow-up.
func (t *Ticker) fire(ctx context.Context, j *job.Job, now time.Time) error {
	args := run.MergeArgs(j.DefaultArgs, t.registry.DefaultArgs(j, j.LastFiredAt))

	r := &run.Run{
		JobID:     j.ID,
		Status:    run.StatusQueued,
		Title:     j.Title,
		Queue:     j.DefaultQueue,
		Args:      args,
		StartedBy: "system",
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin fire transaction")
	}
	defer tx.Rollback()

	if err := t.runs.CreateTx(ctx, tx, r); err != nil {
		return err
	}
	if err := t.jobs.SetLastFiredTx(ctx, tx, j.ID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit fire transaction")
	}

	t.log.Infow("Job fired", "job_id", j.ID, "run_id", r.ID, "title", j.Title)

	if t.dispatcher == nil {
		return nil
	}

	correlationID := uuid.New().String()
	handle, err := t.dispatcher.Dispatch(ctx, j.Task, args, r.Queue, correlationID)
	if err != nil {
		t.log.Errorw("Dispatch failed, run left queued",
			"job_id", j.ID, "run_id", r.ID, "task", j.Task, "error", err)
		if msgErr := t.runs.SetMessage(ctx, r.ID, "dispatch failed: "+err.Error()); msgErr != nil {
			t.log.Warnw("Failed to record dispatch failure on run",
				"run_id", r.ID, "error", msgErr)
		}
		return nil
	}
	if err := t.runs.SetTaskID(ctx, r.ID, handle); err != nil {
		return errors.Wrap(err, "failed to record dispatch handle")
	}
	return nil
}

// Stats reports loop liveness for status surfaces.
func (t *Ticker) Stats() (lastTickAt time.Time, tickCount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt, t.tickCount
}
