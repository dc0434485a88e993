package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/auth"
	"github.com/teranos/tempo/dispatch"
	"github.com/teranos/tempo/errors"
	tempotest "github.com/teranos/tempo/internal/testing"
	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/joblog"
	"github.com/teranos/tempo/run"
)

type fixture struct {
	db    *sql.DB
	jobs  *job.Store
	store *run.Store
	runs  *run.Service
	logs  *joblog.SQLStore
	pool  *Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := tempotest.CreateTestDB(t)
	jobs := job.NewStore(db)
	store := run.NewStore(db)
	runs := run.NewService(store, jobs, nil, nil)
	logs := joblog.NewSQLStore(db)
	pool := NewPool(runs, store, logs, Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	return &fixture{db: db, jobs: jobs, store: store, runs: runs, logs: logs, pool: pool}
}

func (f *fixture) createJob(t *testing.T, task string) *job.Job {
	t.Helper()
	j := &job.Job{Title: "Worker test", Task: task, Active: true}
	require.NoError(t, f.jobs.Create(context.Background(), j))
	return j
}

func (f *fixture) queueRun(t *testing.T, jobID string) *run.Run {
	t.Helper()
	r, err := f.runs.Create(context.Background(), auth.System, jobID, run.CreateOptions{})
	require.NoError(t, err)
	return r
}

func (f *fixture) waitForStatus(t *testing.T, runID string, want run.Status) *run.Run {
	t.Helper()
	var got *run.Run
	require.Eventually(t, func() bool {
		r, err := f.store.Get(context.Background(), runID)
		if err != nil {
			return false
		}
		got = r
		return r.Status == want
	}, 3*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return got
}

func TestDispatchValidatesTask(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pool.RegisterTask("known", func(context.Context, *joblog.Recorder, map[string]any) (int, error) {
		return 0, nil
	}))

	handle, err := f.pool.Dispatch(context.Background(), "known", nil, "", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "corr-1", handle)

	_, err = f.pool.Dispatch(context.Background(), "unknown", nil, "", "corr-2")
	var derr *dispatch.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "unknown", derr.Task)
}

func TestDispatchGeneratesCorrelationID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pool.RegisterTask("known", func(context.Context, *joblog.Recorder, map[string]any) (int, error) {
		return 0, nil
	}))

	handle, err := f.pool.Dispatch(context.Background(), "known", nil, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
}

func TestRegisterTaskDuplicate(t *testing.T) {
	f := newFixture(t)
	fn := func(context.Context, *joblog.Recorder, map[string]any) (int, error) { return 0, nil }
	require.NoError(t, f.pool.RegisterTask("dup", fn))
	assert.Error(t, f.pool.RegisterTask("dup", fn))
}

func TestPoolExecutesRunToSuccess(t *testing.T) {
	f := newFixture(t)
	executed := make(chan map[string]any, 1)
	require.NoError(t, f.pool.RegisterTask("noop", func(_ context.Context, rec *joblog.Recorder, args map[string]any) (int, error) {
		rec.Info(context.Background(), "working", nil)
		executed <- args
		return 0, nil
	}))

	j := f.createJob(t, "noop")
	j.DefaultArgs = map[string]any{"batch": float64(5)}
	require.NoError(t, f.jobs.Update(context.Background(), j))
	r := f.queueRun(t, j.ID)

	f.pool.Start()
	defer f.pool.Stop()

	got := f.waitForStatus(t, r.ID, run.StatusSuccess)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.NotEmpty(t, got.TaskID)

	args := <-executed
	assert.Equal(t, float64(5), args["batch"])

	// The task's log output landed in the store under the run.
	entries, total, err := f.logs.Page(context.Background(), joblog.Query{RunID: r.ID}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "working", entries[0].Message)
}

func TestPoolExecutesRunToFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pool.RegisterTask("boom", func(context.Context, *joblog.Recorder, map[string]any) (int, error) {
		return 0, errors.New("upstream exploded")
	}))

	j := f.createJob(t, "boom")
	r := f.queueRun(t, j.ID)

	f.pool.Start()
	defer f.pool.Stop()

	got := f.waitForStatus(t, r.ID, run.StatusFailed)
	assert.Equal(t, "upstream exploded", got.Message)
}

func TestPoolLeavesUnregisteredTaskQueued(t *testing.T) {
	f := newFixture(t)
	j := f.createJob(t, "ghost")
	r := f.queueRun(t, j.ID)

	f.pool.Start()
	time.Sleep(100 * time.Millisecond)
	f.pool.Stop()

	got, err := f.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, got.Status)
}

func TestPoolSkipsSubtasks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pool.RegisterTask("noop", func(context.Context, *joblog.Recorder, map[string]any) (int, error) {
		return 0, nil
	}))

	j := f.createJob(t, "noop")
	parent := f.queueRun(t, j.ID)
	forceRunning(t, f.db, parent.ID)

	sub, err := f.runs.CreateSubtaskRun(context.Background(), auth.System, parent.ID, j.ID)
	require.NoError(t, err)

	f.pool.Start()
	time.Sleep(100 * time.Millisecond)
	f.pool.Stop()

	got, err := f.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, got.Status)
}

func TestPoolCooperativeCancellation(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.pool.RegisterTask("sleepy", func(ctx context.Context, _ *joblog.Recorder, _ map[string]any) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}))

	j := f.createJob(t, "sleepy")
	r := f.queueRun(t, j.ID)

	f.pool.Start()
	defer f.pool.Stop()

	<-started
	f.waitForStatus(t, r.ID, run.StatusRunning)

	require.NoError(t, f.runs.Stop(context.Background(), auth.System, r.ID))
	got := f.waitForStatus(t, r.ID, run.StatusCancelled)
	require.NotNil(t, got.FinishedAt)
}

func TestPoolAcksOrphanedCancellation(t *testing.T) {
	// A run stuck in CANCELLING with no worker holding it (say, after a
	// restart) is finalized by the next poll.
	f := newFixture(t)
	j := f.createJob(t, "noop")
	r := f.queueRun(t, j.ID)
	require.NoError(t, f.store.Start(context.Background(), r.ID, ""))
	_, err := f.store.Stop(context.Background(), r.ID)
	require.NoError(t, err)

	f.pool.Start()
	defer f.pool.Stop()

	f.waitForStatus(t, r.ID, run.StatusCancelled)
}

func TestPoolParentWithSubtasksNotFinalizedByWorker(t *testing.T) {
	f := newFixture(t)
	subSpawned := make(chan struct{})
	require.NoError(t, f.pool.RegisterTask("fanout", func(ctx context.Context, _ *joblog.Recorder, _ map[string]any) (int, error) {
		<-subSpawned
		return 0, nil
	}))

	j := f.createJob(t, "fanout")
	r := f.queueRun(t, j.ID)

	f.pool.Start()
	defer f.pool.Stop()

	f.waitForStatus(t, r.ID, run.StatusRunning)
	_, err := f.runs.CreateSubtaskRun(context.Background(), auth.System, r.ID, j.ID)
	require.NoError(t, err)
	close(subSpawned)

	// The worker's task returned, but the parent stays RUNNING until its
	// subtasks aggregate it to a terminal state.
	time.Sleep(100 * time.Millisecond)
	got, err := f.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusRunning, got.Status)
}

func forceRunning(t *testing.T, db *sql.DB, runID string) {
	t.Helper()
	require.NoError(t, run.NewStore(db).Start(context.Background(), runID, ""))
}

func TestPoolFinalizesWarningOnErroredEntries(t *testing.T) {
	// A task that succeeds overall but reports errored entries lands the
	// run in WARNING, not SUCCESS.
	f := newFixture(t)
	require.NoError(t, f.pool.RegisterTask("lossy", func(context.Context, *joblog.Recorder, map[string]any) (int, error) {
		return 3, nil
	}))

	j := f.createJob(t, "lossy")
	r := f.queueRun(t, j.ID)

	f.pool.Start()
	defer f.pool.Stop()

	got := f.waitForStatus(t, r.ID, run.StatusWarning)
	assert.Equal(t, 3, got.ErroredEntries)
}

func TestTaskDrivesSubtasksThroughRecorder(t *testing.T) {
	// A task only knows its run through the recorder. That handle must be
	// enough to report the entry total, fan out subtasks and feed their
	// outcomes back into the parent.
	f := newFixture(t)
	var jobID string
	require.NoError(t, f.pool.RegisterTask("fanout", func(ctx context.Context, rec *joblog.Recorder, _ map[string]any) (int, error) {
		runs := f.runs
		parentID := rec.RunID()
		if err := runs.AddTotalEntries(ctx, auth.System, parentID, 100); err != nil {
			return 0, err
		}

		for i, outcome := range []struct {
			success bool
			errored int
		}{{true, 0}, {false, 5}} {
			sub, err := runs.CreateSubtaskRun(ctx, auth.System, parentID, jobID)
			if err != nil {
				return 0, err
			}
			child := rec.Child(sub.ID)
			child.Info(ctx, "subtask working", map[string]any{"n": i})
			if err := runs.StartProcessingSubtask(ctx, auth.System, sub.ID, sub.ID); err != nil {
				return 0, err
			}
			if err := runs.FinalizeSubtask(ctx, auth.System, sub.ID, outcome.success, outcome.errored); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}))

	j := f.createJob(t, "fanout")
	jobID = j.ID
	r := f.queueRun(t, j.ID)

	f.pool.Start()
	defer f.pool.Stop()

	got := f.waitForStatus(t, r.ID, run.StatusPartialSuccess)
	assert.Equal(t, 2, got.CompletedSubtasks)
	assert.Equal(t, 1, got.FailedSubtasks)
	assert.Equal(t, 5, got.ErroredEntries)
	assert.Equal(t, 100, got.TotalEntries)
	assert.Contains(t, got.Message, "2/2 subtasks completed")
	assert.Contains(t, got.Message, "5/100 entries errored")
}
