package run

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/teranos/tempo/auth"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/logger"
)

// Notifier delivers a notification about a run reaching a terminal status.
// Implementations must treat delivery as fire-and-forget: the service logs
// returned errors and never propagates them.
type Notifier interface {
	RunFinished(ctx context.Context, j *job.Job, r *Run) error
}

// CreateOptions carries caller overrides for run creation. Zero values fall
// back to the job's stored defaults.
type CreateOptions struct {
	Title     string
	Queue     string
	Args      map[string]any
	StartedBy string
}

// Service is the run state machine's public surface. Every mutation passes
// an access check first; denials leave all state untouched.
type Service struct {
	store    *Store
	jobs     *job.Store
	guard    auth.Guard
	notifier Notifier
	log      *zap.SugaredLogger
}

// NewService creates a run service. A nil guard allows every action; a nil
// notifier disables notifications.
func NewService(store *Store, jobs *job.Store, guard auth.Guard, notifier Notifier) *Service {
	return &Service{
		store:    store,
		jobs:     jobs,
		guard:    guard,
		notifier: notifier,
		log:      logger.Named("run.service"),
	}
}

// Create builds a QUEUED run for a job. The argument snapshot is the job's
// defaults deep-merged with the caller's overrides, frozen at this point.
func (s *Service) Create(ctx context.Context, identity auth.Identity, jobID string, opts CreateOptions) (*Run, error) {
	if err := auth.Check(s.guard, identity, "create", "run"); err != nil {
		return nil, err
	}
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	title := opts.Title
	if title == "" {
		title = j.Title
	}
	queue := opts.Queue
	if queue == "" {
		queue = j.DefaultQueue
	}
	startedBy := opts.StartedBy
	if startedBy == "" {
		startedBy = string(identity)
	}

	r := &Run{
		JobID:     jobID,
		Status:    StatusQueued,
		Title:     title,
		Queue:     queue,
		Args:      MergeArgs(j.DefaultArgs, opts.Args),
		StartedBy: startedBy,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.log.Infow("Run created", "id", r.ID, "job_id", jobID, "by", identity)
	return r, nil
}

// Read retrieves a run by ID.
func (s *Service) Read(ctx context.Context, identity auth.Identity, runID string) (*Run, error) {
	if err := auth.Check(s.guard, identity, "read", "run"); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, runID)
}

// List returns a job's runs, newest first.
func (s *Service) List(ctx context.Context, identity auth.Identity, jobID string) ([]*Run, error) {
	if err := auth.Check(s.guard, identity, "read", "run"); err != nil {
		return nil, err
	}
	return s.store.ListForJob(ctx, jobID)
}

// Search returns runs matching a free-text term, newest first.
func (s *Service) Search(ctx context.Context, identity auth.Identity, term string) ([]*Run, error) {
	if err := auth.Check(s.guard, identity, "read", "run"); err != nil {
		return nil, err
	}
	return s.store.Search(ctx, term)
}

// StartProcessing moves a run from QUEUED to RUNNING, recording the worker's
// correlation handle. Any other source status yields a StatusChangeError.
func (s *Service) StartProcessing(ctx context.Context, identity auth.Identity, runID, taskID string) error {
	if err := auth.Check(s.guard, identity, "update", "run"); err != nil {
		return err
	}
	if err := s.store.Start(ctx, runID, taskID); err != nil {
		return err
	}
	s.log.Infow("Run started", "id", runID, "task_id", taskID)
	return nil
}

// Finalize closes out a RUNNING run with the outcome the worker reports.
// Runs that fanned out into subtasks are finalized by aggregation instead;
// calling Finalize on such a parent is rejected.
func (s *Service) Finalize(ctx context.Context, identity auth.Identity, runID string, success bool, erroredEntries int, message string) error {
	if err := auth.Check(s.guard, identity, "update", "run"); err != nil {
		return err
	}
	current, err := s.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if current.TotalSubtasks > 0 {
		return errors.Newf("run %s has subtasks and is finalized by aggregation", runID)
	}

	status, err := s.store.Finalize(ctx, runID, success, erroredEntries, message)
	if err != nil {
		return err
	}
	s.log.Infow("Run finalized", "id", runID, "status", status)
	s.notifyIfWanted(ctx, runID)
	return nil
}

// Stop cancels a run cooperatively. Queued runs are cancelled immediately;
// running ones are marked CANCELLING until the worker acknowledges.
func (s *Service) Stop(ctx context.Context, identity auth.Identity, runID string) error {
	if err := auth.Check(s.guard, identity, "update", "run"); err != nil {
		return err
	}
	status, err := s.store.Stop(ctx, runID)
	if err != nil {
		return err
	}
	s.log.Infow("Run stop requested", "id", runID, "status", status, "by", identity)
	if status == StatusCancelled {
		s.notifyIfWanted(ctx, runID)
	}
	return nil
}

// AckCancelled is the worker's acknowledgment of a stop request, completing
// the CANCELLING to CANCELLED transition.
func (s *Service) AckCancelled(ctx context.Context, identity auth.Identity, runID string) error {
	if err := auth.Check(s.guard, identity, "update", "run"); err != nil {
		return err
	}
	if err := s.store.AckCancelled(ctx, runID); err != nil {
		return err
	}
	s.log.Infow("Run cancelled", "id", runID)
	s.notifyIfWanted(ctx, runID)
	return nil
}

// AddTotalEntries records the expected entry count for a run. The value is
// validated as a non-negative integer; repeated calls replace rather than
// accumulate.
func (s *Service) AddTotalEntries(ctx context.Context, identity auth.Identity, runID string, totalEntries any) error {
	if err := auth.Check(s.guard, identity, "update", "run"); err != nil {
		return err
	}
	total, err := asNonNegativeInt(totalEntries)
	if err != nil {
		return err
	}
	return s.store.SetTotalEntries(ctx, runID, total)
}

// CreateSubtaskRun spawns a QUEUED child run under a parent and bumps the
// parent's subtask total atomically.
func (s *Service) CreateSubtaskRun(ctx context.Context, identity auth.Identity, parentRunID, jobID string) (*Run, error) {
	if err := auth.Check(s.guard, identity, "create", "run"); err != nil {
		return nil, err
	}
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	child := &Run{
		JobID:     jobID,
		Status:    StatusQueued,
		Title:     j.Title,
		Queue:     j.DefaultQueue,
		StartedBy: string(identity),
	}
	if err := s.store.CreateSubtask(ctx, parentRunID, child); err != nil {
		return nil, err
	}
	s.log.Infow("Subtask run created", "id", child.ID, "parent_run_id", parentRunID)
	return child, nil
}

// StartProcessingSubtask is StartProcessing restricted to child runs.
func (s *Service) StartProcessingSubtask(ctx context.Context, identity auth.Identity, runID, taskID string) error {
	if err := auth.Check(s.guard, identity, "update", "run"); err != nil {
		return err
	}
	r, err := s.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !r.IsSubtask() {
		return errors.Newf("run %s is not a subtask", runID)
	}
	if err := s.store.Start(ctx, runID, taskID); err != nil {
		return err
	}
	s.log.Infow("Subtask run started", "id", runID, "task_id", taskID)
	return nil
}

// FinalizeSubtask closes a child run and folds its outcome into the parent.
// When the aggregation brings the parent to a terminal status, the job's
// notification policy is consulted for the parent, not the child.
func (s *Service) FinalizeSubtask(ctx context.Context, identity auth.Identity, runID string, success bool, erroredEntries int) error {
	if err := auth.Check(s.guard, identity, "update", "run"); err != nil {
		return err
	}
	parent, err := s.store.FinalizeSubtask(ctx, runID, success, erroredEntries)
	if err != nil {
		return err
	}
	s.log.Infow("Subtask finalized",
		"id", runID, "success", success,
		"parent_run_id", parent.ID, "parent_status", parent.Status)
	if parent.Status.Terminal() {
		s.notifyRun(ctx, parent)
	}
	return nil
}

// JobForRun resolves the job a run belongs to.
func (s *Service) JobForRun(ctx context.Context, r *Run) (*job.Job, error) {
	return s.jobs.Get(ctx, r.JobID)
}

// notifyIfWanted loads the run and fires a notification when the job's
// policy asks for one. Failures are logged and never propagated.
func (s *Service) notifyIfWanted(ctx context.Context, runID string) {
	if s.notifier == nil {
		return
	}
	r, err := s.store.Get(ctx, runID)
	if err != nil {
		s.log.Warnw("Failed to load run for notification", "run_id", runID, "error", err)
		return
	}
	s.notifyRun(ctx, r)
}

func (s *Service) notifyRun(ctx context.Context, r *Run) {
	if s.notifier == nil {
		return
	}
	j, err := s.jobs.Get(ctx, r.JobID)
	if err != nil {
		s.log.Warnw("Failed to load job for notification", "run_id", r.ID, "job_id", r.JobID, "error", err)
		return
	}
	if !j.Notifications.WantsStatus(string(r.Status)) {
		return
	}
	if err := s.notifier.RunFinished(ctx, j, r); err != nil {
		s.log.Warnw("Run notification failed", "run_id", r.ID, "status", r.Status, "error", err)
	}
}

// asNonNegativeInt validates counter input arriving from external callers,
// where JSON decoding yields float64 for every number.
func asNonNegativeInt(v any) (int, error) {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		if t != math.Trunc(t) {
			return 0, errors.NewInvalidRequestError("total_entries must be an integer")
		}
		n = int(t)
	default:
		return 0, errors.NewInvalidRequestError("total_entries must be an integer")
	}
	if n < 0 {
		return 0, errors.NewInvalidRequestError("total_entries cannot be negative")
	}
	return n, nil
}
