package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
)

// Store persists runs in SQLite. All status moves go through compare-and-swap
// updates keyed on the current status, so concurrent callers racing on the
// same run cannot both win a transition from the same source state.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a run store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		log: logger.Named("run.store"),
	}
}

const runColumns = `id, job_id, parent_run_id, task_id, status, title, message,
	args, queue, started_by, started_at, finished_at,
	total_subtasks, completed_subtasks, failed_subtasks,
	total_entries, errored_entries, inserted_entries, updated_entries,
	created_at, updated_at`

// Create inserts a new run record.
func (s *Store) Create(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusQueued
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	err := execInsertRun(ctx, s.db, r)
	if err != nil {
		return err
	}
	s.log.Debugw("Created run", "id", r.ID, "job_id", r.JobID, "status", r.Status)
	return nil
}

// CreateTx inserts a run inside the caller's transaction.
func (s *Store) CreateTx(ctx context.Context, tx *sql.Tx, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusQueued
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	return execInsertRun(ctx, tx, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execInsertRun(ctx context.Context, db execer, r *Run) error {
	var argsJSON sql.NullString
	if r.Args != nil {
		b, err := json.Marshal(r.Args)
		if err != nil {
			return errors.Wrap(err, "failed to marshal run args")
		}
		argsJSON = sql.NullString{String: string(b), Valid: true}
	}
	var parentRunID sql.NullString
	if r.ParentRunID != nil {
		parentRunID = sql.NullString{String: *r.ParentRunID, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, parent_run_id, task_id, status, title, message,
			args, queue, started_by, started_at, finished_at,
			total_subtasks, completed_subtasks, failed_subtasks,
			total_entries, errored_entries, inserted_entries, updated_entries,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, 0, 0, 0, 0, 0, 0, ?, ?)`,
		r.ID, r.JobID, parentRunID, r.TaskID, string(r.Status), r.Title, r.Message,
		argsJSON, r.Queue, r.StartedBy,
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(err, "failed to insert run")
	}
	return nil
}

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run")
	}
	return r, nil
}

// ListForJob returns a job's runs, newest first.
func (s *Store) ListForJob(ctx context.Context, jobID string) ([]*Run, error) {
	return s.query(ctx, `SELECT `+runColumns+` FROM runs WHERE job_id = ? ORDER BY created_at DESC`, jobID)
}

// ListByStatus returns up to limit runs in the given status, oldest first.
// Used by the worker pool to drain the queue in arrival order.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Run, error) {
	return s.query(ctx, `
		SELECT `+runColumns+` FROM runs WHERE status = ?
		ORDER BY created_at ASC LIMIT ?`, string(status), limit)
}

// ListSubtasks returns a parent run's children, oldest first.
func (s *Store) ListSubtasks(ctx context.Context, parentRunID string) ([]*Run, error) {
	return s.query(ctx, `
		SELECT `+runColumns+` FROM runs WHERE parent_run_id = ?
		ORDER BY created_at ASC`, parentRunID)
}

// Search returns runs whose title or message contains the term,
// case-insensitively, newest first.
func (s *Store) Search(ctx context.Context, term string) ([]*Run, error) {
	pattern := "%" + term + "%"
	return s.query(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE title LIKE ? COLLATE NOCASE OR message LIKE ? COLLATE NOCASE
		ORDER BY created_at DESC`, pattern, pattern)
}

// LastForJob returns a job's most recent run, or a NotFoundError when the
// job has never run.
func (s *Store) LastForJob(ctx context.Context, jobID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE job_id = ?
		ORDER BY created_at DESC LIMIT 1`, jobID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: jobID}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query last run")
	}
	return r, nil
}

// Start moves a run from QUEUED to RUNNING and stamps started_at. taskID is
// the dispatch correlation handle, recorded if non-empty.
func (s *Store) Start(ctx context.Context, id, taskID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?, updated_at = ?,
			task_id = CASE WHEN ? != '' THEN ? ELSE task_id END
		WHERE id = ? AND status = ?`,
		string(StatusRunning), now, now, taskID, taskID, id, string(StatusQueued))
	if err != nil {
		return errors.Wrap(err, "failed to start run")
	}
	return s.checkTransition(ctx, res, id, StatusRunning)
}

// Finalize moves a run from RUNNING to the terminal status implied by the
// reported outcome, stamping finished_at and recording the message and
// errored entry count.
func (s *Store) Finalize(ctx context.Context, id string, success bool, erroredEntries int, message string) (Status, error) {
	status := finalStatus(success, erroredEntries)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, updated_at = ?,
			message = ?, errored_entries = errored_entries + ?
		WHERE id = ? AND status = ?`,
		string(status), now, now, message, erroredEntries, id, string(StatusRunning))
	if err != nil {
		return "", errors.Wrap(err, "failed to finalize run")
	}
	if err := s.checkTransition(ctx, res, id, status); err != nil {
		return "", err
	}
	return status, nil
}

// Stop cancels a run. A queued run goes straight to CANCELLED; a running
// run is marked CANCELLING and waits for its worker to acknowledge.
func (s *Store) Stop(ctx context.Context, id string) (Status, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), now, now, id, string(StatusQueued))
	if err != nil {
		return "", errors.Wrap(err, "failed to cancel queued run")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return StatusCancelled, nil
	}

	res, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelling), now, id, string(StatusRunning))
	if err != nil {
		return "", errors.Wrap(err, "failed to mark run cancelling")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return StatusCancelling, nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return "", &StatusChangeError{RunID: id, From: current.Status, To: StatusCancelling}
}

// AckCancelled completes a cooperative cancellation: CANCELLING to CANCELLED,
// stamped with finished_at. Called when the worker observes the stop request.
func (s *Store) AckCancelled(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCancelled), now, now, id, string(StatusCancelling))
	if err != nil {
		return errors.Wrap(err, "failed to acknowledge cancellation")
	}
	return s.checkTransition(ctx, res, id, StatusCancelled)
}

// SetTotalEntries records the expected entry count for a run. Last write
// wins: repeated calls replace the value rather than accumulate.
func (s *Store) SetTotalEntries(ctx context.Context, id string, total int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET total_entries = ?, updated_at = ? WHERE id = ?`,
		total, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrap(err, "failed to set total entries")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check total entries update")
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// SetMessage records a free-text message on a run without touching status.
func (s *Store) SetMessage(ctx context.Context, id, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET message = ?, updated_at = ? WHERE id = ?`,
		message, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrap(err, "failed to set run message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check message update")
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// SetTaskID records the dispatch correlation handle on a run.
func (s *Store) SetTaskID(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrap(err, "failed to set run task ID")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check task ID update")
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

// terminalStatusSQL is the IN-list of final statuses, for retention queries.
const terminalStatusSQL = `('SUCCESS', 'FAILED', 'WARNING', 'PARTIAL_SUCCESS', 'CANCELLED')`

// CleanupOldRuns deletes terminal runs last touched before the retention
// window, along with their log entries. Subtasks go first so the parent
// self-reference never dangles. Returns the number of runs removed.
func (s *Store) CleanupOldRuns(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup transaction")
	}
	defer tx.Rollback()

	children, err := tx.ExecContext(ctx, `
		DELETE FROM runs
		WHERE parent_run_id IS NOT NULL
		  AND status IN `+terminalStatusSQL+`
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old subtask runs")
	}

	parents, err := tx.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN `+terminalStatusSQL+`
		  AND updated_at < ?
		  AND id NOT IN (SELECT parent_run_id FROM runs WHERE parent_run_id IS NOT NULL)`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old runs")
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM run_logs WHERE run_id NOT IN (SELECT id FROM runs)`); err != nil {
		return 0, errors.Wrap(err, "failed to delete orphaned run logs")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}

	nc, _ := children.RowsAffected()
	np, _ := parents.RowsAffected()
	return int(nc + np), nil
}

// CreateSubtask inserts a child run and bumps the parent's subtask total in
// one transaction, so the parent's denominator can never lag behind its
// actual children.
func (s *Store) CreateSubtask(ctx context.Context, parentRunID string, child *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin subtask transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET total_subtasks = total_subtasks + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), parentRunID)
	if err != nil {
		return errors.Wrap(err, "failed to increment parent subtask total")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check parent update")
	}
	if n == 0 {
		return &NotFoundError{ID: parentRunID}
	}

	child.ParentRunID = &parentRunID
	if err := s.CreateTx(ctx, tx, child); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit subtask creation")
	}
	s.log.Debugw("Created subtask run", "id", child.ID, "parent_run_id", parentRunID)
	return nil
}

// FinalizeSubtask finalizes a child run and folds its outcome into the
// parent's counters, status and message in a single transaction. SQLite's
// single-writer model serializes concurrent sibling finalizations, and the
// arithmetic updates read the stored value inside the transaction, so no
// increment is ever lost. Returns the parent's resulting state.
func (s *Store) FinalizeSubtask(ctx context.Context, id string, success bool, erroredEntries int) (*Run, error) {
	childStatus := finalStatus(success, erroredEntries)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin aggregation transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, updated_at = ?,
			errored_entries = errored_entries + ?
		WHERE id = ? AND status = ? AND parent_run_id IS NOT NULL`,
		string(childStatus), now, now, erroredEntries, id, string(StatusRunning))
	if err != nil {
		return nil, errors.Wrap(err, "failed to finalize subtask run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check subtask finalization")
	}
	if n == 0 {
		return nil, s.explainSubtaskFailure(ctx, id, childStatus)
	}

	var parentID string
	err = tx.QueryRowContext(ctx,
		`SELECT parent_run_id FROM runs WHERE id = ?`, id).Scan(&parentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read subtask parent")
	}

	failedDelta := 0
	if !success {
		failedDelta = 1
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET
			completed_subtasks = completed_subtasks + 1,
			failed_subtasks = failed_subtasks + ?,
			errored_entries = errored_entries + ?,
			updated_at = ?
		WHERE id = ?`,
		failedDelta, erroredEntries, now, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update parent counters")
	}

	var total, completed, failed, errored, totalEntries int
	err = tx.QueryRowContext(ctx, `
		SELECT total_subtasks, completed_subtasks, failed_subtasks,
			errored_entries, total_entries
		FROM runs WHERE id = ?`, parentID).
		Scan(&total, &completed, &failed, &errored, &totalEntries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read parent counters")
	}

	parentStatus := StatusRunning
	if completed >= total {
		switch {
		case failed == 0:
			parentStatus = StatusSuccess
		case failed == total:
			parentStatus = StatusFailed
		default:
			parentStatus = StatusPartialSuccess
		}
	}
	message := progressMessage(completed, total, failed, errored, totalEntries)

	if _, err = tx.ExecContext(ctx, `
		UPDATE runs SET message = ?, updated_at = ? WHERE id = ?`,
		message, now, parentID); err != nil {
		return nil, errors.Wrap(err, "failed to update parent message")
	}

	// The status write is CAS-guarded on RUNNING: a parent an operator has
	// moved to CANCELLING keeps that status, only its counters and message
	// advance.
	if parentStatus.Terminal() {
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = ?
			WHERE id = ? AND status = ?`,
			string(parentStatus), now, parentID, string(StatusRunning))
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?
			WHERE id = ? AND status = ?`,
			string(parentStatus), parentID, string(StatusRunning))
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to update parent status")
	}

	parentRow := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, parentID)
	parent, err := scanRun(parentRow)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read updated parent")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit subtask aggregation")
	}

	s.log.Debugw("Aggregated subtask result",
		"subtask_id", id, "parent_run_id", parentID,
		"parent_status", parent.Status, "completed", completed, "total", total)
	return parent, nil
}

// explainSubtaskFailure turns a zero-row CAS result into the precise error:
// missing run, a run that is not a subtask, or an illegal source status.
func (s *Store) explainSubtaskFailure(ctx context.Context, id string, attempted Status) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !current.IsSubtask() {
		return errors.Newf("run %s is not a subtask", id)
	}
	return &StatusChangeError{RunID: id, From: current.Status, To: attempted}
}

// checkTransition turns a zero-row CAS update into NotFoundError or
// StatusChangeError by re-reading the run.
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string, attempted Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check transition result")
	}
	if n == 1 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &StatusChangeError{RunID: id, From: current.Status, To: attempted}
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run row")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var (
		r           Run
		parentRunID sql.NullString
		taskID      sql.NullString
		status      string
		message     sql.NullString
		argsJSON    sql.NullString
		queue       sql.NullString
		startedBy   sql.NullString
		startedAt   sql.NullString
		finishedAt  sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&r.ID, &r.JobID, &parentRunID, &taskID, &status, &r.Title, &message,
		&argsJSON, &queue, &startedBy, &startedAt, &finishedAt,
		&r.TotalSubtasks, &r.CompletedSubtasks, &r.FailedSubtasks,
		&r.TotalEntries, &r.ErroredEntries, &r.InsertedEntries, &r.UpdatedEntries,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.Message = message.String
	r.TaskID = taskID.String
	r.Queue = queue.String
	r.StartedBy = startedBy.String
	if parentRunID.Valid {
		r.ParentRunID = &parentRunID.String
	}
	if argsJSON.Valid && argsJSON.String != "" {
		if err := json.Unmarshal([]byte(argsJSON.String), &r.Args); err != nil {
			return nil, errors.Wrapf(err, "corrupt args for run %s", r.ID)
		}
	}
	if startedAt.Valid && startedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt started_at for run %s", r.ID)
		}
		r.StartedAt = &t
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt finished_at for run %s", r.ID)
		}
		r.FinishedAt = &t
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrapf(err, "corrupt created_at for run %s", r.ID)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "corrupt updated_at for run %s", r.ID)
	}
	return &r, nil
}
