package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/schedule"
)

// Store persists job definitions in SQLite.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewStore creates a job store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		log: logger.Named("job.store"),
	}
}

const jobColumns = `id, active, title, description, task, default_queue,
	default_args, schedule, notifications, last_fired_at, created_at, updated_at`

// Create inserts a new job, assigning an ID when the caller left it empty.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	defaultArgs, scheduleJSON, notifications, err := marshalJobFields(j)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, active, title, description, task, default_queue,
			default_args, schedule, notifications, last_fired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		j.ID, boolToInt(j.Active), j.Title, j.Description, j.Task, j.DefaultQueue,
		defaultArgs, scheduleJSON, notifications,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrap(err, "failed to insert job")
	}

	s.log.Debugw("Created job", "id", j.ID, "task", j.Task)
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job")
	}
	return j, nil
}

// Update persists changes to an existing job. LastFiredAt is scheduler
// state and is not written here.
func (s *Store) Update(ctx context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()

	defaultArgs, scheduleJSON, notifications, err := marshalJobFields(j)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET active = ?, title = ?, description = ?, task = ?,
			default_queue = ?, default_args = ?, schedule = ?, notifications = ?,
			updated_at = ?
		WHERE id = ?`,
		boolToInt(j.Active), j.Title, j.Description, j.Task,
		j.DefaultQueue, defaultArgs, scheduleJSON, notifications,
		j.UpdatedAt.Format(time.RFC3339Nano), j.ID)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check update result")
	}
	if n == 0 {
		return &NotFoundError{ID: j.ID}
	}
	return nil
}

// Delete removes a job. Jobs with execution history are protected: the
// runs table keeps a foreign key to jobs, so deletion is rejected while
// any run references the job.
func (s *Store) Delete(ctx context.Context, id string) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE job_id = ?`, id).Scan(&count)
	if err != nil {
		return errors.Wrap(err, "failed to count runs for job")
	}
	if count > 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s has %d runs and cannot be deleted", id, count)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check delete result")
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	s.log.Debugw("Deleted job", "id", id)
	return nil
}

// List returns all jobs, newest first.
func (s *Store) List(ctx context.Context) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
}

// ListActive returns jobs with active = true, for scheduler evaluation.
func (s *Store) ListActive(ctx context.Context) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE active = 1 ORDER BY created_at DESC`)
}

// Search returns jobs whose title or description contains the term,
// case-insensitively. An empty term lists everything.
func (s *Store) Search(ctx context.Context, term string) ([]*Job, error) {
	if term == "" {
		return s.List(ctx)
	}
	pattern := "%" + term + "%"
	return s.query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE title LIKE ? COLLATE NOCASE OR description LIKE ? COLLATE NOCASE
		ORDER BY created_at DESC`, pattern, pattern)
}

// SetLastFiredTx records when the scheduler last fired a job, inside the
// caller's transaction so the timestamp commits atomically with the run
// it created.
func (s *Store) SetLastFiredTx(ctx context.Context, tx *sql.Tx, id string, firedAt time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET last_fired_at = ? WHERE id = ?`,
		firedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrap(err, "failed to record job fire time")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check fire time update")
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job row")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	var (
		j             Job
		active        int
		description   sql.NullString
		defaultQueue  sql.NullString
		defaultArgs   sql.NullString
		scheduleJSON  sql.NullString
		notifications sql.NullString
		lastFiredAt   sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&j.ID, &active, &j.Title, &description, &j.Task, &defaultQueue,
		&defaultArgs, &scheduleJSON, &notifications, &lastFiredAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	j.Active = active != 0
	j.Description = description.String
	j.DefaultQueue = defaultQueue.String

	if defaultArgs.Valid && defaultArgs.String != "" {
		if err := json.Unmarshal([]byte(defaultArgs.String), &j.DefaultArgs); err != nil {
			return nil, errors.Wrapf(err, "corrupt default_args for job %s", j.ID)
		}
	}
	if scheduleJSON.Valid && scheduleJSON.String != "" {
		var spec schedule.Spec
		if err := json.Unmarshal([]byte(scheduleJSON.String), &spec); err != nil {
			return nil, errors.Wrapf(err, "corrupt schedule for job %s", j.ID)
		}
		j.Schedule = &spec
	}
	if notifications.Valid && notifications.String != "" {
		var n Notifications
		if err := json.Unmarshal([]byte(notifications.String), &n); err != nil {
			return nil, errors.Wrapf(err, "corrupt notifications for job %s", j.ID)
		}
		j.Notifications = &n
	}
	if lastFiredAt.Valid && lastFiredAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastFiredAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt last_fired_at for job %s", j.ID)
		}
		j.LastFiredAt = &t
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrapf(err, "corrupt created_at for job %s", j.ID)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "corrupt updated_at for job %s", j.ID)
	}
	return &j, nil
}

func marshalJobFields(j *Job) (defaultArgs, scheduleJSON, notifications sql.NullString, err error) {
	if j.DefaultArgs != nil {
		b, merr := json.Marshal(j.DefaultArgs)
		if merr != nil {
			err = errors.Wrap(merr, "failed to marshal default_args")
			return
		}
		defaultArgs = sql.NullString{String: string(b), Valid: true}
	}
	if j.Schedule != nil {
		b, merr := json.Marshal(j.Schedule)
		if merr != nil {
			err = errors.Wrap(merr, "failed to marshal schedule")
			return
		}
		scheduleJSON = sql.NullString{String: string(b), Valid: true}
	}
	if j.Notifications != nil {
		b, merr := json.Marshal(j.Notifications)
		if merr != nil {
			err = errors.Wrap(merr, "failed to marshal notifications")
			return
		}
		notifications = sql.NullString{String: string(b), Valid: true}
	}
	return
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
