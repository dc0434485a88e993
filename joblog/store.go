package joblog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/tempo/errors"
)

// Store is the log storage boundary. Page returns one batch of entries in
// reverse-chronological order starting at offset, along with the true total
// count of entries matching the query.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Page(ctx context.Context, q Query, offset, limit int) ([]Entry, int, error)
}

// SQLStore keeps run logs in the run_logs table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a log store backed by db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Append writes one log entry. The entry's ID is filled in from the
// database on return.
func (s *SQLStore) Append(ctx context.Context, e *Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	var metadata sql.NullString
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return errors.Wrap(err, "failed to marshal log metadata")
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, task_id, parent_task_id, root_task_id,
			seq, timestamp, level, message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.TaskID, e.ParentTaskID, e.RootTaskID,
		e.Seq, e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Message, metadata)
	if err != nil {
		return errors.Wrap(err, "failed to insert log entry")
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read log entry ID")
	}
	return nil
}

// Page returns one reverse-chronological batch of entries for the query.
func (s *SQLStore) Page(ctx context.Context, q Query, offset, limit int) ([]Entry, int, error) {
	where := `run_id = ?`
	args := []any{q.RunID}
	if q.TaskID != "" {
		where += ` AND task_id = ?`
		args = append(args, q.TaskID)
	}
	if q.Level != "" {
		where += ` AND level = ?`
		args = append(args, q.Level)
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_logs WHERE `+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to count log entries")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, task_id, parent_task_id, root_task_id,
			seq, timestamp, level, message, metadata
		FROM run_logs WHERE `+where+`
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to query log entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			taskID    sql.NullString
			parentID  sql.NullString
			rootID    sql.NullString
			timestamp string
			metadata  sql.NullString
		)
		err := rows.Scan(&e.ID, &e.RunID, &taskID, &parentID, &rootID,
			&e.Seq, &timestamp, &e.Level, &e.Message, &metadata)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan log entry")
		}
		e.TaskID = taskID.String
		e.ParentTaskID = parentID.String
		e.RootTaskID = rootID.String
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, 0, errors.Wrapf(err, "corrupt timestamp in log entry %d", e.ID)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, 0, errors.Wrapf(err, "corrupt metadata in log entry %d", e.ID)
			}
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
