package joblog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/dispatch"
	tempotest "github.com/teranos/tempo/internal/testing"
)

func seedRun(t *testing.T, db *sql.DB, runID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(`
		INSERT INTO jobs (id, active, title, task, created_at, updated_at)
		VALUES ('j1', 1, 'Log test job', 'noop', ?, ?)
		ON CONFLICT (id) DO NOTHING`, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO runs (id, job_id, status, title, created_at, updated_at)
		VALUES (?, 'j1', 'RUNNING', 'Log test run', ?, ?)`, runID, now, now)
	require.NoError(t, err)
}

func TestSQLStoreAppendAndPage(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewSQLStore(db)
	ctx := context.Background()
	seedRun(t, db, "run-1")

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		e := &Entry{
			RunID:     "run-1",
			TaskID:    "task-1",
			Seq:       i,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     LevelInfo,
			Message:   "step",
			Metadata:  map[string]any{"i": float64(i)},
		}
		require.NoError(t, store.Append(ctx, e))
		assert.NotZero(t, e.ID)
	}

	entries, total, err := store.Page(ctx, Query{RunID: "run-1"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, entries, 4)

	// Reverse chronological: the newest entry comes first.
	assert.Equal(t, 3, entries[0].Seq)
	assert.Equal(t, 0, entries[3].Seq)
	assert.Equal(t, map[string]any{"i": float64(3)}, entries[0].Metadata)
}

func TestSQLStorePageOffset(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewSQLStore(db)
	ctx := context.Background()
	seedRun(t, db, "run-1")

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &Entry{
			RunID:     "run-1",
			Seq:       i,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     LevelInfo,
			Message:   "step",
		}))
	}

	page1, total, err := store.Page(ctx, Query{RunID: "run-1"}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	assert.Equal(t, 4, page1[0].Seq)

	page2, _, err := store.Page(ctx, Query{RunID: "run-1"}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, 2, page2[0].Seq)
}

func TestSQLStoreFilters(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewSQLStore(db)
	ctx := context.Background()
	seedRun(t, db, "run-1")
	seedRun(t, db, "run-2")

	require.NoError(t, store.Append(ctx, &Entry{RunID: "run-1", TaskID: "a", Level: LevelInfo, Message: "m1"}))
	require.NoError(t, store.Append(ctx, &Entry{RunID: "run-1", TaskID: "b", Level: LevelError, Message: "m2"}))
	require.NoError(t, store.Append(ctx, &Entry{RunID: "run-2", TaskID: "a", Level: LevelInfo, Message: "m3"}))

	entries, total, err := store.Page(ctx, Query{RunID: "run-1"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, entries, 2)

	entries, total, err = store.Page(ctx, Query{RunID: "run-1", TaskID: "a"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message)

	entries, total, err = store.Page(ctx, Query{RunID: "run-1", Level: LevelError}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "m2", entries[0].Message)
}

func TestReaderAgainstSQLStore(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewSQLStore(db)
	ctx := context.Background()
	seedRun(t, db, "run-1")

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		require.NoError(t, store.Append(ctx, &Entry{
			RunID:     "run-1",
			Seq:       i,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Level:     LevelInfo,
			Message:   "step",
		}))
	}

	reader := NewReader(store, 5, 5)
	result, err := reader.Fetch(ctx, Query{RunID: "run-1"}, 0)
	require.NoError(t, err)

	require.Len(t, result.Entries, 5)
	assert.Equal(t, 8, result.Total)
	assert.Equal(t, 7, result.Entries[0].Seq)
	assert.Equal(t, 3, result.Entries[4].Seq)
	require.NotNil(t, result.Warning)
	assert.Equal(t, WarningTruncated, result.Warning.Type)
}

func TestRecorder(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewSQLStore(db)
	ctx := context.Background()
	seedRun(t, db, "run-1")

	tc := dispatch.TaskContext{TaskID: "root", RootTaskID: "root"}
	rec := NewRecorder(store, "run-1", tc)

	rec.Info(ctx, "starting", nil)
	rec.Warn(ctx, "slow upstream", map[string]any{"latency_ms": float64(950)})

	child := rec.Child("chunk-1")
	child.Info(ctx, "chunk done", nil)

	entries, total, err := store.Page(ctx, Query{RunID: "run-1"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	bySeq := make(map[string]Entry)
	for _, e := range entries {
		bySeq[e.Message] = e
	}

	assert.Equal(t, "root", bySeq["starting"].TaskID)
	assert.Equal(t, 0, bySeq["starting"].Seq)
	assert.Equal(t, 1, bySeq["slow upstream"].Seq)
	assert.Equal(t, LevelWarn, bySeq["slow upstream"].Level)
	assert.Equal(t, map[string]any{"latency_ms": float64(950)}, bySeq["slow upstream"].Metadata)

	chunk := bySeq["chunk done"]
	assert.Equal(t, "chunk-1", chunk.TaskID)
	assert.Equal(t, "root", chunk.ParentTaskID)
	assert.Equal(t, "root", chunk.RootTaskID)
}
