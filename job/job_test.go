package job

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tempo/auth"
	"github.com/teranos/tempo/errors"
	tempotest "github.com/teranos/tempo/internal/testing"
	"github.com/teranos/tempo/schedule"
)

func TestValidate(t *testing.T) {
	j := &Job{Title: "Nightly import", Task: "import"}
	assert.NoError(t, j.Validate())

	blank := &Job{Title: "   ", Task: "import"}
	var verr *ValidationError
	require.ErrorAs(t, blank.Validate(), &verr)
	assert.Equal(t, "title", verr.Field)

	long := &Job{Title: strings.Repeat("x", MaxTitleLength+1), Task: "import"}
	require.ErrorAs(t, long.Validate(), &verr)
	assert.Equal(t, "title", verr.Field)

	exact := &Job{Title: strings.Repeat("x", MaxTitleLength), Task: "import"}
	assert.NoError(t, exact.Validate())

	noTask := &Job{Title: "No task"}
	require.ErrorAs(t, noTask.Validate(), &verr)
	assert.Equal(t, "task", verr.Field)
}

func TestValidateSchedule(t *testing.T) {
	j := &Job{
		Title:    "Bad schedule",
		Task:     "import",
		Schedule: &schedule.Spec{Type: "fortnightly"},
	}
	var cerr *schedule.ConfigurationError
	assert.ErrorAs(t, j.Validate(), &cerr)
}

func TestStoreCRUD(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	j := &Job{
		Active:       true,
		Title:        "Harvest records",
		Description:  "Pulls new records from upstream",
		Task:         "harvest",
		DefaultQueue: "low",
		DefaultArgs:  map[string]any{"batch": float64(100)},
		Schedule:     &schedule.Spec{Type: schedule.TypeInterval, Hours: 4},
		Notifications: &Notifications{
			Emails:   []string{"ops@example.org"},
			Statuses: []string{"FAILED"},
		},
	}
	require.NoError(t, store.Create(ctx, j))
	require.NotEmpty(t, j.ID)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "Harvest records", got.Title)
	assert.True(t, got.Active)
	assert.Equal(t, map[string]any{"batch": float64(100)}, got.DefaultArgs)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, 4*time.Hour, got.Schedule.Interval())
	require.NotNil(t, got.Notifications)
	assert.True(t, got.Notifications.WantsStatus("FAILED"))
	assert.False(t, got.Notifications.WantsStatus("SUCCESS"))
	assert.Nil(t, got.LastFiredAt)

	got.Title = "Harvest records v2"
	got.Active = false
	require.NoError(t, store.Update(ctx, got))

	got2, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "Harvest records v2", got2.Title)
	assert.False(t, got2.Active)

	require.NoError(t, store.Delete(ctx, j.ID))
	_, err = store.Get(ctx, j.ID)
	var nferr *NotFoundError
	assert.ErrorAs(t, err, &nferr)
}

func TestStoreGetMissing(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Get(context.Background(), "nope")
	var nferr *NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "nope", nferr.ID)
}

func TestStoreDeleteWithRuns(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	j := &Job{Title: "Has history", Task: "noop"}
	require.NoError(t, store.Create(ctx, j))

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, status, title, created_at, updated_at)
		VALUES ('r1', ?, 'SUCCESS', 'Has history', ?, ?)`, j.ID, now, now)
	require.NoError(t, err)

	err = store.Delete(ctx, j.ID)
	assert.True(t, errors.IsConflictError(err))

	// The job must still be there.
	_, err = store.Get(ctx, j.ID)
	assert.NoError(t, err)
}

func TestStoreListAndSearch(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Job{Title: "Index rebuild", Task: "index", Active: true}))
	require.NoError(t, store.Create(ctx, &Job{Title: "Cleanup", Description: "prunes old index entries", Task: "cleanup"}))
	require.NoError(t, store.Create(ctx, &Job{Title: "Backup", Task: "backup", Active: true}))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	byTitle, err := store.Search(ctx, "index")
	require.NoError(t, err)
	require.Len(t, byTitle, 2) // title match plus description match

	none, err := store.Search(ctx, "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreSetLastFiredTx(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	j := &Job{Title: "Fires", Task: "noop"}
	require.NoError(t, store.Create(ctx, j))

	firedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetLastFiredTx(ctx, tx, j.ID, firedAt))
	require.NoError(t, tx.Commit())

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, got.LastFiredAt.Equal(firedAt))
}

func TestServiceGuard(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	svc := NewService(NewStore(db), auth.DenyAll{})
	ctx := context.Background()

	err := svc.Create(ctx, "alice", &Job{Title: "Denied", Task: "noop"})
	assert.True(t, errors.IsUnauthorizedError(err))

	_, err = svc.List(ctx, "alice")
	assert.True(t, errors.IsUnauthorizedError(err))
}

func TestServiceAllows(t *testing.T) {
	db := tempotest.CreateTestDB(t)
	svc := NewService(NewStore(db), nil)
	ctx := context.Background()

	j := &Job{Title: "Allowed", Task: "noop"}
	require.NoError(t, svc.Create(ctx, auth.System, j))

	got, err := svc.Read(ctx, auth.System, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "Allowed", got.Title)
}

func TestErrorSentinels(t *testing.T) {
	assert.True(t, errors.IsNotFoundError(&NotFoundError{ID: "j1"}))
	assert.True(t, errors.Is(&ValidationError{Field: "title", Reason: "must not be blank"}, errors.ErrInvalidRequest))
}
