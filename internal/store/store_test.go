package store_test

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/planrun/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "planrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newExecution(started time.Time) store.Execution {
	return store.Execution{
		UUID:        uuid.NewString(),
		Kind:        "execute",
		PlanPath:    "plans/deploy.plan",
		ConfigID:    "prod",
		LaunchState: "PENDING",
		StartedAt:   started,
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	e := newExecution(started)

	require.NoError(t, store.Start(ctx, db, e))
	// repeated start of a running execution is fine
	require.NoError(t, store.Start(ctx, db, e))

	row, err := store.Get(ctx, db, e.UUID)
	require.NoError(t, err)
	require.True(t, row.InProgress)
	require.Equal(t, started, row.StartedAt)
	require.Nil(t, row.LogPath)
	require.Nil(t, row.FinishedAt)

	require.NoError(t, store.Launched(ctx, db, e.UUID, "LAUNCHED", "logs/deploy.log"))
	finished := started.Add(time.Minute)
	require.NoError(t, store.FinishOK(ctx, db, e.UUID, finished, 0))

	row, err = store.Get(ctx, db, e.UUID)
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.Equal(t, "LAUNCHED", row.LaunchState)
	require.NotNil(t, row.LogPath)
	require.Equal(t, "logs/deploy.log", *row.LogPath)
	require.NotNil(t, row.FinishedAt)
	require.Equal(t, finished, *row.FinishedAt)
	require.NotNil(t, row.ExitCode)
	require.Equal(t, 0, *row.ExitCode)
	require.Nil(t, row.FailureReason)
	require.Contains(t, row.String(), "exit_code: 0")

	require.ErrorIs(t, store.Start(ctx, db, e), store.ErrAlreadyFinished)
	require.ErrorIs(t, store.FinishOK(ctx, db, e.UUID, finished, 0), store.ErrAlreadyFinished)
}

func TestFinishErr(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()

	e := newExecution(time.Now())
	require.NoError(t, store.Start(ctx, db, e))
	require.NoError(t, store.FinishErr(ctx, db, e.UUID, "LAUNCH_FAILED", time.Now(), nil, "plan path is empty"))

	row, err := store.Get(ctx, db, e.UUID)
	require.NoError(t, err)
	require.Equal(t, "LAUNCH_FAILED", row.LaunchState)
	require.Nil(t, row.ExitCode)
	require.NotNil(t, row.FailureReason)
	require.Equal(t, "plan path is empty", *row.FailureReason)

	code := 3
	other := newExecution(time.Now())
	require.NoError(t, store.Start(ctx, db, other))
	require.NoError(t, store.FinishErr(ctx, db, other.UUID, "LAUNCHED", time.Now(), &code, "exit status 3"))
	row, err = store.Get(ctx, db, other.UUID)
	require.NoError(t, err)
	require.NotNil(t, row.ExitCode)
	require.Equal(t, 3, *row.ExitCode)
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()

	_, err := store.Get(ctx, db, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, store.Launched(ctx, db, "nope", "LAUNCHED", "x"), store.ErrNotFound)
	require.ErrorIs(t, store.FinishOK(ctx, db, "nope", time.Now(), 0), store.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, db, "nope"), store.ErrNotFound)
}

func TestList(t *testing.T) {
	t.Parallel()
	db := newDB(t)
	ctx := t.Context()

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := range 5 {
		e := newExecution(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, store.Start(ctx, db, e))
		ids = append(ids, e.UUID)
	}

	rows, err := store.List(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, ids[4], rows[0].UUID)
	require.Equal(t, ids[3], rows[1].UUID)

	rows, err = store.List(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	require.NoError(t, store.Delete(ctx, db, ids[0]))
	rows, err = store.List(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)
}
