package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpipeline/internal/apperrors"
	"cdpipeline/internal/gate"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/run"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshot(id string, created time.Time, status run.Status) run.Snapshot {
	return run.Snapshot{
		ID:        id,
		Pipeline:  "maps-pipeline",
		Status:    status,
		CreatedAt: created,
		Actions: []run.ActionRecord{
			{ID: pipeline.NewActionID("Source", "SourceAppCode"), Kind: pipeline.KindSource, State: run.ActionPending},
		},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, snapshot("run-1", created, run.StatusRunning)))

	done := snapshot("run-1", created, run.StatusSucceeded)
	done.Actions[0].State = run.ActionSucceeded
	done.Actions[0].Variables = map[string]string{pipeline.VarCommitID: "abc123"}
	require.NoError(t, s.Save(ctx, done))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusSucceeded, got.Status)
	assert.True(t, created.Equal(got.CreatedAt))
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "abc123", got.Actions[0].Variables[pipeline.VarCommitID])
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, snapshot("old", base, run.StatusSucceeded)))
	require.NoError(t, s.Save(ctx, snapshot("new", base.Add(time.Minute), run.StatusRunning)))

	runs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, "old", runs[1].ID)
}

func TestStore_Decisions(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, snapshot("run-1", time.Now(), run.StatusRunning)))

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	rec := gate.Record{
		ID:        "DeployToTest/ManualApprovalOfTestEnvironment",
		State:     gate.Rejected,
		DecidedBy: "jdoe",
		Comment:   "smoke tests flaky",
		DecidedAt: &at,
	}
	require.NoError(t, s.RecordDecision(ctx, "run-1", rec))
	assert.Error(t, s.RecordDecision(ctx, "run-1", rec), "a gate is decided once")

	got, err := s.Decisions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, gate.Rejected, got[0].State)
	assert.Equal(t, "jdoe", got[0].DecidedBy)
	require.NotNil(t, got[0].DecidedAt)
	assert.True(t, at.Equal(*got[0].DecidedAt))
}

func TestStore_Ready(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	assert.NoError(t, s.Ready(context.Background()))
}

type unusedSources struct{}

func (unusedSources) Fetch(context.Context, run.SourceRequest) (*run.SourceResult, error) {
	return nil, errors.New("not used")
}

type unusedBuilds struct{}

func (unusedBuilds) Execute(context.Context, run.BuildRequest) (*run.BuildResult, error) {
	return nil, errors.New("not used")
}

func TestStore_RecoverAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	before, err := New(path)
	require.NoError(t, err)
	live := snapshot("run-live", time.Now().Add(-time.Minute), run.StatusRunning)
	live.Actions = append(live.Actions, run.ActionRecord{
		ID: pipeline.NewActionID("DeployToTest", "ManualApprovalOfTestEnvironment"), Kind: pipeline.KindApproval, State: run.ActionAwaitingApproval,
	})
	live.Actions[0].State = run.ActionSucceeded
	require.NoError(t, before.Save(ctx, live))
	require.NoError(t, before.Close())

	after, err := New(path)
	require.NoError(t, err)
	svc, err := run.NewService(run.Config{Sources: unusedSources{}, Builds: unusedBuilds{}, Store: after, WorkDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })

	n, err := svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := after.Get(ctx, "run-live")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, run.ActionSucceeded, got.Actions[0].State)
	assert.Equal(t, run.ActionSkipped, got.Actions[1].State)
}
