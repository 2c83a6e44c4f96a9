package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdva/internal/db"
	"tdva/internal/domain"
	"tdva/internal/migrate"
	"tdva/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return repo.Repo{DB: conn}
}

func sampleRun(id, created string) domain.Run {
	return domain.Run{
		ID:          id,
		Mode:        "copy-package",
		ClientName:  "Acme",
		ProjectName: "retail",
		Package:     "retail-starter-pack",
		RepoName:    "va-acme",
		Status:      domain.RunPending,
		Steps: []domain.Step{
			{ID: "create-repo", Title: "Create Repository", Description: "d1", Status: domain.StepPending},
			{ID: "copy-files", Title: "Copy Package Files", Description: "d2", Status: domain.StepPending},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)

	run := sampleRun("run-1", "2026-01-01T10:00:00Z")
	require.NoError(t, r.SaveRun(ctx, run))

	run.Status = domain.RunFailed
	run.Attempt = 1
	run.SessionID = "session-1"
	run.Error = "Deployment Error: template missing"
	run.Warnings = []string{"rulesets skipped"}
	run.Steps[0].Status = domain.StepFailed
	run.Steps[0].Error = "template missing"
	run.Progress = 0
	run.UpdatedAt = "2026-01-01T10:01:00Z"
	require.NoError(t, r.SaveRun(ctx, run))

	got, err := r.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, []string{"rulesets skipped"}, got.Warnings)
	assert.Equal(t, "2026-01-01T10:00:00Z", got.CreatedAt, "created_at is kept on update")
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "create-repo", got.Steps[0].ID)
	assert.Equal(t, domain.StepFailed, got.Steps[0].Status)
	assert.Equal(t, "template missing", got.Steps[0].Error)
	assert.Equal(t, "copy-files", got.Steps[1].ID)
}

func TestGetRunNotFound(t *testing.T) {
	r := openRepo(t)
	_, err := r.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSaveRunRequiresID(t *testing.T) {
	r := openRepo(t)
	err := r.SaveRun(context.Background(), domain.Run{})
	assert.Error(t, err)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	require.NoError(t, r.SaveRun(ctx, sampleRun("run-a", "2026-01-01T10:00:00Z")))
	require.NoError(t, r.SaveRun(ctx, sampleRun("run-b", "2026-01-02T10:00:00Z")))
	require.NoError(t, r.SaveRun(ctx, sampleRun("run-c", "2026-01-03T10:00:00Z")))

	runs, err := r.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-a", runs[2].ID)

	runs, err = r.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRunEvents(t *testing.T) {
	ctx := context.Background()
	r := openRepo(t)
	fixed := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return fixed }
	require.NoError(t, r.SaveRun(ctx, sampleRun("run-1", "")))

	require.NoError(t, r.AppendEvent(ctx, "run.started", "run-1", "", map[string]any{"attempt": 1}))
	require.NoError(t, r.AppendEvent(ctx, "step.changed", "run-1", "create-repo", map[string]any{"status": "running"}))
	require.NoError(t, r.AppendEvent(ctx, "step.changed", "other", "create-repo", nil))

	evts, err := r.RunEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "run.started", evts[0].Type)
	assert.Equal(t, "create-repo", evts[1].StepID)
	assert.JSONEq(t, `{"status":"running"}`, evts[1].Payload)

	evts, err = r.RunEvents(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "step.changed", evts[0].Type, "limit keeps the latest events")
}

func TestKV(t *testing.T) {
	ctx := context.Background()
	kv := openRepo(t).KV()

	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", "v1"))
	require.NoError(t, kv.Set(ctx, "k", "v2"))
	require.NoError(t, kv.Set(ctx, "other", "x"))
	v, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, kv.Delete(ctx, "k", "other"))
	_, ok, err = kv.Get(ctx, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}
