package repository

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agent-console/internal/common/httperr"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
)

type fakeSessionCounter struct {
	counts map[string]int
}

func (f *fakeSessionCounter) CountByRepository(_ context.Context, id string) (int, error) {
	return f.counts[id], nil
}

func newTestService(t *testing.T) (*Service, *fakeSessionCounter) {
	t.Helper()

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := NewStore(db.NewPool(writer, writer), log)
	require.NoError(t, err)

	sessions := &fakeSessionCounter{counts: map[string]int{}}
	svc := NewService(store, sessions, log)
	svc.remoteURL = func(context.Context, string) string { return "git@example.com:demo/repo.git" }
	return svc, sessions
}

func TestRegisterAndList(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dir := t.TempDir()
	repo, err := svc.Register(ctx, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), repo.Name)
	assert.Equal(t, dir, repo.Path)
	assert.Equal(t, "git@example.com:demo/repo.git", repo.RemoteURL)

	repos, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, repo.ID, repos[0].ID)
	assert.Equal(t, "git@example.com:demo/repo.git", repos[0].RemoteURL)
}

func TestRegisterValidatesPath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "", nil)
	assert.Equal(t, http.StatusBadRequest, httperr.Status(err))

	_, err = svc.Register(ctx, filepath.Join(t.TempDir(), "does-not-exist"), nil)
	assert.Equal(t, http.StatusBadRequest, httperr.Status(err))
}

func TestRegisterRejectsDuplicatePath(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	dir := t.TempDir()
	_, err := svc.Register(ctx, dir, nil)
	require.NoError(t, err)

	_, err = svc.Register(ctx, dir, nil)
	assert.Equal(t, http.StatusConflict, httperr.Status(err))
}

func TestUpdatePartialSemantics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	desc := "initial description"
	repo, err := svc.Register(ctx, t.TempDir(), &desc)
	require.NoError(t, err)

	// Absent fields are untouched.
	name := "renamed"
	got, err := svc.Update(ctx, repo.ID, UpdateRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	require.NotNil(t, got.Description)
	assert.Equal(t, desc, *got.Description)

	// Empty string clears nullable fields.
	empty := ""
	got, err = svc.Update(ctx, repo.ID, UpdateRequest{Description: &empty})
	require.NoError(t, err)
	assert.Nil(t, got.Description)
	assert.Equal(t, "renamed", got.Name)
}

func TestUpdateMissingRepository(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Update(context.Background(), "missing", UpdateRequest{})
	assert.Equal(t, http.StatusNotFound, httperr.Status(err))
}

func TestUnregisterGuardedBySessions(t *testing.T) {
	svc, sessions := newTestService(t)
	ctx := context.Background()

	repo, err := svc.Register(ctx, t.TempDir(), nil)
	require.NoError(t, err)

	sessions.counts[repo.ID] = 2
	err = svc.Unregister(ctx, repo.ID)
	assert.Equal(t, http.StatusConflict, httperr.Status(err))

	sessions.counts[repo.ID] = 0
	require.NoError(t, svc.Unregister(ctx, repo.ID))

	_, err = svc.Get(ctx, repo.ID)
	assert.Equal(t, http.StatusNotFound, httperr.Status(err))
}
