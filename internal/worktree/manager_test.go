package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/repository"
)

type gitCall struct {
	dir  string
	args []string
}

// fakeGit records git invocations and returns canned output per subcommand.
type fakeGit struct {
	mu       sync.Mutex
	calls    []gitCall
	branches map[string]bool
	outputs  map[string]string
	errs     map[string]error
	block    chan struct{} // when set, worktree remove blocks until closed
}

func (g *fakeGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, gitCall{dir: dir, args: args})
	block := g.block
	g.mu.Unlock()

	key := strings.Join(args, " ")
	if block != nil && len(args) >= 2 && args[0] == "worktree" && args[1] == "remove" {
		<-block
	}
	if err, ok := g.errs[args[0]]; ok {
		return "", err
	}
	if len(args) >= 2 && args[0] == "rev-parse" && args[1] == "--verify" {
		branch := strings.TrimPrefix(args[len(args)-1], "refs/heads/")
		if !g.branches[branch] {
			return "", fmt.Errorf("unknown branch %s", branch)
		}
		return "abc123", nil
	}
	if out, ok := g.outputs[key]; ok {
		return out, nil
	}
	if args[0] == "symbolic-ref" {
		return "origin/main", nil
	}
	return "", nil
}

func (g *fakeGit) callCount(sub string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.args[0] == sub {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *fakeGit, *repository.Store) {
	t.Helper()

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	pool := db.NewPool(writer, writer)

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	repoStore, err := repository.NewStore(pool, log)
	require.NoError(t, err)
	wtStore, err := NewStore(pool, log)
	require.NoError(t, err)

	cfg := config.WorktreeConfig{BranchPrefix: "console/", MaxPerRepo: 3}
	mgr := NewManager(wtStore, repoStore, cfg, t.TempDir(), log)

	git := &fakeGit{branches: map[string]bool{"main": true, "release": true}}
	mgr.run = git.run
	return mgr, git, repoStore
}

func registerRepo(t *testing.T, repos *repository.Store, id, name string) {
	t.Helper()
	require.NoError(t, repos.Create(context.Background(), &repository.Repository{
		ID:   id,
		Name: name,
		Path: filepath.Join(t.TempDir(), name),
	}))
}

func TestCreateCustomModeAssignsMonotonicIndex(t *testing.T) {
	mgr, _, repos := newTestManager(t)
	ctx := context.Background()
	registerRepo(t, repos, "repo-1", "demo")

	first, err := mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeCustom, Branch: "feature/x", BaseBranch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Index)
	assert.Equal(t, "feature/x", first.Branch)
	assert.Contains(t, first.Path, "demo-1")

	second, err := mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeCustom, Branch: "feature/y", BaseBranch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Index)
}

func TestCreatePromptModeDerivesBranch(t *testing.T) {
	mgr, _, repos := newTestManager(t)
	registerRepo(t, repos, "repo-1", "demo")

	wt, err := mgr.Create(context.Background(), "repo-1", CreateRequest{
		Mode:   ModePrompt,
		Prompt: "Add OAuth2 login support!",
	})
	require.NoError(t, err)
	assert.Equal(t, "console/add-oauth2-login-support", wt.Branch)
	assert.Equal(t, "main", wt.BaseBranch, "base falls back to the default branch")
}

func TestCreateExistingModeRequiresBranch(t *testing.T) {
	mgr, _, repos := newTestManager(t)
	ctx := context.Background()
	registerRepo(t, repos, "repo-1", "demo")

	_, err := mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeExisting, Branch: "release"})
	require.NoError(t, err)

	_, err = mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeExisting, Branch: "nope"})
	assert.Error(t, err)

	_, err = mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeExisting})
	assert.ErrorIs(t, err, ErrBranchRequired)
}

func TestCreateEnforcesPerRepoLimit(t *testing.T) {
	mgr, _, repos := newTestManager(t)
	ctx := context.Background()
	registerRepo(t, repos, "repo-1", "demo")

	for i := 0; i < 3; i++ {
		_, err := mgr.Create(ctx, "repo-1", CreateRequest{
			Mode: ModeCustom, Branch: fmt.Sprintf("b-%d", i), BaseBranch: "main",
		})
		require.NoError(t, err)
	}
	_, err := mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeCustom, Branch: "b-over", BaseBranch: "main"})
	assert.ErrorIs(t, err, ErrTooManyWorktrees)
}

func TestCreateUnknownRepository(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.Create(context.Background(), "missing", CreateRequest{Mode: ModeCustom, Branch: "x"})
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestRemoveDeletesRowAndConfinesPath(t *testing.T) {
	mgr, _, repos := newTestManager(t)
	ctx := context.Background()
	registerRepo(t, repos, "repo-1", "demo")

	wt, err := mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeCustom, Branch: "feature/x", BaseBranch: "main"})
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ctx, "repo-1", wt.Path, false))

	remaining, err := mgr.List(ctx, "repo-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	err = mgr.Remove(ctx, "repo-1", "/etc", true)
	assert.ErrorIs(t, err, ErrOutsideManagedRoot)
}

func TestRemoveConflictsWhileDeletionInFlight(t *testing.T) {
	mgr, git, repos := newTestManager(t)
	ctx := context.Background()
	registerRepo(t, repos, "repo-1", "demo")

	wt, err := mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeCustom, Branch: "feature/x", BaseBranch: "main"})
	require.NoError(t, err)

	git.mu.Lock()
	git.block = make(chan struct{})
	git.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- mgr.Remove(ctx, "repo-1", wt.Path, false) }()

	// Wait for the first removal to hold the guard, then race a second one.
	deadline := time.Now().Add(5 * time.Second)
	for {
		mgr.deletionsMu.Lock()
		held := len(mgr.deletions) > 0
		mgr.deletionsMu.Unlock()
		if held {
			break
		}
		require.False(t, time.Now().After(deadline), "first deletion never acquired the guard")
		time.Sleep(5 * time.Millisecond)
	}

	err = mgr.Remove(ctx, "repo-1", wt.Path, false)
	assert.ErrorIs(t, err, ErrDeletionInProgress)

	close(git.block)
	require.NoError(t, <-done)

	// Guard is released afterwards.
	mgr.deletionsMu.Lock()
	assert.Empty(t, mgr.deletions)
	mgr.deletionsMu.Unlock()
}

func TestRepositoryDeleteCascadesWorktrees(t *testing.T) {
	mgr, _, repos := newTestManager(t)
	ctx := context.Background()
	registerRepo(t, repos, "repo-1", "one")
	registerRepo(t, repos, "repo-2", "two")

	_, err := mgr.Create(ctx, "repo-1", CreateRequest{Mode: ModeCustom, Branch: "a", BaseBranch: "main"})
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "repo-2", CreateRequest{Mode: ModeCustom, Branch: "b", BaseBranch: "main"})
	require.NoError(t, err)

	require.NoError(t, repos.Delete(ctx, "repo-1"))

	gone, err := mgr.store.FindByRepository(ctx, "repo-1")
	require.NoError(t, err)
	assert.Empty(t, gone, "cascade removes the deleted repository's worktrees")

	kept, err := mgr.store.FindByRepository(ctx, "repo-2")
	require.NoError(t, err)
	assert.Len(t, kept, 1, "other repositories' worktrees are unaffected")
}

func TestRemoteStatusParsesCounts(t *testing.T) {
	mgr, git, repos := newTestManager(t)
	registerRepo(t, repos, "repo-1", "demo")

	git.outputs = map[string]string{
		"rev-list --left-right --count feature/x...origin/feature/x": "3\t5",
	}

	status, err := mgr.RemoteStatus(context.Background(), "repo-1", "feature/x")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Ahead)
	assert.Equal(t, 5, status.Behind)
}

func TestFetchAllTouchesEveryRepository(t *testing.T) {
	mgr, git, repos := newTestManager(t)
	registerRepo(t, repos, "repo-1", "one")
	registerRepo(t, repos, "repo-2", "two")

	require.NoError(t, mgr.FetchAll(context.Background()))
	assert.Equal(t, 2, git.callCount("fetch"))
}
