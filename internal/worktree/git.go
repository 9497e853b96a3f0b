package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// gitRunFunc executes a git command in a directory and returns its trimmed
// stdout. Replaced in tests.
type gitRunFunc func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// detectDefaultBranch resolves the repository's default branch: the remote
// HEAD when available, falling back to the current local branch.
func detectDefaultBranch(ctx context.Context, run gitRunFunc, repoPath string) (string, error) {
	out, err := run(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	if err == nil && out != "" {
		return strings.TrimPrefix(out, "origin/"), nil
	}

	out, err = run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to detect default branch: %w", err)
	}
	return out, nil
}

// branchExists reports whether a local branch exists.
func branchExists(ctx context.Context, run gitRunFunc, repoPath, branch string) bool {
	_, err := run(ctx, repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// remoteStatus counts commits the local branch is behind and ahead of its
// remote counterpart.
func remoteStatus(ctx context.Context, run gitRunFunc, repoPath, branch string) (*RemoteStatus, error) {
	out, err := run(ctx, repoPath, "rev-list", "--left-right", "--count",
		fmt.Sprintf("%s...origin/%s", branch, branch))
	if err != nil {
		return nil, fmt.Errorf("failed to compare branch %s with remote: %w", branch, err)
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return nil, fmt.Errorf("unexpected rev-list output %q", out)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("unexpected rev-list output %q", out)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("unexpected rev-list output %q", out)
	}
	return &RemoteStatus{Ahead: ahead, Behind: behind}, nil
}
