// Package gitdiff computes structured diff snapshots for git-diff workers.
package gitdiff

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileDiff is one changed file in a snapshot.
type FileDiff struct {
	Path      string `json:"path"`
	OldPath   string `json:"oldPath,omitempty"` // set for renames
	Status    string `json:"status"`            // added, modified, deleted, renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Binary    bool   `json:"binary,omitempty"`
}

// Snapshot is a structured diff between the base commit and the target (the
// working tree when no target is set).
type Snapshot struct {
	BaseCommit   string     `json:"baseCommit"`
	TargetCommit string     `json:"targetCommit,omitempty"`
	Files        []FileDiff `json:"files"`
	ComputedAt   time.Time  `json:"computedAt"`
}

// FileLines is a slice of a file's content at a ref.
type FileLines struct {
	Path  string   `json:"path"`
	Start int      `json:"start"`
	End   int      `json:"end"`
	Lines []string `json:"lines"`
}

type runFunc func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Computer computes diff snapshots for one worktree. Base and target commits
// are adjustable by the consumer over the git-diff channel.
type Computer struct {
	dir string
	run runFunc

	mu           sync.RWMutex
	baseCommit   string
	targetCommit string
}

// NewComputer creates a diff computer rooted at a worktree directory.
func NewComputer(dir, baseCommit string) *Computer {
	if baseCommit == "" {
		baseCommit = "HEAD"
	}
	return &Computer{dir: dir, run: execGit, baseCommit: baseCommit}
}

// SetBaseCommit changes the diff base.
func (c *Computer) SetBaseCommit(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref != "" {
		c.baseCommit = ref
	}
}

// SetTargetCommit changes the diff target. Empty means the working tree.
func (c *Computer) SetTargetCommit(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetCommit = ref
}

// Compute produces a snapshot of the current base/target pair.
func (c *Computer) Compute(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	base, target := c.baseCommit, c.targetCommit
	c.mu.RUnlock()

	diffArgs := func(format string) []string {
		args := []string{"diff", format}
		if target != "" {
			args = append(args, base, target)
		} else {
			args = append(args, base)
		}
		return args
	}

	numstat, err := c.run(ctx, c.dir, diffArgs("--numstat")...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff stats: %w", err)
	}
	nameStatus, err := c.run(ctx, c.dir, diffArgs("--name-status")...)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff statuses: %w", err)
	}

	files, err := mergeDiffOutput(numstat, nameStatus)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		BaseCommit:   base,
		TargetCommit: target,
		Files:        files,
		ComputedAt:   time.Now().UTC(),
	}, nil
}

// mergeDiffOutput joins numstat counts with name-status letters into one
// file list, keyed by the post-change path.
func mergeDiffOutput(numstat, nameStatus string) ([]FileDiff, error) {
	files := []FileDiff{}
	index := map[string]int{}

	for _, line := range strings.Split(strings.TrimRight(numstat, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			return nil, fmt.Errorf("unexpected numstat line %q", line)
		}

		var fd FileDiff
		if oldPath, newPath, ok := splitRenamePath(parts[2]); ok {
			fd.Path, fd.OldPath = newPath, oldPath
		} else {
			fd.Path = parts[2]
		}
		if parts[0] == "-" || parts[1] == "-" {
			fd.Binary = true
		} else {
			var err error
			if fd.Additions, err = strconv.Atoi(parts[0]); err != nil {
				return nil, fmt.Errorf("unexpected numstat line %q", line)
			}
			if fd.Deletions, err = strconv.Atoi(parts[1]); err != nil {
				return nil, fmt.Errorf("unexpected numstat line %q", line)
			}
		}
		index[fd.Path] = len(files)
		files = append(files, fd)
	}

	for _, line := range strings.Split(strings.TrimRight(nameStatus, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			return nil, fmt.Errorf("unexpected name-status line %q", line)
		}

		status, path, oldPath := parts[0], parts[len(parts)-1], ""
		if strings.HasPrefix(status, "R") && len(parts) >= 3 {
			oldPath = parts[1]
		}

		i, ok := index[path]
		if !ok {
			continue
		}
		if oldPath != "" {
			files[i].OldPath = oldPath
		}
		switch {
		case status == "A":
			files[i].Status = "added"
		case status == "D":
			files[i].Status = "deleted"
		case strings.HasPrefix(status, "R"):
			files[i].Status = "renamed"
		default:
			files[i].Status = "modified"
		}
	}

	return files, nil
}

// splitRenamePath expands git's rename notation in numstat path fields. The
// plain form is "old => new"; when old and new share a prefix or suffix git
// collapses the differing segment into braces, "dir/{old => new}/file.go",
// with either side possibly empty.
func splitRenamePath(field string) (oldPath, newPath string, ok bool) {
	arrow := strings.Index(field, " => ")
	if arrow < 0 {
		return "", "", false
	}

	open := strings.LastIndex(field[:arrow], "{")
	if open >= 0 {
		rest := field[arrow+len(" => "):]
		if closing := strings.Index(rest, "}"); closing >= 0 {
			prefix, suffix := field[:open], rest[closing+1:]
			oldPath = collapseSlashes(prefix + field[open+1:arrow] + suffix)
			newPath = collapseSlashes(prefix + rest[:closing] + suffix)
			return oldPath, newPath, true
		}
	}
	return field[:arrow], field[arrow+len(" => "):], true
}

// collapseSlashes drops the doubled separator left behind when a brace side
// is empty, as in "dir/{ => sub}/file.go".
func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// Lines returns the [start, end] line range (1-based, inclusive) of a file
// at a ref. An empty ref reads the working tree via the base.
func (c *Computer) Lines(ctx context.Context, path string, start, end int, ref string) (*FileLines, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("invalid line range %d..%d", start, end)
	}
	if ref == "" {
		c.mu.RLock()
		ref = c.baseCommit
		c.mu.RUnlock()
	}

	out, err := c.run(ctx, c.dir, "show", ref+":"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", path, ref, err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if start > len(lines) {
		return &FileLines{Path: path, Start: start, End: end, Lines: []string{}}, nil
	}
	if end > len(lines) {
		end = len(lines)
	}
	return &FileLines{
		Path:  path,
		Start: start,
		End:   end,
		Lines: lines[start-1 : end],
	}, nil
}
