package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Worktree describes one checkout attached to a repository.
type Worktree struct {
	RepoRoot string
	Path     string
	Branch   string
	Head     string
	Bare     bool
	Detached bool
}

// runGit executes a git command in dir and returns its trimmed combined output.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), out)
	}
	return out, nil
}

// IsRepo checks whether path is inside a Git repository. Worktree checkouts
// carry a .git file instead of a directory, so both forms count.
func IsRepo(path string) bool {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// repoRoot resolves the repository top level for dir.
func repoRoot(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRepoNotGit, dir)
	}
	return out, nil
}

// isDirty reports whether the checkout has uncommitted changes.
func isDirty(ctx context.Context, dir string) (bool, error) {
	out, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// branchExists checks whether a local branch exists in the repository.
func branchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := runGit(ctx, repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// parseWorktreeList parses `git worktree list --porcelain` output. Entries
// are separated by blank lines; each line is "attribute value" or a bare
// attribute ("bare", "detached").
func parseWorktreeList(repoRoot, output string) []*Worktree {
	var (
		result  []*Worktree
		current *Worktree
	)

	flush := func() {
		if current != nil && current.Path != "" {
			result = append(result, current)
		}
		current = nil
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			flush()
			current = &Worktree{RepoRoot: repoRoot, Path: value}
		case "HEAD":
			if current != nil {
				current.Head = value
			}
		case "branch":
			if current != nil {
				current.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "bare":
			if current != nil {
				current.Bare = true
			}
		case "detached":
			if current != nil {
				current.Detached = true
			}
		}
	}
	flush()

	return result
}
