// Package worktree provides Git worktree management so sessions can work
// on isolated checkouts of a shared repository.
package worktree

import "errors"

var (
	// ErrWorktreeNotFound is returned when no worktree matches a branch or path.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the directory is not inside a Git repository.
	ErrRepoNotGit = errors.New("not a git repository")

	// ErrBranchExists is returned when the requested branch already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidBranch is returned when a branch name fails git-check-ref-format rules.
	ErrInvalidBranch = errors.New("invalid branch name")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrDisabled is returned when worktree support is turned off in config.
	ErrDisabled = errors.New("worktree support is disabled")
)
