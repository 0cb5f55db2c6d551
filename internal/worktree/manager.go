package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/common/logger"
)

// Manager runs Git worktree operations for sessions. Operations against the
// same repository are serialized; different repositories proceed independently.
type Manager struct {
	config     Config
	logger     *logger.Logger
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates a worktree manager and ensures the base directory exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	return &Manager{
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// getRepoLock returns the mutex serializing operations on one repository.
func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if lock, exists := m.repoLocks[repoPath]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// IsEnabled returns whether worktree mode is enabled.
func (m *Manager) IsEnabled() bool {
	return m.config.Enabled
}

// BranchPrefix returns the prefix used for generated branches.
func (m *Manager) BranchPrefix() string {
	return m.config.BranchPrefix
}

// GenerateBranch returns a fresh prefixed branch name.
func (m *Manager) GenerateBranch() string {
	return m.config.GenerateBranch()
}

// RepoRoot resolves the repository top level containing dir.
func (m *Manager) RepoRoot(ctx context.Context, dir string) (string, error) {
	return repoRoot(ctx, dir)
}

// IsDirty reports whether the checkout at dir has uncommitted changes.
func (m *Manager) IsDirty(ctx context.Context, dir string) (bool, error) {
	return isDirty(ctx, dir)
}

// List returns all worktrees of the repository containing dir, including
// the primary checkout.
func (m *Manager) List(ctx context.Context, dir string) ([]*Worktree, error) {
	root, err := repoRoot(ctx, dir)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(root, out), nil
}

// ListManaged returns the worktrees whose branches carry the bridge's prefix.
func (m *Manager) ListManaged(ctx context.Context, dir string) ([]*Worktree, error) {
	all, err := m.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var managed []*Worktree
	for _, wt := range all {
		if strings.HasPrefix(wt.Branch, m.config.BranchPrefix) {
			managed = append(managed, wt)
		}
	}
	return managed, nil
}

// Find locates a worktree by branch name (with or without the prefix) or by
// checkout path.
func (m *Manager) Find(ctx context.Context, dir, branchOrPath string) (*Worktree, error) {
	all, err := m.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	for _, wt := range all {
		if wt.Branch == branchOrPath || wt.Path == branchOrPath {
			return wt, nil
		}
		if wt.Branch == m.config.BranchPrefix+branchOrPath {
			return wt, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, branchOrPath)
}

// Create adds a worktree on a new branch. An empty branch name generates a
// prefixed one. The branch must not already exist; joining an existing
// branch goes through Find instead.
func (m *Manager) Create(ctx context.Context, dir, branch string) (*Worktree, error) {
	if !m.config.Enabled {
		return nil, ErrDisabled
	}

	root, err := repoRoot(ctx, dir)
	if err != nil {
		return nil, err
	}

	if branch == "" {
		branch = m.config.GenerateBranch()
	}
	if err := ValidateBranchName(branch); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}

	repoLock := m.getRepoLock(root)
	repoLock.Lock()
	defer repoLock.Unlock()

	if branchExists(ctx, root, branch) {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branch)
	}

	path, err := m.config.CheckoutPath(root, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to build checkout path: %w", err)
	}

	// git worktree add <path> -b <branch>
	if _, err := runGit(ctx, root, "worktree", "add", path, "-b", branch); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("branch", branch),
			zap.String("path", path),
			zap.Error(err))
		return nil, err
	}

	m.logger.Info("created worktree",
		zap.String("repo", root),
		zap.String("branch", branch),
		zap.String("path", path))

	return &Worktree{RepoRoot: root, Path: path, Branch: branch}, nil
}

// Remove deletes a worktree checkout. Without force, git's refusal (for a
// dirty tree) is returned for the user to act on; with force, a failed
// remove falls back to deleting the directory and pruning.
func (m *Manager) Remove(ctx context.Context, wt *Worktree, force bool) error {
	repoLock := m.getRepoLock(wt.RepoRoot)
	repoLock.Lock()
	defer repoLock.Unlock()

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wt.Path)

	if _, err := runGit(ctx, wt.RepoRoot, args...); err != nil {
		if !force {
			return err
		}
		m.logger.Debug("git worktree remove failed, falling back to rm", zap.Error(err))

		if rmErr := os.RemoveAll(wt.Path); rmErr != nil {
			return rmErr
		}
		if _, pruneErr := runGit(ctx, wt.RepoRoot, "worktree", "prune"); pruneErr != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(pruneErr))
		}
	}

	m.logger.Info("removed worktree",
		zap.String("repo", wt.RepoRoot),
		zap.String("branch", wt.Branch),
		zap.String("path", wt.Path))

	return nil
}

// IsValid checks whether a worktree directory is usable. Worktree checkouts
// carry a .git file containing a gitdir pointer.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}

	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}
