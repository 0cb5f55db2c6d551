// Package store persists session records as a single versioned JSON
// snapshot so sessions survive bridge restarts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/common/logger"
)

// SchemaVersion is the current on-disk snapshot version.
const SchemaVersion = 2

// SessionKey composes the store key for a thread on a platform.
func SessionKey(platformID, threadID string) string {
	return platformID + ":" + threadID
}

// WorktreeInfo records the git worktree a session runs in.
type WorktreeInfo struct {
	RepoRoot     string `json:"repoRoot"`
	WorktreePath string `json:"worktreePath"`
	Branch       string `json:"branch"`
}

// ModelUsage holds per-model token counters from the agent's result events.
type ModelUsage struct {
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUSD"`
	ContextWindow       int64   `json:"contextWindow,omitempty"`
}

// UsageStats aggregates the agent's reported usage for the session header.
type UsageStats struct {
	PrimaryModel      string                `json:"primaryModel,omitempty"`
	ModelDisplayName  string                `json:"modelDisplayName,omitempty"`
	ContextWindowSize int64                 `json:"contextWindowSize,omitempty"`
	ContextTokens     int64                 `json:"contextTokens,omitempty"`
	TotalTokensUsed   int64                 `json:"totalTokensUsed,omitempty"`
	TotalCostUSD      float64               `json:"totalCostUSD,omitempty"`
	PerModel          map[string]ModelUsage `json:"perModel,omitempty"`
}

// PersistedSession is the durable projection of a session: no timers, no
// live subprocess, just what a restart needs to resume.
type PersistedSession struct {
	PlatformID     string    `json:"platformId"`
	ThreadID       string    `json:"threadId"`
	ChannelID      string    `json:"channelId"`
	AgentSessionID string    `json:"agentSessionId"`
	StartedBy      string    `json:"startedBy"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	SessionNumber  int       `json:"sessionNumber"`

	WorkingDir string        `json:"workingDir"`
	Worktree   *WorktreeInfo `json:"worktree,omitempty"`

	AllowedUsers                []string `json:"allowedUsers"`
	ForceInteractivePermissions bool     `json:"forceInteractivePermissions,omitempty"`

	SessionStartPostID string `json:"sessionStartPostId,omitempty"`
	LifecyclePostID    string `json:"lifecyclePostId,omitempty"`
	CompactionPostID   string `json:"compactionPostId,omitempty"`

	Usage        *UsageStats `json:"usage,omitempty"`
	MessageCount int         `json:"messageCount,omitempty"`

	WasInterrupted  bool `json:"wasInterrupted,omitempty"`
	ResumeFailCount int  `json:"resumeFailCount,omitempty"`
}

// Key returns the session's store key.
func (p PersistedSession) Key() string {
	return SessionKey(p.PlatformID, p.ThreadID)
}

type snapshot struct {
	Version       int                         `json:"version"`
	Sessions      map[string]PersistedSession `json:"sessions"`
	StickyPostIDs map[string]string           `json:"stickyPostIds,omitempty"`
}

// snapshotV1 is the legacy single-platform layout: sessions keyed by bare
// thread id, one optional sticky post.
type snapshotV1 struct {
	Version      int                         `json:"version"`
	Sessions     map[string]PersistedSession `json:"sessions"`
	StickyPostID string                      `json:"stickyPostId,omitempty"`
}

// Store reads and writes the session snapshot file. All mutations rewrite
// the whole file atomically (temp sibling + rename).
type Store struct {
	path   string
	logger *logger.Logger

	mu     sync.Mutex
	state  snapshot
	loaded bool
}

// New creates a store backed by the given file path. The file is not read
// until Load.
func New(path string, log *logger.Logger) *Store {
	return &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "store")),
		state: snapshot{
			Version:       SchemaVersion,
			Sessions:      make(map[string]PersistedSession),
			StickyPostIDs: make(map[string]string),
		},
	}
}

// Load reads the snapshot from disk. A missing or unreadable file yields an
// empty store; an unknown version is preserved untouched on disk until the
// first Save and treated as empty in memory.
func (s *Store) Load() (map[string]PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("No session snapshot on disk", zap.String("path", s.path))
			return s.sessionsCopyLocked(), nil
		}
		s.logger.Warn("Failed to read session snapshot, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return s.sessionsCopyLocked(), nil
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		s.logger.Warn("Corrupt session snapshot, starting empty",
			zap.String("path", s.path), zap.Error(err))
		return s.sessionsCopyLocked(), nil
	}

	switch probe.Version {
	case SchemaVersion:
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			s.logger.Warn("Corrupt session snapshot, starting empty", zap.Error(err))
			return s.sessionsCopyLocked(), nil
		}
		if snap.Sessions == nil {
			snap.Sessions = make(map[string]PersistedSession)
		}
		if snap.StickyPostIDs == nil {
			snap.StickyPostIDs = make(map[string]string)
		}
		s.state = snap

	case 1:
		var old snapshotV1
		if err := json.Unmarshal(data, &old); err != nil {
			s.logger.Warn("Corrupt v1 session snapshot, starting empty", zap.Error(err))
			return s.sessionsCopyLocked(), nil
		}
		s.state = migrateV1(old)
		s.logger.Info("Migrated session snapshot from v1",
			zap.Int("sessions", len(s.state.Sessions)))

	default:
		// Never destructive to unknown versions: the raw file is left as it
		// is until the first Save.
		s.logger.Warn("Unknown session snapshot version, starting empty",
			zap.Int("version", probe.Version))
	}

	s.logger.Info("Loaded session snapshot",
		zap.String("path", s.path),
		zap.Int("sessions", len(s.state.Sessions)))

	return s.sessionsCopyLocked(), nil
}

// migrateV1 rekeys a single-platform snapshot under the "default" platform.
func migrateV1(old snapshotV1) snapshot {
	snap := snapshot{
		Version:       SchemaVersion,
		Sessions:      make(map[string]PersistedSession, len(old.Sessions)),
		StickyPostIDs: make(map[string]string),
	}
	for threadID, ps := range old.Sessions {
		if ps.PlatformID == "" {
			ps.PlatformID = "default"
		}
		if ps.ThreadID == "" {
			ps.ThreadID = threadID
		}
		snap.Sessions[ps.Key()] = ps
	}
	if old.StickyPostID != "" {
		snap.StickyPostIDs["default"] = old.StickyPostID
	}
	return snap
}

// Save stores one session record and rewrites the snapshot.
func (s *Store) Save(sessionID string, ps PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Sessions[sessionID] = ps
	return s.writeLocked()
}

// Remove drops one session record and rewrites the snapshot. Removing an
// unknown id is a no-op.
func (s *Store) Remove(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Sessions[sessionID]; !ok {
		return nil
	}
	delete(s.state.Sessions, sessionID)
	return s.writeLocked()
}

// Get returns one persisted session.
func (s *Store) Get(sessionID string) (PersistedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.state.Sessions[sessionID]
	return ps, ok
}

// CleanStale removes sessions whose last activity is older than maxAge and
// returns the removed ids.
func (s *Store) CleanStale(maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for id, ps := range s.state.Sessions {
		if ps.LastActivityAt.Before(cutoff) {
			delete(s.state.Sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.writeLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// FindByPostID scans for a session anchored to the given post (lifecycle or
// session-start). Used to resume a timed-out session from a reaction on an
// aged-out message.
func (s *Store) FindByPostID(platformID, postID string) (string, PersistedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ps := range s.state.Sessions {
		if ps.PlatformID != platformID {
			continue
		}
		if ps.LifecyclePostID == postID || ps.SessionStartPostID == postID {
			return id, ps, true
		}
	}
	return "", PersistedSession{}, false
}

// StickyPostID returns the platform's channel summary post id.
func (s *Store) StickyPostID(platformID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.state.StickyPostIDs[platformID]
	return id, ok
}

// SetStickyPostID records the platform's channel summary post id.
func (s *Store) SetStickyPostID(platformID, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.StickyPostIDs[platformID] = postID
	return s.writeLocked()
}

// ClearStickyPostID forgets the platform's channel summary post id.
func (s *Store) ClearStickyPostID(platformID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.StickyPostIDs[platformID]; !ok {
		return nil
	}
	delete(s.state.StickyPostIDs, platformID)
	return s.writeLocked()
}

// writeLocked rewrites the snapshot atomically. Callers hold s.mu.
func (s *Store) writeLocked() error {
	s.state.Version = SchemaVersion

	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (s *Store) sessionsCopyLocked() map[string]PersistedSession {
	out := make(map[string]PersistedSession, len(s.state.Sessions))
	for id, ps := range s.state.Sessions {
		out[id] = ps
	}
	return out
}
