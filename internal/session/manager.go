package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/bus"
	"github.com/threadbridge/threadbridge/internal/common/config"
	"github.com/threadbridge/threadbridge/internal/common/logger"
	"github.com/threadbridge/threadbridge/internal/common/tracing"
	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/ops"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/store"
	"github.com/threadbridge/threadbridge/internal/worktree"
)

// staleAge is how long an untouched persisted session survives bridge
// restarts before startup cleanup drops it.
const staleAge = 7 * 24 * time.Hour

// WorktreeOps is the slice of worktree.Manager the session layer uses.
type WorktreeOps interface {
	IsEnabled() bool
	GenerateBranch() string
	RepoRoot(ctx context.Context, dir string) (string, error)
	ListManaged(ctx context.Context, dir string) ([]*worktree.Worktree, error)
	Find(ctx context.Context, dir, branchOrPath string) (*worktree.Worktree, error)
	Create(ctx context.Context, dir, branch string) (*worktree.Worktree, error)
	Remove(ctx context.Context, wt *worktree.Worktree, force bool) error
}

// Deps bundles the manager's collaborators. StartAgent and Now are optional
// seams; they default to the real subprocess factory and wall clock.
type Deps struct {
	Config    *config.Config
	Platforms map[string]platform.Client
	Store     *store.Store
	Bus       bus.EventBus
	Metrics   *ops.Metrics
	Worktrees WorktreeOps
	Logger    *logger.Logger

	StartAgent AgentStarter
	Now        func() time.Time
}

// Manager owns all live sessions: it routes platform events to per-session
// workers, enforces the session cap, sweeps idle sessions, and resumes
// persisted ones.
type Manager struct {
	logger *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	platforms   map[string]platform.Client
	platformCfg map[string]config.PlatformConfig
	agentCfg    config.AgentConfig
	sessions    config.SessionsConfig

	store     *store.Store
	bus       bus.EventBus
	metrics   *ops.Metrics
	worktrees WorktreeOps
	streamer  *Streamer
	tracer    trace.Tracer

	startAgent AgentStarter
	now        func() time.Time
	debug      bool

	skipPermissions    bool
	brokerBinary       string
	maxAttachmentBytes int64
	initialDir         string

	mu        sync.Mutex
	byID      map[string]*Session
	postIndex map[string]string
	seq       int
	shutting  bool

	summaryMu sync.RWMutex
	summaries map[string]ops.SessionSummary

	stickyMu  sync.Mutex
	subs      []bus.Subscription
	wg        sync.WaitGroup
	sweepStop chan struct{}
}

// NewManager wires a Manager from its dependencies.
func NewManager(deps Deps) *Manager {
	cfg := deps.Config
	m := &Manager{
		logger:             deps.Logger.WithFields(zap.String("component", "session-manager")),
		platforms:          deps.Platforms,
		platformCfg:        make(map[string]config.PlatformConfig, len(cfg.Platforms)),
		agentCfg:           cfg.Agent,
		sessions:           cfg.Sessions,
		store:              deps.Store,
		bus:                deps.Bus,
		metrics:            deps.Metrics,
		worktrees:          deps.Worktrees,
		streamer:           newStreamer(cfg.Sessions.UpdateCoalesce, deps.Metrics),
		tracer:             tracing.Tracer("github.com/threadbridge/threadbridge/internal/session"),
		startAgent:         deps.StartAgent,
		now:                deps.Now,
		debug:              strings.EqualFold(cfg.Logging.Level, "debug"),
		skipPermissions:    cfg.Agent.PermissionMode == config.PermissionModeSkip,
		maxAttachmentBytes: cfg.Agent.MaxAttachmentBytes,
		byID:               make(map[string]*Session),
		postIndex:          make(map[string]string),
		summaries:          make(map[string]ops.SessionSummary),
		sweepStop:          make(chan struct{}),
	}
	for _, pc := range cfg.Platforms {
		m.platformCfg[pc.ID] = pc
	}
	if m.startAgent == nil {
		m.startAgent = func(opts agent.Options, log *logger.Logger) AgentProcess {
			return agent.New(opts, log)
		}
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.initialDir = cfg.Agent.WorkingDir
	if m.initialDir == "" {
		if wd, err := os.Getwd(); err == nil {
			m.initialDir = wd
		}
	}
	m.brokerBinary = cfg.Agent.BrokerBinary
	if m.brokerBinary == "" {
		if exe, err := os.Executable(); err == nil {
			m.brokerBinary = filepath.Join(filepath.Dir(exe), "permission-broker")
		}
	}
	return m
}

// Start subscribes to platform event streams, cleans stale persistence,
// resumes surviving sessions, and launches the idle sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	for platformID := range m.platforms {
		pid := platformID
		msgSub, err := m.bus.Subscribe(bus.MessageSubject(pid), func(_ context.Context, ev *bus.Event) error {
			var me platform.MessageEvent
			if err := ev.Decode(&me); err != nil {
				m.logger.Warn("Bad message event payload", zap.Error(err))
				return nil
			}
			m.routeMessage(pid, me.Post, me.User)
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s messages: %w", pid, err)
		}
		m.subs = append(m.subs, msgSub)

		rctSub, err := m.bus.Subscribe(bus.ReactionSubject(pid), func(_ context.Context, ev *bus.Event) error {
			var re platform.ReactionEvent
			if err := ev.Decode(&re); err != nil {
				m.logger.Warn("Bad reaction event payload", zap.Error(err))
				return nil
			}
			m.routeReaction(pid, re.Reaction, re.User)
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s reactions: %w", pid, err)
		}
		m.subs = append(m.subs, rctSub)
	}

	if removed, err := m.store.CleanStale(staleAge); err != nil {
		m.logger.Warn("Stale session cleanup failed", zap.Error(err))
	} else if len(removed) > 0 {
		m.logger.Info("Dropped stale persisted sessions", zap.Strings("ids", removed))
	}

	if m.sessions.ResumeOnStart {
		m.resumeAll()
	}

	go m.sweep()
	m.refreshStickyAll()
	m.logger.Info("Session manager started",
		zap.Int("platforms", len(m.platforms)),
		zap.Int("max_sessions", m.sessions.MaxSessions))
	return nil
}

// Shutdown stops intake, persists and kills every session, and waits for
// the workers to drain within ctx's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutting = true
	live := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		live = append(live, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down sessions", zap.Int("count", len(live)))
	for _, s := range live {
		s.enqueue(envelope{kind: envShutdown})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	close(m.sweepStop)
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}
	return err
}

// routeMessage dispatches an inbound post: to its session's inbox when the
// thread has one, through the new-session gate otherwise.
func (m *Manager) routeMessage(platformID string, post platform.Post, user *platform.User) {
	client, ok := m.platforms[platformID]
	if !ok {
		return
	}
	if user != nil && user.IsBot {
		return
	}
	if post.UserID == client.BotUser().ID {
		return
	}

	threadRoot := post.ThreadRoot()
	id := store.SessionKey(platformID, threadRoot)

	m.mu.Lock()
	if m.shutting {
		m.mu.Unlock()
		return
	}
	sess := m.byID[id]
	m.mu.Unlock()

	if sess != nil {
		// An @mention of someone other than the bot is a side conversation.
		if isSideConversation(post.Message, client.BotName()) {
			return
		}
		sess.enqueue(envelope{kind: envMessage, post: post, user: user})
		return
	}
	m.maybeStartSession(client, id, threadRoot, post, user)
}

// maybeStartSession applies the new-session gate: mention, allow-list, cap.
func (m *Manager) maybeStartSession(client platform.Client, id, threadRoot string, post platform.Post, user *platform.User) {
	botName := client.BotName()
	if !containsMention(post.Message, botName) {
		return
	}
	if user == nil {
		return
	}
	if !client.IsUserAllowed(user.Username) {
		m.logger.Info("Mention from non-allowed user ignored",
			zap.String("platform_id", client.PlatformID()),
			zap.String("username", user.Username))
		return
	}

	m.mu.Lock()
	if m.shutting {
		m.mu.Unlock()
		return
	}
	if _, exists := m.byID[id]; exists {
		m.mu.Unlock()
		return
	}
	if len(m.byID) >= m.sessions.MaxSessions {
		m.mu.Unlock()
		m.postOutOfBand(client, threadRoot, fmt.Sprintf(
			"❌ Session limit reached (%d). End one with `!stop` first.", m.sessions.MaxSessions))
		return
	}
	s := newSession(m, client, id, threadRoot, post.ChannelID)
	s.workingDir = m.initialDir
	m.seq++
	s.sessionNumber = m.seq
	m.byID[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go s.run()
	s.enqueue(envelope{kind: envBegin, user: user, text: stripMention(post.Message, botName)})
	go m.refreshSticky(client.PlatformID())
}

// routeReaction sends a reaction to the owning session, or resumes a
// persisted session when the reaction lands on one of its durable posts.
func (m *Manager) routeReaction(platformID string, reaction platform.Reaction, user *platform.User) {
	client, ok := m.platforms[platformID]
	if !ok {
		return
	}
	if user != nil && user.IsBot {
		return
	}
	if reaction.UserID == client.BotUser().ID {
		return
	}

	m.mu.Lock()
	if m.shutting {
		m.mu.Unlock()
		return
	}
	var sess *Session
	if sid, found := m.postIndex[reaction.PostID]; found {
		sess = m.byID[sid]
	}
	m.mu.Unlock()

	if sess != nil {
		sess.enqueue(envelope{kind: envReaction, reaction: reaction, user: user})
		return
	}

	// A thumbs-up on an aged-out session's header or timeout post wakes it.
	if !format.IsApprove(reaction.EmojiName) || user == nil {
		return
	}
	id, ps, found := m.store.FindByPostID(platformID, reaction.PostID)
	if !found {
		return
	}
	if !slices.Contains(ps.AllowedUsers, normalizeUsername(user.Username)) &&
		!client.IsUserAllowed(user.Username) {
		return
	}
	m.resumeFromStore(id, ps, user)
}

// resumeFromStore rebuilds a session from its persisted projection and asks
// its worker to respawn the agent with --resume.
func (m *Manager) resumeFromStore(id string, ps store.PersistedSession, user *platform.User) {
	client, ok := m.platforms[ps.PlatformID]
	if !ok {
		m.logger.Warn("Persisted session references unknown platform",
			zap.String("session_id", id), zap.String("platform_id", ps.PlatformID))
		return
	}

	s := m.hydrate(client, id, ps)

	m.mu.Lock()
	if m.shutting || m.byID[id] != nil {
		m.mu.Unlock()
		return
	}
	if len(m.byID) >= m.sessions.MaxSessions {
		m.mu.Unlock()
		m.postOutOfBand(client, ps.ThreadID, fmt.Sprintf(
			"❌ Cannot resume: session limit reached (%d).", m.sessions.MaxSessions))
		return
	}
	if ps.SessionNumber > m.seq {
		m.seq = ps.SessionNumber
	}
	m.byID[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go s.run()
	s.enqueue(envelope{kind: envResumeStart, user: user})
	go m.refreshSticky(ps.PlatformID)
}

// hydrate rebuilds the in-memory session from its persisted projection.
func (m *Manager) hydrate(client platform.Client, id string, ps store.PersistedSession) *Session {
	s := newSession(m, client, id, ps.ThreadID, ps.ChannelID)
	s.agentSessionID = ps.AgentSessionID
	s.startedBy = normalizeUsername(ps.StartedBy)
	s.startedAt = ps.StartedAt
	s.lastActivityAt = m.now()
	s.sessionNumber = ps.SessionNumber
	s.workingDir = ps.WorkingDir
	if info, err := os.Stat(s.workingDir); err != nil || !info.IsDir() {
		s.workingDir = m.initialDir
	}
	s.worktree = ps.Worktree
	for _, u := range ps.AllowedUsers {
		s.allowUser(u)
	}
	s.allowUser(ps.StartedBy)
	s.forceInteractive = ps.ForceInteractivePermissions
	s.sessionStartPostID = ps.SessionStartPostID
	s.lifecyclePostID = ps.LifecyclePostID
	s.compactionPostID = ps.CompactionPostID
	s.usage = ps.Usage
	s.messageCount = ps.MessageCount
	s.wasInterrupted = ps.WasInterrupted
	s.resumeFailCount = ps.ResumeFailCount

	// Re-attach reaction routing to the posts that survived the restart.
	m.registerPost(ps.SessionStartPostID, id)
	m.registerPost(ps.LifecyclePostID, id)
	return s
}

// resumeAll respawns every persisted session at bridge startup.
func (m *Manager) resumeAll() {
	persisted, err := m.store.Load()
	if err != nil {
		m.logger.Warn("Failed to load persisted sessions", zap.Error(err))
		return
	}
	ids := make([]string, 0, len(persisted))
	for id := range persisted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.resumeFromStore(id, persisted[id], nil)
	}
	if len(ids) > 0 {
		m.logger.Info("Resuming persisted sessions", zap.Int("count", len(ids)))
	}
}

// sweep drives idle checks and the sticky channel post.
func (m *Manager) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			live := make([]*Session, 0, len(m.byID))
			for _, s := range m.byID {
				live = append(live, s)
			}
			m.mu.Unlock()
			for _, s := range live {
				s.enqueue(envelope{kind: envIdleCheck})
			}
			m.refreshStickyAll()
		case <-m.sweepStop:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// sessionDone is the worker's exit hook: drop the session from the maps and
// release its post routes.
func (m *Manager) sessionDone(s *Session) {
	m.mu.Lock()
	delete(m.byID, s.id)
	for postID, sid := range m.postIndex {
		if sid == s.id {
			delete(m.postIndex, postID)
		}
	}
	m.mu.Unlock()

	m.summaryMu.Lock()
	delete(m.summaries, s.id)
	m.summaryMu.Unlock()

	m.wg.Done()
	go m.refreshSticky(s.platformID)
}

// registerPost routes future reactions on postID to the session.
func (m *Manager) registerPost(postID, sessionID string) {
	if postID == "" {
		return
	}
	m.mu.Lock()
	m.postIndex[postID] = sessionID
	m.mu.Unlock()
}

// postOutOfBand posts into a thread that has no live session.
func (m *Manager) postOutOfBand(client platform.Client, threadID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), restCallTimeout)
	defer cancel()
	if _, err := client.CreatePost(ctx, message, threadID); err != nil {
		m.logger.Warn("Failed to post", zap.Error(err))
	}
}

// agentOptions assembles the subprocess options for a session.
func (m *Manager) agentOptions(s *Session) agent.Options {
	opts := agent.Options{
		Binary:             m.agentCfg.Binary,
		WorkingDir:         s.workingDir,
		SkipPermissions:    m.skipPermissions && !s.forceInteractive,
		ChromeEnabled:      m.agentCfg.ChromeEnabled,
		AppendSystemPrompt: m.agentCfg.AppendSystemPrompt,
	}
	if !opts.SkipPermissions {
		opts.BrokerCommand = m.brokerBinary
		opts.BrokerEnv = m.brokerEnv(s)
	}
	return opts
}

// brokerEnv builds the permission broker's environment: its own platform
// connection plus the reaction audience.
func (m *Manager) brokerEnv(s *Session) map[string]string {
	pc := m.platformCfg[s.platformID]
	allowed := s.allowedUserList()
	for _, u := range pc.AllowedUsers {
		u = normalizeUsername(u)
		if !slices.Contains(allowed, u) {
			allowed = append(allowed, u)
		}
	}
	env := map[string]string{
		"PLATFORM_TYPE":       s.client.Kind(),
		"PLATFORM_URL":        pc.URL,
		"PLATFORM_TOKEN":      pc.Token,
		"PLATFORM_CHANNEL_ID": s.channelID,
		"PLATFORM_THREAD_ID":  s.threadID,
		"ALLOWED_USERS":       strings.Join(allowed, ","),
		"DEBUG":               strconv.FormatBool(m.debug),
	}
	return env
}

// setSummary publishes a session snapshot for the ops surface.
func (m *Manager) setSummary(id string, summary ops.SessionSummary) {
	m.summaryMu.Lock()
	m.summaries[id] = summary
	m.summaryMu.Unlock()
}

// Summaries implements ops.Lister.
func (m *Manager) Summaries() []ops.SessionSummary {
	m.summaryMu.RLock()
	out := make([]ops.SessionSummary, 0, len(m.summaries))
	for _, summary := range m.summaries {
		out = append(out, summary)
	}
	m.summaryMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// --- mention parsing ---

func containsMention(text, botName string) bool {
	return botName != "" && strings.Contains(strings.ToLower(text), strings.ToLower(botName))
}

func stripMention(text, botName string) string {
	if botName == "" {
		return strings.TrimSpace(text)
	}
	idx := strings.Index(strings.ToLower(text), strings.ToLower(botName))
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:idx] + text[idx+len(botName):])
}

// isSideConversation reports whether an in-thread message opens with a
// mention of someone other than the bot.
func isSideConversation(text, botName string) bool {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "@") {
		return false
	}
	return botName == "" || !strings.HasPrefix(strings.ToLower(t), strings.ToLower(botName))
}
