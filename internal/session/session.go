// Package session implements the bridge core: per-thread agent sessions,
// the streaming post engine, reaction routing, the agent event interpreter,
// text commands, and the top-level session manager.
//
// All mutable state of one session is owned by a single worker goroutine
// draining the session inbox. Platform handlers, agent stream pumps, and
// timers only enqueue envelopes; ordering within a session is therefore
// structural rather than lock-based.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/common/logger"
	"github.com/threadbridge/threadbridge/internal/ops"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/store"
)

// restCallTimeout bounds every chat REST call issued from a session worker.
const restCallTimeout = 15 * time.Second

// inboxSize absorbs event bursts; producers block when it fills so order
// is preserved.
const inboxSize = 256

type envKind int

const (
	envBegin envKind = iota
	envMessage
	envReaction
	envAgentEvent
	envAgentExit
	envFlushTimer
	envHeaderTick
	envIdleCheck
	envPendingTimeout
	envResumeStart
	envShutdown
)

// envelope is one unit of work for a session worker.
type envelope struct {
	kind     envKind
	post     platform.Post
	user     *platform.User
	reaction platform.Reaction
	event    *agent.Event
	exit     agent.ExitInfo
	// text carries the initial prompt on envBegin.
	text string
	// gen ties agent events and exits to the spawn that produced them, so a
	// restart can tell the old subprocess's exit from the live one's.
	gen int
	// postID scopes pending-interaction timeouts to the prompt that armed them.
	postID string
}

// AgentProcess is the adapter surface the session layer drives. *agent.Process
// implements it; tests substitute a scripted fake.
type AgentProcess interface {
	Start(ctx context.Context) error
	SendMessage(text string) error
	SendContent(blocks []agent.ContentBlock) error
	SendToolResult(toolUseID, content string) error
	Interrupt() error
	Kill(ctx context.Context) error
	IsRunning() bool
	Events() <-chan *agent.Event
	Exits() <-chan agent.ExitInfo
}

// AgentStarter builds one agent subprocess handle. The default wraps
// agent.New; tests inject fakes.
type AgentStarter func(opts agent.Options, log *logger.Logger) AgentProcess

// Session is one live agent subprocess tied to one chat thread. Fields are
// mutated only on the session worker; the ops surface reads a snapshot
// maintained separately (see updateSummary).
type Session struct {
	mgr    *Manager
	client platform.Client
	logger *logger.Logger

	// identity
	id             string // platformID:threadID
	platformID     string
	threadID       string
	channelID      string
	agentSessionID string
	startedBy      string
	startedAt      time.Time
	lastActivityAt time.Time
	sessionNumber  int

	// working state
	workingDir string
	worktree   *store.WorktreeInfo

	// lifecycle flags
	started              bool
	ended                bool
	isRestarting         bool
	isResumed            bool
	wasInterrupted       bool
	hasAgentResponded    bool
	resumeFailCount      int
	isProcessing         bool
	timeoutWarningPosted bool
	planApproved         bool
	needsContextPrompt   bool

	// subprocess
	proc     AgentProcess
	procGen  int
	killedBy killReason

	// streaming buffer
	pendingContent string
	currentPostID  string
	flushTimer     *time.Timer
	flushArmed     bool

	// sticky tasks
	tasksPostID      string
	lastTasksContent string
	tasksCompleted   bool
	tasksMinimized   bool

	// pending interactions: one agent/flow interaction plus one message gate.
	// The gate is separate because an outsider can knock while the agent is
	// mid-question; everything else is mutually exclusive by construction.
	pending pendingInteraction
	gate    *messageGate

	// pending tool calls by id, for result mirroring
	runningTools map[string]toolCall

	// collaboration and permissions
	allowedUsers     map[string]bool
	forceInteractive bool

	// usage
	usage *store.UsageStats

	// open span covering the current prompt-to-result turn
	turnSpan trace.Span

	// anchor posts
	sessionStartPostID string
	lifecyclePostID    string
	compactionPostID   string
	warningPostID      string

	messageCount int

	// timers owned by the session, cleared on end
	typingStop chan struct{}
	headerTick *time.Ticker
	headerStop chan struct{}

	inbox     chan envelope
	done      chan struct{}
	closeOnce sync.Once
}

// toolCall tracks an in-flight tool_use for result mirroring.
type toolCall struct {
	name  string
	input map[string]any
}

func newSession(m *Manager, client platform.Client, id, threadID, channelID string) *Session {
	s := &Session{
		mgr:          m,
		client:       client,
		logger:       m.logger.WithFields(zap.String("session_id", id)),
		id:           id,
		platformID:   client.PlatformID(),
		threadID:     threadID,
		channelID:    channelID,
		allowedUsers: make(map[string]bool),
		runningTools: make(map[string]toolCall),
		inbox:        make(chan envelope, inboxSize),
		done:         make(chan struct{}),
	}
	return s
}

// enqueue hands work to the session worker. Envelopes for an ended session
// are dropped.
func (s *Session) enqueue(env envelope) {
	select {
	case s.inbox <- env:
	case <-s.done:
	}
}

// markDone releases everything blocked on the session.
func (s *Session) markDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// run drains the inbox until the session ends. It is the only goroutine
// that mutates session state.
func (s *Session) run() {
	defer s.mgr.sessionDone(s)
	defer s.markDone()
	for {
		select {
		case env := <-s.inbox:
			s.dispatch(env)
			s.updateSummary()
			if s.ended {
				return
			}
		case <-s.mgr.ctx.Done():
			return
		}
	}
}

func (s *Session) dispatch(env envelope) {
	switch env.kind {
	case envBegin:
		s.begin(env.user, env.text)
	case envMessage:
		s.handleMessage(env.post, env.user)
	case envReaction:
		s.handleReaction(env.reaction, env.user)
	case envAgentEvent:
		if env.gen == s.procGen {
			s.handleAgentEvent(env.event)
		}
	case envAgentExit:
		s.handleAgentExit(env.exit, env.gen)
	case envFlushTimer:
		s.flushArmed = false
		s.mgr.streamer.Flush(s)
	case envHeaderTick:
		s.repaintHeader()
	case envIdleCheck:
		s.checkIdle()
	case envPendingTimeout:
		s.expirePending(env.postID)
	case envResumeStart:
		s.resumeFlow(env.user)
	case envShutdown:
		s.shutdown()
	}
}

// restCtx returns the context for one chat REST call from the worker.
func (s *Session) restCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), restCallTimeout)
}

// post creates a thread post and registers it for reaction routing.
// Failures are logged and yield an empty id; callers treat that as "no post".
func (s *Session) post(message string) string {
	ctx, cancel := s.restCtx()
	defer cancel()
	p, err := s.client.CreatePost(ctx, message, s.threadID)
	if err != nil {
		s.logger.Warn("Failed to create post", zap.Error(err))
		return ""
	}
	s.mgr.metrics.PostsCreated.Inc()
	s.mgr.registerPost(p.ID, s.id)
	return p.ID
}

// postInteractive creates a thread post pre-seeded with reaction options.
func (s *Session) postInteractive(message string, emojiNames []string) string {
	ctx, cancel := s.restCtx()
	defer cancel()
	p, err := s.client.CreateInteractivePost(ctx, message, s.threadID, emojiNames)
	if err != nil {
		s.logger.Warn("Failed to create interactive post", zap.Error(err))
		return ""
	}
	s.mgr.metrics.PostsCreated.Inc()
	s.mgr.registerPost(p.ID, s.id)
	return p.ID
}

// updatePost edits a post in place. A dropped update is tolerable: the next
// flush or repaint supersedes it.
func (s *Session) updatePost(postID, message string) {
	if postID == "" {
		return
	}
	ctx, cancel := s.restCtx()
	defer cancel()
	if err := s.client.UpdatePost(ctx, postID, message); err != nil {
		s.logger.Warn("Failed to update post", zap.String("post_id", postID), zap.Error(err))
		return
	}
	s.mgr.metrics.PostsUpdated.Inc()
}

func (s *Session) deletePost(postID string) {
	if postID == "" {
		return
	}
	ctx, cancel := s.restCtx()
	defer cancel()
	if err := s.client.DeletePost(ctx, postID); err != nil {
		s.logger.Warn("Failed to delete post", zap.String("post_id", postID), zap.Error(err))
		return
	}
	s.mgr.metrics.PostsDeleted.Inc()
}

// touch records activity and clears a standing idle warning.
func (s *Session) touch() {
	s.lastActivityAt = s.mgr.now()
	if s.timeoutWarningPosted {
		s.timeoutWarningPosted = false
		if s.warningPostID != "" {
			s.deletePost(s.warningPostID)
			s.warningPostID = ""
		}
	}
}

// isParticipant reports whether the user may speak in this session: the
// owner, anyone invited, or anyone on the platform's global allow-list.
func (s *Session) isParticipant(username string) bool {
	if s.allowedUsers[normalizeUsername(username)] {
		return true
	}
	return s.client.IsUserAllowed(username)
}

// isAdmin reports whether the user may run owner commands: the session
// owner or a globally-allowed user.
func (s *Session) isAdmin(username string) bool {
	return normalizeUsername(username) == normalizeUsername(s.startedBy) ||
		s.client.IsUserAllowed(username)
}

func (s *Session) allowUser(username string) {
	s.allowedUsers[normalizeUsername(username)] = true
}

func (s *Session) disallowUser(username string) {
	delete(s.allowedUsers, normalizeUsername(username))
}

func (s *Session) allowedUserList() []string {
	out := make([]string, 0, len(s.allowedUsers))
	// Owner first; the rest in map order (rendering sorts).
	owner := normalizeUsername(s.startedBy)
	if s.allowedUsers[owner] {
		out = append(out, owner)
	}
	for name := range s.allowedUsers {
		if name != owner {
			out = append(out, name)
		}
	}
	return out
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
}

// setProcessing toggles the typing indicator around agent turns.
func (s *Session) setProcessing(on bool) {
	if s.isProcessing == on {
		return
	}
	s.isProcessing = on
	if on {
		stop := make(chan struct{})
		s.typingStop = stop
		go s.typingLoop(stop)
		return
	}
	if s.typingStop != nil {
		close(s.typingStop)
		s.typingStop = nil
	}
}

// typingLoop keeps the platform typing indicator alive while the agent
// works. It only reads immutable fields, so it may run off-worker.
func (s *Session) typingLoop(stop chan struct{}) {
	tick := time.NewTicker(s.mgr.sessions.TypingTick)
	defer tick.Stop()
	s.sendTyping()
	for {
		select {
		case <-tick.C:
			s.sendTyping()
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) sendTyping() {
	ctx, cancel := s.restCtx()
	defer cancel()
	if err := s.client.SendTyping(ctx, s.threadID); err != nil {
		s.logger.Debug("Failed to send typing indicator", zap.Error(err))
	}
}

// startHeaderRefresh begins the periodic header repaint after the first
// result event. Subsequent calls are no-ops.
func (s *Session) startHeaderRefresh() {
	if s.headerTick != nil {
		return
	}
	s.headerTick = time.NewTicker(time.Minute)
	s.headerStop = make(chan struct{})
	go func(tick *time.Ticker, stop chan struct{}) {
		for {
			select {
			case <-tick.C:
				s.enqueue(envelope{kind: envHeaderTick})
			case <-stop:
				return
			case <-s.done:
				return
			}
		}
	}(s.headerTick, s.headerStop)
}

// clearTimers releases every session-owned timer. Called on end.
func (s *Session) clearTimers() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushArmed = false
	if s.typingStop != nil {
		close(s.typingStop)
		s.typingStop = nil
	}
	if s.headerTick != nil {
		s.headerTick.Stop()
		s.headerTick = nil
	}
	if s.headerStop != nil {
		close(s.headerStop)
		s.headerStop = nil
	}
}

// persisted projects the session for the store.
func (s *Session) persisted() store.PersistedSession {
	ps := store.PersistedSession{
		PlatformID:                  s.platformID,
		ThreadID:                    s.threadID,
		ChannelID:                   s.channelID,
		AgentSessionID:              s.agentSessionID,
		StartedBy:                   s.startedBy,
		StartedAt:                   s.startedAt,
		LastActivityAt:              s.lastActivityAt,
		SessionNumber:               s.sessionNumber,
		WorkingDir:                  s.workingDir,
		Worktree:                    s.worktree,
		AllowedUsers:                s.allowedUserList(),
		ForceInteractivePermissions: s.forceInteractive,
		SessionStartPostID:          s.sessionStartPostID,
		LifecyclePostID:             s.lifecyclePostID,
		CompactionPostID:            s.compactionPostID,
		Usage:                       s.usage,
		MessageCount:                s.messageCount,
		WasInterrupted:              s.wasInterrupted,
		ResumeFailCount:             s.resumeFailCount,
	}
	return ps
}

// persist snapshots the session to the store. Failures are logged; memory
// stays authoritative.
func (s *Session) persist() {
	if err := s.mgr.store.Save(s.id, s.persisted()); err != nil {
		s.logger.Warn("Failed to persist session", zap.Error(err))
	}
}

// state renders the lifecycle phase for headers and summaries.
func (s *Session) state() string {
	switch {
	case s.ended:
		return "ended"
	case s.isRestarting:
		return "restarting"
	case s.wasInterrupted && !s.isProcessing:
		return "interrupted"
	case !s.hasAgentResponded && s.proc != nil:
		return "starting"
	case s.isProcessing:
		return "working"
	default:
		return "idle"
	}
}

// updateSummary publishes a read-only snapshot for the ops surface.
func (s *Session) updateSummary() {
	summary := ops.SessionSummary{
		ID:             s.id,
		PlatformID:     s.platformID,
		ThreadID:       s.threadID,
		SessionNumber:  s.sessionNumber,
		StartedBy:      s.startedBy,
		StartedAt:      s.startedAt,
		LastActivityAt: s.lastActivityAt,
		WorkingDir:     s.workingDir,
		State:          s.state(),
		MessageCount:   s.messageCount,
	}
	if s.worktree != nil {
		summary.Branch = s.worktree.Branch
	}
	if s.usage != nil {
		summary.Model = s.usage.ModelDisplayName
		summary.ContextTokens = s.usage.ContextTokens
		summary.ContextWindow = s.usage.ContextWindowSize
		summary.CostUSD = s.usage.TotalCostUSD
	}
	s.mgr.setSummary(s.id, summary)
}
