package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/bus"
	"github.com/threadbridge/threadbridge/internal/common/config"
	"github.com/threadbridge/threadbridge/internal/common/logger"
	"github.com/threadbridge/threadbridge/internal/ops"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/platform/platformtest"
	"github.com/threadbridge/threadbridge/internal/store"
	"github.com/threadbridge/threadbridge/internal/worktree"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeClock is an injectable clock for idle-timeout tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// toolResultCall records one SendToolResult call.
type toolResultCall struct {
	toolUseID string
	content   string
}

// fakeAgent is a scripted AgentProcess. Tests feed events through Emit and
// terminate it with ExitNow; Kill reports an exit the way a dying subprocess
// would, so lifecycle paths behave as in production.
type fakeAgent struct {
	mu          sync.Mutex
	running     bool
	killed      bool
	interrupts  int
	sentTexts   []string
	sentBlocks  [][]agent.ContentBlock
	toolResults []toolResultCall
	failStart   error
	failSend    error

	events   chan *agent.Event
	exits    chan agent.ExitInfo
	exitOnce sync.Once
}

var _ AgentProcess = (*fakeAgent)(nil)

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		events: make(chan *agent.Event, 64),
		exits:  make(chan agent.ExitInfo, 1),
	}
}

func (f *fakeAgent) Start(ctx context.Context) error {
	if f.failStart != nil {
		return f.failStart
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) SendMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.sentTexts = append(f.sentTexts, text)
	return nil
}

func (f *fakeAgent) SendContent(blocks []agent.ContentBlock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.sentBlocks = append(f.sentBlocks, blocks)
	return nil
}

func (f *fakeAgent) SendToolResult(toolUseID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.toolResults = append(f.toolResults, toolResultCall{toolUseID: toolUseID, content: content})
	return nil
}

func (f *fakeAgent) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeAgent) Kill(ctx context.Context) error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.ExitNow(agent.ExitInfo{Code: -1})
	return nil
}

func (f *fakeAgent) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeAgent) Events() <-chan *agent.Event { return f.events }
func (f *fakeAgent) Exits() <-chan agent.ExitInfo {
	return f.exits
}

// Emit queues one stream event, as if the subprocess printed a line.
func (f *fakeAgent) Emit(ev *agent.Event) { f.events <- ev }

// ExitNow terminates the fake with the given exit info. Idempotent.
func (f *fakeAgent) ExitNow(info agent.ExitInfo) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		f.exits <- info
		close(f.events)
	})
}

func (f *fakeAgent) SentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentTexts...)
}

func (f *fakeAgent) SentBlocks() [][]agent.ContentBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]agent.ContentBlock(nil), f.sentBlocks...)
}

func (f *fakeAgent) ToolResults() []toolResultCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolResultCall(nil), f.toolResults...)
}

func (f *fakeAgent) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeAgent) Interrupts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

// agentFactory hands out a fresh fakeAgent per spawn and records the options
// each spawn was given.
type agentFactory struct {
	mu       sync.Mutex
	procs    []*fakeAgent
	opts     []agent.Options
	failNext error
}

func (f *agentFactory) start(opts agent.Options, log *logger.Logger) AgentProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	fa := newFakeAgent()
	if f.failNext != nil {
		fa.failStart = f.failNext
		f.failNext = nil
	}
	f.procs = append(f.procs, fa)
	f.opts = append(f.opts, opts)
	return fa
}

func (f *agentFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *agentFactory) proc(i int) *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *agentFactory) lastProc() *fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

func (f *agentFactory) optsAt(i int) agent.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[i]
}

// fakeWorktrees implements WorktreeOps over an in-memory tree list.
type fakeWorktrees struct {
	mu        sync.Mutex
	enabled   bool
	root      string
	branch    string
	trees     []*worktree.Worktree
	createErr error
	removed   []string
}

var _ WorktreeOps = (*fakeWorktrees)(nil)

func (f *fakeWorktrees) IsEnabled() bool { return f.enabled }

func (f *fakeWorktrees) GenerateBranch() string {
	if f.branch != "" {
		return f.branch
	}
	return "bridge/test-branch"
}

func (f *fakeWorktrees) RepoRoot(ctx context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.root == "" {
		return "", errors.New("not a git repository")
	}
	return f.root, nil
}

func (f *fakeWorktrees) ListManaged(ctx context.Context, dir string) ([]*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*worktree.Worktree(nil), f.trees...), nil
}

func (f *fakeWorktrees) Find(ctx context.Context, dir, branchOrPath string) (*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, wt := range f.trees {
		if wt.Branch == branchOrPath || wt.Path == branchOrPath {
			return wt, nil
		}
	}
	return nil, fmt.Errorf("no worktree matches %q", branchOrPath)
}

func (f *fakeWorktrees) Create(ctx context.Context, dir, branch string) (*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	wt := &worktree.Worktree{
		RepoRoot: f.root,
		Path:     filepath.Join(f.root+"-worktrees", filepath.Base(branch)),
		Branch:   branch,
	}
	f.trees = append(f.trees, wt)
	return wt, nil
}

func (f *fakeWorktrees) Remove(ctx context.Context, wt *worktree.Worktree, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, wt.Branch)
	for i, tr := range f.trees {
		if tr.Branch == wt.Branch {
			f.trees = append(f.trees[:i], f.trees[i+1:]...)
			break
		}
	}
	return nil
}

// harness wires a Manager against in-memory fakes. Construction does not
// call Start; direct-dispatch tests drive sessions on the test goroutine,
// while routing tests call start first so workers have a live manager ctx.
type harness struct {
	t       *testing.T
	fake    *platformtest.FakeClient
	mgr     *Manager
	store   *store.Store
	bus     bus.EventBus
	factory *agentFactory
	clock   *fakeClock
	wt      *fakeWorktrees
	cfg     *config.Config

	userSeq  int
	shutOnce sync.Once
	shutErr  error
}

type harnessOpt func(*config.Config)

func withMaxSessions(n int) harnessOpt {
	return func(cfg *config.Config) { cfg.Sessions.MaxSessions = n }
}

func withInteractivePermissions() harnessOpt {
	return func(cfg *config.Config) { cfg.Agent.PermissionMode = config.PermissionModeInteractive }
}

func withStickyPost() harnessOpt {
	return func(cfg *config.Config) { cfg.Platforms[0].StickyPost = true }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	log := testLogger(t)
	cfg := &config.Config{
		Platforms: []config.PlatformConfig{{
			ID:        "default",
			Kind:      "mattermost",
			URL:       "https://chat.example.com",
			Token:     "token",
			ChannelID: "chan-1",
		}},
		Agent: config.AgentConfig{
			Binary:             "claude",
			WorkingDir:         t.TempDir(),
			PermissionMode:     config.PermissionModeSkip,
			BrokerBinary:       "/usr/local/bin/permission-broker",
			MaxAttachmentBytes: 8 << 20,
		},
		Sessions: config.SessionsConfig{
			MaxSessions: 5,
			IdleLimit:   30 * time.Minute,
			Grace:       5 * time.Minute,
			// Long enough that no flush timer fires mid-test; tests drive
			// flushes explicitly via envFlushTimer.
			UpdateCoalesce: time.Hour,
			TypingTick:     time.Hour,
		},
		Logging: config.LoggingConfig{Level: "error"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	fake := platformtest.NewFakeClient()
	fake.SetAllowed("alice")

	st := store.New(filepath.Join(t.TempDir(), "sessions.json"), log)
	_, err := st.Load()
	require.NoError(t, err)

	h := &harness{
		t:       t,
		fake:    fake,
		store:   st,
		bus:     bus.NewMemoryEventBus(log),
		factory: &agentFactory{},
		clock:   newFakeClock(),
		wt:      &fakeWorktrees{},
		cfg:     cfg,
	}
	h.mgr = NewManager(Deps{
		Config:     cfg,
		Platforms:  map[string]platform.Client{"default": fake},
		Store:      st,
		Bus:        h.bus,
		Metrics:    ops.NewMetrics(),
		Worktrees:  h.wt,
		Logger:     log,
		StartAgent: h.factory.start,
		Now:        h.clock.Now,
	})
	return h
}

// start brings the manager up for routing tests and arranges shutdown.
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mgr.Start(context.Background()))
	t.Cleanup(func() { _ = h.shutdown() })
}

func (h *harness) shutdown() error {
	h.shutOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.shutErr = h.mgr.Shutdown(ctx)
	})
	return h.shutErr
}

// user registers a platform user and returns a pointer suitable for events.
func (h *harness) user(name string) *platform.User {
	u := h.fake.AddUser("u-"+name, name)
	return &u
}

// beginSession builds a session for thread-1 and runs its begin flow
// synchronously on the test goroutine. The worker is never started; callers
// dispatch follow-up envelopes themselves.
func (h *harness) beginSession(t *testing.T, owner, initialPrompt string) *Session {
	t.Helper()
	u := h.user(owner)
	id := store.SessionKey("default", "thread-1")
	s := newSession(h.mgr, h.fake, id, "thread-1", "chan-1")
	s.workingDir = h.mgr.initialDir
	h.mgr.mu.Lock()
	h.mgr.seq++
	s.sessionNumber = h.mgr.seq
	h.mgr.byID[id] = s
	h.mgr.mu.Unlock()
	s.dispatch(envelope{kind: envBegin, user: u, text: initialPrompt})
	return s
}

// bareSession builds a session without running the begin flow, for tests
// that exercise one mechanism in isolation.
func (h *harness) bareSession() *Session {
	s := newSession(h.mgr, h.fake, store.SessionKey("default", "thread-1"), "thread-1", "chan-1")
	s.workingDir = h.mgr.initialDir
	s.sessionNumber = 1
	s.startedBy = "alice"
	s.allowUser("alice")
	s.lastActivityAt = h.clock.Now()
	return s
}

// say delivers an in-thread message from user to the session synchronously.
func (h *harness) say(s *Session, user *platform.User, text string) {
	h.userSeq++
	s.dispatch(envelope{kind: envMessage, post: platform.Post{
		ID:        fmt.Sprintf("msg-%d", h.userSeq),
		ChannelID: s.channelID,
		RootID:    s.threadID,
		UserID:    user.ID,
		Message:   text,
	}, user: user})
}

// react delivers a reaction on postID from user synchronously.
func (h *harness) react(s *Session, user *platform.User, postID, emoji string) {
	s.dispatch(envelope{kind: envReaction, reaction: platform.Reaction{
		PostID:    postID,
		UserID:    user.ID,
		EmojiName: emoji,
	}, user: user})
}

// lastMessage returns the message of the most recent live post, or "" if none.
func (h *harness) lastMessage() string {
	post, _ := h.fake.LastPost()
	return post.Message
}

// feed delivers one agent event to the session as the live generation.
func feed(s *Session, ev *agent.Event) {
	s.dispatch(envelope{kind: envAgentEvent, event: ev, gen: s.procGen})
}

// flush forces the coalescing buffer out, as if the flush timer fired.
func flush(s *Session) {
	s.dispatch(envelope{kind: envFlushTimer})
}

// drainUntil pumps the session inbox on the test goroutine until cond holds,
// standing in for the worker so tests stay single-threaded.
func drainUntil(t *testing.T, s *Session, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case env := <-s.inbox:
			s.dispatch(env)
		case <-deadline:
			t.Fatal("session never reached the expected state")
		}
	}
}

// waitPost polls the fake client until a live post containing substr exists.
func waitPost(t *testing.T, fake *platformtest.FakeClient, substr string) platform.Post {
	t.Helper()
	var found platform.Post
	require.Eventuallyf(t, func() bool {
		for _, p := range fake.Posts() {
			if strings.Contains(p.Message, substr) {
				found = p
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no post containing %q", substr)
	return found
}

// findPost scans the fake client synchronously.
func findPost(fake *platformtest.FakeClient, substr string) (platform.Post, bool) {
	for _, p := range fake.Posts() {
		if strings.Contains(p.Message, substr) {
			return p, true
		}
	}
	return platform.Post{}, false
}

// --- event constructors ---

func assistantText(text string) *agent.Event {
	return &agent.Event{
		Type: agent.EventAssistant,
		Message: &agent.Message{
			Role:    "assistant",
			Content: []agent.ContentBlock{agent.TextBlock(text)},
		},
	}
}

func toolUseEvent(id, name string, input map[string]any) *agent.Event {
	return &agent.Event{
		Type: agent.EventAssistant,
		Message: &agent.Message{
			Role: "assistant",
			Content: []agent.ContentBlock{{
				Type:  agent.BlockToolUse,
				ID:    id,
				Name:  name,
				Input: input,
			}},
		},
	}
}

func toolResultEvent(toolUseID, content string, isError bool) *agent.Event {
	return &agent.Event{
		Type: agent.EventUser,
		Message: &agent.Message{
			Role: "user",
			Content: []agent.ContentBlock{{
				Type:      agent.BlockToolResult,
				ToolUseID: toolUseID,
				Content:   jsonString(content),
				IsError:   isError,
			}},
		},
	}
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func initEvent(sessionID string) *agent.Event {
	return &agent.Event{Type: agent.EventSystem, Subtype: agent.SubtypeInit, SessionID: sessionID, Model: "claude-sonnet-4-5"}
}

func resultEvent(costUSD float64) *agent.Event {
	return &agent.Event{
		Type:         agent.EventResult,
		Subtype:      agent.SubtypeSuccess,
		NumTurns:     1,
		TotalCostUSD: costUSD,
		Usage: &agent.Usage{
			InputTokens:              40000,
			OutputTokens:             900,
			CacheCreationInputTokens: 1000,
			CacheReadInputTokens:     9000,
		},
		ModelUsage: map[string]agent.ModelUsage{
			"claude-sonnet-4-5-20250929": {
				InputTokens:              40000,
				OutputTokens:             900,
				CacheReadInputTokens:     9000,
				CacheCreationInputTokens: 1000,
				CostUSD:                  costUSD,
				ContextWindow:            200000,
			},
		},
	}
}
