package session

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/worktree"
)

func TestHelpCommand(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")

	h.say(s, h.user("alice"), "!help")

	msg := h.lastMessage()
	assert.Contains(t, msg, "### Commands")
	assert.Contains(t, msg, "| `!invite @user` | Let a user talk in this session. |")
	assert.Contains(t, msg, "| `!cd <path>` | Restart the agent in another directory. |")
	assert.Contains(t, msg, "| `!escape` | Interrupt the current turn, keep the session. |")
	assert.Contains(t, msg, "Reactions: 👍 approve · 👎 deny · ✅ allow all / invite · ❌ cancel · ⏸️ interrupt · 1️⃣-4️⃣ choose.")
	assert.Empty(t, h.factory.proc(0).SentTexts(), "commands never reach the agent")
}

func TestInviteCommand(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")
	alice := h.user("alice")
	eve := h.user("eve")

	h.say(s, alice, "!invite")
	assert.Equal(t, "Usage: `!invite @user`", h.lastMessage())

	h.say(s, alice, "!invite @eve")
	assert.Equal(t, "✅ @eve can now talk in this session.", h.lastMessage())
	assert.True(t, s.allowedUsers["eve"])

	ps, ok := h.store.Get(s.id)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "eve"}, ps.AllowedUsers)

	// The invitee talks without knocking.
	h.say(s, eve, "hello")
	assert.Nil(t, s.gate)
	assert.Equal(t, []string{"(from @eve) hello"}, h.factory.proc(0).SentTexts())
}

func TestKickCommand(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")
	alice := h.user("alice")
	h.say(s, alice, "!invite @eve")

	h.say(s, alice, "!kick")
	assert.Equal(t, "Usage: `!kick @user`", h.lastMessage())

	h.say(s, alice, "!kick @alice")
	assert.Equal(t, "🚫 The session owner cannot be kicked.", h.lastMessage())

	h.fake.SetAllowed("alice", "carol")
	h.say(s, alice, "!kick @carol")
	assert.Equal(t, "🚫 @carol is on the global allow-list and cannot be kicked.", h.lastMessage())

	h.say(s, alice, "!kick @bob")
	assert.Equal(t, "@bob was not invited.", h.lastMessage())

	h.say(s, alice, "!kick @eve")
	assert.Equal(t, "👋 @eve was removed from this session.", h.lastMessage())
	assert.False(t, s.allowedUsers["eve"])

	// Kicked users knock again.
	h.say(s, h.user("eve"), "let me back in")
	assert.NotNil(t, s.gate)
}

func TestAdminOnlyCommands(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")
	alice := h.user("alice")
	eve := h.user("eve")
	h.say(s, alice, "!invite @eve")

	for _, cmd := range []string{"!invite @bob", "!kick @bob", "!cd /tmp", "!permissions", "!worktree list"} {
		h.say(s, eve, cmd)
		assert.Equalf(t, "🚫 Only @alice can do that.", h.lastMessage(), "command %q", cmd)
	}
	assert.Equal(t, 1, h.factory.count(), "no admin command restarted the agent")
}

func TestUnknownCommandAndPlainChat(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")
	alice := h.user("alice")

	h.say(s, alice, "!frobnicate now")
	assert.Equal(t, "❓ Unknown command `!frobnicate`. Try `!help`.", h.lastMessage())
	assert.Empty(t, h.factory.proc(0).SentTexts())

	h.say(s, alice, "deploy it")
	assert.Equal(t, []string{"deploy it"}, h.factory.proc(0).SentTexts())

	// A leading bot mention reads naturally and is stripped.
	h.say(s, alice, "@bridge run the linter")
	assert.Equal(t, []string{"deploy it", "run the linter"}, h.factory.proc(0).SentTexts())
}

func TestPermissionsCommand(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "seed work")
	alice := h.user("alice")
	agentID := h.factory.optsAt(0).SessionID

	h.say(s, alice, "!permissions")
	assert.Equal(t, "Current permission mode: skip (no prompts). Use `!permissions interactive` to downgrade.",
		h.lastMessage())

	h.say(s, alice, "!permissions skip")
	assert.Equal(t, "🚫 Permissions can only be downgraded to interactive per session.", h.lastMessage())

	h.say(s, alice, "!permissions paranoid")
	assert.Equal(t, "Usage: `!permissions interactive`", h.lastMessage())

	h.say(s, alice, "!permissions interactive")
	drainUntil(t, s, func() bool { return !s.isRestarting })

	_, ok := findPost(h.fake, "🔐 Switching to interactive permissions; restarting the agent with the conversation intact.")
	assert.True(t, ok)
	assert.True(t, s.forceInteractive)
	assert.False(t, s.ended)

	require.Equal(t, 2, h.factory.count())
	opts := h.factory.optsAt(1)
	assert.Equal(t, agentID, opts.ResumeSessionID, "the conversation carries over")
	assert.False(t, opts.SkipPermissions)
	assert.Equal(t, "/usr/local/bin/permission-broker", opts.BrokerCommand)
	_, restarted := findPost(h.fake, "🔄 Restarted in")
	assert.False(t, restarted, "same directory, no restart notice")

	ps, found := h.store.Get(s.id)
	require.True(t, found)
	assert.True(t, ps.ForceInteractivePermissions)

	h.say(s, alice, "!permissions")
	assert.Equal(t, "Current permission mode: interactive (reaction-approved). Use `!permissions interactive` to downgrade.",
		h.lastMessage())

	h.say(s, alice, "!permissions interactive")
	assert.Equal(t, "Already in interactive permission mode.", h.lastMessage())
	assert.Equal(t, 2, h.factory.count())
}

func TestCdCommand(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "seed work")
	alice := h.user("alice")

	h.say(s, alice, "!cd")
	assert.Equal(t, "Usage: `!cd /absolute/path`", h.lastMessage())

	h.say(s, alice, "!cd /no/such/dir")
	assert.Equal(t, "❌ `/no/such/dir` is not a directory.", h.lastMessage())
	assert.Equal(t, 1, h.factory.count())

	dir := t.TempDir()
	h.say(s, alice, "!cd "+dir)
	drainUntil(t, s, func() bool { return !s.isRestarting })

	_, ok := findPost(h.fake, "🔄 Restarted in `"+format.ShortenPath(dir)+"`.")
	assert.True(t, ok)
	require.Equal(t, 2, h.factory.count())
	assert.Equal(t, dir, h.factory.optsAt(1).WorkingDir)
	assert.Equal(t, dir, s.workingDir)
	assert.Nil(t, s.worktree)
	assert.True(t, s.needsContextPrompt, "a directory change offers thread context next")
}

func TestEscapeCommand(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "long task")

	h.say(s, h.user("alice"), "!escape")

	assert.Equal(t, 1, h.factory.proc(0).Interrupts())
	_, ok := findPost(h.fake, "⏸️ Interrupted by @alice.")
	assert.True(t, ok)
	assert.False(t, s.ended)
}

func TestWorktreeCommand(t *testing.T) {
	seedTrees := func(h *harness) {
		h.wt.trees = []*worktree.Worktree{
			{RepoRoot: "/repo", Path: "/repo-worktrees/feature-a", Branch: "bridge/feature-a"},
			{RepoRoot: "/repo", Path: "/repo-worktrees/feature-b", Branch: "bridge/feature-b"},
		}
	}

	t.Run("disabled by configuration", func(t *testing.T) {
		h := newHarness(t)
		s := h.beginSession(t, "alice", "")
		h.say(s, h.user("alice"), "!worktree list")
		assert.Equal(t, "🚫 Worktrees are disabled in the bridge configuration.", h.lastMessage())
	})

	t.Run("usage", func(t *testing.T) {
		h := newHarness(t)
		h.wt.enabled = true
		s := h.beginSession(t, "alice", "")
		h.say(s, h.user("alice"), "!worktree")
		assert.Equal(t, "Usage: `!worktree create|switch|list|remove|off [branch]`", h.lastMessage())
	})

	t.Run("create outside a repository", func(t *testing.T) {
		h := newHarness(t)
		h.wt.enabled = true
		s := h.beginSession(t, "alice", "")
		h.say(s, h.user("alice"), "!worktree create")
		assert.Equal(t, "❌ Not inside a Git repository.", h.lastMessage())
	})

	t.Run("create with explicit branch", func(t *testing.T) {
		h := newHarness(t)
		h.wt.enabled = true
		h.wt.root = "/repo"
		s := h.beginSession(t, "alice", "")
		alice := h.user("alice")

		h.say(s, alice, "!worktree create hotfix/login")
		drainUntil(t, s, func() bool { return !s.isRestarting })

		_, ok := findPost(h.fake, "🌿 Created worktree `hotfix/login` at `/repo-worktrees/login`.")
		assert.True(t, ok)
		require.NotNil(t, s.worktree)
		assert.Equal(t, "hotfix/login", s.worktree.Branch)
		require.Equal(t, 2, h.factory.count())
		assert.Equal(t, "/repo-worktrees/login", h.factory.optsAt(1).WorkingDir)
		_, restarted := findPost(h.fake, "🔄 Restarted in `/repo-worktrees/login`.")
		assert.True(t, restarted)
	})

	t.Run("switch and list", func(t *testing.T) {
		h := newHarness(t)
		h.wt.enabled = true
		h.wt.root = "/repo"
		seedTrees(h)
		s := h.beginSession(t, "alice", "")
		alice := h.user("alice")
		jp := s.pending.(*worktreeJoinPending)
		h.react(s, alice, jp.post, "-1")

		h.say(s, alice, "!worktree switch bridge/nope")
		assert.Equal(t, `❌ no worktree matches "bridge/nope"`, h.lastMessage())

		h.say(s, alice, "!worktree switch bridge/feature-a")
		drainUntil(t, s, func() bool { return !s.isRestarting })
		_, ok := findPost(h.fake, "🌿 Switching to worktree `bridge/feature-a`.")
		assert.True(t, ok)
		assert.Equal(t, "/repo-worktrees/feature-a", s.workingDir)

		h.say(s, alice, "!worktree list")
		assert.Equal(t, "### Worktrees\n"+
			"- `bridge/feature-a` at `/repo-worktrees/feature-a` ← current\n"+
			"- `bridge/feature-b` at `/repo-worktrees/feature-b`",
			h.lastMessage())
	})

	t.Run("list when none are managed", func(t *testing.T) {
		h := newHarness(t)
		h.wt.enabled = true
		h.wt.root = "/repo"
		s := h.beginSession(t, "alice", "")
		alice := h.user("alice")
		wp := s.pending.(*worktreeCreatePending)
		h.react(s, alice, wp.post, "-1")

		h.say(s, alice, "!worktree list")
		assert.Equal(t, "No managed worktrees in this repository.", h.lastMessage())
	})

	t.Run("remove refuses the current tree", func(t *testing.T) {
		h := newHarness(t)
		h.wt.enabled = true
		h.wt.root = "/repo"
		seedTrees(h)
		s := h.beginSession(t, "alice", "")
		alice := h.user("alice")
		jp := s.pending.(*worktreeJoinPending)
		h.react(s, alice, jp.post, "one")
		drainUntil(t, s, func() bool { return !s.isRestarting })

		h.say(s, alice, "!worktree remove bridge/feature-a")
		assert.Equal(t, "🚫 This session is inside that worktree. Use `!worktree off` first.", h.lastMessage())
		assert.Empty(t, h.wt.removed)

		h.say(s, alice, "!worktree remove bridge/feature-b")
		assert.Equal(t, "🗑️ Removed worktree `bridge/feature-b`.", h.lastMessage())
		assert.Equal(t, []string{"bridge/feature-b"}, h.wt.removed)
	})

	t.Run("off returns to the repo root", func(t *testing.T) {
		h := newHarness(t)
		h.wt.enabled = true
		h.wt.root = "/repo"
		seedTrees(h)
		s := h.beginSession(t, "alice", "")
		alice := h.user("alice")
		jp := s.pending.(*worktreeJoinPending)
		h.react(s, alice, jp.post, "one")
		drainUntil(t, s, func() bool { return !s.isRestarting })
		require.NotNil(t, s.worktree)

		h.say(s, alice, "!worktree off")
		drainUntil(t, s, func() bool { return !s.isRestarting })

		_, ok := findPost(h.fake, "🌿 Leaving worktree, back to `/repo`.")
		assert.True(t, ok)
		assert.Nil(t, s.worktree)
		assert.Equal(t, "/repo", s.workingDir)

		h.say(s, alice, "!worktree off")
		assert.Equal(t, "Not currently in a worktree.", h.lastMessage())
	})
}

func TestImageAttachmentsForwardAsBlocks(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")
	alice := h.user("alice")

	png := []byte{0x89, 0x50, 0x4e, 0x47}
	h.fake.AddFile("file-1", "screenshot.png", "image/png", png)
	h.fake.AddFile("file-2", "notes.txt", "text/plain", []byte("plain text is skipped"))

	s.dispatch(envelope{kind: envMessage, post: platform.Post{
		ID: "msg-att", ChannelID: s.channelID, RootID: s.threadID, UserID: alice.ID,
		Message: "look at this", FileIDs: []string{"file-1", "file-2"},
	}, user: alice})

	proc := h.factory.proc(0)
	assert.Empty(t, proc.SentTexts())
	blocks := proc.SentBlocks()
	require.Len(t, blocks, 1)
	require.Len(t, blocks[0], 2)
	assert.Equal(t, agent.TextBlock("look at this"), blocks[0][0])
	assert.Equal(t, agent.BlockImage, blocks[0][1].Type)
	require.NotNil(t, blocks[0][1].Source)
	assert.Equal(t, "image/png", blocks[0][1].Source.MediaType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), blocks[0][1].Source.Data)
}

func TestOversizeAttachmentFallsBackToText(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")
	alice := h.user("alice")

	h.fake.AddFile("file-1", "huge.png", "image/png", make([]byte, 9<<20))

	s.dispatch(envelope{kind: envMessage, post: platform.Post{
		ID: "msg-att", ChannelID: s.channelID, RootID: s.threadID, UserID: alice.ID,
		Message: "see the screenshot", FileIDs: []string{"file-1"},
	}, user: alice})

	_, ok := findPost(h.fake, "⚠️ Skipping huge.png: larger than the attachment limit.")
	assert.True(t, ok)
	proc := h.factory.proc(0)
	assert.Empty(t, proc.SentBlocks())
	assert.Equal(t, []string{"see the screenshot"}, proc.SentTexts())
}
