package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/store"
)

const helpText = "### Commands\n" +
	"| Command | Effect |\n" +
	"|---|---|\n" +
	"| `!help` | Show this table. |\n" +
	"| `!invite @user` | Let a user talk in this session. |\n" +
	"| `!kick @user` | Remove an invited user. |\n" +
	"| `!permissions interactive` | Switch this session to reaction-approved tool use. |\n" +
	"| `!cd <path>` | Restart the agent in another directory. |\n" +
	"| `!worktree create\\|switch\\|list\\|remove\\|off` | Manage Git worktrees. |\n" +
	"| `!stop` | End the session. |\n" +
	"| `!escape` | Interrupt the current turn, keep the session. |\n" +
	"\nReactions: 👍 approve · 👎 deny · ✅ allow all / invite · ❌ cancel · ⏸️ interrupt · 1️⃣-4️⃣ choose."

// handleMessage routes an in-thread post: gate outsiders, run commands,
// forward the rest to the agent.
func (s *Session) handleMessage(post platform.Post, user *platform.User) {
	if user == nil || user.IsBot || user.ID == s.client.BotUser().ID {
		return
	}
	text := strings.TrimSpace(post.Message)
	if !s.isParticipant(user.Username) {
		if text != "" {
			s.openMessageGate(user.Username, text)
		}
		return
	}
	if s.handleCommand(text, user) {
		s.touch()
		return
	}

	text = s.stripBotMention(text)
	if text == "" && len(post.FileIDs) == 0 {
		return
	}
	s.touch()
	s.mgr.streamer.BumpTasks(s)

	// One context offer after a directory change severed the resume chain.
	if s.needsContextPrompt {
		s.needsContextPrompt = false
		s.openContextPrompt(s.attributed(user.Username, text))
		return
	}

	if blocks := s.buildContentBlocks(s.attributed(user.Username, text), post.FileIDs); blocks != nil {
		s.forwardContent(blocks)
		return
	}
	s.forwardUserText(user.Username, text)
}

// stripBotMention drops a leading @bot so in-thread mentions read naturally.
func (s *Session) stripBotMention(text string) string {
	bot := s.client.BotName()
	if bot != "" && strings.HasPrefix(strings.ToLower(text), strings.ToLower(bot)) {
		return strings.TrimSpace(text[len(bot):])
	}
	return text
}

// attributed prefixes non-owner speech so the agent knows who is talking.
func (s *Session) attributed(username, text string) string {
	if normalizeUsername(username) != s.startedBy {
		return fmt.Sprintf("(from @%s) %s", normalizeUsername(username), text)
	}
	return text
}

// buildContentBlocks turns image attachments into base64 blocks alongside
// the text. Returns nil when no usable attachment exists.
func (s *Session) buildContentBlocks(text string, fileIDs []string) []agent.ContentBlock {
	if len(fileIDs) == 0 {
		return nil
	}
	var blocks []agent.ContentBlock
	if text != "" {
		blocks = append(blocks, agent.TextBlock(text))
	}
	found := false
	for _, fileID := range fileIDs {
		ctx, cancel := s.restCtx()
		info, err := s.client.GetFileInfo(ctx, fileID)
		cancel()
		if err != nil {
			s.logger.Warn("Failed to stat attachment", zap.String("file_id", fileID), zap.Error(err))
			continue
		}
		if !strings.HasPrefix(info.MimeType, "image/") {
			continue
		}
		if max := s.mgr.maxAttachmentBytes; max > 0 && info.Size > max {
			s.post(fmt.Sprintf("⚠️ Skipping %s: larger than the attachment limit.", info.Name))
			continue
		}
		ctx, cancel = s.restCtx()
		data, err := s.client.DownloadFile(ctx, fileID)
		cancel()
		if err != nil {
			s.logger.Warn("Failed to download attachment", zap.String("file_id", fileID), zap.Error(err))
			continue
		}
		blocks = append(blocks, agent.ImageBlock(info.MimeType, base64.StdEncoding.EncodeToString(data)))
		found = true
	}
	if !found {
		return nil
	}
	return blocks
}

// handleCommand parses and executes a text command. Returns false when the
// text is not a command and should go to the agent.
func (s *Session) handleCommand(text string, user *platform.User) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := strings.ToLower(fields[0])
	switch {
	case strings.HasPrefix(cmd, "!"):
		cmd = strings.TrimPrefix(cmd, "!")
	case cmd == "stop" || cmd == "cancel" || cmd == "escape":
		// Bare legacy forms kept for muscle memory.
	default:
		return false
	}
	args := fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "help":
		s.post(helpText)
	case "invite":
		s.cmdInvite(args, user)
	case "kick":
		s.cmdKick(args, user)
	case "permissions":
		s.cmdPermissions(args, user)
	case "cd":
		s.cmdCd(rest, user)
	case "worktree", "wt":
		s.cmdWorktree(args, user)
	case "stop", "cancel":
		s.post(fmt.Sprintf("🛑 Session stopped by %s.", s.client.Dialect().Mention(user.Username)))
		s.killAgent(reasonStop)
	case "escape":
		s.interrupt(user.Username)
	default:
		if strings.HasPrefix(fields[0], "!") {
			s.post(fmt.Sprintf("❓ Unknown command %s. Try `!help`.", s.client.Dialect().Code(fields[0])))
			return true
		}
		return false
	}
	return true
}

func (s *Session) requireAdmin(user *platform.User) bool {
	if s.isAdmin(user.Username) {
		return true
	}
	s.post(fmt.Sprintf("🚫 Only %s can do that.", s.client.Dialect().Mention(s.startedBy)))
	return false
}

func (s *Session) cmdInvite(args []string, user *platform.User) {
	if !s.requireAdmin(user) {
		return
	}
	if len(args) == 0 {
		s.post("Usage: `!invite @user`")
		return
	}
	name := normalizeUsername(args[0])
	if name == "" {
		s.post("Usage: `!invite @user`")
		return
	}
	s.allowUser(name)
	s.repaintHeader()
	s.persist()
	d := s.client.Dialect()
	s.post(fmt.Sprintf("✅ %s can now talk in this session.", d.Mention(name)))
}

func (s *Session) cmdKick(args []string, user *platform.User) {
	if !s.requireAdmin(user) {
		return
	}
	if len(args) == 0 {
		s.post("Usage: `!kick @user`")
		return
	}
	name := normalizeUsername(args[0])
	d := s.client.Dialect()
	if name == s.startedBy {
		s.post("🚫 The session owner cannot be kicked.")
		return
	}
	if s.client.IsUserAllowed(name) {
		s.post(fmt.Sprintf("🚫 %s is on the global allow-list and cannot be kicked.", d.Mention(name)))
		return
	}
	if !s.allowedUsers[name] {
		s.post(fmt.Sprintf("%s was not invited.", d.Mention(name)))
		return
	}
	s.disallowUser(name)
	s.repaintHeader()
	s.persist()
	s.post(fmt.Sprintf("👋 %s was removed from this session.", d.Mention(name)))
}

func (s *Session) cmdPermissions(args []string, user *platform.User) {
	if !s.requireAdmin(user) {
		return
	}
	interactive := s.forceInteractive || !s.mgr.skipPermissions
	if len(args) == 0 {
		mode := "interactive (reaction-approved)"
		if !interactive {
			mode = "skip (no prompts)"
		}
		s.post("Current permission mode: " + mode + ". Use `!permissions interactive` to downgrade.")
		return
	}
	switch strings.ToLower(args[0]) {
	case "interactive":
		if interactive {
			s.post("Already in interactive permission mode.")
			return
		}
		s.forceInteractive = true
		s.post("🔐 Switching to interactive permissions; restarting the agent with the conversation intact.")
		s.restartWithResume()
	case "skip":
		// Sessions only ever tighten; loosening needs a config change.
		s.post("🚫 Permissions can only be downgraded to interactive per session.")
	default:
		s.post("Usage: `!permissions interactive`")
	}
}

// restartWithResume respawns under the same agent session id, for flag
// changes that do not move the working directory.
func (s *Session) restartWithResume() {
	s.flushNow()
	s.abortTurnSpan("restart")
	s.isRestarting = true
	if s.proc != nil && s.proc.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		if err := s.proc.Kill(ctx); err != nil {
			s.logger.Warn("Failed to kill agent for restart", zap.Error(err))
		}
		cancel()
	}
	if err := s.spawnAgent(s.agentSessionID); err != nil {
		s.isRestarting = false
		s.post("❌ Could not restart the agent: " + err.Error())
		s.endSession(true)
		return
	}
	s.hasAgentResponded = false
	s.repaintHeader()
	s.persist()
}

func (s *Session) cmdCd(rest string, user *platform.User) {
	if !s.requireAdmin(user) {
		return
	}
	if rest == "" {
		s.post("Usage: `!cd /absolute/path`")
		return
	}
	path := expandHome(rest)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		s.post(fmt.Sprintf("❌ %s is not a directory.", s.client.Dialect().Code(rest)))
		return
	}
	path, err = filepath.Abs(path)
	if err != nil {
		s.post("❌ Could not resolve that path.")
		return
	}
	s.worktree = nil
	s.restartInDir(path, "", false)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func (s *Session) cmdWorktree(args []string, user *platform.User) {
	if !s.requireAdmin(user) {
		return
	}
	mgr := s.mgr.worktrees
	d := s.client.Dialect()
	if !mgr.IsEnabled() {
		s.post("🚫 Worktrees are disabled in the bridge configuration.")
		return
	}
	if len(args) == 0 {
		s.post("Usage: `!worktree create|switch|list|remove|off [branch]`")
		return
	}

	ctx, cancel := s.restCtx()
	defer cancel()
	root, rootErr := mgr.RepoRoot(ctx, s.workingDir)

	switch strings.ToLower(args[0]) {
	case "create":
		if rootErr != nil {
			s.post("❌ Not inside a Git repository.")
			return
		}
		branch := mgr.GenerateBranch()
		if len(args) > 1 {
			branch = args[1]
		}
		wt, err := mgr.Create(ctx, root, branch)
		if err != nil {
			s.post("❌ Could not create worktree: " + err.Error())
			return
		}
		s.post(fmt.Sprintf("🌿 Created worktree %s at %s.", d.Code(wt.Branch), d.Code(format.ShortenPath(wt.Path))))
		s.worktree = &store.WorktreeInfo{RepoRoot: wt.RepoRoot, WorktreePath: wt.Path, Branch: wt.Branch}
		s.restartInDir(wt.Path, "", false)

	case "switch":
		if len(args) < 2 {
			s.post("Usage: `!worktree switch <branch|path>`")
			return
		}
		if rootErr != nil {
			s.post("❌ Not inside a Git repository.")
			return
		}
		wt, err := mgr.Find(ctx, root, args[1])
		if err != nil {
			s.post("❌ " + err.Error())
			return
		}
		s.post(fmt.Sprintf("🌿 Switching to worktree %s.", d.Code(wt.Branch)))
		s.worktree = &store.WorktreeInfo{RepoRoot: wt.RepoRoot, WorktreePath: wt.Path, Branch: wt.Branch}
		s.restartInDir(wt.Path, "", false)

	case "list":
		if rootErr != nil {
			s.post("❌ Not inside a Git repository.")
			return
		}
		trees, err := mgr.ListManaged(ctx, root)
		if err != nil {
			s.post("❌ Could not list worktrees: " + err.Error())
			return
		}
		if len(trees) == 0 {
			s.post("No managed worktrees in this repository.")
			return
		}
		var sb strings.Builder
		sb.WriteString("### Worktrees\n")
		for _, wt := range trees {
			marker := ""
			if s.worktree != nil && s.worktree.WorktreePath == wt.Path {
				marker = " ← current"
			}
			sb.WriteString(fmt.Sprintf("- %s at %s%s\n", d.Code(wt.Branch), d.Code(format.ShortenPath(wt.Path)), marker))
		}
		s.post(strings.TrimRight(sb.String(), "\n"))

	case "remove":
		if len(args) < 2 {
			s.post("Usage: `!worktree remove <branch|path> [force]`")
			return
		}
		if rootErr != nil {
			s.post("❌ Not inside a Git repository.")
			return
		}
		wt, err := mgr.Find(ctx, root, args[1])
		if err != nil {
			s.post("❌ " + err.Error())
			return
		}
		if s.worktree != nil && s.worktree.WorktreePath == wt.Path {
			s.post("🚫 This session is inside that worktree. Use `!worktree off` first.")
			return
		}
		force := len(args) > 2 && strings.EqualFold(args[2], "force")
		if err := mgr.Remove(ctx, wt, force); err != nil {
			s.post("❌ Could not remove worktree: " + err.Error())
			return
		}
		s.post(fmt.Sprintf("🗑️ Removed worktree %s.", d.Code(wt.Branch)))

	case "off":
		if s.worktree == nil {
			s.post("Not currently in a worktree.")
			return
		}
		target := s.worktree.RepoRoot
		s.post(fmt.Sprintf("🌿 Leaving worktree, back to %s.", d.Code(format.ShortenPath(target))))
		s.worktree = nil
		s.restartInDir(target, "", false)

	default:
		s.post("Usage: `!worktree create|switch|list|remove|off [branch]`")
	}
}
