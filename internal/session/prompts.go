package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
	"github.com/threadbridge/threadbridge/internal/store"
	"github.com/threadbridge/threadbridge/internal/worktree"
)

// contextPromptDeadline bounds how long a directory-change context prompt
// waits before proceeding without context.
const contextPromptDeadline = 2 * time.Minute

// pendingInteraction is the one outstanding agent/flow request awaiting a
// user reaction. Opening a new interaction replaces the previous one; the
// superseded prompt post simply stops matching.
type pendingInteraction interface {
	kind() string
	postID() string
}

// planPending awaits plan approval for an ExitPlanMode tool call.
type planPending struct {
	post      string
	toolUseID string
}

func (p *planPending) kind() string   { return "plan" }
func (p *planPending) postID() string { return p.post }

// question is one AskUserQuestion entry.
type question struct {
	header  string
	text    string
	options []string
}

// questionPending walks a question set one post at a time and aggregates
// the answers into a single tool result.
type questionPending struct {
	post      string
	toolUseID string
	questions []question
	index     int
	answers   []string
}

func (p *questionPending) kind() string   { return "question" }
func (p *questionPending) postID() string { return p.post }

func (p *questionPending) current() question { return p.questions[p.index] }

// contextOption is one choice on a directory-change context prompt.
// count == 0 means start fresh.
type contextOption struct {
	label string
	count int
}

// contextPending offers recent thread history to a freshly re-spawned agent
// after a working-directory change severed its resume chain.
type contextPending struct {
	post         string
	queuedPrompt string
	messageCount int
	options      []contextOption
}

func (p *contextPending) kind() string   { return "context" }
func (p *contextPending) postID() string { return p.post }

// worktreeCreatePending offers to isolate a new session in a fresh worktree.
type worktreeCreatePending struct {
	post         string
	queuedPrompt string
	branch       string
	repoRoot     string
}

func (p *worktreeCreatePending) kind() string   { return "worktree" }
func (p *worktreeCreatePending) postID() string { return p.post }

// worktreeJoinPending offers existing managed worktrees by number.
type worktreeJoinPending struct {
	post         string
	queuedPrompt string
	worktrees    []*worktree.Worktree
}

func (p *worktreeJoinPending) kind() string   { return "worktree-join" }
func (p *worktreeJoinPending) postID() string { return p.post }

// messageGate holds an unauthorized user's message for owner approval. It is
// tracked apart from pendingInteraction because an outsider can knock while
// the agent is mid-question.
type messageGate struct {
	post     string
	username string
	text     string
}

// setPending installs a new interaction, superseding any previous one.
func (s *Session) setPending(p pendingInteraction) {
	if s.pending != nil {
		s.logger.Debug("Replacing pending interaction",
			zap.String("old", s.pending.kind()), zap.String("new", p.kind()))
	}
	s.pending = p
}

// --- plan approval ---

func (s *Session) openPlanApproval(toolUseID, plan string) {
	d := s.client.Dialect()
	var sb strings.Builder
	sb.WriteString(d.Heading("Plan ready for review"))
	sb.WriteString("\n")
	if plan != "" {
		sb.WriteString(format.TruncateTail(plan, 10000))
		sb.WriteString("\n\n")
	}
	sb.WriteString(fmt.Sprintf("React %s to approve and start, %s to keep planning.",
		":"+format.EmojiApprove+":", ":"+format.EmojiDeny+":"))
	id := s.postInteractive(sb.String(), []string{format.EmojiApprove, format.EmojiDeny})
	if id == "" {
		return
	}
	s.setPending(&planPending{post: id, toolUseID: toolUseID})
}

func (s *Session) resolvePlan(p *planPending, approved bool, username string) {
	s.pending = nil
	d := s.client.Dialect()
	if approved {
		s.planApproved = true
		s.updatePost(p.post, fmt.Sprintf("✅ Plan approved by %s", d.Mention(username)))
		s.sendToolResult(p.toolUseID, "Plan approved. Proceed with the implementation.")
		s.setProcessing(true)
		return
	}
	s.updatePost(p.post, fmt.Sprintf("👎 Plan rejected by %s – tell the agent what to change", d.Mention(username)))
	s.sendToolResult(p.toolUseID, "The user rejected the plan. Stay in plan mode and wait for further instructions.")
}

// --- question set ---

func (s *Session) openQuestionSet(toolUseID string, questions []question) {
	if len(questions) == 0 {
		s.sendToolResult(toolUseID, "No questions were asked.")
		return
	}
	p := &questionPending{toolUseID: toolUseID, questions: questions}
	s.setPending(p)
	s.postCurrentQuestion(p)
}

func (s *Session) postCurrentQuestion(p *questionPending) {
	q := p.current()
	d := s.client.Dialect()
	var sb strings.Builder
	title := q.header
	if title == "" {
		title = fmt.Sprintf("Question %d of %d", p.index+1, len(p.questions))
	} else if len(p.questions) > 1 {
		title = fmt.Sprintf("%s (%d/%d)", title, p.index+1, len(p.questions))
	}
	sb.WriteString(d.Heading(title))
	sb.WriteString("\n")
	sb.WriteString(q.text)
	sb.WriteString("\n\n")
	emojis := make([]string, 0, len(q.options))
	for i, opt := range q.options {
		if i >= 4 {
			break
		}
		sb.WriteString(fmt.Sprintf(":%s: %s\n", format.NumberEmoji(i+1), opt))
		emojis = append(emojis, format.NumberEmoji(i+1))
	}
	sb.WriteString("\nReact with a number to answer.")
	id := s.postInteractive(sb.String(), emojis)
	if id == "" {
		// Without a post there is nothing to react to; unblock the agent.
		s.pending = nil
		s.sendToolResult(p.toolUseID, "The question could not be presented to the user.")
		return
	}
	p.post = id
}

func (s *Session) answerQuestion(p *questionPending, choice int, username string) {
	q := p.current()
	if choice < 1 || choice > len(q.options) || choice > 4 {
		return
	}
	answer := q.options[choice-1]
	d := s.client.Dialect()
	label := q.header
	if label == "" {
		label = fmt.Sprintf("Question %d", p.index+1)
	}
	s.updatePost(p.post, fmt.Sprintf("**%s** – %s answered: %s", label, d.Mention(username), answer))
	p.answers = append(p.answers, answer)
	p.index++
	if p.index < len(p.questions) {
		s.postCurrentQuestion(p)
		return
	}
	s.pending = nil
	var sb strings.Builder
	sb.WriteString("The user answered:\n")
	for i, ans := range p.answers {
		name := p.questions[i].header
		if name == "" {
			name = p.questions[i].text
		}
		sb.WriteString(fmt.Sprintf("%q: %q\n", name, ans))
	}
	s.sendToolResult(p.toolUseID, sb.String())
	s.setProcessing(true)
}

// --- context prompt after a directory change ---

// contextOptions builds the choice list shown after a directory change.
func contextOptions(messageCount int) []contextOption {
	opts := []contextOption{{label: "Start fresh (no context)", count: 0}}
	if messageCount > 0 {
		n := min(messageCount, 5)
		opts = append(opts, contextOption{label: fmt.Sprintf("Include the last %d messages", n), count: n})
	}
	if messageCount > 5 {
		n := min(messageCount, 10)
		opts = append(opts, contextOption{label: fmt.Sprintf("Include the last %d messages", n), count: n})
	}
	if messageCount > 10 {
		opts = append(opts, contextOption{label: fmt.Sprintf("Include all %d messages", messageCount), count: messageCount})
	}
	return opts
}

// openContextPrompt queues prompt and asks whether to replay thread history.
// The working-directory change regenerated the agent session, so the new
// process knows nothing of the conversation so far.
func (s *Session) openContextPrompt(queuedPrompt string) {
	count := s.threadMessageCount()
	opts := contextOptions(count)
	var sb strings.Builder
	sb.WriteString("The working directory changed, so the agent starts with a clean slate.\n")
	sb.WriteString("Include earlier thread messages as context?\n\n")
	emojis := make([]string, 0, len(opts))
	for i, opt := range opts {
		sb.WriteString(fmt.Sprintf(":%s: %s\n", format.NumberEmoji(i+1), opt.label))
		emojis = append(emojis, format.NumberEmoji(i+1))
	}
	sb.WriteString("\nNo reaction within 2 minutes continues without context.")
	id := s.postInteractive(sb.String(), emojis)
	if id == "" {
		s.forwardToAgent(queuedPrompt)
		return
	}
	s.setPending(&contextPending{
		post:         id,
		queuedPrompt: queuedPrompt,
		messageCount: count,
		options:      opts,
	})
	time.AfterFunc(contextPromptDeadline, func() {
		s.enqueue(envelope{kind: envPendingTimeout, postID: id})
	})
}

// threadMessageCount counts non-bot messages currently in the thread.
func (s *Session) threadMessageCount() int {
	ctx, cancel := s.restCtx()
	defer cancel()
	posts, err := s.client.GetThreadHistory(ctx, s.threadID, platform.ThreadHistoryOptions{
		Limit:              50,
		ExcludeBotMessages: true,
	})
	if err != nil {
		s.logger.Debug("Failed to fetch thread history", zap.Error(err))
		return 0
	}
	return len(posts)
}

func (s *Session) resolveContext(p *contextPending, choice int, username string) {
	if choice < 1 || choice > len(p.options) {
		return
	}
	s.pending = nil
	opt := p.options[choice-1]
	d := s.client.Dialect()
	s.updatePost(p.post, fmt.Sprintf("%s chose: %s", d.Mention(username), opt.label))
	prompt := p.queuedPrompt
	if opt.count > 0 {
		if history := s.renderThreadContext(opt.count); history != "" {
			prompt = fmt.Sprintf("Earlier conversation in this thread:\n%s\n---\n%s", history, prompt)
		}
	}
	s.forwardToAgent(prompt)
}

// renderThreadContext formats the last n non-bot thread messages oldest-first.
func (s *Session) renderThreadContext(n int) string {
	ctx, cancel := s.restCtx()
	defer cancel()
	posts, err := s.client.GetThreadHistory(ctx, s.threadID, platform.ThreadHistoryOptions{
		Limit:              n,
		ExcludeBotMessages: true,
	})
	if err != nil {
		s.logger.Warn("Failed to fetch thread history for context", zap.Error(err))
		return ""
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt.Before(posts[j].CreateAt) })
	var sb strings.Builder
	for _, post := range posts {
		name := post.UserID
		ctx2, cancel2 := s.restCtx()
		if u, err := s.client.GetUser(ctx2, post.UserID); err == nil && u != nil {
			name = u.Username
		}
		cancel2()
		sb.WriteString(fmt.Sprintf("%s: %s\n", name, post.Message))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// expirePending fires a context-prompt deadline. The post id guards against
// a stale timer outliving the interaction it was armed for.
func (s *Session) expirePending(postID string) {
	p, ok := s.pending.(*contextPending)
	if !ok || p.post != postID {
		return
	}
	s.pending = nil
	s.updatePost(p.post, "No choice made – continuing without context.")
	s.forwardToAgent(p.queuedPrompt)
}

// --- worktree prompts at session start ---

func (s *Session) openWorktreeCreatePrompt(queuedPrompt, repoRoot string) {
	branch := s.mgr.worktrees.GenerateBranch()
	d := s.client.Dialect()
	msg := fmt.Sprintf("This directory is a Git repository. Work in an isolated worktree?\n\n"+
		"Branch: %s\n\nReact %s to create it, %s to stay on the current checkout.",
		d.Code(branch), ":"+format.EmojiApprove+":", ":"+format.EmojiDeny+":")
	id := s.postInteractive(msg, []string{format.EmojiApprove, format.EmojiDeny})
	if id == "" {
		s.forwardToAgent(queuedPrompt)
		return
	}
	s.setPending(&worktreeCreatePending{post: id, queuedPrompt: queuedPrompt, branch: branch, repoRoot: repoRoot})
}

func (s *Session) resolveWorktreeCreate(p *worktreeCreatePending, approved bool, username string) {
	s.pending = nil
	d := s.client.Dialect()
	if !approved {
		s.updatePost(p.post, fmt.Sprintf("Staying on the current checkout (%s).", d.Mention(username)))
		s.forwardToAgent(p.queuedPrompt)
		return
	}
	ctx, cancel := s.restCtx()
	wt, err := s.mgr.worktrees.Create(ctx, p.repoRoot, p.branch)
	cancel()
	if err != nil {
		s.logger.Warn("Failed to create worktree", zap.Error(err))
		s.updatePost(p.post, fmt.Sprintf("❌ Could not create worktree: %v – continuing in place.", err))
		s.forwardToAgent(p.queuedPrompt)
		return
	}
	s.updatePost(p.post, fmt.Sprintf("🌿 Worktree %s created by %s.", d.Code(wt.Branch), d.Mention(username)))
	s.worktree = &store.WorktreeInfo{RepoRoot: wt.RepoRoot, WorktreePath: wt.Path, Branch: wt.Branch}
	s.restartInDir(wt.Path, p.queuedPrompt, true)
}

func (s *Session) openWorktreeJoinPrompt(queuedPrompt string, trees []*worktree.Worktree) {
	if len(trees) > 4 {
		trees = trees[:4]
	}
	d := s.client.Dialect()
	var sb strings.Builder
	sb.WriteString("Existing worktrees found. Join one, or continue on the main checkout?\n\n")
	emojis := make([]string, 0, len(trees)+1)
	for i, wt := range trees {
		sb.WriteString(fmt.Sprintf(":%s: %s (%s)\n", format.NumberEmoji(i+1), d.Code(wt.Branch), format.ShortenPath(wt.Path)))
		emojis = append(emojis, format.NumberEmoji(i+1))
	}
	sb.WriteString(fmt.Sprintf("\nReact %s to stay on the main checkout.", ":"+format.EmojiDeny+":"))
	emojis = append(emojis, format.EmojiDeny)
	id := s.postInteractive(sb.String(), emojis)
	if id == "" {
		s.forwardToAgent(queuedPrompt)
		return
	}
	s.setPending(&worktreeJoinPending{post: id, queuedPrompt: queuedPrompt, worktrees: trees})
}

func (s *Session) resolveWorktreeJoin(p *worktreeJoinPending, choice int, username string) {
	d := s.client.Dialect()
	if choice == 0 { // deny: stay put
		s.pending = nil
		s.updatePost(p.post, fmt.Sprintf("Staying on the main checkout (%s).", d.Mention(username)))
		s.forwardToAgent(p.queuedPrompt)
		return
	}
	if choice < 1 || choice > len(p.worktrees) {
		return
	}
	s.pending = nil
	wt := p.worktrees[choice-1]
	s.updatePost(p.post, fmt.Sprintf("🌿 Joining worktree %s (%s).", d.Code(wt.Branch), d.Mention(username)))
	s.worktree = &store.WorktreeInfo{RepoRoot: wt.RepoRoot, WorktreePath: wt.Path, Branch: wt.Branch}
	s.restartInDir(wt.Path, p.queuedPrompt, true)
}

// --- message gate for unauthorized users ---

func (s *Session) openMessageGate(username, text string) {
	d := s.client.Dialect()
	msg := fmt.Sprintf("%s: %s wants to send a message:\n%s\n\nReact %s allow once · %s invite to session · %s deny.",
		d.Mention(s.startedBy), d.Mention(username), d.Quote(format.TruncateTail(text, 500)),
		":"+format.EmojiApprove+":", ":"+format.EmojiAllowAll+":", ":"+format.EmojiDeny+":")
	id := s.postInteractive(msg, []string{format.EmojiApprove, format.EmojiAllowAll, format.EmojiDeny})
	if id == "" {
		return
	}
	if s.gate != nil {
		s.updatePost(s.gate.post, "Superseded by a newer message.")
	}
	s.gate = &messageGate{post: id, username: username, text: text}
}

func (s *Session) resolveGate(g *messageGate, emojiName, username string) {
	d := s.client.Dialect()
	switch {
	case format.IsAllowAll(emojiName):
		s.gate = nil
		s.allowUser(g.username)
		s.updatePost(g.post, fmt.Sprintf("✅ %s invited %s to the session.", d.Mention(username), d.Mention(g.username)))
		s.repaintHeader()
		s.forwardUserText(g.username, g.text)
	case format.IsApprove(emojiName):
		s.gate = nil
		s.updatePost(g.post, fmt.Sprintf("👍 %s allowed this message.", d.Mention(username)))
		s.forwardUserText(g.username, g.text)
	case format.IsDeny(emojiName):
		s.gate = nil
		s.updatePost(g.post, fmt.Sprintf("🚫 %s denied this message.", d.Mention(username)))
	}
}
