package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
)

// maxResumeFailures bounds resume retries before a persisted session is
// surfaced and dropped.
const maxResumeFailures = 3

// killTimeout bounds the TERM-then-KILL escalation on the worker.
const killTimeout = 10 * time.Second

// Reasons the session itself killed its subprocess; the exit handler picks
// the matching teardown.
type killReason int

const (
	reasonNone killReason = iota
	reasonStop
	reasonTimeout
	reasonShutdown
)

// begin brings a brand-new session up: header, worktree offer, agent spawn.
// The initial prompt is queued when a worktree prompt intercepts it.
func (s *Session) begin(user *platform.User, initialPrompt string) {
	s.startedBy = normalizeUsername(user.Username)
	s.startedAt = s.mgr.now()
	s.allowUser(user.Username)
	s.touch()
	s.mgr.metrics.SessionsTotal.Inc()
	s.mgr.metrics.SessionsActive.Inc()

	if err := s.spawnAgent(""); err != nil {
		s.post("❌ Could not start the agent: " + err.Error())
		s.endSession(true)
		return
	}
	s.postHeader()

	// Worktree offer: the agent is already up in the plain checkout; the
	// initial prompt waits on the user's choice.
	if s.mgr.worktrees.IsEnabled() && s.offerWorktree(initialPrompt) {
		return
	}
	if initialPrompt != "" {
		s.forwardToAgent(initialPrompt)
	}
}

// offerWorktree posts a join prompt when managed worktrees exist, or a
// create prompt when the directory is a repo. Returns false when no prompt
// applies and the caller should proceed.
func (s *Session) offerWorktree(queuedPrompt string) bool {
	ctx, cancel := s.restCtx()
	defer cancel()
	root, err := s.mgr.worktrees.RepoRoot(ctx, s.workingDir)
	if err != nil || root == "" {
		return false
	}
	trees, err := s.mgr.worktrees.ListManaged(ctx, root)
	if err == nil && len(trees) > 0 {
		s.openWorktreeJoinPrompt(queuedPrompt, trees)
		return true
	}
	s.openWorktreeCreatePrompt(queuedPrompt, root)
	return true
}

// spawnAgent starts the subprocess and its pump goroutines. An empty
// resumeID starts fresh under a new agent session id.
func (s *Session) spawnAgent(resumeID string) error {
	opts := s.mgr.agentOptions(s)
	if resumeID != "" {
		opts.ResumeSessionID = resumeID
	} else {
		s.agentSessionID = uuid.NewString()
		opts.SessionID = s.agentSessionID
	}

	proc := s.mgr.startAgent(opts, s.logger)
	if err := proc.Start(s.mgr.ctx); err != nil {
		return err
	}
	s.proc = proc
	s.procGen++
	gen := s.procGen

	go func() {
		for ev := range proc.Events() {
			s.enqueue(envelope{kind: envAgentEvent, event: ev, gen: gen})
		}
	}()
	go func() {
		if exit, ok := <-proc.Exits(); ok {
			s.enqueue(envelope{kind: envAgentExit, exit: exit, gen: gen})
		}
	}()

	s.logger.Info("Agent spawned",
		zap.String("agent_session_id", s.agentSessionID),
		zap.String("working_dir", s.workingDir),
		zap.Bool("resumed", resumeID != ""),
		zap.Int("gen", gen))
	return nil
}

// handleAgentExit reacts to subprocess death. Exits from superseded
// generations only clear the restart flag; that is the one place it is
// cleared, which keeps restart exit suppression race-free.
func (s *Session) handleAgentExit(exit agent.ExitInfo, gen int) {
	if gen != s.procGen {
		s.isRestarting = false
		s.logger.Debug("Superseded agent exited", zap.Int("gen", gen), zap.Int("code", exit.Code))
		return
	}
	if s.ended {
		return
	}
	s.flushNow()

	reason := s.killedBy
	s.killedBy = reasonNone
	switch reason {
	case reasonStop:
		s.endSession(true)
	case reasonTimeout:
		s.postTimeoutNotice()
		s.endSession(false)
	case reasonShutdown:
		s.endSession(false)
	default:
		s.handleUnexpectedExit(exit)
	}
}

func (s *Session) handleUnexpectedExit(exit agent.ExitInfo) {
	// A resume that dies before the agent ever speaks counts against the
	// retry budget instead of tearing the persisted session down.
	if s.isResumed && !s.hasAgentResponded {
		s.resumeFailCount++
		if s.resumeFailCount >= maxResumeFailures {
			s.post(fmt.Sprintf("❌ Could not resume this session after %d attempts. Start a new one with a mention.", s.resumeFailCount))
			s.endSession(true)
			return
		}
		s.post("⚠️ Resume failed, will retry on the next bridge start.")
		s.endSession(false)
		return
	}

	switch {
	case exit.Err != nil:
		s.post(fmt.Sprintf("❌ Agent exited unexpectedly: %v", exit.Err))
	case exit.Code != 0:
		s.post(fmt.Sprintf("❌ Agent exited with code %d.", exit.Code))
	default:
		s.post("🏁 Agent session finished.")
	}
	if s.wasInterrupted {
		s.endSession(false)
		return
	}
	s.endSession(true)
}

// killAgent terminates the subprocess for the given reason. When nothing is
// running the exit handler will not fire, so teardown happens inline.
func (s *Session) killAgent(reason killReason) {
	s.killedBy = reason
	if s.proc != nil && s.proc.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		if err := s.proc.Kill(ctx); err != nil {
			s.logger.Warn("Failed to kill agent", zap.Error(err))
		}
		return
	}
	// No live process: run the teardown the exit handler would have run.
	s.killedBy = reasonNone
	switch reason {
	case reasonStop:
		s.endSession(true)
	case reasonTimeout:
		s.postTimeoutNotice()
		s.endSession(false)
	case reasonShutdown:
		s.endSession(false)
	}
}

// interrupt stops the current agent turn, keeping the subprocess alive.
func (s *Session) interrupt(username string) {
	if s.proc == nil || !s.proc.IsRunning() {
		s.post("⚠️ Nothing to interrupt.")
		return
	}
	if err := s.proc.Interrupt(); err != nil {
		s.logger.Warn("Failed to interrupt agent", zap.Error(err))
		return
	}
	s.wasInterrupted = true
	s.abortTurnSpan("interrupted")
	s.setProcessing(false)
	s.flushNow()
	d := s.client.Dialect()
	s.post(fmt.Sprintf("⏸️ Interrupted by %s. The agent is still alive; send a message to continue.", d.Mention(username)))
	s.touch()
	s.repaintHeader()
}

// restartInDir kills the current subprocess and respawns it in dir under a
// fresh agent session id, since the agent's resume is tied to the working
// directory. queuedPrompt, when set, is sent right after the spawn; otherwise
// the next user message offers a context choice.
func (s *Session) restartInDir(dir, queuedPrompt string, quiet bool) {
	s.flushNow()
	s.abortTurnSpan("restart")
	s.isRestarting = true
	s.planApproved = false
	s.wasInterrupted = false
	s.runningTools = make(map[string]toolCall)

	if s.proc != nil && s.proc.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		if err := s.proc.Kill(ctx); err != nil {
			s.logger.Warn("Failed to kill agent for restart", zap.Error(err))
		}
		cancel()
	}

	s.workingDir = dir
	if err := s.spawnAgent(""); err != nil {
		s.isRestarting = false
		s.post("❌ Could not restart the agent: " + err.Error())
		s.endSession(true)
		return
	}
	s.hasAgentResponded = false
	if !quiet {
		s.post(fmt.Sprintf("🔄 Restarted in %s.", s.client.Dialect().Code(format.ShortenPath(dir))))
	}
	s.repaintHeader()
	s.persist()

	if queuedPrompt != "" {
		s.forwardToAgent(queuedPrompt)
		return
	}
	s.needsContextPrompt = s.messageCount > 0
}

// resumeFlow respawns a persisted session with --resume. Used both at
// bridge startup and when a reaction lands on an aged-out session's posts.
func (s *Session) resumeFlow(user *platform.User) {
	s.isResumed = true
	s.mgr.metrics.SessionsTotal.Inc()
	s.mgr.metrics.SessionsActive.Inc()

	if s.agentSessionID == "" {
		s.post("❌ This session has nothing to resume.")
		s.endSession(true)
		return
	}
	if err := s.spawnAgent(s.agentSessionID); err != nil {
		s.resumeFailCount++
		s.logger.Warn("Resume spawn failed", zap.Error(err), zap.Int("attempts", s.resumeFailCount))
		if s.resumeFailCount >= maxResumeFailures {
			s.post(fmt.Sprintf("❌ Could not resume this session after %d attempts. Start a new one with a mention.", s.resumeFailCount))
			s.endSession(true)
			return
		}
		s.persist()
		s.endSession(false)
		return
	}
	s.touch()
	if s.lifecyclePostID != "" {
		who := "automatically"
		if user != nil {
			who = "by " + s.client.Dialect().Mention(user.Username)
		}
		s.updatePost(s.lifecyclePostID, "▶️ Session resumed "+who+".")
		s.lifecyclePostID = ""
	} else {
		s.post("▶️ Session resumed. Pick up where you left off.")
	}
	s.repaintHeader()
	s.persist()
}

// checkIdle applies the idle-timeout ladder: warn inside the grace window,
// kill past the limit. The lifecycle post left behind resumes the session
// when reacted to.
func (s *Session) checkIdle() {
	if s.ended || s.isRestarting {
		return
	}
	idle := s.mgr.now().Sub(s.lastActivityAt)
	limit := s.mgr.sessions.IdleLimit
	grace := s.mgr.sessions.Grace

	switch {
	case idle > limit:
		s.logger.Info("Session idle past limit, ending", zap.Duration("idle", idle))
		s.killAgent(reasonTimeout)
	case idle > limit-grace && !s.timeoutWarningPosted:
		s.timeoutWarningPosted = true
		s.warningPostID = s.post(fmt.Sprintf(
			"⏰ Still there? This session ends in about %s of further inactivity.",
			grace.Round(time.Minute)))
	}
}

// postTimeoutNotice leaves the reaction-resumable lifecycle post behind.
func (s *Session) postTimeoutNotice() {
	if s.warningPostID != "" {
		s.deletePost(s.warningPostID)
		s.warningPostID = ""
	}
	s.lifecyclePostID = s.postInteractive(fmt.Sprintf(
		"⏰ Session timed out after %s of inactivity. React :%s: to resume it.",
		s.mgr.sessions.IdleLimit.Round(time.Minute), format.EmojiApprove),
		[]string{format.EmojiApprove})
	s.persist()
}

// shutdown persists the session and tears it down without unpersisting, so
// the next bridge start can resume it.
func (s *Session) shutdown() {
	s.flushNow()
	s.persist()
	if s.proc != nil && s.proc.IsRunning() {
		s.killedBy = reasonShutdown
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		if err := s.proc.Kill(ctx); err != nil {
			s.logger.Warn("Failed to kill agent on shutdown", zap.Error(err))
		}
		cancel()
	}
	s.endSession(false)
}

// endSession finalizes the session. With unpersist the stored state goes
// too; otherwise it stays for a later resume.
func (s *Session) endSession(unpersist bool) {
	if s.ended {
		return
	}
	s.ended = true
	s.abortTurnSpan("session_end")
	s.setProcessing(false)
	s.clearTimers()
	s.markDone()
	if unpersist {
		if err := s.mgr.store.Remove(s.id); err != nil {
			s.logger.Warn("Failed to unpersist session", zap.Error(err))
		}
	} else {
		s.persist()
	}
	s.mgr.metrics.SessionsActive.Dec()
	s.logger.Info("Session ended", zap.Bool("unpersisted", unpersist))
}

// flushNow lands the buffer immediately, cancelling any armed coalesce.
func (s *Session) flushNow() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushArmed = false
	s.mgr.streamer.Flush(s)
}

// forwardToAgent sends one user turn to the subprocess. The streaming buffer
// resets so the reply starts a fresh post under the user's message.
func (s *Session) forwardToAgent(text string) {
	if s.proc == nil || !s.proc.IsRunning() {
		s.post("⚠️ The agent is not running. Use !stop and mention me to start over.")
		return
	}
	s.mgr.streamer.Reset(s)
	if err := s.proc.SendMessage(text); err != nil {
		s.logger.Warn("Failed to send message to agent", zap.Error(err))
		s.post("❌ Could not reach the agent: " + err.Error())
		return
	}
	s.afterForward()
}

// forwardContent sends a mixed text and image turn.
func (s *Session) forwardContent(blocks []agent.ContentBlock) {
	if s.proc == nil || !s.proc.IsRunning() {
		s.post("⚠️ The agent is not running. Use !stop and mention me to start over.")
		return
	}
	s.mgr.streamer.Reset(s)
	if err := s.proc.SendContent(blocks); err != nil {
		s.logger.Warn("Failed to send content to agent", zap.Error(err))
		s.post("❌ Could not reach the agent: " + err.Error())
		return
	}
	s.afterForward()
}

func (s *Session) afterForward() {
	s.messageCount++
	s.wasInterrupted = false
	s.beginTurnSpan()
	s.setProcessing(true)
	s.touch()
	s.persist()
}

// beginTurnSpan opens a span covering one prompt-to-result turn. An earlier
// span still open at this point never got a result event and is dropped.
func (s *Session) beginTurnSpan() {
	s.abortTurnSpan("superseded")
	_, s.turnSpan = s.mgr.tracer.Start(context.Background(), "agent.turn",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("platform.id", s.platformID),
			attribute.Int("session.number", s.sessionNumber),
		))
}

// endTurnSpan closes the turn span with the result event's usage attached.
func (s *Session) endTurnSpan(ev *agent.Event) {
	if s.turnSpan == nil {
		return
	}
	s.turnSpan.SetAttributes(
		attribute.Bool("turn.is_error", ev.IsError),
		attribute.Int("turn.num_turns", ev.NumTurns),
		attribute.Int64("turn.duration_ms", ev.DurationMS),
		attribute.Float64("turn.cost_usd", ev.TotalCostUSD),
	)
	s.turnSpan.End()
	s.turnSpan = nil
}

// abortTurnSpan ends an open turn span that will not see a result event.
func (s *Session) abortTurnSpan(reason string) {
	if s.turnSpan == nil {
		return
	}
	s.turnSpan.SetAttributes(attribute.String("turn.aborted", reason))
	s.turnSpan.End()
	s.turnSpan = nil
}

// forwardUserText relays an approved message from a non-owner, attributed
// so the agent knows who is speaking.
func (s *Session) forwardUserText(username, text string) {
	if normalizeUsername(username) != s.startedBy {
		text = fmt.Sprintf("(from @%s) %s", normalizeUsername(username), text)
	}
	s.forwardToAgent(text)
}

// sendToolResult answers a tool_use; failures surface in-thread because the
// agent is blocked on them.
func (s *Session) sendToolResult(toolUseID, content string) {
	if s.proc == nil || !s.proc.IsRunning() {
		s.post("⚠️ The agent is no longer running.")
		return
	}
	if err := s.proc.SendToolResult(toolUseID, content); err != nil {
		s.logger.Warn("Failed to send tool result", zap.Error(err))
		s.post("❌ Could not reach the agent: " + err.Error())
	}
}
