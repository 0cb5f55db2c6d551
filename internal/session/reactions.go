package session

import (
	"fmt"

	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
)

// handleReaction dispatches an emoji to whatever is waiting on it. First
// match wins: cancel and pause act anywhere in the session, then the one
// pending interaction (scoped to its prompt post), then the message gate.
func (s *Session) handleReaction(r platform.Reaction, user *platform.User) {
	if user == nil || user.IsBot || r.UserID == s.client.BotUser().ID {
		return
	}
	username := user.Username
	emoji := r.EmojiName

	if format.IsCancel(emoji) && s.isParticipant(username) {
		s.post(fmt.Sprintf("🛑 Session stopped by %s.", s.client.Dialect().Mention(username)))
		s.killAgent(reasonStop)
		return
	}
	if format.IsPause(emoji) && s.isParticipant(username) {
		s.interrupt(username)
		return
	}

	if s.dispatchPendingReaction(r, username) {
		s.touch()
		return
	}

	if g := s.gate; g != nil && r.PostID == g.post && s.isAdmin(username) {
		s.resolveGate(g, emoji, username)
		s.touch()
	}
}

// dispatchPendingReaction matches a reaction against the active interaction.
// Reactions on other posts, from non-participants, or with an emoji the
// interaction does not understand are ignored so waiting continues.
func (s *Session) dispatchPendingReaction(r platform.Reaction, username string) bool {
	if s.pending == nil || r.PostID != s.pending.postID() || !s.isParticipant(username) {
		return false
	}
	emoji := r.EmojiName

	switch p := s.pending.(type) {
	case *contextPending:
		if n := format.NumberChoice(emoji); n > 0 {
			s.resolveContext(p, n, username)
			return true
		}
	case *questionPending:
		if n := format.NumberChoice(emoji); n > 0 {
			s.answerQuestion(p, n, username)
			return true
		}
	case *planPending:
		switch {
		case format.IsApprove(emoji):
			s.resolvePlan(p, true, username)
			return true
		case format.IsDeny(emoji):
			s.resolvePlan(p, false, username)
			return true
		}
	case *worktreeCreatePending:
		switch {
		case format.IsApprove(emoji):
			s.resolveWorktreeCreate(p, true, username)
			return true
		case format.IsDeny(emoji):
			s.resolveWorktreeCreate(p, false, username)
			return true
		}
	case *worktreeJoinPending:
		if n := format.NumberChoice(emoji); n > 0 {
			s.resolveWorktreeJoin(p, n, username)
			return true
		}
		if format.IsDeny(emoji) {
			s.resolveWorktreeJoin(p, 0, username)
			return true
		}
	}
	return false
}
