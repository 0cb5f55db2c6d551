package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/threadbridge/threadbridge/internal/format"
)

var stateEmojis = map[string]string{
	"starting":    "🚀",
	"working":     "⏳",
	"idle":        "💬",
	"interrupted": "⏸️",
	"restarting":  "🔄",
	"ended":       "🛑",
}

// renderHeader builds the session header post, the single source of truth
// for the session's current state.
func (s *Session) renderHeader() string {
	d := s.client.Dialect()
	title := fmt.Sprintf("🤖 Agent session #%d", s.sessionNumber)
	if s.isResumed {
		title += " (resumed)"
	}

	var sb strings.Builder
	sb.WriteString(d.Heading(title))
	sb.WriteString("\n")

	state := s.state()
	parts := []string{fmt.Sprintf("%s %s", stateEmojis[state], state)}
	if u := s.usage; u != nil {
		if u.ModelDisplayName != "" {
			parts = append(parts, u.ModelDisplayName)
		}
		if u.ContextWindowSize > 0 {
			pct := u.ContextTokens * 100 / u.ContextWindowSize
			parts = append(parts, fmt.Sprintf("context %s/%s (%d%%)",
				format.Tokens(u.ContextTokens), format.Tokens(u.ContextWindowSize), pct))
		}
		if u.TotalCostUSD > 0 {
			parts = append(parts, fmt.Sprintf("$%.2f", u.TotalCostUSD))
		}
	}
	sb.WriteString(strings.Join(parts, " · "))
	sb.WriteString("\n")

	sb.WriteString("📁 " + d.Code(format.ShortenPath(s.workingDir)))
	if s.worktree != nil {
		sb.WriteString(" · 🌿 " + d.Code(s.worktree.Branch))
	}
	sb.WriteString("\n")

	users := s.allowedUserList()
	sort.Strings(users[min(1, len(users)):]) // owner stays first
	mentions := make([]string, len(users))
	for i, u := range users {
		mentions[i] = d.Mention(u)
	}
	sb.WriteString("👥 " + strings.Join(mentions, ", "))
	sb.WriteString("\n" + d.Italic(fmt.Sprintf("started %s · %s for commands",
		format.RelativeTime(s.startedAt), d.Code("!help"))))
	return sb.String()
}

// postHeader creates the header post on session start.
func (s *Session) postHeader() {
	s.sessionStartPostID = s.post(s.renderHeader())
	s.persist()
}

// repaintHeader refreshes the header post in place.
func (s *Session) repaintHeader() {
	if s.sessionStartPostID == "" {
		return
	}
	s.updatePost(s.sessionStartPostID, s.renderHeader())
}
