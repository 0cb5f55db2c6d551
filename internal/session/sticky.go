package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/format"
	"github.com/threadbridge/threadbridge/internal/platform"
)

// refreshStickyAll updates every platform's channel summary post.
func (m *Manager) refreshStickyAll() {
	for platformID := range m.platforms {
		m.refreshSticky(platformID)
	}
}

// refreshSticky maintains one channel-level post listing active sessions.
// The post id persists so the same post is reused across bridge restarts.
func (m *Manager) refreshSticky(platformID string) {
	pc, ok := m.platformCfg[platformID]
	if !ok || !pc.StickyPost {
		return
	}
	client, ok := m.platforms[platformID]
	if !ok {
		return
	}

	m.stickyMu.Lock()
	defer m.stickyMu.Unlock()

	content := m.renderSticky(platformID, client)
	ctx, cancel := context.WithTimeout(context.Background(), restCallTimeout)
	defer cancel()

	if postID, found := m.store.StickyPostID(platformID); found && postID != "" {
		if err := client.UpdatePost(ctx, postID, content); err == nil {
			m.metrics.PostsUpdated.Inc()
			return
		}
		// The post was likely deleted by hand; fall through and recreate.
	}
	post, err := client.CreatePost(ctx, content, "")
	if err != nil {
		m.logger.Warn("Failed to create sticky post",
			zap.String("platform_id", platformID), zap.Error(err))
		return
	}
	m.metrics.PostsCreated.Inc()
	if err := m.store.SetStickyPostID(platformID, post.ID); err != nil {
		m.logger.Warn("Failed to remember sticky post", zap.Error(err))
	}
}

func (m *Manager) renderSticky(platformID string, client platform.Client) string {
	d := client.Dialect()
	var mine []string
	for _, summary := range m.Summaries() {
		if summary.PlatformID != platformID {
			continue
		}
		parts := []string{
			fmt.Sprintf("#%d %s %s", summary.SessionNumber, stateEmojis[summary.State], summary.State),
			"by " + d.Mention(summary.StartedBy),
			d.Code(format.ShortenPath(summary.WorkingDir)),
		}
		if summary.Branch != "" {
			parts = append(parts, "🌿 "+d.Code(summary.Branch))
		}
		if summary.Model != "" {
			parts = append(parts, summary.Model)
		}
		parts = append(parts, "active "+format.RelativeTime(summary.LastActivityAt))
		mine = append(mine, "- "+strings.Join(parts, " · "))
	}

	heading := "🤖 Agent sessions"
	if name := m.platformCfg[platformID].DisplayName; name != "" {
		heading += " (" + name + ")"
	}
	var sb strings.Builder
	sb.WriteString(d.Heading(heading))
	sb.WriteString("\n")
	if len(mine) == 0 {
		sb.WriteString(fmt.Sprintf("No active sessions. Mention %s in the channel to start one.",
			d.Mention(strings.TrimPrefix(client.BotName(), "@"))))
		return sb.String()
	}
	sb.WriteString(strings.Join(mine, "\n"))
	return sb.String()
}
