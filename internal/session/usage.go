package session

import (
	"strings"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/store"
)

// modelDisplayNames maps model identifier prefixes to header labels.
// Longest prefix wins; unknown models show their raw identifier.
var modelDisplayNames = []struct {
	prefix string
	name   string
}{
	{"claude-opus-4-5", "Opus 4.5"},
	{"claude-opus-4-1", "Opus 4.1"},
	{"claude-opus-4", "Opus 4"},
	{"claude-sonnet-4-5", "Sonnet 4.5"},
	{"claude-sonnet-4", "Sonnet 4"},
	{"claude-haiku-4-5", "Haiku 4.5"},
	{"claude-3-7-sonnet", "Sonnet 3.7"},
	{"claude-3-5-sonnet", "Sonnet 3.5"},
	{"claude-3-5-haiku", "Haiku 3.5"},
}

func displayModelName(model string) string {
	best := ""
	name := model
	for _, entry := range modelDisplayNames {
		if strings.HasPrefix(model, entry.prefix) && len(entry.prefix) > len(best) {
			best = entry.prefix
			name = entry.name
		}
	}
	return name
}

// applyUsage folds a result event into the session's usage stats.
func (s *Session) applyUsage(ev *agent.Event) {
	if s.usage == nil {
		s.usage = &store.UsageStats{}
	}
	u := s.usage
	u.TotalCostUSD = ev.TotalCostUSD

	var primary string
	var primaryUsage agent.ModelUsage
	if len(ev.ModelUsage) > 0 {
		u.PerModel = make(map[string]store.ModelUsage, len(ev.ModelUsage))
		u.TotalTokensUsed = 0
		for model, mu := range ev.ModelUsage {
			u.PerModel[model] = store.ModelUsage{
				InputTokens:         mu.InputTokens,
				OutputTokens:        mu.OutputTokens,
				CacheReadTokens:     mu.CacheReadInputTokens,
				CacheCreationTokens: mu.CacheCreationInputTokens,
				CostUSD:             mu.CostUSD,
				ContextWindow:       mu.ContextWindow,
			}
			u.TotalTokensUsed += mu.InputTokens + mu.OutputTokens +
				mu.CacheReadInputTokens + mu.CacheCreationInputTokens
			if primary == "" || mu.CostUSD > primaryUsage.CostUSD {
				primary, primaryUsage = model, mu
			}
		}
		u.PrimaryModel = primary
		u.ModelDisplayName = displayModelName(primary)
		u.ContextWindowSize = primaryUsage.ContextWindow
	}

	// Context occupancy comes from the turn-level usage block; fall back to
	// the primary model's counters when the CLI omits it.
	switch {
	case ev.Usage != nil:
		u.ContextTokens = ev.Usage.InputTokens +
			ev.Usage.CacheCreationInputTokens +
			ev.Usage.CacheReadInputTokens
	case primary != "":
		u.ContextTokens = primaryUsage.InputTokens + primaryUsage.CacheReadInputTokens
	}
}
