package session

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/format"
)

// handleAgentEvent interprets one line of the agent's stream.
func (s *Session) handleAgentEvent(ev *agent.Event) {
	s.mgr.metrics.AgentEvents.WithLabelValues(ev.Type).Inc()
	switch ev.Type {
	case agent.EventSystem:
		s.handleSystemEvent(ev)
	case agent.EventAssistant:
		s.handleAssistantEvent(ev)
	case agent.EventUser:
		s.handleUserEvent(ev)
	case agent.EventResult:
		s.handleResultEvent(ev)
	default:
		s.logger.Debug("Unhandled agent event", zap.String("type", ev.Type))
	}
}

func (s *Session) handleSystemEvent(ev *agent.Event) {
	switch ev.Subtype {
	case agent.SubtypeInit:
		if ev.SessionID != "" {
			s.agentSessionID = ev.SessionID
		}
		s.logger.Info("Agent initialized",
			zap.String("agent_session_id", s.agentSessionID),
			zap.String("model", ev.Model),
			zap.String("cwd", ev.Cwd))
		s.persist()

	case agent.SubtypeStatus:
		if ev.Status == agent.StatusCompacting {
			if s.compactionPostID == "" {
				s.compactionPostID = s.post("🧠 Compacting context…")
			} else {
				s.updatePost(s.compactionPostID, "🧠 Compacting context…")
			}
		}

	case agent.SubtypeCompactBoundary:
		msg := "🧠 Context compacted"
		if md := ev.CompactMetadata; md != nil {
			trigger := md.Trigger
			if trigger == "" {
				trigger = "auto"
			}
			msg = fmt.Sprintf("🧠 Context compacted (%s, %s tokens)", trigger, format.Tokens(md.PreTokens))
		}
		if s.compactionPostID == "" {
			s.compactionPostID = s.post(msg)
		} else {
			s.updatePost(s.compactionPostID, msg)
		}
		s.persist()

	case agent.SubtypeError:
		if ev.Error != "" {
			s.post("❌ " + ev.Error)
		}
	}
}

func (s *Session) handleAssistantEvent(ev *agent.Event) {
	if !s.hasAgentResponded {
		s.hasAgentResponded = true
		s.repaintHeader()
	}
	if ev.Message == nil {
		return
	}
	for i := range ev.Message.Content {
		block := &ev.Message.Content[i]
		switch block.Type {
		case agent.BlockText:
			s.mgr.streamer.Append(s, block.Text)
			s.setProcessing(true)
		case agent.BlockToolUse:
			s.handleToolUse(block)
		case agent.BlockThinking:
			// Thinking stays off the channel.
		}
	}
}

// handleUserEvent mirrors interesting tool results back into the thread.
func (s *Session) handleUserEvent(ev *agent.Event) {
	if ev.Message == nil {
		return
	}
	for i := range ev.Message.Content {
		block := &ev.Message.Content[i]
		if block.Type == agent.BlockToolResult {
			s.handleToolResult(block)
		}
	}
}

func (s *Session) handleResultEvent(ev *agent.Event) {
	s.endTurnSpan(ev)
	s.applyUsage(ev)
	s.setProcessing(false)
	s.touch()

	if ev.IsError {
		text := ev.Result
		if text == "" {
			text = "the agent reported an error"
		}
		s.mgr.streamer.Append(s, "❌ "+format.TruncateTail(text, 1000))
	}

	// Land whatever is buffered now rather than waiting out the coalesce
	// window; the turn is over.
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.flushArmed = false
	s.mgr.streamer.Flush(s)

	first := s.headerTick == nil
	s.startHeaderRefresh()
	if first || s.usage != nil {
		s.repaintHeader()
	}
	s.persist()
}

// toolResultText trims a tool result for in-thread display.
func toolResultText(block *agent.ContentBlock) string {
	text := strings.TrimSpace(block.ResultText())
	return format.TruncateTail(text, 600)
}
