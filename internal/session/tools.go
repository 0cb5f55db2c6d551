package session

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/threadbridge/threadbridge/internal/agent"
	"github.com/threadbridge/threadbridge/internal/format"
)

// handleToolUse dispatches one tool_use block. TodoWrite, ExitPlanMode and
// AskUserQuestion drive bridge state; everything else renders a one-liner.
func (s *Session) handleToolUse(block *agent.ContentBlock) {
	s.runningTools[block.ID] = toolCall{name: block.Name, input: block.Input}
	switch block.Name {
	case agent.ToolTodoWrite:
		s.applyTodoWrite(block.Input)
	case agent.ToolExitPlanMode:
		if s.planApproved {
			// Approval is once per session; later plan exits just continue.
			s.sendToolResult(block.ID, "Continue")
			return
		}
		s.setProcessing(false)
		s.openPlanApproval(block.ID, stringInput(block.Input, "plan"))
	case agent.ToolAskUserQuestion:
		s.setProcessing(false)
		s.openQuestionSet(block.ID, parseQuestions(block.Input))
	default:
		if line := s.toolOneLiner(block.Name, block.Input); line != "" {
			s.mgr.streamer.Append(s, line)
		}
		s.setProcessing(true)
	}
}

// handleToolResult mirrors results worth showing: edit diffs, write
// confirmations, failures.
func (s *Session) handleToolResult(block *agent.ContentBlock) {
	tc, ok := s.runningTools[block.ToolUseID]
	if !ok {
		return
	}
	delete(s.runningTools, block.ToolUseID)

	if block.IsError {
		excerpt := toolResultText(block)
		if excerpt == "" {
			excerpt = "failed"
		}
		s.mgr.streamer.Append(s, fmt.Sprintf("⚠️ %s failed:\n```\n%s\n```", tc.name, excerpt))
		return
	}

	d := s.client.Dialect()
	switch tc.name {
	case agent.ToolEdit:
		oldText := stringInput(tc.input, "old_string")
		newText := stringInput(tc.input, "new_string")
		if diff := renderEditDiff(oldText, newText); diff != "" {
			path := format.ShortenPath(stringInput(tc.input, "file_path"))
			s.mgr.streamer.Append(s, fmt.Sprintf("✏️ %s\n```diff\n%s```", d.Code(path), diff))
		}
	case agent.ToolWrite:
		path := format.ShortenPath(stringInput(tc.input, "file_path"))
		size := humanize.Bytes(uint64(len(stringInput(tc.input, "content"))))
		s.mgr.streamer.Append(s, fmt.Sprintf("📝 Wrote %s (%s)", d.Code(path), size))
	}
}

// applyTodoWrite maintains the sticky checklist post.
func (s *Session) applyTodoWrite(input map[string]any) {
	todos := parseTodos(input)
	if len(todos) == 0 {
		s.tasksCompleted = true
		return
	}

	done := 0
	var sb strings.Builder
	for _, t := range todos {
		if t.status == "completed" {
			done++
		}
	}
	pct := done * 100 / len(todos)
	sb.WriteString(fmt.Sprintf("📋 **Tasks** (%d/%d · %d%%)\n", done, len(todos), pct))
	for _, t := range todos {
		switch t.status {
		case "completed":
			sb.WriteString("- [x] " + t.content + "\n")
		case "in_progress":
			label := t.activeForm
			if label == "" {
				label = t.content
			}
			sb.WriteString("- [ ] **" + label + "**\n")
		default:
			sb.WriteString("- [ ] " + t.content + "\n")
		}
	}

	s.lastTasksContent = strings.TrimRight(sb.String(), "\n")
	s.tasksCompleted = done == len(todos)
	if s.tasksPostID == "" {
		s.tasksPostID = s.post(s.lastTasksContent)
		return
	}
	s.updatePost(s.tasksPostID, s.lastTasksContent)
}

// toolOneLiner renders a compact progress line for a tool call.
func (s *Session) toolOneLiner(name string, input map[string]any) string {
	d := s.client.Dialect()
	switch name {
	case agent.ToolBash:
		cmd := format.TruncateMiddle(strings.ReplaceAll(stringInput(input, "command"), "\n", " "), 120)
		return "⚙️ " + d.Code(cmd)
	case agent.ToolRead:
		return "📖 Reading " + d.Code(format.ShortenPath(stringInput(input, "file_path")))
	case agent.ToolEdit:
		return "✏️ Editing " + d.Code(format.ShortenPath(stringInput(input, "file_path")))
	case agent.ToolWrite:
		return "📝 Writing " + d.Code(format.ShortenPath(stringInput(input, "file_path")))
	case agent.ToolNotebookEdit:
		return "📓 Editing notebook " + d.Code(format.ShortenPath(stringInput(input, "notebook_path")))
	case agent.ToolGlob:
		return "🗂️ Glob " + d.Code(stringInput(input, "pattern"))
	case agent.ToolGrep:
		return "🔍 Grep " + d.Code(stringInput(input, "pattern"))
	case agent.ToolWebFetch:
		return "🌐 Fetching " + stringInput(input, "url")
	case agent.ToolWebSearch:
		return "🔎 Searching: " + stringInput(input, "query")
	case agent.ToolTask:
		line := "🤖 Subtask"
		if st := stringInput(input, "subagent_type"); st != "" {
			line += " (" + st + ")"
		}
		if desc := stringInput(input, "description"); desc != "" {
			line += ": " + desc
		}
		return line
	default:
		if server, tool, ok := splitMCPToolName(name); ok {
			return fmt.Sprintf("🔌 %s: %s", d.Bold(server), tool)
		}
		return "🔧 " + name
	}
}

// splitMCPToolName decomposes mcp__server__tool identifiers.
func splitMCPToolName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, "mcp__") {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(name, "mcp__"), "__", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// renderEditDiff builds a line diff capped for chat display.
func renderEditDiff(oldText, newText string) string {
	if oldText == "" && newText == "" {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	count := 0
	for _, df := range diffs {
		prefix := " "
		switch df.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimRight(df.Text, "\n"), "\n") {
			if count >= 40 || sb.Len() > 1600 {
				sb.WriteString("…\n")
				return sb.String()
			}
			sb.WriteString(prefix + line + "\n")
			count++
		}
	}
	return sb.String()
}

// --- input helpers ---

func stringInput(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	v, _ := input[key].(string)
	return v
}

type todoItem struct {
	content    string
	status     string
	activeForm string
}

func parseTodos(input map[string]any) []todoItem {
	raw, _ := input["todos"].([]any)
	items := make([]todoItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		it := todoItem{
			content:    stringInput(m, "content"),
			status:     stringInput(m, "status"),
			activeForm: stringInput(m, "activeForm"),
		}
		if it.content != "" || it.activeForm != "" {
			items = append(items, it)
		}
	}
	return items
}

func parseQuestions(input map[string]any) []question {
	raw, _ := input["questions"].([]any)
	out := make([]question, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		q := question{
			header: stringInput(m, "header"),
			text:   stringInput(m, "question"),
		}
		opts, _ := m["options"].([]any)
		for _, o := range opts {
			switch v := o.(type) {
			case string:
				q.options = append(q.options, v)
			case map[string]any:
				if label := stringInput(v, "label"); label != "" {
					q.options = append(q.options, label)
				}
			}
		}
		if q.text != "" && len(q.options) > 0 {
			out = append(out, q)
		}
	}
	return out
}
