package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadbridge/threadbridge/internal/agent"
)

func todoInput(todos ...map[string]any) map[string]any {
	raw := make([]any, 0, len(todos))
	for _, td := range todos {
		raw = append(raw, td)
	}
	return map[string]any{"todos": raw}
}

func TestApplyTodoWriteRendersChecklist(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()

	s.handleToolUse(&agent.ContentBlock{
		Type: agent.BlockToolUse, ID: "t1", Name: agent.ToolTodoWrite,
		Input: todoInput(
			map[string]any{"content": "Write the parser", "status": "completed", "activeForm": "Writing the parser"},
			map[string]any{"content": "Wire the CLI", "status": "in_progress", "activeForm": "Wiring the CLI"},
			map[string]any{"content": "Ship it", "status": "pending"},
		),
	})

	want := "📋 **Tasks** (1/3 · 33%)\n" +
		"- [x] Write the parser\n" +
		"- [ ] **Wiring the CLI**\n" +
		"- [ ] Ship it"
	require.NotEmpty(t, s.tasksPostID)
	assert.Equal(t, want, h.fake.PostMessage(s.tasksPostID))
	assert.Equal(t, want, s.lastTasksContent)
	assert.False(t, s.tasksCompleted)

	// A follow-up TodoWrite updates the same post in place.
	s.handleToolUse(&agent.ContentBlock{
		Type: agent.BlockToolUse, ID: "t2", Name: agent.ToolTodoWrite,
		Input: todoInput(
			map[string]any{"content": "Write the parser", "status": "completed"},
			map[string]any{"content": "Wire the CLI", "status": "completed"},
			map[string]any{"content": "Ship it", "status": "completed"},
		),
	})

	done := "📋 **Tasks** (3/3 · 100%)\n" +
		"- [x] Write the parser\n" +
		"- [x] Wire the CLI\n" +
		"- [x] Ship it"
	assert.Equal(t, 1, h.fake.PostCount())
	assert.Equal(t, done, h.fake.PostMessage(s.tasksPostID))
	assert.True(t, s.tasksCompleted)
}

func TestApplyTodoWriteEmptyListMarksDone(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()

	s.applyTodoWrite(todoInput())
	assert.True(t, s.tasksCompleted)
	assert.Zero(t, h.fake.PostCount())
}

func TestToolOneLiner(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()

	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"bash", agent.ToolBash, map[string]any{"command": "go test ./..."}, "⚙️ `go test ./...`"},
		{"bash newline folded", agent.ToolBash, map[string]any{"command": "ls\npwd"}, "⚙️ `ls pwd`"},
		{"read", agent.ToolRead, map[string]any{"file_path": "/work/main.go"}, "📖 Reading `/work/main.go`"},
		{"edit", agent.ToolEdit, map[string]any{"file_path": "/work/main.go"}, "✏️ Editing `/work/main.go`"},
		{"write", agent.ToolWrite, map[string]any{"file_path": "/work/out.txt"}, "📝 Writing `/work/out.txt`"},
		{"notebook", agent.ToolNotebookEdit, map[string]any{"notebook_path": "/work/nb.ipynb"}, "📓 Editing notebook `/work/nb.ipynb`"},
		{"glob", agent.ToolGlob, map[string]any{"pattern": "**/*.go"}, "🗂️ Glob `**/*.go`"},
		{"grep", agent.ToolGrep, map[string]any{"pattern": "func main"}, "🔍 Grep `func main`"},
		{"webfetch", agent.ToolWebFetch, map[string]any{"url": "https://example.com"}, "🌐 Fetching https://example.com"},
		{"websearch", agent.ToolWebSearch, map[string]any{"query": "go generics"}, "🔎 Searching: go generics"},
		{"task", agent.ToolTask, map[string]any{"subagent_type": "explore", "description": "map the repo"}, "🤖 Subtask (explore): map the repo"},
		{"mcp tool", "mcp__github__create_issue", nil, "🔌 **github**: create_issue"},
		{"unknown", "Oracle", nil, "🔧 Oracle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.toolOneLiner(tt.tool, tt.input))
		})
	}
}

func TestToolOneLinerTruncatesLongCommands(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()

	line := s.toolOneLiner(agent.ToolBash, map[string]any{"command": strings.Repeat("a", 500)})
	assert.LessOrEqual(t, len([]rune(line)), 130)
	assert.Contains(t, line, "…")
}

func TestSplitMCPToolName(t *testing.T) {
	server, tool, ok := splitMCPToolName("mcp__github__create_issue")
	require.True(t, ok)
	assert.Equal(t, "github", server)
	assert.Equal(t, "create_issue", tool)

	_, _, ok = splitMCPToolName("mcp__lonely")
	assert.False(t, ok)
	_, _, ok = splitMCPToolName("Bash")
	assert.False(t, ok)
}

func TestHandleToolUseStreamsProgressLine(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()

	s.handleToolUse(&agent.ContentBlock{
		Type: agent.BlockToolUse, ID: "b1", Name: agent.ToolBash,
		Input: map[string]any{"command": "make lint"},
	})
	assert.True(t, s.isProcessing)
	flush(s)

	post, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.Equal(t, "⚙️ `make lint`", post.Message)
}

func TestEditResultRendersDiff(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")

	feed(s, toolUseEvent("e1", agent.ToolEdit, map[string]any{
		"file_path":  "/work/main.go",
		"old_string": "alpha\nbeta\ngamma\n",
		"new_string": "alpha\nBETA\ngamma\n",
	}))
	feed(s, toolResultEvent("e1", "ok", false))
	flush(s)

	post, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.Contains(t, post.Message, "✏️ Editing `/work/main.go`")
	assert.Contains(t, post.Message, "✏️ `/work/main.go`\n```diff\n")
	assert.Contains(t, post.Message, "-beta\n")
	assert.Contains(t, post.Message, "+BETA\n")
	assert.Contains(t, post.Message, " alpha\n")
	assert.Empty(t, s.runningTools)
}

func TestWriteResultConfirmsSize(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")

	feed(s, toolUseEvent("w1", agent.ToolWrite, map[string]any{
		"file_path": "/work/out.txt",
		"content":   strings.Repeat("x", 2048),
	}))
	feed(s, toolResultEvent("w1", "created", false))
	flush(s)

	post, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.Contains(t, post.Message, "📝 Wrote `/work/out.txt` (2.0 kB)")
}

func TestFailedToolResultIsSurfaced(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")

	feed(s, toolUseEvent("b1", agent.ToolBash, map[string]any{"command": "make"}))
	feed(s, toolResultEvent("b1", "make: command not found", true))
	flush(s)

	post, ok := h.fake.LastPost()
	require.True(t, ok)
	assert.Contains(t, post.Message, "⚠️ Bash failed:\n```\nmake: command not found\n```")
}

func TestUnknownToolResultIsIgnored(t *testing.T) {
	h := newHarness(t)
	s := h.bareSession()

	s.handleToolResult(&agent.ContentBlock{
		Type: agent.BlockToolResult, ToolUseID: "ghost", Content: jsonString("boo"),
	})
	flush(s)
	assert.Zero(t, h.fake.PostCount())
}

func TestExitPlanModeAfterApprovalContinues(t *testing.T) {
	h := newHarness(t)
	s := h.beginSession(t, "alice", "")
	s.planApproved = true

	feed(s, toolUseEvent("p2", agent.ToolExitPlanMode, map[string]any{"plan": "again"}))

	proc := h.factory.lastProc()
	require.Len(t, proc.ToolResults(), 1)
	assert.Equal(t, toolResultCall{toolUseID: "p2", content: "Continue"}, proc.ToolResults()[0])
	assert.Nil(t, s.pending)
}

func TestRenderEditDiff(t *testing.T) {
	t.Run("line diff", func(t *testing.T) {
		got := renderEditDiff("a\nb\nc\n", "a\nx\nc\n")
		assert.Equal(t, " a\n-b\n+x\n c\n", got)
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.Empty(t, renderEditDiff("", ""))
	})

	t.Run("caps runaway diffs", func(t *testing.T) {
		var oldSB, newSB strings.Builder
		for i := 0; i < 120; i++ {
			oldSB.WriteString("old line\n")
			newSB.WriteString("new line\n")
		}
		got := renderEditDiff(oldSB.String(), newSB.String())
		assert.True(t, strings.HasSuffix(got, "…\n"))
		lines := strings.Count(got, "\n")
		assert.LessOrEqual(t, lines, 42)
	})
}

func TestParseTodos(t *testing.T) {
	items := parseTodos(todoInput(
		map[string]any{"content": "a", "status": "completed"},
		map[string]any{"content": "", "activeForm": ""},
		map[string]any{"activeForm": "Doing b", "status": "in_progress"},
	))
	require.Len(t, items, 2)
	assert.Equal(t, todoItem{content: "a", status: "completed"}, items[0])
	assert.Equal(t, todoItem{activeForm: "Doing b", status: "in_progress"}, items[1])

	assert.Empty(t, parseTodos(map[string]any{"todos": "bogus"}))
	assert.Empty(t, parseTodos(nil))
}

func TestParseQuestions(t *testing.T) {
	input := map[string]any{"questions": []any{
		map[string]any{
			"header":   "Storage",
			"question": "Which backend?",
			"options":  []any{"In-memory", "Redis"},
		},
		map[string]any{
			"question": "Pick a policy",
			"options":  []any{map[string]any{"label": "LRU"}, map[string]any{"label": ""}},
		},
		map[string]any{"question": "No options here"},
	}}

	qs := parseQuestions(input)
	require.Len(t, qs, 2)
	assert.Equal(t, "Storage", qs[0].header)
	assert.Equal(t, "Which backend?", qs[0].text)
	assert.Equal(t, []string{"In-memory", "Redis"}, qs[0].options)
	assert.Equal(t, []string{"LRU"}, qs[1].options)
}
