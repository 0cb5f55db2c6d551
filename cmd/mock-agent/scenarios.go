package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/threadbridge/threadbridge/internal/agent"
)

// stepDelay paces event emission so post coalescing is observable live.
const stepDelay = 200 * time.Millisecond

// runner emits stream-json events for one mock session and tracks usage
// counters across turns.
type runner struct {
	enc       *json.Encoder
	sessionID string
	model     string
	cwd       string

	turns     int
	toolSeq   int
	inputTok  int64
	outputTok int64
	costUSD   float64
}

func (r *runner) emit(ev agent.Event) {
	_ = r.enc.Encode(ev)
}

func (r *runner) emitInit() {
	r.emit(agent.Event{
		Type:      agent.EventSystem,
		Subtype:   agent.SubtypeInit,
		SessionID: r.sessionID,
		Model:     r.model,
		Cwd:       r.cwd,
	})
}

func (r *runner) emitText(text string) {
	pause()
	r.emit(agent.Event{
		Type: agent.EventAssistant,
		Message: &agent.Message{
			Role:    "assistant",
			Model:   r.model,
			Content: []agent.ContentBlock{agent.TextBlock(text)},
		},
	})
}

func (r *runner) emitToolUse(name string, input map[string]any) string {
	pause()
	r.toolSeq++
	id := fmt.Sprintf("toolu_mock_%03d", r.toolSeq)
	r.emit(agent.Event{
		Type: agent.EventAssistant,
		Message: &agent.Message{
			Role:    "assistant",
			Model:   r.model,
			Content: []agent.ContentBlock{{Type: agent.BlockToolUse, ID: id, Name: name, Input: input}},
		},
	})
	return id
}

func (r *runner) emitToolResult(toolUseID, content string) {
	pause()
	data, _ := json.Marshal(content)
	r.emit(agent.Event{
		Type: agent.EventUser,
		Message: &agent.Message{
			Role:    "user",
			Content: []agent.ContentBlock{{Type: agent.BlockToolResult, ToolUseID: toolUseID, Content: data}},
		},
	})
}

func (r *runner) emitResult(text string, isErr bool) {
	r.turns++
	r.inputTok += 600 + int64(len(text)/4)
	r.outputTok += 150
	r.costUSD += 0.0042

	subtype := agent.SubtypeSuccess
	if isErr {
		subtype = "error_during_execution"
	}
	r.emit(agent.Event{
		Type:         agent.EventResult,
		Subtype:      subtype,
		SessionID:    r.sessionID,
		Result:       text,
		IsError:      isErr,
		NumTurns:     r.turns,
		DurationMS:   int64(r.turns) * 1200,
		TotalCostUSD: r.costUSD,
		Usage: &agent.Usage{
			InputTokens:          r.inputTok,
			OutputTokens:         r.outputTok,
			CacheReadInputTokens: r.inputTok / 2,
		},
		ModelUsage: map[string]agent.ModelUsage{
			r.model: {
				InputTokens:          r.inputTok,
				OutputTokens:         r.outputTok,
				CacheReadInputTokens: r.inputTok / 2,
				CostUSD:              r.costUSD,
				ContextWindow:        200000,
			},
		},
	})
}

// handlePrompt picks a scenario from keywords in the prompt text.
func (r *runner) handlePrompt(scanner *bufio.Scanner, text string, images int) {
	interrupted.Store(false)
	lower := strings.ToLower(text)

	switch {
	case images > 0:
		r.emitText(fmt.Sprintf("I received %d image(s) along with your message.", images))
		r.emitResult("Image acknowledged.", false)
	case hasWord(lower, "plan"):
		r.scenarioPlan(scanner)
	case hasWord(lower, "question"), hasWord(lower, "ask"):
		r.scenarioQuestion(scanner)
	case hasWord(lower, "todo"), hasWord(lower, "tasks"):
		r.scenarioTodo()
	case hasWord(lower, "edit"):
		r.scenarioEdit()
	case hasWord(lower, "long"):
		r.scenarioLong()
	case hasWord(lower, "compact"):
		r.scenarioCompact()
	case hasWord(lower, "error"):
		r.emitText("Attempting the requested operation.")
		r.emitResult("Simulated failure: the operation could not be completed.", true)
	case hasWord(lower, "crash"):
		r.emitText("About to do something ill-advised...")
		panic("mock-agent: simulated crash")
	case hasWord(lower, "sleep"):
		r.scenarioSleep(lower)
	default:
		r.scenarioEcho(text)
	}
}

func (r *runner) scenarioEcho(text string) {
	reply := "You said: " + text
	if text == "" {
		reply = "I received an empty message."
	}
	r.emitText(reply)
	r.emitResult(reply, false)
}

// scenarioPlan proposes a plan via ExitPlanMode and waits for the verdict.
func (r *runner) scenarioPlan(scanner *bufio.Scanner) {
	r.emitText("Let me put together a plan for this.")
	id := r.emitToolUse(agent.ToolExitPlanMode, map[string]any{
		"plan": "1. Survey the existing code\n2. Implement the change behind a flag\n3. Add tests\n4. Remove the flag once green",
	})
	verdict, ok := toolResultFor(scanner, id)
	if !ok {
		return
	}
	if strings.Contains(verdict, "Continue") {
		r.emitText("Plan approved, starting on step 1.")
		bash := r.emitToolUse(agent.ToolBash, map[string]any{"command": "rg --files-with-matches handleRequest"})
		r.emitToolResult(bash, "src/server.go\nsrc/router.go")
		r.emitText("Survey done; the change touches two files.")
		r.emitResult("Completed steps 1-2 of the plan.", false)
	} else {
		r.emitResult("Understood, staying in plan mode.", false)
	}
}

// scenarioQuestion asks a two-question set and echoes the answers.
func (r *runner) scenarioQuestion(scanner *bufio.Scanner) {
	r.emitText("I need a couple of decisions before proceeding.")
	id := r.emitToolUse(agent.ToolAskUserQuestion, map[string]any{
		"questions": []any{
			map[string]any{
				"header":   "Storage",
				"question": "Which storage backend should the cache use?",
				"options": []any{
					map[string]any{"label": "In-memory"},
					map[string]any{"label": "Redis"},
					map[string]any{"label": "SQLite"},
				},
			},
			map[string]any{
				"header":   "Eviction",
				"question": "Which eviction policy?",
				"options":  []any{"LRU", "LFU"},
			},
		},
	})
	answers, ok := toolResultFor(scanner, id)
	if !ok {
		return
	}
	r.emitText("Got it:\n" + answers)
	r.emitResult("Proceeding with the chosen configuration.", false)
}

// scenarioTodo walks a three-item task list to completion.
func (r *runner) scenarioTodo() {
	steps := [][]any{
		{
			todo("Add config flag", "Adding config flag", "in_progress"),
			todo("Wire flag into server", "Wiring flag into server", "pending"),
			todo("Write tests", "Writing tests", "pending"),
		},
		{
			todo("Add config flag", "Adding config flag", "completed"),
			todo("Wire flag into server", "Wiring flag into server", "in_progress"),
			todo("Write tests", "Writing tests", "pending"),
		},
		{
			todo("Add config flag", "Adding config flag", "completed"),
			todo("Wire flag into server", "Wiring flag into server", "completed"),
			todo("Write tests", "Writing tests", "completed"),
		},
	}

	r.emitText("Breaking this into three steps.")
	for i, items := range steps {
		id := r.emitToolUse(agent.ToolTodoWrite, map[string]any{"todos": items})
		r.emitToolResult(id, "Todos have been modified successfully.")
		if i < len(steps)-1 {
			work := r.emitToolUse(agent.ToolBash, map[string]any{
				"command": fmt.Sprintf("go test ./... # step %d", i+1),
			})
			r.emitToolResult(work, "ok")
		}
	}
	r.emitResult("All three tasks are done.", false)
}

// scenarioEdit exercises the diff rendering path.
func (r *runner) scenarioEdit() {
	r.emitText("Making the edit now.")
	id := r.emitToolUse(agent.ToolEdit, map[string]any{
		"file_path":  "internal/server/handler.go",
		"old_string": "timeout := 5 * time.Second\nretries := 1",
		"new_string": "timeout := 30 * time.Second\nretries := 3",
	})
	r.emitToolResult(id, "The file has been updated.")
	r.emitResult("Edit applied.", false)
}

// scenarioLong produces output well past the platform post limit.
func (r *runner) scenarioLong() {
	para := "This paragraph pads the response to force the bridge to split posts. " +
		"Each repetition adds a bit over a hundred characters of plain prose, " +
		"with line breaks between repetitions.\n\n"
	var sb strings.Builder
	for sb.Len() < 18000 {
		sb.WriteString(para)
	}
	r.emitText(sb.String())
	r.emitResult("Emitted a long response.", false)
}

// scenarioCompact simulates a context compaction cycle.
func (r *runner) scenarioCompact() {
	r.emit(agent.Event{Type: agent.EventSystem, Subtype: agent.SubtypeStatus, Status: agent.StatusCompacting})
	time.Sleep(2 * stepDelay)
	r.emit(agent.Event{
		Type:            agent.EventSystem,
		Subtype:         agent.SubtypeCompactBoundary,
		CompactMetadata: &agent.CompactMetadata{Trigger: "auto", PreTokens: 161000},
	})
	r.inputTok = 24000
	r.emitText("Context was getting full, so I compacted it and kept going.")
	r.emitResult("Compaction complete.", false)
}

// scenarioSleep blocks for N seconds (default 10), ending early on SIGINT.
func (r *runner) scenarioSleep(lower string) {
	seconds := 10
	for _, f := range strings.Fields(lower) {
		if n, err := strconv.Atoi(f); err == nil && n > 0 {
			seconds = n
			break
		}
	}
	r.emitText(fmt.Sprintf("Working on it, this will take about %d seconds.", seconds))
	for i := 0; i < seconds*10; i++ {
		if interrupted.Load() {
			r.emitResult("Interrupted before finishing.", false)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	r.emitResult(fmt.Sprintf("Finished after %d seconds.", seconds), false)
}

func todo(content, activeForm, status string) map[string]any {
	return map[string]any{"content": content, "activeForm": activeForm, "status": status}
}

// hasWord reports whether the prompt contains the keyword as its own word.
func hasWord(lower, word string) bool {
	for _, f := range strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if f == word {
			return true
		}
	}
	return false
}

func pause() {
	time.Sleep(stepDelay)
}
