package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadbridge/threadbridge/internal/agent"
)

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--session-id", "abc-123",
		"--model", "claude-opus-4-5",
	})
	assert.Equal(t, "abc-123", args.sessionID)
	assert.Equal(t, "claude-opus-4-5", args.model)

	args = parseArgs([]string{"--resume", "prev-session", "--dangerously-skip-permissions"})
	assert.Equal(t, "prev-session", args.sessionID)
	assert.Equal(t, defaultModel, args.model)

	args = parseArgs(nil)
	assert.NotEmpty(t, args.sessionID, "fallback session id expected")
}

func TestInboundParseContent(t *testing.T) {
	var msg inboundMessage
	require.NoError(t, json.Unmarshal([]byte(
		`{"type":"user","message":{"role":"user","content":"hello there"}}`), &msg))
	text, images := msg.parseContent()
	assert.Equal(t, "hello there", text)
	assert.Zero(t, images)

	require.NoError(t, json.Unmarshal([]byte(
		`{"type":"user","message":{"role":"user","content":[`+
			`{"type":"text","text":"look at this"},`+
			`{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}}]}}`), &msg))
	text, images = msg.parseContent()
	assert.Equal(t, "look at this", text)
	assert.Equal(t, 1, images)
}

func TestHasWord(t *testing.T) {
	assert.True(t, hasWord("make a plan.", "plan"))
	assert.True(t, hasWord("todo: ship it", "todo"))
	assert.False(t, hasWord("planning ahead", "plan"))
	assert.False(t, hasWord("", "plan"))
}

func TestToolResultFor(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"user","message":{"role":"user","content":"unrelated chatter"}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"other","content":"nope"}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_mock_001","content":"Continue"}]}}`,
	}, "\n")

	scanner := bufio.NewScanner(strings.NewReader(input))
	content, ok := toolResultFor(scanner, "toolu_mock_001")
	require.True(t, ok)
	assert.Equal(t, "Continue", content)

	scanner = bufio.NewScanner(strings.NewReader(""))
	_, ok = toolResultFor(scanner, "toolu_mock_001")
	assert.False(t, ok)
}

// decodeEvents splits the runner's output buffer back into events.
func decodeEvents(t *testing.T, out *bytes.Buffer) []agent.Event {
	t.Helper()
	var events []agent.Event
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev agent.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}

func newTestRunner(out *bytes.Buffer) *runner {
	return &runner{
		enc:       json.NewEncoder(out),
		sessionID: "mock-test",
		model:     defaultModel,
		cwd:       "/tmp",
		inputTok:  2400,
	}
}

func TestScenarioEcho(t *testing.T) {
	var out bytes.Buffer
	r := newTestRunner(&out)

	r.handlePrompt(bufio.NewScanner(strings.NewReader("")), "hello world", 0)

	events := decodeEvents(t, &out)
	require.Len(t, events, 2)
	assert.Equal(t, agent.EventAssistant, events[0].Type)
	assert.Contains(t, events[0].Message.Content[0].Text, "hello world")
	assert.Equal(t, agent.EventResult, events[1].Type)
	assert.False(t, events[1].IsError)
	require.NotNil(t, events[1].Usage)
	assert.Greater(t, events[1].Usage.InputTokens, int64(2400))
	require.Contains(t, events[1].ModelUsage, defaultModel)
	assert.Equal(t, int64(200000), events[1].ModelUsage[defaultModel].ContextWindow)
}

func TestScenarioPlanApproved(t *testing.T) {
	var out bytes.Buffer
	r := newTestRunner(&out)

	// The first generated tool id is deterministic.
	reply := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_mock_001","content":"Continue"}]}}`
	r.handlePrompt(bufio.NewScanner(strings.NewReader(reply)), "plan the refactor", 0)

	events := decodeEvents(t, &out)
	require.GreaterOrEqual(t, len(events), 4)

	var sawExitPlan, sawBash bool
	for _, ev := range events {
		if ev.Type != agent.EventAssistant || ev.Message == nil {
			continue
		}
		for _, b := range ev.Message.Content {
			if b.Type == agent.BlockToolUse && b.Name == agent.ToolExitPlanMode {
				sawExitPlan = true
				assert.NotEmpty(t, b.Input["plan"])
			}
			if b.Type == agent.BlockToolUse && b.Name == agent.ToolBash {
				sawBash = true
			}
		}
	}
	assert.True(t, sawExitPlan, "expected an ExitPlanMode tool_use")
	assert.True(t, sawBash, "approval should continue into implementation")

	last := events[len(events)-1]
	assert.Equal(t, agent.EventResult, last.Type)
	assert.False(t, last.IsError)
}

func TestScenarioPlanRejected(t *testing.T) {
	var out bytes.Buffer
	r := newTestRunner(&out)

	reply := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_mock_001","content":"The user rejected the plan."}]}}`
	r.handlePrompt(bufio.NewScanner(strings.NewReader(reply)), "plan something", 0)

	events := decodeEvents(t, &out)
	last := events[len(events)-1]
	require.Equal(t, agent.EventResult, last.Type)
	assert.Contains(t, last.Result, "plan mode")

	for _, ev := range events {
		if ev.Type != agent.EventAssistant || ev.Message == nil {
			continue
		}
		for _, b := range ev.Message.Content {
			assert.NotEqual(t, agent.ToolBash, b.Name, "rejection must not start implementation")
		}
	}
}

func TestScenarioTodoProgression(t *testing.T) {
	var out bytes.Buffer
	r := newTestRunner(&out)

	r.handlePrompt(bufio.NewScanner(strings.NewReader("")), "todo: wire the flag", 0)

	events := decodeEvents(t, &out)
	todoWrites := 0
	for _, ev := range events {
		if ev.Type != agent.EventAssistant || ev.Message == nil {
			continue
		}
		for _, b := range ev.Message.Content {
			if b.Type == agent.BlockToolUse && b.Name == agent.ToolTodoWrite {
				todoWrites++
				todos, ok := b.Input["todos"].([]any)
				require.True(t, ok)
				assert.Len(t, todos, 3)
			}
		}
	}
	assert.Equal(t, 3, todoWrites)
	assert.Equal(t, agent.EventResult, events[len(events)-1].Type)
}

func TestScenarioQuestionShape(t *testing.T) {
	var out bytes.Buffer
	r := newTestRunner(&out)

	reply := `{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_mock_001","content":"\"Storage\": \"Redis\""}]}}`
	r.handlePrompt(bufio.NewScanner(strings.NewReader(reply)), "ask me about storage", 0)

	events := decodeEvents(t, &out)
	var questions []any
	for _, ev := range events {
		if ev.Type != agent.EventAssistant || ev.Message == nil {
			continue
		}
		for _, b := range ev.Message.Content {
			if b.Type == agent.BlockToolUse && b.Name == agent.ToolAskUserQuestion {
				questions, _ = b.Input["questions"].([]any)
			}
		}
	}
	require.Len(t, questions, 2)
	first, ok := questions[0].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, first["question"])
	assert.NotEmpty(t, first["options"])
}

func TestUsageGrowsAcrossTurns(t *testing.T) {
	var out bytes.Buffer
	r := newTestRunner(&out)

	r.emitResult("first", false)
	r.emitResult("second", false)

	events := decodeEvents(t, &out)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].NumTurns)
	assert.Equal(t, 2, events[1].NumTurns)
	assert.Greater(t, events[1].Usage.InputTokens, events[0].Usage.InputTokens)
	assert.Greater(t, events[1].TotalCostUSD, events[0].TotalCostUSD)
}

func TestScenarioLongExceedsPostCap(t *testing.T) {
	var out bytes.Buffer
	r := newTestRunner(&out)

	r.handlePrompt(bufio.NewScanner(strings.NewReader("")), "give me a long answer", 0)

	events := decodeEvents(t, &out)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Greater(t, len(events[0].Message.Content[0].Text), 16000)
}
