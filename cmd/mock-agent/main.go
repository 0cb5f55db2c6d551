// Package main implements a mock agent CLI speaking newline-delimited
// stream-json over stdio. Prompts trigger scripted scenarios (plans,
// questions, task lists, long output) so the bridge can be exercised end to
// end without a real agent binary or API key.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/threadbridge/threadbridge/internal/agent"
)

const defaultModel = "claude-sonnet-4-5-20250929"

// interrupted is set by SIGINT and checked by long-running scenarios, the
// same way the real CLI aborts the current turn on interrupt.
var interrupted atomic.Bool

func main() {
	if os.Getenv("MOCK_AGENT_FAIL_START") != "" {
		fmt.Fprintln(os.Stderr, "mock-agent: simulated startup failure")
		os.Exit(1)
	}

	args := parseArgs(os.Args[1:])

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	go func() {
		for range sigCh {
			interrupted.Store(true)
		}
	}()

	cwd, _ := os.Getwd()
	r := &runner{
		enc:       json.NewEncoder(os.Stdout),
		sessionID: args.sessionID,
		model:     args.model,
		cwd:       cwd,
		inputTok:  2400,
	}
	r.emitInit()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: bad input line: %v\n", err)
			continue
		}
		if msg.Type != "user" {
			continue
		}
		text, images := msg.parseContent()
		r.handlePrompt(scanner, text, images)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: stdin error: %v\n", err)
		os.Exit(1)
	}
}

// cliArgs are the flags the mock honors. Everything else the bridge passes
// (--input-format, --mcp-config, --verbose, ...) is accepted and ignored.
type cliArgs struct {
	sessionID string
	model     string
}

// flagsWithValue consume the following argument.
var flagsWithValue = map[string]bool{
	"--input-format":           true,
	"--output-format":          true,
	"--mcp-config":             true,
	"--permission-prompt-tool": true,
	"--append-system-prompt":   true,
	"--model":                  true,
	"--session-id":             true,
	"--resume":                 true,
}

func parseArgs(argv []string) cliArgs {
	out := cliArgs{model: defaultModel}
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		var value string
		if flagsWithValue[arg] && i+1 < len(argv) {
			i++
			value = argv[i]
		}
		switch arg {
		case "--session-id", "--resume":
			out.sessionID = value
		case "--model":
			if value != "" {
				out.model = value
			}
		}
	}
	if out.sessionID == "" {
		out.sessionID = fmt.Sprintf("mock-%d", os.Getpid())
	}
	return out
}

// inboundMessage is one line of the bridge's stdin stream. Content is either
// a plain string or a list of content blocks.
type inboundMessage struct {
	Type    string      `json:"type"`
	Message inboundBody `json:"message"`
}

type inboundBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// parseContent extracts prompt text and counts attached images.
func (m *inboundMessage) parseContent() (string, int) {
	var s string
	if err := json.Unmarshal(m.Message.Content, &s); err == nil {
		return s, 0
	}
	var blocks []agent.ContentBlock
	if err := json.Unmarshal(m.Message.Content, &blocks); err != nil {
		return "", 0
	}
	var parts []string
	images := 0
	for _, b := range blocks {
		switch b.Type {
		case agent.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case agent.BlockImage:
			images++
		}
	}
	return strings.Join(parts, "\n"), images
}

// toolResultFor scans for the tool_result answering the given tool_use id.
// Other traffic arriving while a tool is pending is discarded, matching the
// real CLI's behavior of ignoring mid-tool prompts.
func toolResultFor(scanner *bufio.Scanner, toolUseID string) (string, bool) {
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type != "user" {
			continue
		}
		var blocks []agent.ContentBlock
		if err := json.Unmarshal(msg.Message.Content, &blocks); err != nil {
			continue
		}
		for i := range blocks {
			if blocks[i].Type == agent.BlockToolResult && blocks[i].ToolUseID == toolUseID {
				return blocks[i].ResultText(), true
			}
		}
	}
	return "", false
}
