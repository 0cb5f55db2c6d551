package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/threadbridge/threadbridge/internal/agent"
)

const (
	maxCommandChars = 100
	maxInputChars   = 200
)

// DescribeTool renders a tool invocation as a one-line human-readable
// descriptor for the permission prompt. Code spans use backticks; both
// supported dialects are markdown-family.
func DescribeTool(toolName string, input map[string]any) string {
	home, _ := os.UserHomeDir()

	if server, tool, ok := splitMCPName(toolName); ok {
		d := fmt.Sprintf("Use MCP tool `%s` from `%s`", tool, server)
		if summary := compactInput(input); summary != "" {
			d += " with " + summary
		}
		return d
	}

	switch toolName {
	case agent.ToolBash:
		return "Run " + codeSpan(truncateCommand(stringArg(input, "command")))
	case agent.ToolRead:
		return "Read " + codeSpan(shortenPath(stringArg(input, "file_path"), home))
	case agent.ToolEdit:
		return "Edit " + codeSpan(shortenPath(stringArg(input, "file_path"), home))
	case agent.ToolWrite:
		return "Write " + codeSpan(shortenPath(stringArg(input, "file_path"), home))
	case agent.ToolNotebookEdit:
		return "Edit notebook " + codeSpan(shortenPath(stringArg(input, "notebook_path"), home))
	case agent.ToolGlob:
		d := "Find files matching " + codeSpan(stringArg(input, "pattern"))
		if path := stringArg(input, "path"); path != "" {
			d += " in " + codeSpan(shortenPath(path, home))
		}
		return d
	case agent.ToolGrep:
		d := "Search for " + codeSpan(stringArg(input, "pattern"))
		if path := stringArg(input, "path"); path != "" {
			d += " in " + codeSpan(shortenPath(path, home))
		}
		return d
	case agent.ToolWebFetch:
		return "Fetch " + codeSpan(stringArg(input, "url"))
	case agent.ToolWebSearch:
		return "Search the web for " + codeSpan(stringArg(input, "query"))
	case agent.ToolTask:
		if desc := stringArg(input, "description"); desc != "" {
			return "Run subagent task: " + desc
		}
		return "Run a subagent task"
	}

	d := "Use tool " + codeSpan(toolName)
	if summary := compactInput(input); summary != "" {
		d += " with " + summary
	}
	return d
}

// splitMCPName splits names of the form mcp__<server>__<tool>.
func splitMCPName(toolName string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(toolName, "mcp__")
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// shortenPath replaces the home prefix with ~ and keeps at most the last
// three segments of anything still long.
func shortenPath(path, home string) string {
	if path == "" {
		return "?"
	}
	if home != "" && strings.HasPrefix(path, home) {
		path = "~" + strings.TrimPrefix(path, home)
	}
	parts := strings.Split(path, "/")
	if len(parts) > 4 {
		path = ".../" + strings.Join(parts[len(parts)-3:], "/")
	}
	return path
}

// truncateCommand flattens a shell command to a bounded single line.
func truncateCommand(command string) string {
	if command == "" {
		return "?"
	}
	if idx := strings.IndexByte(command, '\n'); idx >= 0 {
		command = command[:idx] + " ..."
	}
	if len(command) > maxCommandChars {
		command = command[:maxCommandChars] + "..."
	}
	return command
}

func compactInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) > maxInputChars {
		s = s[:maxInputChars] + "..."
	}
	return codeSpan(s)
}

func codeSpan(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "'") + "`"
}

func stringArg(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}
