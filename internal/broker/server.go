package broker

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/threadbridge/threadbridge/internal/common/logger"
)

// ToolName is the single tool the broker exposes. The agent reaches it as
// mcp__permission__permission_prompt, where "permission" is the server key
// the bridge writes into --mcp-config.
const ToolName = "permission_prompt"

// NewMCPServer builds the MCP server exposing permission_prompt.
func NewMCPServer(b *Broker, log *logger.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"threadbridge-permission",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.AddTool(
		mcp.NewTool(ToolName,
			mcp.WithDescription("Ask the session owner in chat whether a tool call may proceed."),
			mcp.WithString("tool_name",
				mcp.Required(),
				mcp.Description("Name of the tool being invoked"),
			),
			mcp.WithObject("input",
				mcp.Description("The tool's input payload"),
			),
		),
		promptHandler(b, log),
	)
	return s
}

// ServeStdio serves the MCP protocol on stdin/stdout until EOF.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func promptHandler(b *Broker, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := req.RequireString("tool_name")
		if err != nil {
			return decisionResult(Decision{Behavior: BehaviorDeny, Message: "tool_name is required"})
		}

		var input map[string]any
		if raw, ok := req.GetArguments()["input"]; ok {
			input, _ = raw.(map[string]any)
		}

		log.Debug("Permission prompt received", zap.String("tool", toolName))
		return decisionResult(b.HandlePrompt(ctx, toolName, input))
	}
}

// decisionResult serializes a decision as the tool's text payload. The
// agent CLI parses that text as JSON.
func decisionResult(d Decision) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return mcp.NewToolResultText(`{"behavior":"deny","message":"internal error"}`), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}
