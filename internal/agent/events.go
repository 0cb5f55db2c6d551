// Package agent manages the coding agent CLI subprocess and its
// newline-delimited stream-json protocol. Events parsed from the agent's
// stdout are delivered in stream order; interpretation of event semantics
// is left to the caller.
package agent

import (
	"encoding/json"
	"strings"
)

// Event types on the agent's stdout stream.
const (
	// EventSystem carries session status: init, compaction, errors
	EventSystem = "system"
	// EventAssistant contains text, thinking and tool_use content blocks
	EventAssistant = "assistant"
	// EventUser echoes tool results back into the transcript
	EventUser = "user"
	// EventResult is the final message of a turn with cost and usage
	EventResult = "result"
)

// System event subtypes.
const (
	SubtypeInit            = "init"
	SubtypeStatus          = "status"
	SubtypeCompactBoundary = "compact_boundary"
	SubtypeError           = "error"
	SubtypeSuccess         = "success"
)

// StatusCompacting is the status value while the agent compacts its context.
const StatusCompacting = "compacting"

// Content block types inside assistant and user messages.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Tool names the bridge gives special treatment.
const (
	ToolTodoWrite       = "TodoWrite"
	ToolExitPlanMode    = "ExitPlanMode"
	ToolAskUserQuestion = "AskUserQuestion"
	ToolTask            = "Task"
	ToolBash            = "Bash"
	ToolRead            = "Read"
	ToolEdit            = "Edit"
	ToolWrite           = "Write"
	ToolNotebookEdit    = "NotebookEdit"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolWebFetch        = "WebFetch"
	ToolWebSearch       = "WebSearch"
)

// Event is one line of the agent's stream-json output. The Type field
// determines which of the remaining fields are populated; Raw retains the
// original line for anything this struct does not model.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// For system events
	Status          string           `json:"status,omitempty"`
	CompactMetadata *CompactMetadata `json:"compact_metadata,omitempty"`
	Error           string           `json:"error,omitempty"`
	Model           string           `json:"model,omitempty"`
	Cwd             string           `json:"cwd,omitempty"`

	// For assistant and user events
	Message         *Message `json:"message,omitempty"`
	ParentToolUseID string   `json:"parent_tool_use_id,omitempty"`

	// For result events
	Result       string                `json:"result,omitempty"`
	IsError      bool                  `json:"is_error,omitempty"`
	NumTurns     int                   `json:"num_turns,omitempty"`
	DurationMS   int64                 `json:"duration_ms,omitempty"`
	TotalCostUSD float64               `json:"total_cost_usd,omitempty"`
	Usage        *Usage                `json:"usage,omitempty"`
	ModelUsage   map[string]ModelUsage `json:"modelUsage,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Message is the inner payload of assistant and user events.
type Message struct {
	Role       string         `json:"role,omitempty"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block of message content. The Type field determines
// which of the remaining fields are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks; Content is either a plain string or a list
	// of nested blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// For image blocks
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the base64 payload of an image content block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// CompactMetadata describes a context compaction boundary.
type CompactMetadata struct {
	Trigger   string `json:"trigger"`
	PreTokens int64  `json:"pre_tokens"`
}

// Usage is aggregate token usage for the current context window.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsage is one entry of the result event's per-model usage map.
// Field names follow the CLI's camelCase convention for this map.
type ModelUsage struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
	ContextWindow            int64   `json:"contextWindow"`
}

// ResultText extracts the text of a tool_result block's content, which the
// CLI emits either as a plain string or as a list of text blocks.
func (b *ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, inner := range blocks {
		if inner.Type == BlockText && inner.Text != "" {
			parts = append(parts, inner.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeEvent parses a single stream line, retaining the raw bytes.
func decodeEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	ev.Raw = append(json.RawMessage(nil), line...)
	return &ev, nil
}

// OutboundMessage is the envelope written to the agent's stdin.
type OutboundMessage struct {
	Type    string       `json:"type"`
	Message OutboundBody `json:"message"`
}

// OutboundBody carries the role and content of an outbound message.
// Content is either a plain string or a slice of ContentBlock.
type OutboundBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// UserMessage builds the outbound envelope for a plain text prompt.
func UserMessage(text string) *OutboundMessage {
	return &OutboundMessage{
		Type:    EventUser,
		Message: OutboundBody{Role: "user", Content: text},
	}
}

// UserMessageBlocks builds the outbound envelope for mixed content, such
// as text alongside base64 images.
func UserMessageBlocks(blocks []ContentBlock) *OutboundMessage {
	return &OutboundMessage{
		Type:    EventUser,
		Message: OutboundBody{Role: "user", Content: blocks},
	}
}

// ToolResultMessage builds the outbound envelope answering a tool_use.
func ToolResultMessage(toolUseID, content string) *OutboundMessage {
	return &OutboundMessage{
		Type: EventUser,
		Message: OutboundBody{
			Role: "user",
			Content: []ContentBlock{{
				Type:      BlockToolResult,
				ToolUseID: toolUseID,
				Content:   rawString(content),
			}},
		},
	}
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds a base64 image content block.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{
		Type: BlockImage,
		Source: &ImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		},
	}
}

func rawString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
