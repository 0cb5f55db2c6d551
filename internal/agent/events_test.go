package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserMessageEnvelope(t *testing.T) {
	data, err := json.Marshal(UserMessage("fix the flaky test"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"fix the flaky test"}}`, string(data))
}

func TestUserMessageBlocksEnvelope(t *testing.T) {
	msg := UserMessageBlocks([]ContentBlock{
		TextBlock("see screenshot"),
		ImageBlock("image/png", "aGVsbG8="),
	})
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "user",
		"message": {
			"role": "user",
			"content": [
				{"type": "text", "text": "see screenshot"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aGVsbG8="}}
			]
		}
	}`, string(data))
}

func TestToolResultEnvelope(t *testing.T) {
	data, err := json.Marshal(ToolResultMessage("tu_123", "Continue"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "user",
		"message": {
			"role": "user",
			"content": [{"type": "tool_result", "tool_use_id": "tu_123", "content": "Continue"}]
		}
	}`, string(data))
}

func TestResultText(t *testing.T) {
	t.Run("string content", func(t *testing.T) {
		b := ContentBlock{Type: BlockToolResult, Content: json.RawMessage(`"plain output"`)}
		assert.Equal(t, "plain output", b.ResultText())
	})

	t.Run("block list content", func(t *testing.T) {
		b := ContentBlock{
			Type:    BlockToolResult,
			Content: json.RawMessage(`[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]`),
		}
		assert.Equal(t, "line one\nline two", b.ResultText())
	})

	t.Run("non-text blocks ignored", func(t *testing.T) {
		b := ContentBlock{
			Type:    BlockToolResult,
			Content: json.RawMessage(`[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"x"}},{"type":"text","text":"caption"}]`),
		}
		assert.Equal(t, "caption", b.ResultText())
	})

	t.Run("empty content", func(t *testing.T) {
		b := ContentBlock{Type: BlockToolResult}
		assert.Equal(t, "", b.ResultText())
	})
}

func TestDecodeEventResult(t *testing.T) {
	line := []byte(`{
		"type": "result",
		"subtype": "success",
		"is_error": false,
		"duration_ms": 1200,
		"num_turns": 3,
		"result": "done",
		"session_id": "11111111-2222-3333-4444-555555555555",
		"total_cost_usd": 0.42,
		"usage": {"input_tokens": 10, "output_tokens": 20, "cache_creation_input_tokens": 5, "cache_read_input_tokens": 7},
		"modelUsage": {
			"claude-opus-4-5-20251101": {
				"inputTokens": 10,
				"outputTokens": 20,
				"cacheReadInputTokens": 7,
				"cacheCreationInputTokens": 5,
				"costUSD": 0.42,
				"contextWindow": 200000
			}
		}
	}`)

	ev, err := decodeEvent(line)
	require.NoError(t, err)

	assert.Equal(t, EventResult, ev.Type)
	assert.Equal(t, SubtypeSuccess, ev.Subtype)
	assert.False(t, ev.IsError)
	assert.Equal(t, "done", ev.Result)
	assert.Equal(t, 0.42, ev.TotalCostUSD)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(10), ev.Usage.InputTokens)
	assert.Equal(t, int64(5), ev.Usage.CacheCreationInputTokens)
	assert.Equal(t, int64(7), ev.Usage.CacheReadInputTokens)

	mu, ok := ev.ModelUsage["claude-opus-4-5-20251101"]
	require.True(t, ok)
	assert.Equal(t, int64(200000), mu.ContextWindow)
	assert.Equal(t, 0.42, mu.CostUSD)
	assert.Equal(t, int64(20), mu.OutputTokens)
}

func TestDecodeEventAssistant(t *testing.T) {
	line := []byte(`{
		"type": "assistant",
		"session_id": "abc",
		"message": {
			"role": "assistant",
			"model": "claude-opus-4-5-20251101",
			"content": [
				{"type": "text", "text": "Let me look."},
				{"type": "tool_use", "id": "tu_1", "name": "Read", "input": {"file_path": "/tmp/a.go"}}
			]
		}
	}`)

	ev, err := decodeEvent(line)
	require.NoError(t, err)

	assert.Equal(t, EventAssistant, ev.Type)
	require.NotNil(t, ev.Message)
	require.Len(t, ev.Message.Content, 2)
	assert.Equal(t, BlockText, ev.Message.Content[0].Type)
	assert.Equal(t, "Let me look.", ev.Message.Content[0].Text)

	tu := ev.Message.Content[1]
	assert.Equal(t, BlockToolUse, tu.Type)
	assert.Equal(t, ToolRead, tu.Name)
	assert.Equal(t, "tu_1", tu.ID)
	assert.Equal(t, "/tmp/a.go", tu.Input["file_path"])
}

func TestDecodeEventCompactBoundary(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"compact_boundary","compact_metadata":{"trigger":"auto","pre_tokens":155000}}`)

	ev, err := decodeEvent(line)
	require.NoError(t, err)

	assert.Equal(t, EventSystem, ev.Type)
	assert.Equal(t, SubtypeCompactBoundary, ev.Subtype)
	require.NotNil(t, ev.CompactMetadata)
	assert.Equal(t, "auto", ev.CompactMetadata.Trigger)
	assert.Equal(t, int64(155000), ev.CompactMetadata.PreTokens)
}

func TestDecodeEventRetainsRaw(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"abc","unmodelled_field":{"nested":true}}`)

	ev, err := decodeEvent(line)
	require.NoError(t, err)
	assert.JSONEq(t, string(line), string(ev.Raw))
}

func TestDecodeEventMalformed(t *testing.T) {
	_, err := decodeEvent([]byte(`{"type":"assistant",`))
	assert.Error(t, err)
}
