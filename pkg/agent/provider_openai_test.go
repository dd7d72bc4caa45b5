package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIMessagesToolResultWire(t *testing.T) {
	messages, err := openAIMessages(Request{
		SystemPrompt: "You are a data analyst.",
		Messages: []Message{
			{Role: "user", Content: "how many calls today?"},
			{Role: "assistant", ToolCalls: []ToolCall{{
				ID:         "call_123",
				Name:       "run_report_query",
				Parameters: map[string]interface{}{"query_name": "daily_calls"},
			}}},
			{Role: "tool", Content: "Report \"daily_calls\" returned 42 rows.", ToolCallID: "call_123"},
		},
	})
	require.NoError(t, err)
	require.Len(t, messages, 4)

	// The tool-result frame must carry the call ID in tool_call_id and the
	// tool output in content, not the other way around.
	data, err := json.Marshal(messages[3])
	require.NoError(t, err)

	var wire struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "tool", wire.Role)
	assert.Equal(t, "call_123", wire.ToolCallID)
	assert.Equal(t, "Report \"daily_calls\" returned 42 rows.", wire.Content)
}

func TestOpenAIMessagesSystemPromptFirst(t *testing.T) {
	messages, err := openAIMessages(Request{
		SystemPrompt: "You are a contact-center assistant.",
		Messages:     []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, messages, 2)

	data, err := json.Marshal(messages[0])
	require.NoError(t, err)
	var wire struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "system", wire.Role)
	assert.Equal(t, "You are a contact-center assistant.", wire.Content)
}
