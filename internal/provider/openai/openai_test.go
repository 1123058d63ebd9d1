package openai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/pkg/chat"
)

func TestEncodeRequestTools(t *testing.T) {
	params, err := encodeRequest(provider.Request{
		Model:    "gpt-4o",
		Messages: []chat.Message{chat.NewUserMessage("u1", "list files")},
		Tools: []provider.ToolDefinition{{
			Name:        "bash",
			Description: "Run a shell command",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}}}`),
		}},
	})
	require.NoError(t, err)
	require.Len(t, params.Tools, 1)

	raw, err := json.Marshal(params.Tools[0])
	require.NoError(t, err)
	var tool struct {
		Type     string `json:"type"`
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"function"`
	}
	require.NoError(t, json.Unmarshal(raw, &tool))
	assert.Equal(t, "function", tool.Type)
	assert.Equal(t, "bash", tool.Function.Name)
	assert.Equal(t, "Run a shell command", tool.Function.Description)
	assert.Equal(t, "object", tool.Function.Parameters["type"])

	// One tool and no parallel hint forces sequential calls.
	assert.Equal(t, false, params.ParallelToolCalls.Value)
}

func TestEncodeMessagesToolCallRoundTrip(t *testing.T) {
	msgs, err := encodeMessages("be brief", []chat.Message{
		chat.NewUserMessage("u1", "what time is it"),
		{
			Role: chat.RoleAssistant,
			Parts: []chat.Part{
				{Type: chat.PartTypeText, Text: "Checking."},
				{
					Type:       chat.PartTypeTool,
					ToolCallID: "call_1",
					ToolName:   "bash",
					Input:      json.RawMessage(`{"command":"date"}`),
					State:      chat.ToolStateOutputAvailable,
					Output:     json.RawMessage(`"Tue 10:00"`),
				},
			},
		},
	})
	require.NoError(t, err)
	// system, user, assistant, tool result
	require.Len(t, msgs, 4)

	raw, err := json.Marshal(msgs[2])
	require.NoError(t, err)
	var assistant struct {
		Role      string `json:"role"`
		ToolCalls []struct {
			ID       string `json:"id"`
			Type     string `json:"type"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	}
	require.NoError(t, json.Unmarshal(raw, &assistant))
	assert.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "function", assistant.ToolCalls[0].Type)
	assert.Equal(t, "bash", assistant.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"command":"date"}`, assistant.ToolCalls[0].Function.Arguments)

	raw, err = json.Marshal(msgs[3])
	require.NoError(t, err)
	var result struct {
		Role       string `json:"role"`
		ToolCallID string `json:"tool_call_id"`
		Content    string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "tool", result.Role)
	assert.Equal(t, "call_1", result.ToolCallID)
}
