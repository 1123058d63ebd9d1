package mock

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/pkg/chat"
)

func drain(t *testing.T, s provider.Streamer) []provider.Chunk {
	t.Helper()
	var chunks []provider.Chunk
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func TestPlannerScript(t *testing.T) {
	c := New()
	s, err := c.Stream(context.Background(), provider.Request{Model: "planner"})
	require.NoError(t, err)
	defer s.Close()

	chunks := drain(t, s)
	require.Len(t, chunks, 6)
	assert.Equal(t, "Here are three programming languages:\n", chunks[0].Text)
	assert.Equal(t, "1. Python\n", chunks[1].Text)
	assert.Equal(t, "2. JavaScript\n", chunks[2].Text)
	assert.Equal(t, "3. Rust", chunks[3].Text)
	assert.Equal(t, provider.ChunkUsage, chunks[4].Kind)
	assert.Equal(t, provider.ChunkStop, chunks[5].Kind)
	assert.Equal(t, provider.StopEndTurn, chunks[5].StopReason)
}

func TestToolsScript_TwoRounds(t *testing.T) {
	c := New()

	// First round: the model asks for a tool.
	s, err := c.Stream(context.Background(), provider.Request{Model: "tools"})
	require.NoError(t, err)
	chunks := drain(t, s)
	require.Len(t, chunks, 4)
	assert.Equal(t, provider.ChunkToolCallStart, chunks[0].Kind)
	assert.Equal(t, "bash", chunks[0].ToolName)
	assert.Equal(t, provider.ChunkToolCall, chunks[2].Kind)
	assert.Equal(t, provider.StopToolUse, chunks[3].StopReason)

	// Second round: transcript carries the tool result, so it wraps up.
	history := []chat.Message{{
		Role: chat.RoleAssistant,
		Parts: []chat.Part{{
			Type:       chat.PartTypeTool,
			ToolCallID: "tool-1",
			ToolName:   "bash",
			State:      chat.ToolStateOutputAvailable,
			Output:     []byte(`{"stdout":"hello\n"}`),
		}},
	}}
	s, err = c.Stream(context.Background(), provider.Request{Model: "tools", Messages: history})
	require.NoError(t, err)
	chunks = drain(t, s)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "The command has finished.", chunks[0].Text)
}

func TestErrorScripts(t *testing.T) {
	c := New()
	s, err := c.Stream(context.Background(), provider.Request{Model: "error-authentication"})
	require.NoError(t, err)
	_, err = s.Recv()
	require.Error(t, err)
	assert.Equal(t, provider.StreamErrAuthentication, provider.ClassifyStreamError(err))
}

func TestUnknownModel(t *testing.T) {
	c := New()
	_, err := c.Stream(context.Background(), provider.Request{Model: "nope"})
	require.Error(t, err)
	assert.Equal(t, provider.StreamErrModelNotFound, provider.ClassifyStreamError(err))
}

func TestSlowScriptHonorsCancellation(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Stream(ctx, provider.Request{Model: "slow"})
	require.NoError(t, err)

	_, err = s.Recv()
	require.NoError(t, err)
	cancel()
	_, err = s.Recv()
	assert.ErrorIs(t, err, context.Canceled)
}
