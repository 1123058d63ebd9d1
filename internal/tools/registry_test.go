package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/runtime"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestContext(t *testing.T) ToolContext {
	t.Helper()
	log := newTestLogger(t)
	rt, err := runtime.NewLocal(t.TempDir(), log)
	require.NoError(t, err)
	return ToolContext{
		Runtime:       rt,
		WorkspacePath: t.TempDir(),
		Log:           log,
	}
}

func echoDefinition() (Definition, Handler) {
	def := Definition{
		Name:        "echo",
		Description: "returns its input",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
	}
	return def, func(_ context.Context, _ ToolContext, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}
}

func TestRegistryRegisterAndDefinitions(t *testing.T) {
	r := NewRegistry()
	def, h := echoDefinition()
	require.NoError(t, r.Register(def, h))

	require.NoError(t, r.Register(Definition{Name: "alpha"}, h))

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Name)

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "echo", defs[1].Name)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	def, h := echoDefinition()
	require.NoError(t, r.Register(def, h))
	assert.Error(t, r.Register(def, h))
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	_, h := echoDefinition()
	err := r.Register(Definition{
		Name:        "broken",
		InputSchema: json.RawMessage(`{"type": 42}`),
	}, h)
	assert.Error(t, err)
}

func TestDispatchValidatesArguments(t *testing.T) {
	r := NewRegistry()
	def, h := echoDefinition()
	require.NoError(t, r.Register(def, h))
	tc := newTestContext(t)

	out, err := r.Dispatch(context.Background(), tc, "echo", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(out))

	_, err = r.Dispatch(context.Background(), tc, "echo", json.RawMessage(`{"count": 3}`))
	assert.Error(t, err, "missing required property must fail validation")

	_, err = r.Dispatch(context.Background(), tc, "echo", json.RawMessage(`{"text": 3}`))
	assert.Error(t, err, "wrong property type must fail validation")
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), newTestContext(t), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestDispatchClampsLargeResults(t *testing.T) {
	r := NewRegistry()
	big := strings.Repeat("x", maxResultBytes*2)
	require.NoError(t, r.Register(Definition{Name: "big"}, func(_ context.Context, _ ToolContext, _ json.RawMessage) (json.RawMessage, error) {
		out, err := json.Marshal(map[string]string{"data": big})
		return out, err
	}))

	out, err := r.Dispatch(context.Background(), newTestContext(t), "big", nil)
	require.NoError(t, err)
	assert.Less(t, len(out), maxResultBytes*2)
	assert.Contains(t, string(out), "truncated")
	assert.True(t, json.Valid(out), "clamped result must stay valid JSON")
}

func TestClampResultKeepsHeadAndTail(t *testing.T) {
	raw := json.RawMessage("HEAD" + strings.Repeat("m", 1000) + "TAIL")
	out := ClampResult(raw, 100)

	var wrapped map[string]string
	require.NoError(t, json.Unmarshal(out, &wrapped))
	clamped := wrapped["truncated_output"]
	assert.True(t, strings.HasPrefix(clamped, "HEAD"))
	assert.True(t, strings.HasSuffix(clamped, "TAIL"))
	assert.Contains(t, clamped, "[truncated")
}

func TestClampResultPassesSmallThrough(t *testing.T) {
	raw := json.RawMessage(`{"ok":true}`)
	assert.Equal(t, raw, ClampResult(raw, 100))
}

func TestNewBuiltinRegistry(t *testing.T) {
	r, err := NewBuiltinRegistry()
	require.NoError(t, err)

	var names []string
	for _, def := range r.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{
		"bash",
		"file_edit_replace",
		"file_read",
		"file_write",
		"glob",
		"propose_plan",
		"web_fetch",
	}, names)
}
