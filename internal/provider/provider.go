// Package provider defines the contract between cmux and LLM backends.
// Adapters translate provider SDK streams into a normalized chunk
// sequence; everything above this package is provider-agnostic.
package provider

import (
	"context"
	"encoding/json"

	v1 "github.com/cmux/cmux/pkg/api/v1"
	"github.com/cmux/cmux/pkg/chat"
)

// ChunkKind discriminates streaming events from a model.
type ChunkKind string

const (
	// ChunkText carries an assistant text delta.
	ChunkText ChunkKind = "text"
	// ChunkReasoning carries a reasoning delta.
	ChunkReasoning ChunkKind = "reasoning"
	// ChunkReasoningEnd closes the current reasoning block.
	ChunkReasoningEnd ChunkKind = "reasoning-end"
	// ChunkToolCallStart announces a tool invocation (id + name known).
	ChunkToolCallStart ChunkKind = "tool-call-start"
	// ChunkToolCallDelta streams argument JSON fragments.
	ChunkToolCallDelta ChunkKind = "tool-call-delta"
	// ChunkToolCall finalizes a tool invocation with complete input.
	ChunkToolCall ChunkKind = "tool-call"
	// ChunkUsage reports token usage, typically near the end.
	ChunkUsage ChunkKind = "usage"
	// ChunkStop terminates the model turn with a reason.
	ChunkStop ChunkKind = "stop"
)

// Stop reasons with cross-provider meaning.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Chunk is one streaming event. Kind selects the populated fields.
type Chunk struct {
	Kind ChunkKind

	// Text holds the delta for ChunkText and ChunkReasoning.
	Text string

	ToolCallID string
	ToolName   string
	// InputDelta holds an argument fragment for ChunkToolCallDelta.
	InputDelta string
	// Input holds the complete arguments for ChunkToolCall.
	Input json.RawMessage

	Usage      *chat.Usage
	StopReason string
}

// Streamer delivers chunks until io.EOF. Implementations are driven
// from a single goroutine and release resources on Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
	// Metadata exposes provider-specific details (request ids, usage).
	Metadata() map[string]any
}

// ToolDefinition is the schema advertised to the model for one tool.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is a normalized model invocation.
type Request struct {
	// Model is the provider-native model id (no provider prefix).
	Model string

	System   string
	Messages []chat.Message
	Tools    []ToolDefinition

	MaxTokens int
	Thinking  v1.ThinkingLevel

	// ParallelToolCalls hints whether the model may request several
	// tools in one step.
	ParallelToolCalls bool
}

// Client streams completions for one provider. Implementations must be
// safe for concurrent use.
type Client interface {
	// Name reports the provider name ("anthropic", "openai", "mock").
	Name() string
	Stream(ctx context.Context, req Request) (Streamer, error)
}
