// Package mock provides a scripted provider for tests and offline
// development. Model names select canned scenarios; tests can register
// their own scripts.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/pkg/chat"
)

// Step is one scripted stream event. A non-nil Err terminates the
// stream with that error; Delay is waited before the step fires.
type Step struct {
	Chunk provider.Chunk
	Delay time.Duration
	Err   error
}

// ScriptFunc produces the steps for one request.
type ScriptFunc func(req provider.Request) []Step

// Client implements provider.Client with scripted responses.
type Client struct {
	mu      sync.Mutex
	scripts map[string]ScriptFunc
}

// New creates a mock client with the built-in scenarios registered.
func New() *Client {
	c := &Client{scripts: make(map[string]ScriptFunc)}
	c.Register("planner", plannerScript)
	c.Register("echo", echoScript)
	c.Register("tools", toolsScript)
	c.Register("slow", slowScript)
	for _, t := range []provider.StreamErrorType{
		provider.StreamErrAuthentication,
		provider.StreamErrQuota,
		provider.StreamErrModelNotFound,
		provider.StreamErrContextExceeded,
		provider.StreamErrNetwork,
		provider.StreamErrUnknown,
	} {
		errType := t
		c.Register("error-"+string(errType), func(provider.Request) []Step {
			return []Step{{Err: provider.NewStreamError(errType, fmt.Errorf("mock %s failure", errType))}}
		})
	}
	return c
}

func (c *Client) Name() string { return "mock" }

// Register adds or replaces the script for a model name.
func (c *Client) Register(model string, script ScriptFunc) {
	c.mu.Lock()
	c.scripts[model] = script
	c.mu.Unlock()
}

// Stream plays the script registered for req.Model.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	c.mu.Lock()
	script, ok := c.scripts[req.Model]
	c.mu.Unlock()
	if !ok {
		return nil, provider.NewStreamError(provider.StreamErrModelNotFound,
			fmt.Errorf("mock model %q has no script", req.Model))
	}
	return &streamer{ctx: ctx, steps: script(req)}, nil
}

type streamer struct {
	ctx   context.Context
	steps []Step
	pos   int
}

func (s *streamer) Recv() (provider.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return provider.Chunk{}, err
	}
	if s.pos >= len(s.steps) {
		return provider.Chunk{}, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-s.ctx.Done():
			return provider.Chunk{}, s.ctx.Err()
		}
	}
	if step.Err != nil {
		return provider.Chunk{}, step.Err
	}
	return step.Chunk, nil
}

func (s *streamer) Close() error { return nil }

func (s *streamer) Metadata() map[string]any {
	return map[string]any{"mock": true}
}

func textSteps(lines ...string) []Step {
	steps := make([]Step, 0, len(lines)+2)
	var total int
	for _, line := range lines {
		total += len(line)
		steps = append(steps, Step{Chunk: provider.Chunk{Kind: provider.ChunkText, Text: line}})
	}
	steps = append(steps,
		Step{Chunk: provider.Chunk{Kind: provider.ChunkUsage, Usage: &chat.Usage{
			InputTokens:  12,
			OutputTokens: (total + 3) / 4,
			TotalTokens:  12 + (total+3)/4,
		}}},
		Step{Chunk: provider.Chunk{Kind: provider.ChunkStop, StopReason: provider.StopEndTurn}},
	)
	return steps
}

func plannerScript(provider.Request) []Step {
	return textSteps(
		"Here are three programming languages:\n",
		"1. Python\n",
		"2. JavaScript\n",
		"3. Rust",
	)
}

func echoScript(req provider.Request) []Step {
	text := "(empty)"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == chat.RoleUser {
			if t := req.Messages[i].TextContent(); t != "" {
				text = t
			}
			break
		}
	}
	return textSteps(text)
}

// toolsScript calls the bash tool on the first round, then summarizes
// once the transcript carries the tool result.
func toolsScript(req provider.Request) []Step {
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if p.Type == chat.PartTypeTool && p.State == chat.ToolStateOutputAvailable {
				return textSteps("The command has finished.")
			}
		}
	}
	input := json.RawMessage(`{"command":"echo hello"}`)
	return []Step{
		{Chunk: provider.Chunk{Kind: provider.ChunkToolCallStart, ToolCallID: "tool-1", ToolName: "bash"}},
		{Chunk: provider.Chunk{Kind: provider.ChunkToolCallDelta, ToolCallID: "tool-1", ToolName: "bash", InputDelta: string(input)}},
		{Chunk: provider.Chunk{Kind: provider.ChunkToolCall, ToolCallID: "tool-1", ToolName: "bash", Input: input}},
		{Chunk: provider.Chunk{Kind: provider.ChunkStop, StopReason: provider.StopToolUse}},
	}
}

func slowScript(provider.Request) []Step {
	steps := make([]Step, 0, 101)
	for i := 0; i < 100; i++ {
		steps = append(steps, Step{
			Chunk: provider.Chunk{Kind: provider.ChunkText, Text: fmt.Sprintf("tick %d ", i)},
			Delay: 20 * time.Millisecond,
		})
	}
	return append(steps, Step{Chunk: provider.Chunk{Kind: provider.ChunkStop, StopReason: provider.StopEndTurn}})
}
