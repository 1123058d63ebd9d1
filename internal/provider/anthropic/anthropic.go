// Package anthropic adapts the Anthropic Messages streaming API to the
// cmux provider contract. SSE events become normalized chunks; SDK
// errors are classified by HTTP status so the stream manager never sees
// provider internals.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/pkg/chat"
)

const defaultMaxTokens = 8192

// Client implements provider.Client on top of the Anthropic SDK.
type Client struct {
	messages *sdk.MessageService
}

// New builds a client with the given API key.
func New(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Client{messages: &ac.Messages}, nil
}

func (c *Client) Name() string { return "anthropic" }

// Stream opens a Messages streaming request.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return newStreamer(ctx, stream), nil
}

func encodeRequest(req provider.Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	for _, def := range req.Tools {
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	if budget := provider.AnthropicThinkingBudget(req.Thinking); budget > 0 {
		if budget >= int64(maxTokens) {
			budget = int64(maxTokens) / 2
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// encodeMessages converts chat history to Messages API turns. Tool
// outputs stored on assistant tool parts are replayed as tool_result
// blocks in a synthetic user turn, the shape the API requires.
func encodeMessages(messages []chat.Message) ([]sdk.MessageParam, error) {
	var out []sdk.MessageParam
	for _, m := range messages {
		switch m.Role {
		case chat.RoleUser:
			var blocks []sdk.ContentBlockParamUnion
			for _, p := range m.Parts {
				if p.Type == chat.PartTypeText && p.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Text))
				}
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}

		case chat.RoleAssistant:
			var blocks []sdk.ContentBlockParamUnion
			var results []sdk.ContentBlockParamUnion
			for _, p := range m.Parts {
				switch p.Type {
				case chat.PartTypeText:
					if p.Text != "" {
						blocks = append(blocks, sdk.NewTextBlock(p.Text))
					}
				case chat.PartTypeTool:
					input := decodeInput(p.Input)
					blocks = append(blocks, sdk.NewToolUseBlock(p.ToolCallID, input, p.ToolName))
					switch p.State {
					case chat.ToolStateOutputAvailable:
						results = append(results, sdk.NewToolResultBlock(p.ToolCallID, string(p.Output), false))
					case chat.ToolStateErrored:
						results = append(results, sdk.NewToolResultBlock(p.ToolCallID, p.ErrorText, true))
					}
				}
				// Reasoning parts are not re-encoded; the API rejects
				// unsigned thinking blocks.
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
			if len(results) > 0 {
				out = append(out, sdk.NewUserMessage(results...))
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

func decodeInput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}

func toolInputSchema(schema json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return provider.NewStreamError(provider.ClassifyStatus(apiErr.StatusCode), err)
	}
	return provider.NewStreamError(provider.ClassifyStreamError(err), err)
}

// streamer pumps SSE events into chunks from a single goroutine.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan provider.Chunk

	errMu    sync.Mutex
	finalErr error

	metaMu   sync.Mutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan provider.Chunk, 32),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (provider.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return provider.Chunk{}, err
		}
		return provider.Chunk{}, io.EOF
	case <-s.ctx.Done():
		return provider.Chunk{}, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer s.stream.Close()

	p := &processor{emit: s.emit, record: s.record}
	for s.stream.Next() {
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(classify(err))
	} else if err := s.ctx.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *streamer) emit(chunk provider.Chunk) error {
	select {
	case s.chunks <- chunk:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *streamer) record(key string, value any) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
	s.metaMu.Unlock()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	if s.finalErr == nil {
		s.finalErr = err
	}
	s.errMu.Unlock()
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

// processor converts Anthropic stream events into provider chunks,
// accumulating tool argument JSON per content block index.
type processor struct {
	emit   func(provider.Chunk) error
	record func(string, any)

	toolBlocks     map[int64]*toolBuffer
	thinkingBlocks map[int64]bool
	inputTokens    int64
	stopReason     string
}

func (p *processor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int64]*toolBuffer)
		p.thinkingBlocks = make(map[int64]bool)
		p.inputTokens = ev.Message.Usage.InputTokens
		p.record("requestId", ev.Message.ID)
		return nil

	case sdk.ContentBlockStartEvent:
		if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if block.ID == "" || block.Name == "" {
				return fmt.Errorf("anthropic: tool_use block missing id or name")
			}
			p.toolBlocks[ev.Index] = &toolBuffer{id: block.ID, name: block.Name}
			return p.emit(provider.Chunk{
				Kind:       provider.ChunkToolCallStart,
				ToolCallID: block.ID,
				ToolName:   block.Name,
			})
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(provider.Chunk{Kind: provider.ChunkText, Text: delta.Text})
		case sdk.InputJSONDelta:
			tb := p.toolBlocks[ev.Index]
			if tb == nil || delta.PartialJSON == "" {
				return nil
			}
			tb.fragments.WriteString(delta.PartialJSON)
			return p.emit(provider.Chunk{
				Kind:       provider.ChunkToolCallDelta,
				ToolCallID: tb.id,
				ToolName:   tb.name,
				InputDelta: delta.PartialJSON,
			})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			p.thinkingBlocks[ev.Index] = true
			return p.emit(provider.Chunk{Kind: provider.ChunkReasoning, Text: delta.Thinking})
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		if p.thinkingBlocks[ev.Index] {
			delete(p.thinkingBlocks, ev.Index)
			return p.emit(provider.Chunk{Kind: provider.ChunkReasoningEnd})
		}
		if tb := p.toolBlocks[ev.Index]; tb != nil {
			delete(p.toolBlocks, ev.Index)
			input := strings.TrimSpace(tb.fragments.String())
			if input == "" {
				input = "{}"
			}
			return p.emit(provider.Chunk{
				Kind:       provider.ChunkToolCall,
				ToolCallID: tb.id,
				ToolName:   tb.name,
				Input:      json.RawMessage(input),
			})
		}
		return nil

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := &chat.Usage{
			InputTokens:      int(p.inputTokens),
			OutputTokens:     int(ev.Usage.OutputTokens),
			CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
			TotalTokens:      int(p.inputTokens + ev.Usage.OutputTokens),
		}
		return p.emit(provider.Chunk{Kind: provider.ChunkUsage, Usage: usage})

	case sdk.MessageStopEvent:
		reason := normalizeStopReason(p.stopReason)
		return p.emit(provider.Chunk{Kind: provider.ChunkStop, StopReason: reason})
	}
	return nil
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return provider.StopToolUse
	case "max_tokens":
		return provider.StopMaxTokens
	default:
		return provider.StopEndTurn
	}
}
