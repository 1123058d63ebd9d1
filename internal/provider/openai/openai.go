// Package openai adapts the OpenAI Chat Completions streaming API to
// the cmux provider contract. Tool-call argument fragments arrive
// keyed by index and are buffered until the finish reason closes them.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/pkg/chat"
)

const defaultMaxTokens = 8192

// Client implements provider.Client on top of the OpenAI SDK.
type Client struct {
	client oai.Client
}

// New builds a client with the given API key.
func New(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return &Client{client: oai.NewClient(option.WithAPIKey(apiKey))}, nil
}

func (c *Client) Name() string { return "openai" }

// Stream opens a chat completion streaming request.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.client.Chat.Completions.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classify(err)
	}
	return newStreamer(ctx, stream), nil
}

func encodeRequest(req provider.Request) (*oai.ChatCompletionNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs, err := encodeMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	params := &oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(req.Model),
		Messages:            msgs,
		MaxCompletionTokens: oai.Int(int64(maxTokens)),
		StreamOptions:       oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)},
	}
	for _, def := range req.Tools {
		var schema map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
		}
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: oai.String(def.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	if len(params.Tools) > 0 && !req.ParallelToolCalls {
		params.ParallelToolCalls = oai.Bool(false)
	}
	if effort := provider.OpenAIReasoningEffort(req.Thinking); effort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(effort)
	}
	return params, nil
}

func encodeMessages(system string, messages []chat.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	var out []oai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, oai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case chat.RoleUser:
			if text := m.TextContent(); text != "" {
				out = append(out, oai.UserMessage(text))
			}

		case chat.RoleAssistant:
			assistant := oai.ChatCompletionAssistantMessageParam{}
			var toolResults []oai.ChatCompletionMessageParamUnion
			var text strings.Builder
			for _, p := range m.Parts {
				switch p.Type {
				case chat.PartTypeText:
					text.WriteString(p.Text)
				case chat.PartTypeTool:
					args := string(p.Input)
					if args == "" {
						args = "{}"
					}
					assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
						ID: p.ToolCallID,
						Function: oai.ChatCompletionMessageToolCallFunctionParam{
							Name:      p.ToolName,
							Arguments: args,
						},
					})
					switch p.State {
					case chat.ToolStateOutputAvailable:
						toolResults = append(toolResults, oai.ToolMessage(string(p.Output), p.ToolCallID))
					case chat.ToolStateErrored:
						toolResults = append(toolResults, oai.ToolMessage(p.ErrorText, p.ToolCallID))
					}
				}
			}
			if text.Len() > 0 {
				assistant.Content = oai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: oai.String(text.String()),
				}
			}
			if text.Len() > 0 || len(assistant.ToolCalls) > 0 {
				out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			}
			out = append(out, toolResults...)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return provider.NewStreamError(provider.ClassifyStatus(apiErr.StatusCode), err)
	}
	return provider.NewStreamError(provider.ClassifyStreamError(err), err)
}

// streamer pumps completion chunks from a single goroutine.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[oai.ChatCompletionChunk]

	chunks chan provider.Chunk

	errMu    sync.Mutex
	finalErr error

	metaMu   sync.Mutex
	metadata map[string]any
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk]) *streamer {
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

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer s.stream.Close()

	// Argument fragments arrive keyed by tool-call index; id and name
	// ride only on the first fragment.
	tools := make(map[int64]*toolBuffer)
	var order []int64
	stopReason := provider.StopEndTurn

	flushTools := func() error {
		for _, idx := range order {
			tb := tools[idx]
			if tb == nil {
				continue
			}
			input := strings.TrimSpace(tb.fragments.String())
			if input == "" {
				input = "{}"
			}
			if err := s.emit(provider.Chunk{
				Kind:       provider.ChunkToolCall,
				ToolCallID: tb.id,
				ToolName:   tb.name,
				Input:      json.RawMessage(input),
			}); err != nil {
				return err
			}
		}
		tools = make(map[int64]*toolBuffer)
		order = nil
		return nil
	}

	for s.stream.Next() {
		if s.ctx.Err() != nil {
			s.setErr(s.ctx.Err())
			return
		}
		chunk := s.stream.Current()
		if chunk.ID != "" {
			s.record("requestId", chunk.ID)
		}
		if chunk.Usage.TotalTokens > 0 {
			if err := s.emit(provider.Chunk{Kind: provider.ChunkUsage, Usage: &chat.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}}); err != nil {
				s.setErr(err)
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if err := s.emit(provider.Chunk{Kind: provider.ChunkText, Text: choice.Delta.Content}); err != nil {
				s.setErr(err)
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			tb := tools[tc.Index]
			if tb == nil {
				tb = &toolBuffer{}
				tools[tc.Index] = tb
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				tb.id = tc.ID
			}
			if tc.Function.Name != "" && tb.name == "" {
				tb.name = tc.Function.Name
				if err := s.emit(provider.Chunk{
					Kind:       provider.ChunkToolCallStart,
					ToolCallID: tb.id,
					ToolName:   tb.name,
				}); err != nil {
					s.setErr(err)
					return
				}
			}
			if tc.Function.Arguments != "" {
				tb.fragments.WriteString(tc.Function.Arguments)
				if err := s.emit(provider.Chunk{
					Kind:       provider.ChunkToolCallDelta,
					ToolCallID: tb.id,
					ToolName:   tb.name,
					InputDelta: tc.Function.Arguments,
				}); err != nil {
					s.setErr(err)
					return
				}
			}
		}
		switch choice.FinishReason {
		case "tool_calls":
			stopReason = provider.StopToolUse
		case "length":
			stopReason = provider.StopMaxTokens
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(classify(err))
		return
	}
	if err := flushTools(); err != nil {
		s.setErr(err)
		return
	}
	if err := s.emit(provider.Chunk{Kind: provider.ChunkStop, StopReason: stopReason}); err != nil {
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
