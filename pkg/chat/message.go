// Package chat defines the message model and stream events shared
// between the cmux backend and its clients.
package chat

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the variants of a message part.
type PartType string

const (
	PartTypeText      PartType = "text"
	PartTypeReasoning PartType = "reasoning"
	PartTypeTool      PartType = "tool"
	PartTypeFile      PartType = "file"
)

// Tool part states, in lifecycle order.
const (
	ToolStateInputStreaming  = "input-streaming"
	ToolStateInputAvailable  = "input-available"
	ToolStateOutputAvailable = "output-available"
	ToolStateErrored         = "errored"
)

// Text part states.
const (
	TextStateStreaming = "streaming"
	TextStateDone      = "done"
)

// Part is one ordered fragment of a message. Type selects which fields
// are meaningful: text/reasoning use Text and State, tool uses the
// ToolCallID..ErrorText group, file uses URL and MediaType.
type Part struct {
	Type PartType `json:"type"`

	Text  string `json:"text,omitempty"`
	State string `json:"state,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`

	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// Usage aggregates token accounting for one assistant turn.
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
	TotalTokens      int `json:"totalTokens"`
}

// Metadata carries per-message bookkeeping. HistorySequence orders
// messages within a workspace and is assigned by the history store.
type Metadata struct {
	Timestamp        int64          `json:"timestamp"`
	HistorySequence  int64          `json:"historySequence"`
	Model            string         `json:"model,omitempty"`
	Usage            *Usage         `json:"usage,omitempty"`
	ProviderMetadata map[string]any `json:"providerMetadata,omitempty"`
	Partial          bool           `json:"partial,omitempty"`
	ErrorType        string         `json:"errorType,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Message is one entry in a workspace conversation.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// NewUserMessage builds a single-text-part user message stamped now.
func NewUserMessage(id, text string) Message {
	return Message{
		ID:   id,
		Role: RoleUser,
		Parts: []Part{{
			Type: PartTypeText,
			Text: text,
		}},
		Metadata: Metadata{Timestamp: time.Now().UnixMilli()},
	}
}

// NewAssistantMessage builds an empty assistant message stamped now.
func NewAssistantMessage(id, model string) Message {
	return Message{
		ID:    id,
		Role:  RoleAssistant,
		Parts: nil,
		Metadata: Metadata{
			Timestamp: time.Now().UnixMilli(),
			Model:     model,
		},
	}
}

// TextContent concatenates the text parts of the message.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

// LastPart returns a pointer to the final part, or nil when empty.
func (m *Message) LastPart() *Part {
	if len(m.Parts) == 0 {
		return nil
	}
	return &m.Parts[len(m.Parts)-1]
}

// Clone returns a deep copy safe to mutate independently.
func (m *Message) Clone() Message {
	out := *m
	out.Parts = make([]Part, len(m.Parts))
	copy(out.Parts, m.Parts)
	for i := range out.Parts {
		out.Parts[i].Input = append(json.RawMessage(nil), m.Parts[i].Input...)
		out.Parts[i].Output = append(json.RawMessage(nil), m.Parts[i].Output...)
	}
	if m.Metadata.Usage != nil {
		usage := *m.Metadata.Usage
		out.Metadata.Usage = &usage
	}
	if m.Metadata.ProviderMetadata != nil {
		meta := make(map[string]any, len(m.Metadata.ProviderMetadata))
		for k, v := range m.Metadata.ProviderMetadata {
			meta[k] = v
		}
		out.Metadata.ProviderMetadata = meta
	}
	return out
}
