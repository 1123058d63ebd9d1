package chat

import "encoding/json"

// EventType identifies a chat stream event.
type EventType string

const (
	// EventStreamStart opens an assistant turn. Carries MessageID,
	// HistorySequence and Model.
	EventStreamStart EventType = "stream-start"
	// EventStreamDelta appends text to the current text part.
	EventStreamDelta EventType = "stream-delta"
	// EventReasoningDelta appends text to the current reasoning part.
	EventReasoningDelta EventType = "reasoning-delta"
	// EventReasoningEnd closes the current reasoning part.
	EventReasoningEnd EventType = "reasoning-end"
	// EventToolCallStart announces a tool invocation (id + name).
	EventToolCallStart EventType = "tool-call-start"
	// EventToolCallDelta streams argument fragments for the pending call.
	EventToolCallDelta EventType = "tool-call-delta"
	// EventToolCallEnd carries the tool result or error.
	EventToolCallEnd EventType = "tool-call-end"
	// EventStreamEnd closes the turn with the final committed message.
	EventStreamEnd EventType = "stream-end"
	// EventStreamAbort reports a user interrupt; the partial is kept.
	EventStreamAbort EventType = "stream-abort"
	// EventStreamError reports a terminal stream failure.
	EventStreamError EventType = "stream-error"
	// EventMessage replays a full message from history or the partial store.
	EventMessage EventType = "message"
	// EventCaughtUp marks the end of replay; everything after is live.
	EventCaughtUp EventType = "caught-up"
)

// Event is the envelope published on workspace chat channels. Type
// selects which fields are set; unset fields are omitted on the wire.
type Event struct {
	Type        EventType `json:"type"`
	WorkspaceID string    `json:"workspaceId"`

	MessageID       string `json:"messageId,omitempty"`
	HistorySequence int64  `json:"historySequence,omitempty"`
	Model           string `json:"model,omitempty"`

	// Delta carries text for stream-delta and reasoning-delta;
	// Tokens is the running output token estimate at that point.
	Delta  string `json:"delta,omitempty"`
	Tokens int    `json:"tokens,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	InputDelta string          `json:"inputDelta,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`

	ErrorType string `json:"errorType,omitempty"`
	Error     string `json:"error,omitempty"`

	// Message is set on message replay events and stream-end.
	Message *Message `json:"message,omitempty"`
}

// Terminal reports whether the event ends an active stream.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventStreamEnd, EventStreamAbort, EventStreamError:
		return true
	}
	return false
}
