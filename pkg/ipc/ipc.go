// Package ipc defines the wire protocol between cmux and its clients:
// channel names, the request/response envelope used over HTTP, and the
// frame types used over the WebSocket bridge.
package ipc

import "encoding/json"

// Channel constants for IPC requests.
const (
	// Project channels
	ChannelProjectsCreate       = "projects.create"
	ChannelProjectsRemove       = "projects.remove"
	ChannelProjectsList         = "projects.list"
	ChannelProjectsListBranches = "projects.listBranches"

	// Workspace channels
	ChannelWorkspaceCreate          = "workspace.create"
	ChannelWorkspaceRemove          = "workspace.remove"
	ChannelWorkspaceRename          = "workspace.rename"
	ChannelWorkspaceFork            = "workspace.fork"
	ChannelWorkspaceList            = "workspace.list"
	ChannelWorkspaceGetInfo         = "workspace.getInfo"
	ChannelWorkspaceSendMessage     = "workspace.sendMessage"
	ChannelWorkspaceResumeStream    = "workspace.resumeStream"
	ChannelWorkspaceInterruptStream = "workspace.interruptStream"
	ChannelWorkspaceExecuteBash     = "workspace.executeBash"
	ChannelWorkspaceTruncateHistory = "workspace.truncateHistory"
	ChannelWorkspaceGetUsage        = "workspace.getUsage"

	// Provider channels
	ChannelProvidersSetConfig = "providers.setConfig"
	ChannelProvidersList      = "providers.list"
)

// Request is the body of POST /ipc/:channel. Args are positional.
type Request struct {
	Args []json.RawMessage `json:"args"`
}

// ErrorPayload carries a failed call's error across the bridge.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Response is the body of every IPC reply.
type Response struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// OK wraps a successful result.
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail wraps an error kind and message.
func Fail(kind, message string) Response {
	return Response{Success: false, Error: &ErrorPayload{Kind: kind, Message: message}}
}

// Subscription channels carried in WebSocket frames.
const (
	StreamChannelChat     = "workspace:chat"
	StreamChannelMetadata = "workspace:metadata"
)

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
)

// Server frame types.
const (
	FrameEvent      = "event"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
	FramePong       = "pong"
)

// ClientFrame is a message from a WebSocket client.
type ClientFrame struct {
	Type        string `json:"type"`
	Channel     string `json:"channel,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// ServerFrame is a message pushed to a WebSocket client.
type ServerFrame struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel,omitempty"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       *ErrorPayload   `json:"error,omitempty"`
}

// NewEventFrame marshals a payload into an event frame.
func NewEventFrame(channel, workspaceID string, payload any) (*ServerFrame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ServerFrame{
		Type:        FrameEvent,
		Channel:     channel,
		WorkspaceID: workspaceID,
		Payload:     data,
	}, nil
}
