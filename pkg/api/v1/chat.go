package v1

// ThinkingLevel selects how much reasoning effort a model spends.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// SendMessageRequest starts an assistant turn in a workspace.
type SendMessageRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Text        string `json:"text" binding:"required"`

	// Model is a "provider:model" string, e.g. "anthropic:claude-sonnet-4-5".
	Model string `json:"model" binding:"required"`

	ThinkingLevel ThinkingLevel `json:"thinkingLevel,omitempty"`

	// Mode selects the tool policy ("plan" or "exec"; default exec).
	Mode string `json:"mode,omitempty"`

	// EditMessageID rewrites history: everything after the named message
	// is truncated before the new text is appended.
	EditMessageID string `json:"editMessageId,omitempty"`
}

// ResumeStreamRequest resumes an interrupted or failed turn without
// appending a user message. A no-op when a stream is already active.
type ResumeStreamRequest struct {
	WorkspaceID   string        `json:"workspaceId" binding:"required"`
	Model         string        `json:"model,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinkingLevel,omitempty"`
	Mode          string        `json:"mode,omitempty"`
}

// InterruptStreamRequest cancels the active stream, if any.
type InterruptStreamRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
}

// TruncateHistoryRequest drops all messages after the named one.
type TruncateHistoryRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	MessageID   string `json:"messageId" binding:"required"`
}

// ExecuteBashRequest runs a one-off command in the workspace root.
type ExecuteBashRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Command     string `json:"command" binding:"required"`
	TimeoutSecs int    `json:"timeoutSecs,omitempty"`
}

// ExecuteBashResponse carries the command outcome.
type ExecuteBashResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

// SetProviderConfigRequest stores or replaces a provider API key.
type SetProviderConfigRequest struct {
	Provider string `json:"provider" binding:"required"`
	APIKey   string `json:"apiKey" binding:"required"`
}
