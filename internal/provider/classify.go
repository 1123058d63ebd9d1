package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cmux/cmux/pkg/chat"
)

// StreamErrorType classifies terminal stream failures. The values are
// stable and travel to clients inside stream-error events.
type StreamErrorType string

const (
	StreamErrAuthentication  StreamErrorType = "authentication"
	StreamErrQuota           StreamErrorType = "quota"
	StreamErrModelNotFound   StreamErrorType = "model_not_found"
	StreamErrContextExceeded StreamErrorType = "context_exceeded"
	StreamErrAborted         StreamErrorType = "aborted"
	StreamErrNetwork         StreamErrorType = "network"
	StreamErrUnknown         StreamErrorType = "unknown"
)

// StreamError is a classified provider failure. Adapters wrap SDK
// errors into this type so the stream manager never inspects SDK
// internals.
type StreamError struct {
	Type StreamErrorType
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Type, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// NewStreamError wraps err with an explicit classification.
func NewStreamError(t StreamErrorType, err error) *StreamError {
	return &StreamError{Type: t, Err: err}
}

// ClassifyStatus maps an HTTP status from a provider API to a stream
// error type. Both SDKs surface request failures with a status code.
func ClassifyStatus(status int) StreamErrorType {
	switch status {
	case 401, 403:
		return StreamErrAuthentication
	case 402, 429:
		return StreamErrQuota
	case 404:
		return StreamErrModelNotFound
	case 413:
		return StreamErrContextExceeded
	default:
		if status >= 500 {
			return StreamErrNetwork
		}
		return StreamErrUnknown
	}
}

// ClassifyStreamError derives the stream error type of an arbitrary
// error. Cancellation counts as aborted; transport failures as network.
func ClassifyStreamError(err error) StreamErrorType {
	if err == nil {
		return StreamErrUnknown
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Type
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StreamErrAborted
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return StreamErrNetwork
	}
	return StreamErrUnknown
}

// AutoRetryable reports whether a stream error type is transient enough
// for the client to resume automatically. Credential, quota, model and
// context failures repeat on retry; an abort was asked for.
func AutoRetryable(t StreamErrorType) bool {
	switch t {
	case StreamErrAuthentication, StreamErrQuota, StreamErrModelNotFound,
		StreamErrContextExceeded, StreamErrAborted:
		return false
	}
	return true
}

// RetryGraceWindow is how old an unanswered user message must be before
// auto-retry considers the stream interrupted rather than just slow.
const RetryGraceWindow = 3 * time.Second

// RetryEligible reports whether the conversation tail indicates an
// interrupted stream worth resuming: a partial assistant message, or a
// user message past the grace window with no response.
func RetryEligible(messages []chat.Message, now time.Time) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	if last.Role == chat.RoleAssistant {
		return last.Metadata.Partial
	}
	age := now.Sub(time.UnixMilli(last.Metadata.Timestamp))
	return age >= RetryGraceWindow
}
