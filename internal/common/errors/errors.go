// Package errors provides the tagged error type used at cmux API
// boundaries. Kinds are stable strings shared with clients; the same
// values appear in IPC error payloads regardless of transport.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds as constants.
const (
	KindNotFound             = "not_found"
	KindInvalidArgument      = "invalid_argument"
	KindAlreadyStreaming     = "already_streaming"
	KindAPIKeyNotFound       = "api_key_not_found"
	KindProviderNotSupported = "provider_not_supported"
	KindInvalidModelString   = "invalid_model_string"
	KindUnknown              = "unknown"
)

// Error is an application error with a client-visible kind.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(message string) *Error {
	return &Error{
		Kind:    KindInvalidArgument,
		Message: message,
	}
}

// AlreadyStreaming creates the error returned when a workspace already
// has an active stream.
func AlreadyStreaming(workspaceID string) *Error {
	return &Error{
		Kind:    KindAlreadyStreaming,
		Message: fmt.Sprintf("workspace '%s' already has an active stream", workspaceID),
	}
}

// APIKeyNotFound creates the error returned when a provider has no
// configured credentials.
func APIKeyNotFound(provider string) *Error {
	return &Error{
		Kind:    KindAPIKeyNotFound,
		Message: fmt.Sprintf("no API key configured for provider '%s'", provider),
	}
}

// ProviderNotSupported creates the error returned for an unregistered
// provider name.
func ProviderNotSupported(provider string) *Error {
	return &Error{
		Kind:    KindProviderNotSupported,
		Message: fmt.Sprintf("provider '%s' is not supported", provider),
	}
}

// InvalidModelString creates the error returned when a model string is
// not of the form "provider:model".
func InvalidModelString(model string) *Error {
	return &Error{
		Kind:    KindInvalidModelString,
		Message: fmt.Sprintf("invalid model string '%s', expected provider:model", model),
	}
}

// Unknown creates an unclassified error with a wrapped cause.
func Unknown(message string, err error) *Error {
	return &Error{
		Kind:    KindUnknown,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, preserving its
// kind when it already carries one.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	return &Error{
		Kind:    KindUnknown,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of an error, or KindUnknown when it carries
// none.
func KindOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// HTTPStatus returns the HTTP status code to report an error with.
// Unclassified errors map to 500 Internal Server Error.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument, KindInvalidModelString:
		return http.StatusBadRequest
	case KindAlreadyStreaming:
		return http.StatusConflict
	case KindAPIKeyNotFound, KindProviderNotSupported:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
