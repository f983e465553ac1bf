package session

import (
	"fmt"
	"strings"
)

// ErrorType categorizes session and upstream errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrConnection     ErrorType = "connection_error"
	ErrAPI            ErrorType = "api_error"
)

// Error is the session-level error carrying a stable type and optional
// upstream code.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// IsRetryable reports whether reconnecting could plausibly succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrConnection, ErrRateLimit, ErrAPI:
		return true
	default:
		return false
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{Type: ErrPermission, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewConnectionError creates a connection error.
func NewConnectionError(message string) *Error {
	return &Error{Type: ErrConnection, Message: message}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// TransportError wraps a low-level failure with the operation and endpoint
// it occurred on.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify maps an arbitrary upstream error message onto the taxonomy.
// Upstream failures arrive as strings over the wire, so matching on status
// markers is the only signal available.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if serr, ok := err.(*Error); ok {
		return serr
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "429") || strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "quota"):
		return &Error{Type: ErrRateLimit, Message: msg, Code: "429"}
	case strings.Contains(msg, "401") || strings.Contains(lower, "unauthenticated") || strings.Contains(lower, "api key"):
		return &Error{Type: ErrAuthentication, Message: msg, Code: "401"}
	case strings.Contains(msg, "403") || strings.Contains(lower, "permission_denied"):
		return &Error{Type: ErrPermission, Message: msg, Code: "403"}
	case strings.Contains(msg, "400") || strings.Contains(lower, "invalid_argument"):
		return &Error{Type: ErrInvalidRequest, Message: msg, Code: "400"}
	case strings.Contains(lower, "connect") || strings.Contains(lower, "websocket") || strings.Contains(lower, "closed"):
		return &Error{Type: ErrConnection, Message: msg}
	default:
		return &Error{Type: ErrAPI, Message: msg}
	}
}
