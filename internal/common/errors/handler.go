package errors

import "fmt"

// Handler error codes — the vocabulary of all activity handlers.
const (
	CodeExtractError          = "EXTRACT_ERROR"
	CodeLoadError             = "LOAD_ERROR"
	CodeLoadPartialFailure    = "LOAD_PARTIAL_FAILURE"
	CodeTransformError        = "TRANSFORM_ERROR"
	CodeFilterError           = "FILTER_ERROR"
	CodeJoinError             = "JOIN_ERROR"
	CodeSDKExtractError       = "SDK_EXTRACT_ERROR"
	CodeSDKLoadPartialFailure = "SDK_LOAD_PARTIAL_FAILURE"
)

// Retryable underlying classes. Any handler error wrapping one of these is
// eligible for another attempt.
const (
	CodeNetworkError   = "NETWORK_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeConnectionLost = "CONNECTION_LOST"
	CodeDeadlock       = "DEADLOCK"
)

// HandlerError is returned by activity handlers. Handlers never panic; the
// orchestrator converts the Retryable flag into a retry schedule or a
// terminal FAILED transition.
type HandlerError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewHandlerError builds a handler error.
func NewHandlerError(code, message string, retryable bool) *HandlerError {
	return &HandlerError{Code: code, Message: message, Retryable: retryable}
}

// RetryableClass reports whether code names a transient failure class.
func RetryableClass(code string) bool {
	switch code {
	case CodeNetworkError, CodeTimeout, CodeConnectionLost, CodeDeadlock:
		return true
	}
	return false
}

// Gateway error codes.
const (
	CodeNoSession          = "NO_SESSION"
	CodeCommandTimeout     = "COMMAND_TIMEOUT"
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
)

// GatewayError is returned by the remote-agent gateway.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewGatewayError builds a gateway error.
func NewGatewayError(code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}
