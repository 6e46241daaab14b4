package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Loom runtime errors.
type ErrorCode string

// Graph validation error codes
const (
	GRAPH_INVALID        ErrorCode = "GRAPH_INVALID"
	GRAPH_CYCLE_DETECTED ErrorCode = "GRAPH_CYCLE_DETECTED"
	GRAPH_LIMIT_EXCEEDED ErrorCode = "GRAPH_LIMIT_EXCEEDED"
)

// Execution error codes
const (
	EXEC_NODE_FAILED      ErrorCode = "EXEC_NODE_FAILED"
	EXEC_NODE_TIMEOUT     ErrorCode = "EXEC_NODE_TIMEOUT"
	EXEC_WORKFLOW_TIMEOUT ErrorCode = "EXEC_WORKFLOW_TIMEOUT"
	EXEC_HANDLER_MISSING  ErrorCode = "EXEC_HANDLER_MISSING"
	EXEC_RESULT_TOO_LARGE ErrorCode = "EXEC_RESULT_TOO_LARGE"
)

// Admission control error codes
const (
	ADMISSION_GLOBAL_CAP  ErrorCode = "ADMISSION_GLOBAL_CAP"
	ADMISSION_TENANT_CAP  ErrorCode = "ADMISSION_TENANT_CAP"
	ADMISSION_RATE_LIMIT  ErrorCode = "ADMISSION_RATE_LIMIT"
	ADMISSION_NOT_TRACKED ErrorCode = "ADMISSION_NOT_TRACKED"
)

// LLM provider error codes
const (
	LLM_NOT_CONFIGURED   ErrorCode = "LLM_NOT_CONFIGURED"
	LLM_REQUEST_FAILED   ErrorCode = "LLM_REQUEST_FAILED"
	LLM_CIRCUIT_OPEN     ErrorCode = "LLM_CIRCUIT_OPEN"
	LLM_MAX_ITERATIONS   ErrorCode = "LLM_MAX_ITERATIONS"
	LLM_INVALID_RESPONSE ErrorCode = "LLM_INVALID_RESPONSE"
)

// Audit error codes
const (
	AUDIT_KEY_MISSING   ErrorCode = "AUDIT_KEY_MISSING"
	AUDIT_SIGN_FAILED   ErrorCode = "AUDIT_SIGN_FAILED"
	AUDIT_VERIFY_FAILED ErrorCode = "AUDIT_VERIFY_FAILED"
)

// Secret error codes
const (
	SECRET_NOT_FOUND       ErrorCode = "SECRET_NOT_FOUND"
	SECRET_TENANT_MISMATCH ErrorCode = "SECRET_TENANT_MISMATCH"
)

// Channel error codes
const (
	CHANNEL_UNSUPPORTED     ErrorCode = "CHANNEL_UNSUPPORTED"
	CHANNEL_TENANT_MISMATCH ErrorCode = "CHANNEL_TENANT_MISMATCH"
	CHANNEL_SEND_FAILED     ErrorCode = "CHANNEL_SEND_FAILED"
)

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// LoomError represents a structured error with error code, message, and optional cause.
// It supports error wrapping and retryability hints for error handling logic.
type LoomError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *LoomError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *LoomError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a LoomError with the same Code.
func (e *LoomError) Is(target error) bool {
	var loomErr *LoomError
	if errors.As(target, &loomErr) {
		return e.Code == loomErr.Code
	}
	return false
}

// NewError creates a new non-retryable LoomError with the given code and message.
func NewError(code ErrorCode, message string) *LoomError {
	return &LoomError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a new retryable LoomError with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., network timeouts).
func NewRetryableError(code ErrorCode, message string) *LoomError {
	return &LoomError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable LoomError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *LoomError {
	return &LoomError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the ErrorCode from an error chain.
// Returns an empty code if no LoomError is present in the chain.
func CodeOf(err error) ErrorCode {
	var loomErr *LoomError
	if errors.As(err, &loomErr) {
		return loomErr.Code
	}
	return ""
}

// IsRetryable reports whether any LoomError in the chain is marked retryable.
func IsRetryable(err error) bool {
	var loomErr *LoomError
	if errors.As(err, &loomErr) {
		return loomErr.Retryable
	}
	return false
}
