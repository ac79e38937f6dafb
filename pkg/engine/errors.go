package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and reporting logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a resource declared in an unsatisfiable way.
	// Examples: missing command template, missing rc.conf.local, invalid source.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassQuery indicates a current-state probe failed unexpectedly.
	ErrorClassQuery ErrorClass = "query"

	// ErrorClassExecution indicates an action-performing command failed.
	// This is the only class subject to a resource's retry policy.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassArgument indicates invalid API usage, such as a malformed
	// notification target or an unknown timing keyword.
	ErrorClassArgument ErrorClass = "argument"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource key (type[name]) that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the action or probe being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Command is the command line that failed, for execution and query errors.
	Command string `json:"command,omitempty"`

	// ExitStatus is the exit status of Command. Zero when not applicable.
	ExitStatus int `json:"exit_status,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Command != "" {
		msg += fmt.Sprintf(" [command=%q exit=%d]", e.Command, e.ExitStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfiguration,
		Message: message,
		Code:    ErrCodeConfiguration,
		Err:     err,
	}
}

// NewQueryError creates a new query error for a failed state probe.
func NewQueryError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassQuery,
		Message: message,
		Code:    ErrCodeQueryFailed,
		Err:     err,
	}
}

// NewExecutionError creates a new execution error carrying the failed
// command and its exit status.
func NewExecutionError(command string, exitStatus int, err error) *EngineError {
	return &EngineError{
		Class:      ErrorClassExecution,
		Message:    "command failed",
		Code:       ErrCodeCommandFailed,
		Command:    command,
		ExitStatus: exitStatus,
		Err:        err,
	}
}

// NewArgumentError creates a new argument error.
func NewArgumentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassArgument,
		Message: message,
		Code:    ErrCodeInvalidArgument,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(key string) *EngineError {
	e.Resource = key
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool {
	return classOf(err) == ErrorClassConfiguration
}

// IsQuery returns true if the error is classified as a query error.
func IsQuery(err error) bool {
	return classOf(err) == ErrorClassQuery
}

// IsExecution returns true if the error is classified as an execution error.
func IsExecution(err error) bool {
	return classOf(err) == ErrorClassExecution
}

// IsArgument returns true if the error is classified as an argument error.
func IsArgument(err error) bool {
	return classOf(err) == ErrorClassArgument
}

// IsRetryable returns true if the error can be retried under a resource's
// retry policy. Only execution errors are retryable.
func IsRetryable(err error) bool {
	return IsExecution(err)
}

// AsEngineError extracts the EngineError from an error chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func classOf(err error) ErrorClass {
	if e, ok := AsEngineError(err); ok {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeQueryFailed       = "QUERY_FAILED"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeNoProvider        = "NO_PROVIDER"
	ErrCodeActionNotAllowed  = "ACTION_NOT_ALLOWED"
	ErrCodeNotificationCycle = "NOTIFICATION_CYCLE"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeGuardFailed       = "GUARD_FAILED"
	ErrCodeMissingFile       = "MISSING_FILE"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
