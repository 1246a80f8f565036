package engine

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrorClass represents the classification of an error for propagation and retry logic.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates a malformed or contradictory declaration.
	// These are fatal and never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassMissing indicates the managed object is absent and nothing is
	// configured to create it.
	ErrorClassMissing ErrorClass = "missing"

	// ErrorClassApply indicates a single property failed to apply.
	// Changes applied before the failure remain in place.
	ErrorClassApply ErrorClass = "apply"

	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a locked database, a dropped SFTP session.
	ErrorClassTransient ErrorClass = "transient"
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

	// Resource is the identity of the resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Resource != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when both class and code are equal.
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
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewResourceMissingError creates a new resource-missing error.
func NewResourceMissingError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassMissing,
		Message: message,
		Code:    ErrCodeNotFound,
		Err:     err,
	}
}

// NewApplyError creates a new apply error. The code is derived from the cause.
func NewApplyError(message string, err error) *EngineError {
	code := ErrCodeIO
	if errors.Is(err, fs.ErrPermission) {
		code = ErrCodePermissionDenied
	}
	return &EngineError{
		Class:   ErrorClassApply,
		Message: message,
		Code:    code,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Code:    ErrCodeIO,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
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

// walk visits every engine error in the chain, including all branches of joined errors.
func walk(err error, fn func(*EngineError) bool) bool {
	switch x := err.(type) {
	case nil:
		return false
	case *EngineError:
		return fn(x) || walk(x.Err, fn)
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if walk(e, fn) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return walk(x.Unwrap(), fn)
	}
	return false
}

func hasClass(err error, class ErrorClass) bool {
	return walk(err, func(e *EngineError) bool { return e.Class == class })
}

// IsConfigurationError returns true if the error is classified as a configuration error.
func IsConfigurationError(err error) bool {
	return hasClass(err, ErrorClassConfiguration)
}

// IsResourceMissingError returns true if the error is classified as a missing resource.
func IsResourceMissingError(err error) bool {
	return hasClass(err, ErrorClassMissing)
}

// IsApplyError returns true if the error is classified as an apply failure.
func IsApplyError(err error) bool {
	return hasClass(err, ErrorClassApply)
}

// IsTransientError returns true if the error is classified as transient.
func IsTransientError(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// HasCode reports whether any engine error in the chain carries the given code.
func HasCode(err error, code string) bool {
	return walk(err, func(e *EngineError) bool { return e.Code == code })
}

// Common error codes.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeDuplicateIdentity    = "DUPLICATE_IDENTITY"
	ErrCodeUnresolvableIdentity = "UNRESOLVABLE_IDENTITY"
	ErrCodeSelfLink             = "SELF_LINK"
	ErrCodeSourceMissing        = "SOURCE_MISSING"
	ErrCodeCycle                = "CYCLE"
	ErrCodeConflict             = "CONFLICT"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodePermissionDenied     = "PERMISSION_DENIED"
	ErrCodeIO                   = "IO_ERROR"
	ErrCodeTimeout              = "TIMEOUT"
)
