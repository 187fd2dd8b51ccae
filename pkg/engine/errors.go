package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, an agent process that crashed mid-run.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: another actor modified the resource while a fix was in flight.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid plan, permission denied, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind places an error in the reconciliation error taxonomy.
// The kind decides how far an error propagates; the class decides whether it is retried.
type ErrorKind string

const (
	// ErrorKindConfig is an invalid or missing plan. Fatal: the cycle does not start.
	ErrorKindConfig ErrorKind = "config"

	// ErrorKindCollection is a failed live-state fetch. The cycle aborts and is retried
	// at the next interval.
	ErrorKindCollection ErrorKind = "collection"

	// ErrorKindClassification is unreachable in practice: the classifier is total.
	ErrorKindClassification ErrorKind = "classification"

	// ErrorKindRemediation is a per-issue failure. It surfaces in the remaining issues
	// and never aborts the cycle.
	ErrorKindRemediation ErrorKind = "remediation"

	// ErrorKindPolicy marks a fix that would violate a safety rule. The fix is downgraded
	// to manual review; it is reported, not raised.
	ErrorKindPolicy ErrorKind = "policy"

	// ErrorKindInternal covers everything else (store failures, programming errors).
	ErrorKindInternal ErrorKind = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the position of the error in the reconciliation taxonomy.
	Kind ErrorKind `json:"kind,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource identity that caused the error, if applicable.
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
	if inner := e.unwrapMessage(); inner != "" {
		msg = msg + ": " + inner
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s)", e.Class, msg, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code match; an empty code on the
// target matches any code of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Kind:    ErrorKindInternal,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Kind:    ErrorKindInternal,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Kind:    ErrorKindInternal,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Kind:    ErrorKindInternal,
		Message: message,
		Err:     err,
	}
}

// NewConfigError creates a plan error. Config errors are always permanent.
func NewConfigError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Kind:    ErrorKindConfig,
		Message: message,
		Err:     err,
		Code:    ErrCodeSchemaInvalid,
	}
}

// NewCollectionError creates a live-state collection error. Collection
// failures are transient: the next interval retries them.
func NewCollectionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Kind:    ErrorKindCollection,
		Message: message,
		Err:     err,
		Code:    ErrCodeCollectionFailed,
	}
}

// NewRemediationFailure creates a per-issue remediation failure.
func NewRemediationFailure(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Kind:    ErrorKindRemediation,
		Message: message,
		Err:     err,
		Code:    ErrCodeAgentFailed,
	}
}

// NewPolicyViolation creates a policy violation for a fix that may not run unattended.
func NewPolicyViolation(policy, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Kind:    ErrorKindPolicy,
		Message: message,
		Code:    ErrCodePolicyDenied,
		Details: map[string]interface{}{"policy": policy},
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
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

// AsEngineError extracts an EngineError from an error chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsConfigError reports whether err is a plan error.
func IsConfigError(err error) bool {
	return hasKind(err, ErrorKindConfig)
}

// IsCollectionError reports whether err is a live-state collection error.
func IsCollectionError(err error) bool {
	return hasKind(err, ErrorKindCollection)
}

// IsRemediationFailure reports whether err is a per-issue remediation failure.
func IsRemediationFailure(err error) bool {
	return hasKind(err, ErrorKindRemediation)
}

// IsPolicyViolation reports whether err is a policy violation.
func IsPolicyViolation(err error) bool {
	return hasKind(err, ErrorKindPolicy)
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	e, ok := AsEngineError(err)
	return ok && e.Code == code
}

func hasKind(err error, kind ErrorKind) bool {
	e, ok := AsEngineError(err)
	return ok && e.Kind == kind
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeSchemaInvalid      = "SCHEMA_INVALID"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeCollectionFailed   = "COLLECTION_FAILED"
	ErrCodeAgentFailed        = "AGENT_FAILED"
	ErrCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeCycleInProgress    = "CYCLE_IN_PROGRESS"
	ErrCodeCancelled          = "CANCELLED"
)

// ErrCycleInProgress is returned when a cycle is requested while another one
// is active. The request is coalesced, not queued.
var ErrCycleInProgress = &EngineError{
	Class:   ErrorClassConflict,
	Kind:    ErrorKindInternal,
	Message: "reconciliation cycle already in progress",
	Code:    ErrCodeCycleInProgress,
}
