package errors

import (
	stderrors "errors"
	"fmt"
)

// VulnError is the structured error type for vulnsearch.
// It provides rich context for error handling, logging, and user presentation.
type VulnError struct {
	// Code is the unique error code (e.g., "ERR_601_INDEX_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Index, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Sentinel templates for errors.Is matching. VulnError.Is compares codes,
// so any error built with the same code matches these.
var (
	ErrUnsupportedKind  = &VulnError{Code: ErrCodeUnsupportedKind}
	ErrInvalidRecord    = &VulnError{Code: ErrCodeInvalidRecord}
	ErrIndexUnavailable = &VulnError{Code: ErrCodeIndexUnavailable}
	ErrSyncFailed       = &VulnError{Code: ErrCodeSyncFailed}
	ErrIndexClosed      = &VulnError{Code: ErrCodeIndexClosed}
	ErrMalformedQuery   = &VulnError{Code: ErrCodeMalformedQuery}
	ErrNotFound         = &VulnError{Code: ErrCodeNotFound}
)

// Error implements the error interface.
func (e *VulnError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *VulnError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *VulnError) Is(target error) bool {
	if t, ok := target.(*VulnError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *VulnError) WithDetail(key, value string) *VulnError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *VulnError) WithSuggestion(suggestion string) *VulnError {
	e.Suggestion = suggestion
	return e
}

// New creates a new VulnError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *VulnError {
	return &VulnError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a VulnError from an existing error.
func Wrap(code string, err error) *VulnError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *VulnError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *VulnError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *VulnError {
	return New(ErrCodeInternal, message, cause)
}

// UnsupportedKind reports an entity kind outside the closed enumeration.
// This is a programming error on the caller's side.
func UnsupportedKind(kind string) *VulnError {
	return New(ErrCodeUnsupportedKind, fmt.Sprintf("unsupported entity kind %q", kind), nil).
		WithDetail("kind", kind)
}

// InvalidRecord reports a record that cannot be projected into a search document.
func InvalidRecord(kind, message string, cause error) *VulnError {
	return New(ErrCodeInvalidRecord, message, cause).WithDetail("kind", kind)
}

// IndexUnavailable reports a missing or corrupt index for kind.
func IndexUnavailable(kind string, cause error) *VulnError {
	msg := fmt.Sprintf("%s index is unavailable", kind)
	if cause != nil {
		msg = fmt.Sprintf("%s index is unavailable: %v", kind, cause)
	}
	return New(ErrCodeIndexUnavailable, msg, cause).
		WithDetail("kind", kind).
		WithSuggestion("run 'vulnsearch index rebuild --kind " + kind + "'")
}

// SyncFailed reports a sync event that could not be applied to the index.
// Re-emitting the same event is safe because sync is idempotent.
func SyncFailed(kind, key, op string, cause error) *VulnError {
	return New(ErrCodeSyncFailed, fmt.Sprintf("sync %s %s/%s failed: %v", op, kind, key, cause), cause).
		WithDetail("kind", kind).
		WithDetail("key", key).
		WithDetail("op", op)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ve *VulnError
	if stderrors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var ve *VulnError
	if stderrors.As(err, &ve) {
		return ve.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a VulnError anywhere in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ve *VulnError
	if stderrors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// GetCategory extracts the category from a VulnError anywhere in the chain.
func GetCategory(err error) Category {
	var ve *VulnError
	if stderrors.As(err, &ve) {
		return ve.Category
	}
	return ""
}
