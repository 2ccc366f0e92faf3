// Package errors provides the typed error taxonomy shared by every caresync
// component.
//
// Error codes follow the format {domain}.{error}. Callers branch on the code
// (or on the Is helpers below), never on message text. Every Storage Contract
// call either succeeds or returns exactly one CodedError.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Validation domain - bad input, never retried
	CodeValidationFailed = "validation.failed"

	// Store domain - local backend errors
	CodeStoreNotReady = "store.not_ready"      // Backend files still opening after the readiness wait
	CodeStoreTimeout  = "store.timeout"        // Operation exceeded its upper bound
	CodeStoreNotFound = "store.not_found"      // Record does not exist
	CodeStoreConflict = "store.already_exists" // Record id already taken
	CodeStoreClosed   = "store.closed"         // Backend already closed
	CodeStoreFailed   = "store.failed"         // Underlying engine error

	// Session domain - active sleep session state machine
	CodeSessionAlreadyRunning = "session.already_running"

	// Remote domain - reconciliation transport
	CodeRemoteUnavailable = "remote.unavailable" // Network failure or 5xx, step skipped this cycle
	CodeRemoteRejected    = "remote.rejected"    // Remote refused the record (4xx)

	// Queue domain
	CodeQueueEntryFailed = "queue.entry_failed"

	// Caller canceled the operation or its context deadline passed
	CodeCanceled = "operation.canceled"

	CodeUnknown = "error.unknown"
)

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "store.not_ready")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new CodedError with a formatted message.
func Newf(code, format string, args ...any) *CodedError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// HasCode reports whether err, or anything it wraps, carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var coded *CodedError
		if !errors.As(err, &coded) {
			return false
		}
		if coded.Code == code {
			return true
		}
		err = coded.Cause
	}
	return false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return HasCode(err, CodeValidationFailed) }

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool { return HasCode(err, CodeStoreNotFound) }

// IsAlreadyExists reports whether err means the record id is taken.
func IsAlreadyExists(err error) bool { return HasCode(err, CodeStoreConflict) }

// IsSessionAlreadyRunning reports whether err means the subject already has
// an open session.
func IsSessionAlreadyRunning(err error) bool { return HasCode(err, CodeSessionAlreadyRunning) }

// IsRemoteUnavailable reports whether err is a transient remote failure.
func IsRemoteUnavailable(err error) bool { return HasCode(err, CodeRemoteUnavailable) }

// IsRetryable reports whether the caller layer may retry err.
// Only readiness and timeout races qualify.
func IsRetryable(err error) bool {
	return HasCode(err, CodeStoreNotReady) || HasCode(err, CodeStoreTimeout)
}
