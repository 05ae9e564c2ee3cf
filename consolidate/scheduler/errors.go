package scheduler

import (
	"fmt"

	"github.com/teranos/engram/errors"
)

// Code classifies scheduler failures for call-site dispatch.
type Code string

const (
	CodeConfiguration         Code = "configuration"
	CodeInvalidInput          Code = "invalid_input"
	CodeJobInProgress         Code = "job_in_progress"
	CodeLoadThresholdExceeded Code = "load_threshold_exceeded"
	CodeMaxRetriesExceeded    Code = "max_retries_exceeded"
)

// Error is the typed error every scheduler operation returns on failure.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(cause error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the scheduler code from err, or "" when err carries
// none (including nil).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsConfiguration reports whether err is a configuration rejection.
func IsConfiguration(err error) bool { return CodeOf(err) == CodeConfiguration }

// IsInvalidInput reports whether err is an invalid caller input.
func IsInvalidInput(err error) bool { return CodeOf(err) == CodeInvalidInput }

// IsJobInProgress reports whether err is a single-flight rejection.
func IsJobInProgress(err error) bool { return CodeOf(err) == CodeJobInProgress }

// IsLoadThresholdExceeded reports whether err is an admission denial.
func IsLoadThresholdExceeded(err error) bool { return CodeOf(err) == CodeLoadThresholdExceeded }

// IsMaxRetriesExceeded reports whether err means every attempt failed.
func IsMaxRetriesExceeded(err error) bool { return CodeOf(err) == CodeMaxRetriesExceeded }
