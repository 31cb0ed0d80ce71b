// Package apperrors contains helper functions and types to work with errors
package apperrors

import (
	"errors"
)

// Category defines error category
type Category int

const (
	// CategoryNoError indicates a run that completed with nothing to report.
	CategoryNoError Category = iota
	// CategoryAlreadyRunning The lock for this job is held by a live owner.
	// Not fatal: the caller skips this tick and tries again the next cycle.
	CategoryAlreadyRunning
	// CategoryTransientNetwork A network or timeout failure that was retried
	// with backoff and still failed; safe to retry on the next cycle.
	CategoryTransientNetwork
	// CategoryChecksumMismatch The bulk dump failed checksum verification.
	// Fatal for this run; the same payload is never retried.
	CategoryChecksumMismatch
	// CategoryMalformedPayload The feed payload failed structural validation.
	// Fatal; nothing from the payload is persisted.
	CategoryMalformedPayload
	// CategoryGapDetected A window of events the feed reported was not
	// delivered. Triggers automatic backfill, user-visible only if the
	// backfill itself fails.
	CategoryGapDetected
	// CategoryIntegrityViolation Batch data and the integrity flag ended up
	// out of step. The watermark is frozen and an operator must intervene.
	CategoryIntegrityViolation
	// CategoryGeneralError The engine failed in an unexpected way.
	CategoryGeneralError
)

func (c Category) String() string {
	switch c {
	case CategoryAlreadyRunning:
		return "CategoryAlreadyRunning"
	case CategoryTransientNetwork:
		return "CategoryTransientNetwork"
	case CategoryChecksumMismatch:
		return "CategoryChecksumMismatch"
	case CategoryMalformedPayload:
		return "CategoryMalformedPayload"
	case CategoryGapDetected:
		return "CategoryGapDetected"
	case CategoryIntegrityViolation:
		return "CategoryIntegrityViolation"
	default:
		return "CategoryGeneralError"
	}
}

// SyncError represents engine specific error type that
// is used all over the sync pipeline.
type SyncError struct {
	Category Category
	Message  string
	Err      error
}

// Error method to comply with error interface
func (err SyncError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

// Unwrap returns the underlying error
func (err SyncError) Unwrap() error {
	return err.Err
}

// Is implements the custom condition to check an error is equal to a sync error
func (err SyncError) Is(target error) bool {
	return err.Message == target.Error()
}

// Is checks that provided error is a SyncError with desired Category
func Is(err error, cat Category) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Category == cat {
		return true
	}
	return false
}

// IsRetryable reports whether the error class is safe to retry on the next
// daemon cycle without operator attention.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		return false
	}
	switch syncErr.Category {
	case CategoryAlreadyRunning, CategoryTransientNetwork, CategoryGapDetected:
		return true
	}
	return false
}

// GeneralError returns a general sync error
func GeneralError(err error) error {
	if err == nil {
		err = errors.New("internal engine error")
	}
	return &SyncError{
		Category: CategoryGeneralError,
		Message:  "internal engine error",
		Err:      err,
	}
}

// AlreadyRunningError returns an error with category AlreadyRunning
func AlreadyRunningError(err error, message string) error {
	if err == nil {
		err = errors.New("already running: " + message)
	}
	return &SyncError{
		Category: CategoryAlreadyRunning,
		Message:  message,
		Err:      err,
	}
}

// TransientNetworkError returns an error with category TransientNetwork
func TransientNetworkError(err error, message string) error {
	if err == nil {
		err = errors.New("transient network failure: " + message)
	}
	return &SyncError{
		Category: CategoryTransientNetwork,
		Message:  message,
		Err:      err,
	}
}

// ChecksumMismatchError returns an error with category ChecksumMismatch
func ChecksumMismatchError(err error, message string) error {
	if err == nil {
		err = errors.New("checksum mismatch: " + message)
	}
	return &SyncError{
		Category: CategoryChecksumMismatch,
		Message:  message,
		Err:      err,
	}
}

// MalformedPayloadError returns an error with category MalformedPayload
func MalformedPayloadError(err error, message string) error {
	if err == nil {
		err = errors.New("malformed payload: " + message)
	}
	return &SyncError{
		Category: CategoryMalformedPayload,
		Message:  message,
		Err:      err,
	}
}

// GapDetectedError returns an error with category GapDetected
func GapDetectedError(err error, message string) error {
	if err == nil {
		err = errors.New("gap detected: " + message)
	}
	return &SyncError{
		Category: CategoryGapDetected,
		Message:  message,
		Err:      err,
	}
}

// IntegrityViolationError returns an error with category IntegrityViolation
func IntegrityViolationError(err error, message string) error {
	if err == nil {
		err = errors.New("integrity violation: " + message)
	}
	return &SyncError{
		Category: CategoryIntegrityViolation,
		Message:  message,
		Err:      err,
	}
}

// Exit codes reported by the notesync binary. Stable so operational tooling
// can distinguish "nothing new" from "retry next cycle" from "page a human".
const (
	ExitOK        = 0
	ExitTransient = 1
	ExitSkipped   = 2
	ExitIntegrity = 3
	ExitGeneral   = 4
)

// ExitCode returns the process exit code for the error category
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		return ExitGeneral
	}
	switch syncErr.Category {
	case CategoryNoError:
		return ExitOK
	case CategoryAlreadyRunning:
		return ExitSkipped
	case CategoryTransientNetwork, CategoryGapDetected:
		return ExitTransient
	case CategoryIntegrityViolation:
		return ExitIntegrity
	default:
		return ExitGeneral
	}
}
