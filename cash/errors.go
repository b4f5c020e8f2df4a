/*
errors.go - Centralized error types for the ledger core

ERROR CATEGORIES:
  1. Permanent - the same input will fail the same way forever
     (malformed payload, unsupported kind). Queue items freeze at once.
  2. Retryable - may succeed later (transaction conflict, parent record
     not yet visible, transport failures). Queue items back off and retry.
  3. Not found - lookups of absent records.

Anything not classified permanent is treated as retryable by the sync
engine: an unknown network error must never drop an intent.
*/
package cash

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLoanNotFound is returned when a payment or absence references a loan
	// that is not (yet) visible remotely. Retryable: the sale creating it may
	// still be queued behind.
	ErrLoanNotFound = fmt.Errorf("loan %w", ErrNotFound)

	// ErrConcurrentModification is returned when the backing store aborts a
	// transaction because of a conflicting writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidPayload is returned when input fails validation. Retrying
	// will repeat the same failure.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnsupportedKind is returned for queue kinds without an applier.
	ErrUnsupportedKind = errors.New("unsupported kind")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsPermanent returns true if retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnsupportedKind)
}

// IsRetryable returns true if err might succeed on retry.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// IsNotFound returns true if err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
