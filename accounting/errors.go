/*
errors.go - Centralized error types for the accounting engine

ERROR CATEGORIES:
  1. Client errors - rejected before any mutation (BadRequest, structural
     deposit violations, Forbidden)
  2. Concurrency errors - retried internally, then surfaced as Conflict
  3. Store errors - lookups that found nothing, duplicate keys

A charge that drives a balance negative is NOT an error. It is reported
through ChargeResult.Success while the deduction stays applied.
*/
package accounting

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBadRequest marks caller-supplied invariant violations.
	ErrBadRequest = errors.New("bad request")

	// ErrParentNotFound is returned when a sub-allocation names a missing parent.
	ErrParentNotFound = errors.New("parent allocation not found")

	// ErrAllocationNotAllocatable is returned when the parent has canAllocate=false.
	ErrAllocationNotAllocatable = errors.New("allocation cannot be used as a parent")

	// ErrInvalidValidityWindow is returned when a window is not contained in
	// its parent's window, or ends before it starts.
	ErrInvalidValidityWindow = errors.New("invalid validity window")

	// ErrForbidden is returned for privileged operations without the capability.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is surfaced after bounded retries on lock timeouts or
	// serialization failures. Safe to retry with the same transaction ID.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable is surfaced when the store cannot be reached.
	ErrUnavailable = errors.New("unavailable")

	// ErrConcurrentModification is returned by stores on serialization failure.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockTimeout is returned when the lock set could not be acquired in time.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrDuplicateTransaction is returned by stores when a transaction ID exists.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")

	// ErrTransactionIDReuse is returned when a known transaction ID arrives
	// with different parameters.
	ErrTransactionIDReuse = fmt.Errorf("%w: transaction id reused with different parameters", ErrBadRequest)

	// ErrUnknownCategory is returned when the catalog has no such category.
	ErrUnknownCategory = fmt.Errorf("%w: unknown product category", ErrBadRequest)

	// ErrCategoryMismatch is returned when the charge kind does not match the
	// category's charge model.
	ErrCategoryMismatch = fmt.Errorf("%w: charge kind does not match category", ErrBadRequest)

	ErrAllocationNotFound  = errors.New("allocation not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// ErrParentNotAllocatable is the deposit-side name of ErrAllocationNotAllocatable.
var ErrParentNotAllocatable = ErrAllocationNotAllocatable

// errStaleLockSet means the allocations found under lock are not all covered
// by the acquired lock set. Always retried.
var errStaleLockSet = errors.New("lock set does not cover wallet allocations")

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bad request: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrBadRequest }

// WindowError describes a window containment violation.
type WindowError struct {
	Child  Window
	Parent *Window
	Reason string
}

func (e *WindowError) Error() string {
	if e.Parent == nil {
		return fmt.Sprintf("invalid validity window %s: %s", e.Child, e.Reason)
	}
	return fmt.Sprintf("invalid validity window %s within %s: %s", e.Child, *e.Parent, e.Reason)
}

func (e *WindowError) Unwrap() error { return ErrInvalidValidityWindow }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, errStaleLockSet)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrParentNotFound) ||
		errors.Is(err, ErrAllocationNotAllocatable) ||
		errors.Is(err, ErrInvalidValidityWindow)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAllocationNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
