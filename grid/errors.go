/*
errors.go - Centralized error types for the allocation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is / errors.As; the structured types carry
  the context an admin needs to act on a failure.

ERROR CATEGORIES:
  1. Capacity errors    - Not enough free cells (retryable after freeing)
  2. Configuration      - Broken unit price; fatal, never divide by it
  3. Lifecycle errors   - Illegal batch/record state transitions
  4. Concurrency errors - Version conflicts, lock timeouts (retry whole tx)
  5. Tracking errors    - Batch bookkeeping failed (non-fatal to money)

SEE ALSO:
  - allocator.go: Returns capacity and configuration errors
  - batch.go: Returns lifecycle errors
  - store/sqlite: Maps driver errors onto these sentinels
*/
package grid

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCapacity is returned when fewer free cells exist than a
	// whole-unit allocation needs. The enclosing approval must roll back in
	// full; no partial grid reservation is ever left behind.
	ErrInsufficientCapacity = errors.New("insufficient grid capacity")

	// ErrInvalidConfiguration is returned for a zero or negative unit price.
	// Fatal: the engine must not silently divide by it.
	ErrInvalidConfiguration = errors.New("invalid grid configuration")

	// ErrAlreadyApproved is returned on a double-approval attempt. Approval
	// is not re-entrant; surfaced to the caller, never retried automatically.
	ErrAlreadyApproved = errors.New("batch already approved")

	// ErrBatchTrackingFailed marks degraded batch bookkeeping. Logged by
	// callers; the financial approval proceeds without a batch reference.
	ErrBatchTrackingFailed = errors.New("batch tracking failed")

	// ErrConcurrencyConflict is returned on an optimistic version mismatch
	// or lock-wait timeout. The caller should retry the whole transaction.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrBatchNotFound is returned when a referenced batch doesn't exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrPledgeNotFound is returned when a referenced pledge doesn't exist.
	ErrPledgeNotFound = errors.New("pledge not found")

	// ErrPaymentNotFound is returned when a referenced payment doesn't exist.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidStatus is returned when a pledge/payment is not in the state
	// an operation requires (e.g. approving an already-rejected pledge).
	ErrInvalidStatus = errors.New("record not in required status")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCapacityError reports a cell shortage.
type InsufficientCapacityError struct {
	Requested int
	Available int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient grid capacity: requested %d cells, %d free (short %d)",
		e.Requested, e.Available, e.Shortfall())
}

func (e *InsufficientCapacityError) Shortfall() int { return e.Requested - e.Available }

func (e *InsufficientCapacityError) Unwrap() error { return ErrInsufficientCapacity }

// InvalidConfigurationError reports a broken unit price.
type InvalidConfigurationError struct {
	UnitPrice decimal.Decimal
	Detail    string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid grid configuration: unit price %s: %s", e.UnitPrice, e.Detail)
}

func (e *InvalidConfigurationError) Unwrap() error { return ErrInvalidConfiguration }

// AlreadyApprovedError reports a non-re-entrant approval.
type AlreadyApprovedError struct {
	BatchID    BatchID
	ApprovedBy string
}

func (e *AlreadyApprovedError) Error() string {
	return fmt.Sprintf("batch %s already approved by %s", e.BatchID, e.ApprovedBy)
}

func (e *AlreadyApprovedError) Unwrap() error { return ErrAlreadyApproved }

// StatusError reports an operation applied to a record in the wrong state.
type StatusError struct {
	EntityType string
	EntityID   string
	Status     RecordStatus
	Required   RecordStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s is %s, operation requires %s",
		e.EntityType, e.EntityID, e.Status, e.Required)
}

func (e *StatusError) Unwrap() error { return ErrInvalidStatus }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if retrying the whole transaction might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the request itself,
// not the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyApproved) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInsufficientCapacity)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrPledgeNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}
