/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The stores and the engine return these; the API layer maps them to
  HTTP status codes.

ERROR CATEGORIES:
  1. Validation errors  - malformed input, rejected before any mutation
  2. Not-found errors   - referenced member/product/transaction missing
  3. Obligation errors  - the (payer, payee, amount) tuple is absent;
                          also the concurrency-loser outcome
  4. Invariant errors   - data corruption, abort rather than repair
  5. Storage errors     - store unavailable or conflicting update

USAGE:
  if errors.Is(err, ledger.ErrObligationNotFound) { ... }

  var verr *ledger.ValidationError
  if errors.As(err, &verr) { ... }

SEE ALSO:
  - store.go: Interfaces returning these errors
  - settlement/engine.go: Preconditions producing them
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrObligationNotFound is returned when the expected
	// (payer, payee, amount) tuple is absent: already settled, never
	// existed, or amount mismatch. No mutation is performed. This is
	// also the outcome a concurrency loser observes.
	ErrObligationNotFound = errors.New("payment obligation not found")

	// ErrMemberNotFound is returned when a referenced member does not exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrProductNotFound is returned when a referenced product does not exist.
	ErrProductNotFound = errors.New("product not found")

	// ErrTransactionNotFound is returned when a referenced journal
	// transaction does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvariantViolation indicates data corruption (wrong group size,
	// payment list of the wrong length, broken due/receivable mirror).
	// Operations abort rather than attempt partial repair.
	ErrInvariantViolation = errors.New("ledger invariant violated")

	// ErrStorage is returned when the underlying store is unavailable or
	// an update conflicted. Safe to retry for idempotent operations.
	ErrStorage = errors.New("storage failure")

	// ErrProductAlreadySold is returned when marking a sold product sold
	// again. The catalog guard in front of RecordSale.
	ErrProductAlreadySold = errors.New("product is already sold")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError is malformed input, surfaced to the caller immediately
// with no mutation attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ObligationError reports which tuple lookup failed and in which list.
type ObligationError struct {
	Payer  MemberID
	Payee  MemberID
	Amount decimal.Decimal
	List   string // "paymentsDue", "paymentsReceivable", "pendingPaymentApprovals"
}

func (e *ObligationError) Error() string {
	return fmt.Sprintf("no %s entry for %s -> %s amount %s",
		e.List, e.Payer, e.Payee, e.Amount)
}

func (e *ObligationError) Unwrap() error {
	return ErrObligationNotFound
}

// InvariantError carries detail about detected corruption.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Message
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// or a missing obligation, i.e. maps to a 4xx response.
func IsClientError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrObligationNotFound) ||
		errors.Is(err, ErrProductAlreadySold)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}
