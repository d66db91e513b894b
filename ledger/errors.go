/*
errors.go - Ledger sentinel errors and machine codes

PURPOSE:
  Central error vocabulary for the billing engine. Callers branch with
  errors.Is against the sentinels; HTTP and webhook layers translate them
  to the machine codes below.

ERROR PHILOSOPHY:
  - Sentinel errors for programmatic handling (errors.Is)
  - Structured error types carrying context, unwrapping to sentinels
  - Wrap with fmt.Errorf("...: %w") at call sites

SEE ALSO:
  - types.go: the operations that raise these
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrIdempotencyConflict is returned when an operation's idempotency key
	// has already been consumed. The original operation stands; the replay
	// changed nothing.
	ErrIdempotencyConflict = errors.New("idempotency key already used")

	// ErrCurrencyMismatch is returned when an operation's currency disagrees
	// with the currency bound to the balance row (including operations that
	// supply no currency against a bound row).
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidOp is returned for malformed operations: unknown entry type,
	// missing user or key, negative reset allocation.
	ErrInvalidOp = errors.New("invalid ledger operation")

	// ErrNotInitialized is returned by services constructed without a store.
	ErrNotInitialized = errors.New("billing store not initialized")
)

// =============================================================================
// MACHINE CODES
// =============================================================================

// Code is the machine-readable failure vocabulary surfaced to callers of
// the billing engine (HTTP responses, top-up results, webhook outcomes).
type Code string

const (
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeCurrencyMismatch    Code = "CURRENCY_MISMATCH"
	CodeUserNotFound        Code = "USER_NOT_FOUND"
	CodeNoSubscription      Code = "NO_SUBSCRIPTION"
	CodeTopUpNotConfigured  Code = "TOPUP_NOT_CONFIGURED"
	CodeNoPaymentMethod     Code = "NO_PAYMENT_METHOD"
	CodePaymentFailed       Code = "PAYMENT_FAILED"
	CodeAlreadyProcessed    Code = "ALREADY_PROCESSED"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// CurrencyMismatchError reports the bound and supplied currencies.
type CurrencyMismatchError struct {
	UserID   string
	Key      string
	Bound    string
	Supplied string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch for %s/%s: balance is bound to %q, operation supplied %q",
		e.UserID, e.Key, e.Bound, e.Supplied)
}

func (e *CurrencyMismatchError) Unwrap() error {
	return ErrCurrencyMismatch
}

// IdempotencyConflictError reports which key was replayed.
type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q already used", e.Key)
}

func (e *IdempotencyConflictError) Unwrap() error {
	return ErrIdempotencyConflict
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsConflict reports whether err is an idempotency replay. Callers that
// treat "already applied" as success for the logical operation branch on
// this.
func IsConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyConflict)
}

// IsClientError reports whether err is the caller's fault (bad input,
// currency mismatch) as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOp) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrIdempotencyConflict)
}
