/*
types.go - Core credit ledger types

PURPOSE:
  Defines the value types shared by every billing component: ledger entries,
  balance rows, and the operation structs consumed by the store's two
  transactional primitives (ApplyDelta, ApplyReset).

DESIGN:
  The ledger is append-only. Balances are derived state: the balance row for
  (user_id, key) always equals the sum of entry amounts for that pair, and
  the newest entry's balance_after mirrors the row. Entries are never
  updated or deleted; corrections are new entries.

AMOUNTS:
  Amounts are signed int64 in the unit of the credit key. For ordinary
  credit keys the unit is "credits". For the reserved wallet key the unit
  is micro-cents (1 cent = 1,000,000 micro-cents), which keeps sub-cent
  arithmetic exact without floating point in the ledger itself.

ORDERING:
  Entries carry created_at plus a store-assigned monotonic seq. History
  reads order by (created_at DESC, seq DESC) so entries written in the same
  transaction (same timestamp) keep a stable, insertion-defined order.

SEE ALSO:
  - store.go: the Store interface contract
  - errors.go: sentinel errors and machine codes
*/
package ledger

import "time"

// =============================================================================
// ENTRY TYPES AND SOURCES
// =============================================================================

// EntryType classifies the direction and intent of a ledger entry.
type EntryType string

const (
	EntryGrant   EntryType = "grant"   // Credits added (positive amount)
	EntryConsume EntryType = "consume" // Credits spent (negative amount)
	EntryRevoke  EntryType = "revoke"  // Credits removed by the system (negative amount)
	EntryAdjust  EntryType = "adjust"  // Signed correction (set-balance, debt forgiveness)
)

// Valid reports whether t is one of the four known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryGrant, EntryConsume, EntryRevoke, EntryAdjust:
		return true
	}
	return false
}

// Source identifies which billing flow produced an entry.
type Source string

const (
	SourceSubscription Source = "subscription" // Initial plan grants
	SourceTopUp        Source = "topup"        // On-demand purchases
	SourceAutoTopUp    Source = "auto_topup"   // Threshold-triggered purchases
	SourceSeatGrant    Source = "seat_grant"   // Per-seat allocations
	SourceRenewal      Source = "renewal"      // Period-boundary resets and grants
	SourceCancellation Source = "cancellation" // Revocations on subscription end
	SourceManual       Source = "manual"       // Operator actions
)

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Entry is one immutable row in the credit ledger.
type Entry struct {
	ID           string    // UUID assigned by the store
	Seq          int64     // Monotonic insertion counter (ordering tie-break)
	UserID       string
	Key          string    // Credit type ("api-calls", "wallet", ...)
	Amount       int64     // Signed delta applied to the balance
	BalanceAfter int64     // Balance immediately after this entry
	Type         EntryType
	Source       Source
	SourceID     string    // Subscription ID, payment intent ID, invoice ID, ...
	Description  string
	Currency     string    // Empty unless the operation carried a currency
	IdempotencyKey string  // Empty unless the operation was idempotent
	CreatedAt    time.Time
}

// BalanceRow is the derived balance for one (user, key) pair.
// Currency is empty until the first write that supplies one binds it.
type BalanceRow struct {
	UserID   string
	Key      string
	Balance  int64
	Currency string
}

// =============================================================================
// OPERATION STRUCTS
// =============================================================================

// DeltaOp describes a single-entry balance mutation.
//
// Exactly one of Amount or AmountFn supplies the delta. AmountFn is
// evaluated under the balance row lock with the current balance, which is
// how capped revocations and set-balance compute their delta without a
// read-then-write race.
type DeltaOp struct {
	UserID string
	Key    string

	Amount   int64
	AmountFn func(current int64) int64

	Type        EntryType
	Source      Source
	SourceID    string
	Description string

	// Currency binds or checks the balance row currency (invariant: a bound
	// row only accepts operations supplying the same currency).
	Currency string

	// IdempotencyKey, when set, is consumed exactly once across the whole
	// ledger. A replay aborts with ErrIdempotencyConflict.
	IdempotencyKey string

	// SkipZero suppresses the ledger entry when the effective delta is zero
	// (capped revoke of an empty balance, set-balance to the current value).
	// The operation still succeeds and still consumes its idempotency key.
	SkipZero bool
}

// DeltaResult reports the balance transition of an ApplyDelta call.
// EntryID is empty when SkipZero suppressed the entry.
type DeltaResult struct {
	Previous int64
	New      int64
	EntryID  string
}

// ResetOp describes an atomic expire-and-regrant: the current balance is
// zeroed with a corrective entry, then NewAllocation is granted, all in one
// transaction under one idempotency key.
type ResetOp struct {
	UserID        string
	Key           string
	NewAllocation int64 // Granted after zeroing; 0 means zero-only

	Source      Source
	SourceID    string
	Description string
	Currency    string

	IdempotencyKey string
}

// ResetResult reports what an ApplyReset did.
//
//	Previous > 0: Expired = Previous (a revoke entry zeroed it)
//	Previous < 0: Forgiven = -Previous (an adjust entry zeroed it)
//	Previous = 0: no corrective entry
type ResetResult struct {
	Previous int64
	Expired  int64
	Forgiven int64
	New      int64
}

// HistoryQuery selects a page of ledger entries for one (user, key),
// newest first. Limit <= 0 means no limit.
type HistoryQuery struct {
	UserID string
	Key    string
	Limit  int
	Offset int
}
