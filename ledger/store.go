/*
store.go - Persistence contract for the credit ledger

PURPOSE:
  Defines the Store interface every ledger backend implements. Two
  implementations ship with the engine:
    - store/sqlite: embedded, used by tests and single-node deployments
    - store/postgres: pgx-backed, schema-qualified, used in production

TRANSACTIONAL CONTRACT (both primitives):
  1. Upsert a zero balance row for (user, key) if absent, then take an
     exclusive lock on it. All concurrent writers for the pair serialize
     here.
  2. If an idempotency key is present, record it; a replay aborts the
     whole transaction with ErrIdempotencyConflict.
  3. Enforce the currency binding: a bound row rejects operations that
     supply a different (or no) currency; an unbound row is bound by the
     first operation that supplies one.
  4. Compute the delta (literal, AmountFn under the lock, or the reset
     corrective amounts), update the balance row, append the entries with
     balance_after set.
  5. Commit, or roll everything back.

  Consequence: balance == sum(entry amounts) holds at every commit point,
  and the newest entry's balance_after equals the balance row.

CANCELLATION:
  Every method honors ctx: an in-flight transaction aborts cleanly when
  the context is cancelled.
*/
package ledger

import (
	"context"
	"time"
)

// Store is the persistence interface for the credit ledger.
type Store interface {
	// ApplyDelta executes one balance mutation atomically. See the
	// transactional contract in the package documentation.
	ApplyDelta(ctx context.Context, op DeltaOp) (DeltaResult, error)

	// ApplyReset atomically zeroes the balance (revoke entry for a positive
	// balance, adjust entry for a negative one) and grants op.NewAllocation
	// when it is positive. One transaction, one idempotency key.
	ApplyReset(ctx context.Context, op ResetOp) (ResetResult, error)

	// Balance returns the current balance, 0 when no row exists.
	Balance(ctx context.Context, userID, key string) (int64, error)

	// BalanceRow returns the balance row, nil when none exists. The wallet
	// adapter uses the nil/zero distinction and the bound currency.
	BalanceRow(ctx context.Context, userID, key string) (*BalanceRow, error)

	// Balances returns every key's balance for the user (including zero
	// balances that have a row, and the reserved wallet key; callers filter).
	Balances(ctx context.Context, userID string) (map[string]int64, error)

	// History returns entries newest first with a stable intra-transaction
	// order (created_at DESC, seq DESC).
	History(ctx context.Context, q HistoryQuery) ([]Entry, error)

	// SumBySource sums positive grant amounts for (user, key) attributed to
	// one source and source id. Seat removal uses it to cap revocation at
	// what the subscription actually granted.
	SumBySource(ctx context.Context, userID, key string, source Source, sourceID string) (int64, error)

	// CountBySourceSince counts grant entries for (user, key) from one
	// source at or after since. The auto-top-up monthly cap counts
	// source=auto_topup from the first of the current month.
	CountBySourceSince(ctx context.Context, userID, key string, source Source, since time.Time) (int, error)
}
