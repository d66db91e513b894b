/*
credits.go - Credit operations over the ledger

PURPOSE:
  The operation surface product code calls to move credits around. Each
  operation validates its input, shapes a ledger.DeltaOp (or ResetOp), and
  delegates to the store's transactional primitives. No balance math
  happens outside the store's lock.

SEMANTICS:
  Grant       +amount, must be positive
  Consume     -amount, must be positive; ALWAYS succeeds. Usage tracking is
              debt-tolerant: the balance may go negative and the product
              settles up at the next renewal or top-up.
  Revoke      -min(amount, max(0, balance)), computed under the row lock.
              Revoking from an empty or negative balance is a no-op.
  RevokeAll   Revoke of the full positive balance.
  SetBalance  One adjust entry of (target - current); no entry when equal.
  AtomicBalanceReset
              Expire-and-regrant in one transaction (the renewal primitive).

IDEMPOTENCY:
  Callers thread an idempotency key through Meta. A replay surfaces
  ledger.ErrIdempotencyConflict; callers that treat "already applied" as
  success branch with ledger.IsConflict.

SEE ALSO:
  - ledger/store.go: the transactional contract
  - wallet/wallet.go: the monetary adapter over the reserved wallet key
*/
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/billing-engine/ledger"
)

// ErrInvalidAmount is returned when an operation's amount is not positive
// (or a reset allocation is negative).
var ErrInvalidAmount = errors.New("invalid amount")

// Meta carries the bookkeeping fields every ledger entry records.
type Meta struct {
	Source         ledger.Source
	SourceID       string
	Description    string
	Currency       string
	IdempotencyKey string
}

// RevokeResult reports how much a revocation actually removed.
type RevokeResult struct {
	Requested int64
	Revoked   int64
	Balance   int64
}

// Service exposes the credit operations. Construct with New; the zero
// value fails every call with ledger.ErrNotInitialized.
type Service struct {
	store ledger.Store
}

// New creates a credits service over the given store.
func New(store ledger.Store) *Service {
	return &Service{store: store}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil {
		return ledger.ErrNotInitialized
	}
	return nil
}

// Store exposes the underlying ledger store for components that need the
// scan queries (top-up counters, seat revocation sums).
func (s *Service) Store() ledger.Store {
	if s == nil {
		return nil
	}
	return s.store
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Grant adds amount credits. Amount must be positive.
func (s *Service) Grant(ctx context.Context, userID, key string, amount int64, meta Meta) (ledger.DeltaResult, error) {
	if err := s.ready(); err != nil {
		return ledger.DeltaResult{}, err
	}
	if amount <= 0 {
		return ledger.DeltaResult{}, fmt.Errorf("%w: grant amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return s.store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:         userID,
		Key:            key,
		Amount:         amount,
		Type:           ledger.EntryGrant,
		Source:         sourceOrManual(meta.Source),
		SourceID:       meta.SourceID,
		Description:    meta.Description,
		Currency:       meta.Currency,
		IdempotencyKey: meta.IdempotencyKey,
	})
}

// Consume spends amount credits. Amount must be positive. The operation
// always succeeds; the balance may go negative.
func (s *Service) Consume(ctx context.Context, userID, key string, amount int64, meta Meta) (ledger.DeltaResult, error) {
	if err := s.ready(); err != nil {
		return ledger.DeltaResult{}, err
	}
	if amount <= 0 {
		return ledger.DeltaResult{}, fmt.Errorf("%w: consume amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	return s.store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:         userID,
		Key:            key,
		Amount:         -amount,
		Type:           ledger.EntryConsume,
		Source:         sourceOrManual(meta.Source),
		SourceID:       meta.SourceID,
		Description:    meta.Description,
		Currency:       meta.Currency,
		IdempotencyKey: meta.IdempotencyKey,
	})
}

// Revoke removes up to amount credits, capped at the current positive
// balance. Revoking from an empty or negative balance writes no entry.
func (s *Service) Revoke(ctx context.Context, userID, key string, amount int64, meta Meta) (RevokeResult, error) {
	if err := s.ready(); err != nil {
		return RevokeResult{}, err
	}
	if amount <= 0 {
		return RevokeResult{}, fmt.Errorf("%w: revoke amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	res, err := s.store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: userID,
		Key:    key,
		AmountFn: func(current int64) int64 {
			cap := current
			if cap < 0 {
				cap = 0
			}
			if amount < cap {
				return -amount
			}
			return -cap
		},
		Type:           ledger.EntryRevoke,
		Source:         sourceOrManual(meta.Source),
		SourceID:       meta.SourceID,
		Description:    meta.Description,
		Currency:       meta.Currency,
		IdempotencyKey: meta.IdempotencyKey,
		SkipZero:       true,
	})
	if err != nil {
		return RevokeResult{}, err
	}
	return RevokeResult{Requested: amount, Revoked: res.Previous - res.New, Balance: res.New}, nil
}

// RevokeAll removes the full positive balance. A zero or negative balance
// is left untouched.
func (s *Service) RevokeAll(ctx context.Context, userID, key string, meta Meta) (RevokeResult, error) {
	if err := s.ready(); err != nil {
		return RevokeResult{}, err
	}
	res, err := s.store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: userID,
		Key:    key,
		AmountFn: func(current int64) int64 {
			if current <= 0 {
				return 0
			}
			return -current
		},
		Type:           ledger.EntryRevoke,
		Source:         sourceOrManual(meta.Source),
		SourceID:       meta.SourceID,
		Description:    meta.Description,
		Currency:       meta.Currency,
		IdempotencyKey: meta.IdempotencyKey,
		SkipZero:       true,
	})
	if err != nil {
		return RevokeResult{}, err
	}
	return RevokeResult{Requested: res.Previous - res.New, Revoked: res.Previous - res.New, Balance: res.New}, nil
}

// SetBalance moves the balance to target with a single adjust entry of
// (target - current). Setting the current value writes nothing.
func (s *Service) SetBalance(ctx context.Context, userID, key string, target int64, meta Meta) (ledger.DeltaResult, error) {
	if err := s.ready(); err != nil {
		return ledger.DeltaResult{}, err
	}
	return s.store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: userID,
		Key:    key,
		AmountFn: func(current int64) int64 {
			return target - current
		},
		Type:           ledger.EntryAdjust,
		Source:         sourceOrManual(meta.Source),
		SourceID:       meta.SourceID,
		Description:    meta.Description,
		Currency:       meta.Currency,
		IdempotencyKey: meta.IdempotencyKey,
		SkipZero:       true,
	})
}

// AtomicBalanceReset expires (or forgives) the current balance and grants
// newAllocation, all in one transaction under one idempotency key. This is
// the renewal primitive: the balance lands exactly on newAllocation.
func (s *Service) AtomicBalanceReset(ctx context.Context, userID, key string, newAllocation int64, meta Meta) (ledger.ResetResult, error) {
	if err := s.ready(); err != nil {
		return ledger.ResetResult{}, err
	}
	if newAllocation < 0 {
		return ledger.ResetResult{}, fmt.Errorf("%w: reset allocation must not be negative, got %d", ErrInvalidAmount, newAllocation)
	}
	return s.store.ApplyReset(ctx, ledger.ResetOp{
		UserID:         userID,
		Key:            key,
		NewAllocation:  newAllocation,
		Source:         sourceOrManual(meta.Source),
		SourceID:       meta.SourceID,
		Description:    meta.Description,
		Currency:       meta.Currency,
		IdempotencyKey: meta.IdempotencyKey,
	})
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// GetBalance returns the current balance, 0 for untouched keys.
func (s *Service) GetBalance(ctx context.Context, userID, key string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.store.Balance(ctx, userID, key)
}

// HasCredits reports whether the balance covers amount.
func (s *Service) HasCredits(ctx context.Context, userID, key string, amount int64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	balance, err := s.store.Balance(ctx, userID, key)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// GetAllBalances returns every key's balance except the excluded reserved
// keys (callers pass the wallet key).
func (s *Service) GetAllBalances(ctx context.Context, userID string, exclude ...string) (map[string]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	balances, err := s.store.Balances(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, key := range exclude {
		delete(balances, key)
	}
	return balances, nil
}

// GetHistory returns ledger entries newest first. Entries written in the
// same transaction keep a stable order (a reset reads grant first, then
// the expiring revoke). Limit <= 0 means no limit.
func (s *Service) GetHistory(ctx context.Context, userID, key string, limit, offset int) ([]ledger.Entry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.History(ctx, ledger.HistoryQuery{UserID: userID, Key: key, Limit: limit, Offset: offset})
}

func sourceOrManual(src ledger.Source) ledger.Source {
	if src == "" {
		return ledger.SourceManual
	}
	return src
}
