/*
Package wallet layers a monetary balance on top of the credit ledger.

PURPOSE:
  Monetary balances (prepaid usage funds, promotional dollars) need
  sub-cent precision that float arithmetic can't safely provide. The
  wallet stores amounts as integer micro-cents in the reserved ledger
  key "wallet" (1 cent = 1,000,000 micro-cents) and converts at the
  edges with decimal math, so adding $0.015 three times yields exactly
  $0.045.

KEY PROPERTIES:
  1. One wallet per user, keyed by the reserved key "wallet"
  2. Currency-bound: the first write fixes the wallet's currency and
     every later write must match it
  3. Negative balances are allowed (usage can outrun funds)
  4. All history flows through the same append-only ledger as plain
     credit keys

SEE ALSO:
  - format.go: display formatting for currency amounts
  - credits/: the operation layer the wallet delegates to
  - ledger/: entry and balance types
*/
package wallet

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
)

// Key is the reserved ledger key monetary balances live under. Credit
// listings exclude it so wallets never show up as a feature pool.
const Key = "wallet"

// DefaultCurrency is assumed when an operation supplies none.
const DefaultCurrency = "usd"

var microPerCent = decimal.NewFromInt(1_000_000)

// =============================================================================
// SERVICE
// =============================================================================

// Service adapts the credit operation layer to monetary amounts.
type Service struct {
	credits *credits.Service
}

// New creates a wallet service over the given credit service.
func New(c *credits.Service) *Service {
	return &Service{credits: c}
}

func (s *Service) ready() error {
	if s == nil || s.credits == nil {
		return ledger.ErrNotInitialized
	}
	return nil
}

// Option adjusts a single wallet operation.
type Option func(*opConfig)

type opConfig struct {
	currency       string
	description    string
	source         ledger.Source
	sourceID       string
	idempotencyKey string
}

// WithCurrency sets the operation currency (default "usd"). Codes are
// lowercased ISO 4217.
func WithCurrency(code string) Option {
	return func(c *opConfig) { c.currency = strings.ToLower(strings.TrimSpace(code)) }
}

// WithDescription attaches a human-readable note to the ledger entry.
func WithDescription(d string) Option {
	return func(c *opConfig) { c.description = d }
}

// WithSource records where the money came from (top-up, manual, ...).
func WithSource(source ledger.Source, sourceID string) Option {
	return func(c *opConfig) { c.source = source; c.sourceID = sourceID }
}

// WithIdempotencyKey makes the operation at-most-once under the key.
func WithIdempotencyKey(key string) Option {
	return func(c *opConfig) { c.idempotencyKey = key }
}

func buildConfig(opts []Option) opConfig {
	cfg := opConfig{currency: DefaultCurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.currency == "" {
		cfg.currency = DefaultCurrency
	}
	return cfg
}

// Result reports a wallet mutation in cents.
type Result struct {
	PreviousCents float64
	NewCents      float64
	EntryID       string
}

// Balance is a wallet read. Formatted follows the display rules in
// format.go for the wallet's bound currency.
type Balance struct {
	Cents     float64
	Currency  string
	Formatted string
}

// HistoryEntry is a ledger entry rendered in cents. Type is the ledger
// transaction type except that "grant" reads as "add" here.
type HistoryEntry struct {
	ID                string
	Type              string
	Cents             float64
	BalanceAfterCents float64
	Currency          string
	Source            ledger.Source
	SourceID          string
	Description       string
	CreatedAt         time.Time
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Add deposits cents into the user's wallet. The amount must be
// positive; sub-cent values are kept exactly.
func (s *Service) Add(ctx context.Context, userID string, cents float64, opts ...Option) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	micro, err := centsToMicro(cents)
	if err != nil {
		return Result{}, err
	}
	cfg := buildConfig(opts)
	res, err := s.credits.Grant(ctx, userID, Key, micro, credits.Meta{
		Source:         cfg.source,
		SourceID:       cfg.sourceID,
		Description:    cfg.description,
		Currency:       cfg.currency,
		IdempotencyKey: cfg.idempotencyKey,
	})
	if err != nil {
		return Result{}, err
	}
	return toResult(res), nil
}

// Consume withdraws cents from the user's wallet. The amount must be
// positive; the balance may go negative.
func (s *Service) Consume(ctx context.Context, userID string, cents float64, opts ...Option) (Result, error) {
	if err := s.ready(); err != nil {
		return Result{}, err
	}
	micro, err := centsToMicro(cents)
	if err != nil {
		return Result{}, err
	}
	cfg := buildConfig(opts)
	res, err := s.credits.Consume(ctx, userID, Key, micro, credits.Meta{
		Source:         cfg.source,
		SourceID:       cfg.sourceID,
		Description:    cfg.description,
		Currency:       cfg.currency,
		IdempotencyKey: cfg.idempotencyKey,
	})
	if err != nil {
		return Result{}, err
	}
	return toResult(res), nil
}

// GetBalance returns the wallet balance, or nil when the user has never
// had a wallet write.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row, err := s.credits.Store().BalanceRow(ctx, userID, Key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	currency := row.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	cents := microToCents(row.Balance)
	return &Balance{
		Cents:     cents,
		Currency:  currency,
		Formatted: Format(cents, currency),
	}, nil
}

// GetHistory returns wallet entries newest first, amounts in cents.
func (s *Service) GetHistory(ctx context.Context, userID string, limit, offset int) ([]HistoryEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	entries, err := s.credits.GetHistory(ctx, userID, Key, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry{
			ID:                e.ID,
			Type:              displayType(e.Type),
			Cents:             microToCents(e.Amount),
			BalanceAfterCents: microToCents(e.BalanceAfter),
			Currency:          e.Currency,
			Source:            e.Source,
			SourceID:          e.SourceID,
			Description:       e.Description,
			CreatedAt:         e.CreatedAt,
		})
	}
	return out, nil
}

// displayType maps ledger transaction types to wallet vocabulary.
func displayType(t ledger.EntryType) string {
	if t == ledger.EntryGrant {
		return "add"
	}
	return string(t)
}

// =============================================================================
// CONVERSION
// =============================================================================

// centsToMicro converts a positive cent amount to micro-cents, rejecting
// non-finite, non-positive, and sub-microcent inputs.
func centsToMicro(cents float64) (int64, error) {
	if math.IsNaN(cents) || math.IsInf(cents, 0) || cents <= 0 {
		return 0, credits.ErrInvalidAmount
	}
	micro := decimal.NewFromFloat(cents).Mul(microPerCent).Round(0).IntPart()
	if micro <= 0 {
		return 0, credits.ErrInvalidAmount
	}
	return micro, nil
}

func microToCents(micro int64) float64 {
	f, _ := decimal.NewFromInt(micro).Div(microPerCent).Float64()
	return f
}

func toResult(res ledger.DeltaResult) Result {
	return Result{
		PreviousCents: microToCents(res.Previous),
		NewCents:      microToCents(res.New),
		EntryID:       res.EntryID,
	}
}
