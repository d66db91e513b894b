/*
sqlite.go - SQLite implementation of the billing stores

PURPOSE:
  Implements ledger.Store and replica.Store over a single SQLite database.
  This is the store the test suite runs on (":memory:") and the store
  single-node deployments use. Production deployments use store/postgres;
  the two implement the same contracts with only dialect differences
  (placeholders, row locking, schema qualification).

WHY SQLITE:
  - Zero external dependencies for tests and local development
  - Single-file persistence
  - Honest SQL: the transaction shapes mirror the Postgres store

CONCURRENCY:
  SQLite allows one writer at a time. The store serializes writers behind
  a mutex and pins database/sql to a single connection, which also keeps
  ":memory:" databases coherent (every new connection would otherwise get
  its own empty database). The balance row lock that Postgres takes with
  SELECT ... FOR UPDATE is implied here by the write serialization.

SCHEMA:
  Created automatically on New() via migrate(). Ledger tables:
    credit_balances     derived balance per (user_id, key), bound currency
    credit_ledger       append-only entries, seq tie-break, idempotency col
    credit_idempotency  consumed idempotency keys (the enforcement point)
  Replica pool tables:
    customers, subscriptions, prices   mirrored processor objects (JSON columns)
    user_map                           user -> customer mapping
    seat_users                         engine-owned seat occupancy

TIME:
  Timestamps are stored as fixed-width UTC text (microsecond precision) so
  lexicographic comparison equals chronological comparison.

SEE ALSO:
  - ledger/store.go: the transactional contract this implements
  - store/postgres/postgres.go: the production twin
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/replica"
)

// rfc3339Micro is the fixed-width storage format for timestamps. All times
// are UTC, so the width is constant and string order equals time order.
const rfc3339Micro = "2006-01-02T15:04:05.000000Z07:00"

// Store implements ledger.Store and replica.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps :memory: on a single database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset clears every table. Demo and test tooling only.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"credit_ledger", "credit_balances", "credit_idempotency",
		"seat_users", "user_map", "subscriptions", "prices", "customers",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Derived balances (one row per user/credit key)
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		currency TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	);

	-- Append-only ledger. seq is the intra-timestamp ordering tie-break.
	CREATE TABLE IF NOT EXISTS credit_ledger (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		transaction_type TEXT NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT,
		description TEXT,
		currency TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_key
		ON credit_ledger(user_id, key, created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_credit_ledger_source
		ON credit_ledger(user_id, key, source, transaction_type);

	-- Consumed idempotency keys. Rows live and die with their ledger rows.
	CREATE TABLE IF NOT EXISTS credit_idempotency (
		key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Replica pool: mirrored payment processor objects
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		metadata_json TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		invoice_settings_json TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		status TEXT NOT NULL,
		items_json TEXT,
		current_period_start TEXT,
		current_period_end TEXT,
		metadata_json TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer
		ON subscriptions(customer, current_period_end DESC);

	CREATE TABLE IF NOT EXISTS prices (
		id TEXT PRIMARY KEY,
		product TEXT,
		unit_amount INTEGER NOT NULL DEFAULT 0,
		currency TEXT,
		recurring_json TEXT,
		updated_at TEXT NOT NULL
	);

	-- Engine-owned mapping tables
	CREATE TABLE IF NOT EXISTS user_map (
		user_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_map_customer
		ON user_map(customer_id);

	CREATE TABLE IF NOT EXISTS seat_users (
		user_id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_seat_users_subscription
		ON seat_users(subscription_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// ApplyDelta executes one balance mutation atomically.
func (s *Store) ApplyDelta(ctx context.Context, op ledger.DeltaOp) (ledger.DeltaResult, error) {
	if err := validateDeltaOp(op); err != nil {
		return ledger.DeltaResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.DeltaResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, boundCurrency, err := s.lockBalance(ctx, tx, op.UserID, op.Key)
	if err != nil {
		return ledger.DeltaResult{}, err
	}

	if err := s.consumeIdempotencyKey(ctx, tx, op.UserID, op.IdempotencyKey); err != nil {
		return ledger.DeltaResult{}, err
	}

	currency, err := resolveCurrency(op.UserID, op.Key, boundCurrency, op.Currency)
	if err != nil {
		return ledger.DeltaResult{}, err
	}

	delta := op.Amount
	if op.AmountFn != nil {
		delta = op.AmountFn(current)
	}

	res := ledger.DeltaResult{Previous: current, New: current + delta}

	if delta == 0 && op.SkipZero {
		// No entry, but the idempotency key (if any) stays consumed and a
		// newly supplied currency still binds: the logical operation was
		// applied, it just had nothing to change.
		if currency != boundCurrency {
			if err := s.writeBalance(ctx, tx, op.UserID, op.Key, current, currency); err != nil {
				return ledger.DeltaResult{}, err
			}
		}
		if err := tx.Commit(); err != nil {
			return ledger.DeltaResult{}, fmt.Errorf("failed to commit: %w", err)
		}
		return res, nil
	}

	if err := s.writeBalance(ctx, tx, op.UserID, op.Key, res.New, currency); err != nil {
		return ledger.DeltaResult{}, err
	}

	entry := ledger.Entry{
		ID:             uuid.NewString(),
		UserID:         op.UserID,
		Key:            op.Key,
		Amount:         delta,
		BalanceAfter:   res.New,
		Type:           op.Type,
		Source:         op.Source,
		SourceID:       op.SourceID,
		Description:    op.Description,
		Currency:       op.Currency,
		IdempotencyKey: op.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.appendEntry(ctx, tx, entry); err != nil {
		return ledger.DeltaResult{}, err
	}
	res.EntryID = entry.ID

	if err := tx.Commit(); err != nil {
		return ledger.DeltaResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// ApplyReset atomically zeroes the balance and grants the new allocation.
func (s *Store) ApplyReset(ctx context.Context, op ledger.ResetOp) (ledger.ResetResult, error) {
	if op.UserID == "" || op.Key == "" {
		return ledger.ResetResult{}, fmt.Errorf("%w: missing user or key", ledger.ErrInvalidOp)
	}
	if op.NewAllocation < 0 {
		return ledger.ResetResult{}, fmt.Errorf("%w: negative allocation %d", ledger.ErrInvalidOp, op.NewAllocation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.ResetResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, boundCurrency, err := s.lockBalance(ctx, tx, op.UserID, op.Key)
	if err != nil {
		return ledger.ResetResult{}, err
	}

	if err := s.consumeIdempotencyKey(ctx, tx, op.UserID, op.IdempotencyKey); err != nil {
		return ledger.ResetResult{}, err
	}

	currency, err := resolveCurrency(op.UserID, op.Key, boundCurrency, op.Currency)
	if err != nil {
		return ledger.ResetResult{}, err
	}

	res := ledger.ResetResult{Previous: current}
	now := time.Now().UTC()
	balance := current

	// The idempotency key is stamped on the first entry written; the
	// credit_idempotency row above is the enforcement point either way.
	entryKey := op.IdempotencyKey

	write := func(amount int64, typ ledger.EntryType, description string) error {
		balance += amount
		entry := ledger.Entry{
			ID:             uuid.NewString(),
			UserID:         op.UserID,
			Key:            op.Key,
			Amount:         amount,
			BalanceAfter:   balance,
			Type:           typ,
			Source:         op.Source,
			SourceID:       op.SourceID,
			Description:    description,
			Currency:       op.Currency,
			IdempotencyKey: entryKey,
			CreatedAt:      now,
		}
		entryKey = ""
		return s.appendEntry(ctx, tx, entry)
	}

	switch {
	case current > 0:
		res.Expired = current
		if err := write(-current, ledger.EntryRevoke, "Expired on reset: "+op.Description); err != nil {
			return ledger.ResetResult{}, err
		}
	case current < 0:
		res.Forgiven = -current
		if err := write(-current, ledger.EntryAdjust, "Negative balance forgiven: "+op.Description); err != nil {
			return ledger.ResetResult{}, err
		}
	}

	if op.NewAllocation > 0 {
		if err := write(op.NewAllocation, ledger.EntryGrant, op.Description); err != nil {
			return ledger.ResetResult{}, err
		}
	}
	res.New = balance

	if err := s.writeBalance(ctx, tx, op.UserID, op.Key, balance, currency); err != nil {
		return ledger.ResetResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.ResetResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// Balance returns the current balance, 0 when no row exists.
func (s *Store) Balance(ctx context.Context, userID, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance int64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM credit_balances WHERE user_id = ? AND key = ?",
		userID, key,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// BalanceRow returns the balance row, nil when none exists.
func (s *Store) BalanceRow(ctx context.Context, userID, key string) (*ledger.BalanceRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := ledger.BalanceRow{UserID: userID, Key: key}
	var currency sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT balance, currency FROM credit_balances WHERE user_id = ? AND key = ?",
		userID, key,
	).Scan(&row.Balance, &currency)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance row: %w", err)
	}
	row.Currency = currency.String
	return &row, nil
}

// Balances returns every key's balance for the user.
func (s *Store) Balances(ctx context.Context, userID string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, balance FROM credit_balances WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var key string
		var balance int64
		if err := rows.Scan(&key, &balance); err != nil {
			return nil, err
		}
		balances[key] = balance
	}
	return balances, rows.Err()
}

// History returns entries newest first (created_at DESC, seq DESC).
func (s *Store) History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// SQLite needs a LIMIT clause to accept OFFSET; -1 means unlimited.
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, user_id, key, amount, balance_after, transaction_type,
		       source, source_id, description, currency, idempotency_key, created_at
		FROM credit_ledger
		WHERE user_id = ? AND key = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?`,
		q.UserID, q.Key, limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// SumBySource sums positive grant amounts attributed to one source id.
func (s *Store) SumBySource(ctx context.Context, userID, key string, source ledger.Source, sourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_ledger
		WHERE user_id = ? AND key = ? AND source = ? AND source_id = ?
		  AND transaction_type = ? AND amount > 0`,
		userID, key, string(source), sourceID, string(ledger.EntryGrant),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum by source: %w", err)
	}
	return total, nil
}

// CountBySourceSince counts grant entries from one source at or after since.
func (s *Store) CountBySourceSince(ctx context.Context, userID, key string, source ledger.Source, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credit_ledger
		WHERE user_id = ? AND key = ? AND source = ? AND transaction_type = ?
		  AND created_at >= ?`,
		userID, key, string(source), string(ledger.EntryGrant),
		since.UTC().Format(rfc3339Micro),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count by source: %w", err)
	}
	return count, nil
}

// =============================================================================
// LEDGER INTERNALS
// =============================================================================

func validateDeltaOp(op ledger.DeltaOp) error {
	if op.UserID == "" || op.Key == "" {
		return fmt.Errorf("%w: missing user or key", ledger.ErrInvalidOp)
	}
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown entry type %q", ledger.ErrInvalidOp, op.Type)
	}
	return nil
}

// lockBalance upserts a zero row for (user, key) and reads it inside the
// transaction. The store-wide write mutex is what serializes writers here;
// the Postgres store takes a row lock instead.
func (s *Store) lockBalance(ctx context.Context, tx *sql.Tx, userID, key string) (int64, string, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO credit_balances (user_id, key, balance, updated_at)
		VALUES (?, ?, 0, ?)`,
		userID, key, time.Now().UTC().Format(rfc3339Micro))
	if err != nil {
		return 0, "", fmt.Errorf("failed to upsert balance row: %w", err)
	}

	var balance int64
	var currency sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT balance, currency FROM credit_balances WHERE user_id = ? AND key = ?",
		userID, key,
	).Scan(&balance, &currency)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read balance row: %w", err)
	}
	return balance, currency.String, nil
}

// consumeIdempotencyKey records the key, failing if it was ever used.
func (s *Store) consumeIdempotencyKey(ctx context.Context, tx *sql.Tx, userID, key string) error {
	if key == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO credit_idempotency (key, user_id, created_at) VALUES (?, ?, ?)",
		key, userID, time.Now().UTC().Format(rfc3339Micro))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.IdempotencyConflictError{Key: key}
		}
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

// resolveCurrency enforces the binding invariant and returns the currency
// the balance row should carry after this operation.
func resolveCurrency(userID, key, bound, supplied string) (string, error) {
	switch {
	case bound == "":
		return supplied, nil // First write with a currency binds it.
	case supplied == bound:
		return bound, nil
	default:
		return "", &ledger.CurrencyMismatchError{UserID: userID, Key: key, Bound: bound, Supplied: supplied}
	}
}

func (s *Store) writeBalance(ctx context.Context, tx *sql.Tx, userID, key string, balance int64, currency string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET balance = ?, currency = ?, updated_at = ?
		WHERE user_id = ? AND key = ?`,
		balance, nullString(currency), time.Now().UTC().Format(rfc3339Micro), userID, key)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (s *Store) appendEntry(ctx context.Context, tx *sql.Tx, e ledger.Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger
		(id, user_id, key, amount, balance_after, transaction_type, source,
		 source_id, description, currency, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.UserID,
		e.Key,
		e.Amount,
		e.BalanceAfter,
		string(e.Type),
		string(e.Source),
		nullString(e.SourceID),
		nullString(e.Description),
		nullString(e.Currency),
		nullString(e.IdempotencyKey),
		e.CreatedAt.Format(rfc3339Micro),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// The unique index on credit_ledger.idempotency_key is the second
			// line of defense behind credit_idempotency.
			return &ledger.IdempotencyConflictError{Key: e.IdempotencyKey}
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var sourceID, description, currency, idemKey sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Seq, &e.ID, &e.UserID, &e.Key, &e.Amount, &e.BalanceAfter,
			&e.Type, &e.Source, &sourceID, &description, &currency, &idemKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.SourceID = sourceID.String
		e.Description = description.String
		e.Currency = currency.String
		e.IdempotencyKey = idemKey.String
		if t, err := time.Parse(rfc3339Micro, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// REPLICA POOL (replica.Store interface)
// =============================================================================

// CustomerByID returns the customer row, nil when absent or deleted.
func (s *Store) CustomerByID(ctx context.Context, id string) (*replica.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c replica.Customer
	var metadataJSON, settingsJSON sql.NullString
	var deleted int
	err := s.db.QueryRowContext(ctx,
		"SELECT id, metadata_json, deleted, invoice_settings_json FROM customers WHERE id = ?",
		id,
	).Scan(&c.ID, &metadataJSON, &deleted, &settingsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read customer: %w", err)
	}
	if deleted != 0 {
		return nil, nil
	}
	if metadataJSON.Valid {
		json.Unmarshal([]byte(metadataJSON.String), &c.Metadata)
	}
	if settingsJSON.Valid {
		json.Unmarshal([]byte(settingsJSON.String), &c.InvoiceSettings)
	}
	return &c, nil
}

// CustomerIDForUser resolves user -> customer: user_map first, then the
// customer metadata user_id field.
func (s *Store) CustomerIDForUser(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var customerID string
	err := s.db.QueryRowContext(ctx,
		"SELECT customer_id FROM user_map WHERE user_id = ?", userID,
	).Scan(&customerID)
	if err == nil {
		return customerID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read user map: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM customers
		WHERE deleted = 0 AND json_extract(metadata_json, '$.user_id') = ?`,
		userID,
	).Scan(&customerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to scan customer metadata: %w", err)
	}
	return customerID, nil
}

// UserIDForCustomer resolves customer -> user: metadata first, then user_map.
func (s *Store) UserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var userID sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT json_extract(metadata_json, '$.user_id') FROM customers WHERE id = ? AND deleted = 0",
		customerID,
	).Scan(&userID)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read customer metadata: %w", err)
	}
	if userID.Valid && userID.String != "" {
		return userID.String, nil
	}

	var mapped string
	err = s.db.QueryRowContext(ctx,
		"SELECT user_id FROM user_map WHERE customer_id = ?", customerID,
	).Scan(&mapped)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read user map: %w", err)
	}
	return mapped, nil
}

// SubscriptionByID returns the subscription row, nil when absent.
func (s *Store) SubscriptionByID(ctx context.Context, id string) (*replica.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs, err := s.querySubscriptions(ctx,
		"WHERE id = ?", id)
	if err != nil || len(subs) == 0 {
		return nil, err
	}
	return &subs[0], nil
}

// SubscriptionsForCustomer returns every subscription of a customer,
// newest period end first.
func (s *Store) SubscriptionsForCustomer(ctx context.Context, customerID string) ([]replica.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySubscriptions(ctx,
		"WHERE customer = ? ORDER BY current_period_end DESC", customerID)
}

func (s *Store) querySubscriptions(ctx context.Context, clause string, args ...any) ([]replica.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer, status, items_json, current_period_start,
		       current_period_end, metadata_json
		FROM subscriptions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []replica.Subscription
	for rows.Next() {
		var sub replica.Subscription
		var itemsJSON, metadataJSON sql.NullString
		var periodStart, periodEnd sql.NullString
		if err := rows.Scan(&sub.ID, &sub.Customer, &sub.Status, &itemsJSON,
			&periodStart, &periodEnd, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if itemsJSON.Valid {
			json.Unmarshal([]byte(itemsJSON.String), &sub.Items)
		}
		if metadataJSON.Valid {
			json.Unmarshal([]byte(metadataJSON.String), &sub.Metadata)
		}
		if periodStart.Valid {
			if t, err := time.Parse(rfc3339Micro, periodStart.String); err == nil {
				sub.CurrentPeriodStart = t
			}
		}
		if periodEnd.Valid {
			if t, err := time.Parse(rfc3339Micro, periodEnd.String); err == nil {
				sub.CurrentPeriodEnd = t
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// PriceByID returns the price row, nil when absent.
func (s *Store) PriceByID(ctx context.Context, id string) (*replica.Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p replica.Price
	var product, currency, recurringJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, product, unit_amount, currency, recurring_json FROM prices WHERE id = ?",
		id,
	).Scan(&p.ID, &product, &p.UnitAmount, &currency, &recurringJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read price: %w", err)
	}
	p.Product = product.String
	p.Currency = currency.String
	if recurringJSON.Valid && recurringJSON.String != "" {
		var r replica.Recurring
		if json.Unmarshal([]byte(recurringJSON.String), &r) == nil {
			p.Recurring = &r
		}
	}
	return &p, nil
}

// UpsertCustomer inserts or replaces a customer row.
func (s *Store) UpsertCustomer(ctx context.Context, c replica.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadataJSON, _ := json.Marshal(c.Metadata)
	settingsJSON, _ := json.Marshal(c.InvoiceSettings)
	deleted := 0
	if c.Deleted {
		deleted = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, metadata_json, deleted, invoice_settings_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			metadata_json = excluded.metadata_json,
			deleted = excluded.deleted,
			invoice_settings_json = excluded.invoice_settings_json,
			updated_at = excluded.updated_at`,
		c.ID, string(metadataJSON), deleted, string(settingsJSON),
		time.Now().UTC().Format(rfc3339Micro))
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// UpsertSubscription inserts or replaces a subscription row.
func (s *Store) UpsertSubscription(ctx context.Context, sub replica.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	itemsJSON, _ := json.Marshal(sub.Items)
	metadataJSON, _ := json.Marshal(sub.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, customer, status, items_json, current_period_start, current_period_end, metadata_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer = excluded.customer,
			status = excluded.status,
			items_json = excluded.items_json,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		sub.ID, sub.Customer, sub.Status, string(itemsJSON),
		sub.CurrentPeriodStart.UTC().Format(rfc3339Micro),
		sub.CurrentPeriodEnd.UTC().Format(rfc3339Micro),
		string(metadataJSON),
		time.Now().UTC().Format(rfc3339Micro))
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpsertPrice inserts or replaces a price row.
func (s *Store) UpsertPrice(ctx context.Context, p replica.Price) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recurringJSON sql.NullString
	if p.Recurring != nil {
		b, _ := json.Marshal(p.Recurring)
		recurringJSON = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prices (id, product, unit_amount, currency, recurring_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			product = excluded.product,
			unit_amount = excluded.unit_amount,
			currency = excluded.currency,
			recurring_json = excluded.recurring_json,
			updated_at = excluded.updated_at`,
		p.ID, nullString(p.Product), p.UnitAmount, nullString(p.Currency), recurringJSON,
		time.Now().UTC().Format(rfc3339Micro))
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// MapUser records the user -> customer mapping.
func (s *Store) MapUser(ctx context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_map (user_id, customer_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET customer_id = excluded.customer_id`,
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to map user: %w", err)
	}
	return nil
}

// =============================================================================
// SEAT ROWS
// =============================================================================

// SeatUser returns the seat row for a user, nil when the user holds none.
func (s *Store) SeatUser(ctx context.Context, userID string) (*replica.SeatUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seat replica.SeatUser
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, subscription_id, created_at FROM seat_users WHERE user_id = ?",
		userID,
	).Scan(&seat.UserID, &seat.SubscriptionID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seat user: %w", err)
	}
	if t, err := time.Parse(rfc3339Micro, createdAt); err == nil {
		seat.CreatedAt = t
	}
	return &seat, nil
}

// SeatUsersForSubscription lists the seats of a subscription, oldest first.
func (s *Store) SeatUsersForSubscription(ctx context.Context, subscriptionID string) ([]replica.SeatUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, subscription_id, created_at FROM seat_users
		WHERE subscription_id = ? ORDER BY created_at ASC, user_id ASC`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seat users: %w", err)
	}
	defer rows.Close()

	var seats []replica.SeatUser
	for rows.Next() {
		var seat replica.SeatUser
		var createdAt string
		if err := rows.Scan(&seat.UserID, &seat.SubscriptionID, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(rfc3339Micro, createdAt); err == nil {
			seat.CreatedAt = t
		}
		seats = append(seats, seat)
	}
	return seats, rows.Err()
}

// InsertSeatUser adds a seat row. Fails if the user already holds a seat.
func (s *Store) InsertSeatUser(ctx context.Context, userID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO seat_users (user_id, subscription_id, created_at) VALUES (?, ?, ?)",
		userID, subscriptionID, time.Now().UTC().Format(rfc3339Micro))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("user %s already holds a seat", userID)
		}
		return fmt.Errorf("failed to insert seat user: %w", err)
	}
	return nil
}

// DeleteSeatUser removes a seat row; removing a missing row is a no-op.
func (s *Store) DeleteSeatUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM seat_users WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("failed to delete seat user: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (contains(err.Error(), "UNIQUE constraint failed") ||
		contains(err.Error(), "duplicate key"))
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
