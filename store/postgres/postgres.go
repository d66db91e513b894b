/*
postgres.go - PostgreSQL implementation of the billing stores

PURPOSE:
  Implements ledger.Store and replica.Store over a pgx connection pool.
  This is the production store: schema-qualified tables so several products
  can share one database, row-level locking for concurrent writers, JSONB
  for mirrored processor objects.

CONCURRENCY:
  Writers for the same (user_id, key) serialize on a SELECT ... FOR UPDATE
  of the balance row inside a ReadCommitted transaction. Different pairs
  proceed in parallel. The idempotency insert races are resolved by the
  primary key on credit_idempotency (unique violation -> conflict).

SCHEMA:
  Created automatically on Open() inside the configured schema (default
  "billing"). Table shapes match store/sqlite exactly; see that file's
  header for the inventory.

SEE ALSO:
  - ledger/store.go: the transactional contract this implements
  - store/sqlite/sqlite.go: the embedded twin the tests run on
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/replica"
)

// Config controls the connection pool and schema placement.
type Config struct {
	DSN             string
	Schema          string // defaults to "billing"
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements ledger.Store and replica.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

// Open connects, verifies the connection, and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Schema == "" {
		cfg.Schema = "billing"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool, schema: cfg.Schema}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Reset clears every table. Demo and test tooling only.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"credit_ledger", "credit_balances", "credit_idempotency",
		"seat_users", "user_map", "subscriptions", "prices", "customers",
	}
	for _, t := range tables {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s.%s", s.schema, t)); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

// migrate creates the schema and tables.
func (s *Store) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[1]s.credit_balances (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		currency TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS %[1]s.credit_ledger (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		transaction_type TEXT NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT,
		description TEXT,
		currency TEXT,
		idempotency_key TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_ledger_idempotency
		ON %[1]s.credit_ledger(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_credit_ledger_user_key
		ON %[1]s.credit_ledger(user_id, key, created_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_credit_ledger_source
		ON %[1]s.credit_ledger(user_id, key, source, transaction_type);

	CREATE TABLE IF NOT EXISTS %[1]s.credit_idempotency (
		key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.customers (
		id TEXT PRIMARY KEY,
		metadata JSONB,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		invoice_settings JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.subscriptions (
		id TEXT PRIMARY KEY,
		customer TEXT NOT NULL,
		status TEXT NOT NULL,
		items JSONB,
		current_period_start TIMESTAMPTZ,
		current_period_end TIMESTAMPTZ,
		metadata JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer
		ON %[1]s.subscriptions(customer, current_period_end DESC);

	CREATE TABLE IF NOT EXISTS %[1]s.prices (
		id TEXT PRIMARY KEY,
		product TEXT,
		unit_amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT,
		recurring JSONB,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS %[1]s.user_map (
		user_id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_user_map_customer
		ON %[1]s.user_map(customer_id);

	CREATE TABLE IF NOT EXISTS %[1]s.seat_users (
		user_id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_seat_users_subscription
		ON %[1]s.seat_users(subscription_id);
	`, s.schema)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// ApplyDelta executes one balance mutation atomically.
func (s *Store) ApplyDelta(ctx context.Context, op ledger.DeltaOp) (ledger.DeltaResult, error) {
	if op.UserID == "" || op.Key == "" {
		return ledger.DeltaResult{}, fmt.Errorf("%w: missing user or key", ledger.ErrInvalidOp)
	}
	if !op.Type.Valid() {
		return ledger.DeltaResult{}, fmt.Errorf("%w: unknown entry type %q", ledger.ErrInvalidOp, op.Type)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ledger.DeltaResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

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
		// The idempotency key stays consumed and a newly supplied
		// currency still binds even though no entry is written.
		if currency != boundCurrency {
			if err := s.writeBalance(ctx, tx, op.UserID, op.Key, current, currency); err != nil {
				return ledger.DeltaResult{}, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
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

	if err := tx.Commit(ctx); err != nil {
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ledger.ResetResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

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

	if err := tx.Commit(ctx); err != nil {
		return ledger.ResetResult{}, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// Balance returns the current balance, 0 when no row exists.
func (s *Store) Balance(ctx context.Context, userID, key string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT balance FROM %s.credit_balances WHERE user_id = $1 AND key = $2", s.schema),
		userID, key,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// BalanceRow returns the balance row, nil when none exists.
func (s *Store) BalanceRow(ctx context.Context, userID, key string) (*ledger.BalanceRow, error) {
	row := ledger.BalanceRow{UserID: userID, Key: key}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT balance, COALESCE(currency, '') FROM %s.credit_balances WHERE user_id = $1 AND key = $2", s.schema),
		userID, key,
	).Scan(&row.Balance, &row.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance row: %w", err)
	}
	return &row, nil
}

// Balances returns every key's balance for the user.
func (s *Store) Balances(ctx context.Context, userID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT key, balance FROM %s.credit_balances WHERE user_id = $1", s.schema),
		userID)
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
	query := fmt.Sprintf(`
		SELECT seq, id, user_id, key, amount, balance_after, transaction_type,
		       source, COALESCE(source_id, ''), COALESCE(description, ''),
		       COALESCE(currency, ''), COALESCE(idempotency_key, ''), created_at
		FROM %s.credit_ledger
		WHERE user_id = $1 AND key = $2
		ORDER BY created_at DESC, seq DESC`, s.schema)
	args := []any{q.UserID, q.Key}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, q.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.Seq, &e.ID, &e.UserID, &e.Key, &e.Amount, &e.BalanceAfter,
			&e.Type, &e.Source, &e.SourceID, &e.Description, &e.Currency,
			&e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumBySource sums positive grant amounts attributed to one source id.
func (s *Store) SumBySource(ctx context.Context, userID, key string, source ledger.Source, sourceID string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT COALESCE(SUM(amount), 0) FROM %s.credit_ledger
		WHERE user_id = $1 AND key = $2 AND source = $3 AND source_id = $4
		  AND transaction_type = $5 AND amount > 0`, s.schema),
		userID, key, string(source), sourceID, string(ledger.EntryGrant),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum by source: %w", err)
	}
	return total, nil
}

// CountBySourceSince counts grant entries from one source at or after since.
func (s *Store) CountBySourceSince(ctx context.Context, userID, key string, source ledger.Source, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s.credit_ledger
		WHERE user_id = $1 AND key = $2 AND source = $3 AND transaction_type = $4
		  AND created_at >= $5`, s.schema),
		userID, key, string(source), string(ledger.EntryGrant), since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count by source: %w", err)
	}
	return count, nil
}

// =============================================================================
// LEDGER INTERNALS
// =============================================================================

// lockBalance upserts a zero row and takes the row lock every writer for
// this (user, key) serializes on.
func (s *Store) lockBalance(ctx context.Context, tx pgx.Tx, userID, key string) (int64, string, error) {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.credit_balances (user_id, key, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (user_id, key) DO NOTHING`, s.schema),
		userID, key)
	if err != nil {
		return 0, "", fmt.Errorf("failed to upsert balance row: %w", err)
	}

	var balance int64
	var currency string
	err = tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT balance, COALESCE(currency, '') FROM %s.credit_balances
		WHERE user_id = $1 AND key = $2
		FOR UPDATE`, s.schema),
		userID, key,
	).Scan(&balance, &currency)
	if err != nil {
		return 0, "", fmt.Errorf("failed to lock balance row: %w", err)
	}
	return balance, currency, nil
}

func (s *Store) consumeIdempotencyKey(ctx context.Context, tx pgx.Tx, userID, key string) error {
	if key == "" {
		return nil
	}
	_, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s.credit_idempotency (key, user_id) VALUES ($1, $2)", s.schema),
		key, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.IdempotencyConflictError{Key: key}
		}
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

func resolveCurrency(userID, key, bound, supplied string) (string, error) {
	switch {
	case bound == "":
		return supplied, nil
	case supplied == bound:
		return bound, nil
	default:
		return "", &ledger.CurrencyMismatchError{UserID: userID, Key: key, Bound: bound, Supplied: supplied}
	}
}

func (s *Store) writeBalance(ctx context.Context, tx pgx.Tx, userID, key string, balance int64, currency string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s.credit_balances SET balance = $3, currency = $4, updated_at = now()
		WHERE user_id = $1 AND key = $2`, s.schema),
		userID, key, balance, nullable(currency))
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (s *Store) appendEntry(ctx context.Context, tx pgx.Tx, e ledger.Entry) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.credit_ledger
		(id, user_id, key, amount, balance_after, transaction_type, source,
		 source_id, description, currency, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, s.schema),
		e.ID, e.UserID, e.Key, e.Amount, e.BalanceAfter,
		string(e.Type), string(e.Source),
		nullable(e.SourceID), nullable(e.Description), nullable(e.Currency),
		nullable(e.IdempotencyKey), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.IdempotencyConflictError{Key: e.IdempotencyKey}
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// =============================================================================
// REPLICA POOL (replica.Store interface)
// =============================================================================

// CustomerByID returns the customer row, nil when absent or deleted.
func (s *Store) CustomerByID(ctx context.Context, id string) (*replica.Customer, error) {
	var c replica.Customer
	var metadataJSON, settingsJSON []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT id, metadata, invoice_settings FROM %s.customers WHERE id = $1 AND NOT deleted", s.schema),
		id,
	).Scan(&c.ID, &metadataJSON, &settingsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read customer: %w", err)
	}
	if len(metadataJSON) > 0 {
		json.Unmarshal(metadataJSON, &c.Metadata)
	}
	if len(settingsJSON) > 0 {
		json.Unmarshal(settingsJSON, &c.InvoiceSettings)
	}
	return &c, nil
}

// CustomerIDForUser resolves user -> customer: user_map, then metadata.
func (s *Store) CustomerIDForUser(ctx context.Context, userID string) (string, error) {
	var customerID string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT customer_id FROM %s.user_map WHERE user_id = $1", s.schema),
		userID,
	).Scan(&customerID)
	if err == nil {
		return customerID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to read user map: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT id FROM %s.customers WHERE NOT deleted AND metadata->>'user_id' = $1", s.schema),
		userID,
	).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to scan customer metadata: %w", err)
	}
	return customerID, nil
}

// UserIDForCustomer resolves customer -> user: metadata, then user_map.
func (s *Store) UserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COALESCE(metadata->>'user_id', '') FROM %s.customers WHERE id = $1 AND NOT deleted", s.schema),
		customerID,
	).Scan(&userID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to read customer metadata: %w", err)
	}
	if userID != "" {
		return userID, nil
	}

	err = s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT user_id FROM %s.user_map WHERE customer_id = $1", s.schema),
		customerID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read user map: %w", err)
	}
	return userID, nil
}

// SubscriptionByID returns the subscription row, nil when absent.
func (s *Store) SubscriptionByID(ctx context.Context, id string) (*replica.Subscription, error) {
	subs, err := s.querySubscriptions(ctx, "WHERE id = $1", id)
	if err != nil || len(subs) == 0 {
		return nil, err
	}
	return &subs[0], nil
}

// SubscriptionsForCustomer returns every subscription of a customer,
// newest period end first.
func (s *Store) SubscriptionsForCustomer(ctx context.Context, customerID string) ([]replica.Subscription, error) {
	return s.querySubscriptions(ctx,
		"WHERE customer = $1 ORDER BY current_period_end DESC", customerID)
}

func (s *Store) querySubscriptions(ctx context.Context, clause string, args ...any) ([]replica.Subscription, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, customer, status, items, current_period_start,
		       current_period_end, metadata
		FROM %s.subscriptions `+clause, s.schema), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []replica.Subscription
	for rows.Next() {
		var sub replica.Subscription
		var itemsJSON, metadataJSON []byte
		var periodStart, periodEnd *time.Time
		if err := rows.Scan(&sub.ID, &sub.Customer, &sub.Status, &itemsJSON,
			&periodStart, &periodEnd, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if len(itemsJSON) > 0 {
			json.Unmarshal(itemsJSON, &sub.Items)
		}
		if len(metadataJSON) > 0 {
			json.Unmarshal(metadataJSON, &sub.Metadata)
		}
		if periodStart != nil {
			sub.CurrentPeriodStart = *periodStart
		}
		if periodEnd != nil {
			sub.CurrentPeriodEnd = *periodEnd
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// PriceByID returns the price row, nil when absent.
func (s *Store) PriceByID(ctx context.Context, id string) (*replica.Price, error) {
	var p replica.Price
	var recurringJSON []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, COALESCE(product, ''), unit_amount, COALESCE(currency, ''), recurring
		FROM %s.prices WHERE id = $1`, s.schema),
		id,
	).Scan(&p.ID, &p.Product, &p.UnitAmount, &p.Currency, &recurringJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read price: %w", err)
	}
	if len(recurringJSON) > 0 {
		var r replica.Recurring
		if json.Unmarshal(recurringJSON, &r) == nil {
			p.Recurring = &r
		}
	}
	return &p, nil
}

// UpsertCustomer inserts or replaces a customer row.
func (s *Store) UpsertCustomer(ctx context.Context, c replica.Customer) error {
	metadataJSON, _ := json.Marshal(c.Metadata)
	settingsJSON, _ := json.Marshal(c.InvoiceSettings)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.customers (id, metadata, deleted, invoice_settings, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			metadata = EXCLUDED.metadata,
			deleted = EXCLUDED.deleted,
			invoice_settings = EXCLUDED.invoice_settings,
			updated_at = now()`, s.schema),
		c.ID, metadataJSON, c.Deleted, settingsJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// UpsertSubscription inserts or replaces a subscription row.
func (s *Store) UpsertSubscription(ctx context.Context, sub replica.Subscription) error {
	itemsJSON, _ := json.Marshal(sub.Items)
	metadataJSON, _ := json.Marshal(sub.Metadata)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.subscriptions
		(id, customer, status, items, current_period_start, current_period_end, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			customer = EXCLUDED.customer,
			status = EXCLUDED.status,
			items = EXCLUDED.items,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			metadata = EXCLUDED.metadata,
			updated_at = now()`, s.schema),
		sub.ID, sub.Customer, sub.Status, itemsJSON,
		sub.CurrentPeriodStart.UTC(), sub.CurrentPeriodEnd.UTC(), metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpsertPrice inserts or replaces a price row.
func (s *Store) UpsertPrice(ctx context.Context, p replica.Price) error {
	var recurringJSON []byte
	if p.Recurring != nil {
		recurringJSON, _ = json.Marshal(p.Recurring)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.prices (id, product, unit_amount, currency, recurring, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			product = EXCLUDED.product,
			unit_amount = EXCLUDED.unit_amount,
			currency = EXCLUDED.currency,
			recurring = EXCLUDED.recurring,
			updated_at = now()`, s.schema),
		p.ID, nullable(p.Product), p.UnitAmount, nullable(p.Currency), recurringJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// MapUser records the user -> customer mapping.
func (s *Store) MapUser(ctx context.Context, userID, customerID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s.user_map (user_id, customer_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET customer_id = EXCLUDED.customer_id`, s.schema),
		userID, customerID)
	if err != nil {
		return fmt.Errorf("failed to map user: %w", err)
	}
	return nil
}

// SeatUser returns the seat row for a user, nil when the user holds none.
func (s *Store) SeatUser(ctx context.Context, userID string) (*replica.SeatUser, error) {
	var seat replica.SeatUser
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT user_id, subscription_id, created_at FROM %s.seat_users WHERE user_id = $1", s.schema),
		userID,
	).Scan(&seat.UserID, &seat.SubscriptionID, &seat.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seat user: %w", err)
	}
	return &seat, nil
}

// SeatUsersForSubscription lists the seats of a subscription, oldest first.
func (s *Store) SeatUsersForSubscription(ctx context.Context, subscriptionID string) ([]replica.SeatUser, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT user_id, subscription_id, created_at FROM %s.seat_users
		WHERE subscription_id = $1 ORDER BY created_at ASC, user_id ASC`, s.schema),
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list seat users: %w", err)
	}
	defer rows.Close()

	var seats []replica.SeatUser
	for rows.Next() {
		var seat replica.SeatUser
		if err := rows.Scan(&seat.UserID, &seat.SubscriptionID, &seat.CreatedAt); err != nil {
			return nil, err
		}
		seats = append(seats, seat)
	}
	return seats, rows.Err()
}

// InsertSeatUser adds a seat row. Fails if the user already holds a seat.
func (s *Store) InsertSeatUser(ctx context.Context, userID, subscriptionID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s.seat_users (user_id, subscription_id) VALUES ($1, $2)", s.schema),
		userID, subscriptionID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s already holds a seat", userID)
		}
		return fmt.Errorf("failed to insert seat user: %w", err)
	}
	return nil
}

// DeleteSeatUser removes a seat row; removing a missing row is a no-op.
func (s *Store) DeleteSeatUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s.seat_users WHERE user_id = $1", s.schema), userID)
	if err != nil {
		return fmt.Errorf("failed to delete seat user: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
