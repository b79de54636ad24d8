/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Embedded persistence for single-node deployments, the audit CLI and
  tests. The schema mirrors store/postgres; only the SQL dialect differs.

KEY TABLES:
  customers:           Aggregate row per wallet with cached totals
  transactions:        Append-only ledger of mints and redemptions
  redemption_sessions: Customer-approved redemption sessions

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements outside Reset
  - The only UPDATE on transactions is the pending -> confirmed/failed
    status change, guarded by the current status

AMOUNTS:
  Stored as decimal TEXT and summed in Go. SQLite's SUM() would coerce
  to REAL.

CONCURRENCY:
  The pool is capped at one connection so ":memory:" databases are shared
  by every query, and SQLite only has one writer anyway. WithTx holds a
  mutex for the duration of the callback; statements inside the callback
  run on the *sql.Tx and never touch the mutex.

USAGE:
  store, err := sqlite.New("./data/rcn.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  calc := ledger.NewBalanceCalculator(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/repaircoin/rcn-engine/ledger"
)

// timeLayout is fixed-width so lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: &queries{q: db}, db: db}
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

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		address TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		referral_code TEXT UNIQUE,
		referred_by TEXT,
		lifetime_earnings TEXT NOT NULL DEFAULT '0',
		total_redemptions TEXT NOT NULL DEFAULT '0',
		pending_mint_balance TEXT NOT NULL DEFAULT '0',
		daily_earnings TEXT NOT NULL DEFAULT '0',
		monthly_earnings TEXT NOT NULL DEFAULT '0',
		last_earned_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL,
		origin TEXT NOT NULL,
		amount TEXT NOT NULL,
		customer_address TEXT NOT NULL REFERENCES customers(address),
		shop_id TEXT,
		session_id TEXT,
		idempotency_key TEXT UNIQUE,
		reason TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Balance sums (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_customer_type_status
		ON transactions(customer_address, tx_type, status, origin);
	CREATE INDEX IF NOT EXISTS idx_transactions_customer_created
		ON transactions(customer_address, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_session
		ON transactions(session_id) WHERE session_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS redemption_sessions (
		id TEXT PRIMARY KEY,
		customer_address TEXT NOT NULL REFERENCES customers(address),
		shop_id TEXT NOT NULL,
		max_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		approved_at TEXT,
		expires_at TEXT,
		used_at TEXT,
		used_amount TEXT NOT NULL DEFAULT '0',
		metadata_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status
		ON redemption_sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_customer
		ON redemption_sessions(customer_address);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset removes all rows. Used by demo scenarios and tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"transactions", "redemption_sessions", "customers"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements ledger.Store against a querier.
type queries struct {
	q querier
}

var _ ledger.Store = (*queries)(nil)

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerColumns = `address, name, referral_code, referred_by, lifetime_earnings, total_redemptions,
	pending_mint_balance, daily_earnings, monthly_earnings, last_earned_date, created_at, updated_at`

func (s *queries) CreateCustomer(ctx context.Context, c ledger.Customer) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.Address), c.Name, nullString(c.ReferralCode), nullString(string(c.ReferredBy)),
		c.LifetimeEarnings.String(), c.TotalRedemptions.String(), c.PendingMintBalance.String(),
		c.DailyEarnings.String(), c.MonthlyEarnings.String(), nullTime(c.LastEarnedDate),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrCustomerExists
		}
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *queries) GetCustomer(ctx context.Context, addr ledger.Address) (*ledger.Customer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE address = ?`, string(addr))
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrCustomerNotFound
	}
	return c, err
}

// GetCustomerForUpdate is a plain read. WithTx already serializes writers.
func (s *queries) GetCustomerForUpdate(ctx context.Context, addr ledger.Address) (*ledger.Customer, error) {
	return s.GetCustomer(ctx, addr)
}

func (s *queries) UpdateCustomerTotals(ctx context.Context, c ledger.Customer) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE customers SET
			lifetime_earnings = ?, total_redemptions = ?, pending_mint_balance = ?,
			daily_earnings = ?, monthly_earnings = ?, last_earned_date = ?, updated_at = ?
		WHERE address = ?`,
		c.LifetimeEarnings.String(), c.TotalRedemptions.String(), c.PendingMintBalance.String(),
		c.DailyEarnings.String(), c.MonthlyEarnings.String(), nullTime(c.LastEarnedDate),
		formatTime(c.UpdatedAt), string(c.Address),
	)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

func (s *queries) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to query customers: %w", err)
	}
	defer rows.Close()

	var out []ledger.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCustomer(row scanner) (*ledger.Customer, error) {
	var (
		c                                    ledger.Customer
		addr                                 string
		referralCode, referredBy, lastEarned sql.NullString
		lifetime, redemptions, pending       string
		daily, monthly, createdAt, updatedAt string
	)
	err := row.Scan(&addr, &c.Name, &referralCode, &referredBy, &lifetime, &redemptions,
		&pending, &daily, &monthly, &lastEarned, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}

	c.Address = ledger.Address(addr)
	c.ReferralCode = referralCode.String
	c.ReferredBy = ledger.Address(referredBy.String)
	c.LifetimeEarnings = parseAmount(lifetime)
	c.TotalRedemptions = parseAmount(redemptions)
	c.PendingMintBalance = parseAmount(pending)
	c.DailyEarnings = parseAmount(daily)
	c.MonthlyEarnings = parseAmount(monthly)
	c.LastEarnedDate = parseNullTime(lastEarned)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `id, tx_type, status, origin, amount, customer_address, shop_id, session_id,
	idempotency_key, reason, metadata_json, created_at`

func (s *queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), string(tx.Type), string(tx.Status), string(tx.Origin), tx.Amount.String(),
		string(tx.CustomerAddress), nullString(string(tx.ShopID)), nullString(string(tx.SessionID)),
		nullString(tx.IdempotencyKey), nullString(tx.Reason), string(metadataJSON),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		if isForeignKeyError(err) {
			return ledger.ErrCustomerNotFound
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, string(id))
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	return tx, err
}

func (s *queries) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE id = ? AND status = ?`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return err
	}
	return ledger.ErrConcurrentModification
}

func (s *queries) Transactions(ctx context.Context, addr ledger.Address) ([]ledger.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE customer_address = ?
		ORDER BY created_at ASC, rowid ASC`, string(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *queries) SumTransactions(ctx context.Context, addr ledger.Address, typ ledger.TransactionType, status ledger.TransactionStatus, origin ledger.TransactionOrigin) (ledger.Amount, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT amount FROM transactions
		WHERE customer_address = ? AND tx_type = ? AND status = ? AND origin = ?`,
		string(addr), string(typ), string(status), string(origin),
	)
	if err != nil {
		return ledger.Zero(), fmt.Errorf("failed to sum transactions: %w", err)
	}
	defer rows.Close()

	total := ledger.Zero()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return ledger.Zero(), fmt.Errorf("failed to scan amount: %w", err)
		}
		total = total.Add(parseAmount(v))
	}
	return total, rows.Err()
}

func scanTransaction(row scanner) (*ledger.Transaction, error) {
	var (
		tx                                 ledger.Transaction
		id, typ, status, origin, amount    string
		addr, createdAt                    string
		shopID, sessionID, idemKey, reason sql.NullString
		metadataJSON                       sql.NullString
	)
	err := row.Scan(&id, &typ, &status, &origin, &amount, &addr, &shopID, &sessionID,
		&idemKey, &reason, &metadataJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ID = ledger.TransactionID(id)
	tx.Type = ledger.TransactionType(typ)
	tx.Status = ledger.TransactionStatus(status)
	tx.Origin = ledger.TransactionOrigin(origin)
	tx.Amount = parseAmount(amount)
	tx.CustomerAddress = ledger.Address(addr)
	tx.ShopID = ledger.ShopID(shopID.String)
	tx.SessionID = ledger.SessionID(sessionID.String)
	tx.IdempotencyKey = idemKey.String
	tx.Reason = reason.String
	tx.CreatedAt = parseTime(createdAt)
	tx.Metadata = parseMetadata(metadataJSON.String)
	return &tx, nil
}

// =============================================================================
// REDEMPTION SESSIONS
// =============================================================================

const sessionColumns = `id, customer_address, shop_id, max_amount, status, created_at,
	approved_at, expires_at, used_at, used_amount, metadata_json`

func (s *queries) CreateSession(ctx context.Context, sess ledger.RedemptionSession) error {
	metadataJSON := marshalMetadata(sess.Metadata)

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO redemption_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), string(sess.CustomerAddress), string(sess.ShopID), sess.MaxAmount.String(),
		string(sess.Status), formatTime(sess.CreatedAt), nullTime(sess.ApprovedAt),
		nullTime(sess.ExpiresAt), nullTime(sess.UsedAt), sess.UsedAmount.String(), metadataJSON,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrConcurrentModification
		}
		if isForeignKeyError(err) {
			return ledger.ErrCustomerNotFound
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *queries) GetSession(ctx context.Context, id ledger.SessionID) (*ledger.RedemptionSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM redemption_sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrSessionNotFound
	}
	return sess, err
}

// TransitionSession is a conditional UPDATE on the current status.
func (s *queries) TransitionSession(ctx context.Context, t ledger.SessionTransition) error {
	sets := []string{"status = ?", "metadata_json = json_patch(metadata_json, ?)"}
	args := []any{string(t.To), marshalMetadata(t.Metadata)}

	switch t.To {
	case ledger.SessionApproved:
		sets = append(sets, "approved_at = ?", "expires_at = ?")
		args = append(args, formatTime(t.At), nullTime(t.ExpiresAt))
	case ledger.SessionUsed:
		sets = append(sets, "used_at = ?", "used_amount = ?")
		args = append(args, formatTime(t.At), t.UsedAmount.String())
	}
	args = append(args, string(t.ID), string(t.From))

	res, err := s.q.ExecContext(ctx,
		`UPDATE redemption_sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, t.ID); err != nil {
		return err
	}
	return ledger.ErrConcurrentModification
}

func (s *queries) ListSessions(ctx context.Context, f ledger.SessionFilter) ([]ledger.RedemptionSession, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.CustomerAddress != "" {
		where = append(where, "customer_address = ?")
		args = append(args, string(f.CustomerAddress))
	}
	if f.ShopID != "" {
		where = append(where, "shop_id = ?")
		args = append(args, string(f.ShopID))
	}
	if f.UnusedOnly {
		where = append(where, "used_at IS NULL")
	}

	query := `SELECT ` + sessionColumns + ` FROM redemption_sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []ledger.RedemptionSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (*ledger.RedemptionSession, error) {
	var (
		sess                                ledger.RedemptionSession
		id, addr, shopID, maxAmount, status string
		createdAt, usedAmount, metadataJSON string
		approvedAt, expiresAt, usedAt       sql.NullString
	)
	err := row.Scan(&id, &addr, &shopID, &maxAmount, &status, &createdAt,
		&approvedAt, &expiresAt, &usedAt, &usedAmount, &metadataJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.ID = ledger.SessionID(id)
	sess.CustomerAddress = ledger.Address(addr)
	sess.ShopID = ledger.ShopID(shopID)
	sess.MaxAmount = parseAmount(maxAmount)
	sess.Status = ledger.SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.ApprovedAt = parseNullTime(approvedAt)
	sess.ExpiresAt = parseNullTime(expiresAt)
	sess.UsedAt = parseNullTime(usedAt)
	sess.UsedAmount = parseAmount(usedAmount)
	sess.Metadata = parseMetadata(metadataJSON)
	return &sess, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseAmount(s string) ledger.Amount {
	a, err := ledger.ParseAmount(s)
	if err != nil {
		return ledger.Zero()
	}
	return a
}

func marshalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func parseMetadata(s string) map[string]string {
	if s == "" || s == "null" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
