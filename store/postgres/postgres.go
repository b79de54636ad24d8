/*
Package postgres provides the production ledger.TxStore on PostgreSQL.

PURPOSE:
  Same contract as store/sqlite, but with real row locks so several API
  replicas can share one database.

LOCKING:
  GetCustomerForUpdate issues SELECT ... FOR UPDATE. Inside WithTx that
  lock is held until commit, which serializes every balance-affecting
  write for one customer across processes.

AMOUNTS:
  NUMERIC(36,18) columns. Values travel as text in both directions so no
  float ever touches a balance.

SCHEMA:
  Versioned .sql files under migrations/, applied by Migrate through
  database/sql and lib/pq. The pgx pool is used for everything else.

SEE ALSO:
  - migrate.go: Migration runner
  - store/sqlite: Embedded implementation with the same schema
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/repaircoin/rcn-engine/ledger"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store implements ledger.TxStore on a pgx connection pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

var _ ledger.TxStore = (*Store)(nil)

// New connects to dsn, waiting for the database to come up.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	for i := 0; i < 5; i++ {
		err = pool.Ping(ctx)
		if err == nil {
			break
		}
		logger.Warn("waiting for database", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("connected to postgres")
	return &Store{queries: &queries{q: pool}, pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset removes all rows. Used by demo scenarios and tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE transactions, redemption_sessions, customers`)
	return err
}

// WithTx executes fn inside a READ COMMITTED transaction. Row locks taken
// by GetCustomerForUpdate are released on commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q dbtx
}

var _ ledger.Store = (*queries)(nil)

// =============================================================================
// CUSTOMERS
// =============================================================================

const customerSelect = `
	SELECT address, name, COALESCE(referral_code, ''), COALESCE(referred_by, ''),
	       lifetime_earnings::text, total_redemptions::text, pending_mint_balance::text,
	       daily_earnings::text, monthly_earnings::text, last_earned_date, created_at, updated_at
	FROM customers`

func (s *queries) CreateCustomer(ctx context.Context, c ledger.Customer) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO customers (address, name, referral_code, referred_by, lifetime_earnings,
			total_redemptions, pending_mint_balance, daily_earnings, monthly_earnings,
			last_earned_date, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5::text::numeric, $6::text::numeric,
			$7::text::numeric, $8::text::numeric, $9::text::numeric, $10, $11, $12)`,
		string(c.Address), c.Name, c.ReferralCode, string(c.ReferredBy),
		c.LifetimeEarnings.String(), c.TotalRedemptions.String(), c.PendingMintBalance.String(),
		c.DailyEarnings.String(), c.MonthlyEarnings.String(),
		c.LastEarnedDate, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return ledger.ErrCustomerExists
		}
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *queries) GetCustomer(ctx context.Context, addr ledger.Address) (*ledger.Customer, error) {
	return s.getCustomer(ctx, customerSelect+` WHERE address = $1`, addr)
}

func (s *queries) GetCustomerForUpdate(ctx context.Context, addr ledger.Address) (*ledger.Customer, error) {
	return s.getCustomer(ctx, customerSelect+` WHERE address = $1 FOR UPDATE`, addr)
}

func (s *queries) getCustomer(ctx context.Context, query string, addr ledger.Address) (*ledger.Customer, error) {
	c, err := scanCustomer(s.q.QueryRow(ctx, query, string(addr)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrCustomerNotFound
	}
	return c, err
}

func (s *queries) UpdateCustomerTotals(ctx context.Context, c ledger.Customer) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE customers SET
			lifetime_earnings = $1::text::numeric,
			total_redemptions = $2::text::numeric,
			pending_mint_balance = $3::text::numeric,
			daily_earnings = $4::text::numeric,
			monthly_earnings = $5::text::numeric,
			last_earned_date = $6,
			updated_at = $7
		WHERE address = $8`,
		c.LifetimeEarnings.String(), c.TotalRedemptions.String(), c.PendingMintBalance.String(),
		c.DailyEarnings.String(), c.MonthlyEarnings.String(), c.LastEarnedDate,
		c.UpdatedAt.UTC(), string(c.Address),
	)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrCustomerNotFound
	}
	return nil
}

func (s *queries) ListCustomers(ctx context.Context) ([]ledger.Customer, error) {
	rows, err := s.q.Query(ctx, customerSelect+` ORDER BY address`)
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

func scanCustomer(row pgx.Row) (*ledger.Customer, error) {
	var (
		c                              ledger.Customer
		addr, referredBy               string
		lifetime, redemptions, pending string
		daily, monthly                 string
		lastEarned                     *time.Time
	)
	err := row.Scan(&addr, &c.Name, &c.ReferralCode, &referredBy, &lifetime, &redemptions,
		&pending, &daily, &monthly, &lastEarned, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}

	c.Address = ledger.Address(addr)
	c.ReferredBy = ledger.Address(referredBy)
	c.LifetimeEarnings = parseAmount(lifetime)
	c.TotalRedemptions = parseAmount(redemptions)
	c.PendingMintBalance = parseAmount(pending)
	c.DailyEarnings = parseAmount(daily)
	c.MonthlyEarnings = parseAmount(monthly)
	c.LastEarnedDate = utcPtr(lastEarned)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionSelect = `
	SELECT id, tx_type, status, origin, amount::text, customer_address,
	       COALESCE(shop_id, ''), COALESCE(session_id, ''), COALESCE(idempotency_key, ''),
	       COALESCE(reason, ''), metadata::text, created_at
	FROM transactions`

func (s *queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO transactions (id, tx_type, status, origin, amount, customer_address, shop_id,
			session_id, idempotency_key, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, NULLIF($7, ''), NULLIF($8, ''),
			NULLIF($9, ''), NULLIF($10, ''), $11::text::jsonb, $12)`,
		string(tx.ID), string(tx.Type), string(tx.Status), string(tx.Origin), tx.Amount.String(),
		string(tx.CustomerAddress), string(tx.ShopID), string(tx.SessionID),
		tx.IdempotencyKey, tx.Reason, marshalMetadata(tx.Metadata), tx.CreatedAt.UTC(),
	)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return ledger.ErrDuplicateIdempotencyKey
		case pgForeignKeyViolation:
			return ledger.ErrCustomerNotFound
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *queries) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, err := scanTransaction(s.q.QueryRow(ctx, transactionSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrTransactionNotFound
	}
	return tx, err
}

func (s *queries) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transactions SET status = $1 WHERE id = $2 AND status = $3`,
		string(to), string(id), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetTransaction(ctx, id); err != nil {
		return err
	}
	return ledger.ErrConcurrentModification
}

func (s *queries) Transactions(ctx context.Context, addr ledger.Address) ([]ledger.Transaction, error) {
	rows, err := s.q.Query(ctx, transactionSelect+`
		WHERE customer_address = $1
		ORDER BY created_at ASC, seq ASC`, string(addr))
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
	var total string
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM transactions
		WHERE customer_address = $1 AND tx_type = $2 AND status = $3 AND origin = $4`,
		string(addr), string(typ), string(status), string(origin),
	).Scan(&total)
	if err != nil {
		return ledger.Zero(), fmt.Errorf("failed to sum transactions: %w", err)
	}
	return parseAmount(total), nil
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var (
		tx                              ledger.Transaction
		id, typ, status, origin, amount string
		addr, shopID, sessionID         string
		metadataJSON                    string
	)
	err := row.Scan(&id, &typ, &status, &origin, &amount, &addr, &shopID, &sessionID,
		&tx.IdempotencyKey, &tx.Reason, &metadataJSON, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	tx.ShopID = ledger.ShopID(shopID)
	tx.SessionID = ledger.SessionID(sessionID)
	tx.Metadata = parseMetadata(metadataJSON)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

// =============================================================================
// REDEMPTION SESSIONS
// =============================================================================

const sessionSelect = `
	SELECT id, customer_address, shop_id, max_amount::text, status, created_at,
	       approved_at, expires_at, used_at, used_amount::text, metadata::text
	FROM redemption_sessions`

func (s *queries) CreateSession(ctx context.Context, sess ledger.RedemptionSession) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO redemption_sessions (id, customer_address, shop_id, max_amount, status,
			created_at, approved_at, expires_at, used_at, used_amount, metadata)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10::text::numeric, $11::text::jsonb)`,
		string(sess.ID), string(sess.CustomerAddress), string(sess.ShopID), sess.MaxAmount.String(),
		string(sess.Status), sess.CreatedAt.UTC(), sess.ApprovedAt, sess.ExpiresAt, sess.UsedAt,
		sess.UsedAmount.String(), marshalMetadata(sess.Metadata),
	)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return ledger.ErrConcurrentModification
		case pgForeignKeyViolation:
			return ledger.ErrCustomerNotFound
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *queries) GetSession(ctx context.Context, id ledger.SessionID) (*ledger.RedemptionSession, error) {
	sess, err := scanSession(s.q.QueryRow(ctx, sessionSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrSessionNotFound
	}
	return sess, err
}

// TransitionSession is a conditional UPDATE on the current status.
func (s *queries) TransitionSession(ctx context.Context, t ledger.SessionTransition) error {
	sets := []string{"status = $1", "metadata = metadata || $2::text::jsonb"}
	args := []any{string(t.To), marshalMetadata(t.Metadata)}

	switch t.To {
	case ledger.SessionApproved:
		sets = append(sets, "approved_at = $3", "expires_at = $4")
		args = append(args, t.At.UTC(), t.ExpiresAt)
	case ledger.SessionUsed:
		sets = append(sets, "used_at = $3", "used_amount = $4::text::numeric")
		args = append(args, t.At.UTC(), t.UsedAmount.String())
	}
	n := len(args)
	args = append(args, string(t.ID), string(t.From))

	query := fmt.Sprintf(`UPDATE redemption_sessions SET %s WHERE id = $%d AND status = $%d`,
		strings.Join(sets, ", "), n+1, n+2)
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	if tag.RowsAffected() == 1 {
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
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CustomerAddress != "" {
		add("customer_address = $%d", string(f.CustomerAddress))
	}
	if f.ShopID != "" {
		add("shop_id = $%d", string(f.ShopID))
	}
	if f.UnusedOnly {
		where = append(where, "used_at IS NULL")
	}

	query := sessionSelect
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, seq ASC`

	rows, err := s.q.Query(ctx, query, args...)
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

func scanSession(row pgx.Row) (*ledger.RedemptionSession, error) {
	var (
		sess                                ledger.RedemptionSession
		id, addr, shopID, maxAmount, status string
		usedAmount, metadataJSON            string
		approvedAt, expiresAt, usedAt       *time.Time
	)
	err := row.Scan(&id, &addr, &shopID, &maxAmount, &status, &sess.CreatedAt,
		&approvedAt, &expiresAt, &usedAt, &usedAmount, &metadataJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.ID = ledger.SessionID(id)
	sess.CustomerAddress = ledger.Address(addr)
	sess.ShopID = ledger.ShopID(shopID)
	sess.MaxAmount = parseAmount(maxAmount)
	sess.Status = ledger.SessionStatus(status)
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.ApprovedAt = utcPtr(approvedAt)
	sess.ExpiresAt = utcPtr(expiresAt)
	sess.UsedAt = utcPtr(usedAt)
	sess.UsedAmount = parseAmount(usedAmount)
	sess.Metadata = parseMetadata(metadataJSON)
	return &sess, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func parseAmount(s string) ledger.Amount {
	a, err := ledger.ParseAmount(s)
	if err != nil {
		return ledger.Zero()
	}
	return a
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func marshalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func parseMetadata(s string) map[string]string {
	if s == "" || s == "{}" || s == "null" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
