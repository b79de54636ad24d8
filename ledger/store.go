/*
store.go - Persistence interface for customers, transactions and sessions

PURPOSE:
  Defines the interface between the domain logic and the database.
  Implementations: store/postgres (production), store/sqlite (embedded),
  ledger/store (in-memory, for tests and demos).

APPEND-ONLY CONTRACT:
  - AppendTransaction is the only way to add ledger rows
  - SetTransactionStatus only moves pending rows to confirmed or failed
  - There is no delete for transactions or sessions

COMPARE-AND-SET:
  TransitionSession applies only if the stored status still equals
  SessionTransition.From. Otherwise it returns ErrConcurrentModification
  and the caller re-reads the session to report what happened.

LOCKING:
  GetCustomerForUpdate locks the customer aggregate row for the rest of the
  enclosing WithTx call. Postgres uses SELECT ... FOR UPDATE; SQLite and the
  memory store serialize all writers inside WithTx.

ADDRESSES:
  Every Address passed in is already normalized. Stores compare with
  plain equality.
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for ledger persistence
// =============================================================================

type Store interface {
	// Customers
	CreateCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, addr Address) (*Customer, error)
	GetCustomerForUpdate(ctx context.Context, addr Address) (*Customer, error)
	UpdateCustomerTotals(ctx context.Context, c Customer) error
	ListCustomers(ctx context.Context) ([]Customer, error)

	// Transactions (append-only)
	AppendTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)
	SetTransactionStatus(ctx context.Context, id TransactionID, from, to TransactionStatus) error
	Transactions(ctx context.Context, addr Address) ([]Transaction, error)

	// SumTransactions totals amounts for addr filtered by type, status and origin.
	SumTransactions(ctx context.Context, addr Address, typ TransactionType, status TransactionStatus, origin TransactionOrigin) (Amount, error)

	// Redemption sessions
	CreateSession(ctx context.Context, s RedemptionSession) error
	GetSession(ctx context.Context, id SessionID) (*RedemptionSession, error)
	TransitionSession(ctx context.Context, t SessionTransition) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]RedemptionSession, error)
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
