package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const alice = ledger.Address("0xa11ce00000000000000000000000000000000001")

var t0 = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedCustomer(t *testing.T, store *sqlite.Store, addr ledger.Address) {
	t.Helper()
	c := ledger.NewCustomer(addr, "Alice", "", t0)
	require.NoError(t, store.CreateCustomer(context.Background(), c))
}

func mintTx(id string, amount int64, origin ledger.TransactionOrigin, status ledger.TransactionStatus) ledger.Transaction {
	return ledger.Transaction{
		ID:              ledger.TransactionID(id),
		Type:            ledger.TxMint,
		Status:          status,
		Origin:          origin,
		Amount:          ledger.RCNFromInt(amount),
		CustomerAddress: alice,
		ShopID:          "shop-1",
		IdempotencyKey:  id,
		CreatedAt:       t0,
	}
}

// =============================================================================
// CUSTOMER TESTS
// =============================================================================

func TestStore_Customer_RoundTrip(t *testing.T) {
	// GIVEN: A customer with cached totals and a last-earned date
	// WHEN: Updating totals and reading back
	// THEN: Decimal amounts and timestamps survive unchanged

	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	c, err := store.GetCustomer(ctx, alice)
	require.NoError(t, err)
	assert.True(t, c.LifetimeEarnings.IsZero())
	assert.Nil(t, c.LastEarnedDate)

	earned := t0.Add(90 * time.Minute)
	c.LifetimeEarnings = ledger.MustParseAmount("125.50")
	c.TotalRedemptions = ledger.MustParseAmount("0.25")
	c.DailyEarnings = ledger.RCNFromInt(10)
	c.LastEarnedDate = &earned
	c.UpdatedAt = earned
	require.NoError(t, store.UpdateCustomerTotals(ctx, *c))

	got, err := store.GetCustomer(ctx, alice)
	require.NoError(t, err)
	assert.True(t, got.LifetimeEarnings.Equal(ledger.MustParseAmount("125.5")))
	assert.True(t, got.TotalRedemptions.Equal(ledger.MustParseAmount("0.25")))
	require.NotNil(t, got.LastEarnedDate)
	assert.True(t, got.LastEarnedDate.Equal(earned))
	assert.Equal(t, c.ReferralCode, got.ReferralCode)
}

func TestStore_Customer_DuplicateAndMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	err := store.CreateCustomer(ctx, ledger.NewCustomer(alice, "Again", "", t0))
	assert.ErrorIs(t, err, ledger.ErrCustomerExists)

	_, err = store.GetCustomer(ctx, "0xnobody")
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)

	err = store.UpdateCustomerTotals(ctx, ledger.Customer{Address: "0xnobody"})
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestStore_AppendTransaction_IdempotencyKey(t *testing.T) {
	// GIVEN: A transaction with idempotency key "reward-1"
	// WHEN: Appending a second transaction with the same key
	// THEN: ErrDuplicateIdempotencyKey and only one row exists

	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	require.NoError(t, store.AppendTransaction(ctx, mintTx("reward-1", 10, ledger.OriginShopReward, ledger.StatusConfirmed)))

	dup := mintTx("reward-2", 10, ledger.OriginShopReward, ledger.StatusConfirmed)
	dup.IdempotencyKey = "reward-1"
	err := store.AppendTransaction(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	txs, err := store.Transactions(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStore_AppendTransaction_UnknownCustomer(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendTransaction(context.Background(), mintTx("orphan", 10, ledger.OriginShopReward, ledger.StatusConfirmed))
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}

func TestStore_SumTransactions_FiltersAndPrecision(t *testing.T) {
	// GIVEN: Confirmed wallet mints of 0.1 and 0.2, a pending wallet mint,
	//        and a confirmed shop reward
	// WHEN: Summing confirmed wallet mints
	// THEN: Exactly 0.3 (no float drift), other rows excluded

	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	a := mintTx("m-1", 0, ledger.OriginWalletMint, ledger.StatusConfirmed)
	a.Amount = ledger.MustParseAmount("0.1")
	b := mintTx("m-2", 0, ledger.OriginWalletMint, ledger.StatusConfirmed)
	b.Amount = ledger.MustParseAmount("0.2")
	for _, tx := range []ledger.Transaction{
		a, b,
		mintTx("m-3", 50, ledger.OriginWalletMint, ledger.StatusPending),
		mintTx("r-1", 25, ledger.OriginShopReward, ledger.StatusConfirmed),
	} {
		require.NoError(t, store.AppendTransaction(ctx, tx))
	}

	sum, err := store.SumTransactions(ctx, alice, ledger.TxMint, ledger.StatusConfirmed, ledger.OriginWalletMint)
	require.NoError(t, err)
	assert.Equal(t, "0.3", sum.String())

	none, err := store.SumTransactions(ctx, alice, ledger.TxRedeem, ledger.StatusConfirmed, ledger.OriginRedemption)
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestStore_SetTransactionStatus_CompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)
	require.NoError(t, store.AppendTransaction(ctx, mintTx("m-1", 20, ledger.OriginWalletMint, ledger.StatusPending)))

	require.NoError(t, store.SetTransactionStatus(ctx, "m-1", ledger.StatusPending, ledger.StatusConfirmed))

	err := store.SetTransactionStatus(ctx, "m-1", ledger.StatusPending, ledger.StatusFailed)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	err = store.SetTransactionStatus(ctx, "missing", ledger.StatusPending, ledger.StatusFailed)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	tx, err := store.GetTransaction(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, tx.Status)
}

// =============================================================================
// SESSION TESTS
// =============================================================================

func newSession(id string) ledger.RedemptionSession {
	return ledger.RedemptionSession{
		ID:              ledger.SessionID(id),
		CustomerAddress: alice,
		ShopID:          "shop-1",
		MaxAmount:       ledger.RCNFromInt(30),
		Status:          ledger.SessionPending,
		CreatedAt:       t0,
	}
}

func TestStore_TransitionSession_CompareAndSet(t *testing.T) {
	// GIVEN: A pending session
	// WHEN: Two callers both try pending -> approved
	// THEN: The first wins, the second gets ErrConcurrentModification

	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)
	require.NoError(t, store.CreateSession(ctx, newSession("s-1")))

	expires := t0.Add(24 * time.Hour)
	approve := ledger.SessionTransition{
		ID: "s-1", From: ledger.SessionPending, To: ledger.SessionApproved,
		At: t0.Add(time.Minute), ExpiresAt: &expires,
	}
	require.NoError(t, store.TransitionSession(ctx, approve))
	assert.ErrorIs(t, store.TransitionSession(ctx, approve), ledger.ErrConcurrentModification)

	sess, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionApproved, sess.Status)
	require.NotNil(t, sess.ApprovedAt)
	require.NotNil(t, sess.ExpiresAt)
	assert.True(t, sess.ExpiresAt.Equal(expires))
	assert.Nil(t, sess.UsedAt)

	missing := approve
	missing.ID = "s-404"
	assert.ErrorIs(t, store.TransitionSession(ctx, missing), ledger.ErrSessionNotFound)
}

func TestStore_TransitionSession_MergesMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	sess := newSession("s-1")
	sess.Metadata = map[string]string{"channel": "qr"}
	require.NoError(t, store.CreateSession(ctx, sess))

	err := store.TransitionSession(ctx, ledger.SessionTransition{
		ID: "s-1", From: ledger.SessionPending, To: ledger.SessionExpired, At: t0,
		Metadata: map[string]string{ledger.MetaExpiryReason: "balance below approved amount", ledger.MetaDeficit: "5"},
	})
	require.NoError(t, err)

	got, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "qr", got.Metadata["channel"])
	assert.Equal(t, "balance below approved amount", got.Metadata[ledger.MetaExpiryReason])
	assert.Equal(t, "5", got.Metadata[ledger.MetaDeficit])
}

func TestStore_ListSessions_Filter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	for i, id := range []string{"s-1", "s-2", "s-3"} {
		sess := newSession(id)
		sess.CreatedAt = t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateSession(ctx, sess))
	}
	require.NoError(t, store.TransitionSession(ctx, ledger.SessionTransition{
		ID: "s-2", From: ledger.SessionPending, To: ledger.SessionApproved, At: t0,
	}))
	require.NoError(t, store.TransitionSession(ctx, ledger.SessionTransition{
		ID: "s-3", From: ledger.SessionPending, To: ledger.SessionApproved, At: t0,
	}))
	require.NoError(t, store.TransitionSession(ctx, ledger.SessionTransition{
		ID: "s-3", From: ledger.SessionApproved, To: ledger.SessionUsed, At: t0, UsedAmount: ledger.RCNFromInt(30),
	}))

	approved, err := store.ListSessions(ctx, ledger.SessionFilter{Status: ledger.SessionApproved, UnusedOnly: true})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, ledger.SessionID("s-2"), approved[0].ID)

	all, err := store.ListSessions(ctx, ledger.SessionFilter{CustomerAddress: alice})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.SessionID("s-1"), all[0].ID)
	assert.True(t, all[2].UsedAmount.Equal(ledger.RCNFromInt(30)))
}

// =============================================================================
// WithTx TESTS
// =============================================================================

func TestStore_WithTx_RollbackOnError(t *testing.T) {
	// GIVEN: A callback that appends a row then fails
	// WHEN: WithTx returns
	// THEN: The row is gone and the error is passed through

	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.AppendTransaction(ctx, mintTx("m-1", 10, ledger.OriginShopReward, ledger.StatusConfirmed)); err != nil {
			return err
		}
		// Reads inside the callback see the uncommitted row.
		sum, err := s.SumTransactions(ctx, alice, ledger.TxMint, ledger.StatusConfirmed, ledger.OriginShopReward)
		if err != nil {
			return err
		}
		if !sum.Equal(ledger.RCNFromInt(10)) {
			return errors.New("row not visible inside tx")
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	txs, err := store.Transactions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_WithTx_Commit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCustomer(t, store, alice)

	err := store.WithTx(ctx, func(s ledger.Store) error {
		c, err := s.GetCustomerForUpdate(ctx, alice)
		if err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, mintTx("m-1", 10, ledger.OriginShopReward, ledger.StatusConfirmed)); err != nil {
			return err
		}
		c.LifetimeEarnings = c.LifetimeEarnings.Add(ledger.RCNFromInt(10))
		return s.UpdateCustomerTotals(ctx, *c)
	})
	require.NoError(t, err)

	c, err := store.GetCustomer(ctx, alice)
	require.NoError(t, err)
	assert.True(t, c.LifetimeEarnings.Equal(ledger.RCNFromInt(10)))
}
