package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/store/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// These tests run against a disposable database named by
// RCN_TEST_DATABASE_URL and are skipped when it is unset.

const alice = ledger.Address("0xa11ce00000000000000000000000000000000001")

var t0 = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *postgres.Store {
	dsn := os.Getenv("RCN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RCN_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	require.NoError(t, postgres.Migrate(ctx, dsn, logger))
	store, err := postgres.New(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Reset(ctx))
	return store
}

func TestPostgres_Migrate_Idempotent(t *testing.T) {
	dsn := os.Getenv("RCN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RCN_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, postgres.Migrate(ctx, dsn, nil))
	require.NoError(t, postgres.Migrate(ctx, dsn, nil))
}

func TestPostgres_AppendAndSum(t *testing.T) {
	// GIVEN: Confirmed wallet mints of 0.1 and 0.2
	// WHEN: Summing in the database
	// THEN: Exactly 0.3 comes back through NUMERIC

	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateCustomer(ctx, ledger.NewCustomer(alice, "Alice", "", t0)))

	for i, v := range []string{"0.1", "0.2"} {
		err := store.AppendTransaction(ctx, ledger.Transaction{
			ID:              ledger.TransactionID([]string{"m-1", "m-2"}[i]),
			Type:            ledger.TxMint,
			Status:          ledger.StatusConfirmed,
			Origin:          ledger.OriginWalletMint,
			Amount:          ledger.MustParseAmount(v),
			CustomerAddress: alice,
			CreatedAt:       t0,
		})
		require.NoError(t, err)
	}

	sum, err := store.SumTransactions(ctx, alice, ledger.TxMint, ledger.StatusConfirmed, ledger.OriginWalletMint)
	require.NoError(t, err)
	assert.Equal(t, "0.3", sum.String())

	err = store.AppendTransaction(ctx, ledger.Transaction{
		ID: "m-1", Type: ledger.TxMint, Status: ledger.StatusConfirmed, Origin: ledger.OriginWalletMint,
		Amount: ledger.RCNFromInt(1), CustomerAddress: alice, CreatedAt: t0,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestPostgres_TransitionSession_CompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateCustomer(ctx, ledger.NewCustomer(alice, "Alice", "", t0)))
	require.NoError(t, store.CreateSession(ctx, ledger.RedemptionSession{
		ID: "s-1", CustomerAddress: alice, ShopID: "shop-1",
		MaxAmount: ledger.RCNFromInt(30), Status: ledger.SessionPending, CreatedAt: t0,
	}))

	tr := ledger.SessionTransition{
		ID: "s-1", From: ledger.SessionPending, To: ledger.SessionExpired, At: t0,
		Metadata: map[string]string{ledger.MetaExpiryReason: "test"},
	}
	require.NoError(t, store.TransitionSession(ctx, tr))
	assert.ErrorIs(t, store.TransitionSession(ctx, tr), ledger.ErrConcurrentModification)

	sess, err := store.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionExpired, sess.Status)
	assert.Equal(t, "test", sess.Metadata[ledger.MetaExpiryReason])
}

func TestPostgres_ConcurrentConsume_SingleWinner(t *testing.T) {
	// GIVEN: 30 RCN and one approved 30 RCN session
	// WHEN: Ten goroutines consume it at once against the real database
	// THEN: Exactly one succeeds and exactly one redeem row exists

	store := newTestStore(t)
	ctx := context.Background()

	c := ledger.NewCustomer(alice, "Alice", "", t0)
	c.LifetimeEarnings = ledger.RCNFromInt(30)
	require.NoError(t, store.CreateCustomer(ctx, c))

	v := ledger.NewRedemptionValidator(store, time.Hour)
	sess, err := v.CreateSession(ctx, alice, "shop-1", ledger.RCNFromInt(30))
	require.NoError(t, err)
	_, err = v.Approve(ctx, sess.ID, alice)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Consume(ctx, sess.ID, "shop-1", ledger.Zero()); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	redeemed, err := store.SumTransactions(ctx, alice, ledger.TxRedeem, ledger.StatusConfirmed, ledger.OriginRedemption)
	require.NoError(t, err)
	assert.True(t, redeemed.Equal(ledger.RCNFromInt(30)))
}
