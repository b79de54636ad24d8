package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateForApproval_InclusiveBoundary(t *testing.T) {
	// GIVEN: A customer with exactly 50 RCN available
	// WHEN: Validating 50 and 50.01
	// THEN: 50 is approvable; 50.01 is not, with a deficit of 0.01

	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xedge")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(50))
		v := ledger.NewRedemptionValidator(s, time.Hour)

		ok, err := v.ValidateForApproval(ctx, addr, ledger.RCNFromInt(50))
		require.NoError(t, err)
		assert.True(t, ok.Approvable)
		assert.True(t, ok.Deficit.IsZero())

		over, err := v.ValidateForApproval(ctx, addr, ledger.MustParseAmount("50.01"))
		require.NoError(t, err)
		assert.False(t, over.Approvable)
		assert.Equal(t, "insufficient balance", over.Reason)
		assert.Equal(t, "0.01", over.Deficit.String())

		_, err = v.ValidateForApproval(ctx, addr, ledger.Zero())
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = v.ValidateForApproval(ctx, "0xnobody", ledger.RCNFromInt(1))
		assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
	})
}

func TestCreateSession_RefusesUncovered(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xpoor")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(10))
		v := ledger.NewRedemptionValidator(s, time.Hour)

		_, err := v.CreateSession(ctx, addr, "shop-1", ledger.RCNFromInt(11))
		var ib *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, "1", ib.Deficit.String())

		sessions, err := s.ListSessions(ctx, ledger.SessionFilter{CustomerAddress: addr})
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}

func TestSessionLifecycle_ApproveReject(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xlife")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(40))

		now := t0
		v := ledger.NewRedemptionValidator(s, 2*time.Hour)
		v.Now = fixedClock(&now)

		sess, err := v.CreateSession(ctx, addr, "shop-1", ledger.RCNFromInt(15))
		require.NoError(t, err)
		assert.Equal(t, ledger.SessionPending, sess.Status)
		assert.Nil(t, sess.ExpiresAt)

		_, err = v.Approve(ctx, sess.ID, "0xsomeoneelse")
		assert.ErrorIs(t, err, ledger.ErrCustomerMismatch)

		approved, err := v.Approve(ctx, sess.ID, addr)
		require.NoError(t, err)
		assert.Equal(t, ledger.SessionApproved, approved.Status)
		require.NotNil(t, approved.ApprovedAt)
		require.NotNil(t, approved.ExpiresAt)
		assert.True(t, approved.ExpiresAt.Equal(t0.Add(2*time.Hour)))

		_, err = v.Approve(ctx, sess.ID, addr)
		var ise *ledger.InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, ledger.SessionApproved, ise.Status)

		_, err = v.Reject(ctx, sess.ID, addr)
		assert.ErrorIs(t, err, ledger.ErrInvalidState)

		other, err := v.CreateSession(ctx, addr, "shop-1", ledger.RCNFromInt(5))
		require.NoError(t, err)
		rejected, err := v.Reject(ctx, other.ID, addr)
		require.NoError(t, err)
		assert.Equal(t, ledger.SessionRejected, rejected.Status)
		assert.True(t, rejected.Status.Terminal())

		_, err = v.Get(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
	})
}

func TestApprove_ExpiresWhenBalanceDropped(t *testing.T) {
	// GIVEN: A pending 30 RCN session
	// WHEN: A wallet mint drops the balance to 20 before approval
	// THEN: Approve fails with the deficit and the session is expired

	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xdrop")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(30))
		v := ledger.NewRedemptionValidator(s, time.Hour)

		sess, err := v.CreateSession(ctx, addr, "shop-1", ledger.RCNFromInt(30))
		require.NoError(t, err)
		_, err = ledger.NewMintService(s).RequestWalletMint(ctx, addr, ledger.RCNFromInt(10), "")
		require.NoError(t, err)

		_, err = v.Approve(ctx, sess.ID, addr)
		var ib *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, "10", ib.Deficit.String())
		assert.Equal(t, sess.ID, ib.SessionID)

		got, err := v.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.SessionExpired, got.Status)
		assert.Equal(t, "10", got.Metadata[ledger.MetaDeficit])
	})
}

func TestRevalidateBeforeUse_Idempotent(t *testing.T) {
	// GIVEN: An approved 40 RCN session and a 20 RCN mint that leaves 30
	// WHEN: RevalidateBeforeUse is called three times
	// THEN: The first call expires the session with a 10 RCN deficit; the
	//       second and third return the same InvalidStateError

	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xstale")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(50))
		v := ledger.NewRedemptionValidator(s, time.Hour)

		sess := approvedSession(t, v, addr, "shop-1", ledger.RCNFromInt(40))
		require.NoError(t, v.RevalidateBeforeUse(ctx, sess.ID))

		_, err := ledger.NewMintService(s).RequestWalletMint(ctx, addr, ledger.RCNFromInt(20), "")
		require.NoError(t, err)

		err = v.RevalidateBeforeUse(ctx, sess.ID)
		var ib *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, "30", ib.Available.String())
		assert.Equal(t, "10", ib.Deficit.String())

		second := v.RevalidateBeforeUse(ctx, sess.ID)
		third := v.RevalidateBeforeUse(ctx, sess.ID)
		var ise *ledger.InvalidStateError
		require.ErrorAs(t, second, &ise)
		assert.Equal(t, ledger.SessionExpired, ise.Status)
		assert.Equal(t, second.Error(), third.Error())

		got, err := v.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.SessionExpired, got.Status)
		assert.Equal(t, "insufficient balance", got.Metadata[ledger.MetaExpiryReason])
	})
}

func TestConsume_AfterTTL(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xttl")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(50))

		now := t0
		v := ledger.NewRedemptionValidator(s, time.Hour)
		v.Now = fixedClock(&now)
		sess := approvedSession(t, v, addr, "shop-1", ledger.RCNFromInt(10))

		// Exactly at ExpiresAt the session is still usable; one tick later it is not.
		now = t0.Add(time.Hour)
		require.NoError(t, v.RevalidateBeforeUse(ctx, sess.ID))

		now = t0.Add(time.Hour + time.Nanosecond)
		_, err := v.Consume(ctx, sess.ID, "shop-1", ledger.Zero())
		var ise *ledger.InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, ledger.SessionExpired, ise.Status)

		got, err := v.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.SessionExpired, got.Status)
		assert.Equal(t, "session ttl elapsed", got.Metadata[ledger.MetaExpiryReason])

		c, err := s.GetCustomer(ctx, addr)
		require.NoError(t, err)
		assert.True(t, c.TotalRedemptions.IsZero())
	})
}

func TestConsume_Partial(t *testing.T) {
	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xpart")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(50))
		v := ledger.NewRedemptionValidator(s, time.Hour)

		sess := approvedSession(t, v, addr, "shop-1", ledger.RCNFromInt(30))

		_, err := v.Consume(ctx, sess.ID, "shop-1", ledger.RCNFromInt(31))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = v.Consume(ctx, sess.ID, "shop-1", ledger.RCNFromInt(-1))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
		_, err = v.Consume(ctx, sess.ID, "shop-2", ledger.Zero())
		assert.ErrorIs(t, err, ledger.ErrShopMismatch)

		res, err := v.Consume(ctx, sess.ID, "shop-1", ledger.MustParseAmount("12.5"))
		require.NoError(t, err)
		assert.Equal(t, ledger.SessionUsed, res.Session.Status)
		assert.Equal(t, "12.5", res.Session.UsedAmount.String())
		assert.Equal(t, "12.5", res.Transaction.Amount.String())
		assert.Equal(t, ledger.OriginRedemption, res.Transaction.Origin)
		assert.Equal(t, sess.ID, res.Transaction.SessionID)
		assert.Equal(t, "37.5", res.Balance.Available.String())
	})
}

func TestConsume_SingleWinnerUnderConcurrency(t *testing.T) {
	// GIVEN: One approved 20 RCN session
	// WHEN: Ten goroutines consume it at once
	// THEN: Exactly one succeeds, the rest see "used", and redemptions grow
	//       by 20 only once

	forEachStore(t, func(t *testing.T, s ledger.TxStore) {
		ctx := context.Background()
		addr := ledger.Address("0xrace")
		newCustomer(t, s, addr)
		earn(t, s, addr, ledger.RCNFromInt(100))
		v := ledger.NewRedemptionValidator(s, time.Hour)
		sess := approvedSession(t, v, addr, "shop-1", ledger.RCNFromInt(20))

		const workers = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			other     []error
		)
		start := make(chan struct{})
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := v.Consume(ctx, sess.ID, "shop-1", ledger.Zero())
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
					return
				}
				other = append(other, err)
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, successes)
		require.Len(t, other, workers-1)
		for _, err := range other {
			var ise *ledger.InvalidStateError
			if assert.True(t, errors.As(err, &ise), "unexpected error: %v", err) {
				assert.Equal(t, ledger.SessionUsed, ise.Status)
				assert.Contains(t, err.Error(), "already used")
			}
		}

		c, err := s.GetCustomer(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "20", c.TotalRedemptions.String())

		redeemed, err := s.SumTransactions(ctx, addr, ledger.TxRedeem, ledger.StatusConfirmed, ledger.OriginRedemption)
		require.NoError(t, err)
		assert.Equal(t, "20", redeemed.String())
	})
}
