package rewards_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/rewards"
	"github.com/repaircoin/rcn-engine/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func rcn(n int64) ledger.Amount {
	return ledger.RCNFromInt(n)
}

// newTestIssuer returns an issuer whose clock reads *now and whose IDs are
// sequential.
func newTestIssuer(store ledger.TxStore, limits rewards.Limits, now *time.Time) *rewards.Issuer {
	i := rewards.NewIssuer(store, limits)
	i.Now = func() time.Time { return *now }
	seq := 0
	i.NewID = func() string {
		seq++
		return fmt.Sprintf("rw-%d", seq)
	}
	return i
}

func createCustomer(t *testing.T, store ledger.Store, addr, referredBy ledger.Address) {
	t.Helper()
	c := ledger.NewCustomer(addr, string(addr), referredBy, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.CreateCustomer(context.Background(), c))
}

// =============================================================================
// TIERS
// =============================================================================

func TestTierFor(t *testing.T) {
	tiers := rewards.DefaultTiers()

	tests := []struct {
		repair string
		tier   string
		reward string
		ok     bool
	}{
		{"49.99", "", "", false},
		{"50", "small_repair", "10", true},
		{"99.99", "small_repair", "10", true},
		{"100", "large_repair", "25", true},
		{"2500", "large_repair", "25", true},
	}

	for _, tt := range tests {
		t.Run(tt.repair, func(t *testing.T) {
			tier, ok := rewards.TierFor(tiers, ledger.MustParseAmount(tt.repair))
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.tier, tier.Name)
				assert.Equal(t, tt.reward, tier.RewardRCN.String())
			}
		})
	}
}

func TestTierFor_UnsortedTable(t *testing.T) {
	// GIVEN: A tier table listed lowest first
	// WHEN: Looking up a large repair
	// THEN: The highest covered tier still wins

	tiers := []rewards.Tier{
		{Name: "bronze", MinRepair: rcn(10), RewardRCN: rcn(1)},
		{Name: "gold", MinRepair: rcn(300), RewardRCN: rcn(40)},
		{Name: "silver", MinRepair: rcn(100), RewardRCN: rcn(15)},
	}
	tier, ok := rewards.TierFor(tiers, rcn(150))
	require.True(t, ok)
	assert.Equal(t, "silver", tier.Name)
}

// =============================================================================
// REPAIR REWARDS
// =============================================================================

func TestIssueRepairReward(t *testing.T) {
	// GIVEN: A customer with no history
	// WHEN: A $120 repair with a 5 RCN shop bonus is rewarded
	// THEN: 30 RCN is credited as a confirmed shop reward

	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(store, rewards.DefaultLimits(), &now)
	createCustomer(t, store, "0xa1", "")

	issued, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(120), rcn(5), "")
	require.NoError(t, err)

	assert.Equal(t, "large_repair", issued.Tier)
	assert.Equal(t, "30", issued.Transaction.Amount.String())
	assert.Equal(t, ledger.OriginShopReward, issued.Transaction.Origin)
	assert.Equal(t, ledger.StatusConfirmed, issued.Transaction.Status)
	assert.Equal(t, ledger.ShopID("shop-001"), issued.Transaction.ShopID)
	assert.Equal(t, "120", issued.Transaction.Metadata["repair_amount"])
	assert.Equal(t, "30", issued.Customer.LifetimeEarnings.String())
	assert.Equal(t, "30", issued.Customer.DailyEarnings.String())
	assert.Equal(t, "30", issued.Balance.Available.String())

	stored, err := store.GetCustomer(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, "30", stored.LifetimeEarnings.String())
	require.NotNil(t, stored.LastEarnedDate)
	assert.True(t, stored.LastEarnedDate.Equal(now))
}

func TestIssueRepairReward_Rejections(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(store, rewards.Limits{}, &now)
	createCustomer(t, store, "0xa1", "")

	_, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(30), ledger.Zero(), "")
	assert.ErrorIs(t, err, rewards.ErrRepairTooSmall)

	_, err = issuer.IssueRepairReward(ctx, "0xa1", "shop-001", ledger.Zero(), ledger.Zero(), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(120), rcn(-1), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = issuer.IssueRepairReward(ctx, "0xmissing", "shop-001", rcn(120), ledger.Zero(), "")
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}

func TestIssueRepairReward_IdempotencyKey(t *testing.T) {
	// GIVEN: A reward already issued with key "repair-42"
	// WHEN: The shop retries with the same key
	// THEN: The retry is refused and nothing is credited twice

	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(store, rewards.Limits{}, &now)
	createCustomer(t, store, "0xa1", "")

	_, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(60), ledger.Zero(), "repair-42")
	require.NoError(t, err)
	_, err = issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(60), ledger.Zero(), "repair-42")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	stored, err := store.GetCustomer(ctx, "0xa1")
	require.NoError(t, err)
	assert.Equal(t, "10", stored.LifetimeEarnings.String())
}

// =============================================================================
// LIMITS
// =============================================================================

func TestIssueRepairReward_DailyLimit(t *testing.T) {
	// GIVEN: A 50 RCN daily limit
	// WHEN: Two 25 RCN rewards and a 10 RCN reward land on the same day
	// THEN: The third is refused; the next day it succeeds

	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(store, rewards.DefaultLimits(), &now)
	createCustomer(t, store, "0xa1", "")

	for i := 0; i < 2; i++ {
		_, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(150), ledger.Zero(), "")
		require.NoError(t, err)
	}

	now = now.Add(10 * time.Hour)
	_, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(60), ledger.Zero(), "")
	var limitErr *ledger.EarningLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "daily", limitErr.Window)
	assert.Equal(t, "50", limitErr.Current.String())
	assert.Equal(t, "10", limitErr.Requested.String())

	now = time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC)
	issued, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(60), ledger.Zero(), "")
	require.NoError(t, err)
	assert.Equal(t, "10", issued.Customer.DailyEarnings.String())
	assert.Equal(t, "60", issued.Customer.MonthlyEarnings.String())
	assert.Equal(t, "60", issued.Customer.LifetimeEarnings.String())
}

func TestIssueRepairReward_MonthlyLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(store, rewards.Limits{Monthly: rcn(60)}, &now)
	createCustomer(t, store, "0xa1", "")

	for _, day := range []int{30, 31} {
		now = time.Date(2026, 3, day, 12, 0, 0, 0, time.UTC)
		_, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(100), ledger.Zero(), "")
		require.NoError(t, err)
	}

	_, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(100), ledger.Zero(), "")
	var limitErr *ledger.EarningLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "monthly", limitErr.Window)

	now = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	issued, err := issuer.IssueRepairReward(ctx, "0xa1", "shop-001", rcn(100), ledger.Zero(), "")
	require.NoError(t, err)
	assert.Equal(t, "25", issued.Customer.MonthlyEarnings.String())
	assert.Equal(t, "75", issued.Customer.LifetimeEarnings.String())
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestIssueReferralReward(t *testing.T) {
	// GIVEN: 0xb2 referred 0xa1
	// WHEN: The referral reward is issued, then issued again
	// THEN: Referrer gets 25 and referee 10 once; the retry is refused

	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(store, rewards.DefaultLimits(), &now)
	createCustomer(t, store, "0xb2", "")
	createCustomer(t, store, "0xa1", "0xb2")

	issued, err := issuer.IssueReferralReward(ctx, "0xa1", "shop-001")
	require.NoError(t, err)
	require.Len(t, issued, 2)
	assert.Equal(t, ledger.Address("0xb2"), issued[0].Transaction.CustomerAddress)
	assert.Equal(t, "25", issued[0].Transaction.Amount.String())
	assert.Equal(t, ledger.Address("0xa1"), issued[1].Transaction.CustomerAddress)
	assert.Equal(t, "10", issued[1].Transaction.Amount.String())
	for _, is := range issued {
		assert.Equal(t, ledger.OriginReferralBonus, is.Transaction.Origin)
		assert.True(t, is.Customer.DailyEarnings.IsZero(), "referral credits do not count toward limits")
	}

	_, err = issuer.IssueReferralReward(ctx, "0xa1", "shop-001")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	referrer, err := store.GetCustomer(ctx, "0xb2")
	require.NoError(t, err)
	assert.Equal(t, "25", referrer.LifetimeEarnings.String())
}

func TestIssueReferralReward_NotReferred(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(store, rewards.DefaultLimits(), &now)
	createCustomer(t, store, "0xa1", "")

	_, err := issuer.IssueReferralReward(ctx, "0xa1", "shop-001")
	assert.ErrorIs(t, err, rewards.ErrNotReferred)

	_, err = issuer.IssueReferralReward(ctx, "0xmissing", "shop-001")
	assert.ErrorIs(t, err, ledger.ErrCustomerNotFound)
}
