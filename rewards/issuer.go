package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/repaircoin/rcn-engine/ledger"
)

var (
	// ErrRepairTooSmall is returned when a repair is below the lowest tier.
	ErrRepairTooSmall = errors.New("repair amount below minimum reward tier")

	// ErrNotReferred is returned when a referral reward is requested for a
	// customer nobody referred.
	ErrNotReferred = errors.New("customer was not referred")
)

// =============================================================================
// ISSUER
// =============================================================================

type Issuer struct {
	Store    ledger.TxStore
	Tiers    []Tier
	Limits   Limits
	Referral ReferralAmounts
	Now      ledger.Clock
	NewID    func() string
}

func NewIssuer(store ledger.TxStore, limits Limits) *Issuer {
	return &Issuer{
		Store:    store,
		Tiers:    DefaultTiers(),
		Limits:   limits,
		Referral: DefaultReferralAmounts(),
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
	}
}

func (i *Issuer) now() time.Time {
	if i.Now == nil {
		return time.Now().UTC()
	}
	return i.Now().UTC()
}

func (i *Issuer) newID() string {
	if i.NewID == nil {
		return uuid.NewString()
	}
	return i.NewID()
}

// IssueRepairReward credits the tier reward for repairAmount plus an
// optional shop bonus. Daily and monthly limits apply.
func (i *Issuer) IssueRepairReward(ctx context.Context, addr ledger.Address, shopID ledger.ShopID, repairAmount, bonus ledger.Amount, idempotencyKey string) (*Issued, error) {
	if !repairAmount.IsPositive() || bonus.IsNegative() {
		return nil, ledger.ErrInvalidAmount
	}
	tier, ok := TierFor(i.Tiers, repairAmount)
	if !ok {
		return nil, ErrRepairTooSmall
	}
	reward := tier.RewardRCN.Add(bonus)

	var issued *Issued
	err := i.Store.WithTx(ctx, func(s ledger.Store) error {
		var err error
		issued, err = i.credit(ctx, s, credit{
			addr:           addr,
			shopID:         shopID,
			amount:         reward,
			origin:         ledger.OriginShopReward,
			reason:         fmt.Sprintf("repair reward (%s)", tier.Name),
			idempotencyKey: idempotencyKey,
			metadata: map[string]string{
				"repair_amount": repairAmount.String(),
				"tier":          tier.Name,
			},
			enforceLimits: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	issued.Tier = tier.Name
	return issued, nil
}

// IssueReferralReward credits both sides of a referral once per referee.
// Referral credits count toward lifetime earnings but not toward limits.
func (i *Issuer) IssueReferralReward(ctx context.Context, referee ledger.Address, shopID ledger.ShopID) ([]Issued, error) {
	var out []Issued
	err := i.Store.WithTx(ctx, func(s ledger.Store) error {
		c, err := s.GetCustomer(ctx, referee)
		if err != nil {
			return err
		}
		if c.ReferredBy == "" {
			return ErrNotReferred
		}

		toReferrer, err := i.credit(ctx, s, credit{
			addr:           c.ReferredBy,
			shopID:         shopID,
			amount:         i.Referral.Referrer,
			origin:         ledger.OriginReferralBonus,
			reason:         "referral reward (referrer)",
			idempotencyKey: "referral:referrer:" + string(referee),
			metadata:       map[string]string{"referee": string(referee)},
		})
		if err != nil {
			return err
		}
		toReferee, err := i.credit(ctx, s, credit{
			addr:           referee,
			shopID:         shopID,
			amount:         i.Referral.Referee,
			origin:         ledger.OriginReferralBonus,
			reason:         "referral reward (referee)",
			idempotencyKey: "referral:referee:" + string(referee),
			metadata:       map[string]string{"referrer": string(c.ReferredBy)},
		})
		if err != nil {
			return err
		}
		out = []Issued{*toReferrer, *toReferee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type credit struct {
	addr           ledger.Address
	shopID         ledger.ShopID
	amount         ledger.Amount
	origin         ledger.TransactionOrigin
	reason         string
	idempotencyKey string
	metadata       map[string]string
	enforceLimits  bool
}

// credit must run inside WithTx.
func (i *Issuer) credit(ctx context.Context, s ledger.Store, cr credit) (*Issued, error) {
	c, err := s.GetCustomerForUpdate(ctx, cr.addr)
	if err != nil {
		return nil, err
	}

	now := i.now()
	c.RollEarnings(now)
	if cr.enforceLimits {
		if err := i.checkLimits(c, cr.amount); err != nil {
			return nil, err
		}
	}

	tx := ledger.Transaction{
		ID:              ledger.TransactionID(i.newID()),
		Type:            ledger.TxMint,
		Status:          ledger.StatusConfirmed,
		Origin:          cr.origin,
		Amount:          cr.amount,
		CustomerAddress: cr.addr,
		ShopID:          cr.shopID,
		IdempotencyKey:  cr.idempotencyKey,
		Reason:          cr.reason,
		Metadata:        cr.metadata,
		CreatedAt:       now,
	}
	if err := s.AppendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record reward: %w", err)
	}

	c.LifetimeEarnings = c.LifetimeEarnings.Add(cr.amount)
	if cr.enforceLimits {
		c.DailyEarnings = c.DailyEarnings.Add(cr.amount)
		c.MonthlyEarnings = c.MonthlyEarnings.Add(cr.amount)
		c.LastEarnedDate = &now
	}
	c.UpdatedAt = now
	if err := s.UpdateCustomerTotals(ctx, *c); err != nil {
		return nil, fmt.Errorf("failed to update customer totals: %w", err)
	}

	minted, err := s.SumTransactions(ctx, cr.addr, ledger.TxMint, ledger.StatusConfirmed, ledger.OriginWalletMint)
	if err != nil {
		return nil, err
	}
	return &Issued{Transaction: tx, Customer: *c, Balance: ledger.Available(*c, minted)}, nil
}

func (i *Issuer) checkLimits(c *ledger.Customer, amount ledger.Amount) error {
	if i.Limits.Daily.IsPositive() && c.DailyEarnings.Add(amount).GreaterThan(i.Limits.Daily) {
		return &ledger.EarningLimitError{
			Address: c.Address, Window: "daily",
			Limit: i.Limits.Daily, Current: c.DailyEarnings, Requested: amount,
		}
	}
	if i.Limits.Monthly.IsPositive() && c.MonthlyEarnings.Add(amount).GreaterThan(i.Limits.Monthly) {
		return &ledger.EarningLimitError{
			Address: c.Address, Window: "monthly",
			Limit: i.Limits.Monthly, Current: c.MonthlyEarnings, Requested: amount,
		}
	}
	return nil
}
