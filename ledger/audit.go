/*
audit.go - Offline ledger diagnostics

PURPOSE:
  Finds anomalies that the live request path cannot see:
  - Approved sessions that no longer fit the customer's balance
  - Duplicate confirmed mint rows (same amount, shop and timestamp)
  - Customer aggregate columns that drifted from the ledger
  - Approved sessions whose TTL has passed

WRITE AUTHORITY:
  The auditor only ever expires sessions. Ledger rows are flagged for
  human review, never removed or rewritten.

FAILURES:
  Scans are safe to re-run. Callers (cmd/rcn-audit, the sweeper) log the
  error and treat the report as empty.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// InvalidSession is an approved, unused session whose MaxAmount exceeds the
// customer's current available balance.
type InvalidSession struct {
	Session   RedemptionSession
	Available Amount
	Deficit   Amount
	Expired   bool // set when fix was requested and the expiry was written
}

// DuplicateGroup is a set of confirmed mint rows sharing amount, shop and
// timestamp.
type DuplicateGroup struct {
	Amount         Amount
	ShopID         ShopID
	Timestamp      time.Time
	Count          int
	TransactionIDs []TransactionID
}

// Drift compares a customer's cached totals against the ledger.
type Drift struct {
	Address Address

	CachedLifetime    Amount
	LedgerLifetime    Amount
	CachedRedemptions Amount
	LedgerRedemptions Amount
	CachedPendingMint Amount
	LedgerPendingMint Amount
	MintedToWallet    Amount

	// InvariantViolated is set when lifetime earnings cannot cover
	// redemptions, pending mints and wallet mints.
	InvariantViolated bool
}

// InSync reports whether every cached column matches the ledger.
func (d Drift) InSync() bool {
	return d.CachedLifetime.Equal(d.LedgerLifetime) &&
		d.CachedRedemptions.Equal(d.LedgerRedemptions) &&
		d.CachedPendingMint.Equal(d.LedgerPendingMint)
}

// =============================================================================
// RECONCILIATION AUDITOR
// =============================================================================

type ReconciliationAuditor struct {
	Store TxStore
	Calc  *BalanceCalculator
	Now   Clock
}

func NewReconciliationAuditor(store TxStore) *ReconciliationAuditor {
	return &ReconciliationAuditor{
		Store: store,
		Calc:  NewBalanceCalculator(store),
		Now:   systemClock,
	}
}

func (a *ReconciliationAuditor) now() time.Time {
	if a.Now == nil {
		return systemClock()
	}
	return a.Now().UTC()
}

// FindInvalidApprovedSessions scans approved, unused sessions and flags the
// ones the customer can no longer cover. With fix set, each flagged session
// is expired with an expiry_reason annotation.
func (a *ReconciliationAuditor) FindInvalidApprovedSessions(ctx context.Context, fix bool) ([]InvalidSession, error) {
	sessions, err := a.Store.ListSessions(ctx, SessionFilter{Status: SessionApproved, UnusedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list approved sessions: %w", err)
	}

	var flagged []InvalidSession
	for _, sess := range sessions {
		bal, err := a.Calc.Calculate(ctx, sess.CustomerAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to calculate balance for %s: %w", sess.CustomerAddress, err)
		}
		if !sess.MaxAmount.GreaterThan(bal.Available) {
			continue
		}

		item := InvalidSession{
			Session:   sess,
			Available: bal.Available,
			Deficit:   sess.MaxAmount.Sub(bal.Available),
		}
		if fix {
			expired, err := a.expireIfStillInvalid(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			item.Expired = expired
		}
		flagged = append(flagged, item)
	}
	return flagged, nil
}

// expireIfStillInvalid re-checks under the customer lock before writing, so
// a balance top-up between scan and fix is respected.
func (a *ReconciliationAuditor) expireIfStillInvalid(ctx context.Context, id SessionID) (bool, error) {
	expired := false
	err := a.Store.WithTx(ctx, func(s Store) error {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status != SessionApproved || sess.UsedAt != nil {
			return nil
		}
		c, err := s.GetCustomerForUpdate(ctx, sess.CustomerAddress)
		if err != nil {
			return err
		}
		bal, err := calculateFor(ctx, s, *c)
		if err != nil {
			return err
		}
		if !sess.MaxAmount.GreaterThan(bal.Available) {
			return nil
		}

		err = s.TransitionSession(ctx, SessionTransition{
			ID:   id,
			From: SessionApproved,
			To:   SessionExpired,
			At:   a.now(),
			Metadata: map[string]string{
				MetaExpiryReason: "balance below approved amount",
				MetaDeficit:      sess.MaxAmount.Sub(bal.Available).String(),
			},
		})
		if errors.Is(err, ErrConcurrentModification) {
			return nil
		}
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// FindDuplicateMints groups addr's confirmed mint rows by (amount, shop,
// timestamp to the second) and returns every group with more than one row.
func (a *ReconciliationAuditor) FindDuplicateMints(ctx context.Context, addr Address) ([]DuplicateGroup, error) {
	txs, err := a.Store.Transactions(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	type groupKey struct {
		amount string
		shop   ShopID
		at     int64
	}

	groups := make(map[groupKey]*DuplicateGroup)
	var order []groupKey
	for _, tx := range txs {
		if tx.Type != TxMint || tx.Status != StatusConfirmed {
			continue
		}
		at := tx.CreatedAt.UTC().Truncate(time.Second)
		k := groupKey{amount: tx.Amount.String(), shop: tx.ShopID, at: at.Unix()}
		g, ok := groups[k]
		if !ok {
			g = &DuplicateGroup{Amount: tx.Amount, ShopID: tx.ShopID, Timestamp: at}
			groups[k] = g
			order = append(order, k)
		}
		g.Count++
		g.TransactionIDs = append(g.TransactionIDs, tx.ID)
	}

	var dups []DuplicateGroup
	for _, k := range order {
		if g := groups[k]; g.Count > 1 {
			dups = append(dups, *g)
		}
	}
	sort.SliceStable(dups, func(i, j int) bool {
		return dups[i].Timestamp.Before(dups[j].Timestamp)
	})
	return dups, nil
}

// ReconcileCustomer recomputes addr's aggregate columns from the ledger.
func (a *ReconciliationAuditor) ReconcileCustomer(ctx context.Context, addr Address) (Drift, error) {
	c, err := a.Store.GetCustomer(ctx, addr)
	if err != nil {
		return Drift{}, err
	}
	txs, err := a.Store.Transactions(ctx, addr)
	if err != nil {
		return Drift{}, fmt.Errorf("failed to load transactions: %w", err)
	}

	lifetime, redeemed, pending, minted := Zero(), Zero(), Zero(), Zero()
	for _, tx := range txs {
		switch {
		case tx.Type == TxMint && tx.Origin.IsEarning() && tx.Status == StatusConfirmed:
			lifetime = lifetime.Add(tx.Amount)
		case tx.Type == TxMint && tx.Origin == OriginWalletMint && tx.Status == StatusPending:
			pending = pending.Add(tx.Amount)
		case tx.Type == TxMint && tx.Origin == OriginWalletMint && tx.Status == StatusConfirmed:
			minted = minted.Add(tx.Amount)
		case tx.Type == TxRedeem && tx.Status == StatusConfirmed:
			redeemed = redeemed.Add(tx.Amount)
		}
	}

	bal := Available(*c, minted)
	return Drift{
		Address:           addr,
		CachedLifetime:    c.LifetimeEarnings,
		LedgerLifetime:    lifetime,
		CachedRedemptions: c.TotalRedemptions,
		LedgerRedemptions: redeemed,
		CachedPendingMint: c.PendingMintBalance,
		LedgerPendingMint: pending,
		MintedToWallet:    minted,
		InvariantViolated: bal.Raw.IsNegative(),
	}, nil
}

// ReconcileAll runs ReconcileCustomer for every customer and returns the
// ones that are out of sync or violate the balance invariant.
func (a *ReconciliationAuditor) ReconcileAll(ctx context.Context) ([]Drift, error) {
	customers, err := a.Store.ListCustomers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}

	var drifted []Drift
	for _, c := range customers {
		d, err := a.ReconcileCustomer(ctx, c.Address)
		if err != nil {
			return nil, err
		}
		if !d.InSync() || d.InvariantViolated {
			drifted = append(drifted, d)
		}
	}
	return drifted, nil
}

// ExpireStaleSessions expires approved sessions whose ExpiresAt is before
// now. Sessions another writer moved first are skipped.
func (a *ReconciliationAuditor) ExpireStaleSessions(ctx context.Context, now time.Time) ([]RedemptionSession, error) {
	sessions, err := a.Store.ListSessions(ctx, SessionFilter{Status: SessionApproved, UnusedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list approved sessions: %w", err)
	}

	var expired []RedemptionSession
	for _, sess := range sessions {
		if sess.ExpiresAt == nil || !now.After(*sess.ExpiresAt) {
			continue
		}
		err := a.Store.TransitionSession(ctx, SessionTransition{
			ID:       sess.ID,
			From:     SessionApproved,
			To:       SessionExpired,
			At:       now,
			Metadata: map[string]string{MetaExpiryReason: "session ttl elapsed"},
		})
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to expire session %s: %w", sess.ID, err)
		}
		sess.Status = SessionExpired
		expired = append(expired, sess)
	}
	return expired, nil
}
