/*
balance.go - Available balance calculation

PURPOSE:
  Answers "how much RCN can this customer spend right now?". Every caller
  that needs the number (customer balance lookup, shop redemption checks,
  wallet mint requests, the auditor) goes through Available, so two call
  sites can never disagree.

FORMULA:
  Available = max(0, LifetimeEarnings
                     - TotalRedemptions
                     - PendingMintBalance
                     - MintedToWallet)

  MintedToWallet is the sum of confirmed mint rows with origin wallet_mint.
  Shop rewards are also mint rows, but they stay on the ledger and are
  already counted in LifetimeEarnings.

EXAMPLE:
  Lifetime 100, redeemed 30, pending mint 10, nothing minted to wallet:
  Available = 100 - 30 - 10 - 0 = 60

CLAMPING:
  Inconsistent bookkeeping (redemptions above earnings) yields 0, never a
  negative balance. Balance.Raw keeps the unclamped value for the auditor.
*/
package ledger

import (
	"context"
	"fmt"
)

// Balance is the computed view of one customer's funds.
type Balance struct {
	Address            Address
	LifetimeEarnings   Amount
	TotalRedemptions   Amount
	PendingMintBalance Amount
	MintedToWallet     Amount

	// Raw is the unclamped formula result.
	Raw Amount

	// Available is Raw clamped at zero.
	Available Amount
}

// Available is the single balance formula.
func Available(c Customer, mintedToWallet Amount) Balance {
	raw := c.LifetimeEarnings.
		Sub(c.TotalRedemptions).
		Sub(c.PendingMintBalance).
		Sub(mintedToWallet)

	return Balance{
		Address:            c.Address,
		LifetimeEarnings:   c.LifetimeEarnings,
		TotalRedemptions:   c.TotalRedemptions,
		PendingMintBalance: c.PendingMintBalance,
		MintedToWallet:     mintedToWallet,
		Raw:                raw,
		Available:          raw.ClampZero(),
	}
}

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

// BalanceCalculator computes balances from stored ledger state. It holds no
// state of its own.
type BalanceCalculator struct {
	Store Store
}

func NewBalanceCalculator(store Store) *BalanceCalculator {
	return &BalanceCalculator{Store: store}
}

// Calculate returns the balance for addr, or ErrCustomerNotFound.
func (bc *BalanceCalculator) Calculate(ctx context.Context, addr Address) (Balance, error) {
	return calculate(ctx, bc.Store, addr)
}

// calculate runs the formula against any Store, including the view handed
// to a WithTx callback.
func calculate(ctx context.Context, s Store, addr Address) (Balance, error) {
	c, err := s.GetCustomer(ctx, addr)
	if err != nil {
		return Balance{}, err
	}
	return calculateFor(ctx, s, *c)
}

func calculateFor(ctx context.Context, s Store, c Customer) (Balance, error) {
	minted, err := s.SumTransactions(ctx, c.Address, TxMint, StatusConfirmed, OriginWalletMint)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to sum wallet mints: %w", err)
	}
	return Available(c, minted), nil
}
