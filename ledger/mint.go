package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// WALLET MINTS - Moving ledger balance on-chain
// =============================================================================

// MintService records the ledger side of wallet-direct mints. The on-chain
// submission happens elsewhere; it reports back through Confirm or Fail.
//
//	Request: pending wallet_mint row, PendingMintBalance += amount
//	Confirm: row -> confirmed,        PendingMintBalance -= amount
//	Fail:    row -> failed,           PendingMintBalance -= amount
//
// Available drops at Request and stays put at Confirm, because the amount
// moves from PendingMintBalance to MintedToWallet.
type MintService struct {
	Store TxStore
	Now   Clock
	NewID func() string
}

func NewMintService(store TxStore) *MintService {
	return &MintService{Store: store, Now: systemClock, NewID: uuid.NewString}
}

func (m *MintService) now() time.Time {
	if m.Now == nil {
		return systemClock()
	}
	return m.Now().UTC()
}

// RequestWalletMint holds amount for an on-chain mint.
func (m *MintService) RequestWalletMint(ctx context.Context, addr Address, amount Amount, idempotencyKey string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var tx Transaction
	err := m.Store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCustomerForUpdate(ctx, addr)
		if err != nil {
			return err
		}
		bal, err := calculateFor(ctx, s, *c)
		if err != nil {
			return err
		}
		if amount.GreaterThan(bal.Available) {
			return &InsufficientBalanceError{
				Address:   addr,
				Available: bal.Available,
				Requested: amount,
				Deficit:   amount.Sub(bal.Available),
			}
		}

		now := m.now()
		id := uuid.NewString()
		if m.NewID != nil {
			id = m.NewID()
		}
		tx = Transaction{
			ID:              TransactionID(id),
			Type:            TxMint,
			Status:          StatusPending,
			Origin:          OriginWalletMint,
			Amount:          amount,
			CustomerAddress: addr,
			IdempotencyKey:  idempotencyKey,
			Reason:          "mint to wallet requested",
			CreatedAt:       now,
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		c.PendingMintBalance = c.PendingMintBalance.Add(amount)
		c.UpdatedAt = now
		return s.UpdateCustomerTotals(ctx, *c)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ConfirmWalletMint marks a pending wallet mint as settled on-chain.
func (m *MintService) ConfirmWalletMint(ctx context.Context, id TransactionID) (*Transaction, error) {
	return m.settle(ctx, id, StatusConfirmed)
}

// FailWalletMint releases the hold of a mint that never landed.
func (m *MintService) FailWalletMint(ctx context.Context, id TransactionID) (*Transaction, error) {
	return m.settle(ctx, id, StatusFailed)
}

func (m *MintService) settle(ctx context.Context, id TransactionID, to TransactionStatus) (*Transaction, error) {
	var settled *Transaction
	err := m.Store.WithTx(ctx, func(s Store) error {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx.Type != TxMint || tx.Origin != OriginWalletMint {
			return fmt.Errorf("%w: transaction %s is not a wallet mint", ErrInvalidState, id)
		}
		if tx.Status != StatusPending {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, id, tx.Status)
		}

		c, err := s.GetCustomerForUpdate(ctx, tx.CustomerAddress)
		if err != nil {
			return err
		}
		if err := s.SetTransactionStatus(ctx, id, StatusPending, to); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				return fmt.Errorf("%w: transaction %s already settled", ErrInvalidState, id)
			}
			return err
		}

		c.PendingMintBalance = c.PendingMintBalance.Sub(tx.Amount).ClampZero()
		c.UpdatedAt = m.now()
		if err := s.UpdateCustomerTotals(ctx, *c); err != nil {
			return err
		}

		tx.Status = to
		settled = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}
