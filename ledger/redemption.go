/*
redemption.go - Redemption session lifecycle

PURPOSE:
  A shop asks to debit up to MaxAmount from a customer. The customer
  approves, then the shop consumes the session. Every step re-checks the
  balance through the shared formula in balance.go.

SESSION FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  Shop request ──▶ pending ──approve──▶ approved ──consume──▶ used │
  │                      │                    │                      │
  │                      │ reject             │ balance dropped      │
  │                      ▼                    │ or TTL elapsed       │
  │                  rejected                 ▼                      │
  │                                        expired                   │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

ATOMIC CONSUMPTION:
  Consume runs in one store transaction:
  1. Lock the customer aggregate row
  2. Re-validate the session (status, TTL, balance)
  3. Append a confirmed redeem row (idempotency key redeem:<session>)
  4. Compare-and-set the session approved -> used
  5. Add the amount to TotalRedemptions
  A second consumer either blocks on the row lock and then sees "used",
  or loses the compare-and-set; both surface as InvalidStateError.

EXPIRY WRITES:
  When re-validation fails on balance or TTL, the session is expired and
  that write is committed even though the caller gets an error back.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL is how long an approved session stays consumable.
const DefaultSessionTTL = 24 * time.Hour

// Approval is the structured outcome of ValidateForApproval.
type Approval struct {
	Approvable bool
	Reason     string
	Requested  Amount
	Available  Amount
	Deficit    Amount
}

// Redemption is the result of a successful Consume.
type Redemption struct {
	Session     RedemptionSession
	Transaction Transaction
	Balance     Balance
}

// =============================================================================
// REDEMPTION VALIDATOR
// =============================================================================

type RedemptionValidator struct {
	Store      TxStore
	Calc       *BalanceCalculator
	SessionTTL time.Duration
	Now        Clock
	NewID      func() string
}

func NewRedemptionValidator(store TxStore, ttl time.Duration) *RedemptionValidator {
	return &RedemptionValidator{
		Store:      store,
		Calc:       NewBalanceCalculator(store),
		SessionTTL: ttl,
		Now:        systemClock,
		NewID:      uuid.NewString,
	}
}

func (v *RedemptionValidator) now() time.Time {
	if v.Now == nil {
		return systemClock()
	}
	return v.Now().UTC()
}

func (v *RedemptionValidator) newID() string {
	if v.NewID == nil {
		return uuid.NewString()
	}
	return v.NewID()
}

// ValidateForApproval checks requested against the customer's available
// balance. The boundary is inclusive. It writes nothing.
func (v *RedemptionValidator) ValidateForApproval(ctx context.Context, addr Address, requested Amount) (Approval, error) {
	if !requested.IsPositive() {
		return Approval{}, ErrInvalidAmount
	}

	bal, err := v.Calc.Calculate(ctx, addr)
	if err != nil {
		return Approval{}, err
	}
	return approvalFor(bal, requested), nil
}

func approvalFor(bal Balance, requested Amount) Approval {
	if requested.LessOrEqual(bal.Available) {
		return Approval{
			Approvable: true,
			Requested:  requested,
			Available:  bal.Available,
			Deficit:    Zero(),
		}
	}
	return Approval{
		Approvable: false,
		Reason:     "insufficient balance",
		Requested:  requested,
		Available:  bal.Available,
		Deficit:    requested.Sub(bal.Available),
	}
}

// CreateSession records a shop's redemption request as a pending session.
// Requests the customer cannot cover are refused with an
// InsufficientBalanceError and nothing is stored.
func (v *RedemptionValidator) CreateSession(ctx context.Context, addr Address, shopID ShopID, maxAmount Amount) (*RedemptionSession, error) {
	approval, err := v.ValidateForApproval(ctx, addr, maxAmount)
	if err != nil {
		return nil, err
	}
	if !approval.Approvable {
		return nil, &InsufficientBalanceError{
			Address:   addr,
			Available: approval.Available,
			Requested: approval.Requested,
			Deficit:   approval.Deficit,
		}
	}

	session := RedemptionSession{
		ID:              SessionID(v.newID()),
		CustomerAddress: addr,
		ShopID:          shopID,
		MaxAmount:       maxAmount,
		Status:          SessionPending,
		CreatedAt:       v.now(),
		UsedAmount:      Zero(),
	}
	if err := v.Store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &session, nil
}

// Approve is the customer's consent. The session must be pending and the
// balance must still cover MaxAmount; otherwise the session is expired.
func (v *RedemptionValidator) Approve(ctx context.Context, id SessionID, addr Address) (*RedemptionSession, error) {
	var (
		outcome  error
		approved *RedemptionSession
	)

	err := v.Store.WithTx(ctx, func(s Store) error {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.CustomerAddress != addr {
			return ErrCustomerMismatch
		}
		if sess.Status != SessionPending {
			outcome = &InvalidStateError{SessionID: id, Status: sess.Status, Expected: SessionPending}
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

		now := v.now()
		if sess.MaxAmount.GreaterThan(bal.Available) {
			outcome, err = v.expire(ctx, s, sess, SessionPending, bal, "insufficient balance at approval")
			return err
		}

		t := SessionTransition{ID: id, From: SessionPending, To: SessionApproved, At: now}
		if v.SessionTTL > 0 {
			exp := now.Add(v.SessionTTL)
			t.ExpiresAt = &exp
		}
		if err := s.TransitionSession(ctx, t); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				outcome, err = lostRace(ctx, s, id, SessionPending)
				return err
			}
			return err
		}

		approved, err = s.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return approved, nil
}

// Reject is the customer's refusal of a pending session.
func (v *RedemptionValidator) Reject(ctx context.Context, id SessionID, addr Address) (*RedemptionSession, error) {
	var (
		outcome  error
		rejected *RedemptionSession
	)

	err := v.Store.WithTx(ctx, func(s Store) error {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.CustomerAddress != addr {
			return ErrCustomerMismatch
		}
		if sess.Status != SessionPending {
			outcome = &InvalidStateError{SessionID: id, Status: sess.Status, Expected: SessionPending}
			return nil
		}

		err = s.TransitionSession(ctx, SessionTransition{
			ID: id, From: SessionPending, To: SessionRejected, At: v.now(),
		})
		if errors.Is(err, ErrConcurrentModification) {
			outcome, err = lostRace(ctx, s, id, SessionPending)
			return err
		}
		if err != nil {
			return err
		}

		rejected, err = s.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return rejected, nil
}

// Get returns a session by ID.
func (v *RedemptionValidator) Get(ctx context.Context, id SessionID) (*RedemptionSession, error) {
	return v.Store.GetSession(ctx, id)
}

// RevalidateBeforeUse checks an approved session against the current
// balance. A session that no longer fits is expired. Calling it again on
// that session returns the same InvalidStateError every time.
func (v *RedemptionValidator) RevalidateBeforeUse(ctx context.Context, id SessionID) error {
	var outcome error

	err := v.Store.WithTx(ctx, func(s Store) error {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		_, outcome, err = v.revalidate(ctx, s, sess)
		return err
	})
	if err != nil {
		return err
	}
	return outcome
}

// Consume debits amount (zero means MaxAmount) against an approved session.
// See the package comment above for the atomicity guarantees.
func (v *RedemptionValidator) Consume(ctx context.Context, id SessionID, shopID ShopID, amount Amount) (*Redemption, error) {
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var (
		outcome error
		result  *Redemption
	)

	err := v.Store.WithTx(ctx, func(s Store) error {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.ShopID != shopID {
			return ErrShopMismatch
		}

		debit := amount
		if debit.IsZero() {
			debit = sess.MaxAmount
		}
		if debit.GreaterThan(sess.MaxAmount) {
			return fmt.Errorf("%w: %s exceeds approved %s", ErrInvalidAmount, debit, sess.MaxAmount)
		}

		c, out, err := v.revalidate(ctx, s, sess)
		if err != nil {
			return err
		}
		if out != nil {
			outcome = out
			return nil
		}

		now := v.now()
		tx := Transaction{
			ID:              TransactionID(v.newID()),
			Type:            TxRedeem,
			Status:          StatusConfirmed,
			Origin:          OriginRedemption,
			Amount:          debit,
			CustomerAddress: sess.CustomerAddress,
			ShopID:          sess.ShopID,
			SessionID:       sess.ID,
			IdempotencyKey:  "redeem:" + string(sess.ID),
			Reason:          "redemption session consumed",
			CreatedAt:       now,
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return &InvalidStateError{SessionID: id, Status: SessionUsed, Expected: SessionApproved}
			}
			return fmt.Errorf("failed to record redemption: %w", err)
		}

		err = s.TransitionSession(ctx, SessionTransition{
			ID: id, From: SessionApproved, To: SessionUsed, At: now, UsedAmount: debit,
		})
		if errors.Is(err, ErrConcurrentModification) {
			// Roll back the redeem row and report what the winner left behind.
			cur, rerr := s.GetSession(ctx, id)
			if rerr != nil {
				return rerr
			}
			return &InvalidStateError{SessionID: id, Status: cur.Status, Expected: SessionApproved}
		}
		if err != nil {
			return err
		}

		c.TotalRedemptions = c.TotalRedemptions.Add(debit)
		c.UpdatedAt = now
		if err := s.UpdateCustomerTotals(ctx, *c); err != nil {
			return fmt.Errorf("failed to update customer totals: %w", err)
		}

		used, err := s.GetSession(ctx, id)
		if err != nil {
			return err
		}
		bal, err := calculateFor(ctx, s, *c)
		if err != nil {
			return err
		}
		result = &Redemption{Session: *used, Transaction: tx, Balance: bal}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return result, nil
}

// revalidate must run inside WithTx. It returns the locked customer when the
// session is still good, or an outcome error describing why it is not.
// Expiry writes made here are meant to be committed.
func (v *RedemptionValidator) revalidate(ctx context.Context, s Store, sess *RedemptionSession) (c *Customer, reject error, err error) {
	if sess.Status != SessionApproved {
		return nil, &InvalidStateError{SessionID: sess.ID, Status: sess.Status, Expected: SessionApproved}, nil
	}

	c, err = s.GetCustomerForUpdate(ctx, sess.CustomerAddress)
	if err != nil {
		return nil, nil, err
	}
	bal, err := calculateFor(ctx, s, *c)
	if err != nil {
		return nil, nil, err
	}

	if sess.ExpiresAt != nil && v.now().After(*sess.ExpiresAt) {
		if _, err := v.expire(ctx, s, sess, SessionApproved, bal, "session ttl elapsed"); err != nil {
			return nil, nil, err
		}
		return nil, &InvalidStateError{SessionID: sess.ID, Status: SessionExpired, Expected: SessionApproved}, nil
	}

	if sess.MaxAmount.GreaterThan(bal.Available) {
		out, err := v.expire(ctx, s, sess, SessionApproved, bal, "insufficient balance")
		return nil, out, err
	}
	return c, nil, nil
}

// expire moves sess from `from` to expired and returns the outcome the
// caller should report.
func (v *RedemptionValidator) expire(ctx context.Context, s Store, sess *RedemptionSession, from SessionStatus, bal Balance, reason string) (reject error, err error) {
	deficit := sess.MaxAmount.Sub(bal.Available).ClampZero()
	err = s.TransitionSession(ctx, SessionTransition{
		ID:   sess.ID,
		From: from,
		To:   SessionExpired,
		At:   v.now(),
		Metadata: map[string]string{
			MetaExpiryReason: reason,
			MetaDeficit:      deficit.String(),
		},
	})
	if errors.Is(err, ErrConcurrentModification) {
		return lostRace(ctx, s, sess.ID, from)
	}
	if err != nil {
		return nil, err
	}
	return &InsufficientBalanceError{
		Address:   sess.CustomerAddress,
		SessionID: sess.ID,
		Available: bal.Available,
		Requested: sess.MaxAmount,
		Deficit:   deficit,
	}, nil
}

// lostRace re-reads a session after a failed compare-and-set so the caller
// sees the state the winner left.
func lostRace(ctx context.Context, s Store, id SessionID, expected SessionStatus) (reject error, err error) {
	cur, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &InvalidStateError{SessionID: id, Status: cur.Status, Expected: expected}, nil
}
