/*
Package ledger provides the RCN balance and redemption engine.

PURPOSE:
  This package holds the domain model and the three computations that keep
  customer balances consistent: balance calculation, redemption session
  validation and ledger reconciliation. Storage lives behind the Store
  interface; HTTP, payments and on-chain minting live elsewhere.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: An RCN quantity backed by decimal.Decimal
  - Address: A normalized (lowercase) customer wallet address
  - Customer: Aggregate row (cached totals derived from the ledger)
  - Transaction: An append-only ledger entry
  - RedemptionSession: Shop-initiated, customer-approved debit authorization

DESIGN PRINCIPLES:
  1. Append-only: Transactions are never deleted; only pending rows move
     to confirmed or failed
  2. Precision: decimal.Decimal everywhere, no float comparisons
  3. Typed provenance: TransactionOrigin replaces free-form metadata keys
  4. One normalization: addresses are lowercased once, on the way in

USAGE:
  addr := ledger.NormalizeAddress("0xAbC...")
  tx := ledger.Transaction{
      CustomerAddress: addr,
      Type:            ledger.TxMint,
      Origin:          ledger.OriginShopReward,
      Status:          ledger.StatusConfirmed,
      Amount:          ledger.RCN(25),
  }

SEE ALSO:
  - balance.go: The shared available-balance formula
  - redemption.go: Session lifecycle and atomic consumption
  - audit.go: Offline anomaly detection
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - RCN quantity
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func RCN(value float64) Amount {
	return Amount{Value: decimal.NewFromFloat(value)}
}

func RCNFromInt(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

// ParseAmount parses a decimal string such as "12.50".
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, err
	}
	return Amount{Value: d}, nil
}

// MustParseAmount is ParseAmount for trusted input; invalid text yields zero.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		return Zero()
	}
	return a
}

func Zero() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount        { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount        { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount                { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool           { return a.Value.IsNegative() }
func (a Amount) IsZero() bool               { return a.Value.IsZero() }
func (a Amount) IsPositive() bool           { return a.Value.IsPositive() }
func (a Amount) GreaterThan(b Amount) bool  { return a.Value.GreaterThan(b.Value) }
func (a Amount) LessThan(b Amount) bool     { return a.Value.LessThan(b.Value) }
func (a Amount) LessOrEqual(b Amount) bool  { return a.Value.LessThanOrEqual(b.Value) }
func (a Amount) Equal(b Amount) bool        { return a.Value.Equal(b.Value) }
func (a Amount) String() string             { return a.Value.String() }
func (a Amount) StringFixed() string        { return a.Value.StringFixed(2) }

// ClampZero returns a, or zero if a is negative.
func (a Amount) ClampZero() Amount {
	if a.IsNegative() {
		return Zero()
	}
	return a
}

func (a Amount) Min(b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

// Address is a customer wallet address in canonical lowercase form.
// Construct it with NormalizeAddress; stored rows never hold mixed case.
type Address string

func NormalizeAddress(raw string) Address {
	return Address(strings.ToLower(strings.TrimSpace(raw)))
}

func (a Address) String() string { return string(a) }

type ShopID string
type SessionID string
type TransactionID string

// =============================================================================
// CUSTOMER - Aggregate row
// =============================================================================

// Customer carries the denormalized totals for one wallet.
// LifetimeEarnings, TotalRedemptions and PendingMintBalance are a cache of
// the transaction ledger and are only written in the same store transaction
// as the ledger row that changes them.
type Customer struct {
	Address      Address
	Name         string
	ReferralCode string
	ReferredBy   Address

	LifetimeEarnings   Amount
	TotalRedemptions   Amount
	PendingMintBalance Amount

	DailyEarnings   Amount
	MonthlyEarnings Amount
	LastEarnedDate  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RollEarnings resets the daily and monthly counters when the UTC date or
// month of now differs from LastEarnedDate.
func (c *Customer) RollEarnings(now time.Time) {
	if c.LastEarnedDate == nil {
		c.DailyEarnings = Zero()
		c.MonthlyEarnings = Zero()
		return
	}
	last := c.LastEarnedDate.UTC()
	now = now.UTC()
	if last.Year() != now.Year() || last.Month() != now.Month() {
		c.MonthlyEarnings = Zero()
		c.DailyEarnings = Zero()
		return
	}
	if last.Day() != now.Day() {
		c.DailyEarnings = Zero()
	}
}

// =============================================================================
// TRANSACTION - Append-only ledger row
// =============================================================================

type TransactionType string

const (
	TxMint   TransactionType = "mint"
	TxRedeem TransactionType = "redeem"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
)

// TransactionOrigin says where a ledger row came from.
type TransactionOrigin string

const (
	OriginShopReward    TransactionOrigin = "shop_reward"    // Earned at a shop, credited to the ledger only
	OriginReferralBonus TransactionOrigin = "referral_bonus" // Earned through a referral
	OriginWalletMint    TransactionOrigin = "wallet_mint"    // Moved on-chain to the customer's wallet
	OriginRedemption    TransactionOrigin = "redemption"     // Spent at a shop
)

// IsEarning reports whether a confirmed row of this origin counts toward
// lifetime earnings.
func (o TransactionOrigin) IsEarning() bool {
	return o == OriginShopReward || o == OriginReferralBonus
}

func (o TransactionOrigin) Valid() bool {
	switch o {
	case OriginShopReward, OriginReferralBonus, OriginWalletMint, OriginRedemption:
		return true
	}
	return false
}

type Transaction struct {
	ID              TransactionID
	Type            TransactionType
	Status          TransactionStatus
	Origin          TransactionOrigin
	Amount          Amount
	CustomerAddress Address
	ShopID          ShopID // empty for wallet-direct mints
	SessionID       SessionID
	IdempotencyKey  string
	Reason          string
	Metadata        map[string]string
	CreatedAt       time.Time
}

// =============================================================================
// REDEMPTION SESSION
// =============================================================================

type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionApproved SessionStatus = "approved"
	SessionUsed     SessionStatus = "used"
	SessionExpired  SessionStatus = "expired"
	SessionRejected SessionStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionUsed || s == SessionExpired || s == SessionRejected
}

// Metadata keys written on sessions.
const (
	MetaExpiryReason = "expiry_reason"
	MetaDeficit      = "deficit"
)

type RedemptionSession struct {
	ID              SessionID
	CustomerAddress Address
	ShopID          ShopID
	MaxAmount       Amount
	Status          SessionStatus

	CreatedAt  time.Time
	ApprovedAt *time.Time
	ExpiresAt  *time.Time
	UsedAt     *time.Time
	UsedAmount Amount

	Metadata map[string]string
}

// SessionTransition is a compare-and-set on session status.
// The store applies it only if the stored status still equals From.
type SessionTransition struct {
	ID         SessionID
	From       SessionStatus
	To         SessionStatus
	At         time.Time
	ExpiresAt  *time.Time
	UsedAmount Amount
	Metadata   map[string]string // merged into the stored metadata
}

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	Status          SessionStatus
	CustomerAddress Address
	ShopID          ShopID
	UnusedOnly      bool
}
