/*
Package rewards issues RCN to customers.

PURPOSE:
  Turns real-world events (a repair paid at a partner shop, a successful
  referral) into confirmed ledger credits. Each credit is an append to the
  transaction ledger plus an update of the customer's cached totals, done
  in a single store transaction.

EARNING SOURCES:
  repair:    Tiered by repair value (see policies.go), credited by the shop
  referral:  Fixed amounts for referrer and referee on the referee's first
             repair

LIMITS:
  Daily and monthly counters live on the customer row. They reset when the
  UTC date or month changes relative to LastEarnedDate. A reward that would
  push either counter past its limit is refused with EarningLimitError.

EXAMPLE FLOW:
  1. Customer pays $120 at shop-001: repair reward 25 RCN
  2. Same day, $60 repair at shop-002: 10 RCN (daily total 35)
  3. Next day: daily counter resets to 0, monthly stays at 35

SEE ALSO:
  - policies.go: Tier table and default limits
  - issuer.go: The issuing service
*/
package rewards

import (
	"github.com/repaircoin/rcn-engine/ledger"
)

// =============================================================================
// REWARD TIERS
// =============================================================================

// Tier maps a minimum repair value (in dollars) to an RCN reward.
type Tier struct {
	Name        string
	MinRepair   ledger.Amount
	RewardRCN   ledger.Amount
	Description string
}

// Limits caps earnings per customer. A zero limit disables the check.
type Limits struct {
	Daily   ledger.Amount
	Monthly ledger.Amount
}

// ReferralAmounts are credited when a referred customer completes their
// first repair.
type ReferralAmounts struct {
	Referrer ledger.Amount
	Referee  ledger.Amount
}

// Issued describes one credit written to the ledger.
type Issued struct {
	Transaction ledger.Transaction
	Customer    ledger.Customer
	Balance     ledger.Balance
	Tier        string
}
