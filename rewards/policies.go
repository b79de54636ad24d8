package rewards

import (
	"sort"

	"github.com/repaircoin/rcn-engine/ledger"
)

// =============================================================================
// DEFAULT PROGRAM
// =============================================================================

// DefaultTiers is the standard repair reward table, highest tier first.
// Repairs under $50 earn nothing.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "large_repair", MinRepair: ledger.RCNFromInt(100), RewardRCN: ledger.RCNFromInt(25), Description: "Repairs of $100 or more"},
		{Name: "small_repair", MinRepair: ledger.RCNFromInt(50), RewardRCN: ledger.RCNFromInt(10), Description: "Repairs from $50 to $99.99"},
	}
}

func DefaultLimits() Limits {
	return Limits{
		Daily:   ledger.RCNFromInt(50),
		Monthly: ledger.RCNFromInt(500),
	}
}

func DefaultReferralAmounts() ReferralAmounts {
	return ReferralAmounts{
		Referrer: ledger.RCNFromInt(25),
		Referee:  ledger.RCNFromInt(10),
	}
}

// TierFor returns the highest tier whose MinRepair is covered by
// repairAmount, or false when the repair is too small to earn.
func TierFor(tiers []Tier, repairAmount ledger.Amount) (Tier, bool) {
	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinRepair.GreaterThan(sorted[j].MinRepair)
	})
	for _, t := range sorted {
		if !repairAmount.LessThan(t.MinRepair) {
			return t, true
		}
	}
	return Tier{}, false
}
