package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewCustomer returns a customer row with zero totals and a fresh referral
// code. The caller persists it with Store.CreateCustomer.
func NewCustomer(addr Address, name string, referredBy Address, now time.Time) Customer {
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return Customer{
		Address:            addr,
		Name:               name,
		ReferralCode:       "RCN-" + code,
		ReferredBy:         referredBy,
		LifetimeEarnings:   Zero(),
		TotalRedemptions:   Zero(),
		PendingMintBalance: Zero(),
		DailyEarnings:      Zero(),
		MonthlyEarnings:    Zero(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
