/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Responses carry RCN amounts as decimal strings ("12.5"). Requests accept
  either a JSON number or a decimal string.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/rewards"
)

// =============================================================================
// CUSTOMERS
// =============================================================================

type CustomerDTO struct {
	Address            string  `json:"address"`
	Name               string  `json:"name"`
	ReferralCode       string  `json:"referral_code"`
	ReferredBy         string  `json:"referred_by,omitempty"`
	LifetimeEarnings   string  `json:"lifetime_earnings"`
	TotalRedemptions   string  `json:"total_redemptions"`
	PendingMintBalance string  `json:"pending_mint_balance"`
	DailyEarnings      string  `json:"daily_earnings"`
	MonthlyEarnings    string  `json:"monthly_earnings"`
	LastEarnedDate     *string `json:"last_earned_date,omitempty"`
	CreatedAt          string  `json:"created_at"`
}

type CreateCustomerRequest struct {
	Address    string `json:"address"`
	Name       string `json:"name"`
	ReferredBy string `json:"referred_by,omitempty"`
}

// BalanceDTO is the shared balance formula, broken down.
type BalanceDTO struct {
	Address            string `json:"address"`
	LifetimeEarnings   string `json:"lifetime_earnings"`
	TotalRedemptions   string `json:"total_redemptions"`
	PendingMintBalance string `json:"pending_mint_balance"`
	MintedToWallet     string `json:"minted_to_wallet"`
	Available          string `json:"available"`
}

type TransactionDTO struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Origin    string            `json:"origin"`
	Amount    string            `json:"amount"`
	ShopID    string            `json:"shop_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
}

// =============================================================================
// REWARDS
// =============================================================================

type IssueRewardRequest struct {
	CustomerAddress string      `json:"customer_address"`
	RepairAmount    json.Number `json:"repair_amount"`
	Bonus           json.Number `json:"bonus,omitempty"`
	IdempotencyKey  string      `json:"idempotency_key,omitempty"`
}

type ReferralRewardRequest struct {
	RefereeAddress string `json:"referee_address"`
}

type IssuedDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     BalanceDTO     `json:"balance"`
	Tier        string         `json:"tier,omitempty"`
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type RedemptionRequest struct {
	CustomerAddress string      `json:"customer_address"`
	Amount          json.Number `json:"amount"`
}

type ApprovalDTO struct {
	Approvable bool   `json:"approvable"`
	Reason     string `json:"reason,omitempty"`
	Requested  string `json:"requested"`
	Available  string `json:"available"`
	Deficit    string `json:"deficit"`
}

// SessionActionRequest names the acting customer for approve/reject when
// auth is disabled. With auth on, the token subject is used instead.
type SessionActionRequest struct {
	CustomerAddress string `json:"customer_address"`
}

type ConsumeRequest struct {
	// Amount to debit; empty or zero debits the full approved amount.
	Amount json.Number `json:"amount,omitempty"`
}

type SessionDTO struct {
	ID              string            `json:"id"`
	CustomerAddress string            `json:"customer_address"`
	ShopID          string            `json:"shop_id"`
	MaxAmount       string            `json:"max_amount"`
	Status          string            `json:"status"`
	CreatedAt       string            `json:"created_at"`
	ApprovedAt      *string           `json:"approved_at,omitempty"`
	ExpiresAt       *string           `json:"expires_at,omitempty"`
	UsedAt          *string           `json:"used_at,omitempty"`
	UsedAmount      string            `json:"used_amount,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type RedemptionDTO struct {
	Session     SessionDTO     `json:"session"`
	Transaction TransactionDTO `json:"transaction"`
	Balance     BalanceDTO     `json:"balance"`
}

// =============================================================================
// WALLET MINTS
// =============================================================================

type MintRequest struct {
	Amount         json.Number `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

type InvalidSessionDTO struct {
	Session   SessionDTO `json:"session"`
	Available string     `json:"available"`
	Deficit   string     `json:"deficit"`
	Expired   bool       `json:"expired"`
}

type AuditSessionsResponse struct {
	Findings []InvalidSessionDTO `json:"findings"`
	Fixed    int                 `json:"fixed"`
}

type DuplicateGroupDTO struct {
	Amount         string   `json:"amount"`
	ShopID         string   `json:"shop_id,omitempty"`
	Timestamp      string   `json:"timestamp"`
	Count          int      `json:"count"`
	TransactionIDs []string `json:"transaction_ids"`
}

type DriftDTO struct {
	Address           string `json:"address"`
	InSync            bool   `json:"in_sync"`
	InvariantViolated bool   `json:"invariant_violated"`
	CachedLifetime    string `json:"cached_lifetime"`
	LedgerLifetime    string `json:"ledger_lifetime"`
	CachedRedemptions string `json:"cached_redemptions"`
	LedgerRedemptions string `json:"ledger_redemptions"`
	CachedPendingMint string `json:"cached_pending_mint"`
	LedgerPendingMint string `json:"ledger_pending_mint"`
	MintedToWallet    string `json:"minted_to_wallet"`
}

type SweepResponse struct {
	Expired     []SessionDTO        `json:"expired"`
	Invalidated []InvalidSessionDTO `json:"invalidated"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for every non-2xx response. The balance fields
// are filled for insufficient-balance failures.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Available string `json:"available,omitempty"`
	Requested string `json:"requested,omitempty"`
	Deficit   string `json:"deficit,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	return CustomerDTO{
		Address:            string(c.Address),
		Name:               c.Name,
		ReferralCode:       c.ReferralCode,
		ReferredBy:         string(c.ReferredBy),
		LifetimeEarnings:   c.LifetimeEarnings.String(),
		TotalRedemptions:   c.TotalRedemptions.String(),
		PendingMintBalance: c.PendingMintBalance.String(),
		DailyEarnings:      c.DailyEarnings.String(),
		MonthlyEarnings:    c.MonthlyEarnings.String(),
		LastEarnedDate:     formatTimePtr(c.LastEarnedDate),
		CreatedAt:          formatTime(c.CreatedAt),
	}
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		Address:            string(b.Address),
		LifetimeEarnings:   b.LifetimeEarnings.String(),
		TotalRedemptions:   b.TotalRedemptions.String(),
		PendingMintBalance: b.PendingMintBalance.String(),
		MintedToWallet:     b.MintedToWallet.String(),
		Available:          b.Available.String(),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:        string(tx.ID),
		Type:      string(tx.Type),
		Status:    string(tx.Status),
		Origin:    string(tx.Origin),
		Amount:    tx.Amount.String(),
		ShopID:    string(tx.ShopID),
		SessionID: string(tx.SessionID),
		Reason:    tx.Reason,
		Metadata:  tx.Metadata,
		CreatedAt: formatTime(tx.CreatedAt),
	}
}

func toSessionDTO(s ledger.RedemptionSession) SessionDTO {
	dto := SessionDTO{
		ID:              string(s.ID),
		CustomerAddress: string(s.CustomerAddress),
		ShopID:          string(s.ShopID),
		MaxAmount:       s.MaxAmount.String(),
		Status:          string(s.Status),
		CreatedAt:       formatTime(s.CreatedAt),
		ApprovedAt:      formatTimePtr(s.ApprovedAt),
		ExpiresAt:       formatTimePtr(s.ExpiresAt),
		UsedAt:          formatTimePtr(s.UsedAt),
		Metadata:        s.Metadata,
	}
	if s.Status == ledger.SessionUsed {
		dto.UsedAmount = s.UsedAmount.String()
	}
	return dto
}

func toSessionDTOs(sessions []ledger.RedemptionSession) []SessionDTO {
	out := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		out[i] = toSessionDTO(s)
	}
	return out
}

func toApprovalDTO(a ledger.Approval) ApprovalDTO {
	return ApprovalDTO{
		Approvable: a.Approvable,
		Reason:     a.Reason,
		Requested:  a.Requested.String(),
		Available:  a.Available.String(),
		Deficit:    a.Deficit.String(),
	}
}

func toIssuedDTO(i rewards.Issued) IssuedDTO {
	return IssuedDTO{
		Transaction: toTransactionDTO(i.Transaction),
		Balance:     toBalanceDTO(i.Balance),
		Tier:        i.Tier,
	}
}

func toInvalidSessionDTOs(items []ledger.InvalidSession) []InvalidSessionDTO {
	out := make([]InvalidSessionDTO, len(items))
	for i, it := range items {
		out[i] = InvalidSessionDTO{
			Session:   toSessionDTO(it.Session),
			Available: it.Available.String(),
			Deficit:   it.Deficit.String(),
			Expired:   it.Expired,
		}
	}
	return out
}

func toDuplicateGroupDTOs(groups []ledger.DuplicateGroup) []DuplicateGroupDTO {
	out := make([]DuplicateGroupDTO, len(groups))
	for i, g := range groups {
		ids := make([]string, len(g.TransactionIDs))
		for j, id := range g.TransactionIDs {
			ids[j] = string(id)
		}
		out[i] = DuplicateGroupDTO{
			Amount:         g.Amount.String(),
			ShopID:         string(g.ShopID),
			Timestamp:      formatTime(g.Timestamp),
			Count:          g.Count,
			TransactionIDs: ids,
		}
	}
	return out
}

func toDriftDTO(d ledger.Drift) DriftDTO {
	return DriftDTO{
		Address:           string(d.Address),
		InSync:            d.InSync(),
		InvariantViolated: d.InvariantViolated,
		CachedLifetime:    d.CachedLifetime.String(),
		LedgerLifetime:    d.LedgerLifetime.String(),
		CachedRedemptions: d.CachedRedemptions.String(),
		LedgerRedemptions: d.LedgerRedemptions.String(),
		CachedPendingMint: d.CachedPendingMint.String(),
		LedgerPendingMint: d.LedgerPendingMint.String(),
		MintedToWallet:    d.MintedToWallet.String(),
	}
}
