/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with customers,
	rewards, sessions and mints that demonstrate specific behaviors of the
	balance engine and the auditor.

AVAILABLE SCENARIOS:

	end-to-end:       Earn 100, redeem 30, request a 10 mint: 60 available
	duplicate-mints:  Three identical confirmed mints for the auditor to find
	stale-approval:   Approved session invalidated by a later wallet mint
	referral:         Referrer and referee credited after a first repair

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create customers
 3. Issue rewards through the rewards issuer (limits off)
 4. Drive sessions and mints through the ledger services

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "end-to-end"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add the entry to 'loaders'

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
  - ledger/: The services every loader drives
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/rewards"
	"go.uber.org/zap"
)

// Scenario customer addresses and shops, stable so demos can link to them.
const (
	ScenarioCustomer = ledger.Address("0x00000000000000000000000000000000000000a1")
	ScenarioReferrer = ledger.Address("0x00000000000000000000000000000000000000b2")
	ScenarioShop     = ledger.ShopID("shop-001")
	ScenarioShop2    = ledger.ShopID("shop-002")
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "end-to-end",
		Name:        "End to End",
		Description: "Four 25 RCN repair rewards, a 30 RCN redemption and a pending 10 RCN wallet mint leave 60 available",
	},
	{
		ID:          "duplicate-mints",
		Name:        "Duplicate Mints",
		Description: "Three confirmed 25 RCN rewards with the same shop and timestamp, as left by a retried webhook",
	},
	{
		ID:          "stale-approval",
		Name:        "Stale Approval",
		Description: "A 40 RCN session approved before a 20 RCN wallet mint dropped the balance to 30",
	},
	{
		ID:          "referral",
		Name:        "Referral",
		Description: "A referred customer's first repair credits the referrer 25 RCN and the referee 10 RCN",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"end-to-end":      h.loadEndToEndScenario,
		"duplicate-mints": h.loadDuplicateMintsScenario,
		"stale-approval":  h.loadStaleApprovalScenario,
		"referral":        h.loadReferralScenario,
	}
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		h.Logger.Error("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all customers, transactions and sessions.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioIssuer issues rewards with limits off, so a scenario can credit
// a whole history in one call.
func (h *Handler) scenarioIssuer() *rewards.Issuer {
	iss := rewards.NewIssuer(h.Store, rewards.Limits{})
	iss.Tiers = h.Rewards.Tiers
	iss.Referral = h.Rewards.Referral
	return iss
}

func (h *Handler) createCustomers(ctx context.Context, customers ...ledger.Customer) error {
	for _, c := range customers {
		if err := h.Store.CreateCustomer(ctx, c); err != nil {
			return fmt.Errorf("create customer %s: %w", c.Address, err)
		}
	}
	return nil
}

func (h *Handler) earn(ctx context.Context, iss *rewards.Issuer, addr ledger.Address, shop ledger.ShopID, repairs ...int64) error {
	for i, repair := range repairs {
		key := fmt.Sprintf("scenario:%s:%s:%d", addr, shop, i)
		if _, err := iss.IssueRepairReward(ctx, addr, shop, ledger.RCNFromInt(repair), ledger.Zero(), key); err != nil {
			return fmt.Errorf("issue reward: %w", err)
		}
	}
	return nil
}

func (h *Handler) loadEndToEndScenario(ctx context.Context) error {
	now := time.Now().UTC()
	if err := h.createCustomers(ctx, ledger.NewCustomer(ScenarioCustomer, "Alex Rivera", "", now)); err != nil {
		return err
	}

	// 4 x 25 RCN large-repair rewards = 100 lifetime
	if err := h.earn(ctx, h.scenarioIssuer(), ScenarioCustomer, ScenarioShop, 120, 150, 100, 240); err != nil {
		return err
	}

	sess, err := h.Redemptions.CreateSession(ctx, ScenarioCustomer, ScenarioShop2, ledger.RCNFromInt(30))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if _, err := h.Redemptions.Approve(ctx, sess.ID, ScenarioCustomer); err != nil {
		return fmt.Errorf("approve session: %w", err)
	}
	if _, err := h.Redemptions.Consume(ctx, sess.ID, ScenarioShop2, ledger.Zero()); err != nil {
		return fmt.Errorf("consume session: %w", err)
	}

	if _, err := h.Mints.RequestWalletMint(ctx, ScenarioCustomer, ledger.RCNFromInt(10), "scenario:end-to-end:mint"); err != nil {
		return fmt.Errorf("request mint: %w", err)
	}
	return nil
}

func (h *Handler) loadDuplicateMintsScenario(ctx context.Context) error {
	now := time.Now().UTC().Truncate(time.Second)
	if err := h.createCustomers(ctx, ledger.NewCustomer(ScenarioCustomer, "Jordan Lee", "", now)); err != nil {
		return err
	}

	// Written straight to the store: the issuer's idempotency keys would
	// refuse the replays this scenario needs to show.
	return h.Store.WithTx(ctx, func(s ledger.Store) error {
		c, err := s.GetCustomerForUpdate(ctx, ScenarioCustomer)
		if err != nil {
			return err
		}
		amount := ledger.RCNFromInt(25)
		for i := 0; i < 3; i++ {
			err := s.AppendTransaction(ctx, ledger.Transaction{
				ID:              ledger.TransactionID(fmt.Sprintf("dup-%d-%d", now.Unix(), i)),
				Type:            ledger.TxMint,
				Status:          ledger.StatusConfirmed,
				Origin:          ledger.OriginShopReward,
				Amount:          amount,
				CustomerAddress: ScenarioCustomer,
				ShopID:          ScenarioShop,
				Reason:          "repair reward (large_repair)",
				CreatedAt:       now.Add(time.Duration(i) * time.Millisecond),
			})
			if err != nil {
				return err
			}
			c.LifetimeEarnings = c.LifetimeEarnings.Add(amount)
		}
		c.UpdatedAt = now
		return s.UpdateCustomerTotals(ctx, *c)
	})
}

func (h *Handler) loadStaleApprovalScenario(ctx context.Context) error {
	now := time.Now().UTC()
	if err := h.createCustomers(ctx, ledger.NewCustomer(ScenarioCustomer, "Sam Patel", "", now)); err != nil {
		return err
	}
	if err := h.earn(ctx, h.scenarioIssuer(), ScenarioCustomer, ScenarioShop, 200, 110); err != nil {
		return err
	}

	sess, err := h.Redemptions.CreateSession(ctx, ScenarioCustomer, ScenarioShop2, ledger.RCNFromInt(40))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if _, err := h.Redemptions.Approve(ctx, sess.ID, ScenarioCustomer); err != nil {
		return fmt.Errorf("approve session: %w", err)
	}

	// Approved sessions do not hold balance, so this mint goes through.
	if _, err := h.Mints.RequestWalletMint(ctx, ScenarioCustomer, ledger.RCNFromInt(20), "scenario:stale-approval:mint"); err != nil {
		return fmt.Errorf("request mint: %w", err)
	}
	return nil
}

func (h *Handler) loadReferralScenario(ctx context.Context) error {
	now := time.Now().UTC()
	err := h.createCustomers(ctx,
		ledger.NewCustomer(ScenarioReferrer, "Morgan Chen", "", now),
		ledger.NewCustomer(ScenarioCustomer, "Riley Park", ScenarioReferrer, now),
	)
	if err != nil {
		return err
	}

	iss := h.scenarioIssuer()
	if err := h.earn(ctx, iss, ScenarioCustomer, ScenarioShop, 75); err != nil {
		return err
	}
	if _, err := iss.IssueReferralReward(ctx, ScenarioCustomer, ScenarioShop); err != nil {
		return fmt.Errorf("issue referral reward: %w", err)
	}
	return nil
}
