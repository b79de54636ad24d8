/*
handlers.go - HTTP API handlers for the RCN ledger engine

PURPOSE:
  Exposes balance lookups, reward issuance, redemption sessions, wallet
  mints and the reconciliation auditor over REST. Handles HTTP
  request/response and JSON serialization, and delegates to ledger and
  rewards.

ENDPOINTS:
  Customers:
    POST   /api/customers                           Create customer
    GET    /api/customers/{address}                 Customer row
    GET    /api/customers/{address}/balance         Balance breakdown
    GET    /api/customers/{address}/transactions    Ledger history
    POST   /api/customers/{address}/mints           Request wallet mint

  Redemptions (customer side):
    GET    /api/redemptions/{id}                    Session details
    POST   /api/redemptions/{id}/approve            Approve pending session
    POST   /api/redemptions/{id}/reject             Reject pending session

  Shops:
    POST   /api/shops/{shopID}/rewards                       Repair reward
    POST   /api/shops/{shopID}/referrals                     Referral reward
    POST   /api/shops/{shopID}/redemptions/validate          Dry-run check
    POST   /api/shops/{shopID}/redemptions                   Open session
    POST   /api/shops/{shopID}/redemptions/{id}/consume      Debit session

  Mints:
    POST   /api/mints/{txID}/confirm                Settle on-chain mint
    POST   /api/mints/{txID}/fail                   Release failed mint

  Admin:
    GET    /api/admin/audit/sessions                Report invalid sessions
    POST   /api/admin/audit/sessions                Report and expire them
    GET    /api/admin/audit/duplicates/{address}    Duplicate mint groups
    GET    /api/admin/audit/reconcile/{address}     Cached vs ledger totals
    GET    /api/admin/audit/reconcile               Every drifted customer
    POST   /api/admin/sweep                         Run the session sweeper

  Scenarios:
    GET    /api/scenarios                           List demo scenarios
    POST   /api/scenarios/load                      Load a demo scenario
    POST   /api/scenarios/reset                     Clear all data

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Customer, session or transaction not found
  - 409: Session not in the required state, duplicate idempotency key
  - 422: Insufficient balance, earning limit reached
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/repaircoin/rcn-engine/auth"
	"github.com/repaircoin/rcn-engine/ledger"
	"github.com/repaircoin/rcn-engine/monitoring"
	"github.com/repaircoin/rcn-engine/rewards"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: the ledger store plus health
// and demo-reset hooks. sqlite, postgres and the memory store satisfy it.
type Store interface {
	ledger.TxStore
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Options configure NewHandler. Zero values fall back to defaults.
type Options struct {
	SessionTTL    time.Duration
	SweepInterval time.Duration
	Limits        rewards.Limits
	// Program, when set, replaces Limits along with the tier table and
	// referral amounts.
	Program *rewards.Program
	Logger        *zap.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       Store
	Calc        *ledger.BalanceCalculator
	Redemptions *ledger.RedemptionValidator
	Mints       *ledger.MintService
	Auditor     *ledger.ReconciliationAuditor
	Rewards     *rewards.Issuer
	Sweeper     *SessionSweeper
	Logger      *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the ledger services around store.
func NewHandler(store Store, opts Options) *Handler {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = ledger.DefaultSessionTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	issuer := rewards.NewIssuer(store, opts.Limits)
	if opts.Program != nil {
		issuer = rewards.NewProgramIssuer(store, *opts.Program)
	}

	auditor := ledger.NewReconciliationAuditor(store)
	return &Handler{
		Store:       store,
		Calc:        ledger.NewBalanceCalculator(store),
		Redemptions: ledger.NewRedemptionValidator(store, opts.SessionTTL),
		Mints:       ledger.NewMintService(store),
		Auditor:     auditor,
		Rewards:     issuer,
		Sweeper:     NewSessionSweeper(auditor, opts.SweepInterval, opts.Logger),
		Logger:      opts.Logger,
	}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// CreateCustomer registers a wallet address.
// POST /api/customers
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	addr := ledger.NormalizeAddress(req.Address)
	if addr == "" {
		writeError(w, http.StatusBadRequest, "address is required", nil)
		return
	}

	ctx := r.Context()
	var referredBy ledger.Address
	if req.ReferredBy != "" {
		referredBy = ledger.NormalizeAddress(req.ReferredBy)
		if referredBy == addr {
			writeError(w, http.StatusBadRequest, "a customer cannot refer themselves", nil)
			return
		}
		if _, err := h.Store.GetCustomer(ctx, referredBy); err != nil {
			if ledger.IsNotFound(err) {
				writeError(w, http.StatusBadRequest, "Referrer not found", err)
				return
			}
			h.fail(w, "Failed to look up referrer", err)
			return
		}
	}

	c := ledger.NewCustomer(addr, req.Name, referredBy, time.Now().UTC())
	if err := h.Store.CreateCustomer(ctx, c); err != nil {
		h.fail(w, "Failed to create customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

// GetCustomer returns the customer row with its cached totals.
// GET /api/customers/{address}
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCustomer(r.Context(), addressParam(r))
	if err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(*c))
}

// GetBalance returns the available balance and its components.
// GET /api/customers/{address}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.Calc.Calculate(r.Context(), addressParam(r))
	if err != nil {
		h.fail(w, "Failed to calculate balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// GetTransactions returns the customer's ledger rows, oldest first.
// GET /api/customers/{address}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := addressParam(r)
	if _, err := h.Store.GetCustomer(ctx, addr); err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}

	txs, err := h.Store.Transactions(ctx, addr)
	if err != nil {
		h.fail(w, "Failed to get transactions", err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WALLET MINT HANDLERS
// =============================================================================

// RequestMint holds part of the balance for an on-chain mint.
// POST /api/customers/{address}/mints
func (h *Handler) RequestMint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	tx, err := h.Mints.RequestWalletMint(r.Context(), addressParam(r), amount, req.IdempotencyKey)
	if err != nil {
		h.fail(w, "Failed to request mint", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// ConfirmMint marks a pending wallet mint as landed.
// POST /api/mints/{txID}/confirm
func (h *Handler) ConfirmMint(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Mints.ConfirmWalletMint(r.Context(), ledger.TransactionID(chi.URLParam(r, "txID")))
	if err != nil {
		h.fail(w, "Failed to confirm mint", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// FailMint releases the hold of a mint that never landed.
// POST /api/mints/{txID}/fail
func (h *Handler) FailMint(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Mints.FailWalletMint(r.Context(), ledger.TransactionID(chi.URLParam(r, "txID")))
	if err != nil {
		h.fail(w, "Failed to fail mint", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

// IssueReward credits a repair reward from the shop in the path.
// POST /api/shops/{shopID}/rewards
func (h *Handler) IssueReward(w http.ResponseWriter, r *http.Request) {
	var req IssueRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	repair, err := parseAmount(req.RepairAmount, "repair_amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid repair amount", err)
		return
	}
	bonus := ledger.Zero()
	if req.Bonus != "" {
		if bonus, err = ledger.ParseAmount(req.Bonus.String()); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid bonus", err)
			return
		}
	}

	issued, err := h.Rewards.IssueRepairReward(r.Context(),
		ledger.NormalizeAddress(req.CustomerAddress), shopParam(r), repair, bonus, req.IdempotencyKey)
	if err != nil {
		h.fail(w, "Failed to issue reward", err)
		return
	}
	monitoring.RewardsIssuedTotal.WithLabelValues(string(ledger.OriginShopReward)).Inc()
	writeJSON(w, http.StatusCreated, toIssuedDTO(*issued))
}

// IssueReferral credits both sides of a referral.
// POST /api/shops/{shopID}/referrals
func (h *Handler) IssueReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	issued, err := h.Rewards.IssueReferralReward(r.Context(), ledger.NormalizeAddress(req.RefereeAddress), shopParam(r))
	if err != nil {
		h.fail(w, "Failed to issue referral reward", err)
		return
	}
	dtos := make([]IssuedDTO, len(issued))
	for i, it := range issued {
		dtos[i] = toIssuedDTO(it)
	}
	monitoring.RewardsIssuedTotal.WithLabelValues(string(ledger.OriginReferralBonus)).Add(float64(len(issued)))
	writeJSON(w, http.StatusCreated, dtos)
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// ValidateRedemption reports whether a redemption would be approvable
// without writing anything.
// POST /api/shops/{shopID}/redemptions/validate
func (h *Handler) ValidateRedemption(w http.ResponseWriter, r *http.Request) {
	var req RedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	approval, err := h.Redemptions.ValidateForApproval(r.Context(), ledger.NormalizeAddress(req.CustomerAddress), amount)
	if err != nil {
		h.fail(w, "Failed to validate redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(approval))
}

// CreateRedemption opens a pending session for the customer to approve.
// POST /api/shops/{shopID}/redemptions
func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	var req RedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	sess, err := h.Redemptions.CreateSession(r.Context(), ledger.NormalizeAddress(req.CustomerAddress), shopParam(r), amount)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			monitoring.RedemptionsTotal.WithLabelValues("refused").Inc()
		}
		h.fail(w, "Failed to create redemption session", err)
		return
	}
	monitoring.RedemptionsTotal.WithLabelValues("created").Inc()
	writeJSON(w, http.StatusCreated, toSessionDTO(*sess))
}

// ConsumeRedemption debits an approved session for the shop in the path.
// The body is optional; without an amount the full approval is used.
// POST /api/shops/{shopID}/redemptions/{id}/consume
func (h *Handler) ConsumeRedemption(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount := ledger.Zero()
	if req.Amount != "" {
		var err error
		if amount, err = ledger.ParseAmount(req.Amount.String()); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
	}

	res, err := h.Redemptions.Consume(r.Context(), sessionParam(r), shopParam(r), amount)
	if err != nil {
		h.countRejection(err)
		h.fail(w, "Failed to consume redemption session", err)
		return
	}
	monitoring.RedemptionsTotal.WithLabelValues("consumed").Inc()
	h.Logger.Info("redemption consumed",
		zap.String("session_id", string(res.Session.ID)),
		zap.String("shop_id", string(res.Session.ShopID)),
		zap.String("amount", res.Transaction.Amount.String()),
	)
	writeJSON(w, http.StatusOK, RedemptionDTO{
		Session:     toSessionDTO(res.Session),
		Transaction: toTransactionDTO(res.Transaction),
		Balance:     toBalanceDTO(res.Balance),
	})
}

// GetRedemption returns a session to its customer or its shop.
// GET /api/redemptions/{id}
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.Redemptions.Get(ctx, sessionParam(r))
	if err != nil {
		h.fail(w, "Failed to get redemption session", err)
		return
	}
	if !canView(ctx, sess) {
		writeError(w, http.StatusForbidden, "Forbidden", auth.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// ApproveRedemption records the customer's consent.
// POST /api/redemptions/{id}/approve
func (h *Handler) ApproveRedemption(w http.ResponseWriter, r *http.Request) {
	addr, ok := actingCustomer(w, r)
	if !ok {
		return
	}

	sess, err := h.Redemptions.Approve(r.Context(), sessionParam(r), addr)
	if err != nil {
		h.countRejection(err)
		h.fail(w, "Failed to approve redemption session", err)
		return
	}
	monitoring.RedemptionsTotal.WithLabelValues("approved").Inc()
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// RejectRedemption records the customer's refusal.
// POST /api/redemptions/{id}/reject
func (h *Handler) RejectRedemption(w http.ResponseWriter, r *http.Request) {
	addr, ok := actingCustomer(w, r)
	if !ok {
		return
	}

	sess, err := h.Redemptions.Reject(r.Context(), sessionParam(r), addr)
	if err != nil {
		h.fail(w, "Failed to reject redemption session", err)
		return
	}
	monitoring.RedemptionsTotal.WithLabelValues("rejected").Inc()
	writeJSON(w, http.StatusOK, toSessionDTO(*sess))
}

// countRejection records sessions that a failed approve or consume expired.
func (h *Handler) countRejection(err error) {
	var ib *ledger.InsufficientBalanceError
	if errors.As(err, &ib) && ib.SessionID != "" {
		monitoring.RedemptionsTotal.WithLabelValues("expired").Inc()
	}
}

// =============================================================================
// ADMIN / AUDIT HANDLERS
// =============================================================================

// AuditSessions lists approved sessions the customer can no longer cover.
// POST also expires them.
// GET|POST /api/admin/audit/sessions
func (h *Handler) AuditSessions(w http.ResponseWriter, r *http.Request) {
	fix := r.Method == http.MethodPost
	findings, err := h.Auditor.FindInvalidApprovedSessions(r.Context(), fix)
	if err != nil {
		h.fail(w, "Failed to audit sessions", err)
		return
	}

	resp := AuditSessionsResponse{Findings: toInvalidSessionDTOs(findings)}
	for _, f := range findings {
		if f.Expired {
			resp.Fixed++
		}
	}
	monitoring.AuditFindingsTotal.WithLabelValues("invalid_session").Add(float64(len(findings)))
	writeJSON(w, http.StatusOK, resp)
}

// AuditDuplicates returns groups of confirmed mints that look duplicated.
// GET /api/admin/audit/duplicates/{address}
func (h *Handler) AuditDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Auditor.FindDuplicateMints(r.Context(), addressParam(r))
	if err != nil {
		h.fail(w, "Failed to find duplicate mints", err)
		return
	}
	monitoring.AuditFindingsTotal.WithLabelValues("duplicate_mint").Add(float64(len(groups)))
	writeJSON(w, http.StatusOK, map[string]any{"groups": toDuplicateGroupDTOs(groups)})
}

// Reconcile compares one customer's cached totals with the ledger.
// GET /api/admin/audit/reconcile/{address}
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	d, err := h.Auditor.ReconcileCustomer(r.Context(), addressParam(r))
	if err != nil {
		h.fail(w, "Failed to reconcile customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftDTO(d))
}

// ReconcileAll lists every customer whose totals drifted from the ledger.
// GET /api/admin/audit/reconcile
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.Auditor.ReconcileAll(r.Context())
	if err != nil {
		h.fail(w, "Failed to reconcile customers", err)
		return
	}
	dtos := make([]DriftDTO, len(drifts))
	for i, d := range drifts {
		dtos[i] = toDriftDTO(d)
	}
	monitoring.AuditFindingsTotal.WithLabelValues("drift").Add(float64(len(drifts)))
	writeJSON(w, http.StatusOK, map[string]any{"drifted": dtos})
}

// Sweep runs the session sweeper once.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sweeper.RunOnce(r.Context())
	if err != nil {
		h.fail(w, "Failed to sweep sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{
		Expired:     toSessionDTOs(res.Expired),
		Invalidated: toInvalidSessionDTOs(res.Invalidated),
	})
}

// Health pings the store.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func addressParam(r *http.Request) ledger.Address {
	return ledger.NormalizeAddress(chi.URLParam(r, "address"))
}

func shopParam(r *http.Request) ledger.ShopID {
	return ledger.ShopID(chi.URLParam(r, "shopID"))
}

func sessionParam(r *http.Request) ledger.SessionID {
	return ledger.SessionID(chi.URLParam(r, "id"))
}

// actingCustomer returns the customer approving or rejecting a session: the
// token subject when a customer token is present, otherwise the request body.
func actingCustomer(w http.ResponseWriter, r *http.Request) (ledger.Address, bool) {
	if sub, ok := auth.Subject(r.Context(), auth.RoleCustomer); ok {
		return ledger.Address(sub), true
	}

	var req SessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return "", false
	}
	addr := ledger.NormalizeAddress(req.CustomerAddress)
	if addr == "" {
		writeError(w, http.StatusBadRequest, "customer_address is required", nil)
		return "", false
	}
	return addr, true
}

// canView allows the session's customer, its shop and admins. Without
// claims (auth disabled) everyone may view.
func canView(ctx context.Context, sess *ledger.RedemptionSession) bool {
	claims, ok := auth.FromContext(ctx)
	if !ok {
		return true
	}
	switch claims.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleCustomer:
		return claims.Subject == string(sess.CustomerAddress)
	case auth.RoleShop:
		return claims.Subject == string(sess.ShopID)
	}
	return false
}

func parseAmount(n json.Number, field string) (ledger.Amount, error) {
	if n == "" {
		return ledger.Amount{}, fmt.Errorf("%s is required", field)
	}
	a, err := ledger.ParseAmount(n.String())
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("%s: %w", field, err)
	}
	if !a.IsPositive() {
		return ledger.Amount{}, fmt.Errorf("%s: %w", field, ledger.ErrInvalidAmount)
	}
	return a, nil
}

// fail maps a ledger or rewards error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	var ib *ledger.InsufficientBalanceError
	if errors.As(err, &ib) {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:     message,
			Details:   err.Error(),
			Available: ib.Available.String(),
			Requested: ib.Requested.String(),
			Deficit:   ib.Deficit.String(),
		})
		return
	}

	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case ledger.IsClientError(err),
		errors.Is(err, rewards.ErrRepairTooSmall),
		errors.Is(err, rewards.ErrNotReferred):
		writeError(w, http.StatusBadRequest, message, err)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsUnprocessable(err):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		h.Logger.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// authError adapts writeError to the auth middleware callback.
func authError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, http.StatusText(status), err)
}
