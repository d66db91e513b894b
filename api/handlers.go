/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the credit ledger, wallet, subscriptions, top-ups and seats
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Credits:
    GET    /api/users/{id}/credits                 All balances
    GET    /api/users/{id}/credits/{key}/history   Ledger history (newest first)

  Wallet:
    GET    /api/users/{id}/wallet                  Monetary balance

  Subscription:
    GET    /api/users/{id}/subscription            Active subscription + plan

  Top-ups:
    POST   /api/users/{id}/topups                  Purchase credits

  Seats:
    GET    /api/orgs/{id}/seats                    List seat users
    POST   /api/orgs/{id}/seats                    Add a seat user
    DELETE /api/orgs/{id}/seats/{userId}           Remove a seat user

  Webhooks:
    POST   /webhooks/stripe                        Processor events (webhook.go)

ARCHITECTURE:
  Handler struct holds the service graph. Handlers never touch the
  stores directly; every mutation goes through a service so ledger
  invariants hold no matter which surface triggered it.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Payment required (top-up charge failed)
  - 404: Resource not found
  - 409: Conflict (no active subscription, seat taken)
  - 500: Internal errors
  Top-up business failures ride on the engine's Result body with the
  machine code in error.code; the HTTP status mirrors the code.

SEE ALSO:
  - dto.go: Request/response data structures
  - webhook.go: Stripe event ingestion
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
	"github.com/warp/billing-engine/seats"
	"github.com/warp/billing-engine/subscriptions"
	"github.com/warp/billing-engine/topup"
	"github.com/warp/billing-engine/wallet"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Credits       *credits.Service
	Wallet        *wallet.Service
	Subscriptions *subscriptions.Service
	Lifecycle     *lifecycle.Applier
	TopUps        *topup.Engine
	Seats         *seats.Service
	Replica       replica.Store
	Plans         *plan.Resolver

	// WebhookSecret verifies the signature on incoming processor
	// events. Every delivery is checked against it.
	WebhookSecret string

	// Track currently loaded scenario
	currentScenario string
}

const defaultHistoryLimit = 50

// =============================================================================
// CREDITS ENDPOINTS
// =============================================================================

// GetCredits returns every credit balance a user holds. The wallet key
// is excluded; it has its own endpoint and unit.
// GET /api/users/{id}/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	balances, err := h.Credits.GetAllBalances(ctx, userID, wallet.Key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get balances", err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesDTO{UserID: userID, Balances: balances})
}

// GetHistory returns the ledger for one (user, key), newest first.
// GET /api/users/{id}/credits/{key}/history?limit=50&offset=0
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "key")

	limit := queryInt(r, "limit", defaultHistoryLimit)
	offset := queryInt(r, "offset", 0)

	entries, err := h.Credits.GetHistory(ctx, userID, key, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get history", err)
		return
	}

	dtos := make([]HistoryEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toHistoryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WALLET ENDPOINT
// =============================================================================

// GetWallet returns the monetary balance in display-ready form.
// GET /api/users/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	bal, err := h.Wallet.GetBalance(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get wallet", err)
		return
	}
	if bal == nil {
		// Never funded: report an empty wallet rather than 404 so
		// clients can render a zero balance without a special case.
		writeJSON(w, http.StatusOK, WalletDTO{
			UserID:    userID,
			Cents:     0,
			Currency:  wallet.DefaultCurrency,
			Formatted: wallet.Format(0, wallet.DefaultCurrency),
		})
		return
	}
	writeJSON(w, http.StatusOK, WalletDTO{
		UserID:    userID,
		Cents:     bal.Cents,
		Currency:  bal.Currency,
		Formatted: bal.Formatted,
	})
}

// =============================================================================
// SUBSCRIPTION ENDPOINT
// =============================================================================

// GetSubscription returns the user's active subscription with its
// resolved plan, or 404 when none is active.
// GET /api/users/{id}/subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	info, err := h.Subscriptions.Get(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get subscription", err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "No active subscription", nil)
		return
	}

	dto := SubscriptionDTO{
		ID:                 info.ID,
		Status:             info.Status,
		PriceID:            info.PriceID(),
		CurrentPeriodStart: info.CurrentPeriodStart,
		CurrentPeriodEnd:   info.CurrentPeriodEnd,
	}
	if info.Plan != nil {
		dto.PlanName = info.Plan.Name
		dto.Env = info.Plan.Env
		dto.Interval = string(info.Plan.Price.Interval)
		dto.Credits = make(map[string]CreditRuleDTO)
		for _, key := range info.Plan.Plan.CreditKeys() {
			rule := *info.Plan.Plan.Features[key].Credits
			dto.Credits[key] = CreditRuleDTO{
				Allocation: rule.Allocation,
				OnRenewal:  rule.OnRenewal,
			}
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// TOP-UP ENDPOINT
// =============================================================================

// CreateTopUp charges the user's payment method and grants the credits.
// The engine reports business failures on the Result body; the HTTP
// status mirrors the machine code so clients can branch on either.
// POST /api/users/{id}/topups
func (h *Handler) CreateTopUp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	var req TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required", nil)
		return
	}

	res, err := h.TopUps.TopUp(ctx, topup.Request{
		UserID:         userID,
		Key:            req.Key,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Top-up failed", err)
		return
	}
	writeJSON(w, topUpStatus(res), res)
}

// topUpStatus maps the engine's machine codes onto HTTP statuses.
func topUpStatus(res topup.Result) int {
	if res.Success {
		return http.StatusOK
	}
	if res.Error == nil {
		return http.StatusInternalServerError
	}
	switch res.Error.Code {
	case topup.CodeUserNotFound:
		return http.StatusNotFound
	case topup.CodeInvalidAmount:
		return http.StatusBadRequest
	case topup.CodeNoSubscription, topup.CodeNotConfigured:
		return http.StatusConflict
	case topup.CodeNoPaymentMethod, topup.CodePaymentFailed:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// SEAT ENDPOINTS
// =============================================================================

// ListSeats returns the seat users of the org's active subscription.
// GET /api/orgs/{id}/seats
func (h *Handler) ListSeats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "id")

	customerID, err := h.Replica.CustomerIDForUser(ctx, orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve org", err)
		return
	}
	if customerID == "" {
		writeError(w, http.StatusNotFound, "Org has no billing customer", nil)
		return
	}
	info, err := h.Subscriptions.GetForCustomer(ctx, customerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to resolve subscription", err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "No active subscription", nil)
		return
	}

	rows, err := h.Seats.List(ctx, info.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list seats", err)
		return
	}
	dtos := make([]SeatUserDTO, 0, len(rows))
	for _, s := range rows {
		dtos = append(dtos, SeatUserDTO{
			UserID:         s.UserID,
			SubscriptionID: s.SubscriptionID,
			AddedAt:        s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddSeat adds a user to the org's subscription and grants seat credits
// per the plan's target policy.
// POST /api/orgs/{id}/seats
func (h *Handler) AddSeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "id")

	var req AddSeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	res, err := h.Seats.Add(ctx, orgID, req.UserID)
	if err != nil {
		writeSeatError(w, err)
		return
	}

	subID, _ := h.Seats.SubscriptionFor(ctx, req.UserID)
	status := http.StatusCreated
	if res.AlreadySeat {
		status = http.StatusOK
	}
	writeJSON(w, status, SeatAddedDTO{
		UserID:         req.UserID,
		SubscriptionID: subID,
		AlreadySeat:    res.AlreadySeat,
		CreditsGranted: res.CreditsGranted,
	})
}

// RemoveSeat removes a seat user and claws back the seat-granted
// portion of their balances.
// DELETE /api/orgs/{id}/seats/{userId}
func (h *Handler) RemoveSeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userId")

	if err := h.Seats.Remove(ctx, orgID, userID); err != nil {
		writeSeatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeSeatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, seats.ErrNoBillingCustomer):
		writeError(w, http.StatusNotFound, "Org has no billing customer", nil)
	case errors.Is(err, seats.ErrNotSeatUser):
		writeError(w, http.StatusNotFound, "Not a seat user", nil)
	case errors.Is(err, seats.ErrNoActiveSubscription):
		writeError(w, http.StatusConflict, "No active subscription", nil)
	case errors.Is(err, seats.ErrSeatTaken):
		writeError(w, http.StatusConflict, "Already a seat user of another subscription", nil)
	default:
		writeError(w, http.StatusInternalServerError, "Seat operation failed", err)
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
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
