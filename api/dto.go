/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Credits:
    BalancesDTO, HistoryEntryDTO

  Wallet:
    WalletDTO

  Subscription:
    SubscriptionDTO, CreditRuleDTO

  Top-ups:
    TopUpRequest (the engine's Result is returned as-is; it already
    carries JSON tags)

  Seats:
    AddSeatRequest, SeatAddedDTO, SeatUserDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - webhook.go: Stripe event ingestion (no DTOs; stripe-go types)
*/
package api

import (
	"time"

	"github.com/warp/billing-engine/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// BalancesDTO carries every credit balance a user holds.
type BalancesDTO struct {
	UserID   string           `json:"user_id"`
	Balances map[string]int64 `json:"balances"`
}

// HistoryEntryDTO is one ledger entry in API responses, newest first.
type HistoryEntryDTO struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Source       string    `json:"source"`
	SourceID     string    `json:"source_id,omitempty"`
	Description  string    `json:"description,omitempty"`
	Currency     string    `json:"currency,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func toHistoryDTO(e ledger.Entry) HistoryEntryDTO {
	return HistoryEntryDTO{
		ID:           e.ID,
		Type:         string(e.Type),
		Amount:       e.Amount,
		BalanceAfter: e.BalanceAfter,
		Source:       string(e.Source),
		SourceID:     e.SourceID,
		Description:  e.Description,
		Currency:     e.Currency,
		CreatedAt:    e.CreatedAt,
	}
}

// WalletDTO is the monetary balance in display-ready form.
type WalletDTO struct {
	UserID    string  `json:"user_id"`
	Cents     float64 `json:"cents"`
	Currency  string  `json:"currency"`
	Formatted string  `json:"formatted"`
}

// SubscriptionDTO summarizes the user's active subscription and the
// credit rules its plan carries.
type SubscriptionDTO struct {
	ID                 string                   `json:"id"`
	Status             string                   `json:"status"`
	PriceID            string                   `json:"price_id"`
	PlanName           string                   `json:"plan_name,omitempty"`
	Env                string                   `json:"env,omitempty"`
	Interval           string                   `json:"interval,omitempty"`
	CurrentPeriodStart time.Time                `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                `json:"current_period_end"`
	Credits            map[string]CreditRuleDTO `json:"credits,omitempty"`
}

// CreditRuleDTO is the per-key allocation a plan grants.
type CreditRuleDTO struct {
	Allocation int64  `json:"allocation"`
	OnRenewal  string `json:"on_renewal"`
}

// TopUpRequest is the body of POST /api/users/{id}/topups. The user id
// comes from the URL.
type TopUpRequest struct {
	Key            string `json:"key"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AddSeatRequest is the body of POST /api/orgs/{id}/seats.
type AddSeatRequest struct {
	UserID string `json:"user_id"`
}

// SeatAddedDTO reports the outcome of a seat add.
type SeatAddedDTO struct {
	UserID         string           `json:"user_id"`
	SubscriptionID string           `json:"subscription_id"`
	AlreadySeat    bool             `json:"already_seat"`
	CreditsGranted map[string]int64 `json:"credits_granted,omitempty"`
}

// SeatUserDTO is one seat row.
type SeatUserDTO struct {
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	AddedAt        time.Time `json:"added_at"`
}

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
