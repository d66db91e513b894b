/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  billing data for demos and manual testing. Each scenario seeds the
  Stripe replica (customer, subscription, user mapping) and then drives
  the same lifecycle and credit paths the webhooks drive, so what a demo
  shows is what production does.

AVAILABLE SCENARIOS:
  fresh-subscriber: Monthly plan just created, initial grant plus usage
  renewal-cycle:    Second billing period, reset history visible
  team-seats:       Org subscription with seat users
  topup-heavy:      Purchased credits stacked on a plan, funded wallet

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Seed the replica rows the webhooks would have mirrored
 3. Replay lifecycle events through the applier
 4. Add consumption / top-up grants for texture

PLAN SELECTION:
  Loaders do not hardcode price IDs. They pick a suitable plan from the
  resolver's active environment (first by sorted name), so scenarios
  work against whatever plans.json is deployed.

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler struct, LoadScenario routes
  - ../lifecycle/lifecycle.go: the replayed events
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
	"github.com/warp/billing-engine/wallet"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-subscriber",
		Name:        "Fresh Subscriber",
		Description: "Monthly subscription with the initial credit grant and some usage",
		Category:    "subscription",
	},
	{
		ID:          "renewal-cycle",
		Name:        "Renewal Cycle",
		Description: "Second billing period: reset keys show the expiring revoke and the new grant",
		Category:    "subscription",
	},
	{
		ID:          "team-seats",
		Name:        "Team Seats",
		Description: "Org subscription with seat users and seat-granted credits",
		Category:    "seats",
	},
	{
		ID:          "topup-heavy",
		Name:        "Top-Up Heavy",
		Description: "Purchased credits stacked on a subscription, plus a funded wallet",
		Category:    "topup",
	},
}

// Fixed IDs so reloading a scenario lands on the same objects.
const (
	demoUser     = "user_demo"
	demoOrg      = "org_demo"
	demoCustomer = "cus_demo"
	demoSub      = "sub_demo"
)

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first. The store contract carries no reset; demo-capable
	// stores opt in.
	res, ok := h.Replica.(interface {
		Reset(ctx context.Context) error
	})
	if !ok {
		writeError(w, http.StatusNotImplemented, "Store does not support scenarios", nil)
		return
	}
	if err := res.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "fresh-subscriber":
		err = h.loadFreshSubscriberScenario(ctx)
	case "renewal-cycle":
		err = h.loadRenewalCycleScenario(ctx)
	case "team-seats":
		err = h.loadTeamSeatsScenario(ctx)
	case "topup-heavy":
		err = h.loadTopUpHeavyScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFreshSubscriberScenario(ctx context.Context) error {
	name, p, price := h.pickPlan(func(p plan.Plan) bool { return len(p.CreditKeys()) > 0 })
	if price == nil {
		return errors.New("no plan with credit rules in the active environment")
	}

	ev, err := h.seedSubscription(ctx, demoUser, demoCustomer, demoSub, *price, nil, 1)
	if err != nil {
		return err
	}
	if err := h.replayCreated(ctx, ev); err != nil {
		return err
	}

	// Burn through a third of the first key so balances look lived-in.
	key := p.CreditKeys()[0]
	rule := *p.Features[key].Credits
	burn := plan.AllocationFor(rule, price.Interval) / 3
	if burn > 0 {
		if _, err := h.Credits.Consume(ctx, demoUser, key, burn, credits.Meta{
			Source:      ledger.SourceManual,
			Description: fmt.Sprintf("demo usage on %s plan", name),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadRenewalCycleScenario(ctx context.Context) error {
	name, p, price := h.pickPlan(func(p plan.Plan) bool { return len(p.CreditKeys()) > 0 })
	if price == nil {
		return errors.New("no plan with credit rules in the active environment")
	}

	ev, err := h.seedSubscription(ctx, demoUser, demoCustomer, demoSub, *price, nil, 1)
	if err != nil {
		return err
	}
	if err := h.replayCreated(ctx, ev); err != nil {
		return err
	}

	// First-period usage, then the cycle invoice lands.
	key := p.CreditKeys()[0]
	rule := *p.Features[key].Credits
	burn := plan.AllocationFor(rule, price.Interval) / 2
	if burn > 0 {
		if _, err := h.Credits.Consume(ctx, demoUser, key, burn, credits.Meta{
			Source:      ledger.SourceManual,
			Description: fmt.Sprintf("demo usage on %s plan", name),
		}); err != nil {
			return err
		}
	}
	return h.Lifecycle.OnRenewed(ctx, ev, "in_demo_cycle_2")
}

func (h *Handler) loadTeamSeatsScenario(ctx context.Context) error {
	_, _, price := h.pickPlan(func(p plan.Plan) bool { return p.PerSeat && len(p.CreditKeys()) > 0 })
	if price == nil {
		// No per-seat plan configured; any credit plan still shows seats.
		_, _, price = h.pickPlan(func(p plan.Plan) bool { return len(p.CreditKeys()) > 0 })
	}
	if price == nil {
		return errors.New("no plan with credit rules in the active environment")
	}

	ev, err := h.seedSubscription(ctx, demoOrg, demoCustomer, demoSub, *price, nil, 1)
	if err != nil {
		return err
	}
	if err := h.replayCreated(ctx, ev); err != nil {
		return err
	}

	for _, member := range []string{"user_demo_alice", "user_demo_bob"} {
		if _, err := h.Seats.Add(ctx, demoOrg, member); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadTopUpHeavyScenario(ctx context.Context) error {
	_, p, price := h.pickPlan(func(p plan.Plan) bool { return len(p.CreditKeys()) > 0 })
	if price == nil {
		return errors.New("no plan with credit rules in the active environment")
	}

	ev, err := h.seedSubscription(ctx, demoUser, demoCustomer, demoSub, *price, nil, 1)
	if err != nil {
		return err
	}
	if err := h.replayCreated(ctx, ev); err != nil {
		return err
	}

	// Two settled purchases, written the way the webhook hooks write
	// them so the history reads like real top-ups.
	key := p.CreditKeys()[0]
	for i, amount := range []int64{250, 1000} {
		sourceID := fmt.Sprintf("pi_demo_%d", i+1)
		_, err := h.Credits.Grant(ctx, demoUser, key, amount, credits.Meta{
			Source:         ledger.SourceTopUp,
			SourceID:       sourceID,
			Description:    fmt.Sprintf("top-up of %d credits", amount),
			IdempotencyKey: fmt.Sprintf("pi_succeeded:%s:%s", sourceID, key),
		})
		if err != nil && !ledger.IsConflict(err) {
			return err
		}
	}

	// A funded wallet rounds out the picture.
	if _, err := h.Wallet.Add(ctx, demoUser, 2500,
		wallet.WithCurrency("usd"),
		wallet.WithSource(ledger.SourceTopUp, "pi_demo_wallet"),
		wallet.WithDescription("demo wallet funding"),
	); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// pickPlan selects the first active-env plan (sorted by name) matching
// want, preferring a monthly price. Returns nils when nothing matches.
func (h *Handler) pickPlan(want func(plan.Plan) bool) (string, plan.Plan, *plan.PricePoint) {
	plans := h.Plans.Plans(h.Plans.ActiveEnv())
	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := plans[name]
		if len(p.Prices) == 0 || !want(p) {
			continue
		}
		price := p.Prices[0]
		for _, pp := range p.Prices {
			if pp.Interval == plan.IntervalMonth {
				price = pp
				break
			}
		}
		return name, p, &price
	}
	return "", plan.Plan{}, nil
}

// seedSubscription writes the replica rows the replication engine would
// have mirrored and returns the matching lifecycle event.
func (h *Handler) seedSubscription(ctx context.Context, userID, customerID, subID string, price plan.PricePoint, metadata map[string]string, quantity int64) (lifecycle.SubscriptionEvent, error) {
	now := time.Now().UTC()
	periodEnd := now.AddDate(0, 1, 0)
	if price.Interval == plan.IntervalYear {
		periodEnd = now.AddDate(1, 0, 0)
	}

	if err := h.Replica.UpsertCustomer(ctx, replica.Customer{
		ID:       customerID,
		Metadata: map[string]string{"user_id": userID},
	}); err != nil {
		return lifecycle.SubscriptionEvent{}, err
	}
	if err := h.Replica.MapUser(ctx, userID, customerID); err != nil {
		return lifecycle.SubscriptionEvent{}, err
	}
	if err := h.Replica.UpsertSubscription(ctx, replica.Subscription{
		ID:       subID,
		Customer: customerID,
		Status:   "active",
		Items: []replica.SubscriptionItem{
			{ID: "si_" + subID, PriceID: price.ID, Quantity: quantity},
		},
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd,
		Metadata:           metadata,
	}); err != nil {
		return lifecycle.SubscriptionEvent{}, err
	}

	return lifecycle.SubscriptionEvent{
		SubscriptionID: subID,
		CustomerID:     customerID,
		PriceID:        price.ID,
		Interval:       price.Interval,
		Metadata:       metadata,
		PeriodStart:    now,
		PeriodEnd:      periodEnd,
	}, nil
}

// replayCreated drives the initial grant. A duplicate after a partial
// reload is fine.
func (h *Handler) replayCreated(ctx context.Context, ev lifecycle.SubscriptionEvent) error {
	err := h.Lifecycle.OnSubscriptionCreated(ctx, ev)
	if errors.Is(err, lifecycle.ErrAlreadyProcessed) {
		return nil
	}
	return err
}
