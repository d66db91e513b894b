/*
Package lifecycle maps subscription transitions onto credit operations.

PURPOSE:
  Subscription webhooks (created, plan changed, renewed, downgrade
  applied, cancelled) arrive as events; this package decides what each
  one means for credit balances and drives the credits service
  accordingly. A grant-target policy decides who receives credits: the
  subscribing user, every seat user, or nobody (manual).

REPLAY SAFETY:
  Webhooks redeliver. Creation grants carry the idempotency key
  "sub_created:{subscriptionId}:{key}"; a duplicate surfaces as
  ErrAlreadyProcessed, which the webhook layer acknowledges as success.
  Renewals derive one key per user and credit key from the invoice
  ("renewal:{subId}:{invoiceId}:{userId}:{key}") and skip silently on
  conflict, so a redelivered invoice event never double-grants.

REPLICA LAG:
  Events can reference customers or prices the local replica has not
  seen yet. Both resolve to a logged no-op, never an error: webhooks
  also fire for objects this engine does not bill.

SEE ALSO:
  - plan/: price resolution and interval scaling
  - credits/: the operations this package drives
  - api/: webhook parsing and dispatch
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
)

// ErrAlreadyProcessed marks a duplicate creation event. The webhook
// layer treats it as success.
var ErrAlreadyProcessed = errors.New("subscription event already processed")

// GrantTarget selects who receives plan credits.
type GrantTarget string

const (
	// TargetSubscriber grants to the user mapped to the paying customer.
	TargetSubscriber GrantTarget = "subscriber"
	// TargetSeatUsers grants per seat user of the subscription.
	TargetSeatUsers GrantTarget = "seat-users"
	// TargetManual performs no automatic grants.
	TargetManual GrantTarget = "manual"
)

// Metadata keys the checkout and plan-change flows stamp on
// subscriptions. The applier and the webhook receiver read them to
// classify transitions.
const (
	MetaFirstSeatUser     = "first_seat_user_id"
	MetaPendingDowngrade  = "pending_credit_downgrade"
	MetaDowngradeFrom     = "downgrade_from_price"
	MetaUpgradeFromAmount = "upgrade_from_price_amount"
	MetaUpgradeFromPrice  = "upgrade_from_price_id"
)

// SubscriptionEvent is the normalized form of a subscription webhook.
// EventID is the processor's delivery id when the event came off the
// wire; rebuilt events (replica lookups) leave it empty.
type SubscriptionEvent struct {
	EventID        string
	SubscriptionID string
	CustomerID     string
	PriceID        string
	Interval       plan.Interval
	Metadata       map[string]string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

func (ev SubscriptionEvent) meta(key string) string {
	if ev.Metadata == nil {
		return ""
	}
	return ev.Metadata[key]
}

// changeKey derives a ledger idempotency key from the delivering event
// so redelivered plan changes land once. Without an event id there is
// no stable per-delivery handle, so the mutation stays unkeyed.
func (ev SubscriptionEvent) changeKey(prefix, userID, key string) string {
	if ev.EventID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s:%s", prefix, ev.EventID, userID, key)
}

// Change describes one applied credit mutation, passed to callbacks.
type Change struct {
	UserID   string
	Key      string
	Amount   int64
	Source   ledger.Source
	SourceID string
}

// Callbacks fire after successful mutations. Errors are logged and
// never affect ledger outcomes.
type Callbacks struct {
	OnCreditsGranted func(Change) error
	OnCreditsRevoked func(Change) error
	OnBalanceReset   func(Change) error
}

// Applier drives credit operations from subscription events.
type Applier struct {
	credits   *credits.Service
	store     replica.Store
	resolver  *plan.Resolver
	target    GrantTarget
	callbacks Callbacks
}

// NewApplier wires the applier. target defaults to subscriber.
func NewApplier(c *credits.Service, store replica.Store, resolver *plan.Resolver, target GrantTarget, cb Callbacks) *Applier {
	if target == "" {
		target = TargetSubscriber
	}
	return &Applier{credits: c, store: store, resolver: resolver, target: target, callbacks: cb}
}

// =============================================================================
// EVENTS
// =============================================================================

// OnSubscriptionCreated grants the plan's allocations for a brand-new
// subscription. Duplicate delivery returns ErrAlreadyProcessed.
func (a *Applier) OnSubscriptionCreated(ctx context.Context, ev SubscriptionEvent) error {
	rp := a.resolver.ResolvePlanByPriceID(ev.PriceID)
	if rp == nil {
		log.Printf("[BILLING] action=sub_created_skip sub=%s price=%s reason=unknown_plan", ev.SubscriptionID, ev.PriceID)
		return nil
	}

	var userID string
	switch a.target {
	case TargetManual:
		return nil
	case TargetSeatUsers:
		// Seats drive per-user grants later; creation only seeds the
		// first seat user when the checkout flow named one.
		userID = ev.meta(MetaFirstSeatUser)
		if userID == "" {
			log.Printf("[BILLING] action=sub_created_skip sub=%s reason=no_first_seat_user", ev.SubscriptionID)
			return nil
		}
	default:
		var err error
		userID, err = a.userFor(ctx, ev.CustomerID)
		if err != nil {
			return err
		}
		if userID == "" {
			log.Printf("[BILLING] action=sub_created_skip sub=%s customer=%s reason=unknown_customer", ev.SubscriptionID, ev.CustomerID)
			return nil
		}
	}

	interval := a.interval(ev, rp)
	for _, key := range rp.Plan.CreditKeys() {
		rule := *rp.Plan.Features[key].Credits
		allocation := plan.AllocationFor(rule, interval)
		if allocation <= 0 {
			continue
		}

		res, err := a.credits.Grant(ctx, userID, key, allocation, credits.Meta{
			Source:         ledger.SourceSubscription,
			SourceID:       ev.SubscriptionID,
			Description:    fmt.Sprintf("%s plan credits", rp.Name),
			IdempotencyKey: fmt.Sprintf("sub_created:%s:%s", ev.SubscriptionID, key),
		})
		if ledger.IsConflict(err) {
			return ErrAlreadyProcessed
		}
		if err != nil {
			return fmt.Errorf("failed to grant %s on creation: %w", key, err)
		}

		log.Printf("[BILLING] action=sub_created_grant user=%s key=%s amount=%d balance=%d sub=%s",
			userID, key, allocation, res.New, ev.SubscriptionID)
		a.granted(Change{UserID: userID, Key: key, Amount: allocation, Source: ledger.SourceSubscription, SourceID: ev.SubscriptionID})
	}
	return nil
}

// OnPlanChanged handles an immediate price change on a live
// subscription. Scheduled downgrades are deferred to
// OnDowngradeApplied by the pending_credit_downgrade marker.
func (a *Applier) OnPlanChanged(ctx context.Context, ev SubscriptionEvent, previousPriceID string) error {
	if ev.meta(MetaPendingDowngrade) == "true" {
		log.Printf("[BILLING] action=plan_change_deferred sub=%s", ev.SubscriptionID)
		return nil
	}
	if ev.PriceID == previousPriceID {
		return nil
	}

	newPlan := a.resolver.ResolvePlanByPriceID(ev.PriceID)
	if newPlan == nil {
		log.Printf("[BILLING] action=plan_change_skip sub=%s price=%s reason=unknown_plan", ev.SubscriptionID, ev.PriceID)
		return nil
	}

	users, err := a.recipients(ctx, ev)
	if err != nil || len(users) == 0 {
		return err
	}

	interval := a.interval(ev, newPlan)
	freeToPaid := ev.meta(MetaUpgradeFromAmount) == "0"

	for _, userID := range users {
		if freeToPaid {
			// The free tier's balances do not carry into a paid plan.
			if oldPlan := a.resolver.ResolvePlanByPriceID(previousPriceID); oldPlan != nil {
				for _, key := range oldPlan.Plan.CreditKeys() {
					if err := a.revokeAll(ctx, userID, key, ledger.SourceSubscription, ev.SubscriptionID,
						"free plan credits removed on upgrade", ev.changeKey("plan_change_revoke", userID, key)); err != nil {
						return err
					}
				}
			}
		}

		// Paid-to-paid keeps balances and stacks the new allocations.
		for _, key := range newPlan.Plan.CreditKeys() {
			rule := *newPlan.Plan.Features[key].Credits
			allocation := plan.AllocationFor(rule, interval)
			if allocation <= 0 {
				continue
			}
			res, err := a.credits.Grant(ctx, userID, key, allocation, credits.Meta{
				Source:         ledger.SourceSubscription,
				SourceID:       ev.SubscriptionID,
				Description:    fmt.Sprintf("%s plan credits on plan change", newPlan.Name),
				IdempotencyKey: ev.changeKey("plan_change", userID, key),
			})
			if ledger.IsConflict(err) {
				log.Printf("[BILLING] action=plan_change_duplicate user=%s key=%s event=%s", userID, key, ev.EventID)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to grant %s on plan change: %w", key, err)
			}
			log.Printf("[BILLING] action=plan_change_grant user=%s key=%s amount=%d balance=%d sub=%s",
				userID, key, allocation, res.New, ev.SubscriptionID)
			a.granted(Change{UserID: userID, Key: key, Amount: allocation, Source: ledger.SourceSubscription, SourceID: ev.SubscriptionID})
		}
	}
	return nil
}

// OnDowngradeApplied runs when a scheduled downgrade takes effect at
// the period boundary: reset or stack each key of the lower plan, and
// revoke keys the lower plan no longer carries.
func (a *Applier) OnDowngradeApplied(ctx context.Context, ev SubscriptionEvent, newPriceID string) error {
	newPlan := a.resolver.ResolvePlanByPriceID(newPriceID)
	if newPlan == nil {
		log.Printf("[BILLING] action=downgrade_skip sub=%s price=%s reason=unknown_plan", ev.SubscriptionID, newPriceID)
		return nil
	}

	users, err := a.recipients(ctx, ev)
	if err != nil || len(users) == 0 {
		return err
	}

	interval := a.interval(ev, newPlan)
	for _, userID := range users {
		for _, key := range newPlan.Plan.CreditKeys() {
			rule := *newPlan.Plan.Features[key].Credits
			allocation := plan.AllocationFor(rule, interval)

			if rule.ResetOnRenewal() {
				res, err := a.credits.AtomicBalanceReset(ctx, userID, key, allocation, credits.Meta{
					Source:      ledger.SourceSubscription,
					SourceID:    ev.SubscriptionID,
					Description: fmt.Sprintf("downgrade to %s plan", newPlan.Name),
				})
				if err != nil {
					return fmt.Errorf("failed to reset %s on downgrade: %w", key, err)
				}
				log.Printf("[BILLING] action=downgrade_reset user=%s key=%s balance=%d sub=%s",
					userID, key, res.New, ev.SubscriptionID)
				a.reset(Change{UserID: userID, Key: key, Amount: allocation, Source: ledger.SourceSubscription, SourceID: ev.SubscriptionID})
				continue
			}

			if allocation <= 0 {
				continue
			}
			if _, err := a.credits.Grant(ctx, userID, key, allocation, credits.Meta{
				Source:      ledger.SourceSubscription,
				SourceID:    ev.SubscriptionID,
				Description: fmt.Sprintf("downgrade to %s plan", newPlan.Name),
			}); err != nil {
				return fmt.Errorf("failed to grant %s on downgrade: %w", key, err)
			}
			a.granted(Change{UserID: userID, Key: key, Amount: allocation, Source: ledger.SourceSubscription, SourceID: ev.SubscriptionID})
		}

		// Keys the lower plan dropped lose their balances.
		oldPriceID := ev.meta(MetaDowngradeFrom)
		if oldPlan := a.resolver.ResolvePlanByPriceID(oldPriceID); oldPlan != nil {
			for _, key := range oldPlan.Plan.CreditKeys() {
				if _, kept := newPlan.Plan.Features[key]; kept {
					continue
				}
				if err := a.revokeAll(ctx, userID, key, ledger.SourceSubscription, ev.SubscriptionID, "credit type removed on downgrade", ""); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// OnRenewed applies per-period allocations when an invoice for a new
// billing cycle is paid. Duplicate invoices are silent successes.
func (a *Applier) OnRenewed(ctx context.Context, ev SubscriptionEvent, invoiceID string) error {
	rp := a.resolver.ResolvePlanByPriceID(ev.PriceID)
	if rp == nil {
		log.Printf("[BILLING] action=renewal_skip sub=%s price=%s reason=unknown_plan", ev.SubscriptionID, ev.PriceID)
		return nil
	}

	users, err := a.recipients(ctx, ev)
	if err != nil || len(users) == 0 {
		return err
	}

	interval := a.interval(ev, rp)
	for _, userID := range users {
		for _, key := range rp.Plan.CreditKeys() {
			rule := *rp.Plan.Features[key].Credits
			allocation := plan.AllocationFor(rule, interval)
			// One key per user and credit key: a redelivered invoice
			// event conflicts here and skips without touching balances.
			idemKey := fmt.Sprintf("renewal:%s:%s:%s:%s", ev.SubscriptionID, invoiceID, userID, key)

			meta := credits.Meta{
				Source:         ledger.SourceRenewal,
				SourceID:       invoiceID,
				Description:    fmt.Sprintf("%s plan renewal", rp.Name),
				IdempotencyKey: idemKey,
			}

			if rule.ResetOnRenewal() {
				res, err := a.credits.AtomicBalanceReset(ctx, userID, key, allocation, meta)
				if ledger.IsConflict(err) {
					log.Printf("[BILLING] action=renewal_duplicate user=%s key=%s invoice=%s", userID, key, invoiceID)
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to reset %s on renewal: %w", key, err)
				}
				log.Printf("[BILLING] action=renewal_reset user=%s key=%s expired=%d forgiven=%d balance=%d invoice=%s",
					userID, key, res.Expired, res.Forgiven, res.New, invoiceID)
				a.reset(Change{UserID: userID, Key: key, Amount: allocation, Source: ledger.SourceRenewal, SourceID: invoiceID})
				continue
			}

			if allocation <= 0 {
				continue
			}
			_, err := a.credits.Grant(ctx, userID, key, allocation, meta)
			if ledger.IsConflict(err) {
				log.Printf("[BILLING] action=renewal_duplicate user=%s key=%s invoice=%s", userID, key, invoiceID)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to grant %s on renewal: %w", key, err)
			}
			a.granted(Change{UserID: userID, Key: key, Amount: allocation, Source: ledger.SourceRenewal, SourceID: invoiceID})
		}
	}
	return nil
}

// OnCancelled removes every balance under the plan's credit keys.
// Loss of service revokes top-up credits too; there is no source
// partition inside a key.
func (a *Applier) OnCancelled(ctx context.Context, ev SubscriptionEvent) error {
	rp := a.resolver.ResolvePlanByPriceID(ev.PriceID)
	if rp == nil {
		log.Printf("[BILLING] action=cancel_skip sub=%s price=%s reason=unknown_plan", ev.SubscriptionID, ev.PriceID)
		return nil
	}

	users, err := a.recipients(ctx, ev)
	if err != nil || len(users) == 0 {
		return err
	}

	for _, userID := range users {
		for _, key := range rp.Plan.CreditKeys() {
			if err := a.revokeAll(ctx, userID, key, ledger.SourceCancellation, ev.SubscriptionID, "subscription cancelled", ""); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// recipients resolves the users affected by an event under the grant
// target policy. An empty slice with nil error is a logged no-op.
func (a *Applier) recipients(ctx context.Context, ev SubscriptionEvent) ([]string, error) {
	switch a.target {
	case TargetManual:
		return nil, nil
	case TargetSeatUsers:
		seats, err := a.store.SeatUsersForSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return nil, err
		}
		users := make([]string, 0, len(seats))
		for _, seat := range seats {
			users = append(users, seat.UserID)
		}
		if len(users) == 0 {
			log.Printf("[BILLING] action=event_skip sub=%s reason=no_seat_users", ev.SubscriptionID)
		}
		return users, nil
	default:
		userID, err := a.userFor(ctx, ev.CustomerID)
		if err != nil {
			return nil, err
		}
		if userID == "" {
			log.Printf("[BILLING] action=event_skip sub=%s customer=%s reason=unknown_customer", ev.SubscriptionID, ev.CustomerID)
			return nil, nil
		}
		return []string{userID}, nil
	}
}

func (a *Applier) userFor(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	return a.store.UserIDForCustomer(ctx, customerID)
}

// interval prefers the event's interval and falls back to the matched
// price point's.
func (a *Applier) interval(ev SubscriptionEvent, rp *plan.ResolvedPlan) plan.Interval {
	if ev.Interval != "" {
		return ev.Interval
	}
	if rp.Price.Interval != "" {
		return rp.Price.Interval
	}
	return plan.IntervalMonth
}

func (a *Applier) revokeAll(ctx context.Context, userID, key string, source ledger.Source, sourceID, description, idemKey string) error {
	res, err := a.credits.RevokeAll(ctx, userID, key, credits.Meta{
		Source:         source,
		SourceID:       sourceID,
		Description:    description,
		IdempotencyKey: idemKey,
	})
	if ledger.IsConflict(err) {
		log.Printf("[BILLING] action=revoke_all_duplicate user=%s key=%s source=%s", userID, key, source)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to revoke %s: %w", key, err)
	}
	if res.Revoked > 0 {
		log.Printf("[BILLING] action=revoke_all user=%s key=%s amount=%d source=%s", userID, key, res.Revoked, source)
		a.revoked(Change{UserID: userID, Key: key, Amount: -res.Revoked, Source: source, SourceID: sourceID})
	}
	return nil
}

func (a *Applier) granted(ch Change) {
	if a.callbacks.OnCreditsGranted == nil {
		return
	}
	if err := a.callbacks.OnCreditsGranted(ch); err != nil {
		log.Printf("[BILLING] action=callback_fail hook=granted user=%s key=%s error=%v", ch.UserID, ch.Key, err)
	}
}

func (a *Applier) revoked(ch Change) {
	if a.callbacks.OnCreditsRevoked == nil {
		return
	}
	if err := a.callbacks.OnCreditsRevoked(ch); err != nil {
		log.Printf("[BILLING] action=callback_fail hook=revoked user=%s key=%s error=%v", ch.UserID, ch.Key, err)
	}
}

func (a *Applier) reset(ch Change) {
	if a.callbacks.OnBalanceReset == nil {
		return
	}
	if err := a.callbacks.OnBalanceReset(ch); err != nil {
		log.Printf("[BILLING] action=callback_fail hook=reset user=%s key=%s error=%v", ch.UserID, ch.Key, err)
	}
}
