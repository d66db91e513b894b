/*
auto.go - Threshold-triggered automatic purchases

PURPOSE:
  Called after consumption drops a balance; replenishes it when the plan
  opts in. Policy gates in order: mapped user, active subscription,
  auto-top-up configured, balance strictly below threshold, monthly cap,
  payment method on file. The charge itself reuses the on-demand
  execution paths with source auto_topup.

MONTHLY CAP:
  Counted from ledger grant entries with source auto_topup since the
  first of the current month UTC. Manual purchases never count. The
  counter also seeds the processor idempotency key, so retries within a
  cycle reuse the same intent instead of charging again.
*/
package topup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/warp/billing-engine/ledger"
)

// Reasons reported on AutoResult when no purchase happened.
const (
	ReasonUserNotFound          = "user_not_found"
	ReasonNoSubscription        = "no_subscription"
	ReasonNotConfigured         = "not_configured"
	ReasonBalanceAboveThreshold = "balance_above_threshold"
	ReasonMaxPerMonth           = "max_per_month_reached"
	ReasonNoPaymentMethod       = "no_payment_method"
	ReasonPaymentFailed         = "payment_failed"
	ReasonPaymentRequiresAction = "payment_requires_action"
)

// Trigger is a balance observation that may warrant a refill.
type Trigger struct {
	UserID         string
	Key            string
	CurrentBalance int64
}

// AutoResult reports whether a purchase ran and how it ended.
type AutoResult struct {
	Triggered bool   `json:"triggered"`
	Status    string `json:"status,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TriggerAutoTopUpIfNeeded refills the balance when the plan's
// auto-top-up policy says so. Balance at exactly the threshold does not
// trigger. The OnAutoTopUpFailed callback fires on every non-triggered
// outcome except the two quiet ones (balance above threshold, feature
// not configured), which occur on virtually every consume.
func (e *Engine) TriggerAutoTopUpIfNeeded(ctx context.Context, trig Trigger) (AutoResult, error) {
	if err := e.ready(); err != nil {
		return AutoResult{}, err
	}

	custID, err := e.store.CustomerIDForUser(ctx, trig.UserID)
	if err != nil {
		return AutoResult{}, fmt.Errorf("resolve customer for user %s: %w", trig.UserID, err)
	}
	if custID == "" {
		return e.autoSkip(trig, ReasonUserNotFound), nil
	}

	info, err := e.subs.GetForCustomer(ctx, custID)
	if err != nil {
		return AutoResult{}, fmt.Errorf("load subscription for customer %s: %w", custID, err)
	}
	if info == nil || !isActive(info.Status) {
		return e.autoSkip(trig, ReasonNoSubscription), nil
	}
	if info.Plan == nil {
		return AutoResult{Reason: ReasonNotConfigured}, nil
	}

	feature, ok := info.Plan.Plan.Feature(trig.Key)
	if !ok || feature.AutoTopUp == nil || feature.PricePerCredit <= 0 {
		return AutoResult{Reason: ReasonNotConfigured}, nil
	}
	rule := *feature.AutoTopUp

	if trig.CurrentBalance >= rule.Threshold {
		return AutoResult{Reason: ReasonBalanceAboveThreshold}, nil
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	n, err := e.credits.Store().CountBySourceSince(ctx, trig.UserID, trig.Key, ledger.SourceAutoTopUp, monthStart)
	if err != nil {
		return AutoResult{}, fmt.Errorf("count auto top-ups for user %s: %w", trig.UserID, err)
	}
	if rule.MaxPerMonth > 0 && n >= rule.MaxPerMonth {
		return e.autoSkip(trig, ReasonMaxPerMonth), nil
	}

	cust, err := e.payments.GetCustomer(custID, nil)
	if err != nil || cust == nil || cust.Deleted {
		return e.autoSkip(trig, ReasonUserNotFound), nil
	}
	pm := defaultPaymentMethod(cust)
	if pm == "" {
		return e.autoSkip(trig, ReasonNoPaymentMethod), nil
	}

	sp := chargeSpec{
		userID:        trig.UserID,
		key:           trig.Key,
		amount:        rule.Amount,
		totalCents:    rule.Amount * feature.PricePerCredit,
		currency:      priceCurrency(info.Plan),
		customerID:    custID,
		paymentMethod: pm,
		b2b:           isBusinessCustomer(cust),
		processorKey:  fmt.Sprintf("auto_topup:%s:%s:%s:%d", trig.UserID, trig.Key, now.Format("2006-01"), n),
		source:        ledger.SourceAutoTopUp,
	}

	log.Printf("[BILLING] action=auto_topup_trigger user=%s key=%s balance=%d threshold=%d amount=%d month_count=%d",
		trig.UserID, trig.Key, trig.CurrentBalance, rule.Threshold, rule.Amount, n)

	res := e.charge(ctx, sp)
	switch {
	case res.Success:
		return AutoResult{Triggered: true, Status: res.Status, SourceID: res.SourceID}, nil
	case res.Status == string(stripe.PaymentIntentStatusRequiresAction):
		return e.autoSkip(trig, ReasonPaymentRequiresAction), nil
	default:
		return e.autoSkip(trig, ReasonPaymentFailed), nil
	}
}

// autoSkip records a non-triggered outcome and notifies the callback.
func (e *Engine) autoSkip(trig Trigger, reason string) AutoResult {
	log.Printf("[BILLING] action=auto_topup_skip user=%s key=%s reason=%s", trig.UserID, trig.Key, reason)
	e.autoFailed(trig.UserID, trig.Key, reason)
	return AutoResult{Reason: reason}
}
