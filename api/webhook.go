/*
webhook.go - Stripe event ingestion

PURPOSE:
  Receives processor webhooks, verifies their signature, and routes
  each event to the lifecycle applier or the top-up hooks. This is the
  only write path driven by the processor; everything it does funnels
  through the same services the REST surface uses.

EVENT ROUTING:
  customer.subscription.created   initial plan grant
  customer.subscription.updated   plan change / applied downgrade
  customer.subscription.deleted   cancellation revoke
  invoice.payment_succeeded       renewal (billing_reason subscription_cycle)
  invoice.paid                    B2B top-up settlement
  payment_intent.succeeded        B2C top-up settlement
  checkout.session.completed      recovery-checkout top-up settlement
  anything else                   logged, acknowledged

DELIVERY SEMANTICS:
  Stripe retries until it sees 2xx, and may deliver an event more than
  once or out of order. Handlers are idempotent (ledger keys), so a
  duplicate resolves as success here: returning an error would only
  make Stripe retry a no-op. Real processing failures return 500 so the
  retry loop gets another chance.

UPDATED-EVENT CLASSIFICATION:
  The checkout and plan-change flows stamp subscription metadata that
  this handler reads to tell transitions apart:
    pending_credit_downgrade=true  scheduled downgrade, defer
    downgrade_from_price set       the deferred downgrade took effect
    price differs from previous    upgrade (free->paid or paid->paid)
  The previous price comes from upgrade_from_price_id metadata when the
  flow stamped it, else from the event's previous_attributes.

SEE ALSO:
  - handlers.go: Handler struct and REST endpoints
  - ../lifecycle/lifecycle.go: event semantics
  - ../topup/hooks.go: payment settlement hooks
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/plan"
)

// maxWebhookBody caps the request body read. Stripe events are a few
// KB; anything larger is not one of ours.
const maxWebhookBody = 65536

// HandleStripeWebhook verifies and dispatches one processor event.
// POST /webhooks/stripe
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Printf("[BILLING] action=webhook_reject error=%v", err)
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return
	}

	if err := h.dispatchEvent(r.Context(), event); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyProcessed) {
			log.Printf("[BILLING] action=webhook_duplicate event=%s type=%s", event.ID, event.Type)
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		log.Printf("[BILLING] action=webhook_fail event=%s type=%s error=%v", event.ID, event.Type, err)
		writeError(w, http.StatusInternalServerError, "Event processing failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) dispatchEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return h.Lifecycle.OnSubscriptionCreated(ctx, subscriptionEvent(&sub))

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return h.subscriptionUpdated(ctx, event, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return err
		}
		return h.Lifecycle.OnCancelled(ctx, subscriptionEvent(&sub))

	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return err
		}
		return h.invoicePaymentSucceeded(ctx, &inv)

	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return err
		}
		return h.TopUps.HandleInvoicePaid(ctx, &inv)

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return err
		}
		return h.TopUps.HandlePaymentIntentSucceeded(ctx, &pi)

	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return err
		}
		return h.TopUps.HandleTopUpCheckoutCompleted(ctx, &session)

	default:
		log.Printf("[BILLING] action=webhook_ignore type=%s", event.Type)
		return nil
	}
}

// subscriptionUpdated classifies a subscription change. Order matters:
// the pending marker must win over a price diff (the price has not
// moved yet when a downgrade is scheduled), and the downgrade_from
// marker must win once it has.
func (h *Handler) subscriptionUpdated(ctx context.Context, event stripe.Event, sub *stripe.Subscription) error {
	ev := subscriptionEvent(sub)
	ev.EventID = event.ID

	if sub.Metadata[lifecycle.MetaPendingDowngrade] == "true" {
		return h.Lifecycle.OnPlanChanged(ctx, ev, previousPriceID(event, sub))
	}

	if from := sub.Metadata[lifecycle.MetaDowngradeFrom]; from != "" && from != ev.PriceID {
		return h.Lifecycle.OnDowngradeApplied(ctx, ev, ev.PriceID)
	}

	if prev := previousPriceID(event, sub); prev != "" && prev != ev.PriceID {
		return h.Lifecycle.OnPlanChanged(ctx, ev, prev)
	}

	log.Printf("[BILLING] action=webhook_ignore type=%s sub=%s reason=no_price_change", event.Type, sub.ID)
	return nil
}

// invoicePaymentSucceeded applies renewal credits. Only recurring cycle
// invoices count: the creation invoice is covered by the created event,
// and one-off invoices are top-ups settled by invoice.paid.
func (h *Handler) invoicePaymentSucceeded(ctx context.Context, inv *stripe.Invoice) error {
	if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		log.Printf("[BILLING] action=renewal_skip invoice=%s reason=billing_reason_%s", inv.ID, inv.BillingReason)
		return nil
	}
	subID := invoiceSubscriptionID(inv)
	if subID == "" {
		log.Printf("[BILLING] action=renewal_skip invoice=%s reason=not_subscription_invoice", inv.ID)
		return nil
	}

	ev, err := h.replicaEvent(ctx, subID)
	if err != nil {
		return err
	}
	if ev == nil {
		log.Printf("[BILLING] action=renewal_skip invoice=%s sub=%s reason=unknown_subscription", inv.ID, subID)
		return nil
	}
	return h.Lifecycle.OnRenewed(ctx, *ev, inv.ID)
}

// =============================================================================
// EVENT SHAPING
// =============================================================================

// subscriptionEvent flattens the processor object into the applier's
// event shape. Billing periods live on the subscription item since API
// version 2025-03-31; StartDate covers objects predating the move.
func subscriptionEvent(sub *stripe.Subscription) lifecycle.SubscriptionEvent {
	ev := lifecycle.SubscriptionEvent{
		SubscriptionID: sub.ID,
		Metadata:       sub.Metadata,
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ev.PriceID = item.Price.ID
			if item.Price.Recurring != nil {
				ev.Interval = plan.ParseInterval(string(item.Price.Recurring.Interval))
			}
		}
		if item.CurrentPeriodStart > 0 {
			ev.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			ev.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	if ev.PeriodStart.IsZero() && sub.StartDate > 0 {
		ev.PeriodStart = time.Unix(sub.StartDate, 0).UTC()
	}
	return ev
}

// previousPriceID recovers the price before an update, preferring the
// metadata stamped by the plan-change flow over previous_attributes.
func previousPriceID(event stripe.Event, sub *stripe.Subscription) string {
	if id := sub.Metadata[lifecycle.MetaUpgradeFromPrice]; id != "" {
		return id
	}
	if event.Data == nil {
		return ""
	}
	items, ok := event.Data.PreviousAttributes["items"].(map[string]any)
	if !ok {
		return ""
	}
	data, ok := items["data"].([]any)
	if !ok || len(data) == 0 {
		return ""
	}
	first, ok := data[0].(map[string]any)
	if !ok {
		return ""
	}
	price, ok := first["price"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := price["id"].(string)
	return id
}

func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
		return ""
	}
	return inv.Parent.SubscriptionDetails.Subscription.ID
}

// replicaEvent rebuilds a lifecycle event from the replica row, for
// events that carry only a subscription id. The interval is left for
// the applier to take from the resolved price.
func (h *Handler) replicaEvent(ctx context.Context, subID string) (*lifecycle.SubscriptionEvent, error) {
	sub, err := h.Replica.SubscriptionByID(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	return &lifecycle.SubscriptionEvent{
		SubscriptionID: sub.ID,
		CustomerID:     sub.Customer,
		PriceID:        sub.PriceID(),
		Metadata:       sub.Metadata,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
	}, nil
}
