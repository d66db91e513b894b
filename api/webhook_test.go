/*
webhook_test.go - Tests for Stripe event ingestion

Tests for:
- Signature verification (reject unsigned/forged, accept signed)
- Event dispatch into the lifecycle applier and top-up hooks
- Duplicate delivery resolving as success
- v82 payload shaping (item-level periods, start_date fallback)
*/
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/plan"
)

// =============================================================================
// PAYLOAD HELPERS
// =============================================================================

func makeEvent(eventType string, payload any) stripe.Event {
	raw, _ := json.Marshal(payload)
	return stripe.Event{
		ID:   "evt_1",
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func makeEventWithPrevious(eventType string, payload, previous any) stripe.Event {
	ev := makeEvent(eventType, payload)
	prevRaw, _ := json.Marshal(previous)
	var prev map[string]interface{}
	_ = json.Unmarshal(prevRaw, &prev)
	ev.Data.PreviousAttributes = prev
	return ev
}

func subPayload(subID, customerID, priceID, interval string, metadata map[string]string) map[string]interface{} {
	now := time.Now().UTC()
	return map[string]interface{}{
		"id":       subID,
		"status":   "active",
		"customer": map[string]interface{}{"id": customerID},
		"metadata": metadata,
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"id": "si_" + subID,
					"price": map[string]interface{}{
						"id":        priceID,
						"recurring": map[string]interface{}{"interval": interval},
					},
					"current_period_start": now.Unix(),
					"current_period_end":   now.AddDate(0, 1, 0).Unix(),
				},
			},
		},
	}
}

func cycleInvoicePayload(invoiceID, subID, billingReason string) map[string]interface{} {
	return map[string]interface{}{
		"id":             invoiceID,
		"status":         "paid",
		"billing_reason": billingReason,
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{
				"subscription": map[string]interface{}{"id": subID},
			},
		},
	}
}

// signBody produces the Stripe-Signature header for a payload.
func signBody(body []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventBody(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":     "evt_1",
		"object": "event",
		"type":   eventType,
		"data":   map[string]interface{}{"object": payload},
	})
	require.NoError(t, err)
	return body
}

func (f *apiFixture) postWebhook(t *testing.T, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) balance(t *testing.T, userID, key string) int64 {
	t.Helper()
	balance, err := f.credits.GetBalance(context.Background(), userID, key)
	require.NoError(t, err)
	return balance
}

// =============================================================================
// SIGNATURE VERIFICATION
// =============================================================================

func TestWebhook_RejectsUnsignedRequests(t *testing.T) {
	f := newAPIFixture(t)
	body := eventBody(t, "customer.subscription.created", subPayload("sub_1", "cus_1", "price_basic_m", "month", nil))

	t.Run("missing signature", func(t *testing.T) {
		rec := f.postWebhook(t, body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("forged signature", func(t *testing.T) {
		rec := f.postWebhook(t, body, "t=123,v1=deadbeef")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	// Nothing was granted on either attempt.
	assert.Zero(t, f.balance(t, "user_1", "api-calls"))
}

func TestWebhook_SignedCreatedEventGrantsOnce(t *testing.T) {
	// GIVEN: a mapped customer and a signed created event
	f := newAPIFixture(t)
	f.seedSubscriber(t, "user_1", "cus_1", "sub_1", "price_basic_m")
	body := eventBody(t, "customer.subscription.created", subPayload("sub_1", "cus_1", "price_basic_m", "month", nil))

	// WHEN: the event is delivered
	rec := f.postWebhook(t, body, signBody(body))

	// THEN: the plan's credits land
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(100), f.balance(t, "user_1", "api-calls"))

	// WHEN: Stripe redelivers the same event
	rec = f.postWebhook(t, body, signBody(body))

	// THEN: still 200, still exactly one grant
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	history, err := f.credits.GetHistory(context.Background(), "user_1", "api-calls", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// =============================================================================
// EVENT DISPATCH
// =============================================================================

func TestDispatch_CreatedSkipsUnknownPlan(t *testing.T) {
	f := newAPIFixture(t)
	f.seedSubscriber(t, "user_1", "cus_1", "sub_1", "price_basic_m")

	ev := makeEvent("customer.subscription.created", subPayload("sub_1", "cus_1", "price_unknown", "month", nil))

	require.NoError(t, f.handler.dispatchEvent(context.Background(), ev))
	assert.Zero(t, f.balance(t, "user_1", "api-calls"))
}

func TestDispatch_UpdatedClassification(t *testing.T) {
	ctx := context.Background()

	newSubscriber := func(t *testing.T, priceID string) *apiFixture {
		f := newAPIFixture(t)
		f.seedSubscriber(t, "user_1", "cus_1", "sub_1", priceID)
		created := makeEvent("customer.subscription.created", subPayload("sub_1", "cus_1", priceID, "month", nil))
		require.NoError(t, f.handler.dispatchEvent(ctx, created))
		return f
	}

	t.Run("pending downgrade defers", func(t *testing.T) {
		f := newSubscriber(t, "price_pro_m")
		require.Equal(t, int64(1000), f.balance(t, "user_1", "api-calls"))

		ev := makeEvent("customer.subscription.updated", subPayload("sub_1", "cus_1", "price_pro_m", "month", map[string]string{
			"pending_credit_downgrade": "true",
			"downgrade_from_price":     "price_pro_m",
		}))
		require.NoError(t, f.handler.dispatchEvent(ctx, ev))

		assert.Equal(t, int64(1000), f.balance(t, "user_1", "api-calls"))
	})

	t.Run("applied downgrade resets and drops removed keys", func(t *testing.T) {
		f := newSubscriber(t, "price_pro_m")
		require.Equal(t, int64(50), f.balance(t, "user_1", "storage-gb"))

		ev := makeEvent("customer.subscription.updated", subPayload("sub_1", "cus_1", "price_basic_m", "month", map[string]string{
			"downgrade_from_price": "price_pro_m",
		}))
		require.NoError(t, f.handler.dispatchEvent(ctx, ev))

		assert.Equal(t, int64(100), f.balance(t, "user_1", "api-calls"))
		assert.Zero(t, f.balance(t, "user_1", "storage-gb"))
	})

	t.Run("upgrade stacks via stamped metadata", func(t *testing.T) {
		f := newSubscriber(t, "price_basic_m")
		require.Equal(t, int64(100), f.balance(t, "user_1", "api-calls"))

		ev := makeEvent("customer.subscription.updated", subPayload("sub_1", "cus_1", "price_pro_m", "month", map[string]string{
			"upgrade_from_price_id": "price_basic_m",
		}))
		require.NoError(t, f.handler.dispatchEvent(ctx, ev))

		assert.Equal(t, int64(1100), f.balance(t, "user_1", "api-calls"))
		assert.Equal(t, int64(50), f.balance(t, "user_1", "storage-gb"))
	})

	t.Run("redelivered upgrade event stacks once", func(t *testing.T) {
		f := newSubscriber(t, "price_basic_m")

		ev := makeEvent("customer.subscription.updated", subPayload("sub_1", "cus_1", "price_pro_m", "month", map[string]string{
			"upgrade_from_price_id": "price_basic_m",
		}))
		require.NoError(t, f.handler.dispatchEvent(ctx, ev))
		require.Equal(t, int64(1100), f.balance(t, "user_1", "api-calls"))

		// The processor redelivers the event under the same event id.
		require.NoError(t, f.handler.dispatchEvent(ctx, ev))

		assert.Equal(t, int64(1100), f.balance(t, "user_1", "api-calls"))
		assert.Equal(t, int64(50), f.balance(t, "user_1", "storage-gb"))
	})

	t.Run("upgrade stacks via previous_attributes", func(t *testing.T) {
		f := newSubscriber(t, "price_basic_m")

		ev := makeEventWithPrevious("customer.subscription.updated",
			subPayload("sub_1", "cus_1", "price_pro_m", "month", nil),
			map[string]interface{}{
				"items": map[string]interface{}{
					"data": []interface{}{
						map[string]interface{}{"price": map[string]interface{}{"id": "price_basic_m"}},
					},
				},
			})
		require.NoError(t, f.handler.dispatchEvent(ctx, ev))

		assert.Equal(t, int64(1100), f.balance(t, "user_1", "api-calls"))
	})

	t.Run("no price change is ignored", func(t *testing.T) {
		f := newSubscriber(t, "price_basic_m")

		ev := makeEvent("customer.subscription.updated", subPayload("sub_1", "cus_1", "price_basic_m", "month", nil))
		require.NoError(t, f.handler.dispatchEvent(ctx, ev))

		assert.Equal(t, int64(100), f.balance(t, "user_1", "api-calls"))
		history, err := f.credits.GetHistory(ctx, "user_1", "api-calls", 0, 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestDispatch_DeletedRevokesPlanKeys(t *testing.T) {
	// GIVEN: a pro subscriber with plan credits and a purchased top-up
	f := newAPIFixture(t)
	ctx := context.Background()
	f.seedSubscriber(t, "user_1", "cus_1", "sub_1", "price_pro_m")
	created := makeEvent("customer.subscription.created", subPayload("sub_1", "cus_1", "price_pro_m", "month", nil))
	require.NoError(t, f.handler.dispatchEvent(ctx, created))
	_, err := f.credits.Grant(ctx, "user_1", "api-calls", 300, credits.Meta{Source: ledger.SourceTopUp, SourceID: "pi_x"})
	require.NoError(t, err)

	// WHEN: the subscription is deleted
	ev := makeEvent("customer.subscription.deleted", subPayload("sub_1", "cus_1", "price_pro_m", "month", nil))
	require.NoError(t, f.handler.dispatchEvent(ctx, ev))

	// THEN: every plan key drains, purchased credits included
	assert.Zero(t, f.balance(t, "user_1", "api-calls"))
	assert.Zero(t, f.balance(t, "user_1", "storage-gb"))
}

func TestDispatch_RenewalFiltersBillingReason(t *testing.T) {
	// GIVEN: a basic subscriber mid-period
	f := newAPIFixture(t)
	ctx := context.Background()
	f.seedSubscriber(t, "user_1", "cus_1", "sub_1", "price_basic_m")
	created := makeEvent("customer.subscription.created", subPayload("sub_1", "cus_1", "price_basic_m", "month", nil))
	require.NoError(t, f.handler.dispatchEvent(ctx, created))
	_, err := f.credits.Consume(ctx, "user_1", "api-calls", 40, credits.Meta{Source: ledger.SourceManual})
	require.NoError(t, err)
	require.Equal(t, int64(60), f.balance(t, "user_1", "api-calls"))

	// WHEN: the creation invoice is (re)delivered
	ev := makeEvent("invoice.payment_succeeded", cycleInvoicePayload("in_1", "sub_1", "subscription_create"))
	require.NoError(t, f.handler.dispatchEvent(ctx, ev))

	// THEN: nothing changes; creation was already granted
	assert.Equal(t, int64(60), f.balance(t, "user_1", "api-calls"))

	// WHEN: the first cycle invoice lands
	ev = makeEvent("invoice.payment_succeeded", cycleInvoicePayload("in_2", "sub_1", "subscription_cycle"))
	require.NoError(t, f.handler.dispatchEvent(ctx, ev))

	// THEN: the reset rule brings the balance back to the allocation
	assert.Equal(t, int64(100), f.balance(t, "user_1", "api-calls"))

	// Redelivery of the same invoice is a silent no-op.
	ev = makeEvent("invoice.payment_succeeded", cycleInvoicePayload("in_2", "sub_1", "subscription_cycle"))
	require.NoError(t, f.handler.dispatchEvent(ctx, ev))
	assert.Equal(t, int64(100), f.balance(t, "user_1", "api-calls"))
}

func TestDispatch_RenewalForUnknownSubscriptionIsQuiet(t *testing.T) {
	f := newAPIFixture(t)

	ev := makeEvent("invoice.payment_succeeded", cycleInvoicePayload("in_1", "sub_ghost", "subscription_cycle"))

	require.NoError(t, f.handler.dispatchEvent(context.Background(), ev))
}

func TestDispatch_PaymentIntentRoutesToTopUpHooks(t *testing.T) {
	// GIVEN: a mapped user and a stamped payment intent
	f := newAPIFixture(t)
	f.seedSubscriber(t, "user_1", "cus_1", "sub_1", "price_pro_m")

	ev := makeEvent("payment_intent.succeeded", map[string]interface{}{
		"id":       "pi_9",
		"status":   "succeeded",
		"amount":   500,
		"currency": "usd",
		"metadata": map[string]string{
			"top_up_credit_type": "api-calls",
			"top_up_amount":      "250",
			"user_id":            "user_1",
		},
	})

	// WHEN: the settlement event arrives
	require.NoError(t, f.handler.dispatchEvent(context.Background(), ev))

	// THEN: the purchase is granted with the processor-derived key
	assert.Equal(t, int64(250), f.balance(t, "user_1", "api-calls"))
	history, err := f.credits.GetHistory(context.Background(), "user_1", "api-calls", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.SourceTopUp, history[0].Source)
	assert.Equal(t, "pi_9", history[0].SourceID)
}

func TestDispatch_UnhandledEventTypeIsAcknowledged(t *testing.T) {
	f := newAPIFixture(t)
	body := eventBody(t, "customer.updated", map[string]interface{}{"id": "cus_1"})

	rec := f.postWebhook(t, body, signBody(body))

	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// PAYLOAD SHAPING
// =============================================================================

func TestSubscriptionEvent_PeriodsFromItems(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	var sub stripe.Subscription
	raw, err := json.Marshal(map[string]interface{}{
		"id":       "sub_1",
		"customer": map[string]interface{}{"id": "cus_1"},
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"price": map[string]interface{}{
						"id":        "price_pro_m",
						"recurring": map[string]interface{}{"interval": "month"},
					},
					"current_period_start": start.Unix(),
					"current_period_end":   end.Unix(),
				},
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &sub))

	ev := subscriptionEvent(&sub)

	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "cus_1", ev.CustomerID)
	assert.Equal(t, "price_pro_m", ev.PriceID)
	assert.Equal(t, plan.IntervalMonth, ev.Interval)
	assert.Equal(t, start, ev.PeriodStart)
	assert.Equal(t, end, ev.PeriodEnd)
}

func TestSubscriptionEvent_StartDateFallback(t *testing.T) {
	started := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	var sub stripe.Subscription
	raw, err := json.Marshal(map[string]interface{}{
		"id":         "sub_1",
		"start_date": started.Unix(),
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &sub))

	ev := subscriptionEvent(&sub)

	assert.Equal(t, started, ev.PeriodStart)
	assert.True(t, ev.PeriodEnd.IsZero())
}
