/*
hooks.go - Webhook-driven grant completion

PURPOSE:
  Completes purchases the synchronous path could not finish: processing
  payment intents, recovery checkout sessions, async invoice payments.
  Each hook derives the same ledger idempotency key the synchronous path
  uses, so double delivery and path races collapse into one grant.

  Objects without top-up metadata are not purchases; the hooks ignore
  them without error so the webhook receiver acknowledges everything.
*/
package topup

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/stripe/stripe-go/v82"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
)

// purchase is the attribution extracted from a processor object.
type purchase struct {
	userID string
	key    string
	amount int64
	source ledger.Source
}

// extractPurchase reads the top-up metadata stamp. ok is false when the
// object is not a credit purchase.
func (e *Engine) extractPurchase(ctx context.Context, metadata map[string]string, customerID string) (purchase, bool) {
	key := metadata["top_up_credit_type"]
	if key == "" {
		return purchase{}, false
	}

	amount, err := strconv.ParseInt(metadata["top_up_amount"], 10, 64)
	if err != nil || amount <= 0 {
		log.Printf("[BILLING] action=topup_webhook_skip key=%s reason=bad_amount value=%q", key, metadata["top_up_amount"])
		return purchase{}, false
	}

	userID := metadata["user_id"]
	if userID == "" && customerID != "" {
		userID, err = e.store.UserIDForCustomer(ctx, customerID)
		if err != nil {
			log.Printf("[BILLING] action=topup_webhook_skip key=%s customer=%s reason=lookup_fail err=%v", key, customerID, err)
			return purchase{}, false
		}
	}
	if userID == "" {
		log.Printf("[BILLING] action=topup_webhook_skip key=%s customer=%s reason=unknown_user", key, customerID)
		return purchase{}, false
	}

	source := ledger.SourceTopUp
	if metadata["top_up_auto"] == "true" {
		source = ledger.SourceAutoTopUp
	}
	return purchase{userID: userID, key: key, amount: amount, source: source}, true
}

// grantFromWebhook writes the purchase into the ledger. A replayed key
// is a quiet success.
func (e *Engine) grantFromWebhook(ctx context.Context, p purchase, sourceID, ledgerKey string, amountCents int64, currency string) error {
	res, err := e.credits.Grant(ctx, p.userID, p.key, p.amount, credits.Meta{
		Source:         p.source,
		SourceID:       sourceID,
		Description:    fmt.Sprintf("top-up of %d credits", p.amount),
		IdempotencyKey: ledgerKey,
	})
	if ledger.IsConflict(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("grant %d %s to %s: %w", p.amount, p.key, p.userID, err)
	}

	log.Printf("[BILLING] action=topup_webhook_grant user=%s key=%s amount=%d balance=%d source=%s id=%s",
		p.userID, p.key, p.amount, res.New, p.source, sourceID)
	e.granted(Grant{UserID: p.userID, Key: p.key, Amount: p.amount, Source: p.source, SourceID: sourceID})
	e.completed(Completion{
		UserID: p.userID, Key: p.key, Amount: p.amount,
		AmountCents: amountCents, Currency: currency,
		SourceID: sourceID, Auto: p.source == ledger.SourceAutoTopUp,
	})
	return nil
}

// HandlePaymentIntentSucceeded grants the credits a confirmed intent
// purchased. Intents without the top-up stamp are someone else's.
func (e *Engine) HandlePaymentIntentSucceeded(ctx context.Context, pi *stripe.PaymentIntent) error {
	if err := e.ready(); err != nil {
		return err
	}
	if pi == nil || pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil
	}

	p, ok := e.extractPurchase(ctx, pi.Metadata, customerID(pi.Customer))
	if !ok {
		return nil
	}
	key := fmt.Sprintf("pi_succeeded:%s:%s", pi.ID, p.key)
	return e.grantFromWebhook(ctx, p, pi.ID, key, pi.Amount, string(pi.Currency))
}

// HandleTopUpCheckoutCompleted grants credits bought through a recovery
// checkout session once the session is actually paid.
func (e *Engine) HandleTopUpCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	if err := e.ready(); err != nil {
		return err
	}
	if session == nil || session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil
	}

	p, ok := e.extractPurchase(ctx, session.Metadata, customerID(session.Customer))
	if !ok {
		return nil
	}
	key := fmt.Sprintf("cs_completed:%s:%s", session.ID, p.key)
	return e.grantFromWebhook(ctx, p, session.ID, key, session.AmountTotal, string(session.Currency))
}

// HandleInvoicePaid grants credits for paid top-up invoices, both the
// B2B synchronous path's async completions and hosted-invoice recoveries.
func (e *Engine) HandleInvoicePaid(ctx context.Context, inv *stripe.Invoice) error {
	if err := e.ready(); err != nil {
		return err
	}
	if inv == nil {
		return nil
	}

	p, ok := e.extractPurchase(ctx, inv.Metadata, customerID(inv.Customer))
	if !ok {
		return nil
	}
	key := fmt.Sprintf("in_paid:%s:%s", inv.ID, p.key)
	return e.grantFromWebhook(ctx, p, inv.ID, key, inv.AmountPaid, string(inv.Currency))
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
