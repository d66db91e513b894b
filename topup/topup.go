/*
topup.go - Payment-backed credit purchases

PURPOSE:
  Charges a customer through the payment processor and grants the
  purchased credits. Two execution paths:
    - B2C: off-session payment intent against the default payment method
    - B2B: invoice (tax-configured customers), charged automatically

  Business failures (no subscription, no payment method, declined card)
  are values on Result, never Go errors; the Go error return is reserved
  for infrastructure faults. Failures that a user can fix out-of-band
  carry a recovery URL (hosted checkout for B2C, hosted invoice for B2B).

DEDUPLICATION:
  The processor request carries an idempotency key so a retried call
  reuses the same intent or invoice. The ledger grant uses the key the
  webhook hooks derive from the processor object (pi_succeeded:{id}:{key},
  in_paid:{id}:{key}), so whichever of the synchronous path and the
  webhook lands first wins and the other is a quiet no-op.

SEE ALSO:
  - hooks.go: webhook-driven grant completion
  - auto.go: threshold-triggered automatic purchases
*/
package topup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/payments"
	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
	"github.com/warp/billing-engine/subscriptions"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

// Failure codes reported on Result.Error.
const (
	CodeUserNotFound    = "USER_NOT_FOUND"
	CodeNoSubscription  = "NO_SUBSCRIPTION"
	CodeNotConfigured   = "TOPUP_NOT_CONFIGURED"
	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeNoPaymentMethod = "NO_PAYMENT_METHOD"
	CodePaymentFailed   = "PAYMENT_FAILED"
)

// Statuses reported on Result.Status.
const (
	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
)

// Purchase amount bounds applied when the plan leaves them unset.
const (
	defaultMinPerPurchase = 1
	defaultMaxPerPurchase = 100000
)

// minChargeCents is the processor's minimum charge in USD-equivalent cents.
const minChargeCents = 60

// Request is one on-demand purchase of credits.
type Request struct {
	UserID string
	Key    string
	Amount int64

	// IdempotencyKey deduplicates the processor charge across retries.
	// Generated when empty.
	IdempotencyKey string
}

// Charged reports what the processor actually collected.
type Charged struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// Failure is a business failure the caller can act on.
type Failure struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RecoveryURL string `json:"recovery_url,omitempty"`
}

// Result is the outcome of a top-up attempt. Success with status
// "pending" means the charge is in flight and the webhook will grant.
type Result struct {
	Success  bool     `json:"success"`
	Status   string   `json:"status,omitempty"`
	Balance  int64    `json:"balance,omitempty"`
	Charged  *Charged `json:"charged,omitempty"`
	SourceID string   `json:"source_id,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    *Failure `json:"error,omitempty"`
}

// Grant describes a credit addition for callback consumers.
type Grant struct {
	UserID   string
	Key      string
	Amount   int64
	Source   ledger.Source
	SourceID string
}

// Completion describes a finished purchase, including what was charged.
type Completion struct {
	UserID      string
	Key         string
	Amount      int64
	AmountCents int64
	Currency    string
	SourceID    string
	Auto        bool
}

// AutoFailure reports why an automatic top-up did not complete.
type AutoFailure struct {
	UserID string
	Key    string
	Reason string
}

// Callbacks fire after terminal outcomes. Errors are logged, never
// propagated.
type Callbacks struct {
	OnCreditsGranted  func(Grant) error
	OnTopUpCompleted  func(Completion) error
	OnAutoTopUpFailed func(AutoFailure)
}

// URLs configures where hosted checkout sends the user afterwards.
type URLs struct {
	CheckoutSuccess string
	CheckoutCancel  string
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine executes credit purchases against the payment processor.
type Engine struct {
	credits   *credits.Service
	store     replica.Store
	subs      *subscriptions.Service
	payments  payments.Client
	urls      URLs
	callbacks Callbacks
}

// NewEngine wires the purchase engine. The plan catalog rides on the
// subscriptions service, which resolves prices to plans.
func NewEngine(c *credits.Service, store replica.Store, subs *subscriptions.Service, pay payments.Client, urls URLs, cb Callbacks) *Engine {
	return &Engine{credits: c, store: store, subs: subs, payments: pay, urls: urls, callbacks: cb}
}

func (e *Engine) ready() error {
	if e == nil || e.credits == nil || e.store == nil || e.subs == nil || e.payments == nil {
		return ledger.ErrNotInitialized
	}
	return nil
}

// chargeSpec is a fully validated purchase ready for execution.
type chargeSpec struct {
	userID        string
	key           string
	amount        int64 // credits
	totalCents    int64
	currency      string
	customerID    string
	paymentMethod string
	b2b           bool
	processorKey  string
	source        ledger.Source
}

// TopUp purchases credits on demand. The precondition chain reports the
// first failure; a passing request is charged and granted atomically
// with respect to the webhook hooks.
func (e *Engine) TopUp(ctx context.Context, req Request) (Result, error) {
	if err := e.ready(); err != nil {
		return Result{}, err
	}

	customerID, err := e.store.CustomerIDForUser(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve customer for user %s: %w", req.UserID, err)
	}
	if customerID == "" {
		return fail(CodeUserNotFound, "no billing customer for user"), nil
	}

	// The payment method and tax status come from the live customer
	// object; the replica may lag a card added seconds ago.
	cust, err := e.payments.GetCustomer(customerID, nil)
	if err != nil || cust == nil || cust.Deleted {
		return fail(CodeUserNotFound, "billing customer no longer exists"), nil
	}

	info, err := e.subs.GetForCustomer(ctx, customerID)
	if err != nil {
		return Result{}, fmt.Errorf("load subscription for customer %s: %w", customerID, err)
	}
	if info == nil || !isActive(info.Status) {
		return fail(CodeNoSubscription, "an active subscription is required to purchase credits"), nil
	}
	if info.Plan == nil {
		return fail(CodeNotConfigured, fmt.Sprintf("top-up is not available on this plan for %q", req.Key)), nil
	}

	feature, ok := info.Plan.Plan.Feature(req.Key)
	if !ok || feature.PricePerCredit <= 0 {
		return fail(CodeNotConfigured, fmt.Sprintf("top-up is not available on this plan for %q", req.Key)), nil
	}

	min, max := purchaseBounds(feature)
	if req.Amount < min || req.Amount > max {
		return fail(CodeInvalidAmount, fmt.Sprintf("amount must be between %d and %d credits", min, max)), nil
	}

	total := req.Amount * feature.PricePerCredit
	if total < minChargeCents {
		return fail(CodeInvalidAmount, fmt.Sprintf("total charge of %d cents is below the 60 cents processor minimum", total)), nil
	}

	sp := chargeSpec{
		userID:        req.UserID,
		key:           req.Key,
		amount:        req.Amount,
		totalCents:    total,
		currency:      priceCurrency(info.Plan),
		customerID:    customerID,
		paymentMethod: defaultPaymentMethod(cust),
		b2b:           isBusinessCustomer(cust),
		processorKey:  req.IdempotencyKey,
		source:        ledger.SourceTopUp,
	}
	if sp.processorKey == "" {
		sp.processorKey = uuid.NewString()
	}

	if sp.paymentMethod == "" {
		url := e.recoveryURL(sp)
		return failWithURL(CodeNoPaymentMethod, "no default payment method on file", url), nil
	}

	return e.charge(ctx, sp), nil
}

// =============================================================================
// EXECUTION
// =============================================================================

func (e *Engine) charge(ctx context.Context, sp chargeSpec) Result {
	if sp.b2b {
		return e.chargeInvoice(ctx, sp)
	}
	return e.chargeIntent(ctx, sp)
}

// chargeIntent runs the B2C path: an off-session, immediately confirmed
// payment intent against the stored payment method.
func (e *Engine) chargeIntent(ctx context.Context, sp chargeSpec) Result {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(sp.totalCents),
		Currency:      stripe.String(sp.currency),
		Customer:      stripe.String(sp.customerID),
		PaymentMethod: stripe.String(sp.paymentMethod),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.SetIdempotencyKey(sp.processorKey)
	for k, v := range purchaseMetadata(sp) {
		params.AddMetadata(k, v)
	}

	pi, err := e.payments.CreatePaymentIntent(params)
	if err != nil {
		return e.intentFailure(sp, err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return e.settle(ctx, sp, pi.ID, fmt.Sprintf("pi_succeeded:%s:%s", pi.ID, sp.key))

	case stripe.PaymentIntentStatusProcessing:
		log.Printf("[BILLING] action=topup_pending user=%s key=%s intent=%s", sp.userID, sp.key, pi.ID)
		return Result{Success: true, Status: StatusPending, SourceID: pi.ID, Message: "payment processing; credits will be added on confirmation"}

	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresPaymentMethod:
		log.Printf("[BILLING] action=topup_fail user=%s key=%s intent=%s status=%s", sp.userID, sp.key, pi.ID, pi.Status)
		r := failWithURL(CodePaymentFailed, "payment requires further action", e.recoveryURL(sp))
		r.Status = string(pi.Status)
		r.SourceID = pi.ID
		return r

	default:
		log.Printf("[BILLING] action=topup_fail user=%s key=%s intent=%s status=%s", sp.userID, sp.key, pi.ID, pi.Status)
		r := failWithURL(CodePaymentFailed, fmt.Sprintf("payment did not complete (status %s)", pi.Status), e.recoveryURL(sp))
		r.Status = string(pi.Status)
		r.SourceID = pi.ID
		return r
	}
}

// intentFailure maps processor errors onto failure codes: declined cards
// are payment failures with a recovery URL, malformed charges are the
// caller's invalid amount.
func (e *Engine) intentFailure(sp chargeSpec, err error) Result {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch sErr.Type {
		case stripe.ErrorTypeCard:
			log.Printf("[BILLING] action=topup_declined user=%s key=%s code=%s", sp.userID, sp.key, sErr.Code)
			return failWithURL(CodePaymentFailed, "card was declined", e.recoveryURL(sp))
		case stripe.ErrorTypeInvalidRequest:
			log.Printf("[BILLING] action=topup_rejected user=%s key=%s err=%s", sp.userID, sp.key, sErr.Msg)
			return fail(CodeInvalidAmount, sErr.Msg)
		}
	}
	log.Printf("[BILLING] action=topup_error user=%s key=%s err=%v", sp.userID, sp.key, err)
	return failWithURL(CodePaymentFailed, "payment could not be processed", e.recoveryURL(sp))
}

// chargeInvoice runs the B2B path: a one-item invoice charged against
// the default payment method, voided on failure.
func (e *Engine) chargeInvoice(ctx context.Context, sp chargeSpec) Result {
	invParams := &stripe.InvoiceParams{
		Customer:         stripe.String(sp.customerID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodChargeAutomatically)),
		AutoAdvance:      stripe.Bool(false),
	}
	invParams.SetIdempotencyKey(sp.processorKey)
	for k, v := range purchaseMetadata(sp) {
		invParams.AddMetadata(k, v)
	}

	inv, err := e.payments.CreateInvoice(invParams)
	if err != nil {
		log.Printf("[BILLING] action=topup_invoice_error user=%s key=%s err=%v", sp.userID, sp.key, err)
		return failWithURL(CodePaymentFailed, "invoice could not be created", e.recoveryURL(sp))
	}

	_, err = e.payments.CreateInvoiceItem(&stripe.InvoiceItemParams{
		Customer:    stripe.String(sp.customerID),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(sp.totalCents),
		Currency:    stripe.String(sp.currency),
		Description: stripe.String(fmt.Sprintf("%d %s credits", sp.amount, sp.key)),
	})
	if err != nil {
		e.voidInvoice(inv.ID, sp)
		log.Printf("[BILLING] action=topup_invoice_error user=%s key=%s invoice=%s err=%v", sp.userID, sp.key, inv.ID, err)
		return failWithURL(CodePaymentFailed, "invoice could not be prepared", e.recoveryURL(sp))
	}

	if _, err = e.payments.FinalizeInvoice(inv.ID, nil); err != nil {
		e.voidInvoice(inv.ID, sp)
		log.Printf("[BILLING] action=topup_invoice_error user=%s key=%s invoice=%s err=%v", sp.userID, sp.key, inv.ID, err)
		return failWithURL(CodePaymentFailed, "invoice could not be finalized", e.recoveryURL(sp))
	}

	paid, err := e.payments.PayInvoice(inv.ID, nil)
	if err != nil {
		e.voidInvoice(inv.ID, sp)
		log.Printf("[BILLING] action=topup_invoice_declined user=%s key=%s invoice=%s err=%v", sp.userID, sp.key, inv.ID, err)
		return failWithURL(CodePaymentFailed, "invoice payment failed", e.recoveryURL(sp))
	}

	if paid.Status != stripe.InvoiceStatusPaid {
		// Async payment methods leave the invoice open; the invoice.paid
		// webhook completes the grant.
		log.Printf("[BILLING] action=topup_pending user=%s key=%s invoice=%s status=%s", sp.userID, sp.key, inv.ID, paid.Status)
		return Result{Success: true, Status: StatusPending, SourceID: inv.ID, Message: "invoice payment pending; credits will be added on confirmation"}
	}

	return e.settle(ctx, sp, inv.ID, fmt.Sprintf("in_paid:%s:%s", inv.ID, sp.key))
}

func (e *Engine) voidInvoice(id string, sp chargeSpec) {
	if _, err := e.payments.VoidInvoice(id, nil); err != nil {
		log.Printf("[BILLING] action=topup_void_fail user=%s invoice=%s err=%v", sp.userID, id, err)
	}
}

// settle grants the purchased credits after a confirmed charge. An
// idempotency conflict means the webhook already granted them.
func (e *Engine) settle(ctx context.Context, sp chargeSpec, sourceID, ledgerKey string) Result {
	res, err := e.credits.Grant(ctx, sp.userID, sp.key, sp.amount, credits.Meta{
		Source:         sp.source,
		SourceID:       sourceID,
		Description:    fmt.Sprintf("top-up of %d credits", sp.amount),
		IdempotencyKey: ledgerKey,
	})
	switch {
	case err == nil:
		log.Printf("[BILLING] action=topup_grant user=%s key=%s amount=%d balance=%d source=%s id=%s",
			sp.userID, sp.key, sp.amount, res.New, sp.source, sourceID)
		e.granted(Grant{UserID: sp.userID, Key: sp.key, Amount: sp.amount, Source: sp.source, SourceID: sourceID})
		e.completed(Completion{
			UserID: sp.userID, Key: sp.key, Amount: sp.amount,
			AmountCents: sp.totalCents, Currency: sp.currency,
			SourceID: sourceID, Auto: sp.source == ledger.SourceAutoTopUp,
		})
		return Result{
			Success: true, Status: StatusSucceeded, Balance: res.New,
			Charged: &Charged{AmountCents: sp.totalCents, Currency: sp.currency}, SourceID: sourceID,
		}

	case ledger.IsConflict(err):
		// The webhook won the race; the charge stands, report it.
		balance, berr := e.credits.GetBalance(ctx, sp.userID, sp.key)
		if berr != nil {
			log.Printf("[BILLING] action=topup_balance_read_fail user=%s key=%s err=%v", sp.userID, sp.key, berr)
		}
		return Result{
			Success: true, Status: StatusSucceeded, Balance: balance,
			Charged: &Charged{AmountCents: sp.totalCents, Currency: sp.currency}, SourceID: sourceID,
		}

	default:
		// Charged but not yet granted. The webhook retries the grant with
		// the same ledger key, so report the purchase as pending rather
		// than failing a collected payment.
		log.Printf("[BILLING] action=topup_grant_fail user=%s key=%s id=%s err=%v", sp.userID, sp.key, sourceID, err)
		return Result{
			Success: true, Status: StatusPending, SourceID: sourceID,
			Charged: &Charged{AmountCents: sp.totalCents, Currency: sp.currency},
			Message: "payment collected; credits will be added shortly",
		}
	}
}

// =============================================================================
// RECOVERY URLS
// =============================================================================

// recoveryURL pre-creates an out-of-band payment page for the purchase:
// hosted checkout for B2C, a hosted invoice for B2B. Both complete through
// the webhook hooks. Returns "" when the processor refuses.
func (e *Engine) recoveryURL(sp chargeSpec) string {
	if sp.b2b {
		return e.hostedInvoiceURL(sp)
	}
	return e.checkoutURL(sp)
}

func (e *Engine) checkoutURL(sp chargeSpec) string {
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(sp.customerID),
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(e.urls.CheckoutSuccess),
		CancelURL:  stripe.String(e.urls.CheckoutCancel),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(sp.currency),
				UnitAmount: stripe.Int64(sp.totalCents / sp.amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("%s credits", sp.key)),
				},
			},
			Quantity: stripe.Int64(sp.amount),
		}},
		Metadata: purchaseMetadata(sp),
	}

	sess, err := e.payments.CreateCheckoutSession(params)
	if err != nil {
		log.Printf("[BILLING] action=topup_recovery_fail user=%s key=%s kind=checkout err=%v", sp.userID, sp.key, err)
		return ""
	}
	return sess.URL
}

func (e *Engine) hostedInvoiceURL(sp chargeSpec) string {
	invParams := &stripe.InvoiceParams{
		Customer:         stripe.String(sp.customerID),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:     stripe.Int64(30),
		AutoAdvance:      stripe.Bool(false),
	}
	for k, v := range purchaseMetadata(sp) {
		invParams.AddMetadata(k, v)
	}

	inv, err := e.payments.CreateInvoice(invParams)
	if err != nil {
		log.Printf("[BILLING] action=topup_recovery_fail user=%s key=%s kind=invoice err=%v", sp.userID, sp.key, err)
		return ""
	}
	_, err = e.payments.CreateInvoiceItem(&stripe.InvoiceItemParams{
		Customer:    stripe.String(sp.customerID),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(sp.totalCents),
		Currency:    stripe.String(sp.currency),
		Description: stripe.String(fmt.Sprintf("%d %s credits", sp.amount, sp.key)),
	})
	if err != nil {
		log.Printf("[BILLING] action=topup_recovery_fail user=%s key=%s kind=invoice err=%v", sp.userID, sp.key, err)
		return ""
	}
	fin, err := e.payments.FinalizeInvoice(inv.ID, nil)
	if err != nil {
		log.Printf("[BILLING] action=topup_recovery_fail user=%s key=%s kind=invoice err=%v", sp.userID, sp.key, err)
		return ""
	}
	return fin.HostedInvoiceURL
}

// =============================================================================
// HELPERS
// =============================================================================

func fail(code, message string) Result {
	return Result{Error: &Failure{Code: code, Message: message}}
}

func failWithURL(code, message, url string) Result {
	return Result{Error: &Failure{Code: code, Message: message, RecoveryURL: url}}
}

// purchaseMetadata stamps the processor object so the webhook hooks can
// attribute the payment back to a user, key, and amount.
func purchaseMetadata(sp chargeSpec) map[string]string {
	m := map[string]string{
		"top_up_credit_type": sp.key,
		"top_up_amount":      strconv.FormatInt(sp.amount, 10),
		"user_id":            sp.userID,
	}
	if sp.source == ledger.SourceAutoTopUp {
		m["top_up_auto"] = "true"
	}
	return m
}

func purchaseBounds(f plan.Feature) (int64, int64) {
	min, max := f.MinPerPurchase, f.MaxPerPurchase
	if min <= 0 {
		min = defaultMinPerPurchase
	}
	if max <= 0 {
		max = defaultMaxPerPurchase
	}
	return min, max
}

func priceCurrency(rp *plan.ResolvedPlan) string {
	if rp != nil && rp.Price.Currency != "" {
		return rp.Price.Currency
	}
	return "usd"
}

func defaultPaymentMethod(c *stripe.Customer) string {
	if c == nil || c.InvoiceSettings == nil || c.InvoiceSettings.DefaultPaymentMethod == nil {
		return ""
	}
	return c.InvoiceSettings.DefaultPaymentMethod.ID
}

// isBusinessCustomer detects the invoice-based path: tax-configured
// customers and those explicitly marked b2b.
func isBusinessCustomer(c *stripe.Customer) bool {
	if c == nil {
		return false
	}
	if c.TaxExempt != "" && c.TaxExempt != stripe.CustomerTaxExemptNone {
		return true
	}
	return c.Metadata["b2b"] == "true"
}

func isActive(status string) bool {
	return status == subscriptions.StatusActive || status == subscriptions.StatusTrialing
}

func (e *Engine) granted(g Grant) {
	if e.callbacks.OnCreditsGranted == nil {
		return
	}
	if err := e.callbacks.OnCreditsGranted(g); err != nil {
		log.Printf("[BILLING] action=callback_fail callback=credits_granted user=%s key=%s err=%v", g.UserID, g.Key, err)
	}
}

func (e *Engine) completed(c Completion) {
	if e.callbacks.OnTopUpCompleted == nil {
		return
	}
	if err := e.callbacks.OnTopUpCompleted(c); err != nil {
		log.Printf("[BILLING] action=callback_fail callback=topup_completed user=%s key=%s err=%v", c.UserID, c.Key, err)
	}
}

func (e *Engine) autoFailed(userID, key, reason string) {
	if e.callbacks.OnAutoTopUpFailed == nil {
		return
	}
	e.callbacks.OnAutoTopUpFailed(AutoFailure{UserID: userID, Key: key, Reason: reason})
}
