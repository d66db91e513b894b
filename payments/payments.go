/*
Package payments wraps the payment processor behind a narrow interface.

PURPOSE:
  Everything the billing engine asks of Stripe goes through
  payments.Client, so services depend on twelve methods instead of the
  whole SDK surface. Production wires the real client; tests wire the
  Mock and never touch the network.

SEE ALSO:
  - mock.go: the shared test double
  - topup/: payment intents and invoices for credit purchases
  - seats/: subscription item quantity updates
*/
package payments

import (
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Client is the processor surface the engine uses. Request context
// rides on the embedded stripe.Params.
type Client interface {
	CreatePaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	ConfirmPaymentIntent(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)

	CreateInvoice(params *stripe.InvoiceParams) (*stripe.Invoice, error)
	PayInvoice(id string, params *stripe.InvoicePayParams) (*stripe.Invoice, error)
	VoidInvoice(id string, params *stripe.InvoiceVoidInvoiceParams) (*stripe.Invoice, error)
	FinalizeInvoice(id string, params *stripe.InvoiceFinalizeInvoiceParams) (*stripe.Invoice, error)
	CreateInvoiceItem(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)

	CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

	GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	UpdateSubscriptionItem(id string, params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error)
}

// Stripe implements Client over the official SDK.
type Stripe struct {
	api *client.API
}

// NewStripe creates a client from the account's secret key.
func NewStripe(secretKey string) *Stripe {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api}
}

var _ Client = (*Stripe)(nil)

func (s *Stripe) CreatePaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.api.PaymentIntents.New(params)
}

func (s *Stripe) GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.api.PaymentIntents.Get(id, params)
}

func (s *Stripe) ConfirmPaymentIntent(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return s.api.PaymentIntents.Confirm(id, params)
}

func (s *Stripe) CreateInvoice(params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	return s.api.Invoices.New(params)
}

func (s *Stripe) PayInvoice(id string, params *stripe.InvoicePayParams) (*stripe.Invoice, error) {
	return s.api.Invoices.Pay(id, params)
}

func (s *Stripe) VoidInvoice(id string, params *stripe.InvoiceVoidInvoiceParams) (*stripe.Invoice, error) {
	return s.api.Invoices.VoidInvoice(id, params)
}

func (s *Stripe) FinalizeInvoice(id string, params *stripe.InvoiceFinalizeInvoiceParams) (*stripe.Invoice, error) {
	return s.api.Invoices.FinalizeInvoice(id, params)
}

func (s *Stripe) CreateInvoiceItem(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
	return s.api.InvoiceItems.New(params)
}

func (s *Stripe) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.api.CheckoutSessions.New(params)
}

func (s *Stripe) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.api.CheckoutSessions.Get(id, params)
}

func (s *Stripe) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return s.api.Customers.Get(id, params)
}

func (s *Stripe) UpdateSubscriptionItem(id string, params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error) {
	return s.api.SubscriptionItems.Update(id, params)
}
