package payments

import (
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v82"
)

// Mock implements Client for tests. Each method delegates to its
// function field when set and fails loudly otherwise, so a test only
// stubs what it exercises. Calls records method names in order.
type Mock struct {
	CreatePaymentIntentFn    func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntentFn       func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	ConfirmPaymentIntentFn   func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	CreateInvoiceFn          func(params *stripe.InvoiceParams) (*stripe.Invoice, error)
	PayInvoiceFn             func(id string, params *stripe.InvoicePayParams) (*stripe.Invoice, error)
	VoidInvoiceFn            func(id string, params *stripe.InvoiceVoidInvoiceParams) (*stripe.Invoice, error)
	FinalizeInvoiceFn        func(id string, params *stripe.InvoiceFinalizeInvoiceParams) (*stripe.Invoice, error)
	CreateInvoiceItemFn      func(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error)
	CreateCheckoutSessionFn  func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCheckoutSessionFn     func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetCustomerFn            func(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	UpdateSubscriptionItemFn func(id string, params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error)

	mu    sync.Mutex
	calls []string
}

var _ Client = (*Mock)(nil)

func (m *Mock) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, method)
}

// Calls returns the method names invoked so far, in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (m *Mock) CreatePaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	m.record("CreatePaymentIntent")
	if m.CreatePaymentIntentFn != nil {
		return m.CreatePaymentIntentFn(params)
	}
	return nil, fmt.Errorf("CreatePaymentIntent not mocked")
}

func (m *Mock) GetPaymentIntent(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	m.record("GetPaymentIntent")
	if m.GetPaymentIntentFn != nil {
		return m.GetPaymentIntentFn(id, params)
	}
	return nil, fmt.Errorf("GetPaymentIntent not mocked")
}

func (m *Mock) ConfirmPaymentIntent(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	m.record("ConfirmPaymentIntent")
	if m.ConfirmPaymentIntentFn != nil {
		return m.ConfirmPaymentIntentFn(id, params)
	}
	return nil, fmt.Errorf("ConfirmPaymentIntent not mocked")
}

func (m *Mock) CreateInvoice(params *stripe.InvoiceParams) (*stripe.Invoice, error) {
	m.record("CreateInvoice")
	if m.CreateInvoiceFn != nil {
		return m.CreateInvoiceFn(params)
	}
	return nil, fmt.Errorf("CreateInvoice not mocked")
}

func (m *Mock) PayInvoice(id string, params *stripe.InvoicePayParams) (*stripe.Invoice, error) {
	m.record("PayInvoice")
	if m.PayInvoiceFn != nil {
		return m.PayInvoiceFn(id, params)
	}
	return nil, fmt.Errorf("PayInvoice not mocked")
}

func (m *Mock) VoidInvoice(id string, params *stripe.InvoiceVoidInvoiceParams) (*stripe.Invoice, error) {
	m.record("VoidInvoice")
	if m.VoidInvoiceFn != nil {
		return m.VoidInvoiceFn(id, params)
	}
	return nil, fmt.Errorf("VoidInvoice not mocked")
}

func (m *Mock) FinalizeInvoice(id string, params *stripe.InvoiceFinalizeInvoiceParams) (*stripe.Invoice, error) {
	m.record("FinalizeInvoice")
	if m.FinalizeInvoiceFn != nil {
		return m.FinalizeInvoiceFn(id, params)
	}
	return nil, fmt.Errorf("FinalizeInvoice not mocked")
}

func (m *Mock) CreateInvoiceItem(params *stripe.InvoiceItemParams) (*stripe.InvoiceItem, error) {
	m.record("CreateInvoiceItem")
	if m.CreateInvoiceItemFn != nil {
		return m.CreateInvoiceItemFn(params)
	}
	return nil, fmt.Errorf("CreateInvoiceItem not mocked")
}

func (m *Mock) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	m.record("CreateCheckoutSession")
	if m.CreateCheckoutSessionFn != nil {
		return m.CreateCheckoutSessionFn(params)
	}
	return nil, fmt.Errorf("CreateCheckoutSession not mocked")
}

func (m *Mock) GetCheckoutSession(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	m.record("GetCheckoutSession")
	if m.GetCheckoutSessionFn != nil {
		return m.GetCheckoutSessionFn(id, params)
	}
	return nil, fmt.Errorf("GetCheckoutSession not mocked")
}

func (m *Mock) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	m.record("GetCustomer")
	if m.GetCustomerFn != nil {
		return m.GetCustomerFn(id, params)
	}
	return nil, fmt.Errorf("GetCustomer not mocked")
}

func (m *Mock) UpdateSubscriptionItem(id string, params *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error) {
	m.record("UpdateSubscriptionItem")
	if m.UpdateSubscriptionItemFn != nil {
		return m.UpdateSubscriptionItemFn(id, params)
	}
	return nil, fmt.Errorf("UpdateSubscriptionItem not mocked")
}
