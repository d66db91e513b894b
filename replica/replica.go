/*
replica.go - Local read model of payment processor objects

PURPOSE:
  The billing engine never lists or searches the payment processor at
  request time. A replication engine (external to this module) mirrors the
  processor's customers, subscriptions, and prices into local tables; this
  package defines the row types and the read/write contract over that pool,
  plus the two engine-owned mapping tables (user_map, seat_users).

FRESHNESS:
  The replica lags the processor by design. Consumers treat a missing row
  as "not yet replicated" and degrade quietly (lifecycle events for unknown
  customers are skipped, not failed) rather than treating lag as an error.

USER <-> CUSTOMER RESOLUTION:
  Two sources, checked in order:
    user -> customer: user_map first, then customers.metadata.user_id
    customer -> user: customers.metadata.user_id first, then user_map

SEE ALSO:
  - store/sqlite, store/postgres: the implementations
  - subscriptions: the query layer built on these reads
*/
package replica

import (
	"context"
	"time"
)

// =============================================================================
// ROW TYPES
// =============================================================================

// Customer mirrors the processor's customer object.
type Customer struct {
	ID              string
	Metadata        map[string]string
	Deleted         bool
	InvoiceSettings InvoiceSettings
}

// InvoiceSettings carries the slice of the processor's invoice_settings
// the engine reads. An empty DefaultPaymentMethod means no card on file.
type InvoiceSettings struct {
	DefaultPaymentMethod string `json:"default_payment_method"`
}

// Subscription mirrors the processor's subscription object.
type Subscription struct {
	ID                 string
	Customer           string
	Status             string // active, trialing, canceled, past_due, ...
	Items              []SubscriptionItem
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Metadata           map[string]string
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID       string `json:"id"`
	PriceID  string `json:"price_id"`
	Quantity int64  `json:"quantity"`
}

// PriceID returns the price of the first item, the common single-item case.
func (s *Subscription) PriceID() string {
	if s == nil || len(s.Items) == 0 {
		return ""
	}
	return s.Items[0].PriceID
}

// Item returns the first subscription item, nil when there is none.
func (s *Subscription) Item() *SubscriptionItem {
	if s == nil || len(s.Items) == 0 {
		return nil
	}
	return &s.Items[0]
}

// Price mirrors the processor's price object.
type Price struct {
	ID         string
	Product    string
	UnitAmount int64
	Currency   string
	Recurring  *Recurring // nil for one-time prices
}

// Recurring carries the billing interval of a recurring price.
type Recurring struct {
	Interval string `json:"interval"` // month, year, week
}

// SeatUser is one occupied seat: a user attached to a subscription.
// user_id is unique across the table; a user holds at most one seat.
type SeatUser struct {
	UserID         string
	SubscriptionID string
	CreatedAt      time.Time
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

// Store is the read/write interface over the replica pool. Reads return
// nil (or "") rather than an error when a row is absent; replica lag is
// not an error condition.
type Store interface {
	// CustomerByID returns the customer row, nil when absent or deleted.
	CustomerByID(ctx context.Context, id string) (*Customer, error)

	// CustomerIDForUser resolves a user to a processor customer id,
	// "" when no mapping exists.
	CustomerIDForUser(ctx context.Context, userID string) (string, error)

	// UserIDForCustomer resolves a processor customer to a user id,
	// "" when no mapping exists.
	UserIDForCustomer(ctx context.Context, customerID string) (string, error)

	// SubscriptionByID returns the subscription row, nil when absent.
	SubscriptionByID(ctx context.Context, id string) (*Subscription, error)

	// SubscriptionsForCustomer returns every subscription of a customer,
	// current_period_end descending.
	SubscriptionsForCustomer(ctx context.Context, customerID string) ([]Subscription, error)

	// PriceByID returns the price row, nil when absent.
	PriceByID(ctx context.Context, id string) (*Price, error)

	// Upserts are the replication engine's write path; tests and backfills
	// use them directly.
	UpsertCustomer(ctx context.Context, c Customer) error
	UpsertSubscription(ctx context.Context, s Subscription) error
	UpsertPrice(ctx context.Context, p Price) error
	MapUser(ctx context.Context, userID, customerID string) error

	// Seat rows are engine-owned, not replicated.
	SeatUser(ctx context.Context, userID string) (*SeatUser, error)
	SeatUsersForSubscription(ctx context.Context, subscriptionID string) ([]SeatUser, error)
	InsertSeatUser(ctx context.Context, userID, subscriptionID string) error
	DeleteSeatUser(ctx context.Context, userID string) error
}
