/*
Package subscriptions answers subscription questions from the local
replica.

PURPOSE:
  The billing engine never calls the payment processor to find out
  whether a user pays. Replicated subscription rows answer that
  locally, which keeps the hot paths (top-up preconditions, feature
  gates) off the processor API. A deployment without a replica is
  legal: every read degrades to "no subscription" instead of failing.

SEE ALSO:
  - replica/: the row types and store interface
  - plan/: price to plan resolution for annotated listings
*/
package subscriptions

import (
	"context"
	"log"

	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
)

// Statuses that count as an active subscription.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
)

// Info is a subscription annotated with its resolved plan. Plan is nil
// when the price is not in the billing config.
type Info struct {
	replica.Subscription
	Plan *plan.ResolvedPlan
}

// Service is the read-only subscription query layer.
type Service struct {
	store    replica.Store
	resolver *plan.Resolver
}

// New creates the query service. Both arguments may be nil; reads then
// report no subscriptions rather than erroring.
func New(store replica.Store, resolver *plan.Resolver) *Service {
	return &Service{store: store, resolver: resolver}
}

func (s *Service) configured() bool {
	return s != nil && s.store != nil
}

// IsActive reports whether the user has a subscription in active or
// trialing status. Replica errors log and report false.
func (s *Service) IsActive(ctx context.Context, userID string) bool {
	sub, err := s.Get(ctx, userID)
	if err != nil {
		log.Printf("[BILLING] action=is_active user=%s error=%v", userID, err)
		return false
	}
	return sub != nil && isActiveStatus(sub.Status)
}

// Get returns the user's best subscription: the active one with the
// latest period end, else the most recently ended one, else nil.
func (s *Service) Get(ctx context.Context, userID string) (*Info, error) {
	if !s.configured() {
		return nil, nil
	}
	customerID, err := s.store.CustomerIDForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}
	return s.GetForCustomer(ctx, customerID)
}

// GetForCustomer is Get keyed by processor customer ID.
func (s *Service) GetForCustomer(ctx context.Context, customerID string) (*Info, error) {
	if !s.configured() {
		return nil, nil
	}
	subs, err := s.store.SubscriptionsForCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	best := pick(subs)
	return s.Annotate(best), nil
}

// List returns all of the user's subscriptions, newest period first,
// each annotated with its resolved plan.
func (s *Service) List(ctx context.Context, userID string) ([]Info, error) {
	if !s.configured() {
		return nil, nil
	}
	customerID, err := s.store.CustomerIDForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}
	subs, err := s.store.SubscriptionsForCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	out := make([]Info, 0, len(subs))
	for i := range subs {
		out = append(out, *s.Annotate(&subs[i]))
	}
	return out, nil
}

// pick chooses the active subscription with the latest period end,
// falling back to the latest inactive one. The store returns rows
// ordered by current_period_end DESC, so the first match wins.
func pick(subs []replica.Subscription) *replica.Subscription {
	for i := range subs {
		if isActiveStatus(subs[i].Status) {
			return &subs[i]
		}
	}
	return &subs[0]
}

// Annotate pairs a subscription row with its resolved plan.
func (s *Service) Annotate(sub *replica.Subscription) *Info {
	info := &Info{Subscription: *sub}
	if s.resolver != nil {
		info.Plan = s.resolver.ResolvePlanByPriceID(sub.PriceID())
	}
	return info
}

func isActiveStatus(status string) bool {
	return status == StatusActive || status == StatusTrialing
}
