/*
seats.go - Seat membership with per-seat credits and quantities

PURPOSE:
  Attaches and detaches users on an organization's subscription. A seat
  row (seat_users) records membership; depending on the grant target,
  adding a seat also funds credits:
    - seat-users:  the added user gets the plan's allocations
    - subscriber:  the org user's shared pool grows by one seat's worth
    - manual:      membership only, credits managed elsewhere

  Plans marked per_seat keep the processor's subscription item quantity
  in step with the seat count (never reduced below 1).

REMOVAL:
  Removal claws back only what this subscription granted to the removed
  user: per key, min(current balance, seat grants from this
  subscription). Top-ups and grants from other sources survive. Under
  the subscriber target the removed user holds no seat grants, so
  nothing is revoked.

SEE ALSO:
  - lifecycle: the grant target policy shared with event handling
  - replica: the seat_users table contract
*/
package seats

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/stripe/stripe-go/v82"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/payments"
	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
	"github.com/warp/billing-engine/subscriptions"
)

var (
	// ErrNoBillingCustomer means the org has never been mapped to a
	// processor customer.
	ErrNoBillingCustomer = errors.New("org has no billing customer")

	// ErrNoActiveSubscription means the org's customer has no active or
	// trialing subscription to attach seats to.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrSeatTaken means the user already occupies a seat on a different
	// subscription.
	ErrSeatTaken = errors.New("already a seat user of another subscription")

	// ErrNotSeatUser means removal targeted a user without a seat.
	ErrNotSeatUser = errors.New("not a seat user")
)

// Service manages seat membership for organization subscriptions.
type Service struct {
	store    replica.Store
	credits  *credits.Service
	subs     *subscriptions.Service
	payments payments.Client
	target   lifecycle.GrantTarget
}

// New wires the seats service. payments may be nil when no plan is
// per-seat priced.
func New(store replica.Store, c *credits.Service, subs *subscriptions.Service, pay payments.Client, target lifecycle.GrantTarget) *Service {
	if target == "" {
		target = lifecycle.TargetSubscriber
	}
	return &Service{store: store, credits: c, subs: subs, payments: pay, target: target}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.credits == nil || s.subs == nil {
		return ledger.ErrNotInitialized
	}
	return nil
}

// AddResult reports what a seat add granted.
type AddResult struct {
	// AlreadySeat is true when the user already held this seat; nothing
	// was granted again.
	AlreadySeat bool `json:"already_seat,omitempty"`

	CreditsGranted map[string]int64 `json:"credits_granted,omitempty"`
}

// Add attaches userID to orgID's active subscription and funds the
// seat's credits. Re-adding the same seat is an idempotent success.
func (s *Service) Add(ctx context.Context, orgID, userID string) (AddResult, error) {
	if err := s.ready(); err != nil {
		return AddResult{}, err
	}

	customerID, err := s.store.CustomerIDForUser(ctx, orgID)
	if err != nil {
		return AddResult{}, fmt.Errorf("resolve customer for org %s: %w", orgID, err)
	}
	if customerID == "" {
		return AddResult{}, ErrNoBillingCustomer
	}

	info, err := s.subs.GetForCustomer(ctx, customerID)
	if err != nil {
		return AddResult{}, fmt.Errorf("load subscription for customer %s: %w", customerID, err)
	}
	if info == nil || !isActive(info.Status) {
		return AddResult{}, ErrNoActiveSubscription
	}

	existing, err := s.store.SeatUser(ctx, userID)
	if err != nil {
		return AddResult{}, fmt.Errorf("load seat for user %s: %w", userID, err)
	}
	if existing != nil {
		if existing.SubscriptionID == info.ID {
			return AddResult{AlreadySeat: true}, nil
		}
		return AddResult{}, ErrSeatTaken
	}

	if err := s.store.InsertSeatUser(ctx, userID, info.ID); err != nil {
		return AddResult{}, fmt.Errorf("insert seat for user %s: %w", userID, err)
	}
	log.Printf("[BILLING] action=seat_add user=%s org=%s sub=%s", userID, orgID, info.ID)

	granted, err := s.grantSeatCredits(ctx, info, orgID, userID)
	if err != nil {
		return AddResult{}, err
	}

	if s.perSeat(info) {
		s.adjustQuantity(info, +1)
	}
	return AddResult{CreditsGranted: granted}, nil
}

// grantSeatCredits funds one seat's worth of every credit key. The
// recipient depends on the grant target; the idempotency key is always
// derived from the added user so each seat lands exactly once.
func (s *Service) grantSeatCredits(ctx context.Context, info *subscriptions.Info, orgID, userID string) (map[string]int64, error) {
	if s.target == lifecycle.TargetManual || info.Plan == nil {
		return nil, nil
	}

	recipient := userID
	if s.target == lifecycle.TargetSubscriber {
		recipient = orgID
	}

	granted := make(map[string]int64)
	for _, key := range info.Plan.Plan.CreditKeys() {
		rule := *info.Plan.Plan.Features[key].Credits
		amount := plan.AllocationFor(rule, info.Plan.Price.Interval)
		if amount <= 0 {
			continue
		}

		res, err := s.credits.Grant(ctx, recipient, key, amount, credits.Meta{
			Source:         ledger.SourceSeatGrant,
			SourceID:       info.ID,
			Description:    fmt.Sprintf("seat credits for %s", userID),
			IdempotencyKey: fmt.Sprintf("seat_add:%s:%s:%s", info.ID, userID, key),
		})
		if ledger.IsConflict(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("grant seat credits %s to %s: %w", key, recipient, err)
		}

		granted[key] = amount
		log.Printf("[BILLING] action=seat_grant user=%s key=%s amount=%d balance=%d sub=%s",
			recipient, key, amount, res.New, info.ID)
	}
	return granted, nil
}

// Remove detaches the user's seat, claws back this subscription's
// remaining seat credits, and shrinks the per-seat quantity.
func (s *Service) Remove(ctx context.Context, orgID, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}

	seat, err := s.store.SeatUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load seat for user %s: %w", userID, err)
	}
	if seat == nil {
		return ErrNotSeatUser
	}

	info, err := s.subscriptionInfo(ctx, seat.SubscriptionID)
	if err != nil {
		return err
	}

	if info != nil && info.Plan != nil {
		for _, key := range info.Plan.Plan.CreditKeys() {
			if err := s.revokeSeatCredits(ctx, userID, key, seat.SubscriptionID); err != nil {
				return err
			}
		}
	}

	if err := s.store.DeleteSeatUser(ctx, userID); err != nil {
		return fmt.Errorf("delete seat for user %s: %w", userID, err)
	}
	log.Printf("[BILLING] action=seat_remove user=%s org=%s sub=%s", userID, orgID, seat.SubscriptionID)

	if s.perSeat(info) {
		s.adjustQuantity(info, -1)
	}
	return nil
}

// revokeSeatCredits removes at most what this subscription granted the
// user, and never more than what is left.
func (s *Service) revokeSeatCredits(ctx context.Context, userID, key, subscriptionID string) error {
	grantedTotal, err := s.credits.Store().SumBySource(ctx, userID, key, ledger.SourceSeatGrant, subscriptionID)
	if err != nil {
		return fmt.Errorf("sum seat grants for user %s key %s: %w", userID, key, err)
	}
	if grantedTotal <= 0 {
		return nil
	}

	res, err := s.credits.Revoke(ctx, userID, key, grantedTotal, credits.Meta{
		Source:      ledger.SourceSeatGrant,
		SourceID:    subscriptionID,
		Description: "seat removed",
	})
	if err != nil {
		return fmt.Errorf("revoke seat credits %s from %s: %w", key, userID, err)
	}
	if res.Revoked > 0 {
		log.Printf("[BILLING] action=seat_revoke user=%s key=%s revoked=%d balance=%d sub=%s",
			userID, key, res.Revoked, res.Balance, subscriptionID)
	}
	return nil
}

// List returns the occupied seats of a subscription.
func (s *Service) List(ctx context.Context, subscriptionID string) ([]replica.SeatUser, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.SeatUsersForSubscription(ctx, subscriptionID)
}

// SubscriptionFor returns the subscription a user's seat belongs to,
// "" when the user holds no seat.
func (s *Service) SubscriptionFor(ctx context.Context, userID string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	seat, err := s.store.SeatUser(ctx, userID)
	if err != nil || seat == nil {
		return "", err
	}
	return seat.SubscriptionID, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) subscriptionInfo(ctx context.Context, subscriptionID string) (*subscriptions.Info, error) {
	sub, err := s.store.SubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	if sub == nil {
		// Replica lag or a torn-down subscription; removal proceeds
		// without credit or quantity work.
		return nil, nil
	}
	return s.subs.Annotate(sub), nil
}

func (s *Service) perSeat(info *subscriptions.Info) bool {
	return info != nil && info.Plan != nil && info.Plan.Plan.PerSeat
}

// adjustQuantity moves the processor's subscription item quantity with
// the seat count. Failures are logged, not fatal: membership and credits
// stand, the quantity is reconciled on the next change.
func (s *Service) adjustQuantity(info *subscriptions.Info, delta int64) {
	if s.payments == nil {
		return
	}
	item := info.Item()
	if item == nil {
		return
	}

	quantity := item.Quantity + delta
	if quantity < 1 {
		quantity = 1
	}
	_, err := s.payments.UpdateSubscriptionItem(item.ID, &stripe.SubscriptionItemParams{
		Quantity: stripe.Int64(quantity),
	})
	if err != nil {
		log.Printf("[BILLING] action=seat_quantity_fail sub=%s item=%s quantity=%d err=%v",
			info.ID, item.ID, quantity, err)
		return
	}
	log.Printf("[BILLING] action=seat_quantity sub=%s item=%s quantity=%d", info.ID, item.ID, quantity)
}

func isActive(status string) bool {
	return status == subscriptions.StatusActive || status == subscriptions.StatusTrialing
}
