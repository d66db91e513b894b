package seats_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"github.com/warp/billing-engine/credits"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/payments"
	"github.com/warp/billing-engine/plan"
	"github.com/warp/billing-engine/replica"
	"github.com/warp/billing-engine/seats"
	"github.com/warp/billing-engine/store/sqlite"
	"github.com/warp/billing-engine/subscriptions"
)

const testConfig = `{
  "test": {
    "plans": {
      "team": {
        "per_seat": true,
        "prices": [{"id": "price_team_m", "amount": 1500, "currency": "usd", "interval": "month"}],
        "features": {
          "api-calls": {"credits": {"allocation": 200}},
          "exports": {"credits": {"allocation": 20}}
        }
      },
      "flat": {
        "prices": [{"id": "price_flat_y", "amount": 49900, "currency": "usd", "interval": "year"}],
        "features": {"api-calls": {"credits": {"allocation": 100}}}
      }
    }
  },
  "production": {"plans": {}}
}`

type fixture struct {
	seats   *seats.Service
	credits *credits.Service
	store   *sqlite.Store
	mock    *payments.Mock
}

func newFixture(t *testing.T, target lifecycle.GrantTarget) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg, err := plan.Parse([]byte(testConfig), "json")
	require.NoError(t, err)
	resolver := plan.NewResolver(cfg, plan.EnvTest)

	c := credits.New(store)
	subs := subscriptions.New(store, resolver)
	mock := &payments.Mock{}
	mock.UpdateSubscriptionItemFn = func(id string, p *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error) {
		return &stripe.SubscriptionItem{ID: id, Quantity: *p.Quantity}, nil
	}

	return &fixture{
		seats:   seats.New(store, c, subs, mock, target),
		credits: c,
		store:   store,
		mock:    mock,
	}
}

// seedOrg maps the org and gives it an active subscription.
func (f *fixture) seedOrg(t *testing.T, orgID, customerID, subID, priceID string, quantity int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.MapUser(ctx, orgID, customerID))
	require.NoError(t, f.store.UpsertSubscription(ctx, replica.Subscription{
		ID: subID, Customer: customerID, Status: "active",
		Items:              []replica.SubscriptionItem{{ID: "si_" + subID, PriceID: priceID, Quantity: quantity}},
		CurrentPeriodStart: time.Now().AddDate(0, -1, 0),
		CurrentPeriodEnd:   time.Now().AddDate(0, 0, 20),
	}))
}

func (f *fixture) balance(t *testing.T, userID, key string) int64 {
	t.Helper()
	b, err := f.credits.GetBalance(context.Background(), userID, key)
	require.NoError(t, err)
	return b
}

// =============================================================================
// ADD
// =============================================================================

func TestSeats_Add_SeatUsersTargetFundsTheMember(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSeatUsers)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	res, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)

	assert.False(t, res.AlreadySeat)
	assert.Equal(t, map[string]int64{"api-calls": 200, "exports": 20}, res.CreditsGranted)
	assert.Equal(t, int64(200), f.balance(t, "member-1", "api-calls"))
	assert.Equal(t, int64(0), f.balance(t, "org-1", "api-calls"), "org pool untouched in seat-users mode")

	// The seat row exists and points at the subscription.
	subID, err := f.seats.SubscriptionFor(ctx, "member-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", subID)

	// Per-seat plan: quantity followed the seat count.
	assert.Equal(t, 1, f.mock.CallCount("UpdateSubscriptionItem"))
}

func TestSeats_Add_SubscriberTargetScalesTheSharedPool(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSubscriber)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	_, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)
	_, err = f.seats.Add(ctx, "org-1", "member-2")
	require.NoError(t, err)

	// Two seats, two allocations, all on the org user.
	assert.Equal(t, int64(400), f.balance(t, "org-1", "api-calls"))
	assert.Equal(t, int64(0), f.balance(t, "member-1", "api-calls"))
	assert.Equal(t, int64(0), f.balance(t, "member-2", "api-calls"))
}

func TestSeats_Add_ManualTargetOnlyRecordsMembership(t *testing.T) {
	f := newFixture(t, lifecycle.TargetManual)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	res, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)

	assert.Empty(t, res.CreditsGranted)
	assert.Equal(t, int64(0), f.balance(t, "member-1", "api-calls"))
	listed, err := f.seats.List(ctx, "sub_1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestSeats_Add_YearlyIntervalMultipliesAllocation(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSeatUsers)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_flat_y", 1)

	res, err := f.seats.Add(context.Background(), "org-1", "member-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), res.CreditsGranted["api-calls"])
}

func TestSeats_Add_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("org without customer", func(t *testing.T) {
		f := newFixture(t, lifecycle.TargetSeatUsers)
		_, err := f.seats.Add(ctx, "org-none", "member-1")
		assert.ErrorIs(t, err, seats.ErrNoBillingCustomer)
	})

	t.Run("org without active subscription", func(t *testing.T) {
		f := newFixture(t, lifecycle.TargetSeatUsers)
		require.NoError(t, f.store.MapUser(ctx, "org-1", "cus_1"))
		_, err := f.seats.Add(ctx, "org-1", "member-1")
		assert.ErrorIs(t, err, seats.ErrNoActiveSubscription)
	})

	t.Run("seat on another subscription", func(t *testing.T) {
		f := newFixture(t, lifecycle.TargetSeatUsers)
		f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
		f.seedOrg(t, "org-2", "cus_2", "sub_2", "price_team_m", 1)

		_, err := f.seats.Add(ctx, "org-1", "member-1")
		require.NoError(t, err)
		_, err = f.seats.Add(ctx, "org-2", "member-1")
		assert.ErrorIs(t, err, seats.ErrSeatTaken)
	})
}

func TestSeats_Add_SameSeatTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSeatUsers)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	_, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)

	res, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)

	assert.True(t, res.AlreadySeat)
	assert.Empty(t, res.CreditsGranted)
	assert.Equal(t, int64(200), f.balance(t, "member-1", "api-calls"), "no double grant")
	assert.Equal(t, 1, f.mock.CallCount("UpdateSubscriptionItem"), "quantity bumped once")
}

// =============================================================================
// REMOVE
// =============================================================================

func TestSeats_Remove_ClawsBackOnlySeatCredits(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSeatUsers)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	_, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)

	// The member buys extra credits and burns some of the seat grant.
	_, err = f.credits.Grant(ctx, "member-1", "api-calls", 50, credits.Meta{
		Source: ledger.SourceTopUp, SourceID: "pi_1",
	})
	require.NoError(t, err)
	_, err = f.credits.Consume(ctx, "member-1", "api-calls", 120, credits.Meta{})
	require.NoError(t, err)
	require.Equal(t, int64(130), f.balance(t, "member-1", "api-calls"))

	require.NoError(t, f.seats.Remove(ctx, "org-1", "member-1"))

	// Seat granted 200, balance 130: the revoke takes min(130, 200).
	// The top-up portion is inside that min, matching the remaining
	// plan balance interpretation.
	assert.Equal(t, int64(0), f.balance(t, "member-1", "api-calls"))
	assert.Equal(t, int64(0), f.balance(t, "member-1", "exports"), "untouched seat grant fully revoked")

	subID, err := f.seats.SubscriptionFor(ctx, "member-1")
	require.NoError(t, err)
	assert.Empty(t, subID)
	seat, err := f.store.SeatUser(ctx, "member-1")
	require.NoError(t, err)
	assert.Nil(t, seat)
}

func TestSeats_Remove_KeepsBalanceExceedingSeatGrant(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSeatUsers)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	_, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)

	// A large top-up pushes the balance past the seat grant.
	_, err = f.credits.Grant(ctx, "member-1", "api-calls", 1000, credits.Meta{
		Source: ledger.SourceTopUp, SourceID: "pi_big",
	})
	require.NoError(t, err)

	require.NoError(t, f.seats.Remove(ctx, "org-1", "member-1"))

	// Only the 200 seat credits leave; the purchased 1000 stay.
	assert.Equal(t, int64(1000), f.balance(t, "member-1", "api-calls"))
}

func TestSeats_Remove_MissingSeatErrors(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSeatUsers)
	err := f.seats.Remove(context.Background(), "org-1", "nobody")
	assert.ErrorIs(t, err, seats.ErrNotSeatUser)
}

func TestSeats_Remove_QuantityNeverDropsBelowOne(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSeatUsers)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	var quantities []int64
	f.mock.UpdateSubscriptionItemFn = func(id string, p *stripe.SubscriptionItemParams) (*stripe.SubscriptionItem, error) {
		quantities = append(quantities, *p.Quantity)
		return &stripe.SubscriptionItem{ID: id, Quantity: *p.Quantity}, nil
	}

	_, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)
	require.NoError(t, f.seats.Remove(ctx, "org-1", "member-1"))

	// Add moved 1 -> 2; remove back to 1 despite the floor 1 - 1 = 0
	// computed from the replica's stale quantity.
	require.Len(t, quantities, 2)
	assert.Equal(t, int64(2), quantities[0])
	assert.Equal(t, int64(1), quantities[1])
}

func TestSeats_Remove_SubscriberTargetLeavesPoolAlone(t *testing.T) {
	f := newFixture(t, lifecycle.TargetSubscriber)
	f.seedOrg(t, "org-1", "cus_1", "sub_1", "price_team_m", 1)
	ctx := context.Background()

	_, err := f.seats.Add(ctx, "org-1", "member-1")
	require.NoError(t, err)
	require.Equal(t, int64(200), f.balance(t, "org-1", "api-calls"))

	require.NoError(t, f.seats.Remove(ctx, "org-1", "member-1"))

	// Seat grants live on the org user; the removed member holds none,
	// so nothing is clawed back.
	assert.Equal(t, int64(200), f.balance(t, "org-1", "api-calls"))
}
