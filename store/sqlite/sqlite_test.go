package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/replica"
	"github.com/warp/billing-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func grant(t *testing.T, s *sqlite.Store, userID, key string, amount int64, source ledger.Source, sourceID string) {
	t.Helper()
	_, err := s.ApplyDelta(context.Background(), ledger.DeltaOp{
		UserID:   userID,
		Key:      key,
		Amount:   amount,
		Type:     ledger.EntryGrant,
		Source:   source,
		SourceID: sourceID,
	})
	require.NoError(t, err)
}

// =============================================================================
// DELTA CONTRACT
// =============================================================================

func TestStore_ApplyDelta_AmountFnSeesCurrentBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a balance of 70
	grant(t, store, "user-1", "api-calls", 70, ledger.SourceSubscription, "sub_1")

	// WHEN the delta is computed from the balance the transaction read
	res, err := store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:   "user-1",
		Key:      "api-calls",
		AmountFn: func(current int64) int64 { return -current },
		Type:     ledger.EntryRevoke,
		Source:   ledger.SourceCancellation,
	})
	require.NoError(t, err)

	// THEN the function saw 70 and the balance is zeroed
	assert.Equal(t, int64(70), res.Previous)
	assert.Equal(t, int64(0), res.New)

	balance, err := store.Balance(ctx, "user-1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestStore_ApplyDelta_SkipZeroConsumesIdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a zero-delta operation with SkipZero and an idempotency key
	res, err := store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:         "user-1",
		Key:            "api-calls",
		AmountFn:       func(current int64) int64 { return 0 },
		Type:           ledger.EntryRevoke,
		Source:         ledger.SourceCancellation,
		SkipZero:       true,
		IdempotencyKey: "cancel:sub_1:api-calls",
	})
	require.NoError(t, err)
	assert.Empty(t, res.EntryID, "a skipped zero delta writes no entry")

	// THEN no ledger entry exists
	history, err := store.History(ctx, ledger.HistoryQuery{UserID: "user-1", Key: "api-calls"})
	require.NoError(t, err)
	assert.Empty(t, history)

	// AND the key is still consumed: a replay conflicts
	_, err = store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:         "user-1",
		Key:            "api-calls",
		Amount:         10,
		Type:           ledger.EntryGrant,
		Source:         ledger.SourceCancellation,
		IdempotencyKey: "cancel:sub_1:api-calls",
	})
	require.Error(t, err)
	assert.True(t, ledger.IsConflict(err))
}

func TestStore_ApplyDelta_SkipZeroStillBindsCurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a zero-delta skipped operation supplying a currency on a
	// fresh row
	_, err := store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:   "user-1",
		Key:      "wallet",
		AmountFn: func(current int64) int64 { return 0 },
		Type:     ledger.EntryRevoke,
		Source:   ledger.SourceManual,
		Currency: "eur",
		SkipZero: true,
	})
	require.NoError(t, err)

	// THEN the row exists and is bound to that currency
	row, err := store.BalanceRow(ctx, "user-1", "wallet")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "eur", row.Currency)
	assert.Equal(t, int64(0), row.Balance)

	// AND a later write in another currency mismatches
	_, err = store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: "user-1", Key: "wallet", Amount: 100,
		Type: ledger.EntryGrant, Source: ledger.SourceManual, Currency: "usd",
	})
	assert.ErrorIs(t, err, ledger.ErrCurrencyMismatch)
}

func TestStore_ApplyDelta_RejectsMalformedOps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		op   ledger.DeltaOp
	}{
		{"missing user", ledger.DeltaOp{Key: "api-calls", Amount: 1, Type: ledger.EntryGrant}},
		{"missing key", ledger.DeltaOp{UserID: "user-1", Amount: 1, Type: ledger.EntryGrant}},
		{"unknown type", ledger.DeltaOp{UserID: "user-1", Key: "api-calls", Amount: 1, Type: "refund"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.ApplyDelta(ctx, tc.op)
			require.Error(t, err)
			assert.ErrorIs(t, err, ledger.ErrInvalidOp)
		})
	}
}

func TestStore_ApplyDelta_ConflictLeavesBalanceUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a grant under a key
	_, err := store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:         "user-1",
		Key:            "api-calls",
		Amount:         100,
		Type:           ledger.EntryGrant,
		Source:         ledger.SourceTopUp,
		IdempotencyKey: "pi_1",
	})
	require.NoError(t, err)

	// WHEN the same key carries a different amount
	_, err = store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID:         "user-1",
		Key:            "api-calls",
		Amount:         999,
		Type:           ledger.EntryGrant,
		Source:         ledger.SourceTopUp,
		IdempotencyKey: "pi_1",
	})
	require.Error(t, err)
	assert.True(t, ledger.IsConflict(err))

	// THEN the whole transaction rolled back
	balance, err := store.Balance(ctx, "user-1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	history, err := store.History(ctx, ledger.HistoryQuery{UserID: "user-1", Key: "api-calls"})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// =============================================================================
// RESET CONTRACT
// =============================================================================

func TestStore_ApplyReset_EntriesShareOneTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a positive balance
	grant(t, store, "user-1", "api-calls", 40, ledger.SourceSubscription, "sub_1")

	// WHEN a reset expires it and grants anew
	res, err := store.ApplyReset(ctx, ledger.ResetOp{
		UserID:        "user-1",
		Key:           "api-calls",
		NewAllocation: 100,
		Source:        ledger.SourceRenewal,
		SourceID:      "in_1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Expired)
	assert.Equal(t, int64(100), res.New)

	// THEN both entries carry the same created_at and seq orders them
	history, err := store.History(ctx, ledger.HistoryQuery{UserID: "user-1", Key: "api-calls"})
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, ledger.EntryGrant, history[0].Type, "the grant was written last, so it comes back first")
	assert.Equal(t, ledger.EntryRevoke, history[1].Type)
	assert.Equal(t, history[0].CreatedAt, history[1].CreatedAt)
	assert.Greater(t, history[0].Seq, history[1].Seq)
	assert.Equal(t, int64(100), history[0].BalanceAfter)
	assert.Equal(t, int64(0), history[1].BalanceAfter)
}

func TestStore_ApplyReset_IdempotencyKeyOnFirstEntryOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grant(t, store, "user-1", "api-calls", 40, ledger.SourceSubscription, "sub_1")

	// WHEN a keyed reset writes a revoke and a grant
	_, err := store.ApplyReset(ctx, ledger.ResetOp{
		UserID:         "user-1",
		Key:            "api-calls",
		NewAllocation:  100,
		Source:         ledger.SourceRenewal,
		SourceID:       "in_1",
		IdempotencyKey: "renewal:in_1:api-calls",
	})
	require.NoError(t, err)

	// THEN the key appears once in the ledger, on the revoke
	history, err := store.History(ctx, ledger.HistoryQuery{UserID: "user-1", Key: "api-calls"})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Empty(t, history[0].IdempotencyKey)
	assert.Equal(t, "renewal:in_1:api-calls", history[1].IdempotencyKey)
}

// =============================================================================
// SOURCE AGGREGATES
// =============================================================================

func TestStore_SumBySource_CountsOnlyPositiveGrants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN grants, a consume, and a revoke all attributed to sub_1
	grant(t, store, "user-1", "api-calls", 100, ledger.SourceSubscription, "sub_1")
	grant(t, store, "user-1", "api-calls", 50, ledger.SourceSubscription, "sub_1")
	_, err := store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: "user-1", Key: "api-calls", Amount: -30,
		Type: ledger.EntryConsume, Source: ledger.SourceSubscription, SourceID: "sub_1",
	})
	require.NoError(t, err)
	_, err = store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: "user-1", Key: "api-calls", Amount: -20,
		Type: ledger.EntryRevoke, Source: ledger.SourceSubscription, SourceID: "sub_1",
	})
	require.NoError(t, err)

	// AND a grant under a different source id
	grant(t, store, "user-1", "api-calls", 500, ledger.SourceSubscription, "sub_2")

	// THEN only the two sub_1 grants sum
	total, err := store.SumBySource(ctx, "user-1", "api-calls", ledger.SourceSubscription, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)

	// AND an unseen source id sums to zero
	total, err = store.SumBySource(ctx, "user-1", "api-calls", ledger.SourceSubscription, "sub_none")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestStore_CountBySourceSince_WindowsByEntryTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN two auto top-up grants and one consume
	grant(t, store, "user-1", "api-calls", 100, ledger.SourceAutoTopUp, "pi_1")
	grant(t, store, "user-1", "api-calls", 100, ledger.SourceAutoTopUp, "pi_2")
	_, err := store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: "user-1", Key: "api-calls", Amount: -10,
		Type: ledger.EntryConsume, Source: ledger.SourceAutoTopUp, SourceID: "pi_1",
	})
	require.NoError(t, err)

	// THEN a window covering them counts the grants only
	count, err := store.CountBySourceSince(ctx, "user-1", "api-calls",
		ledger.SourceAutoTopUp, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// AND a window starting in the future counts nothing
	count, err = store.CountBySourceSince(ctx, "user-1", "api-calls",
		ledger.SourceAutoTopUp, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// AND other sources never bleed in
	count, err = store.CountBySourceSince(ctx, "user-1", "api-calls",
		ledger.SourceTopUp, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// =============================================================================
// REPLICA POOL
// =============================================================================

func TestStore_Customer_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a customer with metadata and a default payment method
	err := store.UpsertCustomer(ctx, replica.Customer{
		ID:              "cus_1",
		Metadata:        map[string]string{"user_id": "user-1", "org": "acme"},
		InvoiceSettings: replica.InvoiceSettings{DefaultPaymentMethod: "pm_1"},
	})
	require.NoError(t, err)

	// THEN it reads back whole
	c, err := store.CustomerByID(ctx, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "user-1", c.Metadata["user_id"])
	assert.Equal(t, "acme", c.Metadata["org"])
	assert.Equal(t, "pm_1", c.InvoiceSettings.DefaultPaymentMethod)

	// WHEN the upsert marks it deleted
	err = store.UpsertCustomer(ctx, replica.Customer{ID: "cus_1", Deleted: true})
	require.NoError(t, err)

	// THEN reads treat it as absent
	c, err = store.CustomerByID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestStore_CustomerByID_AbsentIsNil(t *testing.T) {
	store := newTestStore(t)

	c, err := store.CustomerByID(context.Background(), "cus_nope")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestStore_UserCustomerResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN one customer found via metadata and one via the mapping table
	require.NoError(t, store.UpsertCustomer(ctx, replica.Customer{
		ID:       "cus_meta",
		Metadata: map[string]string{"user_id": "user-meta"},
	}))
	require.NoError(t, store.UpsertCustomer(ctx, replica.Customer{ID: "cus_mapped"}))
	require.NoError(t, store.MapUser(ctx, "user-mapped", "cus_mapped"))

	// THEN both directions resolve through either path
	id, err := store.CustomerIDForUser(ctx, "user-meta")
	require.NoError(t, err)
	assert.Equal(t, "cus_meta", id)

	id, err = store.CustomerIDForUser(ctx, "user-mapped")
	require.NoError(t, err)
	assert.Equal(t, "cus_mapped", id)

	uid, err := store.UserIDForCustomer(ctx, "cus_meta")
	require.NoError(t, err)
	assert.Equal(t, "user-meta", uid)

	uid, err = store.UserIDForCustomer(ctx, "cus_mapped")
	require.NoError(t, err)
	assert.Equal(t, "user-mapped", uid)

	// AND an unknown user resolves to empty, not an error
	id, err = store.CustomerIDForUser(ctx, "user-unknown")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestStore_MapUser_RemapOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MapUser(ctx, "user-1", "cus_old"))

	// WHEN the user is mapped again the new customer wins
	require.NoError(t, store.MapUser(ctx, "user-1", "cus_new"))

	id, err := store.CustomerIDForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
}

func TestStore_Subscription_RoundTripAndOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	// GIVEN a subscription with an item and metadata
	err := store.UpsertSubscription(ctx, replica.Subscription{
		ID:       "sub_1",
		Customer: "cus_1",
		Status:   "active",
		Items: []replica.SubscriptionItem{
			{ID: "si_1", PriceID: "price_pro_m", Quantity: 3},
		},
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		Metadata:           map[string]string{"first_seat_user_id": "user-1"},
	})
	require.NoError(t, err)

	// THEN the item, periods, and metadata survive the JSON columns
	sub, err := store.SubscriptionByID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "cus_1", sub.Customer)
	assert.Equal(t, "price_pro_m", sub.PriceID())
	assert.Equal(t, int64(3), sub.Item().Quantity)
	assert.WithinDuration(t, start, sub.CurrentPeriodStart, time.Microsecond)
	assert.WithinDuration(t, end, sub.CurrentPeriodEnd, time.Microsecond)
	assert.Equal(t, "user-1", sub.Metadata["first_seat_user_id"])

	// WHEN a later sync changes the price and status
	err = store.UpsertSubscription(ctx, replica.Subscription{
		ID:       "sub_1",
		Customer: "cus_1",
		Status:   "canceled",
		Items: []replica.SubscriptionItem{
			{ID: "si_1", PriceID: "price_basic_m", Quantity: 1},
		},
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	})
	require.NoError(t, err)

	// THEN the row reflects the last write, metadata cleared included
	sub, err = store.SubscriptionByID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "canceled", sub.Status)
	assert.Equal(t, "price_basic_m", sub.PriceID())
	assert.Empty(t, sub.Metadata["first_seat_user_id"])
}

func TestStore_SubscriptionsForCustomer_NewestPeriodFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"sub_old", "sub_mid", "sub_new"} {
		require.NoError(t, store.UpsertSubscription(ctx, replica.Subscription{
			ID:                 id,
			Customer:           "cus_1",
			Status:             "canceled",
			CurrentPeriodStart: base.AddDate(0, i, 0),
			CurrentPeriodEnd:   base.AddDate(0, i+1, 0),
		}))
	}
	require.NoError(t, store.UpsertSubscription(ctx, replica.Subscription{
		ID: "sub_other", Customer: "cus_2", Status: "active",
		CurrentPeriodEnd: base.AddDate(1, 0, 0),
	}))

	subs, err := store.SubscriptionsForCustomer(ctx, "cus_1")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	assert.Equal(t, "sub_new", subs[0].ID)
	assert.Equal(t, "sub_mid", subs[1].ID)
	assert.Equal(t, "sub_old", subs[2].ID)
}

func TestStore_Price_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN a recurring and a one-time price
	require.NoError(t, store.UpsertPrice(ctx, replica.Price{
		ID: "price_pro_m", Product: "prod_1", UnitAmount: 2900, Currency: "usd",
		Recurring: &replica.Recurring{Interval: "month"},
	}))
	require.NoError(t, store.UpsertPrice(ctx, replica.Price{
		ID: "price_setup", UnitAmount: 9900, Currency: "usd",
	}))

	p, err := store.PriceByID(ctx, "price_pro_m")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(2900), p.UnitAmount)
	require.NotNil(t, p.Recurring)
	assert.Equal(t, "month", p.Recurring.Interval)

	p, err = store.PriceByID(ctx, "price_setup")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.Recurring, "a one-time price has no recurring block")

	p, err = store.PriceByID(ctx, "price_nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// =============================================================================
// SEAT ROWS
// =============================================================================

func TestStore_SeatUsers_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN two seats on one subscription
	require.NoError(t, store.InsertSeatUser(ctx, "user-a", "sub_1"))
	require.NoError(t, store.InsertSeatUser(ctx, "user-b", "sub_1"))

	// THEN the seat reads back and the list is stable
	seat, err := store.SeatUser(ctx, "user-a")
	require.NoError(t, err)
	require.NotNil(t, seat)
	assert.Equal(t, "sub_1", seat.SubscriptionID)
	assert.False(t, seat.CreatedAt.IsZero())

	seats, err := store.SeatUsersForSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.Len(t, seats, 2)
	assert.Equal(t, "user-a", seats[0].UserID)
	assert.Equal(t, "user-b", seats[1].UserID)

	// WHEN a seat holder is inserted again, even on another subscription
	err = store.InsertSeatUser(ctx, "user-a", "sub_2")
	require.Error(t, err, "a user holds at most one seat")

	// AND deletion frees the user for a new seat
	require.NoError(t, store.DeleteSeatUser(ctx, "user-a"))
	seat, err = store.SeatUser(ctx, "user-a")
	require.NoError(t, err)
	assert.Nil(t, seat)
	require.NoError(t, store.InsertSeatUser(ctx, "user-a", "sub_2"))

	// AND deleting a missing row is quiet
	require.NoError(t, store.DeleteSeatUser(ctx, "user-never"))
}

// =============================================================================
// RESET
// =============================================================================

func TestStore_Reset_ClearsEveryTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// GIVEN rows in the ledger, the replica pool, and the mapping tables
	_, err := store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: "user-1", Key: "api-calls", Amount: 100,
		Type: ledger.EntryGrant, Source: ledger.SourceTopUp,
		IdempotencyKey: "pi_1",
	})
	require.NoError(t, err)
	require.NoError(t, store.UpsertCustomer(ctx, replica.Customer{ID: "cus_1"}))
	require.NoError(t, store.UpsertSubscription(ctx, replica.Subscription{ID: "sub_1", Customer: "cus_1", Status: "active"}))
	require.NoError(t, store.UpsertPrice(ctx, replica.Price{ID: "price_1", UnitAmount: 900}))
	require.NoError(t, store.MapUser(ctx, "user-1", "cus_1"))
	require.NoError(t, store.InsertSeatUser(ctx, "user-1", "sub_1"))

	// WHEN the store is reset
	require.NoError(t, store.Reset(ctx))

	// THEN everything is gone
	balance, err := store.Balance(ctx, "user-1", "api-calls")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	history, err := store.History(ctx, ledger.HistoryQuery{UserID: "user-1", Key: "api-calls"})
	require.NoError(t, err)
	assert.Empty(t, history)

	c, err := store.CustomerByID(ctx, "cus_1")
	require.NoError(t, err)
	assert.Nil(t, c)

	sub, err := store.SubscriptionByID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	seat, err := store.SeatUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, seat)

	id, err := store.CustomerIDForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, id)

	// AND consumed idempotency keys are forgotten with the ledger
	_, err = store.ApplyDelta(ctx, ledger.DeltaOp{
		UserID: "user-1", Key: "api-calls", Amount: 50,
		Type: ledger.EntryGrant, Source: ledger.SourceTopUp,
		IdempotencyKey: "pi_1",
	})
	require.NoError(t, err)
}
