package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
	"github.com/gavelworks/auction-engine/internal/domain/coupon"
	"github.com/gavelworks/auction-engine/internal/domain/inventory"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/domain/settlement"
	"github.com/gavelworks/auction-engine/internal/events"
	"github.com/gavelworks/auction-engine/internal/money"
	"github.com/gavelworks/auction-engine/internal/storage/memory"
	"github.com/gavelworks/auction-engine/pkg/keymutex"
)

type settlementFixture struct {
	svc          *settlement.Service
	inv          *inventory.Service
	ledger       *bidding.Ledger
	listings     *memory.ListingRepository
	bids         *memory.BidRepository
	reservations *memory.ReservationRepository
	coupons      *memory.CouponRepository
	orders       *memory.OrderRepository
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()
	store := memory.NewStore()
	listings := memory.NewListingRepository(store)
	bids := memory.NewBidRepository(store)
	reservations := memory.NewReservationRepository(store)
	coupons := memory.NewCouponRepository(store)
	orders := memory.NewOrderRepository(store)
	locks := keymutex.New()
	lg := zap.NewNop()

	cfg := settlement.Config{
		TaxRateBP:       875, // 8.75%
		DefaultShipping: money.New(499, "USD"),
	}
	return &settlementFixture{
		svc:          settlement.NewService(listings, bids, reservations, coupons, orders, locks, events.NopSink{}, lg, cfg),
		inv:          inventory.NewService(listings, reservations, locks, lg),
		ledger:       bidding.NewLedger(listings, bids, locks, events.NopSink{}, lg),
		listings:     listings,
		bids:         bids,
		reservations: reservations,
		coupons:      coupons,
		orders:       orders,
	}
}

func (f *settlementFixture) addListing(t *testing.T, id string, priceUnits int64, quantity int) {
	t.Helper()
	require.NoError(t, f.listings.Create(context.Background(), &listing.Listing{
		ID:       id,
		SellerID: "seller",
		Title:    "listing " + id,
		Price:    money.New(priceUnits, "USD"),
		Status:   listing.StatusActive,
		Quantity: quantity,
	}))
}

func (f *settlementFixture) reserve(t *testing.T, listingID string, qty int) *inventory.Reservation {
	t.Helper()
	res, err := f.inv.Reserve(context.Background(), listingID, qty, "buyer", time.Minute)
	require.NoError(t, err)
	return res
}

func TestSettleFromCheckout(t *testing.T) {
	ctx := context.Background()

	t.Run("full breakdown with coupon", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.addListing(t, "l1", 2000, 5) // $20.00 each
		f.addListing(t, "l2", 1000, 3) // $10.00 each
		require.NoError(t, f.coupons.Create(ctx, &coupon.Coupon{
			Code:    "SAVE10",
			Type:    coupon.DiscountPercentage,
			Percent: 10,
		}))

		r1 := f.reserve(t, "l1", 2)
		r2 := f.reserve(t, "l2", 1)

		order, err := f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
			BuyerID:         "buyer",
			ReservationIDs:  []string{r1.ID, r2.ID},
			ShippingAddress: "1 Main St",
			PaymentMethod:   "card",
			CouponCode:      "save10",
		})
		require.NoError(t, err)

		// subtotal $50.00, 10% off = $5.00, taxable $45.00,
		// tax 8.75% = $3.94 (half up), shipping flat $4.99.
		assert.Equal(t, money.New(5000, "USD"), order.Breakdown.Subtotal)
		assert.Equal(t, money.New(500, "USD"), order.Breakdown.Discount)
		assert.Equal(t, money.New(394, "USD"), order.Breakdown.Tax)
		assert.Equal(t, money.New(499, "USD"), order.Breakdown.Shipping)
		assert.Equal(t, money.New(5393, "USD"), order.Breakdown.Total)
		assert.Equal(t, "SAVE10", order.CouponCode)
		assert.Equal(t, settlement.OrderPending, order.Status)
		require.Len(t, order.Items, 2)

		// Reservations were committed, stock is down, coupon usage bumped.
		_, err = f.reservations.Get(ctx, r1.ID)
		require.ErrorIs(t, err, inventory.ErrNotFound)
		lst, err := f.listings.Get(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, 3, lst.Remaining())
		c, err := f.coupons.FindByCode(ctx, "SAVE10")
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.UsedCount)
	})

	t.Run("reservation snapshot price wins over current price", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.addListing(t, "l1", 2000, 5)
		r := f.reserve(t, "l1", 1)

		// Seller repriced after the hold was taken.
		lst, err := f.listings.Get(ctx, "l1")
		require.NoError(t, err)
		lst.Price = money.New(9999, "USD")
		require.NoError(t, f.listings.Update(ctx, lst))

		order, err := f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
			BuyerID:        "buyer",
			ReservationIDs: []string{r.ID},
		})
		require.NoError(t, err)
		assert.Equal(t, money.New(2000, "USD"), order.Breakdown.Subtotal)
	})

	t.Run("per-item shipping replaces the flat rate", func(t *testing.T) {
		f := newSettlementFixture(t)
		require.NoError(t, f.listings.Create(ctx, &listing.Listing{
			ID: "l1", SellerID: "seller", Title: "bulky",
			Price:    money.New(3000, "USD"),
			Shipping: money.New(250, "USD"),
			Status:   listing.StatusActive, Quantity: 4,
		}))
		r := f.reserve(t, "l1", 2)

		order, err := f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
			BuyerID:        "buyer",
			ReservationIDs: []string{r.ID},
		})
		require.NoError(t, err)
		assert.Equal(t, money.New(500, "USD"), order.Breakdown.Shipping)
	})

	t.Run("no items", func(t *testing.T) {
		f := newSettlementFixture(t)
		_, err := f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{BuyerID: "buyer"})
		require.ErrorIs(t, err, settlement.ErrNoItems)
	})

	t.Run("expired reservation", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.addListing(t, "l1", 2000, 5)
		r, err := f.inv.Reserve(ctx, "l1", 1, "buyer", -time.Second)
		require.NoError(t, err)

		_, err = f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
			BuyerID:        "buyer",
			ReservationIDs: []string{r.ID},
		})
		require.ErrorIs(t, err, settlement.ErrReservationExpired)
	})

	t.Run("released reservation reads as expired", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.addListing(t, "l1", 2000, 5)
		r := f.reserve(t, "l1", 1)
		require.NoError(t, f.inv.Release(ctx, r.ID))

		_, err := f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
			BuyerID:        "buyer",
			ReservationIDs: []string{r.ID},
		})
		require.ErrorIs(t, err, settlement.ErrReservationExpired)
	})

	t.Run("unknown coupon", func(t *testing.T) {
		f := newSettlementFixture(t)
		f.addListing(t, "l1", 2000, 5)
		r := f.reserve(t, "l1", 1)

		_, err := f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
			BuyerID:        "buyer",
			ReservationIDs: []string{r.ID},
			CouponCode:     "NOPE",
		})
		require.ErrorIs(t, err, coupon.ErrNotFound)
	})
}

// A failed settlement must leave no trace: no order, reservations still
// held, stock untouched, coupon usage unchanged.
func TestSettleFromCheckoutAtomicity(t *testing.T) {
	ctx := context.Background()
	f := newSettlementFixture(t)
	f.addListing(t, "l1", 2000, 5)
	require.NoError(t, f.coupons.Create(ctx, &coupon.Coupon{
		Code:     "ONCE",
		Type:     coupon.DiscountFixed,
		Amount:   money.New(100, "USD"),
		UsageCap: 1,
	}))

	live := f.reserve(t, "l1", 2)
	lapsed, err := f.inv.Reserve(ctx, "l1", 1, "buyer", -time.Second)
	require.NoError(t, err)

	_, err = f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
		BuyerID:        "buyer",
		ReservationIDs: []string{live.ID, lapsed.ID},
		CouponCode:     "ONCE",
	})
	require.ErrorIs(t, err, settlement.ErrReservationExpired)

	// The live hold is still intact and retryable.
	got, err := f.reservations.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)

	lst, err := f.listings.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 0, lst.Sold)

	c, err := f.coupons.FindByCode(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.UsedCount)
}

func TestSettleFromAuctionWin(t *testing.T) {
	ctx := context.Background()

	newClosedAuction := func(t *testing.T, f *settlementFixture) *bidding.Bid {
		t.Helper()
		endsAt := time.Now().Add(time.Hour)
		require.NoError(t, f.listings.Create(ctx, &listing.Listing{
			ID: "a1", SellerID: "seller", Title: "rare vinyl",
			Price: money.New(1000, "USD"), IsAuction: true,
			AuctionEndsAt: &endsAt, Status: listing.StatusActive, Quantity: 1,
		}))
		_, err := f.ledger.SubmitBid(ctx, "a1", "alice", money.New(1000, "USD"))
		require.NoError(t, err)
		_, err = f.ledger.SubmitBid(ctx, "a1", "bob", money.New(2500, "USD"))
		require.NoError(t, err)
		require.NoError(t, f.ledger.CloseAuction(ctx, "a1"))

		winner, err := f.ledger.Winner(ctx, "a1")
		require.NoError(t, err)
		return winner
	}

	t.Run("won bid settles at the bid amount", func(t *testing.T) {
		f := newSettlementFixture(t)
		winner := newClosedAuction(t, f)

		order, err := f.svc.SettleFromAuctionWin(ctx, winner.ID)
		require.NoError(t, err)
		assert.Equal(t, "bob", order.BuyerID)
		assert.Equal(t, winner.ID, order.BidID)
		require.Len(t, order.Items, 1)
		assert.Equal(t, 1, order.Items[0].Quantity)
		assert.Equal(t, money.New(2500, "USD"), order.Items[0].UnitPrice)
		// $25.00 + 8.75% tax $2.19 + flat shipping $4.99.
		assert.Equal(t, money.New(219, "USD"), order.Breakdown.Tax)
		assert.Equal(t, money.New(3218, "USD"), order.Breakdown.Total)

		lst, err := f.listings.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, listing.StatusSold, lst.Status)
	})

	t.Run("settling twice", func(t *testing.T) {
		f := newSettlementFixture(t)
		winner := newClosedAuction(t, f)

		_, err := f.svc.SettleFromAuctionWin(ctx, winner.ID)
		require.NoError(t, err)
		_, err = f.svc.SettleFromAuctionWin(ctx, winner.ID)
		require.ErrorIs(t, err, settlement.ErrAlreadySettled)
	})

	t.Run("losing bid cannot settle", func(t *testing.T) {
		f := newSettlementFixture(t)
		_ = newClosedAuction(t, f)

		ledger, err := f.ledger.Bids(ctx, "a1")
		require.NoError(t, err)
		var lost *bidding.Bid
		for _, b := range ledger {
			if b.Status == bidding.BidLost {
				lost = b
			}
		}
		require.NotNil(t, lost)

		_, err = f.svc.SettleFromAuctionWin(ctx, lost.ID)
		require.ErrorIs(t, err, settlement.ErrBidNotWon)
	})

	t.Run("open auction cannot settle", func(t *testing.T) {
		f := newSettlementFixture(t)
		endsAt := time.Now().Add(time.Hour)
		require.NoError(t, f.listings.Create(ctx, &listing.Listing{
			ID: "a1", SellerID: "seller", Price: money.New(1000, "USD"),
			IsAuction: true, AuctionEndsAt: &endsAt,
			Status: listing.StatusActive, Quantity: 1,
		}))
		bid, err := f.ledger.SubmitBid(ctx, "a1", "alice", money.New(1000, "USD"))
		require.NoError(t, err)

		_, err = f.svc.SettleFromAuctionWin(ctx, bid.ID)
		require.ErrorIs(t, err, settlement.ErrBidNotWon)
	})
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()
	f := newSettlementFixture(t)
	f.addListing(t, "l1", 2000, 5)
	r := f.reserve(t, "l1", 1)

	order, err := f.svc.SettleFromCheckout(ctx, settlement.CheckoutRequest{
		BuyerID:        "buyer",
		ReservationIDs: []string{r.ID},
	})
	require.NoError(t, err)

	order, err = f.svc.Advance(ctx, order.ID, settlement.OrderProcessing, "payment captured")
	require.NoError(t, err)
	order, err = f.svc.Advance(ctx, order.ID, settlement.OrderConfirmed, "")
	require.NoError(t, err)
	assert.Equal(t, settlement.OrderConfirmed, order.Status)
	assert.Len(t, order.History, 3)

	// Delivered is not reachable from confirmed.
	_, err = f.svc.Advance(ctx, order.ID, settlement.OrderDelivered, "")
	var invalid *settlement.InvalidStatusError
	require.ErrorAs(t, err, &invalid)

	stored, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.OrderConfirmed, stored.Status)
}

// The listing's sold flip rides the same repository call as the order
// insert; an interrupted settlement can never leave a settled order behind
// a listing stuck in closed.
func TestCreateSettledMarksAuctionListingSold(t *testing.T) {
	ctx := context.Background()

	auctionOrder := func(now time.Time) *settlement.Order {
		return &settlement.Order{
			ID:      "o1",
			BuyerID: "bob",
			BidID:   "b1",
			Items: []settlement.LineItem{{
				ListingID: "a1", Title: "rare vinyl", Quantity: 1,
				UnitPrice: money.New(2500, "USD"),
			}},
			Status: settlement.OrderPending,
			Breakdown: settlement.Breakdown{
				Subtotal: money.New(2500, "USD"),
				Total:    money.New(2500, "USD"),
			},
			History:   []settlement.StatusChange{{Status: settlement.OrderPending, At: now}},
			CreatedAt: now,
		}
	}

	t.Run("closed listing leaves sold in the same call", func(t *testing.T) {
		f := newSettlementFixture(t)
		endsAt := time.Now().Add(-time.Hour)
		require.NoError(t, f.listings.Create(ctx, &listing.Listing{
			ID: "a1", SellerID: "seller", Title: "rare vinyl",
			Price: money.New(1000, "USD"), IsAuction: true,
			AuctionEndsAt: &endsAt, Status: listing.StatusClosed, Quantity: 1,
		}))

		require.NoError(t, f.orders.CreateSettled(ctx, auctionOrder(time.Now().UTC()), nil, ""))

		lst, err := f.listings.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, listing.StatusSold, lst.Status)
		assert.Equal(t, 0, lst.Remaining())
	})

	t.Run("listing not closed rejects the whole settlement", func(t *testing.T) {
		f := newSettlementFixture(t)
		endsAt := time.Now().Add(time.Hour)
		require.NoError(t, f.listings.Create(ctx, &listing.Listing{
			ID: "a1", SellerID: "seller", Title: "rare vinyl",
			Price: money.New(1000, "USD"), IsAuction: true,
			AuctionEndsAt: &endsAt, Status: listing.StatusActive, Quantity: 1,
		}))

		err := f.orders.CreateSettled(ctx, auctionOrder(time.Now().UTC()), nil, "")
		require.ErrorIs(t, err, settlement.ErrListingNotClosed)

		_, err = f.orders.ByBid(ctx, "b1")
		require.ErrorIs(t, err, settlement.ErrNotFound)
		lst, err := f.listings.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, listing.StatusActive, lst.Status)
	})
}
