package bidding_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/events"
	"github.com/gavelworks/auction-engine/internal/money"
	"github.com/gavelworks/auction-engine/internal/storage/memory"
	"github.com/gavelworks/auction-engine/pkg/keymutex"
)

type ledgerFixture struct {
	ledger   *bidding.Ledger
	listings *memory.ListingRepository
	bids     *memory.BidRepository
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	store := memory.NewStore()
	listings := memory.NewListingRepository(store)
	bids := memory.NewBidRepository(store)
	ledger := bidding.NewLedger(listings, bids, keymutex.New(), events.NopSink{}, zap.NewNop())
	return &ledgerFixture{ledger: ledger, listings: listings, bids: bids}
}

func (f *ledgerFixture) addAuction(t *testing.T, id string, endsAt time.Time) {
	t.Helper()
	f.addAuctionWithStatus(t, id, endsAt, listing.StatusActive)
}

func (f *ledgerFixture) addAuctionWithStatus(t *testing.T, id string, endsAt time.Time, status listing.Status) {
	t.Helper()
	require.NoError(t, f.listings.Create(context.Background(), &listing.Listing{
		ID:            id,
		SellerID:      "seller",
		Title:         "signed first edition",
		Price:         money.New(1000, "USD"),
		IsAuction:     true,
		AuctionEndsAt: &endsAt,
		Status:        status,
		Quantity:      1,
	}))
}

func usd(units int64) money.Money { return money.New(units, "USD") }

func TestSubmitBid(t *testing.T) {
	ctx := context.Background()

	t.Run("first bid at starting price accepted", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		bid, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(1000))
		require.NoError(t, err)
		assert.Equal(t, int64(1), bid.Sequence)
		assert.Equal(t, bidding.BidActive, bid.Status)
	})

	t.Run("first bid below starting price rejected", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		_, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(999))
		var tooLow *bidding.TooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, usd(1000), tooLow.Minimum)
	})

	t.Run("higher bid outbids previous", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		first, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(1000))
		require.NoError(t, err)
		second, err := f.ledger.SubmitBid(ctx, "l1", "bob", usd(1200))
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Sequence)

		stored, err := f.bids.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, bidding.BidOutbid, stored.Status)

		winner, err := f.ledger.Winner(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, second.ID, winner.ID)
	})

	t.Run("tying bid rejected, earlier sequence keeps the lead", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		first, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(1500))
		require.NoError(t, err)

		_, err = f.ledger.SubmitBid(ctx, "l1", "bob", usd(1500))
		var tooLow *bidding.TooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, usd(1501), tooLow.Minimum)

		winner, err := f.ledger.Winner(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, winner.ID)
	})

	t.Run("seller cannot bid on own listing", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		_, err := f.ledger.SubmitBid(ctx, "l1", "seller", usd(2000))
		require.ErrorIs(t, err, bidding.ErrSelfBid)
	})

	t.Run("draft listing rejects bids", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuctionWithStatus(t, "l1", time.Now().Add(time.Hour), listing.StatusDraft)

		_, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(2000))
		require.ErrorIs(t, err, bidding.ErrListingNotActive)
	})

	t.Run("fixed-price listing rejects bids", func(t *testing.T) {
		f := newLedgerFixture(t)
		require.NoError(t, f.listings.Create(ctx, &listing.Listing{
			ID: "fp", SellerID: "seller", Price: usd(500),
			Status: listing.StatusActive, Quantity: 3,
		}))

		_, err := f.ledger.SubmitBid(ctx, "fp", "alice", usd(600))
		require.ErrorIs(t, err, listing.ErrNotAuction)
	})

	t.Run("unknown listing", func(t *testing.T) {
		f := newLedgerFixture(t)
		_, err := f.ledger.SubmitBid(ctx, "nope", "alice", usd(1000))
		require.ErrorIs(t, err, listing.ErrNotFound)
	})

	t.Run("currency mismatch rejected", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		_, err := f.ledger.SubmitBid(ctx, "l1", "alice", money.New(2000, "EUR"))
		require.ErrorIs(t, err, money.ErrCurrencyMismatch)
	})
}

func TestSubmitBidLazyClose(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	// Active in storage but past its end time: the closer worker has not
	// run yet. The submission must close the auction, then reject.
	f.addAuction(t, "l1", time.Now().Add(-time.Minute))

	_, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(2000))
	require.ErrorIs(t, err, bidding.ErrListingNotActive)

	lst, err := f.listings.Get(ctx, "l1")
	require.NoError(t, err)
	// No bids were ever placed, so the lazy close cancels the listing.
	assert.Equal(t, listing.StatusCancelled, lst.Status)
}

func TestCloseAuction(t *testing.T) {
	ctx := context.Background()

	t.Run("winner marked won, rest lost", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		b1, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(1000))
		require.NoError(t, err)
		b2, err := f.ledger.SubmitBid(ctx, "l1", "bob", usd(1200))
		require.NoError(t, err)
		b3, err := f.ledger.SubmitBid(ctx, "l1", "carol", usd(1500))
		require.NoError(t, err)

		require.NoError(t, f.ledger.CloseAuction(ctx, "l1"))

		assertStatus := func(id string, want bidding.BidStatus) {
			b, err := f.bids.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, b.Status)
		}
		assertStatus(b1.ID, bidding.BidLost)
		assertStatus(b2.ID, bidding.BidLost)
		assertStatus(b3.ID, bidding.BidWon)

		lst, err := f.listings.Get(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, listing.StatusClosed, lst.Status)

		winner, err := f.ledger.Winner(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, b3.ID, winner.ID)
	})

	t.Run("no bids cancels the listing", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		require.NoError(t, f.ledger.CloseAuction(ctx, "l1"))

		lst, err := f.listings.Get(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, listing.StatusCancelled, lst.Status)

		_, err = f.ledger.Winner(ctx, "l1")
		require.ErrorIs(t, err, bidding.ErrNotFound)
	})

	t.Run("idempotent", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		_, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(1000))
		require.NoError(t, err)

		require.NoError(t, f.ledger.CloseAuction(ctx, "l1"))

		lstOnce, err := f.listings.Get(ctx, "l1")
		require.NoError(t, err)
		ledgerOnce, err := f.ledger.Bids(ctx, "l1")
		require.NoError(t, err)

		require.NoError(t, f.ledger.CloseAuction(ctx, "l1"))

		lstTwice, err := f.listings.Get(ctx, "l1")
		require.NoError(t, err)
		ledgerTwice, err := f.ledger.Bids(ctx, "l1")
		require.NoError(t, err)

		assert.Equal(t, lstOnce, lstTwice)
		assert.Equal(t, ledgerOnce, ledgerTwice)
	})

	t.Run("bids after close rejected", func(t *testing.T) {
		f := newLedgerFixture(t)
		f.addAuction(t, "l1", time.Now().Add(time.Hour))

		_, err := f.ledger.SubmitBid(ctx, "l1", "alice", usd(1000))
		require.NoError(t, err)
		require.NoError(t, f.ledger.CloseAuction(ctx, "l1"))

		_, err = f.ledger.SubmitBid(ctx, "l1", "bob", usd(5000))
		require.ErrorIs(t, err, bidding.ErrListingNotActive)
	})
}

// Two concurrent bids of $10 and $12 on the same listing: exactly one
// winner of $12 survives, the $10 bid ends outbid — never two active
// "highest" bids.
func TestConcurrentBidsSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	endsAt := time.Now().Add(time.Hour)
	require.NoError(t, f.listings.Create(ctx, &listing.Listing{
		ID: "l1", SellerID: "seller", Price: usd(100),
		IsAuction: true, AuctionEndsAt: &endsAt,
		Status: listing.StatusActive, Quantity: 1,
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.ledger.SubmitBid(ctx, "l1", "alice", usd(1000))
	}()
	go func() {
		defer wg.Done()
		_, _ = f.ledger.SubmitBid(ctx, "l1", "bob", usd(1200))
	}()
	wg.Wait()

	ledger, err := f.ledger.Bids(ctx, "l1")
	require.NoError(t, err)

	active := 0
	for _, b := range ledger {
		if b.Status == bidding.BidActive {
			active++
			assert.Equal(t, usd(1200), b.Amount)
			assert.Equal(t, "bob", b.BidderID)
		}
	}
	// Depending on arrival order alice's $10 bid was either accepted then
	// outbid, or rejected as too low; bob's $12 bid is the sole active one.
	assert.Equal(t, 1, active)

	winner, err := f.ledger.Winner(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, usd(1200), winner.Amount)
}

// A storm of concurrent bids must preserve the single-winner invariant and
// strictly increasing accepted amounts by sequence.
func TestConcurrentBidStorm(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	f.addAuction(t, "l1", time.Now().Add(time.Hour))

	const bidders = 32
	var wg sync.WaitGroup
	wg.Add(bidders)
	for i := range bidders {
		go func() {
			defer wg.Done()
			amount := usd(1000 + int64(i)*37)
			_, _ = f.ledger.SubmitBid(ctx, "l1", string(rune('a'+i%26))+"-bidder", amount)
		}()
	}
	wg.Wait()

	require.NoError(t, f.ledger.CloseAuction(ctx, "l1"))

	ledger, err := f.ledger.Bids(ctx, "l1")
	require.NoError(t, err)
	require.NotEmpty(t, ledger)

	won := 0
	var winner *bidding.Bid
	var prev money.Money
	for i, b := range ledger {
		// Sequences are assigned 1..n in acceptance order.
		assert.Equal(t, int64(i+1), b.Sequence)
		// Accepted amounts strictly increase.
		if i > 0 {
			assert.Equal(t, 1, b.Amount.Cmp(prev))
		}
		prev = b.Amount
		if b.Status == bidding.BidWon {
			won++
			winner = b
		}
	}
	require.Equal(t, 1, won, "exactly one bid may win")

	// The winner strictly dominates every other bid by (amount, sequence).
	for _, b := range ledger {
		if b.ID == winner.ID {
			continue
		}
		assert.Equal(t, 1, winner.Amount.Cmp(b.Amount))
	}
}
