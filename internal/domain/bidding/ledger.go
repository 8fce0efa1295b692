package bidding

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/events"
	"github.com/gavelworks/auction-engine/internal/money"
	"github.com/gavelworks/auction-engine/internal/storage"
	"github.com/gavelworks/auction-engine/pkg/keymutex"
)

// conflictRetries bounds transparent retries of storage conflicts before
// the error surfaces to the caller.
const conflictRetries = 3

// Ledger owns bid submission, winner determination, and auction close.
//
// The winner is always derived as the highest (amount, sequence) among
// active bids, never cached as a stored flag. Submission and close for the
// same listing are serialized through a per-listing mutex; storage Append
// and Resolve are single atomic steps on top of that.
type Ledger struct {
	listings listing.Repository
	bids     Repository
	locks    *keymutex.KeyMutex
	sink     events.Sink
	lg       *zap.Logger

	now func() time.Time
}

// NewLedger creates a Ledger with the given dependencies.
func NewLedger(
	listings listing.Repository,
	bids Repository,
	locks *keymutex.KeyMutex,
	sink events.Sink,
	lg *zap.Logger,
) *Ledger {
	return &Ledger{
		listings: listings,
		bids:     bids,
		locks:    locks,
		sink:     sink,
		lg:       lg,
		now:      time.Now,
	}
}

// SubmitBid validates and records a bid on an auction listing.
//
// Rejections: ErrListingNotActive (listing not active, or the auction has
// ended — in which case the listing is closed lazily first), ErrSelfBid,
// and TooLowError when the amount does not strictly exceed the current
// highest bid (or the starting price for a first bid).
//
// On acceptance the bid gets the next per-listing sequence number and every
// previously active bid flips to outbid in the same atomic step.
func (l *Ledger) SubmitBid(ctx context.Context, listingID, bidderID string, amount money.Money) (*Bid, error) {
	unlock := l.locks.Lock(listingID)
	defer unlock()

	var bid *Bid
	err := l.withRetry(func() error {
		var err error
		bid, err = l.submit(ctx, listingID, bidderID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

func (l *Ledger) submit(ctx context.Context, listingID, bidderID string, amount money.Money) (*Bid, error) {
	lst, err := l.listings.Get(ctx, listingID)
	if err != nil {
		return nil, errors.Wrap(err, "get listing")
	}
	if !lst.IsAuction {
		return nil, listing.ErrNotAuction
	}

	now := l.now().UTC()
	if lst.Status == listing.StatusActive && lst.Ended(now) {
		// Lazy close: the end time passed before the closer worker got here.
		if err := l.close(ctx, lst, now); err != nil {
			return nil, errors.Wrap(err, "lazy close")
		}
		return nil, ErrListingNotActive
	}
	if lst.Status != listing.StatusActive {
		return nil, ErrListingNotActive
	}
	if bidderID == lst.SellerID {
		return nil, ErrSelfBid
	}
	if !amount.SameCurrency(lst.Price) {
		return nil, errors.Wrapf(money.ErrCurrencyMismatch, "bid in %s on %s listing", amount.Currency, lst.Price.Currency)
	}

	ledger, err := l.bids.ByListing(ctx, listingID)
	if err != nil {
		return nil, errors.Wrap(err, "load ledger")
	}

	highest := highestActive(ledger)
	switch {
	case highest != nil:
		// Strict increase: a tying amount loses to the earlier sequence.
		if amount.Cmp(highest.Amount) <= 0 {
			return nil, &TooLowError{Minimum: money.New(highest.Amount.Units+1, amount.Currency)}
		}
	default:
		if amount.Cmp(lst.Price) < 0 {
			return nil, &TooLowError{Minimum: lst.Price}
		}
	}

	var seq int64 = 1
	if n := len(ledger); n > 0 {
		seq = ledger[n-1].Sequence + 1
	}

	var outbid []*Bid
	for _, b := range ledger {
		if b.Status == BidActive {
			outbid = append(outbid, b)
		}
	}
	outbidIDs := make([]string, len(outbid))
	for i, b := range outbid {
		outbidIDs[i] = b.ID
	}

	bid := &Bid{
		ID:        uuid.NewString(),
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
		Sequence:  seq,
		Status:    BidActive,
		PlacedAt:  now,
	}
	if err := l.bids.Append(ctx, bid, outbidIDs); err != nil {
		return nil, errors.Wrap(err, "append bid")
	}

	for _, b := range outbid {
		l.publish(ctx, events.TypeBidOutbid, listingID, events.BidOutbidPayload{
			BidID:       b.ID,
			BidderID:    b.BidderID,
			NewBidUnits: amount.Units,
			Currency:    amount.Currency,
		})
	}

	return bid, nil
}

// CloseAuction moves an active auction past its bidding phase: the winning
// bid becomes won, every other unresolved bid becomes lost, and the listing
// closes (or cancels, when no valid bid exists).
//
// Idempotent: closing an already closed, sold, or cancelled listing is a
// no-op. Callable ahead of schedule for admin-initiated early close.
func (l *Ledger) CloseAuction(ctx context.Context, listingID string) error {
	unlock := l.locks.Lock(listingID)
	defer unlock()

	return l.withRetry(func() error {
		lst, err := l.listings.Get(ctx, listingID)
		if err != nil {
			return errors.Wrap(err, "get listing")
		}
		if !lst.IsAuction {
			return listing.ErrNotAuction
		}

		switch lst.Status {
		case listing.StatusClosed, listing.StatusSold, listing.StatusCancelled:
			return nil // already resolved
		case listing.StatusActive:
			return l.close(ctx, lst, l.now().UTC())
		default:
			return &listing.InvalidTransitionError{From: lst.Status, To: listing.StatusClosed}
		}
	})
}

// close resolves the ledger and transitions the listing. Caller holds the
// per-listing lock and guarantees lst is an active auction.
func (l *Ledger) close(ctx context.Context, lst *listing.Listing, now time.Time) error {
	ledger, err := l.bids.ByListing(ctx, lst.ID)
	if err != nil {
		return errors.Wrap(err, "load ledger")
	}

	winner := highestActive(ledger)
	wonID := ""
	if winner != nil {
		wonID = winner.ID
	}
	if err := l.bids.Resolve(ctx, lst.ID, wonID); err != nil {
		return errors.Wrap(err, "resolve ledger")
	}

	if winner != nil {
		if err := lst.Close(now, "auction ended"); err != nil {
			return err
		}
	} else {
		if err := lst.Cancel(now, "no valid bids", false); err != nil {
			return err
		}
	}
	if err := l.listings.Update(ctx, lst); err != nil {
		return errors.Wrap(err, "update listing")
	}

	payload := events.AuctionClosedPayload{}
	if winner != nil {
		payload = events.AuctionClosedPayload{
			WinningBidID: winner.ID,
			WinnerID:     winner.BidderID,
			AmountUnits:  winner.Amount.Units,
			Currency:     winner.Amount.Currency,
		}
	}
	l.publish(ctx, events.TypeAuctionClosed, lst.ID, payload)

	return nil
}

// Winner returns the current winning bid: the won bid of a closed auction,
// or the highest (amount, sequence) active bid while the auction runs.
// ErrNotFound when the ledger has no winning candidate.
func (l *Ledger) Winner(ctx context.Context, listingID string) (*Bid, error) {
	ledger, err := l.bids.ByListing(ctx, listingID)
	if err != nil {
		return nil, errors.Wrap(err, "load ledger")
	}

	for _, b := range ledger {
		if b.Status == BidWon {
			return b, nil
		}
	}
	if best := highestActive(ledger); best != nil {
		return best, nil
	}
	return nil, ErrNotFound
}

// Bids returns the full ledger for a listing ordered by sequence.
func (l *Ledger) Bids(ctx context.Context, listingID string) ([]*Bid, error) {
	return l.bids.ByListing(ctx, listingID)
}

func (l *Ledger) withRetry(fn func() error) error {
	var err error
	for range conflictRetries {
		if err = fn(); !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return err
}

func (l *Ledger) publish(ctx context.Context, eventType, listingID string, payload any) {
	if err := l.sink.Publish(ctx, eventType, listingID, payload); err != nil {
		l.lg.Warn("publish event failed",
			zap.String("type", eventType),
			zap.String("listing_id", listingID),
			zap.Error(err),
		)
	}
}

// highestActive returns the dominant active bid by (amount, sequence),
// or nil when no active bid exists.
func highestActive(ledger []*Bid) *Bid {
	var best *Bid
	for _, b := range ledger {
		if b.Status != BidActive {
			continue
		}
		if best == nil || b.beats(best) {
			best = b
		}
	}
	return best
}
