// Package bidding implements the append-only bid ledger and auction close.
package bidding

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/money"
)

// BidStatus is the ledger state of a single bid.
type BidStatus string

const (
	// BidActive means the bid has not been beaten or resolved.
	BidActive BidStatus = "active"
	// BidOutbid means a higher bid displaced this one while the auction ran.
	BidOutbid BidStatus = "outbid"
	// BidWon marks the single winning bid of a closed auction.
	BidWon BidStatus = "won"
	// BidLost marks every non-winning bid of a closed auction.
	BidLost BidStatus = "lost"
	// BidCancelled excludes a bid from winner determination (admin action).
	BidCancelled BidStatus = "cancelled"
)

// Sentinel errors for bid submission.
var (
	ErrNotFound         = errors.New("bid not found")
	ErrListingNotActive = errors.New("listing is not accepting bids")
	ErrSelfBid          = errors.New("seller cannot bid on own listing")
)

// TooLowError rejects a bid that does not strictly exceed the current
// highest amount. Ties lose: the earlier sequence number keeps the lead,
// so an equal amount is rejected rather than accepted.
type TooLowError struct {
	Minimum money.Money // smallest amount that would have been accepted
}

func (e *TooLowError) Error() string {
	return fmt.Sprintf("bid too low: must exceed %s", e.Minimum)
}

// Bid is one immutable ledger entry. Bids are never deleted; rejected
// submissions are never persisted, and resolved bids only change status.
type Bid struct {
	ID        string
	ListingID string
	BidderID  string
	Amount    money.Money
	Sequence  int64 // monotonically increasing per listing
	Status    BidStatus
	PlacedAt  time.Time
}

// beats reports whether b strictly dominates o by (amount, sequence):
// higher amount wins, equal amounts go to the earlier sequence.
func (b *Bid) beats(o *Bid) bool {
	if c := b.Amount.Cmp(o.Amount); c != 0 {
		return c > 0
	}
	return b.Sequence < o.Sequence
}

// Repository defines persistence for the bid ledger.
type Repository interface {
	// Append persists a new bid and flips the given bids to outbid in one
	// atomic step.
	Append(ctx context.Context, b *Bid, outbidIDs []string) error
	Get(ctx context.Context, id string) (*Bid, error)
	// ByListing returns the full ledger for a listing ordered by sequence.
	ByListing(ctx context.Context, listingID string) ([]*Bid, error)
	// Resolve marks the winning bid won and every other unresolved bid
	// lost, atomically. An empty wonID resolves all bids to lost.
	Resolve(ctx context.Context, listingID, wonID string) error
}
