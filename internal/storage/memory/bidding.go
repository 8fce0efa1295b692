package memory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
)

var _ bidding.Repository = (*BidRepository)(nil)

// BidRepository implements bidding.Repository over a Store.
type BidRepository struct {
	s *Store
}

// NewBidRepository returns a BidRepository view of the store.
func NewBidRepository(s *Store) *BidRepository {
	return &BidRepository{s: s}
}

// Append inserts a bid and marks the given bids outbid in one atomic step.
func (r *BidRepository) Append(_ context.Context, b *bidding.Bid, outbidIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.bids[b.ID]; ok {
		return errors.Errorf("bid %s already exists", b.ID)
	}
	for _, id := range outbidIDs {
		if _, ok := r.s.bids[id]; !ok {
			return errors.Wrapf(bidding.ErrNotFound, "outbid target %s", id)
		}
	}

	for _, id := range outbidIDs {
		r.s.bids[id].Status = bidding.BidOutbid
	}
	r.s.bids[b.ID] = cloneBid(b)
	r.s.bidsByListing[b.ListingID] = append(r.s.bidsByListing[b.ListingID], b.ID)
	return nil
}

// Get returns a bid by ID.
func (r *BidRepository) Get(_ context.Context, id string) (*bidding.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	b, ok := r.s.bids[id]
	if !ok {
		return nil, errors.Wrapf(bidding.ErrNotFound, "id %s", id)
	}
	return cloneBid(b), nil
}

// ByListing returns the full ledger for a listing in sequence order.
func (r *BidRepository) ByListing(_ context.Context, listingID string) ([]*bidding.Bid, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := r.s.bidsByListing[listingID]
	out := make([]*bidding.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneBid(r.s.bids[id]))
	}
	return out, nil
}

// Resolve marks the won bid and flips every other unresolved bid to lost.
func (r *BidRepository) Resolve(_ context.Context, listingID, wonID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if wonID != "" {
		if _, ok := r.s.bids[wonID]; !ok {
			return errors.Wrapf(bidding.ErrNotFound, "winning bid %s", wonID)
		}
	}

	for _, id := range r.s.bidsByListing[listingID] {
		b := r.s.bids[id]
		switch {
		case b.ID == wonID:
			b.Status = bidding.BidWon
		case b.Status == bidding.BidActive || b.Status == bidding.BidOutbid:
			b.Status = bidding.BidLost
		}
	}
	return nil
}
