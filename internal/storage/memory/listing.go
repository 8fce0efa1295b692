package memory

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/domain/listing"
)

var _ listing.Repository = (*ListingRepository)(nil)

// ListingRepository implements listing.Repository over a Store.
type ListingRepository struct {
	s *Store
}

// NewListingRepository returns a ListingRepository view of the store.
func NewListingRepository(s *Store) *ListingRepository {
	return &ListingRepository{s: s}
}

// Create stores a new listing.
func (r *ListingRepository) Create(_ context.Context, l *listing.Listing) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.listings[l.ID]; ok {
		return errors.Errorf("listing %s already exists", l.ID)
	}
	r.s.listings[l.ID] = cloneListing(l)
	return nil
}

// Get returns a listing by ID, soft-deleted ones included so order line
// items keep resolving.
func (r *ListingRepository) Get(_ context.Context, id string) (*listing.Listing, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	l, ok := r.s.listings[id]
	if !ok {
		return nil, errors.Wrapf(listing.ErrNotFound, "id %s", id)
	}
	return cloneListing(l), nil
}

// Update replaces a stored listing.
func (r *ListingRepository) Update(_ context.Context, l *listing.Listing) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.listings[l.ID]; !ok {
		return errors.Wrapf(listing.ErrNotFound, "id %s", l.ID)
	}
	r.s.listings[l.ID] = cloneListing(l)
	return nil
}

// EndedAuctionIDs returns active auctions past their end time.
func (r *ListingRepository) EndedAuctionIDs(_ context.Context, now time.Time) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var ids []string
	for _, l := range r.s.listings {
		if l.IsAuction && l.Status == listing.StatusActive && l.Ended(now) {
			ids = append(ids, l.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// EndingWithin returns active auctions ending inside the lead window.
func (r *ListingRepository) EndingWithin(_ context.Context, now time.Time, lead time.Duration) ([]*listing.Listing, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	deadline := now.Add(lead)
	var out []*listing.Listing
	for _, l := range r.s.listings {
		if !l.IsAuction || l.Status != listing.StatusActive || l.AuctionEndsAt == nil {
			continue
		}
		if l.AuctionEndsAt.After(now) && !l.AuctionEndsAt.After(deadline) {
			out = append(out, cloneListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
