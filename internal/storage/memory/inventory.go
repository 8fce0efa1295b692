package memory

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/domain/inventory"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
)

var _ inventory.Repository = (*ReservationRepository)(nil)

// ReservationRepository implements inventory.Repository over a Store.
type ReservationRepository struct {
	s *Store
}

// NewReservationRepository returns a ReservationRepository view of the store.
func NewReservationRepository(s *Store) *ReservationRepository {
	return &ReservationRepository{s: s}
}

// Create stores a new reservation after re-checking available stock
// against the listing and its live holds, same contract as the
// database-backed repository.
func (r *ReservationRepository) Create(_ context.Context, res *inventory.Reservation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.reservations[res.ID]; ok {
		return errors.Errorf("reservation %s already exists", res.ID)
	}
	lst, ok := r.s.listings[res.ListingID]
	if !ok {
		return errors.Wrapf(listing.ErrNotFound, "id %s", res.ListingID)
	}

	held := 0
	for _, other := range r.s.reservations {
		if other.ListingID == res.ListingID && !other.Expired(res.CreatedAt) {
			held += other.Quantity
		}
	}
	available := lst.Remaining() - held
	if available < res.Quantity {
		return &inventory.InsufficientStockError{
			ListingID: res.ListingID,
			Requested: res.Quantity,
			Available: available,
		}
	}

	r.s.reservations[res.ID] = cloneReservation(res)
	return nil
}

// Get returns a reservation by ID.
func (r *ReservationRepository) Get(_ context.Context, id string) (*inventory.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	res, ok := r.s.reservations[id]
	if !ok {
		return nil, errors.Wrapf(inventory.ErrNotFound, "id %s", id)
	}
	return cloneReservation(res), nil
}

// ByListing returns every reservation held against a listing.
func (r *ReservationRepository) ByListing(_ context.Context, listingID string) ([]*inventory.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*inventory.Reservation
	for _, res := range r.s.reservations {
		if res.ListingID == listingID {
			out = append(out, cloneReservation(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a reservation.
func (r *ReservationRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.reservations[id]; !ok {
		return errors.Wrapf(inventory.ErrNotFound, "id %s", id)
	}
	delete(r.s.reservations, id)
	return nil
}

// ExpiredBefore returns reservations whose expiry precedes now.
func (r *ReservationRepository) ExpiredBefore(_ context.Context, now time.Time) ([]*inventory.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []*inventory.Reservation
	for _, res := range r.s.reservations {
		if res.Expired(now) {
			out = append(out, cloneReservation(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}
