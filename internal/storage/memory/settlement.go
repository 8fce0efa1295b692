package memory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/domain/coupon"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/domain/settlement"
)

var _ settlement.Repository = (*OrderRepository)(nil)

// OrderRepository implements settlement.Repository over a Store.
type OrderRepository struct {
	s *Store
}

// NewOrderRepository returns an OrderRepository view of the store.
func NewOrderRepository(s *Store) *OrderRepository {
	return &OrderRepository{s: s}
}

// CreateSettled persists the order, commits its reservations, bumps the
// coupon usage count, and for an auction order marks the listing sold, all
// in one atomic unit. Validation runs fully before the first mutation, so
// a failed call leaves the store untouched.
func (r *OrderRepository) CreateSettled(_ context.Context, o *settlement.Order, reservationIDs []string, couponCode string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	var auctionListing *listing.Listing
	if o.BidID != "" {
		if _, ok := r.s.orderByBid[o.BidID]; ok {
			return errors.Wrapf(settlement.ErrAlreadySettled, "bid %s", o.BidID)
		}
		if len(o.Items) != 1 {
			return errors.Errorf("auction order %s must carry exactly one item", o.ID)
		}
		auctionListing = r.s.listings[o.Items[0].ListingID]
		if auctionListing == nil {
			return errors.Wrapf(listing.ErrNotFound, "id %s", o.Items[0].ListingID)
		}
		if auctionListing.Status != listing.StatusClosed {
			return errors.Wrapf(settlement.ErrListingNotClosed, "listing %s is %s",
				auctionListing.ID, auctionListing.Status)
		}
	}
	for _, id := range reservationIDs {
		res, ok := r.s.reservations[id]
		if !ok || res.Expired(o.CreatedAt) {
			return errors.Wrapf(settlement.ErrReservationExpired, "reservation %s", id)
		}
		if _, ok := r.s.listings[res.ListingID]; !ok {
			return errors.Wrapf(listing.ErrNotFound, "id %s", res.ListingID)
		}
	}
	var appliedCoupon *coupon.Coupon
	if couponCode != "" {
		c, ok := r.s.coupons[coupon.Normalize(couponCode)]
		if !ok {
			return errors.Wrapf(coupon.ErrNotFound, "code %s", couponCode)
		}
		if c.UsageCap > 0 && c.UsedCount >= c.UsageCap {
			return errors.Wrapf(coupon.ErrUsageLimitReached, "code %s", couponCode)
		}
		appliedCoupon = c
	}

	// All checks passed; apply.
	for _, id := range reservationIDs {
		res := r.s.reservations[id]
		lst := r.s.listings[res.ListingID]
		lst.Sold += res.Quantity
		lst.UpdatedAt = o.CreatedAt
		if lst.Remaining() == 0 && lst.Status == listing.StatusActive {
			_ = lst.MarkSold(o.CreatedAt)
		}
		delete(r.s.reservations, id)
	}
	if appliedCoupon != nil {
		appliedCoupon.UsedCount++
	}
	if auctionListing != nil {
		auctionListing.Sold = auctionListing.Quantity
		_ = auctionListing.MarkSold(o.CreatedAt)
	}
	r.s.orders[o.ID] = cloneOrder(o)
	if o.BidID != "" {
		r.s.orderByBid[o.BidID] = o.ID
	}
	return nil
}

// Get returns an order by ID.
func (r *OrderRepository) Get(_ context.Context, id string) (*settlement.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, errors.Wrapf(settlement.ErrNotFound, "id %s", id)
	}
	return cloneOrder(o), nil
}

// ByBid returns the order settled from the given bid.
func (r *OrderRepository) ByBid(_ context.Context, bidID string) (*settlement.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.orderByBid[bidID]
	if !ok {
		return nil, errors.Wrapf(settlement.ErrNotFound, "bid %s", bidID)
	}
	return cloneOrder(r.s.orders[id]), nil
}

// UpdateStatus persists a status transition and its history entry.
func (r *OrderRepository) UpdateStatus(_ context.Context, o *settlement.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.orders[o.ID]
	if !ok {
		return errors.Wrapf(settlement.ErrNotFound, "id %s", o.ID)
	}
	stored.Status = o.Status
	stored.History = append([]settlement.StatusChange(nil), o.History...)
	return nil
}
