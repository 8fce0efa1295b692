// Package memory provides an in-memory store backing every engine
// repository. It is the dependency-free default and the backend the
// concurrency tests exercise.
//
// All mutations happen under one mutex with full validation up front, so
// every repository call is atomic: it either applies completely or leaves
// the store untouched.
package memory

import (
	"sync"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
	"github.com/gavelworks/auction-engine/internal/domain/coupon"
	"github.com/gavelworks/auction-engine/internal/domain/inventory"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/domain/settlement"
)

// Store holds all engine state in maps. Repositories are thin views over
// one Store so cross-entity operations (settlement) stay atomic. Values
// are deep-copied on the way in and out; callers never alias stored state.
type Store struct {
	mu sync.RWMutex

	listings      map[string]*listing.Listing
	bids          map[string]*bidding.Bid
	bidsByListing map[string][]string // bid IDs in sequence order
	reservations  map[string]*inventory.Reservation
	coupons       map[string]*coupon.Coupon // by normalized code
	orders        map[string]*settlement.Order
	orderByBid    map[string]string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		listings:      make(map[string]*listing.Listing),
		bids:          make(map[string]*bidding.Bid),
		bidsByListing: make(map[string][]string),
		reservations:  make(map[string]*inventory.Reservation),
		coupons:       make(map[string]*coupon.Coupon),
		orders:        make(map[string]*settlement.Order),
		orderByBid:    make(map[string]string),
	}
}

func cloneListing(l *listing.Listing) *listing.Listing {
	c := *l
	if l.AuctionEndsAt != nil {
		t := *l.AuctionEndsAt
		c.AuctionEndsAt = &t
	}
	if l.DeletedAt != nil {
		t := *l.DeletedAt
		c.DeletedAt = &t
	}
	c.History = append([]listing.StatusChange(nil), l.History...)
	return &c
}

func cloneBid(b *bidding.Bid) *bidding.Bid {
	c := *b
	return &c
}

func cloneReservation(r *inventory.Reservation) *inventory.Reservation {
	c := *r
	return &c
}

func cloneCoupon(c *coupon.Coupon) *coupon.Coupon {
	cp := *c
	cp.Products = append([]string(nil), c.Products...)
	return &cp
}

func cloneOrder(o *settlement.Order) *settlement.Order {
	c := *o
	c.Items = append([]settlement.LineItem(nil), o.Items...)
	c.History = append([]settlement.StatusChange(nil), o.History...)
	return &c
}
