// Package inventory tracks available-versus-reserved stock for fixed-price
// listings, preventing oversell.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/money"
)

// Sentinel errors for reservation operations.
var (
	ErrNotFound         = errors.New("reservation not found")
	ErrExpired          = errors.New("reservation has expired")
	ErrListingNotActive = errors.New("listing is not accepting reservations")
)

// InsufficientStockError rejects a reservation that would oversell.
type InsufficientStockError struct {
	ListingID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for listing %s: requested %d, available %d",
		e.ListingID, e.Requested, e.Available)
}

// Reservation is a temporary hold on listing stock pending checkout.
// UnitPrice snapshots the listing price at reservation time; settlement
// never re-prices.
type Reservation struct {
	ID        string
	ListingID string
	HolderID  string // cart or checkout-session reference
	Quantity  int
	UnitPrice money.Money
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the hold has lapsed at the given instant. A hold
// is live strictly before ExpiresAt; at the deadline itself it is lapsed,
// matching the expires_at comparisons in SQL.
func (r *Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Repository defines persistence for reservations.
type Repository interface {
	// Create persists a hold after re-checking available stock against
	// the listing row in the same atomic unit, so the no-oversell
	// guarantee holds across processes sharing one store. Returns
	// InsufficientStockError when the listing cannot cover the quantity.
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id string) (*Reservation, error)
	// ByListing returns every reservation held against a listing,
	// expired ones included; eligibility is the caller's judgment.
	ByListing(ctx context.Context, listingID string) ([]*Reservation, error)
	Delete(ctx context.Context, id string) error
	// ExpiredBefore returns reservations whose expiry precedes now.
	ExpiredBefore(ctx context.Context, now time.Time) ([]*Reservation, error)
}
