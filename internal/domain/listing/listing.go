// Package listing holds the sellable-item model and its guarded lifecycle.
package listing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/money"
)

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
)

// Sentinel errors for listing lookups and guards.
var (
	ErrNotFound   = errors.New("listing not found")
	ErrNoQuantity = errors.New("listing has no quantity")
	ErrEndsInPast = errors.New("auction end time is in the past")
	ErrNotAuction = errors.New("listing is not an auction")
)

// InvalidTransitionError indicates a state-machine transition that the
// guards forbid.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid listing transition %s -> %s", e.From, e.To)
}

// StatusChange is one audited lifecycle transition.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

// Listing is a sellable item: a single-unit auction or a fixed-price stock
// of Quantity units. Price is the starting price for auctions and the sale
// price for fixed-price listings. Listings are soft-deleted only, so order
// line items keep a valid reference.
type Listing struct {
	ID            string
	SellerID      string
	Title         string
	Price         money.Money
	Shipping      money.Money // per-item shipping cost; zero means use the default
	IsAuction     bool
	AuctionEndsAt *time.Time
	Status        Status
	Quantity      int // total units ever offered
	Sold          int // units permanently decremented by committed orders
	History       []StatusChange
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// Remaining returns units not yet sold. Active reservations are tracked
// separately by the inventory service and are not subtracted here.
func (l *Listing) Remaining() int {
	return l.Quantity - l.Sold
}

// Ended reports whether an auction listing is past its end time.
func (l *Listing) Ended(now time.Time) bool {
	return l.IsAuction && l.AuctionEndsAt != nil && now.After(*l.AuctionEndsAt)
}

// Activate transitions draft -> active. Requires quantity > 0 and, for
// auctions, an end time in the future.
func (l *Listing) Activate(now time.Time) error {
	if l.Status != StatusDraft {
		return &InvalidTransitionError{From: l.Status, To: StatusActive}
	}
	if l.Quantity <= 0 {
		return ErrNoQuantity
	}
	if l.IsAuction {
		if l.AuctionEndsAt == nil || !l.AuctionEndsAt.After(now) {
			return ErrEndsInPast
		}
	}
	l.transition(StatusActive, now, "")
	return nil
}

// Close transitions an active auction to closed. Fixed-price listings never
// close; they sell out or get cancelled.
func (l *Listing) Close(now time.Time, note string) error {
	if !l.IsAuction {
		return ErrNotAuction
	}
	if l.Status != StatusActive {
		return &InvalidTransitionError{From: l.Status, To: StatusClosed}
	}
	l.transition(StatusClosed, now, note)
	return nil
}

// MarkSold transitions active (fixed-price sold out) or closed (auction
// winner settled) to sold.
func (l *Listing) MarkSold(now time.Time) error {
	if l.Status != StatusActive && l.Status != StatusClosed {
		return &InvalidTransitionError{From: l.Status, To: StatusSold}
	}
	l.transition(StatusSold, now, "")
	return nil
}

// Cancel transitions draft, active, or closed-without-order to cancelled.
// hasOrder guards a closed auction whose winner already settled.
func (l *Listing) Cancel(now time.Time, note string, hasOrder bool) error {
	switch l.Status {
	case StatusDraft, StatusActive:
	case StatusClosed:
		if hasOrder {
			return &InvalidTransitionError{From: l.Status, To: StatusCancelled}
		}
	default:
		return &InvalidTransitionError{From: l.Status, To: StatusCancelled}
	}
	l.transition(StatusCancelled, now, note)
	return nil
}

func (l *Listing) transition(to Status, now time.Time, note string) {
	l.Status = to
	l.UpdatedAt = now
	l.History = append(l.History, StatusChange{Status: to, At: now, Note: note})
}

// Repository defines persistence operations for listings.
type Repository interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	// EndedAuctionIDs returns active auction listings whose end time has
	// passed. Consumed by the closer worker.
	EndedAuctionIDs(ctx context.Context, now time.Time) ([]string, error)
	// EndingWithin returns active auction listings ending inside the lead
	// window, for closing-soon notifications.
	EndingWithin(ctx context.Context, now time.Time, lead time.Duration) ([]*Listing, error)
}
