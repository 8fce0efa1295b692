// Package settlement converts a won auction or a committed checkout into an
// immutable order record with a full price breakdown.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/money"
)

// OrderStatus is the fulfillment state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderRefunded   OrderStatus = "refunded"
)

// Sentinel errors for settlement.
var (
	ErrNotFound           = errors.New("order not found")
	ErrNoItems            = errors.New("checkout has no reservations")
	ErrAlreadySettled     = errors.New("bid is already settled into an order")
	ErrBidNotWon          = errors.New("bid has not won its auction")
	ErrListingNotClosed   = errors.New("auction listing is not closed")
	ErrReservationExpired = errors.New("a checkout reservation has expired")
)

// InvalidStatusError indicates a forbidden order status transition.
type InvalidStatusError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}

// LineItem is a snapshot of one purchased position, fixed at settlement
// time regardless of later catalog changes.
type LineItem struct {
	ListingID string      `json:"listing_id"`
	Title     string      `json:"title"`
	Quantity  int         `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
}

// Breakdown is the order's price decomposition. Total is always
// subtotal - discount + tax + shipping, floored at zero.
type Breakdown struct {
	Subtotal money.Money `json:"subtotal"`
	Discount money.Money `json:"discount"`
	Tax      money.Money `json:"tax"`
	Shipping money.Money `json:"shipping"`
	Total    money.Money `json:"total"`
}

// StatusChange is one audited order status transition.
type StatusChange struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
	Note   string      `json:"note,omitempty"`
}

// Order is the immutable settlement record. Line items and breakdown never
// change after creation; subsequent mutations are status transitions only.
type Order struct {
	ID              string
	BuyerID         string
	BidID           string // set when settled from an auction win
	Items           []LineItem
	Status          OrderStatus
	Breakdown       Breakdown
	CouponCode      string
	ShippingAddress string
	PaymentMethod   string
	History         []StatusChange
	CreatedAt       time.Time
}

// statusGraph enumerates the allowed order transitions.
var statusGraph = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  {OrderShipped, OrderCancelled, OrderRefunded},
	OrderShipped:    {OrderDelivered, OrderRefunded},
	OrderDelivered:  {OrderRefunded},
}

// Transition moves the order to a new status, appending to the audit
// history. Returns InvalidStatusError for forbidden moves.
func (o *Order) Transition(to OrderStatus, now time.Time, note string) error {
	for _, allowed := range statusGraph[o.Status] {
		if allowed == to {
			o.Status = to
			o.History = append(o.History, StatusChange{Status: to, At: now, Note: note})
			return nil
		}
	}
	return &InvalidStatusError{From: o.Status, To: to}
}

// Repository defines persistence for orders.
type Repository interface {
	// CreateSettled persists the order, commits the given reservations
	// (permanent stock decrement + hold removal), increments the coupon's
	// usage count, and for an auction order (BidID set) marks the listing
	// sold, all in one atomic unit. Either everything lands or the store
	// is untouched.
	CreateSettled(ctx context.Context, o *Order, reservationIDs []string, couponCode string) error
	Get(ctx context.Context, id string) (*Order, error)
	// ByBid returns the order settled from a bid, ErrNotFound when none.
	ByBid(ctx context.Context, bidID string) (*Order, error)
	// UpdateStatus persists a status transition and its history entry.
	UpdateStatus(ctx context.Context, o *Order) error
}
