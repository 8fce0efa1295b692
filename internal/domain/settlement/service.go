package settlement

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
	"github.com/gavelworks/auction-engine/internal/domain/coupon"
	"github.com/gavelworks/auction-engine/internal/domain/inventory"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/events"
	"github.com/gavelworks/auction-engine/internal/money"
	"github.com/gavelworks/auction-engine/internal/storage"
	"github.com/gavelworks/auction-engine/pkg/keymutex"
)

const conflictRetries = 3

// Config holds the pricing knobs applied at settlement time.
type Config struct {
	// TaxRateBP is the flat tax rate in basis points, applied to the
	// subtotal after discount.
	TaxRateBP int64
	// DefaultShipping is the flat per-order shipping charge used when no
	// listing in the order carries a per-item shipping cost.
	DefaultShipping money.Money
}

// CheckoutRequest is the input for settling a cart checkout. Every item of
// the cart must already be backed by a held reservation.
type CheckoutRequest struct {
	BuyerID         string
	ReservationIDs  []string
	ShippingAddress string
	PaymentMethod   string
	CouponCode      string // optional
}

// Service settles checkouts and auction wins into immutable orders.
//
// A settlement call is atomic: the order insert, the reservation commits,
// and the coupon usage increment land together or not at all; on any error
// the reservations stay held for retry.
type Service struct {
	listings     listing.Repository
	bids         bidding.Repository
	reservations inventory.Repository
	coupons      coupon.Repository
	orders       Repository
	locks        *keymutex.KeyMutex
	sink         events.Sink
	lg           *zap.Logger
	cfg          Config

	now func() time.Time
}

// NewService creates a settlement Service.
func NewService(
	listings listing.Repository,
	bids bidding.Repository,
	reservations inventory.Repository,
	coupons coupon.Repository,
	orders Repository,
	locks *keymutex.KeyMutex,
	sink events.Sink,
	lg *zap.Logger,
	cfg Config,
) *Service {
	return &Service{
		listings:     listings,
		bids:         bids,
		reservations: reservations,
		coupons:      coupons,
		orders:       orders,
		locks:        locks,
		sink:         sink,
		lg:           lg,
		cfg:          cfg,
		now:          time.Now,
	}
}

// SettleFromCheckout converts held reservations into an order.
//
// Prices are the reservation-time snapshots, never the listing's current
// price. ErrReservationExpired when any backing hold lapsed or was
// released — the caller must re-reserve and retry.
func (s *Service) SettleFromCheckout(ctx context.Context, req CheckoutRequest) (*Order, error) {
	if len(req.ReservationIDs) == 0 {
		return nil, ErrNoItems
	}

	var order *Order
	err := s.withRetry(func() error {
		var err error
		order, err = s.settleCheckout(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeOrderCreated, order.ID, events.OrderCreatedPayload{
		OrderID:    order.ID,
		BuyerID:    order.BuyerID,
		TotalUnits: order.Breakdown.Total.Units,
		Currency:   order.Breakdown.Total.Currency,
	})
	return order, nil
}

func (s *Service) settleCheckout(ctx context.Context, req CheckoutRequest) (*Order, error) {
	now := s.now().UTC()

	items := make([]LineItem, 0, len(req.ReservationIDs))
	productIDs := make([]string, 0, len(req.ReservationIDs))
	var (
		subtotal    money.Money
		shipping    money.Money
		perItemShip bool
		first       = true
	)

	for _, resID := range req.ReservationIDs {
		res, err := s.reservations.Get(ctx, resID)
		if err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return nil, errors.Wrapf(ErrReservationExpired, "reservation %s", resID)
			}
			return nil, errors.Wrap(err, "get reservation")
		}
		if res.Expired(now) {
			return nil, errors.Wrapf(ErrReservationExpired, "reservation %s", resID)
		}

		lst, err := s.listings.Get(ctx, res.ListingID)
		if err != nil {
			return nil, errors.Wrap(err, "get listing")
		}

		if first {
			subtotal = money.Zero(res.UnitPrice.Currency)
			shipping = money.Zero(res.UnitPrice.Currency)
			first = false
		}

		line := res.UnitPrice.MulInt(int64(res.Quantity))
		subtotal, err = subtotal.Add(line)
		if err != nil {
			return nil, err
		}
		if !lst.Shipping.IsZero() {
			perItemShip = true
			shipping, err = shipping.Add(lst.Shipping.MulInt(int64(res.Quantity)))
			if err != nil {
				return nil, err
			}
		}

		items = append(items, LineItem{
			ListingID: res.ListingID,
			Title:     lst.Title,
			Quantity:  res.Quantity,
			UnitPrice: res.UnitPrice,
		})
		productIDs = append(productIDs, res.ListingID)
	}

	if !perItemShip {
		shipping = money.New(s.cfg.DefaultShipping.Units, subtotal.Currency)
	}

	discount := money.Zero(subtotal.Currency)
	appliedCode := ""
	if req.CouponCode != "" {
		code := coupon.Normalize(req.CouponCode)
		c, err := s.coupons.FindByCode(ctx, code)
		if err != nil {
			return nil, errors.Wrapf(err, "coupon %s", code)
		}
		discount, err = coupon.Evaluate(c, subtotal, productIDs, now)
		if err != nil {
			return nil, errors.Wrapf(err, "coupon %s", code)
		}
		appliedCode = c.Code
	}

	breakdown, err := buildBreakdown(subtotal, discount, shipping, s.cfg.TaxRateBP)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:              uuid.NewString(),
		BuyerID:         req.BuyerID,
		Items:           items,
		Status:          OrderPending,
		Breakdown:       breakdown,
		CouponCode:      appliedCode,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		History:         []StatusChange{{Status: OrderPending, At: now, Note: "order created"}},
		CreatedAt:       now,
	}

	if err := s.orders.CreateSettled(ctx, order, req.ReservationIDs, appliedCode); err != nil {
		return nil, errors.Wrap(err, "settle order")
	}
	return order, nil
}

// SettleFromAuctionWin converts a won bid into a single-line-item order at
// the bid amount. Requires the bid won and the listing closed; idempotent
// via ErrAlreadySettled when an order already references the bid.
func (s *Service) SettleFromAuctionWin(ctx context.Context, bidID string) (*Order, error) {
	var order *Order
	err := s.withRetry(func() error {
		var err error
		order, err = s.settleAuctionWin(ctx, bidID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeOrderCreated, order.ID, events.OrderCreatedPayload{
		OrderID:    order.ID,
		BuyerID:    order.BuyerID,
		TotalUnits: order.Breakdown.Total.Units,
		Currency:   order.Breakdown.Total.Currency,
	})
	return order, nil
}

func (s *Service) settleAuctionWin(ctx context.Context, bidID string) (*Order, error) {
	bid, err := s.bids.Get(ctx, bidID)
	if err != nil {
		return nil, errors.Wrap(err, "get bid")
	}
	if bid.Status != bidding.BidWon {
		return nil, errors.Wrapf(ErrBidNotWon, "bid %s is %s", bidID, bid.Status)
	}

	if _, err := s.orders.ByBid(ctx, bidID); err == nil {
		return nil, ErrAlreadySettled
	} else if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "check existing order")
	}

	unlock := s.locks.Lock(bid.ListingID)
	defer unlock()

	lst, err := s.listings.Get(ctx, bid.ListingID)
	if err != nil {
		return nil, errors.Wrap(err, "get listing")
	}
	if lst.Status != listing.StatusClosed {
		return nil, errors.Wrapf(ErrListingNotClosed, "listing %s is %s", lst.ID, lst.Status)
	}

	now := s.now().UTC()
	shipping := lst.Shipping
	if shipping.IsZero() {
		shipping = money.New(s.cfg.DefaultShipping.Units, bid.Amount.Currency)
	}

	breakdown, err := buildBreakdown(bid.Amount, money.Zero(bid.Amount.Currency), shipping, s.cfg.TaxRateBP)
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:      uuid.NewString(),
		BuyerID: bid.BidderID,
		BidID:   bid.ID,
		Items: []LineItem{{
			ListingID: lst.ID,
			Title:     lst.Title,
			Quantity:  1,
			UnitPrice: bid.Amount,
		}},
		Status:    OrderPending,
		Breakdown: breakdown,
		History:   []StatusChange{{Status: OrderPending, At: now, Note: "auction win settled"}},
		CreatedAt: now,
	}

	// CreateSettled flips the listing to sold in the same atomic unit.
	if err := s.orders.CreateSettled(ctx, order, nil, ""); err != nil {
		return nil, errors.Wrap(err, "settle order")
	}
	return order, nil
}

// Advance applies an order status transition with an audit entry.
func (s *Service) Advance(ctx context.Context, orderID string, to OrderStatus, note string) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := o.Transition(to, s.now().UTC(), note); err != nil {
		return nil, err
	}
	if err := s.orders.UpdateStatus(ctx, o); err != nil {
		return nil, errors.Wrap(err, "update order status")
	}
	return o, nil
}

func buildBreakdown(subtotal, discount, shipping money.Money, taxBP int64) (Breakdown, error) {
	taxable, err := subtotal.Sub(discount)
	if err != nil {
		return Breakdown{}, err
	}
	taxable = taxable.ClampZero()
	tax := taxable.BasisPoints(taxBP)

	total, err := taxable.Add(tax)
	if err != nil {
		return Breakdown{}, err
	}
	total, err = total.Add(shipping)
	if err != nil {
		return Breakdown{}, err
	}

	return Breakdown{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Shipping: shipping,
		Total:    total.ClampZero(),
	}, nil
}

func (s *Service) withRetry(fn func() error) error {
	var err error
	for range conflictRetries {
		if err = fn(); !errors.Is(err, storage.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Service) publish(ctx context.Context, eventType, key string, payload any) {
	if err := s.sink.Publish(ctx, eventType, key, payload); err != nil {
		s.lg.Warn("publish event failed",
			zap.String("type", eventType),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
