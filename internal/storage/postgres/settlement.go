package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gavelworks/auction-engine/internal/domain/coupon"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/domain/settlement"
	"github.com/gavelworks/auction-engine/internal/money"
)

const (
	insertOrderSQL = `INSERT INTO orders (id, buyer_id, bid_id, items, status,
		subtotal, discount, tax, shipping, total, currency,
		coupon_code, shipping_address, payment_method, history, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	lockReservationSQL = `SELECT listing_id, quantity, expires_at
		FROM reservations WHERE id = $1 FOR UPDATE`

	commitListingStockSQL = `UPDATE listings
		SET sold = sold + $2,
			status = CASE WHEN quantity - (sold + $2) <= 0 AND status = 'active' THEN 'sold' ELSE status END,
			updated_at = $3
		WHERE id = $1`

	dropReservationSQL = `DELETE FROM reservations WHERE id = $1`

	markListingSoldSQL = `UPDATE listings
		SET sold = quantity, status = 'sold',
			history = history || $2::jsonb,
			updated_at = $3
		WHERE id = $1 AND status = 'closed'`

	bumpCouponUsageSQL = `UPDATE coupons SET used_count = used_count + 1
		WHERE code = $1 AND (usage_cap = 0 OR used_count < usage_cap)`

	couponExistsSQL = `SELECT EXISTS (SELECT 1 FROM coupons WHERE code = $1)`

	getOrderSQL = `SELECT id, buyer_id, bid_id, items, status,
		subtotal, discount, tax, shipping, total, currency,
		coupon_code, shipping_address, payment_method, history, created_at
		FROM orders WHERE id = $1`

	getOrderByBidSQL = `SELECT id, buyer_id, bid_id, items, status,
		subtotal, discount, tax, shipping, total, currency,
		coupon_code, shipping_address, payment_method, history, created_at
		FROM orders WHERE bid_id = $1`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, history = $3 WHERE id = $1`
)

var _ settlement.Repository = (*OrderRepository)(nil)

// OrderRepository implements settlement.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// CreateSettled persists the order, commits its reservations, bumps the
// coupon usage count, and for an auction order marks the listing sold, all
// in one transaction. The unique bid_id constraint turns a double auction
// settlement into settlement.ErrAlreadySettled.
func (r *OrderRepository) CreateSettled(ctx context.Context, o *settlement.Order, reservationIDs []string, couponCode string) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	historyJSON, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("marshaling order history: %w", err)
	}

	var bidID *string
	if o.BidID != "" {
		bidID = &o.BidID
	}

	err = inTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, o.BuyerID, bidID, itemsJSON, string(o.Status),
			o.Breakdown.Subtotal.Decimal(), o.Breakdown.Discount.Decimal(),
			o.Breakdown.Tax.Decimal(), o.Breakdown.Shipping.Decimal(),
			o.Breakdown.Total.Decimal(), o.Breakdown.Total.Currency,
			o.CouponCode, o.ShippingAddress, o.PaymentMethod, historyJSON, o.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) && o.BidID != "" {
				return errors.Wrapf(settlement.ErrAlreadySettled, "bid %s", o.BidID)
			}
			return err
		}

		for _, id := range reservationIDs {
			if err := commitReservation(ctx, tx, id, o.CreatedAt); err != nil {
				return err
			}
		}

		if o.BidID != "" {
			if err := markListingSold(ctx, tx, o.Items[0].ListingID, o.CreatedAt); err != nil {
				return err
			}
		}

		if couponCode != "" {
			if err := bumpCouponUsage(ctx, tx, coupon.Normalize(couponCode)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("settling order %q: %w", o.ID, err)
	}
	return nil
}

// commitReservation converts one hold into a permanent stock decrement
// inside the settlement transaction.
func commitReservation(ctx context.Context, tx pgx.Tx, id string, now time.Time) error {
	var (
		listingID string
		quantity  int
		expiresAt time.Time
	)
	err := tx.QueryRow(ctx, lockReservationSQL, id).Scan(&listingID, &quantity, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(settlement.ErrReservationExpired, "reservation %s", id)
		}
		return err
	}
	if !expiresAt.After(now) {
		return errors.Wrapf(settlement.ErrReservationExpired, "reservation %s", id)
	}

	if _, err := tx.Exec(ctx, commitListingStockSQL, listingID, quantity, now); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, dropReservationSQL, id)
	return err
}

// markListingSold flips the closed auction listing to sold inside the
// settlement transaction, so an order and its listing status land together.
func markListingSold(ctx context.Context, tx pgx.Tx, listingID string, now time.Time) error {
	entry, err := json.Marshal([]listing.StatusChange{{Status: listing.StatusSold, At: now}})
	if err != nil {
		return fmt.Errorf("marshaling status change: %w", err)
	}

	tag, err := tx.Exec(ctx, markListingSoldSQL, listingID, entry, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(settlement.ErrListingNotClosed, "listing %s", listingID)
	}
	return nil
}

// bumpCouponUsage increments the usage counter, honoring the cap.
func bumpCouponUsage(ctx context.Context, tx pgx.Tx, code string) error {
	tag, err := tx.Exec(ctx, bumpCouponUsageSQL, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, couponExistsSQL, code).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(coupon.ErrNotFound, "code %s", code)
	}
	return errors.Wrapf(coupon.ErrUsageLimitReached, "code %s", code)
}

// Get returns an order by ID.
func (r *OrderRepository) Get(ctx context.Context, id string) (*settlement.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(settlement.ErrNotFound, "id %s", id)
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return o, nil
}

// ByBid returns the order settled from the given bid.
func (r *OrderRepository) ByBid(ctx context.Context, bidID string) (*settlement.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderByBidSQL, bidID)
	if err != nil {
		return nil, fmt.Errorf("getting order by bid %q: %w", bidID, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(settlement.ErrNotFound, "bid %s", bidID)
		}
		return nil, fmt.Errorf("getting order by bid %q: %w", bidID, err)
	}
	return o, nil
}

// UpdateStatus persists a status transition and its history entry.
func (r *OrderRepository) UpdateStatus(ctx context.Context, o *settlement.Order) error {
	historyJSON, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("marshaling order history: %w", err)
	}

	tag, err := r.pool.Exec(ctx, updateOrderStatusSQL, o.ID, string(o.Status), historyJSON)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(settlement.ErrNotFound, "id %s", o.ID)
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (*settlement.Order, error) {
	var (
		o           settlement.Order
		bidID       *string
		itemsJSON   []byte
		status      string
		subtotal    decimal.Decimal
		discount    decimal.Decimal
		tax         decimal.Decimal
		shipping    decimal.Decimal
		total       decimal.Decimal
		currency    string
		historyJSON []byte
	)
	err := row.Scan(
		&o.ID, &o.BuyerID, &bidID, &itemsJSON, &status,
		&subtotal, &discount, &tax, &shipping, &total, &currency,
		&o.CouponCode, &o.ShippingAddress, &o.PaymentMethod, &historyJSON, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if bidID != nil {
		o.BidID = *bidID
	}
	o.Status = settlement.OrderStatus(status)
	o.Breakdown = settlement.Breakdown{
		Subtotal: money.FromDecimal(subtotal, currency),
		Discount: money.FromDecimal(discount, currency),
		Tax:      money.FromDecimal(tax, currency),
		Shipping: money.FromDecimal(shipping, currency),
		Total:    money.FromDecimal(total, currency),
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &o.History); err != nil {
		return nil, fmt.Errorf("unmarshaling order history: %w", err)
	}
	return &o, nil
}
