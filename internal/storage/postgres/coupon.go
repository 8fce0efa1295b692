package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gavelworks/auction-engine/internal/domain/coupon"
	"github.com/gavelworks/auction-engine/internal/money"
)

const (
	getCouponByCodeSQL = `SELECT code, discount_type, percent, amount, max_discount, currency,
		starts_at, ends_at, usage_cap, used_count, min_purchase, products, description
		FROM coupons WHERE code = $1`

	createCouponSQL = `INSERT INTO coupons (code, discount_type, percent, amount, max_discount, currency,
		starts_at, ends_at, usage_cap, used_count, min_purchase, products, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its normalized code.
// Returns coupon.ErrNotFound when no such coupon exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, coupon.Normalize(code))
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(coupon.ErrNotFound, "code %s", code)
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return c, nil
}

// Create persists a coupon under its normalized code.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	var startsAt, endsAt *time.Time
	if !c.StartsAt.IsZero() {
		startsAt = &c.StartsAt
	}
	if !c.EndsAt.IsZero() {
		endsAt = &c.EndsAt
	}

	currency := c.Amount.Currency
	if currency == "" {
		currency = "USD"
	}

	_, err := r.pool.Exec(ctx, createCouponSQL,
		coupon.Normalize(c.Code), string(c.Type), c.Percent,
		c.Amount.Decimal(), c.MaxDiscount.Decimal(), currency,
		startsAt, endsAt, c.UsageCap, c.UsedCount,
		c.MinPurchase.Decimal(), c.Products, c.Description,
	)
	if err != nil {
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (*coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		amount       decimal.Decimal
		maxDiscount  decimal.Decimal
		minPurchase  decimal.Decimal
		currency     string
		startsAt     *time.Time
		endsAt       *time.Time
	)
	err := row.Scan(
		&c.Code, &discountType, &c.Percent, &amount, &maxDiscount, &currency,
		&startsAt, &endsAt, &c.UsageCap, &c.UsedCount, &minPurchase,
		&c.Products, &c.Description,
	)
	if err != nil {
		return nil, err
	}

	c.Type = coupon.DiscountType(discountType)
	c.Amount = money.FromDecimal(amount, currency)
	c.MaxDiscount = money.FromDecimal(maxDiscount, currency)
	c.MinPurchase = money.FromDecimal(minPurchase, currency)
	if startsAt != nil {
		c.StartsAt = *startsAt
	}
	if endsAt != nil {
		c.EndsAt = *endsAt
	}
	return &c, nil
}
