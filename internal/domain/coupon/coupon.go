// Package coupon defines coupon rules and the pure discount evaluator.
package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/money"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the cart total.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the cart total.
	DiscountFixed DiscountType = "fixed"
)

// Evaluation errors, surfaced directly to the caller with the specific reason.
var (
	ErrNotFound          = errors.New("coupon not found")
	ErrExpired           = errors.New("coupon is outside its validity window")
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	ErrMinimumNotMet     = errors.New("cart total below coupon minimum purchase")
	ErrNotApplicable     = errors.New("coupon does not apply to any cart product")
)

// Coupon is a discount rule. Codes are matched case-insensitively and
// stored normalized (upper case).
type Coupon struct {
	Code        string
	Type        DiscountType
	Percent     int64       // percentage value when Type is DiscountPercentage
	Amount      money.Money // flat discount when Type is DiscountFixed
	MaxDiscount money.Money // optional cap for percentage coupons; zero means uncapped
	StartsAt    time.Time
	EndsAt      time.Time
	UsageCap    int64 // 0 means unlimited
	UsedCount   int64
	MinPurchase money.Money
	Products    []string // restricted product set; empty means any product
	Description string
}

// Normalize returns the canonical (upper-case, trimmed) form of a code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository provides lookup of coupons by their normalized code.
// Usage-count increments happen inside the settlement transaction, not here.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	Create(ctx context.Context, c *Coupon) error
}
