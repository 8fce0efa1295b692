package coupon

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/money"
)

// Evaluate computes the discount the coupon grants for a cart.
//
// It is a pure function: it never mutates the coupon and never touches
// storage. Incrementing UsedCount is the settlement transaction's job,
// atomic with order creation. The result is always within [0, cartTotal].
func Evaluate(c *Coupon, cartTotal money.Money, productIDs []string, now time.Time) (money.Money, error) {
	// Zero bounds mean no restriction on that side.
	if !c.StartsAt.IsZero() && now.Before(c.StartsAt) {
		return money.Money{}, ErrExpired
	}
	if !c.EndsAt.IsZero() && now.After(c.EndsAt) {
		return money.Money{}, ErrExpired
	}
	if c.UsageCap > 0 && c.UsedCount >= c.UsageCap {
		return money.Money{}, ErrUsageLimitReached
	}
	if !c.MinPurchase.IsZero() && cartTotal.Cmp(c.MinPurchase) < 0 {
		return money.Money{}, ErrMinimumNotMet
	}
	if len(c.Products) > 0 && !intersects(c.Products, productIDs) {
		return money.Money{}, ErrNotApplicable
	}

	var discount money.Money
	switch c.Type {
	case DiscountPercentage:
		discount = cartTotal.Percent(c.Percent)
		if !c.MaxDiscount.IsZero() {
			discount = money.Min(discount, c.MaxDiscount)
		}
	case DiscountFixed:
		// A coupon without a currency takes the cart's; a mismatched one
		// is never silently converted.
		if c.Amount.Currency != "" && c.Amount.Currency != cartTotal.Currency {
			return money.Money{}, errors.Wrapf(money.ErrCurrencyMismatch,
				"coupon in %s, cart in %s", c.Amount.Currency, cartTotal.Currency)
		}
		discount = money.New(c.Amount.Units, cartTotal.Currency)
	default:
		return money.Money{}, errors.Errorf("unsupported discount type: %q", c.Type)
	}

	// Never negative, never more than the cart is worth.
	discount = money.Min(discount.ClampZero(), cartTotal)
	return discount, nil
}

func intersects(restricted, cart []string) bool {
	set := make(map[string]struct{}, len(restricted))
	for _, id := range restricted {
		set[id] = struct{}{}
	}
	for _, id := range cart {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
