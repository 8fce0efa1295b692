package coupon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelworks/auction-engine/internal/money"
)

var evalNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func validWindow() (time.Time, time.Time) {
	return evalNow.Add(-24 * time.Hour), evalNow.Add(24 * time.Hour)
}

func usd(units int64) money.Money { return money.New(units, "USD") }

func TestEvaluate(t *testing.T) {
	starts, ends := validWindow()

	tests := []struct {
		name       string
		coupon     Coupon
		cartTotal  money.Money
		productIDs []string
		now        time.Time
		want       money.Money
		wantErr    error
	}{
		{
			name: "SAVE10 on $50 cart yields $5.00",
			coupon: Coupon{
				Code: "SAVE10", Type: DiscountPercentage, Percent: 10,
				StartsAt: starts, EndsAt: ends,
				MinPurchase: usd(2000),
			},
			cartTotal: usd(5000),
			now:       evalNow,
			want:      usd(500),
		},
		{
			name: "SAVE10 on $15 cart fails minimum",
			coupon: Coupon{
				Code: "SAVE10", Type: DiscountPercentage, Percent: 10,
				StartsAt: starts, EndsAt: ends,
				MinPurchase: usd(2000),
			},
			cartTotal: usd(1500),
			now:       evalNow,
			wantErr:   ErrMinimumNotMet,
		},
		{
			name: "percentage capped by max discount",
			coupon: Coupon{
				Code: "HALF", Type: DiscountPercentage, Percent: 50,
				StartsAt: starts, EndsAt: ends,
				MaxDiscount: usd(1000),
			},
			cartTotal: usd(10000),
			now:       evalNow,
			want:      usd(1000),
		},
		{
			name: "fixed discount capped at cart total",
			coupon: Coupon{
				Code: "BIG", Type: DiscountFixed, Amount: usd(2000),
				StartsAt: starts, EndsAt: ends,
			},
			cartTotal: usd(1200),
			now:       evalNow,
			want:      usd(1200),
		},
		{
			name: "fixed discount below cart total applies fully",
			coupon: Coupon{
				Code: "NINE", Type: DiscountFixed, Amount: usd(900),
				StartsAt: starts, EndsAt: ends,
			},
			cartTotal: usd(5000),
			now:       evalNow,
			want:      usd(900),
		},
		{
			name: "fixed discount in a foreign currency rejected",
			coupon: Coupon{
				Code: "EUROS", Type: DiscountFixed, Amount: money.New(500, "EUR"),
				StartsAt: starts, EndsAt: ends,
			},
			cartTotal: usd(5000),
			now:       evalNow,
			wantErr:   money.ErrCurrencyMismatch,
		},
		{
			name: "open-ended window always valid",
			coupon: Coupon{
				Code: "EVERGREEN", Type: DiscountPercentage, Percent: 10,
			},
			cartTotal: usd(5000),
			now:       evalNow,
			want:      usd(500),
		},
		{
			name: "not yet started",
			coupon: Coupon{
				Code: "SOON", Type: DiscountFixed, Amount: usd(100),
				StartsAt: evalNow.Add(time.Hour), EndsAt: ends,
			},
			cartTotal: usd(5000),
			now:       evalNow,
			wantErr:   ErrExpired,
		},
		{
			name: "past end date",
			coupon: Coupon{
				Code: "GONE", Type: DiscountFixed, Amount: usd(100),
				StartsAt: starts, EndsAt: evalNow.Add(-time.Hour),
			},
			cartTotal: usd(5000),
			now:       evalNow,
			wantErr:   ErrExpired,
		},
		{
			name: "usage cap reached",
			coupon: Coupon{
				Code: "CAPPED", Type: DiscountPercentage, Percent: 10,
				StartsAt: starts, EndsAt: ends,
				UsageCap: 5, UsedCount: 5,
			},
			cartTotal: usd(5000),
			now:       evalNow,
			wantErr:   ErrUsageLimitReached,
		},
		{
			name: "usage below cap succeeds",
			coupon: Coupon{
				Code: "CAPPED", Type: DiscountPercentage, Percent: 10,
				StartsAt: starts, EndsAt: ends,
				UsageCap: 5, UsedCount: 4,
			},
			cartTotal: usd(5000),
			now:       evalNow,
			want:      usd(500),
		},
		{
			name: "restricted set with no overlap",
			coupon: Coupon{
				Code: "BOOKS", Type: DiscountPercentage, Percent: 10,
				StartsAt: starts, EndsAt: ends,
				Products: []string{"p1", "p2"},
			},
			cartTotal:  usd(5000),
			productIDs: []string{"p3", "p4"},
			now:        evalNow,
			wantErr:    ErrNotApplicable,
		},
		{
			name: "restricted set with overlap",
			coupon: Coupon{
				Code: "BOOKS", Type: DiscountPercentage, Percent: 10,
				StartsAt: starts, EndsAt: ends,
				Products: []string{"p1", "p2"},
			},
			cartTotal:  usd(5000),
			productIDs: []string{"p2", "p9"},
			now:        evalNow,
			want:       usd(500),
		},
		{
			name: "100 percent never exceeds cart total",
			coupon: Coupon{
				Code: "FREE", Type: DiscountPercentage, Percent: 100,
				StartsAt: starts, EndsAt: ends,
			},
			cartTotal: usd(777),
			now:       evalNow,
			want:      usd(777),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(&tt.coupon, tt.cartTotal, tt.productIDs, tt.now)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// 0 <= discount <= cartTotal holds for every accepted coupon.
			assert.False(t, got.IsNegative())
			assert.LessOrEqual(t, got.Units, tt.cartTotal.Units)
		})
	}
}

func TestEvaluateUnknownType(t *testing.T) {
	starts, ends := validWindow()
	c := Coupon{Code: "ODD", Type: "bogo", StartsAt: starts, EndsAt: ends}

	_, err := Evaluate(&c, usd(1000), nil, evalNow)
	require.Error(t, err)
}

func TestEvaluateIsPure(t *testing.T) {
	starts, ends := validWindow()
	c := Coupon{
		Code: "PURE", Type: DiscountPercentage, Percent: 10,
		StartsAt: starts, EndsAt: ends, UsageCap: 10, UsedCount: 3,
	}
	before := c

	_, err := Evaluate(&c, usd(5000), []string{"p1"}, evalNow)
	require.NoError(t, err)
	assert.Equal(t, before, c)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "SAVE10", Normalize("  save10 "))
	assert.Equal(t, "SAVE10", Normalize("Save10"))
}
