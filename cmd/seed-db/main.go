// Command seed-db loads a set of listings and coupons for local runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gavelworks/auction-engine/internal/domain/coupon"
	"github.com/gavelworks/auction-engine/internal/storage/postgres"
)

const (
	upsertListingSQL = `INSERT INTO listings (id, seller_id, title, price, shipping, currency,
		is_auction, auction_ends_at, status, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			shipping = EXCLUDED.shipping,
			quantity = EXCLUDED.quantity,
			auction_ends_at = EXCLUDED.auction_ends_at,
			updated_at = now()`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_type, percent, amount, max_discount,
		min_purchase, usage_cap, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			percent = EXCLUDED.percent,
			amount = EXCLUDED.amount,
			max_discount = EXCLUDED.max_discount,
			min_purchase = EXCLUDED.min_purchase,
			usage_cap = EXCLUDED.usage_cap,
			description = EXCLUDED.description`
)

type listingJSON struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"seller_id"`
	Title           string          `json:"title"`
	Price           decimal.Decimal `json:"price"`
	Shipping        decimal.Decimal `json:"shipping"`
	Currency        string          `json:"currency"`
	IsAuction       bool            `json:"is_auction"`
	AuctionDuration string          `json:"auction_duration,omitempty"`
	Quantity        int             `json:"quantity"`
}

type couponSeed struct {
	code        string
	kind        coupon.DiscountType
	percent     int64
	amount      decimal.Decimal
	maxDiscount decimal.Decimal
	minPurchase decimal.Decimal
	usageCap    int64
	description string
}

var couponSeeds = []couponSeed{
	{
		code: "SAVE10", kind: coupon.DiscountPercentage, percent: 10,
		minPurchase: decimal.NewFromInt(20),
		description: "10% off orders over $20",
	},
	{
		code: "HAPPYHRS", kind: coupon.DiscountPercentage, percent: 18,
		maxDiscount: decimal.NewFromInt(50),
		description: "Happy Hours: 18% off, up to $50",
	},
	{
		code: "FIVEBUCKS", kind: coupon.DiscountFixed,
		amount: decimal.NewFromInt(5), usageCap: 1000,
		description: "$5 off your order",
	},
}

func main() {
	var (
		databaseURL  string
		listingsFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&listingsFile, "listings-file", "db/seed/listings.json", "path to listings JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, listingsFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, listingsFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedListings(ctx, pool, listingsFile); err != nil {
		return errors.Wrap(err, "seed listings")
	}

	if err := seedCoupons(ctx, pool); err != nil {
		return errors.Wrap(err, "seed coupons")
	}

	return nil
}

func seedListings(ctx context.Context, pool *pgxpool.Pool, listingsFile string) error {
	slog.Info("reading listings file", slog.String("path", listingsFile))

	data, err := os.ReadFile(listingsFile)
	if err != nil {
		return errors.Wrap(err, "read listings file")
	}

	var listings []listingJSON
	if err := json.Unmarshal(data, &listings); err != nil {
		return errors.Wrap(err, "parse listings JSON")
	}

	slog.Info("upserting listings", slog.Int("count", len(listings)))

	now := time.Now().UTC()
	for _, l := range listings {
		currency := l.Currency
		if currency == "" {
			currency = "USD"
		}

		var endsAt *time.Time
		if l.IsAuction {
			dur := 24 * time.Hour
			if l.AuctionDuration != "" {
				dur, err = time.ParseDuration(l.AuctionDuration)
				if err != nil {
					return errors.Wrapf(err, "parse auction duration for %s", l.ID)
				}
			}
			t := now.Add(dur)
			endsAt = &t
		}

		_, err := pool.Exec(ctx, upsertListingSQL,
			l.ID, l.SellerID, l.Title, l.Price, l.Shipping, currency,
			l.IsAuction, endsAt, l.Quantity,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert listing %s", l.ID)
		}

		slog.Info("upserted listing", slog.String("id", l.ID), slog.String("title", l.Title))
	}

	return nil
}

func seedCoupons(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info("seeding coupons")

	for _, c := range couponSeeds {
		_, err := pool.Exec(ctx, upsertCouponSQL,
			coupon.Normalize(c.code), string(c.kind), c.percent,
			c.amount, c.maxDiscount, c.minPurchase, c.usageCap, c.description,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert coupon %s", c.code)
		}

		slog.Info("upserted coupon", slog.String("code", c.code), slog.String("description", c.description))
	}

	return nil
}
