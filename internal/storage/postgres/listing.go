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

	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/money"
)

const (
	createListingSQL = `INSERT INTO listings (id, seller_id, title, price, shipping, currency,
		is_auction, auction_ends_at, status, quantity, sold, history, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	getListingSQL = `SELECT id, seller_id, title, price, shipping, currency,
		is_auction, auction_ends_at, status, quantity, sold, history, created_at, updated_at, deleted_at
		FROM listings WHERE id = $1`

	updateListingSQL = `UPDATE listings SET title = $2, price = $3, shipping = $4, currency = $5,
		auction_ends_at = $6, status = $7, quantity = $8, sold = $9, history = $10,
		updated_at = $11, deleted_at = $12
		WHERE id = $1`

	endedAuctionIDsSQL = `SELECT id FROM listings
		WHERE is_auction AND status = 'active' AND auction_ends_at <= $1
		ORDER BY auction_ends_at`

	endingWithinSQL = `SELECT id, seller_id, title, price, shipping, currency,
		is_auction, auction_ends_at, status, quantity, sold, history, created_at, updated_at, deleted_at
		FROM listings
		WHERE is_auction AND status = 'active' AND auction_ends_at > $1 AND auction_ends_at <= $2
		ORDER BY auction_ends_at`
)

var _ listing.Repository = (*ListingRepository)(nil)

// ListingRepository implements listing.Repository backed by PostgreSQL.
type ListingRepository struct {
	pool *pgxpool.Pool
}

// NewListingRepository returns a ListingRepository that uses the given pool.
func NewListingRepository(pool *pgxpool.Pool) *ListingRepository {
	return &ListingRepository{pool: pool}
}

// Create persists a new listing.
func (r *ListingRepository) Create(ctx context.Context, l *listing.Listing) error {
	historyJSON, err := json.Marshal(l.History)
	if err != nil {
		return fmt.Errorf("marshaling listing history: %w", err)
	}

	_, err = r.pool.Exec(ctx, createListingSQL,
		l.ID, l.SellerID, l.Title, l.Price.Decimal(), l.Shipping.Decimal(), l.Price.Currency,
		l.IsAuction, l.AuctionEndsAt, string(l.Status), l.Quantity, l.Sold, historyJSON,
		l.CreatedAt, l.UpdatedAt, l.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("creating listing %q: %w", l.ID, err)
	}
	return nil
}

// Get returns a listing by ID, soft-deleted ones included so order line
// items keep resolving.
func (r *ListingRepository) Get(ctx context.Context, id string) (*listing.Listing, error) {
	rows, err := r.pool.Query(ctx, getListingSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting listing %q: %w", id, err)
	}

	l, err := pgx.CollectExactlyOneRow(rows, scanListing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(listing.ErrNotFound, "id %s", id)
		}
		return nil, fmt.Errorf("getting listing %q: %w", id, err)
	}
	return l, nil
}

// Update replaces the mutable columns of a stored listing.
func (r *ListingRepository) Update(ctx context.Context, l *listing.Listing) error {
	historyJSON, err := json.Marshal(l.History)
	if err != nil {
		return fmt.Errorf("marshaling listing history: %w", err)
	}

	tag, err := r.pool.Exec(ctx, updateListingSQL,
		l.ID, l.Title, l.Price.Decimal(), l.Shipping.Decimal(), l.Price.Currency,
		l.AuctionEndsAt, string(l.Status), l.Quantity, l.Sold, historyJSON,
		l.UpdatedAt, l.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("updating listing %q: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(listing.ErrNotFound, "id %s", l.ID)
	}
	return nil
}

// EndedAuctionIDs returns active auctions past their end time.
func (r *ListingRepository) EndedAuctionIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, endedAuctionIDsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing ended auctions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing ended auctions: %w", err)
	}
	return ids, nil
}

// EndingWithin returns active auctions ending inside the lead window.
func (r *ListingRepository) EndingWithin(ctx context.Context, now time.Time, lead time.Duration) ([]*listing.Listing, error) {
	rows, err := r.pool.Query(ctx, endingWithinSQL, now, now.Add(lead))
	if err != nil {
		return nil, fmt.Errorf("listing ending auctions: %w", err)
	}

	out, err := pgx.CollectRows(rows, scanListing)
	if err != nil {
		return nil, fmt.Errorf("listing ending auctions: %w", err)
	}
	return out, nil
}

func scanListing(row pgx.CollectableRow) (*listing.Listing, error) {
	var (
		l           listing.Listing
		price       decimal.Decimal
		shipping    decimal.Decimal
		currency    string
		status      string
		historyJSON []byte
	)
	err := row.Scan(
		&l.ID, &l.SellerID, &l.Title, &price, &shipping, &currency,
		&l.IsAuction, &l.AuctionEndsAt, &status, &l.Quantity, &l.Sold, &historyJSON,
		&l.CreatedAt, &l.UpdatedAt, &l.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	l.Price = money.FromDecimal(price, currency)
	l.Shipping = money.FromDecimal(shipping, currency)
	l.Status = listing.Status(status)
	if err := json.Unmarshal(historyJSON, &l.History); err != nil {
		return nil, fmt.Errorf("unmarshaling listing history: %w", err)
	}
	return &l, nil
}
