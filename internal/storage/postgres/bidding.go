package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gavelworks/auction-engine/internal/domain/bidding"
	"github.com/gavelworks/auction-engine/internal/money"
)

const (
	insertBidSQL = `INSERT INTO bids (id, listing_id, bidder_id, amount, currency, seq, status, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	markOutbidSQL = `UPDATE bids SET status = 'outbid' WHERE id = ANY($1)`

	getBidSQL = `SELECT id, listing_id, bidder_id, amount, currency, seq, status, placed_at
		FROM bids WHERE id = $1`

	bidsByListingSQL = `SELECT id, listing_id, bidder_id, amount, currency, seq, status, placed_at
		FROM bids WHERE listing_id = $1 ORDER BY seq`

	markLostSQL = `UPDATE bids SET status = 'lost'
		WHERE listing_id = $1 AND status IN ('active', 'outbid') AND id <> $2`

	markWonSQL = `UPDATE bids SET status = 'won' WHERE id = $1`
)

var _ bidding.Repository = (*BidRepository)(nil)

// BidRepository implements bidding.Repository backed by PostgreSQL.
type BidRepository struct {
	pool *pgxpool.Pool
}

// NewBidRepository returns a BidRepository that uses the given pool.
func NewBidRepository(pool *pgxpool.Pool) *BidRepository {
	return &BidRepository{pool: pool}
}

// Append inserts a bid and marks the given bids outbid in one transaction.
// The unique (listing_id, seq) constraint turns a lost race into
// storage.ErrConflict for the caller to retry.
func (r *BidRepository) Append(ctx context.Context, b *bidding.Bid, outbidIDs []string) error {
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertBidSQL,
			b.ID, b.ListingID, b.BidderID, b.Amount.Decimal(), b.Amount.Currency,
			b.Sequence, string(b.Status), b.PlacedAt,
		)
		if err != nil {
			return asConflict(err)
		}
		if len(outbidIDs) > 0 {
			if _, err := tx.Exec(ctx, markOutbidSQL, outbidIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending bid %q: %w", b.ID, err)
	}
	return nil
}

// Get returns a bid by ID.
func (r *BidRepository) Get(ctx context.Context, id string) (*bidding.Bid, error) {
	rows, err := r.pool.Query(ctx, getBidSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting bid %q: %w", id, err)
	}

	b, err := pgx.CollectExactlyOneRow(rows, scanBid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(bidding.ErrNotFound, "id %s", id)
		}
		return nil, fmt.Errorf("getting bid %q: %w", id, err)
	}
	return b, nil
}

// ByListing returns the full ledger for a listing in sequence order.
func (r *BidRepository) ByListing(ctx context.Context, listingID string) ([]*bidding.Bid, error) {
	rows, err := r.pool.Query(ctx, bidsByListingSQL, listingID)
	if err != nil {
		return nil, fmt.Errorf("listing bids for %q: %w", listingID, err)
	}

	out, err := pgx.CollectRows(rows, scanBid)
	if err != nil {
		return nil, fmt.Errorf("listing bids for %q: %w", listingID, err)
	}
	return out, nil
}

// Resolve marks the won bid and flips every other unresolved bid to lost,
// in one transaction.
func (r *BidRepository) Resolve(ctx context.Context, listingID, wonID string) error {
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, markLostSQL, listingID, wonID); err != nil {
			return err
		}
		if wonID == "" {
			return nil
		}
		tag, err := tx.Exec(ctx, markWonSQL, wonID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Wrapf(bidding.ErrNotFound, "winning bid %s", wonID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolving ledger for %q: %w", listingID, err)
	}
	return nil
}

func scanBid(row pgx.CollectableRow) (*bidding.Bid, error) {
	var (
		b        bidding.Bid
		amount   decimal.Decimal
		currency string
		status   string
	)
	err := row.Scan(
		&b.ID, &b.ListingID, &b.BidderID, &amount, &currency,
		&b.Sequence, &status, &b.PlacedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Amount = money.FromDecimal(amount, currency)
	b.Status = bidding.BidStatus(status)
	return &b, nil
}
