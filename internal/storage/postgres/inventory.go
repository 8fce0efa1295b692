package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gavelworks/auction-engine/internal/domain/inventory"
	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/money"
)

const (
	lockListingStockSQL = `SELECT quantity, sold FROM listings WHERE id = $1 FOR UPDATE`

	heldQuantitySQL = `SELECT COALESCE(SUM(quantity), 0) FROM reservations
		WHERE listing_id = $1 AND expires_at > $2`

	createReservationSQL = `INSERT INTO reservations (id, listing_id, holder_id, quantity,
		unit_price, currency, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	getReservationSQL = `SELECT id, listing_id, holder_id, quantity, unit_price, currency, expires_at, created_at
		FROM reservations WHERE id = $1`

	reservationsByListingSQL = `SELECT id, listing_id, holder_id, quantity, unit_price, currency, expires_at, created_at
		FROM reservations WHERE listing_id = $1 ORDER BY created_at, id`

	deleteReservationSQL = `DELETE FROM reservations WHERE id = $1`

	expiredReservationsSQL = `SELECT id, listing_id, holder_id, quantity, unit_price, currency, expires_at, created_at
		FROM reservations WHERE expires_at <= $1 ORDER BY expires_at`
)

var _ inventory.Repository = (*ReservationRepository)(nil)

// ReservationRepository implements inventory.Repository backed by PostgreSQL.
type ReservationRepository struct {
	pool *pgxpool.Pool
}

// NewReservationRepository returns a ReservationRepository that uses the given pool.
func NewReservationRepository(pool *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

// Create persists a new reservation. The check-and-insert runs in one
// transaction under a listing row lock: two processes sharing the database
// cannot both pass the availability check and jointly oversell.
func (r *ReservationRepository) Create(ctx context.Context, res *inventory.Reservation) error {
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var quantity, sold int
		err := tx.QueryRow(ctx, lockListingStockSQL, res.ListingID).Scan(&quantity, &sold)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(listing.ErrNotFound, "id %s", res.ListingID)
			}
			return err
		}

		var held int
		if err := tx.QueryRow(ctx, heldQuantitySQL, res.ListingID, res.CreatedAt).Scan(&held); err != nil {
			return err
		}

		available := quantity - sold - held
		if available < res.Quantity {
			return &inventory.InsufficientStockError{
				ListingID: res.ListingID,
				Requested: res.Quantity,
				Available: available,
			}
		}

		_, err = tx.Exec(ctx, createReservationSQL,
			res.ID, res.ListingID, res.HolderID, res.Quantity,
			res.UnitPrice.Decimal(), res.UnitPrice.Currency, res.ExpiresAt, res.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating reservation %q: %w", res.ID, err)
	}
	return nil
}

// Get returns a reservation by ID.
func (r *ReservationRepository) Get(ctx context.Context, id string) (*inventory.Reservation, error) {
	rows, err := r.pool.Query(ctx, getReservationSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting reservation %q: %w", id, err)
	}

	res, err := pgx.CollectExactlyOneRow(rows, scanReservation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(inventory.ErrNotFound, "id %s", id)
		}
		return nil, fmt.Errorf("getting reservation %q: %w", id, err)
	}
	return res, nil
}

// ByListing returns every hold on a listing, oldest first.
func (r *ReservationRepository) ByListing(ctx context.Context, listingID string) ([]*inventory.Reservation, error) {
	rows, err := r.pool.Query(ctx, reservationsByListingSQL, listingID)
	if err != nil {
		return nil, fmt.Errorf("listing reservations for %q: %w", listingID, err)
	}

	out, err := pgx.CollectRows(rows, scanReservation)
	if err != nil {
		return nil, fmt.Errorf("listing reservations for %q: %w", listingID, err)
	}
	return out, nil
}

// Delete removes a reservation. ErrNotFound when it is already gone.
func (r *ReservationRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteReservationSQL, id)
	if err != nil {
		return fmt.Errorf("deleting reservation %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(inventory.ErrNotFound, "id %s", id)
	}
	return nil
}

// ExpiredBefore returns every reservation that lapsed before now.
func (r *ReservationRepository) ExpiredBefore(ctx context.Context, now time.Time) ([]*inventory.Reservation, error) {
	rows, err := r.pool.Query(ctx, expiredReservationsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired reservations: %w", err)
	}

	out, err := pgx.CollectRows(rows, scanReservation)
	if err != nil {
		return nil, fmt.Errorf("listing expired reservations: %w", err)
	}
	return out, nil
}

func scanReservation(row pgx.CollectableRow) (*inventory.Reservation, error) {
	var (
		res       inventory.Reservation
		unitPrice decimal.Decimal
		currency  string
	)
	err := row.Scan(
		&res.ID, &res.ListingID, &res.HolderID, &res.Quantity,
		&unitPrice, &currency, &res.ExpiresAt, &res.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	res.UnitPrice = money.FromDecimal(unitPrice, currency)
	return &res, nil
}
