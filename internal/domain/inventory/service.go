package inventory

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gavelworks/auction-engine/internal/domain/listing"
	"github.com/gavelworks/auction-engine/internal/storage"
	"github.com/gavelworks/auction-engine/pkg/keymutex"
)

const conflictRetries = 3

// Service performs atomic check-and-reserve, commit, and release on listing
// stock. Reservations against the same listing are serialized through the
// shared per-listing mutex, so two concurrent holds can never jointly
// exceed the available quantity.
type Service struct {
	listings     listing.Repository
	reservations Repository
	locks        *keymutex.KeyMutex
	lg           *zap.Logger

	now func() time.Time
}

// NewService creates an inventory Service.
func NewService(
	listings listing.Repository,
	reservations Repository,
	locks *keymutex.KeyMutex,
	lg *zap.Logger,
) *Service {
	return &Service{
		listings:     listings,
		reservations: reservations,
		locks:        locks,
		lg:           lg,
		now:          time.Now,
	}
}

// Reserve places a TTL-bounded hold on quantity units of a fixed-price
// listing. Available stock is total quantity minus sold minus every
// unexpired hold; expired holds on the touched listing are released lazily
// on the way.
func (s *Service) Reserve(ctx context.Context, listingID string, quantity int, holderID string, ttl time.Duration) (*Reservation, error) {
	if quantity <= 0 {
		return nil, errors.Errorf("quantity must be positive, got %d", quantity)
	}

	unlock := s.locks.Lock(listingID)
	defer unlock()

	var res *Reservation
	err := s.withRetry(func() error {
		var err error
		res, err = s.reserve(ctx, listingID, quantity, holderID, ttl)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) reserve(ctx context.Context, listingID string, quantity int, holderID string, ttl time.Duration) (*Reservation, error) {
	lst, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return nil, errors.Wrap(err, "get listing")
	}
	if lst.IsAuction {
		return nil, listing.ErrNotAuction
	}
	if lst.Status != listing.StatusActive {
		return nil, errors.Wrapf(ErrListingNotActive, "status %s", lst.Status)
	}

	now := s.now().UTC()
	held, err := s.activeHolds(ctx, listingID, now)
	if err != nil {
		return nil, err
	}

	available := lst.Remaining() - held
	if available < quantity {
		return nil, &InsufficientStockError{
			ListingID: listingID,
			Requested: quantity,
			Available: available,
		}
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		ListingID: listingID,
		HolderID:  holderID,
		Quantity:  quantity,
		UnitPrice: lst.Price,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.reservations.Create(ctx, res); err != nil {
		return nil, errors.Wrap(err, "create reservation")
	}
	return res, nil
}

// activeHolds sums unexpired holds on a listing, deleting lapsed ones
// as it finds them.
func (s *Service) activeHolds(ctx context.Context, listingID string, now time.Time) (int, error) {
	holds, err := s.reservations.ByListing(ctx, listingID)
	if err != nil {
		return 0, errors.Wrap(err, "list reservations")
	}

	held := 0
	for _, r := range holds {
		if r.Expired(now) {
			if err := s.reservations.Delete(ctx, r.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return 0, errors.Wrap(err, "release expired reservation")
			}
			continue
		}
		held += r.Quantity
	}
	return held, nil
}

// Commit converts a held reservation into a permanent stock decrement.
// The hold must still be live: ErrExpired when it lapsed, ErrNotFound when
// it was already committed or released. A fixed-price listing whose last
// unit commits transitions to sold.
func (s *Service) Commit(ctx context.Context, reservationID string) error {
	res, err := s.reservations.Get(ctx, reservationID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(res.ListingID)
	defer unlock()

	return s.withRetry(func() error {
		// Reload under the lock; a concurrent commit or sweep may have won.
		res, err := s.reservations.Get(ctx, reservationID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if res.Expired(now) {
			return errors.Wrapf(ErrExpired, "reservation %s", reservationID)
		}

		lst, err := s.listings.Get(ctx, res.ListingID)
		if err != nil {
			return errors.Wrap(err, "get listing")
		}

		lst.Sold += res.Quantity
		lst.UpdatedAt = now
		if lst.Remaining() == 0 && lst.Status == listing.StatusActive {
			if err := lst.MarkSold(now); err != nil {
				return err
			}
		}
		if err := s.listings.Update(ctx, lst); err != nil {
			return errors.Wrap(err, "update listing")
		}
		if err := s.reservations.Delete(ctx, reservationID); err != nil {
			return errors.Wrap(err, "delete reservation")
		}
		return nil
	})
}

// Release returns a held quantity to the available pool. Releasing an
// already gone reservation is a no-op.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	res, err := s.reservations.Get(ctx, reservationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	unlock := s.locks.Lock(res.ListingID)
	defer unlock()

	if err := s.reservations.Delete(ctx, reservationID); err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "delete reservation")
	}
	return nil
}

// SweepExpired releases every reservation that lapsed before now and
// returns how many were swept. Run periodically by the daemon.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.reservations.ExpiredBefore(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "list expired reservations")
	}

	swept := 0
	for _, r := range expired {
		unlock := s.locks.Lock(r.ListingID)
		err := s.reservations.Delete(ctx, r.ID)
		unlock()

		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // committed or released while we swept
			}
			return swept, errors.Wrapf(err, "sweep reservation %s", r.ID)
		}
		swept++
	}

	if swept > 0 {
		s.lg.Info("released expired reservations", zap.Int("count", swept))
	}
	return swept, nil
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
