package memory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/gavelworks/auction-engine/internal/domain/coupon"
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository over a Store.
type CouponRepository struct {
	s *Store
}

// NewCouponRepository returns a CouponRepository view of the store.
func NewCouponRepository(s *Store) *CouponRepository {
	return &CouponRepository{s: s}
}

// FindByCode looks up a coupon by its case-insensitive code.
func (r *CouponRepository) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.coupons[coupon.Normalize(code)]
	if !ok {
		return nil, errors.Wrapf(coupon.ErrNotFound, "code %s", code)
	}
	return cloneCoupon(c), nil
}

// Create stores a coupon under its normalized code.
func (r *CouponRepository) Create(_ context.Context, c *coupon.Coupon) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	code := coupon.Normalize(c.Code)
	if _, ok := r.s.coupons[code]; ok {
		return errors.Errorf("coupon %s already exists", code)
	}
	stored := cloneCoupon(c)
	stored.Code = code
	r.s.coupons[code] = stored
	return nil
}
