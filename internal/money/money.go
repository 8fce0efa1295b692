// Package money provides a fixed-point currency amount stored in integer
// minor units (cents). All arithmetic is integer; decimal conversion happens
// only at parse, format, and database boundaries.
package money

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is assumed when no explicit currency code is given.
const DefaultCurrency = "USD"

// ErrCurrencyMismatch is returned when an operation combines amounts in
// different currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is an amount in integer minor units plus an ISO-4217 currency code.
// The zero value is zero units of the empty currency; use New or Parse.
type Money struct {
	Units    int64  `json:"units"`
	Currency string `json:"currency"`
}

// New returns a Money of the given minor units and currency.
func New(units int64, currency string) Money {
	return Money{Units: units, Currency: currency}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Currency: currency}
}

// Parse converts a decimal string in major units (e.g. "12.99") into Money.
func Parse(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, errors.Wrapf(err, "parse amount %q", s)
	}
	return FromDecimal(d, currency), nil
}

// MustParse is Parse that panics on malformed input. Intended for constants
// in tests and seed data.
func MustParse(s, currency string) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal converts a major-unit decimal into Money, rounding half up to
// the minor unit.
func FromDecimal(d decimal.Decimal, currency string) Money {
	units := d.Shift(2).Round(0).IntPart()
	return Money{Units: units, Currency: currency}
}

// Decimal returns the amount as a major-unit decimal. This is the database
// and formatting representation; it never feeds back into arithmetic.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Units, -2)
}

// String formats the amount as "12.99 USD".
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(2), m.Currency)
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Units == 0 }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Units < 0 }

// SameCurrency reports whether o is denominated in the same currency.
func (m Money) SameCurrency(o Money) bool { return m.Currency == o.Currency }

// Add returns m + o. ErrCurrencyMismatch if currencies differ.
func (m Money) Add(o Money) (Money, error) {
	if !m.SameCurrency(o) {
		return Money{}, errors.Wrapf(ErrCurrencyMismatch, "add %s to %s", o.Currency, m.Currency)
	}
	return Money{Units: m.Units + o.Units, Currency: m.Currency}, nil
}

// Sub returns m - o. ErrCurrencyMismatch if currencies differ.
func (m Money) Sub(o Money) (Money, error) {
	if !m.SameCurrency(o) {
		return Money{}, errors.Wrapf(ErrCurrencyMismatch, "subtract %s from %s", o.Currency, m.Currency)
	}
	return Money{Units: m.Units - o.Units, Currency: m.Currency}, nil
}

// MulInt returns m * n.
func (m Money) MulInt(n int64) Money {
	return Money{Units: m.Units * n, Currency: m.Currency}
}

// BasisPoints returns m * bp/10000, rounded half up. Used for tax rates.
func (m Money) BasisPoints(bp int64) Money {
	return Money{Units: divRoundHalfUp(m.Units*bp, 10_000), Currency: m.Currency}
}

// Percent returns m * pct/100, rounded half up. Used for percentage coupons.
func (m Money) Percent(pct int64) Money {
	return m.BasisPoints(pct * 100)
}

// Cmp compares two amounts of the same currency:
// -1 if m < o, 0 if equal, +1 if m > o.
func (m Money) Cmp(o Money) int {
	switch {
	case m.Units < o.Units:
		return -1
	case m.Units > o.Units:
		return 1
	default:
		return 0
	}
}

// Min returns the smaller of two same-currency amounts.
func Min(a, b Money) Money {
	if a.Units <= b.Units {
		return a
	}
	return b
}

// ClampZero raises negative amounts to zero.
func (m Money) ClampZero() Money {
	if m.Units < 0 {
		return Money{Currency: m.Currency}
	}
	return m
}

func divRoundHalfUp(n, d int64) int64 {
	if n >= 0 {
		return (n + d/2) / d
	}
	return -((-n + d/2) / d)
}
