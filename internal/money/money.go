package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a monetary value in minor units (cents).
type Amount int64

// Rate is a percentage expressed in basis points: 7% is 700.
type Rate int64

const (
	minorDigits = 2
	rateScale   = 10000
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrFeeOverrun    = errors.New("fee overrun: net amount would be negative")
)

// ParseAmount reads a decimal string such as "1000.00" into minor units.
// More than two fractional digits is rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// FromDecimal converts an exact decimal to minor units.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d.String())
	}
	minor := d.Shift(minorDigits)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, d.String(), minorDigits)
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, d.String())
	}
	return Amount(minor.IntPart()), nil
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -minorDigits)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(minorDigits)
}

// ParseRate reads a percentage such as "7" or "7.5" into basis points.
func ParseRate(s string) (Rate, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: rate %q", ErrInvalidAmount, s)
	}
	bps := d.Shift(2)
	if !bps.IsInteger() {
		return 0, fmt.Errorf("%w: rate %s has more than 2 fractional digits", ErrInvalidAmount, d.String())
	}
	r := Rate(bps.IntPart())
	if err := r.Validate(); err != nil {
		return 0, err
	}
	return r, nil
}

// Validate reports whether the rate lies within 0%..100%.
func (r Rate) Validate() error {
	if r < 0 || r > rateScale {
		return fmt.Errorf("%w: rate %d bps outside 0..%d", ErrInvalidAmount, int64(r), rateScale)
	}
	return nil
}

func (r Rate) String() string {
	return decimal.New(int64(r), -2).String()
}
