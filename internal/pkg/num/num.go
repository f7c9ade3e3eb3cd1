// Package num holds the fixed-point helpers shared by the ledger, account and matching code.
package num

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MoneyPlaces is the scale every monetary amount and return is rounded to.
	MoneyPlaces int32 = 8
	// ProgressPlaces is the scale of execution progress percentages.
	ProgressPlaces int32 = 2
)

var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)

	ErrNotPositive = errors.New("value must be positive")
	ErrNegative    = errors.New("value must not be negative")
	ErrRateRange   = errors.New("rate must be within [0, 1)")
)

// Round rounds half away from zero to MoneyPlaces.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// ToFloat is lossy and only meant for display and indicator inputs.
func ToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Price is a strictly positive decimal price.
type Price struct{ decimal.Decimal }

// NewPrice validates v once; the zero Price means "unset".
func NewPrice(v decimal.Decimal) (Price, error) {
	if !v.IsPositive() {
		return Price{}, fmt.Errorf("price %s: %w", v, ErrNotPositive)
	}
	return Price{Round(v)}, nil
}

// MustPrice is for constants and tests.
func MustPrice(s string) Price {
	p, err := NewPrice(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) IsSet() bool { return p.IsPositive() }

// Quantity is a strictly positive decimal amount of the traded asset.
type Quantity struct{ decimal.Decimal }

func NewQuantity(v decimal.Decimal) (Quantity, error) {
	if !v.IsPositive() {
		return Quantity{}, fmt.Errorf("quantity %s: %w", v, ErrNotPositive)
	}
	return Quantity{Round(v)}, nil
}

func MustQuantity(s string) Quantity {
	q, err := NewQuantity(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return q
}

func (q Quantity) IsSet() bool { return q.IsPositive() }

// Rate is a fee rate in [0, 1).
type Rate struct{ decimal.Decimal }

func NewRate(v decimal.Decimal) (Rate, error) {
	if v.IsNegative() || v.GreaterThanOrEqual(One) {
		return Rate{}, fmt.Errorf("rate %s: %w", v, ErrRateRange)
	}
	return Rate{v}, nil
}

func MustRate(s string) Rate {
	r, err := NewRate(decimal.RequireFromString(s))
	if err != nil {
		panic(err)
	}
	return r
}

// Fee computes rate × quantity × price rounded to MoneyPlaces.
func (r Rate) Fee(q Quantity, p Price) decimal.Decimal {
	return Round(r.Mul(q.Decimal).Mul(p.Decimal))
}

// Percentage returns clamp(100 × (value−start)/(end−start), 0, 100) rounded to
// ProgressPlaces. A degenerate range (end <= start) is complete as soon as value >= start.
func Percentage(value, start, end int64) decimal.Decimal {
	if value <= start {
		if end <= start && value == start {
			return Hundred
		}
		return Zero
	}
	if value >= end {
		return Hundred
	}
	done := decimal.NewFromInt(value - start)
	total := decimal.NewFromInt(end - start)
	pct := done.Mul(Hundred).Div(total).Round(ProgressPlaces)
	if pct.GreaterThan(Hundred) {
		return Hundred
	}
	return pct
}
