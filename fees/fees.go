// Package fees turns a requested deal principal into the figures both parties
// are charged. Every amount is an integer count of minor currency units.
package fees

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// MinPrincipalCents is the smallest principal a cash or mixed deal may carry.
	MinPrincipalCents int64 = 500
	// MaxPrincipalCents keeps basis-point arithmetic inside int64.
	MaxPrincipalCents int64 = 100_000_000_000

	bpsDenominator int64 = 10_000
)

var (
	ErrBelowMinimum   = errors.New("fees: principal below minimum")
	ErrAboveMaximum   = errors.New("fees: principal above maximum")
	ErrNegativeHold   = errors.New("fees: fairness hold must not be negative")
	ErrInvalidAmount  = errors.New("fees: invalid amount")
	ErrTooManyDecimal = errors.New("fees: amount has more than two decimal places")
)

// Policy holds the fee schedule. The zero value charges nothing.
type Policy struct {
	PlatformBps          int64
	PlatformMinCents     int64
	ProcessingBps        int64
	ProcessingFixedCents int64
	FairnessHoldBps      int64

	// Goods-only deals have no principal to derive from.
	GoodsStartupFeeCents   int64
	GoodsFairnessHoldCents int64
}

// DefaultPolicy is the schedule the server charges and quotes.
var DefaultPolicy = Policy{
	PlatformBps:            100,
	PlatformMinCents:       100,
	ProcessingBps:          290,
	ProcessingFixedCents:   30,
	FairnessHoldBps:        1_000,
	GoodsStartupFeeCents:   500,
	GoodsFairnessHoldCents: 2_500,
}

// Breakdown is the result of a fee calculation.
type Breakdown struct {
	PrincipalCents     int64
	PlatformFeeCents   int64
	ProcessingFeeCents int64
	// StartupFeeCents bundles platform and processing fees and is never refunded.
	StartupFeeCents         int64
	FairnessHoldAmountCents int64
}

// ForPrincipal computes the startup fee and fairness hold for a cash or mixed deal.
func (p Policy) ForPrincipal(principalCents int64) (Breakdown, error) {
	if principalCents < MinPrincipalCents {
		return Breakdown{}, ErrBelowMinimum
	}
	if principalCents > MaxPrincipalCents {
		return Breakdown{}, ErrAboveMaximum
	}

	platform := applyBps(principalCents, p.PlatformBps)
	if platform < p.PlatformMinCents {
		platform = p.PlatformMinCents
	}
	processing := applyBps(principalCents, p.ProcessingBps) + p.ProcessingFixedCents

	return Breakdown{
		PrincipalCents:          principalCents,
		PlatformFeeCents:        platform,
		ProcessingFeeCents:      processing,
		StartupFeeCents:         platform + processing,
		FairnessHoldAmountCents: applyBps(principalCents, p.FairnessHoldBps),
	}, nil
}

// ForGoods computes the figures for a goods-only deal. A zero holdCents falls
// back to the policy default; the minimum-principal rule does not apply to holds.
func (p Policy) ForGoods(holdCents int64) (Breakdown, error) {
	if holdCents < 0 {
		return Breakdown{}, ErrNegativeHold
	}
	if holdCents == 0 {
		holdCents = p.GoodsFairnessHoldCents
	}
	return Breakdown{
		PlatformFeeCents:        p.GoodsStartupFeeCents,
		StartupFeeCents:         p.GoodsStartupFeeCents,
		FairnessHoldAmountCents: holdCents,
	}, nil
}

// applyBps rounds half up.
func applyBps(cents, bps int64) int64 {
	return (cents*bps + bpsDenominator/2) / bpsDenominator
}

// ParseAmount converts a decimal currency string such as "12.34" into cents.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if d.IsNegative() {
		return 0, ErrInvalidAmount
	}
	if !d.Equal(d.Round(2)) {
		return 0, ErrTooManyDecimal
	}
	cents := d.Shift(2)
	if cents.GreaterThan(decimal.NewFromInt(MaxPrincipalCents)) {
		return 0, ErrAboveMaximum
	}
	return cents.IntPart(), nil
}

// FormatCents renders cents as a fixed two-decimal string.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
