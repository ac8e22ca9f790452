package pool

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// InterestModel applies simple interest at a fixed rate per period.
type InterestModel struct {
	// RateBps is the interest per period in basis points.
	RateBps uint64
	// PeriodSeconds is the length of one period.
	PeriodSeconds uint64
}

// NewInterestModel constructs a model charging rateBps per period.
func NewInterestModel(rateBps, periodSeconds uint64) InterestModel {
	return InterestModel{RateBps: rateBps, PeriodSeconds: periodSeconds}
}

// Accrue returns the interest earned by principal over elapsed seconds.
func (m InterestModel) Accrue(principal *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	return AccrueInterest(principal, m.RateBps, elapsed, m.PeriodSeconds)
}

// Owed returns principal plus the interest accrued between start and now.
func (m InterestModel) Owed(principal *uint256.Int, start, now uint64) (*uint256.Int, error) {
	delta, err := m.Accrue(principal, elapsedSeconds(start, now))
	if err != nil {
		return nil, err
	}
	return addAmount(principal, delta)
}

// AccrueInterest computes principal * rateBps * elapsed / (10000 * period),
// truncated to base units so the pool never pays out more than the formula
// yields. The result is zero when elapsed is zero.
func AccrueInterest(principal *uint256.Int, rateBps, elapsed, periodSeconds uint64) (*uint256.Int, error) {
	if principal == nil || principal.IsZero() || rateBps == 0 || elapsed == 0 {
		return zeroAmount(), nil
	}
	if periodSeconds == 0 {
		return nil, fmt.Errorf("%w: accrual period must be positive", ErrInvalidAmount)
	}
	numerator := new(big.Int).Mul(principal.ToBig(), new(big.Int).SetUint64(rateBps))
	numerator.Mul(numerator, new(big.Int).SetUint64(elapsed))
	denominator := new(big.Int).Mul(basisPoints, new(big.Int).SetUint64(periodSeconds))
	return fromBig(numerator.Quo(numerator, denominator))
}

func elapsedSeconds(from, to uint64) uint64 {
	if to <= from {
		return 0
	}
	return to - from
}
