package pool

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

var (
	basisPoints = big.NewInt(10_000)
	bigTen      = big.NewInt(10)
)

// MaxDecimals bounds the fractional precision accepted for assets and prices.
const MaxDecimals = 36

func zeroAmount() *uint256.Int { return new(uint256.Int) }

func cloneAmount(a *uint256.Int) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(a)
}

func isPositive(a *uint256.Int) bool {
	return a != nil && !a.IsZero()
}

func addAmount(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(cloneAmount(a), cloneAmount(b))
	if overflow {
		return nil, ErrAmountOverflow
	}
	return sum, nil
}

// subAmount returns a-b and ErrInsufficientBalance when b exceeds a.
func subAmount(a, b *uint256.Int) (*uint256.Int, error) {
	left, right := cloneAmount(a), cloneAmount(b)
	if left.Lt(right) {
		return nil, ErrInsufficientBalance
	}
	return new(uint256.Int).Sub(left, right), nil
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(bigTen, big.NewInt(int64(decimals)), nil)
}

// ParseAmount converts a decimal string such as "1000.25" into base units of an
// asset with the supplied number of fractional digits. Precision beyond the
// asset's decimals is rejected rather than rounded.
func ParseAmount(value string, decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d decimals exceeds %d", ErrInvalidAmount, decimals, MaxDecimals)
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "+") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	whole, frac, hasDot := strings.Cut(trimmed, ".")
	if hasDot && frac == "" && whole == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, value, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
		}
	}
	parsed, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return fromBig(parsed)
}

// FormatAmount renders base units as a decimal string with trailing zeros of
// the fractional part removed.
func FormatAmount(amount *uint256.Int, decimals uint8) string {
	raw := cloneAmount(amount).ToBig()
	if decimals == 0 {
		return raw.String()
	}
	whole, frac := new(big.Int).QuoRem(raw, pow10(decimals), new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := frac.String()
	fracStr = strings.Repeat("0", int(decimals)-len(fracStr)) + fracStr
	fracStr = strings.TrimRight(fracStr, "0")
	return whole.String() + "." + fracStr
}
