package pool

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestAccrueInterestZeroElapsed(t *testing.T) {
	model := NewInterestModel(500, SecondsPerYear)
	delta, err := model.Accrue(uint256.NewInt(1_000_000), 0)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !delta.IsZero() {
		t.Fatalf("expected zero interest at zero elapsed, got %s", delta.Dec())
	}
}

func TestAccrueInterestMonotonic(t *testing.T) {
	model := NewInterestModel(800, SecondsPerYear)
	principal := uint256.NewInt(123_456_789)
	prev := uint256.NewInt(0)
	for _, elapsed := range []uint64{0, 1, 59, 3600, 86_400, SecondsPerYear / 2, SecondsPerYear, 3 * SecondsPerYear} {
		delta, err := model.Accrue(principal, elapsed)
		if err != nil {
			t.Fatalf("accrue %d: %v", elapsed, err)
		}
		if delta.Lt(prev) {
			t.Fatalf("interest decreased at elapsed %d: %s < %s", elapsed, delta.Dec(), prev.Dec())
		}
		prev = delta
	}
}

func TestAccrueInterestOnePeriod(t *testing.T) {
	model := NewInterestModel(500, SecondsPerYear)
	delta, err := model.Accrue(uint256.NewInt(1000), SecondsPerYear)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if delta.Uint64() != 50 {
		t.Fatalf("expected 50, got %s", delta.Dec())
	}
}

func TestAccrueInterestTruncates(t *testing.T) {
	// 999 * 5% = 49.95, truncated to 49.
	delta, err := AccrueInterest(uint256.NewInt(999), 500, 10, 10)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if delta.Uint64() != 49 {
		t.Fatalf("expected truncation to 49, got %s", delta.Dec())
	}
}

func TestAccrueInterestZeroPeriod(t *testing.T) {
	if _, err := AccrueInterest(uint256.NewInt(1), 500, 10, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAccrueInterestOverflow(t *testing.T) {
	ceiling := new(uint256.Int).SetAllOne()
	if _, err := AccrueInterest(ceiling, 10_000, 2, 1); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestOwedIgnoresEarlierNow(t *testing.T) {
	model := NewInterestModel(800, SecondsPerYear)
	owed, err := model.Owed(uint256.NewInt(1000), 100, 50)
	if err != nil {
		t.Fatalf("owed: %v", err)
	}
	if owed.Uint64() != 1000 {
		t.Fatalf("expected principal only, got %s", owed.Dec())
	}
}
