package pool

import (
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in       string
		decimals uint8
		want     string
	}{
		{"1000", 18, "1000000000000000000000"},
		{"0.625", 18, "625000000000000000"},
		{"2000", 8, "200000000000"},
		{".5", 2, "50"},
		{"7.", 0, "7"},
	}
	for _, tc := range tests {
		got, err := ParseAmount(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", tc.in, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("ParseAmount(%q): expected %s, got %s", tc.in, tc.want, got.Dec())
		}
	}
}

func TestParseAmountRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "-1", "+1", "1.2.3", "abc", ".", "0.001"} {
		if _, err := ParseAmount(in, 2); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseAmount(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestParseAmountOverflow(t *testing.T) {
	huge := "100000000000000000000000000000000000000000000000000000000000000000000000000000000"
	if _, err := ParseAmount(huge, 0); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestFormatAmount(t *testing.T) {
	amount, err := ParseAmount("1040.5", 18)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := FormatAmount(amount, 18); got != "1040.5" {
		t.Fatalf("expected 1040.5, got %s", got)
	}
	small, _ := ParseAmount("0.000000000000000001", 18)
	if got := FormatAmount(small, 18); got != "0.000000000000000001" {
		t.Fatalf("unexpected rendering %s", got)
	}
	if got := FormatAmount(nil, 18); got != "0" {
		t.Fatalf("expected 0 for nil, got %s", got)
	}
}
