package pool

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultMarginBps is the 125% over-collateralization ratio.
	DefaultMarginBps = 12_500
	// SecondsPerYear is the default accrual period.
	SecondsPerYear = 31_536_000
)

// AssetConfig describes one asset of the pool pair.
type AssetConfig struct {
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// Config captures the runtime parameters of the pool ledger.
type Config struct {
	LendAsset       AssetConfig `toml:"lend_asset"`
	CollateralAsset AssetConfig `toml:"collateral_asset"`
	// PriceDecimals is the fixed-point precision of price quotes, expressed as
	// lent asset units per one collateral unit.
	PriceDecimals  uint8  `toml:"PriceDecimals"`
	DepositRateBps uint64 `toml:"DepositRateBps"`
	BorrowRateBps  uint64 `toml:"BorrowRateBps"`
	// PeriodSeconds is the length of the period the rates apply to.
	PeriodSeconds uint64       `toml:"PeriodSeconds"`
	MarginBps     uint64       `toml:"MarginBps"`
	Pauses        ActionPauses `toml:"pauses"`
}

// DefaultConfig returns a DAI/ETH pool with 5% deposit and 8% borrow APR.
func DefaultConfig() Config {
	return Config{
		LendAsset:       AssetConfig{Symbol: "DAI", Decimals: 18},
		CollateralAsset: AssetConfig{Symbol: "ETH", Decimals: 18},
		PriceDecimals:   8,
		DepositRateBps:  500,
		BorrowRateBps:   800,
		PeriodSeconds:   SecondsPerYear,
		MarginBps:       DefaultMarginBps,
	}
}

// EnsureDefaults fills zero-valued fields that have a sensible default.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	defaults := DefaultConfig()
	c.LendAsset.Symbol = strings.TrimSpace(c.LendAsset.Symbol)
	c.CollateralAsset.Symbol = strings.TrimSpace(c.CollateralAsset.Symbol)
	if c.LendAsset.Symbol == "" {
		c.LendAsset = defaults.LendAsset
	}
	if c.CollateralAsset.Symbol == "" {
		c.CollateralAsset = defaults.CollateralAsset
	}
	if c.PeriodSeconds == 0 {
		c.PeriodSeconds = defaults.PeriodSeconds
	}
	if c.MarginBps == 0 {
		c.MarginBps = defaults.MarginBps
	}
}

// Validate checks the parameters for internal consistency.
func (c Config) Validate() error {
	var errs []error
	if c.LendAsset.Symbol == "" || c.CollateralAsset.Symbol == "" {
		errs = append(errs, errors.New("asset symbols are required"))
	}
	if strings.EqualFold(c.LendAsset.Symbol, c.CollateralAsset.Symbol) {
		errs = append(errs, fmt.Errorf("lend and collateral assets must differ (both %q)", c.LendAsset.Symbol))
	}
	for _, field := range []struct {
		name     string
		decimals uint8
	}{
		{"lend_asset.Decimals", c.LendAsset.Decimals},
		{"collateral_asset.Decimals", c.CollateralAsset.Decimals},
		{"PriceDecimals", c.PriceDecimals},
	} {
		if field.decimals > MaxDecimals {
			errs = append(errs, fmt.Errorf("%s %d exceeds %d", field.name, field.decimals, MaxDecimals))
		}
	}
	if c.PeriodSeconds == 0 {
		errs = append(errs, errors.New("PeriodSeconds must be positive"))
	}
	if c.MarginBps < 10_000 {
		errs = append(errs, fmt.Errorf("MarginBps %d must be at least 10000", c.MarginBps))
	}
	return errors.Join(errs...)
}

// Scale returns the fixed-point precision of the configured pair.
func (c Config) Scale() Scale {
	return Scale{
		LendDecimals:       c.LendAsset.Decimals,
		CollateralDecimals: c.CollateralAsset.Decimals,
		PriceDecimals:      c.PriceDecimals,
	}
}

// Decimals returns the precision of the given asset.
func (c Config) Decimals(asset Asset) uint8 {
	if asset == AssetCollateral {
		return c.CollateralAsset.Decimals
	}
	return c.LendAsset.Decimals
}

// Symbol returns the ticker of the given asset.
func (c Config) Symbol(asset Asset) string {
	if asset == AssetCollateral {
		return c.CollateralAsset.Symbol
	}
	return c.LendAsset.Symbol
}
