package pool

import (
	"fmt"
	"strings"
)

// Asset identifies one side of the pool pair.
type Asset uint8

const (
	// AssetLend is the fungible asset deposited by lenders and borrowed.
	AssetLend Asset = 1
	// AssetCollateral is the asset pledged by borrowers.
	AssetCollateral Asset = 2
)

func (a Asset) String() string {
	switch a {
	case AssetLend:
		return "lend"
	case AssetCollateral:
		return "collateral"
	default:
		return fmt.Sprintf("asset(%d)", uint8(a))
	}
}

// Valid reports whether the asset belongs to the pool pair.
func (a Asset) Valid() bool {
	return a == AssetLend || a == AssetCollateral
}

// ParseAsset resolves "lend"/"collateral" or a configured symbol.
func ParseAsset(value string, cfg Config) (Asset, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(value)); normalized {
	case "lend", strings.ToLower(cfg.LendAsset.Symbol):
		return AssetLend, nil
	case "collateral", strings.ToLower(cfg.CollateralAsset.Symbol):
		return AssetCollateral, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAsset, value)
	}
}

// Scale captures the fixed-point precision of both assets and of price quotes.
type Scale struct {
	LendDecimals       uint8
	CollateralDecimals uint8
	PriceDecimals      uint8
}

// Action names used for pause switches.
const (
	ActionDeposit    = "pool.deposit"
	ActionWithdraw   = "pool.withdraw"
	ActionInterest   = "pool.interest"
	ActionBorrow     = "pool.borrow"
	ActionRepay      = "pool.repay"
	ActionCollateral = "pool.collateral"
	ActionCustody    = "pool.custody"
)

// ActionPauses exposes fine-grained switches for pausing individual flows.
// Interest gates both depositor and loan accrual; Repay gates settlement only.
type ActionPauses struct {
	Deposit    bool `toml:"Deposit" yaml:"deposit" json:"deposit"`
	Withdraw   bool `toml:"Withdraw" yaml:"withdraw" json:"withdraw"`
	Interest   bool `toml:"Interest" yaml:"interest" json:"interest"`
	Borrow     bool `toml:"Borrow" yaml:"borrow" json:"borrow"`
	Repay      bool `toml:"Repay" yaml:"repay" json:"repay"`
	Collateral bool `toml:"Collateral" yaml:"collateral" json:"collateral"`
	Custody    bool `toml:"Custody" yaml:"custody" json:"custody"`
}

// IsPaused implements common.PauseView.
func (p ActionPauses) IsPaused(action string) bool {
	switch action {
	case ActionDeposit:
		return p.Deposit
	case ActionWithdraw:
		return p.Withdraw
	case ActionInterest:
		return p.Interest
	case ActionBorrow:
		return p.Borrow
	case ActionRepay:
		return p.Repay
	case ActionCollateral:
		return p.Collateral
	case ActionCustody:
		return p.Custody
	default:
		return false
	}
}
