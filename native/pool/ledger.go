package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetLedger tracks fungible balances held in custody by the pool, for actors
// as well as for the pool's own reserve and escrow accounts.
type AssetLedger struct {
	state State
}

// NewAssetLedger binds a ledger to the supplied state.
func NewAssetLedger(state State) AssetLedger {
	return AssetLedger{state: state}
}

// Balance returns the custody balance of owner in asset.
func (l AssetLedger) Balance(owner common.Address, asset Asset) (*uint256.Int, error) {
	if !asset.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	balance, err := l.state.GetBalance(owner, asset)
	if err != nil {
		return nil, err
	}
	return cloneAmount(balance), nil
}

// Credit increases the balance of owner. It fails with ErrAmountOverflow
// without touching state when the sum leaves the 256-bit range.
func (l AssetLedger) Credit(owner common.Address, asset Asset, amount *uint256.Int) error {
	balance, err := l.Balance(owner, asset)
	if err != nil {
		return err
	}
	updated, err := addAmount(balance, amount)
	if err != nil {
		return err
	}
	return l.state.PutBalance(owner, asset, updated)
}

// Debit decreases the balance of owner, failing with ErrInsufficientBalance
// when amount exceeds it.
func (l AssetLedger) Debit(owner common.Address, asset Asset, amount *uint256.Int) error {
	balance, err := l.Balance(owner, asset)
	if err != nil {
		return err
	}
	updated, err := subAmount(balance, amount)
	if err != nil {
		return fmt.Errorf("%w: %s balance %s below %s", ErrInsufficientBalance, asset, balance.Dec(), cloneAmount(amount).Dec())
	}
	return l.state.PutBalance(owner, asset, updated)
}

// Transfer moves amount between two custody balances. Both sides are computed
// before either is written. A transfer to the same account still requires the
// balance to cover amount and leaves it unchanged.
func (l AssetLedger) Transfer(from, to common.Address, asset Asset, amount *uint256.Int) error {
	fromBalance, err := l.Balance(from, asset)
	if err != nil {
		return err
	}
	nextFrom, err := subAmount(fromBalance, amount)
	if err != nil {
		return fmt.Errorf("%w: %s balance %s below %s", ErrInsufficientBalance, asset, fromBalance.Dec(), cloneAmount(amount).Dec())
	}
	if from == to {
		return nil
	}
	toBalance, err := l.Balance(to, asset)
	if err != nil {
		return err
	}
	nextTo, err := addAmount(toBalance, amount)
	if err != nil {
		return err
	}
	if err := l.state.PutBalance(from, asset, nextFrom); err != nil {
		return err
	}
	return l.state.PutBalance(to, asset, nextTo)
}
