package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequiredCollateral converts a loan amount into the collateral it requires:
// loanAmount * margin / price, where price is the number of lent asset units
// paid for one collateral unit. All values are fixed-point base units described
// by scale. The result is rounded up so a loan is never issued below margin.
func RequiredCollateral(loanAmount, price *uint256.Int, marginBps uint64, scale Scale) (*uint256.Int, error) {
	if price == nil || price.IsZero() {
		return nil, ErrInvalidPrice
	}
	if !isPositive(loanAmount) {
		return nil, ErrInvalidAmount
	}
	if marginBps == 0 {
		return nil, fmt.Errorf("%w: margin must be positive", ErrInvalidAmount)
	}
	numerator := new(big.Int).Mul(loanAmount.ToBig(), new(big.Int).SetUint64(marginBps))
	numerator.Mul(numerator, pow10(scale.PriceDecimals))
	numerator.Mul(numerator, pow10(scale.CollateralDecimals))

	denominator := new(big.Int).Mul(basisPoints, price.ToBig())
	denominator.Mul(denominator, pow10(scale.LendDecimals))

	quotient, remainder := new(big.Int).QuoRem(numerator, denominator, new(big.Int))
	if remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	return fromBig(quotient)
}

// CollateralManager tracks locked and unlocked collateral per borrower. Posted
// collateral waits in the borrower's custody balance until a loan locks it into
// the escrow account.
type CollateralManager struct {
	state     State
	ledger    AssetLedger
	escrow    common.Address
	marginBps uint64
	scale     Scale
}

// NewCollateralManager binds a manager to state and the escrow account.
func NewCollateralManager(state State, escrow common.Address, marginBps uint64, scale Scale) CollateralManager {
	return CollateralManager{
		state:     state,
		ledger:    NewAssetLedger(state),
		escrow:    escrow,
		marginBps: marginBps,
		scale:     scale,
	}
}

// Required returns the collateral needed for loanAmount at price.
func (m CollateralManager) Required(loanAmount, price *uint256.Int) (*uint256.Int, error) {
	return RequiredCollateral(loanAmount, price, m.marginBps, m.scale)
}

// Borrower loads the borrower account, returning an empty record for unknown
// actors.
func (m CollateralManager) Borrower(actor common.Address) (*BorrowerAccount, error) {
	account, err := m.state.GetBorrower(actor)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return newBorrowerAccount(actor), nil
	}
	account.normalize()
	return account, nil
}

// Lock pledges amount of the actor's posted collateral against a new loan.
func (m CollateralManager) Lock(actor common.Address, amount *uint256.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	posted, err := m.ledger.Balance(actor, AssetCollateral)
	if err != nil {
		return err
	}
	if posted.Lt(amount) {
		return fmt.Errorf("%w: posted %s, required %s", ErrInsufficientCustody, posted.Dec(), amount.Dec())
	}
	account, err := m.Borrower(actor)
	if err != nil {
		return err
	}
	locked, err := addAmount(account.LockedCollateral, amount)
	if err != nil {
		return err
	}
	pool, err := m.state.GetPool()
	if err != nil {
		return err
	}
	pool = ensurePool(pool)
	totalLocked, err := addAmount(pool.TotalLocked, amount)
	if err != nil {
		return err
	}
	if err := m.ledger.Transfer(actor, m.escrow, AssetCollateral, amount); err != nil {
		return err
	}
	account.LockedCollateral = locked
	pool.TotalLocked = totalLocked
	if err := m.state.PutBorrower(account); err != nil {
		return err
	}
	return m.state.PutPool(pool)
}

// Unlock releases amount from locked to unlocked collateral. Unlocking more
// than is locked means the loan book lost track of a pledge and is reported as
// an invariant violation.
func (m CollateralManager) Unlock(actor common.Address, amount *uint256.Int) error {
	account, err := m.Borrower(actor)
	if err != nil {
		return err
	}
	if account.LockedCollateral.Lt(cloneAmount(amount)) {
		return invariantf("unlock %s exceeds locked collateral %s for %s", cloneAmount(amount).Dec(), account.LockedCollateral.Dec(), actor.Hex())
	}
	pool, err := m.state.GetPool()
	if err != nil {
		return err
	}
	pool = ensurePool(pool)
	if pool.TotalLocked.Lt(cloneAmount(amount)) {
		return invariantf("unlock %s exceeds pool locked collateral %s", cloneAmount(amount).Dec(), pool.TotalLocked.Dec())
	}
	unlocked, err := addAmount(account.UnlockedCollateral, amount)
	if err != nil {
		return err
	}
	totalUnlocked, err := addAmount(pool.TotalUnlocked, amount)
	if err != nil {
		return err
	}
	account.LockedCollateral = new(uint256.Int).Sub(account.LockedCollateral, cloneAmount(amount))
	account.UnlockedCollateral = unlocked
	pool.TotalLocked = new(uint256.Int).Sub(pool.TotalLocked, cloneAmount(amount))
	pool.TotalUnlocked = totalUnlocked
	if err := m.state.PutBorrower(account); err != nil {
		return err
	}
	return m.state.PutPool(pool)
}

// Release pays all unlocked collateral from escrow back to the actor's custody
// balance and returns the amount released.
func (m CollateralManager) Release(actor common.Address) (*uint256.Int, error) {
	account, err := m.Borrower(actor)
	if err != nil {
		return nil, err
	}
	amount := cloneAmount(account.UnlockedCollateral)
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: no unlocked collateral to claim", ErrInvalidAmount)
	}
	pool, err := m.state.GetPool()
	if err != nil {
		return nil, err
	}
	pool = ensurePool(pool)
	if pool.TotalUnlocked.Lt(amount) {
		return nil, invariantf("claim %s exceeds pool unlocked collateral %s", amount.Dec(), pool.TotalUnlocked.Dec())
	}
	escrowBalance, err := m.ledger.Balance(m.escrow, AssetCollateral)
	if err != nil {
		return nil, err
	}
	if escrowBalance.Lt(amount) {
		return nil, invariantf("escrow holds %s, cannot cover claim of %s", escrowBalance.Dec(), amount.Dec())
	}
	if err := m.ledger.Transfer(m.escrow, actor, AssetCollateral, amount); err != nil {
		return nil, err
	}
	account.UnlockedCollateral = zeroAmount()
	pool.TotalUnlocked = new(uint256.Int).Sub(pool.TotalUnlocked, amount)
	if err := m.state.PutBorrower(account); err != nil {
		return nil, err
	}
	if err := m.state.PutPool(pool); err != nil {
		return nil, err
	}
	return amount, nil
}

func ensurePool(pool *PoolState) *PoolState {
	if pool == nil {
		return newPoolState()
	}
	pool.normalize()
	return pool
}
