package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DepositorLedger records principal supplied to the pool and the interest it
// earns. Deposits sit in the reserve account and fund loans.
type DepositorLedger struct {
	state   State
	ledger  AssetLedger
	reserve common.Address
	model   InterestModel
}

// NewDepositorLedger binds a depositor ledger to state and the reserve account.
func NewDepositorLedger(state State, reserve common.Address, model InterestModel) DepositorLedger {
	return DepositorLedger{state: state, ledger: NewAssetLedger(state), reserve: reserve, model: model}
}

// Account loads the depositor record, returning an empty record for unknown
// actors.
func (d DepositorLedger) Account(actor common.Address) (*DepositorAccount, error) {
	account, err := d.state.GetDepositor(actor)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return newDepositorAccount(actor), nil
	}
	account.normalize()
	return account, nil
}

// accrue records interest earned since the last accrual point and advances it
// to now. A now at or before the last accrual point leaves the account as is.
func (d DepositorLedger) accrue(account *DepositorAccount, now uint64) error {
	if now <= account.LastAccrual {
		return nil
	}
	delta, err := d.model.Accrue(account.Principal, now-account.LastAccrual)
	if err != nil {
		return err
	}
	if !delta.IsZero() {
		accrued, err := addAmount(account.AccruedInterest, delta)
		if err != nil {
			return err
		}
		pool, err := d.state.GetPool()
		if err != nil {
			return err
		}
		pool = ensurePool(pool)
		owed, err := addAmount(pool.InterestOwed, delta)
		if err != nil {
			return err
		}
		pool.InterestOwed = owed
		if err := d.state.PutPool(pool); err != nil {
			return err
		}
		account.AccruedInterest = accrued
	}
	account.LastAccrual = now
	return nil
}

// Deposit moves amount of the lent asset from the actor's custody balance into
// the reserve and adds it to the actor's principal.
func (d DepositorLedger) Deposit(actor common.Address, amount *uint256.Int, now uint64) (*DepositorAccount, error) {
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	account, err := d.Account(actor)
	if err != nil {
		return nil, err
	}
	if err := d.accrue(account, now); err != nil {
		return nil, err
	}
	principal, err := addAmount(account.Principal, amount)
	if err != nil {
		return nil, err
	}
	pool, err := d.state.GetPool()
	if err != nil {
		return nil, err
	}
	pool = ensurePool(pool)
	total, err := addAmount(pool.TotalDeposits, amount)
	if err != nil {
		return nil, err
	}
	if err := d.ledger.Transfer(actor, d.reserve, AssetLend, amount); err != nil {
		return nil, err
	}
	account.Principal = principal
	pool.TotalDeposits = total
	if err := d.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := d.state.PutDepositor(account); err != nil {
		return nil, err
	}
	return account, nil
}

// Withdraw returns amount of principal from the reserve to the actor.
func (d DepositorLedger) Withdraw(actor common.Address, amount *uint256.Int, now uint64) (*DepositorAccount, error) {
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	account, err := d.Account(actor)
	if err != nil {
		return nil, err
	}
	principal, err := subAmount(account.Principal, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: principal %s below %s", ErrInsufficientBalance, account.Principal.Dec(), amount.Dec())
	}
	if err := d.accrue(account, now); err != nil {
		return nil, err
	}
	pool, err := d.state.GetPool()
	if err != nil {
		return nil, err
	}
	pool = ensurePool(pool)
	total, err := subAmount(pool.TotalDeposits, amount)
	if err != nil {
		return nil, invariantf("withdraw %s exceeds pool deposits %s", amount.Dec(), pool.TotalDeposits.Dec())
	}
	if err := d.ledger.Transfer(d.reserve, actor, AssetLend, amount); err != nil {
		return nil, err
	}
	account.Principal = principal
	pool.TotalDeposits = total
	if err := d.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := d.state.PutDepositor(account); err != nil {
		return nil, err
	}
	return account, nil
}

// AccrueInterest brings the actor's accrued interest up to now. Calling it
// again with the same now changes nothing.
func (d DepositorLedger) AccrueInterest(actor common.Address, now uint64) (*DepositorAccount, error) {
	account, err := d.Account(actor)
	if err != nil {
		return nil, err
	}
	if err := d.accrue(account, now); err != nil {
		return nil, err
	}
	if err := d.state.PutDepositor(account); err != nil {
		return nil, err
	}
	return account, nil
}

// WithdrawInterest pays all interest accrued up to now from the reserve and
// resets the accrued figure. It fails with ErrInsufficientBalance when the
// reserve cannot cover the payout.
func (d DepositorLedger) WithdrawInterest(actor common.Address, now uint64) (*DepositorAccount, *uint256.Int, error) {
	account, err := d.Account(actor)
	if err != nil {
		return nil, nil, err
	}
	if err := d.accrue(account, now); err != nil {
		return nil, nil, err
	}
	payout := cloneAmount(account.AccruedInterest)
	if payout.IsZero() {
		return nil, nil, fmt.Errorf("%w: no accrued interest", ErrInvalidAmount)
	}
	pool, err := d.state.GetPool()
	if err != nil {
		return nil, nil, err
	}
	pool = ensurePool(pool)
	owed, err := subAmount(pool.InterestOwed, payout)
	if err != nil {
		return nil, nil, invariantf("interest payout %s exceeds pool liability %s", payout.Dec(), pool.InterestOwed.Dec())
	}
	paid, err := addAmount(pool.InterestPaid, payout)
	if err != nil {
		return nil, nil, err
	}
	lifetime, err := addAmount(account.InterestPaid, payout)
	if err != nil {
		return nil, nil, err
	}
	if err := d.ledger.Transfer(d.reserve, actor, AssetLend, payout); err != nil {
		return nil, nil, err
	}
	account.AccruedInterest = zeroAmount()
	account.InterestPaid = lifetime
	pool.InterestOwed = owed
	pool.InterestPaid = paid
	if err := d.state.PutPool(pool); err != nil {
		return nil, nil, err
	}
	if err := d.state.PutDepositor(account); err != nil {
		return nil, nil, err
	}
	return account, payout, nil
}
