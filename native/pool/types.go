package pool

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DepositorAccount is the per-actor record of supplied principal and the
// interest earned on it. Amounts are base units of the lent asset.
type DepositorAccount struct {
	Address common.Address
	// Principal is the amount currently deposited.
	Principal *uint256.Int
	// AccruedInterest is the interest recorded up to LastAccrual and not yet
	// withdrawn.
	AccruedInterest *uint256.Int
	// LastAccrual is the unix timestamp (seconds) of the last accrual point.
	LastAccrual uint64
	// InterestPaid is the lifetime interest withdrawn by the depositor.
	InterestPaid *uint256.Int
}

// BorrowerAccount aggregates an actor's outstanding loans and collateral.
type BorrowerAccount struct {
	Address common.Address
	// TotalLoaned is the unrepaid principal across the borrower's open loans.
	TotalLoaned *uint256.Int
	// LockedCollateral is pledged against open loans.
	LockedCollateral *uint256.Int
	// UnlockedCollateral was released by repayment and awaits a claim.
	UnlockedCollateral *uint256.Int
	// OpenLoans indexes the identifiers of loans that are not repaid yet.
	OpenLoans []uint64
	// Loans indexes every loan ever originated by the borrower.
	Loans []uint64
}

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanOpen   LoanStatus = "open"
	LoanRepaid LoanStatus = "repaid"
)

// Loan is a single borrowing position. Principal, Collateral and Price are fixed
// at origination.
type Loan struct {
	ID       uint64
	Borrower common.Address
	// Principal is the lent asset amount paid out at origination.
	Principal *uint256.Int
	// Collateral is the collateral asset amount locked at origination.
	Collateral *uint256.Int
	// RepayAmount is principal plus interest at AccruedAt. It never decreases
	// and is frozen once the loan is repaid.
	RepayAmount *uint256.Int
	// Price is the origination quote used to derive Collateral.
	Price *uint256.Int
	// DurationDays is the contractual term. It is informational only.
	DurationDays uint64
	StartTime    uint64
	AccruedAt    uint64
	Repaid       bool
	RepaidAt     uint64
	RepaidBy     common.Address
}

// Status reports the lifecycle state of the loan.
func (l *Loan) Status() LoanStatus {
	if l != nil && l.Repaid {
		return LoanRepaid
	}
	return LoanOpen
}

// MaturesAt returns the end of the contractual term.
func (l *Loan) MaturesAt() time.Time {
	if l == nil {
		return time.Time{}
	}
	return time.Unix(int64(l.StartTime), 0).UTC().AddDate(0, 0, int(l.DurationDays))
}

// PoolState holds the pool-wide counters.
type PoolState struct {
	// LastLoanID is the most recently assigned loan identifier. Identifiers
	// start at one and are never reused.
	LastLoanID    uint64
	TotalDeposits *uint256.Int
	TotalBorrowed *uint256.Int
	TotalLocked   *uint256.Int
	TotalUnlocked *uint256.Int
	// InterestOwed is depositor interest recorded and not yet withdrawn.
	InterestOwed *uint256.Int
	// InterestCollected is borrower interest received on repayment.
	InterestCollected *uint256.Int
	// InterestPaid is depositor interest paid out.
	InterestPaid *uint256.Int
}

// Payout describes an amount moved from pool custody to an actor.
type Payout struct {
	Actor  common.Address
	Asset  Asset
	Amount *uint256.Int
}

// RepayResult is returned by a successful repayment.
type RepayResult struct {
	Loan     *Loan
	Paid     *uint256.Int
	Unlocked *uint256.Int
}

func newDepositorAccount(addr common.Address) *DepositorAccount {
	return &DepositorAccount{
		Address:         addr,
		Principal:       zeroAmount(),
		AccruedInterest: zeroAmount(),
		InterestPaid:    zeroAmount(),
	}
}

func newBorrowerAccount(addr common.Address) *BorrowerAccount {
	return &BorrowerAccount{
		Address:            addr,
		TotalLoaned:        zeroAmount(),
		LockedCollateral:   zeroAmount(),
		UnlockedCollateral: zeroAmount(),
	}
}

func newPoolState() *PoolState {
	return &PoolState{
		TotalDeposits:     zeroAmount(),
		TotalBorrowed:     zeroAmount(),
		TotalLocked:       zeroAmount(),
		TotalUnlocked:     zeroAmount(),
		InterestOwed:      zeroAmount(),
		InterestCollected: zeroAmount(),
		InterestPaid:      zeroAmount(),
	}
}

// Clone returns a deep copy of the depositor account.
func (a *DepositorAccount) Clone() *DepositorAccount {
	if a == nil {
		return nil
	}
	return &DepositorAccount{
		Address:         a.Address,
		Principal:       cloneAmount(a.Principal),
		AccruedInterest: cloneAmount(a.AccruedInterest),
		LastAccrual:     a.LastAccrual,
		InterestPaid:    cloneAmount(a.InterestPaid),
	}
}

// Clone returns a deep copy of the borrower account.
func (a *BorrowerAccount) Clone() *BorrowerAccount {
	if a == nil {
		return nil
	}
	return &BorrowerAccount{
		Address:            a.Address,
		TotalLoaned:        cloneAmount(a.TotalLoaned),
		LockedCollateral:   cloneAmount(a.LockedCollateral),
		UnlockedCollateral: cloneAmount(a.UnlockedCollateral),
		OpenLoans:          append([]uint64(nil), a.OpenLoans...),
		Loans:              append([]uint64(nil), a.Loans...),
	}
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = cloneAmount(l.Principal)
	clone.Collateral = cloneAmount(l.Collateral)
	clone.RepayAmount = cloneAmount(l.RepayAmount)
	clone.Price = cloneAmount(l.Price)
	return &clone
}

// Clone returns a deep copy of the pool counters.
func (p *PoolState) Clone() *PoolState {
	if p == nil {
		return nil
	}
	return &PoolState{
		LastLoanID:        p.LastLoanID,
		TotalDeposits:     cloneAmount(p.TotalDeposits),
		TotalBorrowed:     cloneAmount(p.TotalBorrowed),
		TotalLocked:       cloneAmount(p.TotalLocked),
		TotalUnlocked:     cloneAmount(p.TotalUnlocked),
		InterestOwed:      cloneAmount(p.InterestOwed),
		InterestCollected: cloneAmount(p.InterestCollected),
		InterestPaid:      cloneAmount(p.InterestPaid),
	}
}

func (p *RepayResult) clone() *RepayResult {
	if p == nil {
		return nil
	}
	return &RepayResult{Loan: p.Loan.Clone(), Paid: cloneAmount(p.Paid), Unlocked: cloneAmount(p.Unlocked)}
}

// normalize replaces nil amounts so records decoded from older encodings are
// safe to use.
func (a *DepositorAccount) normalize() {
	if a.Principal == nil {
		a.Principal = zeroAmount()
	}
	if a.AccruedInterest == nil {
		a.AccruedInterest = zeroAmount()
	}
	if a.InterestPaid == nil {
		a.InterestPaid = zeroAmount()
	}
}

func (a *BorrowerAccount) normalize() {
	if a.TotalLoaned == nil {
		a.TotalLoaned = zeroAmount()
	}
	if a.LockedCollateral == nil {
		a.LockedCollateral = zeroAmount()
	}
	if a.UnlockedCollateral == nil {
		a.UnlockedCollateral = zeroAmount()
	}
}

func (p *PoolState) normalize() {
	for _, field := range []**uint256.Int{
		&p.TotalDeposits, &p.TotalBorrowed, &p.TotalLocked, &p.TotalUnlocked,
		&p.InterestOwed, &p.InterestCollected, &p.InterestPaid,
	} {
		if *field == nil {
			*field = zeroAmount()
		}
	}
}
