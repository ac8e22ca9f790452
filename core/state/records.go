package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendpool/native/pool"
)

// Stored forms of the pool records. Amounts are RLP encoded as big integers.

type storedDepositor struct {
	Address         common.Address
	Principal       *big.Int
	AccruedInterest *big.Int
	LastAccrual     uint64
	InterestPaid    *big.Int
}

type storedBorrower struct {
	Address            common.Address
	TotalLoaned        *big.Int
	LockedCollateral   *big.Int
	UnlockedCollateral *big.Int
	OpenLoans          []uint64
	Loans              []uint64
}

type storedLoan struct {
	ID           uint64
	Borrower     common.Address
	Principal    *big.Int
	Collateral   *big.Int
	RepayAmount  *big.Int
	Price        *big.Int
	DurationDays uint64
	StartTime    uint64
	AccruedAt    uint64
	Repaid       bool
	RepaidAt     uint64
	RepaidBy     common.Address
}

type storedPool struct {
	LastLoanID        uint64
	TotalDeposits     *big.Int
	TotalBorrowed     *big.Int
	TotalLocked       *big.Int
	TotalUnlocked     *big.Int
	InterestOwed      *big.Int
	InterestCollected *big.Int
	InterestPaid      *big.Int
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

// fromBig converts a decoded amount, rejecting values outside the 256-bit
// range that a corrupted record could carry.
func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, errCorruptAmount
	}
	return out, nil
}

func decodeAmounts(pairs ...amountPair) error {
	for _, p := range pairs {
		v, err := fromBig(p.src)
		if err != nil {
			return err
		}
		*p.dst = v
	}
	return nil
}

type amountPair struct {
	dst **uint256.Int
	src *big.Int
}

func encodeDepositor(a *pool.DepositorAccount) *storedDepositor {
	return &storedDepositor{
		Address:         a.Address,
		Principal:       toBig(a.Principal),
		AccruedInterest: toBig(a.AccruedInterest),
		LastAccrual:     a.LastAccrual,
		InterestPaid:    toBig(a.InterestPaid),
	}
}

func (s *storedDepositor) decode() (*pool.DepositorAccount, error) {
	out := &pool.DepositorAccount{Address: s.Address, LastAccrual: s.LastAccrual}
	err := decodeAmounts(
		amountPair{&out.Principal, s.Principal},
		amountPair{&out.AccruedInterest, s.AccruedInterest},
		amountPair{&out.InterestPaid, s.InterestPaid},
	)
	return out, err
}

func encodeBorrower(a *pool.BorrowerAccount) *storedBorrower {
	return &storedBorrower{
		Address:            a.Address,
		TotalLoaned:        toBig(a.TotalLoaned),
		LockedCollateral:   toBig(a.LockedCollateral),
		UnlockedCollateral: toBig(a.UnlockedCollateral),
		OpenLoans:          append([]uint64{}, a.OpenLoans...),
		Loans:              append([]uint64{}, a.Loans...),
	}
}

func (s *storedBorrower) decode() (*pool.BorrowerAccount, error) {
	out := &pool.BorrowerAccount{Address: s.Address}
	if len(s.OpenLoans) > 0 {
		out.OpenLoans = append([]uint64(nil), s.OpenLoans...)
	}
	if len(s.Loans) > 0 {
		out.Loans = append([]uint64(nil), s.Loans...)
	}
	err := decodeAmounts(
		amountPair{&out.TotalLoaned, s.TotalLoaned},
		amountPair{&out.LockedCollateral, s.LockedCollateral},
		amountPair{&out.UnlockedCollateral, s.UnlockedCollateral},
	)
	return out, err
}

func encodeLoan(l *pool.Loan) *storedLoan {
	return &storedLoan{
		ID:           l.ID,
		Borrower:     l.Borrower,
		Principal:    toBig(l.Principal),
		Collateral:   toBig(l.Collateral),
		RepayAmount:  toBig(l.RepayAmount),
		Price:        toBig(l.Price),
		DurationDays: l.DurationDays,
		StartTime:    l.StartTime,
		AccruedAt:    l.AccruedAt,
		Repaid:       l.Repaid,
		RepaidAt:     l.RepaidAt,
		RepaidBy:     l.RepaidBy,
	}
}

func (s *storedLoan) decode() (*pool.Loan, error) {
	out := &pool.Loan{
		ID:           s.ID,
		Borrower:     s.Borrower,
		DurationDays: s.DurationDays,
		StartTime:    s.StartTime,
		AccruedAt:    s.AccruedAt,
		Repaid:       s.Repaid,
		RepaidAt:     s.RepaidAt,
		RepaidBy:     s.RepaidBy,
	}
	err := decodeAmounts(
		amountPair{&out.Principal, s.Principal},
		amountPair{&out.Collateral, s.Collateral},
		amountPair{&out.RepayAmount, s.RepayAmount},
		amountPair{&out.Price, s.Price},
	)
	return out, err
}

func encodePool(p *pool.PoolState) *storedPool {
	return &storedPool{
		LastLoanID:        p.LastLoanID,
		TotalDeposits:     toBig(p.TotalDeposits),
		TotalBorrowed:     toBig(p.TotalBorrowed),
		TotalLocked:       toBig(p.TotalLocked),
		TotalUnlocked:     toBig(p.TotalUnlocked),
		InterestOwed:      toBig(p.InterestOwed),
		InterestCollected: toBig(p.InterestCollected),
		InterestPaid:      toBig(p.InterestPaid),
	}
}

func (s *storedPool) decode() (*pool.PoolState, error) {
	out := &pool.PoolState{LastLoanID: s.LastLoanID}
	err := decodeAmounts(
		amountPair{&out.TotalDeposits, s.TotalDeposits},
		amountPair{&out.TotalBorrowed, s.TotalBorrowed},
		amountPair{&out.TotalLocked, s.TotalLocked},
		amountPair{&out.TotalUnlocked, s.TotalUnlocked},
		amountPair{&out.InterestOwed, s.InterestOwed},
		amountPair{&out.InterestCollected, s.InterestCollected},
		amountPair{&out.InterestPaid, s.InterestPaid},
	)
	return out, err
}
