package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LoanBook owns every loan record and drives the Open -> Repaid lifecycle.
type LoanBook struct {
	state      State
	ledger     AssetLedger
	reserve    common.Address
	escrow     common.Address
	collateral CollateralManager
	model      InterestModel
}

// NewLoanBook binds a loan book to state. Loans are funded from reserve and
// collateral is held by escrow.
func NewLoanBook(state State, reserve, escrow common.Address, model InterestModel, collateral CollateralManager) LoanBook {
	return LoanBook{
		state:      state,
		ledger:     NewAssetLedger(state),
		reserve:    reserve,
		escrow:     escrow,
		collateral: collateral,
		model:      model,
	}
}

// Borrow originates a loan of amount against collateral priced at price. The
// actor must have posted the required collateral beforehand.
func (b LoanBook) Borrow(actor common.Address, amount *uint256.Int, durationDays uint64, price *uint256.Int, now uint64) (*Loan, error) {
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	required, err := b.collateral.Required(amount, price)
	if err != nil {
		return nil, err
	}
	if err := b.collateral.Lock(actor, required); err != nil {
		return nil, err
	}
	if err := b.ledger.Transfer(b.reserve, actor, AssetLend, amount); err != nil {
		return nil, fmt.Errorf("reserve cannot fund loan: %w", err)
	}

	pool, err := b.state.GetPool()
	if err != nil {
		return nil, err
	}
	pool = ensurePool(pool)
	borrowed, err := addAmount(pool.TotalBorrowed, amount)
	if err != nil {
		return nil, err
	}
	account, err := b.collateral.Borrower(actor)
	if err != nil {
		return nil, err
	}
	loaned, err := addAmount(account.TotalLoaned, amount)
	if err != nil {
		return nil, err
	}

	pool.LastLoanID++
	loan := &Loan{
		ID:           pool.LastLoanID,
		Borrower:     actor,
		Principal:    cloneAmount(amount),
		Collateral:   required,
		RepayAmount:  cloneAmount(amount),
		Price:        cloneAmount(price),
		DurationDays: durationDays,
		StartTime:    now,
		AccruedAt:    now,
	}
	pool.TotalBorrowed = borrowed
	account.TotalLoaned = loaned
	account.OpenLoans = append(account.OpenLoans, loan.ID)
	account.Loans = append(account.Loans, loan.ID)

	if err := b.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := b.state.PutBorrower(account); err != nil {
		return nil, err
	}
	if err := b.state.PutPool(pool); err != nil {
		return nil, err
	}
	if err := b.checkBorrower(actor); err != nil {
		return nil, err
	}
	return loan, nil
}

// Loan returns the loan with the supplied identifier.
func (b LoanBook) Loan(id uint64) (*Loan, error) {
	loan, err := b.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLoan, id)
	}
	return loan, nil
}

func (b LoanBook) openLoan(id uint64) (*Loan, error) {
	loan, err := b.Loan(id)
	if err != nil {
		return nil, err
	}
	if loan.Repaid {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyRepaid, id)
	}
	return loan, nil
}

// refresh recomputes the amount owed from origination up to now. The amount
// owed never decreases, so an earlier now leaves the loan untouched.
func (b LoanBook) refresh(loan *Loan, now uint64) error {
	owed, err := b.model.Owed(loan.Principal, loan.StartTime, now)
	if err != nil {
		return err
	}
	if owed.Gt(loan.RepayAmount) {
		loan.RepayAmount = owed
	}
	if now > loan.AccruedAt {
		loan.AccruedAt = now
	}
	return nil
}

// CalculateLoanInterest updates the amount owed on an open loan as of now.
func (b LoanBook) CalculateLoanInterest(id uint64, now uint64) (*Loan, error) {
	loan, err := b.openLoan(id)
	if err != nil {
		return nil, err
	}
	if err := b.refresh(loan, now); err != nil {
		return nil, err
	}
	if err := b.state.PutLoan(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// Repay settles a loan in full. payer offers amount, which must cover the amount
// owed as of now; exactly the amount owed is debited. The collateral is
// unlocked for the borrower regardless of who paid.
func (b LoanBook) Repay(payer common.Address, id uint64, amount *uint256.Int, now uint64) (*RepayResult, error) {
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	loan, err := b.openLoan(id)
	if err != nil {
		return nil, err
	}
	if err := b.refresh(loan, now); err != nil {
		return nil, err
	}
	if amount.Lt(loan.RepayAmount) {
		return nil, fmt.Errorf("%w: offered %s, owed %s", ErrUnderpayment, amount.Dec(), loan.RepayAmount.Dec())
	}
	if err := b.ledger.Transfer(payer, b.reserve, AssetLend, loan.RepayAmount); err != nil {
		return nil, err
	}

	account, err := b.collateral.Borrower(loan.Borrower)
	if err != nil {
		return nil, err
	}
	loaned, err := subAmount(account.TotalLoaned, loan.Principal)
	if err != nil {
		return nil, invariantf("loan %d principal %s exceeds borrower total %s", loan.ID, loan.Principal.Dec(), account.TotalLoaned.Dec())
	}
	open, found := removeID(account.OpenLoans, loan.ID)
	if !found {
		return nil, invariantf("loan %d missing from open index of %s", loan.ID, loan.Borrower.Hex())
	}
	account.TotalLoaned = loaned
	account.OpenLoans = open
	if err := b.state.PutBorrower(account); err != nil {
		return nil, err
	}

	pool, err := b.state.GetPool()
	if err != nil {
		return nil, err
	}
	pool = ensurePool(pool)
	borrowed, err := subAmount(pool.TotalBorrowed, loan.Principal)
	if err != nil {
		return nil, invariantf("loan %d principal %s exceeds pool borrowed %s", loan.ID, loan.Principal.Dec(), pool.TotalBorrowed.Dec())
	}
	interest := new(uint256.Int).Sub(loan.RepayAmount, loan.Principal)
	collected, err := addAmount(pool.InterestCollected, interest)
	if err != nil {
		return nil, err
	}
	pool.TotalBorrowed = borrowed
	pool.InterestCollected = collected
	if err := b.state.PutPool(pool); err != nil {
		return nil, err
	}

	if err := b.collateral.Unlock(loan.Borrower, loan.Collateral); err != nil {
		return nil, err
	}
	loan.Repaid = true
	loan.RepaidAt = now
	loan.RepaidBy = payer
	if err := b.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := b.checkBorrower(loan.Borrower); err != nil {
		return nil, err
	}
	return &RepayResult{Loan: loan, Paid: cloneAmount(loan.RepayAmount), Unlocked: cloneAmount(loan.Collateral)}, nil
}

// GetBackCollateral pays the actor's unlocked collateral out of escrow.
func (b LoanBook) GetBackCollateral(actor common.Address) (*uint256.Int, error) {
	amount, err := b.collateral.Release(actor)
	if err != nil {
		return nil, err
	}
	if err := b.checkEscrow(); err != nil {
		return nil, err
	}
	return amount, nil
}

// LoansOf returns the borrower's loans in origination order.
func (b LoanBook) LoansOf(actor common.Address, openOnly bool) ([]*Loan, error) {
	account, err := b.collateral.Borrower(actor)
	if err != nil {
		return nil, err
	}
	ids := account.Loans
	if openOnly {
		ids = account.OpenLoans
	}
	loans := make([]*Loan, 0, len(ids))
	for _, id := range ids {
		loan, err := b.Loan(id)
		if err != nil {
			return nil, invariantf("borrower %s indexes missing loan %d", actor.Hex(), id)
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// LoanIDs lists every identifier issued so far.
func (b LoanBook) LoanIDs() ([]uint64, error) {
	pool, err := b.state.GetPool()
	if err != nil {
		return nil, err
	}
	pool = ensurePool(pool)
	ids := make([]uint64, 0, pool.LastLoanID)
	for id := uint64(1); id <= pool.LastLoanID; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// checkBorrower verifies that the actor's locked collateral equals the
// collateral of its open loans, then checks escrow coverage.
func (b LoanBook) checkBorrower(actor common.Address) error {
	account, err := b.collateral.Borrower(actor)
	if err != nil {
		return err
	}
	sum := zeroAmount()
	for _, id := range account.OpenLoans {
		loan, err := b.state.GetLoan(id)
		if err != nil {
			return err
		}
		if loan == nil || loan.Repaid || loan.Borrower != actor {
			return invariantf("open index of %s holds invalid loan %d", actor.Hex(), id)
		}
		if sum, err = addAmount(sum, loan.Collateral); err != nil {
			return invariantf("collateral sum overflow for %s", actor.Hex())
		}
	}
	if !sum.Eq(account.LockedCollateral) {
		return invariantf("locked collateral %s of %s differs from open loans %s", account.LockedCollateral.Dec(), actor.Hex(), sum.Dec())
	}
	return b.checkEscrow()
}

// checkEscrow verifies that escrow holds exactly the locked and unlocked
// collateral recorded by the pool.
func (b LoanBook) checkEscrow() error {
	pool, err := b.state.GetPool()
	if err != nil {
		return err
	}
	pool = ensurePool(pool)
	held, err := b.ledger.Balance(b.escrow, AssetCollateral)
	if err != nil {
		return err
	}
	expected, err := addAmount(pool.TotalLocked, pool.TotalUnlocked)
	if err != nil {
		return invariantf("pool collateral totals overflow")
	}
	if !held.Eq(expected) {
		return invariantf("escrow holds %s, pool records %s", held.Dec(), expected.Dec())
	}
	return nil
}

func removeID(ids []uint64, id uint64) ([]uint64, bool) {
	for i, candidate := range ids {
		if candidate == id {
			out := make([]uint64, 0, len(ids)-1)
			out = append(out, ids[:i]...)
			return append(out, ids[i+1:]...), true
		}
	}
	return ids, false
}

// audit walks every loan and checks that each borrower's locked collateral and
// the pool totals match the collateral of the open loans.
func (b LoanBook) audit() error {
	ids, err := b.LoanIDs()
	if err != nil {
		return err
	}
	open := make(map[common.Address]*uint256.Int)
	borrowers := make(map[common.Address]struct{})
	total := zeroAmount()
	for _, id := range ids {
		loan, err := b.state.GetLoan(id)
		if err != nil {
			return err
		}
		if loan == nil {
			return invariantf("loan %d missing below last issued identifier", id)
		}
		borrowers[loan.Borrower] = struct{}{}
		if loan.Repaid {
			continue
		}
		sum, err := addAmount(open[loan.Borrower], loan.Collateral)
		if err != nil {
			return invariantf("collateral sum overflow for %s", loan.Borrower.Hex())
		}
		open[loan.Borrower] = sum
		if total, err = addAmount(total, loan.Collateral); err != nil {
			return invariantf("collateral sum overflow")
		}
	}
	for _, actor := range sortedAddresses(borrowers) {
		account, err := b.collateral.Borrower(actor)
		if err != nil {
			return err
		}
		if expected := cloneAmount(open[actor]); !expected.Eq(account.LockedCollateral) {
			return invariantf("locked collateral %s of %s differs from open loans %s", account.LockedCollateral.Dec(), actor.Hex(), expected.Dec())
		}
	}
	pool, err := b.state.GetPool()
	if err != nil {
		return err
	}
	pool = ensurePool(pool)
	if !total.Eq(pool.TotalLocked) {
		return invariantf("pool locked collateral %s differs from open loans %s", pool.TotalLocked.Dec(), total.Dec())
	}
	return b.checkEscrow()
}
