package pool

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendpool/core/events"
	nativecommon "lendpool/native/common"
)

const halfYear = time.Duration(SecondsPerYear/2) * time.Second

// openLoan funds a lender deposit of 1000 and a 1000 loan against 1 unit of
// posted collateral at a price of 2000.
func openLoan(t *testing.T, engine *Engine) *Loan {
	t.Helper()
	fund(t, engine, lender, AssetLend, units(t, "1000"))
	if _, err := engine.Deposit(lender, units(t, "1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	fund(t, engine, borrower, AssetCollateral, units(t, "1"))
	loan, err := engine.Borrow(borrower, units(t, "1000"), 30, price(t, "2000"))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	return loan
}

func TestNewEngineRejectsSharedCustodyAccount(t *testing.T) {
	if _, err := NewEngine(reserveAddr, reserveAddr, DefaultConfig()); err == nil {
		t.Fatalf("expected error when reserve and escrow coincide")
	}
}

func TestEngineRequiresState(t *testing.T) {
	engine, err := NewEngine(reserveAddr, escrowAddr, DefaultConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Deposit(lender, uint256.NewInt(1)); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	fund(t, engine, lender, AssetLend, units(t, "1000"))
	reserveBefore, _ := engine.Balance(reserveAddr, AssetLend)

	account, err := engine.Deposit(lender, units(t, "1000"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	requireAmount(t, "principal after deposit", account.Principal, units(t, "1000"))

	account, err = engine.Withdraw(lender, units(t, "1000"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, "principal after withdraw", account.Principal, uint256.NewInt(0))
	reserveAfter, _ := engine.Balance(reserveAddr, AssetLend)
	requireAmount(t, "reserve", reserveAfter, reserveBefore)
	custody, _ := engine.Balance(lender, AssetLend)
	requireAmount(t, "lender custody", custody, units(t, "1000"))
}

func TestDepositRejectsZeroAndUnfunded(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	before := state.snapshot()
	if _, err := engine.Deposit(lender, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := engine.Deposit(lender, units(t, "1")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	state.requireUnchanged(t, before)
}

func TestWithdrawBeyondPrincipal(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	fund(t, engine, lender, AssetLend, units(t, "10"))
	if _, err := engine.Deposit(lender, units(t, "10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := state.snapshot()
	if _, err := engine.Withdraw(lender, units(t, "10.5")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	state.requireUnchanged(t, before)
}

func TestDepositorInterestScenario(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	fund(t, engine, lender, AssetLend, units(t, "1000"))
	if _, err := engine.Deposit(lender, units(t, "1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	clock.Advance(time.Duration(SecondsPerYear) * time.Second)

	account, err := engine.AccrueInterest(lender, time.Time{})
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	requireAmount(t, "accrued", account.AccruedInterest, units(t, "50"))

	account, err = engine.AccrueInterest(lender, clock.Now())
	if err != nil {
		t.Fatalf("repeat accrue: %v", err)
	}
	requireAmount(t, "accrued after repeat", account.AccruedInterest, units(t, "50"))

	payout, err := engine.WithdrawInterest(lender)
	if err != nil {
		t.Fatalf("withdraw interest: %v", err)
	}
	requireAmount(t, "payout", payout.Amount, units(t, "50"))
	if payout.Asset != AssetLend || payout.Actor != lender {
		t.Fatalf("unexpected payout %+v", payout)
	}

	account, err = engine.Depositor(lender)
	if err != nil {
		t.Fatalf("depositor: %v", err)
	}
	requireAmount(t, "accrued after payout", account.AccruedInterest, uint256.NewInt(0))
	requireAmount(t, "lifetime interest", account.InterestPaid, units(t, "50"))
	custody, _ := engine.Balance(lender, AssetLend)
	requireAmount(t, "lender custody", custody, units(t, "50"))

	pool, err := engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	requireAmount(t, "pool interest owed", pool.InterestOwed, uint256.NewInt(0))
	requireAmount(t, "pool interest paid", pool.InterestPaid, units(t, "50"))
}

func TestAccrueInterestRejectsFutureTimestamp(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	if _, err := engine.AccrueInterest(lender, clock.Now().Add(time.Second)); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
}

func TestAccrueInterestDoesNotDoubleCount(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	fund(t, engine, lender, AssetLend, units(t, "1000"))
	if _, err := engine.Deposit(lender, units(t, "1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	clock.Advance(halfYear)
	if _, err := engine.AccrueInterest(lender, time.Time{}); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	clock.Advance(halfYear)
	account, err := engine.AccrueInterest(lender, time.Time{})
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	requireAmount(t, "accrued over two halves", account.AccruedInterest, units(t, "50"))
}

func TestWithdrawInterestReserveShort(t *testing.T) {
	engine, state, clock := newTestEngine(t)
	fund(t, engine, lender, AssetLend, units(t, "100"))
	if _, err := engine.Deposit(lender, units(t, "100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	fund(t, engine, borrower, AssetCollateral, units(t, "1"))
	if _, err := engine.Borrow(borrower, units(t, "100"), 30, price(t, "2000")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	clock.Advance(time.Duration(SecondsPerYear) * time.Second)

	before := state.snapshot()
	if _, err := engine.WithdrawInterest(lender); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	state.requireUnchanged(t, before)
}

func TestWithdrawInterestWithNothingAccrued(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.WithdrawInterest(lender); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBorrowScenario(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	loan := openLoan(t, engine)

	if loan.ID != 1 {
		t.Fatalf("expected first loan id 1, got %d", loan.ID)
	}
	requireAmount(t, "collateral", loan.Collateral, units(t, "0.625"))
	requireAmount(t, "repay amount", loan.RepayAmount, units(t, "1000"))
	if loan.Status() != LoanOpen {
		t.Fatalf("expected open loan, got %s", loan.Status())
	}

	cash, _ := engine.Balance(borrower, AssetLend)
	requireAmount(t, "borrower cash", cash, units(t, "1000"))
	posted, _ := engine.Balance(borrower, AssetCollateral)
	requireAmount(t, "borrower posted collateral", posted, units(t, "0.375"))
	escrow, _ := engine.Balance(escrowAddr, AssetCollateral)
	requireAmount(t, "escrow", escrow, units(t, "0.625"))

	account, err := engine.Borrower(borrower)
	if err != nil {
		t.Fatalf("borrower: %v", err)
	}
	requireAmount(t, "locked", account.LockedCollateral, units(t, "0.625"))
	requireAmount(t, "total loaned", account.TotalLoaned, units(t, "1000"))
	if !reflect.DeepEqual(account.OpenLoans, []uint64{1}) {
		t.Fatalf("unexpected open loan index %v", account.OpenLoans)
	}
}

func TestBorrowFailuresLeaveStateUnchanged(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	fund(t, engine, borrower, AssetCollateral, units(t, "0.5"))
	before := state.snapshot()

	if _, err := engine.Borrow(borrower, uint256.NewInt(0), 30, price(t, "2000")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := engine.Borrow(borrower, units(t, "1"), 30, uint256.NewInt(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if _, err := engine.Borrow(borrower, units(t, "1000"), 30, price(t, "2000")); !errors.Is(err, ErrInsufficientCustody) {
		t.Fatalf("expected ErrInsufficientCustody, got %v", err)
	}
	// Enough collateral but an empty reserve.
	if _, err := engine.Borrow(borrower, units(t, "100"), 30, price(t, "2000")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	state.requireUnchanged(t, before)
}

func TestRepayUnderpaymentThenFull(t *testing.T) {
	engine, state, clock := newTestEngine(t)
	openLoan(t, engine)
	clock.Advance(halfYear)

	before := state.snapshot()
	_, err := engine.Repay(borrower, 1, units(t, "1000"))
	if !errors.Is(err, ErrUnderpayment) || !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected underpayment, got %v", err)
	}
	state.requireUnchanged(t, before)
	loan, err := engine.Loan(1)
	if err != nil {
		t.Fatalf("loan: %v", err)
	}
	if loan.Repaid {
		t.Fatalf("loan should remain open after underpayment")
	}

	fund(t, engine, borrower, AssetLend, units(t, "40"))
	result, err := engine.Repay(borrower, 1, units(t, "1040"))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	requireAmount(t, "paid", result.Paid, units(t, "1040"))
	requireAmount(t, "unlocked", result.Unlocked, units(t, "0.625"))
	if result.Loan.Status() != LoanRepaid {
		t.Fatalf("expected repaid loan")
	}

	account, _ := engine.Borrower(borrower)
	requireAmount(t, "locked", account.LockedCollateral, uint256.NewInt(0))
	requireAmount(t, "unlocked", account.UnlockedCollateral, units(t, "0.625"))
	requireAmount(t, "total loaned", account.TotalLoaned, uint256.NewInt(0))
	if len(account.OpenLoans) != 0 || len(account.Loans) != 1 {
		t.Fatalf("unexpected loan index open=%v all=%v", account.OpenLoans, account.Loans)
	}

	pool, _ := engine.Pool()
	requireAmount(t, "interest collected", pool.InterestCollected, units(t, "40"))
	requireAmount(t, "total borrowed", pool.TotalBorrowed, uint256.NewInt(0))
	reserve, _ := engine.Balance(reserveAddr, AssetLend)
	requireAmount(t, "reserve", reserve, units(t, "1040"))
}

func TestRepayOverpaymentDebitsOnlyAmountOwed(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	openLoan(t, engine)
	fund(t, engine, borrower, AssetLend, units(t, "5"))

	result, err := engine.Repay(borrower, 1, units(t, "1005"))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	requireAmount(t, "paid", result.Paid, units(t, "1000"))
	cash, _ := engine.Balance(borrower, AssetLend)
	requireAmount(t, "remaining cash", cash, units(t, "5"))
}

func TestRepayAlreadyRepaidAndUnknown(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	openLoan(t, engine)
	if _, err := engine.Repay(borrower, 1, units(t, "1000")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	fund(t, engine, borrower, AssetLend, units(t, "1000"))
	before := state.snapshot()

	if _, err := engine.Repay(borrower, 1, units(t, "1000")); !errors.Is(err, ErrAlreadyRepaid) {
		t.Fatalf("expected ErrAlreadyRepaid, got %v", err)
	}
	if _, err := engine.Repay(borrower, 7, units(t, "1000")); !errors.Is(err, ErrUnknownLoan) {
		t.Fatalf("expected ErrUnknownLoan, got %v", err)
	}
	if _, err := engine.CalculateLoanInterest(1, time.Time{}); !errors.Is(err, ErrAlreadyRepaid) {
		t.Fatalf("expected ErrAlreadyRepaid, got %v", err)
	}
	state.requireUnchanged(t, before)
}

func TestThirdPartyRepayUnlocksForBorrower(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	openLoan(t, engine)
	fund(t, engine, other, AssetLend, units(t, "1000"))

	result, err := engine.Repay(other, 1, units(t, "1000"))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if result.Loan.RepaidBy != other {
		t.Fatalf("expected repaid by %s, got %s", other.Hex(), result.Loan.RepaidBy.Hex())
	}
	account, _ := engine.Borrower(borrower)
	requireAmount(t, "unlocked", account.UnlockedCollateral, units(t, "0.625"))
	payerAccount, _ := engine.Borrower(other)
	requireAmount(t, "payer unlocked", payerAccount.UnlockedCollateral, uint256.NewInt(0))
}

func TestCalculateLoanInterestIdempotent(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	openLoan(t, engine)
	clock.Advance(30 * 24 * time.Hour)
	at := clock.Now()

	first, err := engine.CalculateLoanInterest(1, at)
	if err != nil {
		t.Fatalf("first accrual: %v", err)
	}
	second, err := engine.CalculateLoanInterest(1, at)
	if err != nil {
		t.Fatalf("second accrual: %v", err)
	}
	requireAmount(t, "repeat accrual", second.RepayAmount, first.RepayAmount)
	if first.RepayAmount.Lt(first.Principal) {
		t.Fatalf("repay amount below principal")
	}
	if !first.RepayAmount.Gt(first.Principal) {
		t.Fatalf("expected interest after 30 days")
	}

	earlier, err := engine.CalculateLoanInterest(1, at.Add(-10*24*time.Hour))
	if err != nil {
		t.Fatalf("earlier accrual: %v", err)
	}
	requireAmount(t, "earlier accrual", earlier.RepayAmount, first.RepayAmount)

	if _, err := engine.CalculateLoanInterest(1, at.Add(time.Hour)); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
	if _, err := engine.CalculateLoanInterest(9, at); !errors.Is(err, ErrUnknownLoan) {
		t.Fatalf("expected ErrUnknownLoan, got %v", err)
	}
}

func TestRepayAmountNonDecreasing(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	openLoan(t, engine)
	prev := units(t, "1000")
	for i := 0; i < 5; i++ {
		clock.Advance(17 * 24 * time.Hour)
		loan, err := engine.CalculateLoanInterest(1, time.Time{})
		if err != nil {
			t.Fatalf("accrual %d: %v", i, err)
		}
		if loan.RepayAmount.Lt(prev) {
			t.Fatalf("repay amount decreased: %s < %s", loan.RepayAmount.Dec(), prev.Dec())
		}
		prev = loan.RepayAmount
	}
}

func TestGetBackCollateral(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	openLoan(t, engine)
	if _, err := engine.GetBackCollateral(borrower); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount before repayment, got %v", err)
	}
	if _, err := engine.Repay(borrower, 1, units(t, "1000")); err != nil {
		t.Fatalf("repay: %v", err)
	}

	payout, err := engine.GetBackCollateral(borrower)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	requireAmount(t, "claimed", payout.Amount, units(t, "0.625"))
	posted, _ := engine.Balance(borrower, AssetCollateral)
	requireAmount(t, "borrower collateral", posted, units(t, "1"))
	escrow, _ := engine.Balance(escrowAddr, AssetCollateral)
	requireAmount(t, "escrow", escrow, uint256.NewInt(0))

	if _, err := engine.GetBackCollateral(borrower); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount on second claim, got %v", err)
	}
}

func TestLockedCollateralMatchesOpenLoans(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	fund(t, engine, lender, AssetLend, units(t, "5000"))
	if _, err := engine.Deposit(lender, units(t, "5000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	fund(t, engine, borrower, AssetCollateral, units(t, "3"))
	fund(t, engine, other, AssetCollateral, units(t, "3"))

	borrows := []struct {
		actor  common.Address
		amount string
		price  string
	}{
		{borrower, "1000", "2000"},
		{borrower, "500", "2500"},
		{other, "1200", "1800"},
	}
	for _, b := range borrows {
		if _, err := engine.Borrow(b.actor, units(t, b.amount), 7, price(t, b.price)); err != nil {
			t.Fatalf("borrow %s: %v", b.amount, err)
		}
	}
	if _, err := engine.Repay(borrower, 1, units(t, "1000")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if err := engine.Audit(); err != nil {
		t.Fatalf("audit: %v", err)
	}

	ids, err := engine.LoanIDs()
	if err != nil {
		t.Fatalf("loan ids: %v", err)
	}
	if !reflect.DeepEqual(ids, []uint64{1, 2, 3}) {
		t.Fatalf("unexpected loan ids %v", ids)
	}

	sumLocked := uint256.NewInt(0)
	sumOpen := uint256.NewInt(0)
	for _, actor := range []common.Address{borrower, other} {
		account, err := engine.Borrower(actor)
		if err != nil {
			t.Fatalf("borrower: %v", err)
		}
		sumLocked.Add(sumLocked, account.LockedCollateral)
		open, err := engine.LoansOf(actor, true)
		if err != nil {
			t.Fatalf("loans of: %v", err)
		}
		for _, loan := range open {
			sumOpen.Add(sumOpen, loan.Collateral)
		}
	}
	requireAmount(t, "locked vs open", sumLocked, sumOpen)

	all, err := engine.LoansOf(borrower, false)
	if err != nil {
		t.Fatalf("loans of: %v", err)
	}
	if len(all) != 2 || !all[0].Repaid || all[1].Repaid {
		t.Fatalf("unexpected borrower loans %+v", all)
	}
}

func TestInvariantViolationHaltsEngine(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	openLoan(t, engine)
	state.borrowers[borrower].LockedCollateral = uint256.NewInt(0)

	var halted bool
	engine.SetEmitter(events.EmitterFunc(func(evt events.Event) {
		if evt.EventType() == EventTypeInvariantHalted {
			halted = true
		}
	}))
	if _, err := engine.Repay(borrower, 1, units(t, "1000")); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if engine.Halted() == nil || !halted {
		t.Fatalf("expected engine to halt")
	}
	if _, err := engine.Deposit(lender, uint256.NewInt(1)); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if IsRecoverable(ErrHalted) || IsRecoverable(ErrInvariantViolation) {
		t.Fatalf("halt errors must not be recoverable")
	}
}

func TestAuditDetectsCorruption(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	openLoan(t, engine)
	state.pool.TotalLocked = uint256.NewInt(1)
	if err := engine.Audit(); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	if engine.Halted() == nil {
		t.Fatalf("expected audit failure to halt the engine")
	}
}

func TestPauseBlocksMutation(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	fund(t, engine, borrower, AssetCollateral, units(t, "1"))
	engine.SetPauses(ActionPauses{Borrow: true})
	before := state.snapshot()

	if _, err := engine.Borrow(borrower, units(t, "1"), 1, price(t, "2000")); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	state.requireUnchanged(t, before)
	fund(t, engine, lender, AssetLend, units(t, "1"))
}

func TestLoanAccrualFollowsInterestSwitch(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	loan := openLoan(t, engine)

	engine.SetPauses(ActionPauses{Repay: true})
	if _, err := engine.CalculateLoanInterest(loan.ID, time.Time{}); err != nil {
		t.Fatalf("accrual with repayments paused: %v", err)
	}
	engine.SetPauses(ActionPauses{Interest: true})
	if _, err := engine.CalculateLoanInterest(loan.ID, time.Time{}); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestCustodyReservedAccounts(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Fund(escrowAddr, AssetCollateral, uint256.NewInt(1)); !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected ErrReservedAccount, got %v", err)
	}
	if _, err := engine.Release(reserveAddr, AssetLend, uint256.NewInt(1)); !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected ErrReservedAccount, got %v", err)
	}
	if _, err := engine.Fund(lender, Asset(9), uint256.NewInt(1)); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	fund(t, engine, lender, AssetLend, uint256.NewInt(5))
	balance, err := engine.Release(lender, AssetLend, uint256.NewInt(2))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if balance.Uint64() != 3 {
		t.Fatalf("expected 3 remaining, got %s", balance.Dec())
	}
	if _, err := engine.Release(lender, AssetLend, uint256.NewInt(4)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPoolAccountsCannotAct(t *testing.T) {
	ops := []struct {
		name string
		run  func(e *Engine, actor common.Address, loanID uint64) error
	}{
		{"deposit", func(e *Engine, actor common.Address, _ uint64) error {
			_, err := e.Deposit(actor, units(t, "500"))
			return err
		}},
		{"withdraw", func(e *Engine, actor common.Address, _ uint64) error {
			_, err := e.Withdraw(actor, units(t, "1"))
			return err
		}},
		{"accrue interest", func(e *Engine, actor common.Address, _ uint64) error {
			_, err := e.AccrueInterest(actor, time.Time{})
			return err
		}},
		{"withdraw interest", func(e *Engine, actor common.Address, _ uint64) error {
			_, err := e.WithdrawInterest(actor)
			return err
		}},
		{"borrow", func(e *Engine, actor common.Address, _ uint64) error {
			_, err := e.Borrow(actor, units(t, "100"), 30, price(t, "2000"))
			return err
		}},
		{"repay", func(e *Engine, actor common.Address, id uint64) error {
			_, err := e.Repay(actor, id, units(t, "1100"))
			return err
		}},
		{"claim collateral", func(e *Engine, actor common.Address, _ uint64) error {
			_, err := e.GetBackCollateral(actor)
			return err
		}},
	}
	for _, account := range []struct {
		name string
		addr common.Address
	}{{"reserve", reserveAddr}, {"escrow", escrowAddr}} {
		for _, op := range ops {
			t.Run(account.name+"/"+op.name, func(t *testing.T) {
				engine, state, _ := newTestEngine(t)
				loan := openLoan(t, engine)
				fund(t, engine, reserveAddr, AssetLend, units(t, "5000"))
				before := state.snapshot()

				if err := op.run(engine, account.addr, loan.ID); !errors.Is(err, ErrReservedAccount) {
					t.Fatalf("expected ErrReservedAccount, got %v", err)
				}
				state.requireUnchanged(t, before)
				if err := engine.Halted(); err != nil {
					t.Fatalf("engine halted: %v", err)
				}
			})
		}
	}
}

func TestEventsEmittedOnlyOnCommit(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	var seen []string
	engine.SetEmitter(events.EmitterFunc(func(evt events.Event) {
		seen = append(seen, evt.EventType())
	}))
	if _, err := engine.Deposit(lender, units(t, "1")); err == nil {
		t.Fatalf("expected unfunded deposit to fail")
	}
	if len(seen) != 0 {
		t.Fatalf("expected no events for failed operation, got %v", seen)
	}

	openLoan(t, engine)
	want := []string{EventTypeFunded, EventTypeDeposited, EventTypeFunded, EventTypeLoanOpened}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestLoanEventCarriesPayload(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	var opened events.Event
	engine.SetEmitter(events.EmitterFunc(func(evt events.Event) {
		if evt.EventType() == EventTypeLoanOpened {
			opened = evt
		}
	}))
	openLoan(t, engine)
	payload := events.Unwrap(opened)
	if payload == nil {
		t.Fatalf("expected structured loan event")
	}
	if payload.Attribute("loanId") != "1" || payload.Attribute("collateral") != units(t, "0.625").Dec() {
		t.Fatalf("unexpected payload %+v", payload.Attributes)
	}
}

func TestQuoteCollateral(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	quote, err := engine.QuoteCollateral(units(t, "1000"), price(t, "2000"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	requireAmount(t, "quote", quote, units(t, "0.625"))
}
