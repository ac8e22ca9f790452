package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrNilState is returned when the engine has not been wired to a store.
	ErrNilState = errors.New("pool engine: state not configured")
	// ErrInvalidAmount reports a zero or malformed amount where a positive one is required.
	ErrInvalidAmount = errors.New("pool: amount must be positive")
	// ErrInsufficientBalance reports that a debit exceeds the available balance.
	ErrInsufficientBalance = errors.New("pool: insufficient balance")
	// ErrUnderpayment is returned when a repayment does not cover the amount owed.
	// It matches ErrInsufficientBalance under errors.Is.
	ErrUnderpayment = fmt.Errorf("%w: repayment below amount owed", ErrInsufficientBalance)
	// ErrInsufficientCustody reports that the borrower posted less collateral than required.
	ErrInsufficientCustody = errors.New("pool: posted collateral below requirement")
	// ErrInvalidPrice reports a zero price quote.
	ErrInvalidPrice = errors.New("pool: price must be positive")
	// ErrUnknownLoan is returned when a loan identifier has no record.
	ErrUnknownLoan = errors.New("pool: unknown loan")
	// ErrAlreadyRepaid is returned for operations on a closed loan.
	ErrAlreadyRepaid = errors.New("pool: loan already repaid")
	// ErrAmountOverflow reports that fixed-point arithmetic left the 256-bit range.
	ErrAmountOverflow = errors.New("pool: amount overflow")
	// ErrUnknownAsset is returned for asset identifiers outside the pool pair.
	ErrUnknownAsset = errors.New("pool: unknown asset")
	// ErrInvalidTimestamp reports an accrual point later than the engine clock.
	ErrInvalidTimestamp = errors.New("pool: timestamp ahead of engine clock")
	// ErrReservedAccount is returned when custody operations target the pool's
	// own reserve or escrow accounts.
	ErrReservedAccount = errors.New("pool: account reserved for pool custody")
	// ErrInvariantViolation signals an internal accounting inconsistency. It is
	// fatal: the engine halts after returning it.
	ErrInvariantViolation = errors.New("pool: invariant violation")
	// ErrHalted is returned for every mutation after an invariant violation.
	ErrHalted = errors.New("pool engine: halted after invariant violation")
)

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// IsRecoverable reports whether err is a caller input failure that left the
// ledger untouched and may be retried with corrected input.
func IsRecoverable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrHalted), errors.Is(err, ErrNilState):
		return false
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientCustody),
		errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrUnknownLoan),
		errors.Is(err, ErrAlreadyRepaid),
		errors.Is(err, ErrAmountOverflow),
		errors.Is(err, ErrUnknownAsset),
		errors.Is(err, ErrInvalidTimestamp),
		errors.Is(err, ErrReservedAccount):
		return true
	default:
		return false
	}
}
