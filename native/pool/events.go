package pool

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendpool/core/types"
)

const (
	EventTypeFunded          = "pool.custody.funded"
	EventTypeReleased        = "pool.custody.released"
	EventTypeDeposited       = "pool.deposited"
	EventTypeWithdrawn       = "pool.withdrawn"
	EventTypeInterestAccrued = "pool.interest.accrued"
	EventTypeInterestPaid    = "pool.interest.paid"
	EventTypeLoanOpened      = "pool.loan.opened"
	EventTypeLoanAccrued     = "pool.loan.accrued"
	EventTypeLoanRepaid      = "pool.loan.repaid"
	EventTypeCollateralClaim = "pool.collateral.claimed"
	EventTypeInvariantHalted = "pool.halted"
)

// poolEvent wraps a types.Event so it satisfies events.Event.
type poolEvent struct {
	evt *types.Event
}

func (e poolEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

// Event exposes the structured payload.
func (e poolEvent) Event() *types.Event { return e.evt }

func newEvent(kind string, actor common.Address, at uint64) *types.Event {
	return &types.Event{
		Type: kind,
		Attributes: map[string]string{
			"actor": actor.Hex(),
			"time":  strconv.FormatUint(at, 10),
		},
	}
}

func withAmount(evt *types.Event, key string, amount *uint256.Int) *types.Event {
	evt.Attributes[key] = cloneAmount(amount).Dec()
	return evt
}

func withLoan(evt *types.Event, loan *Loan) *types.Event {
	if loan == nil {
		return evt
	}
	evt.Attributes["loanId"] = strconv.FormatUint(loan.ID, 10)
	evt.Attributes["borrower"] = loan.Borrower.Hex()
	evt.Attributes["principal"] = cloneAmount(loan.Principal).Dec()
	evt.Attributes["collateral"] = cloneAmount(loan.Collateral).Dec()
	evt.Attributes["repayAmount"] = cloneAmount(loan.RepayAmount).Dec()
	return evt
}

// NewFundedEvent describes a custody inflow.
func NewFundedEvent(actor common.Address, asset Asset, amount *uint256.Int, at uint64) *types.Event {
	evt := withAmount(newEvent(EventTypeFunded, actor, at), "amount", amount)
	evt.Attributes["asset"] = asset.String()
	return evt
}

// NewReleasedEvent describes a custody outflow.
func NewReleasedEvent(actor common.Address, asset Asset, amount *uint256.Int, at uint64) *types.Event {
	evt := withAmount(newEvent(EventTypeReleased, actor, at), "amount", amount)
	evt.Attributes["asset"] = asset.String()
	return evt
}

// NewDepositedEvent describes a principal deposit.
func NewDepositedEvent(account *DepositorAccount, amount *uint256.Int, at uint64) *types.Event {
	evt := withAmount(newEvent(EventTypeDeposited, account.Address, at), "amount", amount)
	return withAmount(evt, "principal", account.Principal)
}

// NewWithdrawnEvent describes a principal withdrawal.
func NewWithdrawnEvent(account *DepositorAccount, amount *uint256.Int, at uint64) *types.Event {
	evt := withAmount(newEvent(EventTypeWithdrawn, account.Address, at), "amount", amount)
	return withAmount(evt, "principal", account.Principal)
}

// NewInterestAccruedEvent reports a depositor accrual checkpoint.
func NewInterestAccruedEvent(account *DepositorAccount, at uint64) *types.Event {
	return withAmount(newEvent(EventTypeInterestAccrued, account.Address, at), "accrued", account.AccruedInterest)
}

// NewInterestPaidEvent reports depositor interest paid out of the reserve.
func NewInterestPaidEvent(account *DepositorAccount, amount *uint256.Int, at uint64) *types.Event {
	return withAmount(newEvent(EventTypeInterestPaid, account.Address, at), "amount", amount)
}

// NewLoanOpenedEvent reports a loan origination.
func NewLoanOpenedEvent(loan *Loan) *types.Event {
	evt := withLoan(newEvent(EventTypeLoanOpened, loan.Borrower, loan.StartTime), loan)
	evt.Attributes["price"] = cloneAmount(loan.Price).Dec()
	evt.Attributes["durationDays"] = strconv.FormatUint(loan.DurationDays, 10)
	return evt
}

// NewLoanAccruedEvent reports a recomputed amount owed.
func NewLoanAccruedEvent(loan *Loan) *types.Event {
	return withLoan(newEvent(EventTypeLoanAccrued, loan.Borrower, loan.AccruedAt), loan)
}

// NewLoanRepaidEvent reports a settled loan.
func NewLoanRepaidEvent(result *RepayResult) *types.Event {
	evt := withLoan(newEvent(EventTypeLoanRepaid, result.Loan.RepaidBy, result.Loan.RepaidAt), result.Loan)
	return withAmount(evt, "unlocked", result.Unlocked)
}

// NewCollateralClaimedEvent reports collateral returned to a borrower.
func NewCollateralClaimedEvent(actor common.Address, amount *uint256.Int, at uint64) *types.Event {
	return withAmount(newEvent(EventTypeCollateralClaim, actor, at), "amount", amount)
}

// NewHaltedEvent reports that the engine stopped accepting mutations.
func NewHaltedEvent(cause error, at uint64) *types.Event {
	evt := &types.Event{Type: EventTypeInvariantHalted, Attributes: map[string]string{
		"time": strconv.FormatUint(at, 10),
	}}
	if cause != nil {
		evt.Attributes["error"] = cause.Error()
	}
	return evt
}
