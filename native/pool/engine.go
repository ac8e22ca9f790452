package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendpool/core/events"
	"lendpool/core/types"
	nativecommon "lendpool/native/common"
)

// Engine serializes every ledger mutation. Each operation runs against a staged
// overlay of the state and reaches the store in a single flush only when every
// check passed.
type Engine struct {
	mu      sync.Mutex
	state   State
	reserve common.Address
	escrow  common.Address
	cfg     Config
	pauses  nativecommon.PauseView
	nowFn   func() time.Time
	logger  *slog.Logger
	emitter events.Emitter
	halted  error
}

// NewEngine constructs an engine funding loans from reserve and holding
// collateral in escrow.
func NewEngine(reserve, escrow common.Address, cfg Config) (*Engine, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reserve == escrow {
		return nil, fmt.Errorf("pool engine: reserve and escrow accounts must differ")
	}
	return &Engine{
		reserve: reserve,
		escrow:  escrow,
		cfg:     cfg,
		pauses:  cfg.Pauses,
		nowFn:   time.Now,
		logger:  slog.Default(),
		emitter: events.NoopEmitter{},
	}, nil
}

// SetState wires the engine to the durable store.
func (e *Engine) SetState(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// SetPauses overrides the pause switches taken from the configuration.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// SetClock overrides the time source. Passing nil restores time.Now.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// SetLogger configures the structured logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetEmitter configures where committed events are delivered. Passing nil
// discards them.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Config returns the engine parameters.
func (e *Engine) Config() Config { return e.cfg }

// ReserveAddress returns the account holding deposited lend assets.
func (e *Engine) ReserveAddress() common.Address { return e.reserve }

// EscrowAddress returns the account holding pledged collateral.
func (e *Engine) EscrowAddress() common.Address { return e.escrow }

// Halted returns the invariant violation that stopped the engine, if any.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) now() uint64 {
	ts := e.nowFn().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

type components struct {
	ledger     AssetLedger
	depositors DepositorLedger
	collateral CollateralManager
	loans      LoanBook
}

func (e *Engine) components(state State) components {
	collateral := NewCollateralManager(state, e.escrow, e.cfg.MarginBps, e.cfg.Scale())
	return components{
		ledger:     NewAssetLedger(state),
		depositors: NewDepositorLedger(state, e.reserve, NewInterestModel(e.cfg.DepositRateBps, e.cfg.PeriodSeconds)),
		collateral: collateral,
		loans:      NewLoanBook(state, e.reserve, e.escrow, NewInterestModel(e.cfg.BorrowRateBps, e.cfg.PeriodSeconds), collateral),
	}
}

// mutate runs fn against a fresh overlay and flushes it when fn succeeds. An
// invariant violation halts the engine.
func (e *Engine) mutate(action string, fn func(c components, now uint64) ([]*types.Event, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrNilState
	}
	if e.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}
	if err := nativecommon.Guard(e.pauses, action); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	now := e.now()
	tx := newTxState(e.state)
	evts, err := fn(e.components(tx), now)
	if err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			e.halt(action, err, now)
		}
		return err
	}
	if err := tx.flush(); err != nil {
		if _, batched := e.state.(Committer); !batched {
			e.halt(action, invariantf("partial flush: %v", err), now)
		}
		return fmt.Errorf("pool engine: commit %s: %w", action, err)
	}
	for _, evt := range evts {
		e.emitter.Emit(poolEvent{evt: evt})
	}
	e.logger.Debug("pool operation committed", slog.String("action", action), slog.Int("events", len(evts)))
	return nil
}

func (e *Engine) halt(action string, cause error, now uint64) {
	e.halted = cause
	e.logger.Error("pool engine halted", slog.String("action", action), slog.Any("error", cause))
	e.emitter.Emit(poolEvent{evt: NewHaltedEvent(cause, now)})
}

// view runs fn against a read-only overlay so callers never observe store
// internals.
func (e *Engine) view(fn func(c components) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrNilState
	}
	return fn(e.components(newTxState(e.state)))
}

func (e *Engine) checkTimestamp(at time.Time) (uint64, error) {
	clock := e.nowFn()
	if at.IsZero() {
		at = clock
	}
	if at.After(clock) {
		return 0, fmt.Errorf("%w: %s after %s", ErrInvalidTimestamp, at.UTC().Format(time.RFC3339), clock.UTC().Format(time.RFC3339))
	}
	if at.Unix() < 0 {
		return 0, fmt.Errorf("%w: %s precedes the unix epoch", ErrInvalidTimestamp, at.UTC().Format(time.RFC3339))
	}
	return uint64(at.Unix()), nil
}

// checkActor rejects the pool's own custody accounts as the acting party of a
// ledger operation.
func (e *Engine) checkActor(actor common.Address) error {
	if actor == e.reserve || actor == e.escrow {
		return fmt.Errorf("%w: %s", ErrReservedAccount, actor.Hex())
	}
	return nil
}

// Fund credits an actor's custody balance after the settlement layer observed
// an inflow. Posting collateral is a Fund of the collateral asset. The escrow
// account only changes through loans.
func (e *Engine) Fund(actor common.Address, asset Asset, amount *uint256.Int) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.mutate(ActionCustody, func(c components, now uint64) ([]*types.Event, error) {
		if actor == e.escrow {
			return nil, fmt.Errorf("%w: %s", ErrReservedAccount, actor.Hex())
		}
		if !isPositive(amount) {
			return nil, ErrInvalidAmount
		}
		if err := c.ledger.Credit(actor, asset, amount); err != nil {
			return nil, err
		}
		var err error
		if balance, err = c.ledger.Balance(actor, asset); err != nil {
			return nil, err
		}
		return []*types.Event{NewFundedEvent(actor, asset, amount, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Release debits an actor's custody balance for an outflow handled by the
// settlement layer.
func (e *Engine) Release(actor common.Address, asset Asset, amount *uint256.Int) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.mutate(ActionCustody, func(c components, now uint64) ([]*types.Event, error) {
		if actor == e.escrow || actor == e.reserve {
			return nil, fmt.Errorf("%w: %s", ErrReservedAccount, actor.Hex())
		}
		if !isPositive(amount) {
			return nil, ErrInvalidAmount
		}
		if err := c.ledger.Debit(actor, asset, amount); err != nil {
			return nil, err
		}
		var err error
		if balance, err = c.ledger.Balance(actor, asset); err != nil {
			return nil, err
		}
		return []*types.Event{NewReleasedEvent(actor, asset, amount, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// Deposit supplies amount of the lend asset from the actor's custody balance.
func (e *Engine) Deposit(actor common.Address, amount *uint256.Int) (*DepositorAccount, error) {
	var account *DepositorAccount
	err := e.mutate(ActionDeposit, func(c components, now uint64) ([]*types.Event, error) {
		if err := e.checkActor(actor); err != nil {
			return nil, err
		}
		var err error
		if account, err = c.depositors.Deposit(actor, amount, now); err != nil {
			return nil, err
		}
		return []*types.Event{NewDepositedEvent(account, amount, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return account.Clone(), nil
}

// Withdraw returns amount of principal to the actor's custody balance.
func (e *Engine) Withdraw(actor common.Address, amount *uint256.Int) (*DepositorAccount, error) {
	var account *DepositorAccount
	err := e.mutate(ActionWithdraw, func(c components, now uint64) ([]*types.Event, error) {
		if err := e.checkActor(actor); err != nil {
			return nil, err
		}
		var err error
		if account, err = c.depositors.Withdraw(actor, amount, now); err != nil {
			return nil, err
		}
		return []*types.Event{NewWithdrawnEvent(account, amount, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return account.Clone(), nil
}

// AccrueInterest records depositor interest up to at. A zero at uses the engine
// clock; at may not be later than the clock.
func (e *Engine) AccrueInterest(actor common.Address, at time.Time) (*DepositorAccount, error) {
	var account *DepositorAccount
	err := e.mutate(ActionInterest, func(c components, _ uint64) ([]*types.Event, error) {
		if err := e.checkActor(actor); err != nil {
			return nil, err
		}
		ts, err := e.checkTimestamp(at)
		if err != nil {
			return nil, err
		}
		if account, err = c.depositors.AccrueInterest(actor, ts); err != nil {
			return nil, err
		}
		return []*types.Event{NewInterestAccruedEvent(account, ts)}, nil
	})
	if err != nil {
		return nil, err
	}
	return account.Clone(), nil
}

// WithdrawInterest pays the actor's accrued interest from the reserve.
func (e *Engine) WithdrawInterest(actor common.Address) (*Payout, error) {
	var payout *Payout
	err := e.mutate(ActionInterest, func(c components, now uint64) ([]*types.Event, error) {
		if err := e.checkActor(actor); err != nil {
			return nil, err
		}
		account, amount, err := c.depositors.WithdrawInterest(actor, now)
		if err != nil {
			return nil, err
		}
		payout = &Payout{Actor: actor, Asset: AssetLend, Amount: amount}
		return []*types.Event{NewInterestPaidEvent(account, amount, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return payout.clone(), nil
}

// Borrow originates a loan of amount. price is the quote captured by the caller
// before the call, in lend units per collateral unit.
func (e *Engine) Borrow(actor common.Address, amount *uint256.Int, durationDays uint64, price *uint256.Int) (*Loan, error) {
	var loan *Loan
	err := e.mutate(ActionBorrow, func(c components, now uint64) ([]*types.Event, error) {
		if err := e.checkActor(actor); err != nil {
			return nil, err
		}
		var err error
		if loan, err = c.loans.Borrow(actor, amount, durationDays, price, now); err != nil {
			return nil, err
		}
		return []*types.Event{NewLoanOpenedEvent(loan)}, nil
	})
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// CalculateLoanInterest recomputes the amount owed on a loan as of at. A zero
// at uses the engine clock.
func (e *Engine) CalculateLoanInterest(id uint64, at time.Time) (*Loan, error) {
	var loan *Loan
	err := e.mutate(ActionInterest, func(c components, _ uint64) ([]*types.Event, error) {
		ts, err := e.checkTimestamp(at)
		if err != nil {
			return nil, err
		}
		if loan, err = c.loans.CalculateLoanInterest(id, ts); err != nil {
			return nil, err
		}
		return []*types.Event{NewLoanAccruedEvent(loan)}, nil
	})
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// Repay settles loan id in full from payer's custody balance.
func (e *Engine) Repay(payer common.Address, id uint64, amount *uint256.Int) (*RepayResult, error) {
	var result *RepayResult
	err := e.mutate(ActionRepay, func(c components, now uint64) ([]*types.Event, error) {
		if err := e.checkActor(payer); err != nil {
			return nil, err
		}
		var err error
		if result, err = c.loans.Repay(payer, id, amount, now); err != nil {
			return nil, err
		}
		return []*types.Event{NewLoanRepaidEvent(result)}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.clone(), nil
}

// GetBackCollateral returns all unlocked collateral to the actor's custody
// balance.
func (e *Engine) GetBackCollateral(actor common.Address) (*Payout, error) {
	var payout *Payout
	err := e.mutate(ActionCollateral, func(c components, now uint64) ([]*types.Event, error) {
		if err := e.checkActor(actor); err != nil {
			return nil, err
		}
		amount, err := c.loans.GetBackCollateral(actor)
		if err != nil {
			return nil, err
		}
		payout = &Payout{Actor: actor, Asset: AssetCollateral, Amount: amount}
		return []*types.Event{NewCollateralClaimedEvent(actor, amount, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return payout.clone(), nil
}

// Depositor returns the actor's depositor record.
func (e *Engine) Depositor(actor common.Address) (*DepositorAccount, error) {
	var account *DepositorAccount
	err := e.view(func(c components) error {
		var err error
		account, err = c.depositors.Account(actor)
		return err
	})
	return account.Clone(), err
}

// Borrower returns the actor's borrower record.
func (e *Engine) Borrower(actor common.Address) (*BorrowerAccount, error) {
	var account *BorrowerAccount
	err := e.view(func(c components) error {
		var err error
		account, err = c.collateral.Borrower(actor)
		return err
	})
	return account.Clone(), err
}

// Loan returns the loan with the supplied identifier.
func (e *Engine) Loan(id uint64) (*Loan, error) {
	var loan *Loan
	err := e.view(func(c components) error {
		var err error
		loan, err = c.loans.Loan(id)
		return err
	})
	return loan.Clone(), err
}

// LoansOf lists the actor's loans, optionally only those still open.
func (e *Engine) LoansOf(actor common.Address, openOnly bool) ([]*Loan, error) {
	var loans []*Loan
	err := e.view(func(c components) error {
		var err error
		loans, err = c.loans.LoansOf(actor, openOnly)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Loan, len(loans))
	for i, loan := range loans {
		out[i] = loan.Clone()
	}
	return out, nil
}

// LoanIDs lists every loan identifier issued so far.
func (e *Engine) LoanIDs() ([]uint64, error) {
	var ids []uint64
	err := e.view(func(c components) error {
		var err error
		ids, err = c.loans.LoanIDs()
		return err
	})
	return ids, err
}

// Pool returns the pool-wide counters.
func (e *Engine) Pool() (*PoolState, error) {
	var pool *PoolState
	err := e.view(func(c components) error {
		stored, err := c.loans.state.GetPool()
		pool = ensurePool(stored)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// Balance returns the custody balance of owner in asset.
func (e *Engine) Balance(owner common.Address, asset Asset) (*uint256.Int, error) {
	var balance *uint256.Int
	err := e.view(func(c components) error {
		var err error
		balance, err = c.ledger.Balance(owner, asset)
		return err
	})
	return balance, err
}

// QuoteCollateral returns the collateral a loan of amount would require at
// price.
func (e *Engine) QuoteCollateral(amount, price *uint256.Int) (*uint256.Int, error) {
	return RequiredCollateral(amount, price, e.cfg.MarginBps, e.cfg.Scale())
}

// Audit scans every loan and verifies the collateral invariants across all
// borrowers. A violation halts the engine.
func (e *Engine) Audit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ErrNilState
	}
	if err := e.components(newTxState(e.state)).loans.audit(); err != nil {
		if errors.Is(err, ErrInvariantViolation) && e.halted == nil {
			e.halt("audit", err, e.now())
		}
		return err
	}
	return nil
}

func (p *Payout) clone() *Payout {
	if p == nil {
		return nil
	}
	return &Payout{Actor: p.Actor, Asset: p.Asset, Amount: cloneAmount(p.Amount)}
}
