package pool

import (
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type mockState struct {
	balances   map[balanceKey]*uint256.Int
	depositors map[common.Address]*DepositorAccount
	borrowers  map[common.Address]*BorrowerAccount
	loans      map[uint64]*Loan
	pool       *PoolState
}

func newMockState() *mockState {
	return &mockState{
		balances:   make(map[balanceKey]*uint256.Int),
		depositors: make(map[common.Address]*DepositorAccount),
		borrowers:  make(map[common.Address]*BorrowerAccount),
		loans:      make(map[uint64]*Loan),
	}
}

func (m *mockState) GetBalance(owner common.Address, asset Asset) (*uint256.Int, error) {
	return cloneAmount(m.balances[balanceKey{owner: owner, asset: asset}]), nil
}

func (m *mockState) PutBalance(owner common.Address, asset Asset, amount *uint256.Int) error {
	m.balances[balanceKey{owner: owner, asset: asset}] = cloneAmount(amount)
	return nil
}

func (m *mockState) GetDepositor(addr common.Address) (*DepositorAccount, error) {
	return m.depositors[addr].Clone(), nil
}

func (m *mockState) PutDepositor(account *DepositorAccount) error {
	m.depositors[account.Address] = account.Clone()
	return nil
}

func (m *mockState) GetBorrower(addr common.Address) (*BorrowerAccount, error) {
	return m.borrowers[addr].Clone(), nil
}

func (m *mockState) PutBorrower(account *BorrowerAccount) error {
	m.borrowers[account.Address] = account.Clone()
	return nil
}

func (m *mockState) GetLoan(id uint64) (*Loan, error) {
	return m.loans[id].Clone(), nil
}

func (m *mockState) PutLoan(loan *Loan) error {
	m.loans[loan.ID] = loan.Clone()
	return nil
}

func (m *mockState) GetPool() (*PoolState, error) {
	return m.pool.Clone(), nil
}

func (m *mockState) PutPool(pool *PoolState) error {
	m.pool = pool.Clone()
	return nil
}

func (m *mockState) snapshot() *mockState {
	out := newMockState()
	for k, v := range m.balances {
		out.balances[k] = cloneAmount(v)
	}
	for k, v := range m.depositors {
		out.depositors[k] = v.Clone()
	}
	for k, v := range m.borrowers {
		out.borrowers[k] = v.Clone()
	}
	for k, v := range m.loans {
		out.loans[k] = v.Clone()
	}
	out.pool = m.pool.Clone()
	return out
}

func (m *mockState) requireUnchanged(t *testing.T, before *mockState) {
	t.Helper()
	if !reflect.DeepEqual(before, m.snapshot()) {
		t.Fatalf("expected state to remain unchanged")
	}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var (
	reserveAddr = makeAddress(0xAA)
	escrowAddr  = makeAddress(0xBB)
	lender      = makeAddress(0x01)
	borrower    = makeAddress(0x02)
	other       = makeAddress(0x03)
)

func makeAddress(fill byte) common.Address {
	var addr common.Address
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

// units parses a decimal amount of an 18 decimal asset.
func units(t *testing.T, value string) *uint256.Int {
	t.Helper()
	amount, err := ParseAmount(value, 18)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return amount
}

func price(t *testing.T, value string) *uint256.Int {
	t.Helper()
	quote, err := ParseAmount(value, 8)
	if err != nil {
		t.Fatalf("parse price %q: %v", value, err)
	}
	return quote
}

func newTestEngine(t *testing.T) (*Engine, *mockState, *testClock) {
	t.Helper()
	engine, err := NewEngine(reserveAddr, escrowAddr, DefaultConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	state := newMockState()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	engine.SetState(state)
	engine.SetClock(clock.Now)
	return engine, state, clock
}

func requireAmount(t *testing.T, label string, got, want *uint256.Int) {
	t.Helper()
	if !cloneAmount(got).Eq(cloneAmount(want)) {
		t.Fatalf("%s: expected %s, got %s", label, cloneAmount(want).Dec(), cloneAmount(got).Dec())
	}
}

func fund(t *testing.T, engine *Engine, actor common.Address, asset Asset, amount *uint256.Int) {
	t.Helper()
	if _, err := engine.Fund(actor, asset, amount); err != nil {
		t.Fatalf("fund %s: %v", actor.Hex(), err)
	}
}
