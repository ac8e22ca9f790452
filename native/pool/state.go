package pool

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the durable store collaborator. Implementations must offer
// read-your-writes consistency. Getters return nil records (and zero balances)
// when nothing has been stored yet.
type State interface {
	GetBalance(owner common.Address, asset Asset) (*uint256.Int, error)
	PutBalance(owner common.Address, asset Asset, amount *uint256.Int) error
	GetDepositor(addr common.Address) (*DepositorAccount, error)
	PutDepositor(account *DepositorAccount) error
	GetBorrower(addr common.Address) (*BorrowerAccount, error)
	PutBorrower(account *BorrowerAccount) error
	GetLoan(id uint64) (*Loan, error)
	PutLoan(loan *Loan) error
	GetPool() (*PoolState, error)
	PutPool(pool *PoolState) error
}

// Committer is implemented by stores that stage writes and apply them in a
// single atomic batch.
type Committer interface {
	Commit() error
	Rollback()
}

type balanceKey struct {
	owner common.Address
	asset Asset
}

// txState stages every read and write of one engine operation. Nothing reaches
// the backing store unless the operation succeeds and flush is called.
type txState struct {
	backing State

	balances   map[balanceKey]*uint256.Int
	depositors map[common.Address]*DepositorAccount
	borrowers  map[common.Address]*BorrowerAccount
	loans      map[uint64]*Loan
	pool       *PoolState

	dirtyBalances   map[balanceKey]struct{}
	dirtyDepositors map[common.Address]struct{}
	dirtyBorrowers  map[common.Address]struct{}
	dirtyLoans      map[uint64]struct{}
	dirtyPool       bool
}

func newTxState(backing State) *txState {
	return &txState{
		backing:         backing,
		balances:        make(map[balanceKey]*uint256.Int),
		depositors:      make(map[common.Address]*DepositorAccount),
		borrowers:       make(map[common.Address]*BorrowerAccount),
		loans:           make(map[uint64]*Loan),
		dirtyBalances:   make(map[balanceKey]struct{}),
		dirtyDepositors: make(map[common.Address]struct{}),
		dirtyBorrowers:  make(map[common.Address]struct{}),
		dirtyLoans:      make(map[uint64]struct{}),
	}
}

func (t *txState) GetBalance(owner common.Address, asset Asset) (*uint256.Int, error) {
	key := balanceKey{owner: owner, asset: asset}
	if cached, ok := t.balances[key]; ok {
		return cached, nil
	}
	value, err := t.backing.GetBalance(owner, asset)
	if err != nil {
		return nil, err
	}
	cached := cloneAmount(value)
	t.balances[key] = cached
	return cached, nil
}

func (t *txState) PutBalance(owner common.Address, asset Asset, amount *uint256.Int) error {
	key := balanceKey{owner: owner, asset: asset}
	t.balances[key] = cloneAmount(amount)
	t.dirtyBalances[key] = struct{}{}
	return nil
}

func (t *txState) GetDepositor(addr common.Address) (*DepositorAccount, error) {
	if cached, ok := t.depositors[addr]; ok {
		return cached, nil
	}
	account, err := t.backing.GetDepositor(addr)
	if err != nil {
		return nil, err
	}
	cached := account.Clone()
	t.depositors[addr] = cached
	return cached, nil
}

func (t *txState) PutDepositor(account *DepositorAccount) error {
	if account == nil {
		return invariantf("nil depositor account")
	}
	t.depositors[account.Address] = account
	t.dirtyDepositors[account.Address] = struct{}{}
	return nil
}

func (t *txState) GetBorrower(addr common.Address) (*BorrowerAccount, error) {
	if cached, ok := t.borrowers[addr]; ok {
		return cached, nil
	}
	account, err := t.backing.GetBorrower(addr)
	if err != nil {
		return nil, err
	}
	cached := account.Clone()
	t.borrowers[addr] = cached
	return cached, nil
}

func (t *txState) PutBorrower(account *BorrowerAccount) error {
	if account == nil {
		return invariantf("nil borrower account")
	}
	t.borrowers[account.Address] = account
	t.dirtyBorrowers[account.Address] = struct{}{}
	return nil
}

func (t *txState) GetLoan(id uint64) (*Loan, error) {
	if cached, ok := t.loans[id]; ok {
		return cached, nil
	}
	loan, err := t.backing.GetLoan(id)
	if err != nil {
		return nil, err
	}
	cached := loan.Clone()
	t.loans[id] = cached
	return cached, nil
}

func (t *txState) PutLoan(loan *Loan) error {
	if loan == nil {
		return invariantf("nil loan")
	}
	t.loans[loan.ID] = loan
	t.dirtyLoans[loan.ID] = struct{}{}
	return nil
}

func (t *txState) GetPool() (*PoolState, error) {
	if t.pool != nil {
		return t.pool, nil
	}
	stored, err := t.backing.GetPool()
	if err != nil {
		return nil, err
	}
	if stored == nil {
		t.pool = newPoolState()
	} else {
		t.pool = stored.Clone()
		t.pool.normalize()
	}
	return t.pool, nil
}

func (t *txState) PutPool(pool *PoolState) error {
	if pool == nil {
		return invariantf("nil pool state")
	}
	t.pool = pool
	t.dirtyPool = true
	return nil
}

// flush writes the staged records to the backing store in a deterministic order
// and commits them when the store supports batching.
func (t *txState) flush() (err error) {
	committer, batched := t.backing.(Committer)
	defer func() {
		if err != nil && batched {
			committer.Rollback()
		}
	}()

	balanceKeys := make([]balanceKey, 0, len(t.dirtyBalances))
	for key := range t.dirtyBalances {
		balanceKeys = append(balanceKeys, key)
	}
	sort.Slice(balanceKeys, func(i, j int) bool {
		if c := bytes.Compare(balanceKeys[i].owner.Bytes(), balanceKeys[j].owner.Bytes()); c != 0 {
			return c < 0
		}
		return balanceKeys[i].asset < balanceKeys[j].asset
	})
	for _, key := range balanceKeys {
		if err = t.backing.PutBalance(key.owner, key.asset, t.balances[key]); err != nil {
			return err
		}
	}
	for _, addr := range sortedAddresses(t.dirtyDepositors) {
		if err = t.backing.PutDepositor(t.depositors[addr]); err != nil {
			return err
		}
	}
	for _, addr := range sortedAddresses(t.dirtyBorrowers) {
		if err = t.backing.PutBorrower(t.borrowers[addr]); err != nil {
			return err
		}
	}
	loanIDs := make([]uint64, 0, len(t.dirtyLoans))
	for id := range t.dirtyLoans {
		loanIDs = append(loanIDs, id)
	}
	sort.Slice(loanIDs, func(i, j int) bool { return loanIDs[i] < loanIDs[j] })
	for _, id := range loanIDs {
		if err = t.backing.PutLoan(t.loans[id]); err != nil {
			return err
		}
	}
	if t.dirtyPool {
		if err = t.backing.PutPool(t.pool); err != nil {
			return err
		}
	}
	if batched {
		err = committer.Commit()
	}
	return err
}

func sortedAddresses(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0 })
	return out
}
