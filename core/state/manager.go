package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"lendpool/native/pool"
	"lendpool/storage"
)

var errCorruptAmount = errors.New("state: stored amount outside 256-bit range")

// Manager persists pool records in a key-value database. Writes are staged in
// a batch and become durable on Commit; reads observe staged writes.
type Manager struct {
	mu      sync.Mutex
	db      storage.Database
	batch   storage.Batch
	pending map[string][]byte
}

var (
	_ pool.State     = (*Manager)(nil)
	_ pool.Committer = (*Manager)(nil)
)

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		batch:   db.NewBatch(),
		pending: make(map[string][]byte),
	}
}

func (m *Manager) get(key []byte) ([]byte, error) {
	m.mu.Lock()
	staged, ok := m.pending[string(key)]
	m.mu.Unlock()
	if ok {
		return staged, nil
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[string(key)] = encoded
	m.batch.Put(key, encoded)
	return nil
}

func (m *Manager) decode(key []byte, out interface{}) (bool, error) {
	data, err := m.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode %x: %w", key, err)
	}
	return true, nil
}

// Commit writes every staged record in one atomic batch.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batch.Len() == 0 {
		return nil
	}
	if err := m.batch.Write(); err != nil {
		m.resetLocked()
		return fmt.Errorf("state: commit: %w", err)
	}
	m.resetLocked()
	return nil
}

// Rollback discards every staged record.
func (m *Manager) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Manager) resetLocked() {
	m.batch.Reset()
	m.pending = make(map[string][]byte)
}

// Pending reports the number of staged writes.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batch.Len()
}

func (m *Manager) GetBalance(owner common.Address, asset pool.Asset) (*uint256.Int, error) {
	var stored *big.Int
	ok, err := m.decode(BalanceKey(owner, asset), &stored)
	if err != nil || !ok {
		return new(uint256.Int), err
	}
	return fromBig(stored)
}

func (m *Manager) PutBalance(owner common.Address, asset pool.Asset, amount *uint256.Int) error {
	return m.put(BalanceKey(owner, asset), toBig(amount))
}

func (m *Manager) GetDepositor(addr common.Address) (*pool.DepositorAccount, error) {
	stored := new(storedDepositor)
	ok, err := m.decode(DepositorKey(addr), stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.decode()
}

func (m *Manager) PutDepositor(account *pool.DepositorAccount) error {
	if account == nil {
		return fmt.Errorf("state: nil depositor")
	}
	return m.put(DepositorKey(account.Address), encodeDepositor(account))
}

func (m *Manager) GetBorrower(addr common.Address) (*pool.BorrowerAccount, error) {
	stored := new(storedBorrower)
	ok, err := m.decode(BorrowerKey(addr), stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.decode()
}

func (m *Manager) PutBorrower(account *pool.BorrowerAccount) error {
	if account == nil {
		return fmt.Errorf("state: nil borrower")
	}
	return m.put(BorrowerKey(account.Address), encodeBorrower(account))
}

func (m *Manager) GetLoan(id uint64) (*pool.Loan, error) {
	stored := new(storedLoan)
	ok, err := m.decode(LoanKey(id), stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.decode()
}

func (m *Manager) PutLoan(loan *pool.Loan) error {
	if loan == nil {
		return fmt.Errorf("state: nil loan")
	}
	return m.put(LoanKey(loan.ID), encodeLoan(loan))
}

func (m *Manager) GetPool() (*pool.PoolState, error) {
	stored := new(storedPool)
	ok, err := m.decode(poolStateKey, stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.decode()
}

func (m *Manager) PutPool(state *pool.PoolState) error {
	if state == nil {
		return fmt.Errorf("state: nil pool state")
	}
	return m.put(poolStateKey, encodePool(state))
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 like every other record key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.put(kvKey(key), value)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.decode(kvKey(key), out)
}
