package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendpool/native/pool"
)

var (
	balancePrefix   = []byte("pool/balance/")
	depositorPrefix = []byte("pool/depositor/")
	borrowerPrefix  = []byte("pool/borrower/")
	loanPrefix      = []byte("pool/loan/")
	poolStateKey    = ethcrypto.Keccak256([]byte("pool/state"))
)

func prefixed(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

// BalanceKey is the store key of an owner's custody balance in asset.
func BalanceKey(owner common.Address, asset pool.Asset) []byte {
	return prefixed(balancePrefix, owner.Bytes(), []byte{':', byte(asset)})
}

// DepositorKey is the store key of a depositor record.
func DepositorKey(addr common.Address) []byte {
	return prefixed(depositorPrefix, addr.Bytes())
}

// BorrowerKey is the store key of a borrower record.
func BorrowerKey(addr common.Address) []byte {
	return prefixed(borrowerPrefix, addr.Bytes())
}

// LoanKey is the store key of a loan record.
func LoanKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixed(loanPrefix, buf[:])
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}
