package journal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"lendpool/crypto"
)

// Checkpoint is an operator-signed statement of the journal head.
type Checkpoint struct {
	Sequence  uint64 `json:"sequence"`
	Head      string `json:"head"`
	Operator  string `json:"operator"`
	Signature string `json:"signature"`
}

func checkpointMessage(seq uint64, head string) string {
	return "lendpool journal checkpoint\nsequence: " + strconv.FormatUint(seq, 10) + "\nhead: " + head
}

// Checkpoint signs the current head with the operator key.
func (j *Journal) Checkpoint(key *crypto.PrivateKey) (*Checkpoint, error) {
	if key == nil {
		return nil, errors.New("journal: operator key required")
	}
	seq, head := j.Head()
	encoded := hex.EncodeToString(head[:])
	sig, err := crypto.SignText(key, checkpointMessage(seq, encoded))
	if err != nil {
		return nil, fmt.Errorf("journal: sign checkpoint: %w", err)
	}
	return &Checkpoint{
		Sequence:  seq,
		Head:      encoded,
		Operator:  key.Address().Hex(),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// VerifyCheckpoint checks the signature and, when the journal has reached the
// checkpoint sequence, that the stored chain matches it.
func (j *Journal) VerifyCheckpoint(ctx context.Context, cp *Checkpoint, operator common.Address) error {
	if cp == nil {
		return errors.New("journal: nil checkpoint")
	}
	sig, err := hex.DecodeString(cp.Signature)
	if err != nil {
		return fmt.Errorf("journal: decode signature: %w", err)
	}
	if err := crypto.VerifyText(operator, checkpointMessage(cp.Sequence, cp.Head), sig); err != nil {
		return err
	}
	if cp.Sequence == 0 {
		return nil
	}
	entries, err := j.List(ctx, Filter{After: cp.Sequence - 1, Limit: 1})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("journal: checkpoint sequence %d not present", cp.Sequence)
	}
	if entries[0].Hash != cp.Head {
		return fmt.Errorf("%w: checkpoint %d head mismatch", ErrChainBroken, cp.Sequence)
	}
	return nil
}
