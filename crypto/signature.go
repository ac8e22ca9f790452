package crypto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrSignatureMismatch = errors.New("crypto: signature does not match address")

// LoginMessage is the text an actor signs to obtain a session. The nonce is
// issued by the server and single use.
func LoginMessage(domain string, addr common.Address, nonce string, issuedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your account:\n", domain)
	fmt.Fprintf(&b, "%s\n\n", addr.Hex())
	fmt.Fprintf(&b, "Nonce: %s\n", nonce)
	fmt.Fprintf(&b, "Issued At: %s", issuedAt.UTC().Format(time.RFC3339))
	return b.String()
}

// SignText signs message with the personal-message (EIP-191) prefix. The
// recovery id is returned in the last byte as 27 or 28.
func SignText(key *PrivateKey, message string) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverText returns the address that produced sig over message. Signatures
// with a recovery id of 0/1 or 27/28 are accepted.
func RecoverText(message string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto: signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyText checks that addr signed message.
func VerifyText(addr common.Address, message string, sig []byte) error {
	signer, err := RecoverText(message, sig)
	if err != nil {
		return err
	}
	if signer != addr {
		return fmt.Errorf("%w: recovered %s", ErrSignatureMismatch, signer.Hex())
	}
	return nil
}
