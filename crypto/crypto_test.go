package crypto

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseAddressHexAndBech32(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	addr := key.Address()

	fromHex, err := ParseAddress(addr.Hex())
	if err != nil || fromHex != addr {
		t.Fatalf("hex parse: %s %v", fromHex.Hex(), err)
	}
	encoded, err := Bech32("", addr)
	if err != nil {
		t.Fatalf("bech32: %v", err)
	}
	if !strings.HasPrefix(encoded, DefaultHRP+"1") {
		t.Fatalf("unexpected bech32 prefix %s", encoded)
	}
	fromBech, err := ParseAddress(encoded)
	if err != nil || fromBech != addr {
		t.Fatalf("bech32 parse: %s %v", fromBech.Hex(), err)
	}
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "0x1234", "lend1notvalid", "hello"} {
		if _, err := ParseAddress(in); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("ParseAddress(%q): expected ErrInvalidAddress, got %v", in, err)
		}
	}
}

func TestSignAndVerifyLogin(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := LoginMessage("pool.example", key.Address(), "nonce-1", time.Unix(1_700_000_000, 0))
	sig, err := SignText(key, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("expected 27/28 recovery id, got %d", sig[64])
	}
	if err := VerifyText(key.Address(), msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyText(common.Address{}, msg, sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
	if err := VerifyText(key.Address(), msg+"tampered", sig); err == nil {
		t.Fatalf("expected tampered message to fail")
	}
	if _, err := RecoverText(msg, sig[:10]); err == nil {
		t.Fatalf("expected short signature to fail")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	if err := SaveToKeystore(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "correct horse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("address mismatch after reload")
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
	if err := SaveToKeystore(path, key, "  "); err == nil {
		t.Fatalf("expected blank passphrase to be rejected")
	}
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := PrivateKeyFromHex("0x" + common.Bytes2Hex(key.Bytes()))
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}
	if restored.Address() != key.Address() {
		t.Fatalf("address mismatch")
	}
}
