package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"lendpool/crypto"
	"lendpool/internal/passphrase"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", defaultKeystore, "keystore output path")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "environment variable holding the passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	importHex := fs.String("import", "", "hex private key to import instead of generating one")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return printError(stderr, fmt.Errorf("%s already exists; pass -force to overwrite", *out))
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return printError(stderr, err)
	}
	pass, err := passphrase.NewConfirmedSource(*passEnv).Get()
	if err != nil {
		return printError(stderr, err)
	}
	var key *crypto.PrivateKey
	if *importHex != "" {
		key, err = crypto.PrivateKeyFromHex(*importHex)
	} else {
		key, err = crypto.GeneratePrivateKey()
	}
	if err != nil {
		return printError(stderr, err)
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", key.Address().Hex(), *out)
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("keystore", defaultKeystore, "keystore path")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "environment variable holding the passphrase")
	hrp := fs.String("bech32", "", "also print the address with this bech32 prefix")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := unlock(*path, *passEnv)
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, key.Address().Hex())
	if *hrp != "" {
		encoded, err := crypto.Bech32(*hrp, key.Address())
		if err != nil {
			return printError(stderr, err)
		}
		fmt.Fprintln(stdout, encoded)
	}
	return 0
}

func unlock(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}
