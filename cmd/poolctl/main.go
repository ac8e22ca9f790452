package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	defaultAPI      = "http://127.0.0.1:8080"
	defaultKeystore = "operator.keystore"
	tokenEnv        = "POOLCTL_TOKEN"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "login":
		return runLogin(args[1:], stdout, stderr)
	case "pool", "loan", "loans", "balance", "deposit", "withdraw", "interest", "borrow", "repay", "claim", "fund", "release":
		return runLedgerCommand(args[0], args[1:], stdout, stderr)
	case "journal":
		return runJournalCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: poolctl <command> [flags]

Keys:
  keygen   -out <path>                      create an encrypted keystore
  address  -keystore <path>                 print the keystore address
  login    -keystore <path> [-api <url>]    sign a login challenge and print a token

Ledger (tokens are read from -token or POOLCTL_TOKEN):
  pool                                      pool counters
  loan <id>                                 loan details
  loans <address> [-open]                   loans of a borrower
  balance <address>                         custody balances
  deposit <amount> | withdraw <amount>
  interest accrue [-at <unix>] | interest withdraw
  borrow <amount> -days <n>
  repay <id> <amount>
  claim                                     withdraw unlocked collateral
  fund|release <address> <asset> <amount>   operator custody movements

Journal:
  journal verify|export|checkpoint -driver <sqlite|postgres> -dsn <dsn>
`)
}

func printError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
