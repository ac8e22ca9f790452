package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"lendpool/crypto"
	"lendpool/internal/passphrase"
)

func runLogin(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(stderr)
	api := fs.String("api", apiDefault(), "pool API base URL")
	path := fs.String("keystore", defaultKeystore, "keystore path")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := unlock(*path, *passEnv)
	if err != nil {
		return printError(stderr, err)
	}
	token, err := newAPIClient(*api, "").login(key)
	if err != nil {
		return printError(stderr, err)
	}
	fmt.Fprintln(stdout, token)
	return 0
}

type ledgerRequest struct {
	method string
	path   string
	body   any
}

func runLedgerCommand(command string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	api := fs.String("api", apiDefault(), "pool API base URL")
	token := fs.String("token", os.Getenv(tokenEnv), "bearer token from poolctl login")
	idemKey := fs.String("idempotency-key", "", "reuse a key to retry a mutation safely")
	openOnly := fs.Bool("open", false, "only list open loans")
	days := fs.Uint64("days", 0, "loan duration in days")
	at := fs.Int64("at", 0, "accrual timestamp (unix seconds, default now)")
	if err := fs.Parse(reorder(args)); err != nil {
		return 1
	}
	req, err := buildLedgerRequest(command, fs.Args(), *openOnly, *days, *at)
	if err != nil {
		return printError(stderr, err)
	}
	key := ""
	if req.method == http.MethodPost {
		key = *idemKey
		if key == "" {
			key = uuid.NewString()
		}
	}
	raw, err := newAPIClient(*api, *token).call(req.method, req.path, req.body, key)
	if err != nil {
		return printError(stderr, err)
	}
	printJSON(stdout, raw)
	return 0
}

func buildLedgerRequest(command string, args []string, openOnly bool, days uint64, at int64) (ledgerRequest, error) {
	need := func(n int, names string) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %s", command, names)
		}
		return nil
	}
	switch command {
	case "pool":
		return ledgerRequest{method: http.MethodGet, path: "/v1/pool"}, need(0, "no arguments")
	case "loan":
		if err := need(1, "<id>"); err != nil {
			return ledgerRequest{}, err
		}
		if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
			return ledgerRequest{}, fmt.Errorf("invalid loan id %q", args[0])
		}
		return ledgerRequest{method: http.MethodGet, path: "/v1/loans/" + args[0]}, nil
	case "loans", "balance":
		if err := need(1, "<address>"); err != nil {
			return ledgerRequest{}, err
		}
		addr, err := crypto.ParseAddress(args[0])
		if err != nil {
			return ledgerRequest{}, err
		}
		if command == "balance" {
			return ledgerRequest{method: http.MethodGet, path: "/v1/balances/" + addr.Hex()}, nil
		}
		path := "/v1/borrowers/" + addr.Hex() + "/loans"
		if openOnly {
			path += "?" + url.Values{"open": {"true"}}.Encode()
		}
		return ledgerRequest{method: http.MethodGet, path: path}, nil
	case "deposit", "withdraw":
		if err := need(1, "<amount>"); err != nil {
			return ledgerRequest{}, err
		}
		return ledgerRequest{method: http.MethodPost, path: "/v1/" + command, body: map[string]string{"amount": args[0]}}, nil
	case "interest":
		if len(args) != 1 {
			return ledgerRequest{}, fmt.Errorf("interest expects accrue or withdraw")
		}
		switch args[0] {
		case "accrue":
			return ledgerRequest{method: http.MethodPost, path: "/v1/interest/accrue", body: map[string]int64{"at": at}}, nil
		case "withdraw":
			return ledgerRequest{method: http.MethodPost, path: "/v1/interest/withdraw"}, nil
		}
		return ledgerRequest{}, fmt.Errorf("unknown interest subcommand %q", args[0])
	case "borrow":
		if err := need(1, "<amount> -days <n>"); err != nil {
			return ledgerRequest{}, err
		}
		if days == 0 {
			return ledgerRequest{}, fmt.Errorf("-days is required")
		}
		return ledgerRequest{method: http.MethodPost, path: "/v1/borrow", body: map[string]any{"amount": args[0], "durationDays": days}}, nil
	case "repay":
		if err := need(2, "<id> <amount>"); err != nil {
			return ledgerRequest{}, err
		}
		if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
			return ledgerRequest{}, fmt.Errorf("invalid loan id %q", args[0])
		}
		return ledgerRequest{method: http.MethodPost, path: "/v1/loans/" + args[0] + "/repay", body: map[string]string{"amount": args[1]}}, nil
	case "claim":
		return ledgerRequest{method: http.MethodPost, path: "/v1/collateral/claim"}, need(0, "no arguments")
	case "fund", "release":
		if err := need(3, "<address> <asset> <amount>"); err != nil {
			return ledgerRequest{}, err
		}
		addr, err := crypto.ParseAddress(args[0])
		if err != nil {
			return ledgerRequest{}, err
		}
		return ledgerRequest{method: http.MethodPost, path: "/v1/custody/" + command, body: map[string]string{
			"actor": addr.Hex(), "asset": args[1], "amount": args[2],
		}}, nil
	}
	return ledgerRequest{}, fmt.Errorf("unknown command %q", command)
}

// reorder moves flags ahead of positional arguments so "repay 1 10 -api x"
// parses like "repay -api x 1 10".
func reorder(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && len(arg) > 1 {
			flags = append(flags, arg)
			if !strings.Contains(arg, "=") && !isBoolFlag(arg) && i+1 < len(args) {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, arg)
	}
	return append(flags, positional...)
}

func isBoolFlag(arg string) bool {
	return strings.TrimLeft(arg, "-") == "open"
}

func apiDefault() string {
	if v := strings.TrimSpace(os.Getenv("POOLCTL_API")); v != "" {
		return v
	}
	return defaultAPI
}
