package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"lendpool/internal/passphrase"
	"lendpool/observability/logging"
	"lendpool/services/poold/journal"
)

func runJournalCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "journal expects verify, export or checkpoint")
		return 1
	}
	sub := args[0]
	fs := flag.NewFlagSet("journal "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	driver := fs.String("driver", "sqlite", "journal database driver (sqlite or postgres)")
	dsn := fs.String("dsn", "journal.db", "journal database DSN")
	out := fs.String("out", "journal.parquet", "export destination")
	eventType := fs.String("type", "", "export only this event type")
	actor := fs.String("actor", "", "export only events of this actor")
	keystore := fs.String("keystore", defaultKeystore, "operator keystore used to sign checkpoints")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	log, closer := logging.SetupWithOptions("poolctl", "", logging.Options{Level: "warn", Output: stderr})
	defer closer.Close()
	j, err := openJournal(*driver, *dsn, log)
	if err != nil {
		return printError(stderr, err)
	}
	ctx := context.Background()

	switch sub {
	case "verify":
		seq, err := j.Verify(ctx)
		if err != nil {
			return printError(stderr, fmt.Errorf("chain broken at sequence %d: %w", seq, err))
		}
		_, head := j.Head()
		fmt.Fprintf(stdout, "journal intact: %d entries, head %x\n", seq, head)
		return 0
	case "export":
		n, err := j.ExportParquet(ctx, *out, journal.Filter{Type: *eventType, Actor: *actor})
		if err != nil {
			return printError(stderr, err)
		}
		fmt.Fprintf(stdout, "exported %d entries to %s\n", n, *out)
		return 0
	case "checkpoint":
		key, err := unlock(*keystore, *passEnv)
		if err != nil {
			return printError(stderr, err)
		}
		cp, err := j.Checkpoint(key)
		if err != nil {
			return printError(stderr, err)
		}
		raw, err := json.Marshal(cp)
		if err != nil {
			return printError(stderr, err)
		}
		printJSON(stdout, raw)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown journal subcommand: %s\n", sub)
		return 1
	}
}

func openJournal(driver, dsn string, log *slog.Logger) (*journal.Journal, error) {
	db, err := journal.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return journal.New(db, log)
}
