package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/roundtable-chat/roundtable/internal/adapter/postgres"
	"github.com/roundtable-chat/roundtable/internal/config"
	domainrun "github.com/roundtable-chat/roundtable/internal/domain/run"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "rollback":
		return runAdminRollback(args[1:])
	case "version":
		return runAdminVersion(args[1:])
	case "stale-runs":
		return runAdminStaleRuns(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: roundtable admin <command> [options]

Commands:
  migrate      Apply pending database migrations
  rollback     Roll back migrations (--steps N, default 1)
  version      Print the current migration version
  stale-runs   List running runs whose heartbeat is older than the stale timeout
  help         Show this help message

Examples:
  roundtable admin migrate
  roundtable admin rollback --steps 2
  roundtable admin stale-runs --older-than 15m
  roundtable admin stale-runs --json
`)
}

func loadAdminConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Driver != "postgres" {
		return nil, fmt.Errorf("admin commands need storage.driver=postgres, got %q", cfg.Storage.Driver)
	}
	return cfg, nil
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Migrated to version %d\n", v)
	return nil
}

func runAdminRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *steps < 1 {
		return fmt.Errorf("--steps must be >= 1")
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back to version %d\n", v)
	return nil
}

func runAdminVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	v, err := postgres.MigrationVersion(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	fmt.Println(v)
	return nil
}

func runAdminStaleRuns(args []string) error {
	fs := flag.NewFlagSet("stale-runs", flag.ContinueOnError)
	olderThan := fs.Duration("older-than", 0, "heartbeat age (default scheduler.stale_run_timeout)")
	asJSON := fs.Bool("json", false, "print JSON lines (default when stdout is not a terminal)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadAdminConfig()
	if err != nil {
		return err
	}
	age := *olderThan
	if age <= 0 {
		age = cfg.Scheduler.StaleRunTimeout
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	runs, err := postgres.NewStore(pool).ListStaleRuns(ctx, time.Now().Add(-age))
	if err != nil {
		return fmt.Errorf("list stale runs: %w", err)
	}

	if *asJSON || !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec // fd fits in int
		return printRunsJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No stale runs.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tCONVERSATION\tSPEAKER\tKIND\tWORKER\tHEARTBEAT")
	for i := range runs {
		r := &runs[i]
		hb := "-"
		if r.HeartbeatAt != nil {
			hb = time.Since(*r.HeartbeatAt).Truncate(time.Second).String() + " ago"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.ConversationID, r.SpeakerID, r.Kind, r.WorkerID, hb)
	}
	return w.Flush()
}

func printRunsJSON(runs []domainrun.Run) error {
	enc := json.NewEncoder(os.Stdout)
	for i := range runs {
		if err := enc.Encode(&runs[i]); err != nil {
			return err
		}
	}
	return nil
}
