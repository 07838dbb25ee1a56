package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/kernel"
)

// runCheckpointCommand folds the WAL into the snapshot. It needs the
// writer lock, so the daemon must be stopped first.
func runCheckpointCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentos checkpoint")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	k, err := openOffline(ctx, cfg)
	if err != nil {
		return 1
	}
	defer k.Close()

	start := time.Now()
	before := k.WAL().LastSeq()
	if err := k.Checkpoint(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoint: %v\n", err)
		return 1
	}
	fmt.Printf("checkpointed through seq %d in %s\n", before, time.Since(start).Round(time.Millisecond))
	return 0
}

// runPruneCommand runs one retention pass outside the cron schedule.
func runPruneCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentos prune")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	k, err := openOffline(ctx, cfg)
	if err != nil {
		return 1
	}
	defer k.Close()

	n, err := k.PruneJournal(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "prune: %v\n", err)
		return 1
	}
	fmt.Printf("pruned %d journal entries\n", n)
	return 0
}

func openOffline(ctx context.Context, cfg config.Config) (*kernel.Kernel, error) {
	k, err := kernel.Open(ctx, cfg.DataDir, cfg, kernel.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		if fault.CodeOf(err) == fault.CodeLockHeld {
			fmt.Fprintln(os.Stderr, "kernel is running; stop the daemon first")
		} else {
			fmt.Fprintf(os.Stderr, "kernel open: %v\n", err)
		}
		return nil, err
	}
	return k, nil
}
