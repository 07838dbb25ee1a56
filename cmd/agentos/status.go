package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/snapshot"
	"github.com/basket/agentos/internal/wal"
)

// runStatusCommand reads the data directory without taking the writer
// lock, so it works alongside a running daemon.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentos status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	walPath := filepath.Join(cfg.DataDir, "kernel.wal")
	stats, walErr := wal.Verify(walPath, nil)

	fmt.Printf("data dir:        %s\n", cfg.DataDir)
	if walErr != nil {
		if errors.Is(walErr, os.ErrNotExist) {
			fmt.Println("wal:             absent (kernel never started)")
		} else {
			fmt.Printf("wal:             %v\n", walErr)
		}
	} else {
		fmt.Printf("wal records:     %d (last seq %d, %d bytes)\n", stats.Records, stats.LastSeq, stats.Size)
		if stats.TornBytes > 0 {
			fmt.Printf("wal torn tail:   %d bytes (discarded on next open)\n", stats.TornBytes)
		}
	}

	snapPath := filepath.Join(cfg.DataDir, "snapshot.db")
	if _, err := os.Stat(snapPath); err != nil {
		fmt.Println("snapshot:        absent")
		return 0
	}
	snap, err := snapshot.Open(snapPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot open: %v\n", err)
		return 1
	}
	defer snap.Close()

	state, err := snap.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot load: %v\n", err)
		return 1
	}
	fmt.Printf("checkpoint seq:  %d\n", state.LastSeq)
	fmt.Printf("threads:         %d\n", len(state.Threads))
	fmt.Printf("context entries: %d\n", len(state.Contexts))
	fmt.Printf("journal entries: %d\n", len(state.Journal))
	return 0
}
