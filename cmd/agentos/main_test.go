package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/journal"
	"github.com/basket/agentos/internal/kernel"
	"github.com/basket/agentos/internal/retention"
)

// seedDataDir runs a kernel long enough to leave a WAL and snapshot
// behind for the offline commands to inspect.
func seedDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENTOS_DATA", dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	ctx := context.Background()
	k, err := kernel.Open(ctx, dir, cfg, kernel.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("kernel open: %v", err)
	}
	root, err := k.CreateRoot(ctx, "T0", retention.Forever())
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	if _, err := k.AppendJournal(ctx, root.ID, journal.DirectionInbound, "blob://m1", ""); err != nil {
		t.Fatalf("AppendJournal: %v", err)
	}
	if err := k.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return dir
}

func TestVerifyCleanDir(t *testing.T) {
	seedDataDir(t)
	if code := runVerifyCommand(context.Background(), nil); code != 0 {
		t.Fatalf("verify exit = %d, want 0", code)
	}
}

func TestVerifyJSONFlag(t *testing.T) {
	seedDataDir(t)
	if code := runVerifyCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("verify -json exit = %d, want 0", code)
	}
}

func TestVerifyFlagsCorruption(t *testing.T) {
	dir := seedDataDir(t)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	k, err := kernel.Open(ctx, dir, cfg, kernel.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("kernel open: %v", err)
	}
	if _, err := k.Expand(ctx, "T0", "more context", 10); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if _, err := k.Expand(ctx, "T0", "even more", 10); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if err := k.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a byte inside the first frame's payload, not the tail.
	walPath := filepath.Join(dir, "kernel.wal")
	data, err := os.ReadFile(walPath)
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	data[24] ^= 0xFF
	if err := os.WriteFile(walPath, data, 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	if code := runVerifyCommand(ctx, nil); code != 1 {
		t.Fatalf("verify exit = %d, want 1 on corruption", code)
	}
}

func TestStatusCommand(t *testing.T) {
	seedDataDir(t)
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("status exit = %d, want 0", code)
	}
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("status with args exit = %d, want 2", code)
	}
}

func TestCheckpointAndPruneCommands(t *testing.T) {
	dir := seedDataDir(t)
	ctx := context.Background()

	if code := runCheckpointCommand(ctx, nil); code != 0 {
		t.Fatalf("checkpoint exit = %d, want 0", code)
	}
	if code := runPruneCommand(ctx, nil); code != 0 {
		t.Fatalf("prune exit = %d, want 0", code)
	}

	// A held writer lock must turn the offline commands away.
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	k, err := kernel.Open(ctx, dir, cfg, kernel.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("kernel open: %v", err)
	}
	defer k.Close()
	if code := runCheckpointCommand(ctx, nil); code != 1 {
		t.Fatalf("checkpoint under lock exit = %d, want 1", code)
	}
}
