// Package doctor runs offline diagnostic checks over a kernel data
// directory: config, permissions, WAL integrity, snapshot schema, and
// writer-lock state.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/snapshot"
	"github.com/basket/agentos/internal/wal"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDataDir,
		checkWAL,
		checkSnapshot,
		checkLock,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := cfg.DefaultRetentionClass(); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL",
			Message: "default_retention is invalid", Detail: err.Error()}
	}
	if cfg.ContextBudgetTokens <= 0 {
		return CheckResult{Name: "Config", Status: "WARN",
			Message: "context_budget_tokens is unset; budget enforcement is off"}
	}
	return CheckResult{Name: "Config", Status: "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.DataDir)}
}

func checkDataDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Data dir", Status: "SKIP", Message: "Config missing"}
	}
	info, err := os.Stat(cfg.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Data dir", Status: "WARN",
			Message: "Data directory does not exist yet",
			Detail:  "Created on first daemon start"}
	}
	if err != nil {
		return CheckResult{Name: "Data dir", Status: "FAIL", Message: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Data dir", Status: "FAIL",
			Message: fmt.Sprintf("%s is not a directory", cfg.DataDir)}
	}
	probe := filepath.Join(cfg.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return CheckResult{Name: "Data dir", Status: "FAIL",
			Message: "Data directory is not writable", Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Data dir", Status: "PASS", Message: cfg.DataDir}
}

func checkWAL(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "WAL", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.DataDir, "kernel.wal")
	stats, err := wal.Verify(path, nil)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "WAL", Status: "WARN", Message: "No WAL yet (kernel never started)"}
	}
	if fault.IsCorruption(err) {
		return CheckResult{Name: "WAL", Status: "FAIL",
			Message: "WAL is corrupt; the kernel will refuse to start", Detail: err.Error()}
	}
	if err != nil {
		return CheckResult{Name: "WAL", Status: "FAIL", Message: err.Error()}
	}
	msg := fmt.Sprintf("%d records, last seq %d", stats.Records, stats.LastSeq)
	if stats.TornBytes > 0 {
		return CheckResult{Name: "WAL", Status: "WARN",
			Message: msg,
			Detail:  fmt.Sprintf("%d-byte torn tail will be discarded on next open", stats.TornBytes)}
	}
	return CheckResult{Name: "WAL", Status: "PASS", Message: msg}
}

func checkSnapshot(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Snapshot", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.DataDir, "snapshot.db")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Snapshot", Status: "WARN", Message: "No snapshot yet"}
	}
	snap, err := snapshot.Open(path)
	if err != nil {
		status := "FAIL"
		msg := "Snapshot did not open"
		if fault.CodeOf(err) == fault.CodeBadSnapshot {
			msg = "Snapshot schema is from a different kernel version"
		}
		return CheckResult{Name: "Snapshot", Status: status, Message: msg, Detail: err.Error()}
	}
	defer snap.Close()
	seq, err := snap.LastSeq(ctx)
	if err != nil {
		return CheckResult{Name: "Snapshot", Status: "FAIL", Message: err.Error()}
	}
	return CheckResult{Name: "Snapshot", Status: "PASS",
		Message: fmt.Sprintf("Checkpointed through seq %d", seq)}
}

func checkLock(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Lock", Status: "SKIP", Message: "Config missing"}
	}
	path := filepath.Join(cfg.DataDir, "kernel.lock")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Lock", Status: "PASS", Message: "No writer holds the kernel"}
	}
	if err != nil {
		return CheckResult{Name: "Lock", Status: "FAIL", Message: err.Error()}
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return CheckResult{Name: "Lock", Status: "WARN",
			Message: "Lock file is empty", Detail: "Reclaimed on next open"}
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return CheckResult{Name: "Lock", Status: "WARN",
			Message: "Lock file is malformed", Detail: "Reclaimed on next open"}
	}
	if pidAlive(pid) {
		return CheckResult{Name: "Lock", Status: "PASS",
			Message: fmt.Sprintf("Held by running pid %d", pid)}
	}
	return CheckResult{Name: "Lock", Status: "WARN",
		Message: fmt.Sprintf("Stale lock from dead pid %d", pid),
		Detail:  "Reclaimed on next open"}
}

func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
