package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/agentos/internal/bus"
	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/kernel"
	otelPkg "github.com/basket/agentos/internal/otel"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the kernel daemon over the data directory

SUBCOMMANDS:
  %s status                   Show kernel state without taking the writer lock
  %s verify [-json]           Check the WAL and snapshot for damage
  %s checkpoint               Fold the WAL into the snapshot (daemon stopped)
  %s prune                    Run one retention pass now (daemon stopped)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTOS_DATA            Data directory (default: ~/.agentos)
  AGENTOS_LOG_LEVEL       Log level override (debug, info, warn, error)
  AGENTOS_CONTEXT_BUDGET  Per-thread Expanded-tier token budget
  AGENTOS_PRUNE_SCHEDULE  Cron expression for retention passes
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "verify":
			os.Exit(runVerifyCommand(ctx, args[1:]))
		case "checkpoint":
			os.Exit(runCheckpointCommand(ctx, args[1:]))
		case "prune":
			os.Exit(runPruneCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "data_dir", cfg.DataDir, "version", Version)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	eventBus := bus.New()
	k, err := kernel.Open(ctx, cfg.DataDir, cfg, kernel.Options{
		Bus:     eventBus,
		Logger:  logger,
		Tracer:  provider.Tracer,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("kernel open failed", "error", err)
		return 1
	}
	defer k.Close()
	logger.Info("startup phase", "phase", "kernel_recovered")

	pruner, err := retention.NewPruner(retention.PrunerConfig{
		Target:   k,
		Logger:   logger,
		Schedule: cfg.PruneSchedule,
	})
	if err != nil {
		logger.Error("pruner init failed", "error", err)
		return 1
	}
	pruner.Start(ctx)
	defer func() { pruner.Stop() }()

	// Schedule changes swap the whole pruner; robfig schedules are
	// immutable once parsed.
	swapPruner := func(schedule string) error {
		next, err := retention.NewPruner(retention.PrunerConfig{
			Target:   k,
			Logger:   logger,
			Schedule: schedule,
		})
		if err != nil {
			return err
		}
		pruner.Stop()
		pruner = next
		pruner.Start(ctx)
		return nil
	}

	watcher := config.NewWatcher(cfg.DataDir, logger)
	if err := watcher.Start(ctx); err != nil {
		// A broken watcher costs hot reload, not correctness.
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go reloadLoop(ctx, k, cfg, logger, watcher.Events(), swapPruner)
	}

	if undelivered := k.Undelivered(); len(undelivered) > 0 {
		logger.Info("undelivered messages pending redelivery", "count", len(undelivered))
	}
	logger.Info("kernel daemon ready", "data_dir", cfg.DataDir)

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// reloadLoop re-reads kernel.yaml on change and applies the settings that
// are safe to change live. Everything else waits for a restart.
func reloadLoop(ctx context.Context, k *kernel.Kernel, cfg config.Config, logger *slog.Logger, events <-chan config.ReloadEvent, swapPruner func(string) error) {
	fingerprint := cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			next, err := config.LoadFrom(cfg.DataDir)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			if next.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = next.Fingerprint()
			if next.ContextBudgetTokens != cfg.ContextBudgetTokens {
				k.SetContextBudget(next.ContextBudgetTokens)
				logger.Info("context budget reloaded",
					"old", cfg.ContextBudgetTokens, "new", next.ContextBudgetTokens)
			}
			if next.PruneSchedule != cfg.PruneSchedule {
				if err := swapPruner(next.PruneSchedule); err != nil {
					logger.Warn("prune schedule rejected", "schedule", next.PruneSchedule, "error", err)
					next.PruneSchedule = cfg.PruneSchedule
				} else {
					logger.Info("prune schedule reloaded", "schedule", next.PruneSchedule)
				}
			}
			cfg = next
		}
	}
}
