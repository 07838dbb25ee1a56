package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Target is the slice of the kernel the pruner drives.
type Target interface {
	PruneJournal(ctx context.Context, now time.Time) (int, error)
}

// PrunerConfig holds the dependencies for the background pruner.
type PrunerConfig struct {
	Target   Target
	Logger   *slog.Logger
	Schedule string           // cron expression; defaults to hourly
	Now      func() time.Time // injectable clock; defaults to time.Now
}

// Pruner runs retention passes on a cron schedule. Pruning is asynchronous
// with respect to journal appends; each pass is WAL-logged by the kernel so
// recovery stays consistent with what survived.
type Pruner struct {
	target   Target
	logger   *slog.Logger
	schedule cronlib.Schedule
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPruner creates a Pruner with the given config.
func NewPruner(cfg PrunerConfig) (*Pruner, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pruner{
		target:   cfg.Target,
		logger:   logger,
		schedule: sched,
		now:      now,
	}, nil
}

// Start begins the prune loop in a background goroutine.
func (p *Pruner) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("retention pruner started", "next_run", p.schedule.Next(p.now()))
}

// Stop cancels the loop and waits for it to exit.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("retention pruner stopped")
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		next := p.schedule.Next(p.now())
		timer := time.NewTimer(next.Sub(p.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single prune pass immediately.
func (p *Pruner) RunOnce(ctx context.Context) {
	now := p.now()
	pruned, err := p.target.PruneJournal(ctx, now)
	if err != nil {
		p.logger.Error("retention pass failed", "error", err)
		return
	}
	if pruned > 0 {
		p.logger.Info("retention pass pruned entries", "count", pruned)
	}
}
