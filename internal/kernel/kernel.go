// Package kernel is the durability core of the runtime: one instance owns
// a write-ahead log, a thread table, a context store, and a message
// journal, and serializes every mutation through a write-before-apply
// protocol. A mutation is encoded as a WAL record, committed durably,
// applied to the in-memory indices, and only then reported to the caller.
// Recovery loads the last snapshot and replays the WAL suffix through the
// same apply functions that ran live.
package kernel

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentos/internal/bus"
	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/contexts"
	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/journal"
	"github.com/basket/agentos/internal/otel"
	"github.com/basket/agentos/internal/snapshot"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/wal"
)

const (
	walFileName      = "kernel.wal"
	snapshotFileName = "snapshot.db"
)

// Curator is the external relevance engine. It is the normal issuer of
// Fold, Evict, and ReExpand; the kernel notifies it when the forced-fold
// fallback had to run because it fell behind.
type Curator interface {
	BudgetPressure(threadID threads.ID, workingTokens, incomingTokens, budget int)
}

// Options carries the kernel's collaborators. Every field is optional.
type Options struct {
	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Curator Curator
	// Now overrides the clock, for tests that simulate the passage of time.
	Now func() time.Time
}

// Kernel owns the four structures and the single logical writer.
type Kernel struct {
	mu sync.RWMutex // writer lock; reads take RLock

	dir  string
	cfg  config.Config
	lock *wal.Lock
	wal  *wal.Log
	snap *snapshot.Store

	threads  *threads.Table
	contexts *contexts.Store
	journal  *journal.Journal

	bus     *bus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	curator Curator
	now     func() time.Time

	recordsSinceCheckpoint int
	walSizeReported        int64 // last size fed to the WALSize updown counter
	closed                 bool
}

// Open starts a kernel over dir, acquiring the single-writer lock,
// loading the snapshot, and replaying the WAL suffix past the checkpoint.
// A second instance on the same dir fails with CodeLockHeld.
func Open(ctx context.Context, dir string, cfg config.Config, opts Options) (*Kernel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Durability(fault.CodeIOFailure, err, "create kernel directory")
	}

	lock, err := wal.AcquireLock(dir)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		dir:      dir,
		cfg:      cfg,
		lock:     lock,
		threads:  threads.NewTable(),
		journal:  journal.New(),
		bus:      opts.Bus,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		curator:  opts.Curator,
		now:      opts.Now,
	}
	if k.bus == nil {
		k.bus = bus.New()
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	if k.tracer == nil {
		k.tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if k.metrics == nil {
		m, err := otel.NewMetrics(noop.NewMeterProvider().Meter(otel.MeterName))
		if err != nil {
			lock.Release()
			return nil, err
		}
		k.metrics = m
	}
	if k.now == nil {
		k.now = time.Now
	}

	snap, err := snapshot.Open(filepath.Join(dir, snapshotFileName))
	if err != nil {
		lock.Release()
		return nil, err
	}
	k.snap = snap
	k.contexts = contexts.NewStore(snap, cfg.ContextBudgetTokens)

	if err := k.recover(ctx); err != nil {
		_ = snap.Close()
		lock.Release()
		return nil, err
	}
	return k, nil
}

func (k *Kernel) recover(ctx context.Context) error {
	state, err := k.snap.Load(ctx)
	if err != nil {
		return err
	}
	for _, th := range state.Threads {
		k.threads.Load(th)
	}
	for _, e := range state.Contexts {
		k.contexts.Load(e)
	}
	for _, e := range state.Journal {
		k.journal.Load(e)
	}

	log, err := wal.Open(filepath.Join(k.dir, walFileName))
	if err != nil {
		return err
	}
	k.wal = log

	replayed := 0
	err = log.Replay(func(rec wal.Record) error {
		if rec.Seq <= uint64(state.LastSeq) {
			// Already reflected in the snapshot. Apply functions are
			// idempotent, but skipping keeps recovery linear in the
			// suffix, not the file.
			return nil
		}
		if err := k.apply(ctx, rec); err != nil {
			return err
		}
		replayed++
		return nil
	})
	if err != nil {
		_ = log.Close()
		return err
	}

	k.metrics.RecoveryReplayed.Add(ctx, int64(replayed))
	k.logger.Info("kernel recovered",
		"snapshot_seq", state.LastSeq,
		"replayed", replayed,
		"threads", k.threads.Count(),
		"journal_entries", k.journal.Len(),
	)
	return nil
}

// apply fans one record out to every store. Each store ignores kinds it
// does not own. Used identically by live commits and replay.
func (k *Kernel) apply(ctx context.Context, rec wal.Record) error {
	if err := k.threads.Apply(rec); err != nil {
		return err
	}
	if err := k.contexts.Apply(ctx, rec); err != nil {
		return err
	}
	return k.journal.Apply(rec)
}

// commit is the write-before-apply step shared by every mutating
// operation: append the batch durably, then apply each record. Callers
// hold the writer lock.
func (k *Kernel) commit(ctx context.Context, entries []wal.Entry) (uint64, error) {
	if k.closed {
		return 0, fault.Durability(fault.CodeClosed, nil, "kernel is closed")
	}
	start := time.Now()
	first, err := k.wal.AppendBatch(entries)
	if err != nil {
		return 0, err
	}
	k.metrics.WALAppendDuration.Record(ctx, time.Since(start).Seconds())
	k.metrics.WALRecords.Add(ctx, int64(len(entries)))
	k.reportWALSize(ctx)

	for i, e := range entries {
		rec := wal.Record{Seq: first + uint64(i), Kind: e.Kind, Payload: e.Payload}
		if err := k.apply(ctx, rec); err != nil {
			return 0, err
		}
	}
	k.recordsSinceCheckpoint += len(entries)
	return first, nil
}

// reportWALSize feeds the size updown counter the delta since the last
// report, so the exported value tracks the file size.
func (k *Kernel) reportWALSize(ctx context.Context) {
	size, err := k.wal.Size()
	if err != nil {
		return
	}
	k.metrics.WALSize.Add(ctx, size-k.walSizeReported)
	k.walSizeReported = size
}

// maybeCheckpoint runs an automatic checkpoint when the WAL has grown
// past the configured record threshold. Callers hold the writer lock.
func (k *Kernel) maybeCheckpoint(ctx context.Context) {
	if k.cfg.CheckpointEveryRecords <= 0 || k.recordsSinceCheckpoint < k.cfg.CheckpointEveryRecords {
		return
	}
	if err := k.checkpointLocked(ctx); err != nil {
		k.logger.Error("automatic checkpoint failed", "error", err)
	}
}

// Checkpoint snapshots the full state and compacts the WAL behind it.
func (k *Kernel) Checkpoint(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fault.Durability(fault.CodeClosed, nil, "kernel is closed")
	}
	return k.checkpointLocked(ctx)
}

func (k *Kernel) checkpointLocked(ctx context.Context) error {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.checkpoint")
	defer span.End()
	start := time.Now()

	lastSeq := k.wal.LastSeq()
	state := snapshot.State{
		LastSeq:  int64(lastSeq),
		Threads:  k.threads.All(),
		Contexts: k.contexts.Export(),
		Journal:  k.journal.All(),
	}
	if err := k.snap.Write(ctx, state); err != nil {
		return err
	}
	if err := k.wal.Reset(lastSeq + 1); err != nil {
		return err
	}
	k.recordsSinceCheckpoint = 0
	k.reportWALSize(ctx)

	elapsed := time.Since(start).Seconds()
	k.metrics.CheckpointDuration.Record(ctx, elapsed)
	k.bus.Publish(bus.TopicCheckpoint, bus.CheckpointEvent{LastSeq: int64(lastSeq), Duration: elapsed})
	k.logger.Info("checkpoint complete", "last_seq", lastSeq, "duration_s", elapsed)
	return nil
}

// SetContextBudget changes the per-thread token budget at runtime.
func (k *Kernel) SetContextBudget(budget int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg.ContextBudgetTokens = budget
	k.contexts.SetBudget(budget)
}

// Bus exposes the event bus for subscribers.
func (k *Kernel) Bus() *bus.Bus { return k.bus }

// Threads exposes the thread table for read paths.
func (k *Kernel) Threads() *threads.Table { return k.threads }

// Contexts exposes the context store for read paths.
func (k *Kernel) Contexts() *contexts.Store { return k.contexts }

// Journal exposes the message journal for read paths.
func (k *Kernel) Journal() *journal.Journal { return k.journal }

// WAL exposes the log, for the verify tooling.
func (k *Kernel) WAL() *wal.Log { return k.wal }

// Close releases the writer lock and closes the storage handles.
func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	var firstErr error
	if err := k.wal.Close(); err != nil {
		firstErr = err
	}
	if err := k.snap.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := k.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
