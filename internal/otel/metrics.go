package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all kernel metric instruments.
type Metrics struct {
	WALAppendDuration  metric.Float64Histogram
	WALRecords         metric.Int64Counter
	WALSize            metric.Int64UpDownCounter
	CheckpointDuration metric.Float64Histogram
	RecoveryReplayed   metric.Int64Counter
	ThreadsActive      metric.Int64UpDownCounter
	ThreadsCreated     metric.Int64Counter
	ContextTokens      metric.Int64UpDownCounter
	ForcedFolds        metric.Int64Counter
	JournalAppends     metric.Int64Counter
	JournalPruned      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WALAppendDuration, err = meter.Float64Histogram("agentos.wal.append.duration",
		metric.WithDescription("WAL append-and-sync duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WALRecords, err = meter.Int64Counter("agentos.wal.records",
		metric.WithDescription("Total WAL records committed"),
	)
	if err != nil {
		return nil, err
	}

	m.WALSize, err = meter.Int64UpDownCounter("agentos.wal.size",
		metric.WithDescription("Current WAL file size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointDuration, err = meter.Float64Histogram("agentos.checkpoint.duration",
		metric.WithDescription("Checkpoint snapshot-and-compact duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryReplayed, err = meter.Int64Counter("agentos.recovery.replayed",
		metric.WithDescription("WAL records replayed during recovery"),
	)
	if err != nil {
		return nil, err
	}

	m.ThreadsActive, err = meter.Int64UpDownCounter("agentos.threads.active",
		metric.WithDescription("Threads currently in a non-terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.ThreadsCreated, err = meter.Int64Counter("agentos.threads.created",
		metric.WithDescription("Total threads created"),
	)
	if err != nil {
		return nil, err
	}

	m.ContextTokens, err = meter.Int64UpDownCounter("agentos.context.tokens",
		metric.WithDescription("Expanded-tier tokens across all threads"),
	)
	if err != nil {
		return nil, err
	}

	m.ForcedFolds, err = meter.Int64Counter("agentos.context.forced_folds",
		metric.WithDescription("Entries folded by the budget-pressure fallback"),
	)
	if err != nil {
		return nil, err
	}

	m.JournalAppends, err = meter.Int64Counter("agentos.journal.appends",
		metric.WithDescription("Total journal entries appended"),
	)
	if err != nil {
		return nil, err
	}

	m.JournalPruned, err = meter.Int64Counter("agentos.journal.pruned",
		metric.WithDescription("Journal entries removed by prune passes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
