package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	m, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.WALAppendDuration == nil || m.WALRecords == nil || m.WALSize == nil {
		t.Fatal("WAL instruments missing")
	}
	if m.CheckpointDuration == nil || m.RecoveryReplayed == nil {
		t.Fatal("recovery instruments missing")
	}
	if m.ThreadsActive == nil || m.ThreadsCreated == nil {
		t.Fatal("thread instruments missing")
	}
	if m.ContextTokens == nil || m.ForcedFolds == nil {
		t.Fatal("context instruments missing")
	}
	if m.JournalAppends == nil || m.JournalPruned == nil {
		t.Fatal("journal instruments missing")
	}
}

func TestMetricsRecordOnNoopMeter(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	m, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	ctx := context.Background()
	m.WALRecords.Add(ctx, 1)
	m.ThreadsActive.Add(ctx, 1)
	m.ThreadsActive.Add(ctx, -1)
	m.ForcedFolds.Add(ctx, 2)
	m.WALAppendDuration.Record(ctx, 0.004)
}
