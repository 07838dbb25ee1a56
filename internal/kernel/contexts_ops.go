package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentos/internal/bus"
	"github.com/basket/agentos/internal/contexts"
	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/otel"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/tokenutil"
	"github.com/basket/agentos/internal/wal"
)

// liveThread checks the thread exists and is not terminal. Context
// entries of a terminated thread are frozen except for retention-driven
// deletion.
func (k *Kernel) liveThread(id threads.ID) error {
	th, err := k.threads.Lookup(id)
	if err != nil {
		return err
	}
	if th.Status.Terminal() {
		return fault.Structural(fault.CodeThreadTerminated, "thread %q is %s", id, th.Status)
	}
	return nil
}

// Expand adds content to the thread's Expanded tier. tokens <= 0 lets
// the kernel estimate the size. If the expansion would push the working
// set past the budget, oldest-by-last-access Expanded entries are folded
// first; the expansion itself is always accepted.
func (k *Kernel) Expand(ctx context.Context, threadID threads.ID, content string, tokens int) (contexts.Entry, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.expand", otel.AttrThreadID.String(string(threadID)))
	defer span.End()

	if tokens <= 0 {
		tokens = tokenutil.EstimateTokens(content)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.liveThread(threadID); err != nil {
		return contexts.Entry{}, err
	}

	now := k.now()
	entries, folds, working, err := k.planBudgetFolds(threadID, tokens, now)
	if err != nil {
		return contexts.Entry{}, err
	}

	er := contexts.ExpandRecord{
		EntryID:  uuid.NewString(),
		ThreadID: threadID,
		Content:  content,
		Tokens:   tokens,
		At:       now,
	}
	payload, err := json.Marshal(er)
	if err != nil {
		return contexts.Entry{}, fault.Structural(fault.CodeEntryNotFound, "encode expand record: %v", err)
	}
	entries = append(entries, wal.Entry{Kind: wal.KindContextExpand, Payload: payload})

	// Forced folds and the expansion commit as one batch: a crash between
	// them would otherwise replay into an over-budget working set.
	if _, err := k.commit(ctx, entries); err != nil {
		return contexts.Entry{}, err
	}
	k.publishBudgetFolds(ctx, threadID, working, tokens, folds)
	k.metrics.ContextTokens.Add(ctx, int64(tokens))
	k.bus.Publish(bus.TopicContextExpanded, bus.ContextEvent{
		ThreadID: string(threadID),
		EntryID:  er.EntryID,
		Tier:     string(contexts.TierExpanded),
		Tokens:   tokens,
	})
	k.maybeCheckpoint(ctx)
	return k.contexts.Get(threadID, er.EntryID)
}

// planBudgetFolds runs the forced-fold pass for an incoming entry of the
// given size: it encodes a fold record per victim for the caller's batch
// and notifies the curator it fell behind. Returns the pre-pass working
// set size for the pressure event. Callers hold k.mu.
func (k *Kernel) planBudgetFolds(threadID threads.ID, incoming int, now time.Time) ([]wal.Entry, []contexts.FoldRecord, int, error) {
	working := k.contexts.WorkingSetTokens(threadID)
	plan := k.contexts.PlanForcedFolds(threadID, incoming)
	if len(plan) == 0 {
		return nil, nil, working, nil
	}
	if k.curator != nil {
		k.curator.BudgetPressure(threadID, working, incoming, k.contexts.Budget())
	}
	var entries []wal.Entry
	var folds []contexts.FoldRecord
	for _, victim := range plan {
		summary := contexts.MechanicalSummary([]contexts.Entry{victim})
		fr := contexts.FoldRecord{
			EntryID:  uuid.NewString(),
			ThreadID: threadID,
			FoldOf:   []string{victim.ID},
			Summary:  summary,
			Tokens:   tokenutil.EstimateTokens(summary),
			At:       now,
			Forced:   true,
		}
		payload, err := json.Marshal(fr)
		if err != nil {
			return nil, nil, 0, fault.Structural(fault.CodeEntryNotFound, "encode fold record: %v", err)
		}
		folds = append(folds, fr)
		entries = append(entries, wal.Entry{Kind: wal.KindContextFold, Payload: payload})
	}
	return entries, folds, working, nil
}

// publishBudgetFolds emits the pressure event and per-fold events after
// the batch holding the folds has committed.
func (k *Kernel) publishBudgetFolds(ctx context.Context, threadID threads.ID, working, incoming int, folds []contexts.FoldRecord) {
	if len(folds) == 0 {
		return
	}
	k.metrics.ForcedFolds.Add(ctx, int64(len(folds)))
	k.bus.Publish(bus.TopicContextPressure, bus.PressureEvent{
		ThreadID:       string(threadID),
		Budget:         k.contexts.Budget(),
		WorkingTokens:  working,
		IncomingTokens: incoming,
		FoldedEntries:  len(folds),
	})
	for _, fr := range folds {
		k.bus.Publish(bus.TopicContextFolded, bus.ContextEvent{
			ThreadID: string(threadID),
			EntryID:  fr.EntryID,
			Tier:     string(contexts.TierFolded),
			Tokens:   fr.Tokens,
			Forced:   true,
		})
	}
	k.logger.Warn("budget pressure forced folds",
		"thread_id", threadID, "working", working, "incoming", incoming, "folded", len(folds))
}

// Fold replaces the named entries with one summary entry carrying
// fold-of provenance. An empty summary falls back to a mechanical one.
func (k *Kernel) Fold(ctx context.Context, threadID threads.ID, entryIDs []string, summary string) (contexts.Entry, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.fold", otel.AttrThreadID.String(string(threadID)))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.liveThread(threadID); err != nil {
		return contexts.Entry{}, err
	}
	if err := k.contexts.ValidateFold(threadID, entryIDs); err != nil {
		return contexts.Entry{}, err
	}

	if summary == "" {
		members := make([]contexts.Entry, 0, len(entryIDs))
		for _, id := range entryIDs {
			e, err := k.contexts.Get(threadID, id)
			if err != nil {
				return contexts.Entry{}, err
			}
			members = append(members, e)
		}
		summary = contexts.MechanicalSummary(members)
	}

	fr := contexts.FoldRecord{
		EntryID:  uuid.NewString(),
		ThreadID: threadID,
		FoldOf:   entryIDs,
		Summary:  summary,
		Tokens:   tokenutil.EstimateTokens(summary),
		At:       k.now(),
	}
	payload, err := json.Marshal(fr)
	if err != nil {
		return contexts.Entry{}, fault.Structural(fault.CodeEntryNotFound, "encode fold record: %v", err)
	}
	if _, err := k.commit(ctx, []wal.Entry{{Kind: wal.KindContextFold, Payload: payload}}); err != nil {
		return contexts.Entry{}, err
	}
	k.bus.Publish(bus.TopicContextFolded, bus.ContextEvent{
		ThreadID: string(threadID),
		EntryID:  fr.EntryID,
		Tier:     string(contexts.TierFolded),
		Tokens:   fr.Tokens,
	})
	k.maybeCheckpoint(ctx)
	return k.contexts.Get(threadID, fr.EntryID)
}

// Evict moves a Folded entry (or, when forced, an Expanded one) to
// durable storage, removing its content from memory.
func (k *Kernel) Evict(ctx context.Context, threadID threads.ID, entryID string, force bool) error {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.evict",
		otel.AttrThreadID.String(string(threadID)), otel.AttrEntryID.String(entryID))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.liveThread(threadID); err != nil {
		return err
	}
	if err := k.contexts.ValidateEvict(threadID, entryID, force); err != nil {
		return err
	}

	rec := contexts.EvictRecord{EntryID: entryID, ThreadID: threadID, At: k.now(), Forced: force}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fault.Structural(fault.CodeEntryNotFound, "encode evict record: %v", err)
	}
	before, err := k.contexts.Get(threadID, entryID)
	if err != nil {
		return err
	}
	if _, err := k.commit(ctx, []wal.Entry{{Kind: wal.KindContextEvict, Payload: payload}}); err != nil {
		return err
	}
	if before.Tier == contexts.TierExpanded {
		k.metrics.ContextTokens.Add(ctx, -int64(before.Tokens))
	}
	k.bus.Publish(bus.TopicContextEvicted, bus.ContextEvent{
		ThreadID: string(threadID),
		EntryID:  entryID,
		Tier:     string(contexts.TierEvicted),
		Tokens:   before.Tokens,
		Forced:   force,
	})
	k.maybeCheckpoint(ctx)
	return nil
}

// ReExpand reloads an evicted entry into the Expanded tier, running the
// same budget pressure pass as a fresh expansion.
func (k *Kernel) ReExpand(ctx context.Context, threadID threads.ID, entryID string) (contexts.Entry, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.reexpand",
		otel.AttrThreadID.String(string(threadID)), otel.AttrEntryID.String(entryID))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.liveThread(threadID); err != nil {
		return contexts.Entry{}, err
	}
	if err := k.contexts.ValidateReExpand(threadID, entryID); err != nil {
		return contexts.Entry{}, err
	}
	stored, err := k.contexts.PeekEvicted(ctx, threadID, entryID)
	if err != nil {
		return contexts.Entry{}, err
	}

	now := k.now()
	entries, folds, working, err := k.planBudgetFolds(threadID, stored.Tokens, now)
	if err != nil {
		return contexts.Entry{}, err
	}

	rec := contexts.ReExpandRecord{EntryID: entryID, ThreadID: threadID, At: now}
	payload, err := json.Marshal(rec)
	if err != nil {
		return contexts.Entry{}, fault.Structural(fault.CodeEntryNotFound, "encode re-expand record: %v", err)
	}
	entries = append(entries, wal.Entry{Kind: wal.KindContextReExpand, Payload: payload})

	// Same shape as Expand: the folds that make room and the reload they
	// make room for commit as one batch.
	if _, err := k.commit(ctx, entries); err != nil {
		return contexts.Entry{}, err
	}
	k.publishBudgetFolds(ctx, threadID, working, stored.Tokens, folds)
	e, err := k.contexts.Get(threadID, entryID)
	if err != nil {
		return contexts.Entry{}, err
	}
	k.metrics.ContextTokens.Add(ctx, int64(e.Tokens))
	k.bus.Publish(bus.TopicContextReExpanded, bus.ContextEvent{
		ThreadID: string(threadID),
		EntryID:  entryID,
		Tier:     string(contexts.TierExpanded),
		Tokens:   e.Tokens,
	})
	k.maybeCheckpoint(ctx)
	return e, nil
}

// Touch refreshes an entry's last-access time for the curator's recency
// signal. Not WAL-logged; nothing durable depends on it.
func (k *Kernel) Touch(threadID threads.ID, entryID string) {
	k.contexts.Touch(threadID, entryID, k.now())
}

// ListContext returns the thread's tier listing in creation order.
func (k *Kernel) ListContext(threadID threads.ID) []contexts.Entry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.contexts.List(threadID)
}
