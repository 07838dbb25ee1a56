package kernel

import (
	"context"
	"encoding/json"
	"iter"
	"time"

	"github.com/basket/agentos/internal/bus"
	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/journal"
	"github.com/basket/agentos/internal/otel"
	"github.com/basket/agentos/internal/shared"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/wal"
)

// AppendJournal records a message crossing the thread's boundary. The
// retention class comes from the owning thread; an empty messageID gets
// a generated one. Returns the journaled entry.
func (k *Kernel) AppendJournal(ctx context.Context, threadID threads.ID, direction journal.Direction, payloadRef, messageID string) (journal.Entry, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.journal.append",
		otel.AttrThreadID.String(string(threadID)))
	defer span.End()

	if messageID == "" {
		messageID = shared.NewMessageID()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	th, err := k.threads.Lookup(threadID)
	if err != nil {
		return journal.Entry{}, err
	}
	if th.Status.Terminal() {
		return journal.Entry{}, fault.Structural(fault.CodeThreadTerminated, "thread %q is %s", threadID, th.Status)
	}
	if err := k.journal.ValidateAppend(messageID); err != nil {
		return journal.Entry{}, err
	}

	rec := journal.AppendRecord{
		MessageID:  messageID,
		ThreadID:   threadID,
		Direction:  direction,
		PayloadRef: payloadRef,
		Retention:  th.Retention,
		At:         k.now(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return journal.Entry{}, fault.Structural(fault.CodeNotFound, "encode journal append: %v", err)
	}
	if _, err := k.commit(ctx, []wal.Entry{{Kind: wal.KindJournalAppend, Payload: payload}}); err != nil {
		return journal.Entry{}, err
	}
	k.metrics.JournalAppends.Add(ctx, 1)
	k.bus.Publish(bus.TopicJournalAppended, bus.JournalEvent{
		ThreadID:  string(threadID),
		MessageID: messageID,
	})
	k.logger.Info("journal append",
		"thread_id", threadID, "message_id", messageID, "direction", direction)
	k.maybeCheckpoint(ctx)
	return k.journal.Get(messageID)
}

// AckJournal marks a message delivered. Under prune_on_delivery this is
// what makes the entry prunable.
func (k *Kernel) AckJournal(ctx context.Context, messageID string) error {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.journal.ack",
		otel.AttrMessageID.String(messageID))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.journal.ValidateAck(messageID); err != nil {
		return err
	}
	e, err := k.journal.Get(messageID)
	if err != nil {
		return err
	}

	rec := journal.AckRecord{MessageID: messageID, At: k.now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fault.Structural(fault.CodeNotFound, "encode journal ack: %v", err)
	}
	if _, err := k.commit(ctx, []wal.Entry{{Kind: wal.KindJournalAck, Payload: payload}}); err != nil {
		return err
	}
	k.bus.Publish(bus.TopicJournalAcked, bus.JournalEvent{
		ThreadID:  string(e.ThreadID),
		MessageID: messageID,
	})
	k.maybeCheckpoint(ctx)
	return nil
}

// PruneJournal runs one retention pass: every entry whose class has
// lapsed as of now is deleted in a single logged record. Returns the
// number of entries removed. Satisfies retention.Target.
func (k *Kernel) PruneJournal(ctx context.Context, now time.Time) (int, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.journal.prune")
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	ids := k.journal.Eligible(now)
	if len(ids) == 0 {
		return 0, nil
	}

	rec := journal.PruneRecord{MessageIDs: ids, At: now}
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fault.Structural(fault.CodeNotFound, "encode journal prune: %v", err)
	}
	if _, err := k.commit(ctx, []wal.Entry{{Kind: wal.KindJournalPrune, Payload: payload}}); err != nil {
		return 0, err
	}
	k.metrics.JournalPruned.Add(ctx, int64(len(ids)))
	k.bus.Publish(bus.TopicJournalPruned, bus.JournalEvent{Pruned: len(ids)})
	k.logger.Info("journal prune", "removed", len(ids))
	k.maybeCheckpoint(ctx)
	return len(ids), nil
}

// QueryJournal iterates journaled messages matching the filter, in
// append order, over a point-in-time view.
func (k *Kernel) QueryJournal(f journal.Filter) iter.Seq[journal.Entry] {
	return k.journal.Query(f)
}

// Undelivered lists appended but un-acked messages for redelivery after
// a restart.
func (k *Kernel) Undelivered() []journal.Entry {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.journal.Undelivered()
}

// DispatchChild creates a child thread and journals the message that
// caused it as one atomic batch. The journaled message is inbound to the
// child and carries the child's (inherited) retention class.
func (k *Kernel) DispatchChild(ctx context.Context, parent threads.ID, name, payloadRef string) (threads.Thread, journal.Entry, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.dispatch",
		otel.AttrThreadID.String(string(parent)))
	defer span.End()

	messageID := shared.NewMessageID()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.threads.ValidateCreateChild(parent); err != nil {
		return threads.Thread{}, journal.Entry{}, err
	}
	pt, err := k.threads.Lookup(parent)
	if err != nil {
		return threads.Thread{}, journal.Entry{}, err
	}
	childID, err := k.threads.AllocateChildID(parent, name)
	if err != nil {
		return threads.Thread{}, journal.Entry{}, err
	}
	if err := k.journal.ValidateAppend(messageID); err != nil {
		return threads.Thread{}, journal.Entry{}, err
	}

	now := k.now()
	cr := threads.CreateRecord{
		ID:             childID,
		Parent:         parent,
		CreatedAt:      now,
		CauseMessageID: messageID,
		Retention:      pt.Retention.String(),
	}
	jr := journal.AppendRecord{
		MessageID:  messageID,
		ThreadID:   childID,
		Direction:  journal.DirectionInbound,
		PayloadRef: payloadRef,
		Retention:  pt.Retention,
		At:         now,
	}
	crPayload, err := json.Marshal(cr)
	if err != nil {
		return threads.Thread{}, journal.Entry{}, fault.Structural(fault.CodeBadThreadID, "encode thread create: %v", err)
	}
	jrPayload, err := json.Marshal(jr)
	if err != nil {
		return threads.Thread{}, journal.Entry{}, fault.Structural(fault.CodeNotFound, "encode journal append: %v", err)
	}
	// A crash between create and append would leave a child with no cause
	// message on replay; one batch keeps them inseparable.
	if _, err := k.commit(ctx, []wal.Entry{
		{Kind: wal.KindThreadCreate, Payload: crPayload},
		{Kind: wal.KindJournalAppend, Payload: jrPayload},
	}); err != nil {
		return threads.Thread{}, journal.Entry{}, err
	}

	k.metrics.ThreadsCreated.Add(ctx, 1)
	k.metrics.ThreadsActive.Add(ctx, 1)
	k.metrics.JournalAppends.Add(ctx, 1)
	k.bus.Publish(bus.TopicThreadCreated, bus.ThreadEvent{
		ThreadID:  string(childID),
		Parent:    string(parent),
		NewStatus: string(threads.StatusActive),
	})
	k.bus.Publish(bus.TopicJournalAppended, bus.JournalEvent{
		ThreadID:  string(childID),
		MessageID: messageID,
	})
	k.logger.Info("child dispatched",
		"thread_id", childID, "parent", parent, "message_id", messageID)
	k.maybeCheckpoint(ctx)

	child, err := k.threads.Lookup(childID)
	if err != nil {
		return threads.Thread{}, journal.Entry{}, err
	}
	entry, err := k.journal.Get(messageID)
	if err != nil {
		return threads.Thread{}, journal.Entry{}, err
	}
	return child, entry, nil
}
