package kernel

import (
	"context"
	"encoding/json"

	"github.com/basket/agentos/internal/bus"
	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/otel"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/wal"
)

// CreateRoot registers a top-level thread. The id is the given name as a
// single-segment path; retention fixes the journal policy for every
// message recorded under the thread.
func (k *Kernel) CreateRoot(ctx context.Context, name string, class retention.Class) (threads.Thread, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.create_root", otel.AttrThreadID.String(name))
	defer span.End()

	id, err := threads.ParseID(name)
	if err != nil {
		return threads.Thread{}, err
	}
	if id.Depth() != 1 {
		return threads.Thread{}, fault.Structural(fault.CodeBadThreadID, "root id %q must be a single segment", name)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err := k.threads.Lookup(id); err == nil {
		return threads.Thread{}, fault.Structural(fault.CodeBadThreadID, "thread %q already exists", id)
	}

	rec := threads.CreateRecord{
		ID:        id,
		CreatedAt: k.now(),
		Retention: class.String(),
	}
	if err := k.commitThreadCreate(ctx, rec); err != nil {
		return threads.Thread{}, err
	}
	k.maybeCheckpoint(ctx)
	return k.threads.Lookup(id)
}

// CreateChild allocates a fresh child segment under parent. Repeated
// names create fresh nodes; sibling collisions get a numeric suffix.
// cause is the id of the message whose handling spawned the child.
func (k *Kernel) CreateChild(ctx context.Context, parent threads.ID, name, cause string) (threads.Thread, error) {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.create_child", otel.AttrThreadID.String(string(parent)))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.threads.ValidateCreateChild(parent); err != nil {
		return threads.Thread{}, err
	}
	id, err := k.threads.AllocateChildID(parent, name)
	if err != nil {
		return threads.Thread{}, err
	}

	parentThread, err := k.threads.Lookup(parent)
	if err != nil {
		return threads.Thread{}, err
	}
	rec := threads.CreateRecord{
		ID:             id,
		Parent:         parent,
		CreatedAt:      k.now(),
		CauseMessageID: cause,
		// Children inherit the parent's retention class.
		Retention: parentThread.Retention.String(),
	}
	if err := k.commitThreadCreate(ctx, rec); err != nil {
		return threads.Thread{}, err
	}
	k.maybeCheckpoint(ctx)
	return k.threads.Lookup(id)
}

func (k *Kernel) commitThreadCreate(ctx context.Context, rec threads.CreateRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fault.Structural(fault.CodeBadThreadID, "encode thread create: %v", err)
	}
	if _, err := k.commit(ctx, []wal.Entry{{Kind: wal.KindThreadCreate, Payload: payload}}); err != nil {
		return err
	}
	k.metrics.ThreadsCreated.Add(ctx, 1)
	k.metrics.ThreadsActive.Add(ctx, 1)
	k.bus.Publish(bus.TopicThreadCreated, bus.ThreadEvent{
		ThreadID:  string(rec.ID),
		Parent:    string(rec.Parent),
		NewStatus: string(threads.StatusActive),
	})
	k.logger.Info("thread created", "thread_id", rec.ID, "parent", rec.Parent, "cause", rec.CauseMessageID)
	return nil
}

// SetStatus moves a thread through its lifecycle. Terminal states are
// permanent; InvalidTransition is returned for any attempt to leave one.
func (k *Kernel) SetStatus(ctx context.Context, id threads.ID, to threads.Status) error {
	ctx, span := otel.StartSpan(ctx, k.tracer, "kernel.set_status", otel.AttrThreadID.String(string(id)))
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.threads.ValidateTransition(id, to); err != nil {
		return err
	}
	before, err := k.threads.Lookup(id)
	if err != nil {
		return err
	}

	rec := threads.StatusRecord{ID: id, Status: to, At: k.now()}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fault.Structural(fault.CodeInvalidTransition, "encode status record: %v", err)
	}
	if _, err := k.commit(ctx, []wal.Entry{{Kind: wal.KindThreadStatus, Payload: payload}}); err != nil {
		return err
	}
	if to.Terminal() {
		k.metrics.ThreadsActive.Add(ctx, -1)
	}
	k.bus.Publish(bus.TopicThreadStatusChanged, bus.ThreadEvent{
		ThreadID:  string(id),
		Parent:    string(before.Parent),
		OldStatus: string(before.Status),
		NewStatus: string(to),
	})
	k.logger.Info("thread status changed", "thread_id", id, "from", before.Status, "to", to)
	k.maybeCheckpoint(ctx)
	return nil
}

// FailThread forces a thread to terminal Failed, the path external
// cancellation takes. Already-terminal threads are left untouched.
func (k *Kernel) FailThread(ctx context.Context, id threads.ID) error {
	k.mu.RLock()
	th, err := k.threads.Lookup(id)
	k.mu.RUnlock()
	if err != nil {
		return err
	}
	if th.Status.Terminal() {
		return nil
	}
	return k.SetStatus(ctx, id, threads.StatusFailed)
}

// Lookup returns the thread record.
func (k *Kernel) Lookup(id threads.ID) (threads.Thread, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.threads.Lookup(id)
}

// ChildrenOf returns the direct children in creation order.
func (k *Kernel) ChildrenOf(id threads.ID) ([]threads.ID, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.threads.ChildrenOf(id)
}
