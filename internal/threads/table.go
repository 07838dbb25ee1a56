package threads

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/wal"
)

// Status is a thread lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is a permanent, historical state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusActive: {
		StatusSuspended: {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusSuspended: {
		StatusActive:    {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

// Thread is one call-stack frame. Threads are never physically removed;
// terminal status is permanent.
type Thread struct {
	ID             ID              `json:"id"`
	Parent         ID              `json:"parent,omitempty"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	CauseMessageID string          `json:"cause_message_id,omitempty"`
	Retention      retention.Class `json:"retention"`
}

// CreateRecord is the WAL payload for thread creation.
type CreateRecord struct {
	ID             ID        `json:"id"`
	Parent         ID        `json:"parent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CauseMessageID string    `json:"cause_message_id,omitempty"`
	Retention      string    `json:"retention"`
}

// StatusRecord is the WAL payload for a status transition.
type StatusRecord struct {
	ID     ID        `json:"id"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Table is the in-memory thread index. All mutations arrive through Apply,
// both live (after the WAL append) and during replay, so the index is a
// pure function of the record stream.
type Table struct {
	mu       sync.RWMutex
	threads  map[ID]*Thread
	children map[ID][]ID // creation order
	order    []ID        // global creation order
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		threads:  make(map[ID]*Thread),
		children: make(map[ID][]ID),
	}
}

// Lookup returns a copy of the thread, or CodeNotFound.
func (t *Table) Lookup(id ID) (Thread, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.threads[id]
	if !ok {
		return Thread{}, fault.Structural(fault.CodeNotFound, "no thread %q", id)
	}
	return *th, nil
}

// ChildrenOf returns the child ids in creation order.
func (t *Table) ChildrenOf(id ID) ([]ID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.threads[id]; !ok {
		return nil, fault.Structural(fault.CodeNotFound, "no thread %q", id)
	}
	kids := t.children[id]
	out := make([]ID, len(kids))
	copy(out, kids)
	return out, nil
}

// Count returns the number of registered threads.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.threads)
}

// All returns every thread in creation order. Checkpoints depend on the
// order: it is what keeps ChildrenOf stable across a snapshot reload.
func (t *Table) All() []Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Thread, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.threads[id])
	}
	return out
}

// ValidateCreateChild checks that parent exists and is not terminal.
func (t *Table) ValidateCreateChild(parent ID) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.threads[parent]
	if !ok {
		return fault.Structural(fault.CodeUnknownParent, "no parent thread %q", parent)
	}
	if th.Status.Terminal() {
		return fault.Structural(fault.CodeParentTerminated, "parent %q is %s", parent, th.Status)
	}
	return nil
}

// AllocateChildID returns a child id under parent with the given name,
// suffixed to stay unique among siblings. The caller holds the kernel
// writer lock, so the allocation cannot race another create.
func (t *Table) AllocateChildID(parent ID, name string) (ID, error) {
	if err := checkSegment(name); err != nil {
		return "", err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	candidate, err := parent.Child(name)
	if err != nil {
		return "", err
	}
	if _, taken := t.threads[candidate]; !taken {
		return candidate, nil
	}
	for n := 2; ; n++ {
		candidate, err = parent.Child(fmt.Sprintf("%s-%d", name, n))
		if err != nil {
			return "", err
		}
		if _, taken := t.threads[candidate]; !taken {
			return candidate, nil
		}
	}
}

// ValidateTransition checks a status change against the lifecycle machine:
// Active and Suspended interchange, either may finish Completed or Failed,
// and a terminal thread never leaves its state.
func (t *Table) ValidateTransition(id ID, to Status) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	th, ok := t.threads[id]
	if !ok {
		return fault.Structural(fault.CodeNotFound, "no thread %q", id)
	}
	if _, ok := allowedTransitions[th.Status][to]; !ok {
		return fault.Structural(fault.CodeInvalidTransition, "thread %q: %s -> %s", id, th.Status, to)
	}
	return nil
}

// Apply folds one WAL record into the index. Records of other structures
// are ignored, so the same stream can be fanned out to every store.
func (t *Table) Apply(rec wal.Record) error {
	switch rec.Kind {
	case wal.KindThreadCreate:
		var cr CreateRecord
		if err := json.Unmarshal(rec.Payload, &cr); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode thread create (seq %d): %v", rec.Seq, err)
		}
		cls, err := retention.Parse(cr.Retention)
		if err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "thread create (seq %d): %v", rec.Seq, err)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, exists := t.threads[cr.ID]; exists {
			return nil // idempotent replay
		}
		t.threads[cr.ID] = &Thread{
			ID:             cr.ID,
			Parent:         cr.Parent,
			Status:         StatusActive,
			CreatedAt:      cr.CreatedAt,
			CauseMessageID: cr.CauseMessageID,
			Retention:      cls,
		}
		t.order = append(t.order, cr.ID)
		if cr.Parent != "" {
			t.children[cr.Parent] = append(t.children[cr.Parent], cr.ID)
		}
		return nil

	case wal.KindThreadStatus:
		var sr StatusRecord
		if err := json.Unmarshal(rec.Payload, &sr); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode thread status (seq %d): %v", rec.Seq, err)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		th, ok := t.threads[sr.ID]
		if !ok {
			return fault.Corruption(fault.CodeCorruptRecord, "status for unknown thread %q (seq %d)", sr.ID, rec.Seq)
		}
		th.Status = sr.Status
		return nil
	}
	return nil
}

// Load seeds the index from a snapshot row, bypassing the record stream.
// Used only while reconstructing state as of a checkpoint.
func (t *Table) Load(th Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copied := th
	t.threads[th.ID] = &copied
	t.order = append(t.order, th.ID)
	if th.Parent != "" {
		t.children[th.Parent] = append(t.children[th.Parent], th.ID)
	}
}
