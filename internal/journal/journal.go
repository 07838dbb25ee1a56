// Package journal keeps the append-only audit trail of every message
// delivered through the kernel, attributed to the thread that handled it.
// Entries carry the owning thread's retention class and are removed only
// by logged prune passes.
package journal

import (
	"encoding/json"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/wal"
)

// Direction tags which way a message crossed the thread boundary.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Entry is one journaled message. PayloadRef points at the message body
// in external storage; the journal itself stays small.
type Entry struct {
	MessageID  string          `json:"message_id"`
	ThreadID   threads.ID      `json:"thread_id"`
	Direction  Direction       `json:"direction"`
	PayloadRef string          `json:"payload_ref"`
	At         time.Time       `json:"at"`
	Retention  retention.Class `json:"retention"`
	Acked      bool            `json:"acked,omitempty"`
	AckedAt    time.Time       `json:"acked_at,omitzero"`
}

// AppendRecord is the WAL payload for a journal append.
type AppendRecord struct {
	MessageID  string          `json:"message_id"`
	ThreadID   threads.ID      `json:"thread_id"`
	Direction  Direction       `json:"direction"`
	PayloadRef string          `json:"payload_ref"`
	Retention  retention.Class `json:"retention"`
	At         time.Time       `json:"at"`
}

// AckRecord is the WAL payload for a delivery acknowledgment.
type AckRecord struct {
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// PruneRecord is the WAL payload for a prune pass. The decision of what
// to delete is made once, at prune time; replay deletes exactly the same
// set regardless of when recovery runs.
type PruneRecord struct {
	MessageIDs []string  `json:"message_ids"`
	At         time.Time `json:"at"`
}

// Filter bounds a Query. Zero fields mean unbounded; Until is exclusive.
type Filter struct {
	ThreadID threads.ID
	Since    time.Time
	Until    time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.ThreadID != "" && e.ThreadID != f.ThreadID {
		return false
	}
	if !f.Since.IsZero() && e.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.At.Before(f.Until) {
		return false
	}
	return true
}

// Journal is the in-memory index over journaled messages, rebuilt from
// snapshot plus WAL replay.
type Journal struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func New() *Journal {
	return &Journal{entries: make(map[string]*Entry)}
}

// ValidateAppend rejects message-id reuse before a record is written.
func (j *Journal) ValidateAppend(messageID string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if _, ok := j.entries[messageID]; ok {
		return fault.Structural(fault.CodeDuplicateMessage, "message %q already journaled", messageID)
	}
	return nil
}

// ValidateAck checks the message exists.
func (j *Journal) ValidateAck(messageID string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if _, ok := j.entries[messageID]; !ok {
		return fault.Structural(fault.CodeNotFound, "message %q not journaled", messageID)
	}
	return nil
}

// Get returns a copy of one entry.
func (j *Journal) Get(messageID string) (Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.entries[messageID]
	if !ok {
		return Entry{}, fault.Structural(fault.CodeNotFound, "message %q not journaled", messageID)
	}
	return *e, nil
}

// Len reports how many entries survive in the journal.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Query returns the matching entries in append order. The sequence is
// built from a point-in-time copy, so it can be ranged over more than
// once and stays stable while prune passes run.
func (j *Journal) Query(f Filter) iter.Seq[Entry] {
	j.mu.RLock()
	var matched []Entry
	for _, id := range j.order {
		if e, ok := j.entries[id]; ok && f.matches(e) {
			matched = append(matched, *e)
		}
	}
	j.mu.RUnlock()

	return func(yield func(Entry) bool) {
		for _, e := range matched {
			if !yield(e) {
				return
			}
		}
	}
}

// Undelivered lists appended but un-acked messages in append order. After
// a restart this is what the dispatcher redelivers.
func (j *Journal) Undelivered() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Entry
	for _, id := range j.order {
		if e, ok := j.entries[id]; ok && !e.Acked {
			out = append(out, *e)
		}
	}
	return out
}

// Eligible returns the ids whose retention rule has lapsed as of now.
// The caller logs the result as a prune record; deletion happens in Apply.
func (j *Journal) Eligible(now time.Time) []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []string
	for _, id := range j.order {
		e, ok := j.entries[id]
		if !ok {
			continue
		}
		if e.Retention.Eligible(e.At, e.Acked, now) {
			out = append(out, id)
		}
	}
	return out
}

// Apply folds one WAL record into the journal. Foreign kinds are ignored
// and every branch is idempotent for checkpoint-overlapping replays.
func (j *Journal) Apply(rec wal.Record) error {
	switch rec.Kind {
	case wal.KindJournalAppend:
		var r AppendRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode journal append (seq %d): %v", rec.Seq, err)
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		if _, exists := j.entries[r.MessageID]; exists {
			return nil
		}
		j.entries[r.MessageID] = &Entry{
			MessageID:  r.MessageID,
			ThreadID:   r.ThreadID,
			Direction:  r.Direction,
			PayloadRef: r.PayloadRef,
			At:         r.At,
			Retention:  r.Retention,
		}
		j.order = append(j.order, r.MessageID)
		return nil

	case wal.KindJournalAck:
		var r AckRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode journal ack (seq %d): %v", rec.Seq, err)
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		e, ok := j.entries[r.MessageID]
		if !ok || e.Acked {
			// Acks can outlive their entry across a prune; nothing to redo.
			return nil
		}
		e.Acked = true
		e.AckedAt = r.At
		return nil

	case wal.KindJournalPrune:
		var r PruneRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode journal prune (seq %d): %v", rec.Seq, err)
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		for _, id := range r.MessageIDs {
			if _, ok := j.entries[id]; !ok {
				continue
			}
			delete(j.entries, id)
			if i := slices.Index(j.order, id); i >= 0 {
				j.order = slices.Delete(j.order, i, i+1)
			}
		}
		return nil
	}
	return nil
}

// Load seeds one entry from a snapshot row.
func (j *Journal) Load(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.entries[e.MessageID]; exists {
		return
	}
	copied := e
	j.entries[e.MessageID] = &copied
	j.order = append(j.order, e.MessageID)
}

// All returns every surviving entry in append order, for snapshotting.
func (j *Journal) All() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, 0, len(j.order))
	for _, id := range j.order {
		if e, ok := j.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}
