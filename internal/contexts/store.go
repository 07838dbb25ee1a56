package contexts

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/wal"
)

// EvictedStorage is the durable home of evicted entries. The snapshot
// store implements it; tests may substitute an in-memory fake.
type EvictedStorage interface {
	SaveEvicted(ctx context.Context, e Entry) error
	LoadEvicted(ctx context.Context, entryID string) (Entry, error)
	DeleteEvicted(ctx context.Context, entryID string) error
}

// Store is the in-memory side of the context store. Expanded and Folded
// entries live here; Evicted entries keep only an id marker, their content
// lives in EvictedStorage. All mutations arrive through Apply.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	evicted  map[string]threads.ID // entry id -> owning thread
	byThread map[threads.ID][]string
	storage  EvictedStorage
	budget   int // per-thread Expanded-tier token budget; 0 disables
}

// NewStore creates a Store backed by the given durable storage.
func NewStore(storage EvictedStorage, budget int) *Store {
	return &Store{
		entries:  make(map[string]*Entry),
		evicted:  make(map[string]threads.ID),
		byThread: make(map[threads.ID][]string),
		storage:  storage,
		budget:   budget,
	}
}

// Budget returns the per-thread token budget (0 = unlimited).
func (s *Store) Budget() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budget
}

// SetBudget adjusts the per-thread budget. Takes effect on the next
// expansion; existing working sets are not retroactively folded.
func (s *Store) SetBudget(budget int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budget = budget
}

// Get returns a copy of an in-memory entry.
func (s *Store) Get(threadID threads.ID, entryID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok || e.ThreadID != threadID {
		if owner, evicted := s.evicted[entryID]; evicted && owner == threadID {
			return Entry{ID: entryID, ThreadID: threadID, Tier: TierEvicted}, nil
		}
		return Entry{}, fault.Structural(fault.CodeEntryNotFound, "no entry %q on thread %q", entryID, threadID)
	}
	return *e, nil
}

// List returns the thread's entries in creation order, evicted markers
// included. This is the tier listing the curator works from.
func (s *Store) List(threadID threads.ID) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThread[threadID]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, *e)
			continue
		}
		if owner, ok := s.evicted[id]; ok && owner == threadID {
			out = append(out, Entry{ID: id, ThreadID: threadID, Tier: TierEvicted})
		}
	}
	return out
}

// WorkingSetTokens sums the Expanded-tier tokens of a thread.
func (s *Store) WorkingSetTokens(threadID threads.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workingSetLocked(threadID)
}

func (s *Store) workingSetLocked(threadID threads.ID) int {
	total := 0
	for _, id := range s.byThread[threadID] {
		if e, ok := s.entries[id]; ok && e.Tier == TierExpanded {
			total += e.Tokens
		}
	}
	return total
}

// Touch refreshes an entry's last-access time. Recency is curator-facing
// metadata only, so it is not WAL-logged; a crash loses nothing durable.
func (s *Store) Touch(threadID threads.ID, entryID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entryID]; ok && e.ThreadID == threadID {
		e.LastAccess = now
	}
}

// ValidateFold checks that every named entry belongs to the thread and
// sits in a foldable tier (Expanded or Folded).
func (s *Store) ValidateFold(threadID threads.ID, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return fault.Structural(fault.CodeEntryNotFound, "fold of zero entries on thread %q", threadID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range entryIDs {
		e, ok := s.entries[id]
		if !ok || e.ThreadID != threadID {
			return fault.Structural(fault.CodeEntryNotFound, "no foldable entry %q on thread %q", id, threadID)
		}
	}
	return nil
}

// ValidateEvict checks the entry may move to durable storage: Folded
// always, Expanded only when forced.
func (s *Store) ValidateEvict(threadID threads.ID, entryID string, force bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok || e.ThreadID != threadID {
		if owner, evicted := s.evicted[entryID]; evicted && owner == threadID {
			return fault.Structural(fault.CodeInvalidTransition, "entry %q is already evicted", entryID)
		}
		return fault.Structural(fault.CodeEntryNotFound, "no entry %q on thread %q", entryID, threadID)
	}
	if e.Tier == TierExpanded && !force {
		return fault.Structural(fault.CodeInvalidTransition, "entry %q is Expanded; eviction requires force", entryID)
	}
	return nil
}

// PeekEvicted reads an evicted entry's stored form without changing its
// tier. Re-expansion uses it to size the incoming reload for budget
// planning before anything commits.
func (s *Store) PeekEvicted(ctx context.Context, threadID threads.ID, entryID string) (Entry, error) {
	s.mu.RLock()
	owner, ok := s.evicted[entryID]
	s.mu.RUnlock()
	if !ok || owner != threadID {
		return Entry{}, fault.Structural(fault.CodeEntryNotFound, "no evicted entry %q on thread %q", entryID, threadID)
	}
	return s.storage.LoadEvicted(ctx, entryID)
}

// ValidateReExpand checks the entry is actually evicted.
func (s *Store) ValidateReExpand(threadID threads.ID, entryID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if owner, ok := s.evicted[entryID]; ok && owner == threadID {
		return nil
	}
	if e, ok := s.entries[entryID]; ok && e.ThreadID == threadID {
		return fault.Structural(fault.CodeNotEvicted, "entry %q is %s, not evicted", entryID, e.Tier)
	}
	return fault.Structural(fault.CodeEntryNotFound, "no entry %q on thread %q", entryID, threadID)
}

// PlanForcedFolds selects the oldest-by-last-access Expanded entries that
// must fold so incomingTokens fits the budget. An empty plan with a
// still-over budget means nothing is left to fold; the expansion proceeds
// anyway, since budget pressure trades fidelity, never liveness.
func (s *Store) PlanForcedFolds(threadID threads.ID, incomingTokens int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.budget <= 0 {
		return nil
	}

	var expanded []Entry
	total := 0
	for _, id := range s.byThread[threadID] {
		if e, ok := s.entries[id]; ok && e.Tier == TierExpanded {
			expanded = append(expanded, *e)
			total += e.Tokens
		}
	}
	if total+incomingTokens <= s.budget {
		return nil
	}

	slices.SortStableFunc(expanded, func(a, b Entry) int {
		return a.LastAccess.Compare(b.LastAccess)
	})

	var plan []Entry
	for _, e := range expanded {
		if total+incomingTokens <= s.budget {
			break
		}
		plan = append(plan, e)
		total -= e.Tokens
	}
	return plan
}

// Apply folds one WAL record into the store. Foreign kinds are ignored.
// Every branch is idempotent so checkpoint-overlapping replays are safe.
func (s *Store) Apply(ctx context.Context, rec wal.Record) error {
	switch rec.Kind {
	case wal.KindContextExpand:
		var r ExpandRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode context expand (seq %d): %v", rec.Seq, err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.entries[r.EntryID]; exists {
			return nil
		}
		s.insertLocked(&Entry{
			ID:         r.EntryID,
			ThreadID:   r.ThreadID,
			Tier:       TierExpanded,
			Content:    r.Content,
			Tokens:     r.Tokens,
			LastAccess: r.At,
		})
		return nil

	case wal.KindContextFold:
		var r FoldRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode context fold (seq %d): %v", rec.Seq, err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.entries[r.EntryID]; exists {
			return nil
		}
		for _, id := range r.FoldOf {
			s.removeLocked(r.ThreadID, id)
		}
		s.insertLocked(&Entry{
			ID:         r.EntryID,
			ThreadID:   r.ThreadID,
			Tier:       TierFolded,
			Content:    r.Summary,
			Tokens:     r.Tokens,
			LastAccess: r.At,
			FoldOf:     r.FoldOf,
		})
		return nil

	case wal.KindContextEvict:
		var r EvictRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode context evict (seq %d): %v", rec.Seq, err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, done := s.evicted[r.EntryID]; done {
			// The eviction saved its entry to durable storage ahead of the
			// checkpoint watermark, so a snapshot can carry the marker
			// while the WAL still replays the expand or fold that created
			// the entry. Remove it again, or replay resurrects it.
			if _, live := s.entries[r.EntryID]; live {
				delete(s.entries, r.EntryID)
				s.dedupeOrderLocked(r.ThreadID, r.EntryID)
			}
			return nil
		}
		e, ok := s.entries[r.EntryID]
		if !ok {
			return fault.Corruption(fault.CodeCorruptRecord, "evict of unknown entry %q (seq %d)", r.EntryID, rec.Seq)
		}
		stored := *e
		stored.Tier = TierEvicted
		stored.LastAccess = r.At
		if err := s.storage.SaveEvicted(ctx, stored); err != nil {
			return err
		}
		delete(s.entries, r.EntryID)
		s.evicted[r.EntryID] = r.ThreadID
		return nil

	case wal.KindContextReExpand:
		var r ReExpandRecord
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fault.Corruption(fault.CodeCorruptRecord, "decode context re-expand (seq %d): %v", rec.Seq, err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.entries[r.EntryID]; exists {
			return nil
		}
		stored, err := s.storage.LoadEvicted(ctx, r.EntryID)
		if err != nil {
			return err
		}
		stored.Tier = TierExpanded
		stored.LastAccess = r.At
		if err := s.storage.DeleteEvicted(ctx, r.EntryID); err != nil {
			return err
		}
		delete(s.evicted, r.EntryID)
		s.reinsertLocked(&stored)
		return nil
	}
	return nil
}

// insertLocked registers a new entry and its thread-order slot.
func (s *Store) insertLocked(e *Entry) {
	s.entries[e.ID] = e
	s.byThread[e.ThreadID] = append(s.byThread[e.ThreadID], e.ID)
}

// reinsertLocked brings back an entry that already holds a thread-order
// slot (re-expansion keeps the original position).
func (s *Store) reinsertLocked(e *Entry) {
	s.entries[e.ID] = e
	if !slices.Contains(s.byThread[e.ThreadID], e.ID) {
		s.byThread[e.ThreadID] = append(s.byThread[e.ThreadID], e.ID)
	}
}

// dedupeOrderLocked collapses repeated thread-order slots for an entry
// down to the first. Replay over a snapshot marker can append a second
// slot when the creating record re-inserts the entry.
func (s *Store) dedupeOrderLocked(threadID threads.ID, entryID string) {
	ids := s.byThread[threadID]
	out := ids[:0]
	seen := false
	for _, id := range ids {
		if id == entryID {
			if seen {
				continue
			}
			seen = true
		}
		out = append(out, id)
	}
	s.byThread[threadID] = out
}

// removeLocked drops an entry from memory and from the thread order.
func (s *Store) removeLocked(threadID threads.ID, entryID string) {
	delete(s.entries, entryID)
	ids := s.byThread[threadID]
	if i := slices.Index(ids, entryID); i >= 0 {
		s.byThread[threadID] = slices.Delete(ids, i, i+1)
	}
}

// Export returns every in-memory entry for checkpointing. Evicted
// entries are excluded; they are already durable in their own storage.
func (s *Store) Export() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, ids := range s.byThread {
		for _, id := range ids {
			if e, ok := s.entries[id]; ok {
				out = append(out, *e)
			}
		}
	}
	return out
}

// Load seeds an in-memory entry from a snapshot row.
func (s *Store) Load(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Tier == TierEvicted {
		s.evicted[e.ID] = e.ThreadID
		if !slices.Contains(s.byThread[e.ThreadID], e.ID) {
			s.byThread[e.ThreadID] = append(s.byThread[e.ThreadID], e.ID)
		}
		return
	}
	copied := e
	s.insertLocked(&copied)
}
