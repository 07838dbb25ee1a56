package contexts

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/wal"
)

type memStorage struct {
	rows map[string]Entry
}

func newMemStorage() *memStorage {
	return &memStorage{rows: make(map[string]Entry)}
}

func (m *memStorage) SaveEvicted(_ context.Context, e Entry) error {
	m.rows[e.ID] = e
	return nil
}

func (m *memStorage) LoadEvicted(_ context.Context, entryID string) (Entry, error) {
	e, ok := m.rows[entryID]
	if !ok {
		return Entry{}, fault.Structural(fault.CodeEntryNotFound, "no evicted entry %q", entryID)
	}
	return e, nil
}

func (m *memStorage) DeleteEvicted(_ context.Context, entryID string) error {
	delete(m.rows, entryID)
	return nil
}

var testClock = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func applyExpand(t *testing.T, s *Store, threadID threads.ID, entryID, content string, tokens int, at time.Time) {
	t.Helper()
	payload, _ := json.Marshal(ExpandRecord{
		EntryID: entryID, ThreadID: threadID, Content: content, Tokens: tokens, At: at,
	})
	if err := s.Apply(context.Background(), wal.Record{Seq: 1, Kind: wal.KindContextExpand, Payload: payload}); err != nil {
		t.Fatalf("apply expand: %v", err)
	}
}

func applyFold(t *testing.T, s *Store, threadID threads.ID, entryID string, foldOf []string, summary string, tokens int) {
	t.Helper()
	payload, _ := json.Marshal(FoldRecord{
		EntryID: entryID, ThreadID: threadID, FoldOf: foldOf, Summary: summary, Tokens: tokens, At: testClock,
	})
	if err := s.Apply(context.Background(), wal.Record{Seq: 2, Kind: wal.KindContextFold, Payload: payload}); err != nil {
		t.Fatalf("apply fold: %v", err)
	}
}

func applyEvict(t *testing.T, s *Store, threadID threads.ID, entryID string) {
	t.Helper()
	payload, _ := json.Marshal(EvictRecord{EntryID: entryID, ThreadID: threadID, At: testClock})
	if err := s.Apply(context.Background(), wal.Record{Seq: 3, Kind: wal.KindContextEvict, Payload: payload}); err != nil {
		t.Fatalf("apply evict: %v", err)
	}
}

func TestExpandAndWorkingSet(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "alpha", 100, testClock)
	applyExpand(t, s, "root", "e2", "beta", 50, testClock.Add(time.Minute))

	if got := s.WorkingSetTokens("root"); got != 150 {
		t.Fatalf("working set = %d, want 150", got)
	}

	e, err := s.Get("root", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Tier != TierExpanded || e.Content != "alpha" {
		t.Fatalf("entry = %+v", e)
	}

	list := s.List("root")
	if len(list) != 2 || list[0].ID != "e1" || list[1].ID != "e2" {
		t.Fatalf("list = %+v", list)
	}
}

func TestFoldRecordsProvenanceAndRemovesMembers(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "first block", 100, testClock)
	applyExpand(t, s, "root", "e2", "second block", 100, testClock)

	if err := s.ValidateFold("root", []string{"e1", "e2"}); err != nil {
		t.Fatalf("validate fold: %v", err)
	}
	applyFold(t, s, "root", "f1", []string{"e1", "e2"}, "both blocks", 20)

	f, err := s.Get("root", "f1")
	if err != nil {
		t.Fatalf("get folded: %v", err)
	}
	if f.Tier != TierFolded {
		t.Fatalf("tier = %s, want FOLDED", f.Tier)
	}
	if len(f.FoldOf) != 2 || f.FoldOf[0] != "e1" || f.FoldOf[1] != "e2" {
		t.Fatalf("fold_of = %v, want [e1 e2]", f.FoldOf)
	}

	// Members are replaced, not retained.
	if _, err := s.Get("root", "e1"); fault.CodeOf(err) != fault.CodeEntryNotFound {
		t.Fatalf("e1 after fold: code %v, want ENTRY_NOT_FOUND", fault.CodeOf(err))
	}
	if got := s.WorkingSetTokens("root"); got != 0 {
		t.Fatalf("working set after fold = %d, want 0 (folded is outside budget)", got)
	}
}

func TestValidateFoldRejectsMissingAndEvicted(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "x", 10, testClock)

	if err := s.ValidateFold("root", []string{"e1", "ghost"}); fault.CodeOf(err) != fault.CodeEntryNotFound {
		t.Fatalf("code = %v, want ENTRY_NOT_FOUND", fault.CodeOf(err))
	}

	applyFold(t, s, "root", "f1", []string{"e1"}, "x", 5)
	applyEvict(t, s, "root", "f1")
	if err := s.ValidateFold("root", []string{"f1"}); fault.CodeOf(err) != fault.CodeEntryNotFound {
		t.Fatalf("fold of evicted: code %v, want ENTRY_NOT_FOUND", fault.CodeOf(err))
	}
}

func TestEvictMovesContentToDurableStorage(t *testing.T) {
	storage := newMemStorage()
	s := NewStore(storage, 0)
	applyExpand(t, s, "root", "e1", "payload", 10, testClock)
	applyFold(t, s, "root", "f1", []string{"e1"}, "summary", 3)

	if err := s.ValidateEvict("root", "f1", false); err != nil {
		t.Fatalf("validate evict: %v", err)
	}
	applyEvict(t, s, "root", "f1")

	// In-memory: only a marker remains.
	e, err := s.Get("root", "f1")
	if err != nil {
		t.Fatalf("get evicted marker: %v", err)
	}
	if e.Tier != TierEvicted || e.Content != "" {
		t.Fatalf("marker = %+v, want evicted with no content", e)
	}

	// Durable storage holds the content.
	stored, ok := storage.rows["f1"]
	if !ok {
		t.Fatal("evicted entry missing from durable storage")
	}
	if stored.Content != "summary" || stored.Tier != TierEvicted {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestEvictExpandedRequiresForce(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "x", 10, testClock)

	if err := s.ValidateEvict("root", "e1", false); fault.CodeOf(err) != fault.CodeInvalidTransition {
		t.Fatalf("code = %v, want INVALID_TRANSITION", fault.CodeOf(err))
	}
	if err := s.ValidateEvict("root", "e1", true); err != nil {
		t.Fatalf("forced evict of expanded: %v", err)
	}
}

func TestReExpandReloadsAndNeverResurrectsMembers(t *testing.T) {
	storage := newMemStorage()
	s := NewStore(storage, 0)
	applyExpand(t, s, "root", "e1", "one", 10, testClock)
	applyExpand(t, s, "root", "e2", "two", 10, testClock)
	applyFold(t, s, "root", "f1", []string{"e1", "e2"}, "both", 4)
	applyEvict(t, s, "root", "f1")

	if err := s.ValidateReExpand("root", "f1"); err != nil {
		t.Fatalf("validate re-expand: %v", err)
	}
	payload, _ := json.Marshal(ReExpandRecord{EntryID: "f1", ThreadID: "root", At: testClock.Add(time.Hour)})
	if err := s.Apply(context.Background(), wal.Record{Seq: 9, Kind: wal.KindContextReExpand, Payload: payload}); err != nil {
		t.Fatalf("apply re-expand: %v", err)
	}

	f, err := s.Get("root", "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.Tier != TierExpanded || f.Content != "both" {
		t.Fatalf("re-expanded = %+v", f)
	}
	if len(f.FoldOf) != 2 {
		t.Fatalf("provenance lost: %v", f.FoldOf)
	}

	// The folded-away members stay gone.
	if _, err := s.Get("root", "e1"); fault.CodeOf(err) != fault.CodeEntryNotFound {
		t.Fatal("e1 must not resurrect")
	}
	if _, ok := storage.rows["f1"]; ok {
		t.Fatal("durable copy must be removed after re-expansion")
	}
}

func TestValidateReExpandErrors(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "x", 10, testClock)

	if err := s.ValidateReExpand("root", "e1"); fault.CodeOf(err) != fault.CodeNotEvicted {
		t.Fatalf("code = %v, want NOT_EVICTED", fault.CodeOf(err))
	}
	if err := s.ValidateReExpand("root", "ghost"); fault.CodeOf(err) != fault.CodeEntryNotFound {
		t.Fatalf("code = %v, want ENTRY_NOT_FOUND", fault.CodeOf(err))
	}
}

func TestPlanForcedFoldsPicksOldestFirst(t *testing.T) {
	s := NewStore(newMemStorage(), 400)
	applyExpand(t, s, "root", "old", "oldest entry", 200, testClock)
	applyExpand(t, s, "root", "mid", "middle entry", 150, testClock.Add(time.Minute))

	// 350 in the working set; 500 incoming. Folding "old" leaves 150+500 >
	// 400, so "mid" folds too.
	plan := s.PlanForcedFolds("root", 500)
	if len(plan) != 2 || plan[0].ID != "old" || plan[1].ID != "mid" {
		t.Fatalf("plan = %+v, want [old mid]", plan)
	}

	// Within budget: no plan.
	if plan := s.PlanForcedFolds("root", 10); plan != nil {
		t.Fatalf("plan = %+v, want nil", plan)
	}
}

func TestPlanForcedFoldsDisabledBudget(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "x", 1000, testClock)
	if plan := s.PlanForcedFolds("root", 5000); plan != nil {
		t.Fatalf("plan = %+v, want nil with budget disabled", plan)
	}
}

func TestTouchUpdatesRecency(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "x", 10, testClock)

	later := testClock.Add(2 * time.Hour)
	s.Touch("root", "e1", later)
	e, _ := s.Get("root", "e1")
	if !e.LastAccess.Equal(later) {
		t.Fatalf("last access = %v, want %v", e.LastAccess, later)
	}
}

func TestApplyIdempotentOnReplay(t *testing.T) {
	s := NewStore(newMemStorage(), 0)
	applyExpand(t, s, "root", "e1", "x", 10, testClock)
	applyExpand(t, s, "root", "e1", "x", 10, testClock)
	applyEvict(t, s, "root", "e1")
	applyEvict(t, s, "root", "e1")

	if got := len(s.List("root")); got != 1 {
		t.Fatalf("list length = %d, want 1", got)
	}
}

// A snapshot can carry an evicted marker while the WAL behind it still
// holds the records that created and evicted the entry; replay must not
// bring the entry back.
func TestEvictReplayOverSnapshotMarker(t *testing.T) {
	storage := newMemStorage()
	storage.rows["f1"] = Entry{ID: "f1", ThreadID: "root", Tier: TierEvicted, Content: "cold summary", Tokens: 10}
	s := NewStore(storage, 0)
	s.Load(Entry{ID: "f1", ThreadID: "root", Tier: TierEvicted})

	applyExpand(t, s, "root", "e1", "cold data", 50, testClock)
	applyFold(t, s, "root", "f1", []string{"e1"}, "cold summary", 10)
	applyEvict(t, s, "root", "f1")

	e, err := s.Get("root", "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Tier != TierEvicted || e.Content != "" {
		t.Fatalf("entry = %+v, want content-free evicted marker", e)
	}
	list := s.List("root")
	if len(list) != 1 || list[0].ID != "f1" || list[0].Tier != TierEvicted {
		t.Fatalf("list = %+v, want a single evicted marker", list)
	}
}

func TestMechanicalSummaryTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	sum := MechanicalSummary([]Entry{{Tier: TierExpanded, Content: string(long)}})
	if len(sum) >= 500 {
		t.Fatalf("summary length = %d, want truncated", len(sum))
	}
}

func TestMechanicalSummaryKeepsRuneBoundary(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 40)
	sum := MechanicalSummary([]Entry{{Tier: TierExpanded, Content: long}})
	if !utf8.ValidString(sum) {
		t.Fatalf("summary is not valid UTF-8: %q", sum)
	}
	if len(sum) >= len(long) {
		t.Fatalf("summary length = %d, want truncated", len(sum))
	}
}
