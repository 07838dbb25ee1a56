package threads

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/wal"
)

func TestParseID(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"root", true},
		{"root.a.b.c", true},
		{"root.a.a.a", true}, // repeated segments are fresh nodes
		{"root.worker-2.sub_task", true},
		{"", false},
		{"root..a", false},
		{".root", false},
		{"root.a b", false},
	}
	for _, tc := range cases {
		_, err := ParseID(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("ParseID(%q): %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseID(%q) succeeded, want error", tc.in)
		}
	}
}

func TestIDParentAndPrefix(t *testing.T) {
	id := ID("root.a.b")
	parent, ok := id.Parent()
	if !ok || parent != "root.a" {
		t.Fatalf("Parent = %q/%v, want root.a/true", parent, ok)
	}
	if _, ok := ID("root").Parent(); ok {
		t.Fatal("root must have no parent")
	}
	if !parent.IsStrictPrefixOf(id) {
		t.Fatal("root.a must be a strict prefix of root.a.b")
	}
	if id.IsStrictPrefixOf(id) {
		t.Fatal("an id is not a strict prefix of itself")
	}
	// Prefix is segment-wise, not string-wise.
	if ID("root.a").IsStrictPrefixOf("root.ab") {
		t.Fatal("root.a must not prefix root.ab")
	}
	if got := id.Depth(); got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}
}

func applyCreate(t *testing.T, tab *Table, id, parent ID) {
	t.Helper()
	payload, err := json.Marshal(CreateRecord{
		ID:        id,
		Parent:    parent,
		CreatedAt: time.Now().UTC(),
		Retention: retention.Forever().String(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := tab.Apply(wal.Record{Seq: 1, Kind: wal.KindThreadCreate, Payload: payload}); err != nil {
		t.Fatalf("apply create %q: %v", id, err)
	}
}

func applyStatus(t *testing.T, tab *Table, id ID, status Status) {
	t.Helper()
	payload, _ := json.Marshal(StatusRecord{ID: id, Status: status, At: time.Now().UTC()})
	if err := tab.Apply(wal.Record{Seq: 2, Kind: wal.KindThreadStatus, Payload: payload}); err != nil {
		t.Fatalf("apply status %q: %v", id, err)
	}
}

func TestLookupAndChildrenOrder(t *testing.T) {
	tab := NewTable()
	applyCreate(t, tab, "root", "")
	applyCreate(t, tab, "root.a", "root")
	applyCreate(t, tab, "root.b", "root")
	applyCreate(t, tab, "root.a.x", "root.a")

	th, err := tab.Lookup("root.a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if th.Status != StatusActive || th.Parent != "root" {
		t.Fatalf("thread = %+v", th)
	}

	kids, err := tab.ChildrenOf("root")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(kids) != 2 || kids[0] != "root.a" || kids[1] != "root.b" {
		t.Fatalf("children = %v, want [root.a root.b]", kids)
	}

	if _, err := tab.Lookup("root.zzz"); fault.CodeOf(err) != fault.CodeNotFound {
		t.Fatalf("lookup missing: code %v, want NOT_FOUND", fault.CodeOf(err))
	}
}

func TestValidateCreateChild(t *testing.T) {
	tab := NewTable()
	applyCreate(t, tab, "root", "")

	if err := tab.ValidateCreateChild("root"); err != nil {
		t.Fatalf("validate under active root: %v", err)
	}
	if err := tab.ValidateCreateChild("ghost"); fault.CodeOf(err) != fault.CodeUnknownParent {
		t.Fatalf("code = %v, want UNKNOWN_PARENT", fault.CodeOf(err))
	}

	applyStatus(t, tab, "root", StatusCompleted)
	if err := tab.ValidateCreateChild("root"); fault.CodeOf(err) != fault.CodeParentTerminated {
		t.Fatalf("code = %v, want PARENT_TERMINATED", fault.CodeOf(err))
	}
}

func TestTransitionMachine(t *testing.T) {
	tab := NewTable()
	applyCreate(t, tab, "root", "")

	if err := tab.ValidateTransition("root", StatusSuspended); err != nil {
		t.Fatalf("active -> suspended: %v", err)
	}
	applyStatus(t, tab, "root", StatusSuspended)

	if err := tab.ValidateTransition("root", StatusActive); err != nil {
		t.Fatalf("suspended -> active: %v", err)
	}
	if err := tab.ValidateTransition("root", StatusFailed); err != nil {
		t.Fatalf("suspended -> failed: %v", err)
	}

	applyStatus(t, tab, "root", StatusFailed)
	for _, to := range []Status{StatusActive, StatusSuspended, StatusCompleted} {
		if err := tab.ValidateTransition("root", to); fault.CodeOf(err) != fault.CodeInvalidTransition {
			t.Fatalf("failed -> %s: code %v, want INVALID_TRANSITION", to, fault.CodeOf(err))
		}
	}
}

func TestAllocateChildIDDeduplicatesSiblings(t *testing.T) {
	tab := NewTable()
	applyCreate(t, tab, "root", "")
	applyCreate(t, tab, "root.worker", "root")

	id, err := tab.AllocateChildID("root", "worker")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if id != "root.worker-2" {
		t.Fatalf("allocated %q, want root.worker-2", id)
	}

	// A repeated segment at a deeper level is untouched.
	id, err = tab.AllocateChildID("root.worker", "worker")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if id != "root.worker.worker" {
		t.Fatalf("allocated %q, want root.worker.worker", id)
	}
}

func TestAllReturnsCreationOrder(t *testing.T) {
	tab := NewTable()
	// Lexicographic order would put worker-10 before worker-2.
	applyCreate(t, tab, "root", "")
	applyCreate(t, tab, "root.worker-2", "root")
	applyCreate(t, tab, "root.worker-10", "root")

	all := tab.All()
	want := []ID{"root", "root.worker-2", "root.worker-10"}
	if len(all) != len(want) {
		t.Fatalf("all = %+v", all)
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Fatalf("all[%d] = %q, want %q", i, all[i].ID, id)
		}
	}
}

func TestApplyIsIdempotentOnReplay(t *testing.T) {
	tab := NewTable()
	applyCreate(t, tab, "root", "")
	applyCreate(t, tab, "root", "") // second replay of the same record

	if got := tab.Count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestApplyIgnoresForeignKinds(t *testing.T) {
	tab := NewTable()
	if err := tab.Apply(wal.Record{Seq: 9, Kind: wal.KindJournalAppend, Payload: []byte(`{"x":1}`)}); err != nil {
		t.Fatalf("foreign kind: %v", err)
	}
	if got := tab.Count(); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}
