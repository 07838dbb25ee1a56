package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentos/internal/fault"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.wal")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAppendAssignsGaplessSequence(t *testing.T) {
	l, _ := openTestLog(t)

	for i := 1; i <= 5; i++ {
		seq, err := l.Append(Entry{Kind: KindJournalAppend, Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}
	if got := l.LastSeq(); got != 5 {
		t.Fatalf("LastSeq = %d, want 5", got)
	}
}

func TestReplayRoundTrip(t *testing.T) {
	l, path := openTestLog(t)

	entries := []Entry{
		{Kind: KindThreadCreate, Payload: []byte(`{"id":"root"}`)},
		{Kind: KindContextExpand, Payload: []byte(`{"entry":"e1"}`)},
		{Kind: KindJournalAppend, Payload: []byte(`{"msg":"m1"}`)},
	}
	for _, e := range entries {
		if _, err := l.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	var got []Record
	if err := reopened.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("replayed %d records, want %d", len(got), len(entries))
	}
	for i, r := range got {
		if r.Seq != uint64(i+1) {
			t.Fatalf("record %d seq = %d, want %d", i, r.Seq, i+1)
		}
		if r.Kind != entries[i].Kind {
			t.Fatalf("record %d kind = %v, want %v", i, r.Kind, entries[i].Kind)
		}
		if !bytes.Equal(r.Payload, entries[i].Payload) {
			t.Fatalf("record %d payload = %q, want %q", i, r.Payload, entries[i].Payload)
		}
	}
}

func TestAppendBatchIsContiguous(t *testing.T) {
	l, _ := openTestLog(t)

	if _, err := l.Append(Entry{Kind: KindThreadCreate, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	first, err := l.AppendBatch([]Entry{
		{Kind: KindThreadCreate, Payload: []byte(`{"id":"root.a"}`)},
		{Kind: KindJournalAppend, Payload: []byte(`{"msg":"m1"}`)},
	})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if first != 2 {
		t.Fatalf("batch first seq = %d, want 2", first)
	}
	if got := l.NextSeq(); got != 4 {
		t.Fatalf("NextSeq = %d, want 4", got)
	}
}

func TestTornTrailingRecordIsTruncated(t *testing.T) {
	l, path := openTestLog(t)

	if _, err := l.Append(Entry{Kind: KindThreadCreate, Payload: []byte(`{"id":"root"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(Entry{Kind: KindJournalAppend, Payload: []byte(`{"msg":"m1"}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-write: chop bytes off the last frame.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatalf("truncate wal: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after torn write: %v", err)
	}
	defer reopened.Close()

	var count int
	if err := reopened.Replay(func(Record) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("replayed %d records after torn tail, want 1", count)
	}

	// The torn record's sequence number is reused: it was never committed.
	if got := reopened.NextSeq(); got != 2 {
		t.Fatalf("NextSeq = %d, want 2", got)
	}
}

func TestMidLogCorruptionRefusesToOpen(t *testing.T) {
	l, path := openTestLog(t)

	for i := 0; i < 3; i++ {
		if _, err := l.Append(Entry{Kind: KindJournalAppend, Payload: []byte(`{"msg":"payload-with-some-length"}`)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Flip a payload byte inside the first record, not the trailing one.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	data[headerSize+20] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write wal: %v", err)
	}

	_, err = Open(path)
	if err == nil {
		t.Fatal("expected corruption error, got nil")
	}
	if !fault.IsCorruption(err) {
		t.Fatalf("error kind = %v, want corruption: %v", fault.KindOf(err), err)
	}
}

func TestResetContinuesSequenceNumbers(t *testing.T) {
	l, path := openTestLog(t)

	for i := 0; i < 4; i++ {
		if _, err := l.Append(Entry{Kind: KindThreadStatus, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Reset(5); err != nil {
		t.Fatalf("reset: %v", err)
	}

	seq, err := l.Append(Entry{Kind: KindThreadStatus, Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("append after reset: %v", err)
	}
	if seq != 5 {
		t.Fatalf("seq after reset = %d, want 5", seq)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after reset: %v", err)
	}
	defer reopened.Close()
	if got := reopened.NextSeq(); got != 6 {
		t.Fatalf("NextSeq after reopen = %d, want 6", got)
	}
}

func TestResetRejectsRewindingBase(t *testing.T) {
	l, _ := openTestLog(t)
	if _, err := l.Append(Entry{Kind: KindThreadCreate, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := l.Reset(1)
	if err == nil {
		t.Fatal("expected error resetting behind committed records")
	}
	if !fault.IsStructural(err) {
		t.Fatalf("error kind = %v, want structural", fault.KindOf(err))
	}
}

func TestUnknownKindRejected(t *testing.T) {
	l, _ := openTestLog(t)
	if _, err := l.Append(Entry{Kind: Kind(200), Payload: nil}); err == nil {
		t.Fatal("expected error for unknown record kind")
	}
}

func TestLockExcludesSecondOwner(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer lock.Release()

	if _, err := AcquireLock(dir); err == nil {
		t.Fatal("expected second acquire to fail")
	} else if fault.CodeOf(err) != fault.CodeLockHeld {
		t.Fatalf("error code = %v, want %v", fault.CodeOf(err), fault.CodeLockHeld)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	relock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = relock.Release()
}

func TestStaleLockIsReclaimed(t *testing.T) {
	dir := t.TempDir()
	// A lock file naming a pid that cannot exist.
	if err := os.WriteFile(filepath.Join(dir, "kernel.lock"), []byte("999999999 dead\n"), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	_ = lock.Release()
}
