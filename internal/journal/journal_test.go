package journal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/threads"
	"github.com/basket/agentos/internal/wal"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func applyAppend(t *testing.T, j *Journal, msgID string, threadID threads.ID, class retention.Class, at time.Time) {
	t.Helper()
	payload, _ := json.Marshal(AppendRecord{
		MessageID: msgID, ThreadID: threadID, Direction: DirectionInbound,
		PayloadRef: "blob/" + msgID, Retention: class, At: at,
	})
	if err := j.Apply(wal.Record{Seq: 1, Kind: wal.KindJournalAppend, Payload: payload}); err != nil {
		t.Fatalf("apply append: %v", err)
	}
}

func applyAck(t *testing.T, j *Journal, msgID string, at time.Time) {
	t.Helper()
	payload, _ := json.Marshal(AckRecord{MessageID: msgID, At: at})
	if err := j.Apply(wal.Record{Seq: 2, Kind: wal.KindJournalAck, Payload: payload}); err != nil {
		t.Fatalf("apply ack: %v", err)
	}
}

func applyPrune(t *testing.T, j *Journal, ids []string, at time.Time) {
	t.Helper()
	payload, _ := json.Marshal(PruneRecord{MessageIDs: ids, At: at})
	if err := j.Apply(wal.Record{Seq: 3, Kind: wal.KindJournalPrune, Payload: payload}); err != nil {
		t.Fatalf("apply prune: %v", err)
	}
}

func collect(seq func(func(Entry) bool)) []Entry {
	var out []Entry
	seq(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func TestQueryAppendOrderAndRestartable(t *testing.T) {
	j := New()
	applyAppend(t, j, "m1", "root", retention.Forever(), epoch)
	applyAppend(t, j, "m2", "root.a", retention.Forever(), epoch.Add(time.Minute))
	applyAppend(t, j, "m3", "root", retention.Forever(), epoch.Add(2*time.Minute))

	seq := j.Query(Filter{ThreadID: "root"})
	got := collect(seq)
	if len(got) != 2 || got[0].MessageID != "m1" || got[1].MessageID != "m3" {
		t.Fatalf("query = %+v", got)
	}

	// Same iterator again yields the same results.
	again := collect(seq)
	if len(again) != 2 || again[0].MessageID != "m1" {
		t.Fatalf("restarted query = %+v", again)
	}
}

func TestQueryTimeRange(t *testing.T) {
	j := New()
	applyAppend(t, j, "m1", "root", retention.Forever(), epoch)
	applyAppend(t, j, "m2", "root", retention.Forever(), epoch.Add(time.Hour))
	applyAppend(t, j, "m3", "root", retention.Forever(), epoch.Add(2*time.Hour))

	got := collect(j.Query(Filter{Since: epoch.Add(time.Hour), Until: epoch.Add(2 * time.Hour)}))
	if len(got) != 1 || got[0].MessageID != "m2" {
		t.Fatalf("range query = %+v", got)
	}
}

func TestDuplicateMessageRejected(t *testing.T) {
	j := New()
	applyAppend(t, j, "m1", "root", retention.Forever(), epoch)
	if err := j.ValidateAppend("m1"); fault.CodeOf(err) != fault.CodeDuplicateMessage {
		t.Fatalf("code = %v, want DUPLICATE_MESSAGE", fault.CodeOf(err))
	}
	if err := j.ValidateAppend("m2"); err != nil {
		t.Fatalf("fresh id rejected: %v", err)
	}
}

func TestUndeliveredAfterReplay(t *testing.T) {
	j := New()
	applyAppend(t, j, "m1", "root", retention.OnDelivery(), epoch)
	applyAppend(t, j, "m2", "root", retention.OnDelivery(), epoch.Add(time.Second))
	applyAck(t, j, "m1", epoch.Add(time.Minute))

	und := j.Undelivered()
	if len(und) != 1 || und[0].MessageID != "m2" {
		t.Fatalf("undelivered = %+v", und)
	}
}

func TestPruneOnDeliveryEligibility(t *testing.T) {
	j := New()
	applyAppend(t, j, "m1", "root", retention.OnDelivery(), epoch)

	if ids := j.Eligible(epoch.Add(time.Hour)); len(ids) != 0 {
		t.Fatalf("un-acked message eligible: %v", ids)
	}
	applyAck(t, j, "m1", epoch.Add(time.Minute))
	ids := j.Eligible(epoch.Add(time.Hour))
	if len(ids) != 1 || ids[0] != "m1" {
		t.Fatalf("eligible = %v, want [m1]", ids)
	}

	applyPrune(t, j, ids, epoch.Add(time.Hour))
	if got := collect(j.Query(Filter{ThreadID: "root"})); len(got) != 0 {
		t.Fatalf("pruned message still queryable: %+v", got)
	}
}

func TestRetainForeverSurvivesPrunePasses(t *testing.T) {
	j := New()
	applyAppend(t, j, "m1", "root", retention.Forever(), epoch)
	applyAck(t, j, "m1", epoch.Add(time.Second))

	for i := 0; i < 5; i++ {
		now := epoch.Add(time.Duration(i) * 24 * time.Hour)
		if ids := j.Eligible(now); len(ids) != 0 {
			t.Fatalf("pass %d: eligible = %v", i, ids)
		}
	}
	if j.Len() != 1 {
		t.Fatalf("journal len = %d, want 1", j.Len())
	}
}

func TestRetainDaysAfterTwentyFiveHours(t *testing.T) {
	j := New()
	class := retention.Days(1)
	applyAppend(t, j, "m1", "root", class, epoch)
	applyAppend(t, j, "m2", "root", class, epoch.Add(time.Minute))

	// 23 hours in: nothing lapses yet.
	if ids := j.Eligible(epoch.Add(23 * time.Hour)); len(ids) != 0 {
		t.Fatalf("early eligibility: %v", ids)
	}

	// 25 simulated hours, then a prune pass.
	now := epoch.Add(25 * time.Hour)
	ids := j.Eligible(now)
	if len(ids) != 2 {
		t.Fatalf("eligible = %v, want both", ids)
	}
	applyPrune(t, j, ids, now)

	if got := collect(j.Query(Filter{ThreadID: "root"})); len(got) != 0 {
		t.Fatalf("query after prune = %+v, want empty", got)
	}
}

func TestPruneReplayIdempotent(t *testing.T) {
	j := New()
	applyAppend(t, j, "m1", "root", retention.OnDelivery(), epoch)
	applyAck(t, j, "m1", epoch)
	applyPrune(t, j, []string{"m1"}, epoch.Add(time.Second))
	applyPrune(t, j, []string{"m1"}, epoch.Add(time.Second))

	// An ack replayed after its entry was pruned is a no-op, not an error.
	applyAck(t, j, "m1", epoch)
	if j.Len() != 0 {
		t.Fatalf("len = %d, want 0", j.Len())
	}
}

func TestLoadSeedsSnapshotRows(t *testing.T) {
	j := New()
	j.Load(Entry{MessageID: "m1", ThreadID: "root", At: epoch, Retention: retention.Forever()})
	j.Load(Entry{MessageID: "m1", ThreadID: "root", At: epoch, Retention: retention.Forever()})
	if j.Len() != 1 {
		t.Fatalf("len = %d, want 1", j.Len())
	}
	e, err := j.Get("m1")
	if err != nil || e.ThreadID != "root" {
		t.Fatalf("get = %+v, %v", e, err)
	}
}
