package wal

// Kind identifies the type of a WAL record. Records are self-describing:
// replay dispatches on the kind, and unknown kinds are surfaced to the
// caller so newer record types can be added without breaking older-log
// replay.
type Kind uint8

const (
	// KindThreadCreate logs creation of a root or child thread.
	KindThreadCreate Kind = iota + 1

	// KindThreadStatus logs a thread status transition.
	KindThreadStatus

	// KindContextExpand logs content added to the Expanded tier.
	KindContextExpand

	// KindContextFold logs folding of entries into one summary entry.
	KindContextFold

	// KindContextEvict logs eviction of an entry to durable storage.
	KindContextEvict

	// KindContextReExpand logs reloading an evicted entry.
	KindContextReExpand

	// KindJournalAppend logs a journaled message.
	KindJournalAppend

	// KindJournalAck logs delivery acknowledgment of a message.
	KindJournalAck

	// KindJournalPrune logs a retention-driven deletion pass.
	KindJournalPrune
)

var kindStrings = map[Kind]string{
	KindThreadCreate:    "ThreadCreate",
	KindThreadStatus:    "ThreadStatus",
	KindContextExpand:   "ContextExpand",
	KindContextFold:     "ContextFold",
	KindContextEvict:    "ContextEvict",
	KindContextReExpand: "ContextReExpand",
	KindJournalAppend:   "JournalAppend",
	KindJournalAck:      "JournalAck",
	KindJournalPrune:    "JournalPrune",
}

func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "Unknown"
}

// IsValid reports whether k is a known record kind.
func (k Kind) IsValid() bool {
	_, ok := kindStrings[k]
	return ok
}
