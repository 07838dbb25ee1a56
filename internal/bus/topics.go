package bus

// Thread lifecycle topics.
const (
	TopicThreadCreated       = "thread.created"
	TopicThreadStatusChanged = "thread.status_changed"
)

// Context tier-transition topics.
const (
	TopicContextExpanded   = "context.expanded"
	TopicContextFolded     = "context.folded"
	TopicContextEvicted    = "context.evicted"
	TopicContextReExpanded = "context.reexpanded"
	TopicContextPressure   = "context.pressure"
)

// Journal topics.
const (
	TopicJournalAppended = "journal.appended"
	TopicJournalAcked    = "journal.acked"
	TopicJournalPruned   = "journal.pruned"
)

// Kernel lifecycle topics.
const (
	TopicCheckpoint = "kernel.checkpoint"
)

// ThreadEvent is published on thread creation and status changes.
type ThreadEvent struct {
	ThreadID  string // Dot-joined thread path
	Parent    string // Parent path, empty for roots
	OldStatus string // Previous status, empty on creation
	NewStatus string // Current status
}

// ContextEvent is published on every context tier transition.
type ContextEvent struct {
	ThreadID string // Owning thread path
	EntryID  string // Context entry id
	Tier     string // Tier after the transition
	Tokens   int    // Entry size in tokens
	Forced   bool   // True when the kernel forced the transition
}

// PressureEvent is published when a forced-fold pass runs, so the curator
// learns it fell behind.
type PressureEvent struct {
	ThreadID       string // Thread under pressure
	Budget         int    // Configured token budget
	WorkingTokens  int    // Expanded-tier tokens before the pass
	IncomingTokens int    // Size of the expansion that triggered the pass
	FoldedEntries  int    // How many entries the pass folded
}

// JournalEvent is published on journal appends, acks, and prune passes.
type JournalEvent struct {
	ThreadID  string // Owning thread path, empty for prune passes
	MessageID string // Message id, empty for prune passes
	Pruned    int    // Entries removed, prune passes only
}

// CheckpointEvent is published after a completed checkpoint.
type CheckpointEvent struct {
	LastSeq  int64 // Highest sequence captured by the snapshot
	Duration float64
}
