// Package contexts implements the tiered per-thread working memory:
// Expanded entries count against a token budget, Folded entries hold lossy
// summaries, and Evicted entries live only in durable storage. The package
// enforces mechanism (valid tier transitions, budget accounting,
// durability of transitions) and leaves every relevance decision to the
// external curator.
package contexts

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/agentos/internal/threads"
)

// Tier is the fidelity/locality state of a context entry.
type Tier string

const (
	// TierExpanded holds full-fidelity content counted against the
	// working-set budget.
	TierExpanded Tier = "EXPANDED"

	// TierFolded holds a lossy compressed summary, cheap to keep and not
	// directly usable without re-expansion.
	TierFolded Tier = "FOLDED"

	// TierEvicted marks content removed from the addressable working set,
	// persisted only in durable storage.
	TierEvicted Tier = "EVICTED"
)

// Entry is one unit of thread context. FoldOf is provenance, not
// ownership: it names the entries a summary was folded from, which no
// longer exist individually.
type Entry struct {
	ID         string     `json:"id"`
	ThreadID   threads.ID `json:"thread_id"`
	Tier       Tier       `json:"tier"`
	Content    string     `json:"content,omitempty"`
	Tokens     int        `json:"tokens"`
	LastAccess time.Time  `json:"last_access"`
	FoldOf     []string   `json:"fold_of,omitempty"`
}

// ExpandRecord is the WAL payload for adding content to the Expanded tier.
type ExpandRecord struct {
	EntryID  string     `json:"entry_id"`
	ThreadID threads.ID `json:"thread_id"`
	Content  string     `json:"content"`
	Tokens   int        `json:"tokens"`
	At       time.Time  `json:"at"`
}

// FoldRecord is the WAL payload for replacing entries with one summary.
type FoldRecord struct {
	EntryID  string     `json:"entry_id"`
	ThreadID threads.ID `json:"thread_id"`
	FoldOf   []string   `json:"fold_of"`
	Summary  string     `json:"summary"`
	Tokens   int        `json:"tokens"`
	At       time.Time  `json:"at"`
	Forced   bool       `json:"forced,omitempty"`
}

// EvictRecord is the WAL payload for moving an entry to durable storage.
type EvictRecord struct {
	EntryID  string     `json:"entry_id"`
	ThreadID threads.ID `json:"thread_id"`
	At       time.Time  `json:"at"`
	Forced   bool       `json:"forced,omitempty"`
}

// ReExpandRecord is the WAL payload for reloading an evicted entry.
type ReExpandRecord struct {
	EntryID  string     `json:"entry_id"`
	ThreadID threads.ID `json:"thread_id"`
	At       time.Time  `json:"at"`
}

const summarySnippet = 120

// MechanicalSummary builds the fallback summary used when entries are
// folded without a curator-supplied one: a head snippet of each member.
// Lossy on purpose: fidelity is what folding trades away.
func MechanicalSummary(entries []Entry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		content := e.Content
		if e.Tier == TierFolded {
			// Already a summary; keep it whole.
			sb.WriteString(content)
			continue
		}
		if len(content) > summarySnippet {
			cut := summarySnippet
			// Back off to a rune boundary so the snippet stays valid UTF-8.
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "…"
		}
		sb.WriteString(content)
	}
	return sb.String()
}
