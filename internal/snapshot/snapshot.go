// Package snapshot persists checkpointed kernel state in SQLite. The
// snapshot plus the WAL suffix after its recorded sequence number is the
// complete recovery input. It also holds the durable copies of evicted
// context entries, which live nowhere else.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agentos/internal/contexts"
	"github.com/basket/agentos/internal/fault"
	"github.com/basket/agentos/internal/journal"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/threads"
)

const (
	schemaVersion  = 1
	schemaChecksum = "aos-v1-2026-08-kernel-snapshot-ord"
)

// State is one consistent point-in-time view of the kernel, written and
// read as a unit. LastSeq is the highest WAL sequence the rows reflect.
type State struct {
	LastSeq  int64
	Threads  []threads.Thread
	Contexts []contexts.Entry
	Journal  []journal.Entry
}

// Store is the SQLite-backed snapshot. It doubles as the durable home of
// evicted context entries via the contexts.EvictedStorage methods.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fault.Durability(fault.CodeIOFailure, err, "create snapshot directory")
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fault.Durability(fault.CodeIOFailure, err, "open sqlite3")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "set pragma %q", q)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "begin schema tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "create schema_migrations")
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "read schema version")
	}
	if maxVersion > schemaVersion {
		return fault.Corruption(fault.CodeBadSnapshot, "snapshot schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "read schema checksum")
		}
		if existing != schemaChecksum {
			return fault.Corruption(fault.CodeBadSnapshot, "schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshot_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			cause_message_id TEXT,
			retention TEXT NOT NULL,
			ord INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS context_entries (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL,
			last_access DATETIME NOT NULL,
			fold_of TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_context_entries_thread ON context_entries(thread_id);`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			payload_ref TEXT NOT NULL,
			at DATETIME NOT NULL,
			retention TEXT NOT NULL,
			acked INTEGER NOT NULL DEFAULT 0,
			acked_at DATETIME,
			seq INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_entries_thread ON journal_entries(thread_id);`,
		`CREATE TABLE IF NOT EXISTS evicted_entries (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tokens INTEGER NOT NULL,
			last_access DATETIME NOT NULL,
			fold_of TEXT NOT NULL DEFAULT '[]'
		);`,
	}
	for _, q := range statements {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "create snapshot schema")
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "record schema version")
	}
	if err := tx.Commit(); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "commit schema tx")
	}
	return nil
}

// LastSeq reads the checkpoint watermark, 0 when no checkpoint exists.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM snapshot_meta WHERE key = 'last_seq';`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fault.Durability(fault.CodeIOFailure, err, "read last_seq")
	}
	var seq int64
	if _, err := fmt.Sscanf(raw, "%d", &seq); err != nil {
		return 0, fault.Corruption(fault.CodeBadSnapshot, "malformed last_seq %q", raw)
	}
	return seq, nil
}

// Write replaces the snapshotted tables with state in one transaction.
// Evicted entries are not rewritten here; they are managed live by the
// eviction path and already durable.
func (s *Store) Write(ctx context.Context, state State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "begin checkpoint tx")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"threads", "context_entries", "journal_entries"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+`;`); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "clear %s", table)
		}
	}

	// ord preserves creation order; created_at has second granularity and
	// cannot order siblings created in the same tick.
	for i, th := range state.Threads {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, parent_id, status, created_at, cause_message_id, retention, ord)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			string(th.ID), string(th.Parent), string(th.Status), th.CreatedAt.UTC(),
			th.CauseMessageID, th.Retention.String(), i,
		); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "write thread %s", th.ID)
		}
	}

	for _, e := range state.Contexts {
		foldOf, err := json.Marshal(e.FoldOf)
		if err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "encode fold_of for %s", e.ID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO context_entries (id, thread_id, tier, content, tokens, last_access, fold_of)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			e.ID, string(e.ThreadID), string(e.Tier), e.Content, e.Tokens, e.LastAccess.UTC(), string(foldOf),
		); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "write context entry %s", e.ID)
		}
	}

	for i, e := range state.Journal {
		var ackedAt any
		if e.Acked {
			ackedAt = e.AckedAt.UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO journal_entries (message_id, thread_id, direction, payload_ref, at, retention, acked, acked_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			e.MessageID, string(e.ThreadID), string(e.Direction), e.PayloadRef,
			e.At.UTC(), e.Retention.String(), e.Acked, ackedAt, i,
		); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "write journal entry %s", e.MessageID)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_meta (key, value) VALUES ('last_seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value;`,
		fmt.Sprintf("%d", state.LastSeq),
	); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "write last_seq")
	}
	if err := tx.Commit(); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "commit checkpoint tx")
	}
	return nil
}

// Load reads the whole snapshot back, evicted entries included (they are
// returned as Evicted-tier context rows without content; content loads on
// re-expansion).
func (s *Store) Load(ctx context.Context) (State, error) {
	state := State{}

	seq, err := s.LastSeq(ctx)
	if err != nil {
		return State{}, err
	}
	state.LastSeq = seq

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, status, created_at, cause_message_id, retention
		FROM threads ORDER BY ord;`)
	if err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "load threads")
	}
	defer rows.Close()
	for rows.Next() {
		var th threads.Thread
		var id, parent, status, ret string
		var cause sql.NullString
		var created time.Time
		if err := rows.Scan(&id, &parent, &status, &created, &cause, &ret); err != nil {
			return State{}, fault.Durability(fault.CodeIOFailure, err, "scan thread")
		}
		th.ID = threads.ID(id)
		th.Parent = threads.ID(parent)
		th.Status = threads.Status(status)
		th.CreatedAt = created
		th.CauseMessageID = cause.String
		class, err := retention.Parse(ret)
		if err != nil {
			return State{}, fault.Corruption(fault.CodeBadSnapshot, "thread %s: bad retention %q", id, ret)
		}
		th.Retention = class
		state.Threads = append(state.Threads, th)
	}
	if err := rows.Err(); err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "iterate threads")
	}

	ctxRows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, tier, content, tokens, last_access, fold_of
		FROM context_entries ORDER BY last_access, id;`)
	if err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "load context entries")
	}
	defer ctxRows.Close()
	for ctxRows.Next() {
		var e contexts.Entry
		var threadID, tier, foldOf string
		if err := ctxRows.Scan(&e.ID, &threadID, &tier, &e.Content, &e.Tokens, &e.LastAccess, &foldOf); err != nil {
			return State{}, fault.Durability(fault.CodeIOFailure, err, "scan context entry")
		}
		e.ThreadID = threads.ID(threadID)
		e.Tier = contexts.Tier(tier)
		if err := json.Unmarshal([]byte(foldOf), &e.FoldOf); err != nil {
			return State{}, fault.Corruption(fault.CodeBadSnapshot, "context entry %s: bad fold_of", e.ID)
		}
		state.Contexts = append(state.Contexts, e)
	}
	if err := ctxRows.Err(); err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "iterate context entries")
	}

	evRows, err := s.db.QueryContext(ctx, `SELECT id, thread_id FROM evicted_entries;`)
	if err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "load evicted entries")
	}
	defer evRows.Close()
	for evRows.Next() {
		var id, threadID string
		if err := evRows.Scan(&id, &threadID); err != nil {
			return State{}, fault.Durability(fault.CodeIOFailure, err, "scan evicted entry")
		}
		state.Contexts = append(state.Contexts, contexts.Entry{
			ID:       id,
			ThreadID: threads.ID(threadID),
			Tier:     contexts.TierEvicted,
		})
	}
	if err := evRows.Err(); err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "iterate evicted entries")
	}

	jRows, err := s.db.QueryContext(ctx, `
		SELECT message_id, thread_id, direction, payload_ref, at, retention, acked, acked_at
		FROM journal_entries ORDER BY seq;`)
	if err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "load journal entries")
	}
	defer jRows.Close()
	for jRows.Next() {
		var e journal.Entry
		var threadID, direction, ret string
		var ackedAt sql.NullTime
		if err := jRows.Scan(&e.MessageID, &threadID, &direction, &e.PayloadRef, &e.At, &ret, &e.Acked, &ackedAt); err != nil {
			return State{}, fault.Durability(fault.CodeIOFailure, err, "scan journal entry")
		}
		e.ThreadID = threads.ID(threadID)
		e.Direction = journal.Direction(direction)
		class, err := retention.Parse(ret)
		if err != nil {
			return State{}, fault.Corruption(fault.CodeBadSnapshot, "journal entry %s: bad retention %q", e.MessageID, ret)
		}
		e.Retention = class
		if ackedAt.Valid {
			e.AckedAt = ackedAt.Time
		}
		state.Journal = append(state.Journal, e)
	}
	if err := jRows.Err(); err != nil {
		return State{}, fault.Durability(fault.CodeIOFailure, err, "iterate journal entries")
	}

	return state, nil
}

// SaveEvicted implements contexts.EvictedStorage.
func (s *Store) SaveEvicted(ctx context.Context, e contexts.Entry) error {
	foldOf, err := json.Marshal(e.FoldOf)
	if err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "encode fold_of for %s", e.ID)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO evicted_entries (id, thread_id, content, tokens, last_access, fold_of)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			tokens = excluded.tokens,
			last_access = excluded.last_access,
			fold_of = excluded.fold_of;`,
		e.ID, string(e.ThreadID), e.Content, e.Tokens, e.LastAccess.UTC(), string(foldOf),
	); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "save evicted entry %s", e.ID)
	}
	return nil
}

// LoadEvicted implements contexts.EvictedStorage.
func (s *Store) LoadEvicted(ctx context.Context, entryID string) (contexts.Entry, error) {
	var e contexts.Entry
	var threadID, foldOf string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, content, tokens, last_access, fold_of
		FROM evicted_entries WHERE id = ?;`, entryID,
	).Scan(&e.ID, &threadID, &e.Content, &e.Tokens, &e.LastAccess, &foldOf)
	if err == sql.ErrNoRows {
		return contexts.Entry{}, fault.Structural(fault.CodeEntryNotFound, "no evicted entry %q", entryID)
	}
	if err != nil {
		return contexts.Entry{}, fault.Durability(fault.CodeIOFailure, err, "load evicted entry %s", entryID)
	}
	e.ThreadID = threads.ID(threadID)
	e.Tier = contexts.TierEvicted
	if err := json.Unmarshal([]byte(foldOf), &e.FoldOf); err != nil {
		return contexts.Entry{}, fault.Corruption(fault.CodeBadSnapshot, "evicted entry %s: bad fold_of", entryID)
	}
	return e, nil
}

// DeleteEvicted implements contexts.EvictedStorage.
func (s *Store) DeleteEvicted(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM evicted_entries WHERE id = ?;`, entryID); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "delete evicted entry %s", entryID)
	}
	return nil
}
