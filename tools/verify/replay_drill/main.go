// Command replay_drill exercises crash recovery: in write mode it runs a
// burst of kernel operations and exits without closing anything, leaving
// the data directory as a crash would; in check mode it reopens the
// kernel and asserts the replayed state matches what write mode reported.
//
// Usage:
//
//	replay_drill -mode write -dir /tmp/drill > manifest.txt
//	replay_drill -mode check -dir /tmp/drill < manifest.txt
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/agentos/internal/config"
	"github.com/basket/agentos/internal/journal"
	"github.com/basket/agentos/internal/kernel"
	"github.com/basket/agentos/internal/retention"
	"github.com/basket/agentos/internal/threads"
)

func main() {
	mode := flag.String("mode", "", "write|check")
	dir := flag.String("dir", "", "kernel data directory")
	flag.Parse()

	if *mode == "" || *dir == "" {
		fmt.Fprintln(os.Stderr, "mode and dir are required")
		os.Exit(2)
	}

	ctx := context.Background()
	cfg, err := config.LoadFrom(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// Keep everything in the WAL so check mode proves replay, not the
	// snapshot.
	cfg.CheckpointEveryRecords = 0

	switch *mode {
	case "write":
		os.Exit(runWrite(ctx, *dir, cfg))
	case "check":
		os.Exit(runCheck(ctx, *dir, cfg, os.Stdin))
	default:
		fmt.Fprintln(os.Stderr, "unknown mode")
		os.Exit(2)
	}
}

func openKernel(ctx context.Context, dir string, cfg config.Config) (*kernel.Kernel, error) {
	return kernel.Open(ctx, dir, cfg, kernel.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func runWrite(ctx context.Context, dir string, cfg config.Config) int {
	k, err := openKernel(ctx, dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		return 1
	}

	root, err := k.CreateRoot(ctx, "drill", retention.Forever())
	if err != nil {
		fmt.Fprintf(os.Stderr, "create root: %v\n", err)
		return 1
	}
	child, cause, err := k.DispatchChild(ctx, root.ID, "worker", "blob://cause")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
		return 1
	}
	entry, err := k.Expand(ctx, child.ID, "drill context payload", 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "expand: %v\n", err)
		return 1
	}
	msg, err := k.AppendJournal(ctx, child.ID, journal.DirectionOutbound, "blob://out", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "journal: %v\n", err)
		return 1
	}

	fmt.Printf("CHILD_ID=%s\n", child.ID)
	fmt.Printf("CAUSE_ID=%s\n", cause.MessageID)
	fmt.Printf("ENTRY_ID=%s\n", entry.ID)
	fmt.Printf("MSG_ID=%s\n", msg.MessageID)
	fmt.Printf("LAST_SEQ=%d\n", k.WAL().LastSeq())

	// Exit without Close: the lock file stays behind and the WAL tail is
	// whatever the last fsync left. That is the crash being drilled.
	return 0
}

func runCheck(ctx context.Context, dir string, cfg config.Config, manifest io.Reader) int {
	want := map[string]string{}
	sc := bufio.NewScanner(manifest)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if ok {
			want[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "manifest: %v\n", err)
		return 1
	}
	for _, key := range []string{"CHILD_ID", "CAUSE_ID", "ENTRY_ID", "MSG_ID", "LAST_SEQ"} {
		if want[key] == "" {
			fmt.Fprintf(os.Stderr, "manifest missing %s\n", key)
			return 2
		}
	}

	k, err := openKernel(ctx, dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reopen: %v\n", err)
		return 1
	}
	defer k.Close()

	pass := true
	fail := func(format string, args ...any) {
		pass = false
		fmt.Printf("FAIL "+format+"\n", args...)
	}

	if got := fmt.Sprintf("%d", k.WAL().LastSeq()); got != want["LAST_SEQ"] {
		fail("last seq = %s, want %s", got, want["LAST_SEQ"])
	}
	child, err := k.Lookup(threads.ID(want["CHILD_ID"]))
	if err != nil {
		fail("child lookup: %v", err)
	} else if child.CauseMessageID != want["CAUSE_ID"] {
		fail("cause = %q, want %q", child.CauseMessageID, want["CAUSE_ID"])
	}
	if _, err := k.Contexts().Get(threads.ID(want["CHILD_ID"]), want["ENTRY_ID"]); err != nil {
		fail("context entry: %v", err)
	}
	if _, err := k.Journal().Get(want["MSG_ID"]); err != nil {
		fail("journal entry: %v", err)
	}
	und := k.Undelivered()
	found := false
	for _, e := range und {
		if e.MessageID == want["MSG_ID"] {
			found = true
		}
	}
	if !found {
		fail("un-acked message %s not in undelivered set (%d entries)", want["MSG_ID"], len(und))
	}

	if pass {
		fmt.Println("PASS replay drill")
		return 0
	}
	return 1
}
