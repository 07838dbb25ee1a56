package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/basket/agentos/internal/fault"
)

// Lock is an exclusive ownership marker for a kernel data directory.
// Exactly one process may hold write access to a given WAL at a time; a
// second opener fails with CodeLockHeld.
type Lock struct {
	path    string
	ownerID string
}

// AcquireLock takes the kernel lock in dir. A lock file left behind by a
// dead process is reclaimed.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, "kernel.lock")
	ownerID := uuid.NewString()
	contents := fmt.Sprintf("%d %s\n", os.Getpid(), ownerID)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := f.WriteString(contents); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, fault.Durability(fault.CodeIOFailure, werr, "write lock file")
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, fault.Durability(fault.CodeIOFailure, cerr, "close lock file")
			}
			return &Lock{path: path, ownerID: ownerID}, nil
		}
		if !os.IsExist(err) {
			return nil, fault.Durability(fault.CodeIOFailure, err, "create lock file")
		}

		pid, ok := lockHolderPid(path)
		if ok && processAlive(pid) {
			return nil, fault.Durability(fault.CodeLockHeld, nil, "kernel lock held by pid %d", pid)
		}
		// Stale lock from a dead process: reclaim and retry once.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fault.Durability(fault.CodeIOFailure, rerr, "remove stale lock")
		}
	}
	return nil, fault.Durability(fault.CodeLockHeld, nil, "kernel lock contended")
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fault.Durability(fault.CodeIOFailure, err, "release lock")
	}
	return nil
}

func lockHolderPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
