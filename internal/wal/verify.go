package wal

import (
	"encoding/binary"
	"os"

	"github.com/basket/agentos/internal/fault"
)

// Stats summarizes a read-only scan of a log file.
type Stats struct {
	Base      uint64 // first sequence the file may contain
	Records   uint64 // valid frames found
	LastSeq   uint64 // highest committed sequence, 0 when empty
	Size      int64  // file size on disk
	TornBytes int64  // bytes past the last valid frame
}

// Verify scans the log at path without opening it for writing and without
// truncating a torn tail, calling fn (when non-nil) for each valid record.
// It reports corruption through the same faults Open would, so an offline
// check sees exactly what recovery will see.
func Verify(path string, fn func(Record) error) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fault.Durability(fault.CodeIOFailure, err, "open wal %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Stats{}, fault.Durability(fault.CodeIOFailure, err, "stat wal")
	}
	if info.Size() == 0 {
		return Stats{Base: 1}, nil
	}
	if info.Size() < headerSize {
		return Stats{}, fault.Corruption(fault.CodeCorruptRecord, "wal header truncated (%d bytes)", info.Size())
	}

	l := &Log{path: path, f: f}
	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return Stats{}, fault.Durability(fault.CodeIOFailure, err, "read wal header")
	}
	if string(header[:8]) != magic {
		return Stats{}, fault.Corruption(fault.CodeCorruptRecord, "bad wal magic %q", header[:8])
	}
	l.base = binary.BigEndian.Uint64(header[8:])
	if l.base == 0 {
		return Stats{}, fault.Corruption(fault.CodeCorruptRecord, "wal base sequence is zero")
	}

	validEnd, count, err := l.scan(info.Size(), fn)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Base:      l.base,
		Records:   count,
		Size:      info.Size(),
		TornBytes: info.Size() - validEnd,
	}
	if count > 0 {
		st.LastSeq = l.base + count - 1
	}
	return st, nil
}
