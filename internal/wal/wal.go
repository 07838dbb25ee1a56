// Package wal implements the kernel's write-ahead log: a sequential,
// checksummed, append-only file that every other structure's mutations
// pass through before being applied in memory.
//
// On-disk layout: a 16-byte header (magic + base sequence number) followed
// by length-prefixed frames. Each frame carries the record sequence number,
// kind, JSON payload, and an xxhash checksum. A torn trailing frame is
// truncated on open; a damaged frame anywhere else refuses to open.
package wal

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/basket/agentos/internal/fault"
)

const (
	magic      = "AOSWAL01"
	headerSize = 16

	// frameOverhead is seq(8) + kind(1) + checksum(8).
	frameOverhead = 17

	// maxPayloadSize bounds a single record payload.
	maxPayloadSize = 64 << 20
)

// Record is one committed WAL record.
type Record struct {
	Seq     uint64
	Kind    Kind
	Payload []byte
}

// Entry is an unsequenced record handed to Append or AppendBatch.
// The log assigns the sequence number.
type Entry struct {
	Kind    Kind
	Payload []byte
}

// Log is an open write-ahead log. A Log is safe for concurrent use, but
// cross-process exclusion is the Lock's job, not the Log's.
type Log struct {
	mu      sync.Mutex
	path    string
	f       *os.File
	base    uint64 // first sequence number this file may contain
	nextSeq uint64
	size    int64 // offset one past the last committed frame
	closed  bool
}

// Open opens or creates the log at path. Existing contents are scanned and
// validated: a torn trailing frame is discarded and the file truncated
// there; damage anywhere else is fatal corruption.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fault.Durability(fault.CodeIOFailure, err, "open wal %s", path)
	}

	l := &Log{path: path, f: f}
	if err := l.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	info, err := l.f.Stat()
	if err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "stat wal")
	}

	if info.Size() == 0 {
		l.base = 1
		l.nextSeq = 1
		l.size = headerSize
		return l.writeHeader(1)
	}

	if info.Size() < headerSize {
		return fault.Corruption(fault.CodeCorruptRecord, "wal header truncated (%d bytes)", info.Size())
	}

	header := make([]byte, headerSize)
	if _, err := l.f.ReadAt(header, 0); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "read wal header")
	}
	if string(header[:8]) != magic {
		return fault.Corruption(fault.CodeCorruptRecord, "bad wal magic %q", header[:8])
	}
	l.base = binary.BigEndian.Uint64(header[8:])
	if l.base == 0 {
		return fault.Corruption(fault.CodeCorruptRecord, "wal base sequence is zero")
	}

	validEnd, count, err := l.scan(info.Size(), nil)
	if err != nil {
		return err
	}
	if validEnd < info.Size() {
		// Torn trailing write: discard it.
		if err := l.f.Truncate(validEnd); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "truncate torn wal tail")
		}
		if err := l.f.Sync(); err != nil {
			return fault.Durability(fault.CodeIOFailure, err, "sync wal after truncate")
		}
	}
	l.nextSeq = l.base + count
	l.size = validEnd
	return nil
}

// scan walks frames from the header to EOF, calling fn (when non-nil) for
// each valid record. It returns the offset after the last valid frame and
// the number of valid records.
func (l *Log) scan(size int64, fn func(Record) error) (int64, uint64, error) {
	offset := int64(headerSize)
	var count uint64

	for offset < size {
		remaining := size - offset
		if remaining < 4 {
			return offset, count, nil // torn length prefix
		}
		var lenBuf [4]byte
		if _, err := l.f.ReadAt(lenBuf[:], offset); err != nil {
			return 0, 0, fault.Durability(fault.CodeIOFailure, err, "read wal frame length")
		}
		n := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if n < frameOverhead || n > frameOverhead+maxPayloadSize {
			// A torn append cuts the frame body, never the length value,
			// so an out-of-range length is damage.
			return 0, 0, fault.Corruption(fault.CodeCorruptRecord, "wal frame length %d out of range at offset %d", n, offset)
		}
		if offset+4+n > size {
			return offset, count, nil // frame cut short: torn tail
		}

		frame := make([]byte, n)
		if _, err := l.f.ReadAt(frame, offset+4); err != nil {
			return 0, 0, fault.Durability(fault.CodeIOFailure, err, "read wal frame")
		}

		body := frame[:n-8]
		want := binary.BigEndian.Uint64(frame[n-8:])
		trailing := offset+4+n == size

		if xxhash.Sum64(body) != want {
			if trailing {
				return offset, count, nil
			}
			return 0, 0, fault.Corruption(fault.CodeCorruptRecord, "wal checksum mismatch at offset %d", offset)
		}

		seq := binary.BigEndian.Uint64(body[:8])
		kind := Kind(body[8])
		if seq != l.base+count {
			return 0, 0, fault.Corruption(fault.CodeSequenceGap, "wal sequence %d at offset %d, want %d", seq, offset, l.base+count)
		}

		if fn != nil {
			payload := make([]byte, len(body)-9)
			copy(payload, body[9:])
			if err := fn(Record{Seq: seq, Kind: kind, Payload: payload}); err != nil {
				return 0, 0, err
			}
		}

		count++
		offset += 4 + n
	}
	return offset, count, nil
}

func (l *Log) writeHeader(base uint64) error {
	header := make([]byte, headerSize)
	copy(header, magic)
	binary.BigEndian.PutUint64(header[8:], base)
	if _, err := l.f.WriteAt(header, 0); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "write wal header")
	}
	if err := l.f.Sync(); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "sync wal header")
	}
	return nil
}

// Append serializes, checksums, writes, and flushes one record. It returns
// the assigned sequence number only after the record is durable. An I/O
// error means the record is not committed; the caller decides what to do.
func (l *Log) Append(e Entry) (uint64, error) {
	seq, err := l.AppendBatch([]Entry{e})
	return seq, err
}

// AppendBatch appends the entries as one contiguous, single-fsync write,
// assigning consecutive sequence numbers. It returns the sequence number of
// the first entry. Either the whole batch becomes durable or, on a torn
// write, the partial tail is discarded at next open.
func (l *Log) AppendBatch(entries []Entry) (uint64, error) {
	if len(entries) == 0 {
		return 0, fault.Structural(fault.CodeNotFound, "empty wal batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fault.Durability(fault.CodeClosed, nil, "wal is closed")
	}

	first := l.nextSeq
	buf := make([]byte, 0, 64*len(entries))
	for i, e := range entries {
		if !e.Kind.IsValid() {
			return 0, fault.Structural(fault.CodeNotFound, "unknown wal record kind %d", e.Kind)
		}
		if len(e.Payload) > maxPayloadSize {
			return 0, fault.Structural(fault.CodeNotFound, "wal payload exceeds %d bytes", maxPayloadSize)
		}
		buf = appendFrame(buf, first+uint64(i), e.Kind, e.Payload)
	}

	if _, err := l.f.WriteAt(buf, l.size); err != nil {
		return 0, fault.Durability(fault.CodeIOFailure, err, "append wal batch")
	}
	if err := l.f.Sync(); err != nil {
		return 0, fault.Durability(fault.CodeIOFailure, err, "flush wal batch")
	}

	l.size += int64(len(buf))
	l.nextSeq += uint64(len(entries))
	return first, nil
}

func appendFrame(buf []byte, seq uint64, kind Kind, payload []byte) []byte {
	n := frameOverhead + len(payload)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n))
	body := make([]byte, 0, n-8)
	body = binary.BigEndian.AppendUint64(body, seq)
	body = append(body, byte(kind))
	body = append(body, payload...)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(body))
	return buf
}

// Replay calls fn for every committed record in sequence order. The file
// was already validated at Open, so damage found here is an I/O failure,
// not corruption.
func (l *Log) Replay(fn func(Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fault.Durability(fault.CodeClosed, nil, "wal is closed")
	}

	_, _, err := l.scan(l.size, fn)
	return err
}

// Reset compacts the log after a checkpoint: the file is atomically
// replaced by an empty one whose header carries base as the next sequence
// number. Committed sequence numbers are never reused.
func (l *Log) Reset(base uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fault.Durability(fault.CodeClosed, nil, "wal is closed")
	}
	if base < l.nextSeq {
		return fault.Structural(fault.CodeInvalidTransition, "reset base %d behind next sequence %d", base, l.nextSeq)
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "create wal replacement")
	}
	header := make([]byte, headerSize)
	copy(header, magic)
	binary.BigEndian.PutUint64(header[8:], base)
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return fault.Durability(fault.CodeIOFailure, err, "write wal replacement header")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fault.Durability(fault.CodeIOFailure, err, "sync wal replacement")
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = f.Close()
		return fault.Durability(fault.CodeIOFailure, err, "swap wal replacement")
	}

	old := l.f
	l.f = f
	l.base = base
	l.nextSeq = base
	l.size = headerSize
	_ = old.Close()
	return nil
}

// NextSeq returns the sequence number the next append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// LastSeq returns the highest committed sequence number, or 0 when none.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Size returns the current file size in bytes.
func (l *Log) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := l.f.Stat()
	if err != nil {
		return 0, fault.Durability(fault.CodeIOFailure, err, "stat wal")
	}
	return info.Size(), nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return fault.Durability(fault.CodeIOFailure, err, "sync wal on close")
	}
	if err := l.f.Close(); err != nil {
		return fault.Durability(fault.CodeIOFailure, err, "close wal")
	}
	return nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }
