// Package fault defines the kernel's discriminated error taxonomy.
// Callers use the Kind to tell an invalid request (Structural) apart from
// kernel unavailability (Durability) or unrecoverable on-disk damage
// (Corruption).
package fault

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category.
type Kind string

const (
	// KindStructural marks caller errors: unknown ids, invalid transitions,
	// missing entries. Never retried internally.
	KindStructural Kind = "STRUCTURAL"

	// KindDurability marks I/O failures on the WAL or snapshot store.
	// Fatal to the current operation; repeated occurrences should halt the
	// kernel rather than continue unverified.
	KindDurability Kind = "DURABILITY"

	// KindCorruption marks checksum or framing damage outside the
	// trailing-partial-write case. Fatal at startup.
	KindCorruption Kind = "CORRUPTION"
)

// Code identifies the precise failure for programmatic handling.
type Code string

const (
	CodeUnknownParent     Code = "UNKNOWN_PARENT"
	CodeParentTerminated  Code = "PARENT_TERMINATED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeEntryNotFound     Code = "ENTRY_NOT_FOUND"
	CodeNotEvicted        Code = "NOT_EVICTED"
	CodeThreadTerminated  Code = "THREAD_TERMINATED"
	CodeDuplicateMessage  Code = "DUPLICATE_MESSAGE"
	CodeBadThreadID       Code = "BAD_THREAD_ID"
	CodeBadRetention      Code = "BAD_RETENTION"

	CodeIOFailure Code = "IO_FAILURE"
	CodeLockHeld  Code = "LOCK_HELD"
	CodeClosed    Code = "CLOSED"

	CodeCorruptRecord Code = "CORRUPT_RECORD"
	CodeSequenceGap   Code = "SEQUENCE_GAP"
	CodeBadSnapshot   Code = "BAD_SNAPSHOT"
)

// Error is a kernel error with a kind and code.
type Error struct {
	Kind Kind
	Code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.msg, e.err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports a match against another *Error with the same kind and code,
// so sentinel-style comparisons work with errors.Is.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind && e.Code == te.Code
}

// Structural builds a caller-error fault.
func Structural(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindStructural, Code: code, msg: fmt.Sprintf(format, args...)}
}

// Durability builds an I/O fault wrapping the underlying error.
func Durability(code Code, err error, format string, args ...any) *Error {
	return &Error{Kind: KindDurability, Code: code, msg: fmt.Sprintf(format, args...), err: err}
}

// Corruption builds an on-disk damage fault.
func Corruption(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindCorruption, Code: code, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" when err is not a kernel fault.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the Code of err, or "" when err is not a kernel fault.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsStructural reports whether err is a caller error.
func IsStructural(err error) bool { return KindOf(err) == KindStructural }

// IsDurability reports whether err is an I/O failure.
func IsDurability(err error) bool { return KindOf(err) == KindDurability }

// IsCorruption reports whether err is on-disk damage.
func IsCorruption(err error) bool { return KindOf(err) == KindCorruption }
