// Package threads implements the hierarchical thread table: the call-stack
// registry of the entire agent population. Thread ids are immutable segment
// paths, so recursion depth is bounded by storage, not by any structure
// here.
package threads

import (
	"strings"

	"github.com/basket/agentos/internal/fault"
)

// ID is a thread identifier: dot-joined path segments, e.g. "root.a.b.c".
// A child's id always has its parent's id as a strict prefix. Segments may
// repeat along the path; repeated names create fresh nodes, which is what
// lets delegation recurse arbitrarily deep.
type ID string

// ParseID validates s as a thread id.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", fault.Structural(fault.CodeBadThreadID, "empty thread id")
	}
	for _, seg := range strings.Split(s, ".") {
		if err := checkSegment(seg); err != nil {
			return "", err
		}
	}
	return ID(s), nil
}

func checkSegment(seg string) error {
	if seg == "" {
		return fault.Structural(fault.CodeBadThreadID, "empty path segment")
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fault.Structural(fault.CodeBadThreadID, "segment %q contains %q", seg, r)
		}
	}
	return nil
}

// Segments returns the path segments in order.
func (id ID) Segments() []string {
	return strings.Split(string(id), ".")
}

// Depth returns the number of path segments.
func (id ID) Depth() int {
	return strings.Count(string(id), ".") + 1
}

// Parent returns the parent id. ok is false for a root.
func (id ID) Parent() (ID, bool) {
	i := strings.LastIndexByte(string(id), '.')
	if i < 0 {
		return "", false
	}
	return id[:i], true
}

// Child returns the id of a child with the given segment.
func (id ID) Child(segment string) (ID, error) {
	if err := checkSegment(segment); err != nil {
		return "", err
	}
	return id + "." + ID(segment), nil
}

// IsStrictPrefixOf reports whether id is a proper ancestor path of other.
func (id ID) IsStrictPrefixOf(other ID) bool {
	return len(other) > len(id) && strings.HasPrefix(string(other), string(id)+".")
}
