// Package retention defines the journal retention classes and the
// background pruner that applies them. A thread's class is fixed at
// creation and inherited by every message recorded under it.
package retention

import (
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentos/internal/fault"
)

// Mode names a retention rule family.
type Mode string

const (
	// ModeForever: never pruned.
	ModeForever Mode = "retain_forever"

	// ModeOnDelivery: eligible immediately after the owning thread
	// acknowledges the message.
	ModeOnDelivery Mode = "prune_on_delivery"

	// ModeDays: eligible a fixed number of days after append.
	ModeDays Mode = "retain_days"
)

// Class is a parsed retention policy, e.g. "retain_days:30".
type Class struct {
	Mode Mode
	Days int // meaningful only for ModeDays
}

// Forever returns the retain_forever class.
func Forever() Class { return Class{Mode: ModeForever} }

// OnDelivery returns the prune_on_delivery class.
func OnDelivery() Class { return Class{Mode: ModeOnDelivery} }

// Days returns a retain_days:n class.
func Days(n int) Class { return Class{Mode: ModeDays, Days: n} }

// Parse reads a class from its wire form: "retain_forever",
// "prune_on_delivery", or "retain_days:N".
func Parse(s string) (Class, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == string(ModeForever):
		return Forever(), nil
	case s == string(ModeOnDelivery):
		return OnDelivery(), nil
	case strings.HasPrefix(s, string(ModeDays)+":"):
		raw := strings.TrimPrefix(s, string(ModeDays)+":")
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Class{}, fault.Structural(fault.CodeBadRetention, "retain_days wants a positive day count, got %q", raw)
		}
		return Days(n), nil
	}
	return Class{}, fault.Structural(fault.CodeBadRetention, "unknown retention class %q", s)
}

func (c Class) String() string {
	if c.Mode == ModeDays {
		return string(ModeDays) + ":" + strconv.Itoa(c.Days)
	}
	return string(c.Mode)
}

// MarshalText encodes the class in its wire form for JSON and YAML.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the wire form.
func (c *Class) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Eligible reports whether a message appended at appendedAt, with the given
// acknowledgment state, may be pruned at now.
func (c Class) Eligible(appendedAt time.Time, acked bool, now time.Time) bool {
	switch c.Mode {
	case ModeForever:
		return false
	case ModeOnDelivery:
		return acked
	case ModeDays:
		return now.Sub(appendedAt) >= time.Duration(c.Days)*24*time.Hour
	}
	return false
}
