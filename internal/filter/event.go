package filter

import (
	"fmt"
	"path/filepath"

	"github.com/dyluth/warren/pkg/audit"
)

// Criteria defines glob filters for audit events.
// All filters are ANDed together - an event must match ALL criteria to pass.
type Criteria struct {
	TypeGlob    string // Glob pattern for the event type, empty = no filter
	SubjectGlob string // Glob pattern for the subject, empty = no filter
}

// Validate reports a malformed pattern.
func (c *Criteria) Validate() error {
	for _, p := range []string{c.TypeGlob, c.SubjectGlob} {
		if p == "" {
			continue
		}
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

// Matches returns true if the event matches all filter criteria.
// Empty criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(ev audit.Event) bool {
	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(ev.Type))
		if err != nil || !matched {
			return false
		}
	}
	if c.SubjectGlob != "" {
		matched, err := filepath.Match(c.SubjectGlob, ev.Subject)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.TypeGlob != "" || c.SubjectGlob != ""
}

// Apply keeps the matching events, then the most recent limit of them.
// A limit of zero keeps all.
func (c *Criteria) Apply(events []audit.Event, limit int) []audit.Event {
	out := events
	if c.HasFilters() {
		out = make([]audit.Event, 0, len(events))
		for _, ev := range events {
			if c.Matches(ev) {
				out = append(out, ev)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
