package audit

import (
	"sort"
	"time"
)

// Filter selects events. Zero-valued fields match everything.
type Filter struct {
	Subject string
	Agent   string
	Types   []EventType
	Status  string
	Since   time.Time // Inclusive
	Until   time.Time // Inclusive
	Limit   int       // Keep only the most recent Limit matches
}

// Match reports whether e satisfies the filter, ignoring Limit.
func (f Filter) Match(e Event) bool {
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
	return true
}

// Query returns copies of the matching events in timestamp order.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range l.events {
		if f.Match(ev) {
			out = append(out, ev.Copy())
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// All returns every retained event.
func (l *Log) All() []Event {
	return l.Query(Filter{})
}

// ForSubject returns the full trail of one task, context, conflict or message.
func (l *Log) ForSubject(subject string) []Event {
	return l.Query(Filter{Subject: subject})
}

// ByAgent returns the most recent limit events by agent. A limit of zero returns all.
func (l *Log) ByAgent(agent string, limit int) []Event {
	return l.Query(Filter{Agent: agent, Limit: limit})
}

// ByType returns the most recent limit events of type t.
func (l *Log) ByType(t EventType, limit int) []Event {
	return l.Query(Filter{Types: []EventType{t}, Limit: limit})
}

// Timeline returns events whose timestamp falls within [from, to].
func (l *Log) Timeline(from, to time.Time) []Event {
	return l.Query(Filter{Since: from, Until: to})
}

// Interactions returns the most recent limit events in which a and b dealt
// with each other: one of them is the acting agent and the other is named in
// the event's to, from or recipients metadata. A limit of zero returns all.
func (l *Log) Interactions(a, b string, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range l.events {
		if (ev.Agent == a && names(ev.Metadata, b)) || (ev.Agent == b && names(ev.Metadata, a)) {
			out = append(out, ev.Copy())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// names reports whether agent appears as a counterpart in metadata.
func names(m map[string]any, agent string) bool {
	for _, key := range []string{"to", "from"} {
		if v, ok := m[key].(string); ok && v == agent {
			return true
		}
	}
	switch rs := m["recipients"].(type) {
	case []any:
		for _, r := range rs {
			if r == agent {
				return true
			}
		}
	case []string:
		for _, r := range rs {
			if r == agent {
				return true
			}
		}
	}
	return false
}

// Report summarizes the trail of one subject.
type Report struct {
	Subject     string            `json:"subject"`
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	Statuses    map[string]int    `json:"statuses"`
	Agents      []string          `json:"agents_involved"`
	FirstEvent  time.Time         `json:"first_event,omitempty"`
	LastEvent   time.Time         `json:"last_event,omitempty"`
	Span        time.Duration     `json:"span"`
}

// Report aggregates the events for subject.
func (l *Log) Report(subject string) Report {
	return Summarize(subject, l.ForSubject(subject))
}

// ReportWindow aggregates the events for subject within [from, to]. A zero
// bound leaves that side of the window open.
func (l *Log) ReportWindow(subject string, from, to time.Time) Report {
	return Summarize(subject, l.Query(Filter{Subject: subject, Since: from, Until: to}))
}

// Summarize builds a Report from events already in timestamp order.
func Summarize(subject string, events []Event) Report {
	r := Report{
		Subject:     subject,
		TotalEvents: len(events),
		EventTypes:  make(map[EventType]int),
		Statuses:    make(map[string]int),
		Agents:      []string{},
	}
	if len(events) == 0 {
		return r
	}

	agents := make(map[string]struct{})
	for _, ev := range events {
		r.EventTypes[ev.Type]++
		r.Statuses[ev.Status]++
		if ev.Agent != "" {
			agents[ev.Agent] = struct{}{}
		}
	}
	for a := range agents {
		r.Agents = append(r.Agents, a)
	}
	sort.Strings(r.Agents)

	r.FirstEvent = events[0].Timestamp
	r.LastEvent = events[len(events)-1].Timestamp
	r.Span = r.LastEvent.Sub(r.FirstEvent)
	return r
}
