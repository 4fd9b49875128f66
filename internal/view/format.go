// Package view renders audit events, reports and inbox messages for the CLI.
package view

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/protocol"
)

const timeLayout = "2006-01-02 15:04:05.000"

// FormatEvents writes events as a table with columns SEQ, TIME, TYPE, AGENT,
// SUBJECT and ACTION (truncated). Returns the number of events written.
func FormatEvents(w io.Writer, events []audit.Event, title string) int {
	if len(events) == 0 {
		fmt.Fprintf(w, "No events found for %s\n", title)
		return 0
	}

	fmt.Fprintf(w, "Events for %s:\n\n", title)
	fmt.Fprintf(w, "%-6s %-23s %-19s %-12s %-10s %s\n",
		"SEQ", "TIME", "TYPE", "AGENT", "SUBJECT", "ACTION")
	fmt.Fprintf(w, "%-6s %-23s %-19s %-12s %-10s %s\n",
		"------", "-----------------------", "-------------------", "------------", "----------", "----------------------------------------")

	for _, ev := range events {
		fmt.Fprintf(w, "%-6d %-23s %-19s %-12s %-10s %s\n",
			ev.Seq,
			formatTime(ev.Timestamp),
			ev.Type,
			orDash(ev.Agent),
			shortID(ev.Subject),
			formatAction(ev.Action, ev.Status),
		)
	}

	fmt.Fprintf(w, "\n%d %s\n", len(events), plural(len(events), "event", "events"))
	return len(events)
}

// FormatReport writes a subject report as labelled lines with per-type and per-status counts.
func FormatReport(w io.Writer, r audit.Report) {
	fmt.Fprintf(w, "Report for %s\n\n", r.Subject)
	fmt.Fprintf(w, "  Total events: %d\n", r.TotalEvents)
	if r.TotalEvents == 0 {
		return
	}
	fmt.Fprintf(w, "  First event:  %s\n", formatTime(r.FirstEvent))
	fmt.Fprintf(w, "  Last event:   %s\n", formatTime(r.LastEvent))
	fmt.Fprintf(w, "  Span:         %s\n", r.Span)
	fmt.Fprintf(w, "  Agents:       %s\n", orDash(strings.Join(r.Agents, ", ")))

	fmt.Fprintf(w, "\n  By type:\n")
	types := make([]string, 0, len(r.EventTypes))
	for t := range r.EventTypes {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "    %-20s %d\n", t, r.EventTypes[audit.EventType(t)])
	}

	fmt.Fprintf(w, "\n  By status:\n")
	statuses := make([]string, 0, len(r.Statuses))
	for s := range r.Statuses {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "    %-20s %d\n", s, r.Statuses[s])
	}
}

// FormatMessages writes inbox messages as a table with columns ID, PRIORITY,
// TYPE, FROM, SUBJECT and AGE relative to now.
func FormatMessages(w io.Writer, msgs []*protocol.Message, agent string, now time.Time) int {
	if len(msgs) == 0 {
		fmt.Fprintf(w, "No messages for agent '%s'\n", agent)
		return 0
	}

	fmt.Fprintf(w, "%-10s %-8s %-20s %-12s %-8s %s\n", "ID", "PRIORITY", "TYPE", "FROM", "AGE", "SUBJECT")
	for _, m := range msgs {
		fmt.Fprintf(w, "%-10s %-8s %-20s %-12s %-8s %s\n",
			shortID(m.ID),
			m.Priority,
			m.Type,
			orDash(m.From),
			formatAge(m.CreatedAt, now),
			formatSubject(m.Subject),
		)
	}
	fmt.Fprintf(w, "\n%d %s\n", len(msgs), plural(len(msgs), "message", "messages"))
	return len(msgs)
}

// FormatJSONL writes each value as one compact JSON line.
func FormatJSONL[T any](w io.Writer, items []T) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes v as indented JSON followed by a newline.
func FormatJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// shortID truncates ids to their first 8 characters.
func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatAction truncates the action to 40 characters and marks failures.
func formatAction(action, status string) string {
	if status == audit.StatusFailure {
		action = "[failed] " + action
	}
	return truncate(action, 40)
}

// formatSubject keeps the first non-empty line, truncated to 40 characters.
func formatSubject(subject string) string {
	for _, line := range strings.Split(subject, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, 40)
		}
	}
	return "-"
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// formatAge shows relative time like "2m ago", "1h ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
