// Package audit implements the append-only, queryable record of every
// significant action taken in the coordination core.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`         // UUID
	Seq       uint64         `json:"seq"`        // Append order within the log
	Timestamp time.Time      `json:"timestamp"`  // When the audited action happened
	Type      EventType      `json:"event_type"` // What kind of action
	Agent     string         `json:"agent"`      // Acting agent
	Subject   string         `json:"subject"`    // Entity the action concerns (task, context, conflict, message or broadcast id)
	Action    string         `json:"action"`     // Short description
	Status    string         `json:"status"`     // StatusSuccess or StatusFailure
	Metadata  map[string]any `json:"metadata"`   // Free-form details, always JSON-portable
}

// EventType categorizes audit events.
type EventType string

const (
	EventMessageSent     EventType = "message_sent"
	EventMessageReceived EventType = "message_received"
	EventMessageExpired  EventType = "message_expired"
	EventMessageFailed   EventType = "message_failed"

	EventTaskCreated       EventType = "task_created"
	EventTaskStarted       EventType = "task_started"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskFailed        EventType = "task_failed"
	EventDependencyAdded   EventType = "dependency_added"
	EventDependencyRemoved EventType = "dependency_removed"

	EventContextCreated  EventType = "context_created"
	EventContextUpdated  EventType = "context_updated"
	EventContextShared   EventType = "context_shared"
	EventContextRevoked  EventType = "context_revoked"
	EventContextAccessed EventType = "context_accessed"
	EventContextLinked   EventType = "context_linked"
	EventContextDeleted  EventType = "context_deleted"
	EventContextExpired  EventType = "context_expired"

	EventConflictCreated   EventType = "conflict_created"
	EventVoteCast          EventType = "vote_cast"
	EventConflictResolved  EventType = "conflict_resolved"
	EventConflictEscalated EventType = "conflict_escalated"

	EventDecisionMade      EventType = "decision_made"
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Entry is what components hand to a Recorder. The log assigns ID and Seq.
type Entry struct {
	Type      EventType
	Agent     string
	Subject   string
	Action    string
	Status    string         // Defaults to StatusSuccess
	Metadata  map[string]any // Copied and normalized to JSON-portable values
	Timestamp time.Time      // Defaults to the log's clock when zero
}

// Recorder accepts audit entries. Implementations must not fail the caller.
type Recorder interface {
	Record(Entry)
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Entry) {}

// Copy returns a deep copy of the event.
func (e Event) Copy() Event {
	out := e
	out.Metadata = copyMap(e.Metadata)
	return out
}

// portable converts metadata to the form it takes after a JSON round trip so
// exported events decode back to identical values.
func portable(m map[string]any) map[string]any {
	if len(m) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = fmt.Sprint(v)
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
