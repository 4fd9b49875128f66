package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Broadcast is the recipient marker that addresses every registered agent.
const Broadcast = "*"

// DefaultMaxPayloadBytes bounds the JSON-encoded size of a message payload.
const DefaultMaxPayloadBytes = 64 * 1024

// Message is the envelope routed between agent inboxes.
type Message struct {
	ID          string        `json:"id"`                     // UUID assigned by the bus on send
	From        string        `json:"from"`                   // Sending agent name
	To          string        `json:"to"`                     // Recipient agent name or Broadcast
	Type        MessageType   `json:"type"`                   // Kind of message
	Subject     string        `json:"subject"`                // Short human-readable subject line
	Payload     Payload       `json:"payload"`                // Opaque, size-bounded data
	Priority    Priority      `json:"priority"`               // Delivery priority
	CreatedAt   time.Time     `json:"created_at"`             // Stamped by the bus on send
	TTL         time.Duration `json:"ttl,omitempty"`          // Zero means the message never expires
	ReplyTo     string        `json:"reply_to,omitempty"`     // ID of the message this one answers
	BroadcastID string        `json:"broadcast_id,omitempty"` // Shared by all copies of one broadcast
	Seq         uint64        `json:"seq"`                    // Arrival order within the bus
}

// MessageType identifies the kind of message.
type MessageType string

const (
	// TypeTaskRequest asks the recipient to take on a task
	TypeTaskRequest MessageType = "task_request"

	// TypeTaskUpdate reports progress on a task
	TypeTaskUpdate MessageType = "task_update"

	// TypeTaskComplete reports that a task finished successfully
	TypeTaskComplete MessageType = "task_complete"

	// TypeTaskFailed reports that a task could not be finished
	TypeTaskFailed MessageType = "task_failed"

	// TypeDependencyCheck asks whether a dependency has been satisfied
	TypeDependencyCheck MessageType = "dependency_check"

	// TypeContextShare announces that a shared context was made available
	TypeContextShare MessageType = "context_share"

	// TypeStateSync notifies subscribers that shared state changed
	TypeStateSync MessageType = "state_sync"

	// TypeFeedbackRequest asks the recipient for an opinion or review
	TypeFeedbackRequest MessageType = "feedback_request"

	// TypeFeedbackResponse answers a feedback request
	TypeFeedbackResponse MessageType = "feedback_response"

	// TypeConflictNotification tells an agent it is party to a conflict
	TypeConflictNotification MessageType = "conflict_notification"

	// TypeDecisionNeeded asks for a decision that blocks further work
	TypeDecisionNeeded MessageType = "decision_needed"

	// TypeHandoff passes ownership of work to the recipient
	TypeHandoff MessageType = "handoff"

	// TypeBroadcast is an announcement addressed to many agents
	TypeBroadcast MessageType = "broadcast"

	// TypeAck acknowledges a message
	TypeAck MessageType = "ack"

	// TypeNack rejects a message
	TypeNack MessageType = "nack"
)

// MessageTypes lists every recognised message type in declaration order.
var MessageTypes = []MessageType{
	TypeTaskRequest, TypeTaskUpdate, TypeTaskComplete, TypeTaskFailed,
	TypeDependencyCheck, TypeContextShare, TypeStateSync,
	TypeFeedbackRequest, TypeFeedbackResponse, TypeConflictNotification, TypeDecisionNeeded,
	TypeHandoff, TypeBroadcast, TypeAck, TypeNack,
}

// Validate checks if the MessageType is a valid enum value.
func (t MessageType) Validate() error {
	for _, known := range MessageTypes {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %q", t)
}

// Priority is the delivery priority of a message.
type Priority string

const (
	// PriorityLow is delivered after everything else
	PriorityLow Priority = "low"

	// PriorityNormal is the default priority
	PriorityNormal Priority = "normal"

	// PriorityHigh is delivered before normal traffic
	PriorityHigh Priority = "high"

	// PriorityUrgent is delivered before anything else
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities: a larger rank is delivered first.
// Unknown priorities rank below PriorityLow.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// Validate checks if the Priority is a valid enum value.
func (p Priority) Validate() error {
	if p.Rank() < 0 {
		return fmt.Errorf("unknown priority: %q", p)
	}
	return nil
}

// Payload is the schema-free body of a message.
type Payload map[string]any

// Size returns the JSON-encoded size of the payload in bytes.
func (p Payload) Size() (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}
	return len(data), nil
}

// Clone returns a shallow copy of the payload so fan-out copies do not share a map.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ExpiresAt returns the instant after which the message is no longer deliverable.
// The zero time means the message never expires.
func (m *Message) ExpiresAt() time.Time {
	if m.TTL <= 0 {
		return time.Time{}
	}
	return m.CreatedAt.Add(m.TTL)
}

// IsExpired reports whether the message TTL has elapsed at now.
// A message is expired at or after CreatedAt+TTL.
func (m *Message) IsExpired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return !now.Before(m.ExpiresAt())
}

// IsBroadcast reports whether the message is addressed to every agent.
func (m *Message) IsBroadcast() bool {
	return m.To == Broadcast
}

// Copy returns a deep-enough copy of the message for independent delivery.
func (m *Message) Copy() *Message {
	c := *m
	c.Payload = m.Payload.Clone()
	return &c
}
