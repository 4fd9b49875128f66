package protocol

import "fmt"

// NewTaskRequest builds a high-priority request asking an agent to take on a task.
func NewTaskRequest(from, to, taskID, description string) *Message {
	return &Message{
		From:     from,
		To:       to,
		Type:     TypeTaskRequest,
		Subject:  fmt.Sprintf("New task: %s", taskID),
		Priority: PriorityHigh,
		Payload: Payload{
			"task_id":     taskID,
			"description": description,
		},
	}
}

// NewTaskComplete builds a completion report for a task.
func NewTaskComplete(from, to, taskID string, result Payload) *Message {
	return &Message{
		From:     from,
		To:       to,
		Type:     TypeTaskComplete,
		Subject:  fmt.Sprintf("Task completed: %s", taskID),
		Priority: PriorityNormal,
		Payload: Payload{
			"task_id": taskID,
			"result":  map[string]any(result),
		},
	}
}

// NewFeedbackRequest asks an agent to weigh in on a topic with a set of options.
func NewFeedbackRequest(from, to, topic string, options []string) *Message {
	opts := make([]any, len(options))
	for i, o := range options {
		opts[i] = o
	}
	return &Message{
		From:     from,
		To:       to,
		Type:     TypeFeedbackRequest,
		Subject:  fmt.Sprintf("Feedback needed on: %s", topic),
		Priority: PriorityHigh,
		Payload: Payload{
			"topic":   topic,
			"options": opts,
		},
	}
}

// NewHandoff passes ownership of a piece of work to another agent.
func NewHandoff(from, to, subject string, payload Payload) *Message {
	return &Message{
		From:     from,
		To:       to,
		Type:     TypeHandoff,
		Subject:  subject,
		Priority: PriorityNormal,
		Payload:  payload,
	}
}

// Reply builds a response to m from its recipient back to its sender.
func Reply(m *Message, t MessageType, payload Payload) *Message {
	return &Message{
		From:     m.To,
		To:       m.From,
		Type:     t,
		Subject:  "Re: " + m.Subject,
		Priority: m.Priority,
		Payload:  payload,
		ReplyTo:  m.ID,
	}
}
