package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/conflict"
	"github.com/dyluth/warren/pkg/ctxstore"
	"github.com/dyluth/warren/pkg/protocol"
	"github.com/dyluth/warren/pkg/tracker"
)

// Client is one agent's view of the core. Every operation acts as that agent.
type Client struct {
	core *Core
	name string
}

// Name returns the agent identity the client acts as.
func (c *Client) Name() string {
	return c.name
}

// Send sends msg from this agent. From is always set to the client's name and
// an empty priority defaults to normal.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) (string, error) {
	return c.core.Bus.Send(ctx, c.outgoing(msg))
}

// Receive takes the next message from this agent's inbox, waiting up to timeout.
func (c *Client) Receive(ctx context.Context, timeout time.Duration) (*protocol.Message, error) {
	return c.core.Bus.Receive(ctx, c.name, timeout)
}

// Broadcast sends a copy of msg to each recipient and returns the message ids
// of the copies. Sending to protocol.Broadcast with Send reaches every agent.
func (c *Client) Broadcast(ctx context.Context, msg *protocol.Message, recipients []string) ([]string, error) {
	return c.core.Bus.Broadcast(ctx, c.outgoing(msg), recipients)
}

// Pending returns the number of messages waiting in this agent's inbox.
func (c *Client) Pending(ctx context.Context) (int, error) {
	return c.core.Bus.Pending(ctx, c.name)
}

func (c *Client) outgoing(msg *protocol.Message) *protocol.Message {
	out := msg.Copy()
	out.From = c.name
	if out.Priority == "" {
		out.Priority = protocol.PriorityNormal
	}
	return out
}

// AddTask registers a task owned by this agent.
func (c *Client) AddTask(id, title string, priority int) (*tracker.Task, error) {
	return c.core.Tasks.AddTask(id, title, c.name, priority)
}

// AddDependency records that task cannot start until dependsOn completes.
func (c *Client) AddDependency(task, dependsOn string) error {
	return c.core.Tasks.AddDependency(task, dependsOn)
}

// IsReady reports whether every dependency of task has completed.
func (c *Client) IsReady(task string) (bool, error) {
	return c.core.Tasks.IsReady(task)
}

// Blockers returns the dependencies of task that have not completed.
func (c *Client) Blockers(task string) ([]*tracker.Task, error) {
	return c.core.Tasks.Blockers(task)
}

// MarkStarted moves task to in_progress.
func (c *Client) MarkStarted(task string) error {
	return c.core.Tasks.MarkStarted(task)
}

// MarkCompleted completes task and returns the dependents that became ready.
func (c *Client) MarkCompleted(task string) ([]string, error) {
	return c.core.Tasks.MarkCompleted(task)
}

// MarkFailed fails task with reason.
func (c *Client) MarkFailed(task, reason string) error {
	return c.core.Tasks.MarkFailed(task, reason)
}

// ReadyTasks returns tasks that can start now, highest priority first.
func (c *Client) ReadyTasks() []*tracker.Task {
	return c.core.Tasks.ReadyTasks()
}

// CreateContext creates a context owned by this agent.
func (c *Client) CreateContext(req ctxstore.CreateRequest) (*ctxstore.Context, error) {
	req.Owner = c.name
	return c.core.Contexts.Create(req)
}

// Share grants agents access to a context and sends each of them a
// context_share message. A failed announcement is logged and does not undo the grant.
func (c *Client) Share(ctx context.Context, id string, agents []string, perm ctxstore.Permission) error {
	if err := c.core.Contexts.Share(id, c.name, agents, perm); err != nil {
		return err
	}
	if perm == "" {
		perm = ctxstore.PermRead
	}
	for _, to := range agents {
		if to == c.name {
			continue
		}
		msg := c.outgoing(&protocol.Message{
			To:      to,
			Type:    protocol.TypeContextShare,
			Subject: id,
			Payload: protocol.Payload{"context_id": id, "permission": string(perm)},
		})
		if _, err := c.core.Bus.Send(ctx, msg); err != nil {
			c.core.logger.Warn().Err(err).Str("context", id).Str("agent", to).Msg("Failed to announce shared context")
		}
	}
	return nil
}

// Revoke removes explicit grants. Only the owner may revoke.
func (c *Client) Revoke(id string, agents []string) error {
	return c.core.Contexts.Revoke(id, c.name, agents)
}

// GetContext reads a context this agent can see.
func (c *Client) GetContext(id string) (*ctxstore.Context, error) {
	return c.core.Contexts.Get(id, c.name)
}

// UpdateContext merges patch into the context's data and returns the new version.
// A nil value removes its key.
func (c *Client) UpdateContext(id string, patch map[string]any) (int, error) {
	return c.core.Contexts.Update(id, c.name, patch)
}

// FindContexts returns the live contexts this agent can read that match filter.
func (c *Client) FindContexts(filter ctxstore.Filter) []*ctxstore.Context {
	return c.core.Contexts.Find(c.name, filter)
}

// LinkContexts links two contexts both ways.
func (c *Client) LinkContexts(a, b string) error {
	return c.core.Contexts.Link(a, b, c.name)
}

// RelatedContexts returns the readable contexts linked to id.
func (c *Client) RelatedContexts(id string) ([]*ctxstore.Context, error) {
	return c.core.Contexts.Related(id, c.name)
}

// ContextHistory returns up to limit recent revisions of a context, oldest first.
func (c *Client) ContextHistory(id string, limit int) ([]ctxstore.Revision, error) {
	return c.core.Contexts.History(id, c.name, limit)
}

// CreateConflict opens a conflict among agents and notifies the others
// involved. Options referencing a context must reference one this agent can read.
func (c *Client) CreateConflict(ctx context.Context, id string, t conflict.Type, agents []string, topic string, options []conflict.Option) (*conflict.Conflict, error) {
	for _, opt := range options {
		if opt.ContextRef != "" && !c.core.Contexts.CanRead(opt.ContextRef, c.name) {
			return nil, &conflict.ValidationError{
				Field:  "options",
				Reason: fmt.Sprintf("option %q references context %s which %s cannot read", opt.ID, opt.ContextRef, c.name),
			}
		}
	}

	created, err := c.core.Conflicts.Create(id, c.name, t, agents, topic, options)
	if err != nil {
		return nil, err
	}

	for _, to := range created.Agents {
		if to == c.name || !c.core.Agents.Known(to) {
			continue
		}
		msg := c.outgoing(&protocol.Message{
			To:       to,
			Type:     protocol.TypeConflictNotification,
			Subject:  topic,
			Priority: protocol.PriorityHigh,
			Payload:  protocol.Payload{"conflict_id": created.ID, "options": len(created.Options)},
		})
		if _, err := c.core.Bus.Send(ctx, msg); err != nil {
			c.core.logger.Warn().Err(err).Str("conflict", created.ID).Str("agent", to).Msg("Failed to send conflict notification")
		}
	}
	return created, nil
}

// Vote casts or replaces this agent's vote.
func (c *Client) Vote(conflictID, optionID string) error {
	return c.core.Conflicts.Vote(conflictID, c.name, optionID)
}

// Resolve settles a conflict with strategy.
func (c *Client) Resolve(conflictID string, strategy conflict.Strategy) (*conflict.Resolution, error) {
	return c.core.Conflicts.Resolve(conflictID, strategy)
}

// ResolveOrEscalate tries each strategy in turn, majority vote when none is
// given, and escalates the conflict if none of them can decide.
func (c *Client) ResolveOrEscalate(conflictID string, strategies ...conflict.Strategy) (*conflict.Resolution, bool, error) {
	return c.core.Conflicts.ResolveOrEscalate(conflictID, strategies...)
}

// Escalate hands a conflict to a human decision maker.
func (c *Client) Escalate(conflictID, reason string) error {
	return c.core.Conflicts.Escalate(conflictID, reason)
}

// ConflictStatus reports the votes and standing of a conflict.
func (c *Client) ConflictStatus(conflictID string) (*conflict.StatusReport, error) {
	return c.core.Conflicts.Status(conflictID)
}

// Log appends an event on behalf of this agent, e.g. a decision or workflow step.
func (c *Client) Log(t audit.EventType, subject, action string, metadata map[string]any) audit.Event {
	return c.core.Audit.Append(audit.Entry{
		Type:     t,
		Agent:    c.name,
		Subject:  subject,
		Action:   action,
		Metadata: metadata,
	})
}

// Events returns the audit events matching filter, including everything
// recorded before the call.
func (c *Client) Events(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	if err := c.core.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to flush audit log: %w", err)
	}
	return c.core.Audit.Query(filter), nil
}
