package scenario

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/conflict"
	"github.com/dyluth/warren/pkg/coord"
	"github.com/dyluth/warren/pkg/ctxstore"
	"github.com/dyluth/warren/pkg/protocol"
)

// outcome is what an op observed, checked against the step's Expect.
type outcome struct {
	detail    string
	ready     *bool
	promoted  []string
	option    string
	escalated *bool
	version   int
	msg       *protocol.Message
	empty     bool
	count     *int
}

type opFunc func(ctx context.Context, r *Runner, c *coord.Client, with *yaml.Node) (outcome, error)

type op struct {
	needsAgent bool
	run        opFunc
}

var ops map[string]op

func init() {
	ops = map[string]op{
		"send":    {true, opSend},
		"receive": {true, opReceive},
		"pending": {true, opPending},

		"add_task":       {true, opAddTask},
		"add_dependency": {true, opAddDependency},
		"is_ready":       {true, opIsReady},
		"mark_started":   {true, opMarkStarted},
		"mark_completed": {true, opMarkCompleted},
		"mark_failed":    {true, opMarkFailed},
		"ready_tasks":    {true, opReadyTasks},

		"create_context":   {true, opCreateContext},
		"share":            {true, opShare},
		"revoke":           {true, opRevoke},
		"get_context":      {true, opGetContext},
		"update_context":   {true, opUpdateContext},
		"find_contexts":    {true, opFindContexts},
		"link_contexts":    {true, opLinkContexts},
		"related_contexts": {true, opRelatedContexts},
		"context_history":  {true, opContextHistory},

		"create_conflict": {true, opCreateConflict},
		"vote":            {true, opVote},
		"resolve":         {true, opResolve},
		"escalate":        {true, opEscalate},
		"conflict_status": {true, opConflictStatus},

		"log":    {true, opLog},
		"events": {true, opEvents},

		"advance": {false, opAdvance},
		"reclaim": {false, opReclaim},
	}
}

func decode(n *yaml.Node, v any) error {
	if n == nil || n.Kind == 0 {
		return nil
	}
	if err := n.Decode(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func count(n int) *int { return &n }

func boolean(b bool) *bool { return &b }

func joined(s []string) string {
	if len(s) == 0 {
		return "none"
	}
	return strings.Join(s, ", ")
}

// Messaging

type sendArgs struct {
	To         string           `yaml:"to"`
	Recipients []string         `yaml:"recipients"` // Fan out to exactly these agents
	Type       string           `yaml:"type"`
	Subject    string           `yaml:"subject"`
	Priority   string           `yaml:"priority"`
	TTL        time.Duration    `yaml:"ttl"`
	ReplyTo    string           `yaml:"reply_to"`
	Payload    protocol.Payload `yaml:"payload"`
}

func opSend(ctx context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a sendArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	msg := &protocol.Message{
		To:       a.To,
		Type:     protocol.MessageType(a.Type),
		Subject:  a.Subject,
		Priority: protocol.Priority(a.Priority),
		TTL:      a.TTL,
		ReplyTo:  a.ReplyTo,
		Payload:  a.Payload,
	}
	if len(a.Recipients) > 0 {
		sent, err := c.Broadcast(ctx, msg, a.Recipients)
		if err != nil {
			return outcome{}, err
		}
		return outcome{detail: fmt.Sprintf("broadcast %s to %s", a.Type, joined(a.Recipients)), count: count(len(sent))}, nil
	}
	id, err := c.Send(ctx, msg)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("sent %s to %s (%s)", a.Type, a.To, id)}, nil
}

type receiveArgs struct {
	Timeout time.Duration `yaml:"timeout"`
}

func opReceive(ctx context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a receiveArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	msg, err := c.Receive(ctx, a.Timeout)
	if bus.IsEmpty(err) {
		return outcome{detail: "inbox empty", empty: true}, nil
	}
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("received %s from %s: %s", msg.Type, msg.From, msg.Subject), msg: msg}, nil
}

func opPending(ctx context.Context, _ *Runner, c *coord.Client, _ *yaml.Node) (outcome, error) {
	n, err := c.Pending(ctx)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%d pending", n), count: count(n)}, nil
}

// Tasks

type taskArgs struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Priority  int    `yaml:"priority"`
	DependsOn string `yaml:"depends_on"`
	Reason    string `yaml:"reason"`
}

func opAddTask(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a taskArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	task, err := c.AddTask(a.ID, a.Title, a.Priority)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("added %s (%s)", task.ID, task.Status)}, nil
}

func opAddDependency(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a taskArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.AddDependency(a.ID, a.DependsOn); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%s depends on %s", a.ID, a.DependsOn)}, nil
}

func opIsReady(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a taskArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	ready, err := c.IsReady(a.ID)
	if err != nil {
		return outcome{}, err
	}
	detail := fmt.Sprintf("%s ready", a.ID)
	if !ready {
		blockers, err := c.Blockers(a.ID)
		if err != nil {
			return outcome{}, err
		}
		names := make([]string, len(blockers))
		for i, b := range blockers {
			names[i] = b.ID
		}
		detail = fmt.Sprintf("%s blocked by %s", a.ID, joined(names))
	}
	return outcome{detail: detail, ready: boolean(ready)}, nil
}

func opMarkStarted(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a taskArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.MarkStarted(a.ID); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%s in progress", a.ID)}, nil
}

func opMarkCompleted(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a taskArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	promoted, err := c.MarkCompleted(a.ID)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%s completed, now ready: %s", a.ID, joined(promoted)), promoted: promoted}, nil
}

func opMarkFailed(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a taskArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.MarkFailed(a.ID, a.Reason); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%s failed: %s", a.ID, a.Reason)}, nil
}

func opReadyTasks(_ context.Context, _ *Runner, c *coord.Client, _ *yaml.Node) (outcome, error) {
	tasks := c.ReadyTasks()
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.ID
	}
	return outcome{detail: "ready: " + joined(names), count: count(len(tasks))}, nil
}

// Contexts

type contextArgs struct {
	ID         string         `yaml:"id"`
	Type       string         `yaml:"type"`
	Access     string         `yaml:"access"`
	Role       string         `yaml:"role"`
	Data       map[string]any `yaml:"data"`
	Tags       []string       `yaml:"tags"`
	TTL        time.Duration  `yaml:"ttl"`
	Agents     []string       `yaml:"agents"`
	Permission string         `yaml:"permission"`
	Patch      map[string]any `yaml:"patch"`
	Owner      string         `yaml:"owner"`
	Other      string         `yaml:"other"`
	Limit      int            `yaml:"limit"`
}

func opCreateContext(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	created, err := c.CreateContext(ctxstore.CreateRequest{
		ID:          a.ID,
		Type:        ctxstore.Type(a.Type),
		Role:        a.Role,
		Data:        a.Data,
		AccessLevel: ctxstore.AccessLevel(a.Access),
		Tags:        a.Tags,
		TTL:         a.TTL,
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("created %s context %s (%s)", created.Type, created.ID, created.AccessLevel), version: created.Version}, nil
}

func opShare(ctx context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.Share(ctx, a.ID, a.Agents, ctxstore.Permission(a.Permission)); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("shared %s with %s", a.ID, joined(a.Agents))}, nil
}

func opRevoke(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.Revoke(a.ID, a.Agents); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("revoked %s from %s", a.ID, joined(a.Agents))}, nil
}

func opGetContext(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	got, err := c.GetContext(a.ID)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%s at version %d", got.ID, got.Version), version: got.Version}, nil
}

func opUpdateContext(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	version, err := c.UpdateContext(a.ID, a.Patch)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%s now at version %d", a.ID, version), version: version}, nil
}

func opFindContexts(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	found := c.FindContexts(ctxstore.Filter{Type: ctxstore.Type(a.Type), Tags: a.Tags, Owner: a.Owner})
	return outcome{detail: contextIDs("found", found), count: count(len(found))}, nil
}

func opLinkContexts(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.LinkContexts(a.ID, a.Other); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("linked %s and %s", a.ID, a.Other)}, nil
}

func opRelatedContexts(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	related, err := c.RelatedContexts(a.ID)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: contextIDs("related", related), count: count(len(related))}, nil
}

func opContextHistory(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a contextArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	revs, err := c.ContextHistory(a.ID, a.Limit)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%d revisions of %s", len(revs), a.ID), count: count(len(revs))}, nil
}

func contextIDs(label string, cs []*ctxstore.Context) string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.ID
	}
	return label + ": " + joined(names)
}

// Conflicts

type conflictArgs struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	Agents     []string          `yaml:"agents"`
	Topic      string            `yaml:"topic"`
	Options    []conflict.Option `yaml:"options"`
	Option     string            `yaml:"option"`
	Strategy   string            `yaml:"strategy"`
	Strategies []string          `yaml:"strategies"` // Tried in order, escalating when none decides
	Reason     string            `yaml:"reason"`
}

func opCreateConflict(ctx context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a conflictArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	created, err := c.CreateConflict(ctx, a.ID, conflict.Type(a.Type), a.Agents, a.Topic, a.Options)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("opened %s among %s with %d options", created.ID, joined(created.Agents), len(created.Options))}, nil
}

func opVote(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a conflictArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.Vote(a.ID, a.Option); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("voted %s on %s", a.Option, a.ID)}, nil
}

func opResolve(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a conflictArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}

	if len(a.Strategies) > 0 {
		strategies, err := conflict.ParseStrategies(a.Strategies)
		if err != nil {
			return outcome{}, err
		}
		res, escalated, err := c.ResolveOrEscalate(a.ID, strategies...)
		if err != nil {
			return outcome{}, err
		}
		if escalated {
			return outcome{detail: fmt.Sprintf("%s escalated", a.ID), escalated: boolean(true)}, nil
		}
		return outcome{detail: resolvedDetail(a.ID, res), option: res.OptionID, escalated: boolean(false)}, nil
	}

	strategy := conflict.Strategy(a.Strategy)
	if strategy == "" {
		strategy = conflict.StrategyMajority
	}
	res, err := c.Resolve(a.ID, strategy)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: resolvedDetail(a.ID, res), option: res.OptionID, escalated: boolean(false)}, nil
}

func resolvedDetail(id string, res *conflict.Resolution) string {
	return fmt.Sprintf("%s resolved to %s by %s", id, res.OptionID, res.Strategy)
}

func opEscalate(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a conflictArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if err := c.Escalate(a.ID, a.Reason); err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%s escalated: %s", a.ID, a.Reason), escalated: boolean(true)}, nil
}

func opConflictStatus(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a conflictArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	st, err := c.ConflictStatus(a.ID)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{
		detail:    fmt.Sprintf("%s is %s with %d votes", st.ID, st.Status, len(st.Votes)),
		count:     count(len(st.Votes)),
		escalated: boolean(st.Status == conflict.StatusEscalated),
	}
	if st.Resolution != nil {
		out.option = st.Resolution.OptionID
	}
	return out, nil
}

// Audit

type auditArgs struct {
	Type     string         `yaml:"type"`
	Types    []string       `yaml:"types"`
	Subject  string         `yaml:"subject"`
	Action   string         `yaml:"action"`
	Agent    string         `yaml:"agent"`
	Status   string         `yaml:"status"`
	Metadata map[string]any `yaml:"metadata"`
}

func opLog(_ context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a auditArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	ev := c.Log(audit.EventType(a.Type), a.Subject, a.Action, a.Metadata)
	return outcome{detail: fmt.Sprintf("logged %s #%d", ev.Type, ev.Seq)}, nil
}

func opEvents(ctx context.Context, _ *Runner, c *coord.Client, with *yaml.Node) (outcome, error) {
	var a auditArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	filter := audit.Filter{Subject: a.Subject, Agent: a.Agent, Status: a.Status}
	for _, t := range a.Types {
		filter.Types = append(filter.Types, audit.EventType(t))
	}
	events, err := c.Events(ctx, filter)
	if err != nil {
		return outcome{}, err
	}
	return outcome{detail: fmt.Sprintf("%d events", len(events)), count: count(len(events))}, nil
}

// Core

type advanceArgs struct {
	By time.Duration `yaml:"by"`
}

func opAdvance(_ context.Context, r *Runner, _ *coord.Client, with *yaml.Node) (outcome, error) {
	var a advanceArgs
	if err := decode(with, &a); err != nil {
		return outcome{}, err
	}
	if a.By <= 0 {
		return outcome{}, fmt.Errorf("advance needs a positive duration, got %s", a.By)
	}
	r.advance(a.By)
	r.elapsed += a.By
	return outcome{detail: fmt.Sprintf("clock advanced %s", a.By)}, nil
}

func opReclaim(ctx context.Context, r *Runner, _ *coord.Client, _ *yaml.Node) (outcome, error) {
	removed := r.core.Reclaim(ctx)
	total := 0
	for _, n := range removed {
		total += n
	}
	return outcome{
		detail: fmt.Sprintf("reclaimed %d contexts and %d messages", removed["contexts"], removed["messages"]),
		count:  count(total),
	}, nil
}
