package conflict

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/audit"
)

// DefaultHistoryLimit bounds the resolution history.
const DefaultHistoryLimit = 1000

// EscalationHandler is called after a conflict is escalated, with a snapshot of it.
type EscalationHandler func(c *Conflict)

type entry struct {
	mu sync.Mutex
	c  *Conflict
}

// Resolver owns the conflict table. It is safe for concurrent use; votes on
// the same conflict are serialized by a per-conflict lock.
type Resolver struct {
	mu        sync.RWMutex
	conflicts map[string]*entry
	order     []string

	histMu       sync.Mutex
	history      []Record
	historyLimit int

	randMu sync.Mutex
	rng    *rand.Rand

	voteSeq    uint64
	voteSeqMu  sync.Mutex
	ranks      RankResolver
	onEscalate EscalationHandler
	recorder   audit.Recorder
	clock      func() time.Time
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRanks sets the rank lookup used by priority-based resolution.
func WithRanks(r RankResolver) Option {
	return func(rs *Resolver) { rs.ranks = r }
}

// WithRand sets the randomness source for the random strategy.
func WithRand(r *rand.Rand) Option {
	return func(rs *Resolver) { rs.rng = r }
}

// WithEscalationHandler sets the callback for escalated conflicts.
func WithEscalationHandler(h EscalationHandler) Option {
	return func(rs *Resolver) { rs.onEscalate = h }
}

// WithHistoryLimit bounds the resolution history. Values below one are ignored.
func WithHistoryLimit(n int) Option {
	return func(rs *Resolver) {
		if n > 0 {
			rs.historyLimit = n
		}
	}
}

// WithRecorder sets where audit entries go.
func WithRecorder(r audit.Recorder) Option {
	return func(rs *Resolver) { rs.recorder = r }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(rs *Resolver) { rs.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(rs *Resolver) { rs.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(rs *Resolver) {
		if m != nil {
			rs.metrics = m
		}
	}
}

// New creates an empty resolver.
func New(opts ...Option) *Resolver {
	rs := &Resolver{
		conflicts:    make(map[string]*entry),
		historyLimit: DefaultHistoryLimit,
		recorder:     audit.Nop{},
		clock:        time.Now,
		logger:       zerolog.Nop(),
		metrics:      metrics.Nop(),
	}
	for _, opt := range opts {
		opt(rs)
	}
	return rs
}

// SetEscalationHandler replaces the escalation callback.
func (rs *Resolver) SetEscalationHandler(h EscalationHandler) {
	rs.mu.Lock()
	rs.onEscalate = h
	rs.mu.Unlock()
}

// Create opens a conflict among agents over options, which keep their order.
// creator is recorded as the acting agent of the conflict_created event.
func (rs *Resolver) Create(id, creator string, t Type, agents []string, topic string, options []Option) (*Conflict, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Reason: "cannot be empty"}
	}
	if err := t.Validate(); err != nil {
		return nil, &ValidationError{Field: "type", Reason: err.Error()}
	}
	if len(agents) == 0 {
		return nil, &ValidationError{Field: "agents", Reason: "at least one agent must be involved"}
	}
	seenAgents := make(map[string]bool, len(agents))
	for _, a := range agents {
		if a == "" {
			return nil, &ValidationError{Field: "agents", Reason: "agent name cannot be empty"}
		}
		if seenAgents[a] {
			return nil, &ValidationError{Field: "agents", Reason: fmt.Sprintf("agent %s listed twice", a)}
		}
		seenAgents[a] = true
	}
	if len(options) == 0 {
		return nil, &ValidationError{Field: "options", Reason: "at least one option is required"}
	}
	seenOptions := make(map[string]bool, len(options))
	for _, o := range options {
		if o.ID == "" {
			return nil, &ValidationError{Field: "options", Reason: "option id cannot be empty"}
		}
		if seenOptions[o.ID] {
			return nil, &ValidationError{Field: "options", Reason: fmt.Sprintf("option %s listed twice", o.ID)}
		}
		if o.Weight < 0 {
			return nil, &ValidationError{Field: "options", Reason: fmt.Sprintf("option %s has negative weight", o.ID)}
		}
		seenOptions[o.ID] = true
	}

	c := &Conflict{
		ID:        id,
		Type:      t,
		Topic:     topic,
		Agents:    append([]string(nil), agents...),
		Options:   append([]Option(nil), options...),
		Votes:     map[string]Vote{},
		Status:    StatusOpen,
		CreatedBy: creator,
		CreatedAt: rs.clock(),
	}
	c = c.copy()

	rs.mu.Lock()
	if _, exists := rs.conflicts[id]; exists {
		rs.mu.Unlock()
		return nil, &DuplicateConflictError{ID: id}
	}
	rs.conflicts[id] = &entry{c: c}
	rs.order = append(rs.order, id)
	out := c.copy()
	rs.mu.Unlock()

	optionIDs := make([]string, len(options))
	for i, o := range options {
		optionIDs[i] = o.ID
	}
	rs.recorder.Record(audit.Entry{
		Type:    audit.EventConflictCreated,
		Agent:   creator,
		Subject: id,
		Action:  fmt.Sprintf("opened %s over %q", t, topic),
		Metadata: map[string]any{
			"agents":  out.Agents,
			"options": optionIDs,
		},
	})
	return out, nil
}

// Vote records agent's choice, replacing any earlier vote while the conflict is open.
func (rs *Resolver) Vote(id, agent, optionID string) error {
	e, err := rs.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	c := e.c
	if c.Status != StatusOpen {
		e.mu.Unlock()
		return &AlreadyResolvedError{Conflict: id, Status: c.Status}
	}
	if !c.involves(agent) {
		e.mu.Unlock()
		return &NotInvolvedError{Conflict: id, Agent: agent}
	}
	if _, ok := c.option(optionID); !ok {
		e.mu.Unlock()
		return &UnknownOptionError{Conflict: id, Option: optionID}
	}
	previous, recast := c.Votes[agent]
	c.Votes[agent] = Vote{OptionID: optionID, CastAt: rs.clock(), Seq: rs.nextVoteSeq()}
	e.mu.Unlock()

	metrics.Inc(context.Background(), rs.metrics.VotesCast)
	meta := map[string]any{"option": optionID}
	if recast {
		meta["previous"] = previous.OptionID
	}
	rs.recorder.Record(audit.Entry{
		Type:     audit.EventVoteCast,
		Agent:    agent,
		Subject:  id,
		Action:   fmt.Sprintf("voted for %s", optionID),
		Metadata: meta,
	})
	return nil
}

// Resolve applies strategy and freezes the result. A failed strategy leaves
// the conflict open.
func (rs *Resolver) Resolve(id string, strategy Strategy) (*Resolution, error) {
	if err := strategy.Validate(); err != nil {
		return nil, &ValidationError{Field: "strategy", Reason: err.Error()}
	}
	e, err := rs.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	c := e.c
	if c.Status != StatusOpen {
		e.mu.Unlock()
		return nil, &AlreadyResolvedError{Conflict: id, Status: c.Status}
	}
	optionID, tally, err := decide(c, strategy, rs.ranks, rs.intN)
	if err != nil {
		e.mu.Unlock()
		rs.logger.Debug().Str("conflict", id).Str("strategy", string(strategy)).Err(err).Msg("Resolution attempt failed")
		return nil, err
	}
	res := &Resolution{OptionID: optionID, Strategy: strategy, DecidedAt: rs.clock(), Tally: tally}
	c.Resolution = res
	c.Status = StatusResolved
	out := c.copy()
	e.mu.Unlock()

	rs.appendHistory(Record{
		ConflictID: id,
		Topic:      out.Topic,
		Strategy:   strategy,
		Resolution: optionID,
		Agents:     out.Agents,
		ResolvedAt: res.DecidedAt,
	})
	metrics.Inc(context.Background(), rs.metrics.ConflictsResolved, "strategy", string(strategy))
	rs.recorder.Record(audit.Entry{
		Type:    audit.EventConflictResolved,
		Subject: id,
		Action:  fmt.Sprintf("resolved by %s: %s", strategy, optionID),
		Metadata: map[string]any{
			"strategy": string(strategy),
			"option":   optionID,
			"tally":    tally,
		},
	})
	return out.Resolution, nil
}

// ResolveOrEscalate tries each strategy in order and escalates the conflict
// when all of them fail for lack of agreement or votes. escalated reports
// whether that happened; other errors are returned as-is.
func (rs *Resolver) ResolveOrEscalate(id string, strategies ...Strategy) (res *Resolution, escalated bool, err error) {
	if len(strategies) == 0 {
		strategies = []Strategy{StrategyMajority}
	}
	var reasons []string
	for _, s := range strategies {
		res, err := rs.Resolve(id, s)
		if err == nil {
			return res, false, nil
		}
		if !isStateError(err) {
			return nil, false, err
		}
		reasons = append(reasons, err.Error())
	}
	if err := rs.Escalate(id, strings.Join(reasons, "; ")); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// Escalate marks an open conflict for human decision and calls the escalation handler.
func (rs *Resolver) Escalate(id, reason string) error {
	if reason == "" {
		reason = "unable to resolve automatically"
	}
	e, err := rs.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	c := e.c
	if c.Status != StatusOpen {
		e.mu.Unlock()
		return &AlreadyResolvedError{Conflict: id, Status: c.Status}
	}
	c.Status = StatusEscalated
	c.EscalationReason = reason
	out := c.copy()
	e.mu.Unlock()

	metrics.Inc(context.Background(), rs.metrics.ConflictsEscalated)
	rs.recorder.Record(audit.Entry{
		Type:    audit.EventConflictEscalated,
		Subject: id,
		Action:  "escalated for manual decision",
		Metadata: map[string]any{
			"reason": reason,
		},
	})
	rs.logger.Warn().Str("conflict", id).Str("reason", reason).Msg("Conflict escalated")

	rs.mu.RLock()
	handler := rs.onEscalate
	rs.mu.RUnlock()
	if handler != nil {
		handler(out)
	}
	return nil
}

// Get returns a snapshot of the conflict.
func (rs *Resolver) Get(id string) (*Conflict, error) {
	e, err := rs.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.copy(), nil
}

// Status returns the conflict's state, vote tally and resolution.
func (rs *Resolver) Status(id string) (*StatusReport, error) {
	c, err := rs.Get(id)
	if err != nil {
		return nil, err
	}
	votes := make(map[string]string, len(c.Votes))
	for a, v := range c.Votes {
		votes[a] = v.OptionID
	}
	return &StatusReport{
		ID:               c.ID,
		Status:           c.Status,
		Topic:            c.Topic,
		Agents:           c.Agents,
		OptionsCount:     len(c.Options),
		Tally:            c.Counts(),
		Votes:            votes,
		Resolution:       c.Resolution,
		EscalationReason: c.EscalationReason,
		CreatedAt:        c.CreatedAt,
	}, nil
}

// Suggest analyses the votes so far and recommends the majority option without resolving.
func (rs *Resolver) Suggest(id string) (*Suggestion, error) {
	c, err := rs.Get(id)
	if err != nil {
		return nil, err
	}
	counts := c.Counts()
	s := &Suggestion{ConflictID: c.ID, Topic: c.Topic, Reasoning: []string{}}
	for _, o := range c.Options {
		s.Options = append(s.Options, OptionSummary{
			ID:         o.ID,
			Label:      o.Label,
			ProposedBy: o.ProposedBy,
			Votes:      counts[o.ID],
			Pros:       o.Pros,
			Cons:       o.Cons,
		})
	}
	if len(c.Votes) == 0 {
		s.Reasoning = append(s.Reasoning, "no votes cast yet")
		return s, nil
	}
	winner, _, _ := byMajority(c)
	s.Recommendation = winner
	s.Reasoning = append(s.Reasoning, fmt.Sprintf("option %q has most support (%d of %d votes)", winner, counts[winner], len(c.Votes)))
	if missing := len(c.Agents) - len(c.Votes); missing > 0 {
		s.Reasoning = append(s.Reasoning, fmt.Sprintf("%d involved agent(s) have not voted", missing))
	}
	return s, nil
}

// List returns snapshots of conflicts in creation order, optionally only those with status.
func (rs *Resolver) List(status Status) []*Conflict {
	rs.mu.RLock()
	entries := make([]*entry, 0, len(rs.order))
	for _, id := range rs.order {
		entries = append(entries, rs.conflicts[id])
	}
	rs.mu.RUnlock()

	out := []*Conflict{}
	for _, e := range entries {
		e.mu.Lock()
		if status == "" || e.c.Status == status {
			out = append(out, e.c.copy())
		}
		e.mu.Unlock()
	}
	return out
}

// History returns up to limit of the most recent resolutions, oldest first.
// A limit of zero or less returns everything retained.
func (rs *Resolver) History(limit int) []Record {
	rs.histMu.Lock()
	defer rs.histMu.Unlock()
	recs := rs.history
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]Record, len(recs))
	for i, r := range recs {
		r.Agents = append([]string(nil), r.Agents...)
		out[i] = r
	}
	return out
}

func (rs *Resolver) lookup(id string) (*entry, error) {
	rs.mu.RLock()
	e, ok := rs.conflicts[id]
	rs.mu.RUnlock()
	if !ok {
		return nil, &UnknownConflictError{ID: id}
	}
	return e, nil
}

func (rs *Resolver) nextVoteSeq() uint64 {
	rs.voteSeqMu.Lock()
	defer rs.voteSeqMu.Unlock()
	rs.voteSeq++
	return rs.voteSeq
}

func (rs *Resolver) intN(n int) int {
	rs.randMu.Lock()
	defer rs.randMu.Unlock()
	if rs.rng == nil {
		return rand.IntN(n)
	}
	return rs.rng.IntN(n)
}

func (rs *Resolver) appendHistory(r Record) {
	rs.histMu.Lock()
	defer rs.histMu.Unlock()
	rs.history = append(rs.history, r)
	if over := len(rs.history) - rs.historyLimit; over > 0 {
		rs.history = append([]Record(nil), rs.history[over:]...)
	}
}

// ParseStrategies converts strategy names, keeping their order.
func ParseStrategies(names []string) ([]Strategy, error) {
	out := make([]Strategy, 0, len(names))
	var errs []error
	for _, n := range names {
		s := Strategy(strings.TrimSpace(n))
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
