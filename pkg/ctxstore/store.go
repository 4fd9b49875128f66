package ctxstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/audit"
)

// DefaultHistoryLimit is how many revisions each context retains.
const DefaultHistoryLimit = 50

// RoleResolver maps agent names to roles.
type RoleResolver interface {
	Role(agent string) (string, bool)
}

// Notifier is called after a context's data changes, with the subscribers
// other than the agent that made the change.
type Notifier func(c *Context, updatedBy string, subscribers []string)

type entry struct {
	mu          sync.Mutex
	ctx         *Context
	history     []Revision
	subscribers map[string]struct{}
	deleted     bool
}

// Store holds shared contexts. It is safe for concurrent use: the table lock
// guards membership and each entry has its own lock, so operations on
// different contexts do not contend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	roles        RoleResolver
	notify       Notifier
	historyLimit int
	recorder     audit.Recorder
	clock        func() time.Time
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithRoles sets how agent roles are resolved. Without it role-level contexts
// need an explicit Role and recipients of Share are not checked.
func WithRoles(r RoleResolver) Option {
	return func(s *Store) { s.roles = r }
}

// WithNotifier sets the callback for data changes.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notify = n }
}

// WithHistoryLimit bounds retained revisions per context. Values below one are ignored.
func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithRecorder sets where audit entries go.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:      make(map[string]*entry),
		historyLimit: DefaultHistoryLimit,
		recorder:     audit.Nop{},
		clock:        time.Now,
		logger:       zerolog.Nop(),
		metrics:      metrics.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new context at version 1, owned and subscribed by req.Owner.
func (s *Store) Create(req CreateRequest) (*Context, error) {
	if req.Owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "cannot be empty"}
	}
	if err := req.Type.Validate(); err != nil {
		return nil, &ValidationError{Field: "type", Reason: err.Error()}
	}
	level := req.AccessLevel
	if level == "" {
		level = AccessTeam
	}
	if err := level.Validate(); err != nil {
		return nil, &ValidationError{Field: "access_level", Reason: err.Error()}
	}
	if req.TTL < 0 {
		return nil, &ValidationError{Field: "ttl", Reason: "cannot be negative"}
	}
	role := req.Role
	if level == AccessRole && role == "" {
		if s.roles != nil {
			role, _ = s.roles.Role(req.Owner)
		}
		if role == "" {
			return nil, &ValidationError{Field: "role", Reason: fmt.Sprintf("cannot resolve role for owner %s", req.Owner)}
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.clock()
	c := &Context{
		ID:          id,
		Type:        req.Type,
		Owner:       req.Owner,
		Role:        role,
		Data:        copyMap(req.Data),
		AccessLevel: level,
		Grants:      map[string]Permission{},
		Tags:        append([]string{}, req.Tags...),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		TTL:         req.TTL,
		Links:       []string{},
	}
	e := &entry{
		ctx:         c,
		subscribers: map[string]struct{}{req.Owner: {}},
	}
	e.history = []Revision{{Version: 1, Agent: req.Owner, At: now, Patch: copyMap(req.Data), Data: copyMap(req.Data)}}

	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil, &DuplicateContextError{ID: id}
	}
	s.entries[id] = e
	out := c.copy()
	s.mu.Unlock()

	metrics.Inc(context.Background(), s.metrics.ContextMutations, "op", "create")
	s.record(audit.EventContextCreated, req.Owner, out, fmt.Sprintf("created %s context", out.Type), map[string]any{
		"access_level": string(out.AccessLevel),
		"context_type": string(out.Type),
	})
	return out, nil
}

// Get returns a snapshot of the context if requester may read it.
func (s *Store) Get(id, requester string) (*Context, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}
	if err := s.readable(e, requester, "read"); err != nil {
		e.mu.Unlock()
		return nil, s.deny(err)
	}
	out := e.ctx.copy()
	e.mu.Unlock()

	s.record(audit.EventContextAccessed, requester, out, "read context", map[string]any{
		"version": out.Version,
	})
	return out, nil
}

// Update merges patch into the context data and returns the new version. A
// nil value in patch removes that key.
func (s *Store) Update(id, updater string, patch map[string]any) (int, error) {
	e, err := s.lookup(id)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return 0, &NotFoundError{ID: id}
	}
	if err := s.writable(e, updater, "update"); err != nil {
		e.mu.Unlock()
		return 0, s.deny(err)
	}

	now := s.clock()
	c := e.ctx
	for k, v := range patch {
		if v == nil {
			delete(c.Data, k)
			continue
		}
		c.Data[k] = copyValue(v)
	}
	c.Version++
	c.UpdatedAt = now
	e.history = append(e.history, Revision{
		Version: c.Version,
		Agent:   updater,
		At:      now,
		Patch:   copyMap(patch),
		Data:    copyMap(c.Data),
	})
	if over := len(e.history) - s.historyLimit; over > 0 {
		e.history = append([]Revision(nil), e.history[over:]...)
	}
	out := c.copy()
	subs := subscribersExcept(e.subscribers, updater)
	e.mu.Unlock()

	metrics.Inc(context.Background(), s.metrics.ContextMutations, "op", "update")
	s.record(audit.EventContextUpdated, updater, out, fmt.Sprintf("updated context to version %d", out.Version), map[string]any{
		"version": out.Version,
		"keys":    sortedKeys(patch),
	})
	if s.notify != nil && len(subs) > 0 {
		s.notify(out, updater, subs)
	}
	return out.Version, nil
}

// Share grants perm to agents and subscribes them. The owner may always
// share; other agents may share a non-private context they can read, and may
// only hand out write if they hold it. Existing write grants are not
// downgraded.
func (s *Store) Share(id, caller string, agents []string, perm Permission) error {
	if perm == "" {
		perm = PermRead
	}
	if err := perm.Validate(); err != nil {
		return &ValidationError{Field: "permission", Reason: err.Error()}
	}
	if len(agents) == 0 {
		return &ValidationError{Field: "agents", Reason: "at least one agent is required"}
	}
	for _, a := range agents {
		if a == "" {
			return &ValidationError{Field: "agents", Reason: "agent name cannot be empty"}
		}
		if s.roles != nil {
			if _, ok := s.roles.Role(a); !ok {
				return &ValidationError{Field: "agents", Reason: fmt.Sprintf("unknown agent %s", a)}
			}
		}
	}

	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	c := e.ctx
	if caller != c.Owner {
		if c.AccessLevel == AccessPrivate {
			e.mu.Unlock()
			return s.deny(&AccessDeniedError{ID: id, Agent: caller, Op: "share", Level: c.AccessLevel})
		}
		op := "share"
		check := s.readable
		if perm == PermWrite {
			check = s.writable
		}
		if err := check(e, caller, op); err != nil {
			e.mu.Unlock()
			return s.deny(err)
		}
	} else if c.IsExpired(s.clock()) {
		e.mu.Unlock()
		return &ExpiredError{ID: id, ExpiredAt: c.ExpiresAt()}
	}

	granted := make([]string, 0, len(agents))
	for _, a := range agents {
		if a == c.Owner {
			continue
		}
		if c.Grants[a] != PermWrite {
			c.Grants[a] = perm
		}
		e.subscribers[a] = struct{}{}
		granted = append(granted, a)
	}
	out := c.copy()
	e.mu.Unlock()

	metrics.Inc(context.Background(), s.metrics.ContextMutations, "op", "share")
	s.record(audit.EventContextShared, caller, out, fmt.Sprintf("shared context with %d agent(s)", len(granted)), map[string]any{
		"agents":     granted,
		"permission": string(perm),
	})
	return nil
}

// Revoke removes the grants and subscriptions of agents. Only the owner may revoke.
func (s *Store) Revoke(id, caller string, agents []string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	c := e.ctx
	if caller != c.Owner {
		e.mu.Unlock()
		return s.deny(&AccessDeniedError{ID: id, Agent: caller, Op: "revoke", Level: c.AccessLevel})
	}
	if c.IsExpired(s.clock()) {
		e.mu.Unlock()
		return &ExpiredError{ID: id, ExpiredAt: c.ExpiresAt()}
	}
	for _, a := range agents {
		if a == c.Owner {
			continue
		}
		delete(c.Grants, a)
		delete(e.subscribers, a)
	}
	out := c.copy()
	e.mu.Unlock()

	metrics.Inc(context.Background(), s.metrics.ContextMutations, "op", "revoke")
	s.record(audit.EventContextRevoked, caller, out, fmt.Sprintf("revoked access for %d agent(s)", len(agents)), map[string]any{
		"agents": agents,
	})
	return nil
}

// Find returns the live contexts requester can read that match filter,
// ordered by creation time.
func (s *Store) Find(requester string, filter Filter) []*Context {
	now := s.clock()
	var out []*Context
	for _, e := range s.snapshot() {
		e.mu.Lock()
		c := e.ctx
		match := !e.deleted && !c.IsExpired(now) && s.canRead(c, requester) &&
			(filter.Type == "" || c.Type == filter.Type) &&
			(filter.Owner == "" || c.Owner == filter.Owner) &&
			(len(filter.Tags) == 0 || c.HasTag(filter.Tags...))
		if match {
			out = append(out, c.copy())
		}
		e.mu.Unlock()
	}
	sortContexts(out)
	return out
}

// Link relates two contexts in both directions. The caller must be able to
// read both. Linking an existing pair is a no-op.
func (s *Store) Link(a, b, caller string) error {
	if a == b {
		return &ValidationError{Field: "link", Reason: "a context cannot link to itself"}
	}
	ea, err := s.lookup(a)
	if err != nil {
		return err
	}
	eb, err := s.lookup(b)
	if err != nil {
		return err
	}

	first, second := ea, eb
	if b < a {
		first, second = eb, ea
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	for _, e := range []*entry{ea, eb} {
		if e.deleted {
			return &NotFoundError{ID: e.ctx.ID}
		}
		if err := s.readable(e, caller, "link"); err != nil {
			return s.deny(err)
		}
	}
	if contains(ea.ctx.Links, b) {
		return nil
	}
	ea.ctx.Links = append(ea.ctx.Links, b)
	eb.ctx.Links = append(eb.ctx.Links, a)

	metrics.Inc(context.Background(), s.metrics.ContextMutations, "op", "link")
	s.record(audit.EventContextLinked, caller, ea.ctx, fmt.Sprintf("linked context to %s", b), map[string]any{
		"linked": b,
	})
	return nil
}

// Related returns the live contexts linked directly to id that requester can read.
func (s *Store) Related(id, requester string) ([]*Context, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}
	if err := s.readable(e, requester, "read"); err != nil {
		e.mu.Unlock()
		return nil, s.deny(err)
	}
	links := append([]string(nil), e.ctx.Links...)
	e.mu.Unlock()

	now := s.clock()
	out := []*Context{}
	for _, linked := range links {
		le, err := s.lookup(linked)
		if err != nil {
			continue
		}
		le.mu.Lock()
		if !le.deleted && !le.ctx.IsExpired(now) && s.canRead(le.ctx, requester) {
			out = append(out, le.ctx.copy())
		}
		le.mu.Unlock()
	}
	return out, nil
}

// History returns up to limit of the most recent revisions, oldest first.
// A limit of zero or less returns everything retained.
func (s *Store) History(id, requester string, limit int) ([]Revision, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, &NotFoundError{ID: id}
	}
	if err := s.readable(e, requester, "read history of"); err != nil {
		return nil, s.deny(err)
	}
	revs := e.history
	if limit > 0 && len(revs) > limit {
		revs = revs[len(revs)-limit:]
	}
	out := make([]Revision, len(revs))
	for i, r := range revs {
		out[i] = Revision{Version: r.Version, Agent: r.Agent, At: r.At, Patch: copyMap(r.Patch), Data: copyMap(r.Data)}
	}
	return out, nil
}

// Subscribe registers agent for change notifications. The agent must be able
// to read the context.
func (s *Store) Subscribe(id, agent string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return &NotFoundError{ID: id}
	}
	if err := s.readable(e, agent, "subscribe to"); err != nil {
		return s.deny(err)
	}
	e.subscribers[agent] = struct{}{}
	return nil
}

// Unsubscribe removes agent from the context's subscribers.
func (s *Store) Unsubscribe(id, agent string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.subscribers, agent)
	e.mu.Unlock()
	return nil
}

// Subscribers returns the agents subscribed to id, sorted.
func (s *Store) Subscribers(id string) ([]string, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedKeys(e.subscribers), nil
}

// Delete removes a context and any links to it. Only the owner may delete.
func (s *Store) Delete(id, caller string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	if caller != e.ctx.Owner {
		level := e.ctx.AccessLevel
		e.mu.Unlock()
		return s.deny(&AccessDeniedError{ID: id, Agent: caller, Op: "delete", Level: level})
	}
	e.deleted = true
	out := e.ctx.copy()
	e.mu.Unlock()

	s.remove([]string{id}, map[string][]string{id: out.Links})

	metrics.Inc(context.Background(), s.metrics.ContextMutations, "op", "delete")
	s.record(audit.EventContextDeleted, caller, out, "deleted context", nil)
	return nil
}

// Reclaim drops every expired context and returns how many were removed.
func (s *Store) Reclaim() int {
	now := s.clock()
	var ids []string
	links := map[string][]string{}
	var expired []*Context
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if !e.deleted && e.ctx.IsExpired(now) {
			e.deleted = true
			ids = append(ids, e.ctx.ID)
			links[e.ctx.ID] = append([]string(nil), e.ctx.Links...)
			expired = append(expired, e.ctx.copy())
		}
		e.mu.Unlock()
	}
	if len(ids) == 0 {
		return 0
	}
	s.remove(ids, links)

	metrics.Add(context.Background(), s.metrics.ContextsReclaimed, int64(len(ids)))
	for _, c := range expired {
		s.record(audit.EventContextExpired, c.Owner, c, "context expired", map[string]any{
			"expired_at": c.ExpiresAt().UTC().Format(time.RFC3339Nano),
		})
	}
	s.logger.Debug().Int("count", len(ids)).Msg("Reclaimed expired contexts")
	return len(ids)
}

// Len returns the number of stored contexts, expired ones included until reclaimed.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats summarizes the store by type, access level and subscriptions.
func (s *Store) Stats() Stats {
	now := s.clock()
	st := Stats{
		ByType:        map[Type]int{},
		ByAccessLevel: map[AccessLevel]int{},
		Subscriptions: map[string]int{},
	}
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if !e.deleted {
			st.Total++
			if e.ctx.IsExpired(now) {
				st.Expired++
			}
			st.ByType[e.ctx.Type]++
			st.ByAccessLevel[e.ctx.AccessLevel]++
			for a := range e.subscribers {
				st.Subscriptions[a]++
			}
		}
		e.mu.Unlock()
	}
	return st
}

// CanRead reports whether agent may read the context, ignoring expiry.
func (s *Store) CanRead(id, agent string) bool {
	e, err := s.lookup(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.deleted && s.canRead(e.ctx, agent)
}

func (s *Store) canRead(c *Context, agent string) bool {
	if agent == c.Owner {
		return true
	}
	if _, ok := c.Grants[agent]; ok {
		return true
	}
	switch c.AccessLevel {
	case AccessPublic:
		return true
	case AccessRole:
		if s.roles == nil {
			return false
		}
		role, ok := s.roles.Role(agent)
		return ok && role == c.Role
	default:
		return false
	}
}

func (s *Store) canWrite(c *Context, agent string) bool {
	return agent == c.Owner || c.Grants[agent] == PermWrite
}

// readable and writable check access before expiry so unauthorized agents
// learn nothing about a context's lifetime. Callers hold e.mu.
func (s *Store) readable(e *entry, agent, op string) error {
	if !s.canRead(e.ctx, agent) {
		return &AccessDeniedError{ID: e.ctx.ID, Agent: agent, Op: op, Level: e.ctx.AccessLevel}
	}
	if e.ctx.IsExpired(s.clock()) {
		return &ExpiredError{ID: e.ctx.ID, ExpiredAt: e.ctx.ExpiresAt()}
	}
	return nil
}

func (s *Store) writable(e *entry, agent, op string) error {
	if !s.canWrite(e.ctx, agent) {
		return &AccessDeniedError{ID: e.ctx.ID, Agent: agent, Op: op, Level: e.ctx.AccessLevel}
	}
	if e.ctx.IsExpired(s.clock()) {
		return &ExpiredError{ID: e.ctx.ID, ExpiredAt: e.ctx.ExpiresAt()}
	}
	return nil
}

// deny records access denials and passes other errors through.
func (s *Store) deny(err error) error {
	denied, ok := err.(*AccessDeniedError)
	if !ok {
		return err
	}
	metrics.Inc(context.Background(), s.metrics.AccessDenied, "op", denied.Op)
	s.recorder.Record(audit.Entry{
		Type:    audit.EventContextAccessed,
		Agent:   denied.Agent,
		Subject: denied.ID,
		Action:  fmt.Sprintf("denied %s", denied.Op),
		Status:  audit.StatusFailure,
		Metadata: map[string]any{
			"access_level": string(denied.Level),
		},
	})
	s.logger.Debug().Str("context", denied.ID).Str("agent", denied.Agent).Str("op", denied.Op).Msg("Context access denied")
	return err
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return e, nil
}

func (s *Store) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// remove deletes ids from the table and strips back-links held by their
// linked contexts. The entries must already be marked deleted.
func (s *Store) remove(ids []string, links map[string][]string) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for id, targets := range links {
		for _, t := range targets {
			le, err := s.lookup(t)
			if err != nil {
				continue
			}
			le.mu.Lock()
			le.ctx.Links = without(le.ctx.Links, id)
			le.mu.Unlock()
		}
	}
}

func (s *Store) record(t audit.EventType, agent string, c *Context, action string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["version"] = c.Version
	s.recorder.Record(audit.Entry{
		Type:     t,
		Agent:    agent,
		Subject:  c.ID,
		Action:   action,
		Metadata: meta,
	})
}

func subscribersExcept(subs map[string]struct{}, agent string) []string {
	out := make([]string, 0, len(subs))
	for a := range subs {
		if a != agent {
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

func sortContexts(cs []*Context) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func without(list []string, item string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
