// Package coord assembles the message bus, dependency tracker, context store,
// conflict resolver and audit log into one core, and hands each agent a
// Client bound to its identity.
package coord

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/maintenance"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/agent"
	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/conflict"
	"github.com/dyluth/warren/pkg/ctxstore"
	"github.com/dyluth/warren/pkg/protocol"
	"github.com/dyluth/warren/pkg/tracker"
)

// SystemSender is the From address of messages the core sends on its own
// behalf, such as escalation notices.
const SystemSender = "warren"

// Core owns one instance of every component. Create it with New or Open and
// release it with Close.
type Core struct {
	Config    *config.WarrenConfig
	Agents    *agent.Registry
	Bus       *bus.Bus
	Tasks     *tracker.Tracker
	Contexts  *ctxstore.Store
	Conflicts *conflict.Resolver
	Audit     *audit.Log

	recorder  *audit.AsyncRecorder
	archive   *audit.SQLiteArchive
	collector *metrics.Collector
	reaper    *maintenance.Reaper
	clock     func() time.Time
	logger    zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	clock  func() time.Time
	redis  *redis.Client
	rand   *rand.Rand
	logger zerolog.Logger
}

// Option configures New.
type Option func(*options)

// WithClock overrides the time source of every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithRedisClient makes the networked backend use rdb instead of dialing redis.url.
func WithRedisClient(rdb *redis.Client) Option {
	return func(o *options) { o.redis = rdb }
}

// WithRand seeds the random resolution strategy.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rand = r }
}

// WithLogger sets the base logger. Each component logs with its own component field.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open loads warren.yml from path and builds a core from it.
func Open(ctx context.Context, path string, opts ...Option) (*Core, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// New builds a core from a validated configuration.
func New(ctx context.Context, cfg *config.WarrenConfig, opts ...Option) (*Core, error) {
	o := options{clock: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Core{Config: cfg, clock: o.clock, logger: o.logger.With().Str("component", "core").Logger()}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	registry, err := agent.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.AgentNames() {
		a := cfg.Agents[name]
		if err := registry.Register(agent.Agent{Name: name, Role: a.Role, Rank: a.Rank}); err != nil {
			return nil, fmt.Errorf("failed to register agent: %w", err)
		}
	}
	c.Agents = registry

	c.collector, err = metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	m := c.collector.Metrics

	logOpts := []audit.Option{
		audit.WithCapacity(cfg.MaxAuditEvents),
		audit.WithTrimFraction(cfg.AuditTrimFraction),
		audit.WithClock(o.clock),
		audit.WithLogger(component(o.logger, "audit")),
		audit.WithMetrics(m),
	}
	if path := cfg.ArchivePath(); path != "" {
		c.archive, err = audit.NewSQLiteArchive(path)
		if err != nil {
			return nil, err
		}
		logOpts = append(logOpts, audit.WithArchive(c.archive))
	}
	c.Audit = audit.NewLog(logOpts...)
	c.recorder = audit.NewAsyncRecorder(c.Audit, 0, o.clock)

	backend, err := c.backend(ctx, o)
	if err != nil {
		return nil, err
	}
	validator, err := c.validator(registry)
	if err != nil {
		backend.Close()
		return nil, err
	}
	c.Bus = bus.New(backend, registry,
		bus.WithValidator(validator),
		bus.WithRecorder(c.recorder),
		bus.WithDefaultTTL(cfg.DefaultTTL),
		bus.WithClock(o.clock),
		bus.WithLogger(component(o.logger, "bus")),
		bus.WithMetrics(m),
	)

	c.Tasks = tracker.New(
		tracker.WithDepthLimit(cfg.CycleCheckDepthLimit),
		tracker.WithRecorder(c.recorder),
		tracker.WithClock(o.clock),
		tracker.WithLogger(component(o.logger, "tracker")),
		tracker.WithMetrics(m),
	)

	c.Contexts = ctxstore.New(
		ctxstore.WithRoles(registry),
		ctxstore.WithNotifier(c.notifySubscribers),
		ctxstore.WithHistoryLimit(cfg.ContextHistoryLimit),
		ctxstore.WithRecorder(c.recorder),
		ctxstore.WithClock(o.clock),
		ctxstore.WithLogger(component(o.logger, "ctxstore")),
		ctxstore.WithMetrics(m),
	)

	c.Conflicts = conflict.New(
		conflict.WithRanks(registry),
		conflict.WithRand(o.rand),
		conflict.WithEscalationHandler(c.notifyEscalation),
		conflict.WithRecorder(c.recorder),
		conflict.WithClock(o.clock),
		conflict.WithLogger(component(o.logger, "conflict")),
		conflict.WithMetrics(m),
	)

	c.reaper, err = maintenance.New(cfg.ReclaimSchedule, component(o.logger, "maintenance"))
	if err != nil {
		return nil, err
	}
	c.reaper.Add("contexts", func(context.Context) (int, error) {
		return c.Contexts.Reclaim(), nil
	})
	c.reaper.Add("messages", c.Bus.PurgeExpired)

	c.logger.Info().
		Str("backend", cfg.Backend).
		Str("namespace", cfg.Namespace).
		Int("agents", len(cfg.Agents)).
		Msg("Core started")
	ok = true
	return c, nil
}

func (c *Core) backend(ctx context.Context, o options) (bus.Backend, error) {
	if c.Config.Backend != config.BackendNetworked {
		return bus.NewMemoryBackend(), nil
	}

	redisLogger := bus.WithRedisLogger(component(o.logger, "redis"))
	var (
		backend *bus.RedisBackend
		err     error
	)
	if o.redis != nil {
		backend, err = bus.NewRedisBackendFromClient(o.redis, c.Config.Namespace, redisLogger)
	} else {
		redisOpts, perr := redis.ParseURL(c.Config.Redis.URL)
		if perr != nil {
			return nil, fmt.Errorf("invalid redis url %q: %w", c.Config.Redis.URL, perr)
		}
		backend, err = bus.NewRedisBackend(redisOpts, c.Config.Namespace, redisLogger)
	}
	if err != nil {
		return nil, err
	}
	if err := backend.Ping(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return backend, nil
}

func (c *Core) validator(dir protocol.Directory) (*protocol.Validator, error) {
	v := protocol.NewValidator(dir, protocol.WithMaxPayloadBytes(c.Config.MaxPayloadBytes))
	for msgType := range c.Config.PayloadSchemas {
		path := c.Config.SchemaPath(msgType)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload schema for %s: %w", msgType, err)
		}
		if err := v.RegisterSchema(protocol.MessageType(msgType), data); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// notifySubscribers tells every other subscriber that a context changed.
func (c *Core) notifySubscribers(changed *ctxstore.Context, updatedBy string, subscribers []string) {
	for _, sub := range subscribers {
		msg := &protocol.Message{
			From:     updatedBy,
			To:       sub,
			Type:     protocol.TypeStateSync,
			Subject:  changed.ID,
			Priority: protocol.PriorityNormal,
			Payload: protocol.Payload{
				"context_id": changed.ID,
				"version":    changed.Version,
				"updated_by": updatedBy,
			},
		}
		if _, err := c.Bus.Send(context.Background(), msg); err != nil {
			c.logger.Warn().Err(err).Str("context", changed.ID).Str("subscriber", sub).Msg("Failed to notify subscriber")
		}
	}
}

// notifyEscalation asks the involved agents for a human decision.
func (c *Core) notifyEscalation(cf *conflict.Conflict) {
	for _, name := range cf.Agents {
		if !c.Agents.Known(name) {
			continue
		}
		msg := &protocol.Message{
			From:     SystemSender,
			To:       name,
			Type:     protocol.TypeDecisionNeeded,
			Subject:  cf.Topic,
			Priority: protocol.PriorityHigh,
			Payload: protocol.Payload{
				"conflict_id": cf.ID,
				"reason":      cf.EscalationReason,
			},
		}
		if _, err := c.Bus.Send(context.Background(), msg); err != nil {
			c.logger.Warn().Err(err).Str("conflict", cf.ID).Str("agent", name).Msg("Failed to send escalation notice")
		}
	}
}

// Client returns the client surface for a registered agent.
func (c *Core) Client(name string) (*Client, error) {
	if !c.Agents.Known(name) {
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
	return &Client{core: c, name: name}, nil
}

// StartMaintenance reclaims expired contexts and messages on the configured
// schedule until ctx is cancelled.
func (c *Core) StartMaintenance(ctx context.Context) error {
	return c.reaper.Start(ctx)
}

// Reclaim runs one maintenance pass immediately and returns what each job removed.
func (c *Core) Reclaim(ctx context.Context) map[string]int {
	return c.reaper.RunOnce(ctx)
}

// Flush waits until every audit entry recorded so far is in the log.
func (c *Core) Flush(ctx context.Context) error {
	return c.recorder.Flush(ctx)
}

// Metrics returns the current counter totals keyed by instrument name.
func (c *Core) Metrics(ctx context.Context) (map[string]float64, error) {
	return c.collector.Totals(ctx)
}

// Now returns the core's current time.
func (c *Core) Now() time.Time {
	return c.clock()
}

// Close drains pending audit entries and releases the backend, the archive
// and the metrics provider. Safe to call more than once.
func (c *Core) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.close() })
	return c.closeErr
}

func (c *Core) close() error {
	var errs []error
	if c.recorder != nil {
		c.recorder.Close()
	}
	if c.Bus != nil {
		if err := c.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close bus: %w", err))
		}
	}
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit archive: %w", err))
		}
	}
	if c.collector != nil {
		if err := c.collector.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
