package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/protocol"
)

// Directory is the agent directory the bus routes against.
type Directory interface {
	Known(agent string) bool
	Names() []string
}

// Bus validates, stamps and routes messages into agent inboxes.
type Bus struct {
	backend    Backend
	directory  Directory
	validator  *protocol.Validator
	recorder   audit.Recorder
	defaultTTL time.Duration
	clock      func() time.Time
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithValidator replaces the default validator, e.g. one with payload schemas registered.
func WithValidator(v *protocol.Validator) Option {
	return func(b *Bus) { b.validator = v }
}

// WithRecorder sets where audit entries go.
func WithRecorder(r audit.Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

// WithDefaultTTL applies ttl to messages sent without one. Zero disables it.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.defaultTTL = ttl }
}

// WithClock overrides the time source used to stamp and expire messages.
func WithClock(clock func() time.Time) Option {
	return func(b *Bus) { b.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		if m != nil {
			b.metrics = m
		}
	}
}

// New creates a bus over backend that resolves agents through dir.
func New(backend Backend, dir Directory, opts ...Option) *Bus {
	b := &Bus{
		backend:   backend,
		directory: dir,
		recorder:  audit.Nop{},
		clock:     time.Now,
		logger:    zerolog.Nop(),
		metrics:   metrics.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.validator == nil {
		b.validator = protocol.NewValidator(dir)
	}
	return b
}

// Validator returns the validator used at the send boundary.
func (b *Bus) Validator() *protocol.Validator {
	return b.validator
}

// Send validates msg and places it in the recipient's inbox, returning the
// assigned message id. A message addressed to protocol.Broadcast is copied to
// every registered agent except the sender and the shared broadcast id is
// returned. msg itself is not modified.
func (b *Bus) Send(ctx context.Context, msg *protocol.Message) (string, error) {
	if err := b.validator.Validate(msg); err != nil {
		b.recordFailure(msg, err)
		return "", err
	}

	if msg.IsBroadcast() {
		var recipients []string
		for _, name := range b.directory.Names() {
			if name != msg.From {
				recipients = append(recipients, name)
			}
		}
		if len(recipients) == 0 {
			err := &protocol.InvalidMessageError{Field: "to", Reason: "no agents to broadcast to"}
			b.recordFailure(msg, err)
			return "", err
		}
		broadcastID, _, err := b.fanOut(ctx, msg, recipients)
		return broadcastID, err
	}

	out := b.stamp(msg)
	if err := b.backend.Enqueue(ctx, out.To, out); err != nil {
		b.recordFailure(out, err)
		return "", fmt.Errorf("failed to enqueue message for %s: %w", out.To, err)
	}

	metrics.Inc(ctx, b.metrics.MessagesSent, "type", string(out.Type))
	b.recorder.Record(audit.Entry{
		Type:      audit.EventMessageSent,
		Agent:     out.From,
		Subject:   out.ID,
		Action:    fmt.Sprintf("sent %s to %s", out.Type, out.To),
		Timestamp: out.CreatedAt,
		Metadata: map[string]any{
			"to":       out.To,
			"type":     string(out.Type),
			"priority": string(out.Priority),
			"subject":  out.Subject,
			"reply_to": out.ReplyTo,
		},
	})
	b.logger.Debug().Str("id", out.ID).Str("from", out.From).Str("to", out.To).Str("type", string(out.Type)).Msg("Message sent")
	return out.ID, nil
}

// Broadcast delivers an independent copy of msg to each recipient. Every
// recipient is validated before anything is enqueued. All copies share one
// BroadcastID, which is also the audit subject. msg.To is ignored.
func (b *Bus) Broadcast(ctx context.Context, msg *protocol.Message, recipients []string) ([]string, error) {
	if len(recipients) == 0 {
		err := &protocol.InvalidMessageError{Field: "to", Reason: "broadcast needs at least one recipient"}
		b.recordFailure(msg, err)
		return nil, err
	}
	for _, r := range recipients {
		if err := b.validator.ValidateRecipient(r); err != nil {
			b.recordFailure(msg, err)
			return nil, err
		}
	}
	if msg != nil {
		probe := msg.Copy()
		probe.To = recipients[0]
		if err := b.validator.Validate(probe); err != nil {
			b.recordFailure(msg, err)
			return nil, err
		}
	} else if err := b.validator.Validate(msg); err != nil {
		return nil, err
	}

	_, ids, err := b.fanOut(ctx, msg, recipients)
	return ids, err
}

func (b *Bus) fanOut(ctx context.Context, msg *protocol.Message, recipients []string) (string, []string, error) {
	broadcastID := uuid.New().String()
	recipients = dedupe(recipients)
	createdAt := b.clock()

	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		out := b.stamp(msg)
		out.To = r
		out.CreatedAt = createdAt
		out.BroadcastID = broadcastID
		if err := b.backend.Enqueue(ctx, r, out); err != nil {
			b.recordFailure(out, err)
			return broadcastID, ids, fmt.Errorf("failed to enqueue broadcast copy for %s: %w", r, err)
		}
		ids = append(ids, out.ID)
		metrics.Inc(ctx, b.metrics.MessagesSent, "type", string(out.Type))
	}

	b.recorder.Record(audit.Entry{
		Type:      audit.EventMessageSent,
		Agent:     msg.From,
		Subject:   broadcastID,
		Action:    fmt.Sprintf("broadcast %s to %d agents", msg.Type, len(recipients)),
		Timestamp: createdAt,
		Metadata: map[string]any{
			"recipients":  recipients,
			"message_ids": ids,
			"type":        string(msg.Type),
			"priority":    string(msg.Priority),
			"subject":     msg.Subject,
		},
	})
	b.logger.Debug().Str("broadcast_id", broadcastID).Str("from", msg.From).Int("recipients", len(recipients)).Msg("Broadcast sent")
	return broadcastID, ids, nil
}

// Receive removes and returns the highest-priority message in agent's inbox,
// waiting up to timeout for one to arrive. Messages whose TTL has elapsed are
// dropped and audited rather than delivered. It returns ErrEmpty on timeout
// and ctx.Err() on cancellation; in both cases nothing is consumed.
func (b *Bus) Receive(ctx context.Context, agent string, timeout time.Duration) (*protocol.Message, error) {
	if err := b.validator.ValidateRecipient(agent); err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(timeout)
	defer func() {
		b.metrics.ReceiveWait.Record(ctx, time.Since(start).Seconds())
	}()

	for {
		msg, err := b.backend.Dequeue(ctx, agent, time.Until(deadline))
		if err != nil {
			if IsEmpty(err) {
				return nil, ErrEmpty
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to receive for %s: %w", agent, err)
		}

		now := b.clock()
		if msg.IsExpired(now) {
			b.recordExpired(ctx, agent, msg, now)
			continue
		}

		metrics.Inc(ctx, b.metrics.MessagesDelivered, "type", string(msg.Type))
		b.recorder.Record(audit.Entry{
			Type:      audit.EventMessageReceived,
			Agent:     agent,
			Subject:   msg.ID,
			Action:    fmt.Sprintf("received %s from %s", msg.Type, msg.From),
			Timestamp: now,
			Metadata: map[string]any{
				"from":         msg.From,
				"type":         string(msg.Type),
				"broadcast_id": msg.BroadcastID,
			},
		})
		return msg, nil
	}
}

// Pending returns the number of messages queued for agent, including ones
// that have expired but not yet been swept.
func (b *Bus) Pending(ctx context.Context, agent string) (int, error) {
	return b.backend.Len(ctx, agent)
}

// PurgeExpired sweeps every inbox and drops expired messages.
func (b *Bus) PurgeExpired(ctx context.Context) (int, error) {
	inboxes, err := b.backend.Inboxes(ctx)
	if err != nil {
		return 0, err
	}

	now := b.clock()
	total := 0
	for _, agent := range inboxes {
		removed, err := b.backend.RemoveExpired(ctx, agent, now)
		for _, msg := range removed {
			b.recordExpired(ctx, agent, msg, now)
		}
		total += len(removed)
		if err != nil {
			return total, fmt.Errorf("failed to purge inbox %s: %w", agent, err)
		}
	}
	if total > 0 {
		b.logger.Info().Int("count", total).Msg("Purged expired messages")
	}
	return total, nil
}

// Close closes the backend.
func (b *Bus) Close() error {
	return b.backend.Close()
}

func (b *Bus) stamp(msg *protocol.Message) *protocol.Message {
	out := msg.Copy()
	out.ID = uuid.New().String()
	out.CreatedAt = b.clock()
	out.Seq = 0
	if out.TTL == 0 && b.defaultTTL > 0 {
		out.TTL = b.defaultTTL
	}
	return out
}

func (b *Bus) recordExpired(ctx context.Context, agent string, msg *protocol.Message, now time.Time) {
	metrics.Inc(ctx, b.metrics.MessagesExpired, "type", string(msg.Type))
	b.recorder.Record(audit.Entry{
		Type:      audit.EventMessageExpired,
		Agent:     agent,
		Subject:   msg.ID,
		Action:    fmt.Sprintf("dropped expired %s from %s", msg.Type, msg.From),
		Timestamp: now,
		Metadata: map[string]any{
			"from":       msg.From,
			"type":       string(msg.Type),
			"created_at": msg.CreatedAt,
			"ttl":        msg.TTL.String(),
		},
	})
	b.logger.Debug().Str("id", msg.ID).Str("agent", agent).Msg("Dropped expired message")
}

func (b *Bus) recordFailure(msg *protocol.Message, err error) {
	entry := audit.Entry{
		Type:     audit.EventMessageFailed,
		Action:   "message rejected",
		Status:   audit.StatusFailure,
		Metadata: map[string]any{"error": err.Error()},
	}
	if msg != nil {
		entry.Agent = msg.From
		entry.Subject = msg.ID
		entry.Metadata["to"] = msg.To
		entry.Metadata["type"] = string(msg.Type)
	}
	b.recorder.Record(entry)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
