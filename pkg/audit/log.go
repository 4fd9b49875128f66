package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dyluth/warren/internal/metrics"
)

const (
	// DefaultCapacity is the number of events retained before a capacity trim.
	DefaultCapacity = 10000

	// DefaultTrimFraction is the share of the oldest events purged at capacity.
	DefaultTrimFraction = 0.10
)

// Archive receives events purged from the log.
type Archive interface {
	Store(ctx context.Context, events []Event) error
}

// Log is the bounded, append-only audit record. Events are kept ordered by
// timestamp with sequence as the tie-break.
type Log struct {
	mu           sync.RWMutex
	events       []Event
	index        map[string]struct{}
	nextSeq      uint64
	capacity     int
	trimFraction float64
	purged       uint64

	archive Archive
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Log.
type Option func(*Log)

// WithCapacity sets the maximum number of retained events. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithTrimFraction sets the share of events purged when capacity is reached.
// Values outside (0, 1] are ignored.
func WithTrimFraction(f float64) Option {
	return func(l *Log) {
		if f > 0 && f <= 1 {
			l.trimFraction = f
		}
	}
}

// WithArchive hands purged events to a.
func WithArchive(a Archive) Option {
	return func(l *Log) { l.archive = a }
}

// WithClock overrides the time source used for entries without a timestamp.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) {
		if m != nil {
			l.metrics = m
		}
	}
}

// NewLog creates an empty audit log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		index:        make(map[string]struct{}),
		capacity:     DefaultCapacity,
		trimFraction: DefaultTrimFraction,
		clock:        time.Now,
		logger:       zerolog.Nop(),
		metrics:      metrics.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record implements Recorder.
func (l *Log) Record(e Entry) {
	l.Append(e)
}

// Append stores a new event built from e and returns it. Append never fails;
// reaching capacity purges the oldest events first.
func (l *Log) Append(e Entry) Event {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.clock()
	}
	status := e.Status
	if status == "" {
		status = StatusSuccess
	}

	l.mu.Lock()
	var purged []Event
	if len(l.events) >= l.capacity {
		purged = l.removeOldest(l.trimCount())
	}

	l.nextSeq++
	ev := Event{
		ID:        uuid.New().String(),
		Seq:       l.nextSeq,
		Timestamp: ts.Round(0).UTC(),
		Type:      e.Type,
		Agent:     e.Agent,
		Subject:   e.Subject,
		Action:    e.Action,
		Status:    status,
		Metadata:  portable(e.Metadata),
	}
	l.insert(ev)
	l.mu.Unlock()

	metrics.Inc(context.Background(), l.metrics.AuditEvents, "event_type", string(ev.Type))
	l.handOff(purged, "capacity")
	return ev.Copy()
}

// Import appends previously exported events, keeping their ids, sequence
// numbers and timestamps. Events whose id is already present are rejected and
// nothing is imported.
func (l *Log) Import(events []Event) error {
	l.mu.Lock()
	seen := make(map[string]struct{}, len(events))
	for i, ev := range events {
		if ev.ID == "" {
			l.mu.Unlock()
			return fmt.Errorf("event %d has no id", i)
		}
		if _, ok := l.index[ev.ID]; ok {
			l.mu.Unlock()
			return fmt.Errorf("event %s already in log", ev.ID)
		}
		if _, ok := seen[ev.ID]; ok {
			l.mu.Unlock()
			return fmt.Errorf("event %s appears twice in import", ev.ID)
		}
		seen[ev.ID] = struct{}{}
	}

	var purged []Event
	for _, ev := range events {
		if len(l.events) >= l.capacity {
			purged = append(purged, l.removeOldest(l.trimCount())...)
		}
		ev = ev.Copy()
		ev.Timestamp = ev.Timestamp.Round(0).UTC()
		ev.Metadata = portable(ev.Metadata)
		if ev.Seq > l.nextSeq {
			l.nextSeq = ev.Seq
		}
		l.insert(ev)
	}
	l.mu.Unlock()

	l.handOff(purged, "capacity")
	return nil
}

// Trim removes the oldest n events and returns how many were removed.
func (l *Log) Trim(n int) int {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	purged := l.removeOldest(n)
	l.mu.Unlock()

	l.handOff(purged, "retention")
	return len(purged)
}

// TrimBefore removes every event strictly older than cutoff.
func (l *Log) TrimBefore(cutoff time.Time) int {
	l.mu.Lock()
	n := sort.Search(len(l.events), func(i int) bool {
		return !l.events[i].Timestamp.Before(cutoff)
	})
	purged := l.removeOldest(n)
	l.mu.Unlock()

	l.handOff(purged, "retention")
	return len(purged)
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Capacity returns the maximum number of retained events.
func (l *Log) Capacity() int {
	return l.capacity
}

// Purged returns how many events have been removed by trims since creation.
func (l *Log) Purged() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.purged
}

func (l *Log) trimCount() int {
	n := int(math.Ceil(float64(l.capacity) * l.trimFraction))
	if n < 1 {
		n = 1
	}
	return n
}

// insert places ev in (timestamp, seq) order. Callers hold l.mu.
func (l *Log) insert(ev Event) {
	l.index[ev.ID] = struct{}{}
	n := len(l.events)
	if n == 0 || !less(ev, l.events[n-1]) {
		l.events = append(l.events, ev)
		return
	}
	i := sort.Search(n, func(i int) bool { return less(ev, l.events[i]) })
	l.events = append(l.events, Event{})
	copy(l.events[i+1:], l.events[i:])
	l.events[i] = ev
}

// removeOldest drops up to n events from the front. Callers hold l.mu.
func (l *Log) removeOldest(n int) []Event {
	if n > len(l.events) {
		n = len(l.events)
	}
	if n <= 0 {
		return nil
	}
	purged := make([]Event, n)
	copy(purged, l.events[:n])
	for _, ev := range purged {
		delete(l.index, ev.ID)
	}
	l.events = append(l.events[:0:0], l.events[n:]...)
	l.purged += uint64(n)
	return purged
}

func (l *Log) handOff(purged []Event, reason string) {
	if len(purged) == 0 {
		return
	}
	ctx := context.Background()
	metrics.Add(ctx, l.metrics.AuditTrimmed, int64(len(purged)), "reason", reason)
	l.logger.Debug().Int("count", len(purged)).Str("reason", reason).Msg("Trimmed audit events")

	if l.archive == nil {
		return
	}
	if err := l.archive.Store(ctx, purged); err != nil {
		l.logger.Error().Err(err).Int("count", len(purged)).Msg("Failed to archive trimmed audit events")
	}
}

func less(a, b Event) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.Seq < b.Seq
	}
	return a.Timestamp.Before(b.Timestamp)
}
