// Package metrics holds the OpenTelemetry instruments recorded by the Warren core.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Metrics holds all Warren metric instruments.
type Metrics struct {
	MessagesSent      metric.Int64Counter
	MessagesDelivered metric.Int64Counter
	MessagesExpired   metric.Int64Counter
	ReceiveWait       metric.Float64Histogram

	TaskTransitions metric.Int64Counter
	CyclesRejected  metric.Int64Counter

	ContextMutations  metric.Int64Counter
	AccessDenied      metric.Int64Counter
	ContextsReclaimed metric.Int64Counter

	VotesCast          metric.Int64Counter
	ConflictsResolved  metric.Int64Counter
	ConflictsEscalated metric.Int64Counter

	AuditEvents  metric.Int64Counter
	AuditTrimmed metric.Int64Counter
}

// New creates all metric instruments from the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.MessagesSent, "warren.bus.messages.sent", "Messages accepted into an inbox"},
		{&m.MessagesDelivered, "warren.bus.messages.delivered", "Messages handed to a receiving agent"},
		{&m.MessagesExpired, "warren.bus.messages.expired", "Messages dropped because their TTL elapsed"},
		{&m.TaskTransitions, "warren.tracker.transitions", "Task status transitions"},
		{&m.CyclesRejected, "warren.tracker.cycles_rejected", "Dependencies rejected because they would close a cycle"},
		{&m.ContextMutations, "warren.contexts.mutations", "Shared context creations and updates"},
		{&m.AccessDenied, "warren.contexts.access_denied", "Context operations refused by access control"},
		{&m.ContextsReclaimed, "warren.contexts.reclaimed", "Expired contexts removed from the store"},
		{&m.VotesCast, "warren.conflicts.votes", "Votes cast on open conflicts"},
		{&m.ConflictsResolved, "warren.conflicts.resolved", "Conflicts resolved by a strategy"},
		{&m.ConflictsEscalated, "warren.conflicts.escalated", "Conflicts escalated for manual intervention"},
		{&m.AuditEvents, "warren.audit.events", "Audit events appended"},
		{&m.AuditTrimmed, "warren.audit.trimmed", "Audit events purged by capacity or retention trims"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
	}

	m.ReceiveWait, err = meter.Float64Histogram("warren.bus.receive.wait",
		metric.WithDescription("Time an agent spent blocked in receive"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	return m, nil
}

// Nop returns instruments backed by a no-op meter.
func Nop() *Metrics {
	m, err := New(noop.NewMeterProvider().Meter("warren"))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}

// Inc adds one to a counter with optional string attributes given as key/value pairs.
func Inc(ctx context.Context, c metric.Int64Counter, kv ...string) {
	Add(ctx, c, 1, kv...)
}

// Add adds n to a counter with optional string attributes given as key/value pairs.
func Add(ctx context.Context, c metric.Int64Counter, n int64, kv ...string) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs(kv)...))
}

func attrs(kv []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return out
}

// Collector pairs a set of instruments with an in-process reader so callers
// (the CLI, tests) can read totals back without an exporter.
type Collector struct {
	*Metrics
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewCollector creates instruments backed by an SDK meter provider with a manual reader.
func NewCollector() (*Collector, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := New(provider.Meter("github.com/dyluth/warren"))
	if err != nil {
		return nil, err
	}
	return &Collector{Metrics: m, reader: reader, provider: provider}, nil
}

// Totals returns the summed value of every counter, keyed by instrument name.
// Histograms report their observation count.
func (c *Collector) Totals(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}

	totals := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch data := md.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					totals[md.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					totals[md.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					totals[md.Name] += float64(dp.Count)
				}
			}
		}
	}
	return totals, nil
}

// Shutdown releases the meter provider.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}
