package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopInstrumentsCreated(t *testing.T) {
	m := Nop()
	assert.NotNil(t, m.MessagesSent)
	assert.NotNil(t, m.ReceiveWait)
	assert.NotNil(t, m.AuditTrimmed)

	// Recording on the noop meter must not panic.
	Inc(context.Background(), m.MessagesSent, "type", "ack")
}

func TestCollectorTotals(t *testing.T) {
	ctx := context.Background()
	c, err := NewCollector()
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(ctx) })

	Inc(ctx, c.MessagesSent, "type", "task_request")
	Inc(ctx, c.MessagesSent, "type", "ack")
	Add(ctx, c.AuditTrimmed, 5)
	Add(ctx, c.AuditTrimmed, 0)
	c.ReceiveWait.Record(ctx, 0.25)

	totals, err := c.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, totals["warren.bus.messages.sent"])
	assert.Equal(t, 5.0, totals["warren.audit.trimmed"])
	assert.Equal(t, 1.0, totals["warren.bus.receive.wait"])
	_, ok := totals["warren.conflicts.votes"]
	assert.False(t, ok, "unused counters report no data points")
}
