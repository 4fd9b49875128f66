package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/agent"
	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/protocol"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	bus   *Bus
	log   *audit.Log
	clock *fakeClock
}

func setupBus(t *testing.T, opts ...Option) fixture {
	registry, err := agent.NewRegistry(
		agent.Agent{Name: "pm", Role: "product_manager"},
		agent.Agent{Name: "dev", Role: "developer"},
		agent.Agent{Name: "qa", Role: "qa"},
	)
	require.NoError(t, err)

	clock := newFakeClock()
	log := audit.NewLog()
	backend := NewMemoryBackend()
	opts = append([]Option{WithRecorder(log), WithClock(clock.Now)}, opts...)
	b := New(backend, registry, opts...)
	t.Cleanup(func() { b.Close() })

	return fixture{bus: b, log: log, clock: clock}
}

func TestSendAndReceive(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	in := protocol.NewTaskRequest("pm", "dev", "T1", "build the login API")
	id, err := f.bus.Send(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, in.ID, "the caller's message is not modified")

	pending, err := f.bus.Pending(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	got, err := f.bus.Receive(ctx, "dev", 0)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, f.clock.Now(), got.CreatedAt)
	assert.Equal(t, "T1", got.Payload["task_id"])

	_, err = f.bus.Receive(ctx, "dev", 0)
	assert.True(t, IsEmpty(err), "a message is consumed at most once")

	sent := f.log.ByType(audit.EventMessageSent, 0)
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].Subject)
	received := f.log.ByType(audit.EventMessageReceived, 0)
	require.Len(t, received, 1)
	assert.Equal(t, "dev", received[0].Agent)
}

func TestSendRejectsInvalidMessages(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		msg   *protocol.Message
		field string
	}{
		{"unknown recipient", &protocol.Message{From: "pm", To: "ghost", Type: protocol.TypeAck, Priority: protocol.PriorityNormal}, "to"},
		{"unknown type", &protocol.Message{From: "pm", To: "dev", Type: "gossip", Priority: protocol.PriorityNormal}, "type"},
		{"unknown priority", &protocol.Message{From: "pm", To: "dev", Type: protocol.TypeAck, Priority: "asap"}, "priority"},
		{"negative ttl", &protocol.Message{From: "pm", To: "dev", Type: protocol.TypeAck, Priority: protocol.PriorityNormal, TTL: -time.Second}, "ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bus.Send(ctx, tt.msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

			var invalid *protocol.InvalidMessageError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}

	pending, err := f.bus.Pending(ctx, "dev")
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Len(t, f.log.ByType(audit.EventMessageFailed, 0), len(tests))
}

func TestPriorityOrderingThroughBus(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	send := func(subject string, p protocol.Priority) {
		_, err := f.bus.Send(ctx, &protocol.Message{From: "pm", To: "dev", Type: protocol.TypeTaskUpdate, Subject: subject, Priority: p})
		require.NoError(t, err)
	}
	send("first normal", protocol.PriorityNormal)
	send("low", protocol.PriorityLow)
	send("second normal", protocol.PriorityNormal)
	send("urgent", protocol.PriorityUrgent)

	var subjects []string
	for i := 0; i < 4; i++ {
		m, err := f.bus.Receive(ctx, "dev", 0)
		require.NoError(t, err)
		subjects = append(subjects, m.Subject)
	}
	assert.Equal(t, []string{"urgent", "first normal", "second normal", "low"}, subjects)
}

// A message sent with a one second TTL and received two seconds later is
// dropped, not delivered.
func TestExpiredMessageNotDelivered(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	m := protocol.NewTaskRequest("pm", "dev", "T1", "quick one")
	m.TTL = time.Second
	id, err := f.bus.Send(ctx, m)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)

	got, err := f.bus.Receive(ctx, "dev", 0)
	assert.Nil(t, got)
	assert.True(t, IsEmpty(err))

	expired := f.log.ByType(audit.EventMessageExpired, 0)
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].Subject)
	assert.Empty(t, f.log.ByType(audit.EventMessageReceived, 0))
}

func TestTTLBoundary(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	m := protocol.NewTaskRequest("pm", "dev", "T1", "edge")
	m.TTL = time.Second
	_, err := f.bus.Send(ctx, m)
	require.NoError(t, err)

	f.clock.Advance(999 * time.Millisecond)
	got, err := f.bus.Receive(ctx, "dev", 0)
	require.NoError(t, err, "still deliverable before the TTL elapses")
	assert.NotNil(t, got)

	_, err = f.bus.Send(ctx, m)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.bus.Receive(ctx, "dev", 0)
	assert.True(t, IsEmpty(err), "expired once the TTL has elapsed")
}

func TestDefaultTTL(t *testing.T) {
	f := setupBus(t, WithDefaultTTL(time.Minute))
	ctx := context.Background()

	_, err := f.bus.Send(ctx, protocol.NewHandoff("pm", "dev", "T1 handoff", protocol.Payload{"task_id": "T1"}))
	require.NoError(t, err)
	got, err := f.bus.Receive(ctx, "dev", 0)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.TTL)
}

func TestBroadcast(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	m := &protocol.Message{From: "pm", Type: protocol.TypeBroadcast, Subject: "standup", Priority: protocol.PriorityNormal}

	t.Run("rejects unknown recipient without delivering", func(t *testing.T) {
		_, err := f.bus.Broadcast(ctx, m, []string{"dev", "ghost"})
		require.Error(t, err)
		assert.ErrorIs(t, err, protocol.ErrInvalidMessage)

		n, err := f.bus.Pending(ctx, "dev")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("copies share a broadcast id", func(t *testing.T) {
		ids, err := f.bus.Broadcast(ctx, m, []string{"dev", "qa", "dev"})
		require.NoError(t, err)
		require.Len(t, ids, 2)
		assert.NotEqual(t, ids[0], ids[1])

		devMsg, err := f.bus.Receive(ctx, "dev", 0)
		require.NoError(t, err)
		qaMsg, err := f.bus.Receive(ctx, "qa", 0)
		require.NoError(t, err)

		assert.Equal(t, devMsg.BroadcastID, qaMsg.BroadcastID)
		assert.Equal(t, "dev", devMsg.To)
		assert.Equal(t, "qa", qaMsg.To)

		trail := f.log.ForSubject(devMsg.BroadcastID)
		require.Len(t, trail, 1)
		assert.Equal(t, audit.EventMessageSent, trail[0].Type)
	})

	t.Run("send to star reaches everyone but the sender", func(t *testing.T) {
		star := m.Copy()
		star.To = protocol.Broadcast
		broadcastID, err := f.bus.Send(ctx, star)
		require.NoError(t, err)

		for _, name := range []string{"dev", "qa"} {
			got, err := f.bus.Receive(ctx, name, 0)
			require.NoError(t, err)
			assert.Equal(t, broadcastID, got.BroadcastID)
		}
		n, err := f.bus.Pending(ctx, "pm")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestReceiveBlocksUntilArrival(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	done := make(chan *protocol.Message, 1)
	go func() {
		m, err := f.bus.Receive(ctx, "qa", 2*time.Second)
		if err != nil {
			close(done)
			return
		}
		done <- m
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := f.bus.Send(ctx, protocol.NewFeedbackRequest("dev", "qa", "review PR", []string{"approve", "reject"}))
	require.NoError(t, err)

	select {
	case m := <-done:
		require.NotNil(t, m)
		assert.Equal(t, protocol.TypeFeedbackRequest, m.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("receive did not return")
	}
}

func TestReceiveCancellation(t *testing.T) {
	f := setupBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.bus.Receive(ctx, "qa", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveUnknownAgent(t *testing.T) {
	f := setupBus(t)
	_, err := f.bus.Receive(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}

func TestPurgeExpired(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	short := protocol.NewTaskRequest("pm", "dev", "T1", "short")
	short.TTL = time.Second
	long := protocol.NewTaskRequest("pm", "qa", "T2", "long")
	long.TTL = time.Hour
	_, err := f.bus.Send(ctx, short)
	require.NoError(t, err)
	_, err = f.bus.Send(ctx, long)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	n, err := f.bus.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := f.bus.Pending(ctx, "dev")
	require.NoError(t, err)
	assert.Zero(t, pending)
	pending, err = f.bus.Pending(ctx, "qa")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Len(t, f.log.ByType(audit.EventMessageExpired, 0), 1)
}

func TestPayloadSchema(t *testing.T) {
	f := setupBus(t)
	ctx := context.Background()

	require.NoError(t, f.bus.Validator().RegisterSchema(protocol.TypeTaskRequest, []byte(`{
		"type": "object",
		"required": ["task_id"],
		"properties": {"task_id": {"type": "string"}}
	}`)))

	_, err := f.bus.Send(ctx, protocol.NewTaskRequest("pm", "dev", "T1", "ok"))
	assert.NoError(t, err)

	bad := &protocol.Message{From: "pm", To: "dev", Type: protocol.TypeTaskRequest, Priority: protocol.PriorityHigh, Payload: protocol.Payload{"task_id": 7}}
	_, err = f.bus.Send(ctx, bad)
	assert.ErrorIs(t, err, protocol.ErrInvalidMessage)
}
