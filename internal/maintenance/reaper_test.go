package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New("whenever", zerolog.Nop())
	assert.ErrorContains(t, err, "invalid schedule")
}

func TestRunOnce(t *testing.T) {
	r, err := New("@every 1m", zerolog.Nop())
	require.NoError(t, err)

	var order []string
	r.Add("contexts", func(ctx context.Context) (int, error) {
		order = append(order, "contexts")
		return 2, nil
	})
	r.Add("broken", func(ctx context.Context) (int, error) {
		order = append(order, "broken")
		return 0, errors.New("redis unavailable")
	})
	r.Add("messages", func(ctx context.Context) (int, error) {
		order = append(order, "messages")
		return 3, nil
	})

	removed := r.RunOnce(context.Background())
	assert.Equal(t, []string{"contexts", "broken", "messages"}, order, "a failing job does not stop the others")
	assert.Equal(t, map[string]int{"contexts": 2, "messages": 3}, removed)

	r.RunOnce(context.Background())
	runs, totals := r.Stats()
	assert.Equal(t, 2, runs)
	assert.Equal(t, map[string]int{"contexts": 4, "messages": 6}, totals)
	assert.Equal(t, []string{"broken", "contexts", "messages"}, r.Jobs())
}

func TestRunOnce_CancelledContext(t *testing.T) {
	r, err := New("@hourly", zerolog.Nop())
	require.NoError(t, err)
	called := false
	r.Add("contexts", func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, r.RunOnce(ctx))
	assert.False(t, called)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	r, err := New("@every 1s", zerolog.Nop())
	require.NoError(t, err)

	var calls atomic.Int32
	r.Add("contexts", func(ctx context.Context) (int, error) {
		calls.Add(1)
		return 1, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
