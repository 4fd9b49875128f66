// Package testutil builds isolated coordination cores for tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/internal/clock"
	"github.com/dyluth/warren/pkg/audit"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/coord"
	"github.com/dyluth/warren/pkg/protocol"
)

// Epoch is the start time of every test clock.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// CoreEnvironment is an isolated core with its config directory and clock.
type CoreEnvironment struct {
	T      *testing.T
	Ctx    context.Context
	Dir    string
	Core   *coord.Core
	Clock  *clock.Virtual
	Redis  *miniredis.Miniredis // Set for the networked backend
	Config string               // Path of the warren.yml in use
}

// SetupCore writes warrenYML to a temp directory and opens a core from it.
// A networked config is served by an in-process miniredis. The core is
// closed when the test ends.
func SetupCore(t *testing.T, warrenYML string, opts ...coord.Option) *CoreEnvironment {
	t.Helper()
	return SetupCoreWithFiles(t, warrenYML, nil, opts...)
}

// SetupCoreWithFiles is SetupCore with extra files, such as payload schemas,
// written next to warren.yml first.
func SetupCoreWithFiles(t *testing.T, warrenYML string, files map[string]string, opts ...coord.Option) *CoreEnvironment {
	t.Helper()

	env := &CoreEnvironment{
		T:     t,
		Ctx:   context.Background(),
		Dir:   t.TempDir(),
		Clock: clock.NewVirtual(Epoch),
	}
	for name, content := range files {
		WriteFile(t, env.Dir, name, content)
	}
	env.Config = WriteFile(t, env.Dir, "warren.yml", warrenYML)

	opts = append([]coord.Option{coord.WithClock(env.Clock.Now)}, opts...)
	env.Redis = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: env.Redis.Addr()})
	t.Cleanup(func() { rdb.Close() })
	opts = append(opts, coord.WithRedisClient(rdb))

	core, err := coord.Open(env.Ctx, env.Config, opts...)
	require.NoError(t, err, "Failed to open core")
	t.Cleanup(func() { core.Close() })
	env.Core = core
	return env
}

// WriteFile writes content to dir/name and returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "Failed to write %s", name)
	return path
}

// Client returns the client for a configured agent.
func (env *CoreEnvironment) Client(name string) *coord.Client {
	env.T.Helper()
	c, err := env.Core.Client(name)
	require.NoError(env.T, err)
	return c
}

// WaitForMessage receives from agent's inbox until a message of type msgType
// arrives, failing the test after a few seconds.
func (env *CoreEnvironment) WaitForMessage(agent string, msgType protocol.MessageType) *protocol.Message {
	env.T.Helper()
	c := env.Client(agent)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := c.Receive(env.Ctx, 100*time.Millisecond)
		if bus.IsEmpty(err) {
			continue
		}
		require.NoError(env.T, err)
		if msg.Type == msgType {
			return msg
		}
	}
	require.Fail(env.T, fmt.Sprintf("No %s message for %s within 3 seconds", msgType, agent))
	return nil
}

// Events flushes the audit recorder and returns the events matching filter.
func (env *CoreEnvironment) Events(filter audit.Filter) []audit.Event {
	env.T.Helper()
	require.NoError(env.T, env.Core.Flush(env.Ctx))
	return env.Core.Audit.Query(filter)
}

// DefaultWarrenYML returns a memory-backed config with a product manager,
// two developers and a QA agent.
func DefaultWarrenYML() string {
	return `version: "1.0"
default_ttl: 1h
agents:
  pm:
    role: product_manager
    rank: 3
  dev1:
    role: developer
    rank: 1
  dev2:
    role: developer
    rank: 1
  qa:
    role: qa
    rank: 2
`
}

// NetworkedWarrenYML returns DefaultWarrenYML with the Redis backend selected.
func NetworkedWarrenYML() string {
	return DefaultWarrenYML() + "backend: networked\nnamespace: test\n"
}
