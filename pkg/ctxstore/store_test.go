package ctxstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/agent"
	"github.com/dyluth/warren/pkg/audit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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
	store *Store
	log   *audit.Log
	clock *fakeClock
}

func setupStore(t *testing.T, opts ...Option) fixture {
	t.Helper()
	registry, err := agent.NewRegistry(
		agent.Agent{Name: "pm", Role: "product_manager"},
		agent.Agent{Name: "dev1", Role: "developer"},
		agent.Agent{Name: "dev2", Role: "developer"},
		agent.Agent{Name: "qa", Role: "qa"},
	)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	log := audit.NewLog()
	opts = append([]Option{WithRoles(registry), WithRecorder(log), WithClock(clock.Now)}, opts...)
	return fixture{store: New(opts...), log: log, clock: clock}
}

func mustCreate(t *testing.T, s *Store, req CreateRequest) *Context {
	t.Helper()
	c, err := s.Create(req)
	require.NoError(t, err)
	return c
}

func TestCreate(t *testing.T) {
	f := setupStore(t)

	c := mustCreate(t, f.store, CreateRequest{
		Type:  TypeDesign,
		Owner: "dev1",
		Data:  map[string]any{"api": "v1"},
		Tags:  []string{"auth"},
	})
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, AccessTeam, c.AccessLevel, "team is the default access level")
	assert.Equal(t, f.clock.Now(), c.CreatedAt)

	subs, err := f.store.Subscribers(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev1"}, subs)

	t.Run("duplicate id", func(t *testing.T) {
		mustCreate(t, f.store, CreateRequest{ID: "ctx-1", Type: TypeTask, Owner: "pm"})
		_, err := f.store.Create(CreateRequest{ID: "ctx-1", Type: TypeTask, Owner: "pm"})
		var dup *DuplicateContextError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "ctx-1", dup.ID)
	})

	t.Run("invalid requests", func(t *testing.T) {
		tests := []struct {
			name  string
			req   CreateRequest
			field string
		}{
			{"missing owner", CreateRequest{Type: TypeTask}, "owner"},
			{"bad type", CreateRequest{Type: "memo", Owner: "pm"}, "type"},
			{"bad access level", CreateRequest{Type: TypeTask, Owner: "pm", AccessLevel: "secret"}, "access_level"},
			{"negative ttl", CreateRequest{Type: TypeTask, Owner: "pm", TTL: -time.Second}, "ttl"},
			{"unresolvable role", CreateRequest{Type: TypeTask, Owner: "stranger", AccessLevel: AccessRole}, "role"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.store.Create(tt.req)
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
				assert.ErrorIs(t, err, ErrValidation)
			})
		}
	})

	t.Run("role defaults to owner role", func(t *testing.T) {
		c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "dev1", AccessLevel: AccessRole})
		assert.Equal(t, "developer", c.Role)
	})
}

func TestAccessMatrix(t *testing.T) {
	tests := []struct {
		level AccessLevel
		dev2  bool
		qa    bool
	}{
		{AccessPrivate, false, false},
		{AccessRole, true, false},
		{AccessTeam, false, false},
		{AccessPublic, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			f := setupStore(t)
			c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "dev1", AccessLevel: tt.level})

			_, err := f.store.Get(c.ID, "dev1")
			assert.NoError(t, err, "owner can always read")

			_, err = f.store.Get(c.ID, "dev2")
			assert.Equal(t, tt.dev2, err == nil, "dev2 read access")
			_, err = f.store.Get(c.ID, "qa")
			assert.Equal(t, tt.qa, err == nil, "qa read access")
			if !tt.qa {
				var denied *AccessDeniedError
				require.ErrorAs(t, err, &denied)
				assert.Equal(t, "qa", denied.Agent)
				assert.Equal(t, tt.level, denied.Level)
			}

			require.NoError(t, f.store.Share(c.ID, "dev1", []string{"qa"}, PermRead))
			_, err = f.store.Get(c.ID, "qa")
			assert.NoError(t, err, "explicit grant permits read at every level")

			_, err = f.store.Update(c.ID, "qa", map[string]any{"x": 1})
			assert.ErrorIs(t, err, ErrAccessDenied, "read grant does not permit write")
		})
	}
}

func TestTTLBoundary(t *testing.T) {
	f := setupStore(t)
	c := mustCreate(t, f.store, CreateRequest{Type: TypeTask, Owner: "pm", TTL: time.Minute})

	f.clock.Advance(time.Minute)
	_, err := f.store.Get(c.ID, "pm")
	require.NoError(t, err, "context is still valid at exactly created+ttl")

	f.clock.Advance(time.Nanosecond)
	_, err = f.store.Get(c.ID, "pm")
	var expired *ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, c.CreatedAt.Add(time.Minute), expired.ExpiredAt)

	_, err = f.store.Update(c.ID, "pm", map[string]any{"late": true})
	assert.ErrorIs(t, err, ErrExpired)
	_, err = f.store.History(c.ID, "pm", 0)
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, f.store.Share(c.ID, "pm", []string{"qa"}, PermRead), ErrExpired)

	t.Run("unauthorized agents see access denied, not expiry", func(t *testing.T) {
		_, err := f.store.Get(c.ID, "qa")
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("expired contexts are hidden from find", func(t *testing.T) {
		assert.Empty(t, f.store.Find("pm", Filter{}))
	})
}

func TestUpdateAndHistory(t *testing.T) {
	f := setupStore(t)
	c := mustCreate(t, f.store, CreateRequest{
		Type:  TypeDesign,
		Owner: "dev1",
		Data:  map[string]any{"api": "v1", "draft": true},
	})
	require.NoError(t, f.store.Share(c.ID, "dev1", []string{"dev2"}, PermWrite))

	v, err := f.store.Update(c.ID, "dev1", map[string]any{"api": "v2"})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = f.store.Update(c.ID, "dev2", map[string]any{"draft": nil, "owner_notes": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	got, err := f.store.Get(c.ID, "dev2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"api": "v2", "owner_notes": []any{"a", "b"}}, got.Data)
	assert.Equal(t, 3, got.Version)

	hist, err := f.store.History(c.ID, "dev1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{hist[0].Version, hist[1].Version, hist[2].Version})
	assert.Equal(t, "v1", hist[0].Data["api"], "earlier versions are retained")
	assert.Equal(t, "dev2", hist[2].Agent)
	assert.Contains(t, hist[2].Patch, "draft")
	assert.Nil(t, hist[2].Patch["draft"])

	last, err := f.store.History(c.ID, "dev1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, 3, last[0].Version)

	t.Run("snapshots are isolated", func(t *testing.T) {
		got.Data["api"] = "tampered"
		hist[0].Data["api"] = "tampered"
		fresh, err := f.store.Get(c.ID, "dev1")
		require.NoError(t, err)
		assert.Equal(t, "v2", fresh.Data["api"])
		again, err := f.store.History(c.ID, "dev1", 0)
		require.NoError(t, err)
		assert.Equal(t, "v1", again[0].Data["api"])
	})
}

func TestHistoryLimit(t *testing.T) {
	f := setupStore(t, WithHistoryLimit(2))
	c := mustCreate(t, f.store, CreateRequest{Type: TypeTask, Owner: "pm"})
	for i := 0; i < 5; i++ {
		_, err := f.store.Update(c.ID, "pm", map[string]any{"n": i})
		require.NoError(t, err)
	}
	hist, err := f.store.History(c.ID, "pm", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 5, hist[0].Version)
	assert.Equal(t, 6, hist[1].Version)
}

func TestConcurrentUpdates(t *testing.T) {
	f := setupStore(t)
	c := mustCreate(t, f.store, CreateRequest{Type: TypeSprint, Owner: "pm"})

	const writers = 20
	var wg sync.WaitGroup
	versions := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.store.Update(c.ID, "pm", map[string]any{fmt.Sprintf("k%d", i): i})
			assert.NoError(t, err)
			versions <- v
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	got, err := f.store.Get(c.ID, "pm")
	require.NoError(t, err)
	assert.Equal(t, writers+1, got.Version)
	assert.Len(t, got.Data, writers)
}

func TestShareRules(t *testing.T) {
	f := setupStore(t)

	t.Run("non-owner cannot share private context", func(t *testing.T) {
		c := mustCreate(t, f.store, CreateRequest{Type: TypeDecision, Owner: "pm", AccessLevel: AccessPrivate})
		require.NoError(t, f.store.Share(c.ID, "pm", []string{"dev1"}, PermWrite))
		err := f.store.Share(c.ID, "dev1", []string{"qa"}, PermRead)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("reader may reshare but not grant write", func(t *testing.T) {
		c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "pm", AccessLevel: AccessPublic})
		require.NoError(t, f.store.Share(c.ID, "qa", []string{"dev1"}, PermRead))
		err := f.store.Share(c.ID, "qa", []string{"dev2"}, PermWrite)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("write grant is not downgraded", func(t *testing.T) {
		c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "pm"})
		require.NoError(t, f.store.Share(c.ID, "pm", []string{"dev1"}, PermWrite))
		require.NoError(t, f.store.Share(c.ID, "pm", []string{"dev1"}, PermRead))
		got, err := f.store.Get(c.ID, "pm")
		require.NoError(t, err)
		assert.Equal(t, PermWrite, got.Grants["dev1"])
	})

	t.Run("share subscribes recipients", func(t *testing.T) {
		c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "pm"})
		require.NoError(t, f.store.Share(c.ID, "pm", []string{"qa", "dev2"}, ""))
		subs, err := f.store.Subscribers(c.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"dev2", "pm", "qa"}, subs)
	})

	t.Run("invalid share requests", func(t *testing.T) {
		c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "pm"})
		assert.ErrorIs(t, f.store.Share(c.ID, "pm", nil, PermRead), ErrValidation)
		assert.ErrorIs(t, f.store.Share(c.ID, "pm", []string{"ghost"}, PermRead), ErrValidation)
		assert.ErrorIs(t, f.store.Share(c.ID, "pm", []string{"qa"}, "admin"), ErrValidation)
		assert.ErrorIs(t, f.store.Share("missing", "pm", []string{"qa"}, PermRead), ErrNotFound)
	})
}

func TestRevoke(t *testing.T) {
	f := setupStore(t)
	c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "pm"})
	require.NoError(t, f.store.Share(c.ID, "pm", []string{"qa"}, PermWrite))

	assert.ErrorIs(t, f.store.Revoke(c.ID, "qa", []string{"qa"}), ErrAccessDenied, "only the owner may revoke")

	require.NoError(t, f.store.Revoke(c.ID, "pm", []string{"qa"}))
	_, err := f.store.Get(c.ID, "qa")
	assert.ErrorIs(t, err, ErrAccessDenied)
	subs, err := f.store.Subscribers(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"pm"}, subs)
}

func TestRevokeExpiredContext(t *testing.T) {
	f := setupStore(t)
	c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "pm", TTL: time.Minute})
	require.NoError(t, f.store.Share(c.ID, "pm", []string{"qa"}, PermRead))

	f.clock.Advance(time.Minute + time.Nanosecond)
	err := f.store.Revoke(c.ID, "pm", []string{"qa"})
	var expired *ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, c.CreatedAt.Add(time.Minute), expired.ExpiredAt)
	assert.Empty(t, f.log.ByType(audit.EventContextRevoked, 0))
}

func TestFindLinkRelated(t *testing.T) {
	f := setupStore(t)
	design := mustCreate(t, f.store, CreateRequest{ID: "design", Type: TypeDesign, Owner: "dev1", AccessLevel: AccessPublic, Tags: []string{"auth", "api"}})
	f.clock.Advance(time.Second)
	task := mustCreate(t, f.store, CreateRequest{ID: "task", Type: TypeTask, Owner: "dev1", AccessLevel: AccessPublic, Tags: []string{"auth"}})
	f.clock.Advance(time.Second)
	secret := mustCreate(t, f.store, CreateRequest{ID: "secret", Type: TypeDecision, Owner: "dev1", AccessLevel: AccessPrivate, Tags: []string{"auth"}})

	t.Run("find filters by visibility, type and tags", func(t *testing.T) {
		ids := func(cs []*Context) []string {
			out := []string{}
			for _, c := range cs {
				out = append(out, c.ID)
			}
			return out
		}
		assert.Equal(t, []string{"design", "task"}, ids(f.store.Find("qa", Filter{Tags: []string{"auth"}})))
		assert.Equal(t, []string{"design", "task", "secret"}, ids(f.store.Find("dev1", Filter{Tags: []string{"auth"}})))
		assert.Equal(t, []string{"task"}, ids(f.store.Find("qa", Filter{Type: TypeTask})))
		assert.Equal(t, []string{"design"}, ids(f.store.Find("qa", Filter{Tags: []string{"api", "missing"}})))
		assert.Empty(t, f.store.Find("qa", Filter{Owner: "pm"}))
	})

	require.NoError(t, f.store.Link(design.ID, task.ID, "dev1"))
	require.NoError(t, f.store.Link(design.ID, secret.ID, "dev1"))
	require.NoError(t, f.store.Link(task.ID, design.ID, "dev1"), "relinking is a no-op")

	t.Run("links are bidirectional and one hop", func(t *testing.T) {
		related, err := f.store.Related(task.ID, "dev1")
		require.NoError(t, err)
		require.Len(t, related, 1)
		assert.Equal(t, "design", related[0].ID)

		related, err = f.store.Related(design.ID, "dev1")
		require.NoError(t, err)
		assert.Len(t, related, 2)
	})

	t.Run("related hides contexts the requester cannot read", func(t *testing.T) {
		related, err := f.store.Related(design.ID, "qa")
		require.NoError(t, err)
		require.Len(t, related, 1)
		assert.Equal(t, "task", related[0].ID)
	})

	t.Run("link validation", func(t *testing.T) {
		assert.ErrorIs(t, f.store.Link(task.ID, task.ID, "dev1"), ErrValidation)
		assert.ErrorIs(t, f.store.Link(task.ID, secret.ID, "qa"), ErrAccessDenied)
		assert.ErrorIs(t, f.store.Link(task.ID, "missing", "dev1"), ErrNotFound)
	})

	t.Run("delete strips back-links", func(t *testing.T) {
		assert.ErrorIs(t, f.store.Delete(secret.ID, "qa"), ErrAccessDenied)
		require.NoError(t, f.store.Delete(secret.ID, "dev1"))
		got, err := f.store.Get(design.ID, "dev1")
		require.NoError(t, err)
		assert.Equal(t, []string{"task"}, got.Links)
		_, err = f.store.Get(secret.ID, "dev1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReclaim(t *testing.T) {
	f := setupStore(t)
	short := mustCreate(t, f.store, CreateRequest{Type: TypeTask, Owner: "pm", TTL: time.Minute})
	long := mustCreate(t, f.store, CreateRequest{Type: TypeTask, Owner: "pm", TTL: time.Hour})
	forever := mustCreate(t, f.store, CreateRequest{Type: TypeProject, Owner: "pm"})
	require.NoError(t, f.store.Link(short.ID, forever.ID, "pm"))

	assert.Equal(t, 0, f.store.Reclaim())

	f.clock.Advance(2 * time.Minute)
	stats := f.store.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Expired)

	assert.Equal(t, 1, f.store.Reclaim())
	assert.Equal(t, 2, f.store.Len())

	_, err := f.store.Get(short.ID, "pm")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.store.Get(long.ID, "pm")
	assert.NoError(t, err)

	got, err := f.store.Get(forever.ID, "pm")
	require.NoError(t, err)
	assert.Empty(t, got.Links)

	events := f.log.ByType(audit.EventContextExpired, 0)
	require.Len(t, events, 1)
	assert.Equal(t, short.ID, events[0].Subject)
}

func TestStats(t *testing.T) {
	f := setupStore(t)
	a := mustCreate(t, f.store, CreateRequest{Type: TypeTask, Owner: "pm"})
	mustCreate(t, f.store, CreateRequest{Type: TypeTask, Owner: "dev1", AccessLevel: AccessPublic})
	mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "dev1", AccessLevel: AccessRole})
	require.NoError(t, f.store.Share(a.ID, "pm", []string{"dev1"}, PermRead))

	stats := f.store.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[Type]int{TypeTask: 2, TypeDesign: 1}, stats.ByType)
	assert.Equal(t, map[AccessLevel]int{AccessTeam: 1, AccessPublic: 1, AccessRole: 1}, stats.ByAccessLevel)
	assert.Equal(t, map[string]int{"pm": 1, "dev1": 3}, stats.Subscriptions)
}

func TestNotifier(t *testing.T) {
	type notice struct {
		id      string
		version int
		by      string
		to      []string
	}
	var mu sync.Mutex
	var got []notice
	f := setupStore(t, WithNotifier(func(c *Context, updatedBy string, subscribers []string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, notice{c.ID, c.Version, updatedBy, subscribers})
	}))

	c := mustCreate(t, f.store, CreateRequest{ID: "sprint", Type: TypeSprint, Owner: "pm"})
	_, err := f.store.Update(c.ID, "pm", map[string]any{"goal": "ship"})
	require.NoError(t, err)
	assert.Empty(t, got, "the updater is not notified of its own change")

	require.NoError(t, f.store.Share(c.ID, "pm", []string{"dev1", "qa"}, PermWrite))
	require.NoError(t, f.store.Unsubscribe(c.ID, "qa"))
	_, err = f.store.Update(c.ID, "dev1", map[string]any{"goal": "ship v2"})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, notice{"sprint", 3, "dev1", []string{"pm"}}, got[0])

	t.Run("subscribe requires read access", func(t *testing.T) {
		assert.ErrorIs(t, f.store.Subscribe(c.ID, "dev2"), ErrAccessDenied)
		assert.NoError(t, f.store.Subscribe(c.ID, "qa"))
	})
}

func TestAuditTrail(t *testing.T) {
	f := setupStore(t)
	c := mustCreate(t, f.store, CreateRequest{Type: TypeDesign, Owner: "dev1"})
	_, err := f.store.Update(c.ID, "dev1", map[string]any{"api": "v2"})
	require.NoError(t, err)
	_, err = f.store.Get(c.ID, "qa")
	require.Error(t, err)

	events := f.log.ForSubject(c.ID)
	var types []audit.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []audit.EventType{
		audit.EventContextCreated,
		audit.EventContextUpdated,
		audit.EventContextAccessed,
	}, types)

	denied := events[2]
	assert.Equal(t, audit.StatusFailure, denied.Status)
	assert.Equal(t, "qa", denied.Agent)

	assert.True(t, errors.Is(err, ErrAccessDenied))
}
