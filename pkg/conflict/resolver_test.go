package conflict

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/warren/pkg/agent"
	"github.com/dyluth/warren/pkg/audit"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so every vote has a distinct cast time.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func twoOptions() []Option {
	return []Option{
		{ID: "opt1", Label: "REST", ProposedBy: "A", Pros: []string{"simple"}},
		{ID: "opt2", Label: "gRPC", ProposedBy: "C", Cons: []string{"tooling"}},
	}
}

func setupResolver(t *testing.T, opts ...Option) (*Resolver, *audit.Log) {
	t.Helper()
	log := audit.NewLog()
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithRecorder(log), WithClock(clock.Now)}, opts...)
	return New(opts...), log
}

func openWithVotes(t *testing.T, rs *Resolver, id string, agents []string, options []Option, votes [][2]string) {
	t.Helper()
	_, err := rs.Create(id, "pm", TypeDesign, agents, "API style", options)
	require.NoError(t, err)
	for _, v := range votes {
		require.NoError(t, rs.Vote(id, v[0], v[1]))
	}
}

func TestMajorityScenario(t *testing.T) {
	rs, _ := setupResolver(t)
	openWithVotes(t, rs, "C", []string{"A", "B", "C"}, twoOptions(),
		[][2]string{{"A", "opt1"}, {"B", "opt1"}, {"C", "opt2"}})

	res, err := rs.Resolve("C", StrategyMajority)
	require.NoError(t, err)
	assert.Equal(t, "opt1", res.OptionID)
	assert.Equal(t, StrategyMajority, res.Strategy)
	assert.Equal(t, map[string]float64{"opt1": 2, "opt2": 1}, res.Tally)

	c, err := rs.Get("C")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, c.Status)
}

func TestConsensusScenario(t *testing.T) {
	rs, _ := setupResolver(t)
	openWithVotes(t, rs, "C", []string{"A", "B"}, twoOptions(),
		[][2]string{{"A", "opt1"}, {"B", "opt2"}})

	_, err := rs.Resolve("C", StrategyConsensus)
	var nc *NoConsensusError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, map[string]int{"opt1": 1, "opt2": 1}, nc.Tally)
	assert.Empty(t, nc.Missing)

	c, err := rs.Get("C")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, c.Status, "a failed strategy leaves the conflict open")

	t.Run("consensus once votes agree", func(t *testing.T) {
		require.NoError(t, rs.Vote("C", "B", "opt1"))
		res, err := rs.Resolve("C", StrategyConsensus)
		require.NoError(t, err)
		assert.Equal(t, "opt1", res.OptionID)
	})

	t.Run("missing voters block consensus", func(t *testing.T) {
		openWithVotes(t, rs, "C2", []string{"A", "B", "D"}, twoOptions(),
			[][2]string{{"A", "opt1"}, {"B", "opt1"}})
		_, err := rs.Resolve("C2", StrategyConsensus)
		var nc *NoConsensusError
		require.ErrorAs(t, err, &nc)
		assert.Equal(t, []string{"D"}, nc.Missing)
	})
}

func TestStrategies(t *testing.T) {
	registry, err := agent.NewRegistry(
		agent.Agent{Name: "A", Role: "developer", Rank: 1},
		agent.Agent{Name: "B", Role: "developer", Rank: 1},
		agent.Agent{Name: "lead", Role: "project_leader", Rank: 5},
	)
	require.NoError(t, err)

	weighted := []Option{
		{ID: "opt1", Label: "cheap", Weight: 1},
		{ID: "opt2", Label: "safe", Weight: 3},
	}

	tests := []struct {
		name     string
		strategy Strategy
		agents   []string
		options  []Option
		votes    [][2]string
		want     string
	}{
		{
			name:     "majority tie goes to first declared option",
			strategy: StrategyMajority,
			agents:   []string{"A", "B"},
			options:  twoOptions(),
			votes:    [][2]string{{"A", "opt2"}, {"B", "opt1"}},
			want:     "opt1",
		},
		{
			name:     "priority follows the highest ranked voter",
			strategy: StrategyPriority,
			agents:   []string{"A", "B", "lead"},
			options:  twoOptions(),
			votes:    [][2]string{{"A", "opt1"}, {"B", "opt1"}, {"lead", "opt2"}},
			want:     "opt2",
		},
		{
			name:     "priority rank ties go to involved-agent order",
			strategy: StrategyPriority,
			agents:   []string{"B", "A"},
			options:  twoOptions(),
			votes:    [][2]string{{"A", "opt1"}, {"B", "opt2"}},
			want:     "opt2",
		},
		{
			name:     "weighted sums option weights",
			strategy: StrategyWeighted,
			agents:   []string{"A", "B", "lead"},
			options:  weighted,
			votes:    [][2]string{{"A", "opt1"}, {"B", "opt1"}, {"lead", "opt2"}},
			want:     "opt2",
		},
		{
			name:     "weighted without weights behaves like majority",
			strategy: StrategyWeighted,
			agents:   []string{"A", "B", "lead"},
			options:  twoOptions(),
			votes:    [][2]string{{"A", "opt1"}, {"B", "opt1"}, {"lead", "opt2"}},
			want:     "opt1",
		},
		{
			name:     "time follows the first cast vote",
			strategy: StrategyTime,
			agents:   []string{"A", "B", "lead"},
			options:  twoOptions(),
			votes:    [][2]string{{"lead", "opt2"}, {"A", "opt1"}, {"B", "opt1"}},
			want:     "opt2",
		},
		{
			name:     "random with one voted option is forced",
			strategy: StrategyRandom,
			agents:   []string{"A", "B"},
			options:  twoOptions(),
			votes:    [][2]string{{"A", "opt2"}},
			want:     "opt2",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, _ := setupResolver(t, WithRanks(registry), WithRand(rand.New(rand.NewPCG(1, 2))))
			id := fmt.Sprintf("c%d", i)
			openWithVotes(t, rs, id, tt.agents, tt.options, tt.votes)
			res, err := rs.Resolve(id, tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.OptionID)
		})
	}
}

func TestTimeBasedUsesRecast(t *testing.T) {
	rs, _ := setupResolver(t)
	openWithVotes(t, rs, "c", []string{"A", "B"}, twoOptions(),
		[][2]string{{"A", "opt1"}, {"B", "opt2"}, {"A", "opt2"}})

	res, err := rs.Resolve("c", StrategyTime)
	require.NoError(t, err)
	assert.Equal(t, "opt2", res.OptionID, "a recast vote takes the time it was recast")
}

func TestRandomStaysAmongVotedOptions(t *testing.T) {
	options := []Option{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	rng := rand.New(rand.NewPCG(42, 7))
	for i := 0; i < 50; i++ {
		rs, _ := setupResolver(t, WithRand(rng))
		openWithVotes(t, rs, "r", []string{"A", "B"}, options, [][2]string{{"A", "b"}, {"B", "d"}})
		res, err := rs.Resolve("r", StrategyRandom)
		require.NoError(t, err)
		assert.Contains(t, []string{"b", "d"}, res.OptionID)
	}
}

func TestNoVotes(t *testing.T) {
	rs, _ := setupResolver(t)
	openWithVotes(t, rs, "c", []string{"A"}, twoOptions(), nil)

	for _, s := range []Strategy{StrategyMajority, StrategyPriority, StrategyWeighted, StrategyTime, StrategyRandom} {
		_, err := rs.Resolve("c", s)
		var nv *NoVotesError
		require.ErrorAs(t, err, &nv, "strategy %s", s)
		assert.Equal(t, s, nv.Strategy)
	}
	_, err := rs.Resolve("c", StrategyConsensus)
	assert.ErrorIs(t, err, ErrNoConsensus)

	_, err = rs.Resolve("c", "coin_flip")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVoteRules(t *testing.T) {
	rs, log := setupResolver(t)
	openWithVotes(t, rs, "c", []string{"A", "B"}, twoOptions(), nil)

	var unknown *UnknownOptionError
	require.ErrorAs(t, rs.Vote("c", "A", "opt9"), &unknown)
	assert.Equal(t, "opt9", unknown.Option)

	var outsider *NotInvolvedError
	require.ErrorAs(t, rs.Vote("c", "Z", "opt1"), &outsider)
	assert.Equal(t, "Z", outsider.Agent)

	assert.ErrorIs(t, rs.Vote("missing", "A", "opt1"), ErrUnknownConflict)

	require.NoError(t, rs.Vote("c", "A", "opt1"))
	require.NoError(t, rs.Vote("c", "A", "opt2"))
	status, err := rs.Status("c")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"opt1": 0, "opt2": 1}, status.Tally, "one vote per agent")
	assert.Equal(t, map[string]string{"A": "opt2"}, status.Votes)

	votes := log.ByType(audit.EventVoteCast, 0)
	require.Len(t, votes, 2)
	assert.Equal(t, "opt1", votes[1].Metadata["previous"])

	_, err = rs.Resolve("c", StrategyMajority)
	require.NoError(t, err)

	var resolved *AlreadyResolvedError
	require.ErrorAs(t, rs.Vote("c", "B", "opt1"), &resolved)
	assert.Equal(t, StatusResolved, resolved.Status)
	_, err = rs.Resolve("c", StrategyMajority)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.ErrorIs(t, rs.Escalate("c", "late"), ErrAlreadyResolved)
}

func TestCreateValidation(t *testing.T) {
	rs, _ := setupResolver(t)
	tests := []struct {
		name    string
		id      string
		typ     Type
		agents  []string
		options []Option
		field   string
	}{
		{"empty id", "", TypeDesign, []string{"A"}, twoOptions(), "id"},
		{"bad type", "x", "argument", []string{"A"}, twoOptions(), "type"},
		{"no agents", "x", TypeDesign, nil, twoOptions(), "agents"},
		{"duplicate agent", "x", TypeDesign, []string{"A", "A"}, twoOptions(), "agents"},
		{"no options", "x", TypeDesign, []string{"A"}, nil, "options"},
		{"duplicate option", "x", TypeDesign, []string{"A"}, []Option{{ID: "o"}, {ID: "o"}}, "options"},
		{"negative weight", "x", TypeDesign, []string{"A"}, []Option{{ID: "o", Weight: -1}}, "options"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rs.Create(tt.id, "pm", tt.typ, tt.agents, "topic", tt.options)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := rs.Create("dup", "A", TypeDecision, []string{"A"}, "topic", twoOptions())
	require.NoError(t, err)
	_, err = rs.Create("dup", "A", TypeDecision, []string{"A"}, "topic", twoOptions())
	assert.ErrorIs(t, err, ErrDuplicateConflict)
}

func TestCreateRecordsCreator(t *testing.T) {
	rs, log := setupResolver(t)
	created, err := rs.Create("C", "pm", TypeDesign, []string{"A", "B"}, "API style", twoOptions())
	require.NoError(t, err)
	assert.Equal(t, "pm", created.CreatedBy)

	events := log.ByAgent("pm", 0)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventConflictCreated, events[0].Type)
	assert.Equal(t, []string{"pm"}, log.Report("C").Agents)
}

func TestEscalation(t *testing.T) {
	var mu sync.Mutex
	var escalated []*Conflict
	rs, log := setupResolver(t, WithEscalationHandler(func(c *Conflict) {
		mu.Lock()
		escalated = append(escalated, c)
		mu.Unlock()
	}))

	openWithVotes(t, rs, "c", []string{"A", "B"}, twoOptions(), [][2]string{{"A", "opt1"}, {"B", "opt2"}})
	require.NoError(t, rs.Escalate("c", "deadlocked"))

	require.Len(t, escalated, 1)
	assert.Equal(t, StatusEscalated, escalated[0].Status)
	assert.Equal(t, "deadlocked", escalated[0].EscalationReason)

	_, err := rs.Resolve("c", StrategyMajority)
	assert.ErrorIs(t, err, ErrAlreadyResolved, "escalated conflicts are not resolved automatically")
	assert.Len(t, log.ByType(audit.EventConflictEscalated, 0), 1)
}

func TestResolveOrEscalate(t *testing.T) {
	rs, _ := setupResolver(t)

	t.Run("falls through to a later strategy", func(t *testing.T) {
		openWithVotes(t, rs, "c1", []string{"A", "B"}, twoOptions(), [][2]string{{"A", "opt1"}, {"B", "opt2"}})
		res, escalated, err := rs.ResolveOrEscalate("c1", StrategyConsensus, StrategyMajority)
		require.NoError(t, err)
		assert.False(t, escalated)
		assert.Equal(t, StrategyMajority, res.Strategy)
		assert.Equal(t, "opt1", res.OptionID)
	})

	t.Run("escalates when every strategy fails", func(t *testing.T) {
		openWithVotes(t, rs, "c2", []string{"A", "B"}, twoOptions(), [][2]string{{"A", "opt1"}, {"B", "opt2"}})
		res, escalated, err := rs.ResolveOrEscalate("c2", StrategyConsensus)
		require.NoError(t, err)
		assert.True(t, escalated)
		assert.Nil(t, res)
		status, err := rs.Status("c2")
		require.NoError(t, err)
		assert.Equal(t, StatusEscalated, status.Status)
		assert.Contains(t, status.EscalationReason, "no consensus")
	})

	t.Run("other errors are returned", func(t *testing.T) {
		_, escalated, err := rs.ResolveOrEscalate("missing")
		assert.ErrorIs(t, err, ErrUnknownConflict)
		assert.False(t, escalated)
	})
}

func TestSuggestAndHistory(t *testing.T) {
	rs, _ := setupResolver(t)
	openWithVotes(t, rs, "c", []string{"A", "B", "C"}, twoOptions(), nil)

	s, err := rs.Suggest("c")
	require.NoError(t, err)
	assert.Empty(t, s.Recommendation)
	assert.Equal(t, []string{"no votes cast yet"}, s.Reasoning)

	require.NoError(t, rs.Vote("c", "A", "opt2"))
	require.NoError(t, rs.Vote("c", "B", "opt2"))
	s, err = rs.Suggest("c")
	require.NoError(t, err)
	assert.Equal(t, "opt2", s.Recommendation)
	require.Len(t, s.Options, 2)
	assert.Equal(t, 2, s.Options[1].Votes)
	assert.Len(t, s.Reasoning, 2)

	c, err := rs.Get("c")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, c.Status, "suggestions do not resolve")

	_, err = rs.Resolve("c", StrategyMajority)
	require.NoError(t, err)
	openWithVotes(t, rs, "d", []string{"A"}, twoOptions(), [][2]string{{"A", "opt1"}})
	_, err = rs.Resolve("d", StrategyTime)
	require.NoError(t, err)

	hist := rs.History(0)
	require.Len(t, hist, 2)
	assert.Equal(t, "c", hist[0].ConflictID)
	assert.Equal(t, StrategyTime, hist[1].Strategy)
	assert.Len(t, rs.History(1), 1)

	assert.Len(t, rs.List(StatusResolved), 2)
	assert.Len(t, rs.List(StatusOpen), 0)
}

func TestConcurrentVotes(t *testing.T) {
	rs, _ := setupResolver(t)
	agents := make([]string, 30)
	for i := range agents {
		agents[i] = fmt.Sprintf("agent-%02d", i)
	}
	openWithVotes(t, rs, "c", agents, twoOptions(), nil)

	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			opt := "opt1"
			if i%3 == 0 {
				opt = "opt2"
			}
			assert.NoError(t, rs.Vote("c", a, opt))
			assert.NoError(t, rs.Vote("c", a, opt))
		}(i, a)
	}
	wg.Wait()

	status, err := rs.Status("c")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"opt1": 20, "opt2": 10}, status.Tally)
}

func TestParseStrategies(t *testing.T) {
	got, err := ParseStrategies([]string{"consensus", " majority_vote"})
	require.NoError(t, err)
	assert.Equal(t, []Strategy{StrategyConsensus, StrategyMajority}, got)

	_, err = ParseStrategies([]string{"consensus", "dice"})
	assert.Error(t, err)
}
