// Package tracker maintains the task dependency graph and derives which tasks
// are ready to start.
//
// The graph is kept acyclic: a dependency that would close a cycle is refused
// and the graph is left as it was. Completing a task re-evaluates only its
// direct dependents.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/pkg/audit"
)

// DefaultDepthLimit bounds the cycle search. Dependencies whose check would go
// deeper are rejected.
const DefaultDepthLimit = 1000

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusReady, StatusInProgress, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is a unit of work tracked in the dependency graph.
type Task struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Owner      string    `json:"owner"`                 // Agent responsible for the task
	Status     Status    `json:"status"`                // Lifecycle state
	Priority   int       `json:"priority"`              // Higher runs first among ready tasks
	DependsOn  []string  `json:"depends_on"`            // Direct dependencies in the order they were added
	CreatedAt  time.Time `json:"created_at"`            // When the task was added
	StartedAt  time.Time `json:"started_at,omitempty"`  // Set by MarkStarted
	FinishedAt time.Time `json:"finished_at,omitempty"` // Set on completion or failure

	seq uint64
}

func (t *Task) copy() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}

// Tracker owns the task graph. It is safe for concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	dependents map[string][]string
	nextSeq    uint64

	depthLimit int
	recorder   audit.Recorder
	clock      func() time.Time
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithDepthLimit bounds the cycle search. Values below one are ignored.
func WithDepthLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.depthLimit = n
		}
	}
}

// WithRecorder sets where audit entries go.
func WithRecorder(r audit.Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		depthLimit: DefaultDepthLimit,
		recorder:   audit.Nop{},
		clock:      time.Now,
		logger:     zerolog.Nop(),
		metrics:    metrics.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddTask registers a new pending task.
func (tr *Tracker) AddTask(id, title, owner string, priority int) (*Task, error) {
	if id == "" {
		return nil, fmt.Errorf("task id cannot be empty")
	}

	tr.mu.Lock()
	if _, exists := tr.tasks[id]; exists {
		tr.mu.Unlock()
		return nil, &DuplicateTaskError{ID: id}
	}
	tr.nextSeq++
	task := &Task{
		ID:        id,
		Title:     title,
		Owner:     owner,
		Status:    StatusPending,
		Priority:  priority,
		DependsOn: []string{},
		CreatedAt: tr.clock(),
		seq:       tr.nextSeq,
	}
	tr.tasks[id] = task
	out := task.copy()
	tr.mu.Unlock()

	tr.record(audit.EventTaskCreated, out, fmt.Sprintf("created task %q", title), map[string]any{
		"priority": priority,
	})
	return out, nil
}

// AddDependency records that task cannot start before dependsOn completes.
// It fails with *CycleError when task is already reachable from dependsOn,
// and with *TransitionError once task has started or finished.
func (tr *Tracker) AddDependency(taskID, dependsOn string) error {
	tr.mu.Lock()
	task, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return &UnknownTaskError{ID: taskID}
	}
	dep, ok := tr.tasks[dependsOn]
	if !ok {
		tr.mu.Unlock()
		return &UnknownTaskError{ID: dependsOn}
	}
	if task.Status != StatusPending && task.Status != StatusReady {
		tr.mu.Unlock()
		return &TransitionError{ID: taskID, Current: task.Status, Op: "add dependency to"}
	}
	for _, existing := range task.DependsOn {
		if existing == dependsOn {
			tr.mu.Unlock()
			return nil
		}
	}

	if err := tr.checkCycle(taskID, dependsOn); err != nil {
		tr.mu.Unlock()
		metrics.Inc(context.Background(), tr.metrics.CyclesRejected)
		tr.logger.Warn().Str("task", taskID).Str("depends_on", dependsOn).Msg("Rejected cyclic dependency")
		return err
	}

	task.DependsOn = append(task.DependsOn, dependsOn)
	tr.dependents[dependsOn] = append(tr.dependents[dependsOn], taskID)
	demoted := false
	if task.Status == StatusReady && dep.Status != StatusCompleted {
		task.Status = StatusPending
		demoted = true
	}
	out := task.copy()
	tr.mu.Unlock()

	if demoted {
		tr.transitioned(StatusPending)
	}
	tr.record(audit.EventDependencyAdded, out, fmt.Sprintf("%s now depends on %s", taskID, dependsOn), map[string]any{
		"depends_on": dependsOn,
	})
	return nil
}

// checkCycle searches depth-first from dependsOn along dependency edges for
// taskID. A task is expanded again only when reached at a shallower depth, so
// the depth limit never hides a path it could have followed. Callers hold tr.mu.
func (tr *Tracker) checkCycle(taskID, dependsOn string) error {
	if taskID == dependsOn {
		return &CycleError{Task: taskID, DependsOn: dependsOn, Path: []string{dependsOn}}
	}

	type frame struct {
		id    string
		depth int
	}
	parent := map[string]string{}
	best := map[string]int{dependsOn: 0}
	stack := []frame{{id: dependsOn}}
	exceeded := false

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if best[f.id] < f.depth {
			continue
		}

		if f.depth >= tr.depthLimit {
			exceeded = true
			continue
		}
		for _, next := range tr.tasks[f.id].DependsOn {
			if d, seen := best[next]; seen && d <= f.depth+1 {
				continue
			}
			best[next] = f.depth + 1
			parent[next] = f.id
			if next == taskID {
				path := []string{taskID}
				for cur := taskID; cur != dependsOn; {
					cur = parent[cur]
					path = append([]string{cur}, path...)
				}
				return &CycleError{Task: taskID, DependsOn: dependsOn, Path: path}
			}
			stack = append(stack, frame{id: next, depth: f.depth + 1})
		}
	}

	if exceeded {
		return &CycleError{Task: taskID, DependsOn: dependsOn, DepthExceeded: true}
	}
	return nil
}

// RemoveDependency drops an edge. Removing an edge that does not exist is a no-op.
func (tr *Tracker) RemoveDependency(taskID, dependsOn string) error {
	tr.mu.Lock()
	task, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return &UnknownTaskError{ID: taskID}
	}
	if _, ok := tr.tasks[dependsOn]; !ok {
		tr.mu.Unlock()
		return &UnknownTaskError{ID: dependsOn}
	}

	before := len(task.DependsOn)
	task.DependsOn = without(task.DependsOn, dependsOn)
	if len(task.DependsOn) == before {
		tr.mu.Unlock()
		return nil
	}
	tr.dependents[dependsOn] = without(tr.dependents[dependsOn], taskID)
	out := task.copy()
	tr.mu.Unlock()

	tr.record(audit.EventDependencyRemoved, out, fmt.Sprintf("%s no longer depends on %s", taskID, dependsOn), map[string]any{
		"depends_on": dependsOn,
	})
	return nil
}

// IsReady reports whether every dependency of the task has completed.
func (tr *Tracker) IsReady(taskID string) (bool, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	task, ok := tr.tasks[taskID]
	if !ok {
		return false, &UnknownTaskError{ID: taskID}
	}
	return tr.depsCompleted(task), nil
}

// Blockers returns the direct dependencies that have not completed.
func (tr *Tracker) Blockers(taskID string) ([]*Task, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	task, ok := tr.tasks[taskID]
	if !ok {
		return nil, &UnknownTaskError{ID: taskID}
	}
	blockers := []*Task{}
	for _, id := range task.DependsOn {
		if dep := tr.tasks[id]; dep.Status != StatusCompleted {
			blockers = append(blockers, dep.copy())
		}
	}
	return blockers, nil
}

// MarkStarted moves a ready task to in_progress. A pending task whose
// dependencies have all completed counts as ready.
func (tr *Tracker) MarkStarted(taskID string) error {
	tr.mu.Lock()
	task, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return &UnknownTaskError{ID: taskID}
	}
	if !tr.startable(task) {
		tr.mu.Unlock()
		return &TransitionError{ID: taskID, Current: task.Status, Op: "start"}
	}
	task.Status = StatusInProgress
	task.StartedAt = tr.clock()
	out := task.copy()
	tr.mu.Unlock()

	tr.transitioned(StatusInProgress)
	tr.record(audit.EventTaskStarted, out, fmt.Sprintf("started task %q", out.Title), nil)
	return nil
}

// MarkCompleted completes a task and promotes the direct dependents whose
// dependencies are now all complete. It returns the promoted task ids.
func (tr *Tracker) MarkCompleted(taskID string) ([]string, error) {
	tr.mu.Lock()
	task, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return nil, &UnknownTaskError{ID: taskID}
	}
	if task.Status != StatusInProgress && !tr.startable(task) {
		tr.mu.Unlock()
		return nil, &TransitionError{ID: taskID, Current: task.Status, Op: "complete"}
	}
	task.Status = StatusCompleted
	task.FinishedAt = tr.clock()

	promoted := []string{}
	for _, id := range tr.dependents[taskID] {
		dependent := tr.tasks[id]
		if dependent.Status == StatusPending && tr.depsCompleted(dependent) {
			dependent.Status = StatusReady
			promoted = append(promoted, id)
		}
	}
	out := task.copy()
	tr.mu.Unlock()

	tr.transitioned(StatusCompleted)
	for range promoted {
		tr.transitioned(StatusReady)
	}
	tr.record(audit.EventTaskCompleted, out, fmt.Sprintf("completed task %q", out.Title), map[string]any{
		"unblocked": promoted,
	})
	if len(promoted) > 0 {
		tr.logger.Debug().Str("task", taskID).Strs("promoted", promoted).Msg("Dependents ready")
	}
	return promoted, nil
}

// MarkFailed fails a task that has not already finished. Its dependents stay blocked.
func (tr *Tracker) MarkFailed(taskID, reason string) error {
	tr.mu.Lock()
	task, ok := tr.tasks[taskID]
	if !ok {
		tr.mu.Unlock()
		return &UnknownTaskError{ID: taskID}
	}
	if task.Status.IsTerminal() {
		tr.mu.Unlock()
		return &TransitionError{ID: taskID, Current: task.Status, Op: "fail"}
	}
	task.Status = StatusFailed
	task.FinishedAt = tr.clock()
	out := task.copy()
	tr.mu.Unlock()

	tr.transitioned(StatusFailed)
	tr.recorder.Record(audit.Entry{
		Type:     audit.EventTaskFailed,
		Agent:    out.Owner,
		Subject:  out.ID,
		Action:   fmt.Sprintf("failed task %q", out.Title),
		Status:   audit.StatusFailure,
		Metadata: map[string]any{"reason": reason},
	})
	return nil
}

// ReadyTasks promotes every pending task whose dependencies have completed,
// tasks without dependencies included, and returns all ready tasks ordered by
// priority (highest first) and then creation order.
func (tr *Tracker) ReadyTasks() []*Task {
	tr.mu.Lock()
	var ready []*Task
	promoted := 0
	for _, task := range tr.tasks {
		if task.Status == StatusPending && tr.depsCompleted(task) {
			task.Status = StatusReady
			promoted++
		}
		if task.Status == StatusReady {
			ready = append(ready, task.copy())
		}
	}
	tr.mu.Unlock()

	for i := 0; i < promoted; i++ {
		tr.transitioned(StatusReady)
	}
	sortByPriority(ready)
	return ready
}

// Waves layers the unfinished tasks so that every task appears after all of
// its unfinished dependencies. Tasks in one wave can run in parallel. Tasks
// blocked by a failed dependency are left out.
func (tr *Tracker) Waves() ([][]string, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	blocked := make(map[string]bool)
	var markBlocked func(id string)
	markBlocked = func(id string) {
		for _, d := range tr.dependents[id] {
			if !blocked[d] {
				blocked[d] = true
				markBlocked(d)
			}
		}
	}
	for id, task := range tr.tasks {
		if task.Status == StatusFailed {
			markBlocked(id)
		}
	}

	indegree := make(map[string]int)
	for id, task := range tr.tasks {
		if task.Status.IsTerminal() || blocked[id] {
			continue
		}
		n := 0
		for _, dep := range task.DependsOn {
			if tr.tasks[dep].Status != StatusCompleted {
				n++
			}
		}
		indegree[id] = n
	}

	var waves [][]string
	remaining := len(indegree)
	for remaining > 0 {
		var wave []*Task
		for id, n := range indegree {
			if n == 0 {
				wave = append(wave, tr.tasks[id])
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("failed to layer tasks: %w", ErrCycle)
		}
		sortByPriority(wave)

		ids := make([]string, len(wave))
		for i, task := range wave {
			ids[i] = task.ID
			delete(indegree, task.ID)
		}
		for _, task := range wave {
			for _, d := range tr.dependents[task.ID] {
				if _, ok := indegree[d]; ok {
					indegree[d]--
				}
			}
		}
		remaining -= len(wave)
		waves = append(waves, ids)
	}
	return waves, nil
}

// Get returns a snapshot of a task.
func (tr *Tracker) Get(taskID string) (*Task, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	task, ok := tr.tasks[taskID]
	if !ok {
		return nil, &UnknownTaskError{ID: taskID}
	}
	return task.copy(), nil
}

// Dependencies returns the direct dependencies of a task.
func (tr *Tracker) Dependencies(taskID string) ([]string, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	task, ok := tr.tasks[taskID]
	if !ok {
		return nil, &UnknownTaskError{ID: taskID}
	}
	return append([]string{}, task.DependsOn...), nil
}

// Dependents returns the tasks that directly depend on a task.
func (tr *Tracker) Dependents(taskID string) ([]string, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if _, ok := tr.tasks[taskID]; !ok {
		return nil, &UnknownTaskError{ID: taskID}
	}
	return append([]string{}, tr.dependents[taskID]...), nil
}

// Graph returns the full dependency relation as task id -> direct dependencies.
func (tr *Tracker) Graph() map[string][]string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	graph := make(map[string][]string, len(tr.tasks))
	for id, task := range tr.tasks {
		graph[id] = append([]string{}, task.DependsOn...)
	}
	return graph
}

// Tasks returns every task in creation order.
func (tr *Tracker) Tasks() []*Task {
	tr.mu.RLock()
	out := make([]*Task, 0, len(tr.tasks))
	for _, task := range tr.tasks {
		out = append(out, task.copy())
	}
	tr.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Summary counts tasks by status.
func (tr *Tracker) Summary() map[Status]int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	counts := make(map[Status]int)
	for _, task := range tr.tasks {
		counts[task.Status]++
	}
	return counts
}

// depsCompleted is called with tr.mu held.
func (tr *Tracker) depsCompleted(task *Task) bool {
	for _, id := range task.DependsOn {
		if tr.tasks[id].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// startable is called with tr.mu held.
func (tr *Tracker) startable(task *Task) bool {
	switch task.Status {
	case StatusReady:
		return true
	case StatusPending:
		return tr.depsCompleted(task)
	default:
		return false
	}
}

func (tr *Tracker) transitioned(to Status) {
	metrics.Inc(context.Background(), tr.metrics.TaskTransitions, "status", string(to))
}

func (tr *Tracker) record(t audit.EventType, task *Task, action string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["status"] = string(task.Status)
	tr.recorder.Record(audit.Entry{
		Type:     t,
		Agent:    task.Owner,
		Subject:  task.ID,
		Action:   action,
		Metadata: meta,
	})
}

func sortByPriority(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].seq < tasks[j].seq
	})
}

func without(list []string, item string) []string {
	out := list[:0]
	for _, v := range list {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}
