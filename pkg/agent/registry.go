// Package agent holds the directory of agent identities known to a Warren core.
//
// The registry is consulted by the bus (is a recipient known?), the context
// store (which role does a requester hold?) and the conflict resolver (which
// voter outranks the others?).
package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Agent is an autonomous client identity.
type Agent struct {
	Name string `json:"name" yaml:"name"` // Unique identity used as message address
	Role string `json:"role" yaml:"role"` // Declared role, e.g. "developer" or "reviewer"
	Rank int    `json:"rank" yaml:"rank"` // Higher rank wins priority-based conflict resolution
}

// Validate checks the agent's required fields.
func (a Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if a.Name == "*" {
		return fmt.Errorf("agent name %q is reserved for broadcasts", a.Name)
	}
	if a.Role == "" {
		return fmt.Errorf("agent '%s': role is required", a.Name)
	}
	return nil
}

// Registry is a concurrency-safe directory of agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates a registry pre-populated with agents.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent. Registering an existing name is an error.
func (r *Registry) Register(a Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.Name]; exists {
		return fmt.Errorf("agent '%s' is already registered", a.Name)
	}
	r.agents[a.Name] = a
	return nil
}

// Unregister removes an agent. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// Lookup returns the agent with the given name.
func (r *Registry) Lookup(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Role returns the declared role of an agent.
func (r *Registry) Role(name string) (string, bool) {
	a, ok := r.Lookup(name)
	return a.Role, ok
}

// Rank returns the rank of an agent; unknown agents rank zero.
func (r *Registry) Rank(name string) int {
	a, _ := r.Lookup(name)
	return a.Rank
}

// Names returns all registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered agent sorted by name.
func (r *Registry) All() []Agent {
	names := r.Names()
	out := make([]Agent, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range names {
		if a, ok := r.agents[n]; ok {
			out = append(out, a)
		}
	}
	return out
}
