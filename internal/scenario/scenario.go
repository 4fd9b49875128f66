// Package scenario drives a coordination core through a scripted sequence of
// agent operations read from YAML, checking expectations as it goes.
package scenario

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a named, ordered list of steps.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Steps       []Step `yaml:"steps"`
}

// Step is one operation performed by one agent.
type Step struct {
	Name   string    `yaml:"name,omitempty"`
	Agent  string    `yaml:"agent,omitempty"` // Not needed by advance and reclaim
	Op     string    `yaml:"op"`
	With   yaml.Node `yaml:"with,omitempty"` // Decoded per op
	Expect Expect    `yaml:"expect,omitempty"`
}

// Expect lists what a step must produce. Unset fields are not checked.
type Expect struct {
	Error     string   `yaml:"error,omitempty"` // The step must fail with an error containing this text
	Ready     *bool    `yaml:"ready,omitempty"`
	Promoted  []string `yaml:"promoted,omitempty"`
	Option    string   `yaml:"option,omitempty"`
	Escalated *bool    `yaml:"escalated,omitempty"`
	Version   int      `yaml:"version,omitempty"`
	Type      string   `yaml:"type,omitempty"` // Type of the received message
	From      string   `yaml:"from,omitempty"` // Sender of the received message
	Empty     bool     `yaml:"empty,omitempty"`
	Count     *int     `yaml:"count,omitempty"`
}

// Label returns the step name, or "agent op" when it has none.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Agent == "" {
		return s.Op
	}
	return s.Agent + " " + s.Op
}

// Validate checks every step names a known op and, where the op needs one, an agent.
func (sc *Scenario) Validate() error {
	if len(sc.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i, step := range sc.Steps {
		op, ok := ops[step.Op]
		if !ok {
			return fmt.Errorf("step %d: unknown op %q (valid ops: %s)", i+1, step.Op, strings.Join(Ops(), ", "))
		}
		if op.needsAgent && step.Agent == "" {
			return fmt.Errorf("step %d (%s): agent is required", i+1, step.Op)
		}
	}
	return nil
}

// Ops returns the supported op names, sorted.
func Ops() []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes and validates scenario YAML.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario YAML: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return Parse(data)
}

// StepError reports the step at which a run stopped.
type StepError struct {
	Index int // 1-based
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result summarizes a completed run.
type Result struct {
	Scenario string
	Steps    int
	Elapsed  time.Duration // Virtual time advanced by the scenario
}
