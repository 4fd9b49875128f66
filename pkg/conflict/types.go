// Package conflict manages multi-agent decisions over a shared option set.
//
// Agents involved in a conflict vote for one option each; a single Resolve
// entry point applies one of a closed set of strategies and freezes the
// outcome. Conflicts that cannot be settled automatically are escalated.
package conflict

import (
	"fmt"
	"time"
)

// Type categorizes a conflict.
type Type string

const (
	TypeResource Type = "resource_conflict"
	TypeDecision Type = "decision_conflict"
	TypePriority Type = "priority_conflict"
	TypeSchedule Type = "schedule_conflict"
	TypeDesign   Type = "design_conflict"
	TypeProcess  Type = "process_conflict"
)

// Validate checks if the Type is a valid enum value.
func (t Type) Validate() error {
	switch t {
	case TypeResource, TypeDecision, TypePriority, TypeSchedule, TypeDesign, TypeProcess:
		return nil
	default:
		return fmt.Errorf("invalid conflict type: %s", t)
	}
}

// Strategy selects how votes are turned into a resolution.
type Strategy string

const (
	// StrategyMajority picks the option with the most votes, ties by declaration order
	StrategyMajority Strategy = "majority_vote"

	// StrategyConsensus requires every involved agent to vote for the same option
	StrategyConsensus Strategy = "consensus"

	// StrategyPriority follows the vote of the highest-ranked voter
	StrategyPriority Strategy = "priority_based"

	// StrategyWeighted sums votes by option weight
	StrategyWeighted Strategy = "weighted_vote"

	// StrategyTime follows the earliest cast vote
	StrategyTime Strategy = "time_based"

	// StrategyRandom picks uniformly among options that received a vote
	StrategyRandom Strategy = "random"
)

// Strategies lists every strategy in a stable order.
var Strategies = []Strategy{
	StrategyMajority, StrategyConsensus, StrategyPriority,
	StrategyWeighted, StrategyTime, StrategyRandom,
}

// Validate checks if the Strategy is a valid enum value.
func (s Strategy) Validate() error {
	for _, known := range Strategies {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid resolution strategy: %s", s)
}

// Status is the lifecycle state of a conflict.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

// Option is one choice offered by a conflict.
type Option struct {
	ID         string   `json:"id" yaml:"id"`
	Label      string   `json:"label" yaml:"label"`
	Rationale  string   `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	ProposedBy string   `json:"proposed_by,omitempty" yaml:"proposed_by,omitempty"`
	Weight     float64  `json:"weight,omitempty" yaml:"weight,omitempty"`           // Zero counts as 1 under weighted_vote
	ContextRef string   `json:"context_ref,omitempty" yaml:"context_ref,omitempty"` // Id of a shared context carrying the option payload
	Pros       []string `json:"pros,omitempty" yaml:"pros,omitempty"`
	Cons       []string `json:"cons,omitempty" yaml:"cons,omitempty"`
}

func (o Option) weight() float64 {
	if o.Weight == 0 {
		return 1
	}
	return o.Weight
}

// Vote is an agent's current choice.
type Vote struct {
	OptionID string    `json:"option_id"`
	CastAt   time.Time `json:"cast_at"`
	Seq      uint64    `json:"seq"` // Orders votes cast at the same instant
}

// Resolution is the frozen outcome of a conflict.
type Resolution struct {
	OptionID  string             `json:"option_id"`
	Strategy  Strategy           `json:"strategy"`
	DecidedAt time.Time          `json:"decided_at"`
	Tally     map[string]float64 `json:"tally"` // Score per option under the strategy used
}

// Conflict is a snapshot of a decision in progress or settled.
type Conflict struct {
	ID               string          `json:"id"`
	Type             Type            `json:"type"`
	Topic            string          `json:"topic"`
	Agents           []string        `json:"agents"`
	Options          []Option        `json:"options"`
	Votes            map[string]Vote `json:"votes"`
	Status           Status          `json:"status"`
	Resolution       *Resolution     `json:"resolution,omitempty"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (c *Conflict) copy() *Conflict {
	out := *c
	out.Agents = append([]string(nil), c.Agents...)
	out.Options = make([]Option, len(c.Options))
	for i, o := range c.Options {
		o.Pros = append([]string(nil), o.Pros...)
		o.Cons = append([]string(nil), o.Cons...)
		out.Options[i] = o
	}
	out.Votes = make(map[string]Vote, len(c.Votes))
	for k, v := range c.Votes {
		out.Votes[k] = v
	}
	if c.Resolution != nil {
		r := *c.Resolution
		r.Tally = make(map[string]float64, len(c.Resolution.Tally))
		for k, v := range c.Resolution.Tally {
			r.Tally[k] = v
		}
		out.Resolution = &r
	}
	return &out
}

func (c *Conflict) option(id string) (Option, bool) {
	for _, o := range c.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

func (c *Conflict) involves(agent string) bool {
	for _, a := range c.Agents {
		if a == agent {
			return true
		}
	}
	return false
}

// Counts returns the number of votes per option, with every option present.
func (c *Conflict) Counts() map[string]int {
	out := make(map[string]int, len(c.Options))
	for _, o := range c.Options {
		out[o.ID] = 0
	}
	for _, v := range c.Votes {
		out[v.OptionID]++
	}
	return out
}

// StatusReport is the current state of a conflict.
type StatusReport struct {
	ID               string            `json:"conflict_id"`
	Status           Status            `json:"status"`
	Topic            string            `json:"topic"`
	Agents           []string          `json:"agents"`
	OptionsCount     int               `json:"options_count"`
	Tally            map[string]int    `json:"votes_per_option"`
	Votes            map[string]string `json:"votes"` // Agent to option id
	Resolution       *Resolution       `json:"resolution,omitempty"`
	EscalationReason string            `json:"escalation_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// OptionSummary is one option in a Suggestion.
type OptionSummary struct {
	ID         string   `json:"id"`
	Label      string   `json:"label"`
	ProposedBy string   `json:"proposed_by,omitempty"`
	Votes      int      `json:"votes"`
	Pros       []string `json:"pros,omitempty"`
	Cons       []string `json:"cons,omitempty"`
}

// Suggestion is a non-binding analysis of an open conflict.
type Suggestion struct {
	ConflictID     string          `json:"conflict_id"`
	Topic          string          `json:"topic"`
	Options        []OptionSummary `json:"options"`
	Recommendation string          `json:"recommendation,omitempty"`
	Reasoning      []string        `json:"reasoning"`
}

// Record is one entry in the resolution history.
type Record struct {
	ConflictID string    `json:"conflict_id"`
	Topic      string    `json:"topic"`
	Strategy   Strategy  `json:"strategy"`
	Resolution string    `json:"resolution"`
	Agents     []string  `json:"agents"`
	ResolvedAt time.Time `json:"resolved_at"`
}
