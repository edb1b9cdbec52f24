// Package rules defines the transition table that routes a trajectory: which
// state variant follows which, keyed by the trigger the current state's
// response carries, plus the budgets the driver enforces. Rules are data:
// they are persisted with every trajectory and can be loaded from rule files,
// so the same engine drives different agents by swapping tables.
package rules

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"wayfinder/pkg/agent"
)

// ErrNoTransition is returned by Lookup when the table has no edge for a
// (source, trigger) pair. It marks a configuration error: the state emitted
// a trigger the table never routes.
var ErrNoTransition = errors.New("no transition")

// Defaults for the shipped coding flow. A zero budget means unlimited.
const (
	DefaultInitialTrigger = "start"
	DefaultMaxCost        = 0.5
	DefaultMaxTransitions = 25
	DefaultMaxIterations  = 10
	DefaultMaxActions     = 3
)

// Edge routes one (source, trigger) pair to a target state variant.
type Edge struct {
	Source  string `json:"source" yaml:"source"`
	Trigger string `json:"trigger" yaml:"trigger"`
	Target  string `json:"target" yaml:"target"`
}

// Rules is the routing table plus the budgets enforced by the driver.
// Treat a trajectory's rules as immutable: callers that need a private
// copy take one with Clone.
type Rules struct {
	Edges []Edge `json:"edges" yaml:"edges"`

	// InitialTrigger is the edge taken out of the root Pending state.
	// Empty means DefaultInitialTrigger.
	InitialTrigger string `json:"initial_trigger,omitempty" yaml:"initial_trigger,omitempty"`

	// MaxCost is the total completion cost in USD before the run stops.
	MaxCost float64 `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	// MaxTransitions caps the number of non-root states in a trajectory.
	MaxTransitions int `json:"max_transitions,omitempty" yaml:"max_transitions,omitempty"`
	// MaxIterations caps the actions recorded in a single state before the
	// run stops.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	// MaxActions caps retry attempts within a state; exceeding it fails
	// the trajectory.
	MaxActions int `json:"max_actions,omitempty" yaml:"max_actions,omitempty"`
}

// Default returns the shipped coding flow: search, identify, plan, edit,
// looping between plan and edit until the model finishes or rejects.
func Default() *Rules {
	return &Rules{
		Edges: []Edge{
			{Source: agent.StatePending, Trigger: "start", Target: agent.StateSearchCode},
			{Source: agent.StateSearchCode, Trigger: "identify", Target: agent.StateIdentifyCode},
			{Source: agent.StateSearchCode, Trigger: "finish", Target: agent.StateFinished},
			{Source: agent.StateSearchCode, Trigger: "reject", Target: agent.StateRejected},
			{Source: agent.StateIdentifyCode, Trigger: "plan", Target: agent.StatePlanToCode},
			{Source: agent.StateIdentifyCode, Trigger: "search", Target: agent.StateSearchCode},
			{Source: agent.StateIdentifyCode, Trigger: "reject", Target: agent.StateRejected},
			{Source: agent.StatePlanToCode, Trigger: "edit", Target: agent.StateEditCode},
			{Source: agent.StatePlanToCode, Trigger: "finish", Target: agent.StateFinished},
			{Source: agent.StatePlanToCode, Trigger: "reject", Target: agent.StateRejected},
			{Source: agent.StateEditCode, Trigger: "plan", Target: agent.StatePlanToCode},
			{Source: agent.StateEditCode, Trigger: "finish", Target: agent.StateFinished},
			{Source: agent.StateEditCode, Trigger: "reject", Target: agent.StateRejected},
		},
		InitialTrigger: DefaultInitialTrigger,
		MaxCost:        DefaultMaxCost,
		MaxTransitions: DefaultMaxTransitions,
		MaxIterations:  DefaultMaxIterations,
		MaxActions:     DefaultMaxActions,
	}
}

// Lookup resolves the target variant for a (source, trigger) pair. The
// table is small, so a linear scan beats maintaining an index that could
// drift from the serialized edges.
func (r *Rules) Lookup(source, trigger string) (string, error) {
	for _, edge := range r.Edges {
		if edge.Source == source && edge.Trigger == trigger {
			return edge.Target, nil
		}
	}
	return "", fmt.Errorf("%w from %s on trigger %q", ErrNoTransition, source, trigger)
}

// Initial returns the trigger that routes out of the root state.
func (r *Rules) Initial() string {
	if r.InitialTrigger == "" {
		return DefaultInitialTrigger
	}
	return r.InitialTrigger
}

// Clone returns a deep copy so the caller's table cannot mutate a
// trajectory's rules after construction.
func (r *Rules) Clone() *Rules {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Edges = make([]Edge, len(r.Edges))
	copy(clone.Edges, r.Edges)
	return &clone
}

// Validate checks the table's structure and that every edge endpoint names
// a registered state variant. Call it after the relevant variants are
// registered, at loop start rather than package init.
func (r *Rules) Validate() error {
	if len(r.Edges) == 0 {
		return fmt.Errorf("rules have no edges")
	}
	seen := make(map[[2]string]bool, len(r.Edges))
	for _, edge := range r.Edges {
		if edge.Source == "" || edge.Trigger == "" || edge.Target == "" {
			return fmt.Errorf("edge (%q, %q) -> %q has empty fields", edge.Source, edge.Trigger, edge.Target)
		}
		pair := [2]string{edge.Source, edge.Trigger}
		if seen[pair] {
			return fmt.Errorf("duplicate edge from %s on trigger %q", edge.Source, edge.Trigger)
		}
		seen[pair] = true
		if !agent.IsRegistered(edge.Source) {
			return fmt.Errorf("edge source %q: %w", edge.Source, agent.ErrUnknownState)
		}
		if !agent.IsRegistered(edge.Target) {
			return fmt.Errorf("edge target %q: %w", edge.Target, agent.ErrUnknownState)
		}
	}
	if r.MaxCost < 0 || r.MaxTransitions < 0 || r.MaxIterations < 0 || r.MaxActions < 0 {
		return fmt.Errorf("budgets must not be negative")
	}
	if _, err := r.Lookup(agent.StatePending, r.Initial()); err != nil {
		return fmt.Errorf("initial trigger %q has no edge out of %s: %w", r.Initial(), agent.StatePending, err)
	}
	return nil
}

// LoadFile reads a rules table from a YAML or JSON file. JSON parses as a
// YAML subset, so one loader covers both.
func LoadFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	if len(rules.Edges) == 0 {
		return nil, fmt.Errorf("rules file %s defines no edges", path)
	}
	return &rules, nil
}
