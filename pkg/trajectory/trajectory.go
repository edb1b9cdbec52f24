// Package trajectory records an agent run as a tree of state transitions
// and persists it as a single JSON document. The record is complete enough
// to deterministically replay the run: every state's properties, every
// action's request and response, and a workspace snapshot per transition.
package trajectory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"wayfinder/pkg/agent"
	"wayfinder/pkg/logx"
	"wayfinder/pkg/rules"
	"wayfinder/pkg/workspace"
)

// ErrStateNotFound is returned when a persisted transition references a
// parent id that does not exist in the document.
var ErrStateNotFound = errors.New("state not found")

// Transition is one node of the trajectory tree: a state instance plus the
// bookkeeping recorded about it. Parent is nil only for the root.
type Transition struct {
	ID       int
	State    agent.State
	Parent   *Transition
	Snapshot map[string]any
	Actions  []*agent.Transaction
}

// RecordAction appends a transaction to this transition.
func (tr *Transition) RecordAction(action *agent.Transaction) {
	tr.Actions = append(tr.Actions, action)
}

// Trajectory is the append-only run record. It owns its transitions and the
// usage accumulator; the workspace is shared by reference with the driver
// and mutated only by the currently active state.
type Trajectory struct {
	name           string
	initialMessage string
	workspace      *workspace.Workspace
	// initialWorkspace keeps the workspace's persisted form from run start
	// (or from the loaded file), so re-serializing never rewrites history.
	initialWorkspace map[string]any
	rules            *rules.Rules
	persistPath      string

	current     int
	transitions map[int]*Transition
	info        map[string]any
	usage       agent.Usage

	logger *logx.Logger
}

// New starts an empty trajectory over ws. The rules table is cloned so the
// caller cannot mutate it afterwards.
func New(name, initialMessage string, ws *workspace.Workspace, table *rules.Rules) *Trajectory {
	traj := &Trajectory{
		name:           name,
		initialMessage: initialMessage,
		workspace:      ws,
		rules:          table.Clone(),
		transitions:    make(map[int]*Transition),
		info:           make(map[string]any),
		logger:         logx.NewLogger("trajectory"),
	}
	if ws != nil {
		traj.initialWorkspace = ws.Dict()
	}
	return traj
}

// SetPersistPath makes every mutation write through to path. An empty path
// disables persistence.
func (t *Trajectory) SetPersistPath(path string) {
	t.persistPath = path
}

// Name returns the trajectory name.
func (t *Trajectory) Name() string { return t.name }

// InitialMessage returns the task message the run was started with.
func (t *Trajectory) InitialMessage() string { return t.initialMessage }

// Rules returns the trajectory's transition rules.
func (t *Trajectory) Rules() *rules.Rules { return t.rules }

// Workspace returns the shared workspace, nil when loaded without one.
func (t *Trajectory) Workspace() *workspace.Workspace { return t.workspace }

// Info returns the free-form run metadata (status, totals, submission).
func (t *Trajectory) Info() map[string]any { return t.info }

// NextID returns the id the next transition should use. Ids are never
// reused, even when earlier branches were abandoned.
func (t *Trajectory) NextID() int {
	next := 0
	for id := range t.transitions {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// SaveState records node, write-through. The first save for an id captures
// the workspace snapshot; saving the same id again replaces state content
// and keeps the original snapshot, so a snapshot always describes the
// workspace as the state first saw it.
func (t *Trajectory) SaveState(node *Transition) error {
	existing, ok := t.transitions[node.ID]
	switch {
	case !ok:
		if node.Snapshot == nil && t.workspace != nil {
			node.Snapshot = t.workspace.Snapshot()
		}
		t.transitions[node.ID] = node
	case existing != node:
		existing.State = node.State
		existing.Parent = node.Parent
		existing.Actions = node.Actions
	}
	return t.maybePersist()
}

// GetState returns the transition with the given id, or nil.
func (t *Trajectory) GetState(id int) *Transition {
	return t.transitions[id]
}

// SetCurrentState moves the current pointer, write-through.
func (t *Trajectory) SetCurrentState(id int) error {
	if _, ok := t.transitions[id]; !ok {
		return fmt.Errorf("set current state %d: %w", id, ErrStateNotFound)
	}
	t.current = id
	return t.maybePersist()
}

// CurrentState returns the transition the current pointer references, or
// nil when the trajectory is empty.
func (t *Trajectory) CurrentState() *Transition {
	return t.transitions[t.current]
}

// SaveInfo merges fields into the run metadata, write-through.
func (t *Trajectory) SaveInfo(info map[string]any) error {
	for key, value := range info {
		t.info[key] = value
	}
	return t.maybePersist()
}

// AddUsage accumulates one action's model spend into the run totals.
func (t *Trajectory) AddUsage(usage agent.Usage) {
	t.usage.Add(usage)
}

// TotalUsage returns the accumulated model spend. After a load it reflects
// every persisted action, so budget checks survive a resume.
func (t *Trajectory) TotalUsage() agent.Usage {
	return t.usage
}

// Transitions returns all transitions sorted by id.
func (t *Trajectory) Transitions() []*Transition {
	nodes := make([]*Transition, 0, len(t.transitions))
	for _, node := range t.transitions {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// StatesByName returns the transitions whose state has the given variant
// name, in id order.
func (t *Trajectory) StatesByName(name string) []*Transition {
	var matches []*Transition
	for _, node := range t.Transitions() {
		if node.State.Name() == name {
			matches = append(matches, node)
		}
	}
	return matches
}

// ExpectedStates lists the variant names after the root, in id order: the
// sequence a replay of this trajectory must reproduce.
func (t *Trajectory) ExpectedStates() []string {
	nodes := t.Transitions()
	if len(nodes) <= 1 {
		return nil
	}
	names := make([]string, 0, len(nodes)-1)
	for _, node := range nodes[1:] {
		names = append(names, node.State.Name())
	}
	return names
}

// MockedActions flattens the recorded requests of every agentic state, in
// id order, into a queue a fresh loop can replay.
func (t *Trajectory) MockedActions() []*agent.Request {
	var actions []*agent.Request
	for _, node := range t.Transitions() {
		if _, ok := node.State.(agent.AgenticState); !ok {
			continue
		}
		for _, action := range node.Actions {
			actions = append(actions, action.Request)
		}
	}
	return actions
}

// RestoreFromSnapshot rolls the workspace back to the state node first saw.
// A transition without a snapshot is left alone.
func (t *Trajectory) RestoreFromSnapshot(node *Transition) error {
	if node.Snapshot == nil {
		t.logger.Info("restore state %d (%s): no snapshot recorded", node.ID, node.State.Name())
		return nil
	}
	if t.workspace == nil {
		return fmt.Errorf("restore state %d: trajectory has no workspace", node.ID)
	}
	return t.workspace.RestoreFromSnapshot(node.Snapshot)
}

// UpdateWorkspaceToCurrentState applies the current transition's snapshot,
// used when resuming an interrupted run.
func (t *Trajectory) UpdateWorkspaceToCurrentState() error {
	node := t.CurrentState()
	if node == nil {
		return fmt.Errorf("update workspace: %w", ErrStateNotFound)
	}
	return t.RestoreFromSnapshot(node)
}

func (t *Trajectory) maybePersist() error {
	if t.persistPath == "" {
		return nil
	}
	return t.Persist(t.persistPath)
}

// Persist writes the full document to path atomically: marshal, write a
// sibling temp file, rename into place. A crash mid-write leaves the
// previous version intact.
func (t *Trajectory) Persist(path string) error {
	data, err := json.MarshalIndent(t.ToDict(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trajectory %s: %w", t.name, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write trajectory file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move trajectory file into place: %w", err)
	}
	return nil
}
