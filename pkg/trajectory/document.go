package trajectory

import (
	"encoding/json"
	"fmt"
	"os"

	"wayfinder/pkg/agent"
	"wayfinder/pkg/logx"
	"wayfinder/pkg/rules"
	"wayfinder/pkg/workspace"
)

// document is the persisted trajectory shape. Field names are the on-disk
// contract; loading and re-serializing an untouched file is a fixed point.
type document struct {
	Name                string          `json:"name"`
	InitialMessage      string          `json:"initial_message,omitempty"`
	TransitionRules     *rules.Rules    `json:"transition_rules,omitempty"`
	Workspace           map[string]any  `json:"workspace,omitempty"`
	CurrentTransitionID int             `json:"current_transition_id"`
	Transitions         []transitionDoc `json:"transitions"`
	Info                map[string]any  `json:"info"`
}

type transitionDoc struct {
	ID              int                  `json:"id"`
	Name            string               `json:"name"`
	PreviousStateID *int                 `json:"previous_state_id,omitempty"`
	Snapshot        map[string]any       `json:"snapshot,omitempty"`
	Properties      map[string]any       `json:"properties,omitempty"`
	Actions         []*agent.Transaction `json:"actions,omitempty"`
}

// ToDict returns the trajectory's persisted form.
func (t *Trajectory) ToDict() map[string]any {
	doc := document{
		Name:                t.name,
		InitialMessage:      t.initialMessage,
		TransitionRules:     t.rules,
		Workspace:           t.initialWorkspace,
		CurrentTransitionID: t.current,
		Transitions:         make([]transitionDoc, 0, len(t.transitions)),
		Info:                t.info,
	}
	for _, node := range t.Transitions() {
		record := transitionDoc{
			ID:       node.ID,
			Name:     node.State.Name(),
			Snapshot: node.Snapshot,
			Actions:  node.Actions,
		}
		if node.Parent != nil {
			parentID := node.Parent.ID
			record.PreviousStateID = &parentID
		}
		if props := node.State.Properties(); len(props) > 0 {
			record.Properties = props
		}
		doc.Transitions = append(doc.Transitions, record)
	}

	// Round-trip through JSON so the result is a plain map like every
	// other snapshot the engine hands around.
	raw, err := json.Marshal(doc)
	if err != nil {
		t.logger.Error("marshal trajectory %s: %v", t.name, err)
		return map[string]any{"name": t.name}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.logger.Error("unmarshal trajectory document: %v", err)
		return map[string]any{"name": t.name}
	}
	return out
}

// Load reads a trajectory document from path. ws is the workspace the run
// will continue against; the current transition's file-context snapshot is
// restored into it. Pass nil to inspect a trajectory without a workspace
// (replay extraction, reporting).
//
// Loading is two-pass. Pass one instantiates every state from the registry
// and validates every action; an unknown variant name or malformed request
// is a hard error, because acting on a drifted trajectory would corrupt it.
// Pass two links parent references: persisted order does not guarantee
// parents precede children, so linking cannot happen inline.
func Load(path string, ws *workspace.Workspace) (*Trajectory, error) {
	logger := logx.NewLogger("trajectory")
	logger.Info("loading trajectory from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trajectory file: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse trajectory file %s: %w", path, err)
	}

	traj := &Trajectory{
		name:             doc.Name,
		initialMessage:   doc.InitialMessage,
		workspace:        ws,
		initialWorkspace: doc.Workspace,
		rules:            doc.TransitionRules,
		current:          doc.CurrentTransitionID,
		transitions:      make(map[int]*Transition, len(doc.Transitions)),
		info:             doc.Info,
		logger:           logger,
	}
	if traj.info == nil {
		traj.info = make(map[string]any)
	}

	for _, record := range doc.Transitions {
		state, err := agent.New(record.Name, record.Properties)
		if err != nil {
			return nil, fmt.Errorf("transition %d: %w", record.ID, err)
		}
		for i, action := range record.Actions {
			if err := action.Request.Validate(); err != nil {
				return nil, fmt.Errorf("transition %d (%s) action %d: %w", record.ID, record.Name, i, err)
			}
			if action.Usage != nil {
				traj.usage.Add(*action.Usage)
			}
		}
		traj.transitions[record.ID] = &Transition{
			ID:       record.ID,
			State:    state,
			Snapshot: record.Snapshot,
			Actions:  record.Actions,
		}

		if record.ID == doc.CurrentTransitionID && ws != nil && record.Snapshot != nil {
			// Only the file context is restored here: the repository is
			// expected to be a fresh checkout at the instance's base
			// commit. UpdateWorkspaceToCurrentState applies the full
			// snapshot when resuming.
			if contextSnapshot, ok := record.Snapshot["file_context"].(map[string]any); ok {
				if err := ws.FileContext.RestoreFromSnapshot(contextSnapshot); err != nil {
					return nil, fmt.Errorf("restore file context of transition %d: %w", record.ID, err)
				}
			}
		}
	}

	for _, record := range doc.Transitions {
		if record.PreviousStateID == nil {
			continue
		}
		parent, ok := traj.transitions[*record.PreviousStateID]
		if !ok {
			return nil, fmt.Errorf("transition %d references previous state %d: %w",
				record.ID, *record.PreviousStateID, ErrStateNotFound)
		}
		traj.transitions[record.ID].Parent = parent
	}

	logger.Info("loaded trajectory %s with %d transitions", traj.name, len(traj.transitions))
	return traj, nil
}
