package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"wayfinder/pkg/llm"
	"wayfinder/pkg/workspace"
)

// Sentinel errors surfaced to drivers and loaders.
var (
	// ErrUnknownState is returned when a trajectory references a state
	// variant that was never registered.
	ErrUnknownState = errors.New("unknown state variant")
	// ErrMaxRetriesExceeded is returned when a state keeps asking for
	// retries past its action budget.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Shipped variant names - single source of truth. Rules tables and
// persisted trajectories reference variants by these names.
const (
	StatePending      = "Pending"
	StateSearchCode   = "SearchCode"
	StateIdentifyCode = "IdentifyCode"
	StatePlanToCode   = "PlanToCode"
	StateEditCode     = "EditCode"
	StateFinished     = "Finished"
	StateRejected     = "Rejected"
)

// State is one node in a trajectory. Implementations are stateful per run:
// the driver instantiates a fresh value per transition via New and restores
// its configuration with SetProperties.
type State interface {
	// Name is the variant name used in rules and persisted trajectories.
	Name() string
	// IsTerminal reports whether the run stops when this state is reached.
	IsTerminal() bool
	// Properties returns the state's persisted configuration.
	Properties() map[string]any
	// SetProperties restores configuration, typically from a previous
	// state's response output or from a loaded trajectory.
	SetProperties(props map[string]any) error
}

// AgenticState is a State that acts: it renders a prompt, offers tools,
// parses the model's tool call into a Request and executes it. Execute
// must be deterministic given the same request and workspace; all
// non-determinism lives in the model call that produced the request.
type AgenticState interface {
	State
	SystemPrompt() string
	// Prompt renders the user message for this step from the run's task
	// and the current workspace.
	Prompt(initialMessage string, ws *workspace.Workspace) string
	// Tools lists the functions the model may call in this state.
	Tools() []llm.ToolDefinition
	// ParseToolCall converts a model tool call into a typed Request.
	ParseToolCall(call llm.ToolCall) (*Request, error)
	// Execute applies the request to the workspace and decides the next
	// trigger.
	Execute(ctx context.Context, req *Request, ws *workspace.Workspace) (*Response, error)
}

var registry = struct {
	sync.RWMutex
	constructors map[string]func() State
}{constructors: map[string]func() State{}}

// Register adds a state variant constructor. Called from init functions;
// re-registering a name replaces the previous constructor, which tests use
// to install stubs.
func Register(name string, constructor func() State) {
	registry.Lock()
	defer registry.Unlock()
	registry.constructors[name] = constructor
}

// New instantiates a registered state variant by name and restores its
// properties. Drivers pass the previous response's output; loaders pass the
// persisted property map.
func New(name string, props map[string]any) (State, error) {
	registry.RLock()
	constructor, ok := registry.constructors[name]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownState, name)
	}
	state := constructor()
	if err := state.SetProperties(props); err != nil {
		return nil, fmt.Errorf("restore %s properties: %w", name, err)
	}
	return state, nil
}

// IsRegistered reports whether a variant name has a constructor.
func IsRegistered(name string) bool {
	registry.RLock()
	defer registry.RUnlock()
	_, ok := registry.constructors[name]
	return ok
}

// Registered returns all registered variant names, sorted.
func Registered() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.constructors))
	for name := range registry.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeProperties restores a state's fields from a JSON-shaped map.
// Unknown keys are ignored so outputs can carry extra context.
func decodeProperties(props map[string]any, target any) error {
	if len(props) == 0 {
		return nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode properties: %w", err)
	}
	return nil
}

// encodeProperties turns a state's fields into the persisted map form.
func encodeProperties(source any) map[string]any {
	raw, err := json.Marshal(source)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// Tools shared by every agentic state: the model can always choose to end
// the run.

func finishTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "finish",
		Description: "Declare the task solved and finish the run.",
		InputSchema: llm.InputSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"thoughts": {Type: "string", Description: "Why the task is solved."},
			},
			Required: []string{"thoughts"},
		},
	}
}

func rejectTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "reject",
		Description: "Declare the task impossible to solve and abort the run.",
		InputSchema: llm.InputSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"thoughts": {Type: "string", Description: "Why the task cannot be solved."},
			},
			Required: []string{"thoughts"},
		},
	}
}

// parseCommonToolCall handles the finish/reject tools shared by all agentic
// states. The bool reports whether the call was consumed.
func parseCommonToolCall(call llm.ToolCall) (*Request, bool, error) {
	switch call.Name {
	case "finish":
		var req FinishRequest
		if err := decodeParams(call.Parameters, &req); err != nil {
			return nil, true, err
		}
		return NewFinishRequest(&req), true, nil
	case "reject":
		var req RejectRequest
		if err := decodeParams(call.Parameters, &req); err != nil {
			return nil, true, err
		}
		return NewRejectRequest(&req), true, nil
	default:
		return nil, false, nil
	}
}

// executeCommon handles finish/reject requests shared by all agentic
// states. The bool reports whether the request was consumed.
func executeCommon(req *Request) (*Response, bool, error) {
	switch req.Kind {
	case KindFinish:
		finish, err := req.ExtractFinish()
		if err != nil {
			return nil, true, err
		}
		return Transition("finish", map[string]any{"thoughts": finish.Thoughts}), true, nil
	case KindReject:
		reject, err := req.ExtractReject()
		if err != nil {
			return nil, true, err
		}
		return Transition("reject", map[string]any{"thoughts": reject.Thoughts}), true, nil
	default:
		return nil, false, nil
	}
}

// decodeParams converts a tool call's parameter map into a typed request
// payload.
func decodeParams(params map[string]any, target any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode tool parameters: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode tool parameters: %w", err)
	}
	return nil
}
