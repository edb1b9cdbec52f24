package flow

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayfinder/pkg/agent"
	"wayfinder/pkg/llm"
	"wayfinder/pkg/llm/llmerrors"
	"wayfinder/pkg/rules"
	"wayfinder/pkg/trajectory"
	"wayfinder/pkg/workspace"
)

// stubState is a scripted agentic state: every Execute returns whatever the
// registered act function decides. Tests register stubs under scenario
// names through the normal registry.
type stubState struct {
	name  string
	props map[string]any
	act   func(req *agent.Request, ws *workspace.Workspace) *agent.Response
}

func (s *stubState) Name() string     { return s.name }
func (s *stubState) IsTerminal() bool { return false }

func (s *stubState) Properties() map[string]any {
	if s.props == nil {
		return map[string]any{}
	}
	return s.props
}

func (s *stubState) SetProperties(props map[string]any) error {
	s.props = props
	return nil
}

func (s *stubState) SystemPrompt() string { return "stub system prompt" }

func (s *stubState) Prompt(initialMessage string, _ *workspace.Workspace) string {
	return "task: " + initialMessage
}

func (s *stubState) Tools() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "act", InputSchema: llm.InputSchema{Type: "object"}}}
}

func (s *stubState) ParseToolCall(call llm.ToolCall) (*agent.Request, error) {
	content, _ := call.Parameters["content"].(string)
	return agent.NewContentRequest(&agent.ContentRequest{Content: content}), nil
}

func (s *stubState) Execute(_ context.Context, req *agent.Request, ws *workspace.Workspace) (*agent.Response, error) {
	return s.act(req, ws), nil
}

func registerStub(name string, act func(req *agent.Request, ws *workspace.Workspace) *agent.Response) {
	agent.Register(name, func() agent.State { return &stubState{name: name, act: act} })
}

// captureRecorder counts metric observations for assertions.
type captureRecorder struct {
	requests    int
	transitions []string
	throttles   int
}

func (c *captureRecorder) ObserveRequest(_, _, _ string, _, _ int, _ float64, _ bool, _ string, _ time.Duration) {
	c.requests++
}

func (c *captureRecorder) ObserveTransition(source, target, _ string) {
	c.transitions = append(c.transitions, source+"->"+target)
}

func (c *captureRecorder) IncThrottle(_, _ string) {
	c.throttles++
}

func testWorkspace() *workspace.Workspace {
	repo := workspace.NewMemRepository(map[string]string{
		"main.go": "package main\n",
	})
	return workspace.New(repo, 0)
}

func scenarioRules() *rules.Rules {
	return &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: "Search"},
		{Source: "Search", Trigger: "done", Target: "Edit"},
		{Source: "Edit", Trigger: "finish", Target: agent.StateFinished},
	}}
}

func contentRequest(text string) *agent.Request {
	return agent.NewContentRequest(&agent.ContentRequest{Content: text})
}

func stateNames(traj *trajectory.Trajectory) []string {
	var names []string
	for _, node := range traj.Transitions() {
		names = append(names, node.State.Name())
	}
	return names
}

func TestRunScenarioFinishes(t *testing.T) {
	registerStub("Search", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("done", map[string]any{})
	})
	registerStub("Edit", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("finish", map[string]any{"thoughts": "bug fixed"})
	})
	recorder := &captureRecorder{}

	loop, err := NewLoop(Options{
		Name:           "scenario",
		Rules:          scenarioRules(),
		InitialMessage: "fix bug X",
		Workspace:      testWorkspace(),
		MockedActions:  []*agent.Request{contentRequest("search it"), contentRequest("edit it")},
		Metrics:        recorder,
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, result.Status)
	assert.Equal(t, "bug fixed", result.Message)

	assert.Equal(t, []string{"Pending", "Search", "Edit", "Finished"}, stateNames(loop.traj))
	var ids []int
	for _, node := range loop.traj.Transitions() {
		ids = append(ids, node.ID)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, ids)

	// Pending routes without acting.
	assert.Empty(t, loop.traj.GetState(0).Actions)

	info := loop.traj.Info()
	assert.Equal(t, StatusFinished, info["status"])
	assert.Contains(t, info, "duration")
	assert.Contains(t, info, "total_cost")

	assert.Equal(t, []string{"Pending->Search", "Search->Edit", "Edit->Finished"}, recorder.transitions)
	assert.Zero(t, recorder.requests, "replayed actions must not count as model requests")
}

func TestRunRoutingErrorFailsTrajectory(t *testing.T) {
	registerStub("Search", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("done", nil)
	})
	registerStub("Edit", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("nonexistent", nil)
	})

	loop, err := NewLoop(Options{
		Rules:         scenarioRules(),
		Workspace:     testWorkspace(),
		MockedActions: []*agent.Request{contentRequest("a"), contentRequest("b")},
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rules.ErrNoTransition)
	assert.Equal(t, StatusError, result.Status)

	info := loop.traj.Info()
	assert.Equal(t, StatusError, info["status"])
	errMsg, _ := info["error"].(string)
	assert.Contains(t, errMsg, "nonexistent")
}

func TestRunMaxTransitionsBudget(t *testing.T) {
	registerStub("Spin", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("again", nil)
	})
	table := &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: "Spin"},
		{Source: "Spin", Trigger: "again", Target: "Spin"},
	}}

	mocks := make([]*agent.Request, 10)
	for i := range mocks {
		mocks[i] = contentRequest("go")
	}
	loop, err := NewLoop(Options{
		Rules:          table,
		Workspace:      testWorkspace(),
		MockedActions:  mocks,
		MaxTransitions: 4,
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetTransitions, result.Status)
	// Root plus exactly four non-root transitions.
	assert.Len(t, loop.traj.Transitions(), 5)
}

func TestRunMaxActionsRetryBound(t *testing.T) {
	registerStub("Flaky", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Retry("try harder")
	})
	table := &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: "Flaky"},
	}}

	mocks := make([]*agent.Request, 6)
	for i := range mocks {
		mocks[i] = contentRequest("attempt")
	}
	loop, err := NewLoop(Options{
		Rules:         table,
		Workspace:     testWorkspace(),
		MockedActions: mocks,
		MaxActions:    3,
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrMaxRetriesExceeded)
	assert.Equal(t, StatusError, result.Status)
	assert.Len(t, loop.traj.GetState(1).Actions, 3, "exactly max_actions attempts accumulate")
}

func TestRunIterationBudgetBoundsActionWithoutTransition(t *testing.T) {
	registerStub("Collector", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.NoTransition(map[string]any{"note": "more"})
	})
	table := &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: "Collector"},
	}}

	mocks := make([]*agent.Request, 6)
	for i := range mocks {
		mocks[i] = contentRequest("collect")
	}
	loop, err := NewLoop(Options{
		Rules:         table,
		Workspace:     testWorkspace(),
		MockedActions: mocks,
		MaxIterations: 3,
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetIterations, result.Status)
	assert.Len(t, loop.traj.GetState(1).Actions, 3)
}

func TestReplayReproducesRun(t *testing.T) {
	registerStub("Search", func(req *agent.Request, _ *workspace.Workspace) *agent.Response {
		content, err := req.ExtractContent()
		if err != nil || content.Content == "" {
			return agent.Retry("say something")
		}
		return agent.Transition("done", map[string]any{"found": content.Content})
	})
	registerStub("Edit", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("finish", nil)
	})

	triggersOf := func(traj *trajectory.Trajectory) []string {
		var out []string
		for _, node := range traj.Transitions() {
			for _, action := range node.Actions {
				out = append(out, action.Response.Trigger)
			}
		}
		return out
	}

	first, err := NewLoop(Options{
		Rules:          scenarioRules(),
		InitialMessage: "fix bug X",
		Workspace:      testWorkspace(),
		MockedActions: []*agent.Request{
			contentRequest(""), // retried
			contentRequest("target"),
			contentRequest("patch"),
		},
	})
	require.NoError(t, err)
	result, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFinished, result.Status)

	second, err := NewLoop(Options{
		Rules:          scenarioRules(),
		InitialMessage: "fix bug X",
		Workspace:      testWorkspace(),
		MockedActions:  first.traj.MockedActions(),
	})
	require.NoError(t, err)
	replayed, err := second.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFinished, replayed.Status)

	assert.Equal(t, stateNames(first.traj), stateNames(second.traj))
	assert.Equal(t, first.traj.ExpectedStates(), second.traj.ExpectedStates())
	assert.Equal(t, triggersOf(first.traj), triggersOf(second.traj))
}

func TestRunCostBudget(t *testing.T) {
	registerStub("Flaky", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Retry("try harder")
	})
	table := &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: "Flaky"},
	}}

	toolCall := llm.ToolCall{Name: "act", Parameters: map[string]any{"content": "a"}}
	client := llm.NewMockClient([]llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{toolCall}, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 10, Cost: 0.3}},
		{ToolCalls: []llm.ToolCall{toolCall}, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 10, Cost: 0.3}},
	}, nil)

	loop, err := NewLoop(Options{
		Rules:         table,
		Workspace:     testWorkspace(),
		Client:        client,
		MaxCost:       0.5,
		MaxActions:    10,
		MaxIterations: 10,
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetCost, result.Status)

	info := loop.traj.Info()
	assert.InDelta(t, 0.6, info["total_cost"], 0.0001)
	assert.Equal(t, 200, info["prompt_tokens"])
	assert.Equal(t, 20, info["completion_tokens"])

	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "any", calls[0].ToolChoice)
	require.NotEmpty(t, calls[0].Messages)
	assert.Equal(t, llm.RoleSystem, calls[0].Messages[0].Role)
	// The second call carries the first attempt and its retry feedback.
	require.Len(t, calls[1].Messages, 4)
	assert.Equal(t, llm.RoleAssistant, calls[1].Messages[2].Role)
	assert.Equal(t, "try harder", calls[1].Messages[3].Content)
}

func TestReplayExhaustedWithoutClientFails(t *testing.T) {
	registerStub("Search", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("done", nil)
	})
	registerStub("Edit", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("finish", nil)
	})

	loop, err := NewLoop(Options{
		Rules:         scenarioRules(),
		Workspace:     testWorkspace(),
		MockedActions: []*agent.Request{contentRequest("only one")},
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no completion client")
	assert.Equal(t, StatusError, result.Status)
}

func TestResumeAtSwitchesToLive(t *testing.T) {
	registerStub("Search", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("done", nil)
	})
	registerStub("Edit", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("finish", nil)
	})

	client := llm.NewMockClient([]llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{Name: "act", Parameters: map[string]any{"content": "patch"}}}},
	}, nil)

	loop, err := NewLoop(Options{
		Rules:         scenarioRules(),
		Workspace:     testWorkspace(),
		Client:        client,
		MockedActions: []*agent.Request{contentRequest("recorded search"), contentRequest("recorded edit")},
		ResumeAt:      "Edit",
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, result.Status)
	// Search consumed its mock; Edit hit the resume marker and went live
	// even though a recorded action remained.
	assert.Len(t, client.Calls(), 1)
}

func TestResumeContinuesFromPersistedTrajectory(t *testing.T) {
	registerStub("Search", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("done", nil)
	})
	registerStub("Edit", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("finish", map[string]any{"thoughts": "resumed"})
	})

	path := filepath.Join(t.TempDir(), "trajectory.json")

	first, err := NewLoop(Options{
		Name:           "resumable",
		Rules:          scenarioRules(),
		InitialMessage: "fix bug X",
		Workspace:      testWorkspace(),
		MockedActions:  []*agent.Request{contentRequest("search it")},
		PersistPath:    path,
	})
	require.NoError(t, err)

	// The only mock carries the run to Edit, where it fails: no client.
	result, err := first.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, StatusError, result.Status)

	loaded, err := trajectory.Load(path, testWorkspace())
	require.NoError(t, err)
	require.Equal(t, "Edit", loaded.CurrentState().State.Name())

	second, err := NewLoop(Options{
		Workspace:     testWorkspace(),
		MockedActions: []*agent.Request{contentRequest("edit it")},
		PersistPath:   path,
	})
	require.NoError(t, err)

	resumed, err := second.Resume(context.Background(), loaded)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, resumed.Status)
	assert.Equal(t, "resumed", resumed.Message)
	assert.Equal(t, []string{"Pending", "Search", "Edit", "Finished"}, stateNames(loaded))
}

func TestLiveCompletionRetriesTransientErrors(t *testing.T) {
	registerStub("Solo", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("finish", nil)
	})
	table := &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: "Solo"},
		{Source: "Solo", Trigger: "finish", Target: agent.StateFinished},
	}}

	client := llm.NewMockClient(
		[]llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{Name: "act", Parameters: map[string]any{"content": "x"}}}, Usage: llm.Usage{Cost: 0.01}},
		},
		[]error{errors.New("status: 503 service unavailable")},
	)

	loop, err := NewLoop(Options{
		Rules:     table,
		Workspace: testWorkspace(),
		Client:    client,
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, result.Status)
	assert.Len(t, client.Calls(), 2, "one failed attempt, one successful retry")
}

func TestLiveCompletionAuthErrorFailsFast(t *testing.T) {
	registerStub("Solo", func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("finish", nil)
	})
	table := &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: "Solo"},
		{Source: "Solo", Trigger: "finish", Target: agent.StateFinished},
	}}

	client := llm.NewMockClient(nil, []error{errors.New("status: 401 unauthorized")})

	loop, err := NewLoop(Options{
		Rules:     table,
		Workspace: testWorkspace(),
		Client:    client,
	})
	require.NoError(t, err)

	result, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, result.Status)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.Len(t, client.Calls(), 1, "auth errors are never retried")
}

func TestTrimKeepsPromptsAndRecentHistory(t *testing.T) {
	source := &liveSource{maxTokens: 45}
	long := strings.Repeat("x", 40)
	messages := []llm.Message{
		llm.NewSystemMessage(long),
		llm.NewUserMessage(long),
		llm.NewAssistantMessage(long),
		llm.NewUserMessage(long),
		llm.NewAssistantMessage("recent " + long),
		llm.NewUserMessage(long),
	}

	trimmed := source.trim(messages)
	require.Len(t, trimmed, 4)
	assert.Equal(t, llm.RoleSystem, trimmed[0].Role)
	assert.Contains(t, trimmed[2].Content, "recent", "the newest history pair survives")
}

func TestNewLoopValidation(t *testing.T) {
	_, err := NewLoop(Options{})
	require.Error(t, err, "workspace is required")

	_, err = NewLoop(Options{Workspace: testWorkspace()})
	require.Error(t, err, "an action source is required")

	_, err = NewLoop(Options{
		Workspace: testWorkspace(),
		Rules:     &rules.Rules{Edges: []rules.Edge{{Source: "Nowhere", Trigger: "go", Target: "AlsoNowhere"}}},
		Client:    llm.NewMockClient(nil, nil),
	})
	require.Error(t, err, "rules must validate against the registry")
}
