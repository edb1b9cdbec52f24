package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayfinder/pkg/agent"
	"wayfinder/pkg/flow"
	"wayfinder/pkg/llm"
	"wayfinder/pkg/persistence"
	"wayfinder/pkg/rules"
	"wayfinder/pkg/workspace"
)

// stubState is a scripted agentic state registered under the real coding
// state names, so progress derivation sees familiar milestones.
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

// registerCodingStubs installs search and edit stand-ins; the edit writes a
// fix so finished runs carry a submission diff.
func registerCodingStubs() {
	registerStub(agent.StateSearchCode, func(*agent.Request, *workspace.Workspace) *agent.Response {
		return agent.Transition("done", nil)
	})
	registerStub(agent.StateEditCode, func(_ *agent.Request, ws *workspace.Workspace) *agent.Response {
		_ = ws.Repo.WriteFile("main.go", "package main\n\nfunc main() {}\n")
		return agent.Transition("finish", map[string]any{"thoughts": "fixed"})
	})
}

func codingRules() *rules.Rules {
	return &rules.Rules{Edges: []rules.Edge{
		{Source: agent.StatePending, Trigger: "start", Target: agent.StateSearchCode},
		{Source: agent.StateSearchCode, Trigger: "done", Target: agent.StateEditCode},
		{Source: agent.StateEditCode, Trigger: "finish", Target: agent.StateFinished},
	}}
}

func memWorkspaceFor(_ context.Context, _ *Instance) (*workspace.Workspace, func(), error) {
	repo := workspace.NewMemRepository(map[string]string{"main.go": "package main\n"})
	return workspace.New(repo, 0), func() {}, nil
}

func toolResponse(cost float64) llm.CompletionResponse {
	return llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{Name: "act", Parameters: map[string]any{"content": "x"}}},
		Usage:     llm.Usage{PromptTokens: 100, CompletionTokens: 10, Cost: cost},
	}
}

func writeFinishedTrajectory(t *testing.T, path string, info map[string]any, names ...string) {
	t.Helper()
	transitions := make([]map[string]any, 0, len(names))
	for _, name := range names {
		transitions = append(transitions, map[string]any{"name": name})
	}
	doc := map[string]any{"info": info, "transitions": transitions}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestNewRunnerValidation(t *testing.T) {
	client := llm.NewMockClient(nil, nil)
	instances := []*Instance{{InstanceID: "x-1"}}

	_, err := NewRunner(Options{Instances: instances, Client: client})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluations directory")

	_, err = NewRunner(Options{EvaluationsDir: t.TempDir(), Client: client})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no instances")

	_, err = NewRunner(Options{EvaluationsDir: t.TempDir(), Instances: instances})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completion client or a previous run")
}

func TestNewRunnerDerivesName(t *testing.T) {
	dir := t.TempDir()
	runner, err := NewRunner(Options{
		EvaluationsDir: dir,
		Instances:      []*Instance{{InstanceID: "x-1"}},
		Client:         llm.NewMockClient(nil, nil),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(runner.Name(), "mock-model_"))
	assert.Equal(t, filepath.Join(dir, runner.Name()), runner.Dir())
}

func TestRunnerEvaluatesInstances(t *testing.T) {
	registerCodingStubs()
	client := llm.NewMockClient([]llm.CompletionResponse{
		toolResponse(0.01), toolResponse(0.01), toolResponse(0.01), toolResponse(0.01),
	}, nil)

	instances := []*Instance{
		{InstanceID: "astropy__astropy-1", Repo: "astropy/astropy", ProblemStatement: "fix wcs rounding"},
		{InstanceID: "astropy__astropy-2", Repo: "astropy/astropy", ProblemStatement: "fix table join"},
	}

	runner, err := NewRunner(Options{
		EvaluationsDir: t.TempDir(),
		Name:           "smoke",
		Instances:      instances,
		Client:         client,
		Rules:          codingRules(),
		Workers:        2,
		WorkspaceFor:   memWorkspaceFor,
	})
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]*Result{}
	for _, res := range results {
		byID[res.InstanceID] = res
	}
	for _, inst := range instances {
		res := byID[inst.InstanceID]
		require.NotNil(t, res, inst.InstanceID)
		assert.Equal(t, flow.StatusFinished, res.Status)
		assert.Equal(t, ProgressEdited, res.Progress)
		assert.Equal(t, 3, res.Transitions)
		assert.Contains(t, res.Submission, "func main()")
		assert.InDelta(t, 0.02, res.TotalCost, 1e-9)
		assert.Nil(t, res.Resolved)

		_, statErr := os.Stat(filepath.Join(runner.Dir(), inst.InstanceID, "trajectory.json"))
		assert.NoError(t, statErr)
	}

	preds, err := ReadPredictions(filepath.Join(runner.Dir(), "all_preds.jsonl"))
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "mock-model", preds[0].ModelNameOrPath)
	assert.Contains(t, preds[0].ModelPatch, "func main()")

	_, err = os.Stat(filepath.Join(runner.Dir(), "result.csv"))
	assert.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(runner.Dir(), "report.json"))
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "smoke", report.Name)
	assert.Equal(t, 2, report.Stats.Total)
	assert.Equal(t, 2, report.Stats.StatusCounts[flow.StatusFinished])
}

func TestRunnerSkipsCompleted(t *testing.T) {
	registerCodingStubs()
	dir := t.TempDir()
	instanceID := "requests__requests-9"

	writeFinishedTrajectory(t, filepath.Join(dir, "skip", instanceID, "trajectory.json"),
		map[string]any{
			"status":            flow.StatusFinished,
			"submission":        "diff old",
			"total_cost":        0.5,
			"duration":          3.0,
			"prompt_tokens":     100,
			"completion_tokens": 10,
		},
		"Pending", "SearchCode", "EditCode", "Finished")

	client := llm.NewMockClient(nil, nil)
	runner, err := NewRunner(Options{
		EvaluationsDir: dir,
		Name:           "skip",
		Instances:      []*Instance{{InstanceID: instanceID, Repo: "psf/requests", GoldenPatch: "diff old"}},
		Client:         client,
		Rules:          codingRules(),
		WorkspaceFor:   memWorkspaceFor,
	})
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, flow.StatusFinished, res.Status)
	assert.Equal(t, "diff old", res.Submission)
	assert.InDelta(t, 0.5, res.TotalCost, 1e-9)
	assert.Equal(t, ProgressEdited, res.Progress)
	require.NotNil(t, res.Resolved)
	assert.True(t, *res.Resolved)

	// No completion was requested, no prediction line was appended.
	assert.Empty(t, client.Calls())
	preds, err := ReadPredictions(filepath.Join(runner.Dir(), "all_preds.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, preds)
}

func TestRunnerPanicIsolation(t *testing.T) {
	registerCodingStubs()
	client := llm.NewMockClient([]llm.CompletionResponse{toolResponse(0.01), toolResponse(0.01)}, nil)

	workspaceFor := func(ctx context.Context, inst *Instance) (*workspace.Workspace, func(), error) {
		if inst.InstanceID == "boom-1" {
			panic("checkout exploded")
		}
		return memWorkspaceFor(ctx, inst)
	}

	runner, err := NewRunner(Options{
		EvaluationsDir: t.TempDir(),
		Name:           "panics",
		Instances: []*Instance{
			{InstanceID: "boom-1", ProblemStatement: "p"},
			{InstanceID: "fine-2", ProblemStatement: "q"},
		},
		Client:       client,
		Rules:        codingRules(),
		Workers:      2,
		WorkspaceFor: workspaceFor,
	})
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]*Result{}
	for _, res := range results {
		byID[res.InstanceID] = res
	}
	require.NotNil(t, byID["boom-1"])
	assert.Equal(t, flow.StatusError, byID["boom-1"].Status)
	assert.Contains(t, byID["boom-1"].Error, "panic: checkout exploded")
	require.NotNil(t, byID["fine-2"])
	assert.Equal(t, flow.StatusFinished, byID["fine-2"].Status)
}

func TestRunnerWorkspaceFailure(t *testing.T) {
	workspaceFor := func(context.Context, *Instance) (*workspace.Workspace, func(), error) {
		return nil, nil, errors.New("clone timed out")
	}

	runner, err := NewRunner(Options{
		EvaluationsDir: t.TempDir(),
		Name:           "broken",
		Instances:      []*Instance{{InstanceID: "x-1", ProblemStatement: "p"}},
		Client:         llm.NewMockClient(nil, nil),
		Rules:          codingRules(),
		WorkspaceFor:   workspaceFor,
	})
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, flow.StatusError, results[0].Status)
	assert.Contains(t, results[0].Error, "failed to prepare workspace")
	assert.Contains(t, results[0].Error, "clone timed out")
}

func TestRunnerRerunErrorsOnly(t *testing.T) {
	registerCodingStubs()
	dir := t.TempDir()

	writeFinishedTrajectory(t, filepath.Join(dir, "retry", "err-1", "trajectory.json"),
		map[string]any{"status": flow.StatusError, "error": "boom"}, "Pending")
	writeFinishedTrajectory(t, filepath.Join(dir, "retry", "ok-2", "trajectory.json"),
		map[string]any{"status": flow.StatusFinished}, "Pending", "SearchCode", "EditCode", "Finished")

	client := llm.NewMockClient([]llm.CompletionResponse{toolResponse(0.01), toolResponse(0.01)}, nil)
	runner, err := NewRunner(Options{
		EvaluationsDir: dir,
		Name:           "retry",
		Instances: []*Instance{
			{InstanceID: "err-1", ProblemStatement: "p"},
			{InstanceID: "ok-2", ProblemStatement: "q"},
		},
		Client:       client,
		Rules:        codingRules(),
		RerunErrors:  true,
		WorkspaceFor: memWorkspaceFor,
	})
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "err-1", results[0].InstanceID)
	assert.Equal(t, flow.StatusFinished, results[0].Status)
}

func TestRunnerReplaysPreviousRun(t *testing.T) {
	registerCodingStubs()
	dir := t.TempDir()
	instances := []*Instance{{InstanceID: "flask__flask-3", Repo: "pallets/flask", ProblemStatement: "fix routing"}}

	client := llm.NewMockClient([]llm.CompletionResponse{toolResponse(0.02), toolResponse(0.02)}, nil)
	first, err := NewRunner(Options{
		EvaluationsDir: dir,
		Name:           "first",
		Instances:      instances,
		Client:         client,
		Rules:          codingRules(),
		WorkspaceFor:   memWorkspaceFor,
	})
	require.NoError(t, err)

	firstResults, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, firstResults, 1)
	require.Equal(t, flow.StatusFinished, firstResults[0].Status)

	// Replay the recorded actions without any client.
	second, err := NewRunner(Options{
		EvaluationsDir: dir,
		Name:           "second",
		Instances:      instances,
		PreviousRunDir: first.Dir(),
		Rules:          codingRules(),
		WorkspaceFor:   memWorkspaceFor,
	})
	require.NoError(t, err)

	replayed, err := second.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, flow.StatusFinished, replayed[0].Status)
	assert.Equal(t, firstResults[0].Submission, replayed[0].Submission)
	assert.Zero(t, replayed[0].TotalCost)

	preds, err := ReadPredictions(filepath.Join(second.Dir(), "all_preds.jsonl"))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "replay", preds[0].ModelNameOrPath)
}

func TestRunnerStoresResults(t *testing.T) {
	registerCodingStubs()
	dir := t.TempDir()

	db, err := persistence.InitializeDatabase(filepath.Join(dir, "eval.db"))
	require.NoError(t, err)
	defer db.Close()
	store := persistence.NewOperations(db)

	client := llm.NewMockClient([]llm.CompletionResponse{toolResponse(0.01), toolResponse(0.01)}, nil)
	runner, err := NewRunner(Options{
		EvaluationsDir: dir,
		Name:           "stored",
		Dataset:        "dev.jsonl",
		Instances:      []*Instance{{InstanceID: "sympy__sympy-5", ProblemStatement: "fix simplify"}},
		Client:         client,
		Rules:          codingRules(),
		WorkspaceFor:   memWorkspaceFor,
		Store:          store,
	})
	require.NoError(t, err)

	results, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	evals, err := store.ListEvaluations()
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "stored", evals[0].Name)
	assert.Equal(t, "mock-model", evals[0].Model)
	assert.Equal(t, "dev.jsonl", evals[0].Dataset)
	assert.NotEmpty(t, evals[0].Settings)

	rows, err := store.ListInstanceResults(evals[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sympy__sympy-5", rows[0].InstanceID)
	assert.Equal(t, persistence.StatusFinished, rows[0].Status)
	assert.Equal(t, ProgressEdited, rows[0].Progress)
	assert.InDelta(t, 0.02, rows[0].TotalCost, 1e-9)
	assert.NotEmpty(t, rows[0].Submission)
}
