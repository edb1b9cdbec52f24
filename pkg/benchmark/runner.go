package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"wayfinder/pkg/agent"
	"wayfinder/pkg/flow"
	"wayfinder/pkg/llm"
	"wayfinder/pkg/logx"
	"wayfinder/pkg/metrics"
	"wayfinder/pkg/persistence"
	"wayfinder/pkg/rules"
	"wayfinder/pkg/trajectory"
	"wayfinder/pkg/utils"
	"wayfinder/pkg/workspace"
)

// Options configures an evaluation run.
type Options struct {
	// EvaluationsDir is the parent directory for evaluation outputs.
	EvaluationsDir string
	// Name of this evaluation. Empty derives <model>_<yyyymmdd> with a
	// uniqueness suffix.
	Name string
	// Model labels predictions (model_name_or_path). Empty uses the
	// client's model name.
	Model string
	// Dataset is a label for the store row (typically the JSONL path).
	Dataset string
	// Instances to evaluate.
	Instances []*Instance
	// Client produces live completions. May be nil for pure replay runs.
	Client llm.Client
	// Rules is the routing table with budgets. Nil uses rules.Default().
	Rules *rules.Rules
	// Workers bounds the pool. Zero means one.
	Workers int
	// MaxMessageTokens trims live prompt history per completion.
	MaxMessageTokens int
	// MaxContextTokens bounds each instance's file context.
	MaxContextTokens int
	// RerunErrors restricts the run to instances whose previous status in
	// this evaluation directory is "error".
	RerunErrors bool
	// PreviousRunDir replays recorded actions from an earlier evaluation
	// so verified prefixes are not re-billed.
	PreviousRunDir string
	// ResumeAt switches a replayed instance to the live client at the
	// named state.
	ResumeAt string
	// CheckoutBaseDir is where per-instance working copies are created.
	// Empty uses <evaluation dir>/repos.
	CheckoutBaseDir string
	// RepoBaseURL prefixes "owner/name" instance repos into clone URLs.
	RepoBaseURL string
	// WorkspaceFor overrides checkout-based workspace construction; tests
	// and local source trees use it. The cleanup runs after the instance.
	WorkspaceFor func(ctx context.Context, inst *Instance) (*workspace.Workspace, func(), error)
	// Store receives the evaluation row and per-instance rows when set.
	Store *persistence.Operations

	Metrics metrics.Recorder
	Logger  *logx.Logger
}

// Runner evaluates instances concurrently and aggregates their results.
type Runner struct {
	opts    Options
	name    string
	model   string
	evalID  string
	evalDir string
	logger  *logx.Logger

	predictions *predictionsWriter

	mu      sync.Mutex
	results []*Result
}

// NewRunner validates the configuration and prepares the evaluation
// directory layout.
func NewRunner(opts Options) (*Runner, error) {
	if opts.EvaluationsDir == "" {
		return nil, errors.New("benchmark: an evaluations directory is required")
	}
	if len(opts.Instances) == 0 {
		return nil, errors.New("benchmark: no instances to evaluate")
	}
	if opts.Client == nil && opts.PreviousRunDir == "" {
		return nil, errors.New("benchmark: a completion client or a previous run to replay is required")
	}

	model := opts.Model
	if model == "" && opts.Client != nil {
		model = opts.Client.ModelName()
	}
	if model == "" {
		model = "replay"
	}

	name := opts.Name
	if name == "" {
		name = NewEvaluationName(model, time.Now(), opts.EvaluationsDir)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger(name)
	}

	return &Runner{
		opts:    opts,
		name:    name,
		model:   model,
		evalID:  persistence.GenerateEvaluationID(),
		evalDir: filepath.Join(opts.EvaluationsDir, name),
		logger:  logger,
	}, nil
}

// Name returns the evaluation name, derived or configured.
func (r *Runner) Name() string { return r.name }

// Dir returns the evaluation output directory.
func (r *Runner) Dir() string { return r.evalDir }

// Run evaluates every instance and returns the collected results. Instance
// failures are recorded, not returned: the only errors here are evaluation
// setup failures.
func (r *Runner) Run(ctx context.Context) ([]*Result, error) {
	if err := os.MkdirAll(r.evalDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create evaluation directory: %w", err)
	}

	if err := r.registerEvaluation(); err != nil {
		return nil, err
	}

	predictions, err := newPredictionsWriter(filepath.Join(r.evalDir, "all_preds.jsonl"))
	if err != nil {
		return nil, err
	}
	r.predictions = predictions
	defer func() {
		_ = predictions.Close()
	}()

	instances := r.opts.Instances
	if r.opts.RerunErrors {
		instances = r.erroredOnly(instances)
	}

	workers := r.opts.Workers
	if workers <= 0 {
		workers = 1
	}
	r.logger.Info("evaluation %s: %d instances, %d workers", r.name, len(instances), workers)

	pool := pond.NewPool(workers)
	for _, inst := range instances {
		instance := inst
		pool.Submit(func() {
			result, ran := r.evaluateInstance(ctx, instance)
			r.collect(result, ran)
		})
	}
	pool.StopAndWait()

	r.mu.Lock()
	results := make([]*Result, len(r.results))
	copy(results, r.results)
	r.mu.Unlock()

	stats := ComputeStats(results)
	r.logger.Info("evaluation %s complete: %d instances, identified %.1f%%, resolved %.1f%%, errors %.1f%%",
		r.name, stats.Total, stats.IdentifiedPct, stats.ResolvedPct, stats.ErrorPct)

	return results, nil
}

// registerEvaluation upserts the evaluation row when a store is configured.
func (r *Runner) registerEvaluation() error {
	if r.opts.Store == nil {
		return nil
	}

	settings := ""
	if r.opts.Rules != nil {
		data, err := json.Marshal(r.opts.Rules)
		if err != nil {
			return fmt.Errorf("failed to serialize rules for the store: %w", err)
		}
		settings = string(data)
	}

	eval := &persistence.Evaluation{
		ID:        r.evalID,
		Name:      r.name,
		Model:     r.model,
		Dataset:   r.opts.Dataset,
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.opts.Store.UpsertEvaluation(eval); err != nil {
		return fmt.Errorf("failed to register evaluation: %w", err)
	}
	return nil
}

// erroredOnly filters to instances whose previous run in this evaluation
// directory ended in "error".
func (r *Runner) erroredOnly(instances []*Instance) []*Instance {
	var errored []*Instance
	for _, inst := range instances {
		summary := readTrajectorySummary(r.trajectoryPath(inst))
		if summary != nil && summary.Status == flow.StatusError {
			errored = append(errored, inst)
		}
	}
	r.logger.Info("rerun-errors: %d of %d instances had errors", len(errored), len(instances))
	return errored
}

func (r *Runner) trajectoryPath(inst *Instance) string {
	return filepath.Join(r.evalDir, inst.InstanceID, "trajectory.json")
}

// evaluateInstance runs one instance to completion. It never lets a failure
// escape: panics and errors become error-status results so siblings keep
// running.
func (r *Runner) evaluateInstance(ctx context.Context, inst *Instance) (result *Result, ran bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("instance %s panicked: %v", inst.InstanceID, rec)
			result = &Result{
				InstanceID: inst.InstanceID,
				Status:     flow.StatusError,
				Error:      fmt.Sprintf("panic: %v", rec),
			}
			ran = true
		}
	}()

	trajPath := r.trajectoryPath(inst)

	// Skip instances this evaluation already finished; errors rerun.
	if summary := readTrajectorySummary(trajPath); summary != nil && summary.Status != flow.StatusError {
		r.logger.Info("skipping %s: already evaluated (%s)", inst.InstanceID, summary.Status)
		return r.resultFromSummary(inst, summary), false
	}

	if r.opts.Store != nil {
		running := &persistence.InstanceResult{
			EvaluationID: r.evalID,
			InstanceID:   inst.InstanceID,
			Status:       persistence.StatusRunning,
		}
		if err := r.opts.Store.UpsertInstanceResult(running); err != nil {
			r.logger.Warn("failed to mark %s running: %v", inst.InstanceID, err)
		}
	}

	instDir := filepath.Dir(trajPath)
	if err := os.MkdirAll(instDir, 0755); err != nil {
		return r.errorResult(inst, fmt.Errorf("failed to create instance directory: %w", err)), true
	}
	// A rerun must not inherit artifacts from a failed attempt.
	if err := utils.CleanDirectoryContents(instDir); err != nil {
		return r.errorResult(inst, fmt.Errorf("failed to clear instance directory: %w", err)), true
	}

	ws, cleanup, err := r.workspaceFor(ctx, inst)
	if err != nil {
		return r.errorResult(inst, fmt.Errorf("failed to prepare workspace: %w", err)), true
	}
	defer cleanup()

	var mocked []*agent.Request
	if r.opts.PreviousRunDir != "" {
		mocked = r.previousActions(inst)
	}

	loop, err := flow.NewLoop(flow.Options{
		Name:             inst.InstanceID,
		Rules:            r.opts.Rules,
		InitialMessage:   inst.ProblemStatement,
		Workspace:        ws,
		Client:           r.opts.Client,
		MockedActions:    mocked,
		ResumeAt:         r.opts.ResumeAt,
		PersistPath:      trajPath,
		MaxMessageTokens: r.opts.MaxMessageTokens,
		Metrics:          r.opts.Metrics,
		Logger:           r.logger,
	})
	if err != nil {
		return r.errorResult(inst, err), true
	}

	runResult, runErr := loop.Run(ctx)
	return r.buildResult(inst, loop, runResult, runErr), true
}

// workspaceFor builds the instance's exclusive workspace: the configured
// override, or a git checkout of the instance repo at its base commit.
func (r *Runner) workspaceFor(ctx context.Context, inst *Instance) (*workspace.Workspace, func(), error) {
	if r.opts.WorkspaceFor != nil {
		return r.opts.WorkspaceFor(ctx, inst)
	}

	baseDir := r.opts.CheckoutBaseDir
	if baseDir == "" {
		baseDir = filepath.Join(r.evalDir, "repos")
	}

	dir, cleanup, err := workspace.Checkout(ctx, workspace.CheckoutSpec{
		BaseDir:    baseDir,
		RepoURL:    r.repoURL(inst),
		Commit:     inst.BaseCommit,
		InstanceID: inst.InstanceID,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	repo, err := workspace.NewGitRepository(dir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return workspace.New(repo, r.opts.MaxContextTokens), cleanup, nil
}

func (r *Runner) repoURL(inst *Instance) string {
	if strings.Contains(inst.Repo, "://") || strings.HasPrefix(inst.Repo, "git@") {
		return inst.Repo
	}
	base := r.opts.RepoBaseURL
	if base == "" {
		base = "https://github.com/"
	}
	return base + inst.Repo
}

// previousActions loads the instance's trajectory from the previous run and
// flattens its recorded requests. The load uses a scratch workspace; the
// rerun starts from a fresh checkout.
func (r *Runner) previousActions(inst *Instance) []*agent.Request {
	prevPath := filepath.Join(r.opts.PreviousRunDir, inst.InstanceID, "trajectory.json")
	if _, err := os.Stat(prevPath); err != nil {
		return nil
	}

	scratch := workspace.New(workspace.NewMemRepository(nil), 0)
	prev, err := trajectory.Load(prevPath, scratch)
	if err != nil {
		r.logger.Warn("cannot replay %s from %s: %v", inst.InstanceID, prevPath, err)
		return nil
	}
	return prev.MockedActions()
}

func (r *Runner) errorResult(inst *Instance, err error) *Result {
	r.logger.Error("instance %s failed: %v", inst.InstanceID, err)
	return &Result{
		InstanceID: inst.InstanceID,
		Status:     flow.StatusError,
		Error:      err.Error(),
	}
}

// buildResult converts a finished loop into a report row.
func (r *Runner) buildResult(inst *Instance, loop *flow.Loop, res *flow.Result, runErr error) *Result {
	traj := loop.Trajectory()
	usage := traj.TotalUsage()

	var names []string
	for _, node := range traj.Transitions() {
		names = append(names, node.State.Name())
	}

	result := &Result{
		InstanceID:       inst.InstanceID,
		Status:           res.Status,
		Progress:         deepestProgress(names),
		Transitions:      len(names) - 1,
		TotalCost:        usage.CompletionCost,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Submission:       res.Submission,
	}
	if duration, ok := traj.Info()["duration"].(float64); ok {
		result.Duration = duration
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	r.markResolved(inst, result)
	return result
}

func (r *Runner) resultFromSummary(inst *Instance, summary *trajectorySummary) *Result {
	result := &Result{
		InstanceID:       inst.InstanceID,
		Status:           summary.Status,
		Progress:         deepestProgress(summary.StateNames),
		Transitions:      summary.Transitions,
		TotalCost:        summary.TotalCost,
		PromptTokens:     summary.PromptTokens,
		CompletionTokens: summary.CompletionTokens,
		Duration:         summary.Duration,
		Submission:       summary.Submission,
	}
	r.markResolved(inst, result)
	return result
}

// markResolved compares the submission to the dataset's golden patch when
// one exists. Without a golden patch resolution stays unknown.
func (r *Runner) markResolved(inst *Instance, result *Result) {
	if inst.GoldenPatch == "" {
		return
	}
	resolved := strings.TrimSpace(result.Submission) == strings.TrimSpace(inst.GoldenPatch)
	result.Resolved = &resolved
}

// collect appends a finished result and rebuilds the run artifacts:
// prediction line (only for instances that ran now), store row, result.csv
// and report.json.
func (r *Runner) collect(result *Result, ran bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, result)

	if ran {
		pred := &Prediction{
			ModelNameOrPath: r.model,
			InstanceID:      result.InstanceID,
			ModelPatch:      result.Submission,
		}
		if err := r.predictions.Append(pred); err != nil {
			r.logger.Warn("failed to append prediction for %s: %v", result.InstanceID, err)
		}
	}

	if r.opts.Store != nil {
		row := &persistence.InstanceResult{
			EvaluationID:     r.evalID,
			InstanceID:       result.InstanceID,
			Status:           result.Status,
			Progress:         result.Progress,
			Transitions:      result.Transitions,
			TotalCost:        result.TotalCost,
			PromptTokens:     int64(result.PromptTokens),
			CompletionTokens: int64(result.CompletionTokens),
			DurationMS:       int64(result.Duration * 1000),
			Resolved:         result.Resolved,
			Error:            result.Error,
			Submission:       result.Submission,
		}
		if err := r.opts.Store.UpsertInstanceResult(row); err != nil {
			r.logger.Warn("failed to store result for %s: %v", result.InstanceID, err)
		}
	}

	if err := r.writeReports(); err != nil {
		r.logger.Warn("failed to write reports: %v", err)
	}
}

// writeReports rewrites result.csv and report.json from the results so far.
// Callers hold r.mu.
func (r *Runner) writeReports() error {
	if err := writeResultCSV(filepath.Join(r.evalDir, "result.csv"), r.results); err != nil {
		return err
	}

	report := &Report{
		Name:      r.name,
		Model:     r.model,
		CreatedAt: time.Now().UTC(),
		Stats:     ComputeStats(r.results),
		Results:   r.results,
	}
	return writeReportJSON(filepath.Join(r.evalDir, "report.json"), report)
}
