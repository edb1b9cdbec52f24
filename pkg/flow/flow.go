// Package flow drives a trajectory: it routes states through transition
// rules, obtains actions from a live model or a replay queue, enforces
// budgets and records every step on the trajectory as it happens.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wayfinder/pkg/agent"
	"wayfinder/pkg/llm"
	"wayfinder/pkg/logx"
	"wayfinder/pkg/metrics"
	"wayfinder/pkg/rules"
	"wayfinder/pkg/trajectory"
	"wayfinder/pkg/utils"
	"wayfinder/pkg/workspace"
)

// Final trajectory statuses. Budgets are designed stops, not errors; only
// StatusError reports a failure.
const (
	StatusFinished          = "finished"
	StatusRejected          = "rejected"
	StatusBudgetCost        = "budget:cost"
	StatusBudgetTransitions = "budget:transitions"
	StatusBudgetIterations  = "budget:iterations"
	StatusError             = "error"
)

// Result is the outcome of one run.
type Result struct {
	Status     string
	Message    string
	Submission string
}

// Options configures a Loop. Workspace is required; at least one of Client
// and MockedActions must be set. Budget fields override the rules table when
// positive.
type Options struct {
	// Name identifies the run in logs, metrics and the trajectory file.
	Name string
	// Rules is the routing table with budgets. Nil uses rules.Default().
	Rules *rules.Rules
	// InitialMessage is the task handed to the first agentic state.
	InitialMessage string
	// Workspace is the repository bundle the run operates on.
	Workspace *workspace.Workspace
	// Client produces live completions. May be nil for pure replay.
	Client llm.Client
	// MockedActions are consumed before any live completion happens.
	MockedActions []*agent.Request
	// ResumeAt switches from replay to live completions when a state with
	// this name becomes current, even if mocked actions remain.
	ResumeAt string
	// PersistPath enables write-through persistence of the trajectory.
	PersistPath string
	// MaxMessageTokens trims oldest history from live prompts. 0 disables.
	MaxMessageTokens int

	// Budget overrides; zero values keep the rules table's budgets.
	MaxCost        float64
	MaxTransitions int
	MaxIterations  int
	MaxActions     int

	Metrics metrics.Recorder
	Logger  *logx.Logger
}

// Loop executes one trajectory at a time. It is not safe for concurrent
// use; run independent trajectories with independent loops.
type Loop struct {
	opts    Options
	rules   *rules.Rules
	counter *utils.TokenCounter
	metrics metrics.Recorder
	logger  *logx.Logger

	traj    *trajectory.Trajectory
	ws      *workspace.Workspace
	started time.Time

	maxCost        float64
	maxTransitions int
	maxIterations  int
	maxActions     int
}

// NewLoop validates the configuration and builds a driver.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Workspace == nil {
		return nil, errors.New("flow: a workspace is required")
	}
	if opts.Client == nil && len(opts.MockedActions) == 0 {
		return nil, errors.New("flow: either a completion client or mocked actions are required")
	}
	table := opts.Rules
	if table == nil {
		table = rules.Default()
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("flow: invalid transition rules: %w", err)
	}
	if opts.Name == "" {
		opts.Name = "run"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger(opts.Name)
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Nop()
	}

	loop := &Loop{opts: opts, rules: table, metrics: recorder, logger: logger}
	if opts.Client != nil {
		counter, err := utils.NewTokenCounter(opts.Client.ModelName())
		if err != nil {
			logger.Warn("token counter unavailable for %s, falling back to size estimates: %v",
				opts.Client.ModelName(), err)
		}
		loop.counter = counter
	}
	return loop, nil
}

// Trajectory returns the run record. Nil until Run or Resume attaches one.
func (l *Loop) Trajectory() *trajectory.Trajectory {
	return l.traj
}

// Run starts a fresh trajectory from a Pending root and drives it to a
// final status. The returned error is non-nil only for StatusError.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	l.started = time.Now()

	traj := trajectory.New(l.opts.Name, l.opts.InitialMessage, l.opts.Workspace, l.rules)
	if l.opts.PersistPath != "" {
		traj.SetPersistPath(l.opts.PersistPath)
	}
	l.traj = traj

	root, err := agent.New(agent.StatePending, nil)
	if err != nil {
		return nil, err
	}
	if err := traj.SaveState(&trajectory.Transition{ID: 0, State: root}); err != nil {
		return l.fail(fmt.Errorf("save root state: %w", err))
	}
	if err := traj.SetCurrentState(0); err != nil {
		return l.fail(err)
	}
	return l.drive(ctx)
}

// Resume continues an interrupted run from the trajectory's persisted
// current pointer. The trajectory's own rules apply: they were persisted
// with it so the run replays under exactly the table that shaped it; the
// loop's budget overrides still win. The workspace is rolled forward to
// the current state's snapshot before the first step.
func (l *Loop) Resume(ctx context.Context, traj *trajectory.Trajectory) (*Result, error) {
	if traj == nil {
		return nil, errors.New("flow: nil trajectory")
	}
	if traj.Workspace() == nil {
		return nil, errors.New("flow: cannot resume a trajectory loaded without a workspace")
	}
	table := traj.Rules()
	if table == nil {
		return nil, errors.New("flow: trajectory carries no transition rules")
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("flow: persisted rules no longer route: %w", err)
	}
	if traj.CurrentState() == nil {
		return nil, errors.New("flow: trajectory has no current state")
	}

	l.started = time.Now()
	l.traj = traj
	l.rules = table
	if l.opts.PersistPath != "" {
		traj.SetPersistPath(l.opts.PersistPath)
	}
	if err := traj.UpdateWorkspaceToCurrentState(); err != nil {
		return l.fail(fmt.Errorf("restore workspace for resume: %w", err))
	}
	return l.drive(ctx)
}

// drive is the step loop. All configuration is read from the attached
// trajectory so Run and Resume share one body.
func (l *Loop) drive(ctx context.Context) (*Result, error) {
	l.ws = l.traj.Workspace()
	l.applyBudgets()

	var replay *replaySource
	if len(l.opts.MockedActions) > 0 {
		replay = &replaySource{queue: l.opts.MockedActions, resumeAt: l.opts.ResumeAt}
	}
	var live *liveSource
	if l.opts.Client != nil {
		live = &liveSource{
			client:         l.opts.Client,
			counter:        l.counter,
			maxTokens:      l.opts.MaxMessageTokens,
			ws:             l.ws,
			initialMessage: l.traj.InitialMessage(),
			instance:       l.traj.Name(),
			metrics:        l.metrics,
			logger:         l.logger,
		}
	}

	for {
		node := l.traj.CurrentState()
		if node == nil {
			return l.fail(errors.New("trajectory has no current state"))
		}
		state := node.State

		if state.IsTerminal() {
			status := StatusFinished
			if state.Name() == agent.StateRejected {
				status = StatusRejected
			}
			return l.stop(status, stateThoughts(state))
		}
		usage := l.traj.TotalUsage()
		if l.maxCost > 0 && usage.CompletionCost >= l.maxCost {
			return l.stop(StatusBudgetCost,
				fmt.Sprintf("cost budget exhausted: spent $%.4f of $%.2f", usage.CompletionCost, l.maxCost))
		}
		if l.maxTransitions > 0 && len(l.traj.Transitions())-1 >= l.maxTransitions {
			return l.stop(StatusBudgetTransitions,
				fmt.Sprintf("transition budget exhausted after %d transitions", l.maxTransitions))
		}
		if l.maxIterations > 0 && len(node.Actions) >= l.maxIterations {
			return l.stop(StatusBudgetIterations,
				fmt.Sprintf("state %s used all %d iterations", state.Name(), l.maxIterations))
		}

		// Pending only routes; no action is ever recorded for it.
		if state.Name() == agent.StatePending {
			if err := l.transition(node, l.rules.Initial(), nil); err != nil {
				return l.fail(err)
			}
			continue
		}

		agentic, ok := state.(agent.AgenticState)
		if !ok {
			return l.fail(fmt.Errorf("state %s is neither terminal nor able to act", state.Name()))
		}

		source, err := l.pickSource(state.Name(), live, replay)
		if err != nil {
			return l.fail(err)
		}
		action, err := source.next(ctx, agentic, node)
		if err != nil {
			return l.fail(fmt.Errorf("state %s: %w", state.Name(), err))
		}

		resp, err := agentic.Execute(ctx, action.request, l.ws)
		if err != nil {
			return l.fail(fmt.Errorf("state %s: %w", state.Name(), err))
		}

		node.RecordAction(&agent.Transaction{
			Request:    action.request,
			Response:   resp,
			Usage:      action.usage,
			Completion: action.completion,
		})
		if action.usage != nil {
			l.traj.AddUsage(*action.usage)
		}
		if err := l.traj.SaveState(node); err != nil {
			return l.fail(fmt.Errorf("save state %d: %w", node.ID, err))
		}

		switch {
		case resp.IsRetry():
			l.logger.Debug("state %s retry %d: %s", state.Name(), len(node.Actions), resp.RetryMessage)
			if l.maxActions > 0 && len(node.Actions) >= l.maxActions {
				return l.fail(fmt.Errorf("state %s: %w", state.Name(), agent.ErrMaxRetriesExceeded))
			}
		case resp.Trigger == "":
			// The state recorded output without routing; it stays current
			// and acts again, bounded by max_iterations.
		default:
			if err := l.transition(node, resp.Trigger, resp.Output); err != nil {
				return l.fail(err)
			}
		}
	}
}

// transition routes from the given node, instantiates the target state with
// the response output as its properties, and advances the current pointer.
func (l *Loop) transition(from *trajectory.Transition, trigger string, output map[string]any) error {
	target, err := l.rules.Lookup(from.State.Name(), trigger)
	if err != nil {
		return err
	}
	next, err := agent.New(target, output)
	if err != nil {
		return err
	}
	child := &trajectory.Transition{ID: l.traj.NextID(), State: next, Parent: from}
	if err := l.traj.SaveState(child); err != nil {
		return fmt.Errorf("save state %d: %w", child.ID, err)
	}
	if err := l.traj.SetCurrentState(child.ID); err != nil {
		return err
	}
	l.metrics.ObserveTransition(from.State.Name(), target, trigger)
	l.logger.Debug("transition %s --%s--> %s (id %d)", from.State.Name(), trigger, target, child.ID)
	return nil
}

// pickSource decides where the next action comes from: the replay queue
// while it is active, otherwise a live completion.
func (l *Loop) pickSource(stateName string, live *liveSource, replay *replaySource) (actionSource, error) {
	if replay.active(stateName) {
		return replay, nil
	}
	if live == nil {
		return nil, errors.New("recorded actions exhausted and no completion client configured")
	}
	return live, nil
}

func (l *Loop) applyBudgets() {
	l.maxCost = l.rules.MaxCost
	if l.opts.MaxCost > 0 {
		l.maxCost = l.opts.MaxCost
	}
	l.maxTransitions = l.rules.MaxTransitions
	if l.opts.MaxTransitions > 0 {
		l.maxTransitions = l.opts.MaxTransitions
	}
	l.maxIterations = l.rules.MaxIterations
	if l.opts.MaxIterations > 0 {
		l.maxIterations = l.opts.MaxIterations
	}
	l.maxActions = l.rules.MaxActions
	if l.opts.MaxActions > 0 {
		l.maxActions = l.opts.MaxActions
	}
}

func (l *Loop) stop(status, message string) (*Result, error) {
	return l.finalize(status, message), nil
}

func (l *Loop) fail(err error) (*Result, error) {
	l.logger.Error("run failed: %v", err)
	return l.finalize(StatusError, err.Error()), err
}

// finalize writes the run outcome into the trajectory info on every path,
// so an interrupted or failed run still reports its spend and its diff.
func (l *Loop) finalize(status, message string) *Result {
	duration := time.Since(l.started).Seconds()
	usage := l.traj.TotalUsage()
	submission := l.submission()

	info := map[string]any{
		"status":            status,
		"duration":          duration,
		"total_cost":        usage.CompletionCost,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
	}
	if submission != "" {
		info["submission"] = submission
	}
	if status == StatusError && message != "" {
		info["error"] = message
	}
	if err := l.traj.SaveInfo(info); err != nil {
		l.logger.Error("failed to persist run info: %v", err)
	}

	l.logger.Info("run %s: status=%s cost=$%.4f transitions=%d duration=%.1fs",
		l.traj.Name(), status, usage.CompletionCost, len(l.traj.Transitions())-1, duration)
	return &Result{Status: status, Message: message, Submission: submission}
}

// submission renders the workspace diff with a normalized trailing newline.
func (l *Loop) submission() string {
	if l.ws == nil {
		l.ws = l.traj.Workspace()
	}
	if l.ws == nil {
		return ""
	}
	diff, err := l.ws.Diff()
	if err != nil {
		l.logger.Warn("failed to produce submission diff: %v", err)
		return ""
	}
	if diff != "" && !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	return diff
}

// stateThoughts pulls the closing thoughts out of a terminal state's
// properties for the result message.
func stateThoughts(state agent.State) string {
	if thoughts, ok := state.Properties()["thoughts"].(string); ok {
		return thoughts
	}
	return ""
}
