// Command wayfinder drives agentic coding trajectories: single runs over a
// local repository, benchmark evaluations over instance datasets, and
// deterministic replays of persisted trajectories.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wayfinder/pkg/benchmark"
	"wayfinder/pkg/config"
	"wayfinder/pkg/flow"
	"wayfinder/pkg/llm"
	"wayfinder/pkg/llm/anthropic"
	"wayfinder/pkg/llm/gemini"
	"wayfinder/pkg/llm/ollama"
	"wayfinder/pkg/llm/openai"
	"wayfinder/pkg/logx"
	"wayfinder/pkg/metrics"
	"wayfinder/pkg/persistence"
	"wayfinder/pkg/rules"
	"wayfinder/pkg/trajectory"
	"wayfinder/pkg/workspace"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Each command returns an exit code instead of calling os.Exit so its
	// defers run before the process terminates.
	var exitCode int
	switch os.Args[1] {
	case "run":
		exitCode = runCmd(os.Args[2:])
	case "eval":
		exitCode = evalCmd(os.Args[2:])
	case "replay":
		exitCode = replayCmd(os.Args[2:])
	case "secrets":
		exitCode = secretsCmd(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("wayfinder %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	case "help", "-help", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		exitCode = 1
	}
	os.Exit(exitCode)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Wayfinder - trajectory engine for autonomous coding agents\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run      Drive one trajectory over a local git repository\n")
	fmt.Fprintf(os.Stderr, "  eval     Evaluate a JSONL dataset of task instances\n")
	fmt.Fprintf(os.Stderr, "  replay   Re-run a persisted trajectory without calling a model\n")
	fmt.Fprintf(os.Stderr, "  secrets  Manage the encrypted API key store\n")
	fmt.Fprintf(os.Stderr, "  version  Show version information\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s run -repo . -task \"fix the failing date parser\"\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s eval -instances swe-lite.jsonl -workers 4\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s replay -trajectory evaluations/run1/django__django-11099/trajectory.json\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Run '%s <command> -help' for command flags.\n", os.Args[0])
}

// runCmd drives one trajectory to a final status and prints the patch.
func runCmd(args []string) int {
	flagSet := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		configPath = flagSet.String("config", "", "Path to a wayfinder config file")
		repoPath   = flagSet.String("repo", ".", "Local git repository to operate on")
		task       = flagSet.String("task", "", "Task description handed to the agent")
		taskFile   = flagSet.String("task-file", "", "File containing the task description")
		trajPath   = flagSet.String("trajectory", "", "Write-through trajectory file (default: trajectory.json, or the -resume file)")
		rulesPath  = flagSet.String("rules", "", "Transition rules file (JSON or YAML)")
		provider   = flagSet.String("provider", "", "Completion provider override")
		model      = flagSet.String("model", "", "Model identifier override")
		resumePath = flagSet.String("resume", "", "Resume the persisted trajectory at this path instead of starting fresh")
		patchOut   = flagSet.String("patch", "", "Write the final patch to this file (default: stdout)")
		name       = flagSet.String("name", "run", "Run name used in logs and metrics")
	)
	if err := flagSet.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	applyOverrides(cfg, *provider, *model)

	message := *task
	if *taskFile != "" {
		data, err := os.ReadFile(*taskFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read task file: %v\n", err)
			return 1
		}
		message = strings.TrimSpace(string(data))
	}
	if message == "" && *resumePath == "" {
		fmt.Fprintf(os.Stderr, "Error: a task is required (-task or -task-file)\n")
		return 1
	}

	table, err := loadRules(*rulesPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := maybeLoadSecrets(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	client, err := buildClient(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	repo, err := workspace.NewGitRepository(*repoPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	ws := workspace.New(repo, cfg.MaxContextTokens)

	persistPath := *trajPath
	if persistPath == "" {
		persistPath = "trajectory.json"
		if *resumePath != "" {
			persistPath = *resumePath
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loop, err := flow.NewLoop(flow.Options{
		Name:             *name,
		Rules:            table,
		InitialMessage:   message,
		Workspace:        ws,
		Client:           client,
		PersistPath:      persistPath,
		MaxMessageTokens: cfg.MaxMessageTokens,
		MaxCost:          cfg.Budgets.MaxCost,
		MaxTransitions:   cfg.Budgets.MaxTransitions,
		MaxIterations:    cfg.Budgets.MaxIterations,
		MaxActions:       cfg.Budgets.MaxActions,
		Metrics:          startMetrics(cfg),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var result *flow.Result
	if *resumePath != "" {
		traj, loadErr := trajectory.Load(*resumePath, ws)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", loadErr)
			return 1
		}
		result, err = loop.Resume(ctx, traj)
	} else {
		result, err = loop.Run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: run failed: %v\n", err)
		return 1
	}

	usage := loop.Trajectory().TotalUsage()
	fmt.Printf("status: %s\n", result.Status)
	if result.Message != "" {
		fmt.Printf("message: %s\n", result.Message)
	}
	fmt.Printf("cost: $%.4f (%d prompt tokens, %d completion tokens)\n",
		usage.CompletionCost, usage.PromptTokens, usage.CompletionTokens)
	return outputPatch(result.Submission, *patchOut)
}

// evalCmd runs a benchmark evaluation over a JSONL dataset of instances.
func evalCmd(args []string) int {
	flagSet := flag.NewFlagSet("eval", flag.ExitOnError)
	var (
		configPath  = flagSet.String("config", "", "Path to a wayfinder config file")
		instances   = flagSet.String("instances", "", "Instances JSONL dataset (default: config dataset)")
		name        = flagSet.String("name", "", "Evaluation name (default: derived from model and date)")
		provider    = flagSet.String("provider", "", "Completion provider override")
		model       = flagSet.String("model", "", "Model identifier override")
		workers     = flagSet.Int("workers", 0, "Concurrent instance evaluations (default: config workers)")
		evalDir     = flagSet.String("evaluations-dir", "", "Parent directory for evaluation outputs")
		rulesPath   = flagSet.String("rules", "", "Transition rules file (JSON or YAML)")
		rerunErrors = flagSet.Bool("rerun-errors", false, "Re-evaluate only instances that previously errored")
		previous    = flagSet.String("previous", "", "Previous evaluation directory to replay recorded actions from")
		resumeAt    = flagSet.String("resume-at", "", "State name where replay hands over to the live model")
		dbPath      = flagSet.String("db", "", "SQLite database for evaluation results (default: config database_path)")
		checkoutDir = flagSet.String("checkout-dir", "", "Base directory for instance checkouts (default: temp dir)")
	)
	if err := flagSet.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	applyOverrides(cfg, *provider, *model)
	if *evalDir != "" {
		cfg.EvaluationsDir = *evalDir
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}

	dataset := *instances
	if dataset == "" {
		dataset = cfg.Dataset
	}
	if dataset == "" {
		fmt.Fprintf(os.Stderr, "Error: an instances dataset is required (-instances or config dataset)\n")
		return 1
	}
	insts, err := benchmark.LoadInstances(dataset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	table, err := loadRules(*rulesPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Pure replays need no client; everything else calls the model.
	var client llm.Client
	if *previous == "" || *resumeAt != "" {
		if err := maybeLoadSecrets(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		client, err = buildClient(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	database := *dbPath
	if database == "" {
		database = cfg.DatabasePath
	}
	var store *persistence.Operations
	if database != "" {
		db, dbErr := persistence.InitializeDatabase(database)
		if dbErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", dbErr)
			return 1
		}
		defer func() { _ = db.Close() }()
		store = persistence.NewOperations(db)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner, err := benchmark.NewRunner(benchmark.Options{
		EvaluationsDir:   cfg.EvaluationsDir,
		Name:             *name,
		Model:            cfg.Model,
		Dataset:          dataset,
		Instances:        insts,
		Client:           client,
		Rules:            table,
		Workers:          cfg.Workers,
		MaxMessageTokens: cfg.MaxMessageTokens,
		MaxContextTokens: cfg.MaxContextTokens,
		RerunErrors:      *rerunErrors,
		PreviousRunDir:   *previous,
		ResumeAt:         *resumeAt,
		CheckoutBaseDir:  *checkoutDir,
		RepoBaseURL:      cfg.RepoBaseURL,
		Store:            store,
		Metrics:          startMetrics(cfg),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	results, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: evaluation failed: %v\n", err)
		return 1
	}

	stats := benchmark.ComputeStats(results)
	fmt.Printf("evaluation %s: %d instances, identified %.1f%%, resolved %.1f%%, errors %.1f%%\n",
		runner.Name(), stats.Total, stats.IdentifiedPct, stats.ResolvedPct, stats.ErrorPct)
	fmt.Printf("results written to %s\n", runner.Dir())
	return 0
}

// replayCmd re-runs a persisted trajectory against a scratch workspace,
// consuming the recorded actions instead of calling a model. A matching
// result proves the run is reproducible.
func replayCmd(args []string) int {
	flagSet := flag.NewFlagSet("replay", flag.ExitOnError)
	var (
		trajPath = flagSet.String("trajectory", "", "Persisted trajectory to replay")
		repoPath = flagSet.String("repo", "", "Local git repository to replay against (default: in-memory scratch)")
		outPath  = flagSet.String("out", "", "Write-through path for the replayed trajectory")
		patchOut = flagSet.String("patch", "", "Write the final patch to this file (default: stdout)")
	)
	if err := flagSet.Parse(args); err != nil {
		return 1
	}
	if *trajPath == "" {
		fmt.Fprintf(os.Stderr, "Error: a trajectory file is required (-trajectory)\n")
		return 1
	}

	// Load the recording into a scratch workspace; only its actions, rules
	// and initial message carry over to the fresh run.
	recorded, err := trajectory.Load(*trajPath, workspace.New(workspace.NewMemRepository(nil), 0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	mocked := recorded.MockedActions()
	if len(mocked) == 0 {
		fmt.Fprintf(os.Stderr, "Error: trajectory %s has no recorded actions to replay\n", *trajPath)
		return 1
	}

	var ws *workspace.Workspace
	if *repoPath != "" {
		repo, repoErr := workspace.NewGitRepository(*repoPath)
		if repoErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", repoErr)
			return 1
		}
		ws = workspace.New(repo, 0)
	} else {
		ws = workspace.New(workspace.NewMemRepository(nil), 0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loop, err := flow.NewLoop(flow.Options{
		Name:           recorded.Name() + "-replay",
		Rules:          recorded.Rules(),
		InitialMessage: recorded.InitialMessage(),
		Workspace:      ws,
		MockedActions:  mocked,
		PersistPath:    *outPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	result, err := loop.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: replay failed: %v\n", err)
		return 1
	}

	fmt.Printf("status: %s\n", result.Status)
	if result.Message != "" {
		fmt.Printf("message: %s\n", result.Message)
	}
	return outputPatch(result.Submission, *patchOut)
}

// applyOverrides merges command line provider/model flags into the config.
func applyOverrides(cfg *config.Config, provider, model string) {
	if provider != "" {
		cfg.Provider = provider
	}
	if model != "" {
		cfg.Model = model
	}
}

// loadRules resolves the transition table: explicit flag, then the config's
// rules file, then the shipped default flow.
func loadRules(path string, cfg *config.Config) (*rules.Rules, error) {
	if path == "" {
		path = cfg.RulesPath
	}
	if path == "" {
		return rules.Default(), nil
	}
	return rules.LoadFile(path)
}

// buildClient constructs the provider client named by the config. API keys
// resolve through the secrets file with environment fallback.
func buildClient(cfg *config.Config) (llm.Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("a model is required (set model in the config or pass -model)")
	}
	apiKey, err := config.APIKeyFor(cfg.Provider)
	if err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return anthropic.NewClient(apiKey, cfg.Model), nil
	case config.ProviderOpenAI:
		return openai.NewClient(apiKey, cfg.Model), nil
	case config.ProviderGemini:
		return gemini.NewClient(apiKey, cfg.Model), nil
	case config.ProviderOllama:
		return ollama.NewClient(cfg.OllamaHost, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// startMetrics wires the Prometheus recorder and serves /metrics when the
// config names a listen address.
func startMetrics(cfg *config.Config) metrics.Recorder {
	if cfg.Prometheus.ListenAddr == "" {
		return metrics.Nop()
	}
	recorder := metrics.NewPrometheusRecorder()
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logx.Infof("serving metrics on %s", cfg.Prometheus.ListenAddr)
		if err := http.ListenAndServe(cfg.Prometheus.ListenAddr, nil); err != nil {
			logx.Warnf("metrics server stopped: %v", err)
		}
	}()
	return recorder
}

// outputPatch writes the submission diff to a file or stdout.
func outputPatch(patch, path string) int {
	if patch == "" {
		fmt.Println("no changes were made")
		return 0
	}
	if path != "" {
		if err := os.WriteFile(path, []byte(patch), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to write patch: %v\n", err)
			return 1
		}
		fmt.Printf("patch written to %s\n", path)
		return 0
	}
	fmt.Println(patch)
	return 0
}
