package benchmark

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"wayfinder/pkg/agent"
)

// Result is the outcome of one instance evaluation.
//
//nolint:govet // struct alignment optimization not critical for this type
type Result struct {
	InstanceID       string  `json:"instance_id"`
	Status           string  `json:"status"`
	Progress         string  `json:"progress,omitempty"`
	Error            string  `json:"error,omitempty"`
	Submission       string  `json:"submission,omitempty"`
	Transitions      int     `json:"transitions"`
	TotalCost        float64 `json:"total_cost"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Duration         float64 `json:"duration"`
	Resolved         *bool   `json:"resolved,omitempty"`
}

// Progress milestones, the deepest coding-flow variant a run reached.
const (
	ProgressSearched   = "searched"
	ProgressIdentified = "identified"
	ProgressPlanned    = "planned"
	ProgressEdited     = "edited"
)

var progressByState = map[string]string{
	agent.StateSearchCode:   ProgressSearched,
	agent.StateIdentifyCode: ProgressIdentified,
	agent.StatePlanToCode:   ProgressPlanned,
	agent.StateEditCode:     ProgressEdited,
}

var progressRank = map[string]int{
	ProgressSearched:   1,
	ProgressIdentified: 2,
	ProgressPlanned:    3,
	ProgressEdited:     4,
}

// deepestProgress maps the visited state names to the furthest milestone.
func deepestProgress(stateNames []string) string {
	best := ""
	for _, name := range stateNames {
		progress, ok := progressByState[name]
		if !ok {
			continue
		}
		if progressRank[progress] > progressRank[best] {
			best = progress
		}
	}
	return best
}

// Stats aggregates result statuses for the report.
type Stats struct {
	Total         int            `json:"total"`
	StatusCounts  map[string]int `json:"status_counts"`
	IdentifiedPct float64        `json:"identified_pct"`
	ResolvedPct   float64        `json:"resolved_pct"`
	ErrorPct      float64        `json:"error_pct"`
}

// ComputeStats derives counts and percentage lines from a result set.
func ComputeStats(results []*Result) *Stats {
	stats := &Stats{
		Total:        len(results),
		StatusCounts: make(map[string]int),
	}
	if len(results) == 0 {
		return stats
	}

	identified := 0
	resolved := 0
	failed := 0
	for _, res := range results {
		stats.StatusCounts[res.Status]++
		if progressRank[res.Progress] >= progressRank[ProgressIdentified] {
			identified++
		}
		if res.Resolved != nil && *res.Resolved {
			resolved++
		}
		if res.Status == "error" {
			failed++
		}
	}

	total := float64(len(results))
	stats.IdentifiedPct = float64(identified) / total * 100
	stats.ResolvedPct = float64(resolved) / total * 100
	stats.ErrorPct = float64(failed) / total * 100
	return stats
}

// Report is the report.json document, rewritten after every completed
// instance.
type Report struct {
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Stats     *Stats    `json:"stats"`
	Results   []*Result `json:"results"`
}

// Prediction is the all_preds.jsonl line format downstream harness tooling
// expects.
type Prediction struct {
	ModelNameOrPath string `json:"model_name_or_path"`
	InstanceID      string `json:"instance_id"`
	ModelPatch      string `json:"model_patch"`
}

// predictionsWriter appends one JSON line per evaluated instance.
type predictionsWriter struct {
	mu   sync.Mutex
	file *os.File
}

func newPredictionsWriter(path string) (*predictionsWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open predictions file %s: %w", path, err)
	}
	return &predictionsWriter{file: file}, nil
}

// Append writes one prediction line and flushes it to disk.
func (w *predictionsWriter) Append(pred *Prediction) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(pred)
	if err != nil {
		return fmt.Errorf("failed to serialize prediction: %w", err)
	}
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("failed to write prediction: %w", err)
	}
	if _, err := w.file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync predictions file: %w", err)
	}
	return nil
}

func (w *predictionsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("failed to close predictions file: %w", err)
	}
	return nil
}

// ReadPredictions parses an all_preds.jsonl file.
func ReadPredictions(path string) ([]*Prediction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read predictions file: %w", err)
	}

	var preds []*Prediction
	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		pred := &Prediction{}
		if err := json.Unmarshal(line, pred); err != nil {
			return nil, fmt.Errorf("failed to parse prediction: %w", err)
		}
		preds = append(preds, pred)
	}
	return preds, nil
}

// writeResultCSV rewrites result.csv from the full result set, sorted by
// instance id.
func writeResultCSV(path string, results []*Result) error {
	sorted := make([]*Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InstanceID < sorted[j].InstanceID })

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create result csv: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	writer := csv.NewWriter(file)
	header := []string{
		"instance_id", "status", "progress", "transitions", "total_cost",
		"prompt_tokens", "completion_tokens", "duration", "resolved", "error",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, res := range sorted {
		resolved := ""
		if res.Resolved != nil {
			resolved = strconv.FormatBool(*res.Resolved)
		}
		record := []string{
			res.InstanceID,
			res.Status,
			res.Progress,
			strconv.Itoa(res.Transitions),
			strconv.FormatFloat(res.TotalCost, 'f', 4, 64),
			strconv.Itoa(res.PromptTokens),
			strconv.Itoa(res.CompletionTokens),
			strconv.FormatFloat(res.Duration, 'f', 1, 64),
			resolved,
			res.Error,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write csv record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

// writeReportJSON rewrites report.json from the full result set.
func writeReportJSON(path string, report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// NewEvaluationName derives a directory-unique evaluation name,
// <model>_<yyyymmdd>, suffixed with _2, _3, ... while taken.
func NewEvaluationName(model string, date time.Time, evaluationsDir string) string {
	base := fmt.Sprintf("%s_%s", sanitizeName(model), date.Format("20060102"))
	name := base
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(evaluationsDir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// sanitizeName maps a model identifier to a directory-safe name.
func sanitizeName(model string) string {
	out := make([]rune, 0, len(model))
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == '.' || r == '-' || r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// trajectorySummary is the read-only slice of a persisted trajectory the
// runner needs for skip decisions and report rows; it never restores a
// workspace.
type trajectorySummary struct {
	Status           string
	Submission       string
	TotalCost        float64
	Duration         float64
	PromptTokens     int
	CompletionTokens int
	Transitions      int
	StateNames       []string
}

// readTrajectorySummary returns nil when the file is missing, unreadable or
// carries no final status, all meaning "not evaluated yet".
func readTrajectorySummary(path string) *trajectorySummary {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var doc struct {
		Info        map[string]any `json:"info"`
		Transitions []struct {
			Name string `json:"name"`
		} `json:"transitions"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	status, _ := doc.Info["status"].(string)
	if status == "" {
		return nil
	}

	summary := &trajectorySummary{Status: status}
	summary.Submission, _ = doc.Info["submission"].(string)
	summary.TotalCost, _ = doc.Info["total_cost"].(float64)
	summary.Duration, _ = doc.Info["duration"].(float64)
	if v, ok := doc.Info["prompt_tokens"].(float64); ok {
		summary.PromptTokens = int(v)
	}
	if v, ok := doc.Info["completion_tokens"].(float64); ok {
		summary.CompletionTokens = int(v)
	}
	if len(doc.Transitions) > 0 {
		summary.Transitions = len(doc.Transitions) - 1
	}
	for _, node := range doc.Transitions {
		summary.StateNames = append(summary.StateNames, node.Name)
	}
	return summary
}
