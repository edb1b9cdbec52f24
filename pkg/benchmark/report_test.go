package benchmark

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayfinder/pkg/agent"
)

func TestDeepestProgress(t *testing.T) {
	assert.Equal(t, "", deepestProgress(nil))
	assert.Equal(t, "", deepestProgress([]string{agent.StatePending, agent.StateFinished}))
	assert.Equal(t, ProgressSearched, deepestProgress([]string{agent.StatePending, agent.StateSearchCode}))
	assert.Equal(t, ProgressEdited, deepestProgress([]string{
		agent.StatePending, agent.StateSearchCode, agent.StateIdentifyCode,
		agent.StatePlanToCode, agent.StateEditCode, agent.StateFinished,
	}))
	// Only depth matters, not visit order.
	assert.Equal(t, ProgressIdentified, deepestProgress([]string{agent.StateIdentifyCode, agent.StateSearchCode}))
}

func TestComputeStats(t *testing.T) {
	resolved := true
	notResolved := false
	results := []*Result{
		{InstanceID: "a", Status: "finished", Progress: ProgressEdited, Resolved: &resolved},
		{InstanceID: "b", Status: "finished", Progress: ProgressIdentified, Resolved: &notResolved},
		{InstanceID: "c", Status: "error", Error: "checkout failed"},
		{InstanceID: "d", Status: "budget:cost", Progress: ProgressSearched},
	}

	stats := ComputeStats(results)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, map[string]int{"finished": 2, "error": 1, "budget:cost": 1}, stats.StatusCounts)
	assert.InDelta(t, 50.0, stats.IdentifiedPct, 0.001)
	assert.InDelta(t, 25.0, stats.ResolvedPct, 0.001)
	assert.InDelta(t, 25.0, stats.ErrorPct, 0.001)

	empty := ComputeStats(nil)
	assert.Equal(t, 0, empty.Total)
	assert.Zero(t, empty.ResolvedPct)
}

func TestPredictionsAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "all_preds.jsonl")

	writer, err := newPredictionsWriter(path)
	require.NoError(t, err)
	require.NoError(t, writer.Append(&Prediction{ModelNameOrPath: "m", InstanceID: "a-1", ModelPatch: "diff a"}))
	require.NoError(t, writer.Append(&Prediction{ModelNameOrPath: "m", InstanceID: "b-2"}))
	require.NoError(t, writer.Close())

	preds, err := ReadPredictions(path)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "a-1", preds[0].InstanceID)
	assert.Equal(t, "diff a", preds[0].ModelPatch)
	assert.Equal(t, "m", preds[1].ModelNameOrPath)
	assert.Empty(t, preds[1].ModelPatch)
}

func TestNewEvaluationName(t *testing.T) {
	dir := t.TempDir()
	date := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	name := NewEvaluationName("claude-3.5/sonnet", date, dir)
	assert.Equal(t, "claude-3.5-sonnet_20260825", name)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0755))
	assert.Equal(t, "claude-3.5-sonnet_20260825_2", NewEvaluationName("claude-3.5/sonnet", date, dir))
}

func TestReadTrajectorySummary(t *testing.T) {
	dir := t.TempDir()

	assert.Nil(t, readTrajectorySummary(filepath.Join(dir, "missing.json")))

	// A trajectory without final info is still in progress.
	inProgress := filepath.Join(dir, "in_progress.json")
	require.NoError(t, os.WriteFile(inProgress, []byte(`{"transitions":[{"name":"Pending"}]}`), 0644))
	assert.Nil(t, readTrajectorySummary(inProgress))

	done := filepath.Join(dir, "done.json")
	doc := map[string]any{
		"info": map[string]any{
			"status":            "finished",
			"submission":        "diff x",
			"total_cost":        0.42,
			"duration":          7.5,
			"prompt_tokens":     1200,
			"completion_tokens": 90,
		},
		"transitions": []map[string]any{
			{"name": "Pending"}, {"name": "SearchCode"}, {"name": "EditCode"}, {"name": "Finished"},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(done, data, 0644))

	summary := readTrajectorySummary(done)
	require.NotNil(t, summary)
	assert.Equal(t, "finished", summary.Status)
	assert.Equal(t, "diff x", summary.Submission)
	assert.InDelta(t, 0.42, summary.TotalCost, 1e-9)
	assert.InDelta(t, 7.5, summary.Duration, 1e-9)
	assert.Equal(t, 1200, summary.PromptTokens)
	assert.Equal(t, 90, summary.CompletionTokens)
	assert.Equal(t, 3, summary.Transitions)
	assert.Equal(t, []string{"Pending", "SearchCode", "EditCode", "Finished"}, summary.StateNames)
}
