package rules

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayfinder/pkg/agent"
)

func TestDefaultRouting(t *testing.T) {
	table := Default()

	tests := []struct {
		source  string
		trigger string
		target  string
	}{
		{agent.StatePending, "start", agent.StateSearchCode},
		{agent.StateSearchCode, "identify", agent.StateIdentifyCode},
		{agent.StateIdentifyCode, "plan", agent.StatePlanToCode},
		{agent.StateIdentifyCode, "search", agent.StateSearchCode},
		{agent.StatePlanToCode, "edit", agent.StateEditCode},
		{agent.StateEditCode, "plan", agent.StatePlanToCode},
		{agent.StateEditCode, "finish", agent.StateFinished},
		{agent.StateSearchCode, "reject", agent.StateRejected},
	}
	for _, tt := range tests {
		target, err := table.Lookup(tt.source, tt.trigger)
		require.NoError(t, err, "Lookup(%s, %s)", tt.source, tt.trigger)
		assert.Equal(t, tt.target, target)
	}
}

func TestLookupNoTransition(t *testing.T) {
	table := Default()

	_, err := table.Lookup(agent.StateSearchCode, "bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTransition))
	assert.Contains(t, err.Error(), "SearchCode")
	assert.Contains(t, err.Error(), "bogus")
}

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name  string
		rules *Rules
	}{
		{"no edges", &Rules{}},
		{
			"empty field",
			&Rules{Edges: []Edge{{Source: agent.StatePending, Trigger: "", Target: agent.StateSearchCode}}},
		},
		{
			"duplicate pair",
			&Rules{Edges: []Edge{
				{Source: agent.StatePending, Trigger: "start", Target: agent.StateSearchCode},
				{Source: agent.StatePending, Trigger: "start", Target: agent.StateEditCode},
			}},
		},
		{
			"unregistered target",
			&Rules{Edges: []Edge{{Source: agent.StatePending, Trigger: "start", Target: "Nonexistent"}}},
		},
		{
			"negative budget",
			&Rules{
				Edges:   []Edge{{Source: agent.StatePending, Trigger: "start", Target: agent.StateSearchCode}},
				MaxCost: -1,
			},
		},
		{
			"no edge for initial trigger",
			&Rules{Edges: []Edge{{Source: agent.StateSearchCode, Trigger: "finish", Target: agent.StateFinished}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.rules.Validate())
		})
	}
}

func TestValidateUnknownStateError(t *testing.T) {
	table := &Rules{Edges: []Edge{{Source: agent.StatePending, Trigger: "start", Target: "Nonexistent"}}}
	err := table.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrUnknownState))
}

func TestJSONRoundTrip(t *testing.T) {
	original := Default()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var restored Rules
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, original.Edges, restored.Edges)
	assert.Equal(t, original.InitialTrigger, restored.InitialTrigger)
	assert.Equal(t, original.MaxCost, restored.MaxCost)
	assert.Equal(t, original.MaxTransitions, restored.MaxTransitions)
	assert.Equal(t, original.MaxIterations, restored.MaxIterations)
	assert.Equal(t, original.MaxActions, restored.MaxActions)
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `edges:
  - source: Pending
    trigger: start
    target: SearchCode
  - source: SearchCode
    trigger: finish
    target: Finished
max_cost: 1.5
max_transitions: 10
max_actions: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, table.Edges, 2)
	assert.Equal(t, 1.5, table.MaxCost)
	assert.Equal(t, 10, table.MaxTransitions)
	assert.Equal(t, 2, table.MaxActions)
	assert.Equal(t, "start", table.Initial())

	target, err := table.Lookup(agent.StateSearchCode, "finish")
	require.NoError(t, err)
	assert.Equal(t, agent.StateFinished, target)
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	data, err := json.Marshal(Default())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Edges, table.Edges)
	require.NoError(t, table.Validate())
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("max_cost: 1.0\n"), 0o644))
	if _, err := LoadFile(empty); err == nil {
		t.Error("Expected error for rules file without edges")
	}

	garbage := filepath.Join(t.TempDir(), "garbage.yaml")
	require.NoError(t, os.WriteFile(garbage, []byte("edges: {not: [valid"), 0o644))
	if _, err := LoadFile(garbage); err == nil {
		t.Error("Expected error for malformed file")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := Default()
	clone := original.Clone()

	clone.Edges[0].Target = agent.StateEditCode
	clone.MaxCost = 99

	assert.Equal(t, agent.StateSearchCode, original.Edges[0].Target)
	assert.Equal(t, DefaultMaxCost, original.MaxCost)
}

func TestInitialDefault(t *testing.T) {
	assert.Equal(t, DefaultInitialTrigger, (&Rules{}).Initial())
	assert.Equal(t, "boot", (&Rules{InitialTrigger: "boot"}).Initial())
}
