package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wayfinder/pkg/config"
	"wayfinder/pkg/rules"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &config.Config{Provider: "anthropic", Model: "claude-sonnet-4-0"}

	applyOverrides(cfg, "", "")
	if cfg.Provider != "anthropic" || cfg.Model != "claude-sonnet-4-0" {
		t.Errorf("empty overrides changed config: %+v", cfg)
	}

	applyOverrides(cfg, "openai", "gpt-4o")
	if cfg.Provider != "openai" {
		t.Errorf("provider = %q, want openai", cfg.Provider)
	}
	if cfg.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", cfg.Model)
	}
}

func TestLoadRulesDefault(t *testing.T) {
	table, err := loadRules("", &config.Config{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if table.Initial() != rules.DefaultInitialTrigger {
		t.Errorf("initial trigger = %q, want %q", table.Initial(), rules.DefaultInitialTrigger)
	}
	if len(table.Edges) == 0 {
		t.Error("expected the default table to have edges")
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "edges:\n  - source: pending\n    trigger: start\n    target: finished\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	// The flag path wins over the config path.
	table, err := loadRules(path, &config.Config{RulesPath: "does-not-exist.yaml"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(table.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(table.Edges))
	}
	if table.Edges[0].Target != "finished" {
		t.Errorf("target = %q, want finished", table.Edges[0].Target)
	}

	// The config path applies when no flag is given.
	table, err = loadRules("", &config.Config{RulesPath: path})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(table.Edges) != 1 {
		t.Errorf("expected 1 edge, got %d", len(table.Edges))
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	if _, err := loadRules(filepath.Join(t.TempDir(), "missing.yaml"), &config.Config{}); err == nil {
		t.Error("expected an error for a missing rules file")
	}
}

func TestBuildClientRequiresModel(t *testing.T) {
	_, err := buildClient(&config.Config{Provider: config.ProviderAnthropic})
	if err == nil {
		t.Fatal("expected an error when no model is set")
	}
	if !strings.Contains(err.Error(), "model is required") {
		t.Errorf("error = %v, want a model requirement", err)
	}
}

func TestBuildClientUnknownProvider(t *testing.T) {
	_, err := buildClient(&config.Config{Provider: "banana", Model: "m"})
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
	if !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("error = %v, want unknown provider", err)
	}
}

func TestBuildClientMissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := buildClient(&config.Config{Provider: config.ProviderAnthropic, Model: "claude-sonnet-4-0"})
	if err == nil {
		t.Fatal("expected an error when no API key is available")
	}
	if !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Errorf("error = %v, want the missing key name", err)
	}
}

func TestBuildClientProviders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("GEMINI_API_KEY", "test-key")

	tests := []struct {
		provider string
		model    string
	}{
		{config.ProviderAnthropic, "claude-sonnet-4-0"},
		{config.ProviderOpenAI, "gpt-4o"},
		{config.ProviderGemini, "gemini-2.0-flash"},
		{config.ProviderOllama, "qwen3"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			client, err := buildClient(&config.Config{Provider: tt.provider, Model: tt.model})
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if client.ModelName() != tt.model {
				t.Errorf("model = %q, want %q", client.ModelName(), tt.model)
			}
		})
	}
}

func TestOutputPatchToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.diff")
	patch := "diff --git a/main.go b/main.go\n"

	if code := outputPatch(patch, path); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read patch file: %v", err)
	}
	if string(data) != patch {
		t.Errorf("patch file = %q, want %q", string(data), patch)
	}
}

func TestOutputPatchEmpty(t *testing.T) {
	if code := outputPatch("", filepath.Join(t.TempDir(), "out.diff")); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}
