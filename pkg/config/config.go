// Package config provides wayfinder configuration: a JSON config file with
// ${VAR} expansion, WAYFINDER_* environment overrides, defaults and
// validation, plus an encrypted secrets store for API keys.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// Completion providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// Defaults applied after file and environment loading.
const (
	DefaultProvider         = ProviderAnthropic
	DefaultEvaluationsDir   = "evaluations"
	DefaultWorkers          = 1
	DefaultMaxContextTokens = 8000
)

// envPrefix namespaces environment overrides: WAYFINDER_<FIELD>, nested
// structs joined with underscores (WAYFINDER_BUDGETS_MAX_COST).
const envPrefix = "WAYFINDER_"

// Config is the top-level wayfinder configuration.
type Config struct {
	// Provider selects the completion backend.
	Provider string `json:"provider"`
	// Model is the provider's model identifier. Empty is allowed for
	// replay-only runs that never call a model.
	Model string `json:"model,omitempty"`
	// OllamaHost overrides the local Ollama endpoint.
	OllamaHost string `json:"ollama_host,omitempty"`

	// EvaluationsDir is the parent directory for evaluation outputs.
	EvaluationsDir string `json:"evaluations_dir"`
	// Dataset is the default instances JSONL path for eval runs.
	Dataset string `json:"dataset,omitempty"`
	// DatabasePath enables the SQLite evaluation store when set.
	DatabasePath string `json:"database_path,omitempty"`
	// RulesPath points at a JSON or YAML transition-rules file.
	RulesPath string `json:"rules_path,omitempty"`
	// RepoBaseURL prefixes "owner/name" dataset repos into clone URLs.
	RepoBaseURL string `json:"repo_base_url,omitempty"`

	// Workers bounds evaluation concurrency.
	Workers int `json:"workers"`
	// MaxContextTokens bounds each run's rendered file context.
	MaxContextTokens int `json:"max_context_tokens"`
	// MaxMessageTokens trims live prompt history; zero disables trimming.
	MaxMessageTokens int `json:"max_message_tokens"`

	Budgets    Budgets    `json:"budgets"`
	Prometheus Prometheus `json:"prometheus"`
}

// Budgets overrides the rules-table stop bounds when positive; zero values
// defer to the rules file.
type Budgets struct {
	MaxCost        float64 `json:"max_cost"`
	MaxTransitions int     `json:"max_transitions"`
	MaxIterations  int     `json:"max_iterations"`
	MaxActions     int     `json:"max_actions"`
}

// Prometheus wires the metrics recorder and the usage query service.
type Prometheus struct {
	// ListenAddr serves /metrics when set, e.g. ":9464".
	ListenAddr string `json:"listen_addr,omitempty"`
	// QueryURL is a Prometheus server usage aggregates are read back from.
	QueryURL string `json:"query_url,omitempty"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the JSON config at path, expands ${VAR} placeholders, applies
// WAYFINDER_* environment overrides and defaults, and validates the result.
// An empty path starts from the defaults; environment overrides still apply.
func Load(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Replace ${VAR} placeholders with environment values. Unset
		// variables keep the placeholder so validation flags them.
		expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
			if value := os.Getenv(match[2 : len(match)-1]); value != "" {
				return value
			}
			return match
		})

		if err := json.Unmarshal([]byte(expanded), config); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	applyEnvOverrides(config)
	applyDefaults(config)

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

func applyEnvOverrides(config *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(config).Elem(), reflect.TypeOf(config).Elem(), envPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		fieldName := strings.Split(jsonTag, ",")[0]
		envKey := strings.ToUpper(prefix + fieldName)

		if field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, fieldType.Type, envKey+"_")
			continue
		}
		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		if val, err := parseInt(envValue); err == nil {
			field.SetInt(int64(val))
		}
	case reflect.Float64:
		if val, err := parseFloat(envValue); err == nil {
			field.SetFloat(val)
		}
	}
}

func parseInt(s string) (int, error) {
	var result int
	_, err := fmt.Sscanf(s, "%d", &result)
	if err != nil {
		return 0, fmt.Errorf("failed to parse int from '%s': %w", s, err)
	}
	return result, nil
}

func parseFloat(s string) (float64, error) {
	var result float64
	_, err := fmt.Sscanf(s, "%f", &result)
	if err != nil {
		return 0, fmt.Errorf("failed to parse float from '%s': %w", s, err)
	}
	return result, nil
}

func applyDefaults(config *Config) {
	if config.Provider == "" {
		config.Provider = DefaultProvider
	}
	if config.EvaluationsDir == "" {
		config.EvaluationsDir = DefaultEvaluationsDir
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = DefaultMaxContextTokens
	}
}

func validate(config *Config) error {
	switch config.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGemini:
	default:
		return fmt.Errorf("unknown provider %q (expected %s, %s, %s or %s)",
			config.Provider, ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGemini)
	}

	if config.Budgets.MaxCost < 0 {
		return fmt.Errorf("budgets: max_cost cannot be negative")
	}
	if config.Budgets.MaxTransitions < 0 || config.Budgets.MaxIterations < 0 || config.Budgets.MaxActions < 0 {
		return fmt.Errorf("budgets: transition, iteration and action bounds cannot be negative")
	}
	if config.MaxMessageTokens < 0 {
		return fmt.Errorf("max_message_tokens cannot be negative")
	}
	return nil
}
