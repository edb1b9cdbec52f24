package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// InstanceMetrics represents aggregated metrics for a benchmark instance run.
type InstanceMetrics struct {
	InstanceID       string  `json:"instance_id"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetInstanceMetrics retrieves aggregated token and cost metrics for a single
// benchmark instance, summed across every state the run passed through.
func (q *QueryService) GetInstanceMetrics(ctx context.Context, instanceID string) (*InstanceMetrics, error) {
	metrics := &InstanceMetrics{
		InstanceID: instanceID,
	}

	// Query for prompt tokens
	promptTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{instance_id=%q, type="prompt"})`, instanceID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}

	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		metrics.PromptTokens = int64(vector[0].Value)
	}

	// Query for completion tokens
	completionTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{instance_id=%q, type="completion"})`, instanceID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}

	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CompletionTokens = int64(vector[0].Value)
	}

	// Calculate total tokens
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	// Query for total cost
	costQuery := fmt.Sprintf(`sum(llm_costs_total{instance_id=%q})`, instanceID)
	costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}

	if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
		metrics.TotalCost = float64(vector[0].Value)
	}

	return metrics, nil
}

// GetInstanceMetricsByModel retrieves metrics broken down by model for a single
// benchmark instance. Useful when an evaluation mixes models across states.
func (q *QueryService) GetInstanceMetricsByModel(ctx context.Context, instanceID string) (map[string]*InstanceMetrics, error) {
	result := make(map[string]*InstanceMetrics)

	// Query for all models used on this instance
	modelsQuery := fmt.Sprintf(`group by (model) (llm_tokens_total{instance_id=%q})`, instanceID)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	// Extract unique model names
	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if modelName, ok := sample.Metric["model"]; ok {
				models = append(models, string(modelName))
			}
		}
	}

	// Get metrics for each model
	for _, modelName := range models {
		metrics := &InstanceMetrics{
			InstanceID: instanceID,
		}

		// Query prompt tokens for this model
		promptQuery := fmt.Sprintf(`sum(llm_tokens_total{instance_id=%q, model=%q, type="prompt"})`, instanceID, modelName)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for model %s: %w", modelName, err)
		}

		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			metrics.PromptTokens = int64(vector[0].Value)
		}

		// Query completion tokens for this model
		completionQuery := fmt.Sprintf(`sum(llm_tokens_total{instance_id=%q, model=%q, type="completion"})`, instanceID, modelName)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for model %s: %w", modelName, err)
		}

		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			metrics.CompletionTokens = int64(vector[0].Value)
		}

		// Calculate total tokens
		metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

		// Query cost for this model
		costQuery := fmt.Sprintf(`sum(llm_costs_total{instance_id=%q, model=%q})`, instanceID, modelName)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for model %s: %w", modelName, err)
		}

		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			metrics.TotalCost = float64(vector[0].Value)
		}

		result[modelName] = metrics
	}

	return result, nil
}
