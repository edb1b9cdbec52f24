package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Evaluation represents one benchmark run: a dataset evaluated under a
// single model and rules configuration.
type Evaluation struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	Dataset   string    `json:"dataset"`
	Settings  string    `json:"settings,omitempty"` // JSON blob: rules and loop options
}

// InstanceResult is the persisted outcome of one instance in an evaluation.
//
//nolint:govet // struct alignment optimization not critical for this type
type InstanceResult struct {
	UpdatedAt        time.Time `json:"updated_at"`
	EvaluationID     string    `json:"evaluation_id"`
	InstanceID       string    `json:"instance_id"`
	Status           string    `json:"status"`
	Progress         string    `json:"progress,omitempty"`
	Error            string    `json:"error,omitempty"`
	Submission       string    `json:"submission,omitempty"`
	Transitions      int       `json:"transitions"`
	TotalCost        float64   `json:"total_cost"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	Resolved         *bool     `json:"resolved,omitempty"`
}

// Run status values, mirroring the loop's result statuses. Budget stops are
// stored as-is ("budget:cost", "budget:transitions", ...).
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// EvaluationSummary represents aggregated metrics for an evaluation.
type EvaluationSummary struct {
	EvaluationID     string  `json:"evaluation_id"`
	Total            int     `json:"total"`
	Finished         int     `json:"finished"`
	Errors           int     `json:"errors"`
	Resolved         int     `json:"resolved"`
	TotalCost        float64 `json:"total_cost"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// GenerateEvaluationID generates a new UUID for an evaluation.
func GenerateEvaluationID() string {
	return uuid.New().String()
}
