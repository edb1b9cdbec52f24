package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Operations provides methods for database operations. The evaluation
// runner upserts through one instance; readers may hold their own.
type Operations struct {
	db *sql.DB
}

// NewOperations creates an Operations instance on an initialized database.
func NewOperations(db *sql.DB) *Operations {
	return &Operations{db: db}
}

// UpsertEvaluation inserts or updates an evaluation record.
func (ops *Operations) UpsertEvaluation(eval *Evaluation) error {
	createdAt := eval.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO evaluations (id, name, model, dataset, settings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			model = excluded.model,
			dataset = excluded.dataset,
			settings = excluded.settings
	`

	_, err := ops.db.Exec(query, eval.ID, eval.Name, eval.Model, eval.Dataset, eval.Settings, createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert evaluation %s: %w", eval.ID, err)
	}
	return nil
}

// GetEvaluation returns an evaluation by its ID.
func (ops *Operations) GetEvaluation(id string) (*Evaluation, error) {
	query := `
		SELECT id, name, model, dataset, settings, created_at
		FROM evaluations WHERE id = ?
	`

	eval := &Evaluation{}
	var settings sql.NullString
	err := ops.db.QueryRow(query, id).Scan(
		&eval.ID, &eval.Name, &eval.Model, &eval.Dataset, &settings, &eval.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evaluation %s: %w", id, err)
	}
	eval.Settings = settings.String

	return eval, nil
}

// ListEvaluations returns all evaluations, newest first.
func (ops *Operations) ListEvaluations() ([]*Evaluation, error) {
	query := `
		SELECT id, name, model, dataset, settings, created_at
		FROM evaluations ORDER BY created_at DESC
	`

	rows, err := ops.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var evals []*Evaluation
	for rows.Next() {
		eval := &Evaluation{}
		var settings sql.NullString
		if err := rows.Scan(&eval.ID, &eval.Name, &eval.Model, &eval.Dataset, &settings, &eval.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		eval.Settings = settings.String
		evals = append(evals, eval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return evals, nil
}

// UpsertInstanceResult inserts or updates the result row for one instance of
// an evaluation. The (evaluation_id, instance_id) pair is the upsert key, so
// re-running an instance replaces its row instead of duplicating it.
func (ops *Operations) UpsertInstanceResult(res *InstanceResult) error {
	updatedAt := res.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO instance_results (
			evaluation_id, instance_id, status, progress, transitions,
			total_cost, prompt_tokens, completion_tokens, duration_ms,
			resolved, error, submission, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(evaluation_id, instance_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			transitions = excluded.transitions,
			total_cost = excluded.total_cost,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			duration_ms = excluded.duration_ms,
			resolved = excluded.resolved,
			error = excluded.error,
			submission = excluded.submission,
			updated_at = excluded.updated_at
	`

	_, err := ops.db.Exec(query,
		res.EvaluationID, res.InstanceID, res.Status, res.Progress,
		res.Transitions, res.TotalCost, res.PromptTokens, res.CompletionTokens,
		res.DurationMS, res.Resolved, res.Error, res.Submission, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert result %s/%s: %w", res.EvaluationID, res.InstanceID, err)
	}
	return nil
}

// GetInstanceResult returns the result row for one instance of an
// evaluation.
func (ops *Operations) GetInstanceResult(evaluationID, instanceID string) (*InstanceResult, error) {
	query := `
		SELECT evaluation_id, instance_id, status, progress, transitions,
		       total_cost, prompt_tokens, completion_tokens, duration_ms,
		       resolved, error, submission, updated_at
		FROM instance_results
		WHERE evaluation_id = ? AND instance_id = ?
	`

	res := &InstanceResult{}
	var progress, errText, submission sql.NullString
	err := ops.db.QueryRow(query, evaluationID, instanceID).Scan(
		&res.EvaluationID, &res.InstanceID, &res.Status, &progress,
		&res.Transitions, &res.TotalCost, &res.PromptTokens,
		&res.CompletionTokens, &res.DurationMS, &res.Resolved,
		&errText, &submission, &res.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result %s/%s: %w", evaluationID, instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result %s/%s: %w", evaluationID, instanceID, err)
	}
	res.Progress = progress.String
	res.Error = errText.String
	res.Submission = submission.String

	return res, nil
}

// ListInstanceResults returns all result rows for an evaluation, ordered by
// instance ID.
func (ops *Operations) ListInstanceResults(evaluationID string) ([]*InstanceResult, error) {
	query := `
		SELECT evaluation_id, instance_id, status, progress, transitions,
		       total_cost, prompt_tokens, completion_tokens, duration_ms,
		       resolved, error, submission, updated_at
		FROM instance_results
		WHERE evaluation_id = ?
		ORDER BY instance_id ASC
	`

	rows, err := ops.db.Query(query, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results for %s: %w", evaluationID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var results []*InstanceResult
	for rows.Next() {
		res := &InstanceResult{}
		var progress, errText, submission sql.NullString
		err := rows.Scan(
			&res.EvaluationID, &res.InstanceID, &res.Status, &progress,
			&res.Transitions, &res.TotalCost, &res.PromptTokens,
			&res.CompletionTokens, &res.DurationMS, &res.Resolved,
			&errText, &submission, &res.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Progress = progress.String
		res.Error = errText.String
		res.Submission = submission.String
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return results, nil
}

// GetEvaluationSummary returns aggregated metrics for an evaluation.
func (ops *Operations) GetEvaluationSummary(evaluationID string) (*EvaluationSummary, error) {
	query := `
		SELECT
			evaluation_id,
			COUNT(*) as total,
			SUM(CASE WHEN status = '` + StatusFinished + `' THEN 1 ELSE 0 END) as finished,
			SUM(CASE WHEN status = '` + StatusError + `' THEN 1 ELSE 0 END) as errors,
			SUM(CASE WHEN resolved = 1 THEN 1 ELSE 0 END) as resolved,
			SUM(total_cost) as total_cost,
			SUM(prompt_tokens) as prompt_tokens,
			SUM(completion_tokens) as completion_tokens
		FROM instance_results
		WHERE evaluation_id = ?
		GROUP BY evaluation_id
	`

	summary := &EvaluationSummary{EvaluationID: evaluationID}
	err := ops.db.QueryRow(query, evaluationID).Scan(
		&summary.EvaluationID,
		&summary.Total,
		&summary.Finished,
		&summary.Errors,
		&summary.Resolved,
		&summary.TotalCost,
		&summary.PromptTokens,
		&summary.CompletionTokens,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// No results recorded for this evaluation yet.
		return summary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary for %s: %w", evaluationID, err)
	}

	return summary, nil
}
