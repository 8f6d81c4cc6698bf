package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"go.uber.org/zap"
)

// ExecutionRow is an archived workflow execution.
type ExecutionRow struct {
	ID           string                   `json:"id"`
	WorkflowID   string                   `json:"workflow_id"`
	WorkflowName string                   `json:"workflow_name"`
	Status       string                   `json:"status"`
	FailedStep   string                   `json:"failed_step,omitempty"`
	Skipped      []string                 `json:"skipped,omitempty"`
	Variables    map[string]interface{}   `json:"variables,omitempty"`
	Errors       []orchestrator.TaskError `json:"errors,omitempty"`
	TokensUsed   int64                    `json:"tokens_used"`
	Cost         float64                  `json:"cost"`
	DurationMS   int64                    `json:"duration_ms"`
	StartedAt    time.Time                `json:"started_at"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
	Definition   *orchestrator.Workflow   `json:"definition,omitempty"`
	Steps        []StepRow                `json:"steps,omitempty"`
}

// StepRow is one archived step result.
type StepRow struct {
	StepID     string                   `json:"step_id"`
	Position   int                      `json:"position"`
	TaskID     string                   `json:"task_id"`
	AgentID    string                   `json:"agent_id"`
	Status     string                   `json:"status"`
	Output     interface{}              `json:"output,omitempty"`
	Errors     []orchestrator.TaskError `json:"errors,omitempty"`
	DurationMS int64                    `json:"duration_ms"`
	TokensUsed int64                    `json:"tokens_used"`
	Cost       float64                  `json:"cost"`
	RetryCount int                      `json:"retry_count"`
}

// Archive upserts a terminal workflow execution and its step results in one
// transaction. It implements orchestrator.Archiver.
func (s *Store) Archive(ctx context.Context, rec *orchestrator.ExecutionRecord) error {
	exec, res := rec.Execution, rec.Result

	definition, err := json.Marshal(rec.Workflow)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	variables, err := json.Marshal(exec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	skipped, _ := json.Marshal(nonNil(exec.Skipped))
	errs, _ := json.Marshal(res.Errors)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, workflow_name, status, failed_step, skipped, variables, errors,
			 tokens_used, cost, duration_ms, definition, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			failed_step = EXCLUDED.failed_step,
			skipped = EXCLUDED.skipped,
			variables = EXCLUDED.variables,
			errors = EXCLUDED.errors,
			tokens_used = EXCLUDED.tokens_used,
			cost = EXCLUDED.cost,
			duration_ms = EXCLUDED.duration_ms,
			completed_at = EXCLUDED.completed_at`,
		exec.ID, exec.WorkflowID, rec.Workflow.Name, string(exec.Status), exec.FailedStep,
		skipped, variables, errs,
		res.Metrics.TokensUsed, res.Metrics.Cost, res.Metrics.DurationMS, definition,
		exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}

	batch := &pgx.Batch{}
	for i, step := range rec.Workflow.Steps {
		sr, ok := exec.StepResults[step.ID]
		if !ok {
			continue
		}
		output, err := json.Marshal(sr.Output)
		if err != nil {
			s.logger.Warn("step output not serializable",
				zap.String("execution", exec.ID), zap.String("step", step.ID), zap.Error(err))
			output = []byte("null")
		}
		stepErrs, _ := json.Marshal(nonNilErrors(sr.Errors))
		batch.Queue(`
			INSERT INTO step_results
				(execution_id, step_id, position, task_id, agent_id, status, output, errors,
				 duration_ms, tokens_used, cost, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (execution_id, step_id) DO UPDATE SET
				status = EXCLUDED.status,
				output = EXCLUDED.output,
				errors = EXCLUDED.errors,
				duration_ms = EXCLUDED.duration_ms,
				tokens_used = EXCLUDED.tokens_used,
				cost = EXCLUDED.cost,
				retry_count = EXCLUDED.retry_count`,
			exec.ID, step.ID, i, sr.TaskID, sr.AgentID, string(sr.Status), output, stepErrs,
			sr.Metrics.DurationMS, sr.Metrics.TokensUsed, sr.Metrics.Cost, sr.Metrics.RetryCount,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert step results for %s: %w", exec.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit execution %s: %w", exec.ID, err)
	}
	s.logger.Debug("Execution archived",
		zap.String("execution", exec.ID), zap.String("status", string(exec.Status)), zap.Int("steps", batch.Len()))
	return nil
}

// GetExecution loads an archived execution with its step results.
func (s *Store) GetExecution(ctx context.Context, id string) (*ExecutionRow, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_name, status, failed_step, skipped, variables, errors,
		       tokens_used, cost, duration_ms, definition, started_at, completed_at
		FROM workflow_executions WHERE id = $1`, id)

	var e ExecutionRow
	var skipped, variables, errs, definition []byte
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.WorkflowName, &e.Status, &e.FailedStep,
		&skipped, &variables, &errs, &e.TokensUsed, &e.Cost, &e.DurationMS, &definition,
		&e.StartedAt, &e.CompletedAt); err != nil {
		return nil, notFound(err, "get execution "+id)
	}
	_ = json.Unmarshal(skipped, &e.Skipped)
	_ = json.Unmarshal(variables, &e.Variables)
	_ = json.Unmarshal(errs, &e.Errors)
	e.Definition = &orchestrator.Workflow{}
	if err := json.Unmarshal(definition, e.Definition); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT step_id, position, task_id, agent_id, status, output, errors,
		       duration_ms, tokens_used, cost, retry_count
		FROM step_results WHERE execution_id = $1
		ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get step results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st StepRow
		var output, stepErrs []byte
		if err := rows.Scan(&st.StepID, &st.Position, &st.TaskID, &st.AgentID, &st.Status,
			&output, &stepErrs, &st.DurationMS, &st.TokensUsed, &st.Cost, &st.RetryCount); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		if len(output) > 0 {
			_ = json.Unmarshal(output, &st.Output)
		}
		_ = json.Unmarshal(stepErrs, &st.Errors)
		e.Steps = append(e.Steps, st)
	}
	return &e, rows.Err()
}

// ListExecutions returns the most recent executions, newest first, without
// step results. An empty workflowID lists every workflow.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*ExecutionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, workflow_id, workflow_name, status, failed_step,
		       tokens_used, cost, duration_ms, started_at, completed_at
		FROM workflow_executions
		WHERE $1 = '' OR workflow_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRow
	for rows.Next() {
		var e ExecutionRow
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.WorkflowName, &e.Status, &e.FailedStep,
			&e.TokensUsed, &e.Cost, &e.DurationMS, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilErrors(e []orchestrator.TaskError) []orchestrator.TaskError {
	if e == nil {
		return []orchestrator.TaskError{}
	}
	return e
}
