// Package lineage records workflow executions as a Neo4j graph:
// (Workflow)-[:RAN]->(Execution)-[:HAS_STEP]->(Step)-[:EXECUTED_BY]->(Agent),
// with (Step)-[:DEPENDS_ON]->(Step) edges for previous_step inputs.
package lineage

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-orchestrator/internal/orchestrator"
	"go.uber.org/zap"
)

// Recorder writes execution lineage to Neo4j. It implements
// orchestrator.Archiver.
type Recorder struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewRecorder creates a lineage recorder on a new Neo4j driver.
func NewRecorder(uri, user, password string, logger *zap.Logger) (*Recorder, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Recorder{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (r *Recorder) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT workflow_id IF NOT EXISTS FOR (w:Workflow) REQUIRE w.id IS UNIQUE`,
		`CREATE CONSTRAINT execution_id IF NOT EXISTS FOR (e:Execution) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT agent_id IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE`,
	}
	for _, stmt := range stmts {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure lineage schema: %w", err)
		}
	}
	return nil
}

// Archive records one terminal execution in a single write transaction.
func (r *Recorder) Archive(ctx context.Context, rec *orchestrator.ExecutionRecord) error {
	exec := rec.Execution
	steps, deps := stepParams(rec)

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`MERGE (w:Workflow {id: $workflowId})
			 SET w.name = $workflowName
			 MERGE (e:Execution {id: $executionId})
			 SET e.status = $status, e.failed_step = $failedStep,
			     e.tokens_used = $tokens, e.cost = $cost, e.duration_ms = $durationMs,
			     e.started_at = datetime($startedAt)
			 MERGE (w)-[:RAN]->(e)`,
			map[string]any{
				"workflowId":   exec.WorkflowID,
				"workflowName": rec.Workflow.Name,
				"executionId":  exec.ID,
				"status":       string(exec.Status),
				"failedStep":   exec.FailedStep,
				"tokens":       int64(rec.Result.Metrics.TokensUsed),
				"cost":         rec.Result.Metrics.Cost,
				"durationMs":   rec.Result.Metrics.DurationMS,
				"startedAt":    exec.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
			})
		if err != nil {
			return nil, err
		}

		if len(steps) > 0 {
			_, err = tx.Run(ctx,
				`MATCH (e:Execution {id: $executionId})
				 UNWIND $steps AS s
				 MERGE (st:Step {execution_id: $executionId, step_id: s.stepId})
				 SET st.position = s.position, st.type = s.type, st.status = s.status,
				     st.tokens_used = s.tokens, st.cost = s.cost, st.duration_ms = s.durationMs,
				     st.error_code = s.errorCode
				 MERGE (e)-[:HAS_STEP]->(st)
				 WITH st, s WHERE s.agentId <> ''
				 MERGE (a:Agent {id: s.agentId})
				 MERGE (st)-[:EXECUTED_BY]->(a)`,
				map[string]any{"executionId": exec.ID, "steps": steps})
			if err != nil {
				return nil, err
			}
		}

		if len(deps) > 0 {
			_, err = tx.Run(ctx,
				`UNWIND $deps AS d
				 MATCH (a:Step {execution_id: $executionId, step_id: d.from})
				 MATCH (b:Step {execution_id: $executionId, step_id: d.to})
				 MERGE (a)-[:DEPENDS_ON]->(b)`,
				map[string]any{"executionId": exec.ID, "deps": deps})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("record lineage for %s: %w", exec.ID, err)
	}
	r.logger.Debug("Lineage recorded", zap.String("execution", exec.ID), zap.Int("steps", len(steps)))
	return nil
}

// stepParams flattens recorded step results and previous_step edges into
// Cypher parameters. Steps without a result are not written.
func stepParams(rec *orchestrator.ExecutionRecord) (steps, deps []map[string]any) {
	exec := rec.Execution
	for i, step := range rec.Workflow.Steps {
		res, ok := exec.StepResults[step.ID]
		if !ok {
			continue
		}
		code := ""
		if len(res.Errors) > 0 {
			code = res.Errors[0].Code
		}
		steps = append(steps, map[string]any{
			"stepId":     step.ID,
			"position":   int64(i),
			"type":       string(step.Type),
			"status":     string(res.Status),
			"agentId":    res.AgentID,
			"tokens":     int64(res.Metrics.TokensUsed),
			"cost":       res.Metrics.Cost,
			"durationMs": res.Metrics.DurationMS,
			"errorCode":  code,
		})
		for _, in := range step.Inputs {
			if in.Source != orchestrator.SourcePreviousStep {
				continue
			}
			if _, ran := exec.StepResults[in.StepID]; ran {
				deps = append(deps, map[string]any{"from": step.ID, "to": in.StepID})
			}
		}
	}
	return steps, deps
}

// AgentStep is one step an agent executed, as read back from the graph.
type AgentStep struct {
	WorkflowID  string `json:"workflow_id"`
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id"`
	Status      string `json:"status"`
	TokensUsed  int64  `json:"tokens_used"`
}

// AgentHistory returns the most recent steps executed by an agent.
func (r *Recorder) AgentHistory(ctx context.Context, agentID string, limit int) ([]AgentStep, error) {
	if limit <= 0 {
		limit = 20
	}
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (w:Workflow)-[:RAN]->(e:Execution)-[:HAS_STEP]->(st:Step)-[:EXECUTED_BY]->(:Agent {id: $agentId})
		 RETURN w.id AS workflow, e.id AS execution, st.step_id AS step, st.status AS status,
		        st.tokens_used AS tokens
		 ORDER BY e.started_at DESC, st.position
		 LIMIT $limit`,
		map[string]any{"agentId": agentID, "limit": int64(limit)})
	if err != nil {
		return nil, fmt.Errorf("query agent history: %w", err)
	}

	var out []AgentStep
	for result.Next(ctx) {
		rec := result.Record()
		wf, _ := rec.Get("workflow")
		ex, _ := rec.Get("execution")
		st, _ := rec.Get("step")
		status, _ := rec.Get("status")
		tokens, _ := rec.Get("tokens")
		s := AgentStep{}
		s.WorkflowID, _ = wf.(string)
		s.ExecutionID, _ = ex.(string)
		s.StepID, _ = st.(string)
		s.Status, _ = status.(string)
		s.TokensUsed, _ = tokens.(int64)
		out = append(out, s)
	}
	return out, result.Err()
}
