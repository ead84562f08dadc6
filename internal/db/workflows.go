package db

import (
	"context"
	"time"

	"healthai/internal/model"

	"github.com/jackc/pgx/v5"
)

const workflowColumns = `id, user_id, name, description, trigger_kind, conditions, steps, auto_execute, max_concurrent,
	enabled, total_executions, successful_executions, failed_executions, last_executed_at, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*model.Workflow, error) {
	var w model.Workflow
	err := row.Scan(&w.ID, &w.UserID, &w.Name, &w.Description, &w.TriggerKind, &w.Conditions, &w.Steps,
		&w.AutoExecute, &w.MaxConcurrent, &w.Enabled, &w.TotalExecutions, &w.SuccessfulExecutions,
		&w.FailedExecutions, &w.LastExecutedAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func collectWorkflows(rows pgx.Rows, err error) ([]*model.Workflow, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*model.Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func workflowJSON(w *model.Workflow) ([]model.TriggerCondition, []model.WorkflowStep) {
	conds, steps := w.Conditions, w.Steps
	if conds == nil {
		conds = []model.TriggerCondition{}
	}
	if steps == nil {
		steps = []model.WorkflowStep{}
	}
	return conds, steps
}

func (q *Queries) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	conds, steps := workflowJSON(w)
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO analysis_workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		w.ID, w.UserID, w.Name, w.Description, w.TriggerKind, conds, steps, w.AutoExecute, w.MaxConcurrent,
		w.Enabled, w.TotalExecutions, w.SuccessfulExecutions, w.FailedExecutions, w.LastExecutedAt, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (q *Queries) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	w, err := scanWorkflow(q.Pool.QueryRow(ctx, "SELECT "+workflowColumns+" FROM analysis_workflows WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "workflow", id)
	}
	return w, nil
}

func (q *Queries) ListWorkflows(ctx context.Context, userID string) ([]*model.Workflow, error) {
	return collectWorkflows(q.Pool.Query(ctx,
		"SELECT "+workflowColumns+" FROM analysis_workflows WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	))
}

// UpdateWorkflow writes the definition; execution counters belong to RecordWorkflowOutcome
func (q *Queries) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	conds, steps := workflowJSON(w)
	tag, err := q.Pool.Exec(ctx,
		`UPDATE analysis_workflows SET name = $2, description = $3, trigger_kind = $4, conditions = $5, steps = $6,
			auto_execute = $7, max_concurrent = $8, enabled = $9, updated_at = $10
		WHERE id = $1`,
		w.ID, w.Name, w.Description, w.TriggerKind, conds, steps,
		w.AutoExecute, w.MaxConcurrent, w.Enabled, w.UpdatedAt,
	)
	return requireRow(tag, err, "workflow", w.ID)
}

func (q *Queries) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := q.Pool.Exec(ctx, "DELETE FROM analysis_workflows WHERE id = $1", id)
	return requireRow(tag, err, "workflow", id)
}

func (q *Queries) MatchingWorkflows(ctx context.Context, userID string, kind model.AnalysisKind) ([]*model.Workflow, error) {
	return collectWorkflows(q.Pool.Query(ctx,
		`SELECT `+workflowColumns+` FROM analysis_workflows
		WHERE user_id = $1 AND enabled AND trigger_kind = $2 ORDER BY created_at`,
		userID, kind,
	))
}

// Executions

const workflowExecutionColumns = `id, workflow_id, user_id, trigger_analysis_id, trigger_snapshot, kind, status,
	current_step, total_steps, step_results, created_analyses, error, started_at, completed_at`

func scanWorkflowExecution(row pgx.Row) (*model.WorkflowExecution, error) {
	var e model.WorkflowExecution
	err := row.Scan(&e.ID, &e.WorkflowID, &e.UserID, &e.TriggerAnalysisID, &e.TriggerSnapshot, &e.Kind, &e.Status,
		&e.CurrentStep, &e.TotalSteps, &e.StepResults, &e.CreatedAnalyses, &e.Error, &e.StartedAt, &e.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func stepResults(e *model.WorkflowExecution) []model.StepResult {
	if e.StepResults == nil {
		return []model.StepResult{}
	}
	return e.StepResults
}

// StartWorkflowExecution locks the workflow row, counts its live executions
// and inserts e only below the cap
func (q *Queries) StartWorkflowExecution(ctx context.Context, e *model.WorkflowExecution, maxConcurrent int) (bool, error) {
	started := false
	err := q.inTx(ctx, "start_workflow_execution", func(tx pgx.Tx) error {
		started = false
		var id string
		err := tx.QueryRow(ctx, "SELECT id FROM analysis_workflows WHERE id = $1 FOR UPDATE", e.WorkflowID).Scan(&id)
		if err != nil {
			return notFound(err, "workflow", e.WorkflowID)
		}

		var running int
		err = tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM workflow_executions WHERE workflow_id = $1 AND status = $2",
			e.WorkflowID, model.ExecutionRunning,
		).Scan(&running)
		if err != nil {
			return err
		}
		if running >= maxConcurrent {
			return nil
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO workflow_executions (`+workflowExecutionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			e.ID, e.WorkflowID, e.UserID, e.TriggerAnalysisID, e.TriggerSnapshot, e.Kind, e.Status,
			e.CurrentStep, e.TotalSteps, stepResults(e), nonNilInt64s(e.CreatedAnalyses), e.Error, e.StartedAt, e.CompletedAt,
		)
		if err != nil {
			return err
		}
		started = true
		return nil
	})
	return started, err
}

func (q *Queries) GetWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	e, err := scanWorkflowExecution(q.Pool.QueryRow(ctx,
		"SELECT "+workflowExecutionColumns+" FROM workflow_executions WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "workflow execution", id)
	}
	return e, nil
}

func (q *Queries) UpdateWorkflowExecution(ctx context.Context, e *model.WorkflowExecution) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE workflow_executions SET status = $2, current_step = $3, total_steps = $4, step_results = $5,
			created_analyses = $6, error = $7, completed_at = $8
		WHERE id = $1`,
		e.ID, e.Status, e.CurrentStep, e.TotalSteps, stepResults(e),
		nonNilInt64s(e.CreatedAnalyses), e.Error, e.CompletedAt,
	)
	return requireRow(tag, err, "workflow execution", e.ID)
}

func (q *Queries) ListWorkflowExecutions(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Pool.Query(ctx,
		`SELECT `+workflowExecutionColumns+` FROM workflow_executions
		WHERE workflow_id = $1 ORDER BY started_at DESC LIMIT $2`,
		workflowID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.WorkflowExecution{}
	for rows.Next() {
		e, err := scanWorkflowExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) RecordWorkflowOutcome(ctx context.Context, workflowID string, success bool, at time.Time) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE analysis_workflows SET
			total_executions = total_executions + 1,
			successful_executions = successful_executions + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_executions = failed_executions + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_executed_at = $3
		WHERE id = $1`,
		workflowID, success, at,
	)
	return requireRow(tag, err, "workflow", workflowID)
}
