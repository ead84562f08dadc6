package db

import (
	"context"
	"time"

	"healthai/internal/model"

	"github.com/jackc/pgx/v5"
)

const analysisColumns = `id, user_id, provider_id, provider_name, measurement_ids, kind, prompt, additional_context,
	response, status, model_used, error, error_code, duration_seconds, token_usage, cost, source, source_id,
	created_at, completed_at`

func scanAnalysis(row pgx.Row) (*model.Analysis, error) {
	var a model.Analysis
	err := row.Scan(
		&a.ID, &a.UserID, &a.ProviderID, &a.ProviderName, &a.MeasurementIDs, &a.Kind, &a.Prompt, &a.AdditionalContext,
		&a.Response, &a.Status, &a.ModelUsed, &a.Error, &a.ErrorCode, &a.Duration, &a.TokenUsage, &a.Cost, &a.Source, &a.SourceID,
		&a.CreatedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (q *Queries) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	return q.Pool.QueryRow(ctx,
		`INSERT INTO ai_analyses (user_id, provider_id, provider_name, measurement_ids, kind, prompt, additional_context,
			response, status, model_used, error, error_code, duration_seconds, token_usage, cost, source, source_id,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING id`,
		a.UserID, a.ProviderID, a.ProviderName, nonNilInt64s(a.MeasurementIDs), a.Kind, a.Prompt, a.AdditionalContext,
		a.Response, a.Status, a.ModelUsed, a.Error, a.ErrorCode, a.Duration, a.TokenUsage, a.Cost, a.Source, a.SourceID,
		a.CreatedAt, a.CompletedAt,
	).Scan(&a.ID)
}

func (q *Queries) GetAnalysis(ctx context.Context, id int64) (*model.Analysis, error) {
	a, err := scanAnalysis(q.Pool.QueryRow(ctx, "SELECT "+analysisColumns+" FROM ai_analyses WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "analysis", id)
	}
	return a, nil
}

func (q *Queries) ListAnalyses(ctx context.Context, userID string, limit, offset int) ([]*model.Analysis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Pool.Query(ctx,
		"SELECT "+analysisColumns+" FROM ai_analyses WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	analyses := []*model.Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

func (q *Queries) MarkAnalysisProcessing(ctx context.Context, id int64) (bool, error) {
	tag, err := q.Pool.Exec(ctx,
		"UPDATE ai_analyses SET status = $2 WHERE id = $1 AND status <> ALL($3)",
		id, model.AnalysisProcessing, terminalAnalysis,
	)
	return q.conditional(ctx, tag, err, "ai_analyses", "analysis", id)
}

// FinalizeAnalysis writes the outcome columns unless the row is already terminal
func (q *Queries) FinalizeAnalysis(ctx context.Context, a *model.Analysis) (bool, error) {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE ai_analyses SET provider_id = $2, provider_name = $3, measurement_ids = $4, prompt = $5,
			response = $6, status = $7, model_used = $8, error = $9, error_code = $10, duration_seconds = $11,
			token_usage = $12, cost = $13, completed_at = $14
		WHERE id = $1 AND status <> ALL($15)`,
		a.ID, a.ProviderID, a.ProviderName, nonNilInt64s(a.MeasurementIDs), a.Prompt,
		a.Response, a.Status, a.ModelUsed, a.Error, a.ErrorCode, a.Duration,
		a.TokenUsage, a.Cost, a.CompletedAt, terminalAnalysis,
	)
	return q.conditional(ctx, tag, err, "ai_analyses", "analysis", a.ID)
}

func (q *Queries) CancelAnalysis(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := q.Pool.Exec(ctx,
		"UPDATE ai_analyses SET status = $2, completed_at = $3 WHERE id = $1 AND status <> ALL($4)",
		id, model.AnalysisCancelled, at, terminalAnalysis,
	)
	return q.conditional(ctx, tag, err, "ai_analyses", "analysis", id)
}

// DeleteAnalysis removes the analysis and, by cascade, its jobs
func (q *Queries) DeleteAnalysis(ctx context.Context, id int64) error {
	tag, err := q.Pool.Exec(ctx, "DELETE FROM ai_analyses WHERE id = $1", id)
	return requireRow(tag, err, "analysis", id)
}
