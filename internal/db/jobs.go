package db

import (
	"context"

	"healthai/internal/model"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, user_id, analysis_id, task_id, status, retry_count, max_retries, priority, error,
	created_at, started_at, completed_at`

var terminalJob = []string{string(model.JobCompleted), string(model.JobFailed), string(model.JobCancelled)}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(&j.ID, &j.UserID, &j.AnalysisID, &j.TaskID, &j.Status, &j.RetryCount, &j.MaxRetries,
		&j.Priority, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob relies on the partial unique index over live jobs
func (q *Queries) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO analysis_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, j.UserID, j.AnalysisID, j.TaskID, j.Status, j.RetryCount, j.MaxRetries,
		j.Priority, j.Error, j.CreatedAt, j.StartedAt, j.CompletedAt,
	)
	if isUniqueViolation(err) {
		return model.ErrLiveJobExists
	}
	return err
}

// GetJobByAnalysis returns the live job of the analysis, or its latest one
func (q *Queries) GetJobByAnalysis(ctx context.Context, analysisID int64) (*model.Job, error) {
	j, err := scanJob(q.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE analysis_id = $1
		ORDER BY (status <> ALL($2)) DESC, created_at DESC LIMIT 1`,
		analysisID, terminalJob,
	))
	if err != nil {
		return nil, notFound(err, "job", analysisID)
	}
	return j, nil
}

func (q *Queries) UpdateJob(ctx context.Context, j *model.Job) (bool, error) {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE analysis_jobs SET task_id = $2, status = $3, retry_count = $4, error = $5,
			started_at = $6, completed_at = $7
		WHERE id = $1 AND status <> ALL($8)`,
		j.ID, j.TaskID, j.Status, j.RetryCount, j.Error, j.StartedAt, j.CompletedAt, terminalJob,
	)
	return q.conditional(ctx, tag, err, "analysis_jobs", "job", j.ID)
}
