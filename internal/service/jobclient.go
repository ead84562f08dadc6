package service

import (
	"context"
	"time"

	"healthai/internal/jobs"
	"healthai/internal/model"

	"github.com/hibiken/asynq"
)

// JobClient interface for scheduling background jobs
type JobClient interface {
	// EnqueueAnalysis queues the job and returns the backend task id
	EnqueueAnalysis(ctx context.Context, job *model.Job) (string, error)
	CancelAnalysis(ctx context.Context, taskID string) error
	EnqueueDataCheck(ctx context.Context, userID, metric string) error
	EnqueueWorkflowStep(ctx context.Context, executionID string, step int, delay time.Duration) error
}

// AsynqJobClient implements JobClient using asynq
type AsynqJobClient struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func NewAsynqJobClient(client *asynq.Client, inspector *asynq.Inspector) *AsynqJobClient {
	return &AsynqJobClient{client: client, inspector: inspector}
}

func (c *AsynqJobClient) EnqueueAnalysis(ctx context.Context, job *model.Job) (string, error) {
	return jobs.EnqueueAnalysis(ctx, c.client, jobs.AnalysisPayload{JobID: job.ID, AnalysisID: job.AnalysisID}, job.MaxRetries, job.Priority)
}

func (c *AsynqJobClient) CancelAnalysis(ctx context.Context, taskID string) error {
	return jobs.CancelTask(c.inspector, taskID)
}

func (c *AsynqJobClient) EnqueueDataCheck(ctx context.Context, userID, metric string) error {
	return jobs.EnqueueDataCheck(ctx, c.client, jobs.DataCheckPayload{UserID: userID, Metric: metric})
}

func (c *AsynqJobClient) EnqueueWorkflowStep(ctx context.Context, executionID string, step int, delay time.Duration) error {
	return jobs.EnqueueWorkflowStep(ctx, c.client, jobs.WorkflowStepPayload{ExecutionID: executionID, Step: step}, delay)
}
