package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Task types
const (
	TypeAnalysisRun     = "analysis:run"
	TypeScheduleTick    = "schedule:tick"
	TypeScheduleCleanup = "schedule:cleanup"
	TypeDataCheck       = "schedule:data_check"
	TypeWorkflowStep    = "workflow:step"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// AnalysisRunner executes queued analyses
type AnalysisRunner interface {
	Execute(ctx context.Context, analysisID int64, jobID string) error
	RecordRetry(ctx context.Context, analysisID int64, retryCount int, cause error)
	FailUnexpected(ctx context.Context, analysisID int64, jobID string, cause error) error
}

// ScheduleRunner fires due and data-triggered schedules
type ScheduleRunner interface {
	Tick(ctx context.Context) (int, error)
	Cleanup(ctx context.Context) (int, error)
	CheckDataThreshold(ctx context.Context, userID, metric string) (int, error)
}

// WorkflowRunner resumes delayed workflow steps
type WorkflowRunner interface {
	Continue(ctx context.Context, executionID string, step int) error
}

type AnalysisPayload struct {
	JobID      string `json:"jobId"`
	AnalysisID int64  `json:"analysisId"`
}

type DataCheckPayload struct {
	UserID string `json:"userId"`
	Metric string `json:"metric"`
}

type WorkflowStepPayload struct {
	ExecutionID string `json:"executionId"`
	Step        int    `json:"step"`
}

type JobServer struct {
	server    *asynq.Server
	client    *asynq.Client
	analyses  AnalysisRunner
	schedules ScheduleRunner
	workflows WorkflowRunner
	log       *zap.Logger
}

func NewJobServer(redisOpt asynq.RedisConnOpt, concurrency int, analyses AnalysisRunner, schedules ScheduleRunner, workflows WorkflowRunner, log *zap.Logger) (*JobServer, *asynq.Client) {
	if concurrency <= 0 {
		concurrency = 10
	}
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
				QueueLow:      1,
			},
			RetryDelayFunc: RetryDelay,
			Logger:         log.Sugar(),
		},
	)

	client := asynq.NewClient(redisOpt)

	return &JobServer{
		server:    server,
		client:    client,
		analyses:  analyses,
		schedules: schedules,
		workflows: workflows,
		log:       log,
	}, client
}

// Mux wires every task type to its handler
func (js *JobServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()

	mux.HandleFunc(TypeAnalysisRun, js.handleAnalysisRun)
	mux.HandleFunc(TypeScheduleTick, js.handleScheduleTick)
	mux.HandleFunc(TypeScheduleCleanup, js.handleScheduleCleanup)
	mux.HandleFunc(TypeDataCheck, js.handleDataCheck)
	mux.HandleFunc(TypeWorkflowStep, js.handleWorkflowStep)

	return mux
}

func (js *JobServer) Start() error {
	return js.server.Start(js.Mux())
}

// Run processes tasks until the process receives a termination signal
func (js *JobServer) Run() error {
	defer js.client.Close()
	return js.server.Run(js.Mux())
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.Close()
}

// RetryDelay backs analysis runs off exponentially from one minute and
// falls back to the asynq default for other tasks
func RetryDelay(n int, err error, t *asynq.Task) time.Duration {
	if t.Type() == TypeAnalysisRun {
		return time.Duration(60*math.Pow(2, float64(n))) * time.Second
	}
	return asynq.DefaultRetryDelayFunc(n, err, t)
}

// Job handlers

func (js *JobServer) handleAnalysisRun(ctx context.Context, t *asynq.Task) error {
	var p AnalysisPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid analysis payload: %v: %w", err, asynq.SkipRetry)
	}

	err := js.analyses.Execute(ctx, p.AnalysisID, p.JobID)
	if err == nil {
		return nil
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried >= maxRetry {
		js.log.Error("Analysis job exhausted retries",
			zap.Int64("analysis_id", p.AnalysisID),
			zap.String("job_id", p.JobID),
			zap.Error(err),
		)
		if ferr := js.analyses.FailUnexpected(ctx, p.AnalysisID, p.JobID, err); ferr != nil {
			return fmt.Errorf("failed to finalize analysis: %w", ferr)
		}
		return nil
	}

	js.log.Warn("Analysis job failed, will retry",
		zap.Int64("analysis_id", p.AnalysisID),
		zap.Int("retry", retried+1),
		zap.Error(err),
	)
	js.analyses.RecordRetry(ctx, p.AnalysisID, retried+1, err)
	return err
}

func (js *JobServer) handleScheduleTick(ctx context.Context, t *asynq.Task) error {
	fired, err := js.schedules.Tick(ctx)
	if err != nil {
		return fmt.Errorf("schedule tick failed: %w", err)
	}
	js.log.Debug("Schedule tick done", zap.Int("fired", fired))
	return nil
}

func (js *JobServer) handleScheduleCleanup(ctx context.Context, t *asynq.Task) error {
	if _, err := js.schedules.Cleanup(ctx); err != nil {
		return fmt.Errorf("schedule cleanup failed: %w", err)
	}
	return nil
}

func (js *JobServer) handleDataCheck(ctx context.Context, t *asynq.Task) error {
	var p DataCheckPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid data check payload: %v: %w", err, asynq.SkipRetry)
	}
	fired, err := js.schedules.CheckDataThreshold(ctx, p.UserID, p.Metric)
	if err != nil {
		return fmt.Errorf("data threshold check failed: %w", err)
	}
	if fired > 0 {
		js.log.Info("Data threshold schedules fired",
			zap.String("user_id", p.UserID),
			zap.String("metric", p.Metric),
			zap.Int("fired", fired),
		)
	}
	return nil
}

func (js *JobServer) handleWorkflowStep(ctx context.Context, t *asynq.Task) error {
	var p WorkflowStepPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid workflow step payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := js.workflows.Continue(ctx, p.ExecutionID, p.Step); err != nil {
		return fmt.Errorf("workflow step failed: %w", err)
	}
	return nil
}

// Enqueue helpers

// EnqueueAnalysis queues an analysis run. The job id doubles as the task id
// so a duplicate enqueue of the same job is rejected by the broker.
func EnqueueAnalysis(ctx context.Context, client *asynq.Client, p AnalysisPayload, maxRetries, priority int) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	queue := QueueDefault
	if priority >= 1 {
		queue = QueueCritical
	}
	task := asynq.NewTask(TypeAnalysisRun, payload)
	info, err := client.EnqueueContext(ctx, task,
		asynq.TaskID(p.JobID),
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetries),
		asynq.Timeout(10*time.Minute),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return p.JobID, nil
		}
		return "", err
	}
	return info.ID, nil
}

func EnqueueDataCheck(ctx context.Context, client *asynq.Client, p DataCheckPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	task := asynq.NewTask(TypeDataCheck, payload)
	_, err = client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(3))
	return err
}

func EnqueueWorkflowStep(ctx context.Context, client *asynq.Client, p WorkflowStepPayload, delay time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	task := asynq.NewTask(TypeWorkflowStep, payload)
	_, err = client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.ProcessIn(delay),
		asynq.TaskID(fmt.Sprintf("%s:%d", p.ExecutionID, p.Step)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// CancelTask revokes a queued or running task. A task that already finished
// is not an error.
func CancelTask(inspector *asynq.Inspector, taskID string) error {
	for _, queue := range []string{QueueCritical, QueueDefault} {
		info, err := inspector.GetTaskInfo(queue, taskID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return fmt.Errorf("failed to inspect task: %w", err)
		}
		if info.State == asynq.TaskStateActive {
			return inspector.CancelProcessing(taskID)
		}
		if err := inspector.DeleteTask(queue, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	}
	return nil
}
