package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAnalyses struct {
	executeErr error
	executed   []int64
	retries    []int
	failed     []int64
}

func (f *fakeAnalyses) Execute(ctx context.Context, analysisID int64, jobID string) error {
	f.executed = append(f.executed, analysisID)
	return f.executeErr
}

func (f *fakeAnalyses) RecordRetry(ctx context.Context, analysisID int64, retryCount int, cause error) {
	f.retries = append(f.retries, retryCount)
}

func (f *fakeAnalyses) FailUnexpected(ctx context.Context, analysisID int64, jobID string, cause error) error {
	f.failed = append(f.failed, analysisID)
	return nil
}

type fakeSchedules struct {
	ticks   int
	checked []DataCheckPayload
}

func (f *fakeSchedules) Tick(ctx context.Context) (int, error) {
	f.ticks++
	return 1, nil
}

func (f *fakeSchedules) Cleanup(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeSchedules) CheckDataThreshold(ctx context.Context, userID, metric string) (int, error) {
	f.checked = append(f.checked, DataCheckPayload{UserID: userID, Metric: metric})
	return 0, nil
}

type fakeWorkflows struct {
	steps []WorkflowStepPayload
}

func (f *fakeWorkflows) Continue(ctx context.Context, executionID string, step int) error {
	f.steps = append(f.steps, WorkflowStepPayload{ExecutionID: executionID, Step: step})
	return nil
}

func newTestServer(a AnalysisRunner, s ScheduleRunner, w WorkflowRunner) *JobServer {
	return &JobServer{analyses: a, schedules: s, workflows: w, log: zap.NewNop()}
}

func task(t *testing.T, typ string, payload interface{}) *asynq.Task {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, raw)
}

func TestHandleAnalysisRun(t *testing.T) {
	analyses := &fakeAnalyses{}
	js := newTestServer(analyses, nil, nil)

	err := js.handleAnalysisRun(context.Background(), task(t, TypeAnalysisRun, AnalysisPayload{JobID: "j1", AnalysisID: 7}))
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, analyses.executed)
	assert.Empty(t, analyses.failed)
}

func TestHandleAnalysisRun_ExhaustedRetriesFinalizes(t *testing.T) {
	// Outside a worker the retry count and max retry both read as zero,
	// which is the last attempt.
	analyses := &fakeAnalyses{executeErr: errors.New("connection reset")}
	js := newTestServer(analyses, nil, nil)

	err := js.handleAnalysisRun(context.Background(), task(t, TypeAnalysisRun, AnalysisPayload{JobID: "j1", AnalysisID: 9}))
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, analyses.failed)
	assert.Empty(t, analyses.retries)
}

func TestHandleAnalysisRun_BadPayloadSkipsRetry(t *testing.T) {
	js := newTestServer(&fakeAnalyses{}, nil, nil)

	err := js.handleAnalysisRun(context.Background(), asynq.NewTask(TypeAnalysisRun, []byte("{")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleDataCheckAndWorkflowStep(t *testing.T) {
	schedules := &fakeSchedules{}
	workflows := &fakeWorkflows{}
	js := newTestServer(nil, schedules, workflows)
	ctx := context.Background()

	require.NoError(t, js.handleDataCheck(ctx, task(t, TypeDataCheck, DataCheckPayload{UserID: "u1", Metric: "weight"})))
	require.NoError(t, js.handleWorkflowStep(ctx, task(t, TypeWorkflowStep, WorkflowStepPayload{ExecutionID: "e1", Step: 2})))
	require.NoError(t, js.handleScheduleTick(ctx, asynq.NewTask(TypeScheduleTick, nil)))

	assert.Equal(t, []DataCheckPayload{{UserID: "u1", Metric: "weight"}}, schedules.checked)
	assert.Equal(t, []WorkflowStepPayload{{ExecutionID: "e1", Step: 2}}, workflows.steps)
	assert.Equal(t, 1, schedules.ticks)
}

func TestRetryDelay(t *testing.T) {
	run := asynq.NewTask(TypeAnalysisRun, nil)
	assert.Equal(t, 60*time.Second, RetryDelay(0, nil, run))
	assert.Equal(t, 120*time.Second, RetryDelay(1, nil, run))
	assert.Equal(t, 240*time.Second, RetryDelay(2, nil, run))
}

func TestTickSpec(t *testing.T) {
	assert.Equal(t, "@every 5m0s", TickSpec(0))
	assert.Equal(t, "@every 1m0s", TickSpec(time.Minute))
}

func getRedisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestEnqueueAnalysis_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: getRedisAddr()})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	opt := asynq.RedisClientOpt{Addr: getRedisAddr()}
	client := asynq.NewClient(opt)
	defer client.Close()
	inspector := asynq.NewInspector(opt)
	defer inspector.Close()

	jobID := "test-" + time.Now().Format("150405.000000")
	taskID, err := EnqueueAnalysis(ctx, client, AnalysisPayload{JobID: jobID, AnalysisID: 1}, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, jobID, taskID)

	// Enqueueing the same job twice is not an error
	again, err := EnqueueAnalysis(ctx, client, AnalysisPayload{JobID: jobID, AnalysisID: 1}, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, jobID, again)

	info, err := inspector.GetTaskInfo(QueueCritical, jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, info.MaxRetry)

	require.NoError(t, CancelTask(inspector, jobID))
	_, err = inspector.GetTaskInfo(QueueCritical, jobID)
	assert.Error(t, err)
}
