package service

import (
	"context"
	"time"

	"healthai/internal/model"
)

// Store is the persistence surface the services run on. Implementations
// return *apperr.Error with KindNotFound for missing rows.
type Store interface {
	UserStore
	ProviderStore
	MeasurementStore
	AnalysisStore
	JobStore
	ScheduleStore
	WorkflowStore
	NotificationStore
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpsertUser(ctx context.Context, u *model.User) error
}

type ProviderStore interface {
	CreateProvider(ctx context.Context, p *model.ProviderConfig) error
	GetProvider(ctx context.Context, id string) (*model.ProviderConfig, error)
	GetProviderByName(ctx context.Context, userID, name string) (*model.ProviderConfig, error)
	ListProviders(ctx context.Context, userID string) ([]*model.ProviderConfig, error)
	UpdateProvider(ctx context.Context, p *model.ProviderConfig) error
	DeleteProvider(ctx context.Context, id string) error
}

type MeasurementStore interface {
	CreateMeasurement(ctx context.Context, m *model.HealthMeasurement) error
	GetMeasurements(ctx context.Context, userID string, ids []int64) ([]*model.HealthMeasurement, error)
	QueryMeasurements(ctx context.Context, userID string, q model.MeasurementQuery) ([]*model.HealthMeasurement, error)
	// CountMeasurements counts rows of metric recorded strictly after since
	CountMeasurements(ctx context.Context, userID, metric string, since time.Time) (int, error)
}

// AnalysisStore guards terminal immutability: the conditional writes
// report false when the stored row is already terminal.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a *model.Analysis) error
	GetAnalysis(ctx context.Context, id int64) (*model.Analysis, error)
	ListAnalyses(ctx context.Context, userID string, limit, offset int) ([]*model.Analysis, error)
	MarkAnalysisProcessing(ctx context.Context, id int64) (bool, error)
	FinalizeAnalysis(ctx context.Context, a *model.Analysis) (bool, error)
	CancelAnalysis(ctx context.Context, id int64, at time.Time) (bool, error)
	DeleteAnalysis(ctx context.Context, id int64) error
}

// JobStore keeps at most one live job per analysis; CreateJob returns
// model.ErrLiveJobExists otherwise.
type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJobByAnalysis(ctx context.Context, analysisID int64) (*model.Job, error)
	UpdateJob(ctx context.Context, j *model.Job) (bool, error)
}

type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, userID string) ([]*model.Schedule, error)
	UpdateSchedule(ctx context.Context, s *model.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error)
	DataThresholdSchedules(ctx context.Context, userID string) ([]*model.Schedule, error)
	// ClaimScheduleFire records one fire (last_run_at, run_count, next_run_at)
	// as a compare-and-set. It reports false when another fire claimed first.
	ClaimScheduleFire(ctx context.Context, c model.ScheduleClaim) (bool, error)

	CreateScheduleExecution(ctx context.Context, e *model.ScheduleExecution) error
	UpdateScheduleExecution(ctx context.Context, e *model.ScheduleExecution) error
	ListScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]*model.ScheduleExecution, error)
	DeleteScheduleExecutionsBefore(ctx context.Context, before time.Time) (int, error)
}

type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, userID string) ([]*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *model.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
	// MatchingWorkflows returns the enabled workflows of userID triggered by kind
	MatchingWorkflows(ctx context.Context, userID string, kind model.AnalysisKind) ([]*model.Workflow, error)

	// StartWorkflowExecution inserts e only while the workflow has fewer than
	// maxConcurrent non-terminal executions, checked under a lock.
	StartWorkflowExecution(ctx context.Context, e *model.WorkflowExecution, maxConcurrent int) (bool, error)
	GetWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)
	UpdateWorkflowExecution(ctx context.Context, e *model.WorkflowExecution) error
	ListWorkflowExecutions(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowExecution, error)
	RecordWorkflowOutcome(ctx context.Context, workflowID string, success bool, at time.Time) error
}

type NotificationStore interface {
	CreateChannel(ctx context.Context, c *model.NotificationChannel) error
	GetChannel(ctx context.Context, id string) (*model.NotificationChannel, error)
	ListChannels(ctx context.Context, userID string) ([]*model.NotificationChannel, error)
	UpdateChannel(ctx context.Context, c *model.NotificationChannel) error
	DeleteChannel(ctx context.Context, id string) error

	CreatePreference(ctx context.Context, p *model.NotificationPreference) error
	GetPreference(ctx context.Context, id string) (*model.NotificationPreference, error)
	ListPreferences(ctx context.Context, userID string) ([]*model.NotificationPreference, error)
	UpdatePreference(ctx context.Context, p *model.NotificationPreference) error
	DeletePreference(ctx context.Context, id string) error
	// PreferencesForEvent returns the enabled preferences of userID for event
	PreferencesForEvent(ctx context.Context, userID string, event model.EventKind) ([]*model.NotificationPreference, error)

	GetTemplate(ctx context.Context, event model.EventKind, kind model.ChannelKind) (*model.NotificationTemplate, error)

	CreateHistory(ctx context.Context, h *model.NotificationHistory) error
	UpdateHistory(ctx context.Context, h *model.NotificationHistory) error
	ListHistory(ctx context.Context, userID string, limit, offset int) ([]*model.NotificationHistory, error)

	// ReserveRateLimit atomically rolls the counters for key and counts one
	// send when both caps allow it.
	ReserveRateLimit(ctx context.Context, key model.RateLimitKey, now time.Time, maxPerHour, maxPerDay int) (bool, error)
}
