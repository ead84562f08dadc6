package model

import "time"

// ScheduleKind selects how a schedule fires
type ScheduleKind string

const (
	ScheduleRecurring     ScheduleKind = "recurring"
	ScheduleOneTime       ScheduleKind = "one_time"
	ScheduleDataThreshold ScheduleKind = "data_threshold"
)

// Frequency of a recurring schedule
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// IntervalUnit of a custom frequency
type IntervalUnit string

const (
	UnitDays   IntervalUnit = "days"
	UnitWeeks  IntervalUnit = "weeks"
	UnitMonths IntervalUnit = "months"
)

// Date ranges understood by DataSelection
const (
	RangeLastNDays = "last_n_days"
	RangeCustom    = "custom"
	RangeAll       = "all"
)

// DataSelection picks the measurements a schedule fire analyzes
type DataSelection struct {
	Metrics   []string   `json:"metrics,omitempty"`
	DateRange string     `json:"dateRange,omitempty"`
	LastNDays int        `json:"lastNDays,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// Schedule produces analyses on a timetable or after enough new data.
// DaysOfWeek uses time.Weekday numbering (0 = Sunday).
type Schedule struct {
	ID                string         `json:"id"`
	UserID            string         `json:"userId"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Kind              ScheduleKind   `json:"kind"`
	Frequency         Frequency      `json:"frequency,omitempty"`
	IntervalValue     int            `json:"intervalValue,omitempty"`
	IntervalUnit      IntervalUnit   `json:"intervalUnit,omitempty"`
	TimeOfDay         string         `json:"timeOfDay,omitempty"`
	DaysOfWeek        []int          `json:"daysOfWeek,omitempty"`
	DayOfMonth        int            `json:"dayOfMonth,omitempty"`
	RunAt             *time.Time     `json:"runAt,omitempty"`
	MetricFilter      *string        `json:"metricFilter,omitempty"`
	Threshold         int            `json:"threshold,omitempty"`
	AnalysisTypes     []AnalysisKind `json:"analysisTypes"`
	Provider          string         `json:"provider,omitempty"`
	AdditionalContext string         `json:"additionalContext,omitempty"`
	DataSelection     DataSelection  `json:"dataSelection"`
	Enabled           bool           `json:"enabled"`
	NextRunAt         *time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt         *time.Time     `json:"lastRunAt,omitempty"`
	RunCount          int            `json:"runCount"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// ScheduleClaim moves a schedule past one fire. SeenNextRun and SeenLastRun
// are the values the firing process read; a claim only applies while the
// stored row still holds them.
type ScheduleClaim struct {
	ScheduleID  string
	SeenNextRun *time.Time
	SeenLastRun *time.Time
	FiredAt     time.Time
	NextRunAt   *time.Time
	Disable     bool
}

// ExecutionKind records why a schedule fired
type ExecutionKind string

const (
	ExecutionScheduled     ExecutionKind = "scheduled"
	ExecutionManual        ExecutionKind = "manual"
	ExecutionDataTriggered ExecutionKind = "data_triggered"
)

// ExecutionStatus is shared by schedule and workflow executions
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// ScheduleExecution is one fire of a schedule
type ScheduleExecution struct {
	ID           string                 `json:"id"`
	ScheduleID   string                 `json:"scheduleId"`
	UserID       string                 `json:"userId"`
	Kind         ExecutionKind          `json:"kind"`
	Status       ExecutionStatus        `json:"status"`
	AnalysisIDs  []int64                `json:"analysisIds"`
	SuccessCount int                    `json:"successCount"`
	FailureCount int                    `json:"failureCount"`
	Trigger      map[string]interface{} `json:"trigger,omitempty"`
	Error        *string                `json:"error,omitempty"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

// AnalysesCount is the number of analyses the fire produced
func (e *ScheduleExecution) AnalysesCount() int {
	return len(e.AnalysisIDs)
}

// Trigger predicate kinds
const (
	ConditionAnalysisStatus    = "analysis_status"
	ConditionContentContains   = "content_contains"
	ConditionAnalysisCompleted = "analysis_completed"
	ConditionErrorOccurred     = "error_occurred"
	ConditionProcessingTime    = "processing_time"
)

// TriggerCondition is one predicate evaluated against a finished analysis
type TriggerCondition struct {
	Kind     string      `json:"kind" yaml:"kind"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// WorkflowStep produces one follow-up analysis
type WorkflowStep struct {
	Name              string             `json:"name,omitempty" yaml:"name,omitempty"`
	Kind              AnalysisKind       `json:"kind" yaml:"kind"`
	DelayMinutes      int                `json:"delayMinutes,omitempty" yaml:"delayMinutes,omitempty"`
	Conditions        []TriggerCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Provider          string             `json:"provider,omitempty" yaml:"provider,omitempty"`
	AdditionalContext string             `json:"additionalContext,omitempty" yaml:"additionalContext,omitempty"`
	ContinueOnFailure bool               `json:"continueOnFailure,omitempty" yaml:"continueOnFailure,omitempty"`
}

// Workflow chains follow-up analyses off a completed analysis
type Workflow struct {
	ID                   string             `json:"id"`
	UserID               string             `json:"userId"`
	Name                 string             `json:"name"`
	Description          string             `json:"description,omitempty"`
	TriggerKind          AnalysisKind       `json:"triggerKind"`
	Conditions           []TriggerCondition `json:"conditions"`
	Steps                []WorkflowStep     `json:"steps"`
	AutoExecute          bool               `json:"autoExecute"`
	MaxConcurrent        int                `json:"maxConcurrent"`
	Enabled              bool               `json:"enabled"`
	TotalExecutions      int                `json:"totalExecutions"`
	SuccessfulExecutions int                `json:"successfulExecutions"`
	FailedExecutions     int                `json:"failedExecutions"`
	LastExecutedAt       *time.Time         `json:"lastExecutedAt,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// WorkflowExecutionKind records how an execution started
type WorkflowExecutionKind string

const (
	WorkflowAutomatic WorkflowExecutionKind = "automatic"
	WorkflowManual    WorkflowExecutionKind = "manual"
)

// StepStatus of a single workflow step
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records one step of a workflow execution
type StepResult struct {
	Index       int          `json:"index"`
	Kind        AnalysisKind `json:"kind"`
	Status      StepStatus   `json:"status"`
	AnalysisID  *int64       `json:"analysisId,omitempty"`
	Error       *string      `json:"error,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// WorkflowExecution is one run of a workflow
type WorkflowExecution struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflowId"`
	UserID            string                 `json:"userId"`
	TriggerAnalysisID *int64                 `json:"triggerAnalysisId,omitempty"`
	TriggerSnapshot   map[string]interface{} `json:"triggerSnapshot,omitempty"`
	Kind              WorkflowExecutionKind  `json:"kind"`
	Status            ExecutionStatus        `json:"status"`
	CurrentStep       int                    `json:"currentStep"`
	TotalSteps        int                    `json:"totalSteps"`
	StepResults       []StepResult           `json:"stepResults"`
	CreatedAnalyses   []int64                `json:"createdAnalyses"`
	Error             *string                `json:"error,omitempty"`
	StartedAt         time.Time              `json:"startedAt"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
}
