package model

import (
	"errors"
	"time"
)

// AnalysisStatus represents analysis lifecycle status
type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
	AnalysisCancelled  AnalysisStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisCompleted || s == AnalysisFailed || s == AnalysisCancelled
}

// AnalysisKind selects the rubric used to build the system prompt
type AnalysisKind string

const (
	KindTrends          AnalysisKind = "trends"
	KindInsights        AnalysisKind = "insights"
	KindRecommendations AnalysisKind = "recommendations"
	KindAnomalies       AnalysisKind = "anomalies"
	KindCustom          AnalysisKind = "custom"
)

func (k AnalysisKind) Valid() bool {
	switch k {
	case KindTrends, KindInsights, KindRecommendations, KindAnomalies, KindCustom:
		return true
	}
	return false
}

// AnalysisSource records what produced an analysis
type AnalysisSource string

const (
	SourceUser     AnalysisSource = "user"
	SourceSchedule AnalysisSource = "schedule"
	SourceWorkflow AnalysisSource = "workflow"
)

// ProviderKind represents an LLM provider family
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGoogle    ProviderKind = "google"
	ProviderCustom    ProviderKind = "custom"
)

func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderCustom:
		return true
	}
	return false
}

// JobStatus represents background job status
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// User is the external identity the core reads
type User struct {
	ID             string `json:"id"`
	Timezone       string `json:"timezone"`
	ContextProfile string `json:"contextProfile,omitempty"`
}

// ProviderConfig is a user-owned LLM endpoint with its encrypted credential
type ProviderConfig struct {
	ID              string       `json:"id"`
	UserID          string       `json:"userId"`
	Name            string       `json:"name"`
	Kind            ProviderKind `json:"kind"`
	Endpoint        string       `json:"endpoint,omitempty"`
	EncryptedSecret string       `json:"-"`
	Models          []string     `json:"models"`
	DefaultModel    string       `json:"defaultModel"`
	Temperature     float64      `json:"temperature"`
	MaxTokens       int          `json:"maxTokens"`
	Enabled         bool         `json:"enabled"`
	Priority        int          `json:"priority"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// HasSecret reports whether a credential was stored
func (p *ProviderConfig) HasSecret() bool {
	return p.EncryptedSecret != ""
}

// HealthMeasurement is a single recorded metric value
type HealthMeasurement struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"userId"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Systolic   *float64  `json:"systolic,omitempty"`
	Diastolic  *float64  `json:"diastolic,omitempty"`
	Unit       string    `json:"unit"`
	RecordedAt time.Time `json:"recordedAt"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Analysis is one prompt/response exchange over a set of measurements
type Analysis struct {
	ID                int64          `json:"id"`
	UserID            string         `json:"userId"`
	ProviderID        *string        `json:"providerId,omitempty"`
	ProviderName      string         `json:"providerName,omitempty"`
	MeasurementIDs    []int64        `json:"measurementIds"`
	Kind              AnalysisKind   `json:"kind"`
	Prompt            string         `json:"prompt"`
	AdditionalContext string         `json:"additionalContext,omitempty"`
	Response          *string        `json:"response,omitempty"`
	Status            AnalysisStatus `json:"status"`
	ModelUsed         string         `json:"modelUsed,omitempty"`
	Error             *string        `json:"error,omitempty"`
	ErrorCode         string         `json:"errorCode,omitempty"`
	Duration          float64        `json:"duration"`
	TokenUsage        map[string]int `json:"tokenUsage,omitempty"`
	Cost              float64        `json:"cost"`
	Source            AnalysisSource `json:"source"`
	SourceID          string         `json:"sourceId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// Job is the durable unit of background work for one analysis
type Job struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	AnalysisID  int64      `json:"analysisId"`
	TaskID      string     `json:"taskId,omitempty"`
	Status      JobStatus  `json:"status"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	Priority    int        `json:"priority"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// MeasurementQuery selects measurements newest first
type MeasurementQuery struct {
	Metrics []string
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// ErrLiveJobExists is returned when an analysis already has a non-terminal job
var ErrLiveJobExists = errors.New("analysis already has a live job")
