package service

import (
	"context"
	"time"

	"healthai/internal/breaker"
	"healthai/internal/keyvault"
	"healthai/internal/metrics"
	"healthai/internal/model"
	"healthai/internal/notify"
	"healthai/internal/provider"
	"healthai/internal/retry"
	"healthai/internal/schema"

	"go.uber.org/zap"
)

// EventBus publishes lifecycle events to connected observers
type EventBus interface {
	PublishUser(userID string, event map[string]interface{}) error
	PublishAnalysis(analysisID int64, event map[string]interface{}) error
}

// Dispatcher delivers a rendered notification to a decrypted channel target
type Dispatcher interface {
	Send(ctx context.Context, kind model.ChannelKind, target string, msg notify.Message) error
}

// Settings are the process-level knobs the services read
type Settings struct {
	DefaultTimezone string
	// FallbackKeys are process-level credentials per provider kind
	FallbackKeys map[model.ProviderKind]string
	// AutoProvision allows materializing a provider from FallbackKeys
	AutoProvision   bool
	ProviderRetry   retry.Config
	ProviderTimeout time.Duration
	JobMaxRetries   int
	// ExecutionRetention bounds how long schedule executions are kept
	ExecutionRetention time.Duration
}

// DefaultSettings mirrors the environment defaults
func DefaultSettings() Settings {
	return Settings{
		DefaultTimezone: "UTC",
		FallbackKeys:    map[model.ProviderKind]string{},
		AutoProvision:   true,
		ProviderRetry:   retry.ProviderConfig(),
		ProviderTimeout: 120 * time.Second,
		JobMaxRetries:   3,

		ExecutionRetention: 90 * 24 * time.Hour,
	}
}

// Deps are the collaborators shared by every service
type Deps struct {
	Store      Store
	Vault      *keyvault.Vault
	Breakers   *breaker.Registry
	Retry      *retry.Service
	Bus        EventBus
	Dispatcher Dispatcher
	Adapters   provider.Factory
	Schema     *schema.Compiler
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	Now        func() time.Time
	Settings   Settings
}

func (d *Deps) defaults() {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Adapters == nil {
		d.Adapters = provider.New
	}
	if d.Bus == nil {
		d.Bus = nopBus{}
	}
	if d.Schema == nil {
		d.Schema = schema.NewCompilerWithCache(64)
	}
	if d.Breakers == nil {
		d.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if d.Retry == nil {
		d.Retry = retry.New(d.Log, d.Breakers)
	}
	if d.Settings.DefaultTimezone == "" {
		d.Settings.DefaultTimezone = "UTC"
	}
	if d.Settings.ProviderRetry.MaxAttempts == 0 {
		d.Settings.ProviderRetry = retry.ProviderConfig()
	}
	if d.Settings.JobMaxRetries == 0 {
		d.Settings.JobMaxRetries = 3
	}
	if d.Settings.ExecutionRetention == 0 {
		d.Settings.ExecutionRetention = 90 * 24 * time.Hour
	}
}

// Services is the wired set of domain services
type Services struct {
	Providers     *ProviderService
	Analyses      *AnalysisService
	Measurements  *MeasurementService
	Schedules     *ScheduleService
	Workflows     *WorkflowService
	Notifications *NotificationService
}

// NewServices builds every service and connects their callbacks
func NewServices(d Deps) *Services {
	d.defaults()

	notifications := NewNotificationService(d)
	providers := NewProviderService(d)
	analyses := NewAnalysisService(d, providers)
	workflows := NewWorkflowService(d, analyses)
	schedules := NewScheduleService(d, analyses)
	measurements := NewMeasurementService(d, schedules)

	analyses.SetNotifier(notifications)
	analyses.SetCompletionListener(workflows)
	schedules.SetNotifier(notifications)
	workflows.SetNotifier(notifications)

	return &Services{
		Providers:     providers,
		Analyses:      analyses,
		Measurements:  measurements,
		Schedules:     schedules,
		Workflows:     workflows,
		Notifications: notifications,
	}
}

// SetJobClient routes background work through client. Without a client
// analyses run inline and workflow delays block the caller.
func (s *Services) SetJobClient(client JobClient) {
	s.Analyses.SetJobClient(client)
	s.Measurements.SetJobClient(client)
	s.Workflows.SetJobClient(client)
}

// Notifier sends an event notification to the user's configured channels
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification is an event to fan out over the user's preferences
type Notification struct {
	UserID     string
	Event      model.EventKind
	Priority   model.Priority
	Payload    map[string]interface{}
	AnalysisID *int64
	ScheduleID *string
	WorkflowID *string
}

// CompletionListener is invoked after an analysis reached a terminal state
type CompletionListener interface {
	OnAnalysisCompleted(ctx context.Context, a *model.Analysis) error
}

type nopBus struct{}

func (nopBus) PublishUser(string, map[string]interface{}) error    { return nil }
func (nopBus) PublishAnalysis(int64, map[string]interface{}) error { return nil }
