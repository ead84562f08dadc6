package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/breaker"
	"healthai/internal/model"
	"healthai/internal/provider"
	"healthai/internal/retry"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// AnalysisService owns the submit/execute pipeline of analyses
type AnalysisService struct {
	d         Deps
	providers *ProviderService
	jobClient JobClient
	notifier  Notifier
	listener  CompletionListener
}

func NewAnalysisService(d Deps, providers *ProviderService) *AnalysisService {
	d.defaults()
	return &AnalysisService{
		d:         d,
		providers: providers,
		jobClient: nil, // Will be set if job client is available
	}
}

// SetJobClient sets the job client for background execution
func (s *AnalysisService) SetJobClient(client JobClient) {
	s.jobClient = client
}

func (s *AnalysisService) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *AnalysisService) SetCompletionListener(l CompletionListener) {
	s.listener = l
}

type SubmitInput struct {
	MeasurementIDs    []int64            `json:"measurementIds"`
	Kind              model.AnalysisKind `json:"kind" validate:"required"`
	Provider          string             `json:"provider,omitempty"`
	AdditionalContext string             `json:"additionalContext,omitempty" validate:"max=4000"`
	Background        *bool              `json:"background,omitempty"`

	Source   model.AnalysisSource `json:"-"`
	SourceID string               `json:"-"`
}

// AnalysisStatus is an analysis together with its live or last job
type AnalysisStatus struct {
	Analysis *model.Analysis `json:"analysis"`
	Job      *model.Job      `json:"job,omitempty"`
}

// storeError marks a persistence failure inside execution; it is returned
// to the job runner so the outer retry envelope can try again.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func (s *AnalysisService) user(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.d.Store.GetUser(ctx, userID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return &model.User{ID: userID, Timezone: s.d.Settings.DefaultTimezone}, nil
		}
		return nil, err
	}
	if u.Timezone == "" {
		u.Timezone = s.d.Settings.DefaultTimezone
	}
	return u, nil
}

// Submit persists a pending analysis and dispatches it
func (s *AnalysisService) Submit(ctx context.Context, userID string, in SubmitInput) (*model.Analysis, error) {
	if !in.Kind.Valid() {
		return nil, apperr.Validation("kind", fmt.Sprintf("unsupported analysis kind %q", in.Kind))
	}
	if in.Provider == "" {
		in.Provider = SelectorAuto
	}
	if in.Source == "" {
		in.Source = model.SourceUser
	}

	user, err := s.user(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	p, err := s.providers.Resolve(ctx, userID, in.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider: %w", err)
	}

	ids := in.MeasurementIDs
	if ids == nil {
		ids = []int64{}
	}
	a := &model.Analysis{
		UserID:            userID,
		ProviderName:      in.Provider,
		MeasurementIDs:    ids,
		Kind:              in.Kind,
		Prompt:            BuildPrompt(in.Kind, in.AdditionalContext, user.ContextProfile),
		AdditionalContext: in.AdditionalContext,
		Status:            model.AnalysisPending,
		Source:            in.Source,
		SourceID:          in.SourceID,
		CreatedAt:         s.d.Now(),
	}
	if p != nil {
		a.ProviderID = &p.ID
		a.ProviderName = p.Name
	}

	if err := s.d.Store.CreateAnalysis(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create analysis: %w", err)
	}

	s.publish(a, "analysis.created")

	background := in.Background == nil || *in.Background
	if background && s.jobClient != nil {
		if err := s.dispatch(ctx, a); err != nil {
			return nil, err
		}
		return a, nil
	}

	if err := s.Execute(ctx, a.ID, ""); err != nil {
		return nil, err
	}
	return s.d.Store.GetAnalysis(ctx, a.ID)
}

func (s *AnalysisService) dispatch(ctx context.Context, a *model.Analysis) error {
	priority := 0
	if a.Source == model.SourceUser {
		priority = 1
	}
	job := &model.Job{
		ID:         ulid.Make().String(),
		UserID:     a.UserID,
		AnalysisID: a.ID,
		Status:     model.JobQueued,
		MaxRetries: s.d.Settings.JobMaxRetries,
		Priority:   priority,
		CreatedAt:  s.d.Now(),
	}
	if err := s.d.Store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, model.ErrLiveJobExists) {
			return nil
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	taskID, err := s.jobClient.EnqueueAnalysis(ctx, job)
	if err != nil {
		s.d.Log.Error("Failed to enqueue analysis", zap.Int64("analysis_id", a.ID), zap.Error(err))
		enqueueErr := apperr.Failure(apperr.KindExternalService, "job_queue", 1, true, err)
		s.failJob(ctx, job, enqueueErr)
		s.finalizeFailure(ctx, a, enqueueErr)
		return enqueueErr
	}

	job.TaskID = taskID
	if _, err := s.d.Store.UpdateJob(ctx, job); err != nil {
		s.d.Log.Warn("Failed to record task id", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

// Execute runs an analysis end to end. Provider and configuration failures
// finalize the analysis as failed and return nil; only store errors are
// returned.
func (s *AnalysisService) Execute(ctx context.Context, analysisID int64, jobID string) error {
	a, err := s.d.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return fmt.Errorf("failed to load analysis: %w", err)
	}
	if a.Status.Terminal() {
		s.d.Log.Info("Analysis already finished, skipping",
			zap.Int64("analysis_id", a.ID),
			zap.String("status", string(a.Status)),
		)
		return nil
	}

	applied, err := s.d.Store.MarkAnalysisProcessing(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("failed to mark analysis processing: %w", err)
	}
	if !applied {
		return nil
	}
	a.Status = model.AnalysisProcessing

	job := s.startJob(ctx, a.ID, jobID)
	s.publish(a, "analysis.processing")

	start := time.Now()
	res, runErr := s.generate(ctx, a)
	elapsed := time.Since(start)

	var se *storeError
	if errors.As(runErr, &se) {
		return se.err
	}

	now := s.d.Now()
	if runErr != nil {
		applied, err := s.finalizeFailure(ctx, a, runErr)
		if err != nil {
			return err
		}
		if applied && job != nil {
			s.failJob(ctx, job, runErr)
		}
		return nil
	}

	a.Status = model.AnalysisCompleted
	a.Response = &res.Content
	a.ModelUsed = res.Model
	a.Duration = elapsed.Seconds()
	a.TokenUsage = res.TokenUsage()
	a.Cost = res.Cost
	a.Error = nil
	a.ErrorCode = ""
	a.CompletedAt = &now

	applied, err = s.d.Store.FinalizeAnalysis(ctx, a)
	if err != nil {
		return fmt.Errorf("failed to finalize analysis: %w", err)
	}
	if !applied {
		s.d.Log.Info("Analysis was cancelled while running, discarding result", zap.Int64("analysis_id", a.ID))
		return nil
	}

	if job != nil {
		job.Status = model.JobCompleted
		job.CompletedAt = &now
		if _, err := s.d.Store.UpdateJob(ctx, job); err != nil {
			s.d.Log.Warn("Failed to complete job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	providerKind := "unknown"
	if p, ok := res.Metadata["provider"].(string); ok {
		providerKind = p
	}
	s.d.Metrics.AnalysisFinished(string(a.Kind), string(a.Status))
	s.d.Metrics.ProviderCall(providerKind, elapsed, res.PromptTokens, res.CompletionTokens, res.Cost)

	s.d.Log.Info("Analysis completed",
		zap.Int64("analysis_id", a.ID),
		zap.String("model", a.ModelUsed),
		zap.Float64("duration", a.Duration),
		zap.Int("total_tokens", res.TotalTokens),
	)
	s.publish(a, "analysis.completed")

	s.notify(ctx, a, model.EventAnalysisCompleted, model.PriorityNormal)

	if s.listener != nil {
		if err := s.listener.OnAnalysisCompleted(ctx, a); err != nil {
			s.d.Log.Warn("Workflow dispatch failed", zap.Int64("analysis_id", a.ID), zap.Error(err))
		}
	}
	return nil
}

// generate loads the inputs of a and calls its provider under the retry policy
func (s *AnalysisService) generate(ctx context.Context, a *model.Analysis) (*provider.Result, error) {
	user, err := s.user(ctx, a.UserID)
	if err != nil {
		return nil, &storeError{fmt.Errorf("failed to load user: %w", err)}
	}
	loc := loadLocation(user.Timezone, s.d.Settings.DefaultTimezone)

	var data []provider.DataPoint
	if len(a.MeasurementIDs) > 0 {
		rows, err := s.d.Store.GetMeasurements(ctx, a.UserID, a.MeasurementIDs)
		if err != nil {
			return nil, &storeError{fmt.Errorf("failed to load measurements: %w", err)}
		}
		if len(rows) == 0 {
			return nil, apperr.Validation("measurementIds", "no health data found")
		}
		data = toDataPoints(rows, loc)
	}

	if a.ProviderID == nil {
		return nil, apperr.Configuration("no_provider",
			"no AI provider is configured; add a provider or configure fallback credentials")
	}
	p, err := s.d.Store.GetProvider(ctx, *a.ProviderID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Configuration("provider_removed", "the selected AI provider no longer exists")
		}
		return nil, &storeError{fmt.Errorf("failed to load provider: %w", err)}
	}
	if !p.Enabled {
		return nil, apperr.Configuration("provider_disabled", fmt.Sprintf("AI provider %q is disabled", p.Name))
	}

	adapter, err := s.providers.Adapter(p)
	if err != nil {
		return nil, err
	}

	prompt := a.Prompt + timezoneDisclosure(loc)
	service := string(p.Kind) + "_analysis"
	res, err := retry.Value(ctx, s.d.Retry, retry.Options{
		Service:   service,
		Breaker:   service,
		Config:    s.d.Settings.ProviderRetry,
		Retryable: isProviderRetryable,
	}, func(ctx context.Context) (*provider.Result, error) {
		return adapter.Generate(ctx, prompt, data, provider.Params{})
	})
	if err != nil {
		return nil, err
	}
	if res.Metadata == nil {
		res.Metadata = map[string]interface{}{}
	}
	res.Metadata["provider"] = string(p.Kind)
	return res, nil
}

// isProviderRetryable retries transient provider failures and call timeouts only
func isProviderRetryable(err error) bool {
	if errors.Is(err, breaker.ErrTimeout) {
		return true
	}
	var f *provider.Failure
	if errors.As(err, &f) {
		return f.Transient()
	}
	return false
}

func toDataPoints(rows []*model.HealthMeasurement, loc *time.Location) []provider.DataPoint {
	sorted := append([]*model.HealthMeasurement(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(sorted[j].RecordedAt)
	})
	out := make([]provider.DataPoint, 0, len(sorted))
	for _, m := range sorted {
		out = append(out, provider.DataPoint{
			Metric:    m.Metric,
			Value:     m.Value,
			Systolic:  m.Systolic,
			Diastolic: m.Diastolic,
			Unit:      m.Unit,
			LocalTime: provider.FormatLocalTime(m.RecordedAt, loc),
			Note:      m.Note,
		})
	}
	return out
}

// errorText renders err for the analysis row and returns its stable code
func errorText(err error) (string, string) {
	if ae, ok := apperr.As(err); ok {
		msg := ae.Message
		if ae.Err != nil {
			msg += ": " + ae.Err.Error()
		}
		return msg, ae.Code
	}
	return err.Error(), "internal_error"
}

// finalizeFailure writes the failed state unless a terminal state won first
func (s *AnalysisService) finalizeFailure(ctx context.Context, a *model.Analysis, cause error) (bool, error) {
	now := s.d.Now()
	msg, code := errorText(cause)
	a.Status = model.AnalysisFailed
	a.Response = nil
	a.Error = &msg
	a.ErrorCode = code
	a.CompletedAt = &now

	applied, err := s.d.Store.FinalizeAnalysis(ctx, a)
	if err != nil {
		return false, fmt.Errorf("failed to finalize analysis: %w", err)
	}
	if !applied {
		s.d.Log.Info("Analysis already terminal, failure discarded", zap.Int64("analysis_id", a.ID))
		return false, nil
	}

	s.d.Metrics.AnalysisFinished(string(a.Kind), string(a.Status))
	s.d.Log.Warn("Analysis failed",
		zap.Int64("analysis_id", a.ID),
		zap.String("code", code),
		zap.String("error", msg),
	)
	s.publish(a, "analysis.failed")
	s.notify(ctx, a, model.EventAnalysisFailed, model.PriorityHigh)
	return true, nil
}

func (s *AnalysisService) startJob(ctx context.Context, analysisID int64, jobID string) *model.Job {
	if jobID == "" {
		return nil
	}
	job, err := s.d.Store.GetJobByAnalysis(ctx, analysisID)
	if err != nil || job.ID != jobID {
		return nil
	}
	now := s.d.Now()
	job.Status = model.JobProcessing
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if _, err := s.d.Store.UpdateJob(ctx, job); err != nil {
		s.d.Log.Warn("Failed to mark job processing", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job
}

func (s *AnalysisService) failJob(ctx context.Context, job *model.Job, cause error) {
	now := s.d.Now()
	msg := cause.Error()
	job.Status = model.JobFailed
	job.Error = &msg
	job.CompletedAt = &now
	if _, err := s.d.Store.UpdateJob(ctx, job); err != nil {
		s.d.Log.Warn("Failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// RecordRetry notes an unexpected worker error before the job is retried
func (s *AnalysisService) RecordRetry(ctx context.Context, analysisID int64, retryCount int, cause error) {
	job, err := s.d.Store.GetJobByAnalysis(ctx, analysisID)
	if err != nil {
		return
	}
	msg := cause.Error()
	job.RetryCount = retryCount
	job.Error = &msg
	if _, err := s.d.Store.UpdateJob(ctx, job); err != nil {
		s.d.Log.Warn("Failed to record job retry", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// FailUnexpected finalizes an analysis whose job exhausted its retries
func (s *AnalysisService) FailUnexpected(ctx context.Context, analysisID int64, jobID string, cause error) error {
	a, err := s.d.Store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return err
	}
	if a.Status.Terminal() {
		return nil
	}
	failure := fmt.Errorf("processing failed after retries: %w", cause)
	applied, err := s.finalizeFailure(ctx, a, failure)
	if err != nil {
		return err
	}
	if applied {
		if job, err := s.d.Store.GetJobByAnalysis(ctx, analysisID); err == nil && (jobID == "" || job.ID == jobID) {
			s.failJob(ctx, job, failure)
		}
	}
	return nil
}

// Get returns the analysis if userID owns it
func (s *AnalysisService) Get(ctx context.Context, userID string, id int64) (*model.Analysis, error) {
	a, err := s.d.Store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, apperr.NotFound("analysis", id)
	}
	return a, nil
}

func (s *AnalysisService) Status(ctx context.Context, userID string, id int64) (*AnalysisStatus, error) {
	a, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	out := &AnalysisStatus{Analysis: a}
	if job, err := s.d.Store.GetJobByAnalysis(ctx, id); err == nil {
		out.Job = job
	}
	return out, nil
}

func (s *AnalysisService) List(ctx context.Context, userID string, limit, offset int) ([]*model.Analysis, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.d.Store.ListAnalyses(ctx, userID, limit, offset)
}

// Cancel marks the analysis and its job cancelled and revokes the task
func (s *AnalysisService) Cancel(ctx context.Context, userID string, id int64) (*model.Analysis, error) {
	a, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return nil, apperr.Validation("status", fmt.Sprintf("analysis is already %s", a.Status))
	}

	now := s.d.Now()
	applied, err := s.d.Store.CancelAnalysis(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel analysis: %w", err)
	}
	if !applied {
		current, _ := s.d.Store.GetAnalysis(ctx, id)
		status := model.AnalysisStatus("finished")
		if current != nil {
			status = current.Status
		}
		return nil, apperr.Validation("status", fmt.Sprintf("analysis is already %s", status))
	}

	s.cancelJob(ctx, id, now)

	a.Status = model.AnalysisCancelled
	a.CompletedAt = &now
	s.d.Metrics.AnalysisFinished(string(a.Kind), string(a.Status))
	s.publish(a, "analysis.cancelled")
	return a, nil
}

func (s *AnalysisService) cancelJob(ctx context.Context, analysisID int64, now time.Time) {
	job, err := s.d.Store.GetJobByAnalysis(ctx, analysisID)
	if err != nil || job.Status.Terminal() {
		return
	}
	job.Status = model.JobCancelled
	job.CompletedAt = &now
	if _, err := s.d.Store.UpdateJob(ctx, job); err != nil {
		s.d.Log.Warn("Failed to cancel job", zap.String("job_id", job.ID), zap.Error(err))
	}
	if s.jobClient != nil && job.TaskID != "" {
		if err := s.jobClient.CancelAnalysis(ctx, job.TaskID); err != nil {
			s.d.Log.Warn("Failed to revoke task", zap.String("task_id", job.TaskID), zap.Error(err))
		}
	}
}

func (s *AnalysisService) Delete(ctx context.Context, userID string, id int64) error {
	a, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if !a.Status.Terminal() {
		now := s.d.Now()
		if _, err := s.d.Store.CancelAnalysis(ctx, id, now); err != nil {
			return fmt.Errorf("failed to cancel analysis: %w", err)
		}
		s.cancelJob(ctx, id, now)
	}
	return s.d.Store.DeleteAnalysis(ctx, id)
}

func (s *AnalysisService) publish(a *model.Analysis, eventType string) {
	event := map[string]interface{}{
		"type":       eventType,
		"analysisId": a.ID,
		"kind":       a.Kind,
		"status":     a.Status,
	}
	if a.ErrorCode != "" {
		event["errorCode"] = a.ErrorCode
	}
	_ = s.d.Bus.PublishAnalysis(a.ID, event)
	_ = s.d.Bus.PublishUser(a.UserID, event)
}

func (s *AnalysisService) notify(ctx context.Context, a *model.Analysis, event model.EventKind, priority model.Priority) {
	if s.notifier == nil {
		return
	}
	payload := map[string]interface{}{
		"analysis_id":   a.ID,
		"analysis_type": string(a.Kind),
		"status":        string(a.Status),
		"provider":      a.ProviderName,
		"model":         a.ModelUsed,
		"duration":      a.Duration,
		"source":        string(a.Source),
	}
	if a.Response != nil {
		payload["summary"] = summarize(*a.Response, 280)
		payload["response"] = *a.Response
	}
	if a.Error != nil {
		payload["error"] = *a.Error
	}
	id := a.ID
	err := s.notifier.Notify(ctx, Notification{
		UserID:     a.UserID,
		Event:      event,
		Priority:   priority,
		Payload:    payload,
		AnalysisID: &id,
	})
	if err != nil {
		s.d.Log.Warn("Notification failed", zap.Int64("analysis_id", a.ID), zap.Error(err))
	}
}

func summarize(text string, max int) string {
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
