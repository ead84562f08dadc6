package service

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/model"
	"healthai/internal/schema"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed templates/workflows.yaml
var workflowTemplatesYAML []byte

// WorkflowTemplate is a predefined workflow a user can instantiate
type WorkflowTemplate struct {
	ID            string                   `json:"id" yaml:"id"`
	Name          string                   `json:"name" yaml:"name"`
	Description   string                   `json:"description" yaml:"description"`
	TriggerKind   model.AnalysisKind       `json:"triggerKind" yaml:"triggerKind"`
	Conditions    []model.TriggerCondition `json:"conditions" yaml:"conditions"`
	Steps         []model.WorkflowStep     `json:"steps" yaml:"steps"`
	AutoExecute   bool                     `json:"autoExecute" yaml:"autoExecute"`
	MaxConcurrent int                      `json:"maxConcurrent" yaml:"maxConcurrent"`
}

var (
	templatesOnce sync.Once
	templates     []WorkflowTemplate
	templatesErr  error
)

func loadTemplates() ([]WorkflowTemplate, error) {
	templatesOnce.Do(func() {
		templatesErr = yaml.Unmarshal(workflowTemplatesYAML, &templates)
	})
	return templates, templatesErr
}

var errConcurrencyLimit = apperr.RateLimited("workflow has reached its concurrent execution limit", 0)

// WorkflowService chains follow-up analyses off completed analyses
type WorkflowService struct {
	d         Deps
	analyses  *AnalysisService
	jobClient JobClient
	notifier  Notifier
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewWorkflowService(d Deps, analyses *AnalysisService) *WorkflowService {
	d.defaults()
	return &WorkflowService{d: d, analyses: analyses, sleep: sleepFor}
}

func (s *WorkflowService) SetJobClient(client JobClient) {
	s.jobClient = client
}

func (s *WorkflowService) SetNotifier(n Notifier) {
	s.notifier = n
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type CreateWorkflowInput struct {
	Name          string                   `json:"name" validate:"required,max=200"`
	Description   string                   `json:"description,omitempty"`
	TriggerKind   model.AnalysisKind       `json:"triggerKind" validate:"required"`
	Conditions    []model.TriggerCondition `json:"conditions"`
	Steps         []model.WorkflowStep     `json:"steps" validate:"required,min=1"`
	AutoExecute   *bool                    `json:"autoExecute,omitempty"`
	MaxConcurrent int                      `json:"maxConcurrent,omitempty" validate:"gte=0,lte=10"`
	Enabled       *bool                    `json:"enabled,omitempty"`
}

type UpdateWorkflowInput struct {
	Name          *string                  `json:"name,omitempty"`
	Description   *string                  `json:"description,omitempty"`
	TriggerKind   *model.AnalysisKind      `json:"triggerKind,omitempty"`
	Conditions    []model.TriggerCondition `json:"conditions,omitempty"`
	Steps         []model.WorkflowStep     `json:"steps,omitempty"`
	AutoExecute   *bool                    `json:"autoExecute,omitempty"`
	MaxConcurrent *int                     `json:"maxConcurrent,omitempty"`
	Enabled       *bool                    `json:"enabled,omitempty"`
}

func (s *WorkflowService) validate(ctx context.Context, wf *model.Workflow) error {
	if strings.TrimSpace(wf.Name) == "" {
		return apperr.Validation("name", "name is required")
	}
	if !wf.TriggerKind.Valid() {
		return apperr.Validation("triggerKind", fmt.Sprintf("unsupported analysis kind %q", wf.TriggerKind))
	}
	if err := s.d.Schema.Validate(ctx, schema.WorkflowConditions, wf.Conditions); err != nil {
		return apperr.Validation("conditions", err.Error())
	}
	if err := s.d.Schema.Validate(ctx, schema.WorkflowSteps, wf.Steps); err != nil {
		return apperr.Validation("steps", err.Error())
	}
	if wf.MaxConcurrent < 1 {
		wf.MaxConcurrent = 1
	}
	return nil
}

func (s *WorkflowService) Create(ctx context.Context, userID string, in CreateWorkflowInput) (*model.Workflow, error) {
	now := s.d.Now()
	wf := &model.Workflow{
		ID:            uuid.NewString(),
		UserID:        userID,
		Name:          in.Name,
		Description:   in.Description,
		TriggerKind:   in.TriggerKind,
		Conditions:    in.Conditions,
		Steps:         in.Steps,
		AutoExecute:   in.AutoExecute == nil || *in.AutoExecute,
		MaxConcurrent: in.MaxConcurrent,
		Enabled:       in.Enabled == nil || *in.Enabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if wf.Conditions == nil {
		wf.Conditions = []model.TriggerCondition{}
	}
	if err := s.validate(ctx, wf); err != nil {
		return nil, err
	}
	if err := s.d.Store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	s.d.Log.Info("Workflow created",
		zap.String("workflow_id", wf.ID),
		zap.String("user_id", userID),
		zap.String("trigger_kind", string(wf.TriggerKind)),
		zap.Int("steps", len(wf.Steps)),
	)
	return wf, nil
}

// Templates lists the built-in workflow templates
func (s *WorkflowService) Templates() ([]WorkflowTemplate, error) {
	return loadTemplates()
}

// CreateFromTemplate instantiates the template for userID. name overrides
// the template name when set.
func (s *WorkflowService) CreateFromTemplate(ctx context.Context, userID, templateID, name string) (*model.Workflow, error) {
	all, err := loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow templates: %w", err)
	}
	for _, t := range all {
		if t.ID != templateID {
			continue
		}
		if name == "" {
			name = t.Name
		}
		auto := t.AutoExecute
		return s.Create(ctx, userID, CreateWorkflowInput{
			Name:          name,
			Description:   t.Description,
			TriggerKind:   t.TriggerKind,
			Conditions:    append([]model.TriggerCondition(nil), t.Conditions...),
			Steps:         append([]model.WorkflowStep(nil), t.Steps...),
			AutoExecute:   &auto,
			MaxConcurrent: t.MaxConcurrent,
		})
	}
	return nil, apperr.NotFound("workflow template", templateID)
}

// Get returns the workflow if userID owns it
func (s *WorkflowService) Get(ctx context.Context, userID, id string) (*model.Workflow, error) {
	wf, err := s.d.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.UserID != userID {
		return nil, apperr.NotFound("workflow", id)
	}
	return wf, nil
}

func (s *WorkflowService) List(ctx context.Context, userID string) ([]*model.Workflow, error) {
	return s.d.Store.ListWorkflows(ctx, userID)
}

func (s *WorkflowService) Update(ctx context.Context, userID, id string, in UpdateWorkflowInput) (*model.Workflow, error) {
	wf, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		wf.Name = *in.Name
	}
	if in.Description != nil {
		wf.Description = *in.Description
	}
	if in.TriggerKind != nil {
		wf.TriggerKind = *in.TriggerKind
	}
	if in.Conditions != nil {
		wf.Conditions = in.Conditions
	}
	if in.Steps != nil {
		wf.Steps = in.Steps
	}
	if in.AutoExecute != nil {
		wf.AutoExecute = *in.AutoExecute
	}
	if in.MaxConcurrent != nil {
		wf.MaxConcurrent = *in.MaxConcurrent
	}
	if in.Enabled != nil {
		wf.Enabled = *in.Enabled
	}
	if err := s.validate(ctx, wf); err != nil {
		return nil, err
	}
	wf.UpdatedAt = s.d.Now()

	if err := s.d.Store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	return wf, nil
}

func (s *WorkflowService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.d.Store.DeleteWorkflow(ctx, id)
}

func (s *WorkflowService) ListExecutions(ctx context.Context, userID, id string, limit int) ([]*model.WorkflowExecution, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.d.Store.ListWorkflowExecutions(ctx, id, limit)
}

// OnAnalysisCompleted starts every enabled workflow of the owner whose
// trigger kind and conditions match a. Analyses produced by a workflow never
// re-trigger that same workflow.
func (s *WorkflowService) OnAnalysisCompleted(ctx context.Context, a *model.Analysis) error {
	if a.Status != model.AnalysisCompleted {
		return nil
	}
	wfs, err := s.d.Store.MatchingWorkflows(ctx, a.UserID, a.Kind)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	for _, wf := range wfs {
		if !wf.Enabled {
			continue
		}
		if a.Source == model.SourceWorkflow && a.SourceID == wf.ID {
			continue
		}
		if !EvaluateConditions(s.d.Log, wf.Conditions, a) {
			continue
		}

		if !wf.AutoExecute {
			s.d.Log.Info("Workflow matched, awaiting manual approval",
				zap.String("workflow_id", wf.ID),
				zap.Int64("analysis_id", a.ID),
			)
			_ = s.d.Bus.PublishUser(a.UserID, map[string]interface{}{
				"type":       "workflow.approval_pending",
				"workflowId": wf.ID,
				"analysisId": a.ID,
			})
			continue
		}

		if _, err := s.start(ctx, wf, a, model.WorkflowAutomatic); err != nil {
			if err == errConcurrencyLimit {
				s.d.Log.Info("Workflow at concurrency limit, skipping",
					zap.String("workflow_id", wf.ID),
					zap.Int64("analysis_id", a.ID),
				)
				continue
			}
			s.d.Log.Error("Workflow execution failed",
				zap.String("workflow_id", wf.ID),
				zap.Int64("analysis_id", a.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ExecuteManual runs the workflow against an analysis chosen by the user
func (s *WorkflowService) ExecuteManual(ctx context.Context, userID, workflowID string, analysisID int64) (*model.WorkflowExecution, error) {
	wf, err := s.Get(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}
	trigger, err := s.analyses.Get(ctx, userID, analysisID)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, wf, trigger, model.WorkflowManual)
}

func triggerSnapshot(a *model.Analysis) map[string]interface{} {
	snap := map[string]interface{}{
		"analysis_id":     a.ID,
		"kind":            string(a.Kind),
		"status":          string(a.Status),
		"duration":        a.Duration,
		"measurement_ids": a.MeasurementIDs,
		"source":          string(a.Source),
	}
	if a.Response != nil {
		snap["summary"] = summarize(*a.Response, 500)
	}
	if a.Error != nil {
		snap["error"] = *a.Error
	}
	return snap
}

func (s *WorkflowService) start(ctx context.Context, wf *model.Workflow, trigger *model.Analysis, kind model.WorkflowExecutionKind) (*model.WorkflowExecution, error) {
	id := trigger.ID
	exec := &model.WorkflowExecution{
		ID:                uuid.NewString(),
		WorkflowID:        wf.ID,
		UserID:            wf.UserID,
		TriggerAnalysisID: &id,
		TriggerSnapshot:   triggerSnapshot(trigger),
		Kind:              kind,
		Status:            model.ExecutionRunning,
		TotalSteps:        len(wf.Steps),
		StepResults:       []model.StepResult{},
		CreatedAnalyses:   []int64{},
		StartedAt:         s.d.Now(),
	}

	maxConcurrent := wf.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	started, err := s.d.Store.StartWorkflowExecution(ctx, exec, maxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow execution: %w", err)
	}
	if !started {
		return nil, errConcurrencyLimit
	}

	s.d.Log.Info("Workflow execution started",
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", exec.ID),
		zap.Int64("trigger_analysis_id", trigger.ID),
		zap.String("kind", string(kind)),
	)
	s.publish(exec, "workflow.started")

	if err := s.runFrom(ctx, wf, exec, trigger, 0, false); err != nil {
		return exec, err
	}
	return exec, nil
}

// Continue resumes an execution at step after its delay elapsed
func (s *WorkflowService) Continue(ctx context.Context, executionID string, step int) error {
	exec, err := s.d.Store.GetWorkflowExecution(ctx, executionID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	wf, err := s.d.Store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return s.abort(ctx, exec, "workflow no longer exists")
		}
		return err
	}
	if exec.TriggerAnalysisID == nil {
		return s.finish(ctx, wf, exec, model.ExecutionFailed, "trigger analysis is missing")
	}
	trigger, err := s.d.Store.GetAnalysis(ctx, *exec.TriggerAnalysisID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return s.finish(ctx, wf, exec, model.ExecutionFailed, "trigger analysis no longer exists")
		}
		return err
	}
	return s.runFrom(ctx, wf, exec, trigger, step, true)
}

// runFrom executes the steps of wf starting at index from. A delayed step
// either hands off to the job queue or waits in place when no queue is set.
func (s *WorkflowService) runFrom(ctx context.Context, wf *model.Workflow, exec *model.WorkflowExecution, trigger *model.Analysis, from int, resumed bool) error {
	for i := from; i < len(wf.Steps); i++ {
		step := wf.Steps[i]

		if step.DelayMinutes > 0 && !(resumed && i == from) {
			delay := time.Duration(step.DelayMinutes) * time.Minute
			exec.CurrentStep = i
			if s.jobClient != nil {
				if err := s.d.Store.UpdateWorkflowExecution(ctx, exec); err != nil {
					return fmt.Errorf("failed to persist workflow execution: %w", err)
				}
				if err := s.jobClient.EnqueueWorkflowStep(ctx, exec.ID, i, delay); err != nil {
					return s.finish(ctx, wf, exec, model.ExecutionFailed, fmt.Sprintf("failed to schedule step %d: %v", i+1, err))
				}
				s.d.Log.Info("Workflow step delayed",
					zap.String("execution_id", exec.ID),
					zap.Int("step", i),
					zap.Duration("delay", delay),
				)
				return nil
			}
			if err := s.sleep(ctx, delay); err != nil {
				return s.finish(ctx, wf, exec, model.ExecutionCancelled, "workflow interrupted during step delay")
			}
		}

		exec.CurrentStep = i + 1
		result := model.StepResult{
			Index:     i,
			Kind:      step.Kind,
			Status:    model.StepRunning,
			StartedAt: s.d.Now(),
		}

		if len(step.Conditions) > 0 && !EvaluateConditions(s.d.Log, step.Conditions, trigger) {
			done := s.d.Now()
			result.Status = model.StepSkipped
			result.CompletedAt = &done
			exec.StepResults = append(exec.StepResults, result)
			if err := s.d.Store.UpdateWorkflowExecution(ctx, exec); err != nil {
				return fmt.Errorf("failed to persist workflow execution: %w", err)
			}
			continue
		}

		a, err := s.analyses.Submit(ctx, wf.UserID, SubmitInput{
			MeasurementIDs:    trigger.MeasurementIDs,
			Kind:              step.Kind,
			Provider:          step.Provider,
			AdditionalContext: step.AdditionalContext,
			Source:            model.SourceWorkflow,
			SourceID:          wf.ID,
		})
		done := s.d.Now()
		result.CompletedAt = &done
		if err == nil && a.Status == model.AnalysisFailed {
			err = fmt.Errorf("analysis %d failed", a.ID)
			if a.Error != nil {
				err = fmt.Errorf("analysis %d failed: %s", a.ID, *a.Error)
			}
		}
		if a != nil {
			analysisID := a.ID
			result.AnalysisID = &analysisID
			exec.CreatedAnalyses = append(exec.CreatedAnalyses, a.ID)
		}

		if err != nil {
			msg := err.Error()
			result.Status = model.StepFailed
			result.Error = &msg
			exec.StepResults = append(exec.StepResults, result)
			s.d.Log.Warn("Workflow step failed",
				zap.String("execution_id", exec.ID),
				zap.Int("step", i),
				zap.Error(err),
			)
			if !step.ContinueOnFailure {
				return s.finish(ctx, wf, exec, model.ExecutionFailed, fmt.Sprintf("step %d failed: %s", i+1, msg))
			}
		} else {
			result.Status = model.StepCompleted
			exec.StepResults = append(exec.StepResults, result)
		}

		if err := s.d.Store.UpdateWorkflowExecution(ctx, exec); err != nil {
			return fmt.Errorf("failed to persist workflow execution: %w", err)
		}
	}
	return s.finish(ctx, wf, exec, model.ExecutionCompleted, "")
}

// abort closes an execution whose workflow disappeared
func (s *WorkflowService) abort(ctx context.Context, exec *model.WorkflowExecution, reason string) error {
	now := s.d.Now()
	exec.Status = model.ExecutionFailed
	exec.Error = &reason
	exec.CompletedAt = &now
	return s.d.Store.UpdateWorkflowExecution(ctx, exec)
}

func (s *WorkflowService) finish(ctx context.Context, wf *model.Workflow, exec *model.WorkflowExecution, status model.ExecutionStatus, reason string) error {
	now := s.d.Now()
	exec.Status = status
	exec.CompletedAt = &now
	if reason != "" {
		exec.Error = &reason
	}
	if err := s.d.Store.UpdateWorkflowExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to persist workflow execution: %w", err)
	}
	if err := s.d.Store.RecordWorkflowOutcome(ctx, wf.ID, status == model.ExecutionCompleted, now); err != nil {
		s.d.Log.Warn("Failed to record workflow outcome", zap.String("workflow_id", wf.ID), zap.Error(err))
	}

	s.d.Metrics.WorkflowExecution(string(status))
	s.d.Log.Info("Workflow execution finished",
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", exec.ID),
		zap.String("status", string(status)),
		zap.Int("created_analyses", len(exec.CreatedAnalyses)),
	)

	eventType := "workflow.completed"
	if status != model.ExecutionCompleted {
		eventType = "workflow.failed"
	}
	s.publish(exec, eventType)
	s.notify(ctx, wf, exec)
	return nil
}

func (s *WorkflowService) publish(exec *model.WorkflowExecution, eventType string) {
	_ = s.d.Bus.PublishUser(exec.UserID, map[string]interface{}{
		"type":        eventType,
		"workflowId":  exec.WorkflowID,
		"executionId": exec.ID,
		"status":      exec.Status,
		"currentStep": exec.CurrentStep,
		"totalSteps":  exec.TotalSteps,
	})
}

func (s *WorkflowService) notify(ctx context.Context, wf *model.Workflow, exec *model.WorkflowExecution) {
	if s.notifier == nil {
		return
	}
	event, priority := model.EventWorkflowCompleted, model.PriorityNormal
	if exec.Status != model.ExecutionCompleted {
		event, priority = model.EventWorkflowFailed, model.PriorityHigh
	}
	payload := map[string]interface{}{
		"workflow_id":      wf.ID,
		"workflow_name":    wf.Name,
		"execution_id":     exec.ID,
		"status":           string(exec.Status),
		"steps_total":      exec.TotalSteps,
		"created_analyses": len(exec.CreatedAnalyses),
	}
	if exec.Error != nil {
		payload["error"] = *exec.Error
	}
	id := wf.ID
	if err := s.notifier.Notify(ctx, Notification{
		UserID:     wf.UserID,
		Event:      event,
		Priority:   priority,
		Payload:    payload,
		WorkflowID: &id,
	}); err != nil {
		s.d.Log.Warn("Notification failed", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}
