// Package memstore is an in-process implementation of the service store.
// It backs development mode and the service tests; every read returns a copy.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/model"
)

type Store struct {
	mu sync.Mutex

	users        map[string]*model.User
	providers    map[string]*model.ProviderConfig
	measurements map[int64]*model.HealthMeasurement
	analyses     map[int64]*model.Analysis
	jobs         map[string]*model.Job
	schedules    map[string]*model.Schedule
	schedExecs   map[string]*model.ScheduleExecution
	workflows    map[string]*model.Workflow
	wfExecs      map[string]*model.WorkflowExecution
	channels     map[string]*model.NotificationChannel
	preferences  map[string]*model.NotificationPreference
	templates    map[string]*model.NotificationTemplate
	history      map[string]*model.NotificationHistory
	rateLimits   map[model.RateLimitKey]*model.NotificationRateLimit

	nextMeasurement int64
	nextAnalysis    int64
}

func New() *Store {
	return &Store{
		users:        map[string]*model.User{},
		providers:    map[string]*model.ProviderConfig{},
		measurements: map[int64]*model.HealthMeasurement{},
		analyses:     map[int64]*model.Analysis{},
		jobs:         map[string]*model.Job{},
		schedules:    map[string]*model.Schedule{},
		schedExecs:   map[string]*model.ScheduleExecution{},
		workflows:    map[string]*model.Workflow{},
		wfExecs:      map[string]*model.WorkflowExecution{},
		channels:     map[string]*model.NotificationChannel{},
		preferences:  map[string]*model.NotificationPreference{},
		templates:    map[string]*model.NotificationTemplate{},
		history:      map[string]*model.NotificationHistory{},
		rateLimits:   map[model.RateLimitKey]*model.NotificationRateLimit{},
	}
}

// Users

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user", id)
	}
	c := *u
	return &c, nil
}

func (s *Store) UpsertUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *u
	s.users[u.ID] = &c
	return nil
}

// Providers

func cloneProvider(p *model.ProviderConfig) *model.ProviderConfig {
	c := *p
	c.Models = append([]string(nil), p.Models...)
	return &c
}

func (s *Store) CreateProvider(ctx context.Context, p *model.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.providers {
		if existing.UserID == p.UserID && existing.Name == p.Name {
			return apperr.Validation("name", "a provider with this name already exists")
		}
	}
	s.providers[p.ID] = cloneProvider(p)
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id string) (*model.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, apperr.NotFound("provider", id)
	}
	return cloneProvider(p), nil
}

func (s *Store) GetProviderByName(ctx context.Context, userID, name string) (*model.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.providers {
		if p.UserID == userID && p.Name == name {
			return cloneProvider(p), nil
		}
	}
	return nil, apperr.NotFound("provider", name)
}

func (s *Store) ListProviders(ctx context.Context, userID string) ([]*model.ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.ProviderConfig{}
	for _, p := range s.providers {
		if p.UserID == userID {
			out = append(out, cloneProvider(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateProvider(ctx context.Context, p *model.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.ID]; !ok {
		return apperr.NotFound("provider", p.ID)
	}
	s.providers[p.ID] = cloneProvider(p)
	return nil
}

// DeleteProvider removes the provider and detaches it from analyses
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[id]; !ok {
		return apperr.NotFound("provider", id)
	}
	delete(s.providers, id)
	for _, a := range s.analyses {
		if a.ProviderID != nil && *a.ProviderID == id {
			a.ProviderID = nil
		}
	}
	return nil
}

// Measurements

func (s *Store) CreateMeasurement(ctx context.Context, m *model.HealthMeasurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMeasurement++
	m.ID = s.nextMeasurement
	c := *m
	s.measurements[m.ID] = &c
	return nil
}

func (s *Store) GetMeasurements(ctx context.Context, userID string, ids []int64) ([]*model.HealthMeasurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.HealthMeasurement{}
	for _, id := range ids {
		if m, ok := s.measurements[id]; ok && m.UserID == userID {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) QueryMeasurements(ctx context.Context, userID string, q model.MeasurementQuery) ([]*model.HealthMeasurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics := map[string]bool{}
	for _, m := range q.Metrics {
		metrics[m] = true
	}
	out := []*model.HealthMeasurement{}
	for _, m := range s.measurements {
		if m.UserID != userID {
			continue
		}
		if len(metrics) > 0 && !metrics[m.Metric] {
			continue
		}
		if q.Since != nil && m.RecordedAt.Before(*q.Since) {
			continue
		}
		if q.Until != nil && m.RecordedAt.After(*q.Until) {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountMeasurements(ctx context.Context, userID, metric string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.measurements {
		if m.UserID == userID && m.Metric == metric && m.RecordedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// Analyses

func cloneAnalysis(a *model.Analysis) *model.Analysis {
	c := *a
	c.MeasurementIDs = append([]int64(nil), a.MeasurementIDs...)
	if a.TokenUsage != nil {
		c.TokenUsage = make(map[string]int, len(a.TokenUsage))
		for k, v := range a.TokenUsage {
			c.TokenUsage[k] = v
		}
	}
	return &c
}

func (s *Store) CreateAnalysis(ctx context.Context, a *model.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAnalysis++
	a.ID = s.nextAnalysis
	s.analyses[a.ID] = cloneAnalysis(a)
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, id int64) (*model.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return nil, apperr.NotFound("analysis", id)
	}
	return cloneAnalysis(a), nil
}

func (s *Store) ListAnalyses(ctx context.Context, userID string, limit, offset int) ([]*model.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := []*model.Analysis{}
	for _, a := range s.analyses {
		if a.UserID == userID {
			all = append(all, cloneAnalysis(a))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, limit, offset), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return []T{}
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func (s *Store) MarkAnalysisProcessing(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return false, apperr.NotFound("analysis", id)
	}
	if a.Status.Terminal() {
		return false, nil
	}
	a.Status = model.AnalysisProcessing
	return true, nil
}

func (s *Store) FinalizeAnalysis(ctx context.Context, a *model.Analysis) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.analyses[a.ID]
	if !ok {
		return false, apperr.NotFound("analysis", a.ID)
	}
	if current.Status.Terminal() {
		return false, nil
	}
	s.analyses[a.ID] = cloneAnalysis(a)
	return true, nil
}

func (s *Store) CancelAnalysis(ctx context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return false, apperr.NotFound("analysis", id)
	}
	if a.Status.Terminal() {
		return false, nil
	}
	a.Status = model.AnalysisCancelled
	a.CompletedAt = &at
	return true, nil
}

func (s *Store) DeleteAnalysis(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.analyses[id]; !ok {
		return apperr.NotFound("analysis", id)
	}
	delete(s.analyses, id)
	for jid, j := range s.jobs {
		if j.AnalysisID == id {
			delete(s.jobs, jid)
		}
	}
	return nil
}

// Jobs

func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.AnalysisID == j.AnalysisID && !existing.Status.Terminal() {
			return model.ErrLiveJobExists
		}
	}
	c := *j
	s.jobs[j.ID] = &c
	return nil
}

// GetJobByAnalysis returns the live job of the analysis, or its latest one
func (s *Store) GetJobByAnalysis(ctx context.Context, analysisID int64) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *model.Job
	for _, j := range s.jobs {
		if j.AnalysisID != analysisID {
			continue
		}
		switch {
		case best == nil:
			best = j
		case !j.Status.Terminal() && best.Status.Terminal():
			best = j
		case j.Status.Terminal() == best.Status.Terminal() && j.CreatedAt.After(best.CreatedAt):
			best = j
		}
	}
	if best == nil {
		return nil, apperr.NotFound("job", analysisID)
	}
	c := *best
	return &c, nil
}

// UpdateJob writes j unless the stored job is already terminal
func (s *Store) UpdateJob(ctx context.Context, j *model.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[j.ID]
	if !ok {
		return false, apperr.NotFound("job", j.ID)
	}
	if current.Status.Terminal() {
		return false, nil
	}
	c := *j
	s.jobs[j.ID] = &c
	return true, nil
}

// Schedules

func cloneSchedule(sc *model.Schedule) *model.Schedule {
	c := *sc
	c.DaysOfWeek = append([]int(nil), sc.DaysOfWeek...)
	c.AnalysisTypes = append([]model.AnalysisKind(nil), sc.AnalysisTypes...)
	c.DataSelection.Metrics = append([]string(nil), sc.DataSelection.Metrics...)
	return &c
}

func (s *Store) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, apperr.NotFound("schedule", id)
	}
	return cloneSchedule(sc), nil
}

func (s *Store) ListSchedules(ctx context.Context, userID string) ([]*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Schedule{}
	for _, sc := range s.schedules {
		if sc.UserID == userID {
			out = append(out, cloneSchedule(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sc.ID]; !ok {
		return apperr.NotFound("schedule", sc.ID)
	}
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return apperr.NotFound("schedule", id)
	}
	delete(s.schedules, id)
	for eid, e := range s.schedExecs {
		if e.ScheduleID == id {
			delete(s.schedExecs, eid)
		}
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Schedule{}
	for _, sc := range s.schedules {
		if sc.Enabled && sc.Kind != model.ScheduleDataThreshold && sc.NextRunAt != nil && !sc.NextRunAt.After(now) {
			out = append(out, cloneSchedule(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (s *Store) DataThresholdSchedules(ctx context.Context, userID string) ([]*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Schedule{}
	for _, sc := range s.schedules {
		if sc.UserID == userID && sc.Enabled && sc.Kind == model.ScheduleDataThreshold {
			out = append(out, cloneSchedule(sc))
		}
	}
	return out, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (s *Store) ClaimScheduleFire(ctx context.Context, c model.ScheduleClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[c.ScheduleID]
	if !ok {
		return false, apperr.NotFound("schedule", c.ScheduleID)
	}
	if !sameTime(sc.NextRunAt, c.SeenNextRun) || !sameTime(sc.LastRunAt, c.SeenLastRun) {
		return false, nil
	}
	if sc.LastRunAt == nil || c.FiredAt.After(*sc.LastRunAt) {
		fired := c.FiredAt
		sc.LastRunAt = &fired
	}
	sc.RunCount++
	sc.NextRunAt = nil
	if c.NextRunAt != nil {
		next := *c.NextRunAt
		sc.NextRunAt = &next
	}
	if c.Disable {
		sc.Enabled = false
	}
	sc.UpdatedAt = c.FiredAt
	return true, nil
}

func cloneScheduleExecution(e *model.ScheduleExecution) *model.ScheduleExecution {
	c := *e
	c.AnalysisIDs = append([]int64(nil), e.AnalysisIDs...)
	return &c
}

func (s *Store) CreateScheduleExecution(ctx context.Context, e *model.ScheduleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedExecs[e.ID] = cloneScheduleExecution(e)
	return nil
}

func (s *Store) UpdateScheduleExecution(ctx context.Context, e *model.ScheduleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedExecs[e.ID]; !ok {
		return apperr.NotFound("schedule execution", e.ID)
	}
	s.schedExecs[e.ID] = cloneScheduleExecution(e)
	return nil
}

func (s *Store) ListScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]*model.ScheduleExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.ScheduleExecution{}
	for _, e := range s.schedExecs {
		if e.ScheduleID == scheduleID {
			out = append(out, cloneScheduleExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, 0), nil
}

func (s *Store) DeleteScheduleExecutionsBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.schedExecs {
		if e.StartedAt.Before(before) {
			delete(s.schedExecs, id)
			n++
		}
	}
	return n, nil
}

// Workflows

func cloneWorkflow(w *model.Workflow) *model.Workflow {
	c := *w
	c.Conditions = append([]model.TriggerCondition(nil), w.Conditions...)
	c.Steps = append([]model.WorkflowStep(nil), w.Steps...)
	return &c
}

func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, apperr.NotFound("workflow", id)
	}
	return cloneWorkflow(w), nil
}

func (s *Store) ListWorkflows(ctx context.Context, userID string) ([]*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Workflow{}
	for _, w := range s.workflows {
		if w.UserID == userID {
			out = append(out, cloneWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return apperr.NotFound("workflow", w.ID)
	}
	s.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return apperr.NotFound("workflow", id)
	}
	delete(s.workflows, id)
	for eid, e := range s.wfExecs {
		if e.WorkflowID == id {
			delete(s.wfExecs, eid)
		}
	}
	return nil
}

func (s *Store) MatchingWorkflows(ctx context.Context, userID string, kind model.AnalysisKind) ([]*model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.Workflow{}
	for _, w := range s.workflows {
		if w.UserID == userID && w.Enabled && w.TriggerKind == kind {
			out = append(out, cloneWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneWorkflowExecution(e *model.WorkflowExecution) *model.WorkflowExecution {
	c := *e
	c.StepResults = append([]model.StepResult(nil), e.StepResults...)
	c.CreatedAnalyses = append([]int64(nil), e.CreatedAnalyses...)
	return &c
}

func (s *Store) StartWorkflowExecution(ctx context.Context, e *model.WorkflowExecution, maxConcurrent int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running := 0
	for _, existing := range s.wfExecs {
		if existing.WorkflowID == e.WorkflowID && !existing.Status.Terminal() {
			running++
		}
	}
	if running >= maxConcurrent {
		return false, nil
	}
	s.wfExecs[e.ID] = cloneWorkflowExecution(e)
	return true, nil
}

func (s *Store) GetWorkflowExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.wfExecs[id]
	if !ok {
		return nil, apperr.NotFound("workflow execution", id)
	}
	return cloneWorkflowExecution(e), nil
}

func (s *Store) UpdateWorkflowExecution(ctx context.Context, e *model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wfExecs[e.ID]; !ok {
		return apperr.NotFound("workflow execution", e.ID)
	}
	s.wfExecs[e.ID] = cloneWorkflowExecution(e)
	return nil
}

func (s *Store) ListWorkflowExecutions(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.WorkflowExecution{}
	for _, e := range s.wfExecs {
		if e.WorkflowID == workflowID {
			out = append(out, cloneWorkflowExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, 0), nil
}

func (s *Store) RecordWorkflowOutcome(ctx context.Context, workflowID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[workflowID]
	if !ok {
		return apperr.NotFound("workflow", workflowID)
	}
	w.TotalExecutions++
	if success {
		w.SuccessfulExecutions++
	} else {
		w.FailedExecutions++
	}
	w.LastExecutedAt = &at
	return nil
}

// Notifications

func (s *Store) CreateChannel(ctx context.Context, c *model.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.channels[c.ID] = &cp
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*model.NotificationChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, apperr.NotFound("channel", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListChannels(ctx context.Context, userID string) ([]*model.NotificationChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.NotificationChannel{}
	for _, c := range s.channels {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateChannel(ctx context.Context, c *model.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[c.ID]; !ok {
		return apperr.NotFound("channel", c.ID)
	}
	cp := *c
	s.channels[c.ID] = &cp
	return nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return apperr.NotFound("channel", id)
	}
	delete(s.channels, id)
	for pid, p := range s.preferences {
		if p.ChannelID == id {
			delete(s.preferences, pid)
		}
	}
	return nil
}

func clonePreference(p *model.NotificationPreference) *model.NotificationPreference {
	c := *p
	if p.Filters != nil {
		c.Filters = make(map[string]interface{}, len(p.Filters))
		for k, v := range p.Filters {
			c.Filters[k] = v
		}
	}
	return &c
}

func (s *Store) CreatePreference(ctx context.Context, p *model.NotificationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.preferences {
		if existing.ChannelID == p.ChannelID && existing.Event == p.Event {
			return apperr.Validation("event", "a preference for this channel and event already exists")
		}
	}
	s.preferences[p.ID] = clonePreference(p)
	return nil
}

func (s *Store) GetPreference(ctx context.Context, id string) (*model.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preferences[id]
	if !ok {
		return nil, apperr.NotFound("preference", id)
	}
	return clonePreference(p), nil
}

func (s *Store) ListPreferences(ctx context.Context, userID string) ([]*model.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.NotificationPreference{}
	for _, p := range s.preferences {
		if p.UserID == userID {
			out = append(out, clonePreference(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdatePreference(ctx context.Context, p *model.NotificationPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.preferences[p.ID]; !ok {
		return apperr.NotFound("preference", p.ID)
	}
	s.preferences[p.ID] = clonePreference(p)
	return nil
}

func (s *Store) DeletePreference(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.preferences[id]; !ok {
		return apperr.NotFound("preference", id)
	}
	delete(s.preferences, id)
	return nil
}

func (s *Store) PreferencesForEvent(ctx context.Context, userID string, event model.EventKind) ([]*model.NotificationPreference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.NotificationPreference{}
	for _, p := range s.preferences {
		if p.UserID == userID && p.Event == event && p.Enabled {
			out = append(out, clonePreference(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func templateKey(event model.EventKind, kind model.ChannelKind) string {
	return string(event) + "/" + string(kind)
}

// PutTemplate stores a template for an event and channel kind
func (s *Store) PutTemplate(t *model.NotificationTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.templates[templateKey(t.Event, t.ChannelKind)] = &c
}

func (s *Store) GetTemplate(ctx context.Context, event model.EventKind, kind model.ChannelKind) (*model.NotificationTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[templateKey(event, kind)]
	if !ok {
		return nil, apperr.NotFound("template", templateKey(event, kind))
	}
	c := *t
	return &c, nil
}

func (s *Store) CreateHistory(ctx context.Context, h *model.NotificationHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *h
	s.history[h.ID] = &c
	return nil
}

func (s *Store) UpdateHistory(ctx context.Context, h *model.NotificationHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.history[h.ID]; !ok {
		return apperr.NotFound("notification", h.ID)
	}
	c := *h
	s.history[h.ID] = &c
	return nil
}

func (s *Store) ListHistory(ctx context.Context, userID string, limit, offset int) ([]*model.NotificationHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.NotificationHistory{}
	for _, h := range s.history {
		if h.UserID == userID {
			c := *h
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (s *Store) ReserveRateLimit(ctx context.Context, key model.RateLimitKey, now time.Time, maxPerHour, maxPerDay int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.rateLimits[key]
	if !ok {
		rl = &model.NotificationRateLimit{RateLimitKey: key}
		s.rateLimits[key] = rl
	}
	return rl.Reserve(now, maxPerHour, maxPerDay), nil
}
