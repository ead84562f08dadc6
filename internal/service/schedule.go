package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/model"
	"healthai/internal/schema"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeOfDay     = "09:00"
	defaultLastNDays     = 7
	defaultSelectionSize = 100
)

// ScheduleService fires analyses on timetables and data thresholds
type ScheduleService struct {
	d        Deps
	analyses *AnalysisService
	notifier Notifier
}

func NewScheduleService(d Deps, analyses *AnalysisService) *ScheduleService {
	d.defaults()
	return &ScheduleService{d: d, analyses: analyses}
}

func (s *ScheduleService) SetNotifier(n Notifier) {
	s.notifier = n
}

type CreateScheduleInput struct {
	Name              string               `json:"name" validate:"required,max=200"`
	Description       string               `json:"description,omitempty"`
	Kind              model.ScheduleKind   `json:"kind" validate:"required"`
	Frequency         model.Frequency      `json:"frequency,omitempty"`
	IntervalValue     int                  `json:"intervalValue,omitempty" validate:"gte=0"`
	IntervalUnit      model.IntervalUnit   `json:"intervalUnit,omitempty"`
	TimeOfDay         string               `json:"timeOfDay,omitempty"`
	DaysOfWeek        []int                `json:"daysOfWeek,omitempty" validate:"dive,gte=0,lte=6"`
	DayOfMonth        int                  `json:"dayOfMonth,omitempty" validate:"gte=0,lte=31"`
	RunAt             *time.Time           `json:"runAt,omitempty"`
	MetricFilter      *string              `json:"metricFilter,omitempty"`
	Threshold         int                  `json:"threshold,omitempty" validate:"gte=0"`
	AnalysisTypes     []model.AnalysisKind `json:"analysisTypes" validate:"required,min=1"`
	Provider          string               `json:"provider,omitempty"`
	AdditionalContext string               `json:"additionalContext,omitempty" validate:"max=4000"`
	DataSelection     model.DataSelection  `json:"dataSelection"`
	Enabled           *bool                `json:"enabled,omitempty"`
}

type UpdateScheduleInput struct {
	Name              *string              `json:"name,omitempty"`
	Description       *string              `json:"description,omitempty"`
	Frequency         *model.Frequency     `json:"frequency,omitempty"`
	IntervalValue     *int                 `json:"intervalValue,omitempty"`
	IntervalUnit      *model.IntervalUnit  `json:"intervalUnit,omitempty"`
	TimeOfDay         *string              `json:"timeOfDay,omitempty"`
	DaysOfWeek        []int                `json:"daysOfWeek,omitempty"`
	DayOfMonth        *int                 `json:"dayOfMonth,omitempty"`
	RunAt             *time.Time           `json:"runAt,omitempty"`
	MetricFilter      *string              `json:"metricFilter,omitempty"`
	Threshold         *int                 `json:"threshold,omitempty"`
	AnalysisTypes     []model.AnalysisKind `json:"analysisTypes,omitempty"`
	Provider          *string              `json:"provider,omitempty"`
	AdditionalContext *string              `json:"additionalContext,omitempty"`
	DataSelection     *model.DataSelection `json:"dataSelection,omitempty"`
	Enabled           *bool                `json:"enabled,omitempty"`
}

func parseTimeOfDay(v string) (int, int, error) {
	if v == "" {
		v = defaultTimeOfDay
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q", v)
	}
	return t.Hour(), t.Minute(), nil
}

// NextFireAfter computes the next UTC fire time of sched strictly after now.
// It returns nil for data-threshold schedules, which never fire on a clock.
func NextFireAfter(now time.Time, sched *model.Schedule) *time.Time {
	now = now.UTC()
	h, m, err := parseTimeOfDay(sched.TimeOfDay)
	if err != nil {
		h, m, _ = parseTimeOfDay(defaultTimeOfDay)
	}
	at := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, time.UTC)
	}

	var next time.Time
	switch sched.Kind {
	case model.ScheduleDataThreshold:
		return nil
	case model.ScheduleOneTime:
		if sched.RunAt != nil {
			next = sched.RunAt.UTC()
			return &next
		}
		next = nextDaily(now, at)
	default:
		switch sched.Frequency {
		case model.FrequencyWeekly:
			next = nextWeekly(now, sched.DaysOfWeek, at)
		case model.FrequencyMonthly:
			next = nextMonthly(now, sched.DayOfMonth, h, m)
		case model.FrequencyCustom:
			next = nextCustom(now, sched.IntervalValue, sched.IntervalUnit, at)
		default:
			next = nextDaily(now, at)
		}
	}
	return &next
}

func nextDaily(now time.Time, at func(time.Time) time.Time) time.Time {
	t := at(now)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func nextWeekly(now time.Time, days []int, at func(time.Time) time.Time) time.Time {
	if len(days) == 0 {
		days = []int{int(now.Weekday())}
	}
	var best time.Time
	for _, d := range days {
		ahead := ((d-int(now.Weekday()))%7 + 7) % 7
		cand := at(now).AddDate(0, 0, ahead)
		if !cand.After(now) {
			cand = cand.AddDate(0, 0, 7)
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	return best
}

// clampedDate pins day to the last day of the month when the month is shorter
func clampedDate(year int, month time.Month, day, h, m int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, h, m, 0, 0, time.UTC)
}

func nextMonthly(now time.Time, dom, h, m int) time.Time {
	if dom <= 0 {
		dom = 1
	}
	cand := clampedDate(now.Year(), now.Month(), dom, h, m)
	if !cand.After(now) {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		cand = clampedDate(first.Year(), first.Month(), dom, h, m)
	}
	return cand
}

// nextCustom adds the interval (a month counts as 30 days) and snaps to the time of day
func nextCustom(now time.Time, value int, unit model.IntervalUnit, at func(time.Time) time.Time) time.Time {
	if value <= 0 {
		value = 1
	}
	days := value
	switch unit {
	case model.UnitWeeks:
		days = value * 7
	case model.UnitMonths:
		days = value * 30
	}
	return at(now.AddDate(0, 0, days))
}

func (s *ScheduleService) validate(ctx context.Context, sched *model.Schedule) error {
	if strings.TrimSpace(sched.Name) == "" {
		return apperr.Validation("name", "name is required")
	}
	switch sched.Kind {
	case model.ScheduleRecurring:
		switch sched.Frequency {
		case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly:
		case model.FrequencyCustom:
			if sched.IntervalValue <= 0 {
				return apperr.Validation("intervalValue", "custom frequency requires a positive interval")
			}
			switch sched.IntervalUnit {
			case model.UnitDays, model.UnitWeeks, model.UnitMonths:
			default:
				return apperr.Validation("intervalUnit", fmt.Sprintf("unsupported interval unit %q", sched.IntervalUnit))
			}
		default:
			return apperr.Validation("frequency", fmt.Sprintf("unsupported frequency %q", sched.Frequency))
		}
	case model.ScheduleOneTime:
	case model.ScheduleDataThreshold:
		if sched.Threshold < 1 {
			return apperr.Validation("threshold", "threshold must be at least 1")
		}
	default:
		return apperr.Validation("kind", fmt.Sprintf("unsupported schedule kind %q", sched.Kind))
	}
	if _, _, err := parseTimeOfDay(sched.TimeOfDay); err != nil {
		return apperr.Validation("timeOfDay", "time of day must be HH:MM")
	}
	for _, d := range sched.DaysOfWeek {
		if d < 0 || d > 6 {
			return apperr.Validation("daysOfWeek", "days of week must be between 0 and 6")
		}
	}
	if sched.DayOfMonth < 0 || sched.DayOfMonth > 31 {
		return apperr.Validation("dayOfMonth", "day of month must be between 1 and 31")
	}
	if len(sched.AnalysisTypes) == 0 {
		return apperr.Validation("analysisTypes", "at least one analysis type is required")
	}
	for _, k := range sched.AnalysisTypes {
		if !k.Valid() {
			return apperr.Validation("analysisTypes", fmt.Sprintf("unsupported analysis kind %q", k))
		}
	}
	if err := s.d.Schema.Validate(ctx, schema.DataSelection, sched.DataSelection); err != nil {
		return apperr.Validation("dataSelection", err.Error())
	}
	return nil
}

func (s *ScheduleService) Create(ctx context.Context, userID string, in CreateScheduleInput) (*model.Schedule, error) {
	now := s.d.Now()
	sched := &model.Schedule{
		ID:                uuid.NewString(),
		UserID:            userID,
		Name:              in.Name,
		Description:       in.Description,
		Kind:              in.Kind,
		Frequency:         in.Frequency,
		IntervalValue:     in.IntervalValue,
		IntervalUnit:      in.IntervalUnit,
		TimeOfDay:         in.TimeOfDay,
		DaysOfWeek:        in.DaysOfWeek,
		DayOfMonth:        in.DayOfMonth,
		RunAt:             in.RunAt,
		MetricFilter:      in.MetricFilter,
		Threshold:         in.Threshold,
		AnalysisTypes:     in.AnalysisTypes,
		Provider:          in.Provider,
		AdditionalContext: in.AdditionalContext,
		DataSelection:     in.DataSelection,
		Enabled:           in.Enabled == nil || *in.Enabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if sched.Kind == model.ScheduleRecurring && sched.Frequency == "" {
		sched.Frequency = model.FrequencyDaily
	}
	if err := s.validate(ctx, sched); err != nil {
		return nil, err
	}
	if sched.Enabled {
		sched.NextRunAt = NextFireAfter(now, sched)
	}

	if err := s.d.Store.CreateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	s.d.Log.Info("Schedule created",
		zap.String("schedule_id", sched.ID),
		zap.String("user_id", userID),
		zap.String("kind", string(sched.Kind)),
	)
	return sched, nil
}

// Get returns the schedule if userID owns it
func (s *ScheduleService) Get(ctx context.Context, userID, id string) (*model.Schedule, error) {
	sched, err := s.d.Store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.UserID != userID {
		return nil, apperr.NotFound("schedule", id)
	}
	return sched, nil
}

func (s *ScheduleService) List(ctx context.Context, userID string) ([]*model.Schedule, error) {
	return s.d.Store.ListSchedules(ctx, userID)
}

func (s *ScheduleService) Update(ctx context.Context, userID, id string, in UpdateScheduleInput) (*model.Schedule, error) {
	sched, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		sched.Name = *in.Name
	}
	if in.Description != nil {
		sched.Description = *in.Description
	}
	if in.Frequency != nil {
		sched.Frequency = *in.Frequency
	}
	if in.IntervalValue != nil {
		sched.IntervalValue = *in.IntervalValue
	}
	if in.IntervalUnit != nil {
		sched.IntervalUnit = *in.IntervalUnit
	}
	if in.TimeOfDay != nil {
		sched.TimeOfDay = *in.TimeOfDay
	}
	if in.DaysOfWeek != nil {
		sched.DaysOfWeek = in.DaysOfWeek
	}
	if in.DayOfMonth != nil {
		sched.DayOfMonth = *in.DayOfMonth
	}
	if in.RunAt != nil {
		sched.RunAt = in.RunAt
	}
	if in.MetricFilter != nil {
		if *in.MetricFilter == "" {
			sched.MetricFilter = nil
		} else {
			sched.MetricFilter = in.MetricFilter
		}
	}
	if in.Threshold != nil {
		sched.Threshold = *in.Threshold
	}
	if in.AnalysisTypes != nil {
		sched.AnalysisTypes = in.AnalysisTypes
	}
	if in.Provider != nil {
		sched.Provider = *in.Provider
	}
	if in.AdditionalContext != nil {
		sched.AdditionalContext = *in.AdditionalContext
	}
	if in.DataSelection != nil {
		sched.DataSelection = *in.DataSelection
	}
	if in.Enabled != nil {
		sched.Enabled = *in.Enabled
	}
	if err := s.validate(ctx, sched); err != nil {
		return nil, err
	}

	now := s.d.Now()
	sched.NextRunAt = nil
	if sched.Enabled {
		sched.NextRunAt = NextFireAfter(now, sched)
	}
	sched.UpdatedAt = now

	if err := s.d.Store.UpdateSchedule(ctx, sched); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	return sched, nil
}

func (s *ScheduleService) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.d.Store.DeleteSchedule(ctx, id)
}

// SetEnabled toggles a schedule and recomputes its next fire time
func (s *ScheduleService) SetEnabled(ctx context.Context, userID, id string, enabled bool) (*model.Schedule, error) {
	return s.Update(ctx, userID, id, UpdateScheduleInput{Enabled: &enabled})
}

// ExecuteNow fires the schedule once outside its timetable
func (s *ScheduleService) ExecuteNow(ctx context.Context, userID, id string) (*model.ScheduleExecution, error) {
	sched, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, sched, model.ExecutionManual, nil)
}

func (s *ScheduleService) ListExecutions(ctx context.Context, userID, id string, limit int) ([]*model.ScheduleExecution, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.d.Store.ListScheduleExecutions(ctx, id, limit)
}

// selectionQuery turns the data selection of sched into a measurement query
func selectionQuery(sched *model.Schedule, now time.Time) model.MeasurementQuery {
	sel := sched.DataSelection
	q := model.MeasurementQuery{Metrics: sel.Metrics, Limit: sel.Limit}
	if len(q.Metrics) == 0 && sched.MetricFilter != nil {
		q.Metrics = []string{*sched.MetricFilter}
	}
	if q.Limit <= 0 {
		q.Limit = defaultSelectionSize
	}

	switch sel.DateRange {
	case model.RangeAll:
	case model.RangeCustom:
		q.Since = sel.Start
		q.Until = sel.End
	default:
		n := sel.LastNDays
		if n <= 0 {
			n = defaultLastNDays
		}
		since := now.AddDate(0, 0, -n)
		q.Since = &since
	}
	return q
}

// errFireClaimed reports that a concurrent tick or data check fired the
// schedule first.
var errFireClaimed = errors.New("schedule fire already claimed")

const manualClaimAttempts = 3

// claim records the fire on the stored schedule before any work is done.
// A manual fire re-reads the schedule when a concurrent write moved it;
// timetable and data fires give up to whoever claimed first.
func (s *ScheduleService) claim(ctx context.Context, sched *model.Schedule, kind model.ExecutionKind, firedAt time.Time) error {
	for attempt := 1; ; attempt++ {
		c := model.ScheduleClaim{
			ScheduleID:  sched.ID,
			SeenNextRun: sched.NextRunAt,
			SeenLastRun: sched.LastRunAt,
			FiredAt:     firedAt,
		}
		switch sched.Kind {
		case model.ScheduleOneTime:
			c.Disable = true
		case model.ScheduleRecurring:
			if sched.Enabled {
				c.NextRunAt = NextFireAfter(firedAt, sched)
			}
		}

		ok, err := s.d.Store.ClaimScheduleFire(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to claim schedule fire: %w", err)
		}
		if ok {
			return nil
		}
		if kind != model.ExecutionManual || attempt >= manualClaimAttempts {
			return errFireClaimed
		}
		if sched, err = s.d.Store.GetSchedule(ctx, sched.ID); err != nil {
			return err
		}
	}
}

// Execute fires sched once: one analysis per configured kind over the
// selected measurements. The fire is claimed on the stored schedule first,
// so it counts toward run_count even when the execution fails. The
// execution fails when the selection cannot be loaded or every submission
// did.
func (s *ScheduleService) Execute(ctx context.Context, sched *model.Schedule, kind model.ExecutionKind, trigger map[string]interface{}) (*model.ScheduleExecution, error) {
	now := s.d.Now()
	if err := s.claim(ctx, sched, kind, now); err != nil {
		return nil, err
	}

	exec := &model.ScheduleExecution{
		ID:          uuid.NewString(),
		ScheduleID:  sched.ID,
		UserID:      sched.UserID,
		Kind:        kind,
		Status:      model.ExecutionRunning,
		AnalysisIDs: []int64{},
		Trigger:     trigger,
		StartedAt:   now,
	}
	if err := s.d.Store.CreateScheduleExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create schedule execution: %w", err)
	}

	if err := s.submitAll(ctx, sched, exec, now); err != nil {
		msg := err.Error()
		exec.Status = model.ExecutionFailed
		exec.Error = &msg
		s.d.Log.Error("Schedule execution failed",
			zap.String("schedule_id", sched.ID),
			zap.String("execution_id", exec.ID),
			zap.Error(err),
		)
	}
	done := s.d.Now()
	exec.CompletedAt = &done
	finalizeErr := s.d.Store.UpdateScheduleExecution(ctx, exec)
	if finalizeErr != nil {
		finalizeErr = fmt.Errorf("failed to update schedule execution: %w", finalizeErr)
	}

	s.d.Metrics.ScheduleExecution(string(kind), string(exec.Status))
	s.d.Log.Info("Schedule executed",
		zap.String("schedule_id", sched.ID),
		zap.String("execution_id", exec.ID),
		zap.String("kind", string(kind)),
		zap.String("status", string(exec.Status)),
		zap.Int("success_count", exec.SuccessCount),
		zap.Int("failure_count", exec.FailureCount),
	)

	_ = s.d.Bus.PublishUser(sched.UserID, map[string]interface{}{
		"type":        "schedule.executed",
		"scheduleId":  sched.ID,
		"executionId": exec.ID,
		"status":      exec.Status,
	})
	s.notify(ctx, sched, exec)
	return exec, finalizeErr
}

// submitAll submits one analysis per configured kind and settles the
// execution counters. It errors only when the selection cannot be loaded.
func (s *ScheduleService) submitAll(ctx context.Context, sched *model.Schedule, exec *model.ScheduleExecution, now time.Time) error {
	rows, err := s.d.Store.QueryMeasurements(ctx, sched.UserID, selectionQuery(sched, now))
	if err != nil {
		return fmt.Errorf("failed to select measurements: %w", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.ID)
	}

	var failures []string
	for _, analysisKind := range sched.AnalysisTypes {
		a, err := s.analyses.Submit(ctx, sched.UserID, SubmitInput{
			MeasurementIDs:    ids,
			Kind:              analysisKind,
			Provider:          sched.Provider,
			AdditionalContext: sched.AdditionalContext,
			Source:            model.SourceSchedule,
			SourceID:          sched.ID,
		})
		if err != nil {
			exec.FailureCount++
			failures = append(failures, fmt.Sprintf("%s: %v", analysisKind, err))
			s.d.Log.Warn("Scheduled analysis submission failed",
				zap.String("schedule_id", sched.ID),
				zap.String("kind", string(analysisKind)),
				zap.Error(err),
			)
			continue
		}
		exec.SuccessCount++
		exec.AnalysisIDs = append(exec.AnalysisIDs, a.ID)
	}

	exec.Status = model.ExecutionCompleted
	if exec.SuccessCount == 0 && exec.FailureCount > 0 {
		exec.Status = model.ExecutionFailed
	}
	if len(failures) > 0 {
		msg := strings.Join(failures, "; ")
		exec.Error = &msg
	}
	return nil
}

func (s *ScheduleService) notify(ctx context.Context, sched *model.Schedule, exec *model.ScheduleExecution) {
	if s.notifier == nil {
		return
	}
	event, priority := model.EventScheduleCompleted, model.PriorityNormal
	if exec.Status == model.ExecutionFailed {
		event, priority = model.EventScheduleFailed, model.PriorityHigh
	}
	payload := map[string]interface{}{
		"schedule_id":    sched.ID,
		"schedule_name":  sched.Name,
		"execution_id":   exec.ID,
		"execution_kind": string(exec.Kind),
		"analyses_count": exec.AnalysesCount(),
		"success_count":  exec.SuccessCount,
		"failure_count":  exec.FailureCount,
		"status":         string(exec.Status),
	}
	if exec.Error != nil {
		payload["error"] = *exec.Error
	}
	id := sched.ID
	if err := s.notifier.Notify(ctx, Notification{
		UserID:     sched.UserID,
		Event:      event,
		Priority:   priority,
		Payload:    payload,
		ScheduleID: &id,
	}); err != nil {
		s.d.Log.Warn("Notification failed", zap.String("schedule_id", sched.ID), zap.Error(err))
	}
}

// Tick fires every enabled schedule whose next fire time has passed and
// returns how many fired.
func (s *ScheduleService) Tick(ctx context.Context) (int, error) {
	due, err := s.d.Store.DueSchedules(ctx, s.d.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to load due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if _, err := s.Execute(ctx, sched, model.ExecutionScheduled, nil); err != nil {
			if errors.Is(err, errFireClaimed) {
				s.d.Log.Debug("Schedule fired elsewhere", zap.String("schedule_id", sched.ID))
			} else {
				s.d.Log.Error("Schedule execution failed", zap.String("schedule_id", sched.ID), zap.Error(err))
			}
			continue
		}
		fired++
	}
	if fired > 0 {
		s.d.Log.Info("Schedule tick", zap.Int("fired", fired), zap.Int("due", len(due)))
	}
	return fired, nil
}

// CheckDataThreshold fires the data-threshold schedules of userID that
// watch metric and have accumulated enough new measurements.
func (s *ScheduleService) CheckDataThreshold(ctx context.Context, userID, metric string) (int, error) {
	scheds, err := s.d.Store.DataThresholdSchedules(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load threshold schedules: %w", err)
	}

	fired := 0
	for _, sched := range scheds {
		if !sched.Enabled {
			continue
		}
		if sched.MetricFilter != nil && *sched.MetricFilter != metric {
			continue
		}
		since := sched.CreatedAt
		if sched.LastRunAt != nil && sched.LastRunAt.After(since) {
			since = *sched.LastRunAt
		}
		count, err := s.d.Store.CountMeasurements(ctx, userID, metric, since)
		if err != nil {
			return fired, fmt.Errorf("failed to count measurements: %w", err)
		}
		if count < sched.Threshold {
			continue
		}

		trigger := map[string]interface{}{
			"metric":    metric,
			"count":     count,
			"threshold": sched.Threshold,
		}
		if _, err := s.Execute(ctx, sched, model.ExecutionDataTriggered, trigger); err != nil {
			if errors.Is(err, errFireClaimed) {
				s.d.Log.Debug("Threshold schedule fired elsewhere", zap.String("schedule_id", sched.ID))
			} else {
				s.d.Log.Error("Threshold execution failed", zap.String("schedule_id", sched.ID), zap.Error(err))
			}
			continue
		}
		fired++
	}
	return fired, nil
}

// Cleanup removes schedule executions older than the retention window
func (s *ScheduleService) Cleanup(ctx context.Context) (int, error) {
	before := s.d.Now().Add(-s.d.Settings.ExecutionRetention)
	n, err := s.d.Store.DeleteScheduleExecutionsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	if n > 0 {
		s.d.Log.Info("Removed old schedule executions", zap.Int("count", n))
	}
	return n, nil
}
