package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/memstore"
	"healthai/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, mo time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
}

func TestNextFireAfter(t *testing.T) {
	monday := utc(2024, 3, 4, 12, 0, 0)
	runAt := utc(2024, 5, 1, 7, 30, 0)

	tests := []struct {
		name  string
		now   time.Time
		sched model.Schedule
		want  *time.Time
	}{
		{
			name:  "daily passed today",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyDaily, TimeOfDay: "09:00"},
			want:  ptrTime(utc(2024, 3, 5, 9, 0, 0)),
		},
		{
			name:  "daily later today",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyDaily, TimeOfDay: "15:30"},
			want:  ptrTime(utc(2024, 3, 4, 15, 30, 0)),
		},
		{
			name:  "daily default time",
			now:   utc(2024, 3, 4, 8, 0, 0),
			sched: model.Schedule{Kind: model.ScheduleRecurring},
			want:  ptrTime(utc(2024, 3, 4, 9, 0, 0)),
		},
		{
			name:  "weekly same weekday already passed",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyWeekly, DaysOfWeek: []int{1}, TimeOfDay: "09:00"},
			want:  ptrTime(utc(2024, 3, 11, 9, 0, 0)),
		},
		{
			name:  "weekly earliest of several days",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyWeekly, DaysOfWeek: []int{5, 3}, TimeOfDay: "09:00"},
			want:  ptrTime(utc(2024, 3, 6, 9, 0, 0)),
		},
		{
			name:  "weekly without days uses today",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyWeekly, TimeOfDay: "13:00"},
			want:  ptrTime(utc(2024, 3, 4, 13, 0, 0)),
		},
		{
			name:  "monthly clamps to short month",
			now:   utc(2024, 2, 10, 0, 0, 0),
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyMonthly, DayOfMonth: 31, TimeOfDay: "09:00"},
			want:  ptrTime(utc(2024, 2, 29, 9, 0, 0)),
		},
		{
			name:  "monthly rolls to next month",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyMonthly, DayOfMonth: 4, TimeOfDay: "09:00"},
			want:  ptrTime(utc(2024, 4, 4, 9, 0, 0)),
		},
		{
			name:  "custom weeks",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyCustom, IntervalValue: 2, IntervalUnit: model.UnitWeeks, TimeOfDay: "08:00"},
			want:  ptrTime(utc(2024, 3, 18, 8, 0, 0)),
		},
		{
			name:  "custom months are thirty days",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleRecurring, Frequency: model.FrequencyCustom, IntervalValue: 1, IntervalUnit: model.UnitMonths, TimeOfDay: "09:00"},
			want:  ptrTime(utc(2024, 4, 3, 9, 0, 0)),
		},
		{
			name:  "one time uses run at",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleOneTime, RunAt: &runAt},
			want:  &runAt,
		},
		{
			name:  "data threshold never fires on a clock",
			now:   monday,
			sched: model.Schedule{Kind: model.ScheduleDataThreshold, Threshold: 5},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextFireAfter(tt.now, &tt.sched)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s, got %s", tt.want, got)
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestCreateScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    CreateScheduleInput
		field string
	}{
		{"unknown kind", CreateScheduleInput{Name: "x", Kind: "hourly", AnalysisTypes: []model.AnalysisKind{model.KindTrends}}, "kind"},
		{"no analysis types", CreateScheduleInput{Name: "x", Kind: model.ScheduleRecurring}, "analysisTypes"},
		{"bad time", CreateScheduleInput{Name: "x", Kind: model.ScheduleRecurring, TimeOfDay: "25:00", AnalysisTypes: []model.AnalysisKind{model.KindTrends}}, "timeOfDay"},
		{"threshold missing", CreateScheduleInput{Name: "x", Kind: model.ScheduleDataThreshold, AnalysisTypes: []model.AnalysisKind{model.KindTrends}}, "threshold"},
		{"custom without interval", CreateScheduleInput{Name: "x", Kind: model.ScheduleRecurring, Frequency: model.FrequencyCustom, AnalysisTypes: []model.AnalysisKind{model.KindTrends}}, "intervalValue"},
		{"custom range without bounds", CreateScheduleInput{
			Name: "x", Kind: model.ScheduleRecurring, AnalysisTypes: []model.AnalysisKind{model.KindTrends},
			DataSelection: model.DataSelection{DateRange: model.RangeCustom},
		}, "dataSelection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Schedules.Create(ctx, testUser, tt.in)
			require.Error(t, err)
			ae, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.KindValidation, ae.Kind)
			assert.Equal(t, tt.field, ae.Details["field"])
		})
	}
}

func TestScheduleTickFiresDueSchedule(t *testing.T) {
	env := newTestEnv(t)
	jobs := &fakeJobClient{}
	env.svc.SetJobClient(jobs)
	env.addProvider(t, "primary", 0)
	ctx := context.Background()

	env.clock.Set(utc(2024, 3, 4, 8, 59, 59))
	env.addMeasurement(t, "blood_pressure", 120, utc(2024, 3, 3, 8, 0, 0))

	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "morning",
		Kind:          model.ScheduleRecurring,
		Frequency:     model.FrequencyDaily,
		TimeOfDay:     "09:00",
		AnalysisTypes: []model.AnalysisKind{model.KindInsights, model.KindTrends},
		DataSelection: model.DataSelection{DateRange: model.RangeLastNDays, LastNDays: 7},
	})
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, utc(2024, 3, 4, 9, 0, 0), *sched.NextRunAt)

	fired, err := env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	env.clock.Set(utc(2024, 3, 4, 9, 0, 5))
	fired, err = env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	execs, err := env.svc.Schedules.ListExecutions(ctx, testUser, sched.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.Equal(t, model.ExecutionScheduled, exec.Kind)
	assert.Equal(t, model.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.AnalysesCount())

	for _, id := range exec.AnalysisIDs {
		a, err := env.svc.Analyses.Get(ctx, testUser, id)
		require.NoError(t, err)
		assert.Equal(t, model.AnalysisPending, a.Status)
		assert.Equal(t, model.SourceSchedule, a.Source)
		assert.Equal(t, sched.ID, a.SourceID)
		assert.Len(t, a.MeasurementIDs, 1)
	}

	got, err := env.svc.Schedules.Get(ctx, testUser, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, utc(2024, 3, 5, 9, 0, 0), *got.NextRunAt)
	assert.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.LastRunAt)

	// not due again until tomorrow
	fired, err = env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestDataThresholdFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addProvider(t, "primary", 0)
	ctx := context.Background()
	metric := "blood_sugar"

	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "sugar watch",
		Kind:          model.ScheduleDataThreshold,
		MetricFilter:  &metric,
		Threshold:     20,
		AnalysisTypes: []model.AnalysisKind{model.KindTrends},
	})
	require.NoError(t, err)
	assert.Nil(t, sched.NextRunAt)

	// an old reading outside the window is not counted and not analyzed
	env.addMeasurement(t, metric, 5.0, env.clock.Now().AddDate(0, 0, -30))

	env.clock.Advance(time.Minute)
	for i := 0; i < 19; i++ {
		_, err := env.svc.Measurements.Ingest(ctx, testUser, IngestInput{Metric: metric, Value: 5.5})
		require.NoError(t, err)
	}
	_, err = env.svc.Measurements.Ingest(ctx, testUser, IngestInput{Metric: "weight", Value: 80})
	require.NoError(t, err)

	execs, err := env.svc.Schedules.ListExecutions(ctx, testUser, sched.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, execs)

	_, err = env.svc.Measurements.Ingest(ctx, testUser, IngestInput{Metric: metric, Value: 6.1})
	require.NoError(t, err)

	execs, err = env.svc.Schedules.ListExecutions(ctx, testUser, sched.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.Equal(t, model.ExecutionDataTriggered, exec.Kind)
	assert.Equal(t, 20, exec.Trigger["count"])
	require.Len(t, exec.AnalysisIDs, 1)

	a, err := env.svc.Analyses.Get(ctx, testUser, exec.AnalysisIDs[0])
	require.NoError(t, err)
	assert.Len(t, a.MeasurementIDs, 20)
	assert.Equal(t, model.AnalysisCompleted, a.Status)

	// the counter restarts from the fire time
	env.clock.Advance(time.Minute)
	_, err = env.svc.Measurements.Ingest(ctx, testUser, IngestInput{Metric: metric, Value: 6.0})
	require.NoError(t, err)
	execs, err = env.svc.Schedules.ListExecutions(ctx, testUser, sched.ID, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestOverlappingThresholdChecksFireOnce(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetJobClient(&fakeJobClient{delay: 20 * time.Millisecond})
	env.addProvider(t, "primary", 0)
	ctx := context.Background()
	metric := "blood_sugar"

	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "sugar watch",
		Kind:          model.ScheduleDataThreshold,
		MetricFilter:  &metric,
		Threshold:     20,
		AnalysisTypes: []model.AnalysisKind{model.KindTrends},
	})
	require.NoError(t, err)
	for i := 0; i < 21; i++ {
		env.addMeasurement(t, metric, 5.5, env.clock.Now().Add(time.Duration(i+1)*time.Second))
	}
	env.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	fired := make(chan int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.svc.Schedules.CheckDataThreshold(ctx, testUser, metric)
			assert.NoError(t, err)
			fired <- n
		}()
	}
	wg.Wait()
	close(fired)

	total := 0
	for n := range fired {
		total += n
	}
	assert.Equal(t, 1, total)

	execs, err := env.svc.Schedules.ListExecutions(ctx, testUser, sched.ID, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
	got, err := env.svc.Schedules.Get(ctx, testUser, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
}

func TestOverlappingTicksFireOnce(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetJobClient(&fakeJobClient{delay: 20 * time.Millisecond})
	env.addProvider(t, "primary", 0)
	ctx := context.Background()

	env.clock.Set(utc(2024, 3, 4, 8, 59, 59))
	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "morning",
		Kind:          model.ScheduleRecurring,
		Frequency:     model.FrequencyDaily,
		TimeOfDay:     "09:00",
		AnalysisTypes: []model.AnalysisKind{model.KindTrends},
	})
	require.NoError(t, err)
	env.clock.Set(utc(2024, 3, 4, 9, 0, 5))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Schedules.Tick(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	execs, err := env.svc.Schedules.ListExecutions(ctx, testUser, sched.ID, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
	got, err := env.svc.Schedules.Get(ctx, testUser, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, utc(2024, 3, 5, 9, 0, 0), *got.NextRunAt)
}

// failingQueryStore cannot load measurements
type failingQueryStore struct {
	*memstore.Store
}

func (failingQueryStore) QueryMeasurements(ctx context.Context, userID string, q model.MeasurementQuery) ([]*model.HealthMeasurement, error) {
	return nil, errors.New("connection reset")
}

func TestUnreadableSelectionFailsExecution(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Store = failingQueryStore{Store: d.Store.(*memstore.Store)}
	})
	env.svc.SetJobClient(&fakeJobClient{})
	env.subscribe(t, model.EventScheduleFailed)
	ctx := context.Background()

	env.clock.Set(utc(2024, 3, 4, 8, 59, 59))
	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "morning",
		Kind:          model.ScheduleRecurring,
		Frequency:     model.FrequencyDaily,
		TimeOfDay:     "09:00",
		AnalysisTypes: []model.AnalysisKind{model.KindTrends},
	})
	require.NoError(t, err)

	env.clock.Set(utc(2024, 3, 4, 9, 0, 5))
	_, err = env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)
	// the failed fire still moved the schedule on
	fired, err := env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	env.clock.Set(utc(2024, 3, 5, 9, 0, 5))
	_, err = env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)

	execs, err := env.svc.Schedules.ListExecutions(ctx, testUser, sched.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	for _, e := range execs {
		assert.Equal(t, model.ExecutionFailed, e.Status)
		assert.NotNil(t, e.CompletedAt)
		require.NotNil(t, e.Error)
		assert.Contains(t, *e.Error, "connection reset")
	}

	got, err := env.svc.Schedules.Get(ctx, testUser, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	assert.Equal(t, utc(2024, 3, 6, 9, 0, 0), *got.NextRunAt)

	failed := 0
	for _, h := range env.history(t) {
		if h.Event == model.EventScheduleFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestIngestWithJobClientDefersThresholdCheck(t *testing.T) {
	env := newTestEnv(t)
	jobs := &fakeJobClient{}
	env.svc.SetJobClient(jobs)

	_, err := env.svc.Measurements.Ingest(context.Background(), testUser, IngestInput{Metric: " weight ", Value: 80})
	require.NoError(t, err)
	assert.Equal(t, []string{testUser + "/weight"}, jobs.dataChecks)

	_, err = env.svc.Measurements.Ingest(context.Background(), testUser, IngestInput{Metric: ""})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestOneTimeScheduleDisablesAfterFiring(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetJobClient(&fakeJobClient{})
	env.addProvider(t, "primary", 0)
	ctx := context.Background()

	runAt := env.clock.Now().Add(time.Hour)
	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "once",
		Kind:          model.ScheduleOneTime,
		RunAt:         &runAt,
		AnalysisTypes: []model.AnalysisKind{model.KindRecommendations},
	})
	require.NoError(t, err)
	assert.Equal(t, runAt, *sched.NextRunAt)

	env.clock.Advance(2 * time.Hour)
	fired, err := env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := env.svc.Schedules.Get(ctx, testUser, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRunAt)

	fired, err = env.svc.Schedules.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestExecuteNowAndToggle(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetJobClient(&fakeJobClient{})
	env.addProvider(t, "primary", 0)
	ctx := context.Background()

	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "weekly",
		Kind:          model.ScheduleRecurring,
		Frequency:     model.FrequencyWeekly,
		DaysOfWeek:    []int{0},
		AnalysisTypes: []model.AnalysisKind{model.KindTrends},
		Enabled:       boolPtr(false),
	})
	require.NoError(t, err)
	assert.Nil(t, sched.NextRunAt)

	exec, err := env.svc.Schedules.ExecuteNow(ctx, testUser, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionManual, exec.Kind)
	assert.Equal(t, 1, exec.SuccessCount)

	enabled, err := env.svc.Schedules.SetEnabled(ctx, testUser, sched.ID, true)
	require.NoError(t, err)
	require.NotNil(t, enabled.NextRunAt)
	assert.Equal(t, time.Sunday, enabled.NextRunAt.Weekday())
	assert.Equal(t, 1, enabled.RunCount)

	_, err = env.svc.Schedules.ExecuteNow(ctx, "intruder", sched.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestFailedSubmissionsFailExecution(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetJobClient(&fakeJobClient{err: assert.AnError})
	env.addProvider(t, "primary", 0)
	env.subscribe(t, model.EventScheduleFailed)
	ctx := context.Background()

	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "broken queue",
		Kind:          model.ScheduleRecurring,
		AnalysisTypes: []model.AnalysisKind{model.KindTrends, model.KindInsights},
	})
	require.NoError(t, err)

	exec, err := env.svc.Schedules.ExecuteNow(ctx, testUser, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, exec.Status)
	assert.Equal(t, 2, exec.FailureCount)
	require.NotNil(t, exec.Error)

	var events []model.EventKind
	for _, h := range env.history(t) {
		events = append(events, h.Event)
	}
	assert.Contains(t, events, model.EventScheduleFailed)
}

func TestScheduleCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetJobClient(&fakeJobClient{})
	env.addProvider(t, "primary", 0)
	ctx := context.Background()

	sched, err := env.svc.Schedules.Create(ctx, testUser, CreateScheduleInput{
		Name:          "daily",
		Kind:          model.ScheduleRecurring,
		AnalysisTypes: []model.AnalysisKind{model.KindTrends},
	})
	require.NoError(t, err)
	_, err = env.svc.Schedules.ExecuteNow(ctx, testUser, sched.ID)
	require.NoError(t, err)

	n, err := env.svc.Schedules.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	env.clock.Advance(91 * 24 * time.Hour)
	n, err = env.svc.Schedules.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSelectionQuery(t *testing.T) {
	now := utc(2024, 3, 10, 0, 0, 0)
	metric := "weight"

	q := selectionQuery(&model.Schedule{MetricFilter: &metric}, now)
	assert.Equal(t, []string{"weight"}, q.Metrics)
	assert.Equal(t, 100, q.Limit)
	require.NotNil(t, q.Since)
	assert.Equal(t, utc(2024, 3, 3, 0, 0, 0), *q.Since)

	q = selectionQuery(&model.Schedule{DataSelection: model.DataSelection{DateRange: model.RangeAll, Metrics: []string{"steps"}, Limit: 5}}, now)
	assert.Equal(t, []string{"steps"}, q.Metrics)
	assert.Equal(t, 5, q.Limit)
	assert.Nil(t, q.Since)
}
