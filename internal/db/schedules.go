package db

import (
	"context"
	"time"

	"healthai/internal/model"

	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `id, user_id, name, description, kind, frequency, interval_value, interval_unit, time_of_day,
	days_of_week, day_of_month, run_at, metric_filter, threshold, analysis_types, provider, additional_context,
	data_selection, enabled, next_run_at, last_run_at, run_count, created_at, updated_at`

func scanSchedule(row pgx.Row) (*model.Schedule, error) {
	var s model.Schedule
	err := row.Scan(
		&s.ID, &s.UserID, &s.Name, &s.Description, &s.Kind, &s.Frequency, &s.IntervalValue, &s.IntervalUnit, &s.TimeOfDay,
		&s.DaysOfWeek, &s.DayOfMonth, &s.RunAt, &s.MetricFilter, &s.Threshold, &s.AnalysisTypes, &s.Provider, &s.AdditionalContext,
		&s.DataSelection, &s.Enabled, &s.NextRunAt, &s.LastRunAt, &s.RunCount, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSchedules(rows pgx.Rows, err error) ([]*model.Schedule, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*model.Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func daysOfWeek(s *model.Schedule) []int {
	if s.DaysOfWeek == nil {
		return []int{}
	}
	return s.DaysOfWeek
}

func analysisTypes(s *model.Schedule) []model.AnalysisKind {
	if s.AnalysisTypes == nil {
		return []model.AnalysisKind{}
	}
	return s.AnalysisTypes
}

func (q *Queries) CreateSchedule(ctx context.Context, s *model.Schedule) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO analysis_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		s.ID, s.UserID, s.Name, s.Description, s.Kind, s.Frequency, s.IntervalValue, s.IntervalUnit, s.TimeOfDay,
		daysOfWeek(s), s.DayOfMonth, s.RunAt, s.MetricFilter, s.Threshold, analysisTypes(s), s.Provider, s.AdditionalContext,
		s.DataSelection, s.Enabled, s.NextRunAt, s.LastRunAt, s.RunCount, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (q *Queries) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	s, err := scanSchedule(q.Pool.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM analysis_schedules WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err, "schedule", id)
	}
	return s, nil
}

func (q *Queries) ListSchedules(ctx context.Context, userID string) ([]*model.Schedule, error) {
	return collectSchedules(q.Pool.Query(ctx,
		"SELECT "+scheduleColumns+" FROM analysis_schedules WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	))
}

func (q *Queries) UpdateSchedule(ctx context.Context, s *model.Schedule) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE analysis_schedules SET name = $2, description = $3, kind = $4, frequency = $5, interval_value = $6,
			interval_unit = $7, time_of_day = $8, days_of_week = $9, day_of_month = $10, run_at = $11,
			metric_filter = $12, threshold = $13, analysis_types = $14, provider = $15, additional_context = $16,
			data_selection = $17, enabled = $18, next_run_at = $19, last_run_at = $20, run_count = $21, updated_at = $22
		WHERE id = $1`,
		s.ID, s.Name, s.Description, s.Kind, s.Frequency, s.IntervalValue,
		s.IntervalUnit, s.TimeOfDay, daysOfWeek(s), s.DayOfMonth, s.RunAt,
		s.MetricFilter, s.Threshold, analysisTypes(s), s.Provider, s.AdditionalContext,
		s.DataSelection, s.Enabled, s.NextRunAt, s.LastRunAt, s.RunCount, s.UpdatedAt,
	)
	return requireRow(tag, err, "schedule", s.ID)
}

func (q *Queries) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := q.Pool.Exec(ctx, "DELETE FROM analysis_schedules WHERE id = $1", id)
	return requireRow(tag, err, "schedule", id)
}

// DueSchedules returns enabled time-based schedules whose next run is not after now
func (q *Queries) DueSchedules(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	return collectSchedules(q.Pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM analysis_schedules
		WHERE enabled AND kind <> $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at`,
		model.ScheduleDataThreshold, now,
	))
}

func (q *Queries) DataThresholdSchedules(ctx context.Context, userID string) ([]*model.Schedule, error) {
	return collectSchedules(q.Pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM analysis_schedules
		WHERE user_id = $1 AND enabled AND kind = $2 ORDER BY created_at`,
		userID, model.ScheduleDataThreshold,
	))
}

// ClaimScheduleFire advances the schedule only while next_run_at and
// last_run_at still hold the values the caller saw, so overlapping ticks and
// data checks fire a schedule once.
func (q *Queries) ClaimScheduleFire(ctx context.Context, c model.ScheduleClaim) (bool, error) {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE analysis_schedules SET next_run_at = $2, last_run_at = GREATEST(last_run_at, $3),
			run_count = run_count + 1, enabled = enabled AND NOT $4, updated_at = $3
		WHERE id = $1 AND next_run_at IS NOT DISTINCT FROM $5 AND last_run_at IS NOT DISTINCT FROM $6`,
		c.ScheduleID, c.NextRunAt, c.FiredAt, c.Disable, c.SeenNextRun, c.SeenLastRun,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		// distinguish a lost race from a deleted schedule
		if _, err := q.GetSchedule(ctx, c.ScheduleID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Executions

const scheduleExecutionColumns = `id, schedule_id, user_id, kind, status, analysis_ids, success_count, failure_count,
	trigger, error, started_at, completed_at`

func (q *Queries) CreateScheduleExecution(ctx context.Context, e *model.ScheduleExecution) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO schedule_executions (`+scheduleExecutionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.ScheduleID, e.UserID, e.Kind, e.Status, nonNilInt64s(e.AnalysisIDs), e.SuccessCount, e.FailureCount,
		e.Trigger, e.Error, e.StartedAt, e.CompletedAt,
	)
	return err
}

func (q *Queries) UpdateScheduleExecution(ctx context.Context, e *model.ScheduleExecution) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE schedule_executions SET status = $2, analysis_ids = $3, success_count = $4, failure_count = $5,
			trigger = $6, error = $7, completed_at = $8
		WHERE id = $1`,
		e.ID, e.Status, nonNilInt64s(e.AnalysisIDs), e.SuccessCount, e.FailureCount, e.Trigger, e.Error, e.CompletedAt,
	)
	return requireRow(tag, err, "schedule execution", e.ID)
}

func (q *Queries) ListScheduleExecutions(ctx context.Context, scheduleID string, limit int) ([]*model.ScheduleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Pool.Query(ctx,
		`SELECT `+scheduleExecutionColumns+` FROM schedule_executions
		WHERE schedule_id = $1 ORDER BY started_at DESC LIMIT $2`,
		scheduleID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.ScheduleExecution{}
	for rows.Next() {
		var e model.ScheduleExecution
		err := rows.Scan(&e.ID, &e.ScheduleID, &e.UserID, &e.Kind, &e.Status, &e.AnalysisIDs, &e.SuccessCount,
			&e.FailureCount, &e.Trigger, &e.Error, &e.StartedAt, &e.CompletedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteScheduleExecutionsBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := q.Pool.Exec(ctx, "DELETE FROM schedule_executions WHERE started_at < $1", before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
