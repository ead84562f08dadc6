package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"healthai/internal/model"

	"github.com/jackc/pgx/v5"
)

const measurementColumns = "id, user_id, metric, value, systolic, diastolic, unit, recorded_at, note, created_at"

func scanMeasurement(row pgx.Row) (*model.HealthMeasurement, error) {
	var m model.HealthMeasurement
	err := row.Scan(&m.ID, &m.UserID, &m.Metric, &m.Value, &m.Systolic, &m.Diastolic,
		&m.Unit, &m.RecordedAt, &m.Note, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMeasurements(rows pgx.Rows) ([]*model.HealthMeasurement, error) {
	defer rows.Close()
	out := []*model.HealthMeasurement{}
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) CreateMeasurement(ctx context.Context, m *model.HealthMeasurement) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return q.Pool.QueryRow(ctx,
		`INSERT INTO health_measurements (user_id, metric, value, systolic, diastolic, unit, recorded_at, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		m.UserID, m.Metric, m.Value, m.Systolic, m.Diastolic, m.Unit, m.RecordedAt, m.Note, m.CreatedAt,
	).Scan(&m.ID)
}

// GetMeasurements returns the user's rows among ids; foreign ids are dropped
func (q *Queries) GetMeasurements(ctx context.Context, userID string, ids []int64) ([]*model.HealthMeasurement, error) {
	if len(ids) == 0 {
		return []*model.HealthMeasurement{}, nil
	}
	rows, err := q.Pool.Query(ctx,
		"SELECT "+measurementColumns+" FROM health_measurements WHERE user_id = $1 AND id = ANY($2) ORDER BY id",
		userID, ids,
	)
	if err != nil {
		return nil, err
	}
	return collectMeasurements(rows)
}

func (q *Queries) QueryMeasurements(ctx context.Context, userID string, mq model.MeasurementQuery) ([]*model.HealthMeasurement, error) {
	where := []string{"user_id = $1"}
	args := []interface{}{userID}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(mq.Metrics) > 0 {
		add("metric = ANY($%d)", mq.Metrics)
	}
	if mq.Since != nil {
		add("recorded_at >= $%d", *mq.Since)
	}
	if mq.Until != nil {
		add("recorded_at <= $%d", *mq.Until)
	}

	query := "SELECT " + measurementColumns + " FROM health_measurements WHERE " +
		strings.Join(where, " AND ") + " ORDER BY recorded_at DESC, id DESC"
	if mq.Limit > 0 {
		args = append(args, mq.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMeasurements(rows)
}

func (q *Queries) CountMeasurements(ctx context.Context, userID, metric string, since time.Time) (int, error) {
	var n int
	err := q.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM health_measurements WHERE user_id = $1 AND metric = $2 AND recorded_at > $3",
		userID, metric, since,
	).Scan(&n)
	return n, err
}
