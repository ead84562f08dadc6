package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"healthai/internal/apperr"
	"healthai/internal/model"

	"go.uber.org/zap"
)

// MeasurementService records health data and signals threshold schedules
type MeasurementService struct {
	d         Deps
	schedules *ScheduleService
	jobClient JobClient
}

func NewMeasurementService(d Deps, schedules *ScheduleService) *MeasurementService {
	d.defaults()
	return &MeasurementService{d: d, schedules: schedules}
}

func (s *MeasurementService) SetJobClient(client JobClient) {
	s.jobClient = client
}

type IngestInput struct {
	Metric     string     `json:"metric" validate:"required,max=64"`
	Value      float64    `json:"value"`
	Systolic   *float64   `json:"systolic,omitempty"`
	Diastolic  *float64   `json:"diastolic,omitempty"`
	Unit       string     `json:"unit,omitempty" validate:"max=32"`
	RecordedAt *time.Time `json:"recordedAt,omitempty"`
	Note       string     `json:"note,omitempty" validate:"max=1000"`
}

// Ingest stores a measurement and triggers the data-threshold check for its
// metric. The check runs in the background when a job client is set.
func (s *MeasurementService) Ingest(ctx context.Context, userID string, in IngestInput) (*model.HealthMeasurement, error) {
	metric := strings.TrimSpace(in.Metric)
	if metric == "" {
		return nil, apperr.Validation("metric", "metric is required")
	}

	now := s.d.Now()
	m := &model.HealthMeasurement{
		UserID:     userID,
		Metric:     metric,
		Value:      in.Value,
		Systolic:   in.Systolic,
		Diastolic:  in.Diastolic,
		Unit:       in.Unit,
		RecordedAt: now,
		Note:       in.Note,
		CreatedAt:  now,
	}
	if in.RecordedAt != nil {
		m.RecordedAt = in.RecordedAt.UTC()
	}

	if err := s.d.Store.CreateMeasurement(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to create measurement: %w", err)
	}

	if s.jobClient != nil {
		if err := s.jobClient.EnqueueDataCheck(ctx, userID, metric); err != nil {
			s.d.Log.Warn("Failed to enqueue data threshold check",
				zap.String("user_id", userID),
				zap.String("metric", metric),
				zap.Error(err),
			)
		}
		return m, nil
	}

	if _, err := s.schedules.CheckDataThreshold(ctx, userID, metric); err != nil {
		s.d.Log.Warn("Data threshold check failed",
			zap.String("user_id", userID),
			zap.String("metric", metric),
			zap.Error(err),
		)
	}
	return m, nil
}

// List returns measurements of userID newest first
func (s *MeasurementService) List(ctx context.Context, userID string, q model.MeasurementQuery) ([]*model.HealthMeasurement, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	return s.d.Store.QueryMeasurements(ctx, userID, q)
}
