package store

import (
	"context"
	"time"

	"github.com/catdog-vision/catdog/internal/apperrors"
)

// Statistics counts all records, the successful ones and those stored with
// consent. SuccessRate is a percentage rounded to two decimals, 0 on an empty
// store.
func (s *Store) Statistics(ctx context.Context) (Statistics, error) {
	var row struct {
		Total      int64
		Successful int64
		Consents   int64
	}
	err := s.records(ctx).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS successful,
			COALESCE(SUM(CASE WHEN rgpd_consent THEN 1 ELSE 0 END), 0) AS consents`).
		Scan(&row).Error
	if err != nil {
		return Statistics{}, apperrors.Persistence("store.Statistics", "failed to compute statistics", err)
	}

	stats := Statistics{
		Total:        row.Total,
		Successful:   row.Successful,
		RGPDConsents: row.Consents,
	}
	if row.Total > 0 {
		stats.SuccessRate = round2(float64(row.Successful) / float64(row.Total) * 100)
	}
	return stats, nil
}

// InferenceKPI aggregates latency over successful predictions.
func (s *Store) InferenceKPI(ctx context.Context) (InferenceKPI, error) {
	var row struct {
		AvgTime *float64
		MinTime *int64
		MaxTime *int64
		Total   int64
	}
	err := s.records(ctx).
		Select(`AVG(inference_time_ms) AS avg_time,
			MIN(inference_time_ms) AS min_time,
			MAX(inference_time_ms) AS max_time,
			COUNT(*) AS total`).
		Where("success = ?", true).
		Scan(&row).Error
	if err != nil {
		return InferenceKPI{}, apperrors.Persistence("store.InferenceKPI", "failed to compute inference KPI", err)
	}

	kpi := InferenceKPI{Total: row.Total}
	if row.AvgTime != nil {
		kpi.AvgMs = round2(*row.AvgTime)
	}
	if row.MinTime != nil {
		kpi.MinMs = *row.MinTime
	}
	if row.MaxTime != nil {
		kpi.MaxMs = *row.MaxTime
	}
	return kpi, nil
}

// SatisfactionKPI aggregates the feedback given on consented records.
func (s *Store) SatisfactionKPI(ctx context.Context) (SatisfactionKPI, error) {
	var row struct {
		Total    int64
		Positive int64
	}
	err := s.records(ctx).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN user_feedback = 1 THEN 1 ELSE 0 END), 0) AS positive`).
		Where("rgpd_consent = ? AND user_feedback IS NOT NULL", true).
		Scan(&row).Error
	if err != nil {
		return SatisfactionKPI{}, apperrors.Persistence("store.SatisfactionKPI", "failed to compute satisfaction KPI", err)
	}

	kpi := SatisfactionKPI{
		Total:    row.Total,
		Positive: row.Positive,
		Negative: row.Total - row.Positive,
	}
	if row.Total > 0 {
		kpi.Rate = round2(float64(row.Positive) / float64(row.Total) * 100)
	}
	return kpi, nil
}

// InferenceSeries returns the latency of successful predictions made since
// the given time, oldest first. A zero since returns the whole history.
func (s *Store) InferenceSeries(ctx context.Context, since time.Time) ([]InferencePoint, error) {
	q := s.records(ctx).
		Select("created_at, inference_time_ms").
		Where("success = ?", true)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}

	points := []InferencePoint{}
	if err := q.Order("created_at ASC").Scan(&points).Error; err != nil {
		return nil, apperrors.Persistence("store.InferenceSeries", "failed to load inference series", err)
	}
	return points, nil
}

// SatisfactionSeries returns the feedback given on consented records since the
// given time, oldest first. A missing comment is reported as "NC".
func (s *Store) SatisfactionSeries(ctx context.Context, since time.Time) ([]SatisfactionPoint, error) {
	q := s.records(ctx).
		Select("created_at, user_feedback, user_comment, prediction_result").
		Where("rgpd_consent = ? AND user_feedback IS NOT NULL", true)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}

	var rows []struct {
		CreatedAt        time.Time
		UserFeedback     int
		UserComment      *string
		PredictionResult string
	}
	if err := q.Order("created_at ASC").Scan(&rows).Error; err != nil {
		return nil, apperrors.Persistence("store.SatisfactionSeries", "failed to load satisfaction series", err)
	}

	points := make([]SatisfactionPoint, 0, len(rows))
	for _, r := range rows {
		comment := "NC"
		if r.UserComment != nil && *r.UserComment != "" {
			comment = *r.UserComment
		}
		points = append(points, SatisfactionPoint{
			CreatedAt:        r.CreatedAt,
			UserFeedback:     r.UserFeedback,
			UserComment:      comment,
			PredictionResult: r.PredictionResult,
		})
	}
	return points, nil
}
