// Package dashboard aggregates the monitoring KPIs and time series served on
// the monitoring endpoint.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/catdog-vision/catdog/internal/logging"
	"github.com/catdog-vision/catdog/internal/store"
)

const dataKey = "dashboard"

// Source provides the aggregates behind the dashboard.
type Source interface {
	InferenceKPI(ctx context.Context) (store.InferenceKPI, error)
	SatisfactionKPI(ctx context.Context) (store.SatisfactionKPI, error)
	InferenceSeries(ctx context.Context, since time.Time) ([]store.InferencePoint, error)
	SatisfactionSeries(ctx context.Context, since time.Time) ([]store.SatisfactionPoint, error)
}

// InferenceSeries is the latency curve with its mean.
type InferenceSeries struct {
	Points    []store.InferencePoint `json:"points"`
	AverageMs float64                `json:"average_ms"`
}

// Data is one snapshot of the dashboard.
type Data struct {
	InferenceKPI       store.InferenceKPI        `json:"kpi_inference"`
	SatisfactionKPI    store.SatisfactionKPI     `json:"kpi_satisfaction"`
	InferenceSeries    InferenceSeries           `json:"inference_time_series"`
	SatisfactionSeries []store.SatisfactionPoint `json:"satisfaction_series"`
	GeneratedAt        time.Time                 `json:"generated_at"`
}

// Aggregator builds dashboard snapshots and caches them for a short TTL.
type Aggregator struct {
	source Source
	cache  *cache.Cache
	group  singleflight.Group
	logger zerolog.Logger
	now    func() time.Time
}

// New creates an aggregator. A ttl of zero disables caching.
func New(source Source, ttl time.Duration, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		source: source,
		logger: logging.Component(logger, "dashboard"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if ttl > 0 {
		// Expired entries are ignored by Get; no janitor goroutine.
		a.cache = cache.New(ttl, 0)
	}
	return a
}

// Data returns the current snapshot, from cache when fresh. Concurrent
// misses share a single computation.
func (a *Aggregator) Data(ctx context.Context) (*Data, error) {
	if a.cache != nil {
		if cached, found := a.cache.Get(dataKey); found {
			return cached.(*Data), nil
		}
	}

	v, err, _ := a.group.Do(dataKey, func() (any, error) {
		// Callers joined on this key must not fail because the first one left.
		data, err := a.build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if a.cache != nil {
			a.cache.Set(dataKey, data, cache.DefaultExpiration)
		}
		return data, nil
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to build dashboard")
		return nil, err
	}
	return v.(*Data), nil
}

// Invalidate drops the cached snapshot.
func (a *Aggregator) Invalidate() {
	if a.cache != nil {
		a.cache.Delete(dataKey)
	}
}

func (a *Aggregator) build(ctx context.Context) (*Data, error) {
	inference, err := a.source.InferenceKPI(ctx)
	if err != nil {
		return nil, fmt.Errorf("inference KPI: %w", err)
	}
	satisfaction, err := a.source.SatisfactionKPI(ctx)
	if err != nil {
		return nil, fmt.Errorf("satisfaction KPI: %w", err)
	}
	latency, err := a.source.InferenceSeries(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("inference series: %w", err)
	}
	feedback, err := a.source.SatisfactionSeries(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("satisfaction series: %w", err)
	}

	return &Data{
		InferenceKPI:       inference,
		SatisfactionKPI:    satisfaction,
		InferenceSeries:    InferenceSeries{Points: latency, AverageMs: average(latency)},
		SatisfactionSeries: feedback,
		GeneratedAt:        a.now(),
	}, nil
}

func average(points []store.InferencePoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum int
	for _, p := range points {
		sum += p.InferenceTimeMs
	}
	return float64(sum) / float64(len(points))
}
