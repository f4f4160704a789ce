package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catdog-vision/catdog/internal/store"
)

type fakeSource struct {
	calls   atomic.Int32
	err     error
	latency []store.InferencePoint

	started chan struct{}
	release chan struct{}
}

func (f *fakeSource) InferenceKPI(ctx context.Context) (store.InferenceKPI, error) {
	f.calls.Add(1)
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	if err := ctx.Err(); err != nil {
		return store.InferenceKPI{}, err
	}
	if f.err != nil {
		return store.InferenceKPI{}, f.err
	}
	return store.InferenceKPI{AvgMs: 20, MinMs: 10, MaxMs: 30, Total: int64(len(f.latency))}, nil
}

func (f *fakeSource) SatisfactionKPI(context.Context) (store.SatisfactionKPI, error) {
	return store.SatisfactionKPI{Rate: 50, Positive: 1, Negative: 1, Total: 2}, nil
}

func (f *fakeSource) InferenceSeries(context.Context, time.Time) ([]store.InferencePoint, error) {
	return f.latency, nil
}

func (f *fakeSource) SatisfactionSeries(context.Context, time.Time) ([]store.SatisfactionPoint, error) {
	return []store.SatisfactionPoint{{UserFeedback: 1, UserComment: "NC", PredictionResult: store.ResultCat}}, nil
}

func samplePoints() []store.InferencePoint {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	return []store.InferencePoint{
		{CreatedAt: base, InferenceTimeMs: 10},
		{CreatedAt: base.Add(time.Minute), InferenceTimeMs: 30},
		{CreatedAt: base.Add(2 * time.Minute), InferenceTimeMs: 20},
	}
}

func TestDataAggregates(t *testing.T) {
	src := &fakeSource{latency: samplePoints()}
	a := New(src, 0, zerolog.Nop())

	data, err := a.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), data.InferenceKPI.Total)
	assert.Equal(t, 50.0, data.SatisfactionKPI.Rate)
	assert.Len(t, data.InferenceSeries.Points, 3)
	assert.Equal(t, 20.0, data.InferenceSeries.AverageMs)
	assert.Len(t, data.SatisfactionSeries, 1)
	assert.False(t, data.GeneratedAt.IsZero())
}

func TestDataWithoutCacheRebuilds(t *testing.T) {
	src := &fakeSource{}
	a := New(src, 0, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := a.Data(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestDataIsCached(t *testing.T) {
	src := &fakeSource{latency: samplePoints()}
	a := New(src, time.Minute, zerolog.Nop())

	first, err := a.Data(context.Background())
	require.NoError(t, err)
	second, err := a.Data(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), src.calls.Load())

	a.Invalidate()
	_, err = a.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestDataCacheExpires(t *testing.T) {
	src := &fakeSource{}
	a := New(src, 20*time.Millisecond, zerolog.Nop())

	_, err := a.Data(context.Background())
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = a.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestDataErrorIsNotCached(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	a := New(src, time.Minute, zerolog.Nop())

	_, err := a.Data(context.Background())
	assert.ErrorContains(t, err, "connection refused")

	src.err = nil
	data, err := a.Data(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestDataConcurrentCallers(t *testing.T) {
	src := &fakeSource{latency: samplePoints()}
	a := New(src, time.Minute, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := a.Data(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, data)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.calls.Load(), int32(16))
}

func TestDataSurvivesCallerCancellation(t *testing.T) {
	src := &fakeSource{
		latency: samplePoints(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	a := New(src, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Data(ctx)
		done <- err
	}()

	<-src.started
	cancel()
	close(src.release)
	require.NoError(t, <-done)

	data, err := a.Data(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), data.InferenceKPI.Total)
	assert.Equal(t, int32(1), src.calls.Load(), "the snapshot built for the cancelled caller is cached")
}

func TestAverageOfEmptySeries(t *testing.T) {
	assert.Zero(t, average(nil))
}
