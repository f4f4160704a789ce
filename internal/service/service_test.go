package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/catdog-vision/catdog/internal/apperrors"
	"github.com/catdog-vision/catdog/internal/config"
	"github.com/catdog-vision/catdog/internal/metrics"
	"github.com/catdog-vision/catdog/internal/model"
	"github.com/catdog-vision/catdog/internal/preprocess"
	"github.com/catdog-vision/catdog/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

type stubScorer struct {
	score float32
	err   error
}

func (s stubScorer) Score(context.Context, preprocess.Tensor) (float32, error) { return s.score, s.err }
func (s stubScorer) Close() error                                              { return nil }

func predictorWith(scorer model.Scorer, loadErr error) *model.Predictor {
	loader := func(string, model.Metadata) (model.Scorer, error) {
		if loadErr != nil {
			return nil, loadErr
		}
		return scorer, nil
	}
	return model.NewPredictor("cnn.onnx", model.DefaultMetadata(), loader, zerolog.Nop())
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), config.Database{
		Driver:      config.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "service.db"),
		AutoMigrate: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// steppingClock advances by step on every reading.
func steppingClock(step time.Duration) func() time.Time {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

type fixture struct {
	svc     *Service
	store   *store.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, classifier Classifier) fixture {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	st := openStore(t)
	svc := New(Dependencies{
		Preprocessor: preprocess.New(preprocess.Options{Size: 32}),
		Predictor:    classifier,
		Store:        st,
		Metrics:      m,
		Logger:       zerolog.Nop(),
		Clock:        steppingClock(15 * time.Millisecond),
	})
	return fixture{svc: svc, store: st, metrics: m}
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func totalRecords(t *testing.T, s *store.Store) int64 {
	t.Helper()
	stats, err := s.Statistics(context.Background())
	require.NoError(t, err)
	return stats.Total
}

func TestSubmitWithConsent(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.1}, nil))
	ctx := context.Background()

	out, err := f.svc.Submit(ctx, Upload{Data: pngImage(t), ContentType: "image/png", Filename: "tom.png", Consent: true})
	require.NoError(t, err)

	assert.Equal(t, model.LabelCat, out.Prediction)
	assert.Equal(t, "90.00%", out.Confidence)
	assert.Equal(t, "90.00%", out.Probabilities.Cat)
	assert.Equal(t, "10.00%", out.Probabilities.Dog)
	assert.Equal(t, "tom.png", out.Filename)
	assert.Equal(t, 15, out.InferenceTimeMs)
	assert.NotZero(t, out.FeedbackID)

	rec, err := f.store.Get(ctx, out.FeedbackID)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, store.ResultCat, rec.PredictionResult)
	assert.InDelta(t, 100.0, rec.ProbaCat+rec.ProbaDog, 0.011)
	assert.Equal(t, 15, rec.InferenceTimeMs)
	require.NotNil(t, rec.Filename)
	assert.Equal(t, "tom.png", *rec.Filename)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Predictions.WithLabelValues("cat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ModelLoaded))
}

func TestSubmitBoundaryScoreIsCat(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.5}, nil))

	out, err := f.svc.Submit(context.Background(), Upload{Data: pngImage(t), ContentType: "image/png", Filename: "x.png"})
	require.NoError(t, err)
	assert.Equal(t, model.LabelCat, out.Prediction)
	assert.Equal(t, "50.00%", out.Confidence)
}

func TestSubmitWithoutConsentThenFeedbackIsRefused(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.93}, nil))
	ctx := context.Background()

	out, err := f.svc.Submit(ctx, Upload{Data: pngImage(t), ContentType: "image/png", Filename: "rex.png"})
	require.NoError(t, err)
	assert.Equal(t, model.LabelDog, out.Prediction)
	assert.Equal(t, "rex.png", out.Filename, "the response still echoes the upload name")

	rec, err := f.store.Get(ctx, out.FeedbackID)
	require.NoError(t, err)
	assert.Nil(t, rec.Filename)
	assert.False(t, rec.RGPDConsent)

	one := 1
	_, err = f.svc.SubmitFeedback(ctx, out.FeedbackID, store.FeedbackUpdate{UserFeedback: &one})
	assert.Equal(t, apperrors.KindConsentRequired, apperrors.KindOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FeedbackUpdates.WithLabelValues("consent_required")))
}

func TestSubmitNonImageIsRejected(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.7}, nil))

	_, err := f.svc.Submit(context.Background(), Upload{Data: []byte("hello"), ContentType: "text/plain", Filename: "notes.txt", Consent: true})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidInput, apperrors.KindOf(err))
	assert.Zero(t, totalRecords(t, f.store))
}

func TestSubmitUndecodableImageIsRejected(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.7}, nil))

	_, err := f.svc.Submit(context.Background(), Upload{Data: []byte("not really a jpeg"), ContentType: "image/jpeg", Filename: "bad.jpg"})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidInput, apperrors.KindOf(err))
	assert.ErrorIs(t, err, preprocess.ErrDecode)
	assert.Zero(t, totalRecords(t, f.store))
}

func TestSubmitWithUnloadedModel(t *testing.T) {
	f := newFixture(t, predictorWith(nil, errors.New("no such file")))

	_, err := f.svc.Submit(context.Background(), Upload{Data: pngImage(t), ContentType: "image/png", Filename: "cat.png", Consent: true})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindServiceUnavailable, apperrors.KindOf(err))
	assert.Zero(t, totalRecords(t, f.store))
	assert.False(t, f.svc.ModelLoaded())
}

func TestSubmitInferenceFailureWritesErrorRecord(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{err: errors.New("invalid input shape")}, nil))
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, Upload{Data: pngImage(t), ContentType: "image/png", Filename: "cat.png", Consent: true})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
	assert.ErrorContains(t, err, "invalid input shape")

	recent, err := f.store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	rec := recent[0]
	assert.False(t, rec.Success)
	assert.Equal(t, store.ResultError, rec.PredictionResult)
	assert.False(t, rec.RGPDConsent)
	assert.Nil(t, rec.Filename)
	assert.Zero(t, rec.ProbaCat)
	assert.Zero(t, rec.ProbaDog)
	require.NotNil(t, rec.UserComment)
	assert.Contains(t, *rec.UserComment, "invalid input shape")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Predictions.WithLabelValues("error")))
}

// failingRepo fails every write but otherwise delegates.
type failingRepo struct {
	Repository
	err error
}

func (r failingRepo) Save(context.Context, store.NewRecord) (*store.PredictionRecord, error) {
	return nil, r.err
}

func TestSubmitRecordWriteFailure(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	t.Run("success path surfaces PersistenceError", func(t *testing.T) {
		svc := New(Dependencies{
			Preprocessor: preprocess.New(preprocess.Options{Size: 16}),
			Predictor:    predictorWith(stubScorer{score: 0.8}, nil),
			Store:        failingRepo{err: apperrors.Persistence("store.Save", "failed to save prediction record", errors.New("disk full"))},
			Metrics:      m,
			Logger:       zerolog.Nop(),
		})
		_, err := svc.Submit(context.Background(), Upload{Data: pngImage(t), ContentType: "image/png"})
		assert.Equal(t, apperrors.KindPersistence, apperrors.KindOf(err))
	})

	t.Run("error path keeps the original error", func(t *testing.T) {
		svc := New(Dependencies{
			Preprocessor: preprocess.New(preprocess.Options{Size: 16}),
			Predictor:    predictorWith(stubScorer{err: errors.New("kernel crashed")}, nil),
			Store:        failingRepo{err: errors.New("database is locked")},
			Metrics:      m,
			Logger:       zerolog.Nop(),
		})
		_, err := svc.Submit(context.Background(), Upload{Data: pngImage(t), ContentType: "image/png"})
		assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
		assert.ErrorContains(t, err, "kernel crashed")
		assert.NotContains(t, err.Error(), "database is locked")
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordWriteFailures))
}

func TestSubmitFeedbackLastWriteWins(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.2}, nil))
	ctx := context.Background()

	out, err := f.svc.Submit(ctx, Upload{Data: pngImage(t), ContentType: "image/png", Filename: "c.png", Consent: true})
	require.NoError(t, err)

	zero, one := 0, 1
	first, second := "wrong", "actually right"
	_, err = f.svc.SubmitFeedback(ctx, out.FeedbackID, store.FeedbackUpdate{UserFeedback: &zero, UserComment: &first})
	require.NoError(t, err)
	_, err = f.svc.SubmitFeedback(ctx, out.FeedbackID, store.FeedbackUpdate{UserFeedback: &one, UserComment: &second})
	require.NoError(t, err)
	_, err = f.svc.SubmitFeedback(ctx, out.FeedbackID, store.FeedbackUpdate{UserFeedback: &one, UserComment: &second})
	require.NoError(t, err)

	rec, err := f.store.Get(ctx, out.FeedbackID)
	require.NoError(t, err)
	assert.Equal(t, 1, *rec.UserFeedback)
	assert.Equal(t, "actually right", *rec.UserComment)
	assert.Equal(t, int64(1), totalRecords(t, f.store), "feedback never adds records")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.FeedbackUpdates.WithLabelValues("updated")))
}

func TestSubmitFeedbackInvalidValueLeavesRecord(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.2}, nil))
	ctx := context.Background()

	out, err := f.svc.Submit(ctx, Upload{Data: pngImage(t), ContentType: "image/png", Filename: "c.png", Consent: true})
	require.NoError(t, err)

	two := 2
	_, err = f.svc.SubmitFeedback(ctx, out.FeedbackID, store.FeedbackUpdate{UserFeedback: &two})
	assert.Equal(t, apperrors.KindInvalidFeedbackValue, apperrors.KindOf(err))

	rec, err := f.store.Get(ctx, out.FeedbackID)
	require.NoError(t, err)
	assert.Nil(t, rec.UserFeedback)
}

func TestStatisticsAndRecentPassThrough(t *testing.T) {
	f := newFixture(t, predictorWith(stubScorer{score: 0.6}, nil))
	ctx := context.Background()

	stats, err := f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Statistics{}, stats)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Submit(ctx, Upload{Data: pngImage(t), ContentType: "image/png", Consent: i%2 == 0})
		require.NoError(t, err)
	}

	stats, err = f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.RGPDConsents)
	assert.Equal(t, 100.0, stats.SuccessRate)

	recent, err := f.svc.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.False(t, recent[0].CreatedAt.Before(recent[1].CreatedAt))
}

func TestIsImageContentType(t *testing.T) {
	assert.True(t, IsImageContentType("image/png"))
	assert.True(t, IsImageContentType("IMAGE/JPEG"))
	assert.True(t, IsImageContentType("image/webp; charset=binary"))
	assert.False(t, IsImageContentType("text/plain"))
	assert.False(t, IsImageContentType(""))
	assert.False(t, IsImageContentType("application/octet-stream"))
}
