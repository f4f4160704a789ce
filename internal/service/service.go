// Package service runs one image through the prediction pipeline and records
// the outcome in the feedback store.
package service

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/catdog-vision/catdog/internal/apperrors"
	"github.com/catdog-vision/catdog/internal/logging"
	"github.com/catdog-vision/catdog/internal/metrics"
	"github.com/catdog-vision/catdog/internal/model"
	"github.com/catdog-vision/catdog/internal/preprocess"
	"github.com/catdog-vision/catdog/internal/store"
)

// ImageProcessor turns uploaded bytes into a model input.
type ImageProcessor interface {
	Process(data []byte) (preprocess.Tensor, error)
}

// Classifier scores a preprocessed image.
type Classifier interface {
	Predict(ctx context.Context, t preprocess.Tensor) (model.Prediction, error)
	IsLoaded() bool
}

// Repository is the part of the feedback store used by the service.
type Repository interface {
	Save(ctx context.Context, in store.NewRecord) (*store.PredictionRecord, error)
	UpdateFeedback(ctx context.Context, id uint, upd store.FeedbackUpdate) (*store.PredictionRecord, error)
	Statistics(ctx context.Context) (store.Statistics, error)
	Recent(ctx context.Context, limit int) ([]store.PredictionRecord, error)
}

// Dependencies wires the service. Metrics and Clock are optional.
type Dependencies struct {
	Preprocessor ImageProcessor
	Predictor    Classifier
	Store        Repository
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Clock        func() time.Time
}

// Service orchestrates preprocessing, prediction and recording. It holds no
// per-request state and is safe for concurrent use.
type Service struct {
	preprocessor ImageProcessor
	predictor    Classifier
	store        Repository
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
}

// New creates a prediction service.
func New(deps Dependencies) *Service {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Service{
		preprocessor: deps.Preprocessor,
		predictor:    deps.Predictor,
		store:        deps.Store,
		metrics:      deps.Metrics,
		logger:       logging.Component(deps.Logger, "service"),
		now:          now,
	}
}

// Upload is one image submitted for classification.
type Upload struct {
	Data        []byte
	ContentType string
	Filename    string
	Consent     bool
}

// Probabilities are class probabilities formatted as percentages.
type Probabilities struct {
	Cat string `json:"cat"`
	Dog string `json:"dog"`
}

// Outcome is the response to a successful submission.
type Outcome struct {
	Filename        string        `json:"filename"`
	Prediction      string        `json:"prediction"`
	Confidence      string        `json:"confidence"`
	Probabilities   Probabilities `json:"probabilities"`
	RawScore        float64       `json:"raw_score"`
	InferenceTimeMs int           `json:"inference_time_ms"`
	FeedbackID      uint          `json:"feedback_id"`
}

// IsImageContentType reports whether a declared MIME type is an image type.
func IsImageContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "image/")
}

// Submit classifies one image and records the result.
//
// Invalid uploads and an unavailable model are rejected without writing a
// record. Any other failure after the timer started is recorded as an error
// record on a best-effort basis before InternalError is returned.
func (s *Service) Submit(ctx context.Context, in Upload) (*Outcome, error) {
	const op = "service.Submit"
	log := s.logger.With().Str("filename", in.Filename).Bool("rgpd_consent", in.Consent).Logger()

	if !IsImageContentType(in.ContentType) {
		s.metrics.ObservePrediction("invalid_input", 0)
		return nil, apperrors.InvalidInput(op, "invalid image format", nil)
	}

	start := s.now()

	tensor, err := s.preprocessor.Process(in.Data)
	if err != nil {
		if errors.Is(err, preprocess.ErrDecode) {
			s.metrics.ObservePrediction("invalid_input", 0)
			return nil, apperrors.InvalidInput(op, "image could not be decoded", err)
		}
		return nil, s.fail(ctx, log, start, err)
	}

	prediction, err := s.predictor.Predict(ctx, tensor)
	if err != nil {
		if errors.Is(err, model.ErrModelUnavailable) {
			s.metrics.ObservePrediction("unavailable", 0)
			s.metrics.SetModelLoaded(false)
			return nil, apperrors.ServiceUnavailable(op, "model not available", err)
		}
		return nil, s.fail(ctx, log, start, err)
	}

	elapsed := s.now().Sub(start)
	elapsedMs := int(elapsed.Milliseconds())
	s.metrics.SetModelLoaded(true)

	var filename *string
	if in.Consent && in.Filename != "" {
		filename = &in.Filename
	}
	rec, err := s.store.Save(ctx, store.NewRecord{
		InferenceTimeMs:  elapsedMs,
		Success:          true,
		PredictionResult: strings.ToLower(prediction.Label),
		ProbaCat:         prediction.Cat * 100,
		ProbaDog:         prediction.Dog * 100,
		RGPDConsent:      in.Consent,
		Filename:         filename,
	})
	if err != nil {
		s.metrics.RecordWriteFailed()
		log.Error().Err(err).Msg("failed to record prediction")
		if apperrors.IsKind(err, apperrors.KindPersistence) {
			return nil, err
		}
		return nil, apperrors.Persistence(op, "failed to record prediction", err)
	}

	s.metrics.ObservePrediction(strings.ToLower(prediction.Label), elapsed)
	log.Info().
		Str("prediction", prediction.Label).
		Float64("score", prediction.Score).
		Int("inference_time_ms", elapsedMs).
		Uint("feedback_id", rec.ID).
		Msg("image classified")

	return &Outcome{
		Filename:   in.Filename,
		Prediction: prediction.Label,
		Confidence: percent(prediction.Confidence),
		Probabilities: Probabilities{
			Cat: percent(prediction.Cat),
			Dog: percent(prediction.Dog),
		},
		RawScore:        prediction.Score,
		InferenceTimeMs: elapsedMs,
		FeedbackID:      rec.ID,
	}, nil
}

// fail records an error record and returns the InternalError for cause. A
// failure to write the record is logged and otherwise ignored.
func (s *Service) fail(ctx context.Context, log zerolog.Logger, start time.Time, cause error) error {
	const op = "service.Submit"

	elapsed := s.now().Sub(start)
	s.metrics.ObservePrediction(store.ResultError, elapsed)

	diagnostic := cause.Error()
	_, err := s.store.Save(ctx, store.NewRecord{
		InferenceTimeMs:  int(elapsed.Milliseconds()),
		Success:          false,
		PredictionResult: store.ResultError,
		RGPDConsent:      false,
		UserComment:      &diagnostic,
	})
	if err != nil {
		s.metrics.RecordWriteFailed()
		log.Warn().Err(err).Msg("failed to record prediction error")
	}

	log.Error().Err(cause).Msg("prediction failed")
	return apperrors.Internal(op, "prediction failed", cause)
}

// SubmitFeedback attaches user feedback to a recorded prediction.
func (s *Service) SubmitFeedback(ctx context.Context, id uint, upd store.FeedbackUpdate) (*store.PredictionRecord, error) {
	rec, err := s.store.UpdateFeedback(ctx, id, upd)
	if err != nil {
		s.metrics.ObserveFeedback(strings.ToLower(string(apperrors.KindOf(err))))
		s.logger.Warn().Err(err).Uint("feedback_id", id).Msg("feedback rejected")
		return nil, err
	}
	s.metrics.ObserveFeedback("updated")
	s.logger.Info().Uint("feedback_id", id).Msg("feedback updated")
	return rec, nil
}

// Statistics returns the store summary.
func (s *Service) Statistics(ctx context.Context) (store.Statistics, error) {
	return s.store.Statistics(ctx)
}

// Recent returns the newest records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]store.PredictionRecord, error) {
	return s.store.Recent(ctx, limit)
}

// ModelLoaded reports whether the classifier is available.
func (s *Service) ModelLoaded() bool {
	return s.predictor.IsLoaded()
}

func percent(p float64) string {
	return fmt.Sprintf("%.2f%%", p*100)
}
