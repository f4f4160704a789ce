// Package model loads the cat/dog classifier artifact and turns its raw
// score into a labelled prediction.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/catdog-vision/catdog/internal/preprocess"
)

// ErrModelUnavailable is returned by Predict when no artifact is loaded.
var ErrModelUnavailable = errors.New("model not loaded")

// DecisionThreshold separates the two classes; a score equal to it is a cat.
const DecisionThreshold = 0.5

// Scorer produces the raw dog score in [0,1] for a preprocessed image.
type Scorer interface {
	Score(ctx context.Context, t preprocess.Tensor) (float32, error)
	Close() error
}

// Loader opens the artifact at path.
type Loader func(path string, meta Metadata) (Scorer, error)

// ArtifactLoader returns a Loader choosing the runtime from the file
// extension: .onnx uses ONNX Runtime, .tflite uses TensorFlow Lite.
func ArtifactLoader(onnxLibraryPath string, logger zerolog.Logger) Loader {
	return func(path string, meta Metadata) (Scorer, error) {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".onnx":
			return openONNX(path, onnxLibraryPath, meta)
		case ".tflite":
			return openTFLite(path, meta, logger)
		default:
			return nil, fmt.Errorf("unsupported model format %q", filepath.Ext(path))
		}
	}
}

// Backend names the runtime used for an artifact path.
func Backend(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return "onnxruntime"
	case ".tflite":
		return "tflite"
	default:
		return "unknown"
	}
}

// Predictor owns one loaded classifier. Loading is attempted once; after that
// the predictor is read-only and safe for concurrent use.
type Predictor struct {
	path   string
	meta   Metadata
	loader Loader
	logger zerolog.Logger

	once    sync.Once
	mu      sync.RWMutex
	scorer  Scorer
	loadErr error
}

// NewPredictor creates an unloaded predictor for the artifact at path.
func NewPredictor(path string, meta Metadata, loader Loader, logger zerolog.Logger) *Predictor {
	return &Predictor{
		path:   path,
		meta:   meta.withDefaults(),
		loader: loader,
		logger: logger,
	}
}

// Load opens the artifact on the first call and reports whether the model is
// available. A failed load is logged and leaves the predictor unloaded.
func (p *Predictor) Load() bool {
	p.once.Do(func() {
		scorer, err := p.loader(p.path, p.meta)
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.loadErr = err
			p.logger.Warn().Err(err).Str("path", p.path).Msg("model not loaded")
			return
		}
		p.scorer = scorer
		p.logger.Info().
			Str("path", p.path).
			Str("backend", Backend(p.path)).
			Int("image_size", p.meta.ImageSize).
			Strs("classes", p.meta.Classes).
			Msg("model loaded")
	})
	return p.IsLoaded()
}

// IsLoaded reports whether a model is available without attempting a load.
func (p *Predictor) IsLoaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scorer != nil
}

// LoadError returns the error of the load attempt, if any.
func (p *Predictor) LoadError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadErr
}

// Metadata returns the artifact description.
func (p *Predictor) Metadata() Metadata {
	return p.meta
}

// Info describes the predictor for the info endpoint.
func (p *Predictor) Info() Info {
	return Info{
		Name:      p.meta.Name,
		Version:   p.meta.Version,
		Path:      p.path,
		Backend:   Backend(p.path),
		Classes:   p.meta.Classes,
		InputSize: fmt.Sprintf("%dx%d", p.meta.ImageSize, p.meta.ImageSize),
		Loaded:    p.IsLoaded(),
	}
}

// Predict scores a preprocessed image. It triggers the lazy load and fails
// with ErrModelUnavailable when no model could be loaded.
func (p *Predictor) Predict(ctx context.Context, t preprocess.Tensor) (Prediction, error) {
	if !p.Load() {
		return Prediction{}, ErrModelUnavailable
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.scorer == nil {
		return Prediction{}, ErrModelUnavailable
	}

	score, err := p.scorer.Score(ctx, t)
	if err != nil {
		return Prediction{}, fmt.Errorf("score image: %w", err)
	}
	return Decide(score)
}

// Close releases the runtime resources. The predictor reports unloaded afterwards.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scorer == nil {
		return nil
	}
	err := p.scorer.Close()
	p.scorer = nil
	return err
}

// Decide applies the decision rule to a raw dog score.
func Decide(score float32) (Prediction, error) {
	s := float64(score)
	if math.IsNaN(s) || s < 0 || s > 1 {
		return Prediction{}, fmt.Errorf("model score %v outside [0,1]", score)
	}

	prediction := Prediction{
		Cat:   1 - s,
		Dog:   s,
		Score: s,
	}
	if s > DecisionThreshold {
		prediction.Label = LabelDog
		prediction.Confidence = s
	} else {
		prediction.Label = LabelCat
		prediction.Confidence = 1 - s
	}
	return prediction, nil
}

// scoreFromOutput extracts the dog score from a model output vector: a single
// sigmoid value, or the dog entry of a per-class vector.
func scoreFromOutput(out []float32, dogIndex int) (float32, error) {
	switch {
	case len(out) == 0:
		return 0, fmt.Errorf("model returned an empty output")
	case len(out) == 1:
		return out[0], nil
	case dogIndex >= 0 && dogIndex < len(out):
		return out[dogIndex], nil
	default:
		return 0, fmt.Errorf("dog class index %d outside output of size %d", dogIndex, len(out))
	}
}
