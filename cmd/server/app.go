package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/catdog-vision/catdog/internal/config"
	"github.com/catdog-vision/catdog/internal/logging"
	"github.com/catdog-vision/catdog/internal/metrics"
	"github.com/catdog-vision/catdog/internal/model"
	"github.com/catdog-vision/catdog/internal/preprocess"
	"github.com/catdog-vision/catdog/internal/service"
	"github.com/catdog-vision/catdog/internal/store"
)

// app holds the components shared by the commands.
type app struct {
	settings  *config.Settings
	logger    zerolog.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     *store.Store
	predictor *model.Predictor
	service   *service.Service
}

func newApp(ctx context.Context, settings *config.Settings, logger zerolog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	meta, err := loadMetadata(settings.Model)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, settings.Database, logger)
	if err != nil {
		return nil, err
	}

	predictor := model.NewPredictor(
		settings.Model.Path,
		meta,
		model.ArtifactLoader(settings.Model.LibraryPath, logging.Component(logger, "model")),
		logging.Component(logger, "model"),
	)
	if !settings.Model.Lazy {
		m.SetModelLoaded(predictor.Load())
	}

	svc := service.New(service.Dependencies{
		Preprocessor: preprocess.New(predictor.Metadata().PreprocessOptions(settings.Model.Interpolation)),
		Predictor:    predictor,
		Store:        st,
		Metrics:      m,
		Logger:       logger,
	})

	return &app{
		settings:  settings,
		logger:    logger,
		registry:  registry,
		metrics:   m,
		store:     st,
		predictor: predictor,
		service:   svc,
	}, nil
}

// loadMetadata reads the artifact description and applies configured overrides.
func loadMetadata(settings config.ModelSettings) (model.Metadata, error) {
	path := settings.MetadataPath
	if path == "" {
		path = model.MetadataPath(settings.Path)
	}
	meta, err := model.LoadMetadata(path)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("load model metadata: %w", err)
	}
	if settings.ImageSize > 0 {
		meta.ImageSize = settings.ImageSize
	}
	if settings.Threads > 0 {
		meta.Threads = settings.Threads
	}
	return meta, nil
}

func (a *app) Close() error {
	return errors.Join(a.predictor.Close(), a.store.Close())
}
