// Package server builds the HTTP server around the API handlers.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/catdog-vision/catdog/internal/config"
	"github.com/catdog-vision/catdog/internal/handlers"
	"github.com/catdog-vision/catdog/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP front of the service.
type Server struct {
	echo     *echo.Echo
	settings config.ServerSettings
	logger   zerolog.Logger
}

// New creates the echo instance with middleware, API routes and /metrics.
func New(settings *config.Settings, h *handlers.Handler, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	log := logging.Component(logger, "server")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler(log)
	e.Server.ReadTimeout = settings.Server.ReadTimeout
	e.Server.WriteTimeout = settings.Server.WriteTimeout
	e.Server.IdleTimeout = settings.Server.IdleTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(logging.RequestLogger(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: settings.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	if settings.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(settings.Server.BodyLimit))
	}

	if settings.API.Token == "" {
		log.Warn().Msg("API token is not set, /api/predict rejects every request")
	}
	h.Register(e,
		handlers.BearerAuth(settings.API.Token, log),
		handlers.RateLimit(settings.Server.PredictRateLimit),
	)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return &Server{echo: e, settings: settings.Server, logger: log}
}

// Echo exposes the underlying instance, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("address", s.settings.Address()).Msg("server starting")
		if err := s.echo.Start(s.settings.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("server shutting down")
		return s.echo.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
