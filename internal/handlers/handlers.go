package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/catdog-vision/catdog/internal/apperrors"
	"github.com/catdog-vision/catdog/internal/dashboard"
	"github.com/catdog-vision/catdog/internal/logging"
	"github.com/catdog-vision/catdog/internal/model"
	"github.com/catdog-vision/catdog/internal/service"
	"github.com/catdog-vision/catdog/internal/store"
)

// Predictions is the prediction service as seen by the API.
type Predictions interface {
	Submit(ctx context.Context, in service.Upload) (*service.Outcome, error)
	SubmitFeedback(ctx context.Context, id uint, upd store.FeedbackUpdate) (*store.PredictionRecord, error)
	Statistics(ctx context.Context) (store.Statistics, error)
	Recent(ctx context.Context, limit int) ([]store.PredictionRecord, error)
}

// Dashboard serves monitoring snapshots.
type Dashboard interface {
	Data(ctx context.Context) (*dashboard.Data, error)
	Invalidate()
}

// ModelInfo describes the loaded classifier.
type ModelInfo interface {
	Info() model.Info
	IsLoaded() bool
}

// Pinger checks the database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Service   Predictions
	Dashboard Dashboard
	Model     ModelInfo
	Database  Pinger
	Version   string
	Logger    zerolog.Logger
}

type Handler struct {
	service   Predictions
	dashboard Dashboard
	model     ModelInfo
	database  Pinger
	version   string
	logger    zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		service:   cfg.Service,
		dashboard: cfg.Dashboard,
		model:     cfg.Model,
		database:  cfg.Database,
		version:   cfg.Version,
		logger:    logging.Component(cfg.Logger, "api"),
	}
}

// Register mounts the API routes. predict is applied to /api/predict only,
// typically bearer authentication and rate limiting.
func (h *Handler) Register(e *echo.Echo, predict ...echo.MiddlewareFunc) {
	e.GET("/health", h.Health)
	e.POST("/api/predict", h.Predict, predict...)
	e.POST("/api/update-feedback", h.UpdateFeedback)
	e.GET("/api/statistics", h.Statistics)
	e.GET("/api/recent-predictions", h.RecentPredictions)
	e.GET("/api/info", h.Info)
	e.GET("/api/monitoring", h.Monitoring)
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Database    string `json:"database"`
}

// Health reports model and database availability. It always answers 200;
// the status field is "degraded" when either dependency is down.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:      "healthy",
		ModelLoaded: h.model.IsLoaded(),
		Database:    "connected",
	}
	if err := h.database.Ping(ctx); err != nil {
		resp.Database = "error: " + err.Error()
		resp.Status = "degraded"
	}
	if !resp.ModelLoaded {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

// Predict classifies the uploaded "file" part.
func (h *Handler) Predict(c echo.Context) error {
	const op = "handlers.Predict"

	consent, err := parseFormBool(c.FormValue("rgpd_consent"))
	if err != nil {
		return h.fail(c, apperrors.InvalidInput(op, "rgpd_consent must be a boolean", err))
	}

	header, err := c.FormFile("file")
	if err != nil {
		return h.fail(c, apperrors.InvalidInput(op, "no image file provided, use 'file' as the form field name", err))
	}
	file, err := header.Open()
	if err != nil {
		return h.fail(c, apperrors.InvalidInput(op, "failed to read upload", err))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return h.fail(c, apperrors.InvalidInput(op, "failed to read upload", err))
	}

	h.logger.Debug().
		Str("filename", header.Filename).
		Int64("size", header.Size).
		Str("content_type", header.Header.Get(echo.HeaderContentType)).
		Msg("received file")

	out, err := h.service.Submit(c.Request().Context(), service.Upload{
		Data:        data,
		ContentType: header.Header.Get(echo.HeaderContentType),
		Filename:    header.Filename,
		Consent:     consent,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type feedbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// UpdateFeedback attaches satisfaction and comment to a recorded prediction.
// An empty user_comment is treated as absent.
func (h *Handler) UpdateFeedback(c echo.Context) error {
	const op = "handlers.UpdateFeedback"

	id, err := strconv.ParseUint(strings.TrimSpace(c.FormValue("feedback_id")), 10, 64)
	if err != nil || id == 0 {
		return h.fail(c, apperrors.InvalidInput(op, "feedback_id must be a positive integer", err))
	}

	var upd store.FeedbackUpdate
	if raw := strings.TrimSpace(c.FormValue("user_feedback")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return h.fail(c, apperrors.InvalidFeedbackValue(op, "user_feedback must be 0 or 1"))
		}
		upd.UserFeedback = &v
	}
	if comment := c.FormValue("user_comment"); comment != "" {
		upd.UserComment = &comment
	}

	if _, err := h.service.SubmitFeedback(c.Request().Context(), uint(id), upd); err != nil {
		return h.fail(c, err)
	}
	h.dashboard.Invalidate()

	return c.JSON(http.StatusOK, feedbackResponse{Success: true, Message: "feedback updated"})
}

// Statistics returns the global prediction counters.
func (h *Handler) Statistics(c echo.Context) error {
	stats, err := h.service.Statistics(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

type recentPrediction struct {
	ID               uint      `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	PredictionResult string    `json:"prediction_result"`
	ProbaCat         float64   `json:"proba_cat"`
	ProbaDog         float64   `json:"proba_dog"`
	InferenceTimeMs  int       `json:"inference_time_ms"`
	Success          bool      `json:"success"`
	RGPDConsent      bool      `json:"rgpd_consent"`
	UserFeedback     *int      `json:"user_feedback"`
	Filename         *string   `json:"filename"`
}

type recentResponse struct {
	Predictions []recentPrediction `json:"predictions"`
	Count       int                `json:"count"`
}

// RecentPredictions lists the newest records; limit defaults to 10.
func (h *Handler) RecentPredictions(c echo.Context) error {
	const op = "handlers.RecentPredictions"

	limit := store.DefaultRecentLimit
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return h.fail(c, apperrors.InvalidInput(op, "limit must be an integer", err))
		}
		limit = v
	}

	records, err := h.service.Recent(c.Request().Context(), limit)
	if err != nil {
		return h.fail(c, err)
	}

	resp := recentResponse{Predictions: make([]recentPrediction, 0, len(records))}
	for _, r := range records {
		p := recentPrediction{
			ID:               r.ID,
			Timestamp:        r.CreatedAt,
			PredictionResult: r.PredictionResult,
			ProbaCat:         r.ProbaCat,
			ProbaDog:         r.ProbaDog,
			InferenceTimeMs:  r.InferenceTimeMs,
			Success:          r.Success,
			RGPDConsent:      r.RGPDConsent,
			UserFeedback:     r.UserFeedback,
		}
		if r.RGPDConsent {
			p.Filename = r.Filename
		}
		resp.Predictions = append(resp.Predictions, p)
	}
	resp.Count = len(resp.Predictions)
	return c.JSON(http.StatusOK, resp)
}

type infoResponse struct {
	ModelLoaded bool       `json:"model_loaded"`
	ModelPath   string     `json:"model_path"`
	Version     string     `json:"version"`
	Model       model.Info `json:"model"`
	Features    []string   `json:"features"`
}

// Info describes the API and the served model.
func (h *Handler) Info(c echo.Context) error {
	info := h.model.Info()
	return c.JSON(http.StatusOK, infoResponse{
		ModelLoaded: info.Loaded,
		ModelPath:   info.Path,
		Version:     h.version,
		Model:       info,
		Features: []string{
			"Image classification (cats/dogs)",
			"RGPD compliance",
			"User feedback collection",
			"Database monitoring",
			"Prometheus metrics",
		},
	})
}

// Monitoring returns the dashboard KPIs and time series.
func (h *Handler) Monitoring(c echo.Context) error {
	data, err := h.dashboard.Data(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, data)
}

// parseFormBool accepts the usual HTML form spellings; empty means false.
func parseFormBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "false", "off", "no", "f", "n":
		return false, nil
	case "1", "true", "on", "yes", "t", "y":
		return true, nil
	default:
		return strconv.ParseBool(raw)
	}
}
