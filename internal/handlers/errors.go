package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/catdog-vision/catdog/internal/apperrors"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// fail writes err as an ErrorResponse with the status of its kind.
func (h *Handler) fail(c echo.Context, err error) error {
	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(kind)

	event := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = h.logger.Error()
	}
	event.Err(err).
		Str("kind", string(kind)).
		Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
		Msg("request failed")

	return c.JSON(status, ErrorResponse{Detail: detail(err)})
}

func detail(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperrors.KindInternal, apperrors.KindPersistence:
			return appErr.Error()
		}
		if appErr.Message != "" {
			return appErr.Message
		}
		return appErr.Error()
	}
	return http.StatusText(http.StatusInternalServerError)
}

// ErrorHandler renders echo errors (unknown route, body too large, rate
// limited) in the same shape as handler errors.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		message := http.StatusText(status)

		var he *echo.HTTPError
		var appErr *apperrors.Error
		switch {
		case errors.As(err, &he):
			status = he.Code
			if m, ok := he.Message.(string); ok {
				message = m
			} else {
				message = http.StatusText(status)
			}
		case errors.As(err, &appErr):
			status = apperrors.HTTPStatus(appErr.Kind)
			message = detail(appErr)
		default:
			logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("unhandled error")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, ErrorResponse{Detail: message})
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("failed to write error response")
		}
	}
}
