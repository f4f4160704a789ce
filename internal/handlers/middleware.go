package handlers

import (
	"crypto/subtle"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/catdog-vision/catdog/internal/apperrors"
)

// BearerAuth accepts requests whose Authorization header carries token.
// Missing and wrong tokens both answer 401 with a WWW-Authenticate challenge.
// An empty token rejects every request.
func BearerAuth(token string, logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ",
		Validator: func(key string, _ echo.Context) (bool, error) {
			if token == "" {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			logger.Warn().
				Err(err).
				Str("remote_ip", c.RealIP()).
				Str("uri", c.Request().RequestURI).
				Msg("rejected bearer token")
			authErr := apperrors.Unauthorized("handlers.BearerAuth", "invalid token")
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
			return c.JSON(apperrors.HTTPStatus(authErr.Kind), ErrorResponse{Detail: detail(authErr)})
		},
	})
}

// RateLimit limits requests per client IP to perSecond, with a burst of
// the same size. A non-positive rate disables the limiter.
func RateLimit(perSecond float64) echo.MiddlewareFunc {
	if perSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	burst := int(math.Ceil(perSecond))
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.JSON(http.StatusForbidden, ErrorResponse{Detail: "client could not be identified"})
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, ErrorResponse{Detail: "too many requests"})
		},
	})
}
