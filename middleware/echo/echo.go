// Package echo provides Echo middleware for message quota enforcement.
package echo

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Guard is the admission guard instance (required).
	Guard *entitle.Guard

	// GetUserID extracts user ID from context (required).
	GetUserID UserIDExtractor

	// QuotaExceededStatusCode is the HTTP status code to return when the
	// allowance is exhausted. Default: 429 (Too Many Requests).
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the allowance is exhausted.
	// If nil, uses default response: QuotaExceededStatusCode JSON body.
	OnQuotaExceeded func(c echo.Context, decision entitle.Decision) error

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that charges one message per
// request against the caller's monthly allowance.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Guard == nil {
		panic("entitle/echo: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("entitle/echo: Config.GetUserID is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			decision, err := cfg.Guard.CheckAndConsume(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, entitle.ErrUnknownTier) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			setQuotaHeaders(c, decision)

			if !decision.Allowed {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, decision)
				}
				return c.JSON(cfg.QuotaExceededStatusCode, map[string]string{
					"error":    "Quota exceeded",
					"reset_at": decision.ResetAt.UTC().Format(time.RFC3339),
				})
			}

			return next(c)
		}
	}
}

func setQuotaHeaders(c echo.Context, decision entitle.Decision) {
	h := c.Response().Header()
	if decision.Unlimited {
		h.Set("X-Quota-Unlimited", "true")
	} else {
		h.Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		h.Set("X-Quota-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContextKey returns an UserIDExtractor that gets user ID from the
// Echo context (set by an upstream auth middleware via c.Set).
func FromContextKey(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}
