// Package gin provides Gin middleware for message quota enforcement.
package gin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

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
	OnQuotaExceeded func(c *gongin.Context, decision entitle.Decision)

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that charges one message per
// request against the caller's monthly allowance.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Guard == nil {
		panic("entitle/gin: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("entitle/gin: Config.GetUserID is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		decision, err := cfg.Guard.CheckAndConsume(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, entitle.ErrUnknownTier) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		setQuotaHeaders(c, decision)

		if !decision.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, decision)
			} else {
				c.JSON(cfg.QuotaExceededStatusCode, gongin.H{
					"error":    "Quota exceeded",
					"reset_at": decision.ResetAt.UTC().Format(time.RFC3339),
				})
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

func setQuotaHeaders(c *gongin.Context, decision entitle.Decision) {
	if decision.Unlimited {
		c.Header("X-Quota-Unlimited", "true")
	} else {
		c.Header("X-Quota-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("X-Quota-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContextKey returns an UserIDExtractor that gets user ID from the
// Gin context (set by an upstream auth middleware via c.Set).
func FromContextKey(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if v, ok := c.Get(key); ok {
			if userID, ok := v.(string); ok {
				return userID
			}
		}
		return ""
	}
}
