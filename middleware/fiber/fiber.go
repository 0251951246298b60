// Package fiber provides Fiber middleware for message quota enforcement.
package fiber

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnQuotaExceeded func(c *fiber.Ctx, decision entitle.Decision) error

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that charges one message per
// request against the caller's monthly allowance.
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Guard == nil {
		panic("entitle/fiber: Config.Guard is required")
	}
	if cfg.GetUserID == nil {
		panic("entitle/fiber: Config.GetUserID is required")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusTooManyRequests
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		decision, err := cfg.Guard.CheckAndConsume(c.UserContext(), userID)
		if err != nil && !errors.Is(err, entitle.ErrUnknownTier) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		setQuotaHeaders(c, decision)

		if !decision.Allowed {
			if cfg.OnQuotaExceeded != nil {
				return cfg.OnQuotaExceeded(c, decision)
			}
			return c.Status(cfg.QuotaExceededStatusCode).JSON(fiber.Map{
				"error":    "Quota exceeded",
				"reset_at": decision.ResetAt.UTC().Format(time.RFC3339),
			})
		}

		return c.Next()
	}
}

func setQuotaHeaders(c *fiber.Ctx, decision entitle.Decision) {
	if decision.Unlimited {
		c.Set("X-Quota-Unlimited", "true")
	} else {
		c.Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Set("X-Quota-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns an UserIDExtractor that gets user ID from Fiber
// locals (set by an upstream auth middleware via c.Locals).
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}
