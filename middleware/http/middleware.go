// Package http provides HTTP middleware for message quota enforcement.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Guard is the admission guard instance (required).
	Guard *entitle.Guard

	// GetUserID extracts user ID from request (required).
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the monthly allowance is exhausted.
	// If nil, returns 429 Too Many Requests.
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, decision entitle.Decision)

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that charges one message per
// request against the caller's monthly allowance. Denied requests never
// reach the wrapped handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			decision, err := config.Guard.CheckAndConsume(r.Context(), userID)
			if err != nil && !errors.Is(err, entitle.ErrUnknownTier) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			setQuotaHeaders(w.Header(), decision)

			if !decision.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, decision)
				} else {
					msg := fmt.Sprintf("Quota exceeded: allowance resets at %s",
						decision.ResetAt.UTC().Format(time.RFC3339))
					http.Error(w, msg, http.StatusTooManyRequests)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces the monthly
// allowance (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func setQuotaHeaders(h http.Header, decision entitle.Decision) {
	if decision.Unlimited {
		h.Set("X-Quota-Unlimited", "true")
	} else {
		h.Set("X-Quota-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		h.Set("X-Quota-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
	}
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "entitle:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
