package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

// Config holds configuration for the quota API handler.
type Config struct {
	// Guard is the admission guard instance (required).
	Guard *entitle.Guard

	// Catalog serves the tier listing endpoint (required).
	Catalog *entitle.Catalog

	// Sweeper backs the manual sweep endpoint (optional).
	// If nil, the sweep endpoint returns 404.
	Sweeper *entitle.Sweeper

	// Auditor backs the manual audit endpoint (optional).
	// If nil, the audit endpoint returns 404.
	Auditor *entitle.Auditor

	// GetUserID extracts user ID from HTTP request (required).
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.).
	// If nil, uses default error handling.
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Guard == nil {
		return fmt.Errorf("guard is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new quota API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
