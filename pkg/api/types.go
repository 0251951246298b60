package api

import "time"

// UsageResponse represents the current quota standing for a user.
type UsageResponse struct {
	UserID    string    `json:"user_id"`
	Tier      string    `json:"tier"`
	Allowed   bool      `json:"allowed"`
	Unlimited bool      `json:"unlimited"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// TierResponse represents a catalog entry.
type TierResponse struct {
	Name             string          `json:"name"`
	MonthlyAllowance int             `json:"monthly_allowance"`
	Metered          bool            `json:"metered"`
	Features         map[string]bool `json:"features,omitempty"`
}

// SetTierRequest is the body for tier assignment.
type SetTierRequest struct {
	Tier string `json:"tier"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
