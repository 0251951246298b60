// Package api provides HTTP endpoints for quota inspection and
// operational tasks (manual sweeps and audits).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/entitle/pkg/entitle"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for quota inspection and operations.
type Handler struct {
	config Config
}

// GetUsage returns the user's current quota standing as JSON. The check
// is read-only: no message is charged and no ledger row is created.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	decision, err := h.config.Guard.Peek(ctx, userID)
	if err != nil && !errors.Is(err, entitle.ErrUnknownTier) {
		h.handleError(w, r, fmt.Errorf("failed to evaluate quota: %w", err), http.StatusInternalServerError)
		return
	}

	tierName := h.config.Guard.DefaultTier()
	if row, rowErr := h.config.Guard.Usage(ctx, userID); rowErr == nil {
		tierName = row.TierName
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		UserID:    userID,
		Tier:      tierName,
		Allowed:   decision.Allowed,
		Unlimited: decision.Unlimited,
		Remaining: decision.Remaining,
		ResetAt:   decision.ResetAt,
	})
}

// SetTier assigns the user to a catalog tier. The request body is a
// JSON SetTierRequest.
func (h *Handler) SetTier(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}

	var req SetTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		h.handleError(w, r, fmt.Errorf("tier is required"), http.StatusBadRequest)
		return
	}

	if err := h.config.Guard.SetTier(ctx, userID, req.Tier); err != nil {
		if errors.Is(err, entitle.ErrUnknownTier) {
			h.handleError(w, r, err, http.StatusBadRequest)
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to set tier: %w", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListTiers returns the tier catalog as JSON.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.config.Catalog.List(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list tiers: %w", err), http.StatusInternalServerError)
		return
	}

	resp := make([]TierResponse, 0, len(tiers))
	for _, tier := range tiers {
		resp = append(resp, TierResponse{
			Name:             tier.Name,
			MonthlyAllowance: tier.MonthlyAllowance,
			Metered:          tier.Metered,
			Features:         tier.Features,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerSweep runs one reset sweep over the full ledger and returns
// the sweep counters as JSON. Safe to call repeatedly: a second sweep
// over an already-reset ledger rolls nothing forward.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.config.Sweeper == nil {
		http.NotFound(w, r)
		return
	}

	result, err := h.config.Sweeper.SweepOnce(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("sweep failed: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TriggerAudit runs one consistency audit over the full ledger and
// returns the repair report as JSON.
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	if h.config.Auditor == nil {
		http.NotFound(w, r)
		return
	}

	report, err := h.config.Auditor.Audit(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("audit failed: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
