// Package handlers exposes the control-plane HTTP API: warm pool
// operations, generation jobs, credential status, and process supervision.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/museforge/muse-backend/internal/models"
	"github.com/museforge/muse-backend/internal/pool"
	"go.uber.org/zap"
)

// PoolHandler serves warm-pool operations.
type PoolHandler struct {
	pool   *pool.Manager
	logger *zap.Logger
}

// NewPoolHandler creates the pool handler.
func NewPoolHandler(manager *pool.Manager, logger *zap.Logger) *PoolHandler {
	return &PoolHandler{pool: manager, logger: logger}
}

// Routes assembles the pool sub-router.
func (h *PoolHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Post("/prewarm", h.Prewarm)
	r.Post("/claim", h.Claim)
	r.Post("/terminate", h.Terminate)
	r.Put("/size", h.SetSize)
	r.Put("/safe-mode", h.SetSafeMode)
	return r
}

// Status reports the current pool state.
func (h *PoolHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.pool.Status())
}

// Prewarm kicks off instance provisioning. It returns 202 immediately; the
// rental and readiness wait continue in the background.
func (h *PoolHandler) Prewarm(w http.ResponseWriter, r *http.Request) {
	// Detached context: provisioning outlives the request.
	go func() {
		if err := h.pool.Prewarm(context.Background()); err != nil {
			if errors.Is(err, models.ErrAlreadyPrewarming) || errors.Is(err, models.ErrSafeMode) {
				h.logger.Info("Prewarm not started", zap.Error(err))
				return
			}
			h.logger.Error("Prewarm failed", zap.Error(err))
		}
	}()
	writeJSONResponse(w, http.StatusAccepted, map[string]string{"status": "prewarming"})
}

// Claim leases the warm instance to the caller.
func (h *PoolHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxMinutes int `json:"max_minutes"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	inst, err := h.pool.Claim(r.Context(), req.MaxMinutes)
	if err != nil {
		if errors.Is(err, models.ErrNoInstance) {
			writeErrorResponse(w, http.StatusConflict, "No usable instance in the pool", err)
			return
		}
		h.logger.Error("Claim failed", zap.Error(err))
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to claim instance", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, inst)
}

// Terminate destroys the tracked instance.
func (h *PoolHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Terminate(r.Context(), "api request"); err != nil {
		h.logger.Error("Terminate failed", zap.Error(err))
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to terminate instance", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// SetSize sets the pool target size (0 or 1).
func (h *PoolHandler) SetSize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size int `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.pool.SetDesiredSize(r.Context(), req.Size); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Failed to set pool size", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"size": req.Size})
}

// SetSafeMode toggles the rental kill-switch.
func (h *PoolHandler) SetSafeMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.pool.SetSafeMode(r.Context(), req.Enabled); err != nil {
		h.logger.Error("Safe mode change failed", zap.Error(err))
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to change safe mode", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"safe_mode": req.Enabled})
}
