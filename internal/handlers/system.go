package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/museforge/muse-backend/internal/audit"
	"github.com/museforge/muse-backend/internal/tokens"
	"github.com/museforge/muse-backend/internal/watchdog"
	"go.uber.org/zap"
)

// SystemHandler serves credential status, process supervision, and the
// audit trail.
type SystemHandler struct {
	tokens   *tokens.Validator
	watchdog *watchdog.Watchdog
	audit    *audit.Logger
	logger   *zap.Logger
}

// NewSystemHandler creates the system handler. audit may be nil.
func NewSystemHandler(v *tokens.Validator, wd *watchdog.Watchdog, auditLog *audit.Logger, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{tokens: v, watchdog: wd, audit: auditLog, logger: logger}
}

// Routes assembles the system sub-router.
func (h *SystemHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/tokens", h.TokenStatus)
	r.Post("/tokens/validate", h.ValidateTokens)
	r.Get("/watchdog", h.WatchdogStatus)
	r.Post("/watchdog/{name}/start", h.StartProcess)
	r.Post("/watchdog/{name}/stop", h.StopProcess)
	r.Get("/audit", h.AuditTrail)
	return r
}

// TokenStatus reports cached credential validity.
func (h *SystemHandler) TokenStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.tokens.ValidateAll(r.Context(), true))
}

// ValidateTokens forces fresh validation of every credential.
func (h *SystemHandler) ValidateTokens(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.tokens.ValidateAll(r.Context(), false))
}

// WatchdogStatus reports every supervised process.
func (h *SystemHandler) WatchdogStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.watchdog.StatusAll())
}

// StartProcess starts a registered process.
func (h *SystemHandler) StartProcess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.watchdog.Start(name); err != nil {
		writeErrorResponse(w, http.StatusNotFound, "Unknown process", err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, map[string]string{"status": "starting", "name": name})
}

// StopProcess stops a supervised process.
func (h *SystemHandler) StopProcess(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.watchdog.Stop(name); err != nil {
		writeErrorResponse(w, http.StatusNotFound, "Unknown process", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "stopped", "name": name})
}

// AuditTrail returns recent audit entries, newest first.
func (h *SystemHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeErrorResponse(w, http.StatusNotFound, "Audit log not configured", nil)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read audit log", zap.Error(err))
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to read audit log", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, entries)
}
