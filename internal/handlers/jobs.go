package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/museforge/muse-backend/internal/generation"
	"github.com/museforge/muse-backend/internal/models"
	"go.uber.org/zap"
)

// JobHandler serves generation job submission and status.
type JobHandler struct {
	pipeline *generation.Pipeline
	logger   *zap.Logger
}

// NewJobHandler creates the job handler.
func NewJobHandler(pipeline *generation.Pipeline, logger *zap.Logger) *JobHandler {
	return &JobHandler{pipeline: pipeline, logger: logger}
}

// Routes assembles the job sub-router.
func (h *JobHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{jobID}", h.Get)
	return r
}

// Create accepts a generation request and returns the pending job.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req generation.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	job, err := h.pipeline.CreateJob(r.Context(), req)
	if err != nil {
		h.logger.Error("Failed to create job", zap.Error(err))
		writeErrorResponse(w, http.StatusBadRequest, "Failed to create job", err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, job)
}

// Get reports a job's status, including the coarse progress value.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.pipeline.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "Job not found", err)
			return
		}
		h.logger.Error("Failed to fetch job", zap.String("job_id", jobID), zap.Error(err))
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to fetch job", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"job":      job,
		"progress": job.Progress(),
	})
}
