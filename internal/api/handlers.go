package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/avatarcast/internal/models"
	"github.com/bobarin/avatarcast/internal/worker"
)

type Handler struct {
	worker *worker.Worker
	log    zerolog.Logger
}

func NewHandler(w *worker.Worker, log zerolog.Logger) *Handler {
	return &Handler{worker: w, log: log.With().Str("component", "api").Logger()}
}

// QuotaResponse is the body of GET /v1/quota.
type QuotaResponse struct {
	models.Usage
	Remaining int `json:"remaining"` // -1 when unlimited
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.worker.Create(r.Context(), OwnerFrom(r.Context()), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	resp, err := h.worker.List(r.Context(), OwnerFrom(r.Context()), limit, offset)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := h.worker.Job(r.Context(), OwnerFrom(r.Context()), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// GetJobStatus handles GET /v1/jobs/{id}/status
func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	view, err := h.worker.Status(r.Context(), OwnerFrom(r.Context()), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, view)
}

// DuplicateJob handles POST /v1/jobs/{id}/duplicate
func (h *Handler) DuplicateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	resp, err := h.worker.Duplicate(r.Context(), OwnerFrom(r.Context()), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// EditJob handles POST /v1/jobs/{id}/edit
func (h *Handler) EditJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	var req models.EditJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.worker.Edit(r.Context(), OwnerFrom(r.Context()), id, req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// ExportJob handles POST /v1/jobs/{id}/export
// An empty body exports in download mode.
func (h *Handler) ExportJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	var req models.ExportJobRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	resp, err := h.worker.Export(r.Context(), OwnerFrom(r.Context()), id, req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetQuota handles GET /v1/quota
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := h.worker.Quota(r.Context(), OwnerFrom(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, QuotaResponse{Usage: usage, Remaining: usage.Remaining()})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorBody{Error: message})
}

// respondErr maps orchestrator errors to HTTP responses. Anything unmapped is
// logged and reported as a 500 without its text.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *models.ValidationError
		qe *models.QuotaExceededError
	)
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusBadRequest, errorBody{
			Error:   ve.Error(),
			Code:    "validation_error",
			Details: map[string]any{"fields": ve.Fields},
		})
	case errors.Is(err, models.ErrIncompleteSnapshot):
		respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "incomplete_snapshot"})
	case errors.As(err, &qe):
		respondJSON(w, http.StatusPaymentRequired, errorBody{
			Error: qe.Error(),
			Code:  "quota_exceeded",
			Details: map[string]any{
				"limit": qe.Limit,
				"used":  qe.Used,
				"plan":  qe.Plan,
			},
		})
	case errors.Is(err, models.ErrEditLimitReached):
		respondJSON(w, http.StatusForbidden, errorBody{Error: err.Error(), Code: "edit_limit_reached"})
	case errors.Is(err, models.ErrExportNotAllowed):
		respondJSON(w, http.StatusForbidden, errorBody{Error: err.Error(), Code: "export_not_allowed"})
	case errors.Is(err, models.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorBody{Error: "Job not found", Code: "not_found"})
	case errors.Is(err, models.ErrJobBusy):
		respondJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "job_busy"})
	case errors.Is(err, models.ErrJobNotFinished):
		respondJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "job_not_finished"})
	default:
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error", Code: "internal_error"})
	}
}
