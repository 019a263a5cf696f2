package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/datecs-gw/fiscalgw/internal/logger"
	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
	"github.com/datecs-gw/fiscalgw/pkg/fiscal"
)

// JobHandler serves the queue REST surface. Execution stays with the
// dispatcher; these endpoints only move records between states.
type JobHandler struct {
	store *store.GORMStore
}

func NewJobHandler(s *store.GORMStore) *JobHandler {
	return &JobHandler{store: s}
}

type createJobRequest struct {
	PrinterID   string          `json:"printer_id"`
	PayloadType string          `json:"payload_type"`
	Payload     json.RawMessage `json:"payload"`
}

func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PrinterID) == "" {
		writeError(w, &fiscal.ValidationError{Detail: "printer_id is required"})
		return
	}
	if strings.TrimSpace(req.PayloadType) == "" {
		writeError(w, &fiscal.ValidationError{Detail: "payload_type is required"})
		return
	}

	job, err := h.store.CreateJob(r.Context(), req.PrinterID, req.PayloadType, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("job enqueued",
		"job_id", job.ID,
		"printer_id", job.PrinterID,
		"payload_type", job.PayloadType,
	)
	writeJSON(w, http.StatusCreated, job)
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		PrinterID: r.URL.Query().Get("printer_id"),
		Status:    r.URL.Query().Get("status"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, &fiscal.ValidationError{Detail: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Retry puts a failed job back in the queue without advancing its retry
// counter; the dispatcher picks it up on the next poll.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RetryJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("job retried", "job_id", id)
	writeJSON(w, http.StatusOK, job)
}

// Cancel fails a still-queued job. A job already printing keeps running.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.CancelJob(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Info("job cancelled", "job_id", id)
	writeJSON(w, http.StatusOK, job)
}
