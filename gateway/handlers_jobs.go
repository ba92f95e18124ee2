package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/matyoung89/ComfyEndpoints/errors"
	"github.com/matyoung89/ComfyEndpoints/executor"
	"github.com/matyoung89/ComfyEndpoints/mapper"
)

// handleRun validates the payload against the contract, persists a queued
// job and schedules it. Validation failures are synchronous 400s; no job
// row is created for them.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "payload too large")
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "body must be a json object")
		return
	}

	if err := mapper.ValidatePayload(s.contract, payload); err != nil {
		var mapErr *mapper.MappingError
		detail := err.Error()
		if errors.As(err, &mapErr) {
			detail = mapErr.Code
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", detail)
		return
	}

	job := executor.NewJob(string(body))
	if err := s.jobs.CreateJob(job); err != nil {
		s.logger.Errorw("Job creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_ERROR", "job creation failed")
		return
	}
	s.pool.Enqueue(job.JobID)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"state":  executor.StateQueued,
	})
}

// handleJob serves GET /jobs/:id and POST /jobs/:id/cancel.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(rest, "/")
	jobID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleJobGet(w, jobID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.handleJobCancel(w, jobID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown path")
	}
}

func (s *Server) handleJobGet(w http.ResponseWriter, jobID string) {
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown job id")
			return
		}
		s.logger.Errorw("Job lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_ERROR", "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobCancel is idempotent: the first call on a non-terminal job sets
// the flag, later calls are 202 no-ops, and terminal jobs come back
// unchanged with cancel_requested=false.
func (s *Server) handleJobCancel(w http.ResponseWriter, jobID string) {
	job, err := s.jobs.RequestCancel(jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown job id")
			return
		}
		s.logger.Errorw("Cancel request failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "SYSTEM_ERROR", "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":           job.JobID,
		"state":            job.State,
		"cancel_requested": job.CancelRequested,
	})
}
