package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

type submitJobRequest struct {
	JobType domain.JobType  `json:"job_type"`
	Payload json.RawMessage `json:"payload"`
}

func (api *API) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var request submitJobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !request.JobType.Valid() {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_type must be document-validation or estimate-generation")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" {
		entry, owned, err := api.idempotency.Reserve(r.Context(), idempotencyKey, hashPayload(request))
		switch {
		case errors.Is(err, errIdempotencyConflict):
			writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
			return
		case err != nil:
			writeError(w, r, http.StatusServiceUnavailable, "request_cancelled", "request ended before the submission with this Idempotency-Key finished")
			return
		case !owned:
			api.writeAccepted(w, r, entry.JobID, entry.CreatedAt)
			return
		}
	}

	actor := strings.TrimSpace(r.Header.Get("X-Actor"))
	jobID, err := api.jobs.Submit(r.Context(), request.JobType, request.Payload, actor)
	if err != nil {
		if idempotencyKey != "" {
			api.idempotency.Release(idempotencyKey)
		}
		api.writeServiceError(w, r, err, "failed to submit job")
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Complete(idempotencyKey, jobID)
	}
	api.writeAccepted(w, r, jobID, time.Now().UTC())
}

func (api *API) writeAccepted(w http.ResponseWriter, r *http.Request, jobID string, acceptedAt time.Time) {
	response := map[string]any{
		"job_id":      jobID,
		"status_url":  "/v1/jobs/" + jobID,
		"accepted_at": acceptedAt.Format(time.RFC3339Nano),
	}
	// inline dispatch may already have finished the job
	if status, err := api.jobs.GetStatus(r.Context(), jobID); err == nil {
		response["status"] = status.Status
	}
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, response)
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}

	status, err := api.jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, status)
}
