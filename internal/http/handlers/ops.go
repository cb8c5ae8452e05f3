package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gbassaragh/APEX-sub002/internal/service"
)

const defaultStaleLimit = 100

type reconcileRequest struct {
	Threshold string `json:"threshold"`
}

type staleJobView struct {
	JobID       string    `json:"job_id"`
	JobType     string    `json:"job_type"`
	Progress    int       `json:"progress_percent"`
	CurrentStep string    `json:"current_step,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StaleJobs lists running jobs with no write for longer than the threshold.
func (api *API) StaleJobs(w http.ResponseWriter, r *http.Request) {
	threshold, ok := api.threshold(w, r, r.URL.Query().Get("threshold"))
	if !ok {
		return
	}
	limit := defaultStaleLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := api.manager.ListStale(r.Context(), threshold, limit)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to list stale jobs")
		return
	}
	views := make([]staleJobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, staleJobView{
			JobID:       job.ID,
			JobType:     string(job.Type),
			Progress:    job.ProgressPercent,
			CurrentStep: job.CurrentStep,
			UpdatedAt:   job.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold": threshold.String(),
		"jobs":      views,
	})
}

// ReconcileStaleJobs fails every stale running job.
func (api *API) ReconcileStaleJobs(w http.ResponseWriter, r *http.Request) {
	var request reconcileRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &request); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}
	threshold, ok := api.threshold(w, r, request.Threshold)
	if !ok {
		return
	}

	actor := strings.TrimSpace(r.Header.Get("X-Actor"))
	if actor == "" {
		actor = "operator"
	}
	jobs, err := api.manager.ReconcileStale(r.Context(), threshold, actor)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to reconcile stale jobs")
		return
	}
	views := make([]*service.StatusView, 0, len(jobs))
	for _, job := range jobs {
		view, err := service.NewStatusView(job)
		if err != nil {
			api.writeServiceError(w, r, err, "failed to render reconciled job")
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threshold":  threshold.String(),
		"reconciled": views,
	})
}

// threshold prefers an explicit value and falls back to the configured one.
// With neither there is nothing to compare against, so the request is rejected.
func (api *API) threshold(w http.ResponseWriter, r *http.Request, raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if api.staleThreshold <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "threshold is required")
			return 0, false
		}
		return api.staleThreshold, true
	}
	threshold, err := time.ParseDuration(raw)
	if err != nil || threshold <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "threshold must be a positive duration such as 30m")
		return 0, false
	}
	return threshold, true
}
