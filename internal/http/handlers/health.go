package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if api.ready != nil {
		if err := api.ready(r); err != nil {
			api.logger.WithField("error", err.Error()).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
