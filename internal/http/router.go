package httpserver

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/http/handlers"
	"github.com/gbassaragh/APEX-sub002/internal/http/middleware"
	"github.com/gbassaragh/APEX-sub002/internal/metrics"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         logrus.FieldLogger
	AuthToken      string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter wires routes and middleware. ctx bounds background work started
// by the middleware.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /v1/jobs", deps.API.SubmitJob)
	mux.HandleFunc("GET /v1/jobs/{id}", deps.API.JobStatus)
	mux.HandleFunc("GET /v1/estimates/{id}", deps.API.Estimate)
	mux.HandleFunc("GET /v1/ops/jobs/stale", deps.API.StaleJobs)
	mux.HandleFunc("POST /v1/ops/jobs/reconcile", deps.API.ReconcileStaleJobs)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
