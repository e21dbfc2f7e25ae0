// Package api assembles the HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiranshivaraju/strokelab/internal/api/handler"
	mw "github.com/kiranshivaraju/strokelab/internal/api/middleware"
	"github.com/kiranshivaraju/strokelab/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Jobs      *handler.Jobs
	Health    http.HandlerFunc
	RateLimit *mw.RateLimit // nil disables rate limiting
	// Metrics serves /metrics; nil uses the default Prometheus registry.
	Metrics http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/api/v1/health", orNotImplemented(deps.Health))

	r.Route("/api/v1/jobs", func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}
		if deps.Jobs == nil {
			r.HandleFunc("/*", orNotImplemented(nil))
			return
		}
		j := deps.Jobs
		r.Post("/", j.Submit)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", j.Get)
			r.Get("/chunks", j.ListChunks)
			r.Get("/progress", j.Progress)
			r.Get("/report", j.Report)
			r.Post("/cancel", j.Cancel)
			r.Post("/chunks/{chunkID}/retry", j.RetryChunk)
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
