package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler builds the HTTP surface. ws, when set, serves GET /ws/{network}.
func (r *Router) Handler(ws http.Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(r.accessLogMiddleware)
	mux.Use(middleware.Recoverer)

	mux.Get(r.cfg.HealthCheckPath, r.handleHealth)
	if r.cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if ws != nil {
		mux.Method(http.MethodGet, "/ws/{network}", ws)
	}

	rpc := http.Handler(http.HandlerFunc(r.ServeRPC))
	if r.cfg.LogErrors && r.cfg.ErrorsLogPath != "" {
		rpc = r.errorLogMiddleware(rpc)
	}
	mux.Method(http.MethodPost, "/{network}", rpc)

	mux.NotFound(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})
	return mux
}
