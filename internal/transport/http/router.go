package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"confconnect/internal/platform/middleware"
	"confconnect/pkg/platform/httputil"
)

// RouteRegistrar mounts a bounded context's routes.
type RouteRegistrar interface {
	Register(r chi.Router)
}

// NewRouter wires the shared middleware chain, liveness, Prometheus exposition
// and every registrar's routes.
func NewRouter(logger *slog.Logger, gatherer prometheus.Gatherer, registrars ...RouteRegistrar) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	for _, reg := range registrars {
		reg.Register(r)
	}
	return r
}
