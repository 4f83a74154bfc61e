package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New builds an HTTP server with sane defaults for this project.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StatusFunc reports service details for /healthz. A non-nil error marks the
// service unhealthy.
type StatusFunc func(ctx context.Context) (map[string]any, error)

// NewRouter serves Prometheus metrics from gatherer and a JSON health probe.
func NewRouter(gatherer prometheus.Gatherer, status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", healthHandler(status))
	return r
}

func healthHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		code := http.StatusOK
		if status != nil {
			details, err := status(r.Context())
			for k, v := range details {
				body[k] = v
			}
			if err != nil {
				body["status"] = "unhealthy"
				body["error"] = err.Error()
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
