package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the dialer's small ops-only HTTP surface: /healthz and
// /metrics. It is the system's one inbound HTTP listener.
type Server struct {
	router *chi.Mux
}

// NewServer builds the ops mux with collector registered against its own
// registry (never the global default, so tests can build multiple
// instances safely).
func NewServer(collector *Collector) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{router: r}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
