package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/api/middleware"
	"github.com/drfirst/go-careplan/internal/engine"
	"github.com/drfirst/go-careplan/internal/observability/metrics"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
)

// RouterOptions configures the HTTP surface
type RouterOptions struct {
	Service string
	Version string

	// Metrics and Gatherer enable request metrics and the /metrics endpoint.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// NewRouter builds the full HTTP router: probes, metrics and the /api/v1 tree
func NewRouter(eng *engine.Engine, opts RouterOptions, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Service == "" {
		opts.Service = "careplan-api"
	}

	var observer ErrorObserver
	if opts.Metrics != nil {
		observer = opts.Metrics
	}
	h := NewCarePlanHandler(eng, observer, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Actor)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(opts.Service))
	if opts.Metrics != nil {
		r.Use(middleware.Metrics(opts.Metrics))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": opts.Service,
			"version": opts.Version,
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ready, status := readiness(eng)
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(opts.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireActor)
		r.Mount("/", h.Routes())
	})
	return r
}

// ReadyStatus is the body of /ready
type ReadyStatus struct {
	Ready      bool                    `json:"ready"`
	QueueDepth int64                   `json:"queue_depth"`
	Failed     int64                   `json:"jobs_failed"`
	Breakers   []circuitbreaker.Health `json:"breakers"`
}

// readiness fails while the worker queue is saturated or any breaker is open
func readiness(eng *engine.Engine) (bool, ReadyStatus) {
	stats := eng.Stats()
	st := ReadyStatus{
		Ready:      eng.Ready(),
		QueueDepth: stats.QueueDepth,
		Failed:     stats.Failed,
		Breakers:   eng.Breakers.Health(),
	}
	for _, b := range st.Breakers {
		if b.State == circuitbreaker.StateOpen {
			st.Ready = false
		}
	}
	return st.Ready, st
}
