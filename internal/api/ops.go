package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/kiln/internal/backend"
)

// Archive kinds used as metric labels.
const (
	archiveCode     = "code"
	archiveArtifact = "artifact"
	archiveModel    = "model"
)

const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	archiveBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_hub_archive_bytes_total",
			Help: "Bundle archive bytes moved through the hub.",
		},
		[]string{"direction", "kind"},
	)

	jobsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_hub_jobs_queued_total",
			Help: "Jobs recorded by the hub per provider group.",
		},
		[]string{"provider_group"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, archiveBytesTotal, jobsQueuedTotal)
}

// metricsMiddleware records count and duration per chi route pattern, so
// digests and IDs in paths do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// healthResponse reports which surfaces this process serves.
type healthResponse struct {
	Status     string `json:"status"`
	Hub        bool   `json:"hub"`
	Executions bool   `json:"executions"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Hub:        s.hub != nil,
		Executions: s.executions != nil,
	})
}

func (s *Server) handleMetrics() http.Handler {
	return promhttp.Handler()
}

type listBackendsResponse struct {
	Backends []backend.Capabilities `json:"backends"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, listBackendsResponse{Backends: s.backends.List()})
}

// statsResponse summarizes the local execution history.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByProcedure   map[string]int `json:"by_procedure"`
	ByBackend     map[string]int `json:"by_backend"`
	FailureKinds  map[string]int `json:"failure_kinds"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.executions.GetExecutionStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "stats")
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByProcedure:   stats.CountByProcedure,
		ByBackend:     stats.CountByBackend,
		FailureKinds:  stats.FailuresByKind,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
