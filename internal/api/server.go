// Package api serves the kiln HTTP surfaces: the reference platform hub
// (code versions, experiments, artifacts, models and jobs) and the read-only
// status API of a process that executes functions.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/platform"
	"github.com/seantiz/kiln/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Options selects what a Server exposes. Hub enables the platform routes;
// Executions enables the execution status routes. Both may be set.
type Options struct {
	Hub        store.HubStore
	Executions store.ExecutionStore
	// Broker streams live log lines; without it the log stream only
	// reports completion.
	Broker   *engine.LogBroker
	Backends *backend.Registry

	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// MaxUploadBytes limits archive uploads. Zero means no limit.
	MaxUploadBytes int64
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router         *chi.Mux
	hub            store.HubStore
	executions     store.ExecutionStore
	broker         *engine.LogBroker
	backends       *backend.Registry
	apiKey         string
	maxUploadBytes int64
	logger         *slog.Logger
	addr           string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, opts Options, logger *slog.Logger) *Server {
	if opts.Backends == nil {
		opts.Backends = backend.DefaultRegistry()
	}
	srv := &Server{
		router:         chi.NewRouter(),
		hub:            opts.Hub,
		executions:     opts.Executions,
		broker:         opts.Broker,
		backends:       opts.Backends,
		apiKey:         opts.APIKey,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         logger,
		addr:           addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id", platform.HeaderAPIKey, platform.HeaderFunctions, platform.HeaderManifest, platform.HeaderDescription},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", s.handleMetrics())

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/backends", s.handleListBackends)

		if s.executions != nil {
			r.Get("/stats", s.handleGetStats)
			r.Route("/executions", func(r chi.Router) {
				r.Get("/", s.handleListExecutions)
				r.Get("/{id}", s.handleGetExecution)
				r.Get("/{id}/logs", s.handleStreamLogs)
				r.Get("/{id}/logs/history", s.handleGetLogHistory)
			})
		}

		if s.hub != nil {
			r.Route("/projects/{owner}/{project}", func(r chi.Router) {
				r.Route("/code/{digest}", func(r chi.Router) {
					r.Head("/", s.handleHeadCode)
					r.Get("/", s.handleGetCode)
					r.Put("/", s.handlePutCode)
					r.Get("/bundle", s.handleDownloadCode)
					r.Get("/functions", s.handleListFunctions)
				})

				r.Post("/jobs", s.handleSubmitJob)
				r.Get("/jobs/{id}", s.handleGetJob)

				r.Post("/experiments", s.handleCreateExperiment)
				r.Route("/experiments/{num}", func(r chi.Router) {
					r.Delete("/", s.handleDeleteExperiment)
					r.Get("/artifacts", s.handleListArtifacts)
					r.Put("/artifacts/{name}", s.handlePutArtifact)
					r.Get("/artifacts/{name}", s.handleGetArtifact)
					r.Get("/artifacts/{name}/bundle", s.handleDownloadArtifact)
				})

				r.Route("/models/{model}", func(r chi.Router) {
					r.Get("/", s.handleGetModel)
					r.Post("/versions", s.handlePublishModelVersion)
					r.Get("/versions/{version}", s.handleGetModelVersion)
					r.Get("/versions/{version}/bundle", s.handleDownloadModelVersion)
				})
			})
		}
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err())
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware echoes the request ID and logs each request.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		w.Header().Set(middleware.RequestIDHeader, reqID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
		)
	})
}

// authMiddleware rejects requests without the configured API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get(platform.HeaderAPIKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				s.writeError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
