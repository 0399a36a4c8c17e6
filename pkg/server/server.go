// Package server exposes the operations HTTP surface: health probes,
// Prometheus metrics, and manual run triggering.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/exploopio/intelpipe/pkg/errors"
	"github.com/exploopio/intelpipe/pkg/health"
	"github.com/exploopio/intelpipe/pkg/logger"
	"github.com/exploopio/intelpipe/pkg/metrics"
	"github.com/exploopio/intelpipe/pkg/pipeline"
)

// Runner triggers and reports pipeline runs.
type Runner interface {
	Execute(ctx context.Context) *pipeline.Summary
	LastSummary() *pipeline.Summary
	Running() bool
}

// Config configures the server.
type Config struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Server wraps the ops router.
type Server struct {
	cfg     Config
	runner  Runner
	health  *health.Handler
	metrics metrics.Collector
	log     logger.Logger
	router  *mux.Router

	// base outlives requests; asynchronous runs use it.
	base context.Context
}

// New builds the server and its routes.
func New(cfg Config, runner Runner, h *health.Handler, m metrics.Collector, log logger.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if h == nil {
		h = health.NewHandler()
	}
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		health:  h,
		metrics: metrics.OrNop(m),
		log:     logger.OrDefault(log).With(logger.Fields{"component": "server"}),
		router:  mux.NewRouter(),
		base:    context.Background(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.health.RegisterRoutes(s.router)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/runs", s.handleTriggerRun).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/runs/last", s.handleLastRun).Methods(http.MethodGet)
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Log(logger.LevelInfo, logger.Fields{"addr": s.cfg.Addr}, "ops server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.E(errors.KindNetwork, "server.Run", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleTriggerRun runs the pipeline. By default it waits for the run and
// returns its summary; ?async=true returns 202 immediately. A run already
// in progress answers 409.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.runner.Running() {
		writeJSON(w, http.StatusConflict, errorBody{Error: errors.ErrRunInProgress.Error()})
		return
	}

	if r.URL.Query().Get("async") == "true" {
		go s.runner.Execute(s.base)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	// A client disconnect must not cancel the run.
	sum := s.runner.Execute(context.WithoutCancel(r.Context()))
	if sum.Status == pipeline.StatusSkipped {
		writeJSON(w, http.StatusConflict, errorBody{Error: sum.Error})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	sum := s.runner.LastSummary()
	if sum == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no run yet"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Log(logger.LevelDebug, logger.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}, "request")
	})
}
