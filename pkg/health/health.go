// Package health runs liveness and readiness checks for the pipeline
// process: the source registry, the most recent run and the sinks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/exploopio/intelpipe/pkg/pipeline"
)

// =============================================================================
// Health Check Interface
// =============================================================================

// Checker is the interface for health checks.
type Checker interface {
	// Name returns the check name.
	Name() string

	// Check performs the health check.
	Check(ctx context.Context) CheckResult
}

// CheckFunc is a function type that implements Checker.
type CheckFunc func(ctx context.Context) CheckResult

func (f CheckFunc) Name() string                          { return "" }
func (f CheckFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// =============================================================================
// Health Status Types
// =============================================================================

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is the full health check response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime_seconds,omitempty"`
}

// =============================================================================
// Health Handler
// =============================================================================

// Handler manages health checks and provides HTTP endpoints.
type Handler struct {
	mu sync.RWMutex

	checks map[string]Checker

	version   string
	startTime time.Time
	timeout   time.Duration

	hideVersion bool
	hideDetails bool

	ready bool
}

// HandlerOption configures the health handler.
type HandlerOption func(*Handler)

// WithVersion sets the application version.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) {
		h.version = version
	}
}

// WithTimeout sets the check timeout.
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.timeout = timeout
	}
}

// WithHideVersion hides the version from health responses.
func WithHideVersion() HandlerOption {
	return func(h *Handler) {
		h.hideVersion = true
	}
}

// WithHideDetails reports only the overall status.
func WithHideDetails() HandlerOption {
	return func(h *Handler) {
		h.hideDetails = true
	}
}

// NewHandler creates a health handler. It starts not ready; call SetReady
// once the pipeline is wired.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		checks:    make(map[string]Checker),
		startTime: time.Now(),
		timeout:   5 * time.Second,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Register adds a health check.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// RegisterFunc adds a health check function.
func (h *Handler) RegisterFunc(name string, fn func(ctx context.Context) CheckResult) {
	h.Register(name, CheckFunc(fn))
}

// Unregister removes a health check.
func (h *Handler) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// SetReady sets the readiness state.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// =============================================================================
// Check Execution
// =============================================================================

// Check runs all registered health checks concurrently.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Duration = time.Since(start)
			result.Timestamp = time.Now()

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}

	wg.Wait()

	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	response := Response{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.startTime),
	}
	if !h.hideDetails {
		response.Checks = results
	}
	if !h.hideVersion && h.version != "" {
		response.Version = h.version
	}

	return response
}

// =============================================================================
// HTTP Handlers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// LivenessHandler always reports healthy while the process can serve.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    StatusHealthy,
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler reports 503 until SetReady(true) and while any check is
// unhealthy.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    StatusUnhealthy,
				"message":   "service not ready",
				"timestamp": time.Now(),
			})
			return
		}

		response := h.Check(r.Context())
		status := http.StatusOK
		if response.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	})
}

// HealthHandler returns every check result. Degraded still answers 200.
func (h *Handler) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := h.Check(r.Context())

		status := http.StatusOK
		switch response.Status {
		case StatusHealthy, StatusDegraded:
		case StatusUnhealthy:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, response)
	})
}

// RegisterRoutes mounts /healthz, /readyz and /health on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/healthz", h.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	r.Handle("/health", h.HealthHandler()).Methods(http.MethodGet)
}

// =============================================================================
// Built-in Health Checks
// =============================================================================

// RegistryCheck pings the source registry.
type RegistryCheck struct {
	Pinger interface {
		Ping(ctx context.Context) error
	}
}

func (c *RegistryCheck) Name() string { return "registry" }
func (c *RegistryCheck) Check(ctx context.Context) CheckResult {
	if c.Pinger == nil {
		return CheckResult{Status: StatusUnknown, Message: "no registry configured"}
	}
	if err := c.Pinger.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// LastRunCheck reports on the most recent pipeline run.
//
// No run yet is healthy. A failed run, or a last run older than MaxAge, is
// degraded: the process keeps serving and the next trigger retries.
type LastRunCheck struct {
	Runs interface {
		LastSummary() *pipeline.Summary
	}

	// MaxAge flags a stalled scheduler. 0 disables the staleness check.
	MaxAge time.Duration

	now func() time.Time
}

func (c *LastRunCheck) Name() string { return "last_run" }
func (c *LastRunCheck) Check(ctx context.Context) CheckResult {
	now := time.Now
	if c.now != nil {
		now = c.now
	}

	sum := c.Runs.LastSummary()
	if sum == nil {
		return CheckResult{Status: StatusHealthy, Message: "no run yet"}
	}

	result := CheckResult{
		Status: StatusHealthy,
		Metadata: map[string]any{
			"run_id":            sum.RunID,
			"status":            sum.Status,
			"finished_at":       sum.FinishedAt,
			"sources_failed":    sum.SourcesFailed,
			"indicators_failed": sum.IndicatorStats.Failed,
		},
	}
	switch {
	case sum.Status == pipeline.StatusFailed:
		result.Status = StatusDegraded
		result.Error = sum.Error
	case c.MaxAge > 0 && now().Sub(sum.FinishedAt) > c.MaxAge:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("last run finished %s ago", now().Sub(sum.FinishedAt).Round(time.Second))
	default:
		result.Message = fmt.Sprintf("%d sources, %d indicators", sum.SourcesAttempted, sum.Indicators)
	}
	return result
}

// SinksCheck reports which sinks are configured. Running with no sink is
// a valid deployment, reported as degraded.
type SinksCheck struct {
	Sinks []Sink
}

// Sink is the part of a publisher sink the check inspects.
type Sink interface {
	Name() string
	Configured() bool
}

func (c *SinksCheck) Name() string { return "sinks" }
func (c *SinksCheck) Check(ctx context.Context) CheckResult {
	configured := map[string]any{}
	ok := false
	for _, s := range c.Sinks {
		if s == nil {
			continue
		}
		configured[s.Name()] = s.Configured()
		ok = ok || s.Configured()
	}
	if !ok {
		return CheckResult{Status: StatusDegraded, Message: "no sink configured, runs publish nothing", Metadata: configured}
	}
	return CheckResult{Status: StatusHealthy, Metadata: configured}
}

// MemoryCheck checks Go runtime heap usage.
type MemoryCheck struct {
	// MaxHeapBytes degrades the check when exceeded. 0 disables it.
	MaxHeapBytes uint64
}

func (c *MemoryCheck) Name() string { return "memory" }
func (c *MemoryCheck) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	result := CheckResult{
		Status: StatusHealthy,
		Metadata: map[string]any{
			"heap_alloc_bytes": m.HeapAlloc,
			"heap_sys_bytes":   m.HeapSys,
			"num_gc":           m.NumGC,
			"goroutines":       runtime.NumGoroutine(),
		},
		Message: fmt.Sprintf("heap: %d MB, goroutines: %d", m.HeapAlloc/1024/1024, runtime.NumGoroutine()),
	}
	if c.MaxHeapBytes > 0 && m.HeapAlloc > c.MaxHeapBytes {
		result.Status = StatusDegraded
		result.Error = fmt.Sprintf("heap usage %d bytes exceeds threshold %d bytes", m.HeapAlloc, c.MaxHeapBytes)
	}
	return result
}

var (
	_ Checker = (*RegistryCheck)(nil)
	_ Checker = (*LastRunCheck)(nil)
	_ Checker = (*SinksCheck)(nil)
	_ Checker = (*MemoryCheck)(nil)
	_ Checker = CheckFunc(nil)
)
