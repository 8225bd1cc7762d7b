package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// CheckFunc reports a component's problem, or nil when it is usable.
type CheckFunc func(ctx context.Context) error

// Checker performs health checks on various components
type Checker struct {
	required     map[string]CheckFunc
	optional     map[string]CheckFunc
	degrading    map[string]CheckFunc
	version      string
	checkTimeout time.Duration
}

// CheckerConfig holds configuration for the health checker. Library and
// Transcoder are required for the worker to do anything; Redis and Storage
// are skipped when nil. A failing Credentials check degrades the service
// instead of marking it down: the API still answers, jobs will fail.
type CheckerConfig struct {
	Library     CheckFunc
	Transcoder  CheckFunc
	Redis       CheckFunc
	Storage     CheckFunc
	Credentials CheckFunc
	Version     string
	Timeout     time.Duration
}

// NewChecker creates a new health checker
func NewChecker(cfg *CheckerConfig) *Checker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	c := &Checker{
		required:     map[string]CheckFunc{"library": cfg.Library, "ffmpeg": cfg.Transcoder},
		optional:     map[string]CheckFunc{},
		degrading:    map[string]CheckFunc{},
		version:      cfg.Version,
		checkTimeout: timeout,
	}
	if cfg.Redis != nil {
		c.optional["redis"] = cfg.Redis
	}
	if cfg.Storage != nil {
		c.optional["storage"] = cfg.Storage
	}
	if cfg.Credentials != nil {
		c.degrading["credentials"] = cfg.Credentials
	}
	return c
}

// run executes one check under the checker timeout. failed is the status
// reported when the check returns an error.
func (c *Checker) run(ctx context.Context, check CheckFunc, failed Status) ComponentHealth {
	start := time.Now()

	if check == nil {
		return ComponentHealth{
			Status:  StatusUnhealthy,
			Message: "not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	if err := check(ctx); err != nil {
		return ComponentHealth{
			Status:   failed,
			Message:  err.Error(),
			Duration: time.Since(start).String(),
		}
	}

	return ComponentHealth{
		Status:   StatusHealthy,
		Duration: time.Since(start).String(),
	}
}

// Check performs a basic health check (liveness)
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck performs a comprehensive health check (readiness)
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	response := &HealthResponse{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    c.version,
		Components: make(map[string]ComponentHealth),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	launch := func(checks map[string]CheckFunc, failed Status) {
		for name, check := range checks {
			wg.Add(1)
			go func(n string, ch CheckFunc) {
				defer wg.Done()
				result := c.run(ctx, ch, failed)
				mu.Lock()
				response.Components[n] = result
				mu.Unlock()
			}(name, check)
		}
	}
	launch(c.required, StatusUnhealthy)
	launch(c.optional, StatusUnhealthy)
	launch(c.degrading, StatusDegraded)

	wg.Wait()

	for _, comp := range response.Components {
		if comp.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
			break
		} else if comp.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// Handler provides HTTP handlers for health endpoints
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

func writeHealth(w http.ResponseWriter, response *HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// LivenessHandler answers as long as the process serves HTTP.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, h.checker.Check(r.Context()))
}

// ReadinessHandler runs every component check. Degraded still answers 200.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, h.checker.DeepCheck(r.Context()))
}

// HealthHandler serves /health; ?deep=true runs the readiness checks.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deep") == "true" {
		h.ReadinessHandler(w, r)
		return
	}
	h.LivenessHandler(w, r)
}
