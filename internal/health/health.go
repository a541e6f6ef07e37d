package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/internal/supervisor"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker manages health checks for the pipeline components
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	lastStatus map[string]ComponentHealth
	timeout    time.Duration
	metrics    *metrics.Collector
}

// NewChecker creates a new health checker. collector may be nil.
func NewChecker(timeout time.Duration, collector *metrics.Collector) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		lastStatus: make(map[string]ComponentHealth),
		timeout:    timeout,
		metrics:    collector,
	}
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Unregister removes a health check
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.lastStatus, name)
}

// Check runs all health checks in parallel
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(components))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk HealthCheck) {
			defer wg.Done()
			result := c.run(ctx, n, chk)

			resultsMu.Lock()
			results[n] = result
			resultsMu.Unlock()
		}(name, check)
	}

	wg.Wait()
	return results
}

// CheckComponent runs a single component's health check
func (c *Checker) CheckComponent(ctx context.Context, name string) (ComponentHealth, bool) {
	c.mu.RLock()
	check, exists := c.components[name]
	c.mu.RUnlock()

	if !exists {
		return ComponentHealth{}, false
	}
	return c.run(ctx, name, check), true
}

func (c *Checker) run(ctx context.Context, name string, check HealthCheck) ComponentHealth {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := check(checkCtx)
	result.LastChecked = time.Now()

	c.mu.Lock()
	c.lastStatus[name] = result
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.HealthStatus.WithLabelValues(name).Set(statusValue(result.Status))
	}
	return result
}

// GetLastStatus returns the last known status of all components
func (c *Checker) GetLastStatus() map[string]ComponentHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]ComponentHealth, len(c.lastStatus))
	for k, v := range c.lastStatus {
		status[k] = v
	}
	return status
}

// OverallStatus runs all checks and returns the overall status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return Overall(c.Check(ctx))
}

// Overall folds component results: any unhealthy wins, then any degraded
func Overall(results map[string]ComponentHealth) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func statusValue(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HTTPHandler returns an HTTP handler reporting every component
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		overall := Overall(results)

		// Degraded still answers 200
		statusCode := http.StatusOK
		if overall == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, statusCode, HealthResponse{
			Status:     overall,
			Components: results,
			Timestamp:  time.Now(),
		})
	}
}

// LivenessHandler returns a simple liveness probe handler
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.OverallStatus(r.Context())

		statusCode := http.StatusOK
		if status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		writeJSON(w, statusCode, map[string]interface{}{
			"status":    status,
			"timestamp": time.Now(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// SupervisorCheck reports a supervised stream: streaming is healthy, waiting
// for the file to come back is degraded.
func SupervisorCheck(s *supervisor.Supervisor) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		state := s.State()
		status := StatusHealthy
		if state != supervisor.StateStreaming {
			status = StatusDegraded
		}
		return ComponentHealth{
			Status:  status,
			Message: s.Name() + " is " + state.String(),
			Metadata: map[string]interface{}{
				"state": state.String(),
			},
		}
	}
}

// CheckFunc creates a health check from a simple boolean function. A false
// result is reported as degraded since nothing in the pipeline is fatal.
func CheckFunc(check func() (bool, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		healthy, message := check()
		status := StatusHealthy
		if !healthy {
			status = StatusDegraded
		}
		return ComponentHealth{
			Status:  status,
			Message: message,
		}
	}
}
