// Package health provides liveness and readiness probes for the pipeline
// runner.
package health

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// ReadinessChecker reports whether a dependency can accept work.
// Implemented by the build executor and the run store.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker runs named readiness checks. Required checks make the service
// unhealthy when they fail; optional ones only degrade it.
type Checker struct {
	required map[string]ReadinessChecker
	optional map[string]ReadinessChecker
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker over the required dependencies. A nil entry
// is reported as not configured.
func NewChecker(required map[string]ReadinessChecker) *Checker {
	return &Checker{
		required: maps.Clone(required),
		optional: make(map[string]ReadinessChecker),
		timeout:  5 * time.Second,
		cacheTTL: time.Second,
	}
}

// AddOptional registers a dependency whose failure degrades readiness
// without failing it, such as the notification webhook.
func (c *Checker) AddOptional(name string, check ReadinessChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optional[name] = check
	c.cachedReady = nil
}

// Liveness reports that the process is alive. It never touches
// dependencies.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness runs every check, caching the result briefly so probes do not
// hammer the Docker daemon or the database.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cachedReady != nil && time.Since(c.lastCheck) < c.cacheTTL {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	optional := maps.Clone(c.optional)
	c.mu.RUnlock()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult)}
	if len(c.required) == 0 {
		response.Status = StatusUnhealthy
		response.Checks["executor"] = CheckResult{Status: StatusUnhealthy, Message: "no dependencies configured"}
	}
	for _, name := range slices.Sorted(maps.Keys(c.required)) {
		result := c.check(ctx, c.required[name])
		response.Checks[name] = result
		if result.Status != StatusHealthy {
			response.Status = StatusUnhealthy
		}
	}
	for _, name := range slices.Sorted(maps.Keys(optional)) {
		result := c.check(ctx, optional[name])
		if result.Status != StatusHealthy {
			result.Status = StatusDegraded
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}
		response.Checks[name] = result
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

func (c *Checker) check(ctx context.Context, checker ReadinessChecker) CheckResult {
	if checker == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := checker.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown makes readiness fail immediately so load balancers stop
// sending traffic while runs drain.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
