// Package health runs dependency probes for the ingestion and consumer
// processes and serves the results as liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// DefaultCheckTimeout bounds a single probe when the Checker has no Timeout.
const DefaultCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the outcome of one readiness pass. Status is the worst component
// status.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

type Checker struct {
	// Timeout bounds each probe individually.
	Timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
	logger *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		Timeout: DefaultCheckTimeout,
		checks:  make(map[string]Check),
		logger:  slog.Default().With("component", "health"),
	}
}

// Register adds check under name, replacing any check with the same name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// RegisterPing reports name down whenever ping fails.
func (c *Checker) RegisterPing(name string, ping func(ctx context.Context) error) {
	c.Register(name, func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	})
}

// RegisterFlag reports name down with downMessage while ready is false.
func (c *Checker) RegisterFlag(name string, ready func() bool, downMessage string) {
	c.Register(name, func(context.Context) ComponentHealth {
		if ready() {
			return ComponentHealth{Status: StatusUp}
		}
		return ComponentHealth{Status: StatusDown, Message: downMessage}
	})
}

// Run probes every registered dependency in parallel.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]ComponentHealth, len(checks))
	)
	for name, check := range checks {
		wg.Go(func() {
			result := c.probe(ctx, check)
			mu.Lock()
			results[name] = result
			mu.Unlock()
		})
	}
	wg.Wait()

	return Report{
		Status:     worst(results),
		Components: results,
		CheckedAt:  time.Now().UTC(),
	}
}

// probe runs one check under the per-check timeout. A panicking check is
// reported as down.
func (c *Checker) probe(ctx context.Context, check Check) (result ComponentHealth) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = ComponentHealth{Status: StatusDown, Message: fmt.Sprintf("check panicked: %v", r)}
		}
		result.Latency = time.Since(start).Round(time.Millisecond).String()
	}()
	return check(ctx)
}

func worst(results map[string]ComponentHealth) Status {
	status := StatusUp
	for _, r := range results {
		switch r.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// Mount registers GET /health/live and GET /health/ready on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", c.Live)
	mux.HandleFunc("GET /health/ready", c.Ready)
}

// Live answers 200 while the process is serving HTTP at all.
func (c *Checker) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready answers 200 only when every dependency is up, 503 otherwise.
func (c *Checker) Ready(w http.ResponseWriter, r *http.Request) {
	report := c.Run(r.Context())
	code := http.StatusOK
	if report.Status != StatusUp {
		code = http.StatusServiceUnavailable
		c.logger.Warn("not ready", "status", report.Status, "components", report.Components)
	}
	writeJSON(w, code, report)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
