// Package health exposes the control plane's own health: database
// reachability, state store reachability, and process-level resource checks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/tunnelmesh/fleet/internal/logger"
	"github.com/tunnelmesh/fleet/internal/statestore"
)

// Status is the overall or per-component health grade.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

// Component is the status of one dependency or resource.
type Component struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Response is the complete health check payload.
type Response struct {
	Status     Status                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*Component           `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// Pinger is the durable-store connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates component checks into one health response.
type Checker struct {
	db        Pinger
	store     statestore.StateStore
	namespace string
	log       *zap.Logger
	startTime time.Time
	version   string
}

func NewChecker(db Pinger, store statestore.StateStore, namespace, version string) *Checker {
	return &Checker{
		db:        db,
		store:     store,
		namespace: namespace,
		log:       logger.New("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// Check runs all component checks.
func (c *Checker) Check(ctx context.Context) *Response {
	started := time.Now()
	components := []*Component{
		c.checkDatabase(ctx),
		c.checkStateStore(ctx),
		c.checkSystem(),
	}

	overall := StatusHealthy
	healthy, degraded, unhealthy := 0, 0, 0
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			unhealthy++
			overall = StatusUnhealthy
		case StatusDegraded:
			degraded++
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		default:
			healthy++
		}
	}

	return &Response{
		Status:     overall,
		Timestamp:  time.Now(),
		Version:    c.version,
		Uptime:     formatUptime(time.Since(c.startTime)),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   healthy,
			"degraded_components":  degraded,
			"unhealthy_components": unhealthy,
			"check_duration_ms":    time.Since(started).Milliseconds(),
		},
	}
}

func (c *Checker) checkDatabase(ctx context.Context) *Component {
	comp := &Component{Name: "database", Details: make(map[string]interface{})}
	if c.db == nil {
		comp.Status = StatusDegraded
		comp.Message = "Database not configured"
		return comp
	}
	if err := c.db.Ping(ctx); err != nil {
		comp.Status = StatusUnhealthy
		comp.Message = "Database connection failed"
		comp.Details["error"] = err.Error()
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "Database is healthy"
	return comp
}

func (c *Checker) checkStateStore(ctx context.Context) *Component {
	comp := &Component{Name: "state_store", Details: make(map[string]interface{})}

	// A prefix listing exercises the full round trip without writing.
	entries, err := c.store.List(ctx, statestore.ServersPrefix(c.namespace))
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Message = "State store unreachable"
		comp.Details["error"] = err.Error()
		return comp
	}
	comp.Status = StatusHealthy
	comp.Message = "State store is healthy"
	comp.Details["live_server_records"] = len(entries)
	return comp
}

func (c *Checker) checkSystem() *Component {
	comp := &Component{Name: "system", Details: make(map[string]interface{})}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / 1024 / 1024
	goroutines := runtime.NumGoroutine()

	comp.Details["alloc_mb"] = allocMB
	comp.Details["goroutines"] = goroutines
	comp.Details["num_gc"] = m.NumGC

	const (
		memoryWarningMB   = 500
		memoryCriticalMB  = 1000
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	switch {
	case allocMB > memoryCriticalMB || goroutines > goroutineCritical:
		comp.Status = StatusUnhealthy
		comp.Message = fmt.Sprintf("Resource pressure: %.1f MB, %d goroutines", allocMB, goroutines)
	case allocMB > memoryWarningMB || goroutines > goroutineWarning:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("Elevated resource usage: %.1f MB, %d goroutines", allocMB, goroutines)
	default:
		comp.Status = StatusHealthy
		comp.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutines)
	}
	return comp
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// Handler serves the health check. `?ready=1` makes degraded acceptable for
// readiness while unhealthy still returns 503.
func (c *Checker) Handler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := c.Check(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.log.Error("Failed to encode health response", zap.Error(err))
	}
}
