// Package health periodically probes the database through the service
// facade and tracks consecutive-failure state for /healthz.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pingsrv/pingsrv/internal/dbservice"
	"github.com/pingsrv/pingsrv/internal/metrics"
)

// Status is the health status of the probed database.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// State is the current, observable health of the probed database.
type State struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker runs "SELECT 1" against the service facade on a fixed interval
// and tracks consecutive failures, marking the target Unhealthy once they
// reach failureThreshold.
type Checker struct {
	svc     *dbservice.Service
	metrics *metrics.Collector

	interval         time.Duration
	failureThreshold int

	mu    sync.RWMutex
	state State

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a Checker. failureThreshold <= 0 defaults to 3.
func NewChecker(svc *dbservice.Service, m *metrics.Collector, interval time.Duration, failureThreshold int) *Checker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &Checker{
		svc:              svc,
		metrics:          m,
		interval:         interval,
		failureThreshold: failureThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic probing in a background goroutine.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "component", "health", "interval", c.interval)
}

// Stop stops the checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped", "component", "health")
}

func (c *Checker) run() {
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.check()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) check() {
	if c.metrics != nil {
		st := c.svc.Stats()
		c.metrics.UpdatePoolStats(st.Idle, st.Busy, st.Starting, st.Waiting)
	}

	result, err := c.svc.Query("SELECT 1")
	healthy := err == nil && !result.HasError

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.LastCheck = time.Now()
	if healthy {
		c.state.ConsecutiveFailures = 0
		c.state.Status = StatusHealthy
		c.state.LastError = ""
		return
	}

	c.state.ConsecutiveFailures++
	if err != nil {
		c.state.LastError = err.Error()
	} else {
		c.state.LastError = result.ErrorMessage
	}
	if c.state.ConsecutiveFailures >= c.failureThreshold {
		c.state.Status = StatusUnhealthy
	}
	slog.Warn("health probe failed", "component", "health",
		"consecutive_failures", c.state.ConsecutiveFailures, "error", c.state.LastError)
}

// State returns a copy of the current health state.
func (c *Checker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
