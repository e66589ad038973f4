// Package dbservice is the process-wide facade over a pgpool.Pool: the
// single synchronous Query(sql) -> QueryResult operation that every HTTP
// handler in this process shares.
package dbservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pingsrv/pingsrv/internal/metrics"
	"github.com/pingsrv/pingsrv/internal/pgpool"
	"github.com/pingsrv/pingsrv/internal/pgworker"
	"github.com/pingsrv/pingsrv/internal/wirepg"
)

// ErrNotStarted is returned by the package-level Query when no Service has
// been installed via SetDefault yet.
var ErrNotStarted = errors.New("dbservice: service not started")

// Service wraps a pool and exposes the single Query operation callers
// need; it owns acquiring a worker, routing a failed query to
// ReportDead, and releasing a healthy one back to the pool.
type Service struct {
	pool    *pgpool.Pool
	metrics *metrics.Collector
}

// Start builds a pool of size workers against cfg and blocks until the
// pool is ready or ctx is done.
func Start(ctx context.Context, size int, cfg pgworker.Config) (*Service, error) {
	pool, err := pgpool.New(ctx, size, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbservice: starting pool: %w", err)
	}
	return &Service{pool: pool}, nil
}

// SetMetrics installs the collector Query uses to time pool.Acquire calls.
// Safe to leave unset: a nil collector disables acquire-time recording.
func (s *Service) SetMetrics(m *metrics.Collector) {
	s.metrics = m
}

// Query acquires a worker, runs sql, and returns the worker to the pool
// (or reports it dead on a transport-level failure).
func (s *Service) Query(sql string) (wirepg.QueryResult, error) {
	acquireStart := time.Now()
	w, err := s.pool.Acquire()
	if s.metrics != nil {
		s.metrics.AcquireDuration(time.Since(acquireStart))
	}
	if err != nil {
		return wirepg.QueryResult{}, fmt.Errorf("dbservice: acquiring worker: %w", err)
	}

	result, err := w.Query(sql)
	if err != nil {
		s.pool.ReportDead(w)
		return wirepg.QueryResult{}, fmt.Errorf("dbservice: query failed: %w", err)
	}

	s.pool.Release(w)
	return result, nil
}

// Stats returns the underlying pool's occupancy snapshot, used by the
// health checker and the /healthz endpoint.
func (s *Service) Stats() pgpool.Stats {
	return s.pool.Stats()
}

// Close shuts down the pool and every worker connection it holds.
func (s *Service) Close() error {
	return s.pool.Close()
}

var (
	mu   sync.RWMutex
	inst *Service
)

// SetDefault installs s as the process-wide default service instance.
func SetDefault(s *Service) {
	mu.Lock()
	defer mu.Unlock()
	inst = s
}

// Default returns the process-wide default service instance, or nil if
// none has been installed.
func Default() *Service {
	mu.RLock()
	defer mu.RUnlock()
	return inst
}

// Query runs sql against the default service instance.
func Query(sql string) (wirepg.QueryResult, error) {
	s := Default()
	if s == nil {
		return wirepg.QueryResult{}, ErrNotStarted
	}
	return s.Query(sql)
}
