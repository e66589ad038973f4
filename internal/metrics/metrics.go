// Package metrics wires pingsrv's Prometheus series for pool occupancy
// and query outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pingsrv, registered against
// a private registry rather than the global default one.
type Collector struct {
	Registry *prometheus.Registry

	poolIdle     prometheus.Gauge
	poolBusy     prometheus.Gauge
	poolStarting prometheus.Gauge
	poolWaiting  prometheus.Gauge

	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	acquireDuration prometheus.Histogram
}

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times (e.g. in tests): each call
// creates an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pingsrv_pool_idle_workers",
			Help: "Number of pool workers currently idle",
		}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pingsrv_pool_busy_workers",
			Help: "Number of pool workers currently busy",
		}),
		poolStarting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pingsrv_pool_starting_workers",
			Help: "Number of pool workers currently starting up",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pingsrv_pool_waiting_acquirers",
			Help: "Number of callers currently queued waiting for a worker",
		}),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingsrv_queries_total",
				Help: "Total queries run, labeled by outcome",
			},
			[]string{"outcome"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pingsrv_query_duration_seconds",
				Help:    "Duration of a Query call, from acquire to release",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"outcome"},
		),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pingsrv_acquire_duration_seconds",
			Help:    "Time spent waiting for pool.Acquire()",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
	}

	reg.MustRegister(
		c.poolIdle,
		c.poolBusy,
		c.poolStarting,
		c.poolWaiting,
		c.queriesTotal,
		c.queryDuration,
		c.acquireDuration,
	)

	return c
}

// Outcome labels for queriesTotal/queryDuration.
const (
	OutcomeSuccess        = "success"
	OutcomeQueryError     = "query_error"
	OutcomeTransportError = "transport_error"
)

// UpdatePoolStats sets the pool occupancy gauges from a snapshot.
func (c *Collector) UpdatePoolStats(idle, busy, starting, waiting int) {
	c.poolIdle.Set(float64(idle))
	c.poolBusy.Set(float64(busy))
	c.poolStarting.Set(float64(starting))
	c.poolWaiting.Set(float64(waiting))
}

// QueryCompleted records one Query call's outcome and duration.
func (c *Collector) QueryCompleted(outcome string, d time.Duration) {
	c.queriesTotal.WithLabelValues(outcome).Inc()
	c.queryDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool worker.
func (c *Collector) AcquireDuration(d time.Duration) {
	c.acquireDuration.Observe(d.Seconds())
}
