// Package metrics exposes Prometheus metrics for the lease coordinator.
//
// Metric naming follows Prometheus conventions:
//   - devicelease_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/devicelease/internal/inventory"
	"github.com/nerrad567/devicelease/internal/lease"
)

// Metrics holds the collectors and the registry they are registered with.
// It implements lease.EventSink.
type Metrics struct {
	registry *prometheus.Registry

	AcquireTotal *prometheus.CounterVec // result=acquired|<error code>
	RenewTotal   *prometheus.CounterVec // source=caller|monitor
	ReleaseTotal *prometheus.CounterVec // source=caller|shutdown
	ExpiredTotal prometheus.Counter
	LostTotal    *prometheus.CounterVec // source=reconcile|caller|monitor
	ActiveLeases prometheus.Gauge

	HoldSeconds *prometheus.HistogramVec // outcome=released|expired|lost

	InventoryRequests *prometheus.CounterVec   // op, class
	InventoryLatency  *prometheus.HistogramVec // op
}

// New creates the collectors on a fresh registry, along with Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicelease_acquire_total",
				Help: "Acquire attempts by result.",
			},
			[]string{"result"},
		),
		RenewTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicelease_renew_total",
				Help: "Successful renewals by source.",
			},
			[]string{"source"},
		),
		ReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicelease_release_total",
				Help: "Released leases by source.",
			},
			[]string{"source"},
		),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicelease_expired_total",
			Help: "Leases that ran past expiry without being renewed or released.",
		}),
		LostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicelease_lost_total",
				Help: "Leases demoted because the inventory no longer attributes them to their holder.",
			},
			[]string{"source"},
		),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devicelease_active_leases",
			Help: "Number of currently active leases.",
		}),
		HoldSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devicelease_hold_seconds",
				Help:    "How long leases were held, by how they ended.",
				Buckets: []float64{60, 300, 600, 1200, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"outcome"},
		),
		InventoryRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicelease_inventory_requests_total",
				Help: "Inventory service calls by operation and outcome class.",
			},
			[]string{"op", "class"},
		),
		InventoryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devicelease_inventory_request_duration_seconds",
				Help:    "Latency of inventory service calls.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
			},
			[]string{"op"},
		),
	}

	m.registry.MustRegister(
		m.AcquireTotal,
		m.RenewTotal,
		m.ReleaseTotal,
		m.ExpiredTotal,
		m.LostTotal,
		m.ActiveLeases,
		m.HoldSeconds,
		m.InventoryRequests,
		m.InventoryLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Record updates counters from a lease event.
func (m *Metrics) Record(_ context.Context, ev lease.Event) {
	switch ev.Type {
	case lease.EventAcquired:
		m.AcquireTotal.WithLabelValues("acquired").Inc()
		m.ActiveLeases.Inc()
	case lease.EventAcquireFailed:
		result := ev.Code
		if result == "" {
			result = "failed"
		}
		m.AcquireTotal.WithLabelValues(result).Inc()
	case lease.EventRenewed:
		m.RenewTotal.WithLabelValues(ev.Source).Inc()
	case lease.EventReleased:
		m.ReleaseTotal.WithLabelValues(ev.Source).Inc()
		m.ended("released", ev)
	case lease.EventExpired:
		m.ExpiredTotal.Inc()
		m.ended("expired", ev)
	case lease.EventLost:
		m.LostTotal.WithLabelValues(ev.Source).Inc()
		m.ended("lost", ev)
	}
}

func (m *Metrics) ended(outcome string, ev lease.Event) {
	m.ActiveLeases.Dec()
	if ev.HeldFor > 0 {
		m.HoldSeconds.WithLabelValues(outcome).Observe(ev.HeldFor)
	}
}

// ObserveInventory records one inventory call. Its signature matches
// inventory.Observer.
func (m *Metrics) ObserveInventory(op string, d time.Duration, err error) {
	m.InventoryRequests.WithLabelValues(op, inventory.Classify(err).String()).Inc()
	m.InventoryLatency.WithLabelValues(op).Observe(d.Seconds())
}
