package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	capabilities prometheus.Gauge
	idle         prometheus.Gauge
	globalDepth  prometheus.Gauge
	threads      prometheus.Gauge
	sparkPool    prometheus.Gauge
	outcomes     *prometheus.CounterVec
	sparks       *prometheus.CounterVec
	spawns       prometheus.Counter
	retires      prometheus.Counter
	blocks       prometheus.Counter
}

// newMetrics registers the scheduler's collectors with reg. A nil reg
// yields working but unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	opts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: "greenrt", Subsystem: "sched", Name: name, Help: help}
	}
	return &metrics{
		capabilities: f.NewGauge(opts("capabilities", "Live capabilities.")),
		idle:         f.NewGauge(opts("idle_capabilities", "Capabilities waiting for work.")),
		globalDepth:  f.NewGauge(opts("global_queue_depth", "Threads in the global run queue.")),
		threads:      f.NewGauge(opts("threads", "Live logical threads.")),
		sparkPool:    f.NewGauge(opts("spark_pool_size", "Sparks waiting in the global pool.")),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "greenrt", Subsystem: "sched", Name: "threads_terminated_total",
			Help: "Threads that reached a terminal state.",
		}, []string{"outcome"}),
		sparks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "greenrt", Subsystem: "sched", Name: "sparks_total",
			Help: "Spark pool events.",
		}, []string{"event"}),
		spawns: f.NewCounter(prometheus.CounterOpts{
			Namespace: "greenrt", Subsystem: "sched", Name: "capability_spawns_total",
			Help: "Capabilities started.",
		}),
		retires: f.NewCounter(prometheus.CounterOpts{
			Namespace: "greenrt", Subsystem: "sched", Name: "capability_retirements_total",
			Help: "Capabilities retired after idling.",
		}),
		blocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "greenrt", Subsystem: "sched", Name: "blocking_operations_total",
			Help: "Blocking steps taken by threads.",
		}),
	}
}
