// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "conveyor"
	metricsSubsystem = "dispatcher"
)

// Collector is a prometheus.Collector for dispatcher throughput.
type Collector struct {
	claimed     prometheus.Counter
	dispatched  prometheus.Counter
	rescheduled prometheus.Counter
	failed      prometheus.Counter
	inFlight    prometheus.Gauge
	duration    prometheus.Histogram
}

// NewCollector returns a new collector for dispatcher metrics.
func NewCollector() *Collector {
	return &Collector{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "claimed_total",
			Help:      "Outbox messages claimed by this dispatcher.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dispatched_total",
			Help:      "Outbox messages handled and acknowledged.",
		}),
		rescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rescheduled_total",
			Help:      "Outbox messages returned for retry after a handler error.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "failed_total",
			Help:      "Outbox messages moved to the terminal failed state.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "in_flight",
			Help:      "Messages currently being handled.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in a single handler invocation.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.claimed.Describe(ch)
	c.dispatched.Describe(ch)
	c.rescheduled.Describe(ch)
	c.failed.Describe(ch)
	c.inFlight.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.claimed.Collect(ch)
	c.dispatched.Collect(ch)
	c.rescheduled.Collect(ch)
	c.failed.Collect(ch)
	c.inFlight.Collect(ch)
	c.duration.Collect(ch)
}
