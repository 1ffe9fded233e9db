// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package transformer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "transformd"

// Collector exposes the agent's worker-pool occupancy and event
// throughput to prometheus.
type Collector struct {
	transformer *Transformer

	workersInUse prometheus.Gauge
	maxWorkers   prometheus.Gauge
	queueDepth   prometheus.Gauge
	eventsSeen   prometheus.CounterFunc
}

// NewCollector returns a collector reading from t.
func NewCollector(t *Transformer) *Collector {
	return &Collector{
		transformer: t,
		workersInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers_in_use",
			Help:      "Handlers currently running on worker slots.",
		}),
		maxWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workers_max",
			Help:      "Configured worker pool ceiling.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "event_queue_depth",
			Help:      "Events waiting for a worker slot.",
		}),
		eventsSeen: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dispatched_total",
			Help:      "Events dispatched to handlers since start.",
		}, func() float64 {
			return float64(t.eventsSeen.Load())
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.workersInUse.Describe(ch)
	c.maxWorkers.Describe(ch)
	c.queueDepth.Describe(ch)
	c.eventsSeen.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.workersInUse.Set(float64(c.transformer.numWorkers.Load()))
	c.maxWorkers.Set(float64(c.transformer.config.MaxNumberWorkers))
	c.queueDepth.Set(float64(c.transformer.queueLen()))
	c.workersInUse.Collect(ch)
	c.maxWorkers.Collect(ch)
	c.queueDepth.Collect(ch)
	c.eventsSeen.Collect(ch)
}
