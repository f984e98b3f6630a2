// Package metrics exposes farm activity as Prometheus collectors.
//
// One Collector is shared by every farm in a process; series carry a farm label.
//
//   - workfarm_calls_submitted_total / calls_rejected_total{reason}: admission
//   - workfarm_calls_dispatched_total, calls_retried_total: scheduling
//   - workfarm_calls_settled_total{outcome}, call_duration_seconds: completion
//   - workfarm_workers_spawned_total, worker_exits_total{reason}: pool churn
//   - workfarm_queue_length, pending_calls, workers: saturation gauges
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "workfarm"

// Exit reasons recorded by RecordWorkerExit.
const (
	ExitCrash  = "crash"
	ExitKilled = "killed"
	ExitTTL    = "ttl"
	ExitIdle   = "idle"
)

// Collector holds the farm collectors. A nil *Collector records nothing.
type Collector struct {
	submitted  *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	retried    *prometheus.CounterVec
	settled    *prometheus.CounterVec
	duration   *prometheus.HistogramVec

	spawned *prometheus.CounterVec
	exits   *prometheus.CounterVec

	queue   *prometheus.GaugeVec
	pending *prometheus.GaugeVec
	workers *prometheus.GaugeVec
}

// New creates a Collector and registers it on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_submitted_total",
			Help:      "Calls accepted into the farm queue.",
		}, []string{"farm"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_rejected_total",
			Help:      "Calls refused at admission.",
		}, []string{"farm", "reason"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_dispatched_total",
			Help:      "Call attempts written to a worker.",
		}, []string{"farm"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_retried_total",
			Help:      "Call attempts requeued after a failure.",
		}, []string{"farm"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_settled_total",
			Help:      "Calls that reached a terminal outcome.",
		}, []string{"farm", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from submission to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"farm", "outcome"}),
		spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Worker processes started.",
		}, []string{"farm"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker processes that ended, by reason.",
		}, []string{"farm", "reason"}),
		queue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Calls waiting for a worker.",
		}, []string{"farm"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_calls",
			Help:      "Calls in flight on a worker.",
		}, []string{"farm"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Workers currently in the pool.",
		}, []string{"farm"}),
	}

	for _, col := range []prometheus.Collector{
		c.submitted, c.rejected, c.dispatched, c.retried, c.settled, c.duration,
		c.spawned, c.exits, c.queue, c.pending, c.workers,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) RecordSubmit(farm string) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(farm).Inc()
}

func (c *Collector) RecordReject(farm, reason string) {
	if c == nil {
		return
	}
	c.rejected.WithLabelValues(farm, reason).Inc()
}

func (c *Collector) RecordDispatch(farm string) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(farm).Inc()
}

func (c *Collector) RecordRetry(farm string) {
	if c == nil {
		return
	}
	c.retried.WithLabelValues(farm).Inc()
}

// RecordSettled counts a terminal outcome and observes its latency.
func (c *Collector) RecordSettled(farm, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.settled.WithLabelValues(farm, outcome).Inc()
	c.duration.WithLabelValues(farm, outcome).Observe(d.Seconds())
}

func (c *Collector) RecordSpawn(farm string) {
	if c == nil {
		return
	}
	c.spawned.WithLabelValues(farm).Inc()
}

func (c *Collector) RecordWorkerExit(farm, reason string) {
	if c == nil {
		return
	}
	c.exits.WithLabelValues(farm, reason).Inc()
}

// SetSaturation updates the queue, pending and pool-size gauges.
func (c *Collector) SetSaturation(farm string, queue, pending, workers int) {
	if c == nil {
		return
	}
	c.queue.WithLabelValues(farm).Set(float64(queue))
	c.pending.WithLabelValues(farm).Set(float64(pending))
	c.workers.WithLabelValues(farm).Set(float64(workers))
}

// Forget drops every series for a farm that has been killed.
func (c *Collector) Forget(farm string) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"farm": farm}
	for _, v := range []interface {
		DeletePartialMatch(prometheus.Labels) int
	}{c.queue, c.pending, c.workers} {
		v.DeletePartialMatch(labels)
	}
}
