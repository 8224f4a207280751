/*
DESCRIPTION
  metrics.go provides prometheus counters describing packetizer activity.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package tsmux

import "github.com/prometheus/client_golang/prometheus"

// Mode label values.
const (
	labelOTF = "otf"
	labelM2M = "m2m"
)

// Metrics holds the packetizer's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	jobsQueued      *prometheus.CounterVec
	jobsDone        *prometheus.CounterVec
	bytesOut        *prometheus.CounterVec
	queueFull       prometheus.Counter
	escalations     *prometheus.CounterVec
	enqueueTimeouts prometheus.Counter
	sessions        prometheus.Gauge
}

// NewMetrics creates the packetizer collectors and registers them with a
// private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	jobsQueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsmux_jobs_queued_total",
		Help: "Total number of jobs programmed into the packetizer",
	}, []string{"mode"})
	jobsDone := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsmux_jobs_done_total",
		Help: "Total number of job completions handled",
	}, []string{"mode"})
	bytesOut := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsmux_output_bytes_total",
		Help: "Total number of bytes produced by the packetizer",
	}, []string{"mode"})
	queueFull := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tsmux_queue_full_total",
		Help: "Total number of submissions refused because a job was already queued",
	})
	escalations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tsmux_watchdog_escalations_total",
		Help: "Total number of watchdog escalations",
	}, []string{"fatal"})
	enqueueTimeouts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tsmux_enqueue_timeouts_total",
		Help: "Total number of jobs queued while the enqueue bit was still set",
	})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tsmux_sessions",
		Help: "Number of open sessions",
	})

	registry.MustRegister(
		jobsQueued,
		jobsDone,
		bytesOut,
		queueFull,
		escalations,
		enqueueTimeouts,
		sessions,
	)

	return &Metrics{
		registry:        registry,
		jobsQueued:      jobsQueued,
		jobsDone:        jobsDone,
		bytesOut:        bytesOut,
		queueFull:       queueFull,
		escalations:     escalations,
		enqueueTimeouts: enqueueTimeouts,
		sessions:        sessions,
	}
}

// Registry returns the registry holding the collectors, for serving with
// promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) jobQueued(mode string) {
	if m != nil {
		m.jobsQueued.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) jobDone(mode string, n int) {
	if m != nil {
		m.jobsDone.WithLabelValues(mode).Inc()
		m.bytesOut.WithLabelValues(mode).Add(float64(n))
	}
}

func (m *Metrics) queueFullInc() {
	if m != nil {
		m.queueFull.Inc()
	}
}

func (m *Metrics) escalation(fatal bool) {
	if m == nil {
		return
	}
	if fatal {
		m.escalations.WithLabelValues("true").Inc()
		return
	}
	m.escalations.WithLabelValues("false").Inc()
}

func (m *Metrics) enqueueTimeout() {
	if m != nil {
		m.enqueueTimeouts.Inc()
	}
}

func (m *Metrics) setSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}
