package persistence

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "graylogic"

// Metrics holds the persistence core's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsOpened  prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	Commits         *prometheus.CounterVec
	Rollbacks       prometheus.Counter
	Restores        *prometheus.CounterVec
	Flushed         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "persistence",
			Name:      "sessions_opened_total",
			Help:      "Total number of transaction sessions opened",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "persistence",
			Name:      "sessions_active",
			Help:      "Number of sessions currently holding a pooled connection",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "persistence",
			Name:      "session_duration_seconds",
			Help:      "Time between begin and connection release",
			Buckets:   prometheus.DefBuckets,
		}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "persistence",
			Name:      "commits_total",
			Help:      "Total number of commits by result",
		}, []string{"result"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "persistence",
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks",
		}),
		Restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "persistence",
			Name:      "restores_total",
			Help:      "Entities restored to their stored state after rollback, by result",
		}, []string{"result"}),
		Flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "persistence",
			Name:      "flushed_entities_total",
			Help:      "Entities written by unit-of-work commits, by operation",
		}, []string{"operation"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsOpened,
			m.SessionsActive,
			m.SessionDuration,
			m.Commits,
			m.Rollbacks,
			m.Restores,
			m.Flushed,
		)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpened.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionReleased(started time.Time) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) commit(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Commits.WithLabelValues("failure").Inc()
		return
	}
	m.Commits.WithLabelValues("success").Inc()
}

func (m *Metrics) rollback() {
	if m == nil {
		return
	}
	m.Rollbacks.Inc()
}

func (m *Metrics) restore(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Restores.WithLabelValues("failure").Inc()
		return
	}
	m.Restores.WithLabelValues("success").Inc()
}

func (m *Metrics) flushed(op string) {
	if m == nil {
		return
	}
	m.Flushed.WithLabelValues(op).Inc()
}
