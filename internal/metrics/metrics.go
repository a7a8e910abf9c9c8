// Package metrics holds the Prometheus collectors the engine updates. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	SubmitLatency     prometheus.Histogram
	SubmitFailures    prometheus.Counter
	ChangesApplied    *prometheus.CounterVec
	ActiveTopics      prometheus.Gauge
	ActiveConnections prometheus.Gauge
	Snapshots         prometheus.Counter
	LeadershipChanges prometheus.Counter
	Admissions        *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "topicsync_submit_latency_ms",
			Help:    "Latency of submitting a change to the event log in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SubmitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topicsync_submit_failures_total",
			Help: "Changes abandoned after the event log rejected them",
		}),
		ChangesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "topicsync_changes_applied_total",
			Help: "Changes applied to topic state",
		}, []string{"origin"}), // origin: local|replicated
		ActiveTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "topicsync_active_topics",
			Help: "Topics with at least one active connection on this node",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "topicsync_active_connections",
			Help: "Active connections on this node",
		}),
		Snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topicsync_snapshots_total",
			Help: "Snapshots submitted by this node as leader",
		}),
		LeadershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "topicsync_leadership_changes_total",
			Help: "Times this node became leader",
		}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "topicsync_admissions_total",
			Help: "User admission checks by result",
		}, []string{"result"}), // result: admitted|rejected|error
	}
}

// Register registers the collectors on reg (or the default registerer if
// nil). Collectors that are already registered are not an error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		m.SubmitLatency, m.SubmitFailures, m.ChangesApplied, m.ActiveTopics,
		m.ActiveConnections, m.Snapshots, m.LeadershipChanges, m.Admissions,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) ObserveSubmit(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.SubmitLatency.Observe(float64(d) / float64(time.Millisecond))
	if err != nil {
		m.SubmitFailures.Inc()
	}
}

func (m *Metrics) Applied(origin string) {
	if m == nil {
		return
	}
	m.ChangesApplied.WithLabelValues(origin).Inc()
}

func (m *Metrics) TopicActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveTopics.Inc()
	} else {
		m.ActiveTopics.Dec()
	}
}

func (m *Metrics) ConnectionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.ActiveConnections.Inc()
	} else {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) SnapshotTaken() {
	if m == nil {
		return
	}
	m.Snapshots.Inc()
}

func (m *Metrics) BecameLeader() {
	if m == nil {
		return
	}
	m.LeadershipChanges.Inc()
}

func (m *Metrics) Admission(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}
