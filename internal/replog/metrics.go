package replog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "replog"
	metricsSubsystem = "primary"
)

// Write outcomes recorded by Metrics.Write.
const (
	WriteAccepted          = "accepted"
	WriteQuorumUnavailable = "quorum_unavailable"
	WriteReplicationFailed = "replication_failed"
	WriteInvalid           = "invalid"
)

// Metrics holds the primary's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	writes              *prometheus.CounterVec
	replicationDuration prometheus.Histogram
	acks                *prometheus.CounterVec
	failures            *prometheus.CounterVec
	retries             *prometheus.CounterVec
	probes              *prometheus.CounterVec
	followerHealthy     *prometheus.GaugeVec
	background          *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	followerLabel := []string{"follower"}
	return &Metrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "writes_total",
			Help:      "Number of write requests by result.",
		}, []string{"result"}),
		replicationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "replication_duration_seconds",
			Help:      "Time from sequencing an entry until its write concern is decided.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "follower_acks_total",
			Help:      "Entries acknowledged by each follower.",
		}, followerLabel),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "follower_failures_total",
			Help:      "Sends to each follower that ended in a terminal failure.",
		}, followerLabel),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "follower_retries_total",
			Help:      "Send attempts to each follower that were retried.",
		}, followerLabel),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "health_probes_total",
			Help:      "Health probes by follower and result.",
		}, []string{"follower", "result"}),
		followerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "follower_healthy",
			Help:      "1 when the follower is considered healthy, 0 otherwise.",
		}, followerLabel),
		background: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "background_sends_total",
			Help:      "Sends detached from their write request, by result.",
		}, []string{"result"}),
	}
}

// PrometheusCollectors returns the collectors to register with a registry.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return []prometheus.Collector{
		m.writes,
		m.replicationDuration,
		m.acks,
		m.failures,
		m.retries,
		m.probes,
		m.followerHealthy,
		m.background,
	}
}

func (m *Metrics) Write(result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
}

func (m *Metrics) ReplicationDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.replicationDuration.Observe(d.Seconds())
}

func (m *Metrics) Ack(follower string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(follower).Inc()
}

func (m *Metrics) Failure(follower string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(follower).Inc()
}

func (m *Metrics) Retry(follower string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(follower).Inc()
}

func (m *Metrics) Probe(follower string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.probes.WithLabelValues(follower, result).Inc()
}

func (m *Metrics) FollowerStatus(follower string, status HealthStatus) {
	if m == nil {
		return
	}
	v := 0.0
	if status == Healthy {
		v = 1
	}
	m.followerHealthy.WithLabelValues(follower).Set(v)
}

// newQuorumGauge reports 1 while writable returns true. It is evaluated on
// every scrape.
func newQuorumGauge(writable func() bool) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "quorum_available",
		Help:      "1 when enough nodes are healthy to accept writes.",
	}, func() float64 {
		if writable() {
			return 1
		}
		return 0
	})
}

func (m *Metrics) Background(result string) {
	if m == nil {
		return
	}
	m.background.WithLabelValues(result).Inc()
}
