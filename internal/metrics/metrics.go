// Package metrics provides the Prometheus-backed consensus.MetricsSink
// implementation a running node reports election and replication health
// through.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/s-raft/sraft/internal/consensus"
)

// Collector is a consensus.MetricsSink backed by Prometheus counters and
// histograms registered against the registry given to NewWithRegisterer
// (the default registry when built with New).
type Collector struct {
	electionsTotal    *prometheus.CounterVec
	electionDuration  *prometheus.HistogramVec
	promotionFailures prometheus.Counter
	requestLatency    *prometheus.HistogramVec
	requestsTotal     *prometheus.CounterVec
	gatherer          prometheus.Gatherer
}

// New registers a Collector against the default Prometheus registry.
// Intended to be constructed once per process.
func New() *Collector {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers a Collector against reg, letting tests use
// an isolated prometheus.NewRegistry() instead of colliding with other
// Collectors on the default one. If reg also implements prometheus.Gatherer
// (as *prometheus.Registry does), Gatherer returns it so callers like
// internal/server can scrape exactly this Collector's metrics instead of
// assuming the default registry.
func NewWithRegisterer(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	return &Collector{
		gatherer: gatherer,
		electionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sraft_elections_total",
			Help: "Total number of leadership changes, labeled by the winning method.",
		}, []string{"method"}),

		electionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sraft_election_duration_seconds",
			Help:    "Time from election or instant-promotion start to a node becoming leader.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),

		promotionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sraft_promotion_failures_total",
			Help: "Total number of instant-promotion attempts that failed to collect a majority before timeout.",
		}),

		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sraft_request_duration_seconds",
			Help:    "End-to-end latency observed for consensus requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"success"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sraft_requests_total",
			Help: "Total number of consensus requests, labeled by outcome.",
		}, []string{"success"}),
	}
}

// Gatherer returns the Prometheus registry this Collector's metrics are
// registered against, so an HTTP server can scrape exactly what this
// Collector reports rather than assuming the default registry.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}

// RecordElection implements consensus.MetricsSink.
func (c *Collector) RecordElection(d time.Duration, winner consensus.NodeID, method string) {
	c.electionsTotal.WithLabelValues(method).Inc()
	c.electionDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordPromotionFailure implements consensus.MetricsSink.
func (c *Collector) RecordPromotionFailure(node consensus.NodeID, term consensus.Term, acks, needed int) {
	c.promotionFailures.Inc()
}

// RecordRequestLatency implements consensus.MetricsSink.
func (c *Collector) RecordRequestLatency(d time.Duration, success bool) {
	label := "false"
	if success {
		label = "true"
	}
	c.requestLatency.WithLabelValues(label).Observe(d.Seconds())
	c.requestsTotal.WithLabelValues(label).Inc()
}

var _ consensus.MetricsSink = (*Collector)(nil)
