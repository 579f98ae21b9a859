package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for an engine. A disabled instance
// records nothing.
type Metrics struct {
	enabled bool

	transactions      *prometheus.CounterVec
	dispatches        *prometheus.CounterVec
	deltaFacts        *prometheus.CounterVec
	subscriptionDrops prometheus.Counter
	commitDuration    *prometheus.HistogramVec
	subscribers       prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the engine metrics on their own registry
func NewMetrics(cfg MetricsOptions) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,

		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of transactions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of dispatches by outcome",
			},
			[]string{"outcome"},
		),
		deltaFacts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delta_facts_total",
				Help:      "Total number of visible fact changes by relation",
			},
			[]string{"relation"},
		),
		subscriptionDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_drops_total",
				Help:      "Notifications dropped because a subscriber was full",
			},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Duration of committed transactions in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
			},
			[]string{"kind"},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscribers",
				Help:      "Current number of subscribers",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.transactions,
		m.dispatches,
		m.deltaFacts,
		m.subscriptionDrops,
		m.commitDuration,
		m.subscribers,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the metrics registry, or nil when disabled
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTransaction records a finished transaction
func (m *Metrics) RecordTransaction(kind, outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.transactions.WithLabelValues(kind, outcome).Inc()
	if outcome == outcomeCommitted {
		m.commitDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// RecordDispatch records a finished dispatch
func (m *Metrics) RecordDispatch(outcome string) {
	if !m.enabled {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// RecordDelta counts the visible changes of a relation
func (m *Metrics) RecordDelta(relation string, n int) {
	if !m.enabled || n == 0 {
		return
	}
	m.deltaFacts.WithLabelValues(relation).Add(float64(n))
}

// RecordDrop counts a dropped notification
func (m *Metrics) RecordDrop() {
	if !m.enabled {
		return
	}
	m.subscriptionDrops.Inc()
}

// SetSubscribers updates the subscriber gauge
func (m *Metrics) SetSubscribers(n int) {
	if !m.enabled {
		return
	}
	m.subscribers.Set(float64(n))
}
