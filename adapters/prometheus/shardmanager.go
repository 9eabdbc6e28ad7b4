package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardis-go/core/metrics"
	"github.com/codewandler/shardis-go/core/shardmanager"
)

// managerMetrics implements shardmanager.ManagerMetrics using Prometheus.
type managerMetrics struct {
	podsRegistered    prometheus.Gauge
	shardsAssigned    prometheus.Gauge
	rebalanceDuration prometheus.Histogram
	shardsRebalanced  prometheus.Counter
	healthChecks      *prometheus.CounterVec
}

// NewManagerMetrics creates a new Prometheus implementation of
// shardmanager.ManagerMetrics.
func NewManagerMetrics(reg prometheus.Registerer) shardmanager.ManagerMetrics {
	m := &managerMetrics{
		podsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardis_manager_pods_registered",
			Help: "Number of registered pods",
		}),

		shardsAssigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardis_manager_shards_assigned",
			Help: "Number of shards currently assigned to a pod",
		}),

		rebalanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardis_manager_rebalance_duration_seconds",
			Help:    "Rebalance pass latency in seconds",
			Buckets: defaultBuckets,
		}),

		shardsRebalanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardis_manager_shards_rebalanced_total",
			Help: "Total number of shard moves applied",
		}),

		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardis_manager_health_checks_total",
			Help: "Total number of pod liveness probes",
		}, []string{"alive"}),
	}

	reg.MustRegister(
		m.podsRegistered,
		m.shardsAssigned,
		m.rebalanceDuration,
		m.shardsRebalanced,
		m.healthChecks,
	)

	return m
}

func (m *managerMetrics) PodsRegistered(count int) {
	m.podsRegistered.Set(float64(count))
}

func (m *managerMetrics) ShardsAssigned(count int) {
	m.shardsAssigned.Set(float64(count))
}

func (m *managerMetrics) RebalanceDuration() metrics.Timer {
	return newTimer(m.rebalanceDuration)
}

func (m *managerMetrics) ShardsRebalanced(count int) {
	m.shardsRebalanced.Add(float64(count))
}

func (m *managerMetrics) PodHealthChecked(alive bool) {
	m.healthChecks.WithLabelValues(boolToStr(alive)).Inc()
}

var _ shardmanager.ManagerMetrics = (*managerMetrics)(nil)
