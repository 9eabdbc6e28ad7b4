package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardis-go/core/metrics"
	"github.com/codewandler/shardis-go/core/sharding"
)

// shardingMetrics implements sharding.ShardingMetrics using Prometheus.
type shardingMetrics struct {
	entitiesActive    *prometheus.GaugeVec
	entitiesTotal     *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	messagesProcessed *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	shardsOwned       prometheus.Gauge
}

// NewShardingMetrics creates a new Prometheus implementation of
// sharding.ShardingMetrics.
func NewShardingMetrics(reg prometheus.Registerer) sharding.ShardingMetrics {
	m := &shardingMetrics{
		entitiesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardis_entities_active",
			Help: "Number of live in-memory entities",
		}, []string{"entity_type"}),

		entitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardis_entities_started_total",
			Help: "Total number of entities started",
		}, []string{"entity_type"}),

		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardis_send_duration_seconds",
			Help:    "Envelope decode+persist+enqueue latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"entity_type"}),

		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardis_messages_processed_total",
			Help: "Total number of messages completed by entity behaviors",
		}, []string{"entity_type", "success"}),

		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardis_envelopes_sent_total",
			Help: "Total number of envelopes routed",
		}, []string{"destination", "success"}),

		shardsOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardis_shards_owned",
			Help: "Number of shards owned by the local pod",
		}),
	}

	reg.MustRegister(
		m.entitiesActive,
		m.entitiesTotal,
		m.sendDuration,
		m.messagesProcessed,
		m.envelopesSent,
		m.shardsOwned,
	)

	return m
}

func (m *shardingMetrics) EntityStarted(entityType string) {
	m.entitiesActive.WithLabelValues(entityType).Inc()
	m.entitiesTotal.WithLabelValues(entityType).Inc()
}

func (m *shardingMetrics) EntityStopped(entityType string) {
	m.entitiesActive.WithLabelValues(entityType).Dec()
}

func (m *shardingMetrics) SendDuration(entityType string) metrics.Timer {
	return newTimer(m.sendDuration.WithLabelValues(entityType))
}

func (m *shardingMetrics) MessageProcessed(entityType string, success bool) {
	m.messagesProcessed.WithLabelValues(entityType, boolToStr(success)).Inc()
}

func (m *shardingMetrics) EnvelopeSent(destination string, success bool) {
	m.envelopesSent.WithLabelValues(destination, boolToStr(success)).Inc()
}

func (m *shardingMetrics) ShardsOwned(count int) {
	m.shardsOwned.Set(float64(count))
}

var _ sharding.ShardingMetrics = (*shardingMetrics)(nil)
