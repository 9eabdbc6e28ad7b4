package sharding

import "github.com/codewandler/shardis-go/core/metrics"

// ShardingMetrics defines the metrics interface for the pod runtime.
// All methods are thread-safe.
type ShardingMetrics interface {
	// Entity lifecycle
	EntityStarted(entityType string)
	EntityStopped(entityType string)

	// Message handling: SendDuration covers decode+persist+enqueue,
	// MessageProcessed counts replies written by entity behaviors.
	SendDuration(entityType string) metrics.Timer
	MessageProcessed(entityType string, success bool)

	// Envelope routing: destination is "local" or "remote"
	EnvelopeSent(destination string, success bool)

	// Shards owned by the local pod
	ShardsOwned(count int)
}

// nopShardingMetrics is a no-op implementation of ShardingMetrics.
type nopShardingMetrics struct{}

func (nopShardingMetrics) EntityStarted(string) {}
func (nopShardingMetrics) EntityStopped(string) {}

func (nopShardingMetrics) SendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopShardingMetrics) MessageProcessed(string, bool)     {}

func (nopShardingMetrics) EnvelopeSent(string, bool) {}

func (nopShardingMetrics) ShardsOwned(int) {}

// NopShardingMetrics returns a no-op ShardingMetrics implementation.
func NopShardingMetrics() ShardingMetrics { return nopShardingMetrics{} }
