package shardmanager

import "github.com/codewandler/shardis-go/core/metrics"

// ManagerMetrics defines the metrics interface for the control plane.
// All methods are thread-safe.
type ManagerMetrics interface {
	// Cluster state
	PodsRegistered(count int)
	ShardsAssigned(count int)

	// Rebalancing
	RebalanceDuration() metrics.Timer
	ShardsRebalanced(count int)

	// Health sweep
	PodHealthChecked(alive bool)
}

// nopManagerMetrics is a no-op implementation of ManagerMetrics.
type nopManagerMetrics struct{}

func (nopManagerMetrics) PodsRegistered(int) {}
func (nopManagerMetrics) ShardsAssigned(int) {}

func (nopManagerMetrics) RebalanceDuration() metrics.Timer { return metrics.NopTimer() }
func (nopManagerMetrics) ShardsRebalanced(int)             {}

func (nopManagerMetrics) PodHealthChecked(bool) {}

// NopManagerMetrics returns a no-op ManagerMetrics implementation.
func NopManagerMetrics() ManagerMetrics { return nopManagerMetrics{} }
