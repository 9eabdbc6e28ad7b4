package shardmanager

import (
	"context"

	"github.com/codewandler/shardis-go/core/sharding"
)

// PingHealth probes pod liveness over the pod-to-pod transport.
type PingHealth struct {
	pods sharding.Pods
}

func NewPingHealth(pods sharding.Pods) *PingHealth {
	return &PingHealth{pods: pods}
}

func (h *PingHealth) IsAlive(ctx context.Context, pod sharding.PodAddress) bool {
	return h.pods.Ping(ctx, pod) == nil
}

type alwaysAlive struct{}

func (alwaysAlive) IsAlive(context.Context, sharding.PodAddress) bool { return true }

// AlwaysAlive returns a PodsHealth that treats every pod as live, for
// single-pod deployments.
func AlwaysAlive() sharding.PodsHealth { return alwaysAlive{} }

var _ sharding.PodsHealth = (*PingHealth)(nil)
