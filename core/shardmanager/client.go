package shardmanager

import (
	"context"

	"github.com/codewandler/shardis-go/core/sharding"
)

// LocalClient is the degenerate ShardManagerClient for single-pod
// deployments: every shard is owned by the sole local pod and membership
// calls are no-ops.
type LocalClient struct {
	pod            sharding.PodAddress
	numberOfShards int
}

func NewLocalClient(pod sharding.PodAddress, numberOfShards int) *LocalClient {
	return &LocalClient{pod: pod, numberOfShards: numberOfShards}
}

func (c *LocalClient) Register(context.Context, sharding.PodAddress) error   { return nil }
func (c *LocalClient) Unregister(context.Context, sharding.PodAddress) error { return nil }
func (c *LocalClient) NotifyUnhealthyPod(context.Context, sharding.PodAddress) error {
	return nil
}

func (c *LocalClient) GetAssignments(context.Context) (map[sharding.ShardId]*sharding.PodAddress, error) {
	out := make(map[sharding.ShardId]*sharding.PodAddress, c.numberOfShards)
	for shard := sharding.ShardId(0); int(shard) < c.numberOfShards; shard++ {
		pod := c.pod
		out[shard] = &pod
	}
	return out, nil
}

// DirectClient exposes an in-process ShardManager as a
// ShardManagerClient, for pods living in the same process as the control
// plane.
type DirectClient struct {
	manager *ShardManager
}

func NewDirectClient(manager *ShardManager) *DirectClient {
	return &DirectClient{manager: manager}
}

func (c *DirectClient) Register(ctx context.Context, pod sharding.PodAddress) error {
	return c.manager.Register(ctx, pod)
}

func (c *DirectClient) Unregister(ctx context.Context, pod sharding.PodAddress) error {
	return c.manager.Unregister(ctx, pod)
}

func (c *DirectClient) NotifyUnhealthyPod(ctx context.Context, pod sharding.PodAddress) error {
	return c.manager.NotifyUnhealthyPod(ctx, pod)
}

func (c *DirectClient) GetAssignments(context.Context) (map[sharding.ShardId]*sharding.PodAddress, error) {
	return c.manager.GetAssignments(), nil
}

var (
	_ sharding.ShardManagerClient = (*LocalClient)(nil)
	_ sharding.ShardManagerClient = (*DirectClient)(nil)
)
