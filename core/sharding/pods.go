package sharding

import "context"

type (
	// Pods is the pod-to-pod RPC client. Implementations may batch but
	// must preserve per-destination ordering of Send calls issued by a
	// single caller goroutine. Operations fail with PodUnavailableError
	// when the destination cannot be reached.
	Pods interface {
		// Send delivers an encoded envelope to the pod owning the
		// entity's shard.
		Send(ctx context.Context, pod PodAddress, envelope []byte) error

		// Ping probes a pod for liveness.
		Ping(ctx context.Context, pod PodAddress) error

		// Notify delivers a sharding event to a pod.
		Notify(ctx context.Context, pod PodAddress, event ShardingEvent) error
	}

	// PodsHealth probes pod liveness for the shard manager.
	PodsHealth interface {
		IsAlive(ctx context.Context, pod PodAddress) bool
	}

	// ShardManagerClient is the per-pod view of the shard manager.
	ShardManagerClient interface {
		Register(ctx context.Context, pod PodAddress) error
		Unregister(ctx context.Context, pod PodAddress) error
		NotifyUnhealthyPod(ctx context.Context, pod PodAddress) error

		// GetAssignments returns the current shard->pod map. A nil pod
		// marks a shard in transit between pods.
		GetAssignments(ctx context.Context) (map[ShardId]*PodAddress, error)
	}
)
