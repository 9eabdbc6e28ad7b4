package shardmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardis-go/core/sharding"
)

func podA() sharding.PodAddress { return sharding.PodAddress{Host: "10.0.0.1", Port: 8080} }
func podB() sharding.PodAddress { return sharding.PodAddress{Host: "10.0.0.2", Port: 8080} }
func podC() sharding.PodAddress { return sharding.PodAddress{Host: "10.0.0.3", Port: 8080} }

func newTestManager(t *testing.T, cfg Config, opts Options) *ShardManager {
	opts.Config = cfg
	m, err := New(t.Context(), opts)
	require.NoError(t, err)
	return m
}

func shardCount(assignments map[sharding.ShardId]*sharding.PodAddress, pod sharding.PodAddress) int {
	n := 0
	for _, owner := range assignments {
		if owner != nil && *owner == pod {
			n++
		}
	}
	return n
}

func TestShardManager_RegisterAssignsAllShards(t *testing.T) {
	m := newTestManager(t, Config{NumberOfShards: 12, RebalanceRate: 1}, Options{})

	events := m.Events(t.Context())

	require.NoError(t, m.Register(t.Context(), podA()))

	asg := m.GetAssignments()
	require.Len(t, asg, 12)
	require.Equal(t, 12, shardCount(asg, podA()))

	// PodRegistered then ShardsAssigned
	ev := <-events
	require.Equal(t, sharding.PodRegistered{Pod: podA()}, ev)
	ev = <-events
	assigned, ok := ev.(sharding.ShardsAssigned)
	require.True(t, ok)
	require.Equal(t, podA(), assigned.Pod)
	require.Equal(t, 12, assigned.Shards.Len())
}

func TestShardManager_RebalanceBalancesWithMinimalMovement(t *testing.T) {
	m := newTestManager(t, Config{NumberOfShards: 12, RebalanceRate: 1}, Options{})

	require.NoError(t, m.Register(t.Context(), podA()))
	before := m.GetAssignments()

	require.NoError(t, m.Register(t.Context(), podB()))
	after := m.GetAssignments()

	require.Equal(t, 6, shardCount(after, podA()))
	require.Equal(t, 6, shardCount(after, podB()))

	// only six shards moved
	moved := 0
	for shard, owner := range after {
		if owner != nil && before[shard] != nil && *owner != *before[shard] {
			moved++
		}
	}
	require.Equal(t, 6, moved)
}

func TestShardManager_RebalanceRateBoundsMoves(t *testing.T) {
	// ceil(1/12 * 12) = 1 balancing move per pass
	m := newTestManager(t, Config{NumberOfShards: 12, RebalanceRate: 1.0 / 12}, Options{})

	require.NoError(t, m.Register(t.Context(), podA()))
	require.NoError(t, m.Register(t.Context(), podB()))
	require.Equal(t, 1, shardCount(m.GetAssignments(), podB()))

	// the remaining imbalance is picked up by subsequent passes
	require.NoError(t, m.Rebalance(t.Context(), false))
	require.Equal(t, 2, shardCount(m.GetAssignments(), podB()))

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Rebalance(t.Context(), false))
	}
	require.Equal(t, 6, shardCount(m.GetAssignments(), podB()))
}

func TestShardManager_TargetsWithRemainder(t *testing.T) {
	// 11 shards over 3 pods: targets 4/4/3 in address order
	m := newTestManager(t, Config{NumberOfShards: 11, RebalanceRate: 1}, Options{})

	require.NoError(t, m.Register(t.Context(), podA()))
	require.NoError(t, m.Register(t.Context(), podB()))
	require.NoError(t, m.Register(t.Context(), podC()))

	asg := m.GetAssignments()
	require.Equal(t, 4, shardCount(asg, podA()))
	require.Equal(t, 4, shardCount(asg, podB()))
	require.Equal(t, 3, shardCount(asg, podC()))

	// every shard is assigned at steady state
	for shard, owner := range asg {
		require.NotNil(t, owner, "shard %d unassigned", shard)
	}
}

func TestShardManager_UnregisterReleasesShards(t *testing.T) {
	m := newTestManager(t, Config{NumberOfShards: 12, RebalanceRate: 1}, Options{})

	require.NoError(t, m.Register(t.Context(), podA()))
	require.NoError(t, m.Register(t.Context(), podB()))

	events := m.Events(t.Context())

	require.NoError(t, m.Unregister(t.Context(), podB()))

	asg := m.GetAssignments()
	require.Equal(t, 12, shardCount(asg, podA()))
	require.Equal(t, 0, shardCount(asg, podB()))

	var sawUnregistered, sawUnassigned bool
	deadline := time.After(time.Second)
	for !(sawUnregistered && sawUnassigned) {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case sharding.PodUnregistered:
				require.Equal(t, podB(), e.Pod)
				sawUnregistered = true
			case sharding.ShardsUnassigned:
				require.Equal(t, podB(), e.Pod)
				sawUnassigned = true
			}
		case <-deadline:
			t.Fatal("missing unregister events")
		}
	}

	// unknown pod: no-op
	require.NoError(t, m.Unregister(t.Context(), podC()))
}

func TestShardManager_AssignmentsSurviveRestart(t *testing.T) {
	store := NewMemoryStore()

	m1 := newTestManager(t, Config{NumberOfShards: 8, RebalanceRate: 1}, Options{Store: store})
	require.NoError(t, m1.Register(t.Context(), podA()))

	m2 := newTestManager(t, Config{NumberOfShards: 8, RebalanceRate: 1}, Options{Store: store})
	asg := m2.GetAssignments()
	require.Equal(t, 8, shardCount(asg, podA()))
}

func TestShardManager_NotifyUnhealthyPod(t *testing.T) {
	pods := sharding.NewMemoryPods()
	noop := func(context.Context, []byte) error { return nil }
	unregisterA := pods.Register(podA(), noop, nil)
	t.Cleanup(unregisterA)

	m := newTestManager(
		t,
		Config{NumberOfShards: 12, RebalanceRate: 1, PodPingTimeout: 100 * time.Millisecond},
		Options{Pods: pods, Health: NewPingHealth(pods)},
	)

	require.NoError(t, m.Register(t.Context(), podA()))
	require.NoError(t, m.Register(t.Context(), podB())) // never connected

	// a live pod is kept
	require.NoError(t, m.NotifyUnhealthyPod(t.Context(), podA()))
	require.Len(t, m.Pods(), 2)

	// a dead pod is evicted and its shards move
	require.NoError(t, m.NotifyUnhealthyPod(t.Context(), podB()))
	require.Equal(t, []sharding.PodAddress{podA()}, m.Pods())
	require.Equal(t, 12, shardCount(m.GetAssignments(), podA()))

	// unknown pod: no-op
	require.NoError(t, m.NotifyUnhealthyPod(t.Context(), podC()))
}

func TestShardManager_HealthSweepEvictsDeadPods(t *testing.T) {
	pods := sharding.NewMemoryPods()
	noop := func(context.Context, []byte) error { return nil }
	unregisterA := pods.Register(podA(), noop, nil)
	t.Cleanup(unregisterA)
	disconnectB := pods.Register(podB(), noop, nil)

	m := newTestManager(
		t,
		Config{
			NumberOfShards:         12,
			RebalanceRate:          1,
			PodHealthCheckInterval: 20 * time.Millisecond,
			PodPingTimeout:         100 * time.Millisecond,
		},
		Options{Pods: pods, Health: NewPingHealth(pods)},
	)
	require.NoError(t, m.Register(t.Context(), podA()))
	require.NoError(t, m.Register(t.Context(), podB()))
	require.NoError(t, m.Run(t.Context()))

	disconnectB()

	require.Eventually(t, func() bool {
		return len(m.Pods()) == 1 && shardCount(m.GetAssignments(), podA()) == 12
	}, 2*time.Second, 20*time.Millisecond, "dead pod never evicted")
}

func TestShardManager_InvalidRebalanceRate(t *testing.T) {
	_, err := New(t.Context(), Options{Config: Config{RebalanceRate: 1.5}})
	require.Error(t, err)
}

func TestLocalClient_AllShardsLocal(t *testing.T) {
	c := NewLocalClient(podA(), 8)

	asg, err := c.GetAssignments(t.Context())
	require.NoError(t, err)
	require.Len(t, asg, 8)
	for _, owner := range asg {
		require.Equal(t, podA(), *owner)
	}

	require.NoError(t, c.Register(t.Context(), podA()))
	require.NoError(t, c.Unregister(t.Context(), podA()))
	require.NoError(t, c.NotifyUnhealthyPod(t.Context(), podA()))
}
