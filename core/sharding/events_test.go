package sharding

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardis-go/core/ds"
)

func TestShardingEvent_RoundTrip(t *testing.T) {
	pod := PodAddress{Host: "10.0.0.1", Port: 8080}

	events := []ShardingEvent{
		ShardsAssigned{Pod: pod, Shards: ds.NewSet[ShardId](3, 1, 2)},
		ShardsUnassigned{Pod: pod, Shards: ds.NewSet[ShardId](5)},
		PodRegistered{Pod: pod},
		PodUnregistered{Pod: pod},
		PodHealthChecked{Pod: pod},
	}

	for _, ev := range events {
		data, err := EncodeShardingEvent(ev)
		require.NoError(t, err)

		out, err := DecodeShardingEvent(data)
		require.NoError(t, err)

		switch e := ev.(type) {
		case ShardsAssigned:
			assigned, ok := out.(ShardsAssigned)
			require.True(t, ok)
			require.Equal(t, e.Pod, assigned.Pod)
			require.Equal(t, e.Shards.Values(), assigned.Shards.Values())
		case ShardsUnassigned:
			unassigned, ok := out.(ShardsUnassigned)
			require.True(t, ok)
			require.Equal(t, e.Pod, unassigned.Pod)
			require.Equal(t, e.Shards.Values(), unassigned.Shards.Values())
		default:
			require.Equal(t, ev, out)
		}
	}
}

func TestShardingEvent_DecodeUnknownTag(t *testing.T) {
	_, err := DecodeShardingEvent([]byte(`{"tag":"Nope"}`))
	require.Error(t, err)

	_, err = DecodeShardingEvent([]byte(`garbage`))
	require.Error(t, err)
}

func TestShardingEvent_WireShape(t *testing.T) {
	data, err := EncodeShardingEvent(ShardsAssigned{
		Pod:    PodAddress{Host: "10.0.0.1", Port: 8080},
		Shards: ds.NewSet[ShardId](1, 2),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"tag":"ShardsAssigned","pod":{"host":"10.0.0.1","port":8080},"shards":[1,2]}`, string(data))
}
