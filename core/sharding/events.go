package sharding

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/shardis-go/core/ds"
)

// ShardingEvent is the union of events published by the shard manager and
// delivered to pods via Pods.Notify.
type ShardingEvent interface {
	shardingEvent()
}

type (
	// ShardsAssigned reports shards now owned by Pod.
	ShardsAssigned struct {
		Pod    PodAddress
		Shards *ds.Set[ShardId]
	}

	// ShardsUnassigned reports shards released by Pod. A pod receiving
	// this for itself terminates the entities living on those shards.
	ShardsUnassigned struct {
		Pod    PodAddress
		Shards *ds.Set[ShardId]
	}

	// PodRegistered reports a pod joining the cluster.
	PodRegistered struct {
		Pod PodAddress
	}

	// PodUnregistered reports a pod leaving the cluster.
	PodUnregistered struct {
		Pod PodAddress
	}

	// PodHealthChecked reports a completed liveness probe.
	PodHealthChecked struct {
		Pod PodAddress
	}
)

func (ShardsAssigned) shardingEvent()   {}
func (ShardsUnassigned) shardingEvent() {}
func (PodRegistered) shardingEvent()    {}
func (PodUnregistered) shardingEvent()  {}
func (PodHealthChecked) shardingEvent() {}

const (
	tagShardsAssigned   = "ShardsAssigned"
	tagShardsUnassigned = "ShardsUnassigned"
	tagPodRegistered    = "PodRegistered"
	tagPodUnregistered  = "PodUnregistered"
	tagPodHealthChecked = "PodHealthChecked"
)

type wireEvent struct {
	Tag    string     `json:"tag"`
	Pod    PodAddress `json:"pod"`
	Shards []ShardId  `json:"shards,omitempty"`
}

// EncodeShardingEvent serializes an event for transport.
func EncodeShardingEvent(ev ShardingEvent) ([]byte, error) {
	var w wireEvent
	switch e := ev.(type) {
	case ShardsAssigned:
		w = wireEvent{Tag: tagShardsAssigned, Pod: e.Pod, Shards: e.Shards.Values()}
	case ShardsUnassigned:
		w = wireEvent{Tag: tagShardsUnassigned, Pod: e.Pod, Shards: e.Shards.Values()}
	case PodRegistered:
		w = wireEvent{Tag: tagPodRegistered, Pod: e.Pod}
	case PodUnregistered:
		w = wireEvent{Tag: tagPodUnregistered, Pod: e.Pod}
	case PodHealthChecked:
		w = wireEvent{Tag: tagPodHealthChecked, Pod: e.Pod}
	default:
		return nil, fmt.Errorf("unknown sharding event %T", ev)
	}
	return json.Marshal(w)
}

// DecodeShardingEvent deserializes an event.
func DecodeShardingEvent(data []byte) (ShardingEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Tag {
	case tagShardsAssigned:
		return ShardsAssigned{Pod: w.Pod, Shards: ds.NewSet(w.Shards...)}, nil
	case tagShardsUnassigned:
		return ShardsUnassigned{Pod: w.Pod, Shards: ds.NewSet(w.Shards...)}, nil
	case tagPodRegistered:
		return PodRegistered{Pod: w.Pod}, nil
	case tagPodUnregistered:
		return PodUnregistered{Pod: w.Pod}, nil
	case tagPodHealthChecked:
		return PodHealthChecked{Pod: w.Pod}, nil
	default:
		return nil, fmt.Errorf("unknown sharding event tag %q", w.Tag)
	}
}

// EntityRegistered is published on a pod's local event stream when an
// entity type is registered.
type EntityRegistered struct {
	EntityType string
}
