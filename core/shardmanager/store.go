package shardmanager

import (
	"context"
	"sync"

	"github.com/codewandler/shardis-go/core/sharding"
)

// AssignmentStore persists the shard->pod map so assignments survive a
// manager restart. Write replaces the whole map atomically. The
// adapters/nats package provides a JetStream KV implementation.
type AssignmentStore interface {
	Read(ctx context.Context) (map[sharding.ShardId]*sharding.PodAddress, error)
	Write(ctx context.Context, assignments map[sharding.ShardId]*sharding.PodAddress) error
}

// MemoryStore is the in-process AssignmentStore.
type MemoryStore struct {
	mu          sync.Mutex
	assignments map[sharding.ShardId]*sharding.PodAddress
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assignments: make(map[sharding.ShardId]*sharding.PodAddress)}
}

func (s *MemoryStore) Read(_ context.Context) (map[sharding.ShardId]*sharding.PodAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyAssignments(s.assignments), nil
}

func (s *MemoryStore) Write(_ context.Context, assignments map[sharding.ShardId]*sharding.PodAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = copyAssignments(assignments)
	return nil
}

func copyAssignments(src map[sharding.ShardId]*sharding.PodAddress) map[sharding.ShardId]*sharding.PodAddress {
	out := make(map[sharding.ShardId]*sharding.PodAddress, len(src))
	for shard, pod := range src {
		if pod == nil {
			out[shard] = nil
			continue
		}
		p := *pod
		out[shard] = &p
	}
	return out
}

var _ AssignmentStore = (*MemoryStore)(nil)
