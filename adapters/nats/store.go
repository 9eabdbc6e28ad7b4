package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/shardis-go/core/sharding"
	"github.com/codewandler/shardis-go/core/shardmanager"
)

const assignmentsKey = "assignments"

type AssignmentStoreConfig struct {
	Connect Connector
	Bucket  string // default "shardis_assignments"
}

// AssignmentStore persists the shard map in a JetStream KV bucket under a
// single key; Put replaces the whole map atomically.
type AssignmentStore struct {
	kv jetstream.KeyValue
}

func NewAssignmentStore(cfg AssignmentStoreConfig) (*AssignmentStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "shardis_assignments"
	}

	nc, _, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: 1024 * 1024,
	})
	if err != nil {
		return nil, err
	}

	return &AssignmentStore{kv: kv}, nil
}

func (s *AssignmentStore) Read(ctx context.Context) (map[sharding.ShardId]*sharding.PodAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	v, err := s.kv.Get(ctx, assignmentsKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return map[sharding.ShardId]*sharding.PodAddress{}, nil
		}
		return nil, fmt.Errorf("failed to read assignments: %w", err)
	}
	return decodeAssignments(v.Value())
}

func (s *AssignmentStore) Write(ctx context.Context, assignments map[sharding.ShardId]*sharding.PodAddress) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := encodeAssignments(assignments)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, assignmentsKey, data); err != nil {
		return fmt.Errorf("failed to write assignments: %w", err)
	}
	return nil
}

var _ shardmanager.AssignmentStore = (*AssignmentStore)(nil)
