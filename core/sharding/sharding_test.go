package sharding_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardis-go/core/sharding"
	"github.com/codewandler/shardis-go/core/shardmanager"
)

type (
	counterGet struct{}
	counterInc struct{}
	counterDec struct{}

	failPlease struct{}
)

func counterSchema() *sharding.Schema {
	s := sharding.NewSchema()
	sharding.RegisterMessage[counterGet](s)
	sharding.RegisterMessage[counterInc](s)
	sharding.RegisterMessage[counterDec](s)
	sharding.RegisterMessage[failPlease](s)
	return s
}

func counterEntity(t *testing.T) sharding.Entity {
	e, err := sharding.NewEntity("counter", counterSchema())
	require.NoError(t, err)
	return e
}

func counterBehavior(ctx context.Context, _ string, mailbox *sharding.Mailbox, replier *sharding.Replier) error {
	count := 0
	for {
		e, err := mailbox.Take(ctx)
		if err != nil {
			return nil
		}
		switch e.Message.Payload.(type) {
		case *counterInc:
			count++
		case *counterDec:
			count--
		case *failPlease:
			_ = replier.FailCause(ctx, e.Message, "told to fail")
			continue
		}
		if err := replier.Succeed(ctx, e.Message, count); err != nil {
			return nil
		}
	}
}

func newLocalPod(t *testing.T, storage sharding.MailboxStorage) *sharding.Sharding {
	cfg := sharding.Config{
		Host:                     "127.0.0.1",
		Port:                     8080,
		NumberOfShards:           16,
		EntityTerminationTimeout: time.Second,
	}

	s, err := sharding.New(sharding.Options{
		Config:  cfg,
		Storage: storage,
		Client:  shardmanager.NewLocalClient(cfg.Pod(), cfg.NumberOfShards),
	})
	require.NoError(t, err)

	require.NoError(t, s.Run(t.Context()))
	t.Cleanup(func() {
		require.NoError(t, s.Stop(context.Background()))
	})
	return s
}

func TestSharding_SinglePodCounter(t *testing.T) {
	storage := sharding.NewMemoryStorage()
	pod := newLocalPod(t, storage)

	mgr, err := pod.RegisterEntity(counterEntity(t), counterBehavior)
	require.NoError(t, err)

	msgr := pod.Messenger(counterEntity(t))

	require.NoError(t, msgr.Tell(t.Context(), "x", counterInc{}))
	require.NoError(t, msgr.Tell(t.Context(), "x", counterInc{}))

	got, err := sharding.Ask[int](t.Context(), msgr, "x", counterGet{})
	require.NoError(t, err)
	require.Equal(t, 2, *got)

	require.Equal(t, 1, mgr.EntityCount())

	address := sharding.EntityAddress{
		ShardId:    pod.GetShardId("x"),
		EntityType: "counter",
		EntityId:   "x",
	}
	last, ok := mgr.LastActive(address)
	require.True(t, ok)
	require.WithinDuration(t, time.Now(), last, time.Second)
}

func TestSharding_IdleExpirationAndRecreate(t *testing.T) {
	storage := sharding.NewMemoryStorage()
	pod := newLocalPod(t, storage)

	mgr, err := pod.RegisterEntity(
		counterEntity(t),
		counterBehavior,
		sharding.WithMaxIdleTime(50*time.Millisecond),
	)
	require.NoError(t, err)

	msgr := pod.Messenger(counterEntity(t))
	require.NoError(t, msgr.Tell(t.Context(), "x", counterInc{}))

	require.Eventually(t, func() bool {
		return mgr.EntityCount() == 0
	}, time.Second, 10*time.Millisecond, "idle entity never expired")

	// recreated with fresh in-memory state
	got, err := sharding.Ask[int](t.Context(), msgr, "x", counterGet{})
	require.NoError(t, err)
	require.Equal(t, 0, *got)
}

func TestSharding_MalformedEnvelope(t *testing.T) {
	storage := sharding.NewMemoryStorage()
	pod := newLocalPod(t, storage)

	_, err := pod.RegisterEntity(counterEntity(t), counterBehavior)
	require.NoError(t, err)

	address := sharding.EntityAddress{
		ShardId:    pod.GetShardId("x"),
		EntityType: "counter",
		EntityId:   "x",
	}
	data := []byte(fmt.Sprintf(
		`{"address":{"shardId":%d,"entityType":"counter","entityId":"x"},"message":{"key":"k","type":"Nope","data":{}}}`,
		address.ShardId,
	))

	err = pod.SendEnvelope(t.Context(), pod.LocalPod(), data)
	var malformed *sharding.MalformedMessageError
	require.ErrorAs(t, err, &malformed)

	// no storage write
	require.Empty(t, storage.Entries(address))
}

func TestSharding_UnknownEntityType(t *testing.T) {
	pod := newLocalPod(t, sharding.NewMemoryStorage())

	// nothing registered for "counter"
	msgr := pod.Messenger(counterEntity(t))
	err := msgr.Tell(t.Context(), "x", counterInc{})

	var notManaged *sharding.EntityNotManagedByPodError
	require.ErrorAs(t, err, &notManaged)
}

func TestSharding_DuplicateEntityType(t *testing.T) {
	pod := newLocalPod(t, sharding.NewMemoryStorage())

	_, err := pod.RegisterEntity(counterEntity(t), counterBehavior)
	require.NoError(t, err)
	_, err = pod.RegisterEntity(counterEntity(t), counterBehavior)
	require.ErrorIs(t, err, sharding.ErrEntityTypeRegistered)
}

func TestSharding_RegistrationEvents(t *testing.T) {
	pod := newLocalPod(t, sharding.NewMemoryStorage())

	events := pod.Registrations(t.Context())

	_, err := pod.RegisterEntity(counterEntity(t), counterBehavior)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, sharding.EntityRegistered{EntityType: "counter"}, ev)
	case <-time.After(time.Second):
		t.Fatal("no registration event")
	}
}

func TestSharding_AskFailureSurfacesCause(t *testing.T) {
	pod := newLocalPod(t, sharding.NewMemoryStorage())

	_, err := pod.RegisterEntity(counterEntity(t), counterBehavior)
	require.NoError(t, err)

	msgr := pod.Messenger(counterEntity(t))
	_, err = sharding.Ask[int](t.Context(), msgr, "x", failPlease{})
	require.ErrorContains(t, err, "told to fail")

	// the entity survives a failing message
	got, err := sharding.Ask[int](t.Context(), msgr, "x", counterGet{})
	require.NoError(t, err)
	require.Equal(t, 0, *got)
}

func TestSharding_ShutdownRefusesSends(t *testing.T) {
	storage := sharding.NewMemoryStorage()
	cfg := sharding.Config{
		Host:                     "127.0.0.1",
		Port:                     8081,
		NumberOfShards:           16,
		EntityTerminationTimeout: time.Second,
	}
	pod, err := sharding.New(sharding.Options{
		Config:  cfg,
		Storage: storage,
		Client:  shardmanager.NewLocalClient(cfg.Pod(), cfg.NumberOfShards),
	})
	require.NoError(t, err)
	require.NoError(t, pod.Run(t.Context()))

	_, err = pod.RegisterEntity(counterEntity(t), counterBehavior)
	require.NoError(t, err)

	msgr := pod.Messenger(counterEntity(t))
	require.NoError(t, msgr.Tell(t.Context(), "x", counterInc{}))

	require.NoError(t, pod.Stop(t.Context()))

	// a send after shutdown fails on fresh-state creation
	err = msgr.Tell(t.Context(), "y", counterInc{})
	var notManaged *sharding.EntityNotManagedByPodError
	require.ErrorAs(t, err, &notManaged)
}
