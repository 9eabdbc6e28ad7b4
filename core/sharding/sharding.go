// Package sharding implements the per-pod runtime of the cluster: it
// routes envelopes to the pod owning the target shard, supervises the
// local entity managers and keeps an eventually-consistent cache of the
// shard assignment map published by the shard manager.
//
// # Architecture
//
//   - [Sharding]: per-pod runtime owning entity managers and the
//     assignment cache
//   - [EntityManager]: per-entity-type supervisor (spawn, feed, idle out,
//     terminate)
//   - [Messenger]: user-facing tell/ask facade for one entity type
//   - [MailboxStorage]: durable per-entity message log consumed before
//     any in-memory delivery
//   - [Pods]: pod-to-pod RPC client abstraction (see adapters/nats)
//   - [ShardManagerClient]: per-pod view of the control plane
//
// Shard ownership is derived from entity ids with a fixed hash
// ([ShardIdForEntity]) that every pod computes identically.
package sharding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/shardis-go/core/ds"
	"github.com/codewandler/shardis-go/core/lifecycle"
	"github.com/codewandler/shardis-go/core/pubsub"
	"github.com/codewandler/shardis-go/core/sf"
)

type (
	Options struct {
		Log     *slog.Logger
		Config  Config
		Storage MailboxStorage
		Pods    Pods
		Client  ShardManagerClient
		Metrics ShardingMetrics
	}

	Sharding struct {
		log      *slog.Logger
		cfg      Config
		localPod PodAddress
		storage  MailboxStorage
		pods     Pods
		client   ShardManagerClient
		metrics  ShardingMetrics

		scope    *lifecycle.Scope
		shutdown atomic.Bool

		mu             sync.Mutex // guards structural changes to entityManagers
		entityManagers map[string]*EntityManager

		assignments atomic.Pointer[map[ShardId]*PodAddress]
		refresh     *sf.Singleflight[map[ShardId]*PodAddress]

		registrations *pubsub.Hub[EntityRegistered]
	}
)

func New(opts Options) (*Sharding, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("sharding: Options.Storage is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("sharding: Options.Client is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	pods := opts.Pods
	if pods == nil {
		pods = NewMemoryPods()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopShardingMetrics()
	}

	cfg := opts.Config.withDefaults()
	localPod := cfg.Pod()

	s := &Sharding{
		log:            log.With(slog.String("pod", localPod.String())),
		cfg:            cfg,
		localPod:       localPod,
		storage:        opts.Storage,
		pods:           pods,
		client:         opts.Client,
		metrics:        metrics,
		scope:          lifecycle.New(context.Background()),
		entityManagers: make(map[string]*EntityManager),
		refresh:        sf.New[map[ShardId]*PodAddress](),
		registrations:  pubsub.NewHub[EntityRegistered](),
	}
	s.shutdown.Store(true) // not serving until Run
	empty := make(map[ShardId]*PodAddress)
	s.assignments.Store(&empty)
	return s, nil
}

// LocalPod returns the local pod address.
func (s *Sharding) LocalPod() PodAddress { return s.localPod }

// Config returns the pod configuration with defaults applied.
func (s *Sharding) Config() Config { return s.cfg }

// Run registers the pod with the shard manager and starts the background
// assignment refresh. A registration failure fails pod startup.
func (s *Sharding) Run(ctx context.Context) error {
	if err := s.client.Register(ctx, s.localPod); err != nil {
		return fmt.Errorf("failed to register pod %s: %w", s.localPod, err)
	}
	s.shutdown.Store(false)

	if _, err := s.refreshAssignments(ctx); err != nil {
		s.log.Warn("initial assignment refresh failed", slog.Any("error", err))
	}

	go s.refreshLoop()

	s.log.Info(
		"pod registered",
		slog.Int("num_shards", s.cfg.NumberOfShards),
	)
	return nil
}

// Stop gracefully shuts the pod down: new entities are refused, entity
// managers drain within the termination timeout, and the pod unregisters
// from the shard manager. Unregistration failures are logged and
// swallowed so the pod can still exit.
func (s *Sharding) Stop(ctx context.Context) error {
	if s.shutdown.Swap(true) {
		return nil
	}
	s.log.Info("pod shutting down")

	s.mu.Lock()
	managers := make(map[string]*EntityManager, len(s.entityManagers))
	for typ, mgr := range s.entityManagers {
		managers[typ] = mgr
	}
	s.mu.Unlock()

	for typ, mgr := range managers {
		if err := mgr.Close(ctx); err != nil {
			s.log.Error(
				"failed to close entity manager",
				slog.String("entity_type", typ),
				slog.Any("error", err),
			)
		}
	}

	s.scope.Close()
	s.registrations.Close()

	if err := s.client.Unregister(ctx, s.localPod); err != nil {
		s.log.Warn("failed to unregister pod", slog.Any("error", err))
	}
	return nil
}

// === entity registration ===

type entityOptions struct {
	maxIdleTime time.Duration
}

type EntityOption func(*entityOptions)

// WithMaxIdleTime overrides the pod-wide entity idle TTL for one entity
// type. A zero value terminates entities as soon as they go idle.
func WithMaxIdleTime(d time.Duration) EntityOption {
	return func(o *entityOptions) {
		o.maxIdleTime = d
	}
}

// RegisterEntity installs an entity type on this pod and starts its
// manager.
func (s *Sharding) RegisterEntity(entity Entity, behavior Behavior, opts ...EntityOption) (*EntityManager, error) {
	eo := entityOptions{maxIdleTime: s.cfg.EntityMaxIdleTime}
	for _, opt := range opts {
		opt(&eo)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entityManagers[entity.Type]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityTypeRegistered, entity.Type)
	}

	mgr := newEntityManager(entityManagerOptions{
		log:                s.log.With(slog.String("entity_type", entity.Type)),
		entity:             entity,
		behavior:           behavior,
		storage:            s.storage,
		metrics:            s.metrics,
		scope:              s.scope.Fork(),
		maxIdleTime:        eo.maxIdleTime,
		terminationTimeout: s.cfg.EntityTerminationTimeout,
		isShutdown:         s.shutdown.Load,
	})
	s.entityManagers[entity.Type] = mgr
	s.registrations.Publish(EntityRegistered{EntityType: entity.Type})
	s.log.Info("entity registered", slog.String("entity_type", entity.Type))
	return mgr, nil
}

// Registrations streams local entity registrations.
func (s *Sharding) Registrations(ctx context.Context) <-chan EntityRegistered {
	return s.registrations.Subscribe(ctx)
}

// === assignments ===

// GetShardId derives the shard for an entity id.
func (s *Sharding) GetShardId(entityId string) ShardId {
	return ShardIdForEntity(entityId, s.cfg.NumberOfShards)
}

// Assignments returns the latest assignment snapshot. The map must be
// treated as read-only.
func (s *Sharding) Assignments() map[ShardId]*PodAddress {
	return *s.assignments.Load()
}

// IsEntityOnLocalShards reports whether the address's shard is currently
// owned by this pod.
func (s *Sharding) IsEntityOnLocalShards(addr EntityAddress) bool {
	pod := s.Assignments()[addr.ShardId]
	return pod != nil && *pod == s.localPod
}

func (s *Sharding) refreshLoop() {
	t := time.NewTicker(s.cfg.RefreshAssignmentsInterval)
	defer t.Stop()

	for {
		select {
		case <-s.scope.Done():
			return
		case <-t.C:
			if _, err := s.refreshAssignments(s.scope.Context()); err != nil {
				s.log.Warn("failed to refresh shard assignments", slog.Any("error", err))
			}
		}
	}
}

// refreshAssignments pulls a fresh assignment map; concurrent callers are
// collapsed into a single pull.
func (s *Sharding) refreshAssignments(ctx context.Context) (map[ShardId]*PodAddress, error) {
	return s.refresh.Do("assignments", func() (map[ShardId]*PodAddress, error) {
		m, err := s.client.GetAssignments(ctx)
		if err != nil {
			return nil, err
		}
		s.assignments.Store(&m)

		owned := 0
		for _, pod := range m {
			if pod != nil && *pod == s.localPod {
				owned++
			}
		}
		s.metrics.ShardsOwned(owned)
		return m, nil
	})
}

// === routing ===

// SendEnvelope routes an encoded envelope: to the local entity manager
// when pod is the local address, via Pods otherwise. A PodUnavailable
// outcome is reported to the shard manager.
func (s *Sharding) SendEnvelope(ctx context.Context, pod PodAddress, envelope []byte) error {
	if pod == s.localPod {
		err := s.sendToLocalEntityManager(ctx, envelope)
		s.metrics.EnvelopeSent("local", err == nil)
		return err
	}

	err := s.pods.Send(ctx, pod, envelope)
	s.metrics.EnvelopeSent("remote", err == nil)

	var unavailable *PodUnavailableError
	if errors.As(err, &unavailable) {
		if nerr := s.client.NotifyUnhealthyPod(ctx, unavailable.Pod); nerr != nil {
			s.log.Warn(
				"failed to report unhealthy pod",
				slog.String("unhealthy_pod", unavailable.Pod.String()),
				slog.Any("error", nerr),
			)
		}
	}
	return err
}

// ReceiveEnvelope dispatches an envelope arriving from a peer pod to the
// local entity manager.
func (s *Sharding) ReceiveEnvelope(ctx context.Context, envelope []byte) error {
	return s.sendToLocalEntityManager(ctx, envelope)
}

func (s *Sharding) sendToLocalEntityManager(ctx context.Context, envelope []byte) error {
	addr, err := DecodeAddress(envelope)
	if err != nil {
		return err
	}
	if !s.IsEntityOnLocalShards(addr) {
		return &EntityNotManagedByPodError{Address: addr}
	}

	s.mu.Lock()
	mgr, ok := s.entityManagers[addr.EntityType]
	s.mu.Unlock()
	if !ok {
		return &EntityNotManagedByPodError{Address: addr}
	}
	return mgr.Send(ctx, envelope)
}

// === sharding events ===

// HandleEvent reacts to a sharding event delivered by the shard manager.
// Losing local shards terminates the entities living on them.
func (s *Sharding) HandleEvent(ctx context.Context, ev ShardingEvent) error {
	switch e := ev.(type) {
	case ShardsUnassigned:
		if e.Pod == s.localPod {
			s.log.Info("shards unassigned, terminating entities", slog.Any("shards", e.Shards))
			s.terminateShards(ctx, e.Shards)
		}
		if _, err := s.refreshAssignments(ctx); err != nil {
			s.log.Warn("failed to refresh shard assignments", slog.Any("error", err))
		}
	case ShardsAssigned:
		if _, err := s.refreshAssignments(ctx); err != nil {
			s.log.Warn("failed to refresh shard assignments", slog.Any("error", err))
		}
	default:
		s.log.Debug("sharding event", slog.Any("event", ev))
	}
	return nil
}

func (s *Sharding) terminateShards(ctx context.Context, shards *ds.Set[ShardId]) {
	s.mu.Lock()
	managers := make([]*EntityManager, 0, len(s.entityManagers))
	for _, mgr := range s.entityManagers {
		managers = append(managers, mgr)
	}
	s.mu.Unlock()

	for _, mgr := range managers {
		mgr.TerminateShards(ctx, shards)
	}
}

// Messenger builds the tell/ask facade for one entity type.
func (s *Sharding) Messenger(entity Entity) *Messenger {
	return &Messenger{sharding: s, entity: entity}
}
