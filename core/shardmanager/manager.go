// Package shardmanager implements the cluster's control plane: the
// authoritative shard->pod assignment map, rebalancing as pods join and
// leave, the pod liveness sweep, and the sharding event stream consumed
// by pods and operators.
package shardmanager

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/codewandler/shardis-go/core/ds"
	"github.com/codewandler/shardis-go/core/pubsub"
	"github.com/codewandler/shardis-go/core/sharding"
)

type (
	Options struct {
		Log    *slog.Logger
		Config Config

		// Store persists assignments. Defaults to the in-memory store.
		Store AssignmentStore

		// Pods delivers terminate/assign notifications to pods. Optional;
		// without it pods rely on their periodic assignment refresh.
		Pods sharding.Pods

		// Health validates unhealthy-pod reports and drives the sweep.
		// Defaults to PingHealth over Pods, or AlwaysAlive without Pods.
		Health sharding.PodsHealth

		Metrics ManagerMetrics
	}

	ShardManager struct {
		log     *slog.Logger
		cfg     Config
		store   AssignmentStore
		pods    sharding.Pods
		health  sharding.PodsHealth
		metrics ManagerMetrics

		mu          sync.Mutex
		registered  map[sharding.PodAddress]podInfo
		assignments map[sharding.ShardId]*sharding.PodAddress

		// shards whose terminate notification failed, per source pod
		pendingTerminations map[sharding.PodAddress]*ds.Set[sharding.ShardId]

		// serializes rebalance passes
		rebalanceMu sync.Mutex

		events *pubsub.Hub[sharding.ShardingEvent]
	}

	podInfo struct {
		registeredAt time.Time
	}

	move struct {
		shard sharding.ShardId
		from  *sharding.PodAddress
		to    sharding.PodAddress
	}
)

func New(ctx context.Context, opts Options) (*ShardManager, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "shard-manager"))

	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}

	health := opts.Health
	if health == nil {
		if opts.Pods != nil {
			health = NewPingHealth(opts.Pods)
		} else {
			health = AlwaysAlive()
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NopManagerMetrics()
	}

	cfg := opts.Config.withDefaults()
	if cfg.RebalanceRate <= 0 || cfg.RebalanceRate > 1 {
		return nil, fmt.Errorf("shardmanager: RebalanceRate must be in (0,1], got %v", cfg.RebalanceRate)
	}

	stored, err := store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read persisted assignments: %w", err)
	}

	assignments := make(map[sharding.ShardId]*sharding.PodAddress, cfg.NumberOfShards)
	for shard := sharding.ShardId(0); int(shard) < cfg.NumberOfShards; shard++ {
		assignments[shard] = stored[shard]
	}

	m := &ShardManager{
		log:                 log,
		cfg:                 cfg,
		store:               store,
		pods:                opts.Pods,
		health:              health,
		metrics:             metrics,
		registered:          make(map[sharding.PodAddress]podInfo),
		assignments:         assignments,
		pendingTerminations: make(map[sharding.PodAddress]*ds.Set[sharding.ShardId]),
		events:              pubsub.NewHub[sharding.ShardingEvent]().WithLog(log),
	}
	return m, nil
}

// Run starts the periodic rebalance pass, the pod health sweep and the
// terminate-retry loop, all bound to ctx.
func (m *ShardManager) Run(ctx context.Context) error {
	go m.tick(ctx, m.cfg.RebalanceInterval, func() {
		if err := m.Rebalance(ctx, false); err != nil {
			m.log.Warn("rebalance pass failed", slog.Any("error", err))
		}
	})
	go m.tick(ctx, m.cfg.PodHealthCheckInterval, func() {
		m.checkPodHealth(ctx)
	})
	go m.tick(ctx, m.cfg.RebalanceRetryInterval, func() {
		m.retryTerminations(ctx)
	})

	m.log.Info("shard manager started", slog.Int("num_shards", m.cfg.NumberOfShards))
	return nil
}

func (m *ShardManager) tick(ctx context.Context, interval time.Duration, fn func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// === pod membership ===

// Register adds a pod to the cluster and triggers a balancing pass.
func (m *ShardManager) Register(ctx context.Context, pod sharding.PodAddress) error {
	m.mu.Lock()
	_, known := m.registered[pod]
	if !known {
		m.registered[pod] = podInfo{registeredAt: time.Now()}
	}
	count := len(m.registered)
	m.mu.Unlock()

	if !known {
		m.log.Info("pod registered", slog.String("pod", pod.String()), slog.Int("pods", count))
		m.events.Publish(sharding.PodRegistered{Pod: pod})
		m.metrics.PodsRegistered(count)
	}

	return m.Rebalance(ctx, false)
}

// Unregister removes a pod, releases its shards and triggers an immediate
// rebalance.
func (m *ShardManager) Unregister(ctx context.Context, pod sharding.PodAddress) error {
	m.mu.Lock()
	if _, ok := m.registered[pod]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.registered, pod)

	var released []sharding.ShardId
	for shard, owner := range m.assignments {
		if owner != nil && *owner == pod {
			m.assignments[shard] = nil
			released = append(released, shard)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	delete(m.pendingTerminations, pod)
	count := len(m.registered)
	m.mu.Unlock()

	m.log.Info(
		"pod unregistered",
		slog.String("pod", pod.String()),
		slog.Int("released_shards", len(released)),
	)
	m.events.Publish(sharding.PodUnregistered{Pod: pod})
	m.metrics.PodsRegistered(count)

	if len(released) > 0 {
		if err := m.persist(ctx); err != nil {
			m.log.Error("failed to persist assignments", slog.Any("error", err))
		}
		m.events.Publish(sharding.ShardsUnassigned{Pod: pod, Shards: ds.NewSet(released...)})
	}

	return m.Rebalance(ctx, true)
}

// NotifyUnhealthyPod validates the report with a liveness probe and
// unregisters the pod when it is indeed dead.
func (m *ShardManager) NotifyUnhealthyPod(ctx context.Context, pod sharding.PodAddress) error {
	m.mu.Lock()
	_, known := m.registered[pod]
	m.mu.Unlock()
	if !known {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.PodPingTimeout)
	alive := m.health.IsAlive(probeCtx, pod)
	cancel()

	if alive {
		m.log.Debug("pod reported unhealthy but responds to ping", slog.String("pod", pod.String()))
		return nil
	}

	m.log.Warn("pod is unhealthy, evicting", slog.String("pod", pod.String()))
	return m.Unregister(ctx, pod)
}

// GetAssignments returns a snapshot of the current assignment map.
func (m *ShardManager) GetAssignments() map[sharding.ShardId]*sharding.PodAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyAssignments(m.assignments)
}

// Pods returns the registered pod addresses, sorted.
func (m *ShardManager) Pods() []sharding.PodAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedPodsLocked()
}

// Events streams sharding events to the subscriber until ctx ends.
func (m *ShardManager) Events(ctx context.Context) <-chan sharding.ShardingEvent {
	return m.events.Subscribe(ctx)
}

// === health sweep ===

func (m *ShardManager) checkPodHealth(ctx context.Context) {
	m.mu.Lock()
	pods := m.sortedPodsLocked()
	m.mu.Unlock()

	for _, pod := range pods {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.PodPingTimeout)
		alive := m.health.IsAlive(probeCtx, pod)
		cancel()

		m.events.Publish(sharding.PodHealthChecked{Pod: pod})
		m.metrics.PodHealthChecked(alive)

		if !alive {
			m.log.Warn("pod failed health check, evicting", slog.String("pod", pod.String()))
			if err := m.Unregister(ctx, pod); err != nil {
				m.log.Error("failed to evict pod", slog.String("pod", pod.String()), slog.Any("error", err))
			}
		}
	}
}

// === rebalancing ===

// Rebalance recomputes assignments: unassigned shards are always placed;
// balancing moves are bounded by ceil(RebalanceRate * NumberOfShards)
// unless immediate. Each move is applied as unassign -> persist ->
// publish/notify -> assign -> persist -> publish.
func (m *ShardManager) Rebalance(ctx context.Context, immediate bool) error {
	m.rebalanceMu.Lock()
	defer m.rebalanceMu.Unlock()
	defer m.metrics.RebalanceDuration().ObserveDuration()

	m.mu.Lock()
	moves := m.planRebalanceLocked(immediate)
	m.mu.Unlock()

	if len(moves) == 0 {
		m.updateShardGauge()
		return nil
	}

	bySource := make(map[sharding.PodAddress]*ds.Set[sharding.ShardId])
	byDest := make(map[sharding.PodAddress]*ds.Set[sharding.ShardId])
	var sources, dests []sharding.PodAddress
	for _, mv := range moves {
		if mv.from != nil {
			set, ok := bySource[*mv.from]
			if !ok {
				set = ds.NewSet[sharding.ShardId]()
				bySource[*mv.from] = set
				sources = append(sources, *mv.from)
			}
			set.Add(mv.shard)
		}
		set, ok := byDest[mv.to]
		if !ok {
			set = ds.NewSet[sharding.ShardId]()
			byDest[mv.to] = set
			dests = append(dests, mv.to)
		}
		set.Add(mv.shard)
	}

	// release moved shards from their current owners
	if len(bySource) > 0 {
		m.mu.Lock()
		for _, mv := range moves {
			if mv.from != nil {
				m.assignments[mv.shard] = nil
			}
		}
		m.mu.Unlock()

		if err := m.persist(ctx); err != nil {
			m.log.Error("failed to persist assignments", slog.Any("error", err))
		}

		for _, pod := range sources {
			shards := bySource[pod]
			m.events.Publish(sharding.ShardsUnassigned{Pod: pod, Shards: shards})
			m.notifyTerminate(ctx, pod, shards)
		}
	}

	// hand the shards to their new owners
	m.mu.Lock()
	for _, mv := range moves {
		to := mv.to
		m.assignments[mv.shard] = &to
	}
	m.mu.Unlock()

	if err := m.persist(ctx); err != nil {
		m.log.Error("failed to persist assignments", slog.Any("error", err))
	}

	for _, pod := range dests {
		shards := byDest[pod]
		m.events.Publish(sharding.ShardsAssigned{Pod: pod, Shards: shards})
		if m.pods != nil {
			if err := m.pods.Notify(ctx, pod, sharding.ShardsAssigned{Pod: pod, Shards: shards}); err != nil {
				m.log.Debug("failed to notify pod of assignment", slog.String("pod", pod.String()), slog.Any("error", err))
			}
		}
	}

	m.log.Info("rebalanced", slog.Int("moves", len(moves)), slog.Bool("immediate", immediate))
	m.metrics.ShardsRebalanced(len(moves))
	m.updateShardGauge()
	return nil
}

// planRebalanceLocked computes the movement plan. Callers hold m.mu.
func (m *ShardManager) planRebalanceLocked(immediate bool) []move {
	if len(m.registered) == 0 {
		return nil
	}

	pods := m.sortedPodsLocked()

	counts := make(map[sharding.PodAddress]int, len(pods))
	owned := make(map[sharding.PodAddress][]sharding.ShardId, len(pods))
	var unassigned []sharding.ShardId

	// ascending shard order keeps owned lists and the plan deterministic
	for shard := sharding.ShardId(0); int(shard) < m.cfg.NumberOfShards; shard++ {
		owner := m.assignments[shard]
		if owner == nil {
			unassigned = append(unassigned, shard)
			continue
		}
		if _, ok := m.registered[*owner]; !ok {
			unassigned = append(unassigned, shard)
			continue
		}
		counts[*owner]++
		owned[*owner] = append(owned[*owner], shard)
	}

	// per-pod target: floor(N/P) with the remainder distributed over the
	// first pods in address order
	base := m.cfg.NumberOfShards / len(pods)
	rem := m.cfg.NumberOfShards % len(pods)
	target := make(map[sharding.PodAddress]int, len(pods))
	for i, p := range pods {
		t := base
		if i < rem {
			t++
		}
		target[p] = t
	}

	// mostUnderloaded picks the pod with the biggest deficit, tie-broken
	// by address order.
	mostUnderloaded := func() (sharding.PodAddress, bool) {
		var best sharding.PodAddress
		bestDeficit := 0
		for _, p := range pods {
			if d := target[p] - counts[p]; d > bestDeficit {
				best = p
				bestDeficit = d
			}
		}
		return best, bestDeficit > 0
	}

	var moves []move

	// place unassigned shards first, never rate-bounded
	for _, shard := range unassigned {
		to, ok := mostUnderloaded()
		if !ok {
			// all pods at target; spill in address order
			to = pods[0]
			for _, p := range pods[1:] {
				if counts[p] < counts[to] {
					to = p
				}
			}
		}
		moves = append(moves, move{shard: shard, to: to})
		counts[to]++
	}

	// balancing moves, bounded per pass
	budget := int(math.Ceil(m.cfg.RebalanceRate * float64(m.cfg.NumberOfShards)))
	if immediate {
		budget = m.cfg.NumberOfShards
	}
	for _, from := range pods {
		for counts[from] > target[from] && budget > 0 {
			to, ok := mostUnderloaded()
			if !ok {
				return moves
			}
			shard := owned[from][0]
			owned[from] = owned[from][1:]
			f := from
			moves = append(moves, move{shard: shard, from: &f, to: to})
			counts[from]--
			counts[to]++
			budget--
		}
	}

	return moves
}

func (m *ShardManager) sortedPodsLocked() []sharding.PodAddress {
	pods := make([]sharding.PodAddress, 0, len(m.registered))
	for p := range m.registered {
		pods = append(pods, p)
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].String() < pods[j].String() })
	return pods
}

// persist durably writes the current assignment map, retrying up to
// PersistRetryCount times.
func (m *ShardManager) persist(ctx context.Context) error {
	var err error
	for attempt := 0; attempt <= m.cfg.PersistRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.PersistRetryInterval):
			}
		}

		m.mu.Lock()
		snap := copyAssignments(m.assignments)
		m.mu.Unlock()

		if err = m.store.Write(ctx, snap); err == nil {
			return nil
		}
		m.log.Warn("assignment persistence failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return err
}

// notifyTerminate instructs a pod to terminate entities on released
// shards. Failures do not roll back the assignment change; they are
// retried on the rebalance retry interval.
func (m *ShardManager) notifyTerminate(ctx context.Context, pod sharding.PodAddress, shards *ds.Set[sharding.ShardId]) {
	if m.pods == nil {
		return
	}
	err := m.pods.Notify(ctx, pod, sharding.ShardsUnassigned{Pod: pod, Shards: shards})
	if err == nil {
		return
	}
	m.log.Warn(
		"failed to notify pod of shard termination",
		slog.String("pod", pod.String()),
		slog.Any("error", err),
	)

	m.mu.Lock()
	pending, ok := m.pendingTerminations[pod]
	if !ok {
		pending = ds.NewSet[sharding.ShardId]()
		m.pendingTerminations[pod] = pending
	}
	pending.Extend(shards.Values()...)
	m.mu.Unlock()
}

func (m *ShardManager) retryTerminations(ctx context.Context) {
	m.mu.Lock()
	pending := make(map[sharding.PodAddress]*ds.Set[sharding.ShardId], len(m.pendingTerminations))
	for pod, shards := range m.pendingTerminations {
		pending[pod] = shards.Copy()
	}
	m.mu.Unlock()

	for pod, shards := range pending {
		m.mu.Lock()
		_, registered := m.registered[pod]
		m.mu.Unlock()
		if !registered {
			m.mu.Lock()
			delete(m.pendingTerminations, pod)
			m.mu.Unlock()
			continue
		}

		if err := m.pods.Notify(ctx, pod, sharding.ShardsUnassigned{Pod: pod, Shards: shards}); err != nil {
			m.log.Warn("terminate retry failed", slog.String("pod", pod.String()), slog.Any("error", err))
			continue
		}
		m.mu.Lock()
		if cur, ok := m.pendingTerminations[pod]; ok {
			cur.Remove(shards.Values()...)
			if cur.IsEmpty() {
				delete(m.pendingTerminations, pod)
			}
		}
		m.mu.Unlock()
	}
}

func (m *ShardManager) updateShardGauge() {
	m.mu.Lock()
	assigned := 0
	for _, owner := range m.assignments {
		if owner != nil {
			assigned++
		}
	}
	m.mu.Unlock()
	m.metrics.ShardsAssigned(assigned)
}
