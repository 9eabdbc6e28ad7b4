package sharding

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/shardis-go/core/ds"
	"github.com/codewandler/shardis-go/core/lifecycle"
)

// offerRetryDelay is the pause before re-resolving entity state when a
// mailbox offer loses the race against entity shutdown.
const offerRetryDelay = 100 * time.Millisecond

// Behavior runs one entity: it takes entries from the mailbox in sequence
// and completes each message through the replier. Returning (or the
// context ending) terminates the entity.
type Behavior func(ctx context.Context, entityId string, mailbox *Mailbox, replier *Replier) error

// EntityManager supervises all in-memory entities of one type on one pod:
// it spawns them on demand, feeds their mailboxes from the durable log,
// idles them out and terminates them.
type EntityManager struct {
	log      *slog.Logger
	entity   Entity
	behavior Behavior
	storage  MailboxStorage
	metrics  ShardingMetrics

	maxIdleTime        time.Duration
	terminationTimeout time.Duration
	isShutdown         func() bool

	scope *lifecycle.Scope

	mu       sync.Mutex // guards structural changes to entities
	entities map[EntityAddress]*entityState
}

type entityState struct {
	mailbox *Mailbox
	scope   *lifecycle.Scope

	// unix millis of the last processed message
	lastActive atomic.Int64
}

type entityManagerOptions struct {
	log                *slog.Logger
	entity             Entity
	behavior           Behavior
	storage            MailboxStorage
	metrics            ShardingMetrics
	scope              *lifecycle.Scope
	maxIdleTime        time.Duration
	terminationTimeout time.Duration
	isShutdown         func() bool
}

func newEntityManager(opts entityManagerOptions) *EntityManager {
	return &EntityManager{
		log:                opts.log,
		entity:             opts.entity,
		behavior:           opts.behavior,
		storage:            opts.storage,
		metrics:            opts.metrics,
		scope:              opts.scope,
		maxIdleTime:        opts.maxIdleTime,
		terminationTimeout: opts.terminationTimeout,
		isShutdown:         opts.isShutdown,
		entities:           make(map[EntityAddress]*entityState),
	}
}

// Send decodes an envelope, persists the message and enqueues it to the
// entity's mailbox, creating the entity if needed. The durable save
// happens before the in-memory offer so an unprocessed message survives a
// crash.
func (m *EntityManager) Send(ctx context.Context, envelope []byte) error {
	defer m.metrics.SendDuration(m.entity.Type).ObserveDuration()

	env, err := DecodeEnvelope(envelope, m.entity.Schema)
	if err != nil {
		return err
	}

	entry, err := m.storage.SaveMessage(ctx, env.Address, env.Message)
	if err != nil {
		if errors.Is(err, ErrNoSuchElement) {
			return nil
		}
		// durable enqueue failures never surface to senders
		m.log.Error(
			"failed to persist message",
			slog.String("address", env.Address.String()),
			slog.Any("error", err),
		)
		return nil
	}

	for {
		st, err := m.entityStateFor(env.Address)
		if err != nil {
			return err
		}
		if err := st.mailbox.Offer(entry); err == nil {
			return nil
		}

		// lost the race against entity shutdown; retry with fresh state
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(offerRetryDelay):
		}
	}
}

// entityStateFor resolves or creates the in-memory state for an address.
func (m *EntityManager) entityStateFor(addr EntityAddress) (*entityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.entities[addr]; ok {
		return st, nil
	}
	if m.isShutdown() || m.scope.Closed() {
		return nil, &EntityNotManagedByPodError{Address: addr}
	}

	scope := m.scope.Fork()
	st := &entityState{mailbox: NewMailbox(), scope: scope}
	st.lastActive.Store(time.Now().UnixMilli())

	// released last when the scope closes
	scope.Defer(st.mailbox.Shutdown)

	replier := &Replier{
		log:     m.log,
		address: addr,
		storage: m.storage,
		metrics: m.metrics,
		touch: func() {
			st.lastActive.Store(time.Now().UnixMilli())
		},
	}

	go func() {
		if err := m.behavior(scope.Context(), addr.EntityId, st.mailbox, replier); err != nil {
			m.log.Error(
				"entity behavior failed",
				slog.String("address", addr.String()),
				slog.Any("error", err),
			)
		}
		// behavior exit closes the entity scope
		m.removeEntity(addr, st)
		scope.Close()
	}()

	m.metrics.EntityStarted(m.entity.Type)
	scope.Defer(func() { m.metrics.EntityStopped(m.entity.Type) })

	go m.expireLoop(scope, addr, st)

	m.entities[addr] = st
	m.log.Debug("entity started", slog.String("address", addr.String()))
	return st, nil
}

// removeEntity drops the entry if it still maps to st.
func (m *EntityManager) removeEntity(addr EntityAddress, st *entityState) {
	m.mu.Lock()
	if cur, ok := m.entities[addr]; ok && cur == st {
		delete(m.entities, addr)
	}
	m.mu.Unlock()
}

// expireLoop terminates the entity once it has been idle for maxIdleTime.
func (m *EntityManager) expireLoop(scope *lifecycle.Scope, addr EntityAddress, st *entityState) {
	timer := time.NewTimer(m.maxIdleTime)
	defer timer.Stop()

	for {
		select {
		case <-scope.Done():
			return
		case <-timer.C:
		}

		idle := time.Since(time.UnixMilli(st.lastActive.Load()))
		remaining := m.maxIdleTime - idle
		if remaining > 0 {
			timer.Reset(remaining)
			continue
		}

		m.log.Debug("entity idle, terminating", slog.String("address", addr.String()))
		m.TerminateEntity(addr)
		return
	}
}

// TerminateEntity closes the entity at addr. Unknown addresses are a
// no-op.
func (m *EntityManager) TerminateEntity(addr EntityAddress) {
	m.mu.Lock()
	st, ok := m.entities[addr]
	if ok {
		delete(m.entities, addr)
	}
	m.mu.Unlock()

	if ok {
		st.scope.Close()
	}
}

// TerminateShards gracefully terminates all entities living on the given
// shards, draining queued messages up to the termination timeout.
func (m *EntityManager) TerminateShards(ctx context.Context, shards *ds.Set[ShardId]) {
	m.terminateMatching(ctx, func(a EntityAddress) bool { return shards.Contains(a.ShardId) })
}

// Close gracefully terminates every entity, then closes the manager scope.
func (m *EntityManager) Close(ctx context.Context) error {
	m.terminateMatching(ctx, func(EntityAddress) bool { return true })
	m.scope.Close()
	return nil
}

func (m *EntityManager) terminateMatching(ctx context.Context, match func(EntityAddress) bool) {
	m.mu.Lock()
	matched := make(map[EntityAddress]*entityState)
	for addr, st := range m.entities {
		if match(addr) {
			matched[addr] = st
			delete(m.entities, addr)
		}
	}
	m.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	// stop offers; queued messages keep draining
	for _, st := range matched {
		st.mailbox.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		for _, st := range matched {
			<-st.scope.Done()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("entity termination interrupted", slog.Int("entities", len(matched)))
	case <-time.After(m.terminationTimeout):
		m.log.Warn("entity termination timed out, forcing close", slog.Int("entities", len(matched)))
	}

	for _, st := range matched {
		st.scope.Close()
	}
}

// HasEntity reports whether an entity is live at addr.
func (m *EntityManager) HasEntity(addr EntityAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entities[addr]
	return ok
}

// EntityCount returns the number of live entities.
func (m *EntityManager) EntityCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// LastActive returns the idle clock of a live entity.
func (m *EntityManager) LastActive(addr EntityAddress) (time.Time, bool) {
	m.mu.Lock()
	st, ok := m.entities[addr]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(st.lastActive.Load()), true
}
