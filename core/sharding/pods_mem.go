package sharding

import (
	"context"
	"log/slog"
	"sync"
)

type (
	// EnvelopeHandler receives encoded envelopes on the pod side.
	EnvelopeHandler func(ctx context.Context, envelope []byte) error

	// EventHandler receives sharding events on the pod side.
	EventHandler func(ctx context.Context, event ShardingEvent) error

	podHandlers struct {
		envelope EnvelopeHandler
		event    EventHandler
	}

	// MemoryPods is an in-process Pods implementation wiring several
	// pods living in the same process, used by tests.
	// Delivery is synchronous, which trivially preserves per-destination
	// ordering.
	MemoryPods struct {
		mu   sync.RWMutex
		log  *slog.Logger
		pods map[string]podHandlers
	}
)

func NewMemoryPods() *MemoryPods {
	return &MemoryPods{
		log:  slog.New(slog.DiscardHandler),
		pods: make(map[string]podHandlers),
	}
}

func (p *MemoryPods) WithLog(log *slog.Logger) *MemoryPods {
	p.log = log.With(slog.String("pods", "memory"))
	return p
}

// Register wires a pod's handlers into the network. The returned func
// disconnects the pod, after which sends to it fail with
// PodUnavailableError.
func (p *MemoryPods) Register(pod PodAddress, envelope EnvelopeHandler, event EventHandler) func() {
	key := pod.String()

	p.mu.Lock()
	p.pods[key] = podHandlers{envelope: envelope, event: event}
	p.mu.Unlock()

	p.log.Debug("pod connected", slog.String("pod", key))

	return func() {
		p.mu.Lock()
		delete(p.pods, key)
		p.mu.Unlock()
		p.log.Debug("pod disconnected", slog.String("pod", key))
	}
}

// Disconnect drops a pod from the network, simulating a crash.
func (p *MemoryPods) Disconnect(pod PodAddress) {
	p.mu.Lock()
	delete(p.pods, pod.String())
	p.mu.Unlock()
}

func (p *MemoryPods) lookup(pod PodAddress) (podHandlers, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.pods[pod.String()]
	return h, ok
}

func (p *MemoryPods) Send(ctx context.Context, pod PodAddress, envelope []byte) error {
	h, ok := p.lookup(pod)
	if !ok {
		return &PodUnavailableError{Pod: pod}
	}
	return h.envelope(ctx, envelope)
}

func (p *MemoryPods) Ping(_ context.Context, pod PodAddress) error {
	if _, ok := p.lookup(pod); !ok {
		return &PodUnavailableError{Pod: pod}
	}
	return nil
}

func (p *MemoryPods) Notify(ctx context.Context, pod PodAddress, event ShardingEvent) error {
	h, ok := p.lookup(pod)
	if !ok {
		return &PodUnavailableError{Pod: pod}
	}
	if h.event == nil {
		return nil
	}
	return h.event(ctx, event)
}

var _ Pods = (*MemoryPods)(nil)
