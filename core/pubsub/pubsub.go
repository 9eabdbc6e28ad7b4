// Package pubsub provides a small in-process broadcast hub used for event
// streams (sharding events, local registrations). Subscribers get a buffered
// channel; a slow subscriber drops events rather than blocking publishers.
package pubsub

import (
	"context"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const defaultBuffer = 64

type Hub[T any] struct {
	mu     sync.Mutex
	log    *slog.Logger
	subs   map[string]chan T
	closed bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{
		log:  slog.New(slog.DiscardHandler),
		subs: make(map[string]chan T),
	}
}

func (h *Hub[T]) WithLog(log *slog.Logger) *Hub[T] {
	h.log = log
	return h
}

// Subscribe registers a subscriber bound to ctx. The returned channel is
// closed when ctx is done or the hub closes.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, defaultBuffer)
	if h.closed {
		close(ch)
		return ch
	}

	subID := gonanoid.Must()
	h.subs[subID] = ch

	context.AfterFunc(ctx, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[subID]; ok {
			delete(h.subs, subID)
			close(c)
		}
	})

	return ch
}

// Publish delivers v to all current subscribers. Full subscriber buffers
// drop the event.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			h.log.Warn("dropping event for slow subscriber", slog.String("sub", id))
		}
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
