package sharding

import (
	"context"
	"sync"
)

// Mailbox is the unbounded FIFO queue feeding one entity's behavior.
// Single consumer. Shutdown stops further offers; pending entries remain
// takeable until drained, after which Take returns ErrMailboxShutdown.
type Mailbox struct {
	mu       sync.Mutex
	entries  []Entry
	notify   chan struct{}
	shutdown chan struct{}
	closed   bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		notify:   make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
}

// Offer enqueues an entry. Fails with ErrMailboxShutdown after Shutdown.
func (m *Mailbox) Offer(e Entry) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxShutdown
	}
	m.entries = append(m.entries, e)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Take blocks until an entry is available, ctx is done, or the mailbox is
// shut down and drained.
func (m *Mailbox) Take(ctx context.Context) (Entry, error) {
	for {
		m.mu.Lock()
		if len(m.entries) > 0 {
			e := m.entries[0]
			m.entries = m.entries[1:]
			m.mu.Unlock()
			return e, nil
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return Entry{}, ErrMailboxShutdown
		}

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-m.shutdown:
		case <-m.notify:
		}
	}
}

// Len returns the number of queued entries.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown stops further offers and wakes pending receivers. Idempotent.
func (m *Mailbox) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
}
