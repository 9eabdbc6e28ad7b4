package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryStorage is the in-process MailboxStorage reference implementation.
// Waiters on WaitProcessed are notified via channels when the terminal
// state is written.
type MemoryStorage struct {
	mu      sync.Mutex
	log     *slog.Logger
	seqs    map[string]int64
	entries map[string][]Entry
	states  map[string]MessageState
	waiters map[string][]chan MessageState
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		log:     slog.New(slog.DiscardHandler),
		seqs:    make(map[string]int64),
		entries: make(map[string][]Entry),
		states:  make(map[string]MessageState),
		waiters: make(map[string][]chan MessageState),
	}
}

func (s *MemoryStorage) WithLog(log *slog.Logger) *MemoryStorage {
	s.log = log.With(slog.String("storage", "memory"))
	return s
}

func (s *MemoryStorage) streamKey(address EntityAddress) string {
	return address.EntityType + "/" + address.EntityId
}

func (s *MemoryStorage) stateKey(address EntityAddress, primaryKey string) string {
	return s.streamKey(address) + "/" + primaryKey
}

func (s *MemoryStorage) SaveMessage(_ context.Context, address EntityAddress, msg Msg) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := s.streamKey(address)
	s.seqs[sk]++
	entry := Entry{
		ShardId:        address.ShardId,
		EntityType:     address.EntityType,
		EntityId:       address.EntityId,
		Message:        msg,
		SequenceNumber: s.seqs[sk],
	}
	s.entries[sk] = append(s.entries[sk], entry)

	stk := s.stateKey(address, msg.Key)
	if _, ok := s.states[stk]; !ok {
		s.states[stk] = Pending()
	}

	s.log.Debug(
		"message saved",
		slog.String("address", address.String()),
		slog.Int64("seq", entry.SequenceNumber),
	)

	return entry, nil
}

func (s *MemoryStorage) UpdateMessage(_ context.Context, address EntityAddress, msg Msg, state MessageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stk := s.stateKey(address, msg.Key)
	if _, ok := s.states[stk]; !ok {
		return fmt.Errorf("message %s: %w", stk, ErrNoSuchElement)
	}
	s.states[stk] = state

	if state.Processed {
		for _, ch := range s.waiters[stk] {
			ch <- state
		}
		delete(s.waiters, stk)
	}

	return nil
}

func (s *MemoryStorage) WaitProcessed(ctx context.Context, address EntityAddress, primaryKey string) (MessageState, error) {
	stk := s.stateKey(address, primaryKey)

	s.mu.Lock()
	if st, ok := s.states[stk]; ok && st.Processed {
		s.mu.Unlock()
		return st, nil
	}
	ch := make(chan MessageState, 1)
	s.waiters[stk] = append(s.waiters[stk], ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		ws := s.waiters[stk]
		for i, w := range ws {
			if w == ch {
				s.waiters[stk] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return MessageState{}, ctx.Err()
	case st := <-ch:
		return st, nil
	}
}

// Entries returns a snapshot of the persisted log for one entity, in
// sequence order.
func (s *MemoryStorage) Entries(address EntityAddress) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.entries[s.streamKey(address)]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// State returns the current state of one message.
func (s *MemoryStorage) State(address EntityAddress, primaryKey string) (MessageState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[s.stateKey(address, primaryKey)]
	return st, ok
}

var _ MailboxStorage = (*MemoryStorage)(nil)
