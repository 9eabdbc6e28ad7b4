// Package ds provides small generic data structures used by the sharding
// runtime.
package ds

import (
	"encoding/json"
	"fmt"
)

// Set is an ordered set: O(1) membership plus stable insertion order, which
// keeps shard movement plans and published events deterministic.
//
// Add, Extend, Remove and Clear mutate the receiver; Values, Copy, Filter,
// Additions and Removals return fresh data.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

// NewSet creates a new set with the given items.
func NewSet[T comparable](items ...T) *Set[T] {
	set := &Set[T]{items: map[T]struct{}{}, order: make([]T, 0, len(items))}
	for _, item := range items {
		set.Add(item)
	}
	return set
}

func (s *Set[T]) String() string {
	return fmt.Sprintf("%v", s.order)
}

// Add adds v to the set. No-op if already present. (mutates)
func (s *Set[T]) Add(v T) {
	if s.Contains(v) {
		return
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
}

// Extend adds all given items to the set. (mutates)
func (s *Set[T]) Extend(items ...T) {
	for _, v := range items {
		s.Add(v)
	}
}

// Remove removes the given items from the set. (mutates)
func (s *Set[T]) Remove(items ...T) {
	if len(items) == 0 {
		return
	}

	removed := false
	for _, v := range items {
		if _, ok := s.items[v]; ok {
			delete(s.items, v)
			removed = true
		}
	}
	if !removed {
		return
	}

	newOrder := make([]T, 0, len(s.items))
	for _, v := range s.order {
		if _, ok := s.items[v]; ok {
			newOrder = append(newOrder, v)
		}
	}
	s.order = newOrder
}

// Contains returns true if v is present in the set.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Len returns the number of elements in the set.
func (s *Set[T]) Len() int { return len(s.items) }

// IsEmpty returns true if the set contains no elements.
func (s *Set[T]) IsEmpty() bool { return len(s.items) == 0 }

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	out := make([]T, len(s.order))
	copy(out, s.order)
	return out
}

// ForEach iterates over all elements in insertion order.
func (s *Set[T]) ForEach(fn func(T)) {
	for _, v := range s.order {
		fn(v)
	}
}

// Copy returns a new set with the same elements and order.
func (s *Set[T]) Copy() *Set[T] {
	return NewSet(s.Values()...)
}

// Filter returns a new set containing only elements for which fn returns
// true, preserving the receiver's insertion order.
func (s *Set[T]) Filter(fn func(T) bool) *Set[T] {
	filtered := NewSet[T]()
	for _, v := range s.order {
		if fn(v) {
			filtered.Add(v)
		}
	}
	return filtered
}

// Additions returns the elements present in other but not in s, in other's
// insertion order: what must be added to s to obtain other.
func (s *Set[T]) Additions(other *Set[T]) *Set[T] {
	add := NewSet[T]()
	for _, v := range other.order {
		if !s.Contains(v) {
			add.Add(v)
		}
	}
	return add
}

// Removals returns the elements present in s but not in other, in s's
// insertion order: what must be removed from s to obtain other.
func (s *Set[T]) Removals(other *Set[T]) *Set[T] {
	remove := NewSet[T]()
	for _, v := range s.order {
		if !other.Contains(v) {
			remove.Add(v)
		}
	}
	return remove
}

// Diff computes the transition from s to other: the elements to add and the
// elements to remove.
func (s *Set[T]) Diff(other *Set[T]) (add, remove *Set[T]) {
	return s.Additions(other), s.Removals(other)
}

// Eq returns true if both sets contain the same elements (order ignored).
func (s *Set[T]) Eq(other *Set[T]) bool {
	return s.Len() == other.Len() && s.Additions(other).Len() == 0
}

// Clear removes all elements. (mutates)
func (s *Set[T]) Clear() {
	s.items = map[T]struct{}{}
	s.order = nil
}

// MarshalJSON serializes the set as an ordered JSON array.
func (s Set[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Values())
}

// UnmarshalJSON deserializes a JSON array into the set.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	s.Clear()
	s.Extend(items...)
	return nil
}
