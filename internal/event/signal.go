// Package event provides the in-process coordination primitives shared by
// the worker, scheduler, and elector: typed synchronous signals and
// one-shot wakeup flags.
package event

import "sync"

// Signal is a typed publish/subscribe point. Handlers run synchronously on
// the emitting goroutine, in registration order. Safe for concurrent use.
type Signal[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it again.
// Subscribers must be unregistered on shutdown so reloads don't leave
// dangling handlers behind.
func (s *Signal[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers v to every current subscriber, synchronously.
func (s *Signal[T]) Emit(v T) {
	s.mu.RLock()
	subs := make([]subscriber[T], len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(v)
	}
}

// Len returns the number of current subscribers.
func (s *Signal[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
