package pubsub

import (
	"sync"

	"github.com/zjrosen/subjectmap/internal/serial"
)

// ReplaySubject is a single-producer broadcast channel that remembers its most
// recent value and replays it to every observer that subscribes later.
//
// Only the latest value is kept. Error and Complete terminate the subject: new
// observers receive the error (or completion) immediately and no value.
//
// All operations are executed on an internal serial queue, so emissions are
// delivered to observers one at a time, in the order they were made, and an
// observer may call back into the subject (subscribe, unsubscribe, emit) from
// inside a callback without deadlocking. Such nested calls run after the
// current callback returns.
type ReplaySubject[T any] struct {
	queue serial.Queue

	// observers is only touched from queue items.
	observers []observerEntry[T]

	mu       sync.RWMutex
	last     T
	hasValue bool
	err      error
	done     bool
	count    int
}

type observerEntry[T any] struct {
	sub *Subscription
	obs Observer[T]
}

// NewReplaySubject creates an empty subject.
func NewReplaySubject[T any]() *ReplaySubject[T] {
	return &ReplaySubject[T]{}
}

// Next records value as the latest emission and delivers it to every
// current observer. It is a no-op once the subject has terminated.
func (s *ReplaySubject[T]) Next(value T) {
	s.queue.Do(func() {
		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			return
		}
		s.last = value
		s.hasValue = true
		s.mu.Unlock()

		for _, e := range s.snapshot() {
			if e.sub.Closed() {
				continue
			}
			e.obs.OnNext(value)
		}
	})
}

// Error terminates the subject with err. Current observers receive err and
// future observers receive it immediately on subscribe.
func (s *ReplaySubject[T]) Error(err error) {
	s.queue.Do(func() {
		if !s.terminate(err) {
			return
		}
		for _, e := range s.detachAll() {
			e.obs.OnError(err)
		}
	})
}

// Complete terminates the subject without an error.
func (s *ReplaySubject[T]) Complete() {
	s.queue.Do(func() {
		if !s.terminate(nil) {
			return
		}
		for _, e := range s.detachAll() {
			e.obs.OnComplete()
		}
	})
}

// Subscribe attaches obs. If the subject holds a value, obs receives it
// before any later emission.
func (s *ReplaySubject[T]) Subscribe(obs Observer[T]) *Subscription {
	sub := NewSubscription(nil)
	sub.teardown = func() {
		s.queue.Do(func() { s.remove(sub) })
	}

	s.queue.Do(func() {
		if sub.Closed() {
			// Unsubscribed before the queue reached us.
			return
		}

		s.mu.RLock()
		done, err := s.done, s.err
		last, hasValue := s.last, s.hasValue
		s.mu.RUnlock()

		if done {
			sub.markClosed()
			if err != nil {
				obs.OnError(err)
			} else {
				obs.OnComplete()
			}
			return
		}

		s.observers = append(s.observers, observerEntry[T]{sub: sub, obs: obs})
		s.setCount(len(s.observers))

		if hasValue {
			obs.OnNext(last)
		}
	})

	return sub
}

// Value returns the most recent value, if any. A terminated subject reports
// no value.
func (s *ReplaySubject[T]) Value() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done || !s.hasValue {
		var zero T
		return zero, false
	}
	return s.last, true
}

// Err returns the terminal error, or nil.
func (s *ReplaySubject[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done reports whether the subject has terminated.
func (s *ReplaySubject[T]) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// ObserverCount returns the number of attached observers.
func (s *ReplaySubject[T]) ObserverCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *ReplaySubject[T]) terminate(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.err = err
	var zero T
	s.last = zero
	s.hasValue = false
	return true
}

// detachAll removes every observer and marks their subscriptions closed so
// callbacks observe Closed() == true during terminal delivery.
func (s *ReplaySubject[T]) detachAll() []observerEntry[T] {
	entries := s.observers
	s.observers = nil
	s.setCount(0)

	live := entries[:0]
	for _, e := range entries {
		if e.sub.Closed() {
			continue
		}
		e.sub.markClosed()
		live = append(live, e)
	}
	return live
}

func (s *ReplaySubject[T]) snapshot() []observerEntry[T] {
	out := make([]observerEntry[T], len(s.observers))
	copy(out, s.observers)
	return out
}

func (s *ReplaySubject[T]) remove(sub *Subscription) {
	for i, e := range s.observers {
		if e.sub == sub {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			s.setCount(len(s.observers))
			return
		}
	}
}

func (s *ReplaySubject[T]) setCount(n int) {
	s.mu.Lock()
	s.count = n
	s.mu.Unlock()
}
