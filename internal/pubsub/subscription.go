package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscription is the handle returned by Subscribe.
// Unsubscribe is idempotent and safe to call from any goroutine, including
// from inside the observer's own callbacks.
type Subscription struct {
	id       string
	closed   atomic.Bool
	once     sync.Once
	teardown func()
}

// NewSubscription returns a subscription that runs teardown the first time
// it is unsubscribed. teardown may be nil.
func NewSubscription(teardown func()) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		teardown: teardown,
	}
}

// ID returns a unique identifier, useful for log correlation.
func (s *Subscription) ID() string {
	return s.id
}

// Unsubscribe stops delivery to the observer.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.teardown != nil {
			s.teardown()
		}
	})
}

// Closed reports whether the subscription is stopped, either because it was
// unsubscribed or because its source terminated.
func (s *Subscription) Closed() bool {
	return s.closed.Load()
}

func (s *Subscription) markClosed() {
	s.closed.Store(true)
}
