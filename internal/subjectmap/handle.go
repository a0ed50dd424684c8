package subjectmap

import (
	"context"
	"sync/atomic"

	"github.com/zjrosen/subjectmap/internal/fault"
	"github.com/zjrosen/subjectmap/internal/log"
	"github.com/zjrosen/subjectmap/internal/pubsub"
)

// Handle is the subscribable channel for one key of a Map.
//
// A handle lives for one binding lifecycle. Once its last subscriber leaves
// it is removed from the Map; subscribing to it afterwards attaches to the
// completed subject and completes immediately. Call Map.Get again to start a
// new lifecycle.
type Handle[K comparable, V any] struct {
	m       *Map[K, V]
	key     K
	subject *pubsub.ReplaySubject[V]

	// Guarded by m.mu.
	count int
	torn  bool
}

func newHandle[K comparable, V any](m *Map[K, V], key K) *Handle[K, V] {
	return &Handle[K, V]{
		m:       m,
		key:     key,
		subject: pubsub.NewReplaySubject[V](),
	}
}

// Key returns the key this handle belongs to.
func (h *Handle[K, V]) Key() K {
	return h.key
}

// SubscriberCount returns the number of live subscriptions.
func (h *Handle[K, V]) SubscriberCount() int {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.count
}

// Subscribe attaches obs to the key's binding. The first subscription binds
// the key and starts the fault handler. obs receives the latest value
// immediately if one exists.
//
// The subscription ends when Unsubscribe is called or the binding terminates
// with an error or completion; either way the subscriber stops counting
// towards the binding.
func (h *Handle[K, V]) Subscribe(obs pubsub.Observer[V]) *pubsub.Subscription {
	m := h.m

	m.mu.Lock()
	if h.torn {
		m.mu.Unlock()
		log.Warn(log.CatRegistry, "subscribe on torn down handle", "key", h.key)
		return h.subject.Subscribe(obs)
	}
	first := h.count == 0
	if first {
		m.bound[h.key] = h.subject
	}
	h.count++
	m.mu.Unlock()

	if first {
		log.Debug(log.CatRegistry, "first subscription, emit fault", "key", h.key)
		m.startFault(h.key, h.subject, fault.OriginSubscribe)
	}

	var inner atomic.Pointer[pubsub.Subscription]
	outer := pubsub.NewSubscription(func() {
		if s := inner.Load(); s != nil {
			s.Unsubscribe()
		}
		h.release()
	})

	s := h.subject.Subscribe(relay[V]{obs: obs, outer: outer})
	inner.Store(s)
	if outer.Closed() {
		// Terminated or unsubscribed before inner was recorded.
		s.Unsubscribe()
	}
	return outer
}

// SubscribeFunc is Subscribe with plain callbacks. Any of them may be nil.
func (h *Handle[K, V]) SubscribeFunc(next func(V), onError func(error), complete func()) *pubsub.Subscription {
	return h.Subscribe(pubsub.ObserverFuncs[V]{
		Next:     next,
		Error:    onError,
		Complete: complete,
	})
}

// Channel subscribes and forwards notifications to a buffered channel; see
// pubsub.Channel. Cancelling ctx unsubscribes.
func (h *Handle[K, V]) Channel(ctx context.Context, size int) <-chan pubsub.Event[V] {
	return pubsub.Channel[V](ctx, h, size)
}

// release drops one subscriber and tears the binding down at zero.
func (h *Handle[K, V]) release() {
	m := h.m

	m.mu.Lock()
	if h.torn {
		m.mu.Unlock()
		return
	}
	h.count--
	if h.count > 0 {
		m.mu.Unlock()
		return
	}
	h.torn = true
	if m.channels[h.key] == h {
		delete(m.channels, h.key)
	}
	if m.bound[h.key] == h.subject {
		delete(m.bound, h.key)
	}
	m.mu.Unlock()

	log.Debug(log.CatRegistry, "cleaning up", "key", h.key)
	// Anyone who raced onto this handle gets a clean completion.
	h.subject.Complete()
}

// relay forwards subject notifications and ends the handle subscription on
// terminal events so the binding's count drops.
type relay[V any] struct {
	obs   pubsub.Observer[V]
	outer *pubsub.Subscription
}

func (r relay[V]) OnNext(value V) {
	r.obs.OnNext(value)
}

func (r relay[V]) OnError(err error) {
	r.obs.OnError(err)
	r.outer.Unsubscribe()
}

func (r relay[V]) OnComplete() {
	r.obs.OnComplete()
	r.outer.Unsubscribe()
}
