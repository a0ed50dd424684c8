package subjectmap

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/subjectmap/internal/fault"
	"github.com/zjrosen/subjectmap/internal/log"
	"github.com/zjrosen/subjectmap/internal/pubsub"
)

// Option configures a Map.
type Option[K comparable, V any] func(*Map[K, V])

// WithFaultHandler sets the provider run on a key's first subscription and on
// FaultIfBound.
func WithFaultHandler[K comparable, V any](fn fault.Func[K, V]) Option[K, V] {
	return func(m *Map[K, V]) {
		m.fault = fn
	}
}

// WithTracer records one span per fault task.
func WithTracer[K comparable, V any](tracer trace.Tracer) Option[K, V] {
	return func(m *Map[K, V]) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithContext sets the parent context of fault tasks. Cancelling it cancels
// every in-flight task, as Close does.
func WithContext[K comparable, V any](ctx context.Context) Option[K, V] {
	return func(m *Map[K, V]) {
		if ctx != nil {
			m.parent = ctx
		}
	}
}

// Map is a keyed registry of replaying broadcast channels.
// All methods are safe for concurrent use.
type Map[K comparable, V any] struct {
	// mu guards channels, bound, closed and every handle's count/torn state.
	// Subjects are never called while it is held.
	mu       sync.Mutex
	channels map[K]*Handle[K, V]
	bound    map[K]*pubsub.ReplaySubject[V]
	closed   bool

	fault  fault.Func[K, V]
	tracer trace.Tracer

	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New creates an empty registry.
func New[K comparable, V any](opts ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		channels: make(map[K]*Handle[K, V]),
		bound:    make(map[K]*pubsub.ReplaySubject[V]),
		tracer:   noop.NewTracerProvider().Tracer("subjectmap"),
		parent:   context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(m.parent)
	return m
}

// Get returns the handle for key, creating it if the key is not announced.
// Repeated calls return the same handle until the binding is torn down.
func (m *Map[K, V]) Get(key K) *Handle[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.channels[key]; ok {
		return h
	}

	h := newHandle(m, key)
	if m.closed {
		// Nothing can bind after Close: hand out a dead handle whose
		// subscribers complete immediately.
		h.torn = true
		h.subject.Complete()
		return h
	}

	m.channels[key] = h
	log.Debug(log.CatRegistry, "setup binding", "key", key)
	return h
}

// Next emits value on key's binding. Dropped if the key is not bound.
func (m *Map[K, V]) Next(key K, value V) {
	s, ok := m.boundSubject(key)
	if !ok {
		log.Debug(log.CatRegistry, "dropping value for unbound key", "key", key)
		return
	}
	s.Next(value)
}

// Error terminates key's binding with err. Dropped if the key is not bound.
// Every subscriber receives err and the binding is torn down as they detach.
func (m *Map[K, V]) Error(key K, err error) {
	s, ok := m.boundSubject(key)
	if !ok {
		log.Debug(log.CatRegistry, "dropping error for unbound key", "key", key, "error", err)
		return
	}
	s.Error(err)
}

// FaultIfBound re-runs the fault handler for key if it is bound, routing the
// result to the current binding. Reports whether a task was started.
func (m *Map[K, V]) FaultIfBound(key K) bool {
	s, ok := m.boundSubject(key)
	if !ok || m.fault == nil {
		return false
	}
	m.startFault(key, s, fault.OriginRefresh)
	return true
}

// FaultAllBound runs FaultIfBound for every bound key and returns how many
// tasks were started.
func (m *Map[K, V]) FaultAllBound() int {
	if m.fault == nil {
		return 0
	}

	m.mu.Lock()
	targets := make(map[K]*pubsub.ReplaySubject[V], len(m.bound))
	for k, s := range m.bound {
		targets[k] = s
	}
	m.mu.Unlock()

	for k, s := range targets {
		m.startFault(k, s, fault.OriginRefresh)
	}
	return len(targets)
}

// IsBound reports whether key currently has at least one subscriber.
func (m *Map[K, V]) IsBound(key K) bool {
	_, ok := m.boundSubject(key)
	return ok
}

// BoundKeys returns the keys that currently have subscribers, in no
// particular order.
func (m *Map[K, V]) BoundKeys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]K, 0, len(m.bound))
	for k := range m.bound {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of announced handles.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Wait blocks until every fault task started before the call has finished.
func (m *Map[K, V]) Wait() {
	m.inflight.Wait()
}

// Close cancels in-flight fault tasks and completes every binding. After
// Close, Next, Error and FaultIfBound are no-ops and new handles complete
// their subscribers immediately.
func (m *Map[K, V]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*Handle[K, V], 0, len(m.channels))
	for _, h := range m.channels {
		h.torn = true
		handles = append(handles, h)
	}
	m.channels = make(map[K]*Handle[K, V])
	m.bound = make(map[K]*pubsub.ReplaySubject[V])
	m.mu.Unlock()

	m.cancel()
	for _, h := range handles {
		h.subject.Complete()
	}
	log.Debug(log.CatRegistry, "registry closed", "bindings", len(handles))
}

func (m *Map[K, V]) boundSubject(key K) (*pubsub.ReplaySubject[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bound[key]
	return s, ok
}
