package subjectmap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/subjectmap/internal/fault"
	"github.com/zjrosen/subjectmap/internal/pubsub"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

// spy is a fault handler that counts calls and resolves when released.
type spy struct {
	calls atomic.Int32
	mu    sync.Mutex
	keys  []string
	gate  chan struct{}
	value atomic.Int64
	err   error
}

func newSpy(value int) *spy {
	s := &spy{gate: make(chan struct{})}
	s.value.Store(int64(value))
	return s
}

// immediate returns a spy that resolves without waiting.
func immediate(value int) *spy {
	s := newSpy(value)
	close(s.gate)
	return s
}

func (s *spy) fn(ctx context.Context, key string) (int, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()

	select {
	case <-s.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if s.err != nil {
		return 0, s.err
	}
	return int(s.value.Load()), nil
}

func (s *spy) release() { close(s.gate) }

func (s *spy) calledWith(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k == key {
			return true
		}
	}
	return false
}

// collector records values delivered to a subscriber.
type collector struct {
	mu        sync.Mutex
	values    []int
	err       error
	completed bool
}

func (c *collector) OnNext(v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *collector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *collector) OnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = true
}

func (c *collector) Values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.values...)
}

func (c *collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *collector) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

func TestMap_CanBeCreatedWithoutFaultHandler(t *testing.T) {
	require.NotPanics(t, func() {
		m := New[string, int]()
		m.Close()
	})
}

func TestMap_GetReturnsSameHandleWhileAlive(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	h1 := m.Get("foo")
	h2 := m.Get("foo")
	require.Same(t, h1, h2)
	require.Equal(t, "foo", h1.Key())

	sub := h1.Subscribe(&collector{})
	require.Same(t, h1, m.Get("foo"))
	require.NotSame(t, h1, m.Get("bar"))
	require.Equal(t, 2, m.Len())

	sub.Unsubscribe()
	require.NotSame(t, h1, m.Get("foo"), "teardown starts a new lifecycle")
}

func TestMap_PropagatesValues(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	c := &collector{}
	m.Get("foo").Subscribe(c)
	m.Next("foo", 1234)

	require.Equal(t, []int{1234}, c.Values())
}

func TestMap_PropagatesErrors(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	boom := errors.New("foo")
	c := &collector{}
	sub := m.Get("foo").Subscribe(c)
	require.False(t, sub.Closed())

	m.Error("foo", boom)

	require.True(t, sub.Closed())
	require.Same(t, boom, c.Err())
	require.False(t, m.IsBound("foo"), "a terminated binding is torn down")
}

func TestMap_DoesNotReplayValuesIfNotSubscribed(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	m.Next("foo", 1234)

	c := &collector{}
	m.Get("foo").Subscribe(c)
	m.Next("foo", 5678)

	require.Equal(t, []int{5678}, c.Values())
}

func TestMap_DoesNotReplayErrorsIfNotSubscribed(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	m.Error("foo", errors.New("dropped"))

	c := &collector{}
	m.Get("foo").Subscribe(c)
	m.Next("foo", 5678)

	require.NoError(t, c.Err())
	require.Equal(t, []int{5678}, c.Values())
}

func TestMap_DoesNotReplayValuesIfSubscriptionWasKilled(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	m.Get("foo").Subscribe(&collector{}).Unsubscribe()
	m.Next("foo", 1234)

	c := &collector{}
	m.Get("foo").Subscribe(c)
	m.Next("foo", 5678)

	require.Equal(t, []int{5678}, c.Values())
}

func TestMap_ResubscribeAfterTeardownResetsReplay(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	sub := m.Get("foo").Subscribe(&collector{})
	m.Next("foo", 1)
	sub.Unsubscribe()
	require.False(t, m.IsBound("foo"))
	require.Equal(t, 0, m.Len())

	c := &collector{}
	m.Get("foo").Subscribe(c)
	require.Empty(t, c.Values(), "no replay across lifecycles")
}

func TestMap_EmitsLatestValueToNewSubscriber(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	late := &collector{}
	var once sync.Once
	m.Get("foo").SubscribeFunc(func(v int) {
		require.Equal(t, 1234, v)
		once.Do(func() { m.Get("foo").Subscribe(late) })
	}, nil, nil)

	m.Next("foo", 1234)

	require.Equal(t, []int{1234}, late.Values())
}

func TestMap_LateSubscriberGetsOnlyLatest(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	m.Get("foo").Subscribe(&collector{})
	m.Next("foo", 1)
	m.Next("foo", 2)
	m.Next("foo", 3)

	late := &collector{}
	m.Get("foo").Subscribe(late)
	m.Next("foo", 4)

	require.Equal(t, []int{3, 4}, late.Values())
}

func TestMap_KeepsEmittingWhileSomeoneIsSubscribed(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	first := &collector{}
	second := &collector{}
	h := m.Get("foo")
	firstSub := h.Subscribe(first)
	secondSub := h.Subscribe(second)
	require.Equal(t, 2, h.SubscriberCount())

	m.Next("foo", 1)
	m.Next("foo", 2)

	firstSub.Unsubscribe()
	require.Equal(t, 1, h.SubscriberCount())
	require.True(t, m.IsBound("foo"))

	m.Next("foo", 3)

	require.Equal(t, []int{1, 2}, first.Values())
	require.Equal(t, []int{1, 2, 3}, second.Values())

	secondSub.Unsubscribe()
	require.False(t, m.IsBound("foo"))
	require.False(t, second.Completed(), "unsubscribed observers are not completed")
}

func TestMap_FanOutToManySubscribers(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	const n = 10
	h := m.Get("foo")
	collectors := make([]*collector, n)
	subs := make([]*pubsub.Subscription, n)
	for i := range collectors {
		collectors[i] = &collector{}
		subs[i] = h.Subscribe(collectors[i])
	}

	m.Next("foo", 7)
	subs[0].Unsubscribe()
	m.Next("foo", 8)

	require.Equal(t, []int{7}, collectors[0].Values())
	for _, c := range collectors[1:] {
		require.Equal(t, []int{7, 8}, c.Values())
	}
}

func TestMap_FaultHandlerCalledOnce(t *testing.T) {
	handler := newSpy(1234)
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	h := m.Get("foo")
	require.Equal(t, int32(0), handler.calls.Load(), "Get alone must not fault")

	first := &collector{}
	h.Subscribe(first)

	third := &collector{}
	var once sync.Once
	second := &collector{}
	h.Subscribe(pubsub.ObserverFuncs[int]{
		Next: func(v int) {
			second.OnNext(v)
			once.Do(func() { h.Subscribe(third) })
		},
	})

	require.Eventually(t, func() bool { return handler.calls.Load() == 1 }, waitFor, tick)
	require.True(t, handler.calledWith("foo"))

	handler.release()
	m.Wait()

	require.Eventually(t, func() bool { return len(third.Values()) == 1 }, waitFor, tick)
	require.Equal(t, []int{1234}, first.Values())
	require.Equal(t, []int{1234}, second.Values())
	require.Equal(t, []int{1234}, third.Values())
	require.Equal(t, int32(1), handler.calls.Load())
}

func TestMap_FaultHandlerSimultaneousFirstSubscriptions(t *testing.T) {
	handler := newSpy(99)
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	h := m.Get("foo")
	const n = 16
	collectors := make([]*collector, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		collectors[i] = &collector{}
		wg.Add(1)
		go func(c *collector) {
			defer wg.Done()
			h.Subscribe(c)
		}(collectors[i])
	}
	wg.Wait()

	handler.release()
	m.Wait()

	for _, c := range collectors {
		require.Eventually(t, func() bool { return len(c.Values()) == 1 }, waitFor, tick)
		require.Equal(t, []int{99}, c.Values())
	}
	require.Equal(t, int32(1), handler.calls.Load())
}

func TestMap_FaultHandlerFailure(t *testing.T) {
	boom := errors.New("yolo")
	handler := newSpy(0)
	handler.err = boom
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	h := m.Get("foo")
	first := &collector{}
	h.Subscribe(first)

	third := &collector{}
	second := &collector{}
	h.Subscribe(pubsub.ObserverFuncs[int]{
		Error: func(err error) {
			second.OnError(err)
			// Subscribe again while the error is being delivered.
			h.Subscribe(third)
		},
	})

	handler.release()
	m.Wait()

	require.Eventually(t, func() bool { return third.Err() != nil }, waitFor, tick)
	require.Same(t, boom, first.Err())
	require.Same(t, boom, second.Err())
	require.Same(t, boom, third.Err())
	require.Equal(t, int32(1), handler.calls.Load(), "failures are not retried")
	require.Eventually(t, func() bool { return !m.IsBound("foo") }, waitFor, tick)
}

func TestMap_FaultHandlerPanicBecomesError(t *testing.T) {
	m := New(WithFaultHandler[string, int](func(ctx context.Context, key string) (int, error) {
		panic("kaboom")
	}))
	defer m.Close()

	c := &collector{}
	m.Get("foo").Subscribe(c)
	m.Wait()

	require.Eventually(t, func() bool { return c.Err() != nil }, waitFor, tick)
	require.ErrorIs(t, c.Err(), fault.ErrPanic)
}

func TestMap_FaultIfBound(t *testing.T) {
	handler := immediate(1)
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	h := m.Get("foo")

	require.False(t, m.FaultIfBound("foo"), "announced but unbound")
	require.False(t, m.FaultIfBound("bar"))
	m.Wait()
	require.Equal(t, int32(0), handler.calls.Load())

	c := &collector{}
	h.Subscribe(c)
	m.Wait()
	require.Equal(t, int32(1), handler.calls.Load())
	require.True(t, handler.calledWith("foo"))
	require.Eventually(t, func() bool { return len(c.Values()) == 1 }, waitFor, tick)

	require.False(t, m.FaultIfBound("bar"))
	m.Wait()
	require.False(t, handler.calledWith("bar"))

	handler.value.Store(2)
	require.True(t, m.FaultIfBound("foo"))
	m.Wait()

	require.Equal(t, int32(2), handler.calls.Load())
	require.Eventually(t, func() bool { return len(c.Values()) == 2 }, waitFor, tick)
	require.Equal(t, []int{1, 2}, c.Values())
}

func TestMap_FaultIfBoundWithoutHandler(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	m.Get("foo").Subscribe(&collector{})
	require.False(t, m.FaultIfBound("foo"))
	require.Equal(t, 0, m.FaultAllBound())
}

func TestMap_FaultAllBound(t *testing.T) {
	handler := immediate(5)
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	m.Get("a").Subscribe(&collector{})
	m.Get("b").Subscribe(&collector{})
	m.Get("c") // announced only
	m.Wait()
	require.Equal(t, int32(2), handler.calls.Load())

	require.Equal(t, 2, m.FaultAllBound())
	m.Wait()
	require.Equal(t, int32(4), handler.calls.Load())
	require.ElementsMatch(t, []string{"a", "b"}, m.BoundKeys())
}

func TestMap_FaultAfterTeardownIsDropped(t *testing.T) {
	handler := newSpy(1)
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	old := &collector{}
	m.Get("foo").Subscribe(old).Unsubscribe()

	fresh := &collector{}
	m.Get("foo").Subscribe(fresh)

	// Both lifecycles' tasks resolve now; only the second may reach fresh.
	handler.value.Store(2)
	handler.release()
	m.Wait()

	require.Eventually(t, func() bool { return len(fresh.Values()) == 1 }, waitFor, tick)
	require.Equal(t, []int{2}, fresh.Values())
	require.Empty(t, old.Values())
	require.Equal(t, int32(2), handler.calls.Load(), "one fault per lifecycle")
}

func TestMap_SubscribeOnTornDownHandleCompletes(t *testing.T) {
	handler := immediate(1)
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	h := m.Get("foo")
	h.Subscribe(&collector{}).Unsubscribe()
	m.Wait()
	calls := handler.calls.Load()

	c := &collector{}
	sub := h.Subscribe(c)

	require.True(t, c.Completed())
	require.True(t, sub.Closed())
	require.False(t, m.IsBound("foo"))
	m.Wait()
	require.Equal(t, calls, handler.calls.Load(), "a dead handle never faults")
}

func TestMap_CloseCompletesSubscribersAndCancelsFaults(t *testing.T) {
	handler := newSpy(1)
	m := New(WithFaultHandler[string, int](handler.fn))

	c := &collector{}
	sub := m.Get("foo").Subscribe(c)

	m.Close()
	m.Wait()

	require.True(t, c.Completed())
	require.True(t, sub.Closed())
	require.Empty(t, c.Values(), "cancelled fault must not emit")
	require.NoError(t, c.Err(), "cancelled fault lands on a completed subject")
	require.Equal(t, 0, m.Len())

	after := &collector{}
	m.Get("foo").Subscribe(after)
	require.True(t, after.Completed())
	m.Next("foo", 2)
	require.Empty(t, after.Values())

	m.Close() // idempotent
}

func TestMap_WithContextCancelsFaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := newSpy(1)
	m := New(
		WithFaultHandler[string, int](handler.fn),
		WithContext[string, int](ctx),
	)
	defer m.Close()

	c := &collector{}
	m.Get("foo").Subscribe(c)
	cancel()
	m.Wait()

	require.Eventually(t, func() bool { return c.Err() != nil }, waitFor, tick)
	require.ErrorIs(t, c.Err(), context.Canceled)
}

func TestMap_OriginIsPassedToHandler(t *testing.T) {
	var (
		mu      sync.Mutex
		origins []fault.Origin
	)
	m := New(WithFaultHandler[string, int](func(ctx context.Context, key string) (int, error) {
		mu.Lock()
		origins = append(origins, fault.OriginFrom(ctx))
		mu.Unlock()
		return 1, nil
	}))
	defer m.Close()

	m.Get("foo").Subscribe(&collector{})
	m.Wait()
	m.FaultIfBound("foo")
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []fault.Origin{fault.OriginSubscribe, fault.OriginRefresh}, origins)
}

func TestHandle_Channel(t *testing.T) {
	m := New[string, int]()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Get("foo").Channel(ctx, 4)
	require.True(t, m.IsBound("foo"))

	m.Next("foo", 42)
	select {
	case ev := <-ch:
		require.Equal(t, pubsub.NextEvent, ev.Type)
		require.Equal(t, 42, ev.Payload)
	case <-time.After(waitFor):
		require.Fail(t, "timeout waiting for event")
	}

	cancel()
	require.Eventually(t, func() bool { return !m.IsBound("foo") }, waitFor, tick)
}

// TestMap_Example walks through the documented scenario: the handler resolves
// 'foo' to 1234, two early subscribers and one late subscriber all see 1234
// and the handler runs once.
func TestMap_Example(t *testing.T) {
	handler := newSpy(1234)
	m := New(WithFaultHandler[string, int](handler.fn))
	defer m.Close()

	h := m.Get("foo")
	a, b := &collector{}, &collector{}
	h.Subscribe(a)
	h.Subscribe(b)

	handler.release()
	m.Wait()
	require.Eventually(t, func() bool { return len(b.Values()) == 1 }, waitFor, tick)

	late := &collector{}
	h.Subscribe(late)

	require.Equal(t, []int{1234}, a.Values())
	require.Equal(t, []int{1234}, b.Values())
	require.Equal(t, []int{1234}, late.Values())
	require.Equal(t, int32(1), handler.calls.Load())
}
