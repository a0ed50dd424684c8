package pubsub

import (
	"context"
	"sync"
	"time"
)

// DefaultBufferSize is the channel buffer used when Channel is given a
// non-positive size.
const DefaultBufferSize = 64

// Channel subscribes to src and forwards its notifications to a buffered
// channel.
//
// The channel is closed when ctx is cancelled or src terminates; a terminal
// notification is sent as a final ErrorEvent or CompleteEvent when there is
// room. Delivery is non-blocking: if the buffer is full the event is dropped
// so a slow reader never stalls the source.
func Channel[T any](ctx context.Context, src Subscribable[T], size int) <-chan Event[T] {
	if size <= 0 {
		size = DefaultBufferSize
	}

	ch := make(chan Event[T], size)
	stop := make(chan struct{})

	var (
		mu     sync.Mutex
		closed bool
	)
	send := func(ev Event[T]) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			// Channel full - drop to prevent blocking
		}
	}
	finish := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		closed = true
		close(ch)
		close(stop)
	}

	sub := src.Subscribe(ObserverFuncs[T]{
		Next: func(v T) {
			send(Event[T]{Type: NextEvent, Payload: v, Timestamp: time.Now()})
		},
		Error: func(err error) {
			send(Event[T]{Type: ErrorEvent, Err: err, Timestamp: time.Now()})
			finish()
		},
		Complete: func() {
			send(Event[T]{Type: CompleteEvent, Timestamp: time.Now()})
			finish()
		},
	})

	// Cleanup goroutine
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		sub.Unsubscribe()
		finish()
	}()

	return ch
}
