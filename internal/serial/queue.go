// Package serial provides a FIFO executor that runs submitted work one item
// at a time without owning a goroutine.
//
// Work submitted with Do runs on whichever goroutine finds the queue idle.
// That goroutine keeps draining until the queue is empty, so work submitted
// concurrently (or re-entrantly from inside a running item) is executed in
// arrival order after the current item returns. A caller that is alone on
// the queue therefore observes fully synchronous execution.
package serial

import "sync"

// Queue serializes execution of submitted functions.
// The zero value is ready to use.
type Queue struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
}

// Do submits fn. If no other goroutine is draining the queue, Do drains it
// (running fn and anything queued behind it) before returning. Otherwise fn
// is left for the draining goroutine and Do returns immediately.
func (q *Queue) Do(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()
}

// Len returns the number of items waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain() {
	finished := false
	defer func() {
		// A panicking item must not wedge the queue: release the drain so the
		// next Do picks up whatever is still pending.
		if !finished {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
		}
	}()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			finished = true
			return
		}
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		next()
	}
}
