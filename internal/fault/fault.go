// Package fault defines the fault-recovery provider contract used by
// subjectmap and a few decorators for building providers.
//
// A provider computes the current value for a key. The registry calls it on a
// key's first subscription and on explicit refreshes; it runs on its own
// goroutine and should honour ctx cancellation.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPanic is wrapped by errors produced when a provider panics.
var ErrPanic = errors.New("fault handler panicked")

// Func computes the value for key.
type Func[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Origin describes why a provider was invoked.
type Origin string

const (
	// OriginSubscribe marks the automatic fault on a binding's first subscriber.
	OriginSubscribe Origin = "subscribe"
	// OriginRefresh marks an explicit refresh of an already bound key.
	OriginRefresh Origin = "refresh"
)

type originKey struct{}

// WithOrigin annotates ctx with the reason for a provider call.
func WithOrigin(ctx context.Context, origin Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin stored in ctx, defaulting to OriginSubscribe.
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginSubscribe
}

// Recover converts a panic in fn into an error wrapping ErrPanic.
func Recover[K comparable, V any](fn Func[K, V]) Func[K, V] {
	return func(ctx context.Context, key K) (value V, err error) {
		defer func() {
			if r := recover(); r != nil {
				var zero V
				value = zero
				err = fmt.Errorf("%w: key %v: %v", ErrPanic, key, r)
			}
		}()
		return fn(ctx, key)
	}
}

// Timeout bounds each call of fn to d. A non-positive d returns fn unchanged.
func Timeout[K comparable, V any](fn Func[K, V], d time.Duration) Func[K, V] {
	if d <= 0 {
		return fn
	}
	return func(ctx context.Context, key K) (V, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return fn(ctx, key)
	}
}
