// Package pubsub provides replaying broadcast subjects and adapters that turn
// subscriptions into Go channels.
package pubsub

import "time"

// EventType represents the kind of notification carried by an Event.
type EventType string

const (
	NextEvent     EventType = "next"
	ErrorEvent    EventType = "error"
	CompleteEvent EventType = "complete"
)

// Event is a notification delivered over a channel returned by Channel.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Err       error
	Timestamp time.Time
}

// Observer receives notifications from a subject.
// After OnError or OnComplete no further calls are made.
type Observer[T any] interface {
	OnNext(value T)
	OnError(err error)
	OnComplete()
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs[T any] struct {
	Next     func(T)
	Error    func(error)
	Complete func()
}

func (o ObserverFuncs[T]) OnNext(value T) {
	if o.Next != nil {
		o.Next(value)
	}
}

func (o ObserverFuncs[T]) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs[T]) OnComplete() {
	if o.Complete != nil {
		o.Complete()
	}
}

// Subscribable is implemented by sources that accept observers.
type Subscribable[T any] interface {
	Subscribe(obs Observer[T]) *Subscription
}

// Publisher emits notifications to the observers of a source.
type Publisher[T any] interface {
	Next(value T)
	Error(err error)
	Complete()
}
