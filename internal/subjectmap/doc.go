// Package subjectmap implements a keyed multicast registry.
//
// A Map hands out one Handle per key. The first subscriber on a handle binds
// the key: a replaying broadcast subject is created for it and, when a fault
// handler is configured, the handler is started to populate it. Later
// subscribers share the binding and immediately receive the latest value.
// When the last subscriber leaves the binding is torn down, and the next Get
// for that key starts over with a fresh handle, a fresh fault and no replay
// state.
//
// Values and errors are pushed with Next and Error. Both are dropped when the
// key is not bound; the registry never buffers for absent subscribers.
// FaultIfBound re-runs the fault handler for a bound key so an owner can
// force a refresh.
//
// Example:
//
//	m := subjectmap.New[string, int](
//		subjectmap.WithFaultHandler[string, int](loadCount),
//	)
//	defer m.Close()
//
//	sub := m.Get("foo").SubscribeFunc(func(v int) { fmt.Println(v) }, nil, nil)
//	defer sub.Unsubscribe()
//	m.Next("foo", 1234)
package subjectmap
