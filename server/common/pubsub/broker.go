// Package pubsub provides an in-process typed topic with ordered delivery.
//
// Each Subscribe returns a disposer. Disposal is O(1) and leaves the delivery
// order of the remaining subscribers untouched. Publish calls are serialized,
// so every subscriber observes events in the order they were published.
// A handler must not Publish to the topic it is being called from.
package pubsub

import (
	"container/list"
	"sync"
)

type Unsubscribe func()

type Topic[T any] struct {
	deliver sync.Mutex

	mu     sync.RWMutex
	subs   *list.List
	byID   map[uint64]*list.Element
	nextID uint64
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: list.New(), byID: map[uint64]*list.Element{}}
}

func (t *Topic[T]) Subscribe(fn func(T)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.byID[id] = t.subs.PushBack(&subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

// SubscribeReplay registers fn and immediately calls it with the value returned
// by current. No Publish can interleave between the replay and registration.
func (t *Topic[T]) SubscribeReplay(fn func(T), current func() T) Unsubscribe {
	t.deliver.Lock()
	defer t.deliver.Unlock()
	unsub := t.Subscribe(fn)
	if fn != nil && current != nil {
		fn(current())
	}
	return unsub
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.byID[id]; ok {
		t.subs.Remove(el)
		delete(t.byID, id)
	}
}

// Publish delivers v to every subscriber registered at the time of the call.
func (t *Topic[T]) Publish(v T) {
	t.deliver.Lock()
	defer t.deliver.Unlock()

	for _, fn := range t.snapshot() {
		fn(v)
	}
}

// PublishLocked runs fn while holding the delivery lock, so state changes made
// by fn and the publication of their result are atomic with respect to
// SubscribeReplay.
func (t *Topic[T]) PublishLocked(fn func() T) {
	t.deliver.Lock()
	defer t.deliver.Unlock()

	v := fn()
	for _, sub := range t.snapshot() {
		sub(v)
	}
}

func (t *Topic[T]) snapshot() []func(T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]func(T), 0, t.subs.Len())
	for el := t.subs.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*subscriber[T]).fn)
	}
	return out
}

func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subs.Len()
}

// Clear drops every subscriber.
func (t *Topic[T]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs.Init()
	t.byID = map[uint64]*list.Element{}
}
