// Package notify provides typed in-process publish/subscribe topics scoped to
// a conversation instance.
package notify

import "sync"

// Topic delivers values of one payload type to its subscribers, in
// subscription order, synchronously on the publishing goroutine.
type Topic[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, sub := range t.subs {
				if sub.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every current subscriber with value. Subscribers may
// subscribe or unsubscribe from within the callback.
func (t *Topic[T]) Publish(value T) {
	t.mu.Lock()
	subs := make([]subscriber[T], len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()
	for _, sub := range subs {
		sub.fn(value)
	}
}

func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// AttachmentsChanged fires after a message's attachment list was replaced.
type AttachmentsChanged struct {
	MessageID string
}

// MessageChanged fires after any mutation of one record.
type MessageChanged struct {
	Key     string
	Deleted bool
}

// Notice is a non-blocking, user-visible report of a transient failure.
type Notice struct {
	Op  string
	Err error
}

// Hub bundles the topics one conversation publishes.
type Hub struct {
	AttachmentsChanged Topic[AttachmentsChanged]
	MessageChanged     Topic[MessageChanged]
	Notices            Topic[Notice]
}

func NewHub() *Hub {
	return &Hub{}
}
