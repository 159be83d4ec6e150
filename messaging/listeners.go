package messaging

import (
	"sync"
)

// ListenerToken identifies a registered listener. It is handed back by
// registration and used to remove the listener again.
type ListenerToken uint64

// listenerRegistry keeps listeners keyed by token and hands them out in
// registration order.
type listenerRegistry[T any] struct {
	mu    sync.Mutex
	next  ListenerToken
	order []ListenerToken
	items map[ListenerToken]T
}

func (r *listenerRegistry[T]) add(listener T) ListenerToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.items == nil {
		r.items = make(map[ListenerToken]T)
	}
	r.next++
	r.items[r.next] = listener
	r.order = append(r.order, r.next)
	return r.next
}

func (r *listenerRegistry[T]) remove(token ListenerToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[token]; !ok {
		return false
	}
	delete(r.items, token)
	for i, t := range r.order {
		if t == token {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *listenerRegistry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.items[t])
	}
	return out
}

func (r *listenerRegistry[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
	r.order = nil
}

func (r *listenerRegistry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
