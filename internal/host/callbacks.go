package host

import (
	"slices"
	"sync"
)

// callbackList is a copy-on-write list of callbacks. Handles are returned on
// add so closures, which are not comparable, can be removed again.
type callbackList[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []callbackEntry[T]
}

type callbackEntry[T any] struct {
	id       int
	callback T
}

func (l *callbackList[T]) get() []T {
	l.mu.Lock()
	entries := l.entries
	l.mu.Unlock()

	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.callback
	}
	return out
}

func (l *callbackList[T]) add(callback T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	next := slices.Clone(l.entries)
	l.entries = append(next, callbackEntry[T]{id: id, callback: callback})

	return func() { l.remove(id) }
}

func (l *callbackList[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.IndexFunc(l.entries, func(e callbackEntry[T]) bool { return e.id == id })
	if i < 0 {
		return
	}
	next := slices.Clone(l.entries)
	l.entries = slices.Delete(next, i, i+1)
}
