package room

import (
	"log/slog"
	"sync"
)

// Listener receives payloads published on the page it is attached to.
// Deliver must not block on the network.
type Listener interface {
	ID() string
	Deliver(payload []byte) error
}

// Registry maps each page to the listeners attached to it. A listener is
// attached to at most one page at a time.
// Thread-safe via sync.RWMutex.
type Registry struct {
	mu      sync.RWMutex
	buckets map[Key]map[string]Listener
	where   map[string]Key
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[Key]map[string]Listener),
		where:   make(map[string]Key),
	}
}

// Join attaches l to key. If l was attached to another page it is moved and
// that page is returned with moved set.
func (r *Registry) Join(l Listener, key Key) (prev Key, moved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := l.ID()
	if old, ok := r.where[id]; ok && old != key {
		r.removeLocked(id, old)
		prev, moved = old, true
	}

	if r.buckets[key] == nil {
		r.buckets[key] = make(map[string]Listener)
	}
	r.buckets[key][id] = l
	r.where[id] = key
	slog.Debug("room registry: joined", "page", key.String(), "listener", id)
	return prev, moved
}

// Leave detaches l from key and returns how many listeners remain there.
// Leaving a page l is not attached to is a no-op.
func (r *Registry) Leave(l Listener, key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := l.ID()
	if cur, ok := r.where[id]; ok && cur == key {
		r.removeLocked(id, key)
		slog.Debug("room registry: left", "page", key.String(), "listener", id)
	}
	return len(r.buckets[key])
}

func (r *Registry) removeLocked(id string, key Key) {
	delete(r.where, id)
	bucket := r.buckets[key]
	if bucket == nil {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(r.buckets, key)
	}
}

// ListenersOf returns a snapshot of the listeners attached to key.
func (r *Registry) ListenersOf(key Key) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.buckets[key]
	out := make([]Listener, 0, len(bucket))
	for _, l := range bucket {
		out = append(out, l)
	}
	return out
}

// Count returns the number of listeners attached to key.
func (r *Registry) Count(key Key) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets[key])
}

// Lookup returns the page the listener with id is attached to.
func (r *Registry) Lookup(id string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.where[id]
	return key, ok
}

// Pages returns the number of pages with at least one listener.
func (r *Registry) Pages() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}
