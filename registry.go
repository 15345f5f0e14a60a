package mcp

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strconv"
	"sync"
)

// registry is an insertion-ordered, concurrency-safe keyed collection. Readers get a snapshot and may
// run concurrently with add and remove.
type registry[K comparable, V any] struct {
	mu    sync.RWMutex
	keys  []K
	items map[K]V
}

// page is one slice of a listing together with the cursor of the next page, empty on the last one.
type page[T any] struct {
	items      []T
	nextCursor string
}

func newRegistry[K comparable, V any]() *registry[K, V] {
	return &registry[K, V]{
		items: make(map[K]V),
	}
}

// add stores v under key, it reports false and leaves the registry unchanged if key is present.
func (r *registry[K, V]) add(key K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[key]; ok {
		return false
	}
	r.items[key] = v
	r.keys = append(r.keys, key)
	return true
}

// remove deletes key and reports whether it was present.
func (r *registry[K, V]) remove(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[key]; !ok {
		return false
	}
	delete(r.items, key)
	r.keys = slices.DeleteFunc(r.keys, func(k K) bool { return k == key })
	return true
}

func (r *registry[K, V]) get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.items[key]
	return v, ok
}

// values returns a snapshot of the entries in insertion order.
func (r *registry[K, V]) values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vs := make([]V, 0, len(r.keys))
	for _, k := range r.keys {
		vs = append(vs, r.items[k])
	}
	return vs
}

func (r *registry[K, V]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.keys)
}

// paginate cuts items into pages of size entries. A size of zero returns everything in one page.
// Cursors are opaque to clients, they encode the offset of the next page.
func paginate[T any](items []T, cursor string, size int) (page[T], error) {
	start := 0
	if cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return page[T]{}, fmt.Errorf("malformed cursor: %w", err)
		}
		start, err = strconv.Atoi(string(raw))
		if err != nil || start < 0 || start > len(items) {
			return page[T]{}, fmt.Errorf("cursor %q out of range", cursor)
		}
	}

	if size <= 0 {
		return page[T]{items: items[start:]}, nil
	}

	end := min(start+size, len(items))
	p := page[T]{items: items[start:end]}
	if end < len(items) {
		p.nextCursor = base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(end)))
	}
	return p, nil
}
