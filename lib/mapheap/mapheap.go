package mapheap

import (
	"container/heap"
	"errors"
)

// ErrDuplicateKey is returned by Push if an entry with the same key is already in the heap
var ErrDuplicateKey = errors.New("mapheap: duplicate key")

// entry is a single heap slot. The index is maintained by the heap and
// always equals the position of the entry in the entries slice (-1 once removed)
type entry[K comparable, T any] struct {
	key   K
	value T
	index int
}

// entries is the heap.Interface implementation backing MapHeap.
// It is kept separate so that the public Push/Pop of MapHeap can use
// typed signatures instead of the interface{} ones required by container/heap
type entries[K comparable, T any] struct {
	items []*entry[K, T]
	byKey map[K]*entry[K, T]
	cmp   func(a, b T) int
}

// Len returns the number of entries (part of heap.Interface)
func (e *entries[K, T]) Len() int { return len(e.items) }

// Less reports whether entry i outranks entry j (part of heap.Interface).
// The comparator returns > 0 if a outranks b, so this is a max-heap
func (e *entries[K, T]) Less(i, j int) bool {
	return e.cmp(e.items[i].value, e.items[j].value) > 0
}

// Swap exchanges entries at positions i and j (part of heap.Interface)
func (e *entries[K, T]) Swap(i, j int) {
	e.items[i], e.items[j] = e.items[j], e.items[i]
	e.items[i].index = i
	e.items[j].index = j
}

// Push appends an entry (part of heap.Interface)
func (e *entries[K, T]) Push(x interface{}) {
	it := x.(*entry[K, T])
	it.index = len(e.items)
	e.items = append(e.items, it)
	e.byKey[it.key] = it
}

// Pop removes the last entry (part of heap.Interface)
func (e *entries[K, T]) Pop() interface{} {
	old := e.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	it.index = -1  // For safety
	e.items = old[:n-1]
	delete(e.byKey, it.key)
	return it
}

// MapHeap is a max-priority heap with O(1) access by key.
//
// The ordering is defined by the comparator passed to New, the identity of
// a value by the key function. MapHeap is not thread-safe.
type MapHeap[K comparable, T any] struct {
	e     *entries[K, T]
	keyOf func(T) K
}

// New creates an empty heap. cmp(a, b) > 0 means a is popped before b,
// keyOf extracts the stable key of a value
func New[K comparable, T any](cmp func(a, b T) int, keyOf func(T) K) *MapHeap[K, T] {
	return &MapHeap[K, T]{
		e: &entries[K, T]{
			items: make([]*entry[K, T], 0),
			byKey: make(map[K]*entry[K, T]),
			cmp:   cmp,
		},
		keyOf: keyOf,
	}
}

// Len returns the number of values in the heap
func (h *MapHeap[K, T]) Len() int { return len(h.e.items) }

// Push adds a value. It fails with ErrDuplicateKey if the key is already present
func (h *MapHeap[K, T]) Push(value T) error {
	key := h.keyOf(value)
	if _, exists := h.e.byKey[key]; exists {
		return ErrDuplicateKey
	}
	heap.Push(h.e, &entry[K, T]{key: key, value: value})
	return nil
}

// Pop removes and returns the highest ranked value
func (h *MapHeap[K, T]) Pop() (T, bool) {
	if len(h.e.items) == 0 {
		var zero T
		return zero, false
	}
	it := heap.Pop(h.e).(*entry[K, T])
	return it.value, true
}

// Peek returns the highest ranked value without removing it
func (h *MapHeap[K, T]) Peek() (T, bool) {
	if len(h.e.items) == 0 {
		var zero T
		return zero, false
	}
	return h.e.items[0].value, true
}

// Get retrieves a value by its key without removing it
func (h *MapHeap[K, T]) Get(key K) (T, bool) {
	it, exists := h.e.byKey[key]
	if !exists {
		var zero T
		return zero, false
	}
	return it.value, true
}

// Contains checks if a key exists in the heap
func (h *MapHeap[K, T]) Contains(key K) bool {
	_, exists := h.e.byKey[key]
	return exists
}

// Delete removes the value with the given key.
// The last entry is moved into the freed slot and re-sifted
func (h *MapHeap[K, T]) Delete(key K) (T, bool) {
	it, exists := h.e.byKey[key]
	if !exists {
		var zero T
		return zero, false
	}
	heap.Remove(h.e, it.index)
	return it.value, true
}

// Update restores the heap order for the value with the given key after its
// priority was changed in place. Works for both directions.
// Returns false if the key is unknown
func (h *MapHeap[K, T]) Update(key K) bool {
	it, exists := h.e.byKey[key]
	if !exists {
		return false
	}
	heap.Fix(h.e, it.index)
	return true
}

// Set replaces the value stored under the key of value and repositions it.
// Returns false if the key is unknown
func (h *MapHeap[K, T]) Set(value T) bool {
	it, exists := h.e.byKey[h.keyOf(value)]
	if !exists {
		return false
	}
	it.value = value
	heap.Fix(h.e, it.index)
	return true
}

// RemoveFunc removes every value for which pred returns true and returns them.
// The order of the returned values is unspecified
func (h *MapHeap[K, T]) RemoveFunc(pred func(T) bool) []T {
	var removed []T
	kept := h.e.items[:0]
	for _, it := range h.e.items {
		if pred(it.value) {
			removed = append(removed, it.value)
			delete(h.e.byKey, it.key)
			it.index = -1
			continue
		}
		it.index = len(kept)
		kept = append(kept, it)
	}
	// clear the tail so removed entries can be collected
	for i := len(kept); i < len(h.e.items); i++ {
		h.e.items[i] = nil
	}
	h.e.items = kept
	if len(removed) > 0 {
		heap.Init(h.e)
	}
	return removed
}

// Each calls fn for every value in the heap in unspecified order.
// fn must not modify the heap
func (h *MapHeap[K, T]) Each(fn func(T)) {
	for _, it := range h.e.items {
		fn(it.value)
	}
}
