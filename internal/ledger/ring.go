// Package ledger keeps the diagnostic history and aggregate counters of the
// lease and transaction managers. History is bounded and evicts oldest
// entries first; readers only ever receive copies.
package ledger

// Ring is a fixed-capacity history. Not safe for concurrent use on its own;
// the ledgers guard it with their mutex.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity entries (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full.
func (r *Ring[T]) Push(v T) {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
}

// Items returns a copy of the history, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	return out
}

// Update applies fn to the newest entry matching match. Returns false when
// no entry matches (e.g. it was already evicted).
func (r *Ring[T]) Update(match func(*T) bool, fn func(*T)) bool {
	for i := r.size - 1; i >= 0; i-- {
		p := &r.items[(r.start+i)%len(r.items)]
		if match(p) {
			fn(p)
			return true
		}
	}
	return false
}

// Each calls fn for every entry, oldest first.
func (r *Ring[T]) Each(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.items[(r.start+i)%len(r.items)])
	}
}

// Len returns the number of entries held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the maximum number of entries.
func (r *Ring[T]) Cap() int { return len(r.items) }
