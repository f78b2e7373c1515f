package aggregate

// Ring is a fixed-capacity FIFO over a preallocated arena. head indexes the oldest
// element; pushing into a full ring overwrites (evicts) the oldest.
type Ring[T any] struct {
	arena []T
	head  int
	n     int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{arena: make([]T, capacity)}
}

func (r *Ring[T]) Len() int { return r.n }
func (r *Ring[T]) Cap() int { return len(r.arena) }

// Push appends v. When the ring was full the evicted oldest element is returned with true.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if r.n < len(r.arena) {
		r.arena[(r.head+r.n)%len(r.arena)] = v
		r.n++
		return evicted, false
	}
	evicted = r.arena[r.head]
	r.arena[r.head] = v
	r.head = (r.head + 1) % len(r.arena)
	return evicted, true
}

// At returns the i-th element, 0 being the oldest.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.n {
		panic("aggregate: ring index out of range")
	}
	return r.arena[(r.head+i)%len(r.arena)]
}

func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.arena[r.head], true
}

func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.At(r.n - 1), true
}

// AppendTo appends the contents oldest-first to dst.
func (r *Ring[T]) AppendTo(dst []T) []T {
	for i := 0; i < r.n; i++ {
		dst = append(dst, r.arena[(r.head+i)%len(r.arena)])
	}
	return dst
}
