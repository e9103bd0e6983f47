package predicate

import "sync/atomic"

// Ref holds the most recently observed snapshot of a resource. Predicates
// refresh it on every check so the caller can read the final state once
// polling stops.
type Ref[T any] struct {
	v atomic.Pointer[T]
}

func NewRef[T any](v T) *Ref[T] {
	r := &Ref[T]{}
	r.Store(v)
	return r
}

// Load returns the current snapshot, or the zero value if none was stored.
func (r *Ref[T]) Load() T {
	if p := r.v.Load(); p != nil {
		return *p
	}

	var zero T
	return zero
}

func (r *Ref[T]) Store(v T) {
	r.v.Store(&v)
}
