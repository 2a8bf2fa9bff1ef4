// Package ring provides a fixed-capacity ring buffer that tracks how many of
// its slots hold real values, so a stored zero is never mistaken for "empty".
package ring

import "math"

// Number is the set of element types the statistics helpers accept.
type Number interface {
	~int | ~int32 | ~int64 | ~uint16 | ~uint32 | ~float32 | ~float64
}

// Ring is a fixed-capacity FIFO. Pushing into a full ring overwrites the oldest value.
// The zero value is unusable; create rings with New.
type Ring[T any] struct {
	buf   []T
	head  int // next write position
	count int // number of valid entries
}

// New creates a ring holding at most capacity values. Capacity below one is raised to one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, overwriting the oldest value when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int { return r.count }

// Clear forgets all stored values.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Last returns the most recently pushed value.
func (r *Ring[T]) Last() (T, bool) {
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)], true
}

// Values appends the stored values to dst in insertion order, oldest first.
func (r *Ring[T]) Values(dst []T) []T {
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := range r.count {
		dst = append(dst, r.buf[(start+i)%len(r.buf)])
	}
	return dst
}

// Do calls fn for every stored value, oldest first.
func (r *Ring[T]) Do(fn func(T)) {
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := range r.count {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}

// Mean returns the average of the stored values, or 0 for an empty ring.
func Mean[T Number](r *Ring[T]) float64 {
	if r.count == 0 {
		return 0
	}
	var sum float64
	r.Do(func(v T) { sum += float64(v) })
	return sum / float64(r.count)
}

// StdDev returns the population standard deviation of the stored values,
// or 0 for an empty ring.
func StdDev[T Number](r *Ring[T]) float64 {
	if r.count == 0 {
		return 0
	}
	mean := Mean(r)
	var acc float64
	r.Do(func(v T) {
		d := float64(v) - mean
		acc += d * d
	})
	return math.Sqrt(acc / float64(r.count))
}

// MinMax returns the smallest and largest stored values.
func MinMax[T Number](r *Ring[T]) (lo, hi T, ok bool) {
	if r.count == 0 {
		return lo, hi, false
	}
	first := true
	r.Do(func(v T) {
		if first {
			lo, hi, first = v, v, false
			return
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	})
	return lo, hi, true
}
