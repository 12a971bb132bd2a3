// Package spsc implements a bounded single-producer single-consumer
// queue. Slot sequence numbers follow Dmitry Vyukov's bounded queue
// design: a producer may only claim a slot whose sequence matches its
// position, a consumer one whose sequence is position+1.
package spsc

import "sync/atomic"

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Queue is safe for exactly one pushing goroutine and one popping
// goroutine. Push never blocks: a full queue rejects the item and the
// caller decides what dropping it means.
type Queue[T any] struct {
	mask  uint64
	slots []slot[T]
	head  atomic.Uint64 // consumer position
	tail  atomic.Uint64 // producer position
}

// New builds a queue holding at least capacity items, rounded up to a
// power of two.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	size := roundUpPowerOf2(uint64(capacity))
	q := &Queue[T]{
		mask:  size - 1,
		slots: make([]slot[T], size),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Push enqueues v, reporting false when the queue is full.
func (q *Queue[T]) Push(v T) bool {
	t := q.tail.Load()
	s := &q.slots[t&q.mask]
	if s.seq.Load() != t {
		return false
	}
	s.val = v
	s.seq.Store(t + 1)
	q.tail.Store(t + 1)
	return true
}

// Pop dequeues the oldest item, reporting false when the queue is
// empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	h := q.head.Load()
	s := &q.slots[h&q.mask]
	if s.seq.Load() != h+1 {
		return v, false
	}
	v = s.val
	var zero T
	s.val = zero
	s.seq.Store(h + q.mask + 1)
	q.head.Store(h + 1)
	return v, true
}

// Len returns how many items are queued.
func (q *Queue[T]) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.slots)
}

func roundUpPowerOf2(v uint64) uint64 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}
