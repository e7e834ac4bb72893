// Package queue implements a fixed-capacity FIFO ring with blocking
// producer/consumer helpers.
//
// The ring exposes its mutex and condition variables so that call sites can
// interleave their own checks between waiting and mutating. Enqueue, Dequeue,
// IsEmpty, IsFull, IsDone and the Wait/Signal methods require the caller to
// hold the queue lock for the whole wait-check-mutate-signal sequence. Push
// and Pop implement that sequence for the common case.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrInvalidCapacity is returned by New for a non-positive capacity.
	ErrInvalidCapacity = errors.New("queue: capacity must be positive")
	// ErrDone is returned by Push after MarkDone, and by Pop once the queue
	// is done and drained.
	ErrDone = errors.New("queue: done")
)

// Queue is a bounded ring buffer.
// Invariant: 0 <= count <= cap and (tail-head) mod cap == count mod cap.
type Queue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	buf   []T
	head  int
	tail  int
	count int
	done  bool
}

// New creates an empty queue holding at most capacity items.
func New[T any](capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	q := &Queue[T]{buf: make([]T, capacity)}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q, nil
}

// Lock acquires the queue mutex.
func (q *Queue[T]) Lock() { q.mu.Lock() }

// Unlock releases the queue mutex.
func (q *Queue[T]) Unlock() { q.mu.Unlock() }

// IsEmpty reports count == 0. Caller holds the lock.
func (q *Queue[T]) IsEmpty() bool { return q.count == 0 }

// IsFull reports count == capacity. Caller holds the lock.
func (q *Queue[T]) IsFull() bool { return q.count == len(q.buf) }

// IsDone reports whether MarkDone has been called. Caller holds the lock.
func (q *Queue[T]) IsDone() bool { return q.done }

// Enqueue appends item at the tail. Caller holds the lock and has confirmed
// the queue is not full.
func (q *Queue[T]) Enqueue(item T) {
	if q.IsFull() {
		panic("queue: enqueue on full queue")
	}
	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
}

// Dequeue removes the head item. Caller holds the lock and has confirmed the
// queue is not empty.
func (q *Queue[T]) Dequeue() T {
	if q.IsEmpty() {
		panic("queue: dequeue on empty queue")
	}
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item
}

// WaitNotFull blocks on the not-full condition. Caller holds the lock.
func (q *Queue[T]) WaitNotFull() { q.notFull.Wait() }

// WaitNotEmpty blocks on the not-empty condition. Caller holds the lock.
func (q *Queue[T]) WaitNotEmpty() { q.notEmpty.Wait() }

// SignalNotFull wakes one producer.
func (q *Queue[T]) SignalNotFull() { q.notFull.Signal() }

// SignalNotEmpty wakes one consumer.
func (q *Queue[T]) SignalNotEmpty() { q.notEmpty.Signal() }

// wakeOnCancel broadcasts both conditions when ctx is done so waiters can
// observe cancellation. The returned func unregisters the hook.
func (q *Queue[T]) wakeOnCancel(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
}

// Push appends item, waiting while the queue is full. It fails with ErrDone
// after MarkDone and with ctx.Err() on cancellation; the item is not queued
// in either case.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	stop := q.wakeOnCancel(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.IsFull() && !q.done {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.WaitNotFull()
	}
	if q.done {
		return ErrDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.Enqueue(item)
	q.SignalNotEmpty()
	return nil
}

// Pop removes the head item, waiting while the queue is empty. Items queued
// before MarkDone are still delivered; once done and empty it fails with
// ErrDone.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	stop := q.wakeOnCancel(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.IsEmpty() && !q.done {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.WaitNotEmpty()
	}
	if q.IsEmpty() {
		return zero, ErrDone
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	item := q.Dequeue()
	q.SignalNotFull()
	return item, nil
}

// MarkDone sets the shutdown flag and wakes every producer and consumer.
func (q *Queue[T]) MarkDone() {
	q.mu.Lock()
	q.done = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Drain removes and returns every queued item, waking blocked producers.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, q.count)
	for !q.IsEmpty() {
		items = append(items, q.Dequeue())
	}
	q.notFull.Broadcast()
	return items
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.buf)
}

// Done reports whether MarkDone has been called.
func (q *Queue[T]) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}
