package control

import "sync/atomic"

// WrapSignal counts input-stream wraparounds not yet mirrored by an output
// rewind. Capture posts, record consumes without blocking.
type WrapSignal struct {
	pending  atomic.Int64
	posted   atomic.Uint64
	consumed atomic.Uint64
}

// Post records one wrap.
func (w *WrapSignal) Post() {
	w.posted.Add(1)
	w.pending.Add(1)
}

// TryWait consumes one pending wrap if there is one.
func (w *WrapSignal) TryWait() bool {
	for {
		n := w.pending.Load()
		if n <= 0 {
			return false
		}
		if w.pending.CompareAndSwap(n, n-1) {
			w.consumed.Add(1)
			return true
		}
	}
}

// Pending returns the number of wraps not yet consumed.
func (w *WrapSignal) Pending() int {
	return int(w.pending.Load())
}

// Posted returns the total number of wraps posted.
func (w *WrapSignal) Posted() uint64 {
	return w.posted.Load()
}

// Consumed returns the total number of wraps consumed.
func (w *WrapSignal) Consumed() uint64 {
	return w.consumed.Load()
}
