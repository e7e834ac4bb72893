// Package pool provides a fixed-capacity allocator of reference-counted frame
// buffers. A single backing buffer holds every frame; callers receive
// borrowed handles and return them with Release once per granted reference.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/framepipe/internal/logger"
)

var (
	// ErrInvalidArgument reports a zero or negative capacity, dimension, depth or refcount.
	ErrInvalidArgument = errors.New("pool: invalid argument")
	// ErrOverflow reports that the backing buffer size does not fit in an int.
	ErrOverflow = errors.New("pool: size overflow")
	// ErrInvalidHandle reports a handle that does not belong to the pool.
	ErrInvalidHandle = errors.New("pool: invalid handle")
	// ErrDoubleRelease reports a release of a block that holds no references.
	ErrDoubleRelease = errors.New("pool: release of unreferenced block")
	// ErrNotAllocated reports a retain of a block that is on the free-list.
	ErrNotAllocated = errors.New("pool: block not allocated")
	// ErrClosed is returned by Allocate once the pool has been closed.
	ErrClosed = errors.New("pool: closed")
	// ErrOutstanding is returned by Close when blocks are still referenced.
	ErrOutstanding = errors.New("pool: blocks still referenced")
)

// Supported pixel depths in bytes per pixel.
const (
	DepthGray = 1
	DepthRGB  = 3
	DepthRGBA = 4
)

// Frame is the pixel payload of a block. Dimensions are fixed at pool
// creation and Data is never reallocated.
type Frame struct {
	Width  int
	Height int
	Depth  int
	Seq    uint64
	// Wrapped is set on the first frame read after the input stream looped.
	Wrapped bool
	Data    []byte
}

// Handle is a borrowed reference to a pool block. It carries no ownership;
// it is valid only while the holder's reference is outstanding.
type Handle int32

// NoBlock is the zero-capability handle.
const NoBlock Handle = -1

const endOfList int32 = -1

type block struct {
	frame    Frame
	refcount atomic.Int32
	next     int32 // free-list link
}

// Pool is a fixed array of blocks backed by one contiguous buffer.
// Invariant: Available() + Used() == Capacity() at every quiescent point.
type Pool struct {
	blocks    []block
	data      []byte
	frameSize int

	mu     sync.Mutex
	cond   *sync.Cond
	free   int32
	nfree  int
	closed bool
}

// ValidDepth reports whether depth is one of the supported byte depths.
func ValidDepth(depth int) bool {
	return depth == DepthGray || depth == DepthRGB || depth == DepthRGBA
}

// FrameSize returns width*height*depth, failing on overflow.
func FrameSize(width, height, depth int) (int, error) {
	if width <= 0 || height <= 0 || depth <= 0 {
		return 0, ErrInvalidArgument
	}
	n, ok := mulInt(width, height)
	if ok {
		n, ok = mulInt(n, depth)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %dx%dx%d", ErrOverflow, width, height, depth)
	}
	return n, nil
}

func mulInt(a, b int) (int, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

// New creates a pool of capacity blocks, each holding one width×height×depth
// frame. All blocks start on the free-list with refcount 0.
func New(capacity, width, height, depth int) (*Pool, error) {
	if capacity <= 0 || capacity > math.MaxInt32 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidArgument, capacity)
	}
	if !ValidDepth(depth) {
		return nil, fmt.Errorf("%w: depth %d", ErrInvalidArgument, depth)
	}
	frameSize, err := FrameSize(width, height, depth)
	if err != nil {
		return nil, err
	}
	total, ok := mulInt(frameSize, capacity)
	if !ok {
		return nil, fmt.Errorf("%w: %d blocks of %d bytes", ErrOverflow, capacity, frameSize)
	}

	p := &Pool{
		blocks:    make([]block, capacity),
		data:      make([]byte, total),
		frameSize: frameSize,
		free:      endOfList,
	}
	p.cond = sync.NewCond(&p.mu)

	// push in reverse so block 0 is handed out first
	for i := capacity - 1; i >= 0; i-- {
		b := &p.blocks[i]
		off := i * frameSize
		b.frame = Frame{
			Width:  width,
			Height: height,
			Depth:  depth,
			Data:   p.data[off : off+frameSize : off+frameSize],
		}
		b.next = p.free
		p.free = int32(i)
	}
	p.nfree = capacity

	logger.WithComponent("pool").Debug().
		Int("capacity", capacity).
		Int("frame_size", frameSize).
		Int("total_bytes", total).
		Msg("Block pool created")

	return p, nil
}

// Allocate takes a block off the free-list and sets its refcount to refs.
// It blocks while the pool is exhausted and returns early with ctx.Err()
// when ctx is cancelled, or ErrClosed once the pool is closed.
func (p *Pool) Allocate(ctx context.Context, refs int) (Handle, error) {
	if refs <= 0 || refs > math.MaxInt32 {
		return NoBlock, fmt.Errorf("%w: initial refcount %d", ErrInvalidArgument, refs)
	}

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.free == endOfList && !p.closed {
		if err := ctx.Err(); err != nil {
			return NoBlock, err
		}
		p.cond.Wait()
	}
	if p.closed {
		return NoBlock, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		// pass the wakeup on so a block is not stranded behind a cancelled waiter
		p.cond.Signal()
		return NoBlock, err
	}

	idx := p.free
	b := &p.blocks[idx]
	p.free = b.next
	b.next = endOfList
	p.nfree--
	b.refcount.Store(int32(refs))
	return Handle(idx), nil
}

// TryAllocate is the non-blocking variant of Allocate. ok is false when the
// pool is exhausted or closed.
func (p *Pool) TryAllocate(refs int) (h Handle, ok bool) {
	if refs <= 0 || refs > math.MaxInt32 {
		return NoBlock, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free == endOfList || p.closed {
		return NoBlock, false
	}
	idx := p.free
	b := &p.blocks[idx]
	p.free = b.next
	b.next = endOfList
	p.nfree--
	b.refcount.Store(int32(refs))
	return Handle(idx), true
}

func (p *Pool) block(h Handle) (*block, bool) {
	if h < 0 || int(h) >= len(p.blocks) {
		return nil, false
	}
	return &p.blocks[h], true
}

// Retain adds one reference to an allocated block. NoBlock is a no-op.
func (p *Pool) Retain(h Handle) error {
	if h == NoBlock {
		return nil
	}
	b, ok := p.block(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	for {
		r := b.refcount.Load()
		if r <= 0 {
			return fmt.Errorf("%w: block %d", ErrNotAllocated, h)
		}
		if b.refcount.CompareAndSwap(r, r+1) {
			return nil
		}
	}
}

// Release drops one reference. The 1→0 transition returns the block to the
// free-list and wakes one allocator. Releasing a block that holds no
// references fails with ErrDoubleRelease and leaves the free-list intact.
// NoBlock is a no-op.
func (p *Pool) Release(h Handle) error {
	if h == NoBlock {
		return nil
	}
	b, ok := p.block(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	for {
		r := b.refcount.Load()
		if r <= 0 {
			return fmt.Errorf("%w: block %d", ErrDoubleRelease, h)
		}
		if !b.refcount.CompareAndSwap(r, r-1) {
			continue
		}
		if r == 1 {
			p.mu.Lock()
			b.next = p.free
			p.free = int32(h)
			p.nfree++
			p.cond.Signal()
			p.mu.Unlock()
		}
		return nil
	}
}

// ReleaseN drops n references, stopping at the first error.
func (p *Pool) ReleaseN(h Handle, n int) error {
	for range n {
		if err := p.Release(h); err != nil {
			return err
		}
	}
	return nil
}

// Frame returns the frame of an allocated block, or nil for an invalid handle.
// The caller must hold a reference for as long as it uses the frame.
func (p *Pool) Frame(h Handle) *Frame {
	b, ok := p.block(h)
	if !ok {
		return nil
	}
	return &b.frame
}

// Data returns the pixel buffer of a block, or nil for an invalid handle.
func (p *Pool) Data(h Handle) []byte {
	if f := p.Frame(h); f != nil {
		return f.Data
	}
	return nil
}

// Refcount returns a best-effort snapshot of a block's reference count, or
// -1 for an invalid handle.
func (p *Pool) Refcount(h Handle) int {
	b, ok := p.block(h)
	if !ok {
		return -1
	}
	return int(b.refcount.Load())
}

// Available returns the number of blocks on the free-list.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nfree
}

// Used returns the number of blocks handed out.
func (p *Pool) Used() int {
	return p.Capacity() - p.Available()
}

// Capacity returns the fixed number of blocks.
func (p *Pool) Capacity() int {
	return len(p.blocks)
}

// FrameSize returns the byte size of one frame.
func (p *Pool) FrameSize() int {
	return p.frameSize
}

// Close marks the pool closed and wakes every waiting allocator. Closing with
// blocks still referenced is a programming error and is reported as
// ErrOutstanding.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		p.cond.Broadcast()
	}

	if used := len(p.blocks) - p.nfree; used > 0 {
		return fmt.Errorf("%w: %d of %d", ErrOutstanding, used, len(p.blocks))
	}
	return nil
}
