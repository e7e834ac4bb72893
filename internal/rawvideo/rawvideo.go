// Package rawvideo reads and writes headerless raw video files: a plain
// concatenation of fixed-size frames whose dimensions come from
// configuration. Reading loops forever by seeking back to offset 0 at end of
// stream.
package rawvideo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framepipe/internal/logger"
)

var (
	// ErrEmptyStream is returned when the input holds no bytes to loop over.
	ErrEmptyStream = errors.New("rawvideo: empty stream")
	// ErrFrameSize is returned by Probe for a non-positive frame size.
	ErrFrameSize = errors.New("rawvideo: invalid frame size")
)

const maxEmptyReads = 100

// Reader reads whole frames from a looping stream.
type Reader struct {
	mu     sync.Mutex
	src    io.ReadSeeker
	closer io.Closer
	wraps  uint64
	log    *zerolog.Logger
}

// OpenReader opens path for looping frame reads.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	r := NewReader(f)
	r.closer = f
	l := r.log.With().Str("path", path).Logger()
	r.log = &l
	r.log.Debug().Msg("Input stream opened")
	return r, nil
}

// NewReader wraps an already opened stream. The caller keeps ownership of src.
func NewReader(src io.ReadSeeker) *Reader {
	return &Reader{
		src: src,
		log: logger.WithComponent("rawvideo"),
	}
}

// ReadFrame fills buf completely. Hitting end of stream before buf is full
// seeks back to offset 0 and keeps reading; wrapped reports whether that
// happened. Interrupted reads are retried.
func (r *Reader) ReadFrame(buf []byte) (wrapped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filled := 0
	// unknown position on entry counts as progress, so a frame boundary that
	// coincides with end of stream wraps instead of failing
	progressed := true
	empty := 0

	for filled < len(buf) {
		n, err := r.src.Read(buf[filled:])
		filled += n
		if n > 0 {
			progressed = true
			empty = 0
		}

		switch {
		case err == nil:
			if n == 0 {
				empty++
				if empty >= maxEmptyReads {
					return wrapped, io.ErrNoProgress
				}
			}
		case errors.Is(err, io.EOF):
			if filled == len(buf) {
				return wrapped, nil
			}
			if !progressed {
				return wrapped, ErrEmptyStream
			}
			if _, err := r.src.Seek(0, io.SeekStart); err != nil {
				return wrapped, fmt.Errorf("failed to loop input: %w", err)
			}
			wrapped = true
			progressed = false
			r.wraps++
			r.log.Debug().Uint64("wraps", r.wraps).Msg("Input stream wrapped")
		case errors.Is(err, syscall.EINTR):
			continue
		default:
			return wrapped, fmt.Errorf("failed to read frame: %w", err)
		}
	}
	return wrapped, nil
}

// Rewind seeks the stream to offset 0. It waits for an in-flight ReadFrame.
func (r *Reader) Rewind() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind input: %w", err)
	}
	return nil
}

// Wraps returns how many times the stream has looped.
func (r *Reader) Wraps() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wraps
}

// Close closes the file opened by OpenReader.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Writer writes whole frames to a rewindable stream.
type Writer struct {
	mu     sync.Mutex
	dst    io.WriteSeeker
	closer io.Closer
	log    *zerolog.Logger
}

// CreateWriter creates or truncates path for frame writes.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output: %w", err)
	}
	w := NewWriter(f)
	w.closer = f
	l := w.log.With().Str("path", path).Logger()
	w.log = &l
	w.log.Debug().Msg("Output stream opened")
	return w, nil
}

// NewWriter wraps an already opened stream. The caller keeps ownership of dst.
func NewWriter(dst io.WriteSeeker) *Writer {
	return &Writer{
		dst: dst,
		log: logger.WithComponent("rawvideo"),
	}
}

// WriteFrame writes all of buf, retrying interrupted writes.
func (w *Writer) WriteFrame(buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := w.dst.Write(buf[written:])
		written += n
		switch {
		case err == nil:
			if n == 0 {
				return io.ErrShortWrite
			}
		case errors.Is(err, syscall.EINTR):
			continue
		default:
			return fmt.Errorf("failed to write frame: %w", err)
		}
	}
	return nil
}

// Rewind seeks the stream to offset 0. It waits for an in-flight WriteFrame.
func (w *Writer) Rewind() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind output: %w", err)
	}
	return nil
}

// Close closes the file opened by CreateWriter.
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// ProbeResult describes how a file divides into frames.
type ProbeResult struct {
	Size      int64
	FrameSize int
	Frames    int64
	Remainder int64
}

// Probe reports the number of whole frames in path and the trailing bytes
// that do not form a frame.
func Probe(path string, frameSize int) (ProbeResult, error) {
	if frameSize <= 0 {
		return ProbeResult{}, fmt.Errorf("%w: %d", ErrFrameSize, frameSize)
	}
	info, err := os.Stat(path)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("failed to stat input: %w", err)
	}
	if info.IsDir() {
		return ProbeResult{}, fmt.Errorf("input %s is a directory", path)
	}

	size := info.Size()
	return ProbeResult{
		Size:      size,
		FrameSize: frameSize,
		Frames:    size / int64(frameSize),
		Remainder: size % int64(frameSize),
	}, nil
}
