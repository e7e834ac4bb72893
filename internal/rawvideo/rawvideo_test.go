package rawvideo

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFrames writes count frames of frameSize bytes, frame i filled with byte i.
func writeFrames(t *testing.T, count, frameSize int) string {
	t.Helper()
	var buf bytes.Buffer
	for i := range count {
		buf.Write(bytes.Repeat([]byte{byte(i)}, frameSize))
	}
	path := filepath.Join(t.TempDir(), "input.raw")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestReaderLoops(t *testing.T) {
	t.Parallel()

	const frames, size = 3, 4
	r, err := OpenReader(writeFrames(t, frames, size))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	buf := make([]byte, size)
	for i := range 3 * frames {
		wrapped, err := r.ReadFrame(buf)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{byte(i % frames)}, size), buf, "frame %d", i)
		assert.Equal(t, i > 0 && i%frames == 0, wrapped, "frame %d", i)
	}
	assert.EqualValues(t, 2, r.Wraps())
}

func TestReaderPartialTail(t *testing.T) {
	t.Parallel()

	// 6 bytes with 4-byte frames: the second frame straddles the loop point
	r := NewReader(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6}))
	buf := make([]byte, 4)

	wrapped, err := r.ReadFrame(buf)
	require.NoError(t, err)
	assert.False(t, wrapped)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	wrapped, err = r.ReadFrame(buf)
	require.NoError(t, err)
	assert.True(t, wrapped)
	assert.Equal(t, []byte{5, 6, 1, 2}, buf)
}

func TestReaderEmptyStream(t *testing.T) {
	t.Parallel()

	r := NewReader(bytes.NewReader(nil))
	_, err := r.ReadFrame(make([]byte, 4))
	require.ErrorIs(t, err, ErrEmptyStream)
}

type interruptingReader struct {
	io.ReadSeeker
	interrupts int
}

func (r *interruptingReader) Read(p []byte) (int, error) {
	if r.interrupts > 0 {
		r.interrupts--
		return 0, syscall.EINTR
	}
	// short reads exercise the fill loop
	if len(p) > 1 {
		p = p[:1]
	}
	return r.ReadSeeker.Read(p)
}

func TestReaderRetriesInterruptedReads(t *testing.T) {
	t.Parallel()

	r := NewReader(&interruptingReader{
		ReadSeeker: bytes.NewReader([]byte{9, 8, 7, 6}),
		interrupts: 3,
	})
	buf := make([]byte, 4)
	wrapped, err := r.ReadFrame(buf)
	require.NoError(t, err)
	assert.False(t, wrapped)
	assert.Equal(t, []byte{9, 8, 7, 6}, buf)
}

type failingReader struct{ io.ReadSeeker }

func (failingReader) Read([]byte) (int, error) { return 0, syscall.EIO }

func TestReaderFatalError(t *testing.T) {
	t.Parallel()

	r := NewReader(failingReader{bytes.NewReader(nil)})
	_, err := r.ReadFrame(make([]byte, 4))
	require.ErrorIs(t, err, syscall.EIO)
}

func TestReaderRewind(t *testing.T) {
	t.Parallel()

	r, err := OpenReader(writeFrames(t, 4, 2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	buf := make([]byte, 2)
	for range 3 {
		_, err := r.ReadFrame(buf)
		require.NoError(t, err)
	}
	require.NoError(t, r.Rewind())

	wrapped, err := r.ReadFrame(buf)
	require.NoError(t, err)
	assert.False(t, wrapped, "an explicit rewind is not a wrap")
	assert.Equal(t, []byte{0, 0}, buf)
}

func TestWriter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "output.raw")
	w, err := CreateWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteFrame([]byte{1, 1}))
	require.NoError(t, w.WriteFrame([]byte{2, 2}))
	require.NoError(t, w.WriteFrame([]byte{3, 3}))
	require.NoError(t, w.Rewind())
	require.NoError(t, w.WriteFrame([]byte{4, 4}))
	require.NoError(t, w.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 4, 2, 2, 3, 3}, got)
}

type stalledWriter struct{ io.WriteSeeker }

func (stalledWriter) Write([]byte) (int, error) { return 0, nil }

type brokenWriter struct{ io.WriteSeeker }

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriterErrors(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, NewWriter(stalledWriter{}).WriteFrame([]byte{1}), io.ErrShortWrite)

	err := NewWriter(brokenWriter{}).WriteFrame([]byte{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestProbe(t *testing.T) {
	t.Parallel()

	path := writeFrames(t, 5, 4)
	require.NoError(t, os.WriteFile(path+".tail", append(bytes.Repeat([]byte{0}, 20), 1, 2), 0o644))

	res, err := Probe(path, 4)
	require.NoError(t, err)
	assert.Equal(t, ProbeResult{Size: 20, FrameSize: 4, Frames: 5, Remainder: 0}, res)

	res, err = Probe(path+".tail", 4)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Frames)
	assert.EqualValues(t, 2, res.Remainder)

	_, err = Probe(path, 0)
	require.ErrorIs(t, err, ErrFrameSize)

	_, err = Probe(filepath.Join(t.TempDir(), "missing.raw"), 4)
	require.ErrorIs(t, err, os.ErrNotExist)
}
