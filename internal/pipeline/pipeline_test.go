package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/framepipe/internal/capture"
	"github.com/bryanchriswhite/framepipe/internal/config"
	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/pool"
	"github.com/bryanchriswhite/framepipe/internal/queue"
	"github.com/bryanchriswhite/framepipe/internal/rawvideo"
	"github.com/bryanchriswhite/framepipe/internal/record"
)

const (
	testFrames    = 8
	testFrameSize = 4
)

type recordingRenderer struct {
	mu     sync.Mutex
	seqs   []uint64
	values []byte
	err    error
}

func (r *recordingRenderer) DrawFrame(f *pool.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seqs = append(r.seqs, f.Seq)
	r.values = append(r.values, f.Data[0])
	return nil
}

func (r *recordingRenderer) DrawMenu(control.State) error { return nil }

func (r *recordingRenderer) Present() error { return nil }

func (r *recordingRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seqs)
}

func (r *recordingRenderer) snapshot() ([]uint64, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...), append([]byte(nil), r.values...)
}

// fakeTerminal hands out queued keys one per read.
type fakeTerminal struct {
	mu   sync.Mutex
	keys []byte
}

func (f *fakeTerminal) MakeRaw() error { return nil }

func (f *fakeTerminal) Restore() error { return nil }

func (f *fakeTerminal) ReadKey() (byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keys) == 0 {
		return 0, false, nil
	}
	k := f.keys[0]
	f.keys = f.keys[1:]
	return k, true, nil
}

func (f *fakeTerminal) press(keys ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, keys...)
}

// writeInput creates testFrames frames of testFrameSize bytes, frame i filled
// with byte i.
func writeInput(t *testing.T, dir string) []byte {
	t.Helper()
	data := make([]byte, 0, testFrames*testFrameSize)
	for i := range testFrames {
		for range testFrameSize {
			data = append(data, byte(i))
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.raw"), data, 0644))
	return data
}

func testConfig(dir string) *config.Config {
	cfg := config.Defaults()
	cfg.Frame = config.FrameConfig{Width: 2, Height: 2, Depth: 1}
	cfg.Pipeline.PoolCapacity = 4
	cfg.Pipeline.QueueCapacity = 4
	cfg.Pipeline.FrameInterval = time.Millisecond
	cfg.Pipeline.UIPollInterval = time.Millisecond
	cfg.Pipeline.ExitGrace = 0
	cfg.Files.Input = filepath.Join(dir, "in.raw")
	cfg.Files.Output = filepath.Join(dir, "rec", "out.raw")
	cfg.Display.Backend = config.BackendNone
	return cfg
}

func runAsync(p *Pipeline) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir)
	rec := &recordingRenderer{}

	p, err := New(context.Background(), testConfig(dir), Options{Headless: true, Renderer: rec})
	require.NoError(t, err)
	done := runAsync(p)

	require.Eventually(t, func() bool { return rec.count() >= 3*testFrames }, 5*time.Second, time.Millisecond)
	p.Control().Quit()
	require.NoError(t, wait(t, done))

	seqs, values := rec.snapshot()
	for i, seq := range seqs {
		require.Equal(t, uint64(i), seq, "sequence numbers never reset")
		require.Equal(t, byte(seq%testFrames), values[i], "pixel data loops over the input")
	}

	out, err := os.ReadFile(filepath.Join(dir, "rec", "out.raw"))
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Zero(t, len(out)%testFrameSize, "only whole frames are written")
	assert.Equal(t, input[:len(out)], out)

	s := p.Stats()
	assert.Equal(t, control.Exit.String(), s.State)
	assert.Equal(t, 4, s.PoolAvailable, "every block returns to the pool")
	assert.Zero(t, s.PoolUsed)
	assert.GreaterOrEqual(t, s.Captured, s.Displayed)
	assert.GreaterOrEqual(t, s.Captured, s.Recorded)
}

func TestWrapKeepsOutputAligned(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir)

	p, err := New(context.Background(), testConfig(dir), Options{Headless: true, Renderer: &recordingRenderer{}})
	require.NoError(t, err)
	done := runAsync(p)

	require.Eventually(t, func() bool { return p.Stats().Recorded >= 3*testFrames }, 5*time.Second, time.Millisecond)
	p.Control().Quit()
	require.NoError(t, wait(t, done))

	s := p.Stats()
	assert.GreaterOrEqual(t, s.WrapsPosted, uint64(2))
	assert.GreaterOrEqual(t, s.Rewinds, uint64(2))
	assert.LessOrEqual(t, s.Rewinds, s.WrapsPosted)
	assert.Equal(t, int(s.WrapsPosted-s.Rewinds), s.WrapsPending)

	out, err := os.ReadFile(filepath.Join(dir, "rec", "out.raw"))
	require.NoError(t, err)
	assert.Len(t, out, len(input), "rewinds keep the output from growing past one loop")
	assert.Equal(t, input, out)
}

// A single block keeps capture in lockstep with its consumers, so three
// passes over the input post exactly two wraps and the output is rewound
// exactly twice.
func TestThreeLoopsWrapTwice(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	input := writeInput(t, dir)

	blocks, err := pool.New(1, 2, 2, pool.DepthGray)
	require.NoError(t, err)
	displayQ, err := queue.New[pool.Handle](1)
	require.NoError(t, err)
	recordQ, err := queue.New[pool.Handle](1)
	require.NoError(t, err)

	reader, err := rawvideo.OpenReader(filepath.Join(dir, "in.raw"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	outPath := filepath.Join(dir, "out.raw")
	writer, err := rawvideo.CreateWriter(outPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	ctl := control.New(context.Background())
	wrap := &control.WrapSignal{}
	capStage := capture.NewStage(blocks, ctl, wrap, reader, displayQ, recordQ)
	recStage := record.NewStage(blocks, ctl, wrap, writer, recordQ)

	errs := make(chan error, 2)
	go func() { errs <- capStage.Run(ctl.Context()) }()
	go func() { errs <- recStage.Run(ctl.Context()) }()
	require.NoError(t, ctl.Start())

	ctx := context.Background()
	const total = 3 * testFrames
	for i := range total {
		h, err := displayQ.Pop(ctx)
		require.NoError(t, err)
		f := blocks.Frame(h)
		require.EqualValues(t, i, f.Seq)
		assert.Equal(t, byte(i%testFrames), f.Data[0], "frame %d", i)
		assert.Equal(t, i > 0 && i%testFrames == 0, f.Wrapped, "frame %d", i)

		if i == total-1 {
			// capture is parked on the block held here, quit before it can
			// start a fourth pass
			require.Eventually(t, func() bool { return recStage.Frames() == total }, 5*time.Second, time.Millisecond)
			ctl.Quit()
		}
		require.NoError(t, blocks.Release(h))
	}

	for range 2 {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("stage did not return")
		}
	}

	assert.EqualValues(t, total, capStage.Frames())
	assert.EqualValues(t, 2, capStage.Wraps())
	assert.EqualValues(t, 2, wrap.Posted())
	assert.EqualValues(t, 2, wrap.Consumed())
	assert.Zero(t, wrap.Pending())
	assert.EqualValues(t, 2, recStage.Rewinds())
	assert.EqualValues(t, 2, reader.Wraps())
	assert.Equal(t, blocks.Capacity(), blocks.Available())

	require.NoError(t, writer.Close())
	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, input, out, "output frame 0 lines up with input frame 0")
}

func TestKeysDriveThePipeline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeInput(t, dir)
	term := &fakeTerminal{}
	rec := &recordingRenderer{}

	p, err := New(context.Background(), testConfig(dir), Options{Terminal: term, Renderer: rec})
	require.NoError(t, err)
	done := runAsync(p)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, control.Stopped, p.Control().State())
	assert.Zero(t, rec.count(), "nothing is displayed before start")

	term.press('2')
	require.Eventually(t, func() bool { return rec.count() > testFrames }, 5*time.Second, time.Millisecond)

	term.press('1')
	require.Eventually(t, func() bool { return p.Control().State() == control.Stopped }, 2*time.Second, time.Millisecond)

	term.press('q')
	require.NoError(t, wait(t, done))
	assert.Equal(t, control.Exit, p.Control().State())
	assert.Equal(t, 4, p.Stats().PoolAvailable)
}

func TestStageFailureStopsEverything(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeInput(t, dir)
	boom := errors.New("surface lost")

	p, err := New(context.Background(), testConfig(dir), Options{Headless: true, Renderer: &recordingRenderer{err: boom}})
	require.NoError(t, err)

	err = wait(t, runAsync(p))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, control.Exit, p.Control().State())
	assert.Equal(t, 4, p.Stats().PoolAvailable)
}

func TestParentCancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeInput(t, dir)
	ctx, cancel := context.WithCancel(context.Background())

	p, err := New(ctx, testConfig(dir), Options{Headless: true, Renderer: &recordingRenderer{}})
	require.NoError(t, err)
	done := runAsync(p)

	require.Eventually(t, func() bool { return p.Stats().Captured > 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))
	assert.Equal(t, 4, p.Stats().PoolAvailable)
}

func TestNewErrors(t *testing.T) {
	t.Parallel()

	t.Run("Invalid config", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t.TempDir())
		cfg.Frame.Depth = 2
		_, err := New(context.Background(), cfg, Options{Headless: true})
		require.ErrorIs(t, err, config.ErrInvalid)
	})

	t.Run("Missing input", func(t *testing.T) {
		t.Parallel()
		_, err := New(context.Background(), testConfig(t.TempDir()), Options{Headless: true})
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Run twice", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeInput(t, dir)
		p, err := New(context.Background(), testConfig(dir), Options{Headless: true, Renderer: &recordingRenderer{}})
		require.NoError(t, err)
		p.Control().Quit()
		require.NoError(t, p.Run(), "quit before run exits at once")
		require.ErrorIs(t, p.Run(), ErrAlreadyRun)
		require.NoError(t, p.Close())
	})
}

func TestEmptyInputFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := testConfig(dir)
	require.NoError(t, os.WriteFile(cfg.Files.Input, nil, 0644))

	p, err := New(context.Background(), cfg, Options{Headless: true, Renderer: &recordingRenderer{}})
	require.NoError(t, err)
	require.Error(t, wait(t, runAsync(p)))
}
