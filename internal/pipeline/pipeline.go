// Package pipeline wires the block pool, queues, control state and the four
// stages into a runnable unit, supervises them and tears everything down
// once they have all returned.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	conc "github.com/sourcegraph/conc/pool"

	"github.com/bryanchriswhite/framepipe/internal/capture"
	"github.com/bryanchriswhite/framepipe/internal/config"
	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/display"
	"github.com/bryanchriswhite/framepipe/internal/logger"
	"github.com/bryanchriswhite/framepipe/internal/output"
	"github.com/bryanchriswhite/framepipe/internal/pool"
	"github.com/bryanchriswhite/framepipe/internal/queue"
	"github.com/bryanchriswhite/framepipe/internal/rawvideo"
	"github.com/bryanchriswhite/framepipe/internal/record"
	"github.com/bryanchriswhite/framepipe/internal/ui"
)

// ErrAlreadyRun is returned by a second call to Run.
var ErrAlreadyRun = errors.New("pipeline: already run")

// Options controls how a pipeline is assembled.
type Options struct {
	// Headless skips the UI stage and starts in Running. The pipeline then
	// ends only on Quit or cancellation of the parent context.
	Headless bool
	// Terminal is the keystroke source; nil selects stdin.
	Terminal ui.Terminal
	// Renderer replaces the canvas. Outputs are not created when it is set.
	Renderer display.Renderer
}

// Pipeline is one assembled capture/display/record/UI run.
type Pipeline struct {
	cfg      config.Config
	headless bool

	pool      *pool.Pool
	displayQ  *queue.Queue[pool.Handle]
	recordQ   *queue.Queue[pool.Handle]
	ctl       *control.Control
	wrap      *control.WrapSignal
	reader    *rawvideo.Reader
	writer    *rawvideo.Writer
	canvas    *display.Canvas
	mjpeg     *output.MJPEGOutput
	capture   *capture.Stage
	display   *display.Stage
	record    *record.Stage
	ui        *ui.Stage
	closeOnce sync.Once
	ran       bool
	mu        sync.Mutex

	log *zerolog.Logger
}

// New validates cfg, opens the input and output files and builds every
// stage. The pipeline is stopped until Run; headless pipelines start
// Running.
func New(parent context.Context, cfg *config.Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      *cfg,
		headless: opts.Headless,
		ctl:      control.New(parent),
		wrap:     &control.WrapSignal{},
		log:      logger.WithComponent("pipeline"),
	}

	var err error
	if p.pool, err = pool.New(cfg.Pipeline.PoolCapacity, cfg.Frame.Width, cfg.Frame.Height, cfg.Frame.Depth); err != nil {
		return nil, err
	}
	if p.displayQ, err = queue.New[pool.Handle](cfg.Pipeline.QueueCapacity); err != nil {
		return nil, err
	}
	if p.recordQ, err = queue.New[pool.Handle](cfg.Pipeline.QueueCapacity); err != nil {
		return nil, err
	}

	if p.reader, err = rawvideo.OpenReader(cfg.Files.Input); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Files.Output); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = p.reader.Close()
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if p.writer, err = rawvideo.CreateWriter(cfg.Files.Output); err != nil {
		_ = p.reader.Close()
		return nil, err
	}

	p.ctl.SetRewinder(control.SlotInput, p.reader)
	p.ctl.SetRewinder(control.SlotOutput, p.writer)

	renderer := opts.Renderer
	if renderer == nil {
		p.canvas = p.buildCanvas()
		renderer = p.canvas
	}

	p.capture = capture.NewStage(p.pool, p.ctl, p.wrap, p.reader, p.displayQ, p.recordQ)
	p.display = display.NewStage(p.pool, p.ctl, renderer, p.displayQ, cfg.Pipeline.FrameInterval)
	p.record = record.NewStage(p.pool, p.ctl, p.wrap, p.writer, p.recordQ)

	if !opts.Headless {
		term := opts.Terminal
		if term == nil {
			term = ui.NewTTY(os.Stdin)
		}
		p.ui = ui.NewStage(p.ctl, term, keymap(cfg.Keys), cfg.Pipeline.UIPollInterval, cfg.Pipeline.ExitGrace)
	}

	p.log.Info().
		Int("width", cfg.Frame.Width).
		Int("height", cfg.Frame.Height).
		Int("depth", cfg.Frame.Depth).
		Int("pool", cfg.Pipeline.PoolCapacity).
		Int("queue", cfg.Pipeline.QueueCapacity).
		Str("input", cfg.Files.Input).
		Str("output", cfg.Files.Output).
		Bool("headless", opts.Headless).
		Msg("Pipeline built")

	return p, nil
}

func keymap(k config.KeysConfig) ui.Keymap {
	return ui.Keymap{Start: k.Start[0], Stop: k.Stop[0], Reset: k.Reset[0], Quit: k.Quit[0]}
}

// buildCanvas creates the canvas and the outputs the display backend names.
func (p *Pipeline) buildCanvas() *display.Canvas {
	c := display.NewCanvas(p.cfg.Frame.Width, p.cfg.Frame.Height)
	b := c.Bounds()
	oc := output.Config{
		Width:  b.Dx(),
		Height: b.Dy(),
		Device: p.cfg.Display.Device,
		Title:  p.cfg.Display.Title,
	}

	switch p.cfg.Display.Backend {
	case config.BackendFramebuffer:
		c.AddOutput(output.NewFramebuffer(oc))
	case config.BackendX11:
		c.AddOutput(output.NewX11Window(oc))
	}
	if p.cfg.Display.MJPEG {
		p.mjpeg = output.NewMJPEGOutput(oc)
		c.AddOutput(p.mjpeg)
	}
	return c
}

// Control returns the run-state machine shared by every stage.
func (p *Pipeline) Control() *control.Control { return p.ctl }

// MJPEG returns the preview stream, or nil when it is disabled.
func (p *Pipeline) MJPEG() *output.MJPEGOutput { return p.mjpeg }

// Run starts the outputs and every stage and blocks until they have all
// returned. It returns the first fatal stage error joined with any teardown
// failure; a normal Exit returns nil.
func (p *Pipeline) Run() error {
	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		return ErrAlreadyRun
	}
	p.ran = true
	p.mu.Unlock()

	if p.canvas != nil {
		if err := p.canvas.Start(); err != nil {
			return multierror.Append(err, p.Close()).ErrorOrNil()
		}
	}

	if p.headless {
		if err := p.ctl.Start(); err != nil && !errors.Is(err, control.ErrExit) {
			return multierror.Append(err, p.Close()).ErrorOrNil()
		}
	}

	p.log.Info().Stringer("state", p.ctl.State()).Msg("Pipeline running")

	stages := conc.New().
		WithContext(p.ctl.Context()).
		WithCancelOnError().
		WithFirstError()
	stages.Go(p.capture.Run)
	stages.Go(p.display.Run)
	stages.Go(p.record.Run)
	if p.ui != nil {
		stages.Go(p.ui.Run)
	}

	runErr := stages.Wait()
	p.ctl.Quit()

	var result *multierror.Error
	if runErr != nil {
		p.log.Error().Err(runErr).Msg("Pipeline stage failed")
		result = multierror.Append(result, runErr)
	}
	if err := p.close(); err != nil {
		result = multierror.Append(result, err)
	}

	s := p.Stats()
	p.log.Info().
		Uint64("captured", s.Captured).
		Uint64("displayed", s.Displayed).
		Uint64("recorded", s.Recorded).
		Uint64("wraps", s.WrapsPosted).
		Uint64("rewinds", s.Rewinds).
		Msg("Pipeline stopped")

	return result.ErrorOrNil()
}

// Close releases the files and outputs of a pipeline that will not be run.
func (p *Pipeline) Close() error {
	p.ctl.Quit()
	return p.close()
}

// close runs once, after every stage has joined.
func (p *Pipeline) close() error {
	var result *multierror.Error
	p.closeOnce.Do(func() {
		if p.canvas != nil {
			if err := p.canvas.Stop(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := p.reader.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close input: %w", err))
		}
		if err := p.writer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close output: %w", err))
		}
		if err := p.pool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result.ErrorOrNil()
}
