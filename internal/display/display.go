// Package display implements the stage that renders captured frames with the
// control menu overlaid, at a fixed pace.
package display

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/logger"
	"github.com/bryanchriswhite/framepipe/internal/pool"
	"github.com/bryanchriswhite/framepipe/internal/queue"
)

// DefaultInterval paces the display at roughly 30 frames per second.
const DefaultInterval = 33 * time.Millisecond

// Renderer draws frames and the menu and shows the result. Calls come from
// the display goroutine only.
type Renderer interface {
	DrawFrame(f *pool.Frame) error
	DrawMenu(state control.State) error
	Present() error
}

// Stage consumes the display queue.
type Stage struct {
	pool     *pool.Pool
	ctl      *control.Control
	renderer Renderer
	in       *queue.Queue[pool.Handle]
	interval time.Duration

	frames  atomic.Uint64
	lastSeq atomic.Uint64

	log *zerolog.Logger
}

// NewStage creates a display stage. A non-positive interval selects
// DefaultInterval.
func NewStage(
	p *pool.Pool,
	ctl *control.Control,
	renderer Renderer,
	in *queue.Queue[pool.Handle],
	interval time.Duration,
) *Stage {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Stage{
		pool:     p,
		ctl:      ctl,
		renderer: renderer,
		in:       in,
		interval: interval,
		log:      logger.WithComponent("display"),
	}
}

// Run renders frames until Exit, cancellation, end of input or a render
// failure. On return the display queue is marked done and every block left
// in it is released.
func (s *Stage) Run(ctx context.Context) error {
	defer s.drain()

	s.log.Info().Dur("interval", s.interval).Msg("Display stage started")

	for {
		if err := s.ctl.WaitRunning(ctx); err != nil {
			return s.finish(err)
		}
		h, err := s.in.Pop(ctx)
		if err != nil {
			return s.finish(err)
		}
		if err := s.show(h); err != nil {
			return s.finish(err)
		}
		if s.ctl.State() == control.Exit {
			return s.finish(control.ErrExit)
		}
		if err := s.pace(ctx); err != nil {
			return s.finish(err)
		}
	}
}

// show renders one block and releases it on every path.
func (s *Stage) show(h pool.Handle) error {
	defer s.release(h)

	f := s.pool.Frame(h)
	if err := s.renderer.DrawFrame(f); err != nil {
		return fmt.Errorf("display: draw frame: %w", err)
	}
	if err := s.renderer.DrawMenu(s.ctl.State()); err != nil {
		return fmt.Errorf("display: draw menu: %w", err)
	}
	if err := s.renderer.Present(); err != nil {
		return fmt.Errorf("display: present: %w", err)
	}

	s.lastSeq.Store(f.Seq)
	s.frames.Add(1)
	return nil
}

func (s *Stage) pace(ctx context.Context) error {
	t := time.NewTimer(s.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Stage) release(h pool.Handle) {
	if err := s.pool.Release(h); err != nil {
		s.log.Error().Err(err).Int32("block", int32(h)).Msg("Failed to release block")
	}
}

func (s *Stage) drain() {
	s.in.MarkDone()
	left := s.in.Drain()
	for _, h := range left {
		s.release(h)
	}
	if len(left) > 0 {
		s.log.Debug().Int("blocks", len(left)).Msg("Released undisplayed blocks")
	}
}

func (s *Stage) finish(err error) error {
	if control.IsTerminal(err) || errors.Is(err, queue.ErrDone) {
		s.log.Info().Uint64("frames", s.frames.Load()).Msg("Display stage stopped")
		return nil
	}
	s.log.Error().Err(err).Msg("Display stage failed")
	return err
}

// Frames returns the number of frames presented.
func (s *Stage) Frames() uint64 { return s.frames.Load() }

// LastSeq returns the sequence number of the last presented frame.
func (s *Stage) LastSeq() uint64 { return s.lastSeq.Load() }
