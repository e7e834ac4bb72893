// Package capture implements the producer stage of the frame pipeline. It
// reads frames from a looping source into pool blocks and fans each block
// out to the display and record queues.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/logger"
	"github.com/bryanchriswhite/framepipe/internal/pool"
	"github.com/bryanchriswhite/framepipe/internal/queue"
)

// Consumers is the number of references granted per captured block: one for
// display, one for record.
const Consumers = 2

// Source fills a frame buffer from the input stream
type Source interface {
	// ReadFrame fills buf completely. wrapped reports that the stream looped
	// back to its start while filling buf.
	ReadFrame(buf []byte) (wrapped bool, err error)
}

// Stage is the capture stage
type Stage struct {
	pool    *pool.Pool
	ctl     *control.Control
	wrap    *control.WrapSignal
	src     Source
	display *queue.Queue[pool.Handle]
	record  *queue.Queue[pool.Handle]

	seq    uint64
	frames atomic.Uint64
	wraps  atomic.Uint64
	stalls atomic.Uint64

	log *zerolog.Logger
}

// NewStage creates a capture stage writing into the given queues
func NewStage(
	p *pool.Pool,
	ctl *control.Control,
	wrap *control.WrapSignal,
	src Source,
	display, record *queue.Queue[pool.Handle],
) *Stage {
	return &Stage{
		pool:    p,
		ctl:     ctl,
		wrap:    wrap,
		src:     src,
		display: display,
		record:  record,
		log:     logger.WithComponent("capture"),
	}
}

// Run captures frames until Exit, cancellation or a fatal error. Both
// output queues are marked done on return so consumers never wait on a
// producer that has gone away.
func (s *Stage) Run(ctx context.Context) error {
	defer func() {
		s.display.MarkDone()
		s.record.MarkDone()
	}()

	s.log.Info().Msg("Capture stage started")

	for {
		if err := s.ctl.WaitRunning(ctx); err != nil {
			return s.finish(err)
		}
		if err := s.cycle(ctx); err != nil {
			return s.finish(err)
		}
	}
}

func (s *Stage) finish(err error) error {
	if control.IsTerminal(err) ||
		errors.Is(err, queue.ErrDone) ||
		errors.Is(err, pool.ErrClosed) {
		s.log.Info().
			Uint64("frames", s.frames.Load()).
			Uint64("wraps", s.wraps.Load()).
			Msg("Capture stage stopped")
		return nil
	}
	s.log.Error().Err(err).Uint64("seq", s.seq).Msg("Capture stage failed")
	return err
}

// cycle captures one frame. Every reference not handed to a queue is
// released before returning.
func (s *Stage) cycle(ctx context.Context) error {
	h, ok := s.pool.TryAllocate(Consumers)
	if !ok {
		// every block is still held downstream
		s.stalls.Add(1)
		s.log.Debug().Uint64("seq", s.seq).Msg("Pool exhausted, waiting for a block")

		var err error
		if h, err = s.pool.Allocate(ctx, Consumers); err != nil {
			return err
		}
	}
	held := Consumers
	defer func() {
		if held > 0 {
			if err := s.pool.ReleaseN(h, held); err != nil {
				s.log.Error().Err(err).Int32("block", int32(h)).Msg("Failed to release block")
			}
		}
	}()

	frame := s.pool.Frame(h)
	wrapped, err := s.src.ReadFrame(frame.Data)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if wrapped {
		s.wrap.Post()
		s.wraps.Add(1)
		s.log.Debug().Uint64("seq", s.seq).Msg("Input wrapped")
	}
	frame.Wrapped = wrapped
	frame.Seq = s.seq
	s.seq++

	if err := s.display.Push(ctx, h); err != nil {
		return err
	}
	held--
	if err := s.record.Push(ctx, h); err != nil {
		return err
	}
	held--

	s.frames.Add(1)
	return nil
}

// Frames returns the number of frames handed to both queues.
func (s *Stage) Frames() uint64 { return s.frames.Load() }

// Wraps returns the number of input wraps observed.
func (s *Stage) Wraps() uint64 { return s.wraps.Load() }

// Stalls returns how many frames had to wait for a free block.
func (s *Stage) Stalls() uint64 { return s.stalls.Load() }
