// Package record implements the stage that writes captured frames to the
// looping output stream.
package record

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

// Sink is the output stream.
type Sink interface {
	WriteFrame(buf []byte) error
	Rewind() error
}

// Stage consumes the record queue.
type Stage struct {
	pool *pool.Pool
	ctl  *control.Control
	wrap *control.WrapSignal
	sink Sink
	in   *queue.Queue[pool.Handle]

	frames  atomic.Uint64
	rewinds atomic.Uint64

	log *zerolog.Logger
}

// NewStage creates a record stage reading from in.
func NewStage(
	p *pool.Pool,
	ctl *control.Control,
	wrap *control.WrapSignal,
	sink Sink,
	in *queue.Queue[pool.Handle],
) *Stage {
	return &Stage{
		pool: p,
		ctl:  ctl,
		wrap: wrap,
		sink: sink,
		in:   in,
		log:  logger.WithComponent("record"),
	}
}

// Run writes frames until Exit, cancellation, end of input or a fatal write
// error. On return the record queue is marked done and every block left in
// it is released.
func (s *Stage) Run(ctx context.Context) error {
	defer s.drain()

	s.log.Info().Msg("Record stage started")

	for {
		if err := s.ctl.WaitRunning(ctx); err != nil {
			return s.finish(err)
		}
		h, err := s.in.Pop(ctx)
		if err != nil {
			return s.finish(err)
		}
		if err := s.write(h); err != nil {
			return s.finish(err)
		}
	}
}

// write mirrors a pending input wrap onto the output stream and writes the
// frame. The rewind is tied to the frame capture flagged as wrapped, not to
// when the wrap signal was posted, so a lagging record stage still rewinds
// exactly at the loop boundary. The block reference is released on every
// path.
func (s *Stage) write(h pool.Handle) error {
	defer s.release(h)

	f := s.pool.Frame(h)
	if f.Wrapped {
		if s.wrap.TryWait() {
			if err := s.sink.Rewind(); err != nil {
				return fmt.Errorf("record: %w", err)
			}
			s.rewinds.Add(1)
			s.log.Debug().
				Uint64("seq", f.Seq).
				Uint64("rewinds", s.rewinds.Load()).
				Msg("Output rewound to follow input wrap")
		} else {
			s.log.Warn().Uint64("seq", f.Seq).Msg("Wrapped frame without pending wrap signal")
		}
	}

	if err := s.sink.WriteFrame(f.Data); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	s.frames.Add(1)
	return nil
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
		s.log.Debug().Int("blocks", len(left)).Msg("Released unrecorded blocks")
	}
}

func (s *Stage) finish(err error) error {
	if control.IsTerminal(err) || errors.Is(err, queue.ErrDone) {
		s.log.Info().
			Uint64("frames", s.frames.Load()).
			Uint64("rewinds", s.rewinds.Load()).
			Msg("Record stage stopped")
		return nil
	}
	s.log.Error().Err(err).Msg("Record stage failed")
	return err
}

// Frames returns the number of frames written.
func (s *Stage) Frames() uint64 { return s.frames.Load() }

// Rewinds returns the number of wrap-driven output rewinds.
func (s *Stage) Rewinds() uint64 { return s.rewinds.Load() }
