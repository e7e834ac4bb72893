// Package ui implements the keystroke-driven control stage. It polls a raw
// terminal and turns single key presses into run-state transitions.
package ui

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/logger"
)

const (
	// DefaultPollInterval is the keystroke poll period.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultExitGrace is how long the stage lingers after a quit key.
	DefaultExitGrace = time.Second
)

// Terminal is a raw, non-blocking keyboard.
type Terminal interface {
	// MakeRaw switches to non-canonical, non-echo input.
	MakeRaw() error
	// Restore puts back the settings saved by MakeRaw.
	Restore() error
	// ReadKey returns the next pending byte; ok is false when none is waiting.
	ReadKey() (key byte, ok bool, err error)
}

// Keymap binds one key to each command.
type Keymap struct {
	Start byte
	Stop  byte
	Reset byte
	Quit  byte
}

// DefaultKeymap returns the stock bindings: 2 start, 1 stop, 3 reset, q quit.
func DefaultKeymap() Keymap {
	return Keymap{Start: '2', Stop: '1', Reset: '3', Quit: 'q'}
}

// Command maps a key to its command, or CommandNone.
func (k Keymap) Command(key byte) control.Command {
	switch key {
	case k.Start:
		return control.CommandStart
	case k.Stop:
		return control.CommandStop
	case k.Reset:
		return control.CommandReset
	case k.Quit:
		return control.CommandQuit
	default:
		return control.CommandNone
	}
}

// Stage polls the terminal and drives the control state.
type Stage struct {
	ctl   *control.Control
	term  Terminal
	keys  Keymap
	poll  time.Duration
	grace time.Duration
	log   *zerolog.Logger
}

// NewStage creates a UI stage. Non-positive durations select the defaults.
func NewStage(ctl *control.Control, term Terminal, keys Keymap, poll, grace time.Duration) *Stage {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if grace < 0 {
		grace = DefaultExitGrace
	}
	return &Stage{
		ctl:   ctl,
		term:  term,
		keys:  keys,
		poll:  poll,
		grace: grace,
		log:   logger.WithComponent("ui"),
	}
}

// Run switches the terminal to raw mode and handles keys until a quit key,
// cancellation or a terminal error. Terminal settings are restored on every
// return path.
func (s *Stage) Run(ctx context.Context) error {
	if err := s.term.MakeRaw(); err != nil {
		return fmt.Errorf("ui: raw mode: %w", err)
	}
	defer func() {
		if err := s.term.Restore(); err != nil {
			s.log.Error().Err(err).Msg("Failed to restore terminal")
		}
	}()

	s.log.Info().
		Str("start", string(s.keys.Start)).
		Str("stop", string(s.keys.Stop)).
		Str("reset", string(s.keys.Reset)).
		Str("quit", string(s.keys.Quit)).
		Msg("UI stage started")

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("UI stage stopped")
			return nil
		case <-ticker.C:
		}

		key, ok, err := s.term.ReadKey()
		if err != nil {
			return fmt.Errorf("ui: read key: %w", err)
		}
		if !ok {
			continue
		}

		if s.handle(key) == control.CommandQuit {
			s.log.Info().Dur("grace", s.grace).Msg("Exiting")
			time.Sleep(s.grace)
			return nil
		}
	}
}

// handle applies the command bound to key and returns it.
func (s *Stage) handle(key byte) control.Command {
	cmd := s.keys.Command(key)
	if cmd == control.CommandNone {
		return cmd
	}

	err := s.ctl.Apply(cmd)
	switch {
	case err == nil:
		s.log.Info().Stringer("command", cmd).Stringer("state", s.ctl.State()).Msg("Command applied")
	case errors.Is(err, control.ErrInvalidTransition):
		s.log.Debug().Stringer("command", cmd).Stringer("state", s.ctl.State()).Msg("Command ignored")
	default:
		s.log.Error().Err(err).Stringer("command", cmd).Msg("Command failed")
	}
	return cmd
}
