//go:build linux

package ui

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// TTY is a Terminal on a Linux tty file descriptor.
type TTY struct {
	fd   int
	orig *unix.Termios
}

// NewTTY wraps f, usually os.Stdin.
func NewTTY(f *os.File) *TTY {
	return &TTY{fd: int(f.Fd())}
}

// MakeRaw disables canonical mode and echo, and makes reads return
// immediately when no byte is pending.
func (t *TTY) MakeRaw() error {
	orig, err := unix.IoctlGetTermios(t.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	raw := *orig
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 0
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(t.fd, unix.TCSETS, &raw); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	t.orig = orig
	return nil
}

// Restore reinstates the settings saved by MakeRaw.
func (t *TTY) Restore() error {
	if t.orig == nil {
		return nil
	}
	if err := unix.IoctlSetTermios(t.fd, unix.TCSETS, t.orig); err != nil {
		return fmt.Errorf("restore termios: %w", err)
	}
	t.orig = nil
	return nil
}

// ReadKey reads at most one pending byte.
func (t *TTY) ReadKey() (byte, bool, error) {
	var buf [1]byte
	n, err := unix.Read(t.fd, buf[:])
	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return 0, false, nil
	case err != nil:
		return 0, false, err
	case n == 1:
		return buf[0], true, nil
	default:
		return 0, false, nil
	}
}
