//go:build !linux

package ui

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("raw terminal input requires linux")

// TTY is unavailable on this platform; every call fails.
type TTY struct{}

// NewTTY returns a terminal that always fails.
func NewTTY(*os.File) *TTY { return &TTY{} }

func (*TTY) MakeRaw() error               { return errUnsupported }
func (*TTY) Restore() error               { return nil }
func (*TTY) ReadKey() (byte, bool, error) { return 0, false, errUnsupported }
