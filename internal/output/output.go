package output

import (
	"errors"
	"image"
)

// ErrNotRunning is returned by WriteFrame on an output that is not started.
var ErrNotRunning = errors.New("output not running")

// Output defines the interface for display surfaces.
// This allows us to swap between different render targets:
// - Linux framebuffer device
// - X11 window
// - MJPEG HTTP preview
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a composited frame to the output
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	Width  int
	Height int
	// Device is the framebuffer device path, e.g. /dev/fb0
	Device string
	// Title is the X11 window title
	Title string
}
