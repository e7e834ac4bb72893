package display

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/hashicorp/go-multierror"

	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/output"
	"github.com/bryanchriswhite/framepipe/internal/overlay"
	"github.com/bryanchriswhite/framepipe/internal/pool"
)

const menuMargin = 4

var background = color.RGBA{0, 0, 0, 255}

// Canvas composites a frame and the control menu into one RGBA image and
// presents it to every output. It is used from the display goroutine only.
type Canvas struct {
	img     *image.RGBA
	frame   image.Rectangle
	overlay *overlay.Manager
	menu    *overlay.Menu
	outputs []output.Output
}

// NewCanvas lays out a frame area of frameW×frameH with the menu strip
// beneath it.
func NewCanvas(frameW, frameH int) *Canvas {
	menu := overlay.NewMenu("menu", menuMargin, frameH+menuMargin, "STOP", "RUN", "EXIT")
	mw, mh := menu.Size()

	width := max(frameW, mw+2*menuMargin)
	height := frameH + mh + 2*menuMargin

	c := &Canvas{
		img:     image.NewRGBA(image.Rect(0, 0, width, height)),
		frame:   image.Rect(0, 0, frameW, frameH),
		overlay: overlay.NewManager(),
		menu:    menu,
	}
	_ = c.overlay.AddWidget(menu)
	draw.Draw(c.img, c.img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	return c
}

// Bounds returns the composited image size
func (c *Canvas) Bounds() image.Rectangle {
	return c.img.Bounds()
}

// Image returns the composited image; valid until the next draw call
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// AddOutput registers a render surface for Present
func (c *Canvas) AddOutput(o output.Output) {
	c.outputs = append(c.outputs, o)
}

// DrawFrame converts gray, RGB or RGBA pixels into the frame area. Frames
// larger than the area are clipped.
func (c *Canvas) DrawFrame(f *pool.Frame) error {
	if !pool.ValidDepth(f.Depth) {
		return fmt.Errorf("unsupported pixel depth %d", f.Depth)
	}
	if len(f.Data) < f.Width*f.Height*f.Depth {
		return fmt.Errorf("frame buffer too short: %d bytes for %dx%dx%d", len(f.Data), f.Width, f.Height, f.Depth)
	}

	w := min(f.Width, c.frame.Dx())
	h := min(f.Height, c.frame.Dy())

	for y := 0; y < h; y++ {
		src := f.Data[y*f.Width*f.Depth:]
		dst := c.img.Pix[c.img.PixOffset(c.frame.Min.X, c.frame.Min.Y+y):]
		for x := 0; x < w; x++ {
			s := src[x*f.Depth:]
			d := dst[x*4 : x*4+4]
			switch f.Depth {
			case pool.DepthGray:
				d[0], d[1], d[2], d[3] = s[0], s[0], s[0], 0xff
			case pool.DepthRGB:
				d[0], d[1], d[2], d[3] = s[0], s[1], s[2], 0xff
			case pool.DepthRGBA:
				d[0], d[1], d[2], d[3] = s[0], s[1], s[2], s[3]
			}
		}
	}
	return nil
}

// DrawMenu highlights the menu region matching state
func (c *Canvas) DrawMenu(state control.State) error {
	c.menu.SetActive(menuIndex(state))
	return c.overlay.Render(c.img)
}

func menuIndex(state control.State) int {
	switch state {
	case control.Stopped:
		return 0
	case control.Running:
		return 1
	case control.Exit:
		return 2
	default:
		return -1
	}
}

// Present writes the composited image to every running output
func (c *Canvas) Present() error {
	var result *multierror.Error
	for _, o := range c.outputs {
		if !o.IsRunning() {
			continue
		}
		if err := o.WriteFrame(c.img); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", o.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// Start starts every output, stopping the ones already started on failure
func (c *Canvas) Start() error {
	for i, o := range c.outputs {
		if err := o.Start(); err != nil {
			for _, started := range c.outputs[:i] {
				_ = started.Stop()
			}
			return fmt.Errorf("failed to start %s: %w", o.Name(), err)
		}
	}
	return nil
}

// Stop stops every output
func (c *Canvas) Stop() error {
	var result *multierror.Error
	for _, o := range c.outputs {
		if err := o.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to stop %s: %w", o.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
