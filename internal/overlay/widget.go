package overlay

import (
	"image"
	"image/color"
	"image/draw"
)

// Widget represents a renderable overlay widget
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Render draws the widget onto the provided image at its position
	Render(img *image.RGBA) error

	// IsEnabled returns whether the widget should be rendered
	IsEnabled() bool

	// SetEnabled sets whether the widget should be rendered
	SetEnabled(enabled bool)
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{
		id:      id,
		enabled: true,
		x:       x,
		y:       y,
	}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// Position returns the widget's position
func (w *BaseWidget) Position() (int, int) {
	return w.x, w.y
}

// SetPosition sets the widget's position
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// SetOpacity sets the widget's opacity (0.0 to 1.0)
func (w *BaseWidget) SetOpacity(opacity float64) {
	w.opacity = min(max(opacity, 0.0), 1.0)
}

// BlendImage blends a source image onto a destination image at the given
// position with the specified opacity. Pixels outside dst are clipped.
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	srcBounds := src.Bounds()
	dstBounds := dst.Bounds()

	for sy := srcBounds.Min.Y; sy < srcBounds.Max.Y; sy++ {
		dy := y + (sy - srcBounds.Min.Y)
		if dy < dstBounds.Min.Y || dy >= dstBounds.Max.Y {
			continue
		}

		for sx := srcBounds.Min.X; sx < srcBounds.Max.X; sx++ {
			dx := x + (sx - srcBounds.Min.X)
			if dx < dstBounds.Min.X || dx >= dstBounds.Max.X {
				continue
			}

			sr, sg, sb, sa := src.At(sx, sy).RGBA()
			alpha := float64(sa) * opacity / 65535.0
			if alpha <= 0 {
				continue
			}

			dr, dg, db, da := dst.At(dx, dy).RGBA()
			dstAlpha := float64(da) / 65535.0

			outAlpha := alpha + dstAlpha*(1-alpha)
			if outAlpha <= 0 {
				continue
			}
			// source channels are alpha-premultiplied; un-premultiply before mixing
			mix := func(s, d uint32) uint8 {
				sc := float64(s) / float64(sa)
				dc := 0.0
				if da > 0 {
					dc = float64(d) / float64(da)
				}
				return uint8((sc*alpha + dc*dstAlpha*(1-alpha)) / outAlpha * 255)
			}
			dst.SetRGBA(dx, dy, color.RGBA{
				R: mix(sr, dr),
				G: mix(sg, dg),
				B: mix(sb, db),
				A: uint8(outAlpha * 255),
			})
		}
	}
}

// DrawRectangle draws a filled rectangle with the specified color and opacity
func DrawRectangle(dst *image.RGBA, rect image.Rectangle, c color.Color, opacity float64) {
	if opacity >= 1.0 {
		draw.Draw(dst, rect, image.NewUniform(c), image.Point{}, draw.Src)
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(tmp, tmp.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	BlendImage(dst, tmp, rect.Min.X, rect.Min.Y, opacity)
}
