package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Face is the overlay font. basicfont keeps the overlay free of font files.
var Face = basicfont.Face7x13

// TextWidget displays a line of text with an optional background box
type TextWidget struct {
	*BaseWidget
	text      string
	textColor color.RGBA
	bgColor   *color.RGBA // optional background color
	padding   int
	minWidth  int
}

// NewTextWidget creates a new text widget
func NewTextWidget(id, text string, x, y int) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		text:       text,
		textColor:  color.RGBA{255, 255, 255, 255},
		padding:    3,
	}
}

// Size returns the widget's rendered width and height including padding
func (w *TextWidget) Size() (int, int) {
	textWidth := font.MeasureString(Face, w.text).Ceil()
	return max(textWidth+w.padding*2, w.minWidth), Face.Height + w.padding*2
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA) error {
	if !w.IsEnabled() || w.text == "" {
		return nil
	}

	width, height := w.Size()

	if w.bgColor != nil {
		DrawRectangle(img, image.Rect(w.x, w.y, w.x+width, w.y+height), *w.bgColor, w.opacity)
	}

	// center the text horizontally in the box
	textWidth := font.MeasureString(Face, w.text).Ceil()
	textX := w.x + (width-textWidth)/2
	baseline := w.y + w.padding + Face.Ascent

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(w.textColor),
		Face: Face,
		Dot:  fixed.P(textX, baseline),
	}
	d.DrawString(w.text)
	return nil
}

// SetText updates the text content
func (w *TextWidget) SetText(text string) {
	w.text = text
}

// Text returns the current text
func (w *TextWidget) Text() string {
	return w.text
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.bgColor = c
}

// SetMinWidth makes the box at least width pixels wide
func (w *TextWidget) SetMinWidth(width int) {
	w.minWidth = width
}
