package overlay

import (
	"image"
	"image/color"
)

// MenuGap is the horizontal space between menu items.
const MenuGap = 4

var (
	menuNormal    = color.RGBA{40, 40, 40, 255}
	menuHighlight = color.RGBA{70, 130, 180, 255}
)

// Menu is a row of labeled regions with exactly one highlighted.
type Menu struct {
	*BaseWidget
	items  []*TextWidget
	active int
}

// NewMenu creates a menu at (x, y). Every item gets the width of the widest
// label so regions stay at fixed positions.
func NewMenu(id string, x, y int, labels ...string) *Menu {
	m := &Menu{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		active:     -1,
	}

	widest := 0
	for _, label := range labels {
		item := NewTextWidget(id+"-"+label, label, 0, 0)
		w, _ := item.Size()
		widest = max(widest, w)
		m.items = append(m.items, item)
	}
	for i, item := range m.items {
		item.SetMinWidth(widest)
		item.SetPosition(x+i*(widest+MenuGap), y)
	}
	return m
}

// SetActive highlights item i; out of range clears the highlight.
func (m *Menu) SetActive(i int) {
	m.active = i
}

// Active returns the highlighted item index, or -1.
func (m *Menu) Active() int {
	if m.active < 0 || m.active >= len(m.items) {
		return -1
	}
	return m.active
}

// Size returns the menu's rendered width and height.
func (m *Menu) Size() (int, int) {
	if len(m.items) == 0 {
		return 0, 0
	}
	w, h := m.items[0].Size()
	return len(m.items)*w + (len(m.items)-1)*MenuGap, h
}

// Region returns the screen rectangle of item i.
func (m *Menu) Region(i int) image.Rectangle {
	if i < 0 || i >= len(m.items) {
		return image.Rectangle{}
	}
	x, y := m.items[i].Position()
	w, h := m.items[i].Size()
	return image.Rect(x, y, x+w, y+h)
}

// Render draws every item, the active one in the highlight color.
func (m *Menu) Render(img *image.RGBA) error {
	if !m.IsEnabled() {
		return nil
	}
	for i, item := range m.items {
		bg := menuNormal
		if i == m.active {
			bg = menuHighlight
		}
		item.SetBackground(&bg)
		if err := item.Render(img); err != nil {
			return err
		}
	}
	return nil
}
