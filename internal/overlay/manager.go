package overlay

import (
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/framepipe/internal/logger"
)

// Manager renders a stack of overlay widgets in insertion order
type Manager struct {
	widgets []Widget
	mu      sync.RWMutex
}

// NewManager creates a new overlay manager
func NewManager() *Manager {
	return &Manager{}
}

// AddWidget adds a widget on top of the existing ones
func (m *Manager) AddWidget(widget Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.widgets {
		if w.ID() == widget.ID() {
			return fmt.Errorf("widget with ID %s already exists", widget.ID())
		}
	}

	m.widgets = append(m.widgets, widget)
	logger.WithComponent("overlay").Debug().Str("widget", widget.ID()).Msg("Added widget")
	return nil
}

// Render renders all enabled widgets onto the provided image
func (m *Manager) Render(img *image.RGBA) error {
	m.mu.RLock()
	widgets := append([]Widget(nil), m.widgets...)
	m.mu.RUnlock()

	for _, widget := range widgets {
		if !widget.IsEnabled() {
			continue
		}
		if err := widget.Render(img); err != nil {
			return fmt.Errorf("render widget %s: %w", widget.ID(), err)
		}
	}
	return nil
}
