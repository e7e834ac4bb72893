package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/framepipe/internal/logger"
	"github.com/bryanchriswhite/framepipe/internal/pool"
	"gopkg.in/yaml.v3"
)

// ErrInvalid reports a configuration value that cannot start a pipeline.
var ErrInvalid = errors.New("config: invalid")

// Display backends
const (
	BackendFramebuffer = "fbdev"
	BackendX11         = "x11"
	BackendNone        = "none"
)

// Config represents the application configuration
type Config struct {
	Frame    FrameConfig    `json:"frame" yaml:"frame"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Files    FilesConfig    `json:"files" yaml:"files"`
	Display  DisplayConfig  `json:"display" yaml:"display"`
	Keys     KeysConfig     `json:"keys" yaml:"keys"`
	API      APIConfig      `json:"api" yaml:"api"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
}

// FrameConfig describes the raw frame geometry shared by input and output.
type FrameConfig struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	// Depth is bytes per pixel: 1 gray, 3 RGB, 4 RGBA.
	Depth int `json:"depth" yaml:"depth"`
}

// PipelineConfig sizes the block pool and queues and sets stage timing.
type PipelineConfig struct {
	PoolCapacity   int           `json:"pool_capacity" yaml:"pool_capacity"`
	QueueCapacity  int           `json:"queue_capacity" yaml:"queue_capacity"`
	FrameInterval  time.Duration `json:"frame_interval" yaml:"frame_interval"`
	UIPollInterval time.Duration `json:"ui_poll_interval" yaml:"ui_poll_interval"`
	ExitGrace      time.Duration `json:"exit_grace" yaml:"exit_grace"`
}

// FilesConfig names the raw video input and the recording destination.
type FilesConfig struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// DisplayConfig selects the render surface
type DisplayConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Device  string `json:"device" yaml:"device"`
	Title   string `json:"title" yaml:"title"`
	MJPEG   bool   `json:"mjpeg" yaml:"mjpeg"`
}

// KeysConfig binds one single-character key to each control command.
type KeysConfig struct {
	Start string `json:"start" yaml:"start"`
	Stop  string `json:"stop" yaml:"stop"`
	Reset string `json:"reset" yaml:"reset"`
	Quit  string `json:"quit" yaml:"quit"`
}

// APIConfig controls the HTTP control/status server
type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
}

// Defaults returns the stock configuration.
func Defaults() *Config {
	return &Config{
		Frame: FrameConfig{
			Width:  1920,
			Height: 1080,
			Depth:  1,
		},
		Pipeline: PipelineConfig{
			PoolCapacity:   10,
			QueueCapacity:  30,
			FrameInterval:  33 * time.Millisecond,
			UIPollInterval: 10 * time.Millisecond,
			ExitGrace:      time.Second,
		},
		Files: FilesConfig{
			Input:  "data/cap/video1.raw",
			Output: "data/rec/video1_rec.raw",
		},
		Display: DisplayConfig{
			Backend: BackendFramebuffer,
			Device:  "/dev/fb0",
			Title:   "framepipe",
		},
		Keys: KeysConfig{
			Start: "2",
			Stop:  "1",
			Reset: "3",
			Quit:  "q",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		LogLevel: "info",
	}
}

// FrameSize returns the byte size of one frame. Geometry that is not
// positive or whose size overflows an int fails with ErrInvalid.
func (c *Config) FrameSize() (int, error) {
	n, err := pool.FrameSize(c.Frame.Width, c.Frame.Height, c.Frame.Depth)
	if err != nil {
		return 0, fmt.Errorf("%w: frame %dx%dx%d: %w", ErrInvalid, c.Frame.Width, c.Frame.Height, c.Frame.Depth, err)
	}
	return n, nil
}

// Validate checks every value a pipeline depends on. Failures wrap ErrInvalid.
func (c *Config) Validate() error {
	switch {
	case c.Frame.Width <= 0 || c.Frame.Height <= 0:
		return fmt.Errorf("%w: frame size %dx%d", ErrInvalid, c.Frame.Width, c.Frame.Height)
	case !pool.ValidDepth(c.Frame.Depth):
		return fmt.Errorf("%w: depth %d (want 1, 3 or 4)", ErrInvalid, c.Frame.Depth)
	case c.Pipeline.PoolCapacity <= 0:
		return fmt.Errorf("%w: pool_capacity %d", ErrInvalid, c.Pipeline.PoolCapacity)
	case c.Pipeline.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue_capacity %d", ErrInvalid, c.Pipeline.QueueCapacity)
	case c.Pipeline.FrameInterval < 0 || c.Pipeline.UIPollInterval < 0 || c.Pipeline.ExitGrace < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	case strings.TrimSpace(c.Files.Input) == "":
		return fmt.Errorf("%w: input path is empty", ErrInvalid)
	case strings.TrimSpace(c.Files.Output) == "":
		return fmt.Errorf("%w: output path is empty", ErrInvalid)
	case filepath.Clean(c.Files.Input) == filepath.Clean(c.Files.Output):
		return fmt.Errorf("%w: input and output are the same file", ErrInvalid)
	}

	if _, err := c.FrameSize(); err != nil {
		return err
	}

	switch c.Display.Backend {
	case BackendFramebuffer, BackendX11, BackendNone:
	default:
		return fmt.Errorf("%w: display backend %q", ErrInvalid, c.Display.Backend)
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("%w: api enabled without a listen address", ErrInvalid)
	}

	return c.Keys.validate()
}

func (k KeysConfig) validate() error {
	seen := map[string]string{}
	for _, b := range []struct{ name, key string }{
		{"start", k.Start}, {"stop", k.Stop}, {"reset", k.Reset}, {"quit", k.Quit},
	} {
		if len(b.key) != 1 {
			return fmt.Errorf("%w: key %s must be a single byte, got %q", ErrInvalid, b.name, b.key)
		}
		if prev, ok := seen[b.key]; ok {
			return fmt.Errorf("%w: key %q bound to %s and %s", ErrInvalid, b.key, prev, b.name)
		}
		seen[b.key] = b.name
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/framepipe/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "framepipe", "config.yaml"), nil
}

// NewManager creates a new configuration manager. A missing file is created
// with the defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("width", m.config.Frame.Width).
		Int("height", m.config.Frame.Height).
		Int("depth", m.config.Frame.Depth).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk. Keys missing from the file keep
// their default values.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update replaces the configuration after validating it, then saves.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Override applies fn to the in-memory configuration without saving.
// Command-line flags use it so they never rewrite the file.
func (m *Manager) Override(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		m.config = Defaults()
	}
	fn(m.config)
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
