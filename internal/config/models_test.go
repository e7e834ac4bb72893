package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/framepipe/internal/pool"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	size, err := cfg.FrameSize()
	require.NoError(t, err)
	assert.Equal(t, 1920*1080, size)
}

func TestFrameSizeOverflow(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.Frame = FrameConfig{Width: math.MaxInt / 2, Height: 3, Depth: 4}
	_, err := cfg.FrameSize()
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorIs(t, err, pool.ErrOverflow)
	require.ErrorIs(t, cfg.Validate(), pool.ErrOverflow)

	cfg.Frame = FrameConfig{Width: 0, Height: 3, Depth: 4}
	_, err = cfg.FrameSize()
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Zero width", func(c *Config) { c.Frame.Width = 0 }},
		{"Negative height", func(c *Config) { c.Frame.Height = -1 }},
		{"Depth two", func(c *Config) { c.Frame.Depth = 2 }},
		{"Zero pool", func(c *Config) { c.Pipeline.PoolCapacity = 0 }},
		{"Zero queue", func(c *Config) { c.Pipeline.QueueCapacity = 0 }},
		{"Negative grace", func(c *Config) { c.Pipeline.ExitGrace = -time.Second }},
		{"Empty input", func(c *Config) { c.Files.Input = " " }},
		{"Empty output", func(c *Config) { c.Files.Output = "" }},
		{"Same file", func(c *Config) { c.Files.Output = "./" + c.Files.Input }},
		{"Unknown backend", func(c *Config) { c.Display.Backend = "vga" }},
		{"API without address", func(c *Config) { c.API.Enabled, c.API.Listen = true, "" }},
		{"Multi-byte key", func(c *Config) { c.Keys.Quit = "qq" }},
		{"Empty key", func(c *Config) { c.Keys.Start = "" }},
		{"Duplicate key", func(c *Config) { c.Keys.Reset = c.Keys.Stop }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestManagerCreatesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, path, m.GetConfigPath())
	assert.Equal(t, filepath.Dir(path), m.GetConfigDir())
	assert.Equal(t, Defaults(), m.Get())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "frame_interval: 33ms")
	assert.Contains(t, string(data), "backend: fbdev")
}

func TestManagerLoadsPartialFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
frame:
  width: 2
  height: 2
pipeline:
  pool_capacity: 4
  exit_grace: 250ms
display:
  backend: none
`), 0644))

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, 2, cfg.Frame.Width)
	assert.Equal(t, 1, cfg.Frame.Depth, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Pipeline.PoolCapacity)
	assert.Equal(t, 30, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.ExitGrace)
	assert.Equal(t, BackendNone, cfg.Display.Backend)
	require.NoError(t, cfg.Validate())
}

func TestManagerRejectsBadYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frame: [1, 2"), 0644))

	_, err := NewManager(path)
	require.Error(t, err)
}

func TestManagerUpdateAndOverride(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Get()
	cfg.Frame.Depth = 2
	require.ErrorIs(t, m.Update(cfg), ErrInvalid)

	cfg.Frame.Depth = 3
	require.NoError(t, m.Update(cfg))

	reloaded, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Get().Frame.Depth)

	m.Override(func(c *Config) { c.Files.Input = "other.raw" })
	assert.Equal(t, "other.raw", m.Get().Files.Input)

	reloaded, err = NewManager(path)
	require.NoError(t, err)
	assert.NotEqual(t, "other.raw", reloaded.Get().Files.Input, "overrides are not persisted")
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	m.Get().Frame.Width = 7
	assert.Equal(t, 1920, m.Get().Frame.Width)
}
