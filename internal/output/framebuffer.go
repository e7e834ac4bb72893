package output

import (
	"encoding/binary"
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/framepipe/internal/logger"
)

// bitfield mirrors struct fb_bitfield.
type bitfield struct {
	Offset   uint32
	Length   uint32
	MsbRight uint32
}

// fbFormat is the packed pixel layout of a framebuffer.
type fbFormat struct {
	bitsPerPixel uint32
	lineLength   int
	red          bitfield
	green        bitfield
	blue         bitfield
	transp       bitfield
}

// pack encodes one pixel into the framebuffer's channel layout.
func (f fbFormat) pack(r, g, b, a uint8) uint32 {
	return channel(r, f.red) | channel(g, f.green) | channel(b, f.blue) | channel(a, f.transp)
}

func channel(v uint8, bf bitfield) uint32 {
	if bf.Length == 0 {
		return 0
	}
	if bf.Length < 8 {
		return uint32(v>>(8-bf.Length)) << bf.Offset
	}
	return uint32(v) << bf.Offset
}

// blit copies img into mem starting at the top-left corner, clipped to the
// visible resolution. Only 16 and 32 bits per pixel are supported.
func blit(mem []byte, f fbFormat, xres, yres int, img *image.RGBA) error {
	bpp := int(f.bitsPerPixel) / 8
	if bpp != 2 && bpp != 4 {
		return fmt.Errorf("unsupported framebuffer depth: %d bpp", f.bitsPerPixel)
	}

	b := img.Bounds()
	w := min(b.Dx(), xres)
	h := min(b.Dy(), yres)

	for y := 0; y < h; y++ {
		row := y * f.lineLength
		if row+w*bpp > len(mem) {
			break
		}
		src := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			s := src[x*4 : x*4+4]
			v := f.pack(s[0], s[1], s[2], s[3])
			off := row + x*bpp
			if bpp == 4 {
				binary.LittleEndian.PutUint32(mem[off:], v)
			} else {
				binary.LittleEndian.PutUint16(mem[off:], uint16(v))
			}
		}
	}
	return nil
}

// Framebuffer renders frames into a Linux framebuffer device (/dev/fbN).
type Framebuffer struct {
	config  Config
	dev     fbDevice
	running bool
	mu      sync.Mutex
}

// fbDevice is an opened, mapped framebuffer.
type fbDevice interface {
	format() fbFormat
	resolution() (int, int)
	memory() []byte
	close() error
}

// NewFramebuffer creates a framebuffer output; the device is opened in Start.
func NewFramebuffer(config Config) *Framebuffer {
	if config.Device == "" {
		config.Device = "/dev/fb0"
	}
	return &Framebuffer{config: config}
}

// Start opens and maps the framebuffer device
func (f *Framebuffer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("framebuffer output already running")
	}

	dev, err := openFramebuffer(f.config.Device)
	if err != nil {
		return err
	}
	f.dev = dev
	f.running = true

	xres, yres := dev.resolution()
	logger.WithComponent("output").Info().
		Str("device", f.config.Device).
		Int("xres", xres).
		Int("yres", yres).
		Uint32("bpp", dev.format().bitsPerPixel).
		Msg("Framebuffer opened")
	return nil
}

// Stop unmaps and closes the device
func (f *Framebuffer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return nil
	}
	f.running = false
	err := f.dev.close()
	f.dev = nil
	logger.WithComponent("output").Info().Str("device", f.config.Device).Msg("Framebuffer closed")
	return err
}

// WriteFrame blits the frame to the top-left corner of the screen
func (f *Framebuffer) WriteFrame(frame *image.RGBA) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.running {
		return fmt.Errorf("framebuffer: %w", ErrNotRunning)
	}
	xres, yres := f.dev.resolution()
	return blit(f.dev.memory(), f.dev.format(), xres, yres, frame)
}

// Name returns the output type name
func (f *Framebuffer) Name() string {
	return "Framebuffer " + f.config.Device
}

// IsRunning returns whether the device is open
func (f *Framebuffer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
