package output

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"

	"github.com/bryanchriswhite/framepipe/internal/logger"
)

// X11Window renders frames into a plain X11 window with ZPixmap PutImage.
type X11Window struct {
	config  Config
	conn    *xgb.Conn
	screen  *xproto.ScreenInfo
	window  xproto.Window
	gc      xproto.Gcontext
	format  pixmapFormat
	maxReq  int
	running bool
	mu      sync.RWMutex
}

// pixmapFormat describes the server's image layout for the root depth.
type pixmapFormat struct {
	depth        uint8
	bitsPerPixel uint8
	scanlinePad  uint8
}

// NewX11Window creates an X11 output; the connection is made in Start.
func NewX11Window(config Config) *X11Window {
	if config.Title == "" {
		config.Title = "framepipe"
	}
	return &X11Window{config: config}
}

// Start connects to the X server and maps the window
func (x *X11Window) Start() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.running {
		return fmt.Errorf("X11 output already running")
	}

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	format := pixmapFormat{depth: screen.RootDepth}
	for _, f := range setup.PixmapFormats {
		if f.Depth == screen.RootDepth {
			format.bitsPerPixel = f.BitsPerPixel
			format.scanlinePad = f.ScanlinePad
			break
		}
	}
	if format.bitsPerPixel == 0 {
		conn.Close()
		return fmt.Errorf("no pixmap format for depth %d", screen.RootDepth)
	}

	windowID, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000, // black background
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		windowID,
		screen.Root,
		0, 0,
		uint16(x.config.Width), uint16(x.config.Height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window: %w", err)
	}

	x.conn = conn
	x.screen = screen
	x.window = windowID
	x.format = format
	// request length is counted in 4-byte units; leave room for the header
	x.maxReq = int(setup.MaximumRequestLength)*4 - 64

	log := logger.WithComponent("output")
	if err := x.setWindowTitle(x.config.Title); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}

	if err := xproto.MapWindowChecked(conn, windowID).Check(); err != nil {
		x.teardown()
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		x.teardown()
		return fmt.Errorf("failed to create graphics context ID: %w", err)
	}
	err = xproto.CreateGCChecked(
		conn,
		gc,
		xproto.Drawable(windowID),
		xproto.GcForeground|xproto.GcBackground,
		[]uint32{0xffffffff, 0x00000000},
	).Check()
	if err != nil {
		x.teardown()
		return fmt.Errorf("failed to create GC: %w", err)
	}
	x.gc = gc
	conn.Sync()

	x.running = true
	log.Info().
		Int("width", x.config.Width).
		Int("height", x.config.Height).
		Uint32("window_id", uint32(windowID)).
		Uint8("bpp", format.bitsPerPixel).
		Msg("X11 window created")
	return nil
}

// Stop destroys the window and closes the connection
func (x *X11Window) Stop() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.running {
		return nil
	}
	x.teardown()
	x.running = false
	logger.WithComponent("output").Info().Msg("X11 window closed")
	return nil
}

func (x *X11Window) teardown() {
	if x.gc != 0 {
		xproto.FreeGC(x.conn, x.gc)
		x.gc = 0
	}
	if x.window != 0 {
		xproto.DestroyWindow(x.conn, x.window)
		x.window = 0
	}
	x.conn.Sync()
	x.conn.Close()
}

// WriteFrame converts the frame to the server pixel layout and sends it in
// row bands that fit the maximum request length.
func (x *X11Window) WriteFrame(frame *image.RGBA) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if !x.running {
		return fmt.Errorf("X11: %w", ErrNotRunning)
	}

	data, stride, err := encodeZPixmap(frame, x.format)
	if err != nil {
		return err
	}

	b := frame.Bounds()
	rows := b.Dy()
	band := rows
	if stride > 0 && x.maxReq > 0 && stride*band > x.maxReq {
		band = max(1, x.maxReq/stride)
	}

	for y := 0; y < rows; y += band {
		h := min(band, rows-y)
		err := xproto.PutImageChecked(
			x.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(x.window),
			x.gc,
			uint16(b.Dx()),
			uint16(h),
			0, int16(y),
			0,
			x.format.depth,
			data[y*stride:(y+h)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// Name returns the output type name
func (x *X11Window) Name() string {
	return "X11 Window"
}

// IsRunning returns whether the window is open
func (x *X11Window) IsRunning() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.running
}

// encodeZPixmap converts RGBA pixels to the server's ZPixmap layout with
// padded scanlines. Byte order matches the usual TrueColor masks:
// 0xff (B), 0xff00 (G), 0xff0000 (R).
func encodeZPixmap(img *image.RGBA, f pixmapFormat) ([]byte, int, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	bytesPerPixel := int(f.bitsPerPixel) / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return nil, 0, fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	padBytes := max(1, int(f.scanlinePad)/8)
	unpadded := w * bytesPerPixel
	stride := ((unpadded + padBytes - 1) / padBytes) * padBytes

	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		dst := data[y*stride:]
		for x := 0; x < w; x++ {
			s := src[x*4 : x*4+4]
			d := dst[x*bytesPerPixel:]
			d[0] = s[2]
			d[1] = s[1]
			d[2] = s[0]
			if bytesPerPixel == 4 && f.depth == 32 {
				d[3] = s[3]
			}
		}
	}
	return data, stride, nil
}

// setWindowTitle sets the window title
func (x *X11Window) setWindowTitle(title string) error {
	titleAtom, err := x.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := x.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		x.conn,
		xproto.PropModeReplace,
		x.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

// getAtom gets an atom ID by name
func (x *X11Window) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(x.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
