//go:build linux

package output

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	fbioGetVScreenInfo = 0x4600
	fbioGetFScreenInfo = 0x4602
)

// varScreenInfo mirrors struct fb_var_screeninfo.
type varScreenInfo struct {
	XRes, YRes               uint32
	XResVirtual, YResVirtual uint32
	XOffset, YOffset         uint32
	BitsPerPixel             uint32
	Grayscale                uint32
	Red, Green, Blue, Transp bitfield
	Nonstd                   uint32
	Activate                 uint32
	Height, Width            uint32
	AccelFlags               uint32
	Pixclock                 uint32
	LeftMargin, RightMargin  uint32
	UpperMargin, LowerMargin uint32
	HsyncLen, VsyncLen       uint32
	Sync, Vmode              uint32
	Rotate                   uint32
	Colorspace               uint32
	Reserved                 [4]uint32
}

// fixScreenInfo mirrors struct fb_fix_screeninfo.
type fixScreenInfo struct {
	ID           [16]byte
	SmemStart    uintptr
	SmemLen      uint32
	Type         uint32
	TypeAux      uint32
	Visual       uint32
	XPanStep     uint16
	YPanStep     uint16
	YWrapStep    uint16
	LineLength   uint32
	MmioStart    uintptr
	MmioLen      uint32
	Accel        uint32
	Capabilities uint16
	Reserved     [2]uint16
}

type linuxFramebuffer struct {
	file   *os.File
	mem    []byte
	layout fbFormat
	xres   int
	yres   int
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		default:
			return errno
		}
	}
}

func openFramebuffer(path string) (fbDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open framebuffer: %w", err)
	}

	var vinfo varScreenInfo
	if err := ioctl(file.Fd(), fbioGetVScreenInfo, unsafe.Pointer(&vinfo)); err != nil {
		file.Close()
		return nil, fmt.Errorf("FBIOGET_VSCREENINFO: %w", err)
	}
	var finfo fixScreenInfo
	if err := ioctl(file.Fd(), fbioGetFScreenInfo, unsafe.Pointer(&finfo)); err != nil {
		file.Close()
		return nil, fmt.Errorf("FBIOGET_FSCREENINFO: %w", err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(finfo.SmemLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map framebuffer: %w", err)
	}

	layout := fbFormat{
		bitsPerPixel: vinfo.BitsPerPixel,
		lineLength:   int(finfo.LineLength),
		red:          vinfo.Red,
		green:        vinfo.Green,
		blue:         vinfo.Blue,
		transp:       vinfo.Transp,
	}
	return &linuxFramebuffer{
		file:   file,
		mem:    mem,
		layout: layout,
		xres:   int(vinfo.XRes),
		yres:   int(vinfo.YRes),
	}, nil
}

func (l *linuxFramebuffer) format() fbFormat       { return l.layout }
func (l *linuxFramebuffer) resolution() (int, int) { return l.xres, l.yres }
func (l *linuxFramebuffer) memory() []byte         { return l.mem }

func (l *linuxFramebuffer) close() error {
	err := unix.Munmap(l.mem)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}
