//go:build linux

// Package vcam implements the Virtual Camera sink: writing decoded YUV
// frames to a v4l2loopback device node via VIDIOC ioctls, per spec §4.6.
//
// The sink consumes raw frames rather than coded packets (a v4l2loopback
// output device has no encoder of its own), so it subscribes upstream of
// the video encoder rather than through fanout.Hub like the other sinks.
package vcam

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("vcam")

// VIDIOC ioctl numbers, per linux/videodev2.h's _IOWR('V', nr, type)
// encoding (struct sizes below are for the amd64 ABI).
const (
	vidiocQuerycap  = 0x80685600
	vidiocSFmt      = 0xc0d05605
	vidiocStreamon  = 0x40045612
	vidiocStreamoff = 0x40045613
)

const (
	v4l2BufTypeVideoOutput = 2
	v4l2PixFmtYUYV         = 0x56595559 // 'YUYV'
)

// v4l2Format mirrors the subset of struct v4l2_format/v4l2_pix_format
// this sink needs; padding matches the kernel ABI layout.
type v4l2Format struct {
	Type        uint32
	_           [4]byte // alignment padding before the union
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Field       uint32
	BytesPerLine uint32
	SizeImage   uint32
	Colorspace  uint32
	Priv        uint32
	_           [168]byte // remainder of the 200-byte union, unused here
}

// Config configures the virtual camera sink.
type Config struct {
	DevicePath string // e.g. "/dev/video10"
	Width      int
	Height     int
}

// Sink writes raw YUYV frames to a v4l2loopback output device.
type Sink struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
}

func New(cfg Config) *Sink {
	return &Sink{cfg: cfg}
}

// Start opens the device node, negotiates the output format, and starts
// streaming. Returns nerrors.KindDeviceUnavailable if v4l2loopback is not
// loaded or the device path doesn't exist.
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.cfg.DevicePath, os.O_RDWR, 0)
	if err != nil {
		return nerrors.Wrap(nerrors.KindDeviceUnavailable, err)
	}

	var caps [104]byte // struct v4l2_capability
	if err := ioctl(f, vidiocQuerycap, unsafe.Pointer(&caps)); err != nil {
		f.Close()
		return nerrors.Wrap(nerrors.KindDeviceUnavailable, fmt.Errorf("VIDIOC_QUERYCAP: %w", err))
	}

	format := v4l2Format{
		Type:         v4l2BufTypeVideoOutput,
		Width:        uint32(s.cfg.Width),
		Height:       uint32(s.cfg.Height),
		PixelFormat:  v4l2PixFmtYUYV,
		BytesPerLine: uint32(s.cfg.Width * 2),
		SizeImage:    uint32(s.cfg.Width * s.cfg.Height * 2),
	}
	if err := ioctl(f, vidiocSFmt, unsafe.Pointer(&format)); err != nil {
		f.Close()
		return nerrors.Wrap(nerrors.KindDeviceUnavailable, fmt.Errorf("VIDIOC_S_FMT: %w", err))
	}

	bufType := uint32(v4l2BufTypeVideoOutput)
	if err := ioctl(f, vidiocStreamon, unsafe.Pointer(&bufType)); err != nil {
		f.Close()
		return nerrors.Wrap(nerrors.KindDeviceUnavailable, fmt.Errorf("VIDIOC_STREAMON: %w", err))
	}

	s.file = f
	log.Info("virtual camera started", "device", s.cfg.DevicePath, "width", s.cfg.Width, "height", s.cfg.Height)
	return nil
}

// OnFrame writes a raw frame's pixels to the device as YUYV, converting
// them from RGBA; the frame's Layout is not consulted.
func (s *Sink) OnFrame(f pipeline.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nerrors.New(nerrors.KindDeviceUnavailable)
	}
	if f.Ownership == pipeline.GPUHandle || f.Pix == nil {
		return nil // degraded upstream frame with no mappable pixels; drop silently
	}

	yuyv := rgbaToYUYV(f.Pix, f.Stride, f.Width, f.Height)
	_, err := s.file.Write(yuyv)
	return err
}

// Stop streams off and closes the device.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	bufType := uint32(v4l2BufTypeVideoOutput)
	_ = ioctl(s.file, vidiocStreamoff, unsafe.Pointer(&bufType))
	err := s.file.Close()
	s.file = nil
	return err
}

func ioctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// rgbaToYUYV converts packed RGBA into packed YUYV (4:2:2), horizontally
// subsampling chroma over each pixel pair.
func rgbaToYUYV(pix []byte, stride, w, h int) []byte {
	out := make([]byte, w*h*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x += 2 {
			i0 := y*stride + x*4
			i1 := i0 + 4
			if i1+3 >= len(pix) {
				break
			}
			y0, u0, v0 := rgbToYUV(pix[i0], pix[i0+1], pix[i0+2])
			y1, u1, v1 := rgbToYUV(pix[i1], pix[i1+1], pix[i1+2])
			avgU := byte((int(u0) + int(u1)) / 2)
			avgV := byte((int(v0) + int(v1)) / 2)

			oi := y*w*2 + x*2
			if oi+3 >= len(out) {
				break
			}
			out[oi] = y0
			out[oi+1] = avgU
			out[oi+2] = y1
			out[oi+3] = avgV
		}
	}
	return out
}

func rgbToYUV(r, g, b byte) (y, u, v byte) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	yv := 0.257*rf + 0.504*gf + 0.098*bf + 16
	uv := -0.148*rf - 0.291*gf + 0.439*bf + 128
	vv := 0.439*rf - 0.368*gf - 0.071*bf + 128
	return clampByte(yv), clampByte(uv), clampByte(vv)
}

func clampByte(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
