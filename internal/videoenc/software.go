package videoenc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

// softwareBackend encodes via libavcodec's software encoders
// (libx264/libx265/libaom-av1), selected by Config.Codec.
type softwareBackend struct {
	mu  sync.Mutex
	cfg Config

	codecCtx *astiav.CodecContext
	frame    *astiav.Frame
	pkt      *astiav.Packet

	sessionOrigin int64
	forceKeyframe bool
}

func newSoftwareBackend() Backend {
	return &softwareBackend{}
}

func (s *softwareBackend) Name() string     { return "software" }
func (s *softwareBackend) IsHardware() bool { return false }

// CodecID maps a Codec onto the libavcodec CodecID muxers need when
// writing stream parameters, for sinks downstream of the encoder.
func CodecID(codec Codec) astiav.CodecID {
	return encoderIDFor(codec)
}

func encoderIDFor(codec Codec) astiav.CodecID {
	switch codec {
	case CodecHEVC:
		return astiav.CodecIDHevc
	case CodecAV1:
		return astiav.CodecIDAv1
	default:
		return astiav.CodecIDH264
	}
}

func encoderNameFor(codec Codec) string {
	switch codec {
	case CodecHEVC:
		return "libx265"
	case CodecAV1:
		return "libaom-av1"
	default:
		return "libx264"
	}
}

func (s *softwareBackend) Configure(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.codecCtx != nil {
		s.codecCtx.Free()
		s.codecCtx = nil
	}

	codec := astiav.FindEncoderByName(encoderNameFor(cfg.Codec))
	if codec == nil {
		codec = astiav.FindEncoder(encoderIDFor(cfg.Codec))
	}
	if codec == nil {
		return nerrors.New(nerrors.KindUnsupportedCodec)
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nerrors.New(nerrors.KindHardwareUnavailable)
	}

	ctx.SetWidth(cfg.Width)
	ctx.SetHeight(cfg.Height)
	ctx.SetTimeBase(astiav.NewRational(1, pipeline.VideoTimeBase))
	ctx.SetFramerate(astiav.NewRational(cfg.FPS, 1))
	ctx.SetBitRate(int64(cfg.BitrateKbps) * 1000)
	ctx.SetPixelFormat(astiav.PixelFormatYuv420P)
	ctx.SetGopSize(cfg.FPS * 2)

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return nerrors.Wrap(nerrors.KindHardwareUnavailable, err)
	}

	frame := astiav.AllocFrame()
	frame.SetWidth(cfg.Width)
	frame.SetHeight(cfg.Height)
	frame.SetPixelFormat(astiav.PixelFormatYuv420P)
	if err := frame.AllocBuffer(0); err != nil {
		ctx.Free()
		frame.Free()
		return fmt.Errorf("videoenc: alloc frame buffer: %w", err)
	}

	if s.frame != nil {
		s.frame.Free()
	}
	if s.pkt == nil {
		s.pkt = astiav.AllocPacket()
	}

	s.codecCtx = ctx
	s.frame = frame
	s.cfg = cfg
	return nil
}

// Submit converts the frame's RGBA/BGRA pixels to YUV420P (nearest-plane
// conversion, since the capture chain already did any scaling/tonemap)
// and sends it to the encoder. Packets are retrieved by Drain.
func (s *softwareBackend) Submit(f pipeline.Frame, sessionOrigin int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.codecCtx == nil {
		return errors.New("videoenc: backend not configured")
	}
	s.sessionOrigin = sessionOrigin

	if err := s.frame.MakeWritable(); err != nil {
		return fmt.Errorf("videoenc: make frame writable: %w", err)
	}
	rgbaToYUV420P(f.Pix, f.Stride, f.Width, f.Height, s.frame)

	pts := PTSFromCapture(f.CaptureTime.UnixNano(), sessionOrigin)
	s.frame.SetPts(pts)

	if s.forceKeyframe || f.ForceKeyframe {
		s.frame.SetPictureType(astiav.PictureTypeI)
		s.forceKeyframe = false
	} else {
		s.frame.SetPictureType(astiav.PictureTypeNone)
	}

	if err := s.codecCtx.SendFrame(s.frame); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return fmt.Errorf("videoenc: send frame: %w", err)
	}
	return nil
}

func (s *softwareBackend) Drain() ([]pipeline.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pipeline.Packet
	for {
		s.pkt.Unref()
		err := s.codecCtx.ReceivePacket(s.pkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return out, fmt.Errorf("videoenc: receive packet: %w", err)
		}
		data := make([]byte, len(s.pkt.Data()))
		copy(data, s.pkt.Data())
		out = append(out, pipeline.Packet{
			Kind:        pipeline.MediaVideo,
			Payload:     data,
			PTS:         s.pkt.Pts(),
			TimeBaseDen: pipeline.VideoTimeBase,
			Keyframe:    s.pkt.Flags().Has(astiav.PacketFlagKey),
		})
	}
	return out, nil
}

func (s *softwareBackend) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codecCtx == nil {
		return nil
	}
	return s.codecCtx.SendFrame(nil)
}

func (s *softwareBackend) ForceKeyframe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceKeyframe = true
}

func (s *softwareBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame != nil {
		s.frame.Free()
		s.frame = nil
	}
	if s.pkt != nil {
		s.pkt.Free()
		s.pkt = nil
	}
	if s.codecCtx != nil {
		s.codecCtx.Free()
		s.codecCtx = nil
	}
	return nil
}

// rgbaToYUV420P performs BT.601 RGBA -> planar YUV420 conversion directly
// into dst's already-allocated planes.
func rgbaToYUV420P(pix []byte, stride, w, h int, dst *astiav.Frame) {
	yPlane := dst.Data().Bytes(0)
	uPlane := dst.Data().Bytes(1)
	vPlane := dst.Data().Bytes(2)
	yStride := dst.Linesize()[0]
	uStride := dst.Linesize()[1]
	vStride := dst.Linesize()[2]

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
				cx, cy := x/2, y/2
				uPlane[cy*uStride+cx] = clampByte(uv)
				vPlane[cy*vStride+cx] = clampByte(vv)
			}
		}
	}
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
