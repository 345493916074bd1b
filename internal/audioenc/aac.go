package audioenc

import (
	"errors"
	"fmt"
	"math"

	"github.com/asticode/go-astiav"
)

// AACBackend encodes mixed float32 PCM to AAC via libavcodec's native AAC
// encoder, for the recording-to-MP4 AAC path.
type AACBackend struct {
	ctx   *astiav.CodecContext
	frame *astiav.Frame
	pkt   *astiav.Packet
	cfg   Config
	pts   int64
}

func NewAACBackend() *AACBackend { return &AACBackend{} }

func (a *AACBackend) Configure(cfg Config) error {
	codec := astiav.FindEncoder(astiav.CodecIDAac)
	if codec == nil {
		return errors.New("audioenc: AAC encoder not available in this libavcodec build")
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return errors.New("audioenc: alloc AAC codec context failed")
	}
	ctx.SetSampleRate(cfg.SampleRate)
	ctx.SetChannelLayout(astiav.ChannelLayoutDefault(cfg.Channels))
	sfs := codec.SampleFormats()
	if len(sfs) > 0 {
		ctx.SetSampleFormat(sfs[0])
	}
	ctx.SetBitRate(int64(cfg.BitrateKbps) * 1000)
	ctx.SetTimeBase(astiav.NewRational(1, cfg.SampleRate))
	ctx.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return fmt.Errorf("audioenc: open AAC encoder: %w", err)
	}

	frame := astiav.AllocFrame()
	frame.SetSampleRate(cfg.SampleRate)
	frame.SetChannelLayout(ctx.ChannelLayout())
	frame.SetSampleFormat(ctx.SampleFormat())
	frame.SetNbSamples(chunkSizeFor(CodecAAC))
	if err := frame.AllocBuffer(0); err != nil {
		ctx.Free()
		frame.Free()
		return fmt.Errorf("audioenc: alloc AAC frame buffer: %w", err)
	}

	a.ctx = ctx
	a.frame = frame
	a.pkt = astiav.AllocPacket()
	a.cfg = cfg
	return nil
}

func (a *AACBackend) Encode(pcm []float32) ([]byte, error) {
	if a.ctx == nil {
		return nil, errors.New("audioenc: AAC backend not configured")
	}
	if err := a.frame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("audioenc: make AAC frame writable: %w", err)
	}
	writeFloatPlanar(pcm, a.cfg.Channels, a.frame)
	a.frame.SetPts(a.pts)
	a.pts += int64(chunkSizeFor(CodecAAC))

	if err := a.ctx.SendFrame(a.frame); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return nil, fmt.Errorf("audioenc: AAC send frame: %w", err)
	}

	var out []byte
	for {
		a.pkt.Unref()
		err := a.ctx.ReceivePacket(a.pkt)
		if err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				break
			}
			return out, fmt.Errorf("audioenc: AAC receive packet: %w", err)
		}
		out = append(out, a.pkt.Data()...)
	}
	return out, nil
}

func (a *AACBackend) Close() error {
	if a.frame != nil {
		a.frame.Free()
		a.frame = nil
	}
	if a.pkt != nil {
		a.pkt.Free()
		a.pkt = nil
	}
	if a.ctx != nil {
		a.ctx.Free()
		a.ctx = nil
	}
	return nil
}

// writeFloatPlanar deinterleaves mixed PCM into the frame's per-channel
// planes, matching libavcodec's AAC encoder's preferred FLTP layout.
func writeFloatPlanar(pcm []float32, channels int, frame *astiav.Frame) {
	perChannel := len(pcm) / channels
	for ch := 0; ch < channels; ch++ {
		plane := frame.Data().Bytes(ch)
		for i := 0; i < perChannel; i++ {
			v := pcm[i*channels+ch]
			putFloat32LE(plane, i*4, v)
		}
	}
}

func putFloat32LE(buf []byte, offset int, v float32) {
	bits := math.Float32bits(v)
	if offset+4 > len(buf) {
		return
	}
	buf[offset] = byte(bits)
	buf[offset+1] = byte(bits >> 8)
	buf[offset+2] = byte(bits >> 16)
	buf[offset+3] = byte(bits >> 24)
}
