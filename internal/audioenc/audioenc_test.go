package audioenc

import (
	"math"
	"testing"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

type fakeBackend struct {
	cfg     Config
	chunks  [][]float32
}

func (f *fakeBackend) Configure(cfg Config) error { f.cfg = cfg; return nil }
func (f *fakeBackend) Encode(pcm []float32) ([]byte, error) {
	cp := make([]float32, len(pcm))
	copy(cp, pcm)
	f.chunks = append(f.chunks, cp)
	return []byte{0x01, 0x02}, nil
}
func (f *fakeBackend) Close() error { return nil }

func floatSamplesFrame(samples []float32, sampleRate int) pipeline.AudioFrame {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		bits := math.Float32bits(s)
		buf[4*i] = byte(bits)
		buf[4*i+1] = byte(bits >> 8)
		buf[4*i+2] = byte(bits >> 16)
		buf[4*i+3] = byte(bits >> 24)
	}
	return pipeline.AudioFrame{
		Samples:    buf,
		NumSamples: len(samples),
		Channels:   1,
		Format:     pipeline.SampleFloat32,
		SampleRate: sampleRate,
	}
}

func TestSubmitSourceEmitsPacketOnceChunkFull(t *testing.T) {
	cfg := Config{Codec: CodecOpus, SampleRate: 48000, Channels: 1, BitrateKbps: 64}
	fb := &fakeBackend{}
	enc, err := New(cfg, fb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	chunkLen := chunkSizeFor(CodecOpus) // 960 for Opus, mono here
	samples := make([]float32, chunkLen)
	for i := range samples {
		samples[i] = 0.5
	}

	pkts, err := enc.SubmitSource("desktop", floatSamplesFrame(samples, 48000), 1.0, false)
	if err != nil {
		t.Fatalf("SubmitSource: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected 1 packet once chunk fills, got %d", len(pkts))
	}
	if pkts[0].Kind != pipeline.MediaAudio {
		t.Fatalf("expected MediaAudio packet, got %v", pkts[0].Kind)
	}
}

func TestSubmitSourceAccumulatesPartialChunks(t *testing.T) {
	cfg := Config{Codec: CodecOpus, SampleRate: 48000, Channels: 1, BitrateKbps: 64}
	fb := &fakeBackend{}
	enc, _ := New(cfg, fb)

	half := chunkSizeFor(CodecOpus) / 2
	samples := make([]float32, half)

	pkts, _ := enc.SubmitSource("desktop", floatSamplesFrame(samples, 48000), 1.0, false)
	if len(pkts) != 0 {
		t.Fatalf("expected no packet from a half-chunk, got %d", len(pkts))
	}
}

func TestResamplerPassthroughWhenRatesMatch(t *testing.T) {
	r := NewResampler(48000, 48000)
	in := []float32{0.1, 0.2, 0.3}
	out := r.Process(in)
	if len(out) != len(in) {
		t.Fatalf("expected passthrough length %d, got %d", len(in), len(out))
	}
}

func TestResamplerDownsamplesProportionally(t *testing.T) {
	r := NewResampler(48000, 24000)
	in := make([]float32, 960)
	out := r.Process(in)
	// roughly half the samples at half the rate
	if out == nil || len(out) < 400 || len(out) > 520 {
		t.Fatalf("expected roughly half-length output, got %d", len(out))
	}
}

func TestMixerDucksDesktopWhenMicActive(t *testing.T) {
	m := NewMixer(1)

	loud := make([]float32, 100)
	for i := range loud {
		loud[i] = 0.5
	}
	m.Mix("mic", loud, 1.0, true)

	desktop := make([]float32, 100)
	for i := range desktop {
		desktop[i] = 1.0
	}
	m.Mix("desktop", desktop, 1.0, false)

	if !m.micActive {
		t.Fatal("expected mic activity to be detected")
	}
	if m.duckGain >= 1.0 {
		t.Fatalf("expected desktop gain to be ducked below 1.0, got %v", m.duckGain)
	}
}

func TestDecodeToFloat32HandlesInt16(t *testing.T) {
	buf := []byte{0x00, 0x40} // little-endian int16 = 16384 -> 0.5
	f := pipeline.AudioFrame{Samples: buf, Format: pipeline.SampleInt16, Channels: 1, SampleRate: 48000}
	out := decodeToFloat32(f)
	if len(out) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(out))
	}
	if out[0] < 0.49 || out[0] > 0.51 {
		t.Fatalf("expected ~0.5, got %v", out[0])
	}
}
