// Package audioenc implements the Audio Encoder: PCM resampling/
// re-chunking, multi-source mixing with ducking, and AAC/Opus encoding,
// per spec §4.4.
package audioenc

import (
	"math"

	"github.com/asticode/go-astiav"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("audioenc")

// Codec identifies the coded audio format.
type Codec string

const (
	CodecAAC  Codec = "aac"
	CodecOpus Codec = "opus"
)

// CodecID maps a Codec onto the libavcodec CodecID muxers need when
// writing stream parameters, for the File Recorder and Network Streamer
// sinks downstream of this encoder.
func CodecID(codec Codec) astiav.CodecID {
	if codec == CodecOpus {
		return astiav.CodecIDOpus
	}
	return astiav.CodecIDAac
}

// chunkSizeFor returns the encoder's required samples-per-channel frame
// size: AAC's 1024-sample frame, or Opus's 960-sample (20ms @ 48kHz) frame.
func chunkSizeFor(codec Codec) int {
	if codec == CodecOpus {
		return 960
	}
	return 1024
}

// Config configures the audio encoder.
type Config struct {
	Codec      Codec
	SampleRate int
	Channels   int
	BitrateKbps int
}

// DefaultConfig returns spec §6's audio defaults (Opus, 48kHz stereo).
func DefaultConfig() Config {
	return Config{Codec: CodecOpus, SampleRate: 48000, Channels: 2, BitrateKbps: 128}
}

// Backend is implemented by a concrete codec encoder.
type Backend interface {
	Configure(cfg Config) error
	Encode(pcm []float32) ([]byte, error)
	Close() error
}

// Encoder wraps resampling, mixing, and a Backend into the pipeline's
// submit/drain-shaped contract for audio.
type Encoder struct {
	cfg      Config
	backend  Backend
	mixer    *Mixer
	resamplers map[int]*Resampler
	chunk    []float32
	chunkAt  int
	pts      int64
}

// New builds an audio encoder. backend selection (AAC via go-astiav,
// Opus via hraban/opus) happens in codec-specific constructors.
func New(cfg Config, backend Backend) (*Encoder, error) {
	if err := backend.Configure(cfg); err != nil {
		return nil, err
	}
	return &Encoder{
		cfg:        cfg,
		backend:    backend,
		mixer:      NewMixer(cfg.Channels),
		resamplers: make(map[int]*Resampler),
		chunk:      make([]float32, chunkSizeFor(cfg.Codec)*cfg.Channels),
	}, nil
}

// SubmitSource mixes one audio source's buffer into the current chunk,
// resampling first if the source's rate differs from cfg.SampleRate, and
// returns any packets completed as a result.
func (e *Encoder) SubmitSource(sourceID string, frame pipeline.AudioFrame, gain float64, isMic bool) ([]pipeline.Packet, error) {
	samples := decodeToFloat32(frame)

	if frame.SampleRate != e.cfg.SampleRate {
		rs, ok := e.resamplers[frame.SampleRate]
		if !ok {
			rs = NewResampler(frame.SampleRate, e.cfg.SampleRate)
			e.resamplers[frame.SampleRate] = rs
		}
		samples = rs.Process(samples)
	}

	e.mixer.Mix(sourceID, samples, gain, isMic)

	var out []pipeline.Packet
	for e.mixer.HasFullChunk(len(e.chunk)) {
		mixed := e.mixer.TakeChunk(len(e.chunk))
		data, err := e.backend.Encode(mixed)
		if err != nil {
			return out, err
		}
		duration := int64(chunkSizeFor(e.cfg.Codec)) * pipeline.VideoTimeBase / int64(e.cfg.SampleRate)
		out = append(out, pipeline.Packet{
			Kind:        pipeline.MediaAudio,
			Payload:     data,
			PTS:         e.pts,
			TimeBaseDen: pipeline.VideoTimeBase,
			Duration:    duration,
		})
		e.pts += duration
	}
	return out, nil
}

func (e *Encoder) Close() error {
	return e.backend.Close()
}

// decodeToFloat32 normalizes a raw AudioFrame's samples to float32 in
// [-1, 1], regardless of its wire SampleFormat, per spec §3's "always
// resample to the pipeline's preferred float32 format" convention.
func decodeToFloat32(f pipeline.AudioFrame) []float32 {
	switch f.Format {
	case pipeline.SampleInt16:
		n := len(f.Samples) / 2
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			v := int16(f.Samples[2*i]) | int16(f.Samples[2*i+1])<<8
			out[i] = float32(v) / 32768.0
		}
		return out
	case pipeline.SampleInt32:
		n := len(f.Samples) / 4
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			v := int32(f.Samples[4*i]) | int32(f.Samples[4*i+1])<<8 | int32(f.Samples[4*i+2])<<16 | int32(f.Samples[4*i+3])<<24
			out[i] = float32(v) / 2147483648.0
		}
		return out
	default: // SampleFloat32
		n := len(f.Samples) / 4
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			bits := uint32(f.Samples[4*i]) | uint32(f.Samples[4*i+1])<<8 | uint32(f.Samples[4*i+2])<<16 | uint32(f.Samples[4*i+3])<<24
			out[i] = math.Float32frombits(bits)
		}
		return out
	}
}
