package audioenc

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// OpusBackend encodes mixed float32 PCM to Opus using libopus via
// hraban/opus.v2.
type OpusBackend struct {
	enc *opus.Encoder
	cfg Config
}

func NewOpusBackend() *OpusBackend { return &OpusBackend{} }

func (o *OpusBackend) Configure(cfg Config) error {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("audioenc: new opus encoder: %w", err)
	}
	if cfg.BitrateKbps > 0 {
		if err := enc.SetBitrate(cfg.BitrateKbps * 1000); err != nil {
			return fmt.Errorf("audioenc: set opus bitrate: %w", err)
		}
	}
	o.enc = enc
	o.cfg = cfg
	return nil
}

func (o *OpusBackend) Encode(pcm []float32) ([]byte, error) {
	out := make([]byte, 4000) // worst-case Opus packet bound
	n, err := o.enc.EncodeFloat32(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("audioenc: opus encode: %w", err)
	}
	return out[:n], nil
}

func (o *OpusBackend) Close() error { return nil }
