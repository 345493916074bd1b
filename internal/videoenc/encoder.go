// Package videoenc implements the Video Encoder stage: a configure/
// submit/drain/flush contract over a hardware-first, software-fallback
// backend, per spec §4.3.
package videoenc

import (
	"sync"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("videoenc")

// Codec identifies the coded video format.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
	CodecAV1  Codec = "av1"
)

func (c Codec) valid() bool {
	switch c {
	case CodecH264, CodecHEVC, CodecAV1:
		return true
	}
	return false
}

// Profile selects an encoder profile/tuning combination within a codec.
type Profile string

const (
	ProfileBaseline Profile = "baseline"
	ProfileMain     Profile = "main"
	ProfileHigh     Profile = "high"
)

// Config configures the video encoder, per spec §3/§6.
type Config struct {
	Codec          Codec
	Profile        Profile
	Width          int
	Height         int
	FPS            int
	BitrateKbps    int
	PreferHardware bool
}

// Backend is implemented by each concrete encoder (hardware VAAPI,
// software x264-shaped fallback). Submit/Drain/Flush mirror spec §4.3's
// asynchronous encode contract: Submit never blocks past the internal
// queue bound, Drain returns whatever packets are ready.
type Backend interface {
	Configure(cfg Config) error
	Submit(frame pipeline.Frame, sessionOrigin int64) error
	Drain() ([]pipeline.Packet, error)
	Flush() error
	ForceKeyframe()
	Close() error
	Name() string
	IsHardware() bool
}

type backendFactory func(cfg Config) (Backend, error)

var (
	hardwareFactoriesMu sync.Mutex
	hardwareFactories   []backendFactory
)

// registerHardwareFactory lets a build-tagged file (e.g. vaapi_linux.go)
// contribute a hardware backend without this file importing cgo.
func registerHardwareFactory(f backendFactory) {
	hardwareFactoriesMu.Lock()
	defer hardwareFactoriesMu.Unlock()
	hardwareFactories = append(hardwareFactories, f)
}

// Encoder wraps a Backend with the configure/submit/drain/flush contract
// and tracks submit-queue depth for the Stalled error kind.
type Encoder struct {
	mu      sync.Mutex
	cfg     Config
	backend Backend
	queued  int
	maxQueue int
}

// maxSubmitQueue bounds how many frames may be in flight inside a backend
// before Submit reports nerrors.KindStalled instead of blocking, per
// spec §4.3's backpressure requirement.
const maxSubmitQueue = 4

// New selects a backend (hardware if cfg.PreferHardware and one is
// registered and can be configured, else software) and configures it.
func New(cfg Config) (*Encoder, error) {
	if !cfg.Codec.valid() {
		return nil, nerrors.New(nerrors.KindUnsupportedCodec)
	}

	backend, err := selectBackend(cfg)
	if err != nil {
		return nil, err
	}

	e := &Encoder{cfg: cfg, backend: backend, maxQueue: maxSubmitQueue}
	log.Info("video encoder configured", "codec", cfg.Codec, "hardware", backend.IsHardware(), "backend", backend.Name())
	return e, nil
}

func selectBackend(cfg Config) (Backend, error) {
	if cfg.PreferHardware {
		hardwareFactoriesMu.Lock()
		factories := append([]backendFactory{}, hardwareFactories...)
		hardwareFactoriesMu.Unlock()

		for _, f := range factories {
			b, err := f(cfg)
			if err == nil {
				if cerr := b.Configure(cfg); cerr == nil {
					return b, nil
				}
				b.Close()
			}
		}
		log.Warn("no usable hardware encoder, falling back to software", "codec", cfg.Codec)
	}

	b := newSoftwareBackend()
	if err := b.Configure(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// Submit enqueues a frame for encoding. It returns a KindStalled error
// (never blocking) when the backend's in-flight queue is already full.
func (e *Encoder) Submit(frame pipeline.Frame, sessionOrigin int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queued >= e.maxQueue {
		return nerrors.New(nerrors.KindStalled)
	}
	if err := e.backend.Submit(frame, sessionOrigin); err != nil {
		return err
	}
	e.queued++
	return nil
}

// Drain returns any packets the backend has finished encoding, clearing
// their slots from the in-flight queue count.
func (e *Encoder) Drain() ([]pipeline.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkts, err := e.backend.Drain()
	if err != nil {
		return nil, err
	}
	if e.queued > len(pkts) {
		e.queued -= len(pkts)
	} else {
		e.queued = 0
	}
	return pkts, nil
}

// Flush resets the in-flight queue count and asks the backend to flush:
// the libavcodec backends signal end-of-stream, so a following Drain
// returns the packets still buffered in the codec. It does not force a
// keyframe.
func (e *Encoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = 0
	return e.backend.Flush()
}

// ForceKeyframe requests an IDR/keyframe as soon as possible.
func (e *Encoder) ForceKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backend.ForceKeyframe()
}

// Reconfigure applies a bitrate/fps change without tearing down the
// backend, where the backend supports it; codec/profile changes require
// a new Encoder.
func (e *Encoder) Reconfigure(bitrateKbps, fps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.BitrateKbps = bitrateKbps
	e.cfg.FPS = fps
	return e.backend.Configure(e.cfg)
}

// Close releases the backend.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return nil
	}
	err := e.backend.Close()
	e.backend = nil
	return err
}

// BackendName reports which concrete backend is active, for the status
// snapshot and `nitrogen info`.
func (e *Encoder) BackendName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ""
	}
	return e.backend.Name()
}

// PTSFromCapture computes a frame's presentation timestamp in
// pipeline.VideoTimeBase units, per spec §4.3's
// "capture_timestamp - session_origin" rule.
func PTSFromCapture(captureUnixNano, sessionOriginUnixNano int64) int64 {
	deltaNanos := captureUnixNano - sessionOriginUnixNano
	if deltaNanos < 0 {
		deltaNanos = 0
	}
	return deltaNanos * pipeline.VideoTimeBase / 1_000_000_000
}

// HardwareInfo reports one registered hardware backend's probed identity,
// for `nitrogen info`.
type HardwareInfo struct {
	Name      string
	Available bool
}

// ProbeHardware attempts to configure each registered hardware backend
// against a representative Config, without keeping it open, reporting
// which ones are usable on this host.
func ProbeHardware() []HardwareInfo {
	probeCfg := Config{Codec: CodecH264, Profile: ProfileMain, Width: 1920, Height: 1080, FPS: 60, BitrateKbps: 8000, PreferHardware: true}

	hardwareFactoriesMu.Lock()
	factories := append([]backendFactory{}, hardwareFactories...)
	hardwareFactoriesMu.Unlock()

	out := make([]HardwareInfo, 0, len(factories))
	for _, f := range factories {
		b, err := f(probeCfg)
		if err != nil {
			out = append(out, HardwareInfo{Name: "unknown", Available: false})
			continue
		}
		ok := b.Configure(probeCfg) == nil
		name := b.Name()
		b.Close()
		out = append(out, HardwareInfo{Name: name, Available: ok})
	}
	return out
}
