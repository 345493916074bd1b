// Package pipeline holds the data types shared by every stage of the
// capture → transform → encode → fan-out → sink graph, so that producer
// and consumer packages never need to import one another directly.
package pipeline

import "time"

// PixelOwnership tags how a raw frame's pixel storage is reachable.
type PixelOwnership int

const (
	// Mapped frames are a host-readable byte span.
	Mapped PixelOwnership = iota
	// GPUHandle frames are an opaque GPU buffer with fd-like lifetime.
	GPUHandle
)

// PixelLayout names the pixel memory layout of a raw frame.
type PixelLayout int

const (
	LayoutRGBA PixelLayout = iota
	LayoutBGRA
	LayoutNV12
	LayoutP010 // 10-bit NV12, used for HDR/10-bit encode paths
)

// ColorTransfer names the transfer function carried by a frame, used to
// decide whether the HDR tonemap stage should engage.
type ColorTransfer int

const (
	TransferSDR ColorTransfer = iota
	TransferPQ
	TransferHLG
)

// Frame is a raw video frame with capture metadata. Ownership of the
// backing pixel storage transfers along with the Frame value across a
// channel send; GPUHandle frames must be released via Release.
type Frame struct {
	Seq         uint64
	CaptureTime time.Time
	Width       int
	Height      int
	Layout      PixelLayout
	Transfer    ColorTransfer
	PeakNits    float64 // 0 if not carried in metadata
	Ownership   PixelOwnership

	// Pix holds the pixel bytes for Mapped frames. Stride is bytes per row.
	Pix    []byte
	Stride int

	// Handle identifies a GPUHandle frame's backing buffer for the owning
	// capture pool. Release(handle) must be called exactly once.
	Handle   uint64
	Release  func(handle uint64)

	// Degraded is set when a transform stage fell back to a lower-quality
	// path (e.g. the interpolator duplicating instead of blending a
	// GPU-resident frame it could not map).
	Degraded bool

	// ForceKeyframe hints to the encoder that this frame should start a
	// new GOP, e.g. on an interpolator-detected scene change.
	ForceKeyframe bool
}

// ReleaseIfHandle releases a GPUHandle frame's backing buffer exactly
// once; it is a no-op for Mapped frames or frames with no Release func.
func (f *Frame) ReleaseIfHandle() {
	if f.Ownership == GPUHandle && f.Release != nil {
		f.Release(f.Handle)
		f.Release = nil
	}
}

// SampleFormat names the PCM sample encoding of a raw audio frame, in the
// preference order spec §3 names: float32 preferred, then int32, then
// int16 as fallback.
type SampleFormat int

const (
	SampleFloat32 SampleFormat = iota
	SampleInt32
	SampleInt16
)

// AudioFrame is a raw PCM sample buffer with capture metadata.
type AudioFrame struct {
	CaptureTime time.Time
	Samples     []byte // interleaved, encoded per Format
	NumSamples  int    // per channel
	Channels    int
	Format      SampleFormat
	SampleRate  int
}

// MediaKind distinguishes video and audio coded packets.
type MediaKind int

const (
	MediaVideo MediaKind = iota
	MediaAudio
)

// Packet is an encoded, timestamped unit of video or audio.
type Packet struct {
	Kind      MediaKind
	Payload   []byte // reference-shared once it reaches fan-out
	PTS       int64  // in units of TimeBaseDen per second
	TimeBaseDen int64
	Duration  int64
	Keyframe  bool // video only
}

// SessionState is the observable pipeline lifecycle state, per spec §4.7.
type SessionState int

const (
	StateIdle SessionState = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// VideoTimeBase is the rational time base denominator spec §4.3 mandates
// for video presentation timestamps.
const VideoTimeBase = 90000
