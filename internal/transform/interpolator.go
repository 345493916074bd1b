package transform

import (
	"hash/crc32"
	"time"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

// InterpolatorMode selects the frame-generation factor, or adaptive
// selection between them based on scene motion.
type InterpolatorMode int

const (
	InterpolatorOff InterpolatorMode = iota
	Interpolator2x
	Interpolator3x
	Interpolator4x
	InterpolatorAdaptive
)

// motionHighThreshold and motionLowThreshold bound the CRC32-delta-derived
// motion metric used by adaptive mode: above high, fall back toward 2x
// (generated frames between fast motion look worse than dropped frames);
// below low, prefer the highest configured factor.
const (
	motionHighThreshold = 0.35
	motionLowThreshold  = 0.08
)

// InterpolatorConfig configures the Interpolator stage.
type InterpolatorConfig struct {
	Mode InterpolatorMode
	// AdaptiveCeiling bounds the factor InterpolatorAdaptive may select.
	AdaptiveCeiling InterpolatorMode
}

// InterpolatorStage generates intermediate frames by blending consecutive
// source frames. Disabled (Off) is a pass-through. GPU-handle frames,
// which the stage cannot map, pass through as a single frame with
// Degraded=true: no in-between frames, blended or duplicated, are
// generated for them.
type InterpolatorStage struct {
	cfg      InterpolatorConfig
	prev     pipeline.Frame
	havePrev bool
	lastHash uint32
}

func NewInterpolatorStage(cfg InterpolatorConfig) *InterpolatorStage {
	if cfg.AdaptiveCeiling == InterpolatorOff {
		cfg.AdaptiveCeiling = Interpolator3x
	}
	return &InterpolatorStage{cfg: cfg}
}

func (s *InterpolatorStage) Name() string { return "interpolator" }

// Process satisfies Stage by returning only the last frame of ProcessMulti,
// for callers that don't need frame generation.
func (s *InterpolatorStage) Process(in pipeline.Frame) pipeline.Frame {
	out := s.ProcessMulti(in)
	return out[len(out)-1]
}

// ProcessMulti runs the interpolator and returns the source frame plus any
// generated in-between frames, in presentation order.
func (s *InterpolatorStage) ProcessMulti(in pipeline.Frame) []pipeline.Frame {
	if s.cfg.Mode == InterpolatorOff {
		return []pipeline.Frame{in}
	}

	factor := s.factorFor(in)
	if factor <= 1 {
		s.remember(in)
		return []pipeline.Frame{in}
	}

	if !s.havePrev || in.Ownership == pipeline.GPUHandle || in.Pix == nil {
		in.Degraded = in.Ownership == pipeline.GPUHandle
		s.remember(in)
		return []pipeline.Frame{in}
	}

	generated := make([]pipeline.Frame, 0, factor)
	for i := 1; i < factor; i++ {
		t := float64(i) / float64(factor)
		blended := blendFrames(s.prev, in, t)
		generated = append(generated, blended)
	}
	generated = append(generated, in)

	s.remember(in)
	return generated
}

func (s *InterpolatorStage) remember(f pipeline.Frame) {
	s.prev = f
	s.havePrev = true
	if f.Pix != nil {
		s.lastHash = crc32.ChecksumIEEE(f.Pix)
	}
}

// factorFor resolves the configured mode to a concrete multiple, running
// the adaptive motion estimate when in InterpolatorAdaptive mode.
func (s *InterpolatorStage) factorFor(in pipeline.Frame) int {
	switch s.cfg.Mode {
	case Interpolator2x:
		return 2
	case Interpolator3x:
		return 3
	case Interpolator4x:
		return 4
	case InterpolatorAdaptive:
		return s.adaptiveFactor(in)
	default:
		return 1
	}
}

// adaptiveFactor estimates per-pixel motion by comparing hash-derived
// magnitude against the previous frame: a cheap proxy for optical flow
// that reuses the CRC32 frame-difference idea, extended from a boolean
// changed/unchanged signal into a continuous magnitude by hashing
// quadrants independently and counting how many differ.
func (s *InterpolatorStage) adaptiveFactor(in pipeline.Frame) int {
	ceiling := s.cfg.AdaptiveCeiling
	if !s.havePrev || in.Pix == nil || s.prev.Pix == nil {
		return factorValue(ceiling)
	}

	motion := quadrantMotionMagnitude(s.prev.Pix, in.Pix)
	switch {
	case motion >= motionHighThreshold:
		return 2
	case motion <= motionLowThreshold:
		return factorValue(ceiling)
	default:
		// interpolate linearly between 2x and the ceiling factor
		cf := factorValue(ceiling)
		span := float64(cf - 2)
		frac := (motionHighThreshold - motion) / (motionHighThreshold - motionLowThreshold)
		return 2 + int(frac*span)
	}
}

func factorValue(mode InterpolatorMode) int {
	switch mode {
	case Interpolator2x:
		return 2
	case Interpolator3x:
		return 3
	case Interpolator4x:
		return 4
	default:
		return 2
	}
}

const motionQuadrants = 16

// quadrantMotionMagnitude splits both buffers into motionQuadrants equal
// byte ranges, hashes each range in both frames, and returns the fraction
// of ranges whose hash differs — 0 for a static frame, 1 for a frame that
// changed everywhere.
func quadrantMotionMagnitude(prev, cur []byte) float64 {
	n := len(prev)
	if n == 0 || len(cur) != n {
		return 1
	}
	chunk := n / motionQuadrants
	if chunk == 0 {
		if crc32.ChecksumIEEE(prev) == crc32.ChecksumIEEE(cur) {
			return 0
		}
		return 1
	}

	diffCount := 0
	for i := 0; i < motionQuadrants; i++ {
		start := i * chunk
		end := start + chunk
		if i == motionQuadrants-1 {
			end = n
		}
		if crc32.ChecksumIEEE(prev[start:end]) != crc32.ChecksumIEEE(cur[start:end]) {
			diffCount++
		}
	}
	return float64(diffCount) / float64(motionQuadrants)
}

// blendFrames linearly cross-fades two RGBA frames at parameter t in
// [0,1]. Frames must share dimensions and be Mapped.
func blendFrames(a, b pipeline.Frame, t float64) pipeline.Frame {
	out := make([]byte, len(b.Pix))
	n := len(out)
	if len(a.Pix) < n {
		n = len(a.Pix)
	}
	for i := 0; i < n; i++ {
		av := float64(a.Pix[i])
		bv := float64(b.Pix[i])
		out[i] = byte(av + (bv-av)*t)
	}
	copy(out[n:], b.Pix[n:])

	result := b
	result.Pix = out
	result.CaptureTime = a.CaptureTime.Add(time.Duration(float64(b.CaptureTime.Sub(a.CaptureTime)) * t))
	result.Degraded = false
	return result
}
