package transform

import (
	"math"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

// TonemapAlgorithm selects the HDR-to-SDR tonemapping operator.
type TonemapAlgorithm int

const (
	TonemapReinhard TonemapAlgorithm = iota
	TonemapACES
	TonemapHable
)

// TonemapConfig configures the HDR-Tonemap stage.
type TonemapConfig struct {
	Enabled   bool
	Algorithm TonemapAlgorithm
	// TargetNits is the SDR reference white point tonemap curves are
	// normalized against.
	TargetNits float64
}

// TonemapStage converts PQ/HLG RGBA frames to SDR RGBA using the
// configured operator. Disabled or already-SDR frames pass through
// untouched.
type TonemapStage struct {
	cfg TonemapConfig
}

func NewTonemapStage(cfg TonemapConfig) *TonemapStage {
	if cfg.TargetNits <= 0 {
		cfg.TargetNits = 100
	}
	return &TonemapStage{cfg: cfg}
}

func (s *TonemapStage) Name() string { return "hdr-tonemap" }

// Process applies the configured tonemap curve per-pixel to a Mapped
// frame. GPUHandle frames (and frames without pixels) are not tonemapped:
// they are passed through with Degraded set and Transfer marked SDR,
// matching the scaler/interpolator's own degrade-on-GPU-handle convention.
func (s *TonemapStage) Process(in pipeline.Frame) pipeline.Frame {
	if !s.cfg.Enabled || in.Transfer == pipeline.TransferSDR {
		return in
	}

	if in.Ownership == pipeline.GPUHandle || in.Pix == nil {
		in.Degraded = true
		in.Transfer = pipeline.TransferSDR
		return in
	}

	curve := curveFor(s.cfg.Algorithm)
	peak := in.PeakNits
	if peak <= 0 {
		peak = 1000 // conservative default peak for PQ content without metadata
	}

	out := make([]byte, len(in.Pix))
	copy(out, in.Pix)
	tonemapRGBA(out, peak, s.cfg.TargetNits, curve)

	in.Pix = out
	in.Transfer = pipeline.TransferSDR
	in.PeakNits = s.cfg.TargetNits
	return in
}

type curveFn func(x float64) float64

func curveFor(alg TonemapAlgorithm) curveFn {
	switch alg {
	case TonemapACES:
		return acesCurve
	case TonemapHable:
		return hableCurve
	default:
		return reinhardCurve
	}
}

func reinhardCurve(x float64) float64 {
	return x / (1 + x)
}

func acesCurve(x float64) float64 {
	const a, b, c, d, e = 2.51, 0.03, 2.43, 0.59, 0.14
	num := x * (a*x + b)
	den := x*(c*x+d) + e
	if den == 0 {
		return 0
	}
	v := num / den
	return math.Max(0, math.Min(1, v))
}

func hableCurve(x float64) float64 {
	const a, b, c, d, e, f = 0.15, 0.50, 0.10, 0.20, 0.02, 0.30
	num := x*(a*x+c*b) + d*e
	den := x*(a*x+b) + d*f
	if den == 0 {
		return 0
	}
	return num/den - e/f
}

// tonemapRGBA applies curve to each 8-bit RGBA channel after normalizing
// against peakNits/targetNits, writing the result back in place. Alpha is
// left untouched.
func tonemapRGBA(pix []byte, peakNits, targetNits float64, curve curveFn) {
	scale := peakNits / targetNits
	for i := 0; i+3 < len(pix); i += 4 {
		for c := 0; c < 3; c++ {
			linear := float64(pix[i+c]) / 255.0 * scale
			mapped := curve(linear)
			pix[i+c] = byte(math.Max(0, math.Min(255, mapped*255.0)))
		}
	}
}
