package transform

import "github.com/ghostkellz/nitrogen/internal/pipeline"

// ScaleFit selects how a frame is fit into the target dimensions when the
// source and target aspect ratios differ.
type ScaleFit int

const (
	FitLetterbox ScaleFit = iota
	FitPillarbox
	FitStretch
)

// ScalerConfig configures the Scaler stage.
type ScalerConfig struct {
	Enabled      bool
	TargetWidth  int
	TargetHeight int
	Fit          ScaleFit
}

// ScalerStage resizes frames to the configured target resolution. It is a
// bypass (no-op) whenever the input already matches the target size,
// regardless of Enabled, per spec §4.2's bypass-when-equal invariant.
type ScalerStage struct {
	cfg ScalerConfig
}

func NewScalerStage(cfg ScalerConfig) *ScalerStage {
	return &ScalerStage{cfg: cfg}
}

func (s *ScalerStage) Name() string { return "scaler" }

func (s *ScalerStage) Process(in pipeline.Frame) pipeline.Frame {
	if !s.cfg.Enabled || s.cfg.TargetWidth <= 0 || s.cfg.TargetHeight <= 0 {
		return in
	}
	if in.Width == s.cfg.TargetWidth && in.Height == s.cfg.TargetHeight {
		return in
	}

	if in.Ownership == pipeline.GPUHandle || in.Pix == nil {
		// A GPU-resident frame has no mapped pixels to resample; it
		// passes through at its source size with Degraded set.
		in.Degraded = true
		return in
	}

	destW, destH, offX, offY := fitDimensions(in.Width, in.Height, s.cfg.TargetWidth, s.cfg.TargetHeight, s.cfg.Fit)

	out := make([]byte, s.cfg.TargetWidth*s.cfg.TargetHeight*4)
	nearestScaleRGBA(in.Pix, in.Stride, in.Width, in.Height, out, s.cfg.TargetWidth*4, destW, destH, offX, offY)

	in.Pix = out
	in.Stride = s.cfg.TargetWidth * 4
	in.Width = s.cfg.TargetWidth
	in.Height = s.cfg.TargetHeight
	return in
}

// fitDimensions computes the scaled content rectangle's size and its
// offset within the target canvas, for letterbox/pillarbox/stretch fits.
func fitDimensions(srcW, srcH, dstW, dstH int, fit ScaleFit) (w, h, offX, offY int) {
	if fit == FitStretch {
		return dstW, dstH, 0, 0
	}

	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)

	if srcAspect > dstAspect {
		w = dstW
		h = int(float64(dstW) / srcAspect)
		offY = (dstH - h) / 2
	} else {
		h = dstH
		w = int(float64(dstH) * srcAspect)
		offX = (dstW - w) / 2
	}
	return w, h, offX, offY
}

// nearestScaleRGBA performs nearest-neighbor resampling of an RGBA buffer
// into dst at the given content rectangle, leaving any letterbox/
// pillarbox padding as zeroed (black) pixels.
func nearestScaleRGBA(src []byte, srcStride, srcW, srcH int, dst []byte, dstStride, destW, destH, offX, offY int) {
	if destW <= 0 || destH <= 0 {
		return
	}
	for y := 0; y < destH; y++ {
		srcY := y * srcH / destH
		if srcY >= srcH {
			srcY = srcH - 1
		}
		for x := 0; x < destW; x++ {
			srcX := x * srcW / destW
			if srcX >= srcW {
				srcX = srcW - 1
			}
			si := srcY*srcStride + srcX*4
			di := (y+offY)*dstStride + (x+offX)*4
			if si+4 > len(src) || di+4 > len(dst) {
				continue
			}
			copy(dst[di:di+4], src[si:si+4])
		}
	}
}
