// Package transform implements the Video Transform Chain: a fixed-order
// HDR-Tonemap -> Scaler -> Interpolator pipeline where any disabled stage
// is a pass-through, per spec §4.2.
package transform

import (
	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("transform")

// Stage processes one frame and returns the transformed frame. A Stage
// that is configured "off" must return its input unchanged.
type Stage interface {
	Process(in pipeline.Frame) pipeline.Frame
	Name() string
}

// Chain runs HDR-Tonemap, then Scaler, then Interpolator, in that fixed
// order, matching spec §4.2's ordering invariant.
type Chain struct {
	Tonemap     *TonemapStage
	Scaler      *ScalerStage
	Interpolator *InterpolatorStage
}

// NewChain builds a transform chain from the three stage configs. A
// zero-value stage config yields a disabled (pass-through) stage.
func NewChain(tonemap TonemapConfig, scaler ScalerConfig, interp InterpolatorConfig) *Chain {
	return &Chain{
		Tonemap:      NewTonemapStage(tonemap),
		Scaler:       NewScalerStage(scaler),
		Interpolator: NewInterpolatorStage(interp),
	}
}

// Process runs a single input frame through the fixed-order chain. The
// Interpolator stage may emit more than one frame (frame generation); the
// returned slice preserves PTS ordering.
func (c *Chain) Process(in pipeline.Frame) []pipeline.Frame {
	f := c.Tonemap.Process(in)
	f = c.Scaler.Process(f)
	return c.Interpolator.ProcessMulti(f)
}
