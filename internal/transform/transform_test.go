package transform

import (
	"testing"
	"time"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

func rgbaFrame(w, h int, fill byte) pipeline.Frame {
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = fill
	}
	return pipeline.Frame{
		Width:       w,
		Height:      h,
		Stride:      w * 4,
		Pix:         pix,
		Ownership:   pipeline.Mapped,
		Transfer:    pipeline.TransferSDR,
		CaptureTime: time.Unix(0, 0),
	}
}

func TestTonemapDisabledIsPassthrough(t *testing.T) {
	stage := NewTonemapStage(TonemapConfig{Enabled: false})
	in := rgbaFrame(2, 2, 200)
	in.Transfer = pipeline.TransferPQ

	out := stage.Process(in)
	if out.Transfer != pipeline.TransferPQ {
		t.Fatalf("expected transfer unchanged when disabled, got %v", out.Transfer)
	}
}

func TestTonemapConvertsToSDR(t *testing.T) {
	stage := NewTonemapStage(TonemapConfig{Enabled: true, Algorithm: TonemapReinhard, TargetNits: 100})
	in := rgbaFrame(2, 2, 255)
	in.Transfer = pipeline.TransferPQ
	in.PeakNits = 1000

	out := stage.Process(in)
	if out.Transfer != pipeline.TransferSDR {
		t.Fatalf("expected SDR after tonemap, got %v", out.Transfer)
	}
	if out.PeakNits != 100 {
		t.Fatalf("expected PeakNits=100, got %v", out.PeakNits)
	}
}

func TestScalerBypassesWhenSizeMatches(t *testing.T) {
	stage := NewScalerStage(ScalerConfig{Enabled: true, TargetWidth: 4, TargetHeight: 4})
	in := rgbaFrame(4, 4, 10)

	out := stage.Process(in)
	if &out.Pix[0] != &in.Pix[0] {
		t.Fatal("expected scaler to return the same pixel buffer on size match")
	}
}

func TestScalerResizesAndLetterboxes(t *testing.T) {
	stage := NewScalerStage(ScalerConfig{Enabled: true, TargetWidth: 8, TargetHeight: 8, Fit: FitLetterbox})
	in := rgbaFrame(4, 2, 255) // 2:1 aspect into a 1:1 target

	out := stage.Process(in)
	if out.Width != 8 || out.Height != 8 {
		t.Fatalf("expected 8x8 output, got %dx%d", out.Width, out.Height)
	}
	// top row should be letterboxed (black) padding
	if out.Pix[0] != 0 {
		t.Fatalf("expected letterbox padding at top row, got %d", out.Pix[0])
	}
}

func TestInterpolatorOffIsPassthrough(t *testing.T) {
	stage := NewInterpolatorStage(InterpolatorConfig{Mode: InterpolatorOff})
	in := rgbaFrame(2, 2, 1)

	out := stage.ProcessMulti(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 frame when interpolator off, got %d", len(out))
	}
}

func TestInterpolator2xGeneratesOneExtraFrame(t *testing.T) {
	stage := NewInterpolatorStage(InterpolatorConfig{Mode: Interpolator2x})

	first := rgbaFrame(2, 2, 0)
	first.CaptureTime = time.Unix(0, 0)
	out1 := stage.ProcessMulti(first)
	if len(out1) != 1 {
		t.Fatalf("expected first call to return 1 frame (no prior frame to blend against), got %d", len(out1))
	}

	second := rgbaFrame(2, 2, 200)
	second.CaptureTime = time.Unix(0, int64(16*time.Millisecond))
	out2 := stage.ProcessMulti(second)
	if len(out2) != 2 {
		t.Fatalf("expected 2x to generate 1 blended frame + source, got %d", len(out2))
	}
	if out2[1].Pix[0] != 200 {
		t.Fatalf("expected last frame to be the source frame unmodified in value, got %d", out2[1].Pix[0])
	}
}

func TestInterpolator4xSubdividesTimestampsLinearly(t *testing.T) {
	stage := NewInterpolatorStage(InterpolatorConfig{Mode: Interpolator4x})

	first := rgbaFrame(2, 2, 0)
	first.CaptureTime = time.Unix(0, 0)
	stage.ProcessMulti(first)

	second := rgbaFrame(2, 2, 200)
	second.CaptureTime = time.Unix(0, int64(40*time.Millisecond))
	out := stage.ProcessMulti(second)
	if len(out) != 4 {
		t.Fatalf("expected 4x to generate 3 blended frames + source, got %d", len(out))
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond}
	for i, f := range out {
		got := f.CaptureTime.Sub(first.CaptureTime)
		if got != want[i] {
			t.Fatalf("frame %d: expected CaptureTime offset %v, got %v", i, want[i], got)
		}
	}
}

func TestInterpolatorDegradesGPUHandleFrames(t *testing.T) {
	stage := NewInterpolatorStage(InterpolatorConfig{Mode: Interpolator2x})

	first := rgbaFrame(2, 2, 0)
	stage.ProcessMulti(first)

	gpuFrame := pipeline.Frame{Width: 2, Height: 2, Ownership: pipeline.GPUHandle, Handle: 1}
	out := stage.ProcessMulti(gpuFrame)
	if len(out) != 1 {
		t.Fatalf("expected GPU-handle frame to pass through without blending, got %d frames", len(out))
	}
	if !out[0].Degraded {
		t.Fatal("expected Degraded=true for undecoded GPU-handle frame")
	}
}

func TestChainRunsInFixedOrder(t *testing.T) {
	chain := NewChain(
		TonemapConfig{Enabled: true, Algorithm: TonemapACES, TargetNits: 100},
		ScalerConfig{Enabled: true, TargetWidth: 4, TargetHeight: 4},
		InterpolatorConfig{Mode: InterpolatorOff},
	)

	in := rgbaFrame(8, 8, 200)
	in.Transfer = pipeline.TransferHLG
	in.PeakNits = 1000

	out := chain.Process(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 frame with interpolator off, got %d", len(out))
	}
	if out[0].Transfer != pipeline.TransferSDR {
		t.Fatal("expected tonemap to have run before scaler/interpolator")
	}
	if out[0].Width != 4 || out[0].Height != 4 {
		t.Fatalf("expected scaler to have resized after tonemap, got %dx%d", out[0].Width, out[0].Height)
	}
}
