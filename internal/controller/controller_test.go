package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ghostkellz/nitrogen/internal/audioenc"
	"github.com/ghostkellz/nitrogen/internal/capture"
	"github.com/ghostkellz/nitrogen/internal/hotkey"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
	"github.com/ghostkellz/nitrogen/internal/videoenc"
)

// fakeCapture satisfies captureSource without touching PipeWire.
type fakeCapture struct {
	video      chan pipeline.Frame
	audio      chan pipeline.AudioFrame
	lost       chan struct{}
	closed     bool
	closeErr   error
	mu         sync.Mutex
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		video: make(chan pipeline.Frame, 4),
		audio: make(chan pipeline.AudioFrame, 4),
		lost:  make(chan struct{}),
	}
}

func (f *fakeCapture) VideoChan() <-chan pipeline.Frame       { return f.video }
func (f *fakeCapture) AudioChan() <-chan pipeline.AudioFrame  { return f.audio }
func (f *fakeCapture) SourceLost() <-chan struct{}            { return f.lost }
func (f *fakeCapture) Stats() capture.Stats                   { return capture.Stats{} }
func (f *fakeCapture) Width() int                             { return 1920 }
func (f *fakeCapture) Height() int                             { return 1080 }
func (f *fakeCapture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.video)
		close(f.audio)
	}
	return f.closeErr
}

// fakeVideoEncoder satisfies videoEncoder.
type fakeVideoEncoder struct {
	mu            sync.Mutex
	submitted     int
	keyframeForced bool
	closed        bool
	failSubmit    error
}

func (e *fakeVideoEncoder) Submit(frame pipeline.Frame, sessionOrigin int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failSubmit != nil {
		return e.failSubmit
	}
	e.submitted++
	return nil
}

func (e *fakeVideoEncoder) Drain() ([]pipeline.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitted == 0 {
		return nil, nil
	}
	pkt := pipeline.Packet{Kind: pipeline.MediaVideo, Keyframe: e.submitted == 1, Payload: []byte{0x00}}
	e.submitted = 0
	return []pipeline.Packet{pkt}, nil
}

func (e *fakeVideoEncoder) Flush() error { return nil }
func (e *fakeVideoEncoder) ForceKeyframe() {
	e.mu.Lock()
	e.keyframeForced = true
	e.mu.Unlock()
}
func (e *fakeVideoEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
func (e *fakeVideoEncoder) BackendName() string { return "fake" }

// fakeAudioEncoder satisfies audioEncoder.
type fakeAudioEncoder struct {
	closed bool
}

func (e *fakeAudioEncoder) SubmitSource(sourceID string, frame pipeline.AudioFrame, gain float64, isMic bool) ([]pipeline.Packet, error) {
	return nil, nil
}
func (e *fakeAudioEncoder) Close() error { e.closed = true; return nil }

func newTestController() (*Controller, *fakeCapture, *fakeVideoEncoder) {
	fc := newFakeCapture()
	fv := &fakeVideoEncoder{}
	c := New(nil)
	c.openCapture = func(ctx context.Context, cfg capture.Config, neg capture.PortalNegotiator) (captureSource, error) {
		return fc, nil
	}
	c.newVideoEncoder = func(cfg videoenc.Config) (videoEncoder, error) {
		return fv, nil
	}
	c.newAudioEncoder = func(cfg audioenc.Config, backend audioenc.Backend) (audioEncoder, error) {
		return &fakeAudioEncoder{}, nil
	}
	return c, fc, fv
}

func testOpts() StartOptions {
	return StartOptions{
		Width: 1920, Height: 1080, FPS: 60,
		Codec: videoenc.CodecH264, Profile: videoenc.ProfileMain, BitrateKbps: 8000,
		AudioSource: capture.AudioNone,
	}
}

func TestStartStopReturnsToIdle(t *testing.T) {
	c, _, _ := newTestController()
	if err := c.Start(testOpts()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if state := c.State(); state != pipeline.StateStarting && state != pipeline.StateRunning {
		t.Fatalf("expected Starting or Running after Start, got %v", state)
	}
	if err := c.Stop(false); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if state := c.State(); state != pipeline.StateIdle {
		t.Fatalf("expected Idle after Stop, got %v", state)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, _, _ := newTestController()
	if err := c.Start(testOpts()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(false); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := c.Stop(false); err != nil {
		t.Fatalf("second Stop on already-Idle controller should be a no-op, got error: %v", err)
	}
}

func TestStartRejectedWhenNotIdle(t *testing.T) {
	c, _, _ := newTestController()
	if err := c.Start(testOpts()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(testOpts()); err == nil {
		t.Fatal("expected second Start on a running controller to be rejected")
	}
	c.Stop(false)
}

func TestRunningReachedOnFirstKeyframe(t *testing.T) {
	c, fc, _ := newTestController()
	if err := c.Start(testOpts()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fc.video <- pipeline.Frame{Width: 1920, Height: 1080}

	deadline := time.After(time.Second)
	for c.State() != pipeline.StateRunning {
		select {
		case <-deadline:
			t.Fatalf("controller never reached Running, stuck at %v", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	c.Stop(false)
}

func TestPauseDropsFramesUntilResumeForcesKeyframe(t *testing.T) {
	c, fc, fv := newTestController()
	if err := c.Start(testOpts()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	fc.video <- pipeline.Frame{Width: 1920, Height: 1080}
	for c.State() != pipeline.StateRunning {
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if c.State() != pipeline.StatePaused {
		t.Fatalf("expected Paused, got %v", c.State())
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if c.State() != pipeline.StateRunning {
		t.Fatalf("expected Running after Resume, got %v", c.State())
	}

	fv.mu.Lock()
	forced := fv.keyframeForced
	fv.mu.Unlock()
	if !forced {
		t.Fatal("expected ForceKeyframe to be called on Resume")
	}
	c.Stop(false)
}

func TestHotkeyToggleTwiceStartsThenStops(t *testing.T) {
	c, _, _ := newTestController()
	bindings, err := hotkey.ParseBindings(hotkey.BindingStrings{Enabled: true, Toggle: "ctrl+alt+s"})
	if err != nil {
		t.Fatalf("ParseBindings failed: %v", err)
	}
	pressed, _ := hotkey.Parse("ctrl+alt+s")

	if err := c.HandleHotkey(pressed, bindings, testOpts()); err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if c.State() == pipeline.StateIdle {
		t.Fatal("expected non-Idle state after first toggle")
	}

	if err := c.HandleHotkey(pressed, bindings, testOpts()); err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	if c.State() != pipeline.StateIdle {
		t.Fatalf("expected Idle after second toggle, got %v", c.State())
	}
}

func TestStartRollsBackCaptureOnVideoEncoderFailure(t *testing.T) {
	fc := newFakeCapture()
	c := New(nil)
	c.openCapture = func(ctx context.Context, cfg capture.Config, neg capture.PortalNegotiator) (captureSource, error) {
		return fc, nil
	}
	c.newVideoEncoder = func(cfg videoenc.Config) (videoEncoder, error) {
		return nil, errStartFailure
	}

	if err := c.Start(testOpts()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if c.State() != pipeline.StateFailed {
		t.Fatalf("expected Failed state, got %v", c.State())
	}
	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if !closed {
		t.Fatal("expected capture to be rolled back (closed) on video encoder failure")
	}
}

var errStartFailure = &startFailureErr{}

type startFailureErr struct{}

func (e *startFailureErr) Error() string { return "simulated backend failure" }
