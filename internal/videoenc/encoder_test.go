package videoenc

import (
	"testing"
	"time"

	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

type fakeBackend struct {
	configured    Config
	submitted     []pipeline.Frame
	drainResult   []pipeline.Packet
	keyframeForced bool
	closed        bool
}

func (f *fakeBackend) Configure(cfg Config) error { f.configured = cfg; return nil }
func (f *fakeBackend) Submit(frame pipeline.Frame, sessionOrigin int64) error {
	f.submitted = append(f.submitted, frame)
	return nil
}
func (f *fakeBackend) Drain() ([]pipeline.Packet, error) {
	out := f.drainResult
	f.drainResult = nil
	return out, nil
}
func (f *fakeBackend) Flush() error        { return nil }
func (f *fakeBackend) ForceKeyframe()      { f.keyframeForced = true }
func (f *fakeBackend) Close() error        { f.closed = true; return nil }
func (f *fakeBackend) Name() string        { return "fake" }
func (f *fakeBackend) IsHardware() bool    { return false }

func newEncoderWithFake(t *testing.T) (*Encoder, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{}
	e := &Encoder{cfg: Config{Codec: CodecH264}, backend: fb, maxQueue: maxSubmitQueue}
	return e, fb
}

func TestSubmitReportsStalledWhenQueueFull(t *testing.T) {
	e, _ := newEncoderWithFake(t)

	for i := 0; i < maxSubmitQueue; i++ {
		if err := e.Submit(pipeline.Frame{}, 0); err != nil {
			t.Fatalf("unexpected error on submit %d: %v", i, err)
		}
	}

	err := e.Submit(pipeline.Frame{}, 0)
	if !nerrors.OfKind(err, nerrors.KindStalled) {
		t.Fatalf("expected KindStalled, got %v", err)
	}
}

func TestDrainFreesQueueSlots(t *testing.T) {
	e, fb := newEncoderWithFake(t)

	for i := 0; i < maxSubmitQueue; i++ {
		e.Submit(pipeline.Frame{}, 0)
	}
	fb.drainResult = []pipeline.Packet{{Kind: pipeline.MediaVideo}, {Kind: pipeline.MediaVideo}}

	pkts, err := e.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(pkts) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(pkts))
	}

	// queue should now have room for 2 more submits
	if err := e.Submit(pipeline.Frame{}, 0); err != nil {
		t.Fatalf("expected room after drain, got: %v", err)
	}
	if err := e.Submit(pipeline.Frame{}, 0); err != nil {
		t.Fatalf("expected room after drain, got: %v", err)
	}
	if err := e.Submit(pipeline.Frame{}, 0); err == nil {
		t.Fatal("expected stalled again once queue refills")
	}
}

func TestUnsupportedCodecRejected(t *testing.T) {
	_, err := New(Config{Codec: "theora"})
	if !nerrors.OfKind(err, nerrors.KindUnsupportedCodec) {
		t.Fatalf("expected KindUnsupportedCodec, got %v", err)
	}
}

func TestPTSFromCaptureIsMonotonicAndNonNegative(t *testing.T) {
	origin := time.Unix(100, 0).UnixNano()
	before := time.Unix(99, 0).UnixNano()
	after := time.Unix(101, 0).UnixNano()

	if pts := PTSFromCapture(before, origin); pts != 0 {
		t.Fatalf("expected 0 for capture before session origin, got %d", pts)
	}
	if pts := PTSFromCapture(after, origin); pts != pipeline.VideoTimeBase {
		t.Fatalf("expected %d for 1s after origin, got %d", pipeline.VideoTimeBase, pts)
	}
}

func TestForceKeyframeDelegates(t *testing.T) {
	e, fb := newEncoderWithFake(t)
	e.ForceKeyframe()
	if !fb.keyframeForced {
		t.Fatal("expected ForceKeyframe to delegate to backend")
	}
}
