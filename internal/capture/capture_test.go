package capture

import (
	"context"
	"testing"
	"time"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

type fakeNegotiator struct {
	nodeID      uint32
	w, h        int
	negotiateErr error
	closed      bool
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, desc SourceDescriptor, withAudio bool) (uint32, int, int, error) {
	if f.negotiateErr != nil {
		return 0, 0, 0, f.negotiateErr
	}
	return f.nodeID, f.w, f.h, nil
}

func (f *fakeNegotiator) Close() error {
	f.closed = true
	return nil
}

func TestOpenNegotiatesAndSizesQueues(t *testing.T) {
	neg := &fakeNegotiator{nodeID: 7, w: 1920, h: 1080}
	cfg := DefaultConfig()

	h, err := Open(context.Background(), cfg, neg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if h.Width() != 1920 || h.Height() != 1080 {
		t.Fatalf("unexpected size: %dx%d", h.Width(), h.Height())
	}
	if cap(h.video) != defaultVideoQueueDepth {
		t.Fatalf("expected video queue depth %d, got %d", defaultVideoQueueDepth, cap(h.video))
	}
}

func TestPushVideoDropsOldestWhenFull(t *testing.T) {
	neg := &fakeNegotiator{nodeID: 1, w: 640, h: 480}
	cfg := DefaultConfig()
	cfg.VideoQueueDepth = 2

	h, err := Open(context.Background(), cfg, neg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h.PushVideo(pipeline.Frame{Seq: 1})
	h.PushVideo(pipeline.Frame{Seq: 2})
	h.PushVideo(pipeline.Frame{Seq: 3}) // should drop Seq=1

	if got := h.Stats().VideoFramesDropped; got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}

	first := <-h.video
	if first.Seq != 2 {
		t.Fatalf("expected oldest-surviving frame Seq=2, got %d", first.Seq)
	}
}

func TestNotifySourceLostIsIdempotent(t *testing.T) {
	neg := &fakeNegotiator{nodeID: 1, w: 640, h: 480}
	h, err := Open(context.Background(), DefaultConfig(), neg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	h.NotifySourceLost()
	h.NotifySourceLost() // must not panic on double-close

	select {
	case <-h.SourceLost():
	default:
		t.Fatal("expected SourceLost channel to be closed")
	}
}

func TestIdleMonitorTransitionsOnce(t *testing.T) {
	var m IdleMonitor
	now := time.Unix(0, 0)
	m.NoteFrame(now)

	var transitions int
	for i := 0; i < idleThreshold+5; i++ {
		if m.NoteTick() {
			transitions++
		}
	}
	if transitions != 1 {
		t.Fatalf("expected exactly one idle transition, got %d", transitions)
	}
	if !m.Idle() {
		t.Fatal("expected monitor to report idle")
	}

	m.NoteFrame(now)
	if m.Idle() {
		t.Fatal("expected monitor to clear idle after a new frame")
	}
}
