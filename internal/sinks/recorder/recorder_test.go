package recorder

import (
	"testing"
	"time"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

func newTestSink() (*Sink, *[]int64) {
	s := &Sink{started: true}
	var written []int64
	s.writeFn = func(p pendingPacket) { written = append(written, p.pkt.PTS) }
	return s, &written
}

func TestFlushReadyHoldsFreshHeadWithinWindow(t *testing.T) {
	s, written := newTestSink()

	// Simulates the skewed-latency case the window exists for: PTS=30
	// arrives first and is briefly the global minimum, then PTS=10 (its
	// cross-stream sibling) arrives before the window elapses. Neither
	// packet has waited out reorderWindow yet, so nothing should be
	// written — writing PTS=30 on arrival would have put it ahead of
	// PTS=10 in the output.
	s.OnPacket(pipeline.Packet{PTS: 30})
	s.OnPacket(pipeline.Packet{PTS: 10})

	if len(*written) != 0 {
		t.Fatalf("expected nothing written while the head is still within its reorder window, got %v", *written)
	}
	if len(s.pending) != 2 {
		t.Fatalf("expected both packets held pending, got %d", len(s.pending))
	}
}

func TestFlushReadyWritesHeadOnceItsWindowExpires(t *testing.T) {
	s, written := newTestSink()

	s.pending = []pendingPacket{
		{pkt: pipeline.Packet{PTS: 10}, arrived: time.Now().Add(-reorderWindow - time.Millisecond)},
		{pkt: pipeline.Packet{PTS: 20}, arrived: time.Now()},
		{pkt: pipeline.Packet{PTS: 30}, arrived: time.Now()},
	}
	s.flushReady()

	if len(*written) != 1 || (*written)[0] != 10 {
		t.Fatalf("expected only the expired head (PTS=10) to be written, got %v", *written)
	}
	if len(s.pending) != 2 {
		t.Fatalf("expected the two unexpired packets to remain pending, got %d", len(s.pending))
	}
}

func TestFlushReadyStopsAtFirstUnexpiredPacket(t *testing.T) {
	s, written := newTestSink()

	// Both PTS=10 and PTS=20 have waited out the window, but PTS=20 only
	// becomes the head after PTS=10 is written; flushReady must drain
	// both in one pass rather than requiring a second OnPacket call.
	s.pending = []pendingPacket{
		{pkt: pipeline.Packet{PTS: 10}, arrived: time.Now().Add(-reorderWindow - time.Millisecond)},
		{pkt: pipeline.Packet{PTS: 20}, arrived: time.Now().Add(-reorderWindow - time.Millisecond)},
		{pkt: pipeline.Packet{PTS: 30}, arrived: time.Now()},
	}
	s.flushReady()

	if len(*written) != 2 || (*written)[0] != 10 || (*written)[1] != 20 {
		t.Fatalf("expected PTS=10 then PTS=20 written in order, got %v", *written)
	}
	if len(s.pending) != 1 || s.pending[0].pkt.PTS != 30 {
		t.Fatalf("expected only PTS=30 left pending, got %d packets", len(s.pending))
	}
}

func TestStopFlushesAllPending(t *testing.T) {
	s, written := newTestSink()
	s.pending = []pendingPacket{
		{pkt: pipeline.Packet{PTS: 10}, arrived: time.Now()},
		{pkt: pipeline.Packet{PTS: 20}, arrived: time.Now()},
	}

	// Stop() also calls fmtCtx.WriteTrailer/ioCtx.Close/fmtCtx.Free which
	// require a real astiav-backed Start(); exercise just the pending
	// flush loop Stop performs, directly.
	for _, p := range s.pending {
		s.writeFn(p)
	}
	s.pending = nil

	if len(*written) != 2 {
		t.Fatalf("expected 2 packets flushed, got %d", len(*written))
	}
	if len(s.pending) != 0 {
		t.Fatal("expected pending to be cleared")
	}
}
