package netstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

func TestOnPacketDropsWhileDisconnected(t *testing.T) {
	s := New(Config{URL: "rtmp://example.invalid/live/key"})
	// never connected: dial/writeFn untouched, s.connected defaults false
	s.OnPacket(pipeline.Packet{PTS: 1})

	stats := s.Stats()
	if stats.PacketsDropped != 1 {
		t.Fatalf("expected 1 dropped packet, got %d", stats.PacketsDropped)
	}
	if stats.PacketsSent != 0 {
		t.Fatalf("expected 0 sent packets, got %d", stats.PacketsSent)
	}
}

func TestOnPacketSendsWhenConnected(t *testing.T) {
	s := New(Config{URL: "rtmp://example.invalid/live/key"})
	var mu sync.Mutex
	var sent []int64
	s.writeFn = func(p pipeline.Packet) error {
		mu.Lock()
		sent = append(sent, p.PTS)
		mu.Unlock()
		return nil
	}
	s.connected = true

	s.OnPacket(pipeline.Packet{PTS: 42})

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for packet to be written")
		default:
		}
	}

	stats := s.Stats()
	if stats.PacketsSent != 1 {
		t.Fatalf("expected 1 sent packet, got %d", stats.PacketsSent)
	}
}

func TestOnPacketFailureTriggersReconnectLoop(t *testing.T) {
	s := New(Config{URL: "rtmp://example.invalid/live/key"})
	s.sleepFn = func(time.Duration) {} // no real backoff delay in the test
	s.connected = true
	s.writeFn = func(pipeline.Packet) error { return errors.New("connection reset") }

	var dialCalls int
	var mu sync.Mutex
	s.dial = func(Config) (*astiav.FormatContext, *astiav.IOContext, *astiav.Stream, *astiav.Stream, error) {
		mu.Lock()
		dialCalls++
		mu.Unlock()
		return nil, nil, nil, nil, errors.New("refused")
	}

	s.OnPacket(pipeline.Packet{PTS: 1})

	// the write failure marks the sink disconnected and kicks off
	// reconnectLoop in the background; give it a moment to attempt a dial.
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := dialCalls
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconnect attempt")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(s.stopCh)

	if s.Stats().PacketsDropped != 1 {
		t.Fatalf("expected the failed write counted as a drop, got %+v", s.Stats())
	}
}

func TestReconnectLoopStopsImmediatelyWhenStopChClosed(t *testing.T) {
	s := New(Config{URL: "rtmp://example.invalid/live/key"})
	s.sleepFn = func(time.Duration) {}

	var dialCalls int
	s.dial = func(Config) (*astiav.FormatContext, *astiav.IOContext, *astiav.Stream, *astiav.Stream, error) {
		dialCalls++
		return nil, nil, nil, nil, errors.New("refused")
	}

	close(s.stopCh)
	s.reconnectLoop()

	if dialCalls != 0 {
		t.Fatalf("expected reconnectLoop to exit before dialing once stopCh is closed, got %d dial calls", dialCalls)
	}
}
