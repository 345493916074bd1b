package browserpeer

import (
	"testing"

	"github.com/pion/webrtc/v3"
)

func TestStopOnInactiveSinkIsNoop(t *testing.T) {
	s := New()
	if s.Active() {
		t.Fatal("expected new sink to be inactive")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("expected Stop on inactive sink to be a no-op, got %v", err)
	}
}

func TestCreateOfferRejectsSecondConcurrentSession(t *testing.T) {
	s := New()
	s.mu.Lock()
	s.pc = &webrtc.PeerConnection{} // a session already holds the peer connection
	s.active = true
	s.mu.Unlock()

	_, err := s.CreateOffer(nil, nil)
	if err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
}
