// Package browserpeer implements the Browser Peer sink: a single
// concurrent WebRTC session streaming H.264/Opus to one signaled
// browser, with RTCP PLI/FIR-driven keyframe requests, per spec §4.6.
package browserpeer

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("browserpeer")

// keyframeRateLimit bounds how often a PLI/FIR burst can force a new
// keyframe.
const keyframeRateLimit = 500 * time.Millisecond

// iceGatherTimeout bounds how long CreateOffer waits for ICE gathering
// before returning the offer with the candidates found so far. It is a
// variable so tests can shorten it.
var iceGatherTimeout = 8 * time.Second

// ErrSessionBusy is returned by CreateOffer while a session is active or
// awaiting its answer, and by AcceptAnswer once the pending offer has
// already been answered; spec §4.6 allows only one concurrent session.
var ErrSessionBusy = errors.New("browserpeer: a session is already active")

// KeyframeRequester is implemented by the video encoder so the RTCP
// PLI/FIR drain loop can force an IDR without importing videoenc.
type KeyframeRequester interface {
	ForceKeyframe()
}

// Sink streams encoded video/audio packets to a single browser peer over
// WebRTC. Implements fanout.Subscriber.
type Sink struct {
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	negotiated bool // SetRemoteDescription(answer) has completed
	active     bool
	encoder    KeyframeRequester
	lastKF     time.Time
}

func New() *Sink {
	return &Sink{}
}

// CreateOffer builds a new PeerConnection and returns the SDP offer the
// browser must answer, per spec §4.6/§6's `GET /offer`. Returns
// ErrSessionBusy if a session is already active or awaiting its answer.
func (s *Sink) CreateOffer(iceServers []webrtc.ICEServer, encoder KeyframeRequester) (offer string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc != nil {
		return "", ErrSessionBusy
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}
	const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		log.Warn("failed to register playout-delay extension", "error", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   uint32(pipeline.VideoTimeBase),
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f",
		},
		"video", "nitrogen",
	)
	if err != nil {
		pc.Close()
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "nitrogen",
	)
	if err != nil {
		pc.Close()
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}

	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}

	s.pc = pc
	s.videoTrack = videoTrack
	s.audioTrack = audioTrack
	s.encoder = encoder

	go s.drainRTCP(videoSender)

	offerDesc, err := pc.CreateOffer(nil)
	if err != nil {
		s.stopLocked()
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offerDesc); err != nil {
		s.stopLocked()
		return "", nerrors.Wrap(nerrors.KindSignalingError, err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		log.Warn("ICE gathering timed out, offering with partial candidates")
	}

	return pc.LocalDescription().SDP, nil
}

// AcceptAnswer consumes the browser's SDP answer to the offer most
// recently returned by CreateOffer, per spec §4.6/§6's `POST /answer`,
// and marks the session active. Returns an error if no offer is
// currently pending.
func (s *Sink) AcceptAnswer(answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pc == nil {
		return nerrors.New(nerrors.KindSignalingError)
	}
	if s.negotiated {
		return ErrSessionBusy
	}

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		s.stopLocked()
		return nerrors.Wrap(nerrors.KindSignalingError, err)
	}

	s.negotiated = true
	s.active = true
	return nil
}

// drainRTCP consumes RTCP feedback on the video sender and forces a
// keyframe on PLI/FIR, rate-limited to keyframeRateLimit.
func (s *Sink) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.mu.Lock()
				if time.Since(s.lastKF) >= keyframeRateLimit {
					s.lastKF = time.Now()
					enc := s.encoder
					s.mu.Unlock()
					if enc != nil {
						enc.ForceKeyframe()
					}
				} else {
					s.mu.Unlock()
				}
			}
		}
	}
}

// OnPacket implements fanout.Subscriber, writing encoded samples to the
// matching WebRTC track.
func (s *Sink) OnPacket(pkt pipeline.Packet) {
	s.mu.Lock()
	active := s.active
	videoTrack := s.videoTrack
	audioTrack := s.audioTrack
	s.mu.Unlock()

	if !active {
		return
	}

	duration := time.Duration(pkt.Duration) * time.Second / time.Duration(pkt.TimeBaseDen)
	sample := media.Sample{Data: pkt.Payload, Duration: duration}

	var track *webrtc.TrackLocalStaticSample
	if pkt.Kind == pipeline.MediaVideo {
		track = videoTrack
	} else {
		track = audioTrack
	}
	if track == nil {
		return
	}
	if err := track.WriteSample(sample); err != nil {
		log.Debug("write sample failed", "error", err)
	}
}

// Stop tears down the active session, if any.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Sink) stopLocked() error {
	if s.pc == nil {
		return nil
	}
	s.active = false
	s.negotiated = false
	err := s.pc.Close()
	s.pc = nil
	return err
}

// Active reports whether a session is currently streaming or awaiting
// its answer; a second GET /offer while either is true gets ErrSessionBusy.
func (s *Sink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc != nil
}
