// Package capture implements the Capture Source: negotiating a screencast
// session with the compositor portal and delivering frames and audio onto
// bounded pipeline channels, per spec §4.1.
package capture

import (
	"context"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("capture")

// defaultVideoQueueDepth and defaultAudioQueueDepth are the bounded
// channel capacities spec §4.1 names (3 video, ~4 audio).
const (
	defaultVideoQueueDepth = 3
	defaultAudioQueueDepth = 4
)

// SourceKind distinguishes what a source descriptor names.
type SourceKind int

const (
	SourceMonitor SourceKind = iota
	SourceWindow
	SourcePortalPrompt // ask the portal to show its own picker
)

// SourceDescriptor names what to capture, per spec §3's capture
// configuration.
type SourceDescriptor struct {
	Kind      SourceKind
	MonitorID string
	WindowID  string
}

// AudioSource selects what audio, if any, accompanies the video capture.
type AudioSource int

const (
	AudioNone AudioSource = iota
	AudioDesktop
	AudioMic
	AudioBoth
)

// Config configures a capture session, per spec §3.
type Config struct {
	Source          SourceDescriptor
	TargetWidth     int
	TargetHeight    int
	TargetFPS       int
	AudioSource     AudioSource
	VideoQueueDepth int
	AudioQueueDepth int
}

// DefaultConfig returns sane defaults for Config.
func DefaultConfig() Config {
	return Config{
		TargetFPS:       60,
		AudioSource:     AudioNone,
		VideoQueueDepth: defaultVideoQueueDepth,
		AudioQueueDepth: defaultAudioQueueDepth,
	}
}

// SourceInfo describes one capture-able source for list-sources/info.
type SourceInfo struct {
	Descriptor SourceDescriptor
	Name       string
	Width      int
	Height     int
	HDRCapable bool
}

// Stats tracks this source's drop counters, exposed via the status
// snapshot.
type Stats struct {
	VideoFramesDropped uint64
	AudioBuffersDropped uint64
}

// PortalNegotiator abstracts the xdg-desktop-portal ScreenCast/
// RemoteDesktop handshake. Its default implementation speaks D-Bus (see
// portal_linux.go); tests substitute a fake.
type PortalNegotiator interface {
	// Negotiate opens a screencast session for descriptor and returns a
	// PipeWire node id plus the negotiated stream size, or a *nerrors.Error
	// of kind PortalDenied, PortalUnavailable, or NoSuchSource.
	Negotiate(ctx context.Context, desc SourceDescriptor, withAudio bool) (nodeID uint32, width, height int, err error)
	// Close releases the portal session. Idempotent.
	Close() error
}

// StreamHandle is returned by Open and used to poll/close a capture
// session.
type StreamHandle struct {
	cfg       Config
	negotiator PortalNegotiator
	nodeID    uint32
	width     int
	height    int

	video chan pipeline.Frame
	audio chan pipeline.AudioFrame

	stats Stats

	closeOnce bool
	sourceLost chan struct{}
}

// Open negotiates a screencast session with the compositor portal and
// returns a handle ready for Poll. withAudio is derived from
// cfg.AudioSource != AudioNone.
func Open(ctx context.Context, cfg Config, negotiator PortalNegotiator) (*StreamHandle, error) {
	withAudio := cfg.AudioSource != AudioNone

	nodeID, w, h, err := negotiator.Negotiate(ctx, cfg.Source, withAudio)
	if err != nil {
		return nil, err
	}

	if cfg.VideoQueueDepth <= 0 {
		cfg.VideoQueueDepth = defaultVideoQueueDepth
	}
	if cfg.AudioQueueDepth <= 0 {
		cfg.AudioQueueDepth = defaultAudioQueueDepth
	}

	h2 := &StreamHandle{
		cfg:        cfg,
		negotiator: negotiator,
		nodeID:     nodeID,
		width:      w,
		height:     h,
		video:      make(chan pipeline.Frame, cfg.VideoQueueDepth),
		audio:      make(chan pipeline.AudioFrame, cfg.AudioQueueDepth),
		sourceLost: make(chan struct{}),
	}

	log.Info("capture source opened", "nodeId", nodeID, "width", w, "height", h, "audio", withAudio)
	return h2, nil
}

// VideoChan returns the bounded video frame channel. Producers (the
// PipeWire stream reader) drop-oldest on a full channel; see PushVideo.
func (h *StreamHandle) VideoChan() <-chan pipeline.Frame { return h.video }

// AudioChan returns the bounded audio buffer channel.
func (h *StreamHandle) AudioChan() <-chan pipeline.AudioFrame { return h.audio }

// SourceLost fires when the portal revokes permission mid-session.
func (h *StreamHandle) SourceLost() <-chan struct{} { return h.sourceLost }

// Stats returns a copy of the current drop counters.
func (h *StreamHandle) Stats() Stats { return h.stats }

// PushVideo is called by the PipeWire stream callback with a freshly
// captured frame. It never blocks: on a full channel it drops the oldest
// queued frame and counts the drop, per spec §4.1.
func (h *StreamHandle) PushVideo(f pipeline.Frame) {
	select {
	case h.video <- f:
		return
	default:
	}

	select {
	case old := <-h.video:
		old.ReleaseIfHandle()
		h.stats.VideoFramesDropped++
	default:
	}

	select {
	case h.video <- f:
	default:
		f.ReleaseIfHandle()
		h.stats.VideoFramesDropped++
	}
}

// PushAudio is called by the audio callback with a freshly captured PCM
// buffer, with the same drop-oldest-on-full policy as PushVideo.
func (h *StreamHandle) PushAudio(a pipeline.AudioFrame) {
	select {
	case h.audio <- a:
		return
	default:
	}

	select {
	case <-h.audio:
		h.stats.AudioBuffersDropped++
	default:
	}

	select {
	case h.audio <- a:
	default:
		h.stats.AudioBuffersDropped++
	}
}

// NotifySourceLost is called by the stream reader when the portal
// revokes permission mid-session (spec §4.1's terminal SourceLost event).
func (h *StreamHandle) NotifySourceLost() {
	select {
	case <-h.sourceLost:
	default:
		close(h.sourceLost)
		log.Warn("capture source lost", "nodeId", h.nodeID)
	}
}

// Close releases the portal session. Idempotent.
func (h *StreamHandle) Close() error {
	if h.closeOnce {
		return nil
	}
	h.closeOnce = true
	return h.negotiator.Close()
}

// Width and Height report the negotiated stream dimensions.
func (h *StreamHandle) Width() int  { return h.width }
func (h *StreamHandle) Height() int { return h.height }

// ProbeCapabilities reports host/portal/GPU capture capabilities for the
// `nitrogen info` subcommand.
func ProbeCapabilities() (portalAvailable bool, sources []SourceInfo, err error) {
	portalAvailable, perr := probePortalAvailable()
	if perr != nil {
		return false, nil, nerrors.Wrap(nerrors.KindPortalUnavailable, perr)
	}
	if !portalAvailable {
		return false, nil, nil
	}
	return true, probeKnownMonitors(), nil
}
