// Package recorder implements the File Recorder sink: muxing encoded
// video/audio packets into an MP4 or MKV container via libavformat, with
// a bounded reorder window for out-of-order audio/video delivery, per
// spec §4.6.
package recorder

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("recorder")

// reorderWindow bounds how long a packet can wait for an earlier-PTS
// packet on the other stream to arrive before it is written out of
// order, per spec §4.6's 500ms ceiling.
const reorderWindow = 500 * time.Millisecond

// Container selects the output muxer format.
type Container string

const (
	ContainerMP4 Container = "mp4"
	ContainerMKV Container = "mkv"
)

// Config configures the file recorder.
type Config struct {
	Path          string
	Container     Container
	VideoCodecID  astiav.CodecID
	AudioCodecID  astiav.CodecID
	Width, Height int
	FPS           int
	SampleRate    int
	Channels      int
}

type pendingPacket struct {
	pkt      pipeline.Packet
	streamIx int
	arrived  time.Time
}

// Sink muxes fanned-out packets into a single output file.
type Sink struct {
	mu      sync.Mutex
	cfg     Config
	fmtCtx  *astiav.FormatContext
	ioCtx   *astiav.IOContext
	vStream *astiav.Stream
	aStream *astiav.Stream
	started bool

	pending []pendingPacket

	// writeFn defaults to s.writePacket; tests substitute a probe to
	// exercise flushReady's ordering policy without linking libavformat.
	writeFn func(pendingPacket)
}

func New(cfg Config) *Sink {
	s := &Sink{cfg: cfg}
	s.writeFn = s.writePacket
	return s
}

// Start opens the output file and writes the container header.
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmtName := string(s.cfg.Container)
	fc, err := astiav.AllocOutputFormatContext(nil, fmtName, s.cfg.Path)
	if err != nil || fc == nil {
		return nerrors.WrapFile(s.cfg.Path, fmt.Errorf("alloc output format context: %w", err))
	}

	ioCtx, err := astiav.OpenIOContext(s.cfg.Path, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
	if err != nil {
		fc.Free()
		return nerrors.WrapFile(s.cfg.Path, err)
	}
	fc.SetPb(ioCtx)

	vCodec := astiav.FindEncoder(s.cfg.VideoCodecID)
	vStream := fc.NewStream(vCodec)
	if vStream == nil {
		ioCtx.Close()
		fc.Free()
		return nerrors.WrapFile(s.cfg.Path, fmt.Errorf("new video stream failed"))
	}
	vStream.SetTimeBase(astiav.NewRational(1, pipeline.VideoTimeBase))
	vStream.CodecParameters().SetWidth(s.cfg.Width)
	vStream.CodecParameters().SetHeight(s.cfg.Height)
	vStream.CodecParameters().SetCodecID(s.cfg.VideoCodecID)
	vStream.CodecParameters().SetMediaType(astiav.MediaTypeVideo)

	var aStream *astiav.Stream
	if s.cfg.AudioCodecID != 0 {
		aCodec := astiav.FindEncoder(s.cfg.AudioCodecID)
		aStream = fc.NewStream(aCodec)
		if aStream != nil {
			aStream.SetTimeBase(astiav.NewRational(1, s.cfg.SampleRate))
			aStream.CodecParameters().SetCodecID(s.cfg.AudioCodecID)
			aStream.CodecParameters().SetMediaType(astiav.MediaTypeAudio)
			aStream.CodecParameters().SetSampleRate(s.cfg.SampleRate)
			aStream.CodecParameters().SetChannelLayout(astiav.ChannelLayoutDefault(s.cfg.Channels))
		}
	}

	if err := fc.WriteHeader(nil); err != nil {
		ioCtx.Close()
		fc.Free()
		return nerrors.WrapFile(s.cfg.Path, fmt.Errorf("write header: %w", err))
	}

	s.fmtCtx = fc
	s.ioCtx = ioCtx
	s.vStream = vStream
	s.aStream = aStream
	s.started = true
	log.Info("recording started", "path", s.cfg.Path, "container", s.cfg.Container)
	return nil
}

// OnPacket implements fanout.Subscriber. Packets are held for up to
// reorderWindow to let the other stream's earlier-PTS packet catch up,
// then written in PTS order.
func (s *Sink) OnPacket(pkt pipeline.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}

	streamIx := 0
	if pkt.Kind == pipeline.MediaAudio && s.aStream != nil {
		streamIx = s.aStream.Index()
	} else if s.vStream != nil {
		streamIx = s.vStream.Index()
	}

	s.pending = append(s.pending, pendingPacket{pkt: pkt, streamIx: streamIx, arrived: time.Now()})
	s.flushReady()
}

// flushReady writes pending packets in PTS order, but only once the
// globally-smallest-PTS packet has itself waited out reorderWindow: that
// packet is held rather than written immediately, since a cross-stream
// sibling with an even-lower PTS may still arrive within the window.
// Once the head clears the window it is written and the new head (now
// the next-smallest PTS) is checked the same way, so a burst of already-
// expired packets flushes in one pass.
func (s *Sink) flushReady() {
	if len(s.pending) == 0 {
		return
	}
	sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].pkt.PTS < s.pending[j].pkt.PTS })

	now := time.Now()
	cut := 0
	for cut < len(s.pending) && now.Sub(s.pending[cut].arrived) >= reorderWindow {
		s.writeFn(s.pending[cut])
		cut++
	}
	s.pending = s.pending[cut:]
}

func (s *Sink) writePacket(p pendingPacket) {
	pkt := astiav.AllocPacket()
	defer pkt.Free()

	pkt.SetStreamIndex(p.streamIx)
	pkt.SetPts(p.pkt.PTS)
	pkt.SetDts(p.pkt.PTS)
	pkt.SetDuration(p.pkt.Duration)
	if p.pkt.Keyframe {
		pkt.SetFlags(pkt.Flags() | astiav.PacketFlagKey)
	}
	if err := pkt.FromData(p.pkt.Payload); err != nil {
		log.Warn("failed to stage packet data", "error", err)
		return
	}

	if err := s.fmtCtx.WriteInterleavedFrame(pkt); err != nil {
		log.Warn("write interleaved frame failed", "error", err)
	}
}

// Stop flushes any pending packets, writes the trailer, and closes the file.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	for _, p := range s.pending {
		s.writeFn(p)
	}
	s.pending = nil

	var err error
	if werr := s.fmtCtx.WriteTrailer(); werr != nil {
		err = nerrors.WrapFile(s.cfg.Path, werr)
	}
	s.ioCtx.Close()
	s.fmtCtx.Free()
	s.started = false
	log.Info("recording stopped", "path", s.cfg.Path)
	return err
}
