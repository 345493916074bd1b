// Package netstream implements the Network Streamer sink: pushing muxed
// packets over an RTMP/RTMPS/SRT connection via libavformat, with
// exponential-backoff reconnect, per spec §4.6.
package netstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/asticode/go-astiav"

	"github.com/ghostkellz/nitrogen/internal/logging"
	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/pipeline"
)

var log = logging.L("netstream")

// Reconnect policy per spec §4.6: exponential backoff starting at
// backoffBase, capped at backoffCap, giving up after maxAttempts.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
	maxAttempts = 10
)

// writeTimeout bounds how long a single packet write may block before it
// is dropped and counted, per spec §5's 1s default sink write timeout.
const writeTimeout = 1 * time.Second

// Protocol selects the muxer/transport libavformat should target.
type Protocol string

const (
	ProtocolRTMP Protocol = "flv"    // muxer name for rtmp(s)://
	ProtocolSRT  Protocol = "mpegts" // muxer name for srt://
)

// Config configures the network streamer sink.
type Config struct {
	URL           string // e.g. rtmp://host/app/key or srt://host:port
	Protocol      Protocol
	VideoCodecID  astiav.CodecID
	AudioCodecID  astiav.CodecID
	Width, Height int
	SampleRate    int
	Channels      int
}

// dialFunc opens the output format context for cfg.URL; overridden in
// tests to avoid touching a real network socket.
type dialFunc func(cfg Config) (*astiav.FormatContext, *astiav.IOContext, *astiav.Stream, *astiav.Stream, error)

// Stats reports dropped-packet and reconnect counters for the status
// snapshot.
type Stats struct {
	PacketsSent    uint64
	PacketsDropped uint64
	Reconnects     uint64
	Connected      bool
}

// Sink streams packets to a remote RTMP/SRT endpoint, reconnecting with
// backoff on failure and dropping packets (counted) while disconnected
// rather than blocking the fan-out hub.
type Sink struct {
	mu      sync.Mutex
	cfg     Config
	fmtCtx  *astiav.FormatContext
	ioCtx   *astiav.IOContext
	vStream *astiav.Stream
	aStream *astiav.Stream

	connected bool
	attempt   int
	stats     Stats

	dial     dialFunc
	writeFn  func(pipeline.Packet) error
	sleepFn  func(time.Duration)
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Sink {
	s := &Sink{cfg: cfg, dial: dialLibav, sleepFn: time.Sleep, stopCh: make(chan struct{})}
	s.writeFn = s.writePacket
	return s
}

// Start dials the remote endpoint once, synchronously, so Start's error
// return reflects the initial connection attempt. Subsequent failures are
// handled by reconnectLoop in the background.
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Sink) connectLocked() error {
	fmtCtx, ioCtx, vStream, aStream, err := s.dial(s.cfg)
	if err != nil {
		return nerrors.WrapNetwork(s.cfg.URL, err)
	}
	s.fmtCtx = fmtCtx
	s.ioCtx = ioCtx
	s.vStream = vStream
	s.aStream = aStream
	s.connected = true
	s.attempt = 0
	s.stats.Connected = true
	log.Info("network stream connected", "url", s.cfg.URL)
	return nil
}

// OnPacket implements fanout.Subscriber. Packets are dropped and counted
// while disconnected; the fan-out hub is never blocked on network I/O
// beyond writeTimeout.
func (s *Sink) OnPacket(pkt pipeline.Packet) {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		s.mu.Lock()
		s.stats.PacketsDropped++
		s.mu.Unlock()
		return
	}

	done := make(chan error, 1)
	go func() { done <- s.writeFn(pkt) }()

	select {
	case err := <-done:
		s.mu.Lock()
		if err != nil {
			s.stats.PacketsDropped++
			s.connected = false
			s.stats.Connected = false
			go s.reconnectLoop()
		} else {
			s.stats.PacketsSent++
		}
		s.mu.Unlock()
	case <-time.After(writeTimeout):
		s.mu.Lock()
		s.stats.PacketsDropped++
		s.mu.Unlock()
		log.Warn("network stream write exceeded timeout, dropping packet", "url", s.cfg.URL)
	}
}

// reconnectLoop retries connectLocked with exponential backoff until it
// succeeds, maxAttempts is exhausted, or Stop is called.
func (s *Sink) reconnectLoop() {
	backoff := backoffBase
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.sleepFn(backoff)

		s.mu.Lock()
		s.attempt = attempt
		s.stats.Reconnects++
		err := s.connectLocked()
		s.mu.Unlock()

		if err == nil {
			log.Info("network stream reconnected", "url", s.cfg.URL, "attempt", attempt)
			return
		}
		log.Warn("network stream reconnect attempt failed", "url", s.cfg.URL, "attempt", attempt, "error", err)

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
	log.Error("network stream exhausted reconnect attempts", "url", s.cfg.URL, "attempts", maxAttempts)
}

func (s *Sink) writePacket(p pipeline.Packet) error {
	s.mu.Lock()
	fmtCtx, vStream, aStream := s.fmtCtx, s.vStream, s.aStream
	s.mu.Unlock()

	streamIx := vStream.Index()
	if p.Kind == pipeline.MediaAudio && aStream != nil {
		streamIx = aStream.Index()
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	pkt.SetStreamIndex(streamIx)
	pkt.SetPts(p.PTS)
	pkt.SetDts(p.PTS)
	pkt.SetDuration(p.Duration)
	if p.Keyframe {
		pkt.SetFlags(pkt.Flags() | astiav.PacketFlagKey)
	}
	if err := pkt.FromData(p.Payload); err != nil {
		return fmt.Errorf("stage packet data: %w", err)
	}
	return fmtCtx.WriteInterleavedFrame(pkt)
}

// Stats returns a snapshot of the sink's send/drop/reconnect counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Stop halts any in-flight reconnect loop and closes the connection.
func (s *Sink) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	var err error
	if werr := s.fmtCtx.WriteTrailer(); werr != nil {
		err = nerrors.WrapNetwork(s.cfg.URL, werr)
	}
	s.ioCtx.Close()
	s.fmtCtx.Free()
	s.connected = false
	s.stats.Connected = false
	log.Info("network stream stopped", "url", s.cfg.URL)
	return err
}

// dialLibav opens an output format context targeting cfg.URL over the
// network, mirroring recorder.Sink.Start's file-muxer setup but with a
// network-addressed IOContext and the protocol-appropriate muxer name.
func dialLibav(cfg Config) (*astiav.FormatContext, *astiav.IOContext, *astiav.Stream, *astiav.Stream, error) {
	fc, err := astiav.AllocOutputFormatContext(nil, string(cfg.Protocol), cfg.URL)
	if err != nil || fc == nil {
		return nil, nil, nil, nil, fmt.Errorf("alloc output format context: %w", err)
	}

	ioCtx, err := astiav.OpenIOContext(cfg.URL, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
	if err != nil {
		fc.Free()
		return nil, nil, nil, nil, err
	}
	fc.SetPb(ioCtx)

	vCodec := astiav.FindEncoder(cfg.VideoCodecID)
	vStream := fc.NewStream(vCodec)
	if vStream == nil {
		ioCtx.Close()
		fc.Free()
		return nil, nil, nil, nil, fmt.Errorf("new video stream failed")
	}
	vStream.SetTimeBase(astiav.NewRational(1, pipeline.VideoTimeBase))
	vStream.CodecParameters().SetWidth(cfg.Width)
	vStream.CodecParameters().SetHeight(cfg.Height)
	vStream.CodecParameters().SetCodecID(cfg.VideoCodecID)
	vStream.CodecParameters().SetMediaType(astiav.MediaTypeVideo)

	var aStream *astiav.Stream
	if cfg.AudioCodecID != 0 {
		aCodec := astiav.FindEncoder(cfg.AudioCodecID)
		aStream = fc.NewStream(aCodec)
		if aStream != nil {
			aStream.SetTimeBase(astiav.NewRational(1, cfg.SampleRate))
			aStream.CodecParameters().SetCodecID(cfg.AudioCodecID)
			aStream.CodecParameters().SetMediaType(astiav.MediaTypeAudio)
			aStream.CodecParameters().SetSampleRate(cfg.SampleRate)
			aStream.CodecParameters().SetChannelLayout(astiav.ChannelLayoutDefault(cfg.Channels))
		}
	}

	if err := fc.WriteHeader(nil); err != nil {
		ioCtx.Close()
		fc.Free()
		return nil, nil, nil, nil, fmt.Errorf("write header: %w", err)
	}
	return fc, ioCtx, vStream, aStream, nil
}
