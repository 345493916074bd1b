package controller

import (
	"sort"
	"sync"
	"time"
)

// latencyWindow is the sliding window spec §4.7 names for the encode
// latency p50/p95 in the status snapshot.
const latencyWindow = 5 * time.Second

// Metrics tracks the running session's observable performance counters,
// generalizing stream_metrics.go's counter/snapshot split to cover every
// pipeline stage's drop counts instead of one WebRTC session's.
type Metrics struct {
	mu sync.Mutex

	startTime time.Time

	framesCaptured uint64
	framesEncoded  uint64
	framesDropped  map[string]uint64 // per-stage drop counters

	encodeSamples []latencySample
	bytesSent     uint64
	bytesWindowStart time.Time

	currentFPS float64
	targetFPS  float64

	sinkErrors map[string]string
}

type latencySample struct {
	at time.Time
	ms float64
}

func newMetrics(targetFPS float64) *Metrics {
	return &Metrics{
		startTime:        time.Now(),
		framesDropped:    make(map[string]uint64),
		sinkErrors:       make(map[string]string),
		targetFPS:        targetFPS,
		bytesWindowStart: time.Now(),
	}
}

func (m *Metrics) RecordCapture() {
	m.mu.Lock()
	m.framesCaptured++
	m.mu.Unlock()
}

func (m *Metrics) RecordDrop(stage string, n uint64) {
	m.mu.Lock()
	m.framesDropped[stage] += n
	m.mu.Unlock()
}

func (m *Metrics) RecordEncode(latency time.Duration, packetBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.framesEncoded++
	m.bytesSent += uint64(packetBytes)
	m.encodeSamples = append(m.encodeSamples, latencySample{at: now, ms: float64(latency.Microseconds()) / 1000.0})

	cutoff := now.Add(-latencyWindow)
	kept := m.encodeSamples[:0]
	for _, s := range m.encodeSamples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.encodeSamples = kept
}

func (m *Metrics) SetCurrentFPS(fps float64) {
	m.mu.Lock()
	m.currentFPS = fps
	m.mu.Unlock()
}

func (m *Metrics) SetSinkError(sink string, errMsg string) {
	m.mu.Lock()
	if errMsg == "" {
		delete(m.sinkErrors, sink)
	} else {
		m.sinkErrors[sink] = errMsg
	}
	m.mu.Unlock()
}

// StatusSnapshot is the atomic, observable status the Controller publishes
// over IPC and the signaling status endpoint, per spec §4.7/§8.
type StatusSnapshot struct {
	State              string
	DropCounters       map[string]uint64
	CurrentFPS         float64
	TargetFPS          float64
	EncodeLatencyP50Ms float64
	EncodeLatencyP95Ms float64
	BitrateKbps        float64
	SinkErrors         map[string]string
	Uptime             time.Duration
}

func (m *Metrics) snapshot(state string) StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	drops := make(map[string]uint64, len(m.framesDropped))
	for k, v := range m.framesDropped {
		drops[k] = v
	}
	errs := make(map[string]string, len(m.sinkErrors))
	for k, v := range m.sinkErrors {
		errs[k] = v
	}

	p50, p95 := percentiles(m.encodeSamples)

	uptime := time.Since(m.startTime)
	bitrate := float64(0)
	if uptime.Seconds() > 0 {
		bitrate = float64(m.bytesSent) * 8.0 / 1000.0 / uptime.Seconds()
	}

	return StatusSnapshot{
		State:              state,
		DropCounters:       drops,
		CurrentFPS:         m.currentFPS,
		TargetFPS:          m.targetFPS,
		EncodeLatencyP50Ms: p50,
		EncodeLatencyP95Ms: p95,
		BitrateKbps:        bitrate,
		SinkErrors:         errs,
		Uptime:             uptime,
	}
}

func percentiles(samples []latencySample) (p50, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	ms := make([]float64, len(samples))
	for i, s := range samples {
		ms[i] = s.ms
	}
	sort.Float64s(ms)
	p50 = ms[(len(ms)-1)*50/100]
	p95 = ms[(len(ms)-1)*95/100]
	return p50, p95
}
