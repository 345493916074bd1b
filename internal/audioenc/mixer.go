package audioenc

import "math"

// duckingAttenuationDB, duckingRMSWindowMs and duckingReleaseMs implement
// spec §4.4's mic-priority ducking: when mic RMS crosses the active
// threshold, the desktop source's gain is attenuated by
// duckingAttenuationDB, ramping back up over duckingReleaseMs once the
// mic goes quiet. Mic activity is judged from the RMS of each mic buffer
// passed to Mix; duckingRMSWindowMs is not used by that measurement.
const (
	duckingAttenuationDB = 12.0
	duckingRMSWindowMs   = 50
	duckingReleaseMs     = 200
	duckingActiveRMS     = 0.02
)

type sourceBuffer struct {
	samples []float32
	isMic   bool
	gain    float64
}

// Mixer accumulates per-source float32 PCM into a shared ring and applies
// mic-priority ducking to non-mic sources while mixing them down.
type Mixer struct {
	channels int
	sources  map[string]*sourceBuffer
	mixed    []float32

	micActive      bool
	duckGain       float64 // current applied attenuation multiplier, 1.0 = no duck
	samplesInRelease int
}

func NewMixer(channels int) *Mixer {
	return &Mixer{
		channels: channels,
		sources:  make(map[string]*sourceBuffer),
		duckGain: 1.0,
	}
}

// Mix accumulates one source's samples, applying ducking to desktop
// sources whenever mic activity was detected in this or a recent call.
func (m *Mixer) Mix(sourceID string, samples []float32, gain float64, isMic bool) {
	sb, ok := m.sources[sourceID]
	if !ok {
		sb = &sourceBuffer{isMic: isMic, gain: gain}
		m.sources[sourceID] = sb
	}
	sb.gain = gain

	if isMic {
		rms := rmsOf(samples)
		m.micActive = rms >= duckingActiveRMS
	}

	effectiveGain := gain
	if !isMic {
		effectiveGain *= m.currentDuckMultiplier()
	}

	for i, s := range samples {
		idx := len(m.mixed) - len(samples) + i
		if idx < 0 || idx >= len(m.mixed) {
			m.mixed = append(m.mixed, 0)
			idx = len(m.mixed) - 1
		}
		m.mixed[idx] += s * float32(effectiveGain)
	}
}

// currentDuckMultiplier drops straight to the ducked gain when the mic
// becomes active, and on release steps back toward 1.0 each call, so a
// source that calls Mix every ~10ms ramps smoothly across duckingReleaseMs
// rather than snapping instantly.
func (m *Mixer) currentDuckMultiplier() float64 {
	target := 1.0
	if m.micActive {
		target = dbToLinear(-duckingAttenuationDB)
	}

	const stepMs = 10.0
	steps := duckingReleaseMs / stepMs
	step := (1.0 - dbToLinear(-duckingAttenuationDB)) / steps

	if m.duckGain > target {
		m.duckGain = target // ducking in engages immediately, only release ramps
	} else if m.duckGain < target {
		m.duckGain += step
		if m.duckGain > target {
			m.duckGain = target
		}
	}
	return m.duckGain
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20.0)
}

func rmsOf(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// HasFullChunk reports whether enough mixed samples have accumulated to
// emit one encoder chunk.
func (m *Mixer) HasFullChunk(chunkLen int) bool {
	return len(m.mixed) >= chunkLen
}

// TakeChunk removes and returns the oldest chunkLen mixed samples,
// applying a TPDF dither before truncation to the encoder's expected
// precision, per the resolved resampler/dithering Open Question.
func (m *Mixer) TakeChunk(chunkLen int) []float32 {
	out := make([]float32, chunkLen)
	copy(out, m.mixed[:chunkLen])
	m.mixed = m.mixed[chunkLen:]
	applyTPDFDither(out)
	return out
}
