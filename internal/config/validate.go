package config

import (
	"fmt"
	"strings"
)

// ValidationResult separates fatal errors (block startup) from warnings
// (startup continues with the value clamped in place; Load does not
// report or log them).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation error was recorded.
func (r *ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validCodecs = map[string]bool{"h264": true, "hevc": true, "av1": true}
var validAudioCodecs = map[string]bool{"aac": true, "opus": true}
var validQualityPresets = map[string]bool{"fast": true, "medium": true, "slow": true, "quality": true}
var validFrameGen = map[string]bool{"off": true, "2x": true, "3x": true, "4x": true, "adaptive": true}
var validTonemapModes = map[string]bool{"off": true, "on": true, "auto": true}
var validTonemapAlgos = map[string]bool{"reinhard": true, "aces": true, "hable": true}
var validAudioSources = map[string]bool{"none": true, "desktop": true, "mic": true, "both": true}

// ValidateTiered checks the config and returns fatal vs. warning errors.
// Dangerous out-of-range values are clamped in place so the caller can
// proceed with a safe configuration even after a warning.
func (c *Config) ValidateTiered() *ValidationResult {
	r := &ValidationResult{}

	if c.Defaults.Codec != "" && !validCodecs[strings.ToLower(c.Defaults.Codec)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("defaults.codec %q is not one of h264, hevc, av1", c.Defaults.Codec))
	}
	if c.Audio.Codec != "" && !validAudioCodecs[strings.ToLower(c.Audio.Codec)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("audio.codec %q is not one of aac, opus", c.Audio.Codec))
	}
	if c.Audio.Source != "" && !validAudioSources[strings.ToLower(c.Audio.Source)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("audio.source %q is not one of none, desktop, mic, both", c.Audio.Source))
	}
	if c.Encoder.Quality != "" && !validQualityPresets[strings.ToLower(c.Encoder.Quality)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("encoder.quality %q is not one of fast, medium, slow, quality", c.Encoder.Quality))
	}
	if c.Defaults.FrameGen != "" && !validFrameGen[strings.ToLower(c.Defaults.FrameGen)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("defaults.frame_gen %q is not one of off, 2x, 3x, 4x, adaptive", c.Defaults.FrameGen))
	}
	if c.HDR.Tonemap != "" && !validTonemapModes[strings.ToLower(c.HDR.Tonemap)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("hdr.tonemap %q is not one of off, on, auto", c.HDR.Tonemap))
	}
	if c.HDR.Algorithm != "" && !validTonemapAlgos[strings.ToLower(c.HDR.Algorithm)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("hdr.algorithm %q is not one of reinhard, aces, hable", c.HDR.Algorithm))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error), defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	if c.Defaults.BitrateKbps <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("defaults.bitrate %d is non-positive, clamping to 8000", c.Defaults.BitrateKbps))
		c.Defaults.BitrateKbps = 8000
	} else if c.Defaults.BitrateKbps > 100_000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("defaults.bitrate %d exceeds 100000 kbps, clamping", c.Defaults.BitrateKbps))
		c.Defaults.BitrateKbps = 100_000
	}

	if c.Audio.DesktopVolume < 0 || c.Audio.DesktopVolume > 2.0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("audio.desktop_volume %v out of [0.0, 2.0], clamping", c.Audio.DesktopVolume))
		c.Audio.DesktopVolume = clampFloat(c.Audio.DesktopVolume, 0, 2.0)
	}
	if c.Audio.MicVolume < 0 || c.Audio.MicVolume > 2.0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("audio.mic_volume %v out of [0.0, 2.0], clamping", c.Audio.MicVolume))
		c.Audio.MicVolume = clampFloat(c.Audio.MicVolume, 0, 2.0)
	}

	if c.Performance.MaxQueueVideo < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("performance.max_queue_video %d below minimum 1, clamping", c.Performance.MaxQueueVideo))
		c.Performance.MaxQueueVideo = 3
	}
	if c.Performance.MaxQueueAudio < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("performance.max_queue_audio %d below minimum 1, clamping", c.Performance.MaxQueueAudio))
		c.Performance.MaxQueueAudio = 4
	}

	if c.WebRTC.Enabled && (c.WebRTC.Port <= 0 || c.WebRTC.Port > 65535) {
		r.Warnings = append(r.Warnings, fmt.Errorf("webrtc.port %d out of range, defaulting to 9000", c.WebRTC.Port))
		c.WebRTC.Port = 9000
	}

	return r
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
