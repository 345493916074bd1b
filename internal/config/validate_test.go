package config

import "testing"

func TestValidateTieredInvalidCodecIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Defaults.Codec = "mpeg2"

	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected invalid codec to be fatal")
	}
}

func TestValidateTieredInvalidAudioSourceIsFatal(t *testing.T) {
	cfg := Default()
	cfg.Audio.Source = "system"

	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("expected invalid audio source to be fatal")
	}
}

func TestValidateTieredBitrateClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.Defaults.BitrateKbps = -5

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped bitrate should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for non-positive bitrate")
	}
	if cfg.Defaults.BitrateKbps != 8000 {
		t.Fatalf("expected bitrate clamped to 8000, got %d", cfg.Defaults.BitrateKbps)
	}
}

func TestValidateTieredVolumeClamping(t *testing.T) {
	cfg := Default()
	cfg.Audio.DesktopVolume = 5.0
	cfg.Audio.MicVolume = -1.0

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped volume should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.Audio.DesktopVolume != 2.0 {
		t.Fatalf("expected desktop_volume clamped to 2.0, got %v", cfg.Audio.DesktopVolume)
	}
	if cfg.Audio.MicVolume != 0.0 {
		t.Fatalf("expected mic_volume clamped to 0.0, got %v", cfg.Audio.MicVolume)
	}
}

func TestValidateTieredWebRTCPortDefaulting(t *testing.T) {
	cfg := Default()
	cfg.WebRTC.Enabled = true
	cfg.WebRTC.Port = 99999

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("invalid port should be warning, not fatal: %v", result.Fatals)
	}
	if cfg.WebRTC.Port != 9000 {
		t.Fatalf("expected port reset to 9000, got %d", cfg.WebRTC.Port)
	}
}

func TestValidateTieredDefaultsAreValid(t *testing.T) {
	cfg := Default()

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config should not be fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("default config should not warn: %v", result.Warnings)
	}
}
