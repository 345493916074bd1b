// Package config loads Nitrogen's configuration file, following the
// teacher's defaults→file→env merge shape built on viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Defaults holds the [defaults] section.
type Defaults struct {
	Preset      string `mapstructure:"preset" yaml:"preset"`
	Codec       string `mapstructure:"codec" yaml:"codec"`
	BitrateKbps int    `mapstructure:"bitrate" yaml:"bitrate"`
	LowLatency  bool   `mapstructure:"low_latency" yaml:"low_latency"`
	FrameGen    string `mapstructure:"frame_gen" yaml:"frame_gen"`
}

// Camera holds the [camera] section (Virtual Camera sink).
type Camera struct {
	Name string `mapstructure:"name" yaml:"name"`
}

// Encoder holds the [encoder] section.
type Encoder struct {
	Quality string `mapstructure:"quality" yaml:"quality"`
	GPU     int    `mapstructure:"gpu" yaml:"gpu"`
}

// Audio holds the [audio] section.
type Audio struct {
	Source        string  `mapstructure:"source" yaml:"source"`
	Codec         string  `mapstructure:"codec" yaml:"codec"`
	BitrateKbps   int     `mapstructure:"bitrate" yaml:"bitrate"`
	DesktopVolume float64 `mapstructure:"desktop_volume" yaml:"desktop_volume"`
	MicVolume     float64 `mapstructure:"mic_volume" yaml:"mic_volume"`
	Ducking       bool    `mapstructure:"ducking" yaml:"ducking"`
}

// Hotkeys holds the [hotkeys] section.
type Hotkeys struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Toggle        string `mapstructure:"toggle" yaml:"toggle"`
	Pause         string `mapstructure:"pause" yaml:"pause"`
	Record        string `mapstructure:"record" yaml:"record"`
	OverlayToggle string `mapstructure:"overlay_toggle" yaml:"overlay_toggle"`
}

// Recording holds the [recording] section.
type Recording struct {
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	Format    string `mapstructure:"format" yaml:"format"`
}

// Detection holds the [detection] section (source auto-detection hints).
type Detection struct {
	PreferMonitor string `mapstructure:"prefer_monitor" yaml:"prefer_monitor"`
	AutoSelect    bool   `mapstructure:"auto_select" yaml:"auto_select"`
}

// HDR holds the [hdr] section.
type HDR struct {
	Tonemap            string  `mapstructure:"tonemap" yaml:"tonemap"`
	Algorithm          string  `mapstructure:"algorithm" yaml:"algorithm"`
	PeakLuminance      float64 `mapstructure:"peak_luminance" yaml:"peak_luminance"`
	PreserveHDRRecord  bool    `mapstructure:"preserve_hdr_recording" yaml:"preserve_hdr_recording"`
}

// Performance holds the [performance] section.
type Performance struct {
	MaxQueueVideo int `mapstructure:"max_queue_video" yaml:"max_queue_video"`
	MaxQueueAudio int `mapstructure:"max_queue_audio" yaml:"max_queue_audio"`
}

// Overlay holds the [overlay] section.
type Overlay struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	Position  string  `mapstructure:"position" yaml:"position"`
	ShowFPS   bool    `mapstructure:"show_fps" yaml:"show_fps"`
	ShowBitrate bool  `mapstructure:"show_bitrate" yaml:"show_bitrate"`
	FontScale float64 `mapstructure:"font_scale" yaml:"font_scale"`
}

// WebRTC holds the [webrtc] section (Browser Peer sink).
type WebRTC struct {
	Enabled    bool     `mapstructure:"enabled" yaml:"enabled"`
	Port       int      `mapstructure:"port" yaml:"port"`
	ICEServers []string `mapstructure:"ice_servers" yaml:"ice_servers"`
	VideoCodec string   `mapstructure:"video_codec" yaml:"video_codec"`
}

// Config is the full effective configuration.
type Config struct {
	Defaults  Defaults  `mapstructure:"defaults" yaml:"defaults"`
	Camera    Camera    `mapstructure:"camera" yaml:"camera"`
	Encoder   Encoder   `mapstructure:"encoder" yaml:"encoder"`
	Audio     Audio     `mapstructure:"audio" yaml:"audio"`
	Hotkeys   Hotkeys   `mapstructure:"hotkeys" yaml:"hotkeys"`
	Recording Recording `mapstructure:"recording" yaml:"recording"`
	Detection Detection `mapstructure:"detection" yaml:"detection"`
	HDR       HDR       `mapstructure:"hdr" yaml:"hdr"`
	Performance Performance `mapstructure:"performance" yaml:"performance"`
	Overlay   Overlay   `mapstructure:"overlay" yaml:"overlay"`
	WebRTC    WebRTC    `mapstructure:"webrtc" yaml:"webrtc"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`

	IPCSocketPath string `mapstructure:"ipc_socket_path" yaml:"ipc_socket_path"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Defaults: Defaults{
			Preset:      "1080p60",
			Codec:       "h264",
			BitrateKbps: 8000,
			LowLatency:  false,
			FrameGen:    "off",
		},
		Camera: Camera{Name: "Nitrogen Virtual Camera"},
		Encoder: Encoder{Quality: "medium", GPU: 0},
		Audio: Audio{
			Source:        "none",
			Codec:         "opus",
			BitrateKbps:   160,
			DesktopVolume: 1.0,
			MicVolume:     1.0,
			Ducking:       false,
		},
		Hotkeys: Hotkeys{
			Enabled:       true,
			Toggle:        "ctrl+shift+r",
			Pause:         "ctrl+shift+p",
			Record:        "ctrl+shift+v",
			OverlayToggle: "ctrl+shift+o",
		},
		Recording: Recording{OutputDir: defaultRecordingDir(), Format: "mp4"},
		Detection: Detection{AutoSelect: false},
		HDR: HDR{Tonemap: "auto", Algorithm: "reinhard", PeakLuminance: 1000},
		Performance: Performance{MaxQueueVideo: 3, MaxQueueAudio: 4},
		Overlay: Overlay{Enabled: false, Position: "top-right", FontScale: 1.0},
		WebRTC: WebRTC{
			Enabled:    false,
			Port:       9000,
			ICEServers: []string{"stun:stun.l.google.com:19302"},
			VideoCodec: "h264",
		},
		LogLevel:      "info",
		LogFormat:     "text",
		IPCSocketPath: defaultSocketPath(),
	}
}

// Load merges defaults, the config file at path (or the well-known
// per-user path when empty), and NITROGEN_-prefixed environment
// variables. CLI flag overrides are applied by the caller after Load.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nitrogen")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("NITROGEN")
	_ = v.BindEnv("log_level") // Unmarshal only sees env values for keys viper knows

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, fmt.Errorf("config has fatal validation errors: %v", result.Fatals[0])
	}

	return cfg, nil
}

// SaveTo writes cfg as YAML to path, or the well-known per-user path when
// path is empty.
func SaveTo(cfg *Config, path string) error {
	data, err := yamlMarshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	var cfgPath string
	if path != "" {
		cfgPath = path
	} else {
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
		cfgPath = filepath.Join(configDir(), "nitrogen.yaml")
	}

	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return err
	}
	return nil
}

func defaultRecordingDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Videos", "Nitrogen")
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "nitrogen.sock")
	}
	return fmt.Sprintf("/tmp/nitrogen-%d.sock", os.Getuid())
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "nitrogen")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "nitrogen")
}
