package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ghostkellz/nitrogen/internal/audioenc"
	"github.com/ghostkellz/nitrogen/internal/capture"
	"github.com/ghostkellz/nitrogen/internal/config"
	"github.com/ghostkellz/nitrogen/internal/controller"
	"github.com/ghostkellz/nitrogen/internal/hotkey"
	"github.com/ghostkellz/nitrogen/internal/nerrors"
	"github.com/ghostkellz/nitrogen/internal/signaling"
	"github.com/ghostkellz/nitrogen/internal/sinks/netstream"
	"github.com/ghostkellz/nitrogen/internal/sinks/recorder"
	"github.com/ghostkellz/nitrogen/internal/transform"
	"github.com/ghostkellz/nitrogen/internal/videoenc"
)

var castFlags struct {
	preset      string
	width       int
	height      int
	fps         int
	codec       string
	quality     string
	bitrateKbps int
	lowLatency  bool
	sourceID    string

	audioSource  string
	audioCodec   string
	audioBitrate int
	desktopVol   float64
	micVol       float64
	ducking      bool

	camera     bool
	cameraName string

	record       bool
	recordPath   string
	recordFormat string

	streamURL string

	tonemap   string
	tonemapAlgo string
	peakNits  float64

	interp string
}

var castCmd = &cobra.Command{
	Use:   "cast",
	Short: "Start a screen-sharing session",
	Run:   runCast,
}

func init() {
	f := castCmd.Flags()
	f.StringVar(&castFlags.preset, "preset", "", "named preset, e.g. 1080p60 (overridden by --width/--height/--fps)")
	f.IntVar(&castFlags.width, "width", 0, "explicit target width")
	f.IntVar(&castFlags.height, "height", 0, "explicit target height")
	f.IntVar(&castFlags.fps, "fps", 0, "explicit target fps")
	f.StringVar(&castFlags.codec, "codec", "", "video codec: h264, hevc, av1")
	f.StringVar(&castFlags.quality, "quality", "", "encoder quality preset: fast, medium, slow, quality")
	f.IntVar(&castFlags.bitrateKbps, "bitrate", 0, "target video bitrate in kbps")
	f.BoolVar(&castFlags.lowLatency, "low-latency", false, "prefer latency over quality")
	f.StringVar(&castFlags.sourceID, "source", "", "capture source id (monitor:<id> or window:<id>); omit to use the portal picker")

	f.StringVar(&castFlags.audioSource, "audio-source", "", "audio source: none, desktop, mic, both")
	f.StringVar(&castFlags.audioCodec, "audio-codec", "", "audio codec: aac, opus")
	f.IntVar(&castFlags.audioBitrate, "audio-bitrate", 0, "audio bitrate in kbps")
	f.Float64Var(&castFlags.desktopVol, "desktop-volume", 1.0, "desktop audio mix gain")
	f.Float64Var(&castFlags.micVol, "mic-volume", 1.0, "microphone mix gain")
	f.BoolVar(&castFlags.ducking, "ducking", false, "duck desktop audio while mic is active")

	f.BoolVar(&castFlags.camera, "camera", true, "publish a virtual camera sink")
	f.StringVar(&castFlags.cameraName, "camera-device", "/dev/video10", "virtual camera device path")

	f.BoolVar(&castFlags.record, "record", false, "enable the file recorder sink")
	f.StringVar(&castFlags.recordPath, "record-path", "", "recording output path")
	f.StringVar(&castFlags.recordFormat, "record-format", "", "recording container: mp4, mkv")

	f.StringVar(&castFlags.streamURL, "stream", "", "network streamer sink target, e.g. rtmp://host/app/key or srt://host:port")

	f.StringVar(&castFlags.tonemap, "tonemap", "", "HDR tonemap mode: off, on, auto")
	f.StringVar(&castFlags.tonemapAlgo, "tonemap-algo", "", "tonemap algorithm: reinhard, aces, hable")
	f.Float64Var(&castFlags.peakNits, "peak-nits", 0, "HDR source peak luminance in nits")

	f.StringVar(&castFlags.interp, "interp", "", "frame interpolation: off, 2x, 3x, 4x, adaptive")
}

func runCast(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	opts, err := buildStartOptions(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInvalidArguments)
	}

	ctrl := controller.New(capture.NewDBusPortal())
	if err := ctrl.Start(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
	defer ctrl.Stop(true)

	srv, err := controller.ListenIPC(cfg.IPCSocketPath, ctrl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind IPC socket %s: %v\n", cfg.IPCSocketPath, err)
		os.Exit(exitSessionAlreadyRunning)
	}
	defer srv.Close()
	go func() {
		if err := srv.Serve(); err != nil {
			log.Warn("ipc server stopped", "error", err)
		}
	}()

	if cfg.WebRTC.Enabled {
		sigSrv := signaling.New(signaling.Config{
			Addr:       fmt.Sprintf(":%d", cfg.WebRTC.Port),
			ICEServers: cfg.WebRTC.ICEServers,
		}, ctrl)
		if err := sigSrv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start signaling server: %v\n", err)
			os.Exit(exitGenericFailure)
		}
		defer sigSrv.Close()
	}

	log.Info("session running", "socket", cfg.IPCSocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down session")
	_ = ctrl.Stop(false)
}

// exitCodeFor maps a Start failure's *nerrors.Error kind onto spec §6's
// exit code table. A PortalDenied error anywhere in the wrap chain (the
// user cancelled the source picker) maps to exitSourceSelectCancelled,
// even though the controller wraps capture failures as PortalUnavailable.
func exitCodeFor(err error) int {
	if errors.Is(err, nerrors.New(nerrors.KindPortalDenied)) {
		return exitSourceSelectCancelled
	}
	if nerrors.OfKind(err, nerrors.KindPortalUnavailable) {
		return exitPortalUnavailable
	}
	if nerrors.OfKind(err, nerrors.KindHardwareUnavailable) {
		return exitHardwareUnavailable
	}
	if nerrors.OfKind(err, nerrors.KindInvalidParameters) {
		return exitInvalidArguments
	}
	return exitGenericFailure
}

// presetDims is the preset table spec §6 names ("preset or explicit
// resolution+fps"); explicit --width/--height/--fps flags win over it.
var presetDims = map[string][3]int{
	"1080p30": {1920, 1080, 30},
	"1080p60": {1920, 1080, 60},
	"1440p60": {2560, 1440, 60},
	"4k30":    {3840, 2160, 30},
	"4k60":    {3840, 2160, 60},
}

// buildStartOptions merges built-in defaults (already applied in cfg by
// config.Load), the config file's values, and cast's CLI flag
// overrides, per spec §6's "CLI flags override configuration file
// values override built-in defaults". Desktop and mic volume come only
// from their flags (default 1.0), and low_latency is not carried into
// StartOptions.
func buildStartOptions(cfg *config.Config) (controller.StartOptions, error) {
	preset := firstNonEmpty(castFlags.preset, cfg.Defaults.Preset)
	width, height, fps := 1920, 1080, 60
	if dims, ok := presetDims[preset]; ok {
		width, height, fps = dims[0], dims[1], dims[2]
	}
	if castFlags.width > 0 {
		width = castFlags.width
	}
	if castFlags.height > 0 {
		height = castFlags.height
	}
	if castFlags.fps > 0 {
		fps = castFlags.fps
	}

	codecStr := firstNonEmpty(castFlags.codec, cfg.Defaults.Codec)
	codec, err := parseVideoCodec(codecStr)
	if err != nil {
		return controller.StartOptions{}, err
	}
	profile := profileForQuality(firstNonEmpty(castFlags.quality, cfg.Encoder.Quality))

	bitrate := cfg.Defaults.BitrateKbps
	if castFlags.bitrateKbps > 0 {
		bitrate = castFlags.bitrateKbps
	}

	source, err := parseSourceDescriptor(castFlags.sourceID)
	if err != nil {
		return controller.StartOptions{}, err
	}

	audioSourceStr := firstNonEmpty(castFlags.audioSource, cfg.Audio.Source)
	audioSource, err := parseAudioSource(audioSourceStr)
	if err != nil {
		return controller.StartOptions{}, err
	}
	audioCodecStr := firstNonEmpty(castFlags.audioCodec, cfg.Audio.Codec)
	audioCodec := audioenc.CodecAAC
	if audioCodecStr == "opus" {
		audioCodec = audioenc.CodecOpus
	}
	audioBitrate := cfg.Audio.BitrateKbps
	if castFlags.audioBitrate > 0 {
		audioBitrate = castFlags.audioBitrate
	}

	tonemapMode := firstNonEmpty(castFlags.tonemap, cfg.HDR.Tonemap)
	tonemapAlgo := parseTonemapAlgo(firstNonEmpty(castFlags.tonemapAlgo, cfg.HDR.Algorithm))
	peakNits := cfg.HDR.PeakLuminance
	if castFlags.peakNits > 0 {
		peakNits = castFlags.peakNits
	}

	interpMode := parseInterpolatorMode(firstNonEmpty(castFlags.interp, cfg.Defaults.FrameGen))

	recordPath := firstNonEmpty(castFlags.recordPath, cfg.Recording.OutputDir)
	recordFormat := recorder.ContainerMP4
	if strings.EqualFold(firstNonEmpty(castFlags.recordFormat, cfg.Recording.Format), "mkv") {
		recordFormat = recorder.ContainerMKV
	}

	protocol := netstream.ProtocolRTMP
	if strings.HasPrefix(castFlags.streamURL, "srt://") {
		protocol = netstream.ProtocolSRT
	}

	bindings, err := parseHotkeyBindings(cfg)
	if err != nil {
		return controller.StartOptions{}, err
	}

	return controller.StartOptions{
		Source: source, Width: width, Height: height, FPS: fps,
		Codec: codec, Profile: profile, BitrateKbps: bitrate, PreferHW: cfg.Encoder.GPU >= 0,

		AudioSource: audioSource, AudioCodec: audioCodec, AudioBitrateKbps: audioBitrate,
		DesktopVolume: castFlags.desktopVol, MicVolume: castFlags.micVol, Ducking: castFlags.ducking || cfg.Audio.Ducking,

		Tonemap: transform.TonemapConfig{
			Enabled:    tonemapMode == "on" || (tonemapMode == "auto" && peakNits > 100),
			Algorithm:  tonemapAlgo,
			TargetNits: 100,
		},
		Scaler:       transform.ScalerConfig{Enabled: true, TargetWidth: width, TargetHeight: height},
		Interpolator: transform.InterpolatorConfig{Mode: interpMode},

		RecordEnabled: castFlags.record,
		RecordPath:    recordPath,
		RecordFormat:  recordFormat,

		StreamEnabled: castFlags.streamURL != "",
		StreamURL:     castFlags.streamURL,
		StreamProto:   protocol,

		VCamEnabled: castFlags.camera,
		VCamDevice:  castFlags.cameraName,

		HotkeyBindings: bindings,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseVideoCodec(s string) (videoenc.Codec, error) {
	switch strings.ToLower(s) {
	case "", "h264":
		return videoenc.CodecH264, nil
	case "hevc":
		return videoenc.CodecHEVC, nil
	case "av1":
		return videoenc.CodecAV1, nil
	default:
		return "", fmt.Errorf("unknown --codec %q", s)
	}
}

// profileForQuality adapts the encoder-effort quality dial spec §6's
// config table names onto the H.264-family encoder profile, since the
// teacher's stack has no separate speed-preset knob in Config.
func profileForQuality(quality string) videoenc.Profile {
	switch strings.ToLower(quality) {
	case "fast":
		return videoenc.ProfileBaseline
	case "slow", "quality":
		return videoenc.ProfileHigh
	default:
		return videoenc.ProfileMain
	}
}

func parseSourceDescriptor(s string) (capture.SourceDescriptor, error) {
	if s == "" {
		return capture.SourceDescriptor{Kind: capture.SourcePortalPrompt}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return capture.SourceDescriptor{}, fmt.Errorf("--source must be monitor:<id> or window:<id>, got %q", s)
	}
	switch parts[0] {
	case "monitor":
		return capture.SourceDescriptor{Kind: capture.SourceMonitor, MonitorID: parts[1]}, nil
	case "window":
		return capture.SourceDescriptor{Kind: capture.SourceWindow, WindowID: parts[1]}, nil
	default:
		return capture.SourceDescriptor{}, fmt.Errorf("--source kind must be monitor or window, got %q", parts[0])
	}
}

func parseAudioSource(s string) (capture.AudioSource, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return capture.AudioNone, nil
	case "desktop":
		return capture.AudioDesktop, nil
	case "mic":
		return capture.AudioMic, nil
	case "both":
		return capture.AudioBoth, nil
	default:
		return 0, fmt.Errorf("unknown --audio-source %q", s)
	}
}

func parseTonemapAlgo(s string) transform.TonemapAlgorithm {
	switch strings.ToLower(s) {
	case "aces":
		return transform.TonemapACES
	case "hable":
		return transform.TonemapHable
	default:
		return transform.TonemapReinhard
	}
}

func parseHotkeyBindings(cfg *config.Config) (hotkey.Bindings, error) {
	return hotkey.ParseBindings(hotkey.BindingStrings{
		Enabled: cfg.Hotkeys.Enabled,
		Toggle:  cfg.Hotkeys.Toggle,
		Pause:   cfg.Hotkeys.Pause,
		Record:  cfg.Hotkeys.Record,
		Overlay: cfg.Hotkeys.OverlayToggle,
	})
}

func parseInterpolatorMode(s string) transform.InterpolatorMode {
	switch strings.ToLower(s) {
	case "2x":
		return transform.Interpolator2x
	case "3x":
		return transform.Interpolator3x
	case "4x":
		return transform.Interpolator4x
	case "adaptive":
		return transform.InterpolatorAdaptive
	default:
		return transform.InterpolatorOff
	}
}
