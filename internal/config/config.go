// Package config provides the configuration schema, loader, and backend
// registry shared by the aria-gaze and aria-audio commands.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// fields absent from the file keep the values from [Default].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Gaze      GazeConfig      `yaml:"gaze"`
	Audio     AudioConfig     `yaml:"audio"`
	Preview   PreviewConfig   `yaml:"preview"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BridgeConfig describes how to reach the process that owns the device SDK
// session.
type BridgeConfig struct {
	// Kind selects the registered stream client implementation.
	Kind string `yaml:"kind"`

	// URL is the WebSocket endpoint of the stream bridge.
	URL string `yaml:"url"`

	// DialTimeout bounds the connection attempt and the subscribe handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// QueueSizes overrides the per-data-type inbound queue depth, keyed by
	// data type name ("rgb", "eye_track", "audio", ...).
	QueueSizes map[string]int `yaml:"queue_sizes"`

	// UseEphemeralCerts is forwarded to the SDK security options.
	UseEphemeralCerts bool `yaml:"use_ephemeral_certs"`

	// SDKLogLevel is forwarded to the SDK logger.
	SDKLogLevel string `yaml:"sdk_log_level"`

	// UpdateIPTables opens the UDP port range used by the device stream
	// before subscribing. Linux only.
	UpdateIPTables bool `yaml:"update_iptables"`
}

// GazeConfig configures the gaze overlay command.
type GazeConfig struct {
	// Backend selects the registered estimator implementation.
	Backend string `yaml:"backend"`

	// ModelCheckpointPath is the exported model weights.
	ModelCheckpointPath string `yaml:"model_checkpoint_path"`

	// ModelConfigPath is the YAML describing the model's inputs and outputs.
	ModelConfigPath string `yaml:"model_config_path"`

	// Device selects the compute device: "cpu", "cuda" or "cuda:N".
	Device string `yaml:"device"`

	// CalibrationPath is the device calibration JSON exported from the
	// reference recording.
	CalibrationPath string `yaml:"calibration_path"`

	// RGBStreamID is the stream id of the RGB camera, resolved to a camera
	// label through the calibration file.
	RGBStreamID string `yaml:"rgb_stream_id"`

	// Depth is the distance in metres at which the gaze ray is intersected.
	Depth float64 `yaml:"depth"`

	// MarkerRadius is the radius in pixels of the overlay marker.
	MarkerRadius int `yaml:"marker_radius"`

	// LogDSN enables persistence of gaze samples to PostgreSQL when set.
	LogDSN string `yaml:"log_dsn"`
}

// AudioConfig configures the audio recorder command.
type AudioConfig struct {
	// OutputPath is the WAV file written at teardown.
	OutputPath string `yaml:"output_path"`

	// SampleRate is the rate written to the WAV header.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the number of interleaved microphone channels.
	Channels int `yaml:"channels"`

	// SampleWidth is the size in bytes of one raw device sample.
	SampleWidth int `yaml:"sample_width"`

	// PollInterval is the sleep between quit checks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Format is the WAV sample encoding: "float32" or "pcm16".
	Format string `yaml:"format"`
}

// PreviewConfig configures the live preview server.
type PreviewConfig struct {
	// ListenAddr is the TCP address of the preview server. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// JPEGQuality is the encoder quality in [1, 100].
	JPEGQuality int `yaml:"jpeg_quality"`

	// Windows lists the preview windows with their initial layout.
	Windows []WindowConfig `yaml:"windows"`
}

// WindowConfig describes one preview window.
type WindowConfig struct {
	Name   string `yaml:"name"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	X      int    `yaml:"x"`
	Y      int    `yaml:"y"`
}

// TelemetryConfig toggles OpenTelemetry.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Window names used by the gaze overlay.
const (
	WindowRGB = "Aria RGB"
	WindowEye = "Aria EyeTrack"
)

// Default returns the configuration used when no file is given. The values
// reproduce the behaviour of the reference scripts.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Bridge: BridgeConfig{
			Kind:              "bridge",
			URL:               "ws://127.0.0.1:7788/stream",
			DialTimeout:       10 * time.Second,
			UseEphemeralCerts: true,
			SDKLogLevel:       "info",
		},
		Gaze: GazeConfig{
			Backend:             "onnx",
			ModelCheckpointPath: "inference/model/pretrained_weights/social_eyes_uncertainty_v1/weights.onnx",
			ModelConfigPath:     "inference/model/pretrained_weights/social_eyes_uncertainty_v1/config.yaml",
			Device:              "cpu",
			CalibrationPath:     "reference_vrs/Profile_18.calibration.json",
			RGBStreamID:         "214-1",
			Depth:               1,
			MarkerRadius:        10,
		},
		Audio: AudioConfig{
			OutputPath:   "recorded_audio.wav",
			SampleRate:   48000,
			Channels:     7,
			SampleWidth:  4,
			PollInterval: time.Second,
			Format:       "float32",
		},
		Preview: PreviewConfig{
			ListenAddr:  "127.0.0.1:8090",
			JPEGQuality: 80,
			Windows: []WindowConfig{
				{Name: WindowRGB, Width: 1024, Height: 1024, X: 50, Y: 50},
				{Name: WindowEye, Width: 640, Height: 480, X: 1100, Y: 50},
			},
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}
