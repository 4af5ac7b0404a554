package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"github.com/MrWong99/ariastream/pkg/stream"
	"github.com/MrWong99/ariastream/pkg/wav"
	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known implementation names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"bridge": {"bridge", "mock"},
	"gaze":   {"onnx", "mock"},
}

// validDevice matches the accepted compute device strings.
var validDevice = regexp.MustCompile(`^(cpu|cuda(:[0-9]+)?)$`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Bridge
	validateBackendName("bridge", cfg.Bridge.Kind)
	if cfg.Bridge.Kind == "bridge" && cfg.Bridge.URL == "" {
		errs = append(errs, errors.New("bridge.url is required"))
	}
	if cfg.Bridge.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.dial_timeout %s must not be negative", cfg.Bridge.DialTimeout))
	}
	for name, n := range cfg.Bridge.QueueSizes {
		t, err := stream.ParseDataTypes(name)
		if err != nil || len(t.Split()) != 1 {
			errs = append(errs, fmt.Errorf("bridge.queue_sizes key %q is not a single data type", name))
			continue
		}
		if n <= 0 {
			errs = append(errs, fmt.Errorf("bridge.queue_sizes.%s must be positive, got %d", name, n))
		}
	}
	if cfg.Bridge.UpdateIPTables && runtime.GOOS != "linux" {
		slog.Warn("bridge.update_iptables is only supported on linux; ignoring")
	}

	// Gaze
	validateBackendName("gaze", cfg.Gaze.Backend)
	if cfg.Gaze.Device != "" && !validDevice.MatchString(cfg.Gaze.Device) {
		errs = append(errs, fmt.Errorf("gaze.device %q is invalid; valid values: cpu, cuda, cuda:N", cfg.Gaze.Device))
	}
	if cfg.Gaze.Depth <= 0 {
		errs = append(errs, fmt.Errorf("gaze.depth %g must be positive", cfg.Gaze.Depth))
	}
	if cfg.Gaze.MarkerRadius <= 0 {
		errs = append(errs, fmt.Errorf("gaze.marker_radius %d must be positive", cfg.Gaze.MarkerRadius))
	}

	// Audio
	if cfg.Audio.OutputPath == "" {
		errs = append(errs, errors.New("audio.output_path is required"))
	}
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", cfg.Audio.Channels))
	}
	if cfg.Audio.SampleWidth < 1 || cfg.Audio.SampleWidth > 8 {
		errs = append(errs, fmt.Errorf("audio.sample_width %d is out of range [1, 8]", cfg.Audio.SampleWidth))
	}
	if cfg.Audio.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("audio.poll_interval %s must be positive", cfg.Audio.PollInterval))
	}
	if _, err := wav.ParseFormat(cfg.Audio.Format); err != nil {
		errs = append(errs, fmt.Errorf("audio.format: %w", err))
	}

	// Preview
	if cfg.Preview.JPEGQuality < 1 || cfg.Preview.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("preview.jpeg_quality %d is out of range [1, 100]", cfg.Preview.JPEGQuality))
	}
	seen := make(map[string]int, len(cfg.Preview.Windows))
	for i, w := range cfg.Preview.Windows {
		prefix := fmt.Sprintf("preview.windows[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[w.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of preview.windows[%d]", prefix, w.Name, prev))
			}
			seen[w.Name] = i
		}
		if w.Width <= 0 || w.Height <= 0 {
			errs = append(errs, fmt.Errorf("%s size %dx%d must be positive", prefix, w.Width, w.Height))
		}
	}

	return errors.Join(errs...)
}

// Subscription builds the stream subscription for the given data types. Queue
// sizes start from defaults and are overridden by bridge.queue_sizes.
func (b BridgeConfig) Subscription(types stream.DataType, defaults map[stream.DataType]int, logLevel string) (stream.SubscriptionConfig, error) {
	sizes := make(map[stream.DataType]int, len(defaults)+len(b.QueueSizes))
	for t, n := range defaults {
		sizes[t] = n
	}
	for name, n := range b.QueueSizes {
		t, err := stream.ParseDataTypes(name)
		if err != nil {
			return stream.SubscriptionConfig{}, fmt.Errorf("config: bridge.queue_sizes: %w", err)
		}
		sizes[t] = n
	}
	if b.SDKLogLevel != "" {
		logLevel = b.SDKLogLevel
	}
	sub := stream.SubscriptionConfig{
		DataTypes:        types,
		MessageQueueSize: sizes,
		Security:         stream.SecurityOptions{UseEphemeralCerts: b.UseEphemeralCerts},
		LogLevel:         strings.ToLower(logLevel),
	}
	return sub, sub.Validate()
}

// Window returns the preview window named name and whether it exists.
func (p PreviewConfig) Window(name string) (WindowConfig, bool) {
	i := slices.IndexFunc(p.Windows, func(w WindowConfig) bool { return w.Name == name })
	if i < 0 {
		return WindowConfig{}, false
	}
	return p.Windows[i], true
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or an out-of-tree implementation",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
