// Command aria-audio records the seven Aria microphone channels to a WAV file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/ariastream/internal/app"
	"github.com/MrWong99/ariastream/internal/config"
	"github.com/MrWong99/ariastream/internal/health"
	"github.com/MrWong99/ariastream/internal/keypress"
	"github.com/MrWong99/ariastream/internal/recorder"
	"github.com/MrWong99/ariastream/pkg/stream"
	"github.com/MrWong99/ariastream/pkg/wav"
)

// audioMaxAge is the readiness limit on the age of the newest audio chunk.
const audioMaxAge = 5 * time.Second

// audioQueueSize holds a burst of packets so none is dropped while the
// recorder appends.
const audioQueueSize = 10

type flags struct {
	configPath     string
	bridgeURL      string
	updateIPTables bool
	output         string
	format         string
	previewAddr    string
}

func main() {
	os.Exit(run())
}

func run() int {
	var f flags
	code := 0
	root := &cobra.Command{
		Use:           "aria-audio",
		Short:         "Record the Aria microphone array to a WAV file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code = runRecord(cmd, f)
			return nil
		},
	}
	fs := root.Flags()
	fs.StringVar(&f.configPath, "config", "", "path to the YAML configuration file (defaults apply when empty)")
	fs.StringVar(&f.bridgeURL, "bridge_url", "", "WebSocket URL of the stream bridge")
	fs.BoolVar(&f.updateIPTables, "update_iptables", false, "update iptables to enable receiving the data stream (linux only)")
	fs.StringVar(&f.output, "output", "", "path of the WAV file written on exit")
	fs.StringVar(&f.format, "format", "", "WAV sample encoding: float32 or pcm16")
	fs.StringVar(&f.previewAddr, "preview_addr", "", "listen address of the metrics and health server")

	root.AddCommand(&cobra.Command{
		Use:   "inspect <file>",
		Short: "Print the shape and mean of a recorded WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0])
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aria-audio: %v\n", err)
		return 1
	}
	return code
}

func inspect(w io.Writer, path string) error {
	a, err := wav.ReadFile(path)
	if err != nil {
		return err
	}
	encoding := "pcm"
	if a.Float {
		encoding = "float"
	}
	_, err = fmt.Fprintf(w, "%s: shape (%d, %d), %d Hz, %d-bit %s, mean %g\n",
		path, a.Frames(), a.Channels, a.SampleRate, a.BitsPerSample, encoding, a.Mean())
	return err
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	fs := cmd.Flags()
	if fs.Changed("bridge_url") {
		cfg.Bridge.URL = f.bridgeURL
	}
	if fs.Changed("update_iptables") {
		cfg.Bridge.UpdateIPTables = f.updateIPTables
	}
	if fs.Changed("output") {
		cfg.Audio.OutputPath = f.output
	}
	if fs.Changed("format") {
		cfg.Audio.Format = f.format
	}
	if fs.Changed("preview_addr") {
		cfg.Preview.ListenAddr = f.previewAddr
	}
	// The recorder has no video windows.
	cfg.Preview.Windows = nil
	return cfg, config.Validate(cfg)
}

// audioSubscription is the bridge subscription of the recorder.
func audioSubscription(cfg *config.Config) (stream.SubscriptionConfig, error) {
	return cfg.Bridge.Subscription(stream.DataAudio,
		map[stream.DataType]int{stream.DataAudio: audioQueueSize}, string(cfg.LogLevel))
}

func runRecord(cmd *cobra.Command, f flags) int {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria-audio: %v\n", err)
		return 1
	}
	format, err := wav.ParseFormat(cfg.Audio.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria-audio: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(app.NewLogger(cfg.LogLevel, keypress.CRLFWriter(os.Stderr)))
	slog.Info("aria-audio starting",
		"bridge", cfg.Bridge.URL,
		"output", cfg.Audio.OutputPath,
		"channels", cfg.Audio.Channels,
		"sample_rate", cfg.Audio.SampleRate,
		"format", format.String(),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, "aria-audio", cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		if err := application.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	// ── Recorder ──────────────────────────────────────────────────────────────
	acc := recorder.NewAccumulator(
		recorder.WithChannels(cfg.Audio.Channels),
		recorder.WithSampleWidth(cfg.Audio.SampleWidth),
		recorder.WithMetrics(application.Metrics()),
	)
	session := recorder.NewSession(application.Client(), acc, recorder.SessionConfig{
		OutputPath:   cfg.Audio.OutputPath,
		SampleRate:   cfg.Audio.SampleRate,
		Format:       format,
		PollInterval: cfg.Audio.PollInterval,
	})
	srv := application.NewPreview(
		health.Subscribed(session.Subscribed),
		health.FramesFlowing(acc.LastAppendAt, audioMaxAge),
	)

	sub, err := audioSubscription(cfg)
	if err != nil {
		slog.Error("invalid subscription", "err", err)
		return 1
	}

	// ── Quit key ──────────────────────────────────────────────────────────────
	quit, restore, err := keypress.Watch(ctx, os.Stdin)
	if err != nil {
		slog.Error("failed to watch keyboard", "err", err)
		return 1
	}
	defer restore()

	slog.Info("aria-audio ready, press q or ESC to stop recording")
	err = application.Run(ctx, srv, func(ctx context.Context) error {
		return session.Run(ctx, sub, quit)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
