// Command aria-gaze overlays the predicted gaze point of an Aria wearer on the
// live RGB camera feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/ariastream/internal/app"
	"github.com/MrWong99/ariastream/internal/calib"
	"github.com/MrWong99/ariastream/internal/config"
	"github.com/MrWong99/ariastream/internal/gazelog"
	"github.com/MrWong99/ariastream/internal/gazeoverlay"
	"github.com/MrWong99/ariastream/internal/health"
	"github.com/MrWong99/ariastream/internal/keypress"
	"github.com/MrWong99/ariastream/internal/resilience"
	"github.com/MrWong99/ariastream/pkg/stream"
)

// framesMaxAge is the readiness limit on the age of the newest frame.
const framesMaxAge = 5 * time.Second

type flags struct {
	configPath      string
	bridgeURL       string
	updateIPTables  bool
	checkpointPath  string
	modelConfigPath string
	device          string
	calibrationPath string
	previewAddr     string
}

func main() {
	os.Exit(run())
}

func run() int {
	var f flags
	code := 0
	cmd := &cobra.Command{
		Use:           "aria-gaze",
		Short:         "Overlay predicted eye gaze on the Aria RGB stream",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code = runGaze(cmd, f)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "path to the YAML configuration file (defaults apply when empty)")
	fs.StringVar(&f.bridgeURL, "bridge_url", "", "WebSocket URL of the stream bridge")
	fs.BoolVar(&f.updateIPTables, "update_iptables", false, "update iptables to enable receiving the data stream (linux only)")
	fs.StringVar(&f.checkpointPath, "model_checkpoint_path", "", "path to the exported gaze model")
	fs.StringVar(&f.modelConfigPath, "model_config_path", "", "path to the gaze model config")
	fs.StringVar(&f.device, "device", "", "device to run inference on: cpu, cuda or cuda:N")
	fs.StringVar(&f.calibrationPath, "calibration_path", "", "path to the device calibration JSON")
	fs.StringVar(&f.previewAddr, "preview_addr", "", "listen address of the preview server")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aria-gaze: %v\n", err)
		return 2
	}
	return code
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
	if fs.Changed("model_checkpoint_path") {
		cfg.Gaze.ModelCheckpointPath = f.checkpointPath
	}
	if fs.Changed("model_config_path") {
		cfg.Gaze.ModelConfigPath = f.modelConfigPath
	}
	if fs.Changed("device") {
		cfg.Gaze.Device = f.device
	}
	if fs.Changed("calibration_path") {
		cfg.Gaze.CalibrationPath = f.calibrationPath
	}
	if fs.Changed("preview_addr") {
		cfg.Preview.ListenAddr = f.previewAddr
	}
	return cfg, config.Validate(cfg)
}

// gazeSubscription subscribes to both cameras with single-frame queues so the
// overlay always works on the newest frames.
func gazeSubscription(cfg *config.Config) (stream.SubscriptionConfig, error) {
	return cfg.Bridge.Subscription(stream.DataRGB|stream.DataEyeTrack,
		map[stream.DataType]int{stream.DataRGB: 1, stream.DataEyeTrack: 1}, string(cfg.LogLevel))
}

func runGaze(cmd *cobra.Command, f flags) int {
	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aria-gaze: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(app.NewLogger(cfg.LogLevel, keypress.CRLFWriter(os.Stderr)))
	slog.Info("aria-gaze starting",
		"bridge", cfg.Bridge.URL,
		"model", cfg.Gaze.ModelCheckpointPath,
		"device", cfg.Gaze.Device,
		"preview_addr", cfg.Preview.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, "aria-gaze", cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		if err := application.Shutdown(context.Background()); err != nil {
			slog.Warn("shutdown error", "err", err)
		}
	}()

	// ── Model and calibration ─────────────────────────────────────────────────
	device, err := calib.Load(cfg.Gaze.CalibrationPath)
	if err != nil {
		slog.Error("failed to load calibration", "err", err)
		return 1
	}
	rgbLabel, err := device.LabelForStream(cfg.Gaze.RGBStreamID)
	if err != nil {
		slog.Error("failed to resolve RGB camera", "stream_id", cfg.Gaze.RGBStreamID, "err", err)
		return 1
	}

	estimator, err := application.Registry().CreateEstimator(cfg.Gaze)
	if err != nil {
		slog.Error("failed to load gaze model", "err", err)
		return 1
	}
	application.AddCloser(estimator.Close)

	// ── Overlay session ───────────────────────────────────────────────────────
	var sessionOpts []gazeoverlay.Option
	sessionOpts = append(sessionOpts, gazeoverlay.WithMetrics(application.Metrics()))
	if cfg.Gaze.LogDSN != "" {
		store, err := gazelog.NewStore(ctx, cfg.Gaze.LogDSN, time.Now().UTC().Format("20060102T150405Z"))
		if err != nil {
			slog.Error("failed to open gaze log", "err", err)
			return 1
		}
		application.AddCloser(func() error { store.Close(); return nil })
		guarded := resilience.GuardSink(store, resilience.NewBreaker(resilience.Config{Name: "gazelog"}))
		application.AddCloser(func() error {
			if n := guarded.Skipped(); n > 0 {
				slog.Warn("gaze samples dropped while the gaze log was unavailable", "count", n)
			}
			return nil
		})
		sessionOpts = append(sessionOpts, gazeoverlay.WithSink(guarded))
		slog.Info("logging gaze samples", "session_id", store.SessionID())
	}

	// The session is created after the preview so the readiness checks can
	// close over it.
	var session *gazeoverlay.Session
	srv := application.NewPreview(
		health.Subscribed(func() bool { return session != nil && session.Subscribed() }),
		health.FramesFlowing(func() time.Time {
			if session == nil {
				return time.Time{}
			}
			return session.Cache().LastFrameAt()
		}, framesMaxAge),
	)
	session, err = gazeoverlay.New(gazeoverlay.Deps{
		Client:    application.Client(),
		Estimator: estimator,
		Device:    device,
		Display:   srv,
	}, gazeoverlay.Config{
		RGBLabel:     rgbLabel,
		Depth:        cfg.Gaze.Depth,
		MarkerRadius: cfg.Gaze.MarkerRadius,
	}, sessionOpts...)
	if err != nil {
		slog.Error("failed to create overlay session", "err", err)
		return 1
	}

	sub, err := gazeSubscription(cfg)
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

	slog.Info("aria-gaze ready, press q or ESC to quit")
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
