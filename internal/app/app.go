// Package app wires the shared subsystems of the aria-gaze and aria-audio
// commands.
//
// The App struct owns their lifecycle: New sets up telemetry and creates the
// stream client from the registry, Run executes a session next to the preview
// server, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithClient,
// WithMetrics, WithRegistry). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ariastream/internal/config"
	"github.com/MrWong99/ariastream/internal/health"
	"github.com/MrWong99/ariastream/internal/netfilter"
	"github.com/MrWong99/ariastream/internal/observe"
	"github.com/MrWong99/ariastream/internal/preview"
	"github.com/MrWong99/ariastream/pkg/gazemodel"
	"github.com/MrWong99/ariastream/pkg/gazemodel/mock"
	"github.com/MrWong99/ariastream/pkg/gazemodel/onnx"
	"github.com/MrWong99/ariastream/pkg/stream"
	"github.com/MrWong99/ariastream/pkg/stream/bridge"
	streammock "github.com/MrWong99/ariastream/pkg/stream/mock"
)

// Version is reported in telemetry resources.
var Version = "dev"

// App owns the subsystems shared by both commands.
type App struct {
	name string
	cfg  *config.Config

	reg       *config.Registry
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	client    stream.Client

	// updateIPTables replaces netfilter.UpdateIPTables in tests.
	updateIPTables func(context.Context) error

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry uses reg instead of a registry holding the built-in backends.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithMetrics records on m and skips telemetry provider setup.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClient uses c instead of creating a client from cfg.Bridge.
func WithClient(c stream.Client) Option {
	return func(a *App) { a.client = c }
}

// New sets up telemetry and the stream client for the command called name.
func New(ctx context.Context, name string, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{name: name, cfg: cfg, updateIPTables: netfilter.UpdateIPTables}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		if cfg.Telemetry.Enabled {
			serviceName := cfg.Telemetry.ServiceName
			if serviceName == "" {
				serviceName = name
			}
			tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
				ServiceName:    serviceName,
				ServiceVersion: Version,
			})
			if err != nil {
				return nil, fmt.Errorf("app: init telemetry: %w", err)
			}
			a.telemetry = tel
			a.metrics = tel.Metrics
			a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) })
		} else {
			a.metrics = observe.DefaultMetrics()
		}
	}

	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltins(a.reg, a.metrics)
	}

	if a.client == nil {
		c, err := a.reg.CreateClient(cfg.Bridge)
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: create stream client: %w", err)
		}
		a.client = c
	}
	return a, nil
}

// RegisterBuiltins registers the stream clients and estimators that ship
// with ariastream. Bridge queue drops are recorded on m.
func RegisterBuiltins(reg *config.Registry, m *observe.Metrics) {
	reg.RegisterClient("bridge", func(b config.BridgeConfig) (stream.Client, error) {
		opts := []bridge.Option{
			bridge.WithDropHook(func(t stream.DataType) {
				m.RecordQueueDrop(context.Background(), t.String())
			}),
		}
		if b.DialTimeout > 0 {
			opts = append(opts, bridge.WithDialTimeout(b.DialTimeout))
		}
		return bridge.New(b.URL, opts...), nil
	})
	reg.RegisterClient("mock", func(config.BridgeConfig) (stream.Client, error) {
		return &streammock.Client{}, nil
	})
	reg.RegisterEstimator("onnx", func(g config.GazeConfig) (gazemodel.Estimator, error) {
		return onnx.New(g.ModelCheckpointPath, g.ModelConfigPath, g.Device)
	})
	reg.RegisterEstimator("mock", func(config.GazeConfig) (gazemodel.Estimator, error) {
		return &mock.Estimator{}, nil
	})
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Registry returns the backend registry.
func (a *App) Registry() *config.Registry { return a.reg }

// Metrics returns the metrics all subsystems record on.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Client returns the stream client.
func (a *App) Client() stream.Client { return a.client }

// AddCloser registers fn to run during Shutdown.
func (a *App) AddCloser(fn func() error) { a.closers = append(a.closers, fn) }

// NewPreview returns the preview server for this app. checks are served at
// /readyz; /metrics is served when telemetry is enabled.
func (a *App) NewPreview(checks ...health.Checker) *preview.Server {
	opts := []preview.Option{
		preview.WithMetrics(a.metrics),
		preview.WithHealth(health.New(checks...)),
	}
	if a.telemetry != nil {
		opts = append(opts, preview.WithMetricsHandler(a.telemetry.MetricsHandler))
	}
	return preview.New(a.cfg.Preview, opts...)
}

// Run opens the stream ports if configured, then runs session next to srv.
// srv may be nil and is not served when no listen address is configured. Run
// returns when session returns; srv is stopped at that point.
func (a *App) Run(ctx context.Context, srv *preview.Server, session func(context.Context) error) error {
	if a.cfg.Bridge.UpdateIPTables {
		if err := a.updateIPTables(ctx); err != nil {
			if !errors.Is(err, netfilter.ErrUnsupported) {
				return fmt.Errorf("app: %w", err)
			}
			slog.Warn("app: skipping iptables update", "err", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sessionCtx)

	if srv != nil && a.cfg.Preview.ListenAddr != "" {
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return session(gctx)
	})
	return g.Wait()
}

// Shutdown calls all registered closers in reverse order. Safe to call more
// than once.
func (a *App) Shutdown(context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// NewLogger returns a text logger writing to w at the given level.
func NewLogger(level config.LogLevel, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
