package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/ariastream/internal/config"
	"github.com/MrWong99/ariastream/internal/netfilter"
	"github.com/MrWong99/ariastream/internal/observe"
	"github.com/MrWong99/ariastream/pkg/gazemodel/mock"
	"github.com/MrWong99/ariastream/pkg/stream"
	streammock "github.com/MrWong99/ariastream/pkg/stream/mock"
)

// testConfig returns the defaults with telemetry off and the preview server
// disabled.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Telemetry.Enabled = false
	cfg.Preview.ListenAddr = ""
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNew_BuiltinClients(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind string
		want string
	}{
		{kind: "bridge", want: "*bridge.Client"},
		{kind: "mock", want: "*mock.Client"},
	}
	for _, tc := range tests {
		t.Run(tc.kind, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Bridge.Kind = tc.kind
			a, err := New(context.Background(), "test", cfg, WithMetrics(testMetrics(t)))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer a.Shutdown(context.Background())

			if got := fmt.Sprintf("%T", a.Client()); got != tc.want {
				t.Errorf("client = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNew_UnknownClient(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Bridge.Kind = "carrier-pigeon"
	_, err := New(context.Background(), "test", cfg, WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRegisterBuiltins_Estimators(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	RegisterBuiltins(reg, testMetrics(t))

	est, err := reg.CreateEstimator(config.GazeConfig{Backend: "mock"})
	if err != nil {
		t.Fatalf("mock estimator: %v", err)
	}
	if _, ok := est.(*mock.Estimator); !ok {
		t.Errorf("estimator = %T", est)
	}

	_, err = reg.CreateEstimator(config.GazeConfig{
		Backend:             "onnx",
		ModelCheckpointPath: t.TempDir() + "/missing.onnx",
		ModelConfigPath:     t.TempDir() + "/missing.yaml",
		Device:              "cpu",
	})
	if err == nil {
		t.Error("onnx estimator with missing files should fail")
	}
}

func TestNew_TelemetryServesMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.Enabled = true
	cfg.Bridge.Kind = "mock"
	a, err := New(context.Background(), "aria-test", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())
	if a.telemetry == nil || a.telemetry.MetricsHandler == nil {
		t.Fatal("telemetry not initialised")
	}
	if a.Metrics() != a.telemetry.Metrics {
		t.Error("app metrics are not the provider's metrics")
	}
	if a.NewPreview() == nil {
		t.Error("NewPreview returned nil")
	}
}

func TestRun_IPTables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ipErr   error
		wantErr bool
		wantRun bool
	}{
		{name: "applied", wantRun: true},
		{name: "unsupported platform", ipErr: netfilter.ErrUnsupported, wantRun: true},
		{name: "failure", ipErr: errors.New("permission denied"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Bridge.UpdateIPTables = true
			a, err := New(context.Background(), "test", cfg,
				WithMetrics(testMetrics(t)), WithClient(&streammock.Client{}))
			if err != nil {
				t.Fatal(err)
			}
			var ipCalls int
			a.updateIPTables = func(context.Context) error { ipCalls++; return tc.ipErr }

			ran := false
			err = a.Run(context.Background(), nil, func(context.Context) error { ran = true; return nil })
			if (err != nil) != tc.wantErr {
				t.Errorf("Run error = %v, wantErr %v", err, tc.wantErr)
			}
			if ran != tc.wantRun {
				t.Errorf("session ran = %v, want %v", ran, tc.wantRun)
			}
			if ipCalls != 1 {
				t.Errorf("iptables calls = %d, want 1", ipCalls)
			}
		})
	}
}

func TestRun_StopsPreviewWhenSessionEnds(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Preview.ListenAddr = "127.0.0.1:0"
	a, err := New(context.Background(), "test", cfg,
		WithMetrics(testMetrics(t)), WithClient(&streammock.Client{}))
	if err != nil {
		t.Fatal(err)
	}
	srv := a.NewPreview()

	sessionErr := errors.New("stream lost")
	done := make(chan error, 1)
	go func() {
		done <- a.Run(context.Background(), srv, func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			return sessionErr
		})
	}()
	select {
	case err := <-done:
		if !errors.Is(err, sessionErr) {
			t.Errorf("Run = %v, want session error", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the session ended")
	}
}

func TestShutdown_ReverseOrderOnce(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), "test", testConfig(),
		WithMetrics(testMetrics(t)), WithClient(&streammock.Client{}))
	if err != nil {
		t.Fatal(err)
	}
	var order []int
	a.AddCloser(func() error { order = append(order, 1); return nil })
	a.AddCloser(func() error { order = append(order, 2); return errors.New("boom") })

	if err := a.Shutdown(context.Background()); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Shutdown = %v, want boom", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("close order = %v, want [2 1]", order)
	}
}

func TestNewLogger_Level(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewLogger(config.LogWarn, &buf)
	l.Info("hidden")
	l.Warn("shown", "data_type", stream.DataAudio.String())
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("log output = %q", out)
	}
}
