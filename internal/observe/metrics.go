// Package observe provides application-wide observability primitives for
// ariastream: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the preview server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the preview server's /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ariastream metrics.
const meterName = "github.com/MrWong99/ariastream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Streaming ---

	// FramesReceived counts decoded camera frames by camera:
	//   attribute.String("camera", ...)
	FramesReceived metric.Int64Counter

	// FramesOverwritten counts cached frames replaced before the render
	// loop consumed them, by camera.
	FramesOverwritten metric.Int64Counter

	// QueueDrops counts messages discarded from a full inbound queue:
	//   attribute.String("data_type", ...)
	QueueDrops metric.Int64Counter

	// ActiveSubscriptions tracks the number of live streaming subscriptions.
	ActiveSubscriptions metric.Int64UpDownCounter

	// --- Gaze ---

	// EyeFramesGated counts eye-tracking frames discarded because no RGB
	// frame had been received yet.
	EyeFramesGated metric.Int64Counter

	// InferenceDuration tracks gaze model latency per eye image.
	InferenceDuration metric.Float64Histogram

	// ReprojectionMisses counts predictions whose reprojection fell outside
	// the RGB image or behind the camera.
	ReprojectionMisses metric.Int64Counter

	// --- Audio ---

	// AudioChunksAppended counts chunks added to the recording buffer.
	AudioChunksAppended metric.Int64Counter

	// AudioChunksDropped counts chunks rejected by the reshape step.
	AudioChunksDropped metric.Int64Counter

	// AudioRowsBuffered tracks the number of multi-channel sample rows held
	// in the recording buffer.
	AudioRowsBuffered metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks preview server request time, labelled with
	// method, route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-frame inference on CPU and GPU.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesReceived, err = m.Int64Counter("ariastream.frames.received",
		metric.WithDescription("Decoded camera frames received by camera."),
	); err != nil {
		return nil, err
	}
	if met.FramesOverwritten, err = m.Int64Counter("ariastream.frames.overwritten",
		metric.WithDescription("Cached frames replaced before being consumed, by camera."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("ariastream.queue.drops",
		metric.WithDescription("Messages discarded from a full inbound queue, by data type."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSubscriptions, err = m.Int64UpDownCounter("ariastream.active_subscriptions",
		metric.WithDescription("Number of live streaming subscriptions."),
	); err != nil {
		return nil, err
	}

	if met.EyeFramesGated, err = m.Int64Counter("ariastream.gaze.gated",
		metric.WithDescription("Eye-tracking frames dropped before the first RGB frame."),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("ariastream.gaze.inference.duration",
		metric.WithDescription("Latency of gaze model inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReprojectionMisses, err = m.Int64Counter("ariastream.gaze.reprojection.misses",
		metric.WithDescription("Gaze predictions that did not land on the RGB image."),
	); err != nil {
		return nil, err
	}

	if met.AudioChunksAppended, err = m.Int64Counter("ariastream.audio.chunks.appended",
		metric.WithDescription("Audio chunks appended to the recording buffer."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksDropped, err = m.Int64Counter("ariastream.audio.chunks.dropped",
		metric.WithDescription("Audio chunks dropped because they could not be reshaped."),
	); err != nil {
		return nil, err
	}
	if met.AudioRowsBuffered, err = m.Int64UpDownCounter("ariastream.audio.rows.buffered",
		metric.WithDescription("Multi-channel sample rows held in the recording buffer."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("ariastream.http.request.duration",
		metric.WithDescription("Preview server request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame increments FramesReceived for camera.
func (m *Metrics) RecordFrame(ctx context.Context, camera string) {
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("camera", camera)))
}

// RecordOverwrite increments FramesOverwritten for camera.
func (m *Metrics) RecordOverwrite(ctx context.Context, camera string) {
	m.FramesOverwritten.Add(ctx, 1, metric.WithAttributes(attribute.String("camera", camera)))
}

// RecordQueueDrop increments QueueDrops for dataType.
func (m *Metrics) RecordQueueDrop(ctx context.Context, dataType string) {
	m.QueueDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("data_type", dataType)))
}
