// Package gazeoverlay runs the live gaze overlay: it caches the newest RGB and
// eye-tracking frames, estimates gaze from each eye frame, and draws the
// reprojected gaze point onto the rotated RGB preview.
//
// Frames arrive on the stream client's dispatch goroutine through [Observer]
// and are picked up by [Session.Step] on the render goroutine. Eye frames are
// ignored until the first RGB frame has been seen, because the marker needs
// an RGB image to be drawn on.
package gazeoverlay

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/MrWong99/ariastream/internal/calib"
	"github.com/MrWong99/ariastream/internal/config"
	"github.com/MrWong99/ariastream/internal/framecache"
	"github.com/MrWong99/ariastream/internal/imaging"
	"github.com/MrWong99/ariastream/internal/observe"
	"github.com/MrWong99/ariastream/pkg/gazemodel"
	"github.com/MrWong99/ariastream/pkg/stream"
)

// Window names.
const (
	WindowRGB = config.WindowRGB
	WindowEye = config.WindowEye
)

// MarkerColor is the colour of the gaze marker.
var MarkerColor = color.RGBA{R: 255, A: 255}

// Display shows frames in named windows. Show must not retain frame after
// it returns.
type Display interface {
	Show(window string, frame *imaging.Frame) error
}

// Sample is one processed gaze estimate.
type Sample struct {
	Time        time.Time
	FrameNumber uint64
	Prediction  gazemodel.Prediction

	// Direction is the unit gaze ray in the central pupil frame.
	Direction r3.Vec

	// X and Y are the marker position in the rotated RGB preview, zero when
	// the gaze point is behind the camera. OnImage is false when the point
	// did not land on the RGB image.
	X, Y    float64
	OnImage bool
}

// GazeSink receives every gaze sample. Implementations must not block for
// long; they run on the render goroutine.
type GazeSink interface {
	RecordGaze(ctx context.Context, s Sample) error
}

// ── Observer ──────────────────────────────────────────────────────────────────

// Observer writes image callbacks into a frame cache. Audio is ignored.
type Observer struct {
	cache   *framecache.Cache
	metrics *observe.Metrics
}

var _ stream.Observer = (*Observer)(nil)

// OnImageReceived implements [stream.Observer].
func (o *Observer) OnImageReceived(img stream.Image, rec stream.ImageRecord) {
	o.metrics.RecordFrame(context.Background(), rec.CameraID.String())
	o.cache.Put(img, rec)
}

// OnAudioReceived implements [stream.Observer].
func (o *Observer) OnAudioReceived(stream.AudioPacket, stream.AudioRecord) {}

// ── Session ───────────────────────────────────────────────────────────────────

// Config controls a [Session].
type Config struct {
	// RGBLabel is the calibration label of the RGB camera, e.g. "camera-rgb".
	RGBLabel string

	// Depth is the distance in metres at which the gaze ray is intersected
	// before reprojection.
	Depth float64

	// MarkerRadius is the marker radius in pixels.
	MarkerRadius int

	// FrameInterval is the render loop period. Defaults to 5ms.
	FrameInterval time.Duration
}

// Deps are the collaborators of a [Session].
type Deps struct {
	Client    stream.Client
	Estimator gazemodel.Estimator
	Device    *calib.Device
	Display   Display
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics records on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithSink adds a gaze sink.
func WithSink(sink GazeSink) Option {
	return func(s *Session) { s.sinks = append(s.sinks, sink) }
}

// WithClock overrides time.Now for sample timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session owns the state of one overlay run. Step and Run must be called
// from a single goroutine.
type Session struct {
	deps    Deps
	cfg     Config
	cam     *calib.Camera
	cache   *framecache.Cache
	obs     *Observer
	metrics *observe.Metrics
	sinks   []GazeSink
	now     func() time.Time

	haveRGB    atomic.Bool
	subscribed atomic.Bool
	rgb        *imaging.Frame // rotated, shown in WindowRGB
	rgbHeight  int            // height before rotation
	rgbDirty   bool           // rgb changed since it was last shown
}

// New returns a session. It fails when the RGB camera is missing from the
// calibration.
func New(deps Deps, cfg Config, opts ...Option) (*Session, error) {
	if deps.Client == nil || deps.Estimator == nil || deps.Device == nil || deps.Display == nil {
		return nil, errors.New("gazeoverlay: client, estimator, device and display are required")
	}
	cam, err := deps.Device.Camera(cfg.RGBLabel)
	if err != nil {
		return nil, fmt.Errorf("gazeoverlay: %w", err)
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 1
	}
	if cfg.MarkerRadius <= 0 {
		cfg.MarkerRadius = 10
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 5 * time.Millisecond
	}

	s := &Session{deps: deps, cfg: cfg, cam: cam, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.cache = framecache.New(framecache.WithOverwriteHook(func(id stream.CameraID) {
		s.metrics.RecordOverwrite(context.Background(), id.String())
	}))
	s.obs = &Observer{cache: s.cache, metrics: s.metrics}
	return s, nil
}

// Observer returns the observer feeding this session's cache.
func (s *Session) Observer() *Observer { return s.obs }

// Cache returns the session's frame cache.
func (s *Session) Cache() *framecache.Cache { return s.cache }

// HaveRGB reports whether an RGB frame has been received. Once set it stays
// set for the rest of the session.
func (s *Session) HaveRGB() bool { return s.haveRGB.Load() }

// Subscribed reports whether the session currently holds a subscription.
func (s *Session) Subscribed() bool { return s.subscribed.Load() }

// StepResult describes what one [Session.Step] did.
type StepResult struct {
	RGB   bool // a new RGB frame was taken
	Shown bool // the RGB window was redrawn
	Eye   bool // an eye frame was processed
	Gated bool // an eye frame was discarded before the first RGB frame

	// Sample is set when Eye is true.
	Sample Sample
}

// Step processes whatever frames are pending. Invalid frames are logged and
// skipped; inference failures are returned.
func (s *Session) Step(ctx context.Context) (StepResult, error) {
	var res StepResult

	if e, ok := s.cache.Take(stream.CameraRGB); ok {
		if err := s.acceptRGB(e); err != nil {
			slog.Warn("gazeoverlay: skipping rgb frame", "frame", e.Record.FrameNumber, "err", err)
		} else {
			res.RGB = true
		}
	}

	if e, ok := s.cache.Take(stream.CameraEyeTrack); ok {
		if !s.haveRGB.Load() {
			s.metrics.EyeFramesGated.Add(ctx, 1)
			slog.Debug("gazeoverlay: eye frame before first rgb frame", "frame", e.Record.FrameNumber)
			res.Gated = true
		} else {
			sample, err := s.processEye(ctx, e)
			if errors.Is(err, errBadFrame) {
				slog.Warn("gazeoverlay: skipping eye frame", "frame", e.Record.FrameNumber, "err", err)
			} else if err != nil {
				return res, err
			} else {
				res.Eye = true
				res.Sample = sample
			}
		}
	}

	if s.rgbDirty && s.rgb != nil {
		if err := s.deps.Display.Show(WindowRGB, s.rgb); err != nil {
			return res, fmt.Errorf("gazeoverlay: show %s: %w", WindowRGB, err)
		}
		s.rgbDirty = false
		res.Shown = true
	}
	return res, nil
}

var errBadFrame = errors.New("gazeoverlay: invalid frame")

func (s *Session) acceptRGB(e framecache.Entry) error {
	f, err := imaging.FromStream(e.Image)
	if err != nil {
		return err
	}
	if f.Depth != stream.SampleUint8 {
		f = f.NormalizeU8()
	}
	h := f.Height
	f = f.RotateCW()
	f.SwapRB()
	s.rgb, s.rgbHeight, s.rgbDirty = f, h, true
	if !s.haveRGB.Swap(true) {
		slog.Debug("gazeoverlay: first rgb frame received", "width", e.Image.Width, "height", e.Image.Height)
	}
	return nil
}

func (s *Session) processEye(ctx context.Context, e framecache.Entry) (Sample, error) {
	f, err := imaging.FromStream(e.Image)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	f = f.NormalizeU8()
	view, err := f.GrayToBGR()
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}
	if err := s.deps.Display.Show(WindowEye, view); err != nil {
		return Sample{}, fmt.Errorf("gazeoverlay: show %s: %w", WindowEye, err)
	}
	gray, err := view.BGRToGray()
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", errBadFrame, err)
	}

	ctx, span := observe.StartFrameSpan(ctx, "gazeoverlay.predict", e.Record)
	start := time.Now()
	pred, err := s.deps.Estimator.Predict(ctx, gray)
	s.metrics.InferenceDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	if err != nil {
		return Sample{}, fmt.Errorf("gazeoverlay: predict: %w", err)
	}
	observe.Logger(ctx).Info("gazeoverlay: yaw/pitch",
		"yaw", pred.Yaw,
		"pitch", pred.Pitch,
		"yaw_deg", pred.Yaw*180/math.Pi,
		"pitch_deg", pred.Pitch*180/math.Pi,
	)

	rp, err := calib.GazeVectorReprojection(pred.Yaw, pred.Pitch, s.cfg.RGBLabel, s.deps.Device, s.cam, s.cfg.Depth)
	if err != nil {
		return Sample{}, fmt.Errorf("gazeoverlay: reproject: %w", err)
	}
	sample := Sample{
		Time:        s.now(),
		FrameNumber: e.Record.FrameNumber,
		Prediction:  pred,
		Direction:   calib.GazeDirection(pred.Yaw, pred.Pitch),
		OnImage:     rp.OnImage,
	}
	if rp.InFront {
		sample.X, sample.Y = imaging.RotatePointCW(rp.X, rp.Y, s.rgbHeight)
		if s.markerTouches(sample.X, sample.Y) {
			// Coordinates truncate toward zero. FillCircle clips at the edges.
			if err := s.rgb.FillCircle(int(sample.X), int(sample.Y), s.cfg.MarkerRadius, MarkerColor); err != nil {
				return Sample{}, fmt.Errorf("gazeoverlay: draw marker: %w", err)
			}
			s.rgbDirty = true
		}
	}
	if !rp.OnImage {
		s.metrics.ReprojectionMisses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("camera", s.cfg.RGBLabel)))
	}

	for _, sink := range s.sinks {
		if err := sink.RecordGaze(ctx, sample); err != nil {
			slog.Warn("gazeoverlay: gaze sink failed", "err", err)
		}
	}
	return sample, nil
}

// markerTouches reports whether a marker centred at (x, y) overlaps the
// rotated RGB frame.
func (s *Session) markerTouches(x, y float64) bool {
	r := float64(s.cfg.MarkerRadius)
	return x > -r-1 && y > -r-1 && x < float64(s.rgb.Width)+r && y < float64(s.rgb.Height)+r
}

// streamWatcher is implemented by clients that can report a lost connection.
type streamWatcher interface {
	Done() <-chan struct{}
	Err() error
}

// Run subscribes with sub and renders until quit is closed, ctx is cancelled,
// or the stream ends. The client is always unsubscribed once subscribed.
func (s *Session) Run(ctx context.Context, sub stream.SubscriptionConfig, quit <-chan struct{}) error {
	if err := s.deps.Client.Subscribe(ctx, sub, s.obs); err != nil {
		return fmt.Errorf("gazeoverlay: subscribe: %w", err)
	}
	s.subscribed.Store(true)
	s.metrics.ActiveSubscriptions.Add(ctx, 1)
	slog.Info("gazeoverlay: start listening to image data", "data_types", sub.DataTypes.String())

	var streamDone <-chan struct{}
	if w, ok := s.deps.Client.(streamWatcher); ok {
		streamDone = w.Done()
	}

	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-quit:
			break loop
		case <-streamDone:
			if err := s.deps.Client.(streamWatcher).Err(); err != nil {
				runErr = fmt.Errorf("gazeoverlay: stream ended: %w", err)
			}
			break loop
		case <-ticker.C:
			if _, err := s.Step(ctx); err != nil {
				runErr = err
				break loop
			}
		}
	}

	slog.Info("gazeoverlay: stop listening to image data")
	s.subscribed.Store(false)
	s.metrics.ActiveSubscriptions.Add(context.Background(), -1)
	if err := s.deps.Client.Unsubscribe(); err != nil && !errors.Is(err, stream.ErrNotSubscribed) {
		runErr = errors.Join(runErr, fmt.Errorf("gazeoverlay: unsubscribe: %w", err))
	}
	return runErr
}
