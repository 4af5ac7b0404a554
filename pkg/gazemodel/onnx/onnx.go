// Package onnx implements [gazemodel.Estimator] on top of ONNX Runtime.
//
// The network is loaded once from an exported .onnx checkpoint. Input and
// output tensors are allocated at construction and reused for every call, so
// an Estimator is not safe for concurrent use.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/MrWong99/ariastream/pkg/gazemodel"
)

// Compile-time interface assertion.
var _ gazemodel.Estimator = (*Estimator)(nil)

// LibraryPathEnv names the environment variable consulted for the ONNX
// Runtime shared library when no [WithSharedLibraryPath] option is given.
const LibraryPathEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment initialises the process-wide ONNX Runtime environment on
// first use.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Device is a parsed compute device selection.
type Device struct {
	CUDA bool
	ID   int
}

// ParseDevice parses "cpu", "cuda" or "cuda:N".
func ParseDevice(s string) (Device, error) {
	switch {
	case s == "" || s == "cpu":
		return Device{}, nil
	case s == "cuda":
		return Device{CUDA: true}, nil
	case strings.HasPrefix(s, "cuda:"):
		id, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || id < 0 {
			return Device{}, fmt.Errorf("onnx: invalid device %q", s)
		}
		return Device{CUDA: true, ID: id}, nil
	}
	return Device{}, fmt.Errorf("onnx: invalid device %q", s)
}

// Option is a functional option for [New].
type Option func(*options)

type options struct {
	libPath string
}

// WithSharedLibraryPath sets the path of the ONNX Runtime shared library.
func WithSharedLibraryPath(path string) Option {
	return func(o *options) { o.libPath = path }
}

// Estimator runs a gaze network with ONNX Runtime.
type Estimator struct {
	cfg     gazemodel.ModelConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	preds   *ort.Tensor[float32]
	lower   *ort.Tensor[float32]
	upper   *ort.Tensor[float32]
	resized *image.Gray
}

// New loads the checkpoint and model config and prepares a session on device.
func New(checkpointPath, configPath, device string, opts ...Option) (*Estimator, error) {
	o := options{libPath: os.Getenv(LibraryPathEnv)}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := gazemodel.LoadModelConfig(configPath)
	if err != nil {
		return nil, err
	}
	dev, err := ParseDevice(device)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(checkpointPath); err != nil {
		return nil, fmt.Errorf("onnx: checkpoint: %w", err)
	}
	if err := initEnvironment(o.libPath); err != nil {
		return nil, fmt.Errorf("onnx: initialise runtime: %w", err)
	}

	e := &Estimator{
		cfg:     cfg,
		resized: image.NewGray(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}
	if err := e.allocate(checkpointPath, dev); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Estimator) allocate(checkpointPath string, dev Device) error {
	var err error
	e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(e.cfg.Height), int64(e.cfg.Width)))
	if err != nil {
		return fmt.Errorf("onnx: input tensor: %w", err)
	}

	outNames := []string{e.cfg.Outputs.Preds}
	e.preds, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 2))
	if err != nil {
		return fmt.Errorf("onnx: output tensor: %w", err)
	}
	outputs := []ort.Value{e.preds}
	if e.cfg.Outputs.Lower != "" && e.cfg.Outputs.Upper != "" {
		if e.lower, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 2)); err != nil {
			return fmt.Errorf("onnx: output tensor: %w", err)
		}
		if e.upper, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 2)); err != nil {
			return fmt.Errorf("onnx: output tensor: %w", err)
		}
		outNames = append(outNames, e.cfg.Outputs.Lower, e.cfg.Outputs.Upper)
		outputs = append(outputs, e.lower, e.upper)
	}

	so, err := sessionOptions(dev)
	if err != nil {
		return err
	}
	defer so.Destroy()

	e.session, err = ort.NewAdvancedSession(checkpointPath,
		[]string{e.cfg.Input}, outNames,
		[]ort.Value{e.input}, outputs, so)
	if err != nil {
		return fmt.Errorf("onnx: create session: %w", err)
	}
	return nil
}

func sessionOptions(dev Device) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: session options: %w", err)
	}
	if !dev.CUDA {
		return so, nil
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		so.Destroy()
		return nil, fmt.Errorf("onnx: cuda options: %w", err)
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(dev.ID)}); err != nil {
		so.Destroy()
		return nil, fmt.Errorf("onnx: cuda options: %w", err)
	}
	if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
		so.Destroy()
		return nil, fmt.Errorf("onnx: enable cuda: %w", err)
	}
	return so, nil
}

// Predict implements [gazemodel.Estimator].
func (e *Estimator) Predict(ctx context.Context, img *image.Gray) (gazemodel.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return gazemodel.Prediction{}, err
	}
	Preprocess(e.resized, img, e.cfg.Mean, e.cfg.Std, e.input.GetData())

	if err := e.session.Run(); err != nil {
		return gazemodel.Prediction{}, fmt.Errorf("onnx: run: %w", err)
	}

	p := e.preds.GetData()
	pred := gazemodel.Prediction{
		Yaw:   e.cfg.ToRadians(float64(p[0])),
		Pitch: e.cfg.ToRadians(float64(p[1])),
	}
	pred.Lower = [2]float64{pred.Yaw, pred.Pitch}
	pred.Upper = pred.Lower
	if e.lower != nil {
		l, u := e.lower.GetData(), e.upper.GetData()
		pred.Lower = [2]float64{e.cfg.ToRadians(float64(l[0])), e.cfg.ToRadians(float64(l[1]))}
		pred.Upper = [2]float64{e.cfg.ToRadians(float64(u[0])), e.cfg.ToRadians(float64(u[1]))}
	}
	return pred, nil
}

// Preprocess resizes src into scratch with bilinear filtering and writes the
// normalised pixels ((v/255 - mean) / std) into dst in row-major order.
// len(dst) must equal the pixel count of scratch.
func Preprocess(scratch, src *image.Gray, mean, std float32, dst []float32) {
	if src.Bounds().Size() == scratch.Bounds().Size() {
		draw.Copy(scratch, image.Point{}, src, src.Bounds(), draw.Src, nil)
	} else {
		draw.BiLinear.Scale(scratch, scratch.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	b := scratch.Bounds()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := scratch.Pix[(y-b.Min.Y)*scratch.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst[i] = (float32(row[x])/255 - mean) / std
			i++
		}
	}
}

// Close releases the session and tensors. It is safe to call on a partially
// constructed Estimator.
func (e *Estimator) Close() error {
	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
		e.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{e.input, e.preds, e.lower, e.upper} {
		if t != nil {
			errs = append(errs, t.Destroy())
		}
	}
	e.input, e.preds, e.lower, e.upper = nil, nil, nil, nil
	return errors.Join(errs...)
}
