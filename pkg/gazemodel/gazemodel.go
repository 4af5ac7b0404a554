// Package gazemodel defines the eye-gaze estimator interface and the model
// configuration shared by its implementations.
//
// An [Estimator] takes one single-channel 8-bit eye-tracking image and returns
// the gaze direction as yaw and pitch angles in radians, together with lower
// and upper uncertainty bounds. Implementations are loaded once at startup and
// called synchronously from the render loop; they are not required to be safe
// for concurrent use.
package gazemodel

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Prediction is one gaze estimate. All angles are in radians.
type Prediction struct {
	Yaw   float64
	Pitch float64

	// Lower and Upper are the uncertainty bounds as (yaw, pitch).
	Lower [2]float64
	Upper [2]float64
}

// Estimator predicts gaze direction from an eye image.
type Estimator interface {
	// Predict runs the model on img. img must be single-channel 8-bit.
	Predict(ctx context.Context, img *image.Gray) (Prediction, error)

	// Close releases model resources.
	Close() error
}

// AngleUnit is the unit of the angles produced by a model.
type AngleUnit string

const (
	Radians AngleUnit = "radians"
	Degrees AngleUnit = "degrees"
)

// ModelConfig describes the tensors of an exported gaze model.
type ModelConfig struct {
	// Input is the name of the image input tensor.
	Input string `yaml:"input"`

	// Height and Width are the spatial input size the eye image is resized to.
	Height int `yaml:"height"`
	Width  int `yaml:"width"`

	// Mean and Std normalise pixels after scaling them to [0, 1].
	Mean float32 `yaml:"mean"`
	Std  float32 `yaml:"std"`

	// Outputs names the prediction and bound tensors. Lower and Upper are
	// optional; when empty the bounds equal the prediction.
	Outputs OutputNames `yaml:"outputs"`

	// Unit is the unit of all output angles.
	Unit AngleUnit `yaml:"unit"`
}

// OutputNames lists the output tensor names of a model.
type OutputNames struct {
	Preds string `yaml:"preds"`
	Lower string `yaml:"lower"`
	Upper string `yaml:"upper"`
}

// LoadModelConfig reads and validates the model config at path.
func LoadModelConfig(path string) (ModelConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("gazemodel: open config %q: %w", path, err)
	}
	defer f.Close()
	cfg, err := ParseModelConfig(f)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("gazemodel: config %q: %w", path, err)
	}
	return cfg, nil
}

// ParseModelConfig decodes a model config from r, fills defaults, and
// validates it.
func ParseModelConfig(r io.Reader) (ModelConfig, error) {
	cfg := ModelConfig{
		Input:   "input",
		Height:  240,
		Width:   320,
		Mean:    0,
		Std:     1,
		Outputs: OutputNames{Preds: "preds"},
		Unit:    Radians,
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return ModelConfig{}, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports all inconsistencies in c.
func (c ModelConfig) Validate() error {
	var errs []error
	if c.Input == "" {
		errs = append(errs, errors.New("input is required"))
	}
	if c.Height <= 0 || c.Width <= 0 {
		errs = append(errs, fmt.Errorf("input size %dx%d must be positive", c.Width, c.Height))
	}
	if c.Std == 0 {
		errs = append(errs, errors.New("std must not be zero"))
	}
	if c.Outputs.Preds == "" {
		errs = append(errs, errors.New("outputs.preds is required"))
	}
	if c.Unit != Radians && c.Unit != Degrees {
		errs = append(errs, fmt.Errorf("unit %q is invalid; valid values: radians, degrees", c.Unit))
	}
	return errors.Join(errs...)
}

// ToRadians converts v from the config's unit to radians.
func (c ModelConfig) ToRadians(v float64) float64 {
	if c.Unit == Degrees {
		return v * math.Pi / 180
	}
	return v
}
