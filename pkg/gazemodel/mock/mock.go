// Package mock provides a scripted [gazemodel.Estimator] for tests.
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/MrWong99/ariastream/pkg/gazemodel"
)

var _ gazemodel.Estimator = (*Estimator)(nil)

// Estimator returns Prediction (or PredictError) for every call and records
// the images it was given.
type Estimator struct {
	mu sync.Mutex

	// Prediction is returned by Predict.
	Prediction gazemodel.Prediction

	// PredictError, when non-nil, is returned by Predict.
	PredictError error

	// CloseError is returned by Close.
	CloseError error

	// PredictCalls records the bounds of every image passed to Predict.
	PredictCalls []image.Rectangle

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Predict implements [gazemodel.Estimator].
func (e *Estimator) Predict(_ context.Context, img *image.Gray) (gazemodel.Prediction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PredictCalls = append(e.PredictCalls, img.Bounds())
	if e.PredictError != nil {
		return gazemodel.Prediction{}, e.PredictError
	}
	return e.Prediction, nil
}

// Close implements [gazemodel.Estimator].
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	return e.CloseError
}

// Calls returns the number of Predict calls so far.
func (e *Estimator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.PredictCalls)
}
