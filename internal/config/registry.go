package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/ariastream/pkg/gazemodel"
	"github.com/MrWong99/ariastream/pkg/stream"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	clients    map[string]func(BridgeConfig) (stream.Client, error)
	estimators map[string]func(GazeConfig) (gazemodel.Estimator, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		clients:    make(map[string]func(BridgeConfig) (stream.Client, error)),
		estimators: make(map[string]func(GazeConfig) (gazemodel.Estimator, error)),
	}
}

// RegisterClient registers a stream client factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterClient(name string, factory func(BridgeConfig) (stream.Client, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = factory
}

// RegisterEstimator registers a gaze estimator factory under name.
func (r *Registry) RegisterEstimator(name string, factory func(GazeConfig) (gazemodel.Estimator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.estimators[name] = factory
}

// CreateClient instantiates the stream client registered under cfg.Kind.
// Returns [ErrBackendNotRegistered] if no factory has been registered.
func (r *Registry) CreateClient(cfg BridgeConfig) (stream.Client, error) {
	r.mu.RLock()
	factory, ok := r.clients[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: bridge/%q", ErrBackendNotRegistered, cfg.Kind)
	}
	return factory(cfg)
}

// CreateEstimator instantiates the gaze estimator registered under cfg.Backend.
func (r *Registry) CreateEstimator(cfg GazeConfig) (gazemodel.Estimator, error) {
	r.mu.RLock()
	factory, ok := r.estimators[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: gaze/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
