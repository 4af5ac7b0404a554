package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/ariastream/pkg/stream"
	"github.com/MrWong99/ariastream/pkg/wav"
)

// SessionConfig controls a recording session.
type SessionConfig struct {
	// OutputPath is the WAV file written at teardown.
	OutputPath string

	// SampleRate is written to the WAV header.
	SampleRate int

	// Format is the on-disk sample encoding.
	Format wav.Format

	// PollInterval is the sleep between quit checks. Defaults to one second.
	PollInterval time.Duration
}

// streamWatcher is implemented by clients that can report a lost connection.
type streamWatcher interface {
	Done() <-chan struct{}
	Err() error
}

// Session ties a stream client to an [Accumulator] for the lifetime of one
// recording.
type Session struct {
	client stream.Client
	acc    *Accumulator
	cfg    SessionConfig

	subscribed atomic.Bool
}

// NewSession returns a session recording from client into acc.
func NewSession(client stream.Client, acc *Accumulator, cfg SessionConfig) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	return &Session{client: client, acc: acc, cfg: cfg}
}

// Run subscribes with sub and records until quit is closed, ctx is cancelled,
// or the stream ends. Teardown always runs once subscribed: the client is
// unsubscribed and the buffer is written to cfg.OutputPath. A subscribe
// failure is returned without teardown.
func (s *Session) Run(ctx context.Context, sub stream.SubscriptionConfig, quit <-chan struct{}) error {
	if err := s.client.Subscribe(ctx, sub, s.acc); err != nil {
		return fmt.Errorf("recorder: subscribe: %w", err)
	}
	s.acc.metrics.ActiveSubscriptions.Add(ctx, 1)
	s.subscribed.Store(true)
	slog.Info("recorder: start listening to audio data", "data_types", sub.DataTypes.String())

	var streamDone <-chan struct{}
	if w, ok := s.client.(streamWatcher); ok {
		streamDone = w.Done()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
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
			if err := s.client.(streamWatcher).Err(); err != nil {
				runErr = fmt.Errorf("recorder: stream ended: %w", err)
			}
			break loop
		case <-ticker.C:
			slog.Debug("recorder: buffered", "chunks", s.acc.Len(), "rows", s.acc.Rows())
		}
	}

	return errors.Join(runErr, s.teardown())
}

func (s *Session) teardown() error {
	slog.Info("recorder: stop listening to audio data")
	s.subscribed.Store(false)
	s.acc.metrics.ActiveSubscriptions.Add(context.Background(), -1)
	var errs []error
	if err := s.client.Unsubscribe(); err != nil && !errors.Is(err, stream.ErrNotSubscribed) {
		errs = append(errs, fmt.Errorf("recorder: unsubscribe: %w", err))
	}
	if _, err := s.Save(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Subscribed reports whether the session currently holds a subscription.
func (s *Session) Subscribed() bool { return s.subscribed.Load() }

// Save flushes the buffer to cfg.OutputPath. It reports saved=false, and
// writes nothing, when no audio was recorded.
func (s *Session) Save() (saved bool, err error) {
	m, ok := s.acc.Flush()
	if !ok {
		slog.Info("recorder: no audio data recorded")
		return false, nil
	}
	if err := wav.WriteFile(s.cfg.OutputPath, m.Data, m.Channels, s.cfg.SampleRate, s.cfg.Format); err != nil {
		return false, fmt.Errorf("recorder: save: %w", err)
	}
	slog.Info("recorder: saved recorded audio",
		"path", s.cfg.OutputPath,
		"rows", m.Rows,
		"channels", m.Channels,
		"sample_rate", s.cfg.SampleRate,
		"format", s.cfg.Format.String(),
	)
	return true, nil
}
