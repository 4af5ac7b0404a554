// Package recorder accumulates multi-channel microphone audio from a
// streaming session and writes it to a WAV file when the session ends.
//
// Each packet is normalised to float64, reshaped into rows of a fixed channel
// count and appended to an ordered buffer. The buffer is guarded by a single
// mutex held for the whole append and for the final concatenation, so the
// stream dispatch goroutine and the teardown path never observe a partially
// updated buffer.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/ariastream/internal/observe"
	"github.com/MrWong99/ariastream/pkg/stream"
)

// ErrReshape is returned when a packet's sample count is not a multiple of
// the channel count.
var ErrReshape = errors.New("recorder: sample count not divisible by channel count")

// Defaults for the device microphone array.
const (
	DefaultChannels    = 7
	DefaultSampleWidth = 4
	DefaultSampleRate  = 48000
)

// MaxSignedValue returns the largest value representable by a signed integer
// of width bytes, e.g. 2^31−1 for 4.
func MaxSignedValue(width int) float64 {
	if width < 1 || width > 8 {
		panic(fmt.Sprintf("recorder: invalid sample width %d", width))
	}
	return float64(uint64(1)<<(8*width-1) - 1)
}

// Normalize divides every raw sample by maxValue.
func Normalize(raw []int32, maxValue float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v) / maxValue
	}
	return out
}

// Chunk is one packet reshaped into Rows rows of Channels samples, stored
// row-major.
type Chunk struct {
	Rows     int
	Channels int
	Data     []float64

	// TimestampsNs are the capture timestamps delivered with the packet.
	TimestampsNs []int64
}

// Reshape arranges interleaved samples into rows of channels columns. It
// returns [ErrReshape] if len(samples) is not a multiple of channels.
func Reshape(samples []float64, channels int) (Chunk, error) {
	if channels <= 0 {
		return Chunk{}, fmt.Errorf("recorder: invalid channel count %d", channels)
	}
	if len(samples)%channels != 0 {
		return Chunk{}, fmt.Errorf("%w: %d samples, %d channels", ErrReshape, len(samples), channels)
	}
	return Chunk{Rows: len(samples) / channels, Channels: channels, Data: samples}, nil
}

// Mean returns the mean over all samples in c.
func (c Chunk) Mean() float64 { return mean(c.Data) }

// Shape returns "(rows, channels)".
func (c Chunk) Shape() string { return fmt.Sprintf("(%d, %d)", c.Rows, c.Channels) }

// Matrix is the concatenation of all recorded chunks, row-major.
type Matrix struct {
	Rows     int
	Channels int
	Data     []float64

	// TimestampsNs concatenates the chunks' capture timestamps in order.
	TimestampsNs []int64
}

// Row returns row i as a sub-slice of Data.
func (m Matrix) Row(i int) []float64 {
	return m.Data[i*m.Channels : (i+1)*m.Channels]
}

// Mean returns the mean over all samples in m.
func (m Matrix) Mean() float64 { return mean(m.Data) }

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// Option configures an [Accumulator].
type Option func(*Accumulator)

// WithChannels sets the number of interleaved channels per packet.
func WithChannels(n int) Option {
	return func(a *Accumulator) { a.channels = n }
}

// WithSampleWidth sets the raw sample width in bytes used for normalisation.
func WithSampleWidth(n int) Option {
	return func(a *Accumulator) { a.maxValue = MaxSignedValue(n) }
}

// WithMetrics records chunk counters on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Accumulator) { a.metrics = m }
}

// Accumulator buffers audio chunks in arrival order. It implements the audio
// half of [stream.Observer]; image callbacks are ignored.
type Accumulator struct {
	mu     sync.Mutex
	chunks []Chunk
	rows   int
	last   time.Time

	channels int
	maxValue float64
	metrics  *observe.Metrics
}

var _ stream.Observer = (*Accumulator)(nil)

// NewAccumulator returns an empty accumulator for the 7-channel, 4-byte
// device format unless overridden by opts.
func NewAccumulator(opts ...Option) *Accumulator {
	a := &Accumulator{
		channels: DefaultChannels,
		maxValue: MaxSignedValue(DefaultSampleWidth),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// OnImageReceived implements [stream.Observer]. Images are ignored.
func (a *Accumulator) OnImageReceived(stream.Image, stream.ImageRecord) {}

// OnAudioReceived implements [stream.Observer]. Reshape failures are logged
// and the packet is dropped.
func (a *Accumulator) OnAudioReceived(pkt stream.AudioPacket, rec stream.AudioRecord) {
	if err := a.Append(pkt.Samples, rec.CaptureTimestampsNs); err != nil {
		slog.Warn("recorder: dropping audio chunk", "samples", len(pkt.Samples), "err", err)
	}
}

// Append normalises and reshapes raw, then appends it to the buffer. On
// error the buffer is left unchanged.
func (a *Accumulator) Append(raw []int32, timestampsNs []int64) error {
	ctx := context.Background()
	chunk, err := Reshape(Normalize(raw, a.maxValue), a.channels)
	if err != nil {
		a.metrics.AudioChunksDropped.Add(ctx, 1)
		return err
	}
	chunk.TimestampsNs = timestampsNs
	slog.Debug("recorder: received chunk", "shape", chunk.Shape(), "mean", chunk.Mean())

	a.mu.Lock()
	a.chunks = append(a.chunks, chunk)
	a.rows += chunk.Rows
	a.last = time.Now()
	n := len(a.chunks)
	a.mu.Unlock()

	a.metrics.AudioChunksAppended.Add(ctx, 1)
	a.metrics.AudioRowsBuffered.Add(ctx, int64(chunk.Rows))
	slog.Debug("recorder: appended audio to buffer", "buffer_size", n)
	return nil
}

// Len returns the number of buffered chunks.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// LastAppendAt returns the time of the most recent successful Append, or
// the zero time.
func (a *Accumulator) LastAppendAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Rows returns the number of buffered sample rows.
func (a *Accumulator) Rows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rows
}

// Flush concatenates all buffered chunks in arrival order and empties the
// buffer. ok is false when nothing was recorded.
func (a *Accumulator) Flush() (m Matrix, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.chunks) == 0 {
		return Matrix{}, false
	}
	m = Matrix{
		Rows:     a.rows,
		Channels: a.channels,
		Data:     make([]float64, 0, a.rows*a.channels),
	}
	for _, c := range a.chunks {
		m.Data = append(m.Data, c.Data...)
		m.TimestampsNs = append(m.TimestampsNs, c.TimestampsNs...)
	}
	a.metrics.AudioRowsBuffered.Add(context.Background(), -int64(a.rows))
	a.chunks = nil
	a.rows = 0
	return m, true
}
