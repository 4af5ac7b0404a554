package recorder

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/ariastream/pkg/stream"
)

const maxInt32 = float64(math.MaxInt32)

func TestMaxSignedValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		width int
		want  float64
	}{
		{1, 127},
		{2, 32767},
		{4, 2147483647},
	}
	for _, tc := range tests {
		if got := MaxSignedValue(tc.width); got != tc.want {
			t.Errorf("MaxSignedValue(%d) = %v, want %v", tc.width, got, tc.want)
		}
	}
}

func TestNormalize_Range(t *testing.T) {
	t.Parallel()
	out := Normalize([]int32{math.MaxInt32, 0, -math.MaxInt32, math.MinInt32}, maxInt32)
	if out[0] != 1 || out[1] != 0 || out[2] != -1 {
		t.Errorf("Normalize = %v", out[:3])
	}
	// The single most negative value lands one step below -1.
	if want := -1 - 1/maxInt32; math.Abs(out[3]-want) > 1e-15 {
		t.Errorf("Normalize(MinInt32) = %v, want %v", out[3], want)
	}
	for _, v := range out[:3] {
		if v < -1 || v > 1 {
			t.Errorf("value %v outside [-1, 1]", v)
		}
	}
}

func TestReshape(t *testing.T) {
	t.Parallel()
	c, err := Reshape(make([]float64, 14), 7)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	if c.Rows != 2 || c.Channels != 7 || c.Shape() != "(2, 7)" {
		t.Errorf("chunk = %+v", c)
	}
	if _, err := Reshape(make([]float64, 15), 7); !errors.Is(err, ErrReshape) {
		t.Errorf("Reshape(15, 7) error = %v, want ErrReshape", err)
	}
	if _, err := Reshape(nil, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestAccumulator_DropsIndivisibleChunk(t *testing.T) {
	t.Parallel()
	a := NewAccumulator()
	if err := a.Append(make([]int32, 14), nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	err := a.Append(make([]int32, 13), nil)
	if !errors.Is(err, ErrReshape) {
		t.Fatalf("Append(13) error = %v, want ErrReshape", err)
	}
	if a.Len() != 1 || a.Rows() != 2 {
		t.Errorf("buffer changed after drop: len=%d rows=%d", a.Len(), a.Rows())
	}

	// The observer path logs and continues.
	a.OnAudioReceived(stream.AudioPacket{Samples: make([]int32, 6)}, stream.AudioRecord{})
	a.OnAudioReceived(stream.AudioPacket{Samples: make([]int32, 7)}, stream.AudioRecord{})
	if a.Len() != 2 {
		t.Errorf("Len = %d, want 2", a.Len())
	}
}

func TestAccumulator_FlushPreservesOrder(t *testing.T) {
	t.Parallel()
	a := NewAccumulator()
	for k := int32(1); k <= 3; k++ {
		raw := make([]int32, 7*int(k))
		for i := range raw {
			raw[i] = k*1000 + int32(i)
		}
		if err := a.Append(raw, []int64{int64(k)}); err != nil {
			t.Fatalf("Append %d: %v", k, err)
		}
	}

	m, ok := a.Flush()
	if !ok {
		t.Fatal("Flush reported empty buffer")
	}
	if m.Rows != 6 || m.Channels != 7 || len(m.Data) != 42 {
		t.Fatalf("matrix = %dx%d (%d values)", m.Rows, m.Channels, len(m.Data))
	}
	// Rows 0 | 1-2 | 3-5 come from chunks 1, 2, 3 respectively.
	wantFirst := []int32{1000, 2000, 2007, 3000, 3007, 3014}
	for r, w := range wantFirst {
		if got := m.Row(r)[0] * maxInt32; math.Abs(got-float64(w)) > 1e-6 {
			t.Errorf("row %d starts with %v, want %d", r, got, w)
		}
	}
	if len(m.TimestampsNs) != 3 || m.TimestampsNs[0] != 1 || m.TimestampsNs[2] != 3 {
		t.Errorf("timestamps = %v", m.TimestampsNs)
	}
	if a.Len() != 0 || a.Rows() != 0 {
		t.Error("Flush did not empty the buffer")
	}
	if _, ok := a.Flush(); ok {
		t.Error("second Flush should report empty")
	}
}

func TestAccumulator_ConcurrentAppendAndFlush(t *testing.T) {
	t.Parallel()
	a := NewAccumulator(WithChannels(2), WithSampleWidth(2))
	var wg sync.WaitGroup
	const producers, perProducer = 4, 100
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				_ = a.Append([]int32{1, 2, 3, 4}, nil)
			}
		}()
	}
	wg.Wait()
	m, ok := a.Flush()
	if !ok || m.Rows != producers*perProducer*2 {
		t.Errorf("rows = %d, want %d", m.Rows, producers*perProducer*2)
	}
	if m.Row(0)[0] != 1.0/32767 {
		t.Errorf("normalised with wrong width: %v", m.Row(0)[0])
	}
}

func TestAccumulator_LastAppendAt(t *testing.T) {
	t.Parallel()
	a := NewAccumulator()
	if !a.LastAppendAt().IsZero() {
		t.Fatal("LastAppendAt should be zero before any chunk")
	}
	_ = a.Append(make([]int32, 5), nil)
	if !a.LastAppendAt().IsZero() {
		t.Error("a dropped chunk must not count as data")
	}
	if err := a.Append(make([]int32, 7), nil); err != nil {
		t.Fatal(err)
	}
	if a.LastAppendAt().IsZero() {
		t.Error("LastAppendAt not set after append")
	}
}
