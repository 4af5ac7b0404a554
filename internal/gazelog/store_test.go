package gazelog_test

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/MrWong99/ariastream/internal/calib"
	"github.com/MrWong99/ariastream/internal/gazelog"
	"github.com/MrWong99/ariastream/internal/gazeoverlay"
	"github.com/MrWong99/ariastream/pkg/gazemodel"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ARIASTREAM_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ARIASTREAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARIASTREAM_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T, session string) *gazelog.Store {
	t.Helper()
	ctx := context.Background()
	s, err := gazelog.NewStore(ctx, testDSN(t), session)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func sample(frame uint64, yaw, pitch float64, onImage bool) gazeoverlay.Sample {
	return gazeoverlay.Sample{
		Time:        time.Unix(1700000000, 0).UTC(),
		FrameNumber: frame,
		Prediction: gazemodel.Prediction{
			Yaw: yaw, Pitch: pitch,
			Lower: [2]float64{yaw - 0.1, pitch - 0.1},
			Upper: [2]float64{yaw + 0.1, pitch + 0.1},
		},
		Direction: calib.GazeDirection(yaw, pitch),
		X:         12, Y: 34,
		OnImage: onImage,
	}
}

func TestStore_RecordAndNearest(t *testing.T) {
	session := "test-" + time.Now().Format("20060102150405.000000000")
	s := newTestStore(t, session)
	ctx := context.Background()

	for i, yp := range [][2]float64{{0, 0}, {0.5, 0}, {-0.5, 0.2}} {
		if err := s.RecordGaze(ctx, sample(uint64(i+1), yp[0], yp[1], i != 2)); err != nil {
			t.Fatalf("RecordGaze: %v", err)
		}
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}

	got, err := s.Nearest(ctx, calib.GazeDirection(0.48, 0), 1)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Nearest returned %d results", len(got))
	}
	r := got[0]
	if r.SessionID != session || r.FrameNumber != 2 {
		t.Errorf("nearest = %+v, want frame 2 of %s", r, session)
	}
	if math.Abs(r.Prediction.Yaw-0.5) > 1e-9 || !r.OnImage || r.X != 12 || r.Y != 34 {
		t.Errorf("nearest = %+v", r)
	}
	if math.Abs(r3.Norm(r.Direction)-1) > 1e-6 {
		t.Errorf("stored direction not unit: %+v", r.Direction)
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := gazelog.NewStore(context.Background(), "://not a dsn", "x"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}
