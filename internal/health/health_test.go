package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// probe serves path through a mux with h registered and decodes the body.
func probe(t *testing.T, h *Handler, req *http.Request) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", req.URL.Path, err)
	}
	return rec.Code, body
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	h := New(Checker{Name: "subscribed", Check: failWith("no active subscription")})
	code, body := probe(t, h, httptest.NewRequest("GET", "/healthz", nil))
	if code != http.StatusOK || body.Status != "ok" || body.Checks != nil {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]string
	}{
		{
			name:     "nothing registered",
			wantCode: http.StatusOK,
		},
		{
			name: "streaming",
			checkers: []Checker{
				{Name: "subscribed", Check: pass},
				{Name: "frames", Check: pass},
			},
			wantCode: http.StatusOK,
			want:     map[string]string{"subscribed": "ok", "frames": "ok"},
		},
		{
			name: "bridge gone",
			checkers: []Checker{
				{Name: "subscribed", Check: failWith("no active subscription")},
				{Name: "frames", Check: pass},
			},
			wantCode: http.StatusServiceUnavailable,
			want:     map[string]string{"subscribed": "fail: no active subscription", "frames": "ok"},
		},
		{
			name: "stalled",
			checkers: []Checker{
				{Name: "subscribed", Check: failWith("bridge timeout")},
				{Name: "frames", Check: failWith("no data received yet")},
			},
			wantCode: http.StatusServiceUnavailable,
			want:     map[string]string{"subscribed": "fail: bridge timeout", "frames": "fail: no data received yet"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := probe(t, New(tt.checkers...), httptest.NewRequest("GET", "/readyz", nil))
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			wantStatus := "ok"
			if tt.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("status = %q, want %q", body.Status, wantStatus)
			}
			for name, want := range tt.want {
				if body.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestNew_CopiesCheckers(t *testing.T) {
	cs := []Checker{{Name: "frames", Check: pass}}
	h := New(cs...)
	cs[0] = Checker{Name: "frames", Check: failWith("replaced")}

	if code, _ := probe(t, h, httptest.NewRequest("GET", "/readyz", nil)); code != http.StatusOK {
		t.Errorf("code = %d after caller mutated its slice", code)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "frames", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, body := probe(t, h, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if code != http.StatusServiceUnavailable || !strings.Contains(body.Checks["frames"], "canceled") {
		t.Errorf("readyz = %d %+v", code, body)
	}
}

func TestSubscribed(t *testing.T) {
	t.Parallel()
	var active atomic.Bool
	c := Subscribed(active.Load)
	if c.Name != "subscribed" {
		t.Errorf("name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected failure before subscribing")
	}
	active.Store(true)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check = %v", err)
	}
}

func TestFramesFlowing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		last    time.Time
		wantErr string
	}{
		{"never", time.Time{}, "no data"},
		{"fresh", time.Now(), ""},
		{"stale", time.Now().Add(-time.Minute), "ago"},
	}
	for _, tc := range tests {
		err := FramesFlowing(func() time.Time { return tc.last }, 5*time.Second).Check(context.Background())
		switch {
		case tc.wantErr == "" && err != nil:
			t.Errorf("%s: Check = %v", tc.name, err)
		case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
			t.Errorf("%s: Check = %v, want mention of %q", tc.name, err, tc.wantErr)
		}
	}
}
