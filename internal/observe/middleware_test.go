package observe

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// previewMux mimics the preview server routes.
func previewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /snapshot/{window}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("window") != "rgb" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegdata"))
	})
	mux.HandleFunc("GET /stream/{window}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", MJPEGContentType())
		_, _ = w.Write([]byte("--frame\r\n"))
		w.(http.Flusher).Flush()
	})
	return mux
}

// debugLogs routes the default logger into a buffer at debug level.
func debugLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestMiddleware_SpanPerRoute(t *testing.T) {
	exp := installRecorder(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(previewMux())

	rec := serve(h, httptest.NewRequest("GET", "/snapshot/rgb", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	tid := rec.Header().Get("X-Trace-ID")
	if len(tid) != 32 {
		t.Errorf("X-Trace-ID = %q, want 32 hex digits", tid)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("traceparent not injected into the response")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "preview GET /snapshot/{window}" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanContext.TraceID().String() != tid {
		t.Errorf("span trace %s, header %s", s.SpanContext.TraceID(), tid)
	}
	a := spanAttrs(s)
	if a["http.route"].AsString() != "GET /snapshot/{window}" || a["url.path"].AsString() != "/snapshot/rgb" {
		t.Errorf("attributes = %v", s.Attributes)
	}
}

func TestMiddleware_StatusFromHandler(t *testing.T) {
	tests := []struct {
		path  string
		want  int
		route string
	}{
		{"/snapshot/rgb", http.StatusOK, "GET /snapshot/{window}"},
		{"/snapshot/missing", http.StatusNotFound, "GET /snapshot/{window}"},
		{"/nowhere", http.StatusNotFound, unmatchedRoute},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			exp := installRecorder(t)
			m, _ := newTestMetrics(t)
			rec := serve(Middleware(m)(previewMux()), httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			a := spanAttrs(exp.GetSpans()[0])
			if got := a["http.response.status_code"].AsInt64(); got != int64(tt.want) {
				t.Errorf("span status = %d, want %d", got, tt.want)
			}
			if got := a["http.route"].AsString(); got != tt.route {
				t.Errorf("span route = %q, want %q", got, tt.route)
			}
		})
	}
}

func TestMiddleware_DurationLabelledByRoute(t *testing.T) {
	installRecorder(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(previewMux())

	serve(h, httptest.NewRequest("GET", "/snapshot/rgb", nil))
	serve(h, httptest.NewRequest("GET", "/snapshot/eyetrack", nil))

	met := findMetric(collect(t, reader), "ariastream.http.request.duration")
	if met == nil {
		t.Fatal("duration histogram missing")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data is %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		r, _ := dp.Attributes.Value("route")
		st, _ := dp.Attributes.Value("status")
		counts[r.AsString()+" "+st.Emit()] += dp.Count
	}
	if counts["GET /snapshot/{window} 200"] != 1 || counts["GET /snapshot/{window} 404"] != 1 {
		t.Errorf("samples by route and status = %v", counts)
	}
	if len(counts) != 2 {
		t.Errorf("window names leaked into labels: %v", counts)
	}
}

func TestMiddleware_ContinuesTraceparent(t *testing.T) {
	exp := installRecorder(t)
	m, _ := newTestMetrics(t)

	const (
		traceID = "0af7651916cd43dd8448eb211c80319c"
		parent  = "b7ad6b7169203331"
	)
	req := httptest.NewRequest("GET", "/snapshot/rgb", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-"+parent+"-01")
	rec := serve(Middleware(m)(previewMux()), req)

	if got := rec.Header().Get("X-Trace-ID"); got != traceID {
		t.Errorf("X-Trace-ID = %q, want %q", got, traceID)
	}
	s := exp.GetSpans()[0]
	if s.Parent.SpanID().String() != parent {
		t.Errorf("parent span = %s, want %s", s.Parent.SpanID(), parent)
	}
}

func TestMiddleware_LogLevelByContentType(t *testing.T) {
	installRecorder(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(previewMux())

	tests := []struct {
		path  string
		level string
	}{
		{"/snapshot/rgb", "level=INFO"},
		{"/stream/rgb", "level=DEBUG"},
	}
	for _, tt := range tests {
		buf := debugLogs(t)
		serve(h, httptest.NewRequest("GET", tt.path, nil))
		out := buf.String()
		if !strings.Contains(out, tt.level) || !strings.Contains(out, "path="+tt.path) {
			t.Errorf("%s logged %q, want %s", tt.path, out, tt.level)
		}
	}
}

func TestMiddleware_StreamFlushesAndCountsBytes(t *testing.T) {
	installRecorder(t)
	m, _ := newTestMetrics(t)
	buf := debugLogs(t)

	rec := serve(Middleware(m)(previewMux()), httptest.NewRequest("GET", "/stream/rgb", nil))
	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
	if ct := rec.Header().Get("Content-Type"); ct != mjpegContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(buf.String(), "bytes=9") {
		t.Errorf("log = %q, want bytes=9", buf)
	}
}

func TestMiddleware_ResponseControllerReachesWriter(t *testing.T) {
	installRecorder(t)
	m, _ := newTestMetrics(t)
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush via ResponseController: %v", err)
		}
	}))
	if rec := serve(h, httptest.NewRequest("GET", "/stream/rgb", nil)); !rec.Flushed {
		t.Error("recorder not flushed")
	}
}
