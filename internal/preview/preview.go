// Package preview serves the overlay windows over HTTP.
//
// Each configured window keeps its latest frame as a JPEG scaled to the
// window size. Browsers watch a window as an MJPEG stream at
// /stream/{window} or fetch a single frame from /snapshot/{window}. The index
// page lays the windows out at their configured positions. The same server
// exposes /metrics, /healthz and /readyz.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/MrWong99/ariastream/internal/config"
	"github.com/MrWong99/ariastream/internal/gazeoverlay"
	"github.com/MrWong99/ariastream/internal/health"
	"github.com/MrWong99/ariastream/internal/imaging"
	"github.com/MrWong99/ariastream/internal/observe"
)

var _ gazeoverlay.Display = (*Server)(nil)

const shutdownTimeout = 5 * time.Second

// window holds the latest encoded frame of one preview window.
type window struct {
	cfg config.WindowConfig

	mu     sync.Mutex
	jpeg   []byte
	seq    uint64
	notify chan struct{} // closed and replaced on every update
}

func newWindow(cfg config.WindowConfig) *window {
	return &window{cfg: cfg, notify: make(chan struct{})}
}

func (w *window) set(b []byte) {
	w.mu.Lock()
	w.jpeg = b
	w.seq++
	close(w.notify)
	w.notify = make(chan struct{})
	w.mu.Unlock()
}

// latest returns the current frame, its sequence number and a channel closed
// on the next update.
func (w *window) latest() ([]byte, uint64, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jpeg, w.seq, w.notify
}

// Option configures a [Server].
type Option func(*Server)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithHealth serves the liveness and readiness probes of h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records request metrics on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the preview HTTP server. It implements [gazeoverlay.Display].
type Server struct {
	addr    string
	quality int

	mu      sync.RWMutex
	windows map[string]*window

	metricsHandler http.Handler
	health         *health.Handler
	metrics        *observe.Metrics
}

// New returns a server for cfg. Windows not listed in cfg are created on
// first use at the size of their first frame.
func New(cfg config.PreviewConfig, opts ...Option) *Server {
	s := &Server{
		addr:    cfg.ListenAddr,
		quality: cfg.JPEGQuality,
		windows: make(map[string]*window, len(cfg.Windows)),
	}
	if s.quality < 1 || s.quality > 100 {
		s.quality = jpeg.DefaultQuality
	}
	for _, wc := range cfg.Windows {
		s.windows[wc.Name] = newWindow(wc)
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

func (s *Server) window(name string, create func() config.WindowConfig) *window {
	s.mu.RLock()
	w := s.windows[name]
	s.mu.RUnlock()
	if w != nil || create == nil {
		return w
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w = s.windows[name]; w == nil {
		w = newWindow(create())
		s.windows[name] = w
	}
	return w
}

// Show implements [gazeoverlay.Display]. The frame is scaled to the window
// size and JPEG-encoded before Show returns.
func (s *Server) Show(name string, f *imaging.Frame) error {
	img, err := f.ToImage()
	if err != nil {
		return fmt.Errorf("preview: %w", err)
	}
	w := s.window(name, func() config.WindowConfig {
		return config.WindowConfig{Name: name, Width: f.Width, Height: f.Height}
	})
	if b := img.Bounds(); b.Dx() != w.cfg.Width || b.Dy() != w.cfg.Height {
		img = scale(img, w.cfg.Width, w.cfg.Height)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("preview: encode %s: %w", name, err)
	}
	w.set(buf.Bytes())
	return nil
}

func scale(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /stream/{window}", s.handleStream)
	mux.HandleFunc("GET /snapshot/{window}", s.handleSnapshot)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("preview: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("preview: serving", "addr", ln.Addr().String(), "windows", s.names())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("preview: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("preview: shutdown: %w", err)
	}
	return nil
}

func (s *Server) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.windows))
	for n := range s.windows {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	win := s.window(r.PathValue("window"), nil)
	if win == nil {
		http.NotFound(w, r)
		return
	}
	b, _, _ := win.latest()
	if b == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	win := s.window(r.PathValue("window"), nil)
	if win == nil {
		http.NotFound(w, r)
		return
	}
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", observe.MJPEGContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, "--frame\r\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	var sent uint64
	for {
		b, seq, next := win.latest()
		if b != nil && seq != sent {
			if err := writePart(w, b); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			sent = seq
		}
		select {
		case <-r.Context().Done():
			return
		case <-next:
		}
	}
}

// writePart writes one JPEG part and the boundary closing it, so a reader
// can hand the frame on without waiting for the next one.
func writePart(w io.Writer, b []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(b)); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n--frame\r\n")
	return err
}

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><title>ariastream preview</title>
<style>body{margin:0;background:#111;color:#ddd;font-family:sans-serif}
figure{position:absolute;margin:0}figcaption{font-size:12px;padding:2px 0}</style>
</head>
<body>
{{range .}}<figure style="left:{{.X}}px;top:{{.Y}}px">
<figcaption>{{.Name}}</figcaption>
<img src="/stream/{{.Path}}" width="{{.Width}}" height="{{.Height}}" alt="{{.Name}}">
</figure>
{{end}}</body>
</html>
`))

type indexEntry struct {
	config.WindowConfig
	Path string
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	var entries []indexEntry
	for _, n := range s.names() {
		win := s.window(n, nil)
		entries = append(entries, indexEntry{WindowConfig: win.cfg, Path: url.PathEscape(n)})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, entries); err != nil {
		slog.Warn("preview: render index", "err", err)
	}
}
