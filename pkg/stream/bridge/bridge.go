// Package bridge implements [stream.Client] against a local relay that owns
// the device SDK session and forwards decoded frames over a WebSocket.
//
// Every WebSocket message is one msgpack-encoded envelope. The client sends
// "subscribe" and "unsubscribe"; the relay answers "subscribed" or "error"
// and then streams "image" and "audio" envelopes until the socket closes.
//
// Inbound data is held in one bounded queue per data type. When a queue is
// full the oldest message is discarded, so a slow observer always sees the
// freshest data. A single dispatch goroutine delivers queued messages to the
// observer in arrival order.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/ariastream/pkg/stream"
)

// Compile-time interface assertion.
var _ stream.Client = (*Client)(nil)

const (
	defaultDialTimeout = 10 * time.Second

	// readLimit bounds a single envelope. Full-resolution RGB frames are a
	// few megabytes.
	readLimit = 64 << 20
)

// Envelope types.
const (
	msgSubscribe   = "subscribe"
	msgSubscribed  = "subscribed"
	msgUnsubscribe = "unsubscribe"
	msgImage       = "image"
	msgAudio       = "audio"
	msgError       = "error"
)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithDialTimeout bounds the dial and the subscribe handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithHTTPHeader adds headers to the WebSocket upgrade request.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithDropHook registers fn to be called whenever a full queue discards a
// message. fn runs on the receive goroutine and must not block.
func WithDropHook(fn func(stream.DataType)) Option {
	return func(c *Client) { c.onDrop = fn }
}

// WithDispatchHook registers fn to be called after every message delivered
// to the observer.
func WithDispatchHook(fn func(stream.DataType)) Option {
	return func(c *Client) { c.onDispatch = fn }
}

// Client is a [stream.Client] backed by a relay WebSocket.
// It is safe for concurrent use.
type Client struct {
	url         string
	dialTimeout time.Duration
	header      http.Header
	onDrop      func(stream.DataType)
	onDispatch  func(stream.DataType)

	mu   sync.Mutex
	sess *session
	last *session
}

// New returns a client for the relay at url (ws:// or wss://).
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, dialTimeout: defaultDialTimeout}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Wire format ───────────────────────────────────────────────────────────────

type envelope struct {
	Type string `msgpack:"type"`

	// subscribe
	DataTypes         uint32         `msgpack:"data_types,omitempty"`
	QueueSizes        map[string]int `msgpack:"queue_sizes,omitempty"`
	UseEphemeralCerts bool           `msgpack:"use_ephemeral_certs,omitempty"`
	LogLevel          string         `msgpack:"log_level,omitempty"`

	// data
	Image *imageMsg `msgpack:"image,omitempty"`
	Audio *audioMsg `msgpack:"audio,omitempty"`

	// error
	Error string `msgpack:"error,omitempty"`
}

type imageMsg struct {
	CameraID         int    `msgpack:"camera_id"`
	Width            int    `msgpack:"width"`
	Height           int    `msgpack:"height"`
	Channels         int    `msgpack:"channels"`
	SampleType       uint8  `msgpack:"sample_type"`
	Pix              []byte `msgpack:"pix"`
	CaptureTimestamp int64  `msgpack:"capture_timestamp_ns"`
	FrameNumber      uint64 `msgpack:"frame_number"`
}

type audioMsg struct {
	Samples             []int32 `msgpack:"samples"`
	CaptureTimestampsNs []int64 `msgpack:"capture_timestamps_ns"`
}

// dataTypeFor maps a camera to the stream that carries it.
func dataTypeFor(cam stream.CameraID) stream.DataType {
	switch cam {
	case stream.CameraRGB:
		return stream.DataRGB
	case stream.CameraEyeTrack:
		return stream.DataEyeTrack
	default:
		return stream.DataSLAM
	}
}

func subscribeEnvelope(cfg stream.SubscriptionConfig) envelope {
	env := envelope{
		Type:              msgSubscribe,
		DataTypes:         uint32(cfg.DataTypes),
		QueueSizes:        make(map[string]int),
		UseEphemeralCerts: cfg.Security.UseEphemeralCerts,
		LogLevel:          cfg.LogLevel,
	}
	for _, t := range cfg.DataTypes.Split() {
		env.QueueSizes[strings.ToLower(t.String())] = cfg.QueueSize(t)
	}
	return env
}

// ── Subscribe / Unsubscribe ───────────────────────────────────────────────────

// Subscribe implements [stream.Client]. It dials the relay, sends the
// subscription and waits for the acknowledgement.
func (c *Client) Subscribe(ctx context.Context, cfg stream.SubscriptionConfig, obs stream.Observer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if obs == nil {
		return errors.New("bridge: observer is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return stream.ErrAlreadySubscribed
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(readLimit)

	if err := writeEnvelope(dialCtx, conn, subscribeEnvelope(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return fmt.Errorf("bridge: subscribe: %w", err)
	}
	if err := awaitAck(dialCtx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return fmt.Errorf("bridge: subscribe: %w", err)
	}

	s := newSession(conn, cfg, obs, c.onDrop, c.onDispatch)
	c.sess = s
	c.last = s
	go s.receiveLoop()
	go s.dispatchLoop()

	slog.Debug("bridge: subscribed", "url", c.url, "data_types", cfg.DataTypes.String())
	return nil
}

// awaitAck reads envelopes until the relay acknowledges or rejects the
// subscription.
func awaitAck(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return err
		}
		switch env.Type {
		case msgSubscribed:
			return nil
		case msgError:
			return fmt.Errorf("relay rejected subscription: %s", env.Error)
		default:
			slog.Debug("bridge: ignoring envelope before ack", "type", env.Type)
		}
	}
}

// Unsubscribe implements [stream.Client]. It returns
// [stream.ErrNotSubscribed] if Subscribe never succeeded and nil on repeated
// calls.
func (c *Client) Unsubscribe() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	last := c.last
	c.mu.Unlock()

	if s == nil {
		if last == nil {
			return stream.ErrNotSubscribed
		}
		return nil
	}
	return s.close()
}

// Done returns a channel closed when the current (or most recent) session
// ends for any reason. It returns nil before the first Subscribe.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	return c.last.done
}

// Err returns the first error that terminated the current (or most recent)
// session, or nil if it ended by Unsubscribe or is still running.
func (c *Client) Err() error {
	c.mu.Lock()
	s := c.last
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Err()
}

// ── session ───────────────────────────────────────────────────────────────────

type queued struct {
	seq   uint64
	kind  stream.DataType
	img   stream.Image
	irec  stream.ImageRecord
	audio stream.AudioPacket
	arec  stream.AudioRecord
}

type session struct {
	conn       *websocket.Conn
	cfg        stream.SubscriptionConfig
	obs        stream.Observer
	onDrop     func(stream.DataType)
	onDispatch func(stream.DataType)

	qmu    sync.Mutex
	queues map[stream.DataType][]queued
	seq    uint64
	wake   chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool

	done       chan struct{}
	dispatched chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, cfg stream.SubscriptionConfig, obs stream.Observer, onDrop, onDispatch func(stream.DataType)) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:       conn,
		cfg:        cfg,
		obs:        obs,
		onDrop:     onDrop,
		onDispatch: onDispatch,
		queues:     make(map[stream.DataType][]queued),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		dispatched: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// receiveLoop reads envelopes and enqueues data. It ends the session when the
// socket fails or the relay reports an error.
func (s *session) receiveLoop() {
	defer s.finish()

	for {
		env, err := readEnvelope(s.ctx, s.conn)
		if errors.Is(err, errDecode) {
			slog.Warn("bridge: skipping malformed envelope", "err", err)
			continue
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				err = fmt.Errorf("relay closed the stream: %s", ce.Reason)
			}
			s.setErr(fmt.Errorf("bridge: receive: %w", err))
			return
		}

		switch env.Type {
		case msgImage:
			if env.Image == nil {
				continue
			}
			img, rec := env.Image.decode()
			kind := dataTypeFor(rec.CameraID)
			if !s.cfg.DataTypes.Has(kind) {
				continue
			}
			s.enqueue(queued{kind: kind, img: img, irec: rec})
		case msgAudio:
			if env.Audio == nil || !s.cfg.DataTypes.Has(stream.DataAudio) {
				continue
			}
			s.enqueue(queued{
				kind:  stream.DataAudio,
				audio: stream.AudioPacket{Samples: env.Audio.Samples},
				arec:  stream.AudioRecord{CaptureTimestampsNs: env.Audio.CaptureTimestampsNs},
			})
		case msgError:
			s.setErr(fmt.Errorf("bridge: relay error: %s", env.Error))
			return
		default:
			slog.Debug("bridge: ignoring envelope", "type", env.Type)
		}
	}
}

func (m *imageMsg) decode() (stream.Image, stream.ImageRecord) {
	return stream.Image{
			Width:      m.Width,
			Height:     m.Height,
			Channels:   m.Channels,
			SampleType: stream.SampleType(m.SampleType),
			Pix:        m.Pix,
		}, stream.ImageRecord{
			CameraID:         stream.CameraID(m.CameraID),
			CaptureTimestamp: time.Duration(m.CaptureTimestamp),
			FrameNumber:      m.FrameNumber,
		}
}

// enqueue appends q to its type's queue, discarding the oldest entry when
// the queue is at capacity.
func (s *session) enqueue(q queued) {
	s.qmu.Lock()
	s.seq++
	q.seq = s.seq
	list := s.queues[q.kind]
	dropped := false
	if len(list) >= s.cfg.QueueSize(q.kind) {
		list = list[1:]
		dropped = true
	}
	s.queues[q.kind] = append(list, q)
	s.qmu.Unlock()

	if dropped && s.onDrop != nil {
		s.onDrop(q.kind)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest queued message across all types.
func (s *session) next() (queued, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	var (
		best  queued
		found bool
	)
	for _, list := range s.queues {
		if len(list) > 0 && (!found || list[0].seq < best.seq) {
			best, found = list[0], true
		}
	}
	if found {
		s.queues[best.kind] = s.queues[best.kind][1:]
	}
	return best, found
}

// dispatchLoop is the only goroutine that calls the observer.
func (s *session) dispatchLoop() {
	defer close(s.dispatched)
	for {
		for {
			if s.ctx.Err() != nil {
				return
			}
			q, ok := s.next()
			if !ok {
				break
			}
			if q.kind == stream.DataAudio {
				s.obs.OnAudioReceived(q.audio, q.arec)
			} else {
				s.obs.OnImageReceived(q.img, q.irec)
			}
			if s.onDispatch != nil {
				s.onDispatch(q.kind)
			}
		}
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// finish stops dispatch and marks the session done. Idempotent.
func (s *session) finish() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.dispatched
		close(s.done)
	})
}

// close sends "unsubscribe", closes the socket and waits for both goroutines.
func (s *session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.ctx.Err() == nil {
		wctx, cancel := context.WithTimeout(s.ctx, time.Second)
		if werr := writeEnvelope(wctx, s.conn, envelope{Type: msgUnsubscribe}); werr != nil {
			err = fmt.Errorf("bridge: unsubscribe: %w", werr)
		}
		cancel()
	}
	s.cancel() // unblocks receiveLoop and dispatchLoop
	s.conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	<-s.done
	return err
}

// ── Codec ─────────────────────────────────────────────────────────────────────

var errDecode = errors.New("decode envelope")

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env envelope) error {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (envelope, error) {
	var env envelope
	_, data, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %w", errDecode, err)
	}
	return env, nil
}
