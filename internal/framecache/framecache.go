// Package framecache holds the most recent camera frame per camera id.
//
// Each camera owns a single-slot mailbox: a new frame replaces any frame that
// has not been taken yet, so a slow consumer always sees the freshest image
// and never a backlog. Writers are the stream dispatch goroutine; the reader is
// the render loop.
package framecache

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/ariastream/pkg/stream"
)

// Entry is one cached frame.
type Entry struct {
	Image      stream.Image
	Record     stream.ImageRecord
	ReceivedAt time.Time
}

// SlotStats is a snapshot of one slot's counters.
type SlotStats struct {
	Puts             uint64
	Takes            uint64
	Overwrites       uint64
	ConsecutiveDrops uint64
	LastPutAt        time.Time
	LastTakenSeq     uint64
	Pending          bool
}

// Slot is a single-frame mailbox. All fields are protected by mu.
type Slot struct {
	mu    sync.Mutex
	entry *Entry // nil = consumed

	puts             uint64
	takes            uint64
	overwrites       uint64
	consecutiveDrops uint64 // unconsumed frames since the last Take
	lastPutAt        time.Time
	lastTakenSeq     uint64
}

// put stores e and reports whether an unconsumed frame was replaced.
func (s *Slot) put(e *Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := s.entry != nil
	if replaced {
		s.overwrites++
		s.consecutiveDrops++
	}
	s.entry = e
	s.puts++
	s.lastPutAt = e.ReceivedAt
	return replaced
}

func (s *Slot) take() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return Entry{}, false
	}
	e := *s.entry
	s.entry = nil
	s.takes++
	s.consecutiveDrops = 0
	s.lastTakenSeq = e.Record.FrameNumber
	return e, true
}

func (s *Slot) peek() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return Entry{}, false
	}
	return *s.entry, true
}

func (s *Slot) stats() SlotStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStats{
		Puts:             s.puts,
		Takes:            s.takes,
		Overwrites:       s.overwrites,
		ConsecutiveDrops: s.consecutiveDrops,
		LastPutAt:        s.lastPutAt,
		LastTakenSeq:     s.lastTakenSeq,
		Pending:          s.entry != nil,
	}
}

// Option configures a [Cache].
type Option func(*Cache)

// WithOverwriteHook registers fn to be called, outside any lock, each time an
// unconsumed frame is replaced.
func WithOverwriteHook(fn func(stream.CameraID)) Option {
	return func(c *Cache) { c.onOverwrite = fn }
}

// WithClock overrides the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache maps camera ids to slots. Slots are created on first use and never
// removed. Safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	slots map[stream.CameraID]*Slot

	onOverwrite func(stream.CameraID)
	now         func() time.Time
}

// New returns an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		slots: make(map[stream.CameraID]*Slot),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) slot(id stream.CameraID, create bool) *Slot {
	c.mu.RLock()
	s := c.slots[id]
	c.mu.RUnlock()
	if s != nil || !create {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s = c.slots[id]; s == nil {
		s = &Slot{}
		c.slots[id] = s
	}
	return s
}

// Put stores img as the latest frame for rec.CameraID, replacing any frame
// not yet taken.
func (c *Cache) Put(img stream.Image, rec stream.ImageRecord) {
	e := &Entry{Image: img, Record: rec, ReceivedAt: c.now()}
	if c.slot(rec.CameraID, true).put(e) && c.onOverwrite != nil {
		c.onOverwrite(rec.CameraID)
	}
}

// Take removes and returns the pending frame for id.
func (c *Cache) Take(id stream.CameraID) (Entry, bool) {
	s := c.slot(id, false)
	if s == nil {
		return Entry{}, false
	}
	return s.take()
}

// Peek returns the pending frame for id without consuming it.
func (c *Cache) Peek(id stream.CameraID) (Entry, bool) {
	s := c.slot(id, false)
	if s == nil {
		return Entry{}, false
	}
	return s.peek()
}

// Has reports whether a frame for id is pending.
func (c *Cache) Has(id stream.CameraID) bool {
	_, ok := c.Peek(id)
	return ok
}

// Stats returns a snapshot of every slot, keyed by camera id.
func (c *Cache) Stats() map[stream.CameraID]SlotStats {
	c.mu.RLock()
	ids := slices.Collect(maps.Keys(c.slots))
	c.mu.RUnlock()

	out := make(map[stream.CameraID]SlotStats, len(ids))
	for _, id := range ids {
		out[id] = c.slot(id, false).stats()
	}
	return out
}

// LastFrameAt returns the time of the most recent Put across all cameras, or
// the zero time if nothing was received.
func (c *Cache) LastFrameAt() time.Time {
	var last time.Time
	for _, st := range c.Stats() {
		if st.LastPutAt.After(last) {
			last = st.LastPutAt
		}
	}
	return last
}
