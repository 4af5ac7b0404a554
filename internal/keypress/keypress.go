// Package keypress turns a terminal's stdin into a quit signal.
//
// [Watch] switches the terminal to raw mode so single keys arrive without
// Enter. Raw mode also disables the terminal's own Ctrl-C handling, so
// Ctrl-C is treated as a quit key as well.
package keypress

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"golang.org/x/term"
)

const (
	keyCtrlC = 0x03
	keyEsc   = 0x1b
)

// IsQuitKey reports whether b ends the program: q, Q, ESC or Ctrl-C.
func IsQuitKey(b byte) bool {
	return b == 'q' || b == 'Q' || b == keyEsc || b == keyCtrlC
}

// Watch returns a channel closed when a quit key is read from in, and a
// function restoring the terminal state. When in is not a terminal the
// channel never closes and restore is a no-op. ctx only bounds the setup; the
// reader goroutine ends with the process or at the first quit key.
func Watch(ctx context.Context, in *os.File) (quit <-chan struct{}, restore func() error, err error) {
	done := make(chan struct{})
	noop := func() error { return nil }
	if err := ctx.Err(); err != nil {
		return nil, noop, err
	}

	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		slog.Debug("keypress: stdin is not a terminal, quit key disabled")
		return done, noop, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, noop, err
	}
	rawMode.Store(true)
	go scan(in, done)

	restore = func() error {
		rawMode.Store(false)
		return term.Restore(fd, old)
	}
	return done, restore, nil
}

// scan reads r until a quit key or EOF and closes done on a quit key.
func scan(r io.Reader, done chan<- struct{}) {
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if IsQuitKey(b) {
				close(done)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// rawMode is set while a terminal is in raw mode.
var rawMode atomic.Bool

// CRLFWriter returns a writer that expands "\n" to "\r\n" while [Watch] has
// the terminal in raw mode, so log lines keep starting at column zero.
func CRLFWriter(w io.Writer) io.Writer { return crlfWriter{w} }

type crlfWriter struct{ w io.Writer }

func (c crlfWriter) Write(p []byte) (int, error) {
	if !rawMode.Load() || !bytes.Contains(p, []byte{'\n'}) {
		return c.w.Write(p)
	}
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
